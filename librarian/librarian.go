// Package librarian drives one dmxwifi invocation: scan, merge with the
// remembered credentials, let the user pick, then join, save or forget.
package librarian

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"dmxwifi/catalog"
	"dmxwifi/credstore"
	"dmxwifi/gowpasupplicant"
	"dmxwifi/poll"
	"dmxwifi/scan"
)

var (
	// ErrAssociationRejected means the daemon did not end up connected with
	// the saved secret. It is never retried.
	ErrAssociationRejected = errors.New("association rejected")
	// ErrNotInRange means the chosen or named network was not in the scan.
	ErrNotInRange = errors.New("network not in range")
)

const (
	promptJoin      = "connect:"
	promptSave      = "save password for:"
	promptForget    = "forget:"
	promptForgetAll = "forget all saved networks?"

	confirmYes = "yes"
	confirmNo  = "no"
)

// Selector shows lines to the user and returns the chosen one, or "" when
// the user cancels.
type Selector interface {
	Select(ctx context.Context, prompt string, lines []string) (string, error)
}

// Channel is the control channel to the wireless daemon.
type Channel interface {
	scan.Channel
	AddNetwork(ctx context.Context, ssid string) (gowpasupplicant.Handle, error)
	SetSecret(ctx context.Context, h gowpasupplicant.Handle, secret string) error
	SelectAndEnable(ctx context.Context, h gowpasupplicant.Handle) error
	Status(ctx context.Context) (gowpasupplicant.Status, error)
}

// Store is the credential library.
type Store interface {
	Load() (credstore.Library, error)
	Upsert(id, secret string) (credstore.Library, error)
	Delete(id string) (credstore.Library, bool, error)
	Clear() error
}

// Scanner produces fresh observations.
type Scanner interface {
	Scan(ctx context.Context) ([]scan.Observation, error)
}

// Options tune a Controller. Zero values are usable.
type Options struct {
	// Association bounds the wait for the daemon to report connected.
	Association poll.Policy
	// AllowUnobserved lets a named save target be stored without being seen
	// in the current scan.
	AllowUnobserved bool
	// AfterJoin runs once association is confirmed, e.g. to start DHCP.
	AfterJoin func(ctx context.Context, ssid string) error
	// AfterStoreChange runs after every successful library rewrite.
	AfterStoreChange func(ctx context.Context, lib credstore.Library) error
	Logger           *zap.Logger
}

// Controller is the association state machine. It keeps no state between
// runs other than the trail of the most recent one.
type Controller struct {
	channel  Channel
	scanner  Scanner
	store    Store
	selector Selector
	opts     Options
	logger   *zap.Logger
	trail    []State
}

// New wires a Controller.
func New(channel Channel, scanner Scanner, store Store, selector Selector, opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		channel:  channel,
		scanner:  scanner,
		store:    store,
		selector: selector,
		opts:     opts,
		logger:   logger,
	}
}

// Trail returns the states visited by the most recent run.
func (c *Controller) Trail() []State {
	return append([]State(nil), c.trail...)
}

func (c *Controller) begin() { c.trail = []State{StateIdle} }

func (c *Controller) enter(s State) {
	c.logger.Debug("state", zap.Stringer("from", c.trail[len(c.trail)-1]), zap.Stringer("to", s))
	c.trail = append(c.trail, s)
}

func (c *Controller) finish(res Result) (Result, error) {
	c.enter(StateDone)
	c.logger.Info("done", zap.Stringer("outcome", res.Outcome), zap.String("ssid", res.SSID))
	return res, nil
}

func (c *Controller) fail(err error) (Result, error) {
	c.enter(StateFailed)
	return Result{}, err
}

// Join lists every network and connects to the chosen one with its saved
// secret. Choosing a network without one does nothing.
func (c *Controller) Join(ctx context.Context) (Result, error) {
	c.begin()
	lib, entries, err := c.discover(ctx)
	if err != nil {
		return c.fail(err)
	}
	if len(entries) == 0 {
		c.logger.Info("no networks to show")
		return c.finish(Result{Outcome: OutcomeNoOp})
	}

	entry, ok, err := c.present(ctx, promptJoin, catalog.Render(entries), entries)
	if err != nil {
		return c.fail(err)
	}
	if !ok {
		return c.finish(Result{Outcome: OutcomeCancelled})
	}
	if !entry.Saved {
		c.logger.Info("no saved credential, nothing to join", zap.String("ssid", entry.SSID))
		return c.finish(Result{Outcome: OutcomeNoOp, SSID: entry.SSID})
	}
	if !entry.InRange {
		return c.fail(fmt.Errorf("%w: %q", ErrNotInRange, entry.SSID))
	}

	c.enter(StateJoining)
	if err := c.associate(ctx, entry, lib[entry.SSID]); err != nil {
		return c.fail(err)
	}
	if c.opts.AfterJoin != nil {
		if err := c.opts.AfterJoin(ctx, entry.SSID); err != nil {
			return c.fail(fmt.Errorf("after joining %q: %w", entry.SSID, err))
		}
	}
	return c.finish(Result{Outcome: OutcomeJoined, SSID: entry.SSID})
}

// SavePassword remembers secret for a network. With target empty the user
// picks the network from the merged list; otherwise target must be in the
// current scan unless AllowUnobserved is set.
func (c *Controller) SavePassword(ctx context.Context, secret, target string) (Result, error) {
	c.begin()
	_, entries, err := c.discover(ctx)
	if err != nil {
		return c.fail(err)
	}

	ssid := target
	if target != "" {
		entry, ok := catalog.Lookup(entries, target)
		if (!ok || !entry.InRange) && !c.opts.AllowUnobserved {
			return c.fail(fmt.Errorf("%w: %q", ErrNotInRange, target))
		}
	} else {
		if len(entries) == 0 {
			c.logger.Info("no networks to show")
			return c.finish(Result{Outcome: OutcomeNoOp})
		}
		entry, ok, err := c.present(ctx, promptSave, catalog.Render(entries), entries)
		if err != nil {
			return c.fail(err)
		}
		if !ok {
			return c.finish(Result{Outcome: OutcomeCancelled})
		}
		ssid = entry.SSID
	}

	c.enter(StateSavingCredential)
	lib, err := c.store.Upsert(ssid, secret)
	if err != nil {
		return c.fail(err)
	}
	if err := c.storeChanged(ctx, lib); err != nil {
		return c.fail(err)
	}
	return c.finish(Result{Outcome: OutcomeSaved, SSID: ssid})
}

// Forget removes one remembered network, chosen by the user when target is
// empty. No scan is needed.
func (c *Controller) Forget(ctx context.Context, target string) (Result, error) {
	c.begin()
	lib, err := c.store.Load()
	if err != nil {
		return c.fail(err)
	}

	ssid := target
	if target == "" {
		entries := catalog.Merge(nil, lib)
		if len(entries) == 0 {
			c.logger.Info("no saved networks")
			return c.finish(Result{Outcome: OutcomeNoOp})
		}
		entry, ok, err := c.present(ctx, promptForget, catalog.RenderNames(entries), entries)
		if err != nil {
			return c.fail(err)
		}
		if !ok {
			return c.finish(Result{Outcome: OutcomeCancelled})
		}
		ssid = entry.SSID
	}

	c.enter(StateForgetting)
	lib, removed, err := c.store.Delete(ssid)
	if err != nil {
		return c.fail(err)
	}
	if !removed {
		c.logger.Info("network was not saved", zap.String("ssid", ssid))
		return c.finish(Result{Outcome: OutcomeNoOp, SSID: ssid})
	}
	if err := c.storeChanged(ctx, lib); err != nil {
		return c.fail(err)
	}
	return c.finish(Result{Outcome: OutcomeForgotten, SSID: ssid})
}

// ForgetAll empties the library after the user confirms.
func (c *Controller) ForgetAll(ctx context.Context) (Result, error) {
	c.begin()
	c.enter(StatePresenting)
	choice, err := c.selector.Select(ctx, promptForgetAll, []string{confirmNo, confirmYes})
	if err != nil {
		return c.fail(err)
	}
	if choice != confirmYes {
		return c.finish(Result{Outcome: OutcomeCancelled})
	}

	c.enter(StateForgetting)
	if err := c.store.Clear(); err != nil {
		return c.fail(err)
	}
	if err := c.storeChanged(ctx, credstore.Library{}); err != nil {
		return c.fail(err)
	}
	return c.finish(Result{Outcome: OutcomeCleared})
}

// discover loads the library, scans, and merges the two.
func (c *Controller) discover(ctx context.Context) (credstore.Library, []catalog.Entry, error) {
	lib, err := c.store.Load()
	if err != nil {
		return nil, nil, err
	}
	c.enter(StateScanning)
	observations, err := c.scanner.Scan(ctx)
	if err != nil {
		return nil, nil, err
	}
	entries := catalog.Merge(observations, lib)
	c.logger.Debug("catalog built",
		zap.Int("observations", len(observations)),
		zap.Int("saved", len(lib)),
		zap.Int("entries", len(entries)))
	return lib, entries, nil
}

func (c *Controller) present(ctx context.Context, prompt string, lines []string, entries []catalog.Entry) (catalog.Entry, bool, error) {
	c.enter(StatePresenting)
	choice, err := c.selector.Select(ctx, prompt, lines)
	if err != nil {
		return catalog.Entry{}, false, err
	}
	entry, ok := catalog.ResolveLines(choice, lines, entries)
	return entry, ok, nil
}

func (c *Controller) associate(ctx context.Context, entry catalog.Entry, secret string) error {
	if !entry.Secured {
		secret = ""
	}
	h, err := c.channel.AddNetwork(ctx, entry.SSID)
	if err != nil {
		return err
	}
	if err := c.channel.SetSecret(ctx, h, secret); err != nil {
		if errors.Is(err, gowpasupplicant.ErrInvalidSecret) {
			return fmt.Errorf("%w: %q: %w", ErrAssociationRejected, entry.SSID, err)
		}
		return err
	}
	if err := c.channel.SelectAndEnable(ctx, h); err != nil {
		return err
	}

	var last gowpasupplicant.Status
	err = poll.Until(ctx, c.opts.Association, func(attempt int) (bool, error) {
		st, err := c.channel.Status(ctx)
		if err != nil {
			return false, err
		}
		last = st
		c.logger.Debug("association status", zap.Int("attempt", attempt), zap.String("state", st.State), zap.String("ssid", st.SSID))
		return st.Connected(entry.SSID), nil
	})
	if errors.Is(err, poll.ErrExhausted) {
		return fmt.Errorf("%w: %q not connected (last state %s)", ErrAssociationRejected, entry.SSID, stateOrUnknown(last.State))
	}
	return err
}

func (c *Controller) storeChanged(ctx context.Context, lib credstore.Library) error {
	if c.opts.AfterStoreChange == nil {
		return nil
	}
	return c.opts.AfterStoreChange(ctx, lib)
}

func stateOrUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
