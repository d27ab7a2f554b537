// Package scan turns the wireless daemon's scan table into network
// observations.
package scan

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"dmxwifi/gowpasupplicant"
	"dmxwifi/poll"
)

// MinSignal stands in for a signal level that could not be parsed, so the
// network still shows up, last in its tier.
const MinSignal = math.MinInt32

var (
	// ErrUnavailable means the control channel could not be reached.
	ErrUnavailable = errors.New("scan unavailable")
	// ErrTimeout means no results appeared within the polling budget.
	ErrTimeout = errors.New("scan timed out")
)

// securedFlags are the capability markers wpa_supplicant puts in the flags
// column of secured networks.
var securedFlags = []string{"WPA", "RSN", "WEP", "SAE", "EAP"}

// Observation is one network seen in the current scan.
type Observation struct {
	BSSID     string
	Frequency int
	SSID      string
	Signal    int
	Secured   bool
	Flags     string
}

// Channel is the part of the control channel a scan needs.
type Channel interface {
	TriggerScan(ctx context.Context) error
	ScanResults(ctx context.Context) ([]gowpasupplicant.ScanRecord, error)
}

// Waiter is implemented by channels that report scan completion themselves.
// Such a scan may legitimately come back empty.
type Waiter interface {
	AwaitScan(ctx context.Context) error
}

// Reader triggers scans and waits for their results.
type Reader struct {
	channel Channel
	policy  poll.Policy
	logger  *zap.Logger
}

// NewReader returns a Reader polling the channel at most attempts times,
// interval apart.
func NewReader(channel Channel, attempts int, interval time.Duration, logger *zap.Logger) *Reader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reader{
		channel: channel,
		policy:  poll.Policy{Attempts: attempts, Interval: interval},
		logger:  logger,
	}
}

// Scan requests a scan and returns its results. A channel that is a Waiter
// is given the whole polling budget to report completion; any other channel
// is polled for the first non-empty result set.
func (r *Reader) Scan(ctx context.Context) ([]Observation, error) {
	if w, ok := r.channel.(Waiter); ok {
		return r.awaitScan(ctx, w)
	}
	if err := r.channel.TriggerScan(ctx); err != nil {
		return nil, classify(err)
	}

	var records []gowpasupplicant.ScanRecord
	err := poll.Until(ctx, r.policy, func(attempt int) (bool, error) {
		recs, err := r.channel.ScanResults(ctx)
		if err != nil {
			return false, err
		}
		r.logger.Debug("polled scan results", zap.Int("attempt", attempt), zap.Int("records", len(recs)))
		records = recs
		return len(recs) > 0, nil
	})
	switch {
	case errors.Is(err, poll.ErrExhausted):
		return nil, fmt.Errorf("%w: no results after %d attempts", ErrTimeout, r.policy.Attempts)
	case err != nil:
		return nil, classify(err)
	}

	return r.observe(records), nil
}

func (r *Reader) awaitScan(ctx context.Context, w Waiter) ([]Observation, error) {
	budget := r.budget()
	waitCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()
	if err := w.AwaitScan(waitCtx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: no completion within %s", ErrTimeout, budget)
		}
		return nil, classify(err)
	}
	records, err := r.channel.ScanResults(ctx)
	if err != nil {
		return nil, classify(err)
	}
	return r.observe(records), nil
}

// budget is the wall-clock equivalent of the polling policy.
func (r *Reader) budget() time.Duration {
	attempts := r.policy.Attempts
	if attempts < 1 {
		attempts = 1
	}
	return time.Duration(attempts) * r.policy.Interval
}

func (r *Reader) observe(records []gowpasupplicant.ScanRecord) []Observation {
	obs := make([]Observation, 0, len(records))
	for _, rec := range records {
		obs = append(obs, Parse(rec))
	}
	r.logger.Debug("scan complete", zap.Int("observations", len(obs)))
	return obs
}

// Parse converts a raw scan row. An unparseable signal becomes MinSignal and
// an unparseable frequency becomes 0; neither drops the row.
func Parse(rec gowpasupplicant.ScanRecord) Observation {
	o := Observation{
		BSSID:   rec.BSSID,
		SSID:    rec.SSID,
		Flags:   rec.Flags,
		Secured: isSecured(rec.Flags),
		Signal:  MinSignal,
	}
	if s, err := strconv.Atoi(strings.TrimSpace(rec.Signal)); err == nil {
		o.Signal = s
	}
	if f, err := strconv.Atoi(strings.TrimSpace(rec.Frequency)); err == nil {
		o.Frequency = f
	}
	return o
}

func isSecured(flags string) bool {
	upper := strings.ToUpper(flags)
	for _, f := range securedFlags {
		if strings.Contains(upper, f) {
			return true
		}
	}
	return false
}

func classify(err error) error {
	if errors.Is(err, gowpasupplicant.ErrUnavailable) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}
