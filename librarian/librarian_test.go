package librarian

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dmxwifi/credstore"
	"dmxwifi/gowpasupplicant"
	"dmxwifi/poll"
	"dmxwifi/scan"
)

// --- Fakes ---

type fakeChannel struct {
	calls     []string
	statuses  []gowpasupplicant.Status
	secretErr error
	nextID    int
}

func (f *fakeChannel) TriggerScan(context.Context) error { return nil }

func (f *fakeChannel) ScanResults(context.Context) ([]gowpasupplicant.ScanRecord, error) {
	return nil, nil
}

func (f *fakeChannel) AddNetwork(_ context.Context, ssid string) (gowpasupplicant.Handle, error) {
	f.calls = append(f.calls, "add "+ssid)
	h := gowpasupplicant.Handle{ID: f.nextID, SSID: ssid}
	f.nextID++
	return h, nil
}

func (f *fakeChannel) SetSecret(_ context.Context, h gowpasupplicant.Handle, secret string) error {
	f.calls = append(f.calls, "secret "+h.SSID+" "+secret)
	return f.secretErr
}

func (f *fakeChannel) SelectAndEnable(_ context.Context, h gowpasupplicant.Handle) error {
	f.calls = append(f.calls, "select "+h.SSID)
	return nil
}

func (f *fakeChannel) Status(context.Context) (gowpasupplicant.Status, error) {
	f.calls = append(f.calls, "status")
	if len(f.statuses) == 0 {
		return gowpasupplicant.Status{State: "SCANNING"}, nil
	}
	st := f.statuses[0]
	if len(f.statuses) > 1 {
		f.statuses = f.statuses[1:]
	}
	return st, nil
}

type fakeScanner struct {
	observations []scan.Observation
	err          error
	calls        int
}

func (f *fakeScanner) Scan(context.Context) ([]scan.Observation, error) {
	f.calls++
	return f.observations, f.err
}

// fakeSelector answers with pick(lines) and remembers what it was shown.
type fakeSelector struct {
	pick    func(lines []string) string
	prompts []string
	shown   [][]string
}

func (f *fakeSelector) Select(_ context.Context, prompt string, lines []string) (string, error) {
	f.prompts = append(f.prompts, prompt)
	f.shown = append(f.shown, lines)
	if f.pick == nil {
		return "", nil
	}
	return f.pick(lines), nil
}

func pickContaining(s string) func([]string) string {
	return func(lines []string) string {
		for _, l := range lines {
			if strings.Contains(l, s) {
				return l
			}
		}
		return ""
	}
}

func pickExact(s string) func([]string) string {
	return func([]string) string { return s }
}

func homeAndCafe() []scan.Observation {
	return []scan.Observation{
		{SSID: "Home", Signal: -40, Secured: true, Flags: "[WPA2-PSK-CCMP][ESS]"},
		{SSID: "Cafe", Signal: -70, Flags: "[ESS]"},
	}
}

func newStore(t *testing.T, lib credstore.Library) *credstore.Store {
	t.Helper()
	store := credstore.New(filepath.Join(t.TempDir(), "dmxwifi_lib"), nil)
	if lib != nil {
		require.NoError(t, store.Save(lib))
	}
	return store
}

var quickAssociation = poll.Policy{Attempts: 3}

// --- Join ---

func TestJoin_SavedNetworkAssociates(t *testing.T) {
	ch := &fakeChannel{statuses: []gowpasupplicant.Status{
		{State: "ASSOCIATING"},
		{State: gowpasupplicant.StateCompleted, SSID: "Home"},
	}}
	sel := &fakeSelector{pick: pickContaining("Home")}
	var joined string
	c := New(ch, &fakeScanner{observations: homeAndCafe()}, newStore(t, credstore.Library{"Home": "pw1"}), sel, Options{
		Association: quickAssociation,
		AfterJoin: func(_ context.Context, ssid string) error {
			joined = ssid
			return nil
		},
	})

	res, err := c.Join(context.Background())

	require.NoError(t, err)
	assert.Equal(t, Result{Outcome: OutcomeJoined, SSID: "Home"}, res)
	assert.Equal(t, []string{"add Home", "secret Home pw1", "select Home", "status", "status"}, ch.calls)
	assert.Equal(t, "Home", joined)
	require.Len(t, sel.shown, 1)
	assert.Equal(t, []string{"connect:"}, sel.prompts)
	assert.Equal(t, []State{StateIdle, StateScanning, StatePresenting, StateJoining, StateDone}, c.Trail())
}

func TestJoin_UnsavedNetworkIsNoOp(t *testing.T) {
	ch := &fakeChannel{}
	store := newStore(t, credstore.Library{"Home": "pw1"})
	c := New(ch, &fakeScanner{observations: homeAndCafe()}, store, &fakeSelector{pick: pickContaining("Cafe")}, Options{Association: quickAssociation})

	res, err := c.Join(context.Background())

	require.NoError(t, err)
	assert.Equal(t, Result{Outcome: OutcomeNoOp, SSID: "Cafe"}, res)
	assert.Empty(t, ch.calls)
}

func TestJoin_Cancelled(t *testing.T) {
	ch := &fakeChannel{}
	c := New(ch, &fakeScanner{observations: homeAndCafe()}, newStore(t, nil), &fakeSelector{}, Options{})

	res, err := c.Join(context.Background())

	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, res.Outcome)
	assert.Empty(t, ch.calls)
	assert.Equal(t, StateDone, c.Trail()[len(c.Trail())-1])
}

func TestJoin_TypedTextIsTreatedAsCancel(t *testing.T) {
	ch := &fakeChannel{}
	c := New(ch, &fakeScanner{observations: homeAndCafe()}, newStore(t, credstore.Library{"Home": "pw1"}), &fakeSelector{pick: pickExact("Home")}, Options{})

	res, err := c.Join(context.Background())

	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, res.Outcome)
	assert.Empty(t, ch.calls)
}

func TestJoin_SavedButOutOfRange(t *testing.T) {
	ch := &fakeChannel{}
	c := New(ch, &fakeScanner{observations: homeAndCafe()}, newStore(t, credstore.Library{"Office": "x"}), &fakeSelector{pick: pickContaining("Office")}, Options{})

	_, err := c.Join(context.Background())

	require.ErrorIs(t, err, ErrNotInRange)
	assert.Empty(t, ch.calls)
	assert.Equal(t, StateFailed, c.Trail()[len(c.Trail())-1])
}

func TestJoin_RejectedWhenNeverConnected(t *testing.T) {
	ch := &fakeChannel{statuses: []gowpasupplicant.Status{{State: "4WAY_HANDSHAKE", SSID: "Home"}}}
	c := New(ch, &fakeScanner{observations: homeAndCafe()}, newStore(t, credstore.Library{"Home": "wrong"}), &fakeSelector{pick: pickContaining("Home")}, Options{
		Association: quickAssociation,
		AfterJoin: func(context.Context, string) error {
			t.Fatal("AfterJoin must not run")
			return nil
		},
	})

	_, err := c.Join(context.Background())

	require.ErrorIs(t, err, ErrAssociationRejected)
	assert.Contains(t, err.Error(), "4WAY_HANDSHAKE")
	// One status read per attempt, no retry of the association itself.
	assert.Equal(t, []string{"add Home", "secret Home wrong", "select Home", "status", "status", "status"}, ch.calls)
}

func TestJoin_InvalidSecretIsRejected(t *testing.T) {
	ch := &fakeChannel{secretErr: gowpasupplicant.ErrInvalidSecret}
	c := New(ch, &fakeScanner{observations: homeAndCafe()}, newStore(t, credstore.Library{"Home": "s3cr3t"}), &fakeSelector{pick: pickContaining("Home")}, Options{Association: quickAssociation})

	_, err := c.Join(context.Background())

	require.ErrorIs(t, err, ErrAssociationRejected)
	require.ErrorIs(t, err, gowpasupplicant.ErrInvalidSecret)
	assert.Equal(t, []string{"add Home", "secret Home s3cr3t"}, ch.calls)
}

func TestJoin_OpenNetworkGetsNoSecret(t *testing.T) {
	ch := &fakeChannel{statuses: []gowpasupplicant.Status{{State: gowpasupplicant.StateCompleted, SSID: "Cafe"}}}
	c := New(ch, &fakeScanner{observations: homeAndCafe()}, newStore(t, credstore.Library{"Cafe": "leftover"}), &fakeSelector{pick: pickContaining("Cafe")}, Options{Association: quickAssociation})

	res, err := c.Join(context.Background())

	require.NoError(t, err)
	assert.Equal(t, OutcomeJoined, res.Outcome)
	assert.Contains(t, ch.calls, "secret Cafe ")
}

func TestJoin_ScanUnavailableLeavesStoreUntouched(t *testing.T) {
	store := newStore(t, credstore.Library{"Home": "pw1"})
	before, err := os.ReadFile(store.Path())
	require.NoError(t, err)
	sel := &fakeSelector{pick: pickContaining("Home")}
	ch := &fakeChannel{}
	c := New(ch, &fakeScanner{err: scan.ErrUnavailable}, store, sel, Options{})

	_, err = c.Join(context.Background())

	require.ErrorIs(t, err, scan.ErrUnavailable)
	assert.Empty(t, sel.shown)
	assert.Empty(t, ch.calls)
	after, err := os.ReadFile(store.Path())
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, []State{StateIdle, StateScanning, StateFailed}, c.Trail())
}

func TestJoin_UnreadableStoreStopsBeforeScan(t *testing.T) {
	store := newStore(t, nil)
	require.NoError(t, os.WriteFile(store.Path(), []byte("not a library\n"), 0o600))
	scanner := &fakeScanner{observations: homeAndCafe()}
	c := New(&fakeChannel{}, scanner, store, &fakeSelector{}, Options{})

	_, err := c.Join(context.Background())

	require.ErrorIs(t, err, credstore.ErrUnreadable)
	assert.Zero(t, scanner.calls)
}

func TestJoin_AfterJoinFailureIsReported(t *testing.T) {
	ch := &fakeChannel{statuses: []gowpasupplicant.Status{{State: gowpasupplicant.StateCompleted, SSID: "Home"}}}
	boom := errors.New("dhclient exited 1")
	c := New(ch, &fakeScanner{observations: homeAndCafe()}, newStore(t, credstore.Library{"Home": "pw1"}), &fakeSelector{pick: pickContaining("Home")}, Options{
		Association: quickAssociation,
		AfterJoin:   func(context.Context, string) error { return boom },
	})

	_, err := c.Join(context.Background())

	require.ErrorIs(t, err, boom)
}

func TestJoin_NothingToShow(t *testing.T) {
	sel := &fakeSelector{}
	store := newStore(t, nil)
	c := New(&fakeChannel{}, &fakeScanner{}, store, sel, Options{})

	res, err := c.Join(context.Background())

	require.NoError(t, err)
	assert.Equal(t, Result{Outcome: OutcomeNoOp}, res)
	assert.Empty(t, sel.shown)
	assert.Equal(t, StateDone, c.Trail()[len(c.Trail())-1])
}

// --- SavePassword ---

func TestSavePassword_ThenJoinListsItAsSaved(t *testing.T) {
	observations := append(homeAndCafe(), scan.Observation{SSID: "Office", Signal: -60, Secured: true})
	store := newStore(t, credstore.Library{"Home": "pw1"})
	var exported credstore.Library
	opts := Options{
		Association: quickAssociation,
		AfterStoreChange: func(_ context.Context, lib credstore.Library) error {
			exported = lib
			return nil
		},
	}
	ch := &fakeChannel{}
	c := New(ch, &fakeScanner{observations: observations}, store, &fakeSelector{pick: pickContaining("Office")}, opts)

	res, err := c.SavePassword(context.Background(), "s3cr3t", "")

	require.NoError(t, err)
	assert.Equal(t, Result{Outcome: OutcomeSaved, SSID: "Office"}, res)
	assert.Empty(t, ch.calls)
	assert.Equal(t, credstore.Library{"Home": "pw1", "Office": "s3cr3t"}, exported)
	assert.Equal(t, []State{StateIdle, StateScanning, StatePresenting, StateSavingCredential, StateDone}, c.Trail())

	sel := &fakeSelector{}
	c = New(ch, &fakeScanner{observations: observations}, store, sel, opts)
	_, err = c.Join(context.Background())
	require.NoError(t, err)
	require.Len(t, sel.shown, 1)
	assert.Equal(t, []string{
		"* Home      -40 dBm  secured",
		"* Office    -60 dBm  secured",
		"  Cafe      -70 dBm  open",
	}, sel.shown[0])
}

func TestSavePassword_OverwritesExisting(t *testing.T) {
	store := newStore(t, credstore.Library{"Home": "old"})
	c := New(&fakeChannel{}, &fakeScanner{observations: homeAndCafe()}, store, &fakeSelector{pick: pickContaining("Home")}, Options{})

	_, err := c.SavePassword(context.Background(), "new", "")

	require.NoError(t, err)
	lib, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, credstore.Library{"Home": "new"}, lib)
}

func TestSavePassword_NamedTarget(t *testing.T) {
	store := newStore(t, nil)
	sel := &fakeSelector{}
	c := New(&fakeChannel{}, &fakeScanner{observations: homeAndCafe()}, store, sel, Options{})

	res, err := c.SavePassword(context.Background(), "pw", "Cafe")

	require.NoError(t, err)
	assert.Equal(t, "Cafe", res.SSID)
	assert.Empty(t, sel.shown)
	lib, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, credstore.Library{"Cafe": "pw"}, lib)
}

func TestSavePassword_NothingToShow(t *testing.T) {
	sel := &fakeSelector{}
	store := newStore(t, nil)
	c := New(&fakeChannel{}, &fakeScanner{}, store, sel, Options{})

	res, err := c.SavePassword(context.Background(), "pw", "")

	require.NoError(t, err)
	assert.Equal(t, OutcomeNoOp, res.Outcome)
	assert.Empty(t, sel.shown)
	lib, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, lib)
}

func TestSavePassword_NamedTargetMustBeObserved(t *testing.T) {
	store := newStore(t, nil)
	c := New(&fakeChannel{}, &fakeScanner{observations: homeAndCafe()}, store, &fakeSelector{}, Options{})

	_, err := c.SavePassword(context.Background(), "pw", "Elsewhere")

	require.ErrorIs(t, err, ErrNotInRange)
	lib, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, lib)

	c = New(&fakeChannel{}, &fakeScanner{observations: homeAndCafe()}, store, &fakeSelector{}, Options{AllowUnobserved: true})
	res, err := c.SavePassword(context.Background(), "pw", "Elsewhere")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSaved, res.Outcome)
}

func TestSavePassword_CancelWritesNothing(t *testing.T) {
	store := newStore(t, nil)
	c := New(&fakeChannel{}, &fakeScanner{observations: homeAndCafe()}, store, &fakeSelector{}, Options{})

	res, err := c.SavePassword(context.Background(), "pw", "")

	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, res.Outcome)
	_, err = os.Stat(store.Path())
	assert.True(t, os.IsNotExist(err))
}

func TestSavePassword_BrokenStorePath(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))
	store := credstore.New(filepath.Join(blocker, "lib.toml"), nil)
	c := New(&fakeChannel{}, &fakeScanner{observations: homeAndCafe()}, store, &fakeSelector{pick: pickContaining("Home")}, Options{})

	_, err := c.SavePassword(context.Background(), "pw", "")

	require.ErrorIs(t, err, credstore.ErrUnreadable)
	assert.Equal(t, StateFailed, c.Trail()[len(c.Trail())-1])
}

// --- Forget ---

func TestForget_ChosenNetwork(t *testing.T) {
	store := newStore(t, credstore.Library{"Home": "pw1", "Office": "x"})
	scanner := &fakeScanner{}
	sel := &fakeSelector{pick: pickContaining("Office")}
	var exported credstore.Library
	c := New(&fakeChannel{}, scanner, store, sel, Options{
		AfterStoreChange: func(_ context.Context, lib credstore.Library) error {
			exported = lib
			return nil
		},
	})

	res, err := c.Forget(context.Background(), "")

	require.NoError(t, err)
	assert.Equal(t, Result{Outcome: OutcomeForgotten, SSID: "Office"}, res)
	assert.Zero(t, scanner.calls)
	assert.Equal(t, [][]string{{"* Home", "* Office"}}, sel.shown)
	assert.Equal(t, credstore.Library{"Home": "pw1"}, exported)
	assert.Equal(t, []State{StateIdle, StatePresenting, StateForgetting, StateDone}, c.Trail())
}

func TestForget_NamedAndMissing(t *testing.T) {
	store := newStore(t, credstore.Library{"Home": "pw1"})
	changes := 0
	c := New(&fakeChannel{}, &fakeScanner{}, store, &fakeSelector{}, Options{
		AfterStoreChange: func(context.Context, credstore.Library) error {
			changes++
			return nil
		},
	})

	res, err := c.Forget(context.Background(), "Nowhere")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoOp, res.Outcome)
	assert.Zero(t, changes)

	res, err = c.Forget(context.Background(), "Home")
	require.NoError(t, err)
	assert.Equal(t, OutcomeForgotten, res.Outcome)
	assert.Equal(t, 1, changes)
}

func TestForget_EmptyLibrary(t *testing.T) {
	sel := &fakeSelector{}
	c := New(&fakeChannel{}, &fakeScanner{}, newStore(t, nil), sel, Options{})

	res, err := c.Forget(context.Background(), "")

	require.NoError(t, err)
	assert.Equal(t, OutcomeNoOp, res.Outcome)
	assert.Empty(t, sel.shown)
}

func TestForgetAll(t *testing.T) {
	store := newStore(t, credstore.Library{"Home": "pw1", "Office": "x"})

	c := New(&fakeChannel{}, &fakeScanner{}, store, &fakeSelector{pick: pickExact("no")}, Options{})
	res, err := c.ForgetAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, res.Outcome)
	lib, err := store.Load()
	require.NoError(t, err)
	assert.Len(t, lib, 2)

	sel := &fakeSelector{pick: pickExact("yes")}
	c = New(&fakeChannel{}, &fakeScanner{}, store, sel, Options{})
	res, err = c.ForgetAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeCleared, res.Outcome)
	assert.Equal(t, [][]string{{"no", "yes"}}, sel.shown)
	lib, err = store.Load()
	require.NoError(t, err)
	assert.Empty(t, lib)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "SavingCredential", StateSavingCredential.String())
	assert.Equal(t, "Unknown(42)", State(42).String())
	assert.Equal(t, "no-op", OutcomeNoOp.String())
}
