package registry

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/actiond/internal/action"
	"github.com/fyrsmithlabs/actiond/internal/clock"
	"github.com/fyrsmithlabs/actiond/internal/safety"
)

var epoch = time.Date(2026, 1, 31, 10, 0, 0, 0, time.UTC)

func newDecision(id string) action.Decision {
	return action.Decision{
		ID:              id,
		Type:            action.TypeAdjustRouting,
		TargetDimension: "issuer_bank",
		TargetValue:     "HDFC",
		Params:          action.RoutingParams{ShiftPct: 20},
		DurationMinutes: 30,
		RiskLevel:       action.RiskLow,
		Confidence:      0.8,
	}
}

func newValidator(t *testing.T) *safety.Validator {
	t.Helper()
	v, err := safety.NewValidator(safety.DefaultLimits(), nil)
	require.NoError(t, err)
	return v
}

func activate(t *testing.T, r *Registry, clk clock.Clock, id string, onExpire func()) {
	t.Helper()
	d := newDecision(id)
	now := clk.Now()
	require.NoError(t, r.Register(ActiveAction{
		Decision:  d,
		StartedAt: now,
		ExpiresAt: now.Add(d.Duration()),
	}, onExpire))
}

func TestRegistry_AdmitReservesSlot(t *testing.T) {
	r := New(Config{Clock: clock.NewFake(epoch)})
	v := newValidator(t)

	res, err := r.Admit(newDecision("a1"), v)
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, 1, r.SnapshotCount())

	got, ok := r.Get("a1")
	require.True(t, ok)
	assert.Equal(t, StatusPending, got.Status)

	_, err = r.Admit(newDecision("a1"), v)
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestRegistry_AdmitRejectsWhenFull(t *testing.T) {
	clk := clock.NewFake(epoch)
	r := New(Config{Clock: clk})
	v := newValidator(t)

	for i := range 3 {
		res, err := r.Admit(newDecision(fmt.Sprintf("a%d", i)), v)
		require.NoError(t, err)
		require.True(t, res.Accepted)
	}

	res, err := r.Admit(newDecision("a4"), v)
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.True(t, res.Has(safety.CodeConcurrencyLimit))
	assert.Equal(t, 3, r.SnapshotCount())
}

func TestRegistry_ConcurrentAdmitNeverExceedsLimit(t *testing.T) {
	r := New(Config{Clock: clock.NewFake(epoch)})
	v := newValidator(t)

	var wg sync.WaitGroup
	var admitted atomic.Int32
	for i := range 64 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := r.Admit(newDecision(fmt.Sprintf("c%d", i)), v)
			if err == nil && res.Accepted {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(3), admitted.Load())
	assert.Equal(t, 3, r.SnapshotCount())
}

func TestRegistry_RegisterActivatesReservation(t *testing.T) {
	clk := clock.NewFake(epoch)
	r := New(Config{Clock: clk})

	_, err := r.Admit(newDecision("a1"), newValidator(t))
	require.NoError(t, err)
	activate(t, r, clk, "a1", nil)

	got, ok := r.Get("a1")
	require.True(t, ok)
	assert.Equal(t, StatusActive, got.Status)
	assert.Equal(t, epoch.Add(30*time.Minute), got.ExpiresAt)

	err = r.Register(ActiveAction{Decision: newDecision("a1")}, nil)
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestRegistry_RegisterCapacity(t *testing.T) {
	clk := clock.NewFake(epoch)
	r := New(Config{Clock: clk, Capacity: func() int { return 1 }})

	activate(t, r, clk, "a1", nil)
	err := r.Register(ActiveAction{Decision: newDecision("a2")}, nil)
	assert.ErrorIs(t, err, ErrCapacity)
}

func TestRegistry_ExpiryFires(t *testing.T) {
	clk := clock.NewFake(epoch)
	r := New(Config{Clock: clk})

	var fired atomic.Int32
	activate(t, r, clk, "a1", func() { fired.Add(1) })
	assert.Equal(t, 1, clk.Pending())

	clk.Advance(29 * time.Minute)
	assert.Equal(t, int32(0), fired.Load())
	clk.Advance(time.Minute)
	assert.Equal(t, int32(1), fired.Load())
}

func TestRegistry_DeregisterCancelsExpiry(t *testing.T) {
	clk := clock.NewFake(epoch)
	r := New(Config{Clock: clk})

	var fired atomic.Int32
	activate(t, r, clk, "a1", func() { fired.Add(1) })

	removed, err := r.Deregister("a1")
	require.NoError(t, err)
	assert.Equal(t, "a1", removed.ID())
	assert.Equal(t, 0, clk.Pending())

	clk.Advance(2 * time.Hour)
	assert.Equal(t, int32(0), fired.Load())

	_, err = r.Deregister("a1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_TransitionMonotonic(t *testing.T) {
	clk := clock.NewFake(epoch)
	r := New(Config{Clock: clk})
	activate(t, r, clk, "a1", nil)

	_, err := r.Transition("a1", StatusObserving, "")
	require.NoError(t, err)

	_, err = r.Transition("a1", StatusActive, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = r.Transition("a1", StatusObserving, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	prev, err := r.Transition("a1", StatusStable, "")
	require.NoError(t, err)
	assert.Equal(t, StatusObserving, prev.Status)

	got, _ := r.Get("a1")
	assert.Equal(t, StatusStable, got.Status)
	assert.True(t, got.EndedAt.IsZero())

	// A kept action can still be reverted.
	clk.Advance(time.Minute)
	prev, err = r.Transition("a1", StatusRolledBack, "Automatic expiration")
	require.NoError(t, err)
	assert.Equal(t, StatusStable, prev.Status)

	_, err = r.Transition("a1", StatusStable, "")
	assert.ErrorIs(t, err, ErrTerminal)

	got, _ = r.Get("a1")
	assert.Equal(t, StatusRolledBack, got.Status)
	assert.Equal(t, "Automatic expiration", got.RollbackReason)
	assert.Equal(t, epoch.Add(time.Minute), got.EndedAt)

	_, err = r.Transition("missing", StatusStable, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_StableKeepsExpiryArmed(t *testing.T) {
	clk := clock.NewFake(epoch)
	r := New(Config{Clock: clk})

	var fired atomic.Int32
	activate(t, r, clk, "a1", func() { fired.Add(1) })
	_, err := r.Transition("a1", StatusObserving, "")
	require.NoError(t, err)
	_, err = r.Transition("a1", StatusStable, "")
	require.NoError(t, err)

	assert.Equal(t, 1, clk.Pending())
	assert.Equal(t, 1, r.SnapshotCount())

	clk.Advance(30 * time.Minute)
	assert.Equal(t, int32(1), fired.Load())
}

func TestRegistry_Done(t *testing.T) {
	clk := clock.NewFake(epoch)
	r := New(Config{Clock: clk})
	activate(t, r, clk, "kept", nil)
	activate(t, r, clk, "dropped", nil)

	kept := r.Done("kept")
	_, err := r.Transition("kept", StatusStable, "")
	require.NoError(t, err)
	select {
	case <-kept:
		t.Fatal("done closed for an action that is still applied")
	default:
	}

	_, err = r.Transition("kept", StatusRolledBack, "Manual rollback: operator")
	require.NoError(t, err)
	select {
	case <-kept:
	default:
		t.Fatal("done not closed after rollback")
	}

	dropped := r.Done("dropped")
	_, err = r.Deregister("dropped")
	require.NoError(t, err)
	select {
	case <-dropped:
	default:
		t.Fatal("done not closed after deregister")
	}

	select {
	case <-r.Done("ghost"):
	default:
		t.Fatal("done for an unknown id should be closed")
	}
}

func TestRegistry_TerminalTransitionSingleWinner(t *testing.T) {
	clk := clock.NewFake(epoch)
	r := New(Config{Clock: clk})
	activate(t, r, clk, "a1", func() {})

	var wg sync.WaitGroup
	var wins, terminal atomic.Int32
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Transition("a1", StatusRolledBack, "race")
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrTerminal):
				terminal.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(15), terminal.Load())
	// The terminal transition stopped the expiry timer.
	assert.Equal(t, 0, clk.Pending())
}

func TestRegistry_SweepExpired(t *testing.T) {
	clk := clock.NewFake(epoch)
	r := New(Config{Clock: clk})
	activate(t, r, clk, "old", nil)
	clk.Advance(20 * time.Minute)
	activate(t, r, clk, "new", nil)
	_, err := r.Admit(newDecision("reserved"), newValidator(t))
	require.NoError(t, err)

	swept := r.SweepExpired(epoch.Add(35 * time.Minute))
	require.Len(t, swept, 1)
	assert.Equal(t, "old", swept[0].ID())

	_, ok := r.Get("old")
	assert.False(t, ok)
	_, ok = r.Get("new")
	assert.True(t, ok)
	_, ok = r.Get("reserved")
	assert.True(t, ok)
}

func TestRegistry_ListIsOrderedCopy(t *testing.T) {
	clk := clock.NewFake(epoch)
	r := New(Config{Clock: clk})
	activate(t, r, clk, "b", nil)
	activate(t, r, clk, "a", nil)
	clk.Advance(time.Minute)
	activate(t, r, clk, "c", nil)

	list := r.List()
	require.Len(t, list, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{list[0].ID(), list[1].ID(), list[2].ID()})

	list[0].Status = StatusStable
	got, _ := r.Get("a")
	assert.Equal(t, StatusActive, got.Status)
}

func TestRegistry_RollbackHistory(t *testing.T) {
	clk := clock.NewFake(epoch)
	r := New(Config{Clock: clk, HistorySize: 2})

	for _, id := range []string{"r1", "s1", "r2", "r3"} {
		activate(t, r, clk, id, nil)
		to := StatusRolledBack
		if id == "s1" {
			to = StatusStable
		}
		clk.Advance(time.Minute)
		_, err := r.Transition(id, to, "Degradation detected")
		require.NoError(t, err)
		_, err = r.Deregister(id)
		require.NoError(t, err)
	}

	assert.Len(t, r.History(), 2)
	rbs := r.Rollbacks()
	require.Len(t, rbs, 2)
	assert.Equal(t, "r2", rbs[0].ActionID)
	assert.Equal(t, "r3", rbs[1].ActionID)
	assert.Equal(t, "Degradation detected", rbs[1].Reason)
	assert.Equal(t, "issuer_bank=HDFC", rbs[1].Target)
	assert.Equal(t, epoch.Add(4*time.Minute), rbs[1].RolledBackAt)
}

func TestRegistry_PendingReleaseNotArchived(t *testing.T) {
	r := New(Config{Clock: clock.NewFake(epoch)})
	_, err := r.Admit(newDecision("a1"), newValidator(t))
	require.NoError(t, err)

	_, err = r.Deregister("a1")
	require.NoError(t, err)
	assert.Empty(t, r.History())
	assert.Equal(t, 0, r.SnapshotCount())
}
