package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/fyrsmithlabs/actiond/internal/action"
	"github.com/fyrsmithlabs/actiond/internal/clock"
	"github.com/fyrsmithlabs/actiond/internal/controlplane"
	"github.com/fyrsmithlabs/actiond/internal/metrics"
	"github.com/fyrsmithlabs/actiond/internal/registry"
	"github.com/fyrsmithlabs/actiond/internal/safety"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var epoch = time.Date(2026, 1, 31, 10, 0, 0, 0, time.UTC)

type fixture struct {
	clk  *clock.Fake
	reg  *registry.Registry
	sim  *controlplane.Simulated
	exec *Executor

	mu        sync.Mutex
	rollbacks []RollbackResult
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{clk: clock.NewFake(epoch)}
	f.reg = registry.New(registry.Config{Clock: f.clk})
	f.sim = controlplane.NewSimulated(controlplane.NewState(), nil)

	var err error
	f.exec, err = New(Config{
		Registry:     f.reg,
		ControlPlane: f.sim,
		Clock:        f.clk,
		OnRollback: func(_ registry.ActiveAction, r RollbackResult) {
			f.mu.Lock()
			f.rollbacks = append(f.rollbacks, r)
			f.mu.Unlock()
		},
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) rollbackCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rollbacks)
}

func routing(id string) action.Decision {
	return action.Decision{
		ID:              id,
		Type:            action.TypeAdjustRouting,
		TargetDimension: "issuer_bank",
		TargetValue:     "HDFC",
		Params:          action.RoutingParams{FromGateway: "razorpay", ToGateway: "stripe", ShiftPct: 30},
		DurationMinutes: 30,
		RiskLevel:       action.RiskMedium,
		Confidence:      0.8,
	}
}

var baseline = metrics.Snapshot{Timestamp: epoch, SuccessRate: 0.82, ErrorRate: 0.18, P95LatencyMs: 1200}

func TestExecute_Routing(t *testing.T) {
	f := newFixture(t)

	res := f.exec.Execute(context.Background(), routing("a1"), baseline)
	require.Equal(t, StatusSuccess, res.Status, res.Error)
	assert.Equal(t, true, res.Details["simulated"])
	assert.Equal(t, "razorpay", res.Details["source_gateway"])
	assert.Equal(t, "stripe", res.Details["target_gateway"])
	assert.Equal(t, 30.0, res.Details["shift_pct"])
	assert.Equal(t, epoch.Add(30*time.Minute), res.ExpiresAt)
	assert.Equal(t, 0.82, res.Baseline.Metrics.SuccessRate)
	assert.NotNil(t, res.Baseline.Control.Routing)

	a, ok := f.reg.Get("a1")
	require.True(t, ok)
	assert.Equal(t, registry.StatusActive, a.Status)
	assert.Equal(t, 1, f.clk.Pending())

	st, err := f.sim.State(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 30.0, st.Routing["issuer_bank=HDFC"].ShiftPct)
}

func TestExecute_DetailsPerKind(t *testing.T) {
	tests := []struct {
		name   string
		params action.Params
		key    string
		want   any
	}{
		{"retry", action.RetryParams{CurrentMaxRetries: 1, NewMaxRetries: 2, NewRetryDelayMs: 500}, "new_retry_delay_ms", 500},
		{"rate limit", action.RateLimitParams{ReductionPct: 20}, "reduction_pct", 20.0},
		{"circuit break", action.CircuitBreakParams{}, "circuit_state", "OPEN"},
		{"alert", action.AlertParams{Message: "elevated declines"}, "alert_sent", true},
		{"noop", action.NoopParams{}, "message", "No action taken"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			d := routing("a1")
			d.Type = tt.params.Kind()
			d.Params = tt.params

			res := f.exec.Execute(context.Background(), d, baseline)
			require.Equal(t, StatusSuccess, res.Status, res.Error)
			assert.Equal(t, tt.want, res.Details[tt.key])
			assert.Contains(t, res.Details, "simulated")
		})
	}
}

func TestExecute_UnknownTypeFails(t *testing.T) {
	f := newFixture(t)
	d := routing("a1")
	d.Type = "reboot_datacenter"

	res := f.exec.Execute(context.Background(), d, baseline)
	assert.Equal(t, StatusFailed, res.Status)
	assert.NotEmpty(t, res.Error)
	assert.Equal(t, 0.82, res.Baseline.Metrics.SuccessRate)
	assert.Equal(t, 0, f.reg.SnapshotCount())
	assert.Empty(t, f.sim.Effects())
}

func TestExecute_ApplyFailureKeepsBaselineAndReleasesSlot(t *testing.T) {
	f := newFixture(t)
	f.sim.FailApply(errors.New("routing API timeout"))

	d := routing("a1")
	_, err := f.reg.Admit(d, admitAll{})
	require.NoError(t, err)

	res := f.exec.Execute(context.Background(), d, baseline)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Error, "routing API timeout")
	assert.Equal(t, 0.82, res.Baseline.Metrics.SuccessRate)
	assert.Equal(t, 0, f.reg.SnapshotCount())
	assert.Equal(t, 0, f.clk.Pending())
}

func TestExecute_RegisterFailureUndoesEffect(t *testing.T) {
	f := newFixture(t)
	f.reg = registry.New(registry.Config{Clock: f.clk, Capacity: func() int { return 0 }})
	f.exec.registry = f.reg

	res := f.exec.Execute(context.Background(), routing("a1"), baseline)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Error, "register action")

	st, err := f.sim.State(context.Background())
	require.NoError(t, err)
	assert.Empty(t, st.Routing)
}

func TestRollback_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.Equal(t, StatusSuccess, f.exec.Execute(ctx, routing("a1"), baseline).Status)

	first := f.exec.Rollback(ctx, "a1", "Degradation detected")
	assert.Equal(t, RollbackSuccess, first.Status)
	assert.True(t, first.StateRestored)
	require.NotNil(t, first.RestoredBaseline)
	assert.Equal(t, 0.82, first.RestoredBaseline.Metrics.SuccessRate)

	second := f.exec.Rollback(ctx, "a1", "again")
	assert.Equal(t, RollbackNoop, second.Status)
	assert.False(t, second.StateRestored)

	a, ok := f.reg.Get("a1")
	require.True(t, ok)
	assert.Equal(t, registry.StatusRolledBack, a.Status)
	assert.Equal(t, "Degradation detected", a.RollbackReason)
	assert.Equal(t, 1, f.rollbackCount())

	st, err := f.sim.State(ctx)
	require.NoError(t, err)
	assert.NotContains(t, st.Routing, "issuer_bank=HDFC")
}

func TestRollback_NotFound(t *testing.T) {
	f := newFixture(t)

	res := f.exec.Rollback(context.Background(), "ghost", "manual")
	assert.Equal(t, RollbackNotFound, res.Status)
	assert.Equal(t, "Action not found", res.Message)
	assert.Equal(t, 0, f.rollbackCount())
}

func TestExpiry_RollsBackAutomatically(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, StatusSuccess, f.exec.Execute(context.Background(), routing("a1"), baseline).Status)

	f.clk.Advance(30 * time.Minute)

	a, ok := f.reg.Get("a1")
	require.True(t, ok)
	assert.Equal(t, registry.StatusRolledBack, a.Status)
	assert.Equal(t, ReasonExpired, a.RollbackReason)
	assert.Equal(t, 1, f.rollbackCount())
}

func TestExpiry_CancelledByExplicitRollback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.Equal(t, StatusSuccess, f.exec.Execute(ctx, routing("a1"), baseline).Status)

	f.exec.Rollback(ctx, "a1", "Insufficient improvement")
	assert.Equal(t, 0, f.clk.Pending())

	f.clk.Advance(time.Hour)
	assert.Equal(t, 1, f.rollbackCount())
}

func TestExpiry_CancelledByDeregister(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, StatusSuccess, f.exec.Execute(context.Background(), routing("a1"), baseline).Status)

	_, err := f.reg.Deregister("a1")
	require.NoError(t, err)

	f.clk.Advance(time.Hour)
	assert.Equal(t, 0, f.rollbackCount())
}

func TestRollback_ConcurrentCallsSingleRestore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.Equal(t, StatusSuccess, f.exec.Execute(ctx, routing("a1"), baseline).Status)

	var wg sync.WaitGroup
	results := make([]RollbackResult, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = f.exec.Rollback(ctx, "a1", "race")
		}()
	}
	wg.Wait()

	var success int
	for _, r := range results {
		if r.Status == RollbackSuccess {
			success++
		} else {
			assert.Equal(t, RollbackNoop, r.Status)
		}
	}
	assert.Equal(t, 1, success)

	var restores int
	for _, e := range f.sim.Effects() {
		if e.Restored {
			restores++
		}
	}
	assert.Equal(t, 1, restores)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	_, err = New(Config{Registry: registry.New(registry.Config{})})
	assert.Error(t, err)
}

type admitAll struct{}

func (admitAll) Validate(action.Decision, int) safety.Result {
	return safety.Result{Accepted: true}
}
