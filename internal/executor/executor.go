// Package executor applies validated actions to the control plane, tracks
// them in the registry and reverts them on demand or at expiry.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/actiond/internal/action"
	"github.com/fyrsmithlabs/actiond/internal/clock"
	"github.com/fyrsmithlabs/actiond/internal/controlplane"
	"github.com/fyrsmithlabs/actiond/internal/metrics"
	"github.com/fyrsmithlabs/actiond/internal/registry"
)

const instrumentationName = "github.com/fyrsmithlabs/actiond/internal/executor"

// ReasonExpired is the rollback reason used by the expiry timer.
const ReasonExpired = "Automatic expiration"

const defaultExpiryTimeout = 30 * time.Second

// Status is the outcome of an execution.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// ExecutionResult describes one execution attempt. Failed executions still
// carry the baseline.
type ExecutionResult struct {
	ActionID  string                `json:"action_id"`
	Status    Status                `json:"status"`
	Details   map[string]any        `json:"execution_details,omitempty"`
	Baseline  controlplane.Baseline `json:"baseline_snapshot"`
	ExpiresAt time.Time             `json:"expires_at,omitempty"`
	Error     string                `json:"error,omitempty"`
}

// RollbackStatus is the outcome of a rollback request.
type RollbackStatus string

const (
	RollbackSuccess  RollbackStatus = "success"
	RollbackNoop     RollbackStatus = "noop"
	RollbackNotFound RollbackStatus = "not_found"
	RollbackFailed   RollbackStatus = "failed"
)

// RollbackResult describes one rollback request.
type RollbackResult struct {
	ActionID         string                 `json:"action_id"`
	Status           RollbackStatus         `json:"status"`
	StateRestored    bool                   `json:"state_restored"`
	RestoredBaseline *controlplane.Baseline `json:"baseline_restored,omitempty"`
	Reason           string                 `json:"reason,omitempty"`
	Message          string                 `json:"message,omitempty"`
	Simulated        bool                   `json:"simulated"`
}

// Config configures an Executor.
type Config struct {
	Registry     *registry.Registry
	ControlPlane controlplane.ControlPlane
	Clock        clock.Clock
	Logger       *zap.Logger

	// ExpiryTimeout bounds the rollback issued by the expiry timer.
	ExpiryTimeout time.Duration

	// OnRollback, when set, is called after every rollback that claimed the
	// terminal state.
	OnRollback func(registry.ActiveAction, RollbackResult)
}

// Executor applies and reverts actions.
type Executor struct {
	registry      *registry.Registry
	control       controlplane.ControlPlane
	clock         clock.Clock
	logger        *zap.Logger
	expiryTimeout time.Duration
	onRollback    func(registry.ActiveAction, RollbackResult)

	tracer           trace.Tracer
	meter            metric.Meter
	executionCounter metric.Int64Counter
	rollbackCounter  metric.Int64Counter
}

// New creates an executor.
func New(cfg Config) (*Executor, error) {
	if cfg.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if cfg.ControlPlane == nil {
		return nil, errors.New("control plane is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.ExpiryTimeout <= 0 {
		cfg.ExpiryTimeout = defaultExpiryTimeout
	}

	e := &Executor{
		registry:      cfg.Registry,
		control:       cfg.ControlPlane,
		clock:         cfg.Clock,
		logger:        cfg.Logger,
		expiryTimeout: cfg.ExpiryTimeout,
		onRollback:    cfg.OnRollback,
		tracer:        otel.Tracer(instrumentationName),
		meter:         otel.Meter(instrumentationName),
	}
	e.initMetrics()

	e.logger.Info("executor initialized", zap.String("mode", e.control.Mode()))
	return e, nil
}

func (e *Executor) initMetrics() {
	var err error

	e.executionCounter, err = e.meter.Int64Counter(
		"actiond.executor.executions_total",
		metric.WithDescription("Total number of action executions"),
		metric.WithUnit("{execution}"),
	)
	if err != nil {
		e.logger.Warn("failed to create execution counter", zap.Error(err))
	}

	e.rollbackCounter, err = e.meter.Int64Counter(
		"actiond.executor.rollbacks_total",
		metric.WithDescription("Total number of rollback requests"),
		metric.WithUnit("{rollback}"),
	)
	if err != nil {
		e.logger.Warn("failed to create rollback counter", zap.Error(err))
	}
}

// Simulated reports whether effects are only recorded in memory.
func (e *Executor) Simulated() bool {
	return e.control.Mode() == controlplane.ModeSimulated
}

// Execute captures a baseline, applies d and registers it as active with an
// expiry timer. Failures are returned in the result, never as an error.
// A pending reservation for d is released if execution fails.
func (e *Executor) Execute(ctx context.Context, d action.Decision, current metrics.Snapshot) ExecutionResult {
	ctx, span := e.tracer.Start(ctx, "executor.execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("action.id", d.ID),
		attribute.String("action.type", string(d.Type)),
		attribute.String("action.target", d.Target()),
	)

	now := e.clock.Now()
	res := ExecutionResult{
		ActionID: d.ID,
		Baseline: controlplane.Baseline{Metrics: current, CapturedAt: now},
	}

	fail := func(err error) ExecutionResult {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Error("action execution failed", zap.String("action_id", d.ID), zap.Error(err))
		e.release(d.ID)
		e.count(ctx, e.executionCounter, d.Type, string(StatusFailed))
		res.Status = StatusFailed
		res.Error = err.Error()
		return res
	}

	state, err := e.control.State(ctx)
	if err != nil {
		return fail(fmt.Errorf("capture control state: %w", err))
	}
	res.Baseline.Control = state

	details, err := e.describe(d)
	if err != nil {
		return fail(err)
	}

	change := controlplane.ChangeFor(d)
	if err := e.control.Apply(ctx, change); err != nil {
		return fail(err)
	}

	expiresAt := now.Add(d.Duration())
	id := d.ID
	err = e.registry.Register(registry.ActiveAction{
		Decision:  d,
		Baseline:  res.Baseline,
		StartedAt: now,
		ExpiresAt: expiresAt,
		Status:    registry.StatusActive,
	}, func() { e.expire(id) })
	if err != nil {
		// Undo the effect so nothing untracked is left applied.
		if rerr := e.control.Restore(ctx, change, state); rerr != nil {
			e.logger.Error("failed to undo untracked effect", zap.String("action_id", d.ID), zap.Error(rerr))
		}
		return fail(fmt.Errorf("register action: %w", err))
	}

	e.logger.Info("action executed",
		zap.String("action_id", d.ID),
		zap.String("action_type", string(d.Type)),
		zap.String("target", d.Target()),
		zap.Time("expires_at", expiresAt),
		zap.Bool("simulated", e.Simulated()),
	)
	e.count(ctx, e.executionCounter, d.Type, string(StatusSuccess))

	res.Status = StatusSuccess
	res.Details = details
	res.ExpiresAt = expiresAt
	return res
}

// describe returns the type-specific execution details. Both modes produce
// the same keys.
func (e *Executor) describe(d action.Decision) (map[string]any, error) {
	details := map[string]any{"simulated": e.Simulated()}

	switch p := d.Params.(type) {
	case action.RoutingParams:
		details["source_gateway"] = p.FromGateway
		details["target_gateway"] = p.ToGateway
		details["shift_pct"] = p.ShiftPct
	case action.RetryParams:
		details["new_max_retries"] = p.NewMaxRetries
		details["new_retry_delay_ms"] = p.NewRetryDelayMs
	case action.RateLimitParams:
		details["reduction_pct"] = p.ReductionPct
	case action.CircuitBreakParams:
		details["circuit_state"] = controlplane.CircuitOpen
	case action.AlertParams:
		details["alert_sent"] = true
		details["message"] = p.Message
	case action.NoopParams:
		details["message"] = "No action taken"
	default:
		return nil, fmt.Errorf("%w: %q", action.ErrUnknownType, d.Type)
	}
	if d.Params.Kind() != d.Type {
		return nil, fmt.Errorf("%w: %s parameters supplied for %s", action.ErrInvalidParams, d.Params.Kind(), d.Type)
	}
	return details, nil
}

func (e *Executor) release(id string) {
	if a, ok := e.registry.Get(id); ok && a.Status == registry.StatusPending {
		_, _ = e.registry.Deregister(id)
	}
}

func (e *Executor) expire(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), e.expiryTimeout)
	defer cancel()

	e.logger.Info("auto-expiring action", zap.String("action_id", id))
	e.Rollback(ctx, id, ReasonExpired)
}

// Rollback reverts id to its baseline. It is idempotent: an unknown id
// yields not_found and an already terminal action yields noop.
func (e *Executor) Rollback(ctx context.Context, id, reason string) RollbackResult {
	ctx, span := e.tracer.Start(ctx, "executor.rollback")
	defer span.End()
	span.SetAttributes(attribute.String("action.id", id), attribute.String("rollback.reason", reason))

	res := RollbackResult{ActionID: id, Reason: reason, Simulated: e.Simulated()}

	prev, err := e.registry.Transition(id, registry.StatusRolledBack, reason)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		res.Status = RollbackNotFound
		res.Message = "Action not found"
		return res
	case errors.Is(err, registry.ErrTerminal):
		res.Status = RollbackNoop
		res.Message = fmt.Sprintf("Action already %s", prev.Status)
		return res
	case err != nil:
		res.Status = RollbackFailed
		res.Message = err.Error()
		return res
	}

	e.logger.Info("rolling back action", zap.String("action_id", id), zap.String("reason", reason))

	if prev.Status == registry.StatusPending {
		// Nothing was applied yet.
		res.Status = RollbackSuccess
		res.StateRestored = true
	} else if err := e.control.Restore(ctx, controlplane.ChangeFor(prev.Decision), prev.Baseline.Control); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Error("failed to restore baseline", zap.String("action_id", id), zap.Error(err))
		res.Status = RollbackFailed
		res.Message = err.Error()
	} else {
		res.Status = RollbackSuccess
		res.StateRestored = true
	}
	baseline := prev.Baseline
	res.RestoredBaseline = &baseline

	e.count(ctx, e.rollbackCounter, prev.Decision.Type, string(res.Status))
	if e.onRollback != nil {
		e.onRollback(prev, res)
	}
	return res
}

func (e *Executor) count(ctx context.Context, c metric.Int64Counter, t action.Type, status string) {
	if c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action_type", string(t)),
		attribute.String("status", status),
	))
}
