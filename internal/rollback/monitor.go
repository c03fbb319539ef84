// Package rollback watches executed actions for one observation window and
// reverts them when the metrics do not justify keeping them.
package rollback

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

	"github.com/fyrsmithlabs/actiond/internal/clock"
	"github.com/fyrsmithlabs/actiond/internal/executor"
	"github.com/fyrsmithlabs/actiond/internal/metrics"
	"github.com/fyrsmithlabs/actiond/internal/registry"
)

const instrumentationName = "github.com/fyrsmithlabs/actiond/internal/rollback"

const (
	// MinWindow is the shortest allowed observation window.
	MinWindow = 5 * time.Minute
	// DefaultWindow is used when no window is configured.
	DefaultWindow = 10 * time.Minute
)

var (
	// ErrWindowTooShort indicates an observation window below MinWindow.
	ErrWindowTooShort = errors.New("observation window too short")

	// ErrNotTracked indicates the action left the registry while observed.
	ErrNotTracked = errors.New("action no longer tracked")
)

// ReasonAnomaly is the rollback reason for post-intervention anomalies.
const ReasonAnomaly = "New anomalies detected after intervention"

// Thresholds are the rollback triggers.
type Thresholds struct {
	DegradationPct    float64 `koanf:"degradation_threshold_pct"`
	MinImprovementPct float64 `koanf:"min_improvement_threshold_pct"`
	MaxErrorRate      float64 `koanf:"anomaly_error_rate"`
	MaxP95LatencyMs   float64 `koanf:"anomaly_p95_latency_ms"`
	MaxTimeoutRate    float64 `koanf:"anomaly_timeout_rate"`
}

// DefaultThresholds returns the production triggers.
func DefaultThresholds() Thresholds {
	return Thresholds{
		DegradationPct:    -5.0,
		MinImprovementPct: 2.0,
		MaxErrorRate:      0.15,
		MaxP95LatencyMs:   5000,
		MaxTimeoutRate:    0.10,
	}
}

// Evaluate applies the triggers in priority order and returns the reason of
// the first one that fires.
func (t Thresholds) Evaluate(improvementPct float64, current metrics.Snapshot) (string, bool) {
	switch {
	case improvementPct < t.DegradationPct:
		return fmt.Sprintf("Degradation detected: %.2f%% (threshold: %.1f%%)", improvementPct, t.DegradationPct), true
	case improvementPct < t.MinImprovementPct:
		return fmt.Sprintf("Insufficient improvement: %.2f%% (minimum: %.1f%%)", improvementPct, t.MinImprovementPct), true
	case current.ErrorRate > t.MaxErrorRate,
		current.P95LatencyMs > t.MaxP95LatencyMs,
		current.TimeoutRate > t.MaxTimeoutRate:
		return ReasonAnomaly, true
	}
	return "", false
}

// Rollbacker reverts an action.
type Rollbacker interface {
	Rollback(ctx context.Context, id, reason string) executor.RollbackResult
}

// Result is the verdict of one observation.
type Result struct {
	ActionID          string                   `json:"action_id"`
	RollbackTriggered bool                     `json:"rollback_triggered"`
	Reason            string                   `json:"reason,omitempty"`
	ImprovementPct    float64                  `json:"improvement_pct"`
	Baseline          metrics.Snapshot         `json:"baseline"`
	Current           metrics.Snapshot         `json:"current"`
	Rollback          *executor.RollbackResult `json:"rollback,omitempty"`
}

// Config configures a Monitor.
type Config struct {
	Window     time.Duration
	Thresholds Thresholds
	Registry   *registry.Registry
	Metrics    metrics.Port
	Rollbacker Rollbacker
	Clock      clock.Clock
	Logger     *zap.Logger
}

// Monitor observes actions.
type Monitor struct {
	window     time.Duration
	thresholds Thresholds
	registry   *registry.Registry
	port       metrics.Port
	rollbacker Rollbacker
	clock      clock.Clock
	logger     *zap.Logger

	tracer         trace.Tracer
	verdictCounter metric.Int64Counter
}

// New creates a monitor. A zero window means DefaultWindow.
func New(cfg Config) (*Monitor, error) {
	if cfg.Window == 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Window < MinWindow {
		return nil, fmt.Errorf("%w: %s (minimum %s)", ErrWindowTooShort, cfg.Window, MinWindow)
	}
	if cfg.Registry == nil || cfg.Metrics == nil || cfg.Rollbacker == nil {
		return nil, errors.New("registry, metrics port and rollbacker are required")
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = DefaultThresholds()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	m := &Monitor{
		window:     cfg.Window,
		thresholds: cfg.Thresholds,
		registry:   cfg.Registry,
		port:       cfg.Metrics,
		rollbacker: cfg.Rollbacker,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
		tracer:     otel.Tracer(instrumentationName),
	}

	var err error
	m.verdictCounter, err = otel.Meter(instrumentationName).Int64Counter(
		"actiond.rollback.verdicts_total",
		metric.WithDescription("Total number of monitoring verdicts"),
		metric.WithUnit("{verdict}"),
	)
	if err != nil {
		m.logger.Warn("failed to create verdict counter", zap.Error(err))
	}
	return m, nil
}

// Window returns the observation window.
func (m *Monitor) Window() time.Duration { return m.window }

// Watch waits one observation window, fetches a single snapshot and rolls
// the action back if a trigger fires. It returns ctx.Err() if cancelled
// while waiting and the port's error if the fetch fails; in both cases no
// rollback is issued.
func (m *Monitor) Watch(ctx context.Context, id string, baseline metrics.Snapshot) (Result, error) {
	ctx, span := m.tracer.Start(ctx, "rollback.watch")
	defer span.End()
	span.SetAttributes(attribute.String("action.id", id))

	res := Result{ActionID: id, Baseline: baseline}

	if _, err := m.registry.Transition(id, registry.StatusObserving, ""); err != nil {
		if !errors.Is(err, registry.ErrTerminal) {
			return res, fmt.Errorf("start observing %s: %w", id, err)
		}
	}

	timer := m.clock.NewTimer(m.window)
	select {
	case <-timer.C():
	case <-ctx.Done():
		timer.Stop()
		return res, ctx.Err()
	}

	a, ok := m.registry.Get(id)
	if !ok {
		return res, fmt.Errorf("%w: %s", ErrNotTracked, id)
	}

	current, err := m.port.Current(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, fmt.Errorf("fetch metrics: %w", err)
	}
	res.Current = current
	res.ImprovementPct = metrics.ImprovementPct(baseline, current)
	span.SetAttributes(attribute.Float64("improvement_pct", res.ImprovementPct))

	// Someone else finished the action while we waited.
	if a.Status.Terminal() {
		res.RollbackTriggered = a.Status == registry.StatusRolledBack
		res.Reason = a.RollbackReason
		m.record(ctx, "preempted")
		return res, nil
	}

	if reason, fire := m.thresholds.Evaluate(res.ImprovementPct, current); fire {
		m.logger.Warn("rollback triggered",
			zap.String("action_id", id),
			zap.String("reason", reason),
			zap.Float64("improvement_pct", res.ImprovementPct),
		)
		rb := m.rollbacker.Rollback(ctx, id, reason)
		res.Rollback = &rb
		switch rb.Status {
		case executor.RollbackNoop:
			// Expiry or an operator reverted it between the read and now.
			a, _ = m.registry.Get(id)
			res.RollbackTriggered = a.Status == registry.StatusRolledBack
			res.Reason = a.RollbackReason
			m.record(ctx, "preempted")
			return res, nil
		case executor.RollbackNotFound:
			return res, fmt.Errorf("%w: %s", ErrNotTracked, id)
		}
		res.RollbackTriggered = true
		res.Reason = reason
		m.record(ctx, "rolled_back")
		return res, nil
	}

	if prev, err := m.registry.Transition(id, registry.StatusStable, ""); err != nil {
		// Lost the race to expiry or a manual rollback.
		if errors.Is(err, registry.ErrTerminal) && prev.Status == registry.StatusRolledBack {
			res.RollbackTriggered = true
			res.Reason = prev.RollbackReason
			m.record(ctx, "preempted")
			return res, nil
		}
		return res, fmt.Errorf("mark %s stable: %w", id, err)
	}

	m.logger.Info("action stable",
		zap.String("action_id", id),
		zap.Float64("improvement_pct", res.ImprovementPct),
	)
	m.record(ctx, "stable")
	return res, nil
}

func (m *Monitor) record(ctx context.Context, verdict string) {
	if m.verdictCounter == nil {
		return
	}
	m.verdictCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("verdict", verdict)))
}
