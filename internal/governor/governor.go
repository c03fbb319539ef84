// Package governor drives each decision through its full lifecycle:
// admission, execution, observation, assessment, learning and cleanup.
//
// Every admitted action gets one lifecycle goroutine tracked by the
// governor. Shutdown cancels them, rolls back whatever is still applied
// and waits for them to exit.
package governor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/actiond/internal/action"
	"github.com/fyrsmithlabs/actiond/internal/clock"
	"github.com/fyrsmithlabs/actiond/internal/executor"
	"github.com/fyrsmithlabs/actiond/internal/learning"
	"github.com/fyrsmithlabs/actiond/internal/metrics"
	"github.com/fyrsmithlabs/actiond/internal/outcome"
	"github.com/fyrsmithlabs/actiond/internal/registry"
	"github.com/fyrsmithlabs/actiond/internal/rollback"
	"github.com/fyrsmithlabs/actiond/internal/safety"
	"github.com/fyrsmithlabs/actiond/internal/translate"
)

const instrumentationName = "github.com/fyrsmithlabs/actiond/internal/governor"

// Rollback reasons issued by the governor.
const (
	ReasonMonitoringFailed = "Monitoring failed: "
	ReasonManual           = "Manual rollback: "
	ReasonShutdown         = "Shutdown: governor stopping"
)

const (
	defaultRollbackTimeout = 30 * time.Second
	defaultApplyTimeout    = 30 * time.Second
	shutdownParallelism    = 8
)

var (
	// ErrShuttingDown is returned for submissions after Shutdown.
	ErrShuttingDown = errors.New("governor shutting down")
)

// SubmitStatus is the immediate result of a submission.
type SubmitStatus string

const (
	SubmitAccepted  SubmitStatus = "accepted"
	SubmitRejected  SubmitStatus = "rejected"
	SubmitEscalated SubmitStatus = "escalated"
	SubmitFailed    SubmitStatus = "failed"
)

// SubmitResult is returned to the caller as soon as the action is applied
// or refused. Observation continues in the background.
type SubmitResult struct {
	ActionID   string                    `json:"action_id"`
	Status     SubmitStatus              `json:"status"`
	Violations []safety.Violation        `json:"violations,omitempty"`
	Execution  *executor.ExecutionResult `json:"execution,omitempty"`
	Error      string                    `json:"error,omitempty"`
}

// Config wires the governor's collaborators. Escalator, Events, Archive,
// Translator and Metrics are optional.
type Config struct {
	Validator  *safety.Validator
	Registry   *registry.Registry
	Executor   *executor.Executor
	Monitor    *rollback.Monitor
	Assessor   *outcome.Assessor
	Learning   *learning.Store
	Metrics    metrics.Port
	Escalator  Escalator
	Events     EventSink
	Archive    OutcomeArchive
	Translator *translate.Translator
	Prometheus *Metrics
	Clock      clock.Clock
	Logger     *zap.Logger

	// SweepInterval is how often expired actions are swept. Zero disables
	// the sweeper.
	SweepInterval time.Duration

	// RollbackTimeout bounds rollbacks issued outside a request context.
	RollbackTimeout time.Duration

	// ApplyTimeout bounds the baseline fetch and apply of an admitted
	// action. They do not follow the caller's cancellation.
	ApplyTimeout time.Duration
}

// Governor orchestrates action lifecycles.
type Governor struct {
	validator  *safety.Validator
	registry   *registry.Registry
	executor   *executor.Executor
	monitor    *rollback.Monitor
	assessor   *outcome.Assessor
	learning   *learning.Store
	port       metrics.Port
	escalator  Escalator
	events     EventSink
	archive    OutcomeArchive
	translator *translate.Translator
	prom       *Metrics
	clock      clock.Clock
	logger     *zap.Logger

	sweepInterval   time.Duration
	rollbackTimeout time.Duration
	applyTimeout    time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	tracer          trace.Tracer
	decisionCounter metric.Int64Counter
}

// New creates a governor and starts its sweeper.
func New(cfg Config) (*Governor, error) {
	if cfg.Validator == nil || cfg.Registry == nil || cfg.Executor == nil ||
		cfg.Monitor == nil || cfg.Assessor == nil || cfg.Learning == nil || cfg.Metrics == nil {
		return nil, errors.New("validator, registry, executor, monitor, assessor, learning store and metrics port are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Escalator == nil {
		cfg.Escalator = LogEscalator{Logger: cfg.Logger}
	}
	if cfg.Translator == nil {
		cfg.Translator = translate.New()
	}
	if cfg.RollbackTimeout <= 0 {
		cfg.RollbackTimeout = defaultRollbackTimeout
	}
	if cfg.ApplyTimeout <= 0 {
		cfg.ApplyTimeout = defaultApplyTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &Governor{
		validator:       cfg.Validator,
		registry:        cfg.Registry,
		executor:        cfg.Executor,
		monitor:         cfg.Monitor,
		assessor:        cfg.Assessor,
		learning:        cfg.Learning,
		port:            cfg.Metrics,
		escalator:       cfg.Escalator,
		events:          cfg.Events,
		archive:         cfg.Archive,
		translator:      cfg.Translator,
		prom:            cfg.Prometheus,
		clock:           cfg.Clock,
		logger:          cfg.Logger,
		sweepInterval:   cfg.SweepInterval,
		rollbackTimeout: cfg.RollbackTimeout,
		applyTimeout:    cfg.ApplyTimeout,
		ctx:             ctx,
		cancel:          cancel,
		tracer:          otel.Tracer(instrumentationName),
	}

	var err error
	g.decisionCounter, err = otel.Meter(instrumentationName).Int64Counter(
		"actiond.governor.decisions_total",
		metric.WithDescription("Total number of submitted decisions"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		g.logger.Warn("failed to create decision counter", zap.Error(err))
	}

	if g.sweepInterval > 0 {
		g.wg.Add(1)
		go g.sweep()
	}
	return g, nil
}

// enter registers an in-flight call. It fails once Shutdown has begun so
// no goroutine is added to the wait group after Shutdown starts waiting.
func (g *Governor) enter() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.wg.Add(1)
	return true
}

// Submit validates d and, if admitted, executes it and starts its
// lifecycle. in supplies the detection context for learning; nil derives
// it from the decision.
func (g *Governor) Submit(ctx context.Context, d action.Decision, in *learning.Input) (SubmitResult, error) {
	if !g.enter() {
		return SubmitResult{}, ErrShuttingDown
	}
	defer g.wg.Done()

	ctx, span := g.tracer.Start(ctx, "governor.submit")
	defer span.End()
	span.SetAttributes(attribute.String("action.id", d.ID), attribute.String("action.type", string(d.Type)))

	if err := d.Validate(); err != nil {
		return SubmitResult{}, err
	}

	check, err := g.registry.Admit(d, g.validator)
	if err != nil {
		return SubmitResult{}, err
	}
	res := SubmitResult{ActionID: d.ID, Violations: check.Violations}

	if !check.Accepted {
		if check.RequiresEscalation {
			g.escalate(ctx, d, SourceSafety, check.Messages())
			res.Status = SubmitEscalated
		} else {
			g.logger.Warn("action blocked by safety limits",
				zap.String("action_id", d.ID),
				zap.Strings("violations", check.Messages()),
			)
			res.Status = SubmitRejected
		}
		g.countDecision(ctx, res.Status)
		return res, nil
	}

	// The slot is reserved; a caller that goes away must not strand it
	// half applied.
	applyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.applyTimeout)
	defer cancel()

	current, err := g.port.Current(applyCtx)
	if err != nil {
		// Release the reservation; nothing was applied.
		_, _ = g.registry.Deregister(d.ID)
		res.Status = SubmitFailed
		res.Error = fmt.Sprintf("fetch baseline metrics: %v", err)
		g.countDecision(ctx, res.Status)
		return res, nil
	}

	exec := g.executor.Execute(applyCtx, d, current)
	res.Execution = &exec
	if exec.Status != executor.StatusSuccess {
		res.Status = SubmitFailed
		res.Error = exec.Error
		g.countDecision(ctx, res.Status)
		return res, nil
	}

	input := g.learningInput(d, in)
	g.wg.Add(1)
	go g.lifecycle(d, exec, input)

	res.Status = SubmitAccepted
	g.countDecision(ctx, res.Status)
	return res, nil
}

// SubmitUpstream translates an upstream decision and submits it, unless
// the upstream flagged it for a human.
func (g *Governor) SubmitUpstream(ctx context.Context, u translate.Upstream) (SubmitResult, error) {
	tr, err := g.translator.Translate(u)
	if err != nil {
		return SubmitResult{}, err
	}
	if tr.RequiresHumanApproval {
		if !g.enter() {
			return SubmitResult{}, ErrShuttingDown
		}
		defer g.wg.Done()
		g.escalate(ctx, tr.Decision, SourceUpstream, []string{translate.ApprovalViolation})
		g.countDecision(ctx, SubmitEscalated)
		return SubmitResult{ActionID: tr.Decision.ID, Status: SubmitEscalated}, nil
	}

	var in *learning.Input
	if tr.PatternType != "" {
		li := g.learningInput(tr.Decision, nil)
		li.PatternType = tr.PatternType
		li.PatternFeatures = tr.PatternFeatures
		in = &li
	}
	return g.Submit(ctx, tr.Decision, in)
}

func (g *Governor) learningInput(d action.Decision, in *learning.Input) learning.Input {
	if in != nil {
		out := *in
		if out.PatternType == "" {
			out.PatternType = string(d.Type)
		}
		if out.Parameters == nil {
			out.Parameters = d.Params.Fields()
		}
		return out
	}
	return learning.Input{
		Hypothesis:           d.Reasoning,
		HypothesisConfidence: d.Confidence,
		PatternType:          string(d.Type),
		PatternFeatures: map[string]any{
			"target_dimension": d.TargetDimension,
			"target_value":     d.TargetValue,
		},
		Parameters: d.Params.Fields(),
	}
}

func (g *Governor) escalate(ctx context.Context, d action.Decision, source string, violations []string) {
	e := Escalation{
		ActionID:   d.ID,
		Source:     source,
		Decision:   d,
		Violations: violations,
		At:         g.clock.Now(),
	}
	if err := g.escalator.Escalate(ctx, e); err != nil {
		g.logger.Error("failed to deliver escalation", zap.String("action_id", d.ID), zap.Error(err))
	}
}

func (g *Governor) countDecision(ctx context.Context, s SubmitStatus) {
	if g.prom != nil {
		g.prom.Decisions.WithLabelValues(string(s)).Inc()
	}
	if g.decisionCounter != nil {
		g.decisionCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", string(s))))
	}
}

// lifecycle observes, assesses and learns from one executed action. A kept
// action stays registered until it is reverted, so it keeps its slot.
func (g *Governor) lifecycle(d action.Decision, exec executor.ExecutionResult, in learning.Input) {
	defer g.wg.Done()

	ctx := g.ctx
	logger := g.logger.With(zap.String("action_id", d.ID))
	defer g.release(d.ID, logger)

	baseline := exec.Baseline.Metrics

	mon, err := g.monitor.Watch(ctx, d.ID, baseline)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		rctx, cancel := context.WithTimeout(context.Background(), g.rollbackTimeout)
		defer cancel()
		rb := g.executor.Rollback(rctx, d.ID, ReasonShutdown)
		logger.Info("action aborted by shutdown", zap.String("rollback_status", string(rb.Status)))
		return
	case errors.Is(err, rollback.ErrNotTracked):
		logger.Warn("action left the registry during observation", zap.Error(err))
		return
	default:
		// Without a reading the effect cannot be judged; revert it.
		reason := ReasonMonitoringFailed + err.Error()
		logger.Error("monitoring failed, rolling back", zap.Error(err))
		rb := g.executor.Rollback(ctx, d.ID, reason)
		mon = rollback.Result{
			ActionID:          d.ID,
			RollbackTriggered: rb.Status == executor.RollbackSuccess || rb.Status == executor.RollbackFailed,
			Reason:            reason,
			Baseline:          baseline,
			Current:           baseline,
			Rollback:          &rb,
		}
		if rb.Status == executor.RollbackNoop {
			if a, ok := g.registry.Get(d.ID); ok && a.Status == registry.StatusRolledBack {
				mon.RollbackTriggered = true
				mon.Reason = a.RollbackReason
			}
		}
	}

	final, err := g.port.Current(ctx)
	if err != nil {
		logger.Warn("final metrics unavailable, assessing with last observation", zap.Error(err))
		final = mon.Current
	}

	o := g.assessor.Assess(d, baseline, final, &mon)
	if g.prom != nil {
		g.prom.Outcomes.WithLabelValues(string(o.Status)).Inc()
	}
	if g.archive != nil {
		if err := g.archive.SaveOutcome(ctx, o); err != nil {
			logger.Error("failed to archive outcome", zap.Error(err))
		}
	}
	if g.events != nil {
		if err := g.events.PublishOutcome(ctx, o); err != nil {
			logger.Warn("failed to publish outcome", zap.Error(err))
		}
	}

	rec := g.learning.Record(ctx, o, in)
	if g.events != nil {
		if err := g.events.PublishLearning(ctx, rec); err != nil {
			logger.Warn("failed to publish learning record", zap.Error(err))
		}
	}

	logger.Info("action lifecycle complete",
		zap.String("status", string(o.Status)),
		zap.Float64("improvement_pct", o.ImprovementAchieved),
	)
}

// release waits until id is reverted by expiry, an operator or shutdown,
// then removes it from the registry.
func (g *Governor) release(id string, logger *zap.Logger) {
	if a, ok := g.registry.Get(id); ok && a.Status == registry.StatusStable {
		logger.Info("action kept until expiry", zap.Time("expires_at", a.ExpiresAt))
	}

	select {
	case <-g.registry.Done(id):
	case <-g.ctx.Done():
		rctx, cancel := context.WithTimeout(context.Background(), g.rollbackTimeout)
		rb := g.executor.Rollback(rctx, id, ReasonShutdown)
		cancel()
		if rb.Status == executor.RollbackFailed {
			logger.Error("shutdown rollback failed", zap.String("message", rb.Message))
		}
	}

	if _, err := g.registry.Deregister(id); err != nil && !errors.Is(err, registry.ErrNotFound) {
		logger.Warn("failed to deregister action", zap.Error(err))
	}
}

// sweep periodically reverts actions whose expiry passed without the timer
// firing, then drops anything still stuck.
func (g *Governor) sweep() {
	defer g.wg.Done()
	for {
		t := g.clock.NewTimer(g.sweepInterval)
		select {
		case <-g.ctx.Done():
			t.Stop()
			return
		case <-t.C():
		}
		g.SweepOnce(g.ctx)
	}
}

// SweepOnce rolls back every non-terminal action past its expiry and
// returns how many rollbacks it issued.
func (g *Governor) SweepOnce(ctx context.Context) int {
	now := g.clock.Now()
	n := 0
	for _, a := range g.registry.List() {
		if a.Status == registry.StatusPending || a.Status.Terminal() || a.ExpiresAt.IsZero() || a.ExpiresAt.After(now) {
			continue
		}
		rb := g.executor.Rollback(ctx, a.ID(), executor.ReasonExpired)
		if rb.Status == executor.RollbackSuccess {
			n++
		}
	}
	for _, a := range g.registry.SweepExpired(now) {
		g.logger.Warn("dropped expired action", zap.String("action_id", a.ID()))
	}
	return n
}

// Rollback reverts id on operator request.
func (g *Governor) Rollback(ctx context.Context, id, reason string) executor.RollbackResult {
	return g.executor.Rollback(ctx, id, ReasonManual+reason)
}

// Validate reports what admission would decide for d right now without
// reserving a slot.
func (g *Governor) Validate(d action.Decision) safety.Result {
	return g.validator.Validate(d, g.registry.SnapshotCount())
}

// Active returns tracked actions ordered by start time.
func (g *Governor) Active() []registry.ActiveAction { return g.registry.List() }

// Get returns one tracked action.
func (g *Governor) Get(id string) (registry.ActiveAction, bool) { return g.registry.Get(id) }

// Rollbacks returns the rollback history.
func (g *Governor) Rollbacks() []registry.RollbackRecord { return g.registry.Rollbacks() }

// OutcomeStats returns aggregate outcome statistics.
func (g *Governor) OutcomeStats() outcome.Stats { return g.assessor.Statistics() }

// RecentOutcomes returns up to n recent outcomes, newest last.
func (g *Governor) RecentOutcomes(n int) []outcome.Outcome { return g.assessor.Recent(n) }

// LearningStats returns the learning summary.
func (g *Governor) LearningStats(ctx context.Context) learning.Statistics {
	return g.learning.Statistics(ctx)
}

// Similar retrieves past cases of a pattern.
func (g *Governor) Similar(ctx context.Context, pattern string, features map[string]any, topK int) []learning.Similar {
	return g.learning.RetrieveSimilar(ctx, pattern, features, topK)
}

// Shutdown stops accepting work, rolls back every applied action and waits
// for lifecycles to exit or ctx to expire.
func (g *Governor) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	already := g.closed
	g.closed = true
	g.mu.Unlock()

	if !already {
		g.logger.Info("governor shutting down", zap.Int("active_actions", g.registry.SnapshotCount()))
		if err := g.rollbackAll(ctx); err != nil {
			g.logger.Error("shutdown rollback incomplete", zap.Error(err))
		}
		g.cancel()
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("governor shutdown: %w", ctx.Err())
	}
}

func (g *Governor) rollbackAll(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(shutdownParallelism)
	for _, a := range g.registry.List() {
		// Pending reservations are finished by their Submit call, whose
		// lifecycle then sees the cancelled context.
		if a.Status == registry.StatusPending || a.Status.Terminal() {
			continue
		}
		id := a.ID()
		eg.Go(func() error {
			rb := g.executor.Rollback(ctx, id, ReasonShutdown)
			if rb.Status == executor.RollbackFailed {
				return fmt.Errorf("rollback %s: %s", id, rb.Message)
			}
			return nil
		})
	}
	return eg.Wait()
}
