// Package outcome turns a finished action into a verdict with lessons and a
// confidence adjustment, and keeps aggregate statistics over verdicts.
package outcome

import (
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/actiond/internal/action"
	"github.com/fyrsmithlabs/actiond/internal/clock"
	"github.com/fyrsmithlabs/actiond/internal/metrics"
	"github.com/fyrsmithlabs/actiond/internal/rollback"
)

// Status is the final verdict of an action.
type Status string

const (
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
	StatusRolledBack Status = "rolled_back"
)

// ToleranceFactor is the share of the expected improvement that counts as
// meeting expectations.
const ToleranceFactor = 0.8

// Outcome is the immutable result of one action's lifecycle.
type Outcome struct {
	ActionID               string           `json:"action_id"`
	ActionType             action.Type      `json:"action_type"`
	Target                 string           `json:"target"`
	ExecutedAt             time.Time        `json:"executed_at"`
	CompletedAt            time.Time        `json:"completed_at"`
	Status                 Status           `json:"status"`
	Baseline               metrics.Snapshot `json:"baseline_metrics"`
	Current                metrics.Snapshot `json:"current_metrics"`
	ImprovementAchieved    float64          `json:"improvement_achieved"`
	ExpectedImprovementPct float64          `json:"expected_improvement_pct"`
	MetExpectations        bool             `json:"met_expectations"`
	RollbackTriggered      bool             `json:"rollback_triggered"`
	RollbackReason         string           `json:"rollback_reason,omitempty"`
	Lessons                []string         `json:"lessons_learned"`
	ConfidenceAdjustment   float64          `json:"confidence_adjustment"`
}

// Assessor produces outcomes and tracks statistics over them.
type Assessor struct {
	clock  clock.Clock
	logger *zap.Logger

	mu      sync.Mutex
	totals  counts
	byType  map[action.Type]*counts
	recent  []Outcome
	keepLen int
}

type counts struct {
	total, successful, failed, rolledBack int
	improvementSum                        float64
}

const defaultRecent = 100

// NewAssessor creates an assessor.
func NewAssessor(clk clock.Clock, logger *zap.Logger) *Assessor {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assessor{
		clock:   clk,
		logger:  logger,
		byType:  make(map[action.Type]*counts),
		keepLen: defaultRecent,
	}
}

// Assess compares baseline and current metrics for d. The improvement is
// recomputed here rather than taken from the monitor, so the verdict can
// disagree with the monitor's rollback decision. mon may be nil.
func (a *Assessor) Assess(d action.Decision, baseline, current metrics.Snapshot, mon *rollback.Result) Outcome {
	improvement := metrics.ImprovementPct(baseline, current)
	met := improvement >= d.ExpectedImprovementPct*ToleranceFactor

	rolledBack := mon != nil && mon.RollbackTriggered
	status := StatusFailed
	switch {
	case rolledBack:
		status = StatusRolledBack
	case met:
		status = StatusSuccess
	}

	o := Outcome{
		ActionID:               d.ID,
		ActionType:             d.Type,
		Target:                 d.Target(),
		ExecutedAt:             baseline.Timestamp,
		CompletedAt:            a.clock.Now(),
		Status:                 status,
		Baseline:               baseline,
		Current:                current,
		ImprovementAchieved:    improvement,
		ExpectedImprovementPct: d.ExpectedImprovementPct,
		MetExpectations:        met,
		RollbackTriggered:      rolledBack,
		ConfidenceAdjustment:   ConfidenceAdjustment(improvement, d.ExpectedImprovementPct, met),
	}
	if rolledBack {
		o.RollbackReason = mon.Reason
	}
	o.Lessons = lessons(d, o)

	a.track(o)
	a.logger.Info("outcome tracked",
		zap.String("action_id", d.ID),
		zap.String("status", string(status)),
		zap.Float64("improvement_pct", improvement),
		zap.Bool("met_expectations", met),
	)
	return o
}

// ConfidenceAdjustment is the signed delta for similar future actions.
func ConfidenceAdjustment(improvement, expected float64, met bool) float64 {
	switch {
	case !met && improvement < 0:
		return -0.2
	case !met:
		return -0.1
	case improvement > expected*1.5:
		return 0.15
	case improvement > expected:
		return 0.1
	default:
		return 0.05
	}
}

func lessons(d action.Decision, o Outcome) []string {
	var out []string

	if o.MetExpectations {
		out = append(out, fmt.Sprintf("Action '%s' successful for %s", d.Type, d.Target()))
	} else {
		out = append(out, fmt.Sprintf("Action '%s' did not meet expectations for %s", d.Type, d.Target()))
	}

	if o.ImprovementAchieved > 0 {
		out = append(out, fmt.Sprintf("Achieved %.2f%% improvement (expected: %.2f%%)",
			o.ImprovementAchieved, d.ExpectedImprovementPct))
	} else {
		out = append(out, fmt.Sprintf("Performance degraded by %.2f%% (expected improvement: %.2f%%)",
			math.Abs(o.ImprovementAchieved), d.ExpectedImprovementPct))
	}

	if o.RollbackTriggered && o.RollbackReason != "" {
		out = append(out, "Rollback triggered: "+o.RollbackReason)
	}

	switch d.Type {
	case action.TypeAdjustRouting:
		direction := "more conservative"
		if o.ImprovementAchieved < d.ExpectedImprovementPct {
			direction = "more aggressive"
		}
		out = append(out, "Routing adjustments for this dimension should be "+direction)
	case action.TypeModifyRetryConfig:
		if o.ImprovementAchieved < 0 {
			out = append(out, "Retry configuration changes may have caused retry storms. Consider smaller adjustments.")
		}
	case action.TypeRateLimit:
		if o.ImprovementAchieved < 0 {
			out = append(out, "Rate limiting may have been too aggressive. Recommendation: Use gradual rate limiting.")
		}
	}
	return out
}

func (a *Assessor) track(o Outcome) {
	a.mu.Lock()
	defer a.mu.Unlock()

	c, ok := a.byType[o.ActionType]
	if !ok {
		c = &counts{}
		a.byType[o.ActionType] = c
	}
	for _, cc := range []*counts{&a.totals, c} {
		cc.total++
		cc.improvementSum += o.ImprovementAchieved
		switch o.Status {
		case StatusSuccess:
			cc.successful++
		case StatusFailed:
			cc.failed++
		case StatusRolledBack:
			cc.rolledBack++
		}
	}

	a.recent = append(a.recent, o)
	if over := len(a.recent) - a.keepLen; over > 0 {
		a.recent = a.recent[over:]
	}
}

// TypeStats aggregates outcomes of one action type.
type TypeStats struct {
	Count          int     `json:"count"`
	SuccessRate    float64 `json:"success_rate"`
	AvgImprovement float64 `json:"avg_improvement"`
}

// Stats aggregates every tracked outcome.
type Stats struct {
	TotalOutcomes     int                       `json:"total_outcomes"`
	Successful        int                       `json:"successful"`
	Failed            int                       `json:"failed"`
	RolledBack        int                       `json:"rolled_back"`
	SuccessRatePct    float64                   `json:"success_rate_pct"`
	AvgImprovementPct float64                   `json:"avg_improvement_pct"`
	ByActionType      map[action.Type]TypeStats `json:"by_action_type"`
}

// Statistics returns aggregate statistics.
func (a *Assessor) Statistics() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := Stats{ByActionType: make(map[action.Type]TypeStats, len(a.byType))}
	if a.totals.total == 0 {
		return s
	}
	t := a.totals
	s.TotalOutcomes = t.total
	s.Successful = t.successful
	s.Failed = t.failed
	s.RolledBack = t.rolledBack
	s.SuccessRatePct = float64(t.successful) / float64(t.total) * 100
	s.AvgImprovementPct = t.improvementSum / float64(t.total)

	for typ, c := range a.byType {
		s.ByActionType[typ] = TypeStats{
			Count:          c.total,
			SuccessRate:    float64(c.successful) / float64(c.total) * 100,
			AvgImprovement: c.improvementSum / float64(c.total),
		}
	}
	return s
}

// Recent returns up to n of the most recent outcomes, newest last.
func (a *Assessor) Recent(n int) []Outcome {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n <= 0 || n > len(a.recent) {
		n = len(a.recent)
	}
	return append([]Outcome(nil), a.recent[len(a.recent)-n:]...)
}
