// Package learning turns outcomes into durable knowledge: per-pattern
// detection confidence, per-action effectiveness history, and records that
// can be retrieved by similarity for future incidents.
package learning

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/actiond/internal/action"
	"github.com/fyrsmithlabs/actiond/internal/knowledge"
	"github.com/fyrsmithlabs/actiond/internal/outcome"
)

const instrumentationName = "github.com/fyrsmithlabs/actiond/internal/learning"

const (
	// DefaultPatternConfidence is reported for patterns never seen.
	DefaultPatternConfidence = 0.5

	MaxPatternConfidence = 0.95
	MinPatternConfidence = 0.3

	correctStep   = 0.05
	incorrectStep = 0.1

	// HistorySize is the number of improvements kept per action type.
	HistorySize = 20

	// EffectiveThresholdPct is the improvement above which a past action
	// counts as effective.
	EffectiveThresholdPct = 2.0

	recentWindow   = 5
	DefaultSimilar = 3
)

// Input is the detection context that led to the action.
type Input struct {
	Hypothesis           string         `json:"hypothesis"`
	HypothesisConfidence float64        `json:"hypothesis_confidence"`
	PatternType          string         `json:"pattern_type"`
	PatternFeatures      map[string]any `json:"pattern_features"`
	Parameters           map[string]any `json:"parameters"`
}

// Record is the knowledge extracted from one finished action.
type Record struct {
	IncidentID           string         `json:"incident_id"`
	IncidentTimestamp    time.Time      `json:"incident_timestamp"`
	PatternType          string         `json:"pattern_type"`
	PatternFeatures      map[string]any `json:"pattern_features"`
	Hypothesis           string         `json:"hypothesis"`
	HypothesisConfidence float64        `json:"hypothesis_confidence"`
	HypothesisCorrect    bool           `json:"hypothesis_correct"`
	ActionTaken          action.Type    `json:"action_taken"`
	ActionParameters     map[string]any `json:"action_parameters"`
	// Outcome is "success" when expectations were met, otherwise "failed".
	Outcome                         string            `json:"outcome"`
	ImprovementAchieved             float64           `json:"improvement_achieved"`
	Lessons                         []string          `json:"lessons"`
	RecommendedConfidenceAdjustment float64           `json:"recommended_confidence_adjustment"`
	RecommendedModifications        map[string]string `json:"recommended_action_modifications,omitempty"`
}

// Archiver persists records outside the knowledge store.
type Archiver interface {
	SaveLearning(ctx context.Context, r Record) error
}

// Config configures a Store.
type Config struct {
	Knowledge knowledge.Store
	Archive   Archiver
	Logger    *zap.Logger
}

// Store accumulates learning across outcomes.
type Store struct {
	knowledge knowledge.Store
	archive   Archiver
	logger    *zap.Logger

	mu            sync.RWMutex
	patterns      map[string]float64
	effectiveness map[action.Type][]float64

	tracer        trace.Tracer
	recordCounter metric.Int64Counter
}

// New creates a store. A nil knowledge store keeps statistics only.
func New(cfg Config) *Store {
	if cfg.Knowledge == nil {
		cfg.Knowledge = knowledge.Noop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	s := &Store{
		knowledge:     cfg.Knowledge,
		archive:       cfg.Archive,
		logger:        cfg.Logger,
		patterns:      make(map[string]float64),
		effectiveness: make(map[action.Type][]float64),
		tracer:        otel.Tracer(instrumentationName),
	}

	var err error
	s.recordCounter, err = otel.Meter(instrumentationName).Int64Counter(
		"actiond.learning.records_total",
		metric.WithDescription("Total number of learning records"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		s.logger.Warn("failed to create record counter", zap.Error(err))
	}
	return s
}

// Record learns from o. Persistence failures are logged and do not fail
// the call; the in-process statistics are always updated.
func (s *Store) Record(ctx context.Context, o outcome.Outcome, in Input) Record {
	ctx, span := s.tracer.Start(ctx, "learning.record")
	defer span.End()
	span.SetAttributes(
		attribute.String("action.id", o.ActionID),
		attribute.String("pattern.type", in.PatternType),
	)

	correct := o.MetExpectations
	s.updatePattern(in.PatternType, correct, in.HypothesisConfidence)
	s.updateEffectiveness(o.ActionType, o.ImprovementAchieved)

	rec := Record{
		IncidentID:                      o.ActionID,
		IncidentTimestamp:               o.ExecutedAt,
		PatternType:                     in.PatternType,
		PatternFeatures:                 maps.Clone(in.PatternFeatures),
		Hypothesis:                      in.Hypothesis,
		HypothesisConfidence:            in.HypothesisConfidence,
		HypothesisCorrect:               correct,
		ActionTaken:                     o.ActionType,
		ActionParameters:                maps.Clone(in.Parameters),
		Outcome:                         "failed",
		ImprovementAchieved:             o.ImprovementAchieved,
		Lessons:                         Lessons(o),
		RecommendedConfidenceAdjustment: o.ConfidenceAdjustment,
		RecommendedModifications:        SuggestModifications(o),
	}
	if correct {
		rec.Outcome = "success"
	}
	if rec.PatternFeatures == nil {
		rec.PatternFeatures = map[string]any{}
	}
	if rec.ActionParameters == nil {
		rec.ActionParameters = map[string]any{}
	}

	if err := s.knowledge.Add(ctx, Document(rec), Metadata(rec), rec.IncidentID); err != nil {
		s.logger.Error("failed to store learning record",
			zap.String("incident_id", rec.IncidentID),
			zap.Error(err),
		)
	}
	if s.archive != nil {
		if err := s.archive.SaveLearning(ctx, rec); err != nil {
			s.logger.Error("failed to archive learning record",
				zap.String("incident_id", rec.IncidentID),
				zap.Error(err),
			)
		}
	}
	if s.recordCounter != nil {
		s.recordCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("action_type", string(rec.ActionTaken)),
			attribute.String("outcome", rec.Outcome),
		))
	}

	s.logger.Info("learning record created",
		zap.String("incident_id", rec.IncidentID),
		zap.String("pattern_type", rec.PatternType),
		zap.Bool("hypothesis_correct", correct),
	)
	return rec
}

func (s *Store) updatePattern(pattern string, correct bool, seed float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.patterns[pattern]
	if !ok {
		c = seed
	}
	next := NextConfidence(c, correct)
	s.patterns[pattern] = next
	s.logger.Debug("pattern confidence updated",
		zap.String("pattern_type", pattern),
		zap.Float64("from", c),
		zap.Float64("to", next),
	)
}

// NextConfidence applies one bounded update step.
func NextConfidence(c float64, correct bool) float64 {
	if correct {
		return math.Min(MaxPatternConfidence, c+correctStep)
	}
	return math.Max(MinPatternConfidence, c-incorrectStep)
}

func (s *Store) updateEffectiveness(t action.Type, improvement float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := append(s.effectiveness[t], improvement)
	if over := len(h) - HistorySize; over > 0 {
		h = slices.Clone(h[over:])
	}
	s.effectiveness[t] = h
}

// PatternConfidence returns the learned confidence for a pattern.
func (s *Store) PatternConfidence(pattern string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.patterns[pattern]; ok {
		return c
	}
	return DefaultPatternConfidence
}

// Effectiveness summarizes the recent history of one action type.
type Effectiveness struct {
	ActionType         action.Type `json:"action_type"`
	SampleSize         int         `json:"sample_size"`
	AvgImprovement     float64     `json:"avg_improvement"`
	SuccessRate        float64     `json:"success_rate"`
	RecentImprovements []float64   `json:"recent_improvements"`
}

// Effectiveness returns statistics for t.
func (s *Store) Effectiveness(t action.Type) Effectiveness {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return effectivenessOf(t, s.effectiveness[t])
}

func effectivenessOf(t action.Type, h []float64) Effectiveness {
	e := Effectiveness{ActionType: t, RecentImprovements: []float64{}}
	if len(h) == 0 {
		return e
	}
	var sum float64
	var effective int
	for _, v := range h {
		sum += v
		if v > EffectiveThresholdPct {
			effective++
		}
	}
	e.SampleSize = len(h)
	e.AvgImprovement = sum / float64(len(h))
	e.SuccessRate = float64(effective) / float64(len(h)) * 100
	e.RecentImprovements = slices.Clone(h[max(0, len(h)-recentWindow):])
	return e
}

// Statistics is the overall learning summary.
type Statistics struct {
	TotalLearningEntries int                           `json:"total_learning_entries"`
	PatternTypesTracked  int                           `json:"pattern_types_tracked"`
	PatternConfidences   map[string]float64            `json:"pattern_confidences"`
	ActionTypesTracked   int                           `json:"action_types_tracked"`
	ActionEffectiveness  map[action.Type]Effectiveness `json:"action_effectiveness_summary"`
}

// Statistics returns the overall summary. A failing knowledge store counts
// as empty.
func (s *Store) Statistics(ctx context.Context) Statistics {
	total, err := s.knowledge.Count(ctx)
	if err != nil {
		s.logger.Warn("failed to count learning records", zap.Error(err))
		total = 0
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Statistics{
		TotalLearningEntries: total,
		PatternTypesTracked:  len(s.patterns),
		PatternConfidences:   maps.Clone(s.patterns),
		ActionTypesTracked:   len(s.effectiveness),
		ActionEffectiveness:  make(map[action.Type]Effectiveness, len(s.effectiveness)),
	}
	for t, h := range s.effectiveness {
		st.ActionEffectiveness[t] = effectivenessOf(t, h)
	}
	return st
}

// Similar is a past case returned by RetrieveSimilar.
type Similar struct {
	Document string            `json:"document"`
	Metadata map[string]string `json:"metadata"`
	Score    float32           `json:"score"`
}

// RetrieveSimilar finds past records of the same pattern type. Knowledge
// store errors are logged and yield no results.
func (s *Store) RetrieveSimilar(ctx context.Context, pattern string, features map[string]any, topK int) []Similar {
	ctx, span := s.tracer.Start(ctx, "learning.retrieve_similar")
	defer span.End()

	if topK <= 0 {
		topK = DefaultSimilar
	}
	matches, err := s.knowledge.Query(ctx, QueryText(pattern, features), map[string]string{"pattern_type": pattern}, topK)
	if err != nil {
		s.logger.Error("failed to retrieve similar cases",
			zap.String("pattern_type", pattern),
			zap.Error(err),
		)
		return []Similar{}
	}
	out := make([]Similar, 0, len(matches))
	for _, m := range matches {
		out = append(out, Similar{Document: m.Document, Metadata: m.Metadata, Score: m.Score})
	}
	span.SetAttributes(attribute.Int("results_count", len(out)))
	return out
}

// Lessons derives the learning-level lessons from o.
func Lessons(o outcome.Outcome) []string {
	var out []string
	if o.MetExpectations {
		out = append(out, fmt.Sprintf("Action '%s' was effective for this scenario", o.ActionType))
	} else {
		out = append(out, fmt.Sprintf("Action '%s' was not effective for this scenario", o.ActionType))
	}

	if o.ImprovementAchieved > 0 {
		out = append(out, fmt.Sprintf("Achieved %.1f%% improvement", o.ImprovementAchieved))
	} else {
		out = append(out, fmt.Sprintf("Performance degraded by %.1f%%", math.Abs(o.ImprovementAchieved)))
	}

	if o.RollbackTriggered {
		out = append(out, "Required rollback due to: "+o.RollbackReason)
	}

	if !o.MetExpectations {
		switch o.ActionType {
		case action.TypeRateLimit:
			out = append(out, "Rate limiting may need more gradual application")
		case action.TypeAdjustRouting:
			out = append(out, "Routing adjustments may need more conservative parameters")
		}
	}
	return out
}

// SuggestModifications proposes parameter changes for actions that fell
// short. It returns nil when expectations were met or nothing applies.
func SuggestModifications(o outcome.Outcome) map[string]string {
	if o.MetExpectations {
		return nil
	}
	switch o.ActionType {
	case action.TypeRateLimit:
		return map[string]string{
			"reduction_pct":   "Reduce by 50% of current value",
			"gradual_rollout": "Apply incrementally over 5 minutes",
		}
	case action.TypeModifyRetryConfig:
		return map[string]string{
			"max_retries": "Increase by 1 instead of 2+",
			"delay_ms":    "Use exponential backoff",
		}
	case action.TypeAdjustRouting:
		return map[string]string{
			"shift_pct":  "Shift traffic in 10% increments",
			"monitoring": "Monitor for 5 min between increments",
		}
	}
	return nil
}

// Document renders r as the text that gets embedded.
func Document(r Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Pattern: %s\n", r.PatternType)
	fmt.Fprintf(&b, "Features: %s\n", featuresJSON(r.PatternFeatures))
	fmt.Fprintf(&b, "Hypothesis: %s\n", r.Hypothesis)
	fmt.Fprintf(&b, "Action: %s\n", r.ActionTaken)
	fmt.Fprintf(&b, "Outcome: %s\n", r.Outcome)
	fmt.Fprintf(&b, "Improvement: %.2f%%\n", r.ImprovementAchieved)
	fmt.Fprintf(&b, "Lessons: %s", strings.Join(r.Lessons, " "))
	return b.String()
}

// Metadata is the filterable metadata stored with r.
func Metadata(r Record) map[string]string {
	return map[string]string{
		"incident_id":  r.IncidentID,
		"pattern_type": r.PatternType,
		"action_taken": string(r.ActionTaken),
		"outcome":      r.Outcome,
		"improvement":  strconv.FormatFloat(r.ImprovementAchieved, 'f', 2, 64),
		"timestamp":    r.IncidentTimestamp.UTC().Format(time.RFC3339),
	}
}

// QueryText is the similarity query for a pattern.
func QueryText(pattern string, features map[string]any) string {
	return fmt.Sprintf("Pattern: %s\nFeatures: %s", pattern, featuresJSON(features))
}

// featuresJSON encodes with sorted keys so equal features embed equally.
func featuresJSON(f map[string]any) string {
	if f == nil {
		f = map[string]any{}
	}
	b, err := json.Marshal(f)
	if err != nil {
		return "{}"
	}
	return string(b)
}
