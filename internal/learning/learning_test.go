package learning

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fyrsmithlabs/actiond/internal/action"
	"github.com/fyrsmithlabs/actiond/internal/knowledge"
	"github.com/fyrsmithlabs/actiond/internal/outcome"
)

var executedAt = time.Date(2026, 1, 31, 10, 30, 0, 0, time.UTC)

func met(t action.Type, improvement float64) outcome.Outcome {
	return outcome.Outcome{
		ActionID:             "act-1",
		ActionType:           t,
		ExecutedAt:           executedAt,
		Status:               outcome.StatusSuccess,
		ImprovementAchieved:  improvement,
		MetExpectations:      true,
		ConfidenceAdjustment: 0.1,
	}
}

func missed(t action.Type, improvement float64) outcome.Outcome {
	o := met(t, improvement)
	o.Status = outcome.StatusFailed
	o.MetExpectations = false
	o.ConfidenceAdjustment = -0.1
	return o
}

type failingStore struct{ knowledge.Noop }

func (failingStore) Add(context.Context, string, map[string]string, string) error {
	return knowledge.ErrUnavailable
}

func (failingStore) Query(context.Context, string, map[string]string, int) ([]knowledge.Match, error) {
	return nil, knowledge.ErrUnavailable
}

func (failingStore) Count(context.Context) (int, error) { return 0, knowledge.ErrUnavailable }

type recordingArchive struct {
	records []Record
	err     error
}

func (a *recordingArchive) SaveLearning(_ context.Context, r Record) error {
	a.records = append(a.records, r)
	return a.err
}

func TestRecord_Success(t *testing.T) {
	kb := knowledge.NewMemory(nil)
	arch := &recordingArchive{}
	s := New(Config{Knowledge: kb, Archive: arch})
	ctx := context.Background()

	rec := s.Record(ctx, met(action.TypeAdjustRouting, 8.536585), Input{
		Hypothesis:           "HDFC issuer experiencing degradation",
		HypothesisConfidence: 0.75,
		PatternType:          "issuer_degradation",
		PatternFeatures:      map[string]any{"issuer": "HDFC"},
		Parameters:           map[string]any{"shift_pct": 30.0},
	})

	assert.Equal(t, "act-1", rec.IncidentID)
	assert.Equal(t, executedAt, rec.IncidentTimestamp)
	assert.True(t, rec.HypothesisCorrect)
	assert.Equal(t, "success", rec.Outcome)
	assert.Equal(t, action.TypeAdjustRouting, rec.ActionTaken)
	assert.Equal(t, 30.0, rec.ActionParameters["shift_pct"])
	assert.Equal(t, 0.1, rec.RecommendedConfidenceAdjustment)
	assert.Nil(t, rec.RecommendedModifications)
	assert.Equal(t, []string{
		"Action 'adjust_routing' was effective for this scenario",
		"Achieved 8.5% improvement",
	}, rec.Lessons)

	assert.InDelta(t, 0.80, s.PatternConfidence("issuer_degradation"), 1e-9)

	n, err := kb.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, arch.records, 1)
	assert.Equal(t, rec.IncidentID, arch.records[0].IncidentID)
}

func TestRecord_NotMet(t *testing.T) {
	s := New(Config{})
	o := missed(action.TypeRateLimit, -3)
	o.RollbackTriggered = true
	o.RollbackReason = "Degradation detected: -3.00% (threshold: -5.0%)"

	rec := s.Record(context.Background(), o, Input{HypothesisConfidence: 0.7, PatternType: "retry_storm"})

	assert.False(t, rec.HypothesisCorrect)
	assert.Equal(t, "failed", rec.Outcome)
	assert.Equal(t, []string{
		"Action 'rate_limit' was not effective for this scenario",
		"Performance degraded by 3.0%",
		"Required rollback due to: Degradation detected: -3.00% (threshold: -5.0%)",
		"Rate limiting may need more gradual application",
	}, rec.Lessons)
	assert.Equal(t, map[string]string{
		"reduction_pct":   "Reduce by 50% of current value",
		"gradual_rollout": "Apply incrementally over 5 minutes",
	}, rec.RecommendedModifications)
	assert.InDelta(t, 0.6, s.PatternConfidence("retry_storm"), 1e-9)
	assert.NotNil(t, rec.PatternFeatures)
	assert.NotNil(t, rec.ActionParameters)
}

func TestPatternConfidence_Bounded(t *testing.T) {
	s := New(Config{})
	ctx := context.Background()

	assert.Equal(t, DefaultPatternConfidence, s.PatternConfidence("unseen"))

	for range 10 {
		s.Record(ctx, met(action.TypeDoNothing, 5), Input{HypothesisConfidence: 0.9, PatternType: "up"})
	}
	assert.Equal(t, MaxPatternConfidence, s.PatternConfidence("up"))

	for range 10 {
		s.Record(ctx, missed(action.TypeDoNothing, 0), Input{HypothesisConfidence: 0.5, PatternType: "down"})
	}
	assert.Equal(t, MinPatternConfidence, s.PatternConfidence("down"))

	// The seed only applies to the first observation of a pattern.
	s.Record(ctx, met(action.TypeDoNothing, 5), Input{HypothesisConfidence: 0.1, PatternType: "down"})
	assert.InDelta(t, 0.35, s.PatternConfidence("down"), 1e-9)
}

func TestNextConfidence(t *testing.T) {
	tests := []struct {
		c       float64
		correct bool
		want    float64
	}{
		{0.5, true, 0.55},
		{0.93, true, 0.95},
		{0.95, true, 0.95},
		{0.5, false, 0.4},
		{0.35, false, 0.3},
		{0.3, false, 0.3},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, NextConfidence(tt.c, tt.correct), 1e-9, "c=%v correct=%v", tt.c, tt.correct)
	}
}

func TestEffectiveness(t *testing.T) {
	s := New(Config{})
	ctx := context.Background()

	e := s.Effectiveness(action.TypeModifyRetryConfig)
	assert.Zero(t, e.SampleSize)
	assert.Empty(t, e.RecentImprovements)

	for i := range 25 {
		s.Record(ctx, met(action.TypeModifyRetryConfig, float64(i)), Input{PatternType: "p"})
	}

	e = s.Effectiveness(action.TypeModifyRetryConfig)
	assert.Equal(t, HistorySize, e.SampleSize)
	// History holds 5..24, all above the effective threshold.
	assert.InDelta(t, 14.5, e.AvgImprovement, 1e-9)
	assert.InDelta(t, 100.0, e.SuccessRate, 1e-9)
	assert.Equal(t, []float64{20, 21, 22, 23, 24}, e.RecentImprovements)

	s.Record(ctx, met(action.TypeRateLimit, 1), Input{PatternType: "p"})
	s.Record(ctx, met(action.TypeRateLimit, 3), Input{PatternType: "p"})
	assert.InDelta(t, 50.0, s.Effectiveness(action.TypeRateLimit).SuccessRate, 1e-9)
}

func TestStatistics(t *testing.T) {
	s := New(Config{Knowledge: knowledge.NewMemory(nil)})
	ctx := context.Background()

	o1 := met(action.TypeAdjustRouting, 8)
	o2 := missed(action.TypeRateLimit, 1)
	o2.ActionID = "act-2"
	s.Record(ctx, o1, Input{PatternType: "issuer_degradation", HypothesisConfidence: 0.7})
	s.Record(ctx, o2, Input{PatternType: "retry_storm", HypothesisConfidence: 0.7})

	st := s.Statistics(ctx)
	assert.Equal(t, 2, st.TotalLearningEntries)
	assert.Equal(t, 2, st.PatternTypesTracked)
	assert.Equal(t, 2, st.ActionTypesTracked)
	assert.InDelta(t, 0.75, st.PatternConfidences["issuer_degradation"], 1e-9)
	assert.Equal(t, 1, st.ActionEffectiveness[action.TypeAdjustRouting].SampleSize)
}

func TestRetrieveSimilar(t *testing.T) {
	s := New(Config{Knowledge: knowledge.NewMemory(nil)})
	ctx := context.Background()

	for i, p := range []string{"issuer_degradation", "retry_storm", "issuer_degradation"} {
		o := met(action.TypeAdjustRouting, 5)
		o.ActionID = []string{"a", "b", "c"}[i]
		s.Record(ctx, o, Input{PatternType: p, PatternFeatures: map[string]any{"issuer": "HDFC"}})
	}

	got := s.RetrieveSimilar(ctx, "issuer_degradation", map[string]any{"issuer": "HDFC"}, 0)
	require.Len(t, got, 2)
	for _, g := range got {
		assert.Equal(t, "issuer_degradation", g.Metadata["pattern_type"])
		assert.Contains(t, g.Document, "Pattern: issuer_degradation")
	}
}

func TestKnowledgeFailuresAreNonFatal(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	arch := &recordingArchive{err: errors.New("disk full")}
	s := New(Config{Knowledge: failingStore{}, Archive: arch, Logger: zap.New(core)})
	ctx := context.Background()

	rec := s.Record(ctx, met(action.TypeAdjustRouting, 5), Input{PatternType: "p", HypothesisConfidence: 0.6})
	assert.Equal(t, "act-1", rec.IncidentID)
	assert.InDelta(t, 0.65, s.PatternConfidence("p"), 1e-9)
	assert.Equal(t, 1, logs.FilterMessage("failed to store learning record").Len())
	assert.Equal(t, 1, logs.FilterMessage("failed to archive learning record").Len())

	assert.Empty(t, s.RetrieveSimilar(ctx, "p", nil, 3))
	assert.Zero(t, s.Statistics(ctx).TotalLearningEntries)
}

func TestDocumentAndMetadata(t *testing.T) {
	rec := Record{
		IncidentID:          "act-9",
		IncidentTimestamp:   executedAt,
		PatternType:         "issuer_degradation",
		PatternFeatures:     map[string]any{"issuer": "HDFC", "affected_methods": []string{"card"}},
		Hypothesis:          "HDFC degraded",
		ActionTaken:         action.TypeAdjustRouting,
		Outcome:             "success",
		ImprovementAchieved: 8.5,
		Lessons:             []string{"one", "two"},
	}

	assert.Equal(t, "Pattern: issuer_degradation\n"+
		`Features: {"affected_methods":["card"],"issuer":"HDFC"}`+"\n"+
		"Hypothesis: HDFC degraded\n"+
		"Action: adjust_routing\n"+
		"Outcome: success\n"+
		"Improvement: 8.50%\n"+
		"Lessons: one two", Document(rec))

	assert.Equal(t, map[string]string{
		"incident_id":  "act-9",
		"pattern_type": "issuer_degradation",
		"action_taken": "adjust_routing",
		"outcome":      "success",
		"improvement":  "8.50",
		"timestamp":    "2026-01-31T10:30:00Z",
	}, Metadata(rec))

	assert.Equal(t, "Pattern: retry_storm\nFeatures: {}", QueryText("retry_storm", nil))
}

func TestSuggestModifications(t *testing.T) {
	assert.Nil(t, SuggestModifications(met(action.TypeRateLimit, 9)))
	assert.Contains(t, SuggestModifications(missed(action.TypeModifyRetryConfig, 0)), "max_retries")
	assert.Contains(t, SuggestModifications(missed(action.TypeAdjustRouting, 0)), "shift_pct")
	assert.Nil(t, SuggestModifications(missed(action.TypeAlertMerchant, 0)))
}
