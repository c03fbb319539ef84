package translate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/actiond/internal/action"
)

const sample = `{
  "decision": {
    "selectedAction": {
      "id": "action_disable_route_1769888501037_7qokp1",
      "category": "traffic_routing",
      "type": "disable_route",
      "description": "Completely disable traffic to failing issuer",
      "parameters": {"targetIssuers": ["visa"]},
      "estimatedImpact": {
        "successRateChange": 0.06964999999999999,
        "latencyImpact": -28,
        "costImpact": 0.27999999999999997,
        "riskLevel": 0.6029999999999999
      },
      "prerequisites": ["alternative_routes_available"],
      "reversible": true
    },
    "requiresHumanApproval": true,
    "confidenceInDecision": 0.4600721115169518
  }
}`

var fixed = time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

func newTranslator() *Translator {
	return &Translator{
		Now:   func() time.Time { return fixed },
		NewID: func() string { return "action-generated" },
	}
}

func TestDecode_Sample(t *testing.T) {
	res, err := newTranslator().Decode([]byte(sample))
	require.NoError(t, err)

	d := res.Decision
	assert.True(t, res.RequiresHumanApproval)
	assert.Equal(t, "action_disable_route_1769888501037_7qokp1", d.ID)
	assert.Equal(t, action.TypeCircuitBreak, d.Type)
	assert.Equal(t, "issuer_bank", d.TargetDimension)
	assert.Equal(t, "visa", d.TargetValue)
	assert.Equal(t, action.RiskMedium, d.RiskLevel)
	assert.InDelta(t, 6.965, d.ExpectedImprovementPct, 1e-9)
	assert.InDelta(t, 0.4600721115169518, d.Confidence, 1e-12)
	assert.Equal(t, action.DefaultDurationMinutes, d.DurationMinutes)
	assert.Equal(t, "Completely disable traffic to failing issuer", d.Reasoning)
	assert.Equal(t, fixed, d.CreatedAt)
	assert.Equal(t, action.CircuitBreakParams{}, d.Params)
	require.NoError(t, d.Validate())
	assert.Empty(t, res.PatternType)
}

func TestTranslate_TypeMapping(t *testing.T) {
	tests := map[string]action.Type{
		"disable_route":       action.TypeCircuitBreak,
		"shift_traffic":       action.TypeAdjustRouting,
		"throttle_path":       action.TypeRateLimit,
		"adjust_retry_policy": action.TypeModifyRetryConfig,
		"alert_merchant":      action.TypeAlertMerchant,
		"do_nothing":          action.TypeDoNothing,
		"reboot_datacenter":   action.TypeDoNothing,
		"":                    action.TypeDoNothing,
	}
	for upstream, want := range tests {
		t.Run(upstream, func(t *testing.T) {
			res, err := newTranslator().Translate(Upstream{Decision: UpstreamDecision{
				SelectedAction: &SelectedAction{ID: "x", Type: upstream},
			}})
			require.NoError(t, err)
			assert.Equal(t, want, res.Decision.Type)
			assert.Equal(t, want, res.Decision.Params.Kind())
		})
	}
}

func TestTranslate_Target(t *testing.T) {
	tests := []struct {
		name     string
		params   map[string]any
		dim, val string
	}{
		{"issuer", map[string]any{"targetIssuers": []any{"HDFC", "ICICI"}, "targetPaymentMethods": []any{"upi"}}, "issuer_bank", "HDFC"},
		{"payment method", map[string]any{"targetPaymentMethods": []any{"upi"}}, "payment_method", "upi"},
		{"empty issuers", map[string]any{"targetIssuers": []any{}, "targetPaymentMethods": []any{"card"}}, "payment_method", "card"},
		{"explicit target", map[string]any{"target": "merchant-42"}, "unknown", "merchant-42"},
		{"nothing", nil, "unknown", "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := newTranslator().Translate(Upstream{Decision: UpstreamDecision{
				SelectedAction: &SelectedAction{ID: "x", Type: "alert_merchant", Parameters: tt.params},
			}})
			require.NoError(t, err)
			assert.Equal(t, tt.dim, res.Decision.TargetDimension)
			assert.Equal(t, tt.val, res.Decision.TargetValue)
		})
	}
}

func ptr(f float64) *float64 { return &f }

func TestTranslate_RiskAndConfidence(t *testing.T) {
	tests := []struct {
		name           string
		decision       UpstreamDecision
		risk           action.RiskLevel
		wantConfidence float64
	}{
		{
			name:           "explicit risk",
			decision:       UpstreamDecision{ConfidenceInDecision: ptr(0.9), SelectedAction: &SelectedAction{EstimatedImpact: EstimatedImpact{RiskLevel: ptr(0.2)}}},
			risk:           action.RiskLow,
			wantConfidence: 0.9,
		},
		{
			name:           "risk falls back to confidence",
			decision:       UpstreamDecision{ConfidenceInDecision: ptr(0.75), SelectedAction: &SelectedAction{}},
			risk:           action.RiskHigh,
			wantConfidence: 0.75,
		},
		{
			name:           "defaults",
			decision:       UpstreamDecision{SelectedAction: &SelectedAction{}},
			risk:           action.RiskMedium,
			wantConfidence: 0.5,
		},
		{
			name:           "plain confidence clamped",
			decision:       UpstreamDecision{Confidence: ptr(1.7), SelectedAction: &SelectedAction{}},
			risk:           action.RiskMedium,
			wantConfidence: 1,
		},
		{
			name:           "negative confidence clamped",
			decision:       UpstreamDecision{ConfidenceInDecision: ptr(-0.3), SelectedAction: &SelectedAction{}},
			risk:           action.RiskLow,
			wantConfidence: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := newTranslator().Translate(Upstream{Decision: tt.decision})
			require.NoError(t, err)
			assert.Equal(t, tt.risk, res.Decision.RiskLevel)
			assert.Equal(t, tt.wantConfidence, res.Decision.Confidence)
		})
	}
}

func TestRiskLevel(t *testing.T) {
	assert.Equal(t, action.RiskHigh, RiskLevel(0.7))
	assert.Equal(t, action.RiskMedium, RiskLevel(0.69))
	assert.Equal(t, action.RiskMedium, RiskLevel(0.4))
	assert.Equal(t, action.RiskLow, RiskLevel(0.39))
}

func TestTranslate_GeneratedIDAndExplanation(t *testing.T) {
	res, err := newTranslator().Translate(Upstream{Decision: UpstreamDecision{
		Explanation:    "issuer degraded for 15 minutes",
		SelectedAction: &SelectedAction{Type: "shift_traffic", Parameters: map[string]any{"shift_pct": 30}},
	}})
	require.NoError(t, err)
	assert.Equal(t, "action-generated", res.Decision.ID)
	assert.Equal(t, "issuer degraded for 15 minutes", res.Decision.Reasoning)
	assert.Equal(t, 30.0, res.Decision.Params.(action.RoutingParams).ShiftPct)

	assert.Regexp(t, `^action-[0-9a-f-]{36}$`, New().NewID())
}

func TestTranslate_Patterns(t *testing.T) {
	res, err := newTranslator().Translate(Upstream{
		Decision: UpstreamDecision{SelectedAction: &SelectedAction{ID: "x", Type: "do_nothing"}},
		Patterns: []Pattern{{Type: "issuer_degradation", Evidence: []any{"hdfc success 62%"}}, {Type: "other"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "issuer_degradation", res.PatternType)
	assert.Equal(t, map[string]any{"evidence": []any{"hdfc success 62%"}}, res.PatternFeatures)
}

func TestTranslate_Errors(t *testing.T) {
	_, err := newTranslator().Translate(Upstream{})
	assert.ErrorIs(t, err, action.ErrInvalidDecision)

	_, err = newTranslator().Decode([]byte(`{"decision":`))
	assert.ErrorIs(t, err, action.ErrInvalidDecision)

	_, err = newTranslator().Translate(Upstream{Decision: UpstreamDecision{
		SelectedAction: &SelectedAction{Type: "throttle_path", Parameters: map[string]any{"reduction_pct": "lots"}},
	}})
	assert.ErrorIs(t, err, action.ErrInvalidParams)
}
