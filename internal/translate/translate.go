// Package translate converts decisions produced by the upstream reasoning
// service into action.Decision values.
package translate

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/actiond/internal/action"
)

// ApprovalViolation is the escalation message for decisions the upstream
// service flagged for a human.
const ApprovalViolation = "Upstream requires human approval"

// typeMap maps upstream action types. Anything else becomes do_nothing.
var typeMap = map[string]action.Type{
	"disable_route":       action.TypeCircuitBreak,
	"shift_traffic":       action.TypeAdjustRouting,
	"throttle_path":       action.TypeRateLimit,
	"adjust_retry_policy": action.TypeModifyRetryConfig,
	"alert_merchant":      action.TypeAlertMerchant,
	"do_nothing":          action.TypeDoNothing,
}

// Risk score thresholds.
const (
	highRisk   = 0.7
	mediumRisk = 0.4
)

// Upstream is the upstream service's output envelope.
type Upstream struct {
	Decision UpstreamDecision `json:"decision"`
	Patterns []Pattern        `json:"patterns,omitempty"`
}

// UpstreamDecision is the decision part of the envelope.
type UpstreamDecision struct {
	SelectedAction        *SelectedAction `json:"selectedAction"`
	RequiresHumanApproval bool            `json:"requiresHumanApproval"`
	ConfidenceInDecision  *float64        `json:"confidenceInDecision,omitempty"`
	Confidence            *float64        `json:"confidence,omitempty"`
	Explanation           string          `json:"explanation,omitempty"`
}

// SelectedAction is the upstream's chosen action.
type SelectedAction struct {
	ID              string          `json:"id"`
	Category        string          `json:"category,omitempty"`
	Type            string          `json:"type"`
	Description     string          `json:"description"`
	Parameters      map[string]any  `json:"parameters"`
	EstimatedImpact EstimatedImpact `json:"estimatedImpact"`
	Reversible      *bool           `json:"reversible,omitempty"`
}

// EstimatedImpact is the upstream's prediction. SuccessRateChange is a
// fraction; RiskLevel is a score in [0,1].
type EstimatedImpact struct {
	SuccessRateChange float64  `json:"successRateChange"`
	LatencyImpact     float64  `json:"latencyImpact,omitempty"`
	CostImpact        float64  `json:"costImpact,omitempty"`
	RiskLevel         *float64 `json:"riskLevel,omitempty"`
}

// Pattern is a detected pattern supporting the decision.
type Pattern struct {
	Type     string `json:"type"`
	Evidence []any  `json:"evidence,omitempty"`
}

// Result is a translated decision with the learning context it carries.
type Result struct {
	Decision              action.Decision
	RequiresHumanApproval bool
	PatternType           string
	PatternFeatures       map[string]any
}

// Translator builds decisions. Now and NewID are replaceable for tests.
type Translator struct {
	Now   func() time.Time
	NewID func() string
}

// New returns a translator using wall time and random UUIDs.
func New() *Translator {
	return &Translator{
		Now:   time.Now,
		NewID: func() string { return "action-" + uuid.NewString() },
	}
}

// Decode parses and translates a raw envelope.
func (t *Translator) Decode(data []byte) (Result, error) {
	var u Upstream
	if err := json.Unmarshal(data, &u); err != nil {
		return Result{}, fmt.Errorf("%w: decoding upstream decision: %v", action.ErrInvalidDecision, err)
	}
	return t.Translate(u)
}

// Translate maps u onto an action.Decision.
func (t *Translator) Translate(u Upstream) (Result, error) {
	sel := u.Decision.SelectedAction
	if sel == nil {
		return Result{}, fmt.Errorf("%w: upstream decision has no selectedAction", action.ErrInvalidDecision)
	}

	typ, ok := typeMap[sel.Type]
	if !ok {
		typ = action.TypeDoNothing
	}
	params, err := action.ParamsFromMap(typ, sel.Parameters)
	if err != nil {
		return Result{}, err
	}

	dim, val := target(sel.Parameters)

	confidence := 0.5
	switch {
	case u.Decision.ConfidenceInDecision != nil:
		confidence = *u.Decision.ConfidenceInDecision
	case u.Decision.Confidence != nil:
		confidence = *u.Decision.Confidence
	}

	riskScore := 0.5
	switch {
	case sel.EstimatedImpact.RiskLevel != nil:
		riskScore = *sel.EstimatedImpact.RiskLevel
	case u.Decision.ConfidenceInDecision != nil:
		riskScore = *u.Decision.ConfidenceInDecision
	}

	id := sel.ID
	if id == "" {
		id = t.NewID()
	}
	reasoning := sel.Description
	if reasoning == "" {
		reasoning = u.Decision.Explanation
	}

	d := action.Decision{
		ID:                     id,
		Type:                   typ,
		TargetDimension:        dim,
		TargetValue:            val,
		Params:                 params,
		DurationMinutes:        action.DefaultDurationMinutes,
		ExpectedImprovementPct: sel.EstimatedImpact.SuccessRateChange * 100,
		RiskLevel:              RiskLevel(riskScore),
		Reasoning:              reasoning,
		Confidence:             math.Min(math.Max(confidence, 0), 1),
		CreatedAt:              t.Now().UTC(),
	}

	res := Result{Decision: d, RequiresHumanApproval: u.Decision.RequiresHumanApproval}
	if len(u.Patterns) > 0 && u.Patterns[0].Type != "" {
		res.PatternType = u.Patterns[0].Type
		evidence := u.Patterns[0].Evidence
		if evidence == nil {
			evidence = []any{}
		}
		res.PatternFeatures = map[string]any{"evidence": evidence}
	}
	return res, nil
}

// RiskLevel buckets a numeric risk score.
func RiskLevel(score float64) action.RiskLevel {
	switch {
	case score >= highRisk:
		return action.RiskHigh
	case score >= mediumRisk:
		return action.RiskMedium
	default:
		return action.RiskLow
	}
}

func target(params map[string]any) (dimension, value string) {
	if v, ok := first(params["targetIssuers"]); ok {
		return "issuer_bank", v
	}
	if v, ok := first(params["targetPaymentMethods"]); ok {
		return "payment_method", v
	}
	if v, ok := params["target"].(string); ok && v != "" {
		return "unknown", v
	}
	return "unknown", "unknown"
}

func first(v any) (string, bool) {
	list, ok := v.([]any)
	if !ok || len(list) == 0 {
		return "", false
	}
	s, ok := list[0].(string)
	return s, ok && s != ""
}
