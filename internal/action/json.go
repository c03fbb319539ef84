package action

import (
	"encoding/json"
	"fmt"
	"time"
)

// decisionWire is the JSON shape of a Decision with untyped parameters.
type decisionWire struct {
	ID                     string          `json:"action_id"`
	Type                   string          `json:"action_type"`
	TargetDimension        string          `json:"target_dimension"`
	TargetValue            string          `json:"target_value"`
	Params                 json.RawMessage `json:"parameters,omitempty"`
	DurationMinutes        *int            `json:"duration_minutes,omitempty"`
	ExpectedImprovementPct float64         `json:"expected_improvement_pct"`
	RiskLevel              string          `json:"estimated_risk_level"`
	Reasoning              string          `json:"reasoning"`
	Confidence             float64         `json:"confidence"`
	CreatedAt              *time.Time      `json:"created_at,omitempty"`
}

// UnmarshalJSON decodes a decision and its parameters into the typed payload
// for action_type. An unknown action_type is an error.
func (d *Decision) UnmarshalJSON(data []byte) error {
	var w decisionWire
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDecision, err)
	}

	t, err := ParseType(w.Type)
	if err != nil {
		return err
	}
	params, err := DecodeParams(t, w.Params)
	if err != nil {
		return err
	}

	risk := RiskLevel(w.RiskLevel)
	if w.RiskLevel != "" {
		if risk, err = ParseRiskLevel(w.RiskLevel); err != nil {
			return err
		}
	}

	out := Decision{
		ID:                     w.ID,
		Type:                   t,
		TargetDimension:        w.TargetDimension,
		TargetValue:            w.TargetValue,
		Params:                 params,
		DurationMinutes:        DefaultDurationMinutes,
		ExpectedImprovementPct: w.ExpectedImprovementPct,
		RiskLevel:              risk,
		Reasoning:              w.Reasoning,
		Confidence:             w.Confidence,
	}
	if w.DurationMinutes != nil {
		out.DurationMinutes = *w.DurationMinutes
	}
	if w.CreatedAt != nil {
		out.CreatedAt = *w.CreatedAt
	}

	*d = out
	return nil
}

// MarshalJSON encodes the decision with its typed parameters.
func (d Decision) MarshalJSON() ([]byte, error) {
	var params json.RawMessage
	if d.Params != nil {
		raw, err := json.Marshal(d.Params)
		if err != nil {
			return nil, err
		}
		params = raw
	}
	duration := d.DurationMinutes
	created := d.CreatedAt
	return json.Marshal(decisionWire{
		ID:                     d.ID,
		Type:                   string(d.Type),
		TargetDimension:        d.TargetDimension,
		TargetValue:            d.TargetValue,
		Params:                 params,
		DurationMinutes:        &duration,
		ExpectedImprovementPct: d.ExpectedImprovementPct,
		RiskLevel:              string(d.RiskLevel),
		Reasoning:              d.Reasoning,
		Confidence:             d.Confidence,
		CreatedAt:              &created,
	})
}
