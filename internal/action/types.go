// Package action defines remediation decisions and their typed parameters.
package action

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrUnknownType indicates an action_type outside the closed set.
	ErrUnknownType = errors.New("unknown action type")

	// ErrInvalidParams indicates parameters that do not decode into the kind's payload.
	ErrInvalidParams = errors.New("invalid action parameters")

	// ErrInvalidDecision indicates a structurally invalid decision.
	ErrInvalidDecision = errors.New("invalid decision")
)

// Type is the kind of remediation action.
type Type string

const (
	TypeAdjustRouting     Type = "adjust_routing"
	TypeModifyRetryConfig Type = "modify_retry_config"
	TypeRateLimit         Type = "rate_limit"
	TypeCircuitBreak      Type = "circuit_break"
	TypeAlertMerchant     Type = "alert_merchant"
	TypeDoNothing         Type = "do_nothing"
)

// AllTypes returns every action type in declaration order.
func AllTypes() []Type {
	return []Type{
		TypeAdjustRouting,
		TypeModifyRetryConfig,
		TypeRateLimit,
		TypeCircuitBreak,
		TypeAlertMerchant,
		TypeDoNothing,
	}
}

// Valid reports whether t is one of the known action types.
func (t Type) Valid() bool {
	for _, known := range AllTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// ParseType converts s into a Type.
func ParseType(s string) (Type, error) {
	t := Type(strings.TrimSpace(s))
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownType, s)
	}
	return t, nil
}

// RiskLevel is the estimated risk of applying an action.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// ParseRiskLevel converts s into a RiskLevel.
func ParseRiskLevel(s string) (RiskLevel, error) {
	switch r := RiskLevel(strings.ToLower(strings.TrimSpace(s))); r {
	case RiskLow, RiskMedium, RiskHigh:
		return r, nil
	default:
		return "", fmt.Errorf("%w: risk level %q", ErrInvalidDecision, s)
	}
}

// Decision is a fully specified candidate remediation action.
// It is never mutated after creation.
type Decision struct {
	ID                     string    `json:"action_id"`
	Type                   Type      `json:"action_type"`
	TargetDimension        string    `json:"target_dimension"`
	TargetValue            string    `json:"target_value"`
	Params                 Params    `json:"parameters"`
	DurationMinutes        int       `json:"duration_minutes"`
	ExpectedImprovementPct float64   `json:"expected_improvement_pct"`
	RiskLevel              RiskLevel `json:"estimated_risk_level"`
	Reasoning              string    `json:"reasoning"`
	Confidence             float64   `json:"confidence"`
	CreatedAt              time.Time `json:"created_at"`
}

// DefaultDurationMinutes is used when a decision omits duration_minutes.
const DefaultDurationMinutes = 60

// Target renders the target as dimension=value.
func (d Decision) Target() string {
	return d.TargetDimension + "=" + d.TargetValue
}

// Duration returns the requested lifetime of the action.
func (d Decision) Duration() time.Duration {
	return time.Duration(d.DurationMinutes) * time.Minute
}

// Validate checks structural well-formedness. Safety limits are enforced
// separately by the safety package.
func (d Decision) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("%w: action_id is required", ErrInvalidDecision)
	}
	if !d.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownType, d.Type)
	}
	if d.Params == nil {
		return fmt.Errorf("%w: parameters missing for %s", ErrInvalidParams, d.Type)
	}
	if d.Params.Kind() != d.Type {
		return fmt.Errorf("%w: %s parameters supplied for %s", ErrInvalidParams, d.Params.Kind(), d.Type)
	}
	if _, err := ParseRiskLevel(string(d.RiskLevel)); err != nil {
		return err
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return fmt.Errorf("%w: confidence %.2f outside [0,1]", ErrInvalidDecision, d.Confidence)
	}
	return nil
}
