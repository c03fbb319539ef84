package action

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Params is the typed parameter payload of one action kind.
// The set of implementations is closed to this package.
type Params interface {
	Kind() Type
	// Fields returns the payload as a flat map for logs and knowledge records.
	Fields() map[string]any
	sealed()
}

// RoutingParams shifts a share of traffic between gateways.
type RoutingParams struct {
	FromGateway string  `json:"from_gateway"`
	ToGateway   string  `json:"to_gateway"`
	ShiftPct    float64 `json:"shift_pct"`
}

// RetryParams replaces the retry policy for the target.
// CurrentMaxRetries and NewMaxRetries default to 1 when absent.
type RetryParams struct {
	CurrentMaxRetries float64 `json:"current_max_retries"`
	NewMaxRetries     float64 `json:"new_max_retries"`
	NewRetryDelayMs   int     `json:"new_retry_delay_ms,omitempty"`
}

// RateLimitParams reduces admitted traffic for the target.
type RateLimitParams struct {
	ReductionPct float64 `json:"reduction_pct"`
}

// CircuitBreakParams opens a circuit breaker for the target.
type CircuitBreakParams struct{}

// AlertParams notifies the merchant.
type AlertParams struct {
	Message string `json:"message,omitempty"`
}

// NoopParams carries nothing.
type NoopParams struct{}

func (RoutingParams) Kind() Type      { return TypeAdjustRouting }
func (RetryParams) Kind() Type        { return TypeModifyRetryConfig }
func (RateLimitParams) Kind() Type    { return TypeRateLimit }
func (CircuitBreakParams) Kind() Type { return TypeCircuitBreak }
func (AlertParams) Kind() Type        { return TypeAlertMerchant }
func (NoopParams) Kind() Type         { return TypeDoNothing }

func (RoutingParams) sealed()      {}
func (RetryParams) sealed()        {}
func (RateLimitParams) sealed()    {}
func (CircuitBreakParams) sealed() {}
func (AlertParams) sealed()        {}
func (NoopParams) sealed()         {}

func (p RoutingParams) Fields() map[string]any {
	return map[string]any{
		"from_gateway": p.FromGateway,
		"to_gateway":   p.ToGateway,
		"shift_pct":    p.ShiftPct,
	}
}

func (p RetryParams) Fields() map[string]any {
	return map[string]any{
		"current_max_retries": p.CurrentMaxRetries,
		"new_max_retries":     p.NewMaxRetries,
		"new_retry_delay_ms":  p.NewRetryDelayMs,
	}
}

func (p RateLimitParams) Fields() map[string]any {
	return map[string]any{"reduction_pct": p.ReductionPct}
}

func (CircuitBreakParams) Fields() map[string]any { return map[string]any{} }

func (p AlertParams) Fields() map[string]any {
	return map[string]any{"message": p.Message}
}

func (NoopParams) Fields() map[string]any { return map[string]any{} }

// DefaultParams returns the zero payload for t with documented defaults applied.
func DefaultParams(t Type) (Params, error) {
	switch t {
	case TypeAdjustRouting:
		return RoutingParams{}, nil
	case TypeModifyRetryConfig:
		return RetryParams{CurrentMaxRetries: 1, NewMaxRetries: 1}, nil
	case TypeRateLimit:
		return RateLimitParams{}, nil
	case TypeCircuitBreak:
		return CircuitBreakParams{}, nil
	case TypeAlertMerchant:
		return AlertParams{}, nil
	case TypeDoNothing:
		return NoopParams{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
}

// DecodeParams decodes raw JSON into the payload for t. Empty input yields
// the defaults. Unknown keys are ignored.
func DecodeParams(t Type, raw json.RawMessage) (Params, error) {
	p, err := DefaultParams(t)
	if err != nil {
		return nil, err
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return p, nil
	}

	switch v := p.(type) {
	case RoutingParams:
		err = json.Unmarshal(raw, &v)
		p = v
	case RetryParams:
		err = json.Unmarshal(raw, &v)
		p = v
	case RateLimitParams:
		err = json.Unmarshal(raw, &v)
		p = v
	case AlertParams:
		err = json.Unmarshal(raw, &v)
		p = v
	case CircuitBreakParams, NoopParams:
		var probe map[string]any
		err = json.Unmarshal(raw, &probe)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidParams, t, err)
	}
	return p, nil
}

// ParamsFromMap converts a loosely typed map into the payload for t.
func ParamsFromMap(t Type, m map[string]any) (Params, error) {
	if len(m) == 0 {
		return DecodeParams(t, nil)
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return DecodeParams(t, raw)
}
