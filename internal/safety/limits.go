// Package safety validates candidate actions against hard limits before
// anything is allowed to touch the control plane.
package safety

import (
	"errors"
	"fmt"
)

// ErrInvalidLimits indicates a limits configuration that cannot be enforced.
var ErrInvalidLimits = errors.New("invalid safety limits")

// Limits are the hard bounds every decision is checked against.
type Limits struct {
	MinConfidence          float64  `koanf:"min_confidence" json:"min_confidence"`
	MaxConcurrentActions   int      `koanf:"max_concurrent_actions" json:"max_concurrent_actions"`
	MaxTrafficReductionPct float64  `koanf:"max_traffic_reduction_pct" json:"max_traffic_reduction_pct"`
	MaxRetryIncrease       float64  `koanf:"max_retry_increase" json:"max_retry_increase"`
	MinDurationMinutes     int      `koanf:"min_duration_minutes" json:"min_duration_minutes"`
	MaxDurationMinutes     int      `koanf:"max_duration_minutes" json:"max_duration_minutes"`
	CriticalIssuers        []string `koanf:"critical_issuers" json:"critical_issuers"`
	CriticalPaymentMethods []string `koanf:"critical_payment_methods" json:"critical_payment_methods"`
}

// DefaultLimits returns the production limits.
func DefaultLimits() Limits {
	return Limits{
		MinConfidence:          0.6,
		MaxConcurrentActions:   3,
		MaxTrafficReductionPct: 50,
		MaxRetryIncrease:       3,
		MinDurationMinutes:     5,
		MaxDurationMinutes:     180,
		CriticalIssuers:        []string{"CHASE", "HDFC", "ICICI"},
		CriticalPaymentMethods: []string{"card"},
	}
}

// ApplyDefaults fills zero-valued numeric fields from DefaultLimits.
// Denylists are left alone so an empty list can be configured deliberately.
func (l *Limits) ApplyDefaults() {
	d := DefaultLimits()
	if l.MinConfidence == 0 {
		l.MinConfidence = d.MinConfidence
	}
	if l.MaxConcurrentActions == 0 {
		l.MaxConcurrentActions = d.MaxConcurrentActions
	}
	if l.MaxTrafficReductionPct == 0 {
		l.MaxTrafficReductionPct = d.MaxTrafficReductionPct
	}
	if l.MaxRetryIncrease == 0 {
		l.MaxRetryIncrease = d.MaxRetryIncrease
	}
	if l.MinDurationMinutes == 0 {
		l.MinDurationMinutes = d.MinDurationMinutes
	}
	if l.MaxDurationMinutes == 0 {
		l.MaxDurationMinutes = d.MaxDurationMinutes
	}
	if l.CriticalIssuers == nil {
		l.CriticalIssuers = d.CriticalIssuers
	}
	if l.CriticalPaymentMethods == nil {
		l.CriticalPaymentMethods = d.CriticalPaymentMethods
	}
}

// Validate checks internal consistency.
func (l Limits) Validate() error {
	if l.MinConfidence < 0 || l.MinConfidence > 1 {
		return fmt.Errorf("%w: min_confidence must be in [0,1], got %v", ErrInvalidLimits, l.MinConfidence)
	}
	if l.MaxConcurrentActions < 1 {
		return fmt.Errorf("%w: max_concurrent_actions must be >= 1", ErrInvalidLimits)
	}
	if l.MaxTrafficReductionPct <= 0 || l.MaxTrafficReductionPct > 100 {
		return fmt.Errorf("%w: max_traffic_reduction_pct must be in (0,100]", ErrInvalidLimits)
	}
	if l.MaxRetryIncrease < 1 {
		return fmt.Errorf("%w: max_retry_increase must be >= 1", ErrInvalidLimits)
	}
	if l.MinDurationMinutes < 1 || l.MaxDurationMinutes < l.MinDurationMinutes {
		return fmt.Errorf("%w: duration bounds [%d,%d] are not a valid range",
			ErrInvalidLimits, l.MinDurationMinutes, l.MaxDurationMinutes)
	}
	return nil
}

func (l Limits) clone() Limits {
	out := l
	out.CriticalIssuers = append([]string(nil), l.CriticalIssuers...)
	out.CriticalPaymentMethods = append([]string(nil), l.CriticalPaymentMethods...)
	return out
}
