// Package controlplane applies and restores remediation effects against the
// transaction-processing control plane. A simulated implementation records
// intended effects in memory; the HTTP implementation talks to a live service.
package controlplane

import (
	"context"
	"errors"
	"maps"
	"time"

	"github.com/fyrsmithlabs/actiond/internal/action"
	"github.com/fyrsmithlabs/actiond/internal/metrics"
)

// ErrApplyFailed indicates the control plane refused or failed an effect.
var ErrApplyFailed = errors.New("control plane apply failed")

// CircuitOpen and CircuitClosed are circuit breaker states.
const (
	CircuitOpen   = "OPEN"
	CircuitClosed = "CLOSED"
)

// RouteShift is the routing override for one target.
type RouteShift struct {
	FromGateway string  `json:"from_gateway"`
	ToGateway   string  `json:"to_gateway"`
	ShiftPct    float64 `json:"shift_pct"`
}

// RetryPolicy is the retry configuration for one target.
type RetryPolicy struct {
	MaxRetries float64 `json:"max_retries"`
	DelayMs    int     `json:"delay_ms,omitempty"`
}

// State is the control configuration, keyed by target ("dimension=value").
type State struct {
	Routing         map[string]RouteShift  `json:"routing_config"`
	Retry           map[string]RetryPolicy `json:"retry_config"`
	RateLimits      map[string]float64     `json:"rate_limits"`
	CircuitBreakers map[string]string      `json:"circuit_breakers"`
}

// NewState returns an empty state with all maps allocated.
func NewState() State {
	return State{
		Routing:         map[string]RouteShift{},
		Retry:           map[string]RetryPolicy{},
		RateLimits:      map[string]float64{},
		CircuitBreakers: map[string]string{},
	}
}

// Clone returns a deep copy.
func (s State) Clone() State {
	out := NewState()
	maps.Copy(out.Routing, s.Routing)
	maps.Copy(out.Retry, s.Retry)
	maps.Copy(out.RateLimits, s.RateLimits)
	maps.Copy(out.CircuitBreakers, s.CircuitBreakers)
	return out
}

// restoreTarget copies target's entries from pre into s, deleting entries
// that did not exist before.
func (s *State) restoreTarget(target string, pre State) {
	if v, ok := pre.Routing[target]; ok {
		s.Routing[target] = v
	} else {
		delete(s.Routing, target)
	}
	if v, ok := pre.Retry[target]; ok {
		s.Retry[target] = v
	} else {
		delete(s.Retry, target)
	}
	if v, ok := pre.RateLimits[target]; ok {
		s.RateLimits[target] = v
	} else {
		delete(s.RateLimits, target)
	}
	if v, ok := pre.CircuitBreakers[target]; ok {
		s.CircuitBreakers[target] = v
	} else {
		delete(s.CircuitBreakers, target)
	}
}

// Baseline is the pre-image captured before an action is applied.
type Baseline struct {
	Metrics    metrics.Snapshot `json:"metrics"`
	Control    State            `json:"control"`
	CapturedAt time.Time        `json:"captured_at"`
}

// Change is one effect to apply.
type Change struct {
	ActionID string        `json:"action_id"`
	Kind     action.Type   `json:"kind"`
	Target   string        `json:"target"`
	Params   action.Params `json:"params"`
}

// ChangeFor builds the change for a decision.
func ChangeFor(d action.Decision) Change {
	return Change{ActionID: d.ID, Kind: d.Type, Target: d.Target(), Params: d.Params}
}

// ControlPlane applies effects and restores pre-images.
type ControlPlane interface {
	// Mode returns "simulated" or "live".
	Mode() string
	// State returns the current control configuration.
	State(ctx context.Context) (State, error)
	// Apply applies c.
	Apply(ctx context.Context, c Change) error
	// Restore reverts c's target to its entries in pre.
	Restore(ctx context.Context, c Change, pre State) error
}

// Modes.
const (
	ModeSimulated = "simulated"
	ModeLive      = "live"
)
