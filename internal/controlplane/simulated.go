package controlplane

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/actiond/internal/action"
)

// Effect is one recorded application or restoration.
type Effect struct {
	ActionID string      `json:"action_id"`
	Kind     action.Type `json:"kind"`
	Target   string      `json:"target"`
	Restored bool        `json:"restored"`
}

// Simulated is an in-memory control plane.
type Simulated struct {
	mu      sync.Mutex
	state   State
	effects []Effect
	failErr error
	logger  *zap.Logger
}

// NewSimulated creates a simulated control plane seeded with initial.
func NewSimulated(initial State, logger *zap.Logger) *Simulated {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Simulated{state: initial.Clone(), logger: logger}
}

func (s *Simulated) Mode() string { return ModeSimulated }

func (s *Simulated) State(ctx context.Context) (State, error) {
	if err := ctx.Err(); err != nil {
		return State{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone(), nil
}

// FailApply makes subsequent Apply calls return err. A nil err clears it.
func (s *Simulated) FailApply(err error) {
	s.mu.Lock()
	s.failErr = err
	s.mu.Unlock()
}

// Effects returns every recorded effect in order.
func (s *Simulated) Effects() []Effect {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Effect(nil), s.effects...)
}

func (s *Simulated) Apply(ctx context.Context, c Change) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return fmt.Errorf("%w: %v", ErrApplyFailed, s.failErr)
	}

	switch p := c.Params.(type) {
	case action.RoutingParams:
		s.state.Routing[c.Target] = RouteShift{FromGateway: p.FromGateway, ToGateway: p.ToGateway, ShiftPct: p.ShiftPct}
	case action.RetryParams:
		s.state.Retry[c.Target] = RetryPolicy{MaxRetries: p.NewMaxRetries, DelayMs: p.NewRetryDelayMs}
	case action.RateLimitParams:
		s.state.RateLimits[c.Target] = p.ReductionPct
	case action.CircuitBreakParams:
		s.state.CircuitBreakers[c.Target] = CircuitOpen
	case action.AlertParams, action.NoopParams:
	default:
		return fmt.Errorf("%w: unsupported parameters %T", ErrApplyFailed, c.Params)
	}

	s.effects = append(s.effects, Effect{ActionID: c.ActionID, Kind: c.Kind, Target: c.Target})
	s.logger.Debug("simulated effect applied",
		zap.String("action_id", c.ActionID),
		zap.String("kind", string(c.Kind)),
		zap.String("target", c.Target),
	)
	return nil
}

func (s *Simulated) Restore(ctx context.Context, c Change, pre State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.restoreTarget(c.Target, pre)
	s.effects = append(s.effects, Effect{ActionID: c.ActionID, Kind: c.Kind, Target: c.Target, Restored: true})
	s.logger.Debug("simulated effect restored",
		zap.String("action_id", c.ActionID),
		zap.String("target", c.Target),
	)
	return nil
}
