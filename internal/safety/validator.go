package safety

import (
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/actiond/internal/action"
)

// Result is the outcome of validating one decision.
type Result struct {
	Accepted           bool        `json:"accepted"`
	Violations         []Violation `json:"violations"`
	RequiresEscalation bool        `json:"requires_escalation"`
}

// Messages returns the violation messages in order.
func (r Result) Messages() []string {
	out := make([]string, len(r.Violations))
	for i, v := range r.Violations {
		out[i] = v.Message
	}
	return out
}

// Has reports whether any violation carries code.
func (r Result) Has(code Code) bool {
	for _, v := range r.Violations {
		if v.Code == code {
			return true
		}
	}
	return false
}

// Validator checks decisions against the current limits. It holds no
// per-action state; the active count is supplied by the caller.
type Validator struct {
	limits atomic.Pointer[Limits]
	rules  []Rule
	logger *zap.Logger
}

// NewValidator creates a validator with the default rule set.
func NewValidator(limits Limits, logger *zap.Logger) (*Validator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	v := &Validator{rules: DefaultRules(), logger: logger}
	if err := v.SetLimits(limits); err != nil {
		return nil, err
	}
	return v, nil
}

// Limits returns a copy of the limits in force.
func (v *Validator) Limits() Limits {
	return v.limits.Load().clone()
}

// SetLimits swaps the limits atomically. In-flight validations finish
// against the limits they started with.
func (v *Validator) SetLimits(l Limits) error {
	if err := l.Validate(); err != nil {
		return fmt.Errorf("set limits: %w", err)
	}
	c := l.clone()
	v.limits.Store(&c)
	return nil
}

// Validate runs every rule and reports all failures. It never short-circuits
// and has no side effects.
func (v *Validator) Validate(d action.Decision, activeCount int) Result {
	limits := v.limits.Load()

	var violations []Violation
	for _, rule := range v.rules {
		violations = append(violations, rule.Check(d, activeCount, *limits)...)
	}

	res := Result{Accepted: len(violations) == 0, Violations: violations}
	for _, vio := range violations {
		if vio.Severity == SeverityEscalate {
			res.RequiresEscalation = true
			break
		}
	}

	if !res.Accepted {
		v.logger.Warn("action failed safety validation",
			zap.String("action_id", d.ID),
			zap.String("action_type", string(d.Type)),
			zap.Strings("violations", res.Messages()),
		)
	}
	return res
}
