package safety

import (
	"fmt"
	"slices"
	"strconv"

	"github.com/fyrsmithlabs/actiond/internal/action"
)

// Severity distinguishes hard rejections from violations that must be
// routed to a human.
type Severity string

const (
	SeverityReject   Severity = "reject"
	SeverityEscalate Severity = "escalate"
)

// Code identifies the rule that produced a violation.
type Code string

const (
	CodeLowConfidence    Code = "low_confidence"
	CodeConcurrencyLimit Code = "concurrency_limit"
	CodeParameterBounds  Code = "parameter_bounds"
	CodeDurationBounds   Code = "duration_bounds"
	CodeHumanApproval    Code = "human_approval"
	CodeCriticalTarget   Code = "critical_target"
)

// Violation is one failed rule.
type Violation struct {
	Code     Code     `json:"code"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

func (v Violation) String() string { return v.Message }

// Rule checks one aspect of a decision.
type Rule interface {
	Name() string
	Check(d action.Decision, activeCount int, l Limits) []Violation
}

// DefaultRules returns the rule set in evaluation order.
func DefaultRules() []Rule {
	return []Rule{
		confidenceRule{},
		concurrencyRule{},
		parameterRule{},
		durationRule{},
		approvalRule{},
		criticalTargetRule{},
	}
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

type confidenceRule struct{}

func (confidenceRule) Name() string { return "confidence" }

func (confidenceRule) Check(d action.Decision, _ int, l Limits) []Violation {
	if d.Confidence >= l.MinConfidence {
		return nil
	}
	return []Violation{{
		Code:     CodeLowConfidence,
		Message:  fmt.Sprintf("Confidence %.2f below minimum %s", d.Confidence, num(l.MinConfidence)),
		Severity: SeverityReject,
	}}
}

type concurrencyRule struct{}

func (concurrencyRule) Name() string { return "concurrency" }

func (concurrencyRule) Check(_ action.Decision, activeCount int, l Limits) []Violation {
	if activeCount < l.MaxConcurrentActions {
		return nil
	}
	return []Violation{{
		Code:     CodeConcurrencyLimit,
		Message:  fmt.Sprintf("Already %d active actions. Maximum is %d", activeCount, l.MaxConcurrentActions),
		Severity: SeverityReject,
	}}
}

type parameterRule struct{}

func (parameterRule) Name() string { return "parameters" }

func (parameterRule) Check(d action.Decision, _ int, l Limits) []Violation {
	var msg string

	switch p := d.Params.(type) {
	case action.RateLimitParams:
		if p.ReductionPct > l.MaxTrafficReductionPct {
			msg = fmt.Sprintf("Traffic reduction %s%% exceeds maximum %s%%", num(p.ReductionPct), num(l.MaxTrafficReductionPct))
		}
	case action.RetryParams:
		if p.CurrentMaxRetries > 0 {
			increase := p.NewMaxRetries / p.CurrentMaxRetries
			if increase > l.MaxRetryIncrease {
				msg = fmt.Sprintf("Retry increase %.1fx exceeds maximum %sx", increase, num(l.MaxRetryIncrease))
			}
		}
	case action.CircuitBreakParams:
		if d.RiskLevel != action.RiskHigh {
			msg = "Circuit break must be marked as high risk"
		}
	}

	if msg == "" {
		return nil
	}
	return []Violation{{Code: CodeParameterBounds, Message: msg, Severity: SeverityReject}}
}

type durationRule struct{}

func (durationRule) Name() string { return "duration" }

func (durationRule) Check(d action.Decision, _ int, l Limits) []Violation {
	if d.DurationMinutes >= l.MinDurationMinutes && d.DurationMinutes <= l.MaxDurationMinutes {
		return nil
	}
	return []Violation{{
		Code: CodeDurationBounds,
		Message: fmt.Sprintf("Duration %d min must be between %d and %d minutes",
			d.DurationMinutes, l.MinDurationMinutes, l.MaxDurationMinutes),
		Severity: SeverityReject,
	}}
}

type approvalRule struct{}

func (approvalRule) Name() string { return "human-approval" }

func (approvalRule) Check(d action.Decision, _ int, _ Limits) []Violation {
	if d.RiskLevel != action.RiskHigh {
		return nil
	}
	return []Violation{{
		Code:     CodeHumanApproval,
		Message:  "High-risk action requires human approval",
		Severity: SeverityEscalate,
	}}
}

type criticalTargetRule struct{}

func (criticalTargetRule) Name() string { return "critical-target" }

func (criticalTargetRule) Check(d action.Decision, _ int, l Limits) []Violation {
	if d.Type != action.TypeCircuitBreak {
		return nil
	}

	var out []Violation
	if d.TargetDimension == "issuer_bank" && slices.Contains(l.CriticalIssuers, d.TargetValue) {
		out = append(out, Violation{
			Code:     CodeCriticalTarget,
			Message:  fmt.Sprintf("Cannot circuit break critical issuer %s", d.TargetValue),
			Severity: SeverityReject,
		})
	}
	if d.TargetDimension == "payment_method" && slices.Contains(l.CriticalPaymentMethods, d.TargetValue) {
		out = append(out, Violation{
			Code:     CodeCriticalTarget,
			Message:  fmt.Sprintf("Cannot circuit break critical payment method %s", d.TargetValue),
			Severity: SeverityReject,
		})
	}
	return out
}
