package governor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/actiond/internal/action"
	"github.com/fyrsmithlabs/actiond/internal/learning"
	"github.com/fyrsmithlabs/actiond/internal/outcome"
)

// Escalation sources.
const (
	SourceSafety   = "safety"
	SourceUpstream = "upstream"
)

// Escalation is a decision handed to a human operator.
type Escalation struct {
	ActionID   string          `json:"action_id"`
	Source     string          `json:"source"`
	Decision   action.Decision `json:"decision"`
	Violations []string        `json:"violations"`
	At         time.Time       `json:"escalated_at"`
}

// Escalator delivers escalations.
type Escalator interface {
	Escalate(ctx context.Context, e Escalation) error
}

// LogEscalator writes escalations to the log.
type LogEscalator struct {
	Logger *zap.Logger
}

func (l LogEscalator) Escalate(_ context.Context, e Escalation) error {
	logger := l.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Warn("human escalation required",
		zap.String("action_id", e.ActionID),
		zap.String("source", e.Source),
		zap.String("action_type", string(e.Decision.Type)),
		zap.String("target", e.Decision.Target()),
		zap.Strings("violations", e.Violations),
	)
	return nil
}

// EventSink receives lifecycle results for outbound delivery.
type EventSink interface {
	PublishOutcome(ctx context.Context, o outcome.Outcome) error
	PublishLearning(ctx context.Context, r learning.Record) error
}

// OutcomeArchive persists outcomes.
type OutcomeArchive interface {
	SaveOutcome(ctx context.Context, o outcome.Outcome) error
}
