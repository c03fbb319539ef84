// Package intake connects the governor to NATS.
//
// Decisions arrive on subjects under a configurable prefix:
//   - {prefix}.decisions           action.Decision JSON
//   - {prefix}.decisions.upstream  upstream decision envelope
//
// Lifecycle events leave on:
//   - {prefix}.escalations
//   - {prefix}.outcomes
//   - {prefix}.learning
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/actiond/internal/action"
	"github.com/fyrsmithlabs/actiond/internal/governor"
	"github.com/fyrsmithlabs/actiond/internal/learning"
	"github.com/fyrsmithlabs/actiond/internal/outcome"
	"github.com/fyrsmithlabs/actiond/internal/translate"
)

const instrumentationName = "github.com/fyrsmithlabs/actiond/internal/intake"

// DefaultPrefix is the subject prefix used when none is configured.
const DefaultPrefix = "actiond"

// QueueGroup is shared by every replica so each decision is handled once.
const QueueGroup = "actiond"

const defaultSubmitTimeout = 30 * time.Second

// Subjects derives the subject names from a prefix.
type Subjects struct {
	Decisions   string
	Upstream    string
	Escalations string
	Outcomes    string
	Learning    string
}

// NewSubjects returns the subjects under prefix.
func NewSubjects(prefix string) Subjects {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return Subjects{
		Decisions:   prefix + ".decisions",
		Upstream:    prefix + ".decisions.upstream",
		Escalations: prefix + ".escalations",
		Outcomes:    prefix + ".outcomes",
		Learning:    prefix + ".learning",
	}
}

// Submitter is the part of the governor the subscriber drives.
type Submitter interface {
	Submit(ctx context.Context, d action.Decision, in *learning.Input) (governor.SubmitResult, error)
	SubmitUpstream(ctx context.Context, u translate.Upstream) (governor.SubmitResult, error)
}

// Config configures a Subscriber.
type Config struct {
	Conn      *nats.Conn
	Prefix    string
	Submitter Submitter
	Logger    *zap.Logger

	// SubmitTimeout bounds one submission. Default 30s.
	SubmitTimeout time.Duration
}

// Subscriber feeds decisions received over NATS to the governor.
type Subscriber struct {
	conn     *nats.Conn
	subjects Subjects
	submit   Submitter
	logger   *zap.Logger
	timeout  time.Duration

	mu   sync.Mutex
	subs []*nats.Subscription

	received metric.Int64Counter
}

// NewSubscriber creates a subscriber. Call Start to begin receiving.
func NewSubscriber(cfg Config) (*Subscriber, error) {
	if cfg.Conn == nil {
		return nil, errors.New("nats connection is required")
	}
	if cfg.Submitter == nil {
		return nil, errors.New("submitter is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = defaultSubmitTimeout
	}

	s := &Subscriber{
		conn:     cfg.Conn,
		subjects: NewSubjects(cfg.Prefix),
		submit:   cfg.Submitter,
		logger:   cfg.Logger,
		timeout:  cfg.SubmitTimeout,
	}

	var err error
	s.received, err = otel.Meter(instrumentationName).Int64Counter(
		"actiond.intake.messages_total",
		metric.WithDescription("Total number of decision messages received over NATS"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		s.logger.Warn("failed to create message counter", zap.Error(err))
	}
	return s, nil
}

// Subjects returns the subjects in use.
func (s *Subscriber) Subjects() Subjects { return s.subjects }

// Start subscribes to both decision subjects.
func (s *Subscriber) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.subs) > 0 {
		return errors.New("subscriber already started")
	}

	dec, err := s.conn.QueueSubscribe(s.subjects.Decisions, QueueGroup, s.handleDecision)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", s.subjects.Decisions, err)
	}
	up, err := s.conn.QueueSubscribe(s.subjects.Upstream, QueueGroup, s.handleUpstream)
	if err != nil {
		_ = dec.Unsubscribe()
		return fmt.Errorf("subscribe %s: %w", s.subjects.Upstream, err)
	}
	s.subs = []*nats.Subscription{dec, up}

	// Make sure the server has the interest before callers publish.
	if err := s.conn.Flush(); err != nil {
		return fmt.Errorf("flush subscriptions: %w", err)
	}
	s.logger.Info("nats intake started",
		zap.String("decisions", s.subjects.Decisions),
		zap.String("upstream", s.subjects.Upstream),
	)
	return nil
}

// Close drains the subscriptions, letting in-flight messages finish. The
// connection is left open.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Subscriber) handleDecision(msg *nats.Msg) {
	s.count(msg.Subject)

	var d action.Decision
	if err := json.Unmarshal(msg.Data, &d); err != nil {
		s.fail(msg, fmt.Errorf("decode decision: %w", err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	res, err := s.submit.Submit(ctx, d, nil)
	if err != nil {
		s.fail(msg, err)
		return
	}
	s.reply(msg, res)
}

func (s *Subscriber) handleUpstream(msg *nats.Msg) {
	s.count(msg.Subject)

	var u translate.Upstream
	if err := json.Unmarshal(msg.Data, &u); err != nil {
		s.fail(msg, fmt.Errorf("%w: decode upstream decision: %v", action.ErrInvalidDecision, err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	res, err := s.submit.SubmitUpstream(ctx, u)
	if err != nil {
		s.fail(msg, err)
		return
	}
	s.reply(msg, res)
}

type errorReply struct {
	Error string `json:"error"`
}

func (s *Subscriber) fail(msg *nats.Msg, err error) {
	s.logger.Warn("decision message rejected", zap.String("subject", msg.Subject), zap.Error(err))
	s.reply(msg, errorReply{Error: err.Error()})
}

func (s *Subscriber) reply(msg *nats.Msg, v any) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("failed to encode reply", zap.Error(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to send reply", zap.String("reply", msg.Reply), zap.Error(err))
	}
}

func (s *Subscriber) count(subject string) {
	if s.received == nil {
		return
	}
	s.received.Add(context.Background(), 1, metric.WithAttributes(attribute.String("subject", subject)))
}

// Publisher sends escalations, outcomes and learning records to NATS.
type Publisher struct {
	conn     *nats.Conn
	subjects Subjects
}

// NewPublisher creates a publisher on conn.
func NewPublisher(conn *nats.Conn, prefix string) *Publisher {
	return &Publisher{conn: conn, subjects: NewSubjects(prefix)}
}

// Escalate publishes e to the escalations subject.
func (p *Publisher) Escalate(_ context.Context, e governor.Escalation) error {
	return p.publish(p.subjects.Escalations, e)
}

// PublishOutcome publishes o to the outcomes subject.
func (p *Publisher) PublishOutcome(_ context.Context, o outcome.Outcome) error {
	return p.publish(p.subjects.Outcomes, o)
}

// PublishLearning publishes r to the learning subject.
func (p *Publisher) PublishLearning(_ context.Context, r learning.Record) error {
	return p.publish(p.subjects.Learning, r)
}

func (p *Publisher) publish(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", subject, err)
	}
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

var (
	_ governor.Escalator = (*Publisher)(nil)
	_ governor.EventSink = (*Publisher)(nil)
	_ Submitter          = (*governor.Governor)(nil)
)

// MultiEscalator delivers to every escalator in order and joins the errors.
type MultiEscalator []governor.Escalator

// Escalate calls each escalator.
func (m MultiEscalator) Escalate(ctx context.Context, e governor.Escalation) error {
	var errs []error
	for _, esc := range m {
		if err := esc.Escalate(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
