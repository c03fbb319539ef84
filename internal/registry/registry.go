// Package registry tracks in-flight remediation actions.
//
// The registry is the single source of truth for whether an action is still
// active. Every mutation happens under one mutex, which is also the critical
// section in which admission re-checks the concurrent-action limit.
package registry

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/actiond/internal/action"
	"github.com/fyrsmithlabs/actiond/internal/clock"
	"github.com/fyrsmithlabs/actiond/internal/controlplane"
	"github.com/fyrsmithlabs/actiond/internal/safety"
)

var (
	// ErrCapacity indicates the concurrent-action limit is reached.
	ErrCapacity = errors.New("concurrent action limit reached")

	// ErrDuplicate indicates an action_id that is already tracked.
	ErrDuplicate = errors.New("action already registered")

	// ErrNotFound indicates an action_id that is not tracked.
	ErrNotFound = errors.New("action not found")

	// ErrTerminal indicates the action already reached a terminal state.
	ErrTerminal = errors.New("action already terminal")

	// ErrInvalidTransition indicates a transition to an earlier state.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Status is the lifecycle state of an action.
type Status string

// An action the monitor keeps is Stable. It stays applied, holds its slot
// and keeps its expiry timer until it is rolled back at expiry or earlier.
const (
	StatusPending    Status = "pending"
	StatusActive     Status = "active"
	StatusObserving  Status = "observing"
	StatusStable     Status = "stable"
	StatusRolledBack Status = "rolled_back"
)

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusActive:
		return 1
	case StatusObserving:
		return 2
	case StatusStable:
		return 3
	case StatusRolledBack:
		return 4
	default:
		return -1
	}
}

// Terminal reports whether no further transition is possible. Only a
// rolled-back action is terminal.
func (s Status) Terminal() bool {
	return s == StatusRolledBack
}

// ActiveAction is a tracked action. Values returned by the registry are
// copies.
type ActiveAction struct {
	Decision       action.Decision       `json:"decision"`
	Baseline       controlplane.Baseline `json:"baseline"`
	StartedAt      time.Time             `json:"started_at"`
	ExpiresAt      time.Time             `json:"expires_at"`
	Status         Status                `json:"status"`
	EndedAt        time.Time             `json:"ended_at,omitempty"`
	RollbackReason string                `json:"rollback_reason,omitempty"`
}

// ID returns the action id.
func (a ActiveAction) ID() string { return a.Decision.ID }

// RollbackRecord is one entry in the rollback history.
type RollbackRecord struct {
	ActionID     string      `json:"action_id"`
	Type         action.Type `json:"action_type"`
	Target       string      `json:"target"`
	StartedAt    time.Time   `json:"started_at"`
	RolledBackAt time.Time   `json:"rolled_back_at"`
	Reason       string      `json:"reason"`
}

// Checker validates a decision given the live active count.
type Checker interface {
	Validate(d action.Decision, activeCount int) safety.Result
}

type entry struct {
	action ActiveAction
	timer  clock.Timer
	// done is closed once the action is rolled back or removed.
	done chan struct{}
}

func newEntry(a ActiveAction) *entry {
	return &entry{action: a, done: make(chan struct{})}
}

// finishLocked closes done once. Callers hold r.mu.
func (e *entry) finishLocked() {
	select {
	case <-e.done:
	default:
		close(e.done)
	}
}

// Config configures a Registry.
type Config struct {
	Clock clock.Clock

	// Capacity bounds direct Register calls that have no reservation.
	// Nil means unbounded.
	Capacity func() int

	// HistorySize bounds the archive of finished actions. Default 100.
	HistorySize int

	Logger *zap.Logger
}

const defaultHistorySize = 100

// Registry is a concurrency-safe map of action_id to ActiveAction.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	history []ActiveAction

	clock       clock.Clock
	capacity    func() int
	historySize int
	logger      *zap.Logger
}

// New creates an empty registry.
func New(cfg Config) *Registry {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Registry{
		entries:     make(map[string]*entry),
		clock:       cfg.Clock,
		capacity:    cfg.Capacity,
		historySize: cfg.HistorySize,
		logger:      cfg.Logger,
	}
}

// Admit validates d against the live count and, if accepted, reserves a
// pending slot for it. Both happen inside one critical section, so two
// concurrent admissions cannot both take the last slot.
func (r *Registry) Admit(d action.Decision, check Checker) (safety.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[d.ID]; ok {
		return safety.Result{}, fmt.Errorf("%w: %s", ErrDuplicate, d.ID)
	}

	res := check.Validate(d, len(r.entries))
	if !res.Accepted {
		return res, nil
	}

	r.entries[d.ID] = newEntry(ActiveAction{Decision: d, Status: StatusPending})
	return res, nil
}

// Register activates a reserved slot, or inserts a new entry after a
// capacity re-check. When onExpire is non-nil it is scheduled to run at
// a.ExpiresAt; the timer is owned by the entry and stopped when the entry
// leaves the registry or is rolled back.
func (r *Registry) Register(a ActiveAction, onExpire func()) error {
	id := a.ID()
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	switch {
	case ok && e.action.Status != StatusPending:
		return fmt.Errorf("%w: %s", ErrDuplicate, id)
	case !ok && r.capacity != nil && len(r.entries) >= r.capacity():
		return fmt.Errorf("%w: %d active", ErrCapacity, len(r.entries))
	case !ok:
		e = newEntry(a)
		r.entries[id] = e
	}

	if a.Status == "" || a.Status == StatusPending {
		a.Status = StatusActive
	}
	e.action = a

	if onExpire != nil && !a.ExpiresAt.IsZero() {
		e.timer = r.clock.AfterFunc(a.ExpiresAt.Sub(r.clock.Now()), onExpire)
	}
	return nil
}

// Deregister removes id, stops its expiry timer and archives it.
func (r *Registry) Deregister(id string) (ActiveAction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return ActiveAction{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	r.removeLocked(id, e)
	return e.action, nil
}

func (r *Registry) removeLocked(id string, e *entry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.finishLocked()
	delete(r.entries, id)
	if e.action.Status == StatusPending {
		return
	}
	r.history = append(r.history, e.action)
	if over := len(r.history) - r.historySize; over > 0 {
		r.history = slices.Delete(r.history, 0, over)
	}
}

// Get returns a copy of the entry for id.
func (r *Registry) Get(id string) (ActiveAction, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return ActiveAction{}, false
	}
	return e.action, true
}

// List returns copies of all tracked actions ordered by start time.
func (r *Registry) List() []ActiveAction {
	r.mu.Lock()
	out := make([]ActiveAction, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.action)
	}
	r.mu.Unlock()

	slices.SortFunc(out, func(a, b ActiveAction) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		switch {
		case a.ID() < b.ID():
			return -1
		case a.ID() > b.ID():
			return 1
		}
		return 0
	})
	return out
}

// Done returns a channel that is closed once id is rolled back or leaves
// the registry. An unknown id yields a closed channel.
func (r *Registry) Done(id string) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		return e.done
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

// SnapshotCount returns the number of tracked actions, reservations included.
func (r *Registry) SnapshotCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Transition moves id to status to. Transitions are monotonic; a terminal
// transition is a compare-and-set that exactly one caller wins. The winner
// gets the entry as it was before the transition. Losers get ErrTerminal.
// Only the terminal transition stops the expiry timer; a Stable action
// still expires.
func (r *Registry) Transition(id string, to Status, reason string) (ActiveAction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return ActiveAction{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	prev := e.action
	if prev.Status.Terminal() {
		return prev, fmt.Errorf("%w: %s is %s", ErrTerminal, id, prev.Status)
	}
	if to.rank() <= prev.Status.rank() {
		return prev, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev.Status, to)
	}

	e.action.Status = to
	if to.Terminal() {
		e.action.EndedAt = r.clock.Now()
		e.action.RollbackReason = reason
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		e.finishLocked()
	}
	return prev, nil
}

// SweepExpired removes non-terminal entries whose expiry has passed and
// returns them. The expiry timers are the primary path; this catches
// anything they missed.
func (r *Registry) SweepExpired(now time.Time) []ActiveAction {
	r.mu.Lock()
	defer r.mu.Unlock()

	var swept []ActiveAction
	for id, e := range r.entries {
		a := e.action
		if a.Status.Terminal() || a.Status == StatusPending || a.ExpiresAt.IsZero() || a.ExpiresAt.After(now) {
			continue
		}
		r.removeLocked(id, e)
		swept = append(swept, a)
		r.logger.Warn("swept expired action",
			zap.String("action_id", id),
			zap.String("status", string(a.Status)),
			zap.Time("expires_at", a.ExpiresAt),
		)
	}
	return swept
}

// History returns archived actions, oldest first.
func (r *Registry) History() []ActiveAction {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ActiveAction(nil), r.history...)
}

// Rollbacks returns the rolled-back actions in the archive, oldest first.
func (r *Registry) Rollbacks() []RollbackRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []RollbackRecord
	for _, a := range r.history {
		if a.Status != StatusRolledBack {
			continue
		}
		out = append(out, RollbackRecord{
			ActionID:     a.ID(),
			Type:         a.Decision.Type,
			Target:       a.Decision.Target(),
			StartedAt:    a.StartedAt,
			RolledBackAt: a.EndedAt,
			Reason:       a.RollbackReason,
		})
	}
	return out
}
