// Package metrics defines point-in-time transaction metrics and the port
// used to fetch them.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrInvalidSnapshot indicates a snapshot with out-of-range values.
var ErrInvalidSnapshot = errors.New("invalid metrics snapshot")

// Snapshot is a read-only view of transaction health at one instant.
// Rates are fractions in [0,1]; latency is in milliseconds.
type Snapshot struct {
	Timestamp         time.Time `json:"timestamp"`
	SuccessRate       float64   `json:"success_rate"`
	ErrorRate         float64   `json:"error_rate"`
	P95LatencyMs      float64   `json:"p95_latency_ms"`
	TimeoutRate       float64   `json:"timeout_rate"`
	ThroughputTPS     *float64  `json:"throughput_tps,omitempty"`
	ErrorCount        *int64    `json:"error_count,omitempty"`
	TotalTransactions *int64    `json:"total_transactions,omitempty"`
}

// Validate checks value ranges.
func (s Snapshot) Validate() error {
	for name, v := range map[string]float64{
		"success_rate": s.SuccessRate,
		"error_rate":   s.ErrorRate,
		"timeout_rate": s.TimeoutRate,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%w: %s %.4f outside [0,1]", ErrInvalidSnapshot, name, v)
		}
	}
	if s.P95LatencyMs < 0 {
		return fmt.Errorf("%w: negative p95 latency", ErrInvalidSnapshot)
	}
	return nil
}

// ImprovementPct is the relative change in success rate from baseline to
// current, in percent. A zero baseline yields 0.
func ImprovementPct(baseline, current Snapshot) float64 {
	if baseline.SuccessRate == 0 {
		return 0
	}
	return (current.SuccessRate - baseline.SuccessRate) / baseline.SuccessRate * 100
}

// Port fetches the current metrics snapshot from an upstream metrics service.
type Port interface {
	Current(ctx context.Context) (Snapshot, error)
}

// PortFunc adapts a function to Port.
type PortFunc func(ctx context.Context) (Snapshot, error)

// Current calls f.
func (f PortFunc) Current(ctx context.Context) (Snapshot, error) { return f(ctx) }

// StaticPort returns whatever snapshot was last set.
// Used in simulated deployments and tests.
type StaticPort struct {
	mu   sync.RWMutex
	snap Snapshot
	err  error
	now  func() time.Time
}

// NewStaticPort returns a StaticPort primed with snap.
func NewStaticPort(snap Snapshot) *StaticPort {
	return &StaticPort{snap: snap, now: time.Now}
}

// Set replaces the snapshot and clears any injected error.
func (p *StaticPort) Set(snap Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snap = snap
	p.err = nil
}

// Fail makes subsequent Current calls return err.
func (p *StaticPort) Fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Current returns the stored snapshot stamped with the current time if it
// carries none.
func (p *StaticPort) Current(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.err != nil {
		return Snapshot{}, p.err
	}
	s := p.snap
	if s.Timestamp.IsZero() {
		s.Timestamp = p.now()
	}
	return s, nil
}

var (
	_ Port = PortFunc(nil)
	_ Port = (*StaticPort)(nil)
)
