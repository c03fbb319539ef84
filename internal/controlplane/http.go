package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/actiond/internal/clock"
)

const (
	instrumentationName = "github.com/fyrsmithlabs/actiond/internal/controlplane"

	defaultTimeout     = 10 * time.Second
	defaultRateLimit   = 5.0
	defaultBurst       = 5
	defaultMaxRetries  = 2
	defaultBaseBackoff = 200 * time.Millisecond
	maxResponseBytes   = 1 << 20
)

// HTTPConfig configures the live control-plane client.
type HTTPConfig struct {
	URL        string
	Token      string
	Timeout    time.Duration
	RateLimit  float64
	Burst      int
	MaxRetries int
	// Clock times the retry backoff. Nil uses the wall clock.
	Clock clock.Clock
}

// HTTP is a rate-limited client for a live control-plane service.
type HTTP struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
	clock      clock.Clock
	logger     *zap.Logger
}

// NewHTTP creates a live control-plane client.
func NewHTTP(cfg HTTPConfig, logger *zap.Logger) (*HTTP, error) {
	if cfg.URL == "" {
		return nil, errors.New("control plane URL required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	limit := cfg.RateLimit
	if limit <= 0 {
		limit = defaultRateLimit
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultBurst
	}
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	} else if retries == 0 {
		retries = defaultMaxRetries
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}

	return &HTTP{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(limit), burst),
		maxRetries: retries,
		clock:      clk,
		logger:     logger,
	}, nil
}

func (h *HTTP) Mode() string { return ModeLive }

type applyRequest struct {
	ActionID string         `json:"action_id"`
	Kind     string         `json:"kind"`
	Target   string         `json:"target"`
	Params   map[string]any `json:"params"`
}

type restoreRequest struct {
	ActionID string `json:"action_id"`
	Target   string `json:"target"`
	Baseline State  `json:"baseline"`
}

func (h *HTTP) State(ctx context.Context) (State, error) {
	body, err := h.do(ctx, http.MethodGet, "/v1/state", nil)
	if err != nil {
		return State{}, err
	}
	st := NewState()
	if err := json.Unmarshal(body, &st); err != nil {
		return State{}, fmt.Errorf("failed to parse control plane state: %w", err)
	}
	// Absent maps decode to nil; keep them allocated.
	return st.Clone(), nil
}

func (h *HTTP) Apply(ctx context.Context, c Change) error {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "controlplane.Apply")
	defer span.End()
	span.SetAttributes(
		attribute.String("action.id", c.ActionID),
		attribute.String("action.kind", string(c.Kind)),
	)

	req := applyRequest{ActionID: c.ActionID, Kind: string(c.Kind), Target: c.Target}
	if c.Params != nil {
		req.Params = c.Params.Fields()
	}
	if _, err := h.do(ctx, http.MethodPost, "/v1/actions/apply", req); err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: %v", ErrApplyFailed, err)
	}
	return nil
}

func (h *HTTP) Restore(ctx context.Context, c Change, pre State) error {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "controlplane.Restore")
	defer span.End()
	span.SetAttributes(attribute.String("action.id", c.ActionID))

	req := restoreRequest{ActionID: c.ActionID, Target: c.Target, Baseline: pre}
	if _, err := h.do(ctx, http.MethodPost, "/v1/actions/restore", req); err != nil {
		span.RecordError(err)
		return fmt.Errorf("control plane restore failed: %w", err)
	}
	return nil
}

type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func (h *HTTP) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	if err := h.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter error: %w", err)
	}

	var data []byte
	if payload != nil {
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= h.maxRetries; attempt++ {
		if attempt > 0 {
			if err := h.wait(ctx, defaultBaseBackoff*time.Duration(1<<(attempt-1))); err != nil {
				return nil, err
			}
		}

		body, err := h.doOnce(ctx, method, path, data)
		if err == nil {
			return body, nil
		}
		lastErr = err
		var re *retryableError
		if !errors.As(err, &re) {
			return nil, err
		}
		h.logger.Debug("control plane request failed, retrying",
			zap.String("path", path),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (h *HTTP) wait(ctx context.Context, d time.Duration) error {
	t := h.clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *HTTP) doOnce(ctx context.Context, method, path string, data []byte) ([]byte, error) {
	var reader io.Reader
	if data != nil {
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if data != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, &retryableError{err: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &retryableError{err: errors.New("rate limited (429)")}
	case resp.StatusCode >= 500:
		return nil, &retryableError{err: fmt.Errorf("server error (%d): %s", resp.StatusCode, string(body))}
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("control plane error (%d): %s", resp.StatusCode, string(body))
	}
	return body, nil
}
