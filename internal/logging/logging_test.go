package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newBufferLogger(t *testing.T, mutate func(*Config)) (*Logger, *bytes.Buffer) {
	t.Helper()
	cfg := NewDefaultConfig()
	cfg.Sampling.Enabled = false
	cfg.Caller.Enabled = false
	if mutate != nil {
		mutate(cfg)
	}
	var buf bytes.Buffer
	logger, err := NewLogger(cfg, nil, WithWriter(&buf))
	require.NoError(t, err)
	return logger, &buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m), line)
		out = append(out, m)
	}
	return out
}

func TestNewLogger_JSONOutput(t *testing.T) {
	logger, buf := newBufferLogger(t, nil)

	logger.Info(context.Background(), "decision accepted", zap.String("action_type", "rate_limit"))
	logger.Debug(context.Background(), "below level")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "info", lines[0]["level"])
	assert.Equal(t, "decision accepted", lines[0]["msg"])
	assert.Equal(t, "rate_limit", lines[0]["action_type"])
	assert.Equal(t, "actiond", lines[0]["service"])
}

func TestNewLogger_TraceLevel(t *testing.T) {
	logger, buf := newBufferLogger(t, func(c *Config) { c.Level = Level(TraceLevel) })

	logger.Trace(context.Background(), "timer armed")
	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "trace", lines[0]["level"])
	assert.True(t, logger.Enabled(TraceLevel))
}

func TestNewLogger_InvalidConfig(t *testing.T) {
	tests := map[string]func(*Config){
		"format":          func(c *Config) { c.Format = "xml" },
		"no output":       func(c *Config) { c.Output = OutputConfig{} },
		"sampling tick":   func(c *Config) { c.Sampling.Enabled = true; c.Sampling.Tick = 0 },
		"sampling level":  func(c *Config) { c.Sampling.Levels = map[string]LevelSamplingConfig{"loud": {}} },
		"bad pattern":     func(c *Config) { c.Redaction.Patterns = []string{"("} },
		"empty field":     func(c *Config) { c.Fields = map[string]string{"env": ""} },
		"negative caller": func(c *Config) { c.Caller.Skip = -1 },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			mutate(cfg)
			_, err := NewLogger(cfg, nil)
			assert.Error(t, err)
		})
	}
}

func TestRedaction(t *testing.T) {
	logger, buf := newBufferLogger(t, nil)
	ctx := context.Background()

	logger.Info(ctx, "control plane configured",
		zap.String("control_plane_token", "s3cr3t"),
		zap.String("header", "Bearer abc.def"),
		zap.String("archive", "postgres://actiond:hunter2@db:5432/actiond"),
		zap.String("mode", "live"),
	)
	logger.With(zap.String("dsn", "file:/var/lib/actiond.db")).Info(ctx, "archive opened")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 2)
	assert.Equal(t, redacted, lines[0]["control_plane_token"])
	assert.Equal(t, redacted, lines[0]["header"])
	assert.Equal(t, redacted, lines[0]["archive"])
	assert.Equal(t, "live", lines[0]["mode"])
	assert.Equal(t, redacted, lines[1]["dsn"])
	assert.NotContains(t, buf.String(), "hunter2")
}

func TestRedaction_Disabled(t *testing.T) {
	logger, buf := newBufferLogger(t, func(c *Config) { c.Redaction.Enabled = false })
	logger.Info(context.Background(), "x", zap.String("token", "visible"))
	assert.Contains(t, buf.String(), "visible")
}

func TestRedactedString(t *testing.T) {
	f := RedactedString("token", "abcdef")
	assert.Equal(t, "[REDACTED:6]", f.String)
}

func TestSampling_ErrorsNeverSampled(t *testing.T) {
	core, observed := observer.New(zapcore.DebugLevel)
	sampled := newSampledCore(core, SamplingConfig{
		Enabled: true,
		Tick:    time.Minute,
		Levels:  map[string]LevelSamplingConfig{"info": {Initial: 3}, "warn": {Initial: 1}},
	})
	z := zap.New(sampled)

	for range 20 {
		z.Error("rollback failed")
		z.Info("observing")
		z.Warn("slow metrics")
		z.Debug("unsampled level")
	}

	assert.Equal(t, 20, observed.FilterMessage("rollback failed").Len())
	assert.Equal(t, 3, observed.FilterMessage("observing").Len())
	assert.Equal(t, 1, observed.FilterMessage("slow metrics").Len())
	assert.Equal(t, 20, observed.FilterMessage("unsampled level").Len())
}

func TestSampling_Disabled(t *testing.T) {
	core, _ := observer.New(zapcore.InfoLevel)
	assert.Equal(t, core, newSampledCore(core, SamplingConfig{}))
}

func TestLevelRangeCore_With(t *testing.T) {
	core, observed := observer.New(TraceLevel)
	c := (&levelRangeCore{Core: core, min: zapcore.WarnLevel, max: zapcore.WarnLevel}).With([]zapcore.Field{zap.String("k", "v")})
	z := zap.New(c)
	z.Info("dropped")
	z.Warn("kept")
	z.Error("dropped too")
	require.Equal(t, 1, observed.Len())
	assert.Equal(t, "v", observed.All()[0].ContextMap()["k"])
}

func TestLevelFromString(t *testing.T) {
	tests := map[string]zapcore.Level{
		"trace": TraceLevel,
		"DEBUG": zapcore.DebugLevel,
		"info":  zapcore.InfoLevel,
		"warn":  zapcore.WarnLevel,
		"error": zapcore.ErrorLevel,
	}
	for in, want := range tests {
		got, err := LevelFromString(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := LevelFromString("verbose")
	assert.Error(t, err)

	var l Level
	require.NoError(t, l.UnmarshalText([]byte("trace")))
	assert.Equal(t, TraceLevel, l.Zap())
	text, err := l.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "trace", string(text))
}

func TestContextFields(t *testing.T) {
	assert.Empty(t, ContextFields(context.Background()))

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: traceID,
		SpanID:  spanID,
	}))
	ctx = WithActionID(ctx, "action-1")
	ctx = WithPatternType(ctx, "issuer_degradation")
	ctx = WithRequestID(ctx, "req-9")

	got := map[string]string{}
	for _, f := range ContextFields(ctx) {
		got[f.Key] = f.String
	}
	assert.Equal(t, map[string]string{
		"trace_id":     "4bf92f3577b34da6a3ce929d0e0e4736",
		"span_id":      "00f067aa0ba902b7",
		"action.id":    "action-1",
		"pattern.type": "issuer_degradation",
		"request.id":   "req-9",
	}, got)
}

func TestContextIDs_IgnoreInvalid(t *testing.T) {
	ctx := WithActionID(context.Background(), "")
	assert.Empty(t, ActionIDFromContext(ctx))

	ctx = WithRequestID(ctx, strings.Repeat("x", maxIDLen+1))
	assert.Empty(t, RequestIDFromContext(ctx))
}

func TestFromContext(t *testing.T) {
	assert.NotNil(t, FromContext(context.Background()))

	tl := NewTestLogger()
	ctx := WithLogger(context.Background(), tl.Logger)
	FromContext(ctx).Info(WithActionID(ctx, "a1"), "from context", zap.Int("attempt", 2))

	tl.AssertLogged(t, zapcore.InfoLevel, "from context")
	tl.AssertField(t, "from context", "action.id", "a1")
	tl.AssertField(t, "from context", "attempt", int64(2))
	tl.AssertNotLogged(t, zapcore.ErrorLevel, "from context")
}

func TestChildLoggers(t *testing.T) {
	tl := NewTestLogger()
	child := tl.Named("governor").With(zap.String("component", "sweeper"))
	child.Warn(context.Background(), "dropped expired action")

	entries := tl.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "governor", entries[0].LoggerName)
	assert.Equal(t, "sweeper", entries[0].ContextMap()["component"])
	assert.Same(t, child.Underlying(), child.zap)

	tl.Reset()
	assert.Empty(t, tl.All())
}
