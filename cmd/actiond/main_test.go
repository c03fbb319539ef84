package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/actiond/internal/action"
	"github.com/fyrsmithlabs/actiond/internal/archive"
	"github.com/fyrsmithlabs/actiond/internal/config"
	"github.com/fyrsmithlabs/actiond/internal/governor"
	"github.com/fyrsmithlabs/actiond/internal/intake"
)

const testDecision = `{
	"action_id": "act-main-1",
	"action_type": "rate_limit",
	"target_dimension": "issuer_bank",
	"target_value": "AXIS",
	"parameters": {"reduction_pct": 20},
	"duration_minutes": 30,
	"expected_improvement_pct": 5,
	"estimated_risk_level": "low",
	"reasoning": "issuer timeouts",
	"confidence": 0.9
}`

func newTestApp(t *testing.T, cfg *config.Config) *app {
	t.Helper()
	a, err := newApp(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.close(ctx)
	})
	return a
}

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNewApp_Defaults(t *testing.T) {
	a := newTestApp(t, config.Default())
	h := a.server.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"mode":"simulated"`)

	rec = post(t, h, "/api/v1/decisions", testDecision)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var res governor.SubmitResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, governor.SubmitAccepted, res.Status)

	_, ok := a.governor.Get("act-main-1")
	assert.True(t, ok)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "actiond_governor_decisions_total")
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestNewApp_ShutdownRollsBack(t *testing.T) {
	a, err := newApp(context.Background(), config.Default(), zap.NewNop())
	require.NoError(t, err)

	rec := post(t, a.server.Handler(), "/api/v1/decisions", testDecision)
	require.Equal(t, http.StatusAccepted, rec.Code)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.close(ctx))

	require.Len(t, a.governor.Rollbacks(), 1)
	assert.Equal(t, "act-main-1", a.governor.Rollbacks()[0].ActionID)

	_, err = a.governor.Submit(ctx, action.Decision{ID: "late"}, nil)
	assert.ErrorIs(t, err, governor.ErrShuttingDown)
}

func TestNewApp_InvalidLiveConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Executor.Mode = config.ModeLive
	cfg.Executor.ControlPlaneURL = ""

	_, err := newApp(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "control plane")
}

func TestNewApp_WithArchiveAndPolicy(t *testing.T) {
	dir := t.TempDir()
	policy := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(policy, []byte("min_confidence: 0.95\n"), 0600))

	cfg := config.Default()
	cfg.Safety.PolicyFile = policy
	cfg.Archive = archive.Config{Driver: archive.DriverSQLite, DSN: filepath.Join(dir, "archive.db")}

	a := newTestApp(t, cfg)
	assert.Equal(t, 0.95, a.validator.Limits().MinConfidence)
	require.NotNil(t, a.archive)

	rec := post(t, a.server.Handler(), "/api/v1/decisions", testDecision)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
}

func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}
	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

func TestNewApp_NATSIntake(t *testing.T) {
	ns := startTestNATSServer(t)

	cfg := config.Default()
	cfg.NATS.Enabled = true
	cfg.NATS.URL = ns.ClientURL()
	a := newTestApp(t, cfg)
	require.NotNil(t, a.subscriber)

	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	subjects := intake.NewSubjects(cfg.NATS.Prefix)
	msg, err := nc.Request(subjects.Decisions, []byte(testDecision), 5*time.Second)
	require.NoError(t, err)

	var res governor.SubmitResult
	require.NoError(t, json.Unmarshal(msg.Data, &res))
	assert.Equal(t, "act-main-1", res.ActionID)
	assert.Equal(t, governor.SubmitAccepted, res.Status)
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "actiond by Fyrsmith Labs")
	assert.Contains(t, out.String(), "Version:    dev")
}
