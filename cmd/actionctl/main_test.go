package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/actiond/internal/safety"
)

const decisionJSON = `{
	"action_id": "act-1",
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

type recordedRequest struct {
	method string
	path   string
	query  string
	body   string
}

type fakeAPI struct {
	mu       sync.Mutex
	requests []recordedRequest
	routes   map[string]func(w http.ResponseWriter)
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.requests = append(f.requests, recordedRequest{r.Method, r.URL.Path, r.URL.RawQuery, string(body)})
	f.mu.Unlock()

	if h, ok := f.routes[r.Method+" "+r.URL.Path]; ok {
		h(w)
		return
	}
	reply(w, http.StatusNotFound, `{"error":"Not Found"}`)
}

func (f *fakeAPI) last() recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func reply(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = io.WriteString(w, body)
}

func respond(code int, body string) func(http.ResponseWriter) {
	return func(w http.ResponseWriter) { reply(w, code, body) }
}

func setupAPI(t *testing.T, routes map[string]func(http.ResponseWriter)) *fakeAPI {
	t.Helper()
	api := &fakeAPI{routes: routes}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	serverURL = srv.URL
	return api
}

// resetFlags restores flag variables; cobra does not reset them between
// Execute calls.
func resetFlags() {
	outputFormat = formatTable
	submitUpstream = false
	validateRemote = false
	validatePolicy = ""
	validateActive = 0
	rollbackReason = ""
	outcomesLimit = 20
	similarTopK = 5
	similarFeatures = ""
}

// execute runs the CLI with args and returns stdout.
func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	resetFlags()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(append([]string{"--server", serverURL}, args...))
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetIn(nil)
		rootCmd.SetArgs(nil)
		resetFlags()
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestHealth(t *testing.T) {
	setupAPI(t, map[string]func(http.ResponseWriter){
		"GET /health": respond(http.StatusOK, `{"status":"ok","version":"1.0.0","mode":"simulated","active_actions":2}`),
	})

	out, err := execute(t, "", "health", "-o", "json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"ok","version":"1.0.0","mode":"simulated","active_actions":2}`, out)

	out, err = execute(t, "", "health")
	require.NoError(t, err)
	assert.Contains(t, out, "simulated")
	assert.Contains(t, out, "Active actions")
}

func TestHealth_ServerError(t *testing.T) {
	setupAPI(t, map[string]func(http.ResponseWriter){
		"GET /health": respond(http.StatusServiceUnavailable, `{"error":"down"}`),
	})

	_, err := execute(t, "", "health")
	require.Error(t, err)
	assert.Equal(t, "server returned status 503: down", err.Error())
}

func TestSubmit(t *testing.T) {
	api := setupAPI(t, map[string]func(http.ResponseWriter){
		"POST /api/v1/decisions":          respond(http.StatusAccepted, `{"action_id":"act-1","status":"accepted"}`),
		"POST /api/v1/decisions/upstream": respond(http.StatusAccepted, `{"action_id":"up-1","status":"escalated"}`),
	})

	out, err := execute(t, decisionJSON, "submit", "-", "-o", "json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"action_id":"act-1","status":"accepted"}`, out)
	assert.JSONEq(t, decisionJSON, api.last().body)

	path := filepath.Join(t.TempDir(), "upstream.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"decision":{}}`), 0600))
	out, err = execute(t, "", "submit", "--upstream", path)
	require.NoError(t, err)
	assert.Equal(t, "/api/v1/decisions/upstream", api.last().path)
	assert.Contains(t, out, "escalated")
}

func TestSubmit_Rejected(t *testing.T) {
	setupAPI(t, map[string]func(http.ResponseWriter){
		"POST /api/v1/decisions": respond(http.StatusUnprocessableEntity,
			`{"action_id":"act-1","status":"rejected","violations":[{"code":"low_confidence","message":"Confidence too low","severity":"reject"}]}`),
	})

	out, err := execute(t, decisionJSON, "submit")
	require.Error(t, err)
	assert.Equal(t, "decision act-1 rejected", err.Error())
	assert.Contains(t, out, "low_confidence")
	assert.Contains(t, out, "Confidence too low")
}

func TestSubmit_EmptyInput(t *testing.T) {
	setupAPI(t, nil)
	_, err := execute(t, "", "submit")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no input")
}

func TestValidate_Local(t *testing.T) {
	setupAPI(t, nil)

	out, err := execute(t, decisionJSON, "validate", "-o", "json")
	require.NoError(t, err)
	var res safety.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.Accepted)

	_, err = execute(t, decisionJSON, "validate", "--active", "3")
	require.Error(t, err)

	policy := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(policy, []byte("min_confidence: 0.95\n"), 0600))
	out, err = execute(t, decisionJSON, "validate", "--policy", policy)
	require.Error(t, err)
	assert.Contains(t, out, "low_confidence")
}

func TestValidate_Remote(t *testing.T) {
	api := setupAPI(t, map[string]func(http.ResponseWriter){
		"POST /api/v1/validate": respond(http.StatusOK, `{"accepted":true,"violations":[],"requires_escalation":false}`),
	})

	_, err := execute(t, decisionJSON, "validate", "--remote")
	require.NoError(t, err)
	assert.Equal(t, "/api/v1/validate", api.last().path)
}

func TestActions(t *testing.T) {
	setupAPI(t, map[string]func(http.ResponseWriter){
		"GET /api/v1/actions": respond(http.StatusOK, `{"actions":[{"action_id":"act-1","action_type":"rate_limit","target":"issuer_bank=AXIS","started_at":"2025-01-02T03:04:05Z","expires_at":"2025-01-02T04:04:05Z","status":"observing"}],"count":1}`),
	})

	out, err := execute(t, "", "actions")
	require.NoError(t, err)
	assert.Contains(t, out, "act-1")
	assert.Contains(t, out, "issuer_bank=AXIS")
	assert.Contains(t, out, "expired")

	out, err = execute(t, "", "actions", "-o", "yaml")
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &doc))
	assert.Equal(t, 1, doc["count"])
	assert.Contains(t, out, "action_id: act-1")
}

func TestGet_NotFound(t *testing.T) {
	setupAPI(t, map[string]func(http.ResponseWriter){
		"GET /api/v1/actions/missing": respond(http.StatusNotFound, `{"error":"action not found"}`),
	})

	_, err := execute(t, "", "get", "missing")
	require.Error(t, err)
	assert.Equal(t, "server returned status 404: action not found", err.Error())
}

func TestRollback(t *testing.T) {
	api := setupAPI(t, map[string]func(http.ResponseWriter){
		"POST /api/v1/actions/act-1/rollback": respond(http.StatusOK, `{"action_id":"act-1","status":"success","state_restored":true,"reason":"Manual rollback: spike","simulated":true}`),
		"POST /api/v1/actions/gone/rollback":  respond(http.StatusNotFound, `{"action_id":"gone","status":"not_found","state_restored":false,"simulated":true}`),
		"POST /api/v1/actions/done/rollback":  respond(http.StatusConflict, `{"action_id":"done","status":"noop","state_restored":false,"simulated":true}`),
	})

	out, err := execute(t, "", "rollback", "act-1", "--reason", "spike")
	require.NoError(t, err)
	assert.JSONEq(t, `{"reason":"spike"}`, api.last().body)
	assert.Contains(t, out, "Manual rollback: spike")

	_, err = execute(t, "", "rollback", "gone")
	require.Error(t, err)
	assert.Equal(t, "", api.last().body)

	_, err = execute(t, "", "rollback", "done")
	assert.NoError(t, err)
}

func TestStats(t *testing.T) {
	setupAPI(t, map[string]func(http.ResponseWriter){
		"GET /api/v1/stats/outcomes": respond(http.StatusOK, `{"total_outcomes":4,"successful":3,"failed":0,"rolled_back":1,"success_rate_pct":75,"avg_improvement_pct":2.5,"by_action_type":{"rate_limit":{"count":4,"success_rate":75,"avg_improvement":2.5}}}`),
		"GET /api/v1/stats/learning": respond(http.StatusOK, `{"total_learning_entries":4,"pattern_types_tracked":1,"pattern_confidences":{"issuer_degradation":0.62},"action_types_tracked":0,"action_effectiveness_summary":{}}`),
	})

	out, err := execute(t, "", "stats", "outcomes")
	require.NoError(t, err)
	assert.Contains(t, out, "75.0%")
	assert.Contains(t, out, "rate_limit")

	out, err = execute(t, "", "stats", "learning")
	require.NoError(t, err)
	assert.Contains(t, out, "issuer_degradation")
	assert.Contains(t, out, "0.620")
}

func TestOutcomesAndSimilar(t *testing.T) {
	api := setupAPI(t, map[string]func(http.ResponseWriter){
		"GET /api/v1/outcomes":                            respond(http.StatusOK, `[]`),
		"GET /api/v1/patterns/issuer_degradation/similar": respond(http.StatusOK, `[{"document":"Pattern: issuer_degradation","metadata":{"action_taken":"rate_limit","outcome":"success"},"score":0.91}]`),
	})

	out, err := execute(t, "", "outcomes", "--limit", "5")
	require.NoError(t, err)
	assert.Equal(t, "limit=5", api.last().query)
	assert.Contains(t, out, "no outcomes yet")

	out, err = execute(t, "", "similar", "issuer_degradation", "--top-k", "3", "--features", `{"issuer":"AXIS"}`)
	require.NoError(t, err)
	assert.Contains(t, api.last().query, "top_k=3")
	assert.Contains(t, api.last().query, "features=")
	assert.Contains(t, out, "0.910")

	_, err = execute(t, "", "similar", "issuer_degradation", "--features", "nope")
	require.Error(t, err)
}

func TestOutputFormat_Invalid(t *testing.T) {
	setupAPI(t, nil)
	_, err := execute(t, "", "health", "-o", "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown output format")
}

func TestToYAML_KeepsTypes(t *testing.T) {
	out, err := toYAML(map[string]any{"id": "123", "flag": "true", "name": "rate_limit", "n": 2})
	require.NoError(t, err)
	s := string(out)
	assert.Contains(t, s, `id: "123"`)
	assert.Contains(t, s, `flag: "true"`)
	assert.Contains(t, s, "name: rate_limit")
	assert.Contains(t, s, "n: 2")
}
