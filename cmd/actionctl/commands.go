package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/actiond/internal/action"
	"github.com/fyrsmithlabs/actiond/internal/executor"
	"github.com/fyrsmithlabs/actiond/internal/governor"
	apphttp "github.com/fyrsmithlabs/actiond/internal/http"
	"github.com/fyrsmithlabs/actiond/internal/learning"
	"github.com/fyrsmithlabs/actiond/internal/outcome"
	"github.com/fyrsmithlabs/actiond/internal/registry"
	"github.com/fyrsmithlabs/actiond/internal/safety"
)

var (
	submitUpstream  bool
	validatePolicy  string
	validateActive  int
	validateRemote  bool
	rollbackReason  string
	outcomesLimit   int
	similarTopK     int
	similarFeatures string
)

func init() {
	submitCmd.Flags().BoolVar(&submitUpstream, "upstream", false, "input is an upstream decision envelope")

	validateCmd.Flags().StringVar(&validatePolicy, "policy", "", "limits file to validate against (default: built-in limits)")
	validateCmd.Flags().IntVar(&validateActive, "active", 0, "number of already active actions to assume")
	validateCmd.Flags().BoolVar(&validateRemote, "remote", false, "validate against the server's live limits")

	rollbackCmd.Flags().StringVar(&rollbackReason, "reason", "", "reason recorded with the rollback")

	outcomesCmd.Flags().IntVar(&outcomesLimit, "limit", 20, "number of recent outcomes to show")

	similarCmd.Flags().IntVar(&similarTopK, "top-k", 5, "maximum number of cases")
	similarCmd.Flags().StringVar(&similarFeatures, "features", "", `pattern features as a JSON object, e.g. '{"issuer":"AXIS"}'`)

	statsCmd.AddCommand(statsOutcomesCmd)
	statsCmd.AddCommand(statsLearningCmd)
}

// healthCmd checks server health
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check actiond server health",
	Long: `Check the health status of the actiond HTTP server.

Examples:
  # Check health
  actionctl health

  # Check health on a different server
  actionctl health --server http://localhost:9090`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var h apphttp.HealthResponse
		if err := newClient(serverURL).get(cmd.Context(), "/health", &h); err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), h, func() string {
			return kv(
				"Status", status(h.Status),
				"Server", serverURL,
				"Version", h.Version,
				"Mode", h.Mode,
				"Active actions", value("%d", h.ActiveActions),
			)
		})
	},
}

// submitCmd submits a decision from a file or stdin
var submitCmd = &cobra.Command{
	Use:   "submit [file]",
	Short: "Submit a decision from a file or stdin",
	Long: `Submit a remediation decision to the governor.

Examples:
  # Submit a decision
  actionctl submit decision.json

  # Submit an upstream envelope from stdin
  cat upstream.json | actionctl submit --upstream -`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := readInput(cmd, args)
		if err != nil {
			return err
		}
		path := "/api/v1/decisions"
		if submitUpstream {
			path = "/api/v1/decisions/upstream"
		}

		var res governor.SubmitResult
		_, err = newClient(serverURL).call(cmd.Context(), http.MethodPost, path, body, &res,
			http.StatusAccepted, http.StatusUnprocessableEntity, http.StatusBadGateway)
		if err != nil {
			return err
		}
		if err := render(cmd.OutOrStdout(), res, func() string { return submitTable(res) }); err != nil {
			return err
		}
		if res.Status == governor.SubmitRejected || res.Status == governor.SubmitFailed {
			return fmt.Errorf("decision %s %s", res.ActionID, res.Status)
		}
		return nil
	},
}

func submitTable(res governor.SubmitResult) string {
	out := kv("Action", value("%s", res.ActionID), "Status", status(string(res.Status)))
	if res.Error != "" {
		out += "\n" + kv("Error", badStyle.Render(res.Error))
	}
	if res.Execution != nil && !res.Execution.ExpiresAt.IsZero() {
		out += "\n" + kv("Expires", res.Execution.ExpiresAt.Local().Format(time.DateTime))
	}
	if len(res.Violations) > 0 {
		out += "\n" + violationsTable(res.Violations)
	}
	return out
}

func violationsTable(vs []safety.Violation) string {
	t := newTable("CODE", "SEVERITY", "MESSAGE")
	for _, v := range vs {
		t.Row(string(v.Code), string(v.Severity), v.Message)
	}
	return t.String()
}

// validateCmd checks a decision against the safety limits
var validateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Check a decision against the safety limits",
	Long: `Check a decision against the safety limits without submitting it.

By default the check runs locally against the built-in limits or a policy
file. With --remote the server checks it against its live limits.

Examples:
  actionctl validate decision.json
  actionctl validate --policy /etc/actiond/policy.yaml --active 2 decision.json
  actionctl validate --remote decision.json`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := readInput(cmd, args)
		if err != nil {
			return err
		}

		var res safety.Result
		if validateRemote {
			if _, err := newClient(serverURL).call(cmd.Context(), http.MethodPost, "/api/v1/validate", body, &res); err != nil {
				return err
			}
		} else {
			if res, err = validateLocal(body); err != nil {
				return err
			}
		}

		if err := render(cmd.OutOrStdout(), res, func() string { return validationTable(res) }); err != nil {
			return err
		}
		if !res.Accepted && !res.RequiresEscalation {
			return fmt.Errorf("decision rejected")
		}
		return nil
	},
}

func validateLocal(body []byte) (safety.Result, error) {
	var d action.Decision
	if err := json.Unmarshal(body, &d); err != nil {
		return safety.Result{}, fmt.Errorf("failed to parse decision: %w", err)
	}
	if err := d.Validate(); err != nil {
		return safety.Result{}, err
	}

	limits := safety.DefaultLimits()
	if validatePolicy != "" {
		l, err := safety.LoadPolicy(validatePolicy)
		if err != nil {
			return safety.Result{}, err
		}
		limits = l
	}
	v, err := safety.NewValidator(limits, zap.NewNop())
	if err != nil {
		return safety.Result{}, err
	}
	return v.Validate(d, validateActive), nil
}

func validationTable(res safety.Result) string {
	verdict := "accepted"
	switch {
	case res.RequiresEscalation:
		verdict = "escalated"
	case !res.Accepted:
		verdict = "rejected"
	}
	out := kv("Result", status(verdict))
	if len(res.Violations) > 0 {
		out += "\n" + violationsTable(res.Violations)
	}
	return out
}

// actionsCmd lists active actions
var actionsCmd = &cobra.Command{
	Use:     "actions",
	Aliases: []string{"ls"},
	Short:   "List active actions",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var resp apphttp.ActionsResponse
		if err := newClient(serverURL).get(cmd.Context(), "/api/v1/actions", &resp); err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), resp, func() string {
			if resp.Count == 0 {
				return dimStyle.Render("no active actions")
			}
			t := newTable("ACTION", "TYPE", "TARGET", "STATUS", "STARTED", "EXPIRES IN")
			for _, a := range resp.Actions {
				t.Row(a.ActionID, string(a.Type), a.Target, status(string(a.Status)),
					a.StartedAt.Local().Format(time.DateTime), until(a.ExpiresAt))
			}
			return t.String()
		})
	},
}

func until(t time.Time) string {
	d := time.Until(t).Round(time.Second)
	if d <= 0 {
		return "expired"
	}
	return d.String()
}

// getCmd shows one active action
var getCmd = &cobra.Command{
	Use:   "get <action-id>",
	Short: "Show one active action",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var a registry.ActiveAction
		if err := newClient(serverURL).get(cmd.Context(), "/api/v1/actions/"+url.PathEscape(args[0]), &a); err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), a, func() string {
			d := a.Decision
			return kv(
				"Action", value("%s", d.ID),
				"Type", string(d.Type),
				"Target", d.Target(),
				"Status", status(string(a.Status)),
				"Risk", string(d.RiskLevel),
				"Confidence", fmt.Sprintf("%.2f", d.Confidence),
				"Expected", fmt.Sprintf("%+.1f%%", d.ExpectedImprovementPct),
				"Started", a.StartedAt.Local().Format(time.DateTime),
				"Expires", a.ExpiresAt.Local().Format(time.DateTime),
				"Baseline", fmt.Sprintf("success %.3f  error %.3f  p95 %.0fms  timeout %.3f",
					a.Baseline.Metrics.SuccessRate, a.Baseline.Metrics.ErrorRate,
					a.Baseline.Metrics.P95LatencyMs, a.Baseline.Metrics.TimeoutRate),
				"Reasoning", d.Reasoning,
			)
		})
	},
}

// rollbackCmd rolls back an active action
var rollbackCmd = &cobra.Command{
	Use:   "rollback <action-id>",
	Short: "Roll back an active action",
	Long: `Roll back an active action and restore the control-plane state it
replaced.

Examples:
  actionctl rollback act-42 --reason "merchant complaint"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var body []byte
		if rollbackReason != "" {
			body, _ = json.Marshal(apphttp.RollbackRequest{Reason: rollbackReason})
		}

		var res executor.RollbackResult
		_, err := newClient(serverURL).call(cmd.Context(), http.MethodPost,
			"/api/v1/actions/"+url.PathEscape(args[0])+"/rollback", body, &res,
			http.StatusOK, http.StatusNotFound, http.StatusConflict, http.StatusBadGateway)
		if err != nil {
			return err
		}
		if err := render(cmd.OutOrStdout(), res, func() string {
			return kv(
				"Action", value("%s", res.ActionID),
				"Status", status(string(res.Status)),
				"Restored", strconv.FormatBool(res.StateRestored),
				"Reason", res.Reason,
				"Message", res.Message,
			)
		}); err != nil {
			return err
		}
		if res.Status == executor.RollbackNotFound || res.Status == executor.RollbackFailed {
			return fmt.Errorf("rollback %s: %s", res.ActionID, res.Status)
		}
		return nil
	},
}

// rollbacksCmd shows the rollback history
var rollbacksCmd = &cobra.Command{
	Use:   "rollbacks",
	Short: "Show the rollback history",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var resp apphttp.RollbacksResponse
		if err := newClient(serverURL).get(cmd.Context(), "/api/v1/rollbacks", &resp); err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), resp, func() string {
			if resp.Count == 0 {
				return dimStyle.Render("no rollbacks")
			}
			t := newTable("ACTION", "TYPE", "TARGET", "ROLLED BACK", "REASON")
			for _, r := range resp.Rollbacks {
				t.Row(r.ActionID, string(r.Type), r.Target, r.RolledBackAt.Local().Format(time.DateTime), r.Reason)
			}
			return t.String()
		})
	},
}

// outcomesCmd shows recent outcomes
var outcomesCmd = &cobra.Command{
	Use:   "outcomes",
	Short: "Show recently assessed outcomes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var recent []outcome.Outcome
		path := "/api/v1/outcomes?limit=" + strconv.Itoa(outcomesLimit)
		if err := newClient(serverURL).get(cmd.Context(), path, &recent); err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), recent, func() string {
			if len(recent) == 0 {
				return dimStyle.Render("no outcomes yet")
			}
			t := newTable("ACTION", "TYPE", "TARGET", "STATUS", "IMPROVEMENT", "EXPECTED", "COMPLETED")
			for _, o := range recent {
				t.Row(o.ActionID, string(o.ActionType), o.Target, status(string(o.Status)),
					fmt.Sprintf("%+.1f%%", o.ImprovementAchieved),
					fmt.Sprintf("%+.1f%%", o.ExpectedImprovementPct),
					o.CompletedAt.Local().Format(time.DateTime))
			}
			return t.String()
		})
	},
}

// statsCmd is the parent for statistics commands
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show outcome or learning statistics",
}

var statsOutcomesCmd = &cobra.Command{
	Use:   "outcomes",
	Short: "Show aggregate outcome statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var st outcome.Stats
		if err := newClient(serverURL).get(cmd.Context(), "/api/v1/stats/outcomes", &st); err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), st, func() string {
			out := kv(
				"Total", value("%d", st.TotalOutcomes),
				"Successful", value("%d", st.Successful),
				"Failed", value("%d", st.Failed),
				"Rolled back", value("%d", st.RolledBack),
				"Success rate", value("%.1f%%", st.SuccessRatePct),
				"Avg improvement", value("%+.2f%%", st.AvgImprovementPct),
			)
			if len(st.ByActionType) == 0 {
				return out
			}
			t := newTable("TYPE", "COUNT", "SUCCESS RATE", "AVG IMPROVEMENT")
			for _, typ := range sortedKeys(st.ByActionType) {
				ts := st.ByActionType[typ]
				t.Row(string(typ), strconv.Itoa(ts.Count),
					fmt.Sprintf("%.1f%%", ts.SuccessRate),
					fmt.Sprintf("%+.2f%%", ts.AvgImprovement))
			}
			return out + "\n" + t.String()
		})
	},
}

var statsLearningCmd = &cobra.Command{
	Use:   "learning",
	Short: "Show learning statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var st learning.Statistics
		if err := newClient(serverURL).get(cmd.Context(), "/api/v1/stats/learning", &st); err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), st, func() string {
			out := kv(
				"Learning entries", value("%d", st.TotalLearningEntries),
				"Pattern types", value("%d", st.PatternTypesTracked),
				"Action types", value("%d", st.ActionTypesTracked),
			)
			if len(st.PatternConfidences) > 0 {
				t := newTable("PATTERN", "CONFIDENCE")
				for _, p := range sortedKeys(st.PatternConfidences) {
					t.Row(p, fmt.Sprintf("%.3f", st.PatternConfidences[p]))
				}
				out += "\n" + t.String()
			}
			if len(st.ActionEffectiveness) > 0 {
				t := newTable("ACTION TYPE", "SAMPLES", "SUCCESS RATE", "AVG IMPROVEMENT")
				for _, typ := range sortedKeys(st.ActionEffectiveness) {
					e := st.ActionEffectiveness[typ]
					t.Row(string(typ), strconv.Itoa(e.SampleSize),
						fmt.Sprintf("%.1f%%", e.SuccessRate),
						fmt.Sprintf("%+.2f%%", e.AvgImprovement))
				}
				out += "\n" + t.String()
			}
			return out
		})
	},
}

// similarCmd finds past cases of a pattern
var similarCmd = &cobra.Command{
	Use:   "similar <pattern-type>",
	Short: "Find past cases similar to a detected pattern",
	Long: `Find learning records for past actions taken on a pattern type.

Examples:
  actionctl similar issuer_degradation
  actionctl similar issuer_degradation --features '{"issuer":"AXIS"}' --top-k 3`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		q.Set("top_k", strconv.Itoa(similarTopK))
		if similarFeatures != "" {
			var f map[string]any
			if err := json.Unmarshal([]byte(similarFeatures), &f); err != nil {
				return fmt.Errorf("--features must be a JSON object: %w", err)
			}
			q.Set("features", similarFeatures)
		}

		var cases []learning.Similar
		path := "/api/v1/patterns/" + url.PathEscape(args[0]) + "/similar?" + q.Encode()
		if err := newClient(serverURL).get(cmd.Context(), path, &cases); err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), cases, func() string {
			if len(cases) == 0 {
				return dimStyle.Render("no similar cases")
			}
			t := newTable("SCORE", "ACTION", "OUTCOME", "DOCUMENT")
			for _, c := range cases {
				t.Row(fmt.Sprintf("%.3f", c.Score), c.Metadata["action_taken"], c.Metadata["outcome"], c.Document)
			}
			return t.String()
		})
	},
}

// readInput reads the single file argument, or stdin for "-" or no argument.
func readInput(cmd *cobra.Command, args []string) ([]byte, error) {
	var (
		content []byte
		err     error
	)
	if len(args) == 0 || args[0] == "-" {
		content, err = io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("failed to read from stdin: %w", err)
		}
	} else {
		content, err = os.ReadFile(args[0])
		if err != nil {
			return nil, fmt.Errorf("failed to read file %s: %w", args[0], err)
		}
	}
	if len(content) == 0 {
		return nil, fmt.Errorf("no input")
	}
	return content, nil
}

func sortedKeys[K ~string, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
