// Actiond is the remediation action governor daemon.
//
// It accepts remediation decisions over HTTP and NATS, validates them
// against the safety limits, applies them to the payment control plane,
// watches the effect and rolls back actions that make things worse.
//
// Configuration is loaded from ~/.config/actiond/config.yaml (or the file
// named by --config) with ACTIOND_* environment overrides. See
// internal/config for details.
//
// Usage:
//
//	# Start with defaults (simulated control plane, static metrics)
//	actiond
//
//	# Configure via environment
//	ACTIOND_SERVER_PORT=9090 ACTIOND_EXECUTOR_MODE=live actiond
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "actiond",
	Short: "Remediation action governor",
	Long: `actiond validates, applies, observes and rolls back automated
remediation actions on the payment control plane.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return run(ctx, configPath)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, _ []string) {
		printVersion(cmd)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/actiond/config.yaml)")
	rootCmd.AddCommand(versionCmd)
}

// printVersion prints version information
func printVersion(cmd *cobra.Command) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "actiond by Fyrsmith Labs\n")
	fmt.Fprintf(out, "Version:    %s\n", version)
	fmt.Fprintf(out, "Commit:     %s\n", gitCommit)
	fmt.Fprintf(out, "Build Date: %s\n", buildDate)
}
