// Package main implements actionctl, the operator CLI for the actiond HTTP
// API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// serverURL is the base URL for the actiond HTTP server
	serverURL string
	// outputFormat is table, json or yaml
	outputFormat string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "actionctl",
	Short: "CLI for actiond remediation governor operations",
	Long: `actionctl is a command-line interface for the actiond HTTP server.
It submits decisions, lists and rolls back active actions, and shows
outcome and learning statistics.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		switch outputFormat {
		case formatTable, formatJSON, formatYAML:
			return nil
		default:
			return fmt.Errorf("unknown output format %q (want table, json or yaml)", outputFormat)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8085", "actiond server URL")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", formatTable, "output format: table, json or yaml")

	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(actionsCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(rollbacksCmd)
	rootCmd.AddCommand(outcomesCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(similarCmd)
}
