// Package main implements the patternd CLI: the pattern-matching
// daemon and its offline import tool.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	version    = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "patternd",
	Short: "Decision-pattern matching engine for facility support conversations",
	Long: `patternd matches inbound customer messages against a store of learned
request/response patterns and decides whether to auto-respond, suggest a
response to an operator, or escalate.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default ~/.config/patternd/config.yaml)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(importCmd)
}
