package main

import (
	"github.com/spf13/cobra"
)

var serverURL string

var rootCmd = &cobra.Command{
	Use:   "reflectiond",
	Short: "Reflection reconciliation daemon",
	Long: `reflectiond drives materialized-view reflections through their
lifecycle: create, refresh, expire, and garbage-collect, reconciling
observed dataset and materialization state against user-declared goals.

Use "serve" to start the daemon, or "status" to query a running
instance's read-only HTTP status surface.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "reflectiond status surface URL")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newStatusCmd())
}
