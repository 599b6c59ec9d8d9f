// Package main provides the entry point for textile
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set by build process)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:           "textile",
		Short:         "textile - LLM context middleware with streaming response rewriting",
		Long:          "textile shapes the context sent to an OpenAI-compatible model and rewrites the streamed response on the way back.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "textile.yaml", "Path to configuration file")

	rootCmd.AddCommand(
		newServeCmd(&configFile),
		newRewriteCmd(&configFile),
		newTokensCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Show version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "textile %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
			},
		},
	)
	return rootCmd
}
