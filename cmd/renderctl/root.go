package main

import (
	"os"

	"github.com/spf13/cobra"
)

type commandContext struct {
	server string
	token  string
	json   bool
}

func (c *commandContext) client() *apiClient {
	return newAPIClient(c.server, c.token)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "renderctl",
		Short:         "Submit and inspect render jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&ctx.server, "server", envOr("RENDERCTL_SERVER", "http://localhost:8004"), "Orchestrator base URL")
	rootCmd.PersistentFlags().StringVar(&ctx.token, "token", os.Getenv("RENDERCTL_TOKEN"), "Bearer token")
	rootCmd.PersistentFlags().BoolVar(&ctx.json, "json", false, "Print raw JSON")

	rootCmd.AddCommand(newSubmitCommand(ctx))
	rootCmd.AddCommand(newStatusCommand(ctx))
	rootCmd.AddCommand(newGetCommand(ctx))
	rootCmd.AddCommand(newListCommand(ctx))
	rootCmd.AddCommand(newCancelCommand(ctx))
	rootCmd.AddCommand(newRetryCommand(ctx))
	rootCmd.AddCommand(newStatsCommand(ctx))
	rootCmd.AddCommand(newTokenCommand())
	rootCmd.AddCommand(newEnqueueCommand())

	return rootCmd
}
