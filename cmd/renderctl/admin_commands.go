package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/legalsim/render-orchestrator/internal/auth"
	"github.com/legalsim/render-orchestrator/internal/worker"
)

// newTokenCommand issues a legacy HMAC token for local use.
func newTokenCommand() *cobra.Command {
	var (
		secret string
		userID string
		email  string
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a development bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return fmt.Errorf("--secret or JWT_SECRET is required")
			}
			token, err := auth.IssueLegacyToken(secret, userID, email, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&secret, "secret", os.Getenv("JWT_SECRET"), "HMAC secret shared with the server")
	cmd.Flags().StringVar(&userID, "user", "renderctl", "User ID claim")
	cmd.Flags().StringVar(&email, "email", "", "Email claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	return cmd
}

// newEnqueueCommand publishes a timeline:compiled task the way the timeline
// compiler does, reading the render request from a JSON file.
func newEnqueueCommand() *cobra.Command {
	var (
		redisAddr  string
		redisPass  string
		redisDB    int
		compiledBy string
	)

	cmd := &cobra.Command{
		Use:   "enqueue <request.json>",
		Short: "Publish a compiled timeline for rendering",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read request: %w", err)
			}
			var payload worker.TimelineCompiledPayload
			if err := json.Unmarshal(data, &payload.Request); err != nil {
				return fmt.Errorf("failed to parse request: %w", err)
			}
			payload.CompiledBy = compiledBy

			task, err := worker.NewTimelineCompiledTask(payload)
			if err != nil {
				return err
			}

			client := asynq.NewClient(asynq.RedisClientOpt{Addr: redisAddr, Password: redisPass, DB: redisDB})
			defer client.Close()

			info, err := client.EnqueueContext(cmd.Context(), task)
			if err != nil {
				return fmt.Errorf("failed to enqueue task: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Enqueued %s task %s on queue %s\n", info.Type, info.ID, info.Queue)
			return nil
		},
	}

	cmd.Flags().StringVar(&redisAddr, "redis", envOr("REDIS_ADDR", "localhost:6379"), "Redis address")
	cmd.Flags().StringVar(&redisPass, "redis-password", os.Getenv("REDIS_PASSWORD"), "Redis password")
	cmd.Flags().IntVar(&redisDB, "redis-db", 0, "Redis database")
	cmd.Flags().StringVar(&compiledBy, "compiled-by", "renderctl", "Recorded as the job's creator when the request has none")
	return cmd
}
