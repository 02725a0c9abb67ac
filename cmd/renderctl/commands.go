package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/legalsim/render-orchestrator/internal/model"
)

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var (
		req              model.CreateRenderRequest
		profile          string
		quality          string
		seed             int64
		maxRetries       int
		nonDeterministic bool
		wait             bool
		pollInterval     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a render job",
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Profile = model.Profile(strings.ToUpper(profile))
			req.Quality = model.Quality(strings.ToLower(quality))
			if cmd.Flags().Changed("seed") {
				req.Seed = &seed
			}
			if cmd.Flags().Changed("max-retries") {
				req.MaxRetries = &maxRetries
			}
			if nonDeterministic {
				f := false
				req.Deterministic = &f
			}

			client := ctx.client()
			var job model.RenderJob
			if err := client.do(cmd.Context(), "POST", "/api/renders", nil, req, &job); err != nil {
				return err
			}

			if wait {
				status, err := waitForJob(cmd, client, job.ID, pollInterval)
				if err != nil {
					return err
				}
				return printStatus(cmd, ctx, status)
			}
			if ctx.json {
				return writeJSON(cmd, job)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Queued render job %s (%d frames, mode %s)\n", job.ID, job.TotalFrames, job.Mode)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&req.CaseID, "case", "", "Case ID")
	flags.StringVar(&req.StoryboardID, "storyboard", "", "Storyboard ID")
	flags.StringVar(&req.TimelineID, "timeline", "", "Timeline ID")
	flags.StringVar(&profile, "profile", string(model.ProfileNeutral), "NEUTRAL or CINEMATIC")
	flags.IntVar(&req.Width, "width", 0, "Frame width (server default when 0)")
	flags.IntVar(&req.Height, "height", 0, "Frame height (server default when 0)")
	flags.IntVar(&req.FPS, "fps", 0, "Frames per second (server default when 0)")
	flags.StringVar(&quality, "quality", "", "draft, standard, high or ultra")
	flags.StringVar(&req.OutputFormat, "format", "", "mp4, mov or png")
	flags.IntVar(&req.Priority, "priority", 0, "Higher runs first")
	flags.IntVar(&req.TotalFrames, "frames", 0, "Total frames")
	flags.Float64Var(&req.DurationSeconds, "duration", 0, "Duration in seconds, used when --frames is not set")
	flags.Int64Var(&seed, "seed", 0, "Explicit seed")
	flags.IntVar(&maxRetries, "max-retries", 0, "Retries for transient failures")
	flags.BoolVar(&nonDeterministic, "non-deterministic", false, "Render with a fresh random seed")
	flags.StringSliceVar(&req.GoldenChecksums, "golden", nil, "Expected SHA-256 checksum (repeatable)")
	flags.BoolVar(&wait, "wait", false, "Wait until the job finishes")
	flags.DurationVar(&pollInterval, "poll", time.Second, "Poll interval with --wait")
	_ = cmd.MarkFlagRequired("case")
	_ = cmd.MarkFlagRequired("storyboard")
	_ = cmd.MarkFlagRequired("timeline")

	return cmd
}

func waitForJob(cmd *cobra.Command, client *apiClient, jobID string, interval time.Duration) (*model.RenderStatusResponse, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastFrames := -1
	for {
		var status model.RenderStatusResponse
		if err := client.do(cmd.Context(), "GET", jobPath(jobID, "/status"), nil, nil, &status); err != nil {
			return nil, err
		}
		if status.Status.Terminal() {
			return &status, nil
		}
		if status.FramesRendered != lastFrames {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s %s %d/%d (%.1f%%)\n", jobID, status.Status, status.FramesRendered, status.TotalFrames, status.ProgressPercentage)
			lastFrames = status.FramesRendered
		}

		select {
		case <-cmd.Context().Done():
			return nil, cmd.Context().Err()
		case <-ticker.C:
		}
	}
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job's status and progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var status model.RenderStatusResponse
			if err := ctx.client().do(cmd.Context(), "GET", jobPath(args[0], "/status"), nil, nil, &status); err != nil {
				return err
			}
			return printStatus(cmd, ctx, &status)
		},
	}
}

func printStatus(cmd *cobra.Command, ctx *commandContext, s *model.RenderStatusResponse) error {
	if ctx.json {
		return writeJSON(cmd, s)
	}
	pairs := [][2]string{
		{"Job", s.JobID},
		{"Case", s.CaseID},
		{"Status", string(s.Status)},
		{"Progress", fmt.Sprintf("%d/%d (%.1f%%)", s.FramesRendered, s.TotalFrames, s.ProgressPercentage)},
		{"Retries", fmt.Sprintf("%d/%d", s.RetryCount, s.MaxRetries)},
	}
	if s.Checksum != "" {
		pairs = append(pairs, [2]string{"Checksum", s.Checksum})
	}
	if s.DeterminismCheck != "" {
		pairs = append(pairs, [2]string{"Determinism", string(s.DeterminismCheck)})
	}
	if s.ErrorMessage != nil {
		pairs = append(pairs, [2]string{"Error", *s.ErrorMessage})
	}
	for _, w := range s.Warnings {
		pairs = append(pairs, [2]string{"Warning", w})
	}
	fmt.Fprint(cmd.OutOrStdout(), renderPairs(pairs))
	return nil
}

func newGetCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Print the full job record as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var job json.RawMessage
			if err := ctx.client().do(cmd.Context(), "GET", jobPath(args[0], ""), nil, nil, &job); err != nil {
				return err
			}
			return writeJSON(cmd, job)
		},
	}
}

func newListCommand(ctx *commandContext) *cobra.Command {
	var (
		caseID       string
		storyboardID string
		status       string
		limit        int
		offset       int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List render jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{}
			if caseID != "" {
				query.Set("caseId", caseID)
			}
			if storyboardID != "" {
				query.Set("storyboardId", storyboardID)
			}
			if status != "" {
				query.Set("status", strings.ToUpper(status))
			}
			if limit > 0 {
				query.Set("limit", strconv.Itoa(limit))
			}
			if offset > 0 {
				query.Set("offset", strconv.Itoa(offset))
			}

			var list model.RenderListResponse
			if err := ctx.client().do(cmd.Context(), "GET", "/api/renders", query, nil, &list); err != nil {
				return err
			}
			if ctx.json {
				return writeJSON(cmd, list)
			}
			if len(list.Jobs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No render jobs")
				return nil
			}

			rows := make([][]string, 0, len(list.Jobs))
			for _, job := range list.Jobs {
				rows = append(rows, []string{
					job.ID,
					job.CaseID,
					string(job.Status),
					string(job.Profile),
					strconv.Itoa(job.Priority),
					fmt.Sprintf("%.0f%%", job.ProgressPercentage),
					fmt.Sprintf("%d/%d", job.RetryCount, job.MaxRetries),
					job.CreatedAt.Local().Format("2006-01-02 15:04:05"),
				})
			}
			fmt.Fprint(cmd.OutOrStdout(), renderTable(
				[]string{"ID", "Case", "Status", "Profile", "Priority", "Progress", "Retries", "Created"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight, alignLeft},
			))
			fmt.Fprintf(cmd.OutOrStdout(), "Showing %d of %d\n", len(list.Jobs), list.Total)
			return nil
		},
	}

	cmd.Flags().StringVar(&caseID, "case", "", "Filter by case ID")
	cmd.Flags().StringVar(&storyboardID, "storyboard", "", "Filter by storyboard ID")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status")
	cmd.Flags().IntVar(&limit, "limit", 0, "Page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "Offset")
	return cmd
}

func newCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a queued or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var result model.RenderCancelResponse
			if err := ctx.client().do(cmd.Context(), "POST", jobPath(args[0], "/cancel"), nil, nil, &result); err != nil {
				return err
			}
			if ctx.json {
				return writeJSON(cmd, result)
			}
			switch {
			case !result.Success:
				fmt.Fprintf(cmd.OutOrStdout(), "Job %s already %s\n", result.JobID, result.Status)
			case result.Status == model.JobStatusProcessing:
				fmt.Fprintf(cmd.OutOrStdout(), "Cancel requested for running job %s\n", result.JobID)
			default:
				fmt.Fprintf(cmd.OutOrStdout(), "Job %s cancelled\n", result.JobID)
			}
			return nil
		},
	}
}

func newRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Re-queue a failed job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var result model.RenderRetryResponse
			if err := ctx.client().do(cmd.Context(), "POST", jobPath(args[0], "/retry"), nil, nil, &result); err != nil {
				return err
			}
			if ctx.json {
				return writeJSON(cmd, result)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s re-queued (retry count %d)\n", result.JobID, result.RetryCount)
			return nil
		},
	}
}

func newStatsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show queue statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			var stats model.QueueStatsResponse
			if err := ctx.client().do(cmd.Context(), "GET", "/api/renders/queue/stats", nil, nil, &stats); err != nil {
				return err
			}
			if ctx.json {
				return writeJSON(cmd, stats)
			}

			statuses := make([]string, 0, len(stats.ByStatus))
			for s := range stats.ByStatus {
				statuses = append(statuses, string(s))
			}
			sort.Strings(statuses)
			rows := make([][]string, 0, len(statuses)+1)
			for _, s := range statuses {
				rows = append(rows, []string{s, strconv.Itoa(stats.ByStatus[model.JobStatus(s)])})
			}
			rows = append(rows, []string{"Total", strconv.Itoa(stats.TotalJobs)})
			fmt.Fprint(cmd.OutOrStdout(), renderTable([]string{"Status", "Count"}, rows, []columnAlignment{alignLeft, alignRight}))

			fmt.Fprint(cmd.OutOrStdout(), renderPairs([][2]string{
				{"Waiting", strconv.Itoa(stats.Waiting)},
				{"Delayed", strconv.Itoa(stats.Delayed)},
				{"In flight", strconv.Itoa(stats.InFlight)},
				{"Busy cases", strconv.Itoa(stats.BusyCases)},
				{"Capacity", strconv.Itoa(stats.Capacity)},
				{"Workers", strconv.Itoa(stats.Workers)},
			}))
			return nil
		},
	}
}

// writeJSON encodes v as indented JSON to the command's stdout.
func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
