package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"engraver/internal/api"
	"engraver/internal/ipc"
)

func newEnqueueCommand(ctx *commandContext) *cobra.Command {
	var kind string
	var priority int
	var maxAttempts int

	cmd := &cobra.Command{
		Use:   "enqueue ITEM ARTIFACT",
		Short: "Queue an engraving job for ITEM using ARTIFACT",
		Long: "Queue an engraving job. ARTIFACT may be a local path, an http(s) URL,\n" +
			"an s3://bucket/key reference, or a path relative to artifacts.base_url.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Enqueue(ipc.EnqueueRequest{
					ItemRef:      args[0],
					ArtifactRef:  args[1],
					ArtifactKind: kind,
					Priority:     priority,
					MaxAttempts:  maxAttempts,
				})
				if err != nil {
					return err
				}
				if ctx.jsonMode() {
					return writeJSON(cmd, resp.Job)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Queued job #%d for %s\n", resp.Job.ID, resp.Job.ItemRef)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "Artifact kind (gcode or svg); inferred from the extension when empty")
	cmd.Flags().IntVar(&priority, "priority", 0, "Higher priority jobs run first")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "Attempts before the job fails (default from config)")
	return cmd
}

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the engraving queue",
	}
	queueCmd.AddCommand(newQueueListCommand(ctx))
	queueCmd.AddCommand(newQueueShowCommand(ctx))
	queueCmd.AddCommand(newQueueHistoryCommand(ctx))
	queueCmd.AddCommand(newQueuePositionCommand(ctx))
	queueCmd.AddCommand(newQueueRetryCommand(ctx))
	queueCmd.AddCommand(newQueueHealthCommand(ctx))
	return queueCmd
}

func newQueueListCommand(ctx *commandContext) *cobra.Command {
	var statuses []string
	var item string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.JobList(ipc.JobListRequest{Statuses: statuses, ItemRef: item, Limit: limit})
				if err != nil {
					return err
				}
				if ctx.jsonMode() {
					return writeJSON(cmd, api.JobListResponse{Jobs: resp.Jobs})
				}
				if len(resp.Jobs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty")
					return nil
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable(
					[]string{"ID", "Item", "Status", "Attempts", "Progress", "Created"},
					buildJobRows(resp.Jobs),
					[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignRight, alignLeft},
				))
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVarP(&statuses, "status", "s", nil, "Filter by status (repeatable or comma-separated)")
	cmd.Flags().StringVar(&item, "item", "", "Filter by item reference")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of jobs to show")
	return cmd
}

func buildJobRows(jobs []api.Job) [][]string {
	rows := make([][]string, 0, len(jobs))
	for _, job := range jobs {
		rows = append(rows, []string{
			strconv.FormatInt(job.ID, 10),
			job.ItemRef,
			displayLabel(job.Status),
			fmt.Sprintf("%d/%d", job.Attempts, job.MaxAttempts),
			fmt.Sprintf("%.0f%%", job.Progress.Percent),
			job.CreatedAt,
		})
	}
	return rows
}

func newQueueShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.JobDescribe(id)
				if err != nil {
					return err
				}
				if ctx.jsonMode() {
					return writeJSON(cmd, resp.Job)
				}
				out := cmd.OutOrStdout()
				job := resp.Job
				fmt.Fprintf(out, "Job #%d\n", job.ID)
				fields := [][2]string{
					{"Item", job.ItemRef},
					{"Artifact", job.ArtifactRef},
					{"Kind", job.ArtifactKind},
					{"Status", displayLabel(job.Status)},
					{"Priority", strconv.Itoa(job.Priority)},
					{"Attempts", fmt.Sprintf("%d/%d", job.Attempts, job.MaxAttempts)},
					{"Progress", fmt.Sprintf("%d/%d lines (%.0f%%)", job.Progress.LinesSent, job.Progress.LinesTotal, job.Progress.Percent)},
					{"Message", job.Progress.Message},
					{"Error", job.ErrorMessage},
					{"Next attempt", job.NextAttemptAt},
					{"Started", job.StartedAt},
					{"Completed", job.CompletedAt},
					{"Created", job.CreatedAt},
					{"Updated", job.UpdatedAt},
				}
				for _, field := range fields {
					if strings.TrimSpace(field[1]) == "" {
						continue
					}
					fmt.Fprintf(out, "  %-14s %s\n", field[0]+":", field[1])
				}
				return nil
			})
		},
	}
}

func newQueueHistoryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "history ID",
		Short: "Show the status transitions of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.JobHistory(id)
				if err != nil {
					return err
				}
				if ctx.jsonMode() {
					return writeJSON(cmd, api.HistoryResponse{Entries: resp.Entries})
				}
				rows := make([][]string, 0, len(resp.Entries))
				for _, entry := range resp.Entries {
					from := displayLabel(entry.FromStatus)
					if from == "" {
						from = "-"
					}
					rows = append(rows, []string{
						entry.CreatedAt,
						from,
						displayLabel(entry.ToStatus),
						strconv.Itoa(entry.Attempt),
						entry.Message,
					})
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable(
					[]string{"Time", "From", "To", "Attempt", "Message"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
				))
				return nil
			})
		},
	}
}

func newQueuePositionCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "position ID",
		Short: "Show where a job sits in the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.JobPosition(id)
				if err != nil {
					return err
				}
				if ctx.jsonMode() {
					return writeJSON(cmd, resp.Position)
				}
				fmt.Fprintln(cmd.OutOrStdout(), describePosition(resp.Position))
				return nil
			})
		},
	}
}

func describePosition(pos api.Position) string {
	switch {
	case pos.Position > 0:
		return fmt.Sprintf("Job #%d is number %d in line", pos.JobID, pos.Position)
	case pos.Position == 0:
		return fmt.Sprintf("Job #%d is being engraved (%s)", pos.JobID, displayLabel(pos.Status))
	default:
		return fmt.Sprintf("Job #%d is no longer queued (%s)", pos.JobID, displayLabel(pos.Status))
	}
}

func newQueueRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry [ID...]",
		Short: "Return failed jobs to the queue (all failed jobs when no IDs are given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]int64, 0, len(args))
			for _, arg := range args {
				id, err := parseJobID(arg)
				if err != nil {
					return err
				}
				ids = append(ids, id)
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.JobRetry(ids)
				if err != nil {
					return err
				}
				if ctx.jsonMode() {
					return writeJSON(cmd, resp)
				}
				out := cmd.OutOrStdout()
				if len(ids) == 0 {
					if resp.Updated == 0 {
						fmt.Fprintln(out, "No failed jobs to retry")
					} else {
						fmt.Fprintf(out, "Retrying %d failed job(s)\n", resp.Updated)
					}
					return nil
				}
				for _, job := range resp.Jobs {
					switch job.Outcome {
					case api.RetryJobUpdated:
						fmt.Fprintf(out, "Job #%d queued for retry\n", job.ID)
					case api.RetryJobNotFound:
						fmt.Fprintf(out, "Job #%d not found\n", job.ID)
					case api.RetryJobNotFailed:
						fmt.Fprintf(out, "Job #%d is %s, not failed\n", job.ID, displayLabel(job.PriorStatus))
					}
				}
				return nil
			})
		},
	}
}

func newQueueHealthCommand(ctx *commandContext) *cobra.Command {
	var database bool
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Show queue counts and database diagnostics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				health, err := client.QueueHealth()
				if err != nil {
					return err
				}
				var db *api.DatabaseHealth
				if database {
					resp, err := client.DatabaseHealth()
					if err != nil {
						return err
					}
					db = &resp.Health
				}
				if ctx.jsonMode() {
					return writeJSON(cmd, struct {
						Queue    api.QueueHealth     `json:"queue"`
						Database *api.DatabaseHealth `json:"database,omitempty"`
					}{health.Health, db})
				}
				out := cmd.OutOrStdout()
				h := health.Health
				fmt.Fprint(out, renderTable(
					[]string{"Total", "Pending", "Processing", "Failed", "Completed"},
					[][]string{{
						strconv.Itoa(h.Total), strconv.Itoa(h.Pending), strconv.Itoa(h.Processing),
						strconv.Itoa(h.Failed), strconv.Itoa(h.Completed),
					}},
					[]columnAlignment{alignRight, alignRight, alignRight, alignRight, alignRight},
				))
				if db != nil {
					colorize := shouldColorize(out)
					fmt.Fprintln(out, renderStatusLine("Database", checkKind(db.DatabaseReadable), db.DBPath, colorize))
					fmt.Fprintln(out, renderStatusLine("Schema", statusInfo, "version "+strconv.Itoa(db.SchemaVersion), colorize))
					fmt.Fprintln(out, renderStatusLine("Integrity", checkKind(db.IntegrityCheck), "", colorize))
					if len(db.MissingTables) > 0 {
						fmt.Fprintln(out, renderStatusLine("Missing tables", statusError, strings.Join(db.MissingTables, ", "), colorize))
					}
					if db.Error != "" {
						fmt.Fprintln(out, renderStatusLine("Error", statusError, db.Error, colorize))
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&database, "db", false, "Include database diagnostics")
	return cmd
}

func parseJobID(value string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid job id " + strconv.Quote(value))
	}
	return id, nil
}
