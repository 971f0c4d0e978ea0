package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"engraver/internal/daemonctl"
	"engraver/internal/daemonrun"
	"engraver/internal/queue"
)

func newDaemonCommands(ctx *commandContext) []*cobra.Command {
	var startLogLevel string
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the engraver daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			exe, err := os.Executable()
			if err != nil {
				return fmt.Errorf("resolve executable: %w", err)
			}
			result, err := daemonctl.EnsureStarted(ctx.socketPath(), exe, daemonLaunchOptions(ctx, startLogLevel), 10*time.Second)
			if err != nil {
				return err
			}
			if result.Launched {
				fmt.Fprintln(stdout, "Daemon not running, launching...")
			}
			switch result.State {
			case daemonctl.StartStateStarted:
				fmt.Fprintln(stdout, "Daemon started")
			case daemonctl.StartStateAlreadyRunning:
				fmt.Fprintln(stdout, "Daemon already running")
			case daemonctl.StartStateRequested:
				fmt.Fprintln(stdout, result.Message)
			}
			return nil
		},
	}
	startCmd.Flags().StringVar(&startLogLevel, "log-level", "", "Override the daemon log level")

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the engraver daemon after the active job finishes",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			result, err := daemonctl.StopAndTerminate(ctx.socketPath(), ctx.configValue(), 10*time.Second)
			if errors.Is(err, daemonctl.ErrDaemonNotRunning) {
				fmt.Fprintln(stdout, "Daemon is not running")
				return nil
			}
			if err != nil {
				return err
			}
			if result.ForcedKill && result.PID > 0 {
				fmt.Fprintf(stdout, "Daemon did not exit in time; killed pid %d\n", result.PID)
			}
			fmt.Fprintln(stdout, "Daemon stopped")
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon, device, and queue status",
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := daemonctl.BuildStatusSnapshot(cmd.Context(), ctx.socketPath(), ctx.configValue())
			if err != nil {
				return err
			}
			if ctx.jsonMode() {
				return writeJSON(cmd, snap)
			}
			renderStatus(cmd.OutOrStdout(), snap, shouldColorize(cmd.OutOrStdout()))
			return nil
		},
	}

	return []*cobra.Command{startCmd, stopCmd, statusCmd}
}

func newDaemonRunCommand(ctx *commandContext) *cobra.Command {
	var logLevel string
	var development bool
	cmd := &cobra.Command{
		Use:         "daemon",
		Short:       "Run the engraver daemon in the foreground",
		Hidden:      true,
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			socket := ""
			if ctx.socketFlag != nil {
				socket = strings.TrimSpace(*ctx.socketFlag)
			}
			return daemonrun.Run(cmd.Context(), cfg, daemonrun.Options{
				LogLevel:    logLevel,
				Development: development,
				SocketPath:  socket,
			})
		},
	}
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Override the configured log level")
	cmd.Flags().BoolVar(&development, "dev", false, "Enable development logging")
	return cmd
}

func daemonLaunchOptions(ctx *commandContext, logLevel string) daemonctl.LaunchOptions {
	opts := daemonctl.LaunchOptions{ConfigPath: ctx.configPath(), LogLevel: logLevel}
	if ctx.socketFlag != nil {
		opts.SocketPath = strings.TrimSpace(*ctx.socketFlag)
	}
	return opts
}

func renderStatus(out io.Writer, snap *daemonctl.Snapshot, colorize bool) {
	for _, line := range renderSectionHeader("Daemon", colorize) {
		fmt.Fprintln(out, line)
	}
	status := snap.Status
	switch {
	case !snap.Reachable:
		fmt.Fprintln(out, renderStatusLine("Engraver", statusWarn, "Not running (run `engraver start`)", colorize))
	case status.Running:
		fmt.Fprintln(out, renderStatusLine("Engraver", statusOK, "Running (pid "+strconv.Itoa(status.PID)+")", colorize))
	default:
		fmt.Fprintln(out, renderStatusLine("Engraver", statusWarn, "Idle (workflow stopped)", colorize))
	}
	if snap.Reachable {
		if status.Workflow.DevicePresent {
			fmt.Fprintln(out, renderStatusLine("Controller", statusOK, status.SerialPort, colorize))
		} else {
			fmt.Fprintln(out, renderStatusLine("Controller", statusWarn, "Not detected at "+status.SerialPort, colorize))
		}
		if status.Breaker != "" {
			kind := statusOK
			if status.Breaker != "closed" {
				kind = statusWarn
			}
			fmt.Fprintln(out, renderStatusLine("Artifact source", kind, "Breaker "+status.Breaker, colorize))
		}
		if status.APIBind != "" {
			fmt.Fprintln(out, renderStatusLine("HTTP API", statusInfo, status.APIBind, colorize))
		}
		if active := status.Workflow.ActiveJob; active != nil {
			detail := fmt.Sprintf("#%d %s (%.0f%%)", active.ID, active.ItemRef, active.Progress.Percent)
			fmt.Fprintln(out, renderStatusLine("Active job", statusInfo, detail, colorize))
		}
		if status.Workflow.LastError != "" {
			fmt.Fprintln(out, renderStatusLine("Last error", statusError, status.Workflow.LastError, colorize))
		}
	}
	fmt.Fprintln(out)

	if len(snap.Checks) > 0 {
		for _, line := range renderSectionHeader("Checks", colorize) {
			fmt.Fprintln(out, line)
		}
		for _, check := range snap.Checks {
			fmt.Fprintln(out, renderStatusLine(check.Name, checkKind(check.Passed), check.Detail, colorize))
		}
		fmt.Fprintln(out)
	}

	for _, line := range renderSectionHeader("Queue", colorize) {
		fmt.Fprintln(out, line)
	}
	rows := buildQueueStatusRows(snap.QueueStats)
	if len(rows) == 0 {
		fmt.Fprintln(out, "Queue is empty")
		return
	}
	fmt.Fprint(out, renderTable([]string{"Status", "Count"}, rows, []columnAlignment{alignLeft, alignRight}))
}

// buildQueueStatusRows orders counts by lifecycle and appends unknown keys alphabetically.
func buildQueueStatusRows(stats map[string]int) [][]string {
	rows := make([][]string, 0, len(stats))
	seen := make(map[string]struct{}, len(stats))
	for _, status := range queue.AllStatuses() {
		key := string(status)
		seen[key] = struct{}{}
		if count := stats[key]; count > 0 {
			rows = append(rows, []string{displayLabel(key), strconv.Itoa(count)})
		}
	}
	var extra []string
	for key, count := range stats {
		if _, ok := seen[key]; !ok && count > 0 {
			extra = append(extra, key)
		}
	}
	sort.Strings(extra)
	for _, key := range extra {
		rows = append(rows, []string{displayLabel(key), strconv.Itoa(stats[key])})
	}
	return rows
}
