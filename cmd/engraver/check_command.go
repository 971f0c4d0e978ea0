package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"engraver/internal/api"
	"engraver/internal/ipc"
	"engraver/internal/preflight"
)

func newCheckCommand(ctx *commandContext) *cobra.Command {
	var local bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run readiness checks for the device, directories, and artifact sources",
		RunE: func(cmd *cobra.Command, args []string) error {
			var checks []api.CheckResult
			if local {
				checks = api.FromPreflight(preflight.RunAll(cmd.Context(), ctx.configValue()))
			} else {
				err := ctx.withClient(func(client *ipc.Client) error {
					resp, err := client.Preflight()
					if err != nil {
						return err
					}
					checks = resp.Checks
					return nil
				})
				if err != nil {
					return err
				}
			}
			if ctx.jsonMode() {
				if err := writeJSON(cmd, checks); err != nil {
					return err
				}
			} else {
				out := cmd.OutOrStdout()
				colorize := shouldColorize(out)
				for _, check := range checks {
					fmt.Fprintln(out, renderStatusLine(check.Name, checkKind(check.Passed), check.Detail, colorize))
				}
			}
			failed := 0
			for _, check := range checks {
				if !check.Passed {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d check(s) failed", failed)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&local, "local", false, "Run checks in this process instead of asking the daemon")
	return cmd
}

func newTestNotifyCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "test-notify",
		Short: "Send a test notification",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.TestNotification()
				if err != nil {
					return err
				}
				if !resp.Sent {
					return errors.New("notification not sent: " + resp.Message)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Test notification sent")
				return nil
			})
		},
	}
}
