package main

import (
	"encoding/json"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/flemzord/cronus/pkg/protocol"
)

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := dial(cmd)
			if err != nil {
				return err
			}
			if _, err := client.Stop(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "stop requested")
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := dial(cmd)
			if err != nil {
				return err
			}
			st, err := client.Status(cmd.Context())
			if err != nil {
				return err
			}

			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "cronus %s: running (pid %d)\n", st.Version, st.PID)
			fmt.Fprintf(out, "  started: %s\n", st.StartedAt.Local().Format("2006-01-02 15:04:05"))
			fmt.Fprintf(out, "  uptime:  %s\n", st.Uptime)
			fmt.Fprintf(out, "  jobs:    %d (%d running)\n", st.Jobs, st.RunningJobs)
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "print the raw status as JSON")
	return cmd
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream daemon events until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := dial(cmd)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			events, cancel, err := client.Watch(ctx)
			if err != nil {
				return err
			}
			defer cancel()

			out := cmd.OutOrStdout()
			for {
				select {
				case <-ctx.Done():
					return nil
				case ev, ok := <-events:
					if !ok {
						fmt.Fprintln(out, "event stream closed")
						return nil
					}
					fmt.Fprintf(out, "%s  %-12s  %s\n",
						ev.Time.Local().Format("15:04:05"),
						ev.Type,
						eventDetail(ev),
					)
				}
			}
		},
	}
}

// eventDetail joins the optional event fields into one display string.
func eventDetail(ev protocol.Event) string {
	parts := make([]string, 0, 3)
	if ev.JobID != "" {
		parts = append(parts, ev.JobID)
	}
	if ev.Command != "" {
		parts = append(parts, ev.Command)
	}
	if ev.Detail != "" {
		parts = append(parts, ev.Detail)
	}
	return strings.Join(parts, "  ")
}
