package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/flemzord/cronus/pkg/protocol"
)

func addCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add -c \"<cron>\" <command> [args...]",
		Short: "Register a job with the running daemon",
		Example: `  cronus add -c "*/5 * * * *" /usr/local/bin/backup --incremental
  cronus add -c "0 3 * * 0" --timeout 2h sh -c "du -sh /var/lib > /tmp/usage"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, _ := cmd.Flags().GetString("cron")
			timeout, _ := cmd.Flags().GetString("timeout")

			client, err := dial(cmd)
			if err != nil {
				return err
			}
			resp, err := client.Add(cmd.Context(), protocol.AddRequest{
				Cron:    spec,
				Command: args[0],
				Args:    args[1:],
				Timeout: timeout,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.ID)
			return nil
		},
	}
	cmd.Flags().StringP("cron", "c", "", "cron schedule (5 fields, or 6 with leading seconds)")
	cmd.Flags().String("timeout", "", "kill the command after this duration (e.g. 90s, 5m)")
	_ = cmd.MarkFlagRequired("cron")
	// The first positional argument ends flag parsing so the scheduled
	// command keeps its own flags without needing "--".
	cmd.Flags().SetInterspersed(false)
	return cmd
}

func deleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete -i <id>",
		Short: "Remove a job from the running daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, _ := cmd.Flags().GetString("id")
			// Malformed ids fail here, before any daemon round-trip.
			if _, err := uuid.Parse(id); err != nil {
				return fmt.Errorf("invalid job id %q: %w", id, err)
			}

			client, err := dial(cmd)
			if err != nil {
				return err
			}
			resp, err := client.Delete(cmd.Context(), id)
			if err != nil {
				return err
			}
			if resp.Found {
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", id)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "no job with id %s\n", id)
			}
			return nil
		},
	}
	cmd.Flags().StringP("id", "i", "", "job id as printed by add or list")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func listCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := dial(cmd)
			if err != nil {
				return err
			}
			resp, err := client.List(cmd.Context())
			if err != nil {
				return err
			}

			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(resp.Jobs)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSCHEDULE\tCOMMAND\tLAST FIRE\tNEXT FIRE\tLAST RESULT\tRUNNING")
			for _, j := range resp.Jobs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%v\n",
					j.ID,
					j.Cron,
					commandLine(j),
					fmtTime(j.LastFire),
					fmtTime(j.NextFire),
					fmtOutcome(j.LastOutcome),
					j.Running,
				)
			}
			return w.Flush()
		},
	}
	cmd.Flags().Bool("json", false, "print the raw job list as JSON")
	return cmd
}

// commandLine renders a job's command and arguments as one shell-like string.
func commandLine(j protocol.JobInfo) string {
	if len(j.Args) == 0 {
		return j.Command
	}
	return j.Command + " " + strings.Join(j.Args, " ")
}

// fmtTime renders an optional timestamp in local time, "-" when absent.
func fmtTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

// fmtOutcome summarises a job's last execution for the table view.
func fmtOutcome(o *protocol.Outcome) string {
	switch {
	case o == nil:
		return "-"
	case o.Status == "succeeded":
		return "succeeded"
	case o.Status == "timeout":
		return "timeout"
	case o.ExitCode >= 0:
		return fmt.Sprintf("failed (exit %d)", o.ExitCode)
	default:
		return "failed"
	}
}
