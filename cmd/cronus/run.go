package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/flemzord/cronus/internal/config"
	"github.com/flemzord/cronus/internal/control"
	"github.com/flemzord/cronus/internal/daemon"
)

// startupTimeout bounds how long `cronus start` waits for the detached
// daemon to answer on the control socket.
const startupTimeout = 10 * time.Second

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the daemon in the foreground",
		Long: "Run the scheduling daemon in the foreground. This is the entry " +
			"point systemd units and service wrappers execute; interactive use " +
			"normally goes through `cronus start`.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd)
		},
	}
}

func runDaemon(cmd *cobra.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := buildLogger(cfg)
	if err != nil {
		return err
	}
	return daemon.New(cfg, logger, version).Run(cmd.Context())
}

func startCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the daemon in the background",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if foreground, _ := cmd.Flags().GetBool("foreground"); foreground {
				return runDaemon(cmd)
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			client := control.NewClient(cfg.Socket)
			if st, err := client.Status(cmd.Context()); err == nil {
				return fmt.Errorf("daemon already running (pid %d, socket %s)", st.PID, cfg.Socket)
			}

			pid, err := spawnDaemon(cmd, cfg)
			if err != nil {
				return err
			}

			if err := awaitReady(cmd.Context(), client); err != nil {
				return fmt.Errorf("daemon did not come up (pid %d, log %s): %w", pid, cfg.LogPath(), err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cronus daemon started (pid %d)\n", pid)
			return nil
		},
	}
	cmd.Flags().Bool("foreground", false, "run in the foreground instead of detaching")
	return cmd
}

// spawnDaemon re-executes this binary as `cronus run` in its own session,
// with stdout and stderr appended to the daemon log.
func spawnDaemon(cmd *cobra.Command, cfg *config.Config) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("resolving executable: %w", err)
	}

	args := []string{"run"}
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		args = append(args, "--config", path)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return 0, fmt.Errorf("creating data dir: %w", err)
	}
	logFile, err := os.OpenFile(cfg.LogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return 0, fmt.Errorf("opening daemon log: %w", err)
	}
	defer logFile.Close()

	child := exec.Command(exe, args...)
	child.Stdout = logFile
	child.Stderr = logFile
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := child.Start(); err != nil {
		return 0, fmt.Errorf("spawning daemon: %w", err)
	}

	pid := child.Process.Pid
	_ = child.Process.Release()
	return pid, nil
}

// awaitReady polls the control channel until the daemon answers or the
// startup timeout passes.
func awaitReady(ctx context.Context, client *control.Client) error {
	deadline := time.Now().Add(startupTimeout)
	var lastErr error
	for time.Now().Before(deadline) {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		_, lastErr = client.Status(pingCtx)
		cancel()
		if lastErr == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return lastErr
}
