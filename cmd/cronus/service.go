package main

import (
	"fmt"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"
)

// program satisfies service.Interface for the control actions below. The
// installed unit executes `cronus run`, which carries its own lifecycle, so
// nothing happens in this process.
type program struct{}

func (program) Start(service.Service) error { return nil }
func (program) Stop(service.Service) error  { return nil }

// newService builds the system-service handle. An explicit --config path is
// baked into the installed unit's arguments.
func newService(cmd *cobra.Command) (service.Service, error) {
	args := []string{"run"}
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		args = append(args, "--config", path)
	}

	return service.New(program{}, &service.Config{
		Name:        "cronus",
		DisplayName: "cronus scheduling daemon",
		Description: "Runs scheduled commands from a durable cron-style job registry.",
		Arguments:   args,
	})
}

func serviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the system service registration",
	}
	cmd.AddCommand(
		serviceActionCmd("install", "Install cronus as a system service", service.Service.Install),
		serviceActionCmd("uninstall", "Remove the cronus system service", service.Service.Uninstall),
		serviceActionCmd("start", "Start the installed service", service.Service.Start),
		serviceActionCmd("stop", "Stop the installed service", service.Service.Stop),
		serviceStatusCmd(),
	)
	return cmd
}

func serviceActionCmd(name, short string, action func(service.Service) error) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := newService(cmd)
			if err != nil {
				return err
			}
			if err := action(svc); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "service %s: done\n", name)
			return nil
		},
	}
}

func serviceStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the installed service's state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := newService(cmd)
			if err != nil {
				return err
			}
			st, err := svc.Status()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			switch st {
			case service.StatusRunning:
				fmt.Fprintln(out, "service cronus: running")
			case service.StatusStopped:
				fmt.Fprintln(out, "service cronus: stopped")
			default:
				fmt.Fprintln(out, "service cronus: unknown")
			}
			return nil
		},
	}
}
