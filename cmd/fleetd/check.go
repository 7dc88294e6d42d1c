package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/botfleet/logging"
	"github.com/vinayprograms/botfleet/probe"
	"github.com/vinayprograms/botfleet/telemetry"
)

func newCheckCmd(load func() (*app, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "check <token>",
		Short: "Probe one bot token and print its classification",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load()
			if err != nil {
				return &exitError{Code: 2, Err: err}
			}
			defer a.Close()

			res := a.newProbe(telemetry.GetTracer()).Check(cmd.Context(), args[0])
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "token:    %s\n", logging.Redact(args[0]))
			fmt.Fprintf(out, "health:   %s\n", res.Health)
			fmt.Fprintf(out, "attempts: %d\n", res.Attempts)
			if res.Health == probe.Healthy {
				fmt.Fprintf(out, "identity: @%s\n", res.Identity)
				return nil
			}
			if res.Err != nil {
				fmt.Fprintf(out, "reason:   %v\n", res.Err)
			}
			return &exitError{Code: 1}
		},
	}
}
