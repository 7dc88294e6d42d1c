package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/botfleet/backend"
	"github.com/vinayprograms/botfleet/logging"
	"github.com/vinayprograms/botfleet/telemetry"
)

func newProvisionCmd(load func() (*app, error)) *cobra.Command {
	var register bool
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Create one new main bot through the provisioning bridge",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := load()
			if err != nil {
				return &exitError{Code: 2, Err: err}
			}
			defer a.Close()

			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			b, err := a.openBus()
			if err != nil {
				return err
			}
			defer b.Close()

			var gw backend.Gateway
			if register {
				c, err := a.newGateway()
				if err != nil {
					return err
				}
				gw = c
			}

			tok, err := a.newProvisioner(b, store, gw, telemetry.GetTracer()).ProvisionMain(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "provisioned %s\n", logging.Redact(tok))
			return nil
		},
	}
	cmd.Flags().BoolVar(&register, "register", true, "register the new bot with the backend")
	return cmd
}
