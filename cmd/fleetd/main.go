// Command fleetd runs the bot fleet coordinator: the main and referral
// supervisors and the dispatch relay.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

type exitError struct {
	Code int
	Err  error
}

func (e *exitError) Error() string {
	if e == nil || e.Err == nil {
		return "command failed"
	}
	return e.Err.Error()
}

func (e *exitError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var coded *exitError
		if errors.As(err, &coded) {
			if coded.Err != nil {
				_, _ = fmt.Fprintln(os.Stderr, coded.Err)
			}
			os.Exit(coded.Code)
		}
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "fleetd",
		Short:         "Supervise bot workers and relay dispatch requests",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("FLEET_CONFIG"), "path to the TOML config file")

	load := func() (*app, error) { return loadApp(configPath) }
	root.AddCommand(
		newRunCmd(load),
		newCheckCmd(load),
		newTokensCmd(load),
		newProvisionCmd(load),
	)
	return root
}
