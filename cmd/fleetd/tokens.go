package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/botfleet/logging"
)

func newTokensCmd(load func() (*app, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tokens",
		Short: "Inspect and edit the main credential pool",
	}
	cmd.AddCommand(newTokensListCmd(load), newTokensAddCmd(load), newTokensRetireCmd(load))
	return cmd
}

func newTokensListCmd(load func() (*app, error)) *cobra.Command {
	var reveal bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List available and retired tokens",
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

			avail, err := store.ListAvailable(cmd.Context())
			if err != nil {
				return err
			}
			retired, err := store.ListUnavailable(cmd.Context())
			if err != nil {
				return err
			}
			show := logging.Redact
			if reveal {
				show = func(s string) string { return s }
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "available (%d):\n", len(avail))
			for _, t := range avail {
				fmt.Fprintf(out, "  %s\n", show(t))
			}
			fmt.Fprintf(out, "unavailable (%d):\n", len(retired))
			for _, t := range retired {
				fmt.Fprintf(out, "  %s\n", show(t))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&reveal, "reveal", false, "print full tokens")
	return cmd
}

func newTokensAddCmd(load func() (*app, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "add <token>...",
		Short: "Append tokens to the available pool",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
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

			for _, t := range args {
				if err := store.Append(cmd.Context(), t); err != nil {
					return fmt.Errorf("add %s: %w", logging.Redact(t), err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "added %s\n", logging.Redact(t))
			}
			return nil
		},
	}
}

func newTokensRetireCmd(load func() (*app, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "retire <token>...",
		Short: "Move tokens to the unavailable list",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
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

			for _, t := range args {
				if err := store.MarkUnavailable(cmd.Context(), t); err != nil {
					return fmt.Errorf("retire %s: %w", logging.Redact(t), err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "retired %s\n", logging.Redact(t))
			}
			return nil
		},
	}
}
