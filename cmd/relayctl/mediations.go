package main

import (
	"fmt"

	"edgerelay/internal/client"

	"github.com/spf13/cobra"
)

func newMediationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mediations",
		Short: "Inspect and request mediation",
	}
	cmd.AddCommand(newMediationsListCmd())
	cmd.AddCommand(newMediationsShowCmd())
	cmd.AddCommand(newMediationsRequestCmd())
	return cmd
}

func newMediationsListCmd() *cobra.Command {
	var outputJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List mediation records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t := targetFromCmd(cmd)
			records, err := client.ListMediations(cmd.Context(), t.client, t.baseURL, t.token)
			if err != nil {
				return err
			}
			if outputJSON {
				return writeJSON(cmd.OutOrStdout(), records)
			}
			if len(records) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "no mediations")
				return nil
			}
			writeMediations(cmd.OutOrStdout(), records)
			return nil
		},
	}
	cmd.Flags().BoolVar(&outputJSON, "json", false, "Print as JSON")
	return cmd
}

func newMediationsShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <mediation-id>",
		Short: "Show one mediation record as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t := targetFromCmd(cmd)
			record, err := client.GetMediation(cmd.Context(), t.client, t.baseURL, t.token, args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), record)
		},
	}
	return cmd
}

func newMediationsRequestCmd() *cobra.Command {
	var connectionID string
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Ask the external mediator for mediation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t := targetFromCmd(cmd)
			record, err := client.RequestMediation(cmd.Context(), t.client, t.baseURL, t.token, connectionID)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), record)
		},
	}
	cmd.Flags().StringVar(&connectionID, "connection-id", "", "Connection to request on (defaults to the mediator connection)")
	return cmd
}
