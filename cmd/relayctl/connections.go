package main

import (
	"fmt"

	"edgerelay/internal/client"

	"github.com/spf13/cobra"
)

func newConnectionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connections",
		Short: "Inspect relay connections",
	}
	cmd.AddCommand(newConnectionsListCmd())
	cmd.AddCommand(newConnectionsShowCmd())
	return cmd
}

func newConnectionsListCmd() *cobra.Command {
	var outputJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List connections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t := targetFromCmd(cmd)
			conns, err := client.ListConnections(cmd.Context(), t.client, t.baseURL, t.token)
			if err != nil {
				return err
			}
			if outputJSON {
				return writeJSON(cmd.OutOrStdout(), conns)
			}
			if len(conns) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "no connections")
				return nil
			}
			writeConnections(cmd.OutOrStdout(), conns)
			return nil
		},
	}
	cmd.Flags().BoolVar(&outputJSON, "json", false, "Print as JSON")
	return cmd
}

func newConnectionsShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <connection-id>",
		Short: "Show one connection as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t := targetFromCmd(cmd)
			conn, err := client.GetConnection(cmd.Context(), t.client, t.baseURL, t.token, args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), conn)
		},
	}
	return cmd
}
