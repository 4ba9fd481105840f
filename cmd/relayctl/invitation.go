package main

import (
	"fmt"

	"edgerelay/internal/client"

	"github.com/spf13/cobra"
)

func newInvitationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invitation",
		Short: "Issue or accept connection invitations",
	}
	cmd.AddCommand(newInvitationCreateCmd())
	cmd.AddCommand(newInvitationReceiveCmd())
	return cmd
}

func newInvitationCreateCmd() *cobra.Command {
	var outputJSON bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create the invitation the local agent connects with",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t := targetFromCmd(cmd)
			invitation, err := client.IssueInvitation(cmd.Context(), t.client, t.baseURL, t.token)
			if err != nil {
				return err
			}
			if outputJSON {
				return writeJSON(cmd.OutOrStdout(), invitation)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "connection_id: %s\n", invitation.ConnectionID)
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), invitation.InvitationURL)
			return nil
		},
	}
	cmd.Flags().BoolVar(&outputJSON, "json", false, "Print as JSON")
	return cmd
}

func newInvitationReceiveCmd() *cobra.Command {
	var outputJSON bool
	cmd := &cobra.Command{
		Use:   "receive <invitation-url>",
		Short: "Connect the relay to an external mediator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t := targetFromCmd(cmd)
			conn, err := client.ReceiveInvitation(cmd.Context(), t.client, t.baseURL, t.token, args[0])
			if err != nil {
				return err
			}
			if outputJSON {
				return writeJSON(cmd.OutOrStdout(), conn)
			}
			writeConnections(cmd.OutOrStdout(), []client.Connection{conn})
			return nil
		},
	}
	cmd.Flags().BoolVar(&outputJSON, "json", false, "Print as JSON")
	return cmd
}
