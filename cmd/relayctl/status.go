package main

import (
	"bytes"
	"encoding/json"
	"fmt"

	"edgerelay/internal/client"
	"edgerelay/internal/version"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show relay status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t := targetFromCmd(cmd)
			status, err := client.FetchStatus(cmd.Context(), t.client, t.baseURL, t.token)
			if err != nil {
				return err
			}
			var pretty bytes.Buffer
			if err := json.Indent(&pretty, status, "", "  "); err != nil {
				return fmt.Errorf("format status: %w", err)
			}
			pretty.WriteByte('\n')
			_, err = cmd.OutOrStdout().Write(pretty.Bytes())
			return err
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print relayctl version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version.UserAgent())
			return err
		},
	}
}
