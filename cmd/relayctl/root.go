package main

import (
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const defaultRelayURL = "http://localhost:3000"

type target struct {
	client  *http.Client
	baseURL string
	token   string
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "relayctl",
		Short:         "Operate an edgerelay through its admin API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().String("url", envOr("EDGERELAY_URL", defaultRelayURL), "Relay base URL")
	cmd.PersistentFlags().String("token", os.Getenv("EDGERELAY_ADMIN_TOKEN"), "Admin bearer token")
	cmd.PersistentFlags().Duration("timeout", 10*time.Second, "Request timeout")

	cmd.AddCommand(newInvitationCmd())
	cmd.AddCommand(newConnectionsCmd())
	cmd.AddCommand(newMediationsCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func targetFromCmd(cmd *cobra.Command) target {
	baseURL, _ := cmd.Flags().GetString("url")
	token, _ := cmd.Flags().GetString("token")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	return target{
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimSpace(baseURL),
		token:   token,
	}
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
