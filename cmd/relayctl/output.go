package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"edgerelay/internal/client"
)

func writeJSON(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func writeConnections(w io.Writer, conns []client.Connection) {
	for _, conn := range conns {
		line := fmt.Sprintf("%s  %-8s  %-9s  %s", conn.ConnectionID, conn.Peer, conn.Role, conn.State)
		if conn.TheirLabel != "" {
			line += "  label=" + conn.TheirLabel
		}
		if conn.Error != "" {
			line += "  error=" + conn.Error
		}
		_, _ = fmt.Fprintln(w, line)
	}
}

func writeMediations(w io.Writer, records []client.Mediation) {
	for _, record := range records {
		line := fmt.Sprintf("%s  %-7s  %-8s  connection=%s", record.MediationID, record.Role, record.State, record.ConnectionID)
		if record.Endpoint != "" {
			line += "  endpoint=" + record.Endpoint
		}
		if len(record.RoutingKeys) > 0 {
			line += "  routing_keys=" + strings.Join(record.RoutingKeys, ",")
		}
		if record.Error != "" {
			line += "  error=" + record.Error
		}
		_, _ = fmt.Fprintln(w, line)
	}
}
