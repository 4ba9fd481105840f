package config

import (
	"fmt"
	"sort"
	"strings"

	"edgerelay/internal/logging"
	"edgerelay/internal/version"
)

var secretKeys = map[string]bool{
	"admin-token": true,
	"store.key":   true,
}

// LogStartupFlags logs the options that were set explicitly on the command
// line, masking secrets.
func LogStartupFlags(logger *logging.Logger, cfg Config) {
	if logger == nil || cfg.Sources == nil {
		return
	}
	if len(cfg.UnknownKeys) > 0 {
		logger.Warn("ignoring unknown config keys", map[string]string{
			"keys": strings.Join(cfg.UnknownKeys, ","),
		})
	}
	values := cfg.values()
	keys := make([]string, 0, len(cfg.Sources))
	for key, source := range cfg.Sources {
		if source == SourceFlag {
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		return
	}
	sort.Strings(keys)
	flags := make([]string, 0, len(keys))
	for _, key := range keys {
		value := values[key]
		switch {
		case secretKeys[key] && value != "":
			value = "[set]"
		case value == "":
			value = `""`
		}
		flags = append(flags, fmt.Sprintf("--%s %s", key, value))
	}
	logger.Debug("starting with flags", map[string]string{
		"flags": strings.Join(flags, " "),
	})
}

func LogVersionInfo(logger *logging.Logger) {
	if logger == nil {
		return
	}
	info := version.GetVersionInfo()
	message := fmt.Sprintf("edgerelay version %s", info.Version)
	var details []string
	if info.Built != "" {
		details = append(details, fmt.Sprintf("built %s", info.Built))
	}
	if info.GitCommit != "" {
		details = append(details, fmt.Sprintf("commit %s", info.GitCommit))
	}
	if len(details) > 0 {
		message = fmt.Sprintf("%s (%s)", message, strings.Join(details, ", "))
	}
	logger.Info(message, nil)
}

func (c Config) values() map[string]string {
	return map[string]string{
		"config":                     c.ConfigPath,
		"listen":                     c.Listen,
		"endpoint":                   c.Endpoint,
		"admin-token":                c.AdminToken,
		"admin.rate-limit":           fmt.Sprintf("%g", c.RateLimit),
		"store.uri":                  c.StoreURI,
		"store.key":                  c.StoreKey,
		"relay.poll-interval":        c.PollInterval.String(),
		"relay.connect-timeout":      c.ConnectTimeout.String(),
		"relay.stall-timeout":        c.StallTimeout.String(),
		"relay.backoff-min":          c.BackoffMin.String(),
		"relay.backoff-max":          c.BackoffMax.String(),
		"relay.outbound-queue-size":  fmt.Sprintf("%d", c.OutboundQueueSize),
		"relay.forward-queue-size":   fmt.Sprintf("%d", c.ForwardQueueSize),
		"relay.forward-max-attempts": fmt.Sprintf("%d", c.ForwardMaxAttempts),
		"connection.ack-grace":       c.AckGrace.String(),
		"mediation.auto-request":     fmt.Sprintf("%t", c.AutoRequest),
		"mediator.invitation":        c.MediatorInvitation,
		"log-level":                  string(c.LogLevel),
		"otel.enabled":               fmt.Sprintf("%t", c.OTelEnabled),
		"otel.endpoint":              c.OTelEndpoint,
	}
}
