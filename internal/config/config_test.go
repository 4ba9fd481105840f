package config

import (
	"bytes"
	"errors"
	"flag"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"edgerelay/internal/logging"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PollInterval != 5*time.Second {
		t.Fatalf("expected default poll interval 5s, got %s", cfg.PollInterval)
	}
	if cfg.AckGrace != 5*time.Second || !cfg.AutoRequest {
		t.Fatalf("unexpected protocol defaults %+v", cfg)
	}
	if cfg.Sources["relay.poll-interval"] != SourceDefault {
		t.Fatalf("expected default source, got %q", cfg.Sources["relay.poll-interval"])
	}
	if cfg.LogLevel != logging.LevelInfo {
		t.Fatalf("expected info level, got %q", cfg.LogLevel)
	}
}

func TestLoadPrecedenceFileEnvFlag(t *testing.T) {
	path := writeFile(t, "edgerelay.toml", `
listen = ":4000"
endpoint = "https://relay.example"

[relay]
poll-interval = "2s"
outbound-queue-size = 10

[store]
uri = "memory://"
`)
	t.Setenv("EDGERELAY_RELAY_POLL_INTERVAL", "3s")
	t.Setenv("EDGERELAY_LISTEN", ":5000")

	cfg, err := Load([]string{"--config", path, "--listen", ":6000"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Listen != ":6000" || cfg.Sources["listen"] != SourceFlag {
		t.Fatalf("expected flag listen, got %q (%s)", cfg.Listen, cfg.Sources["listen"])
	}
	if cfg.PollInterval != 3*time.Second || cfg.Sources["relay.poll-interval"] != SourceEnv {
		t.Fatalf("expected env poll interval, got %s (%s)", cfg.PollInterval, cfg.Sources["relay.poll-interval"])
	}
	if cfg.OutboundQueueSize != 10 || cfg.Sources["relay.outbound-queue-size"] != SourceFile {
		t.Fatalf("expected file queue size, got %d", cfg.OutboundQueueSize)
	}
	if cfg.Endpoint != "https://relay.example" || cfg.StoreURI != "memory://" {
		t.Fatalf("unexpected file values %+v", cfg)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	path := writeFile(t, "edgerelay.yaml", `
connection:
  ack_grace: 0
mediation:
  auto-request: false
relay:
  forward-max-attempts: 4
admin:
  rate-limit: 2.5
`)
	cfg, err := Load([]string{"--config=" + path})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AckGrace != 0 {
		t.Fatalf("expected strict ack grace, got %s", cfg.AckGrace)
	}
	if cfg.AutoRequest {
		t.Fatalf("expected auto request disabled")
	}
	if cfg.ForwardMaxAttempts != 4 || cfg.RateLimit != 2.5 {
		t.Fatalf("unexpected yaml values %+v", cfg)
	}
}

func TestLoadBooleanFlagsAndVerbose(t *testing.T) {
	cfg, err := Load([]string{"--otel.enabled", "--verbose"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.OTelEnabled {
		t.Fatalf("expected otel enabled")
	}
	if cfg.LogLevel != logging.LevelDebug {
		t.Fatalf("expected debug level, got %q", cfg.LogLevel)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := [][]string{
		{"--relay.poll-interval", "soon"},
		{"--relay.outbound-queue-size", "0"},
		{"--relay.backoff-min", "10s", "--relay.backoff-max", "1s"},
		{"--log-level", "loud"},
		{"stray"},
	}
	for _, args := range cases {
		if _, err := Load(args); err == nil {
			t.Fatalf("expected error for %v", args)
		}
	}
	_, err := Load([]string{"--connection.ack-grace", "-1s"})
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestLoadHelpReturnsErrHelp(t *testing.T) {
	stdout := os.Stdout
	devnull, err := os.Open(os.DevNull)
	if err == nil {
		os.Stdout = devnull
		defer func() {
			os.Stdout = stdout
			devnull.Close()
		}()
	}
	if _, err := Load([]string{"--help"}); !errors.Is(err, flag.ErrHelp) {
		t.Fatalf("expected flag.ErrHelp, got %v", err)
	}
}

func TestParseDuration(t *testing.T) {
	cases := map[string]time.Duration{
		"1.5":   1500 * time.Millisecond,
		"30":    30 * time.Second,
		"250ms": 250 * time.Millisecond,
		"0":     0,
	}
	for input, want := range cases {
		got, err := ParseDuration(input)
		if err != nil || got != want {
			t.Fatalf("ParseDuration(%q) = %s, %v", input, got, err)
		}
	}
}

func TestReloadLogLevelRespectsPinnedSources(t *testing.T) {
	path := writeFile(t, "edgerelay.toml", "log-level = \"warning\"\n")
	cfg, err := Load([]string{"--config", path})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := os.WriteFile(path, []byte("log-level = \"debug\"\n"), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	level, ok, err := cfg.ReloadLogLevel()
	if err != nil || !ok || level != logging.LevelDebug {
		t.Fatalf("expected reload to debug, got %q %v %v", level, ok, err)
	}

	pinned, err := Load([]string{"--config", path, "--log-level", "error"})
	if err != nil {
		t.Fatalf("load pinned: %v", err)
	}
	if _, ok, _ := pinned.ReloadLogLevel(); ok {
		t.Fatalf("expected flag-pinned level to ignore reload")
	}
}

func TestLogStartupFlagsMasksSecrets(t *testing.T) {
	var out bytes.Buffer
	logger := logging.NewLoggerWithOutput(logging.NewLogBuffer(10), logging.LevelDebug, io.Discard)
	cfg, err := Load([]string{"--admin-token", "s3cret", "--listen", ":9000"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	LogStartupFlags(logger, cfg)
	entries := logger.Buffer().List()
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	flags := entries[0].Context["flags"]
	if strings.Contains(flags, "s3cret") || !strings.Contains(flags, "--admin-token [set]") {
		t.Fatalf("expected masked token, got %q", flags)
	}
	if !strings.Contains(flags, "--listen :9000") {
		t.Fatalf("expected listen flag, got %q", flags)
	}
	printHelp(&out, defaultConfigValues())
	if !strings.Contains(out.String(), "EDGERELAY_RELAY_POLL_INTERVAL") {
		t.Fatalf("expected env names in help output")
	}
}

func TestLoadReportsUnknownFileKeys(t *testing.T) {
	path := writeFile(t, "edgerelay.toml", `
[relay]
poll_interval = "2s"
pol-interval = "9s"

[mediatr]
invitation = "x"
`)
	cfg, err := Load([]string{"--config", path})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PollInterval != 2*time.Second {
		t.Fatalf("expected poll interval 2s, got %s", cfg.PollInterval)
	}
	if strings.Join(cfg.UnknownKeys, ",") != "mediatr.invitation,relay.pol-interval" {
		t.Fatalf("unexpected unknown keys %v", cfg.UnknownKeys)
	}

	logger := logging.NewLoggerWithOutput(logging.NewLogBuffer(10), logging.LevelDebug, io.Discard)
	LogStartupFlags(logger, cfg)
	entries := logger.Buffer().List()
	if len(entries) != 1 || entries[0].Level != logging.LevelWarning {
		t.Fatalf("expected one warning, got %+v", entries)
	}
}
