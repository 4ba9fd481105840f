package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"edgerelay/internal/config/tomlkeys"
	"edgerelay/internal/logging"
)

const envPrefix = "EDGERELAY_"

type Source string

const (
	SourceDefault Source = "default"
	SourceFile    Source = "file"
	SourceEnv     Source = "env"
	SourceFlag    Source = "flag"
)

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	ConfigPath string

	Listen     string
	Endpoint   string
	AdminToken string
	RateLimit  float64

	StoreURI string
	StoreKey string

	PollInterval       time.Duration
	ConnectTimeout     time.Duration
	StallTimeout       time.Duration
	BackoffMin         time.Duration
	BackoffMax         time.Duration
	OutboundQueueSize  int
	ForwardQueueSize   int
	ForwardMaxAttempts int

	AckGrace           time.Duration
	AutoRequest        bool
	MediatorInvitation string

	LogLevel     logging.Level
	OTelEnabled  bool
	OTelEndpoint string

	Verbose     bool
	Quiet       bool
	ShowVersion bool

	Sources map[string]Source
	// UnknownKeys are config file keys no option reads.
	UnknownKeys []string
}

type configDefaults struct {
	Listen             string
	Endpoint           string
	RateLimit          float64
	StoreURI           string
	PollInterval       time.Duration
	ConnectTimeout     time.Duration
	StallTimeout       time.Duration
	BackoffMin         time.Duration
	BackoffMax         time.Duration
	OutboundQueueSize  int
	ForwardQueueSize   int
	ForwardMaxAttempts int
	AckGrace           time.Duration
	AutoRequest        bool
	LogLevel           logging.Level
	OTelEndpoint       string
}

func defaultConfigValues() configDefaults {
	return configDefaults{
		Listen:             ":3000",
		Endpoint:           "http://localhost:3000",
		RateLimit:          20,
		StoreURI:           "sqlite://edgerelay.db",
		PollInterval:       5 * time.Second,
		ConnectTimeout:     10 * time.Second,
		StallTimeout:       30 * time.Second,
		BackoffMin:         time.Second,
		BackoffMax:         time.Minute,
		OutboundQueueSize:  1000,
		ForwardQueueSize:   1000,
		ForwardMaxAttempts: 0,
		AckGrace:           5 * time.Second,
		AutoRequest:        true,
		LogLevel:           logging.LevelInfo,
		OTelEndpoint:       "127.0.0.1:4318",
	}
}

// Load resolves configuration from defaults, the config file, EDGERELAY_*
// environment variables and flags, later layers winning.
func Load(args []string) (Config, error) {
	defaults := defaultConfigValues()
	flags, err := parseFlags(args, defaults)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Sources:     make(map[string]Source),
		Verbose:     flags.bool("verbose"),
		Quiet:       flags.bool("quiet"),
		ShowVersion: flags.bool("version"),
	}

	path, pathSource := flags.lookup("config")
	if pathSource == SourceDefault {
		if raw, ok := os.LookupEnv(envName("config")); ok {
			path, pathSource = raw, SourceEnv
		}
	}
	cfg.ConfigPath = strings.TrimSpace(path)
	cfg.Sources["config"] = pathSource

	file := tomlkeys.Store{}
	if cfg.ConfigPath != "" {
		file, err = ReadFile(cfg.ConfigPath)
		if err != nil {
			return Config{}, err
		}
	}
	r := resolver{file: file, flags: flags, sources: cfg.Sources}

	cfg.Listen = r.str("listen", defaults.Listen)
	cfg.Endpoint = r.str("endpoint", defaults.Endpoint)
	cfg.AdminToken = r.str("admin-token", "")
	cfg.RateLimit = r.float("admin.rate-limit", defaults.RateLimit)
	cfg.StoreURI = r.str("store.uri", defaults.StoreURI)
	cfg.StoreKey = r.str("store.key", "")
	cfg.PollInterval = r.duration("relay.poll-interval", defaults.PollInterval)
	cfg.ConnectTimeout = r.duration("relay.connect-timeout", defaults.ConnectTimeout)
	cfg.StallTimeout = r.duration("relay.stall-timeout", defaults.StallTimeout)
	cfg.BackoffMin = r.duration("relay.backoff-min", defaults.BackoffMin)
	cfg.BackoffMax = r.duration("relay.backoff-max", defaults.BackoffMax)
	cfg.OutboundQueueSize = r.int("relay.outbound-queue-size", defaults.OutboundQueueSize)
	cfg.ForwardQueueSize = r.int("relay.forward-queue-size", defaults.ForwardQueueSize)
	cfg.ForwardMaxAttempts = r.int("relay.forward-max-attempts", defaults.ForwardMaxAttempts)
	cfg.AckGrace = r.duration("connection.ack-grace", defaults.AckGrace)
	cfg.AutoRequest = r.bool("mediation.auto-request", defaults.AutoRequest)
	cfg.MediatorInvitation = r.str("mediator.invitation", "")
	cfg.OTelEnabled = r.bool("otel.enabled", false)
	cfg.OTelEndpoint = r.str("otel.endpoint", defaults.OTelEndpoint)

	rawLevel := r.str("log-level", string(defaults.LogLevel))
	level, ok := logging.ParseLevel(rawLevel)
	if !ok {
		r.fail("log-level", fmt.Errorf("unknown level %q", rawLevel))
	}
	switch {
	case cfg.Verbose:
		level = logging.LevelDebug
		cfg.Sources["log-level"] = SourceFlag
	case cfg.Quiet:
		level = logging.LevelWarning
		cfg.Sources["log-level"] = SourceFlag
	}
	cfg.LogLevel = level

	if r.err != nil {
		return Config{}, r.err
	}
	cfg.UnknownKeys = file.Unknown(func(key string) bool {
		_, known := cfg.Sources[key]
		return known
	})
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var problems []error
	if strings.TrimSpace(c.Listen) == "" {
		problems = append(problems, fmt.Errorf("listen: value cannot be empty"))
	}
	if strings.TrimSpace(c.StoreURI) == "" {
		problems = append(problems, fmt.Errorf("store.uri: value cannot be empty"))
	}
	if c.PollInterval <= 0 {
		problems = append(problems, fmt.Errorf("relay.poll-interval: must be > 0"))
	}
	if c.ConnectTimeout <= 0 {
		problems = append(problems, fmt.Errorf("relay.connect-timeout: must be > 0"))
	}
	if c.StallTimeout < 0 {
		problems = append(problems, fmt.Errorf("relay.stall-timeout: must be >= 0"))
	}
	if c.BackoffMin <= 0 || c.BackoffMax < c.BackoffMin {
		problems = append(problems, fmt.Errorf("relay.backoff-min/max: need 0 < min <= max"))
	}
	if c.OutboundQueueSize <= 0 {
		problems = append(problems, fmt.Errorf("relay.outbound-queue-size: must be > 0"))
	}
	if c.ForwardQueueSize <= 0 {
		problems = append(problems, fmt.Errorf("relay.forward-queue-size: must be > 0"))
	}
	if c.ForwardMaxAttempts < 0 {
		problems = append(problems, fmt.Errorf("relay.forward-max-attempts: must be >= 0"))
	}
	if c.AckGrace < 0 {
		problems = append(problems, fmt.Errorf("connection.ack-grace: must be >= 0"))
	}
	if c.RateLimit < 0 {
		problems = append(problems, fmt.Errorf("admin.rate-limit: must be >= 0"))
	}
	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(problems...))
}

type resolver struct {
	file    tomlkeys.Store
	flags   flagValues
	sources map[string]Source
	err     error
}

// lookup returns the raw value for key from the highest layer that sets it.
func (r *resolver) lookup(key string) (string, Source) {
	if value, source := r.flags.lookup(key); source == SourceFlag {
		return value, source
	}
	if value, ok := os.LookupEnv(envName(key)); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value), SourceEnv
	}
	if value, ok := r.file.Lookup(key); ok {
		return value, SourceFile
	}
	return "", SourceDefault
}

func (r *resolver) fail(key string, err error) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: %s (%s): %w", ErrInvalid, key, r.sources[key], err)
	}
}

func (r *resolver) str(key, fallback string) string {
	raw, source := r.lookup(key)
	r.sources[key] = source
	if source == SourceDefault {
		return fallback
	}
	return strings.TrimSpace(raw)
}

func (r *resolver) int(key string, fallback int) int {
	raw, source := r.lookup(key)
	r.sources[key] = source
	if source == SourceDefault {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		r.fail(key, err)
		return fallback
	}
	return parsed
}

func (r *resolver) float(key string, fallback float64) float64 {
	raw, source := r.lookup(key)
	r.sources[key] = source
	if source == SourceDefault {
		return fallback
	}
	parsed, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		r.fail(key, err)
		return fallback
	}
	return parsed
}

func (r *resolver) bool(key string, fallback bool) bool {
	raw, source := r.lookup(key)
	r.sources[key] = source
	if source == SourceDefault {
		return fallback
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		r.fail(key, err)
		return fallback
	}
	return parsed
}

func (r *resolver) duration(key string, fallback time.Duration) time.Duration {
	raw, source := r.lookup(key)
	r.sources[key] = source
	if source == SourceDefault {
		return fallback
	}
	parsed, err := ParseDuration(raw)
	if err != nil {
		r.fail(key, err)
		return fallback
	}
	return parsed
}

// ParseDuration accepts Go duration strings and bare numbers, which are
// read as seconds.
func ParseDuration(raw string) (time.Duration, error) {
	trimmed := strings.TrimSpace(raw)
	if seconds, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return time.Duration(seconds * float64(time.Second)), nil
	}
	return time.ParseDuration(trimmed)
}

func envName(key string) string {
	replacer := strings.NewReplacer(".", "_", "-", "_")
	return envPrefix + strings.ToUpper(replacer.Replace(key))
}

type flagValue struct {
	value   string
	set     bool
	boolean bool
}

func (f *flagValue) String() string {
	if f == nil {
		return ""
	}
	return f.value
}

func (f *flagValue) Set(value string) error {
	f.value = value
	f.set = true
	return nil
}

func (f *flagValue) IsBoolFlag() bool {
	return f.boolean
}

type flagValues struct {
	values map[string]*flagValue
}

func (f flagValues) lookup(key string) (string, Source) {
	value, ok := f.values[key]
	if !ok || !value.set {
		return "", SourceDefault
	}
	return value.value, SourceFlag
}

func (f flagValues) bool(key string) bool {
	raw, source := f.lookup(key)
	if source != SourceFlag {
		return false
	}
	parsed, _ := strconv.ParseBool(raw)
	return parsed
}

type flagSpec struct {
	name    string
	arg     string
	desc    string
	boolean bool
}

type flagGroup struct {
	title string
	flags []flagSpec
}

func flagGroups(defaults configDefaults) []flagGroup {
	return []flagGroup{
		{title: "Server", flags: []flagSpec{
			{name: "listen", arg: "ADDR", desc: fmt.Sprintf("Listen address for DIDComm and admin HTTP (default: %s)", defaults.Listen)},
			{name: "endpoint", arg: "URL", desc: fmt.Sprintf("Public endpoint advertised in invitations (default: %s)", defaults.Endpoint)},
			{name: "admin-token", arg: "TOKEN", desc: "Bearer token required on admin routes (default: none)"},
			{name: "admin.rate-limit", arg: "N", desc: fmt.Sprintf("Admin requests per second, 0 disables (default: %g)", defaults.RateLimit)},
		}},
		{title: "Store", flags: []flagSpec{
			{name: "store.uri", arg: "URI", desc: fmt.Sprintf("memory://, sqlite://PATH or postgres://... (default: %s)", defaults.StoreURI)},
			{name: "store.key", arg: "SECRET", desc: "Passphrase protecting stored keys (default: none)"},
		}},
		{title: "Relay", flags: []flagSpec{
			{name: "relay.poll-interval", arg: "DUR", desc: fmt.Sprintf("Liveness probe interval (default: %s)", defaults.PollInterval)},
			{name: "relay.connect-timeout", arg: "DUR", desc: fmt.Sprintf("Per-attempt dial timeout (default: %s)", defaults.ConnectTimeout)},
			{name: "relay.stall-timeout", arg: "DUR", desc: fmt.Sprintf("Reconnect after this long without liveness, 0 disables (default: %s)", defaults.StallTimeout)},
			{name: "relay.backoff-min", arg: "DUR", desc: fmt.Sprintf("Reconnect backoff floor (default: %s)", defaults.BackoffMin)},
			{name: "relay.backoff-max", arg: "DUR", desc: fmt.Sprintf("Reconnect backoff cap (default: %s)", defaults.BackoffMax)},
			{name: "relay.outbound-queue-size", arg: "N", desc: fmt.Sprintf("Outbound messages held while disconnected (default: %d)", defaults.OutboundQueueSize)},
			{name: "relay.forward-queue-size", arg: "N", desc: fmt.Sprintf("Undelivered forwards after which the mediator is no longer polled (default: %d)", defaults.ForwardQueueSize)},
			{name: "relay.forward-max-attempts", arg: "N", desc: "Delivery attempts per forwarded message, 0 is unlimited (default: 0)"},
		}},
		{title: "Protocol", flags: []flagSpec{
			{name: "connection.ack-grace", arg: "DUR", desc: fmt.Sprintf("Promote responded connections after this long without ack, 0 never (default: %s)", defaults.AckGrace)},
			{name: "mediation.auto-request", boolean: true, desc: fmt.Sprintf("Request mediation once the mediator connection is active (default: %t)", defaults.AutoRequest)},
			{name: "mediator.invitation", arg: "URL", desc: "Mediator invitation to accept at startup (default: none)"},
		}},
		{title: "Telemetry", flags: []flagSpec{
			{name: "otel.enabled", boolean: true, desc: "Export traces, metrics and logs over OTLP/HTTP (default: false)"},
			{name: "otel.endpoint", arg: "HOST:PORT", desc: fmt.Sprintf("OTLP/HTTP collector endpoint (default: %s)", defaults.OTelEndpoint)},
		}},
		{title: "Common", flags: []flagSpec{
			{name: "config", arg: "PATH", desc: "Config file, .toml or .yaml"},
			{name: "log-level", arg: "LEVEL", desc: fmt.Sprintf("debug, info, warning or error (default: %s)", defaults.LogLevel)},
			{name: "verbose", boolean: true, desc: "Enable verbose logging"},
			{name: "quiet", boolean: true, desc: "Reduce logging to warnings"},
			{name: "help", boolean: true, desc: "Show this help message"},
			{name: "version", boolean: true, desc: "Print version and exit"},
		}},
	}
}

func parseFlags(args []string, defaults configDefaults) (flagValues, error) {
	fs := flag.NewFlagSet("edgerelay", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	values := flagValues{values: make(map[string]*flagValue)}
	for _, group := range flagGroups(defaults) {
		for _, def := range group.flags {
			value := &flagValue{boolean: def.boolean}
			values.values[def.name] = value
			fs.Var(value, def.name, def.desc)
		}
	}
	fs.Var(values.values["help"], "h", "Show help")
	fs.Var(values.values["version"], "v", "Print version and exit")
	fs.Usage = func() {
		printHelp(fs.Output(), defaults)
	}

	if err := fs.Parse(args); err != nil {
		return flagValues{}, err
	}
	if fs.NArg() > 0 {
		return flagValues{}, fmt.Errorf("unexpected argument %q", fs.Arg(0))
	}

	if values.bool("help") {
		fs.SetOutput(os.Stdout)
		fs.Usage()
		return values, flag.ErrHelp
	}
	return values, nil
}

func printHelp(out io.Writer, defaults configDefaults) {
	fmt.Fprintln(out, "Usage: edgerelay [options]")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Edge relay between a DIDComm mediator and a private agent")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Options:")
	for _, group := range flagGroups(defaults) {
		fmt.Fprintf(out, "  %s:\n", group.title)
		for _, def := range group.flags {
			name := "--" + def.name
			if def.arg != "" {
				name += " " + def.arg
			}
			desc := def.desc
			if def.name != "help" && def.name != "version" && def.name != "verbose" && def.name != "quiet" {
				desc = fmt.Sprintf("%s [env: %s]", desc, envName(def.name))
			}
			fmt.Fprintf(out, "    %-34s %s\n", name, desc)
		}
		fmt.Fprintln(out, "")
	}
	fmt.Fprintln(out, "Precedence: defaults < config file < environment < flags.")
}
