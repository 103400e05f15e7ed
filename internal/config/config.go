package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/seantiz/probe/internal/model"
)

const (
	defaultListenAddr         = ":8080"
	defaultDBPath             = "probe.db"
	defaultPollInterval       = time.Second
	defaultPollTimeout        = 5 * time.Second
	defaultMaxRunDuration     = 300 * time.Second
	defaultCancelTimeout      = 10 * time.Second
	defaultMaxActiveRuns      = 100
	defaultPollErrorThreshold = 5
	defaultReconcileInterval  = 15 * time.Second
	defaultTerminalRetention  = 10 * time.Minute
	defaultResultSubject      = "probe.runs.terminal"

	envConfigFile         = "PROBE_CONFIG_FILE"
	envListenAddr         = "PROBE_LISTEN_ADDR"
	envDBPath             = "PROBE_DB_PATH"
	envLogLevel           = "PROBE_LOG_LEVEL"
	envLoadEndpoint       = "PROBE_LOAD_ENDPOINT"
	envAuditEndpoint      = "PROBE_AUDIT_ENDPOINT"
	envBrowserEndpoint    = "PROBE_BROWSER_ENDPOINT"
	envDefaultEndpoint    = "PROBE_DEFAULT_ENDPOINT"
	envPollInterval       = "PROBE_POLL_INTERVAL"
	envPollTimeout        = "PROBE_POLL_TIMEOUT"
	envMaxRunDuration     = "PROBE_MAX_RUN_DURATION"
	envCancelTimeout      = "PROBE_CANCEL_TIMEOUT"
	envMaxActiveRuns      = "PROBE_MAX_ACTIVE_RUNS"
	envPollErrorThreshold = "PROBE_POLL_ERROR_THRESHOLD"
	envReconcileInterval  = "PROBE_RECONCILE_INTERVAL"
	envTerminalRetention  = "PROBE_TERMINAL_RETENTION"
	envNATSURL            = "PROBE_NATS_URL"
	envRedisURL           = "PROBE_REDIS_URL"
	envResultSubject      = "PROBE_RESULT_SUBJECT"
)

// endpointEnv maps each engine kind to the variable holding its endpoint.
var endpointEnv = map[model.EngineKind]string{
	model.EngineLoad:    envLoadEndpoint,
	model.EngineAudit:   envAuditEndpoint,
	model.EngineBrowser: envBrowserEndpoint,
	model.EngineDefault: envDefaultEndpoint,
}

// Config holds application configuration. Values come from defaults, then an
// optional YAML file named by PROBE_CONFIG_FILE, then environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	// Endpoints holds the base URL of each configured engine. Engines without
	// an endpoint are not registered.
	Endpoints map[model.EngineKind]string

	PollInterval       time.Duration
	PollTimeout        time.Duration
	MaxRunDuration     time.Duration
	CancelTimeout      time.Duration
	MaxActiveRuns      int
	PollErrorThreshold int
	ReconcileInterval  time.Duration
	TerminalRetention  time.Duration

	NATSURL       string
	RedisURL      string
	ResultSubject string
}

// fileConfig is the YAML shape of the config file.
type fileConfig struct {
	ListenAddr         string            `yaml:"listen_addr"`
	DBPath             string            `yaml:"db_path"`
	LogLevel           string            `yaml:"log_level"`
	Engines            map[string]string `yaml:"engines"`
	PollInterval       string            `yaml:"poll_interval"`
	PollTimeout        string            `yaml:"poll_timeout"`
	MaxRunDuration     string            `yaml:"max_run_duration"`
	CancelTimeout      string            `yaml:"cancel_timeout"`
	MaxActiveRuns      int               `yaml:"max_active_runs"`
	PollErrorThreshold int               `yaml:"poll_error_threshold"`
	ReconcileInterval  string            `yaml:"reconcile_interval"`
	TerminalRetention  string            `yaml:"terminal_retention"`
	NATSURL            string            `yaml:"nats_url"`
	RedisURL           string            `yaml:"redis_url"`
	ResultSubject      string            `yaml:"result_subject"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		ListenAddr:         defaultListenAddr,
		DBPath:             defaultDBPath,
		LogLevel:           slog.LevelInfo,
		Endpoints:          make(map[model.EngineKind]string),
		PollInterval:       defaultPollInterval,
		PollTimeout:        defaultPollTimeout,
		MaxRunDuration:     defaultMaxRunDuration,
		CancelTimeout:      defaultCancelTimeout,
		MaxActiveRuns:      defaultMaxActiveRuns,
		PollErrorThreshold: defaultPollErrorThreshold,
		ReconcileInterval:  defaultReconcileInterval,
		TerminalRetention:  defaultTerminalRetention,
		ResultSubject:      defaultResultSubject,
	}
}

// Load reads configuration from the optional config file and environment
// variables with sensible defaults. Malformed environment values are ignored
// in favor of the previous layer; a malformed config file is an error.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv(envConfigFile); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return Config{}, err
		}
	}
	cfg.applyEnv()

	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	data = []byte(os.ExpandEnv(string(data)))

	var fc fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if fc.ListenAddr != "" {
		c.ListenAddr = fc.ListenAddr
	}
	if fc.DBPath != "" {
		c.DBPath = fc.DBPath
	}
	if fc.LogLevel != "" {
		c.LogLevel = parseLogLevel(fc.LogLevel)
	}
	for name, endpoint := range fc.Engines {
		kind, ok := model.ParseEngineKind(name)
		if !ok || name == "" {
			return fmt.Errorf("config file %s: unknown engine %q", path, name)
		}
		c.Endpoints[kind] = endpoint
	}

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"poll_interval", fc.PollInterval, &c.PollInterval},
		{"poll_timeout", fc.PollTimeout, &c.PollTimeout},
		{"max_run_duration", fc.MaxRunDuration, &c.MaxRunDuration},
		{"cancel_timeout", fc.CancelTimeout, &c.CancelTimeout},
		{"reconcile_interval", fc.ReconcileInterval, &c.ReconcileInterval},
		{"terminal_retention", fc.TerminalRetention, &c.TerminalRetention},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil || v <= 0 {
			return fmt.Errorf("config file %s: %s must be a positive duration, got %q", path, d.name, d.raw)
		}
		*d.dst = v
	}

	if fc.MaxActiveRuns > 0 {
		c.MaxActiveRuns = fc.MaxActiveRuns
	}
	if fc.PollErrorThreshold > 0 {
		c.PollErrorThreshold = fc.PollErrorThreshold
	}
	if fc.NATSURL != "" {
		c.NATSURL = fc.NATSURL
	}
	if fc.RedisURL != "" {
		c.RedisURL = fc.RedisURL
	}
	if fc.ResultSubject != "" {
		c.ResultSubject = fc.ResultSubject
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(envListenAddr); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		c.LogLevel = parseLogLevel(v)
	}
	for kind, env := range endpointEnv {
		if v := os.Getenv(env); v != "" {
			c.Endpoints[kind] = v
		}
	}

	envDuration(envPollInterval, &c.PollInterval)
	envDuration(envPollTimeout, &c.PollTimeout)
	envDuration(envMaxRunDuration, &c.MaxRunDuration)
	envDuration(envCancelTimeout, &c.CancelTimeout)
	envDuration(envReconcileInterval, &c.ReconcileInterval)
	envDuration(envTerminalRetention, &c.TerminalRetention)
	envPositiveInt(envMaxActiveRuns, &c.MaxActiveRuns)
	envPositiveInt(envPollErrorThreshold, &c.PollErrorThreshold)

	if v := os.Getenv(envNATSURL); v != "" {
		c.NATSURL = v
	}
	if v := os.Getenv(envRedisURL); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv(envResultSubject); v != "" {
		c.ResultSubject = v
	}
}

func envDuration(key string, dst *time.Duration) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		*dst = d
	}
}

func envPositiveInt(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		*dst = n
	}
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
