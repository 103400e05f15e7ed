package browser

import (
	"encoding/json"
	"slices"
	"strings"

	"github.com/seantiz/probe/internal/backend"
)

// DefaultBrowser is used when a run does not name one.
const DefaultBrowser = "chromium"

// SupportedBrowsers lists the browser engines the runner can drive.
var SupportedBrowsers = []string{"chromium", "firefox", "webkit"}

// Config is the engine-specific configuration of a browser run.
type Config struct {
	Script  string `json:"script"`
	Browser string `json:"browser"`
}

func parseConfig(raw json.RawMessage) (Config, error) {
	var cfg Config
	if len(raw) == 0 {
		return cfg, &backend.ConfigError{Field: "config", Message: "script is required"}
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, &backend.ConfigError{Field: "config", Message: "must be a JSON object with a string script"}
	}
	if strings.TrimSpace(cfg.Script) == "" {
		return cfg, &backend.ConfigError{Field: "script", Message: "is required"}
	}
	if cfg.Browser == "" {
		cfg.Browser = DefaultBrowser
	}
	if !slices.Contains(SupportedBrowsers, cfg.Browser) {
		return cfg, &backend.ConfigError{Field: "browser", Message: "must be one of chromium, firefox, webkit"}
	}
	return cfg, nil
}
