package audit

import (
	"encoding/json"
	"strings"

	"github.com/seantiz/probe/internal/backend"
)

// Config is the engine-specific configuration of an audit run.
type Config struct {
	Device     string   `json:"device"`
	Categories []string `json:"categories"`
}

func parseConfig(raw json.RawMessage) (Config, error) {
	var cfg Config
	if len(raw) == 0 {
		return cfg, &backend.ConfigError{Field: "config", Message: "device and categories are required"}
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, &backend.ConfigError{Field: "config", Message: "must be a JSON object with a string device and a list of categories"}
	}
	if strings.TrimSpace(cfg.Device) == "" {
		return cfg, &backend.ConfigError{Field: "device", Message: "is required"}
	}
	if len(cfg.Categories) == 0 {
		return cfg, &backend.ConfigError{Field: "categories", Message: "at least one category is required"}
	}
	for _, c := range cfg.Categories {
		if strings.TrimSpace(c) == "" {
			return cfg, &backend.ConfigError{Field: "categories", Message: "categories must not be empty"}
		}
	}
	return cfg, nil
}
