package load

import (
	"encoding/json"
	"time"

	"github.com/seantiz/probe/internal/backend"
)

// MaxVUs caps the number of virtual users a single run may request.
const MaxVUs = 10000

// Config is the engine-specific configuration of a load run. Fields other
// than these are forwarded to the runner untouched.
type Config struct {
	VUs      int    `json:"vus"`
	Duration string `json:"duration"`
}

func parseConfig(raw json.RawMessage) (Config, error) {
	var cfg Config
	if len(raw) == 0 {
		return cfg, &backend.ConfigError{Field: "config", Message: "vus and duration are required"}
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, &backend.ConfigError{Field: "config", Message: "must be a JSON object with numeric vus and string duration"}
	}
	if cfg.VUs <= 0 {
		return cfg, &backend.ConfigError{Field: "vus", Message: "must be greater than zero"}
	}
	if cfg.VUs > MaxVUs {
		return cfg, &backend.ConfigError{Field: "vus", Message: "exceeds the per-run limit"}
	}
	if cfg.Duration == "" {
		return cfg, &backend.ConfigError{Field: "duration", Message: "is required"}
	}
	d, err := time.ParseDuration(cfg.Duration)
	if err != nil || d <= 0 {
		return cfg, &backend.ConfigError{Field: "duration", Message: "must be a positive duration such as 30s or 1m30s"}
	}
	return cfg, nil
}
