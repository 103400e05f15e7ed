package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/seantiz/probe/internal/api"
	"github.com/seantiz/probe/internal/backend"
	"github.com/seantiz/probe/internal/backend/audit"
	"github.com/seantiz/probe/internal/backend/browser"
	"github.com/seantiz/probe/internal/backend/generic"
	"github.com/seantiz/probe/internal/backend/load"
	"github.com/seantiz/probe/internal/config"
	"github.com/seantiz/probe/internal/model"
	"github.com/seantiz/probe/internal/orchestrator"
	"github.com/seantiz/probe/internal/publish"
	"github.com/seantiz/probe/internal/registry"
	"github.com/seantiz/probe/internal/store"
)

const drainTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("probe: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"max_active_runs", cfg.MaxActiveRuns,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	engines, err := newEngines(cfg, logger)
	if err != nil {
		log.Fatalf("failed to configure engines: %v", err)
	}

	sinks := []publish.Sink{db}
	if cfg.NATSURL != "" {
		ns, err := publish.NewNATSSink(cfg.NATSURL, cfg.ResultSubject)
		if err != nil {
			log.Fatalf("failed to connect result bus: %v", err)
		}
		defer ns.Close()
		sinks = append(sinks, ns)
	}
	if cfg.RedisURL != "" {
		rs, err := publish.NewRedisSink(cfg.RedisURL, cfg.ResultSubject)
		if err != nil {
			log.Fatalf("failed to configure redis: %v", err)
		}
		defer rs.Close()
		sinks = append(sinks, rs)
	}
	fanout := publish.NewFanout(logger, sinks...)
	logger.Info("result sinks configured", "sinks", fanout.Names())

	orch := orchestrator.New(orchestrator.Config{
		PollInterval:       cfg.PollInterval,
		PollTimeout:        cfg.PollTimeout,
		MaxRunDuration:     cfg.MaxRunDuration,
		CancelTimeout:      cfg.CancelTimeout,
		PollErrorThreshold: cfg.PollErrorThreshold,
		ReconcileInterval:  cfg.ReconcileInterval,
		TerminalRetention:  cfg.TerminalRetention,
	}, registry.New(cfg.MaxActiveRuns), engines, fanout, logger)
	orch.Start()

	srv := api.NewServer(cfg.ListenAddr, orch, db, logger)
	runErr := srv.Run(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := orch.Shutdown(ctx); err != nil {
		logger.Error("orchestrator did not drain", "error", err)
	}
	if runErr != nil {
		log.Fatalf("server error: %v", runErr)
	}
}

// newEngines registers an adapter for every engine with a configured
// endpoint.
func newEngines(cfg config.Config, logger *slog.Logger) (*backend.Registry, error) {
	reg := backend.NewRegistry()
	httpClient := &http.Client{Timeout: cfg.PollTimeout + cfg.CancelTimeout}

	for _, kind := range model.EngineKinds {
		endpoint, ok := cfg.Endpoints[kind]
		if !ok || endpoint == "" {
			continue
		}

		var (
			b   backend.Backend
			err error
		)
		switch kind {
		case model.EngineLoad:
			b, err = load.NewBackend(endpoint, httpClient)
		case model.EngineAudit:
			b, err = audit.NewBackend(endpoint, httpClient)
		case model.EngineBrowser:
			b, err = browser.NewBackend(endpoint, httpClient)
		case model.EngineDefault:
			b, err = generic.NewBackend(endpoint, httpClient)
		}
		if err != nil {
			return nil, fmt.Errorf("%s engine: %w", kind, err)
		}

		reg.Register(kind, b)
		logger.Info("engine registered", "engine", kind, "adapter", b.Capabilities().Name, "endpoint", endpoint)
	}

	if len(reg.Kinds()) == 0 {
		logger.Warn("no engine endpoints configured; every submission will be rejected")
	}
	return reg, nil
}
