package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/breakwater-travel/intake-cli/internal/extract"
	"github.com/breakwater-travel/intake-cli/internal/ingest"
	"github.com/breakwater-travel/intake-cli/internal/queue"
	"github.com/breakwater-travel/intake-cli/internal/store"
	anthropicpkg "github.com/breakwater-travel/intake-cli/pkg/anthropic"
	"github.com/breakwater-travel/intake-cli/pkg/graph"
	"github.com/breakwater-travel/intake-cli/pkg/waapi"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "intake.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		if err := cfg.Validate("store"); err != nil {
			return nil, err
		}
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: int32(cfg.Store.MaxConns),
			MinConns: int32(cfg.Store.MinConns),
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func initEngine() (extract.Engine, error) {
	if err := cfg.Validate("extraction"); err != nil {
		return nil, err
	}

	pattern := extract.NewPatternEngine()
	switch cfg.Extraction.Mode {
	case "pattern":
		return pattern, nil
	case "llm":
		client := anthropicpkg.NewClient(cfg.Anthropic.Key)
		return extract.NewLLMEngine(client, cfg.Anthropic.Model), nil
	default: // combined
		client := anthropicpkg.NewClient(cfg.Anthropic.Key)
		llm := extract.NewLLMEngine(client, cfg.Anthropic.Model)
		return extract.NewCombinedEngine(pattern, llm), nil
	}
}

func initGraph() (graph.Client, error) {
	if err := cfg.Validate("graph"); err != nil {
		return nil, err
	}

	var opts []graph.Option
	if cfg.Graph.BaseURL != "" {
		opts = append(opts, graph.WithBaseURL(cfg.Graph.BaseURL))
	}
	if cfg.Graph.TokenURL != "" {
		opts = append(opts, graph.WithTokenURL(cfg.Graph.TokenURL))
	}
	if cfg.Graph.RateLimit > 0 {
		opts = append(opts, graph.WithRateLimit(cfg.Graph.RateLimit, int(cfg.Graph.RateLimit*2)))
	}

	creds := graph.Credentials{
		TenantID:     cfg.Graph.TenantID,
		ClientID:     cfg.Graph.ClientID,
		ClientSecret: cfg.Graph.ClientSecret,
	}
	return graph.NewClient(creds, cfg.Graph.Mailbox, opts...), nil
}

func initWaAPI() (waapi.Client, error) {
	if err := cfg.Validate("waapi"); err != nil {
		return nil, err
	}

	var opts []waapi.Option
	if cfg.WaAPI.BaseURL != "" {
		opts = append(opts, waapi.WithBaseURL(cfg.WaAPI.BaseURL))
	}
	return waapi.NewClient(cfg.WaAPI.Token, cfg.WaAPI.InstanceID, opts...), nil
}

func workerConfig() queue.Config {
	return queue.Config{
		MaxRetries:   cfg.Worker.MaxRetries,
		BackoffBase:  time.Duration(cfg.Worker.BackoffBaseSecs) * time.Second,
		PollInterval: time.Duration(cfg.Worker.PollIntervalSecs) * time.Second,
		LeaseTimeout: time.Duration(cfg.Worker.LeaseTimeoutMins) * time.Minute,
	}
}

func pollerConfig() (ingest.PollerConfig, error) {
	pc := ingest.PollerConfig{
		Lookback:   time.Duration(cfg.Poller.LookbackMins) * time.Minute,
		BatchLimit: cfg.Poller.BatchLimit,
	}
	if cfg.Poller.FilterRulesPath != "" {
		rules, err := ingest.LoadFilterRules(cfg.Poller.FilterRulesPath)
		if err != nil {
			return pc, eris.Wrap(err, "load filter rules")
		}
		pc.Filters = rules
	}
	return pc, nil
}

// buildDispatcher registers all task handlers the current configuration
// supports. Email handlers need Graph credentials; without them the worker
// still serves chat ingestion.
func buildDispatcher(st store.Store, engine extract.Engine) (*queue.Dispatcher, error) {
	d := queue.NewDispatcher()
	d.Register(ingest.NewChatHandler(st, engine))

	gc, err := initGraph()
	if err != nil {
		zap.L().Warn("graph not configured, email ingestion disabled", zap.Error(err))
		return d, nil
	}

	pc, err := pollerConfig()
	if err != nil {
		return nil, err
	}
	d.Register(ingest.NewEmailHandler(st, gc, engine))
	d.Register(ingest.NewPollHandler(ingest.NewPoller(st, gc, engine, pc)))
	return d, nil
}
