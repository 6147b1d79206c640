package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/orgsync/internal/config"
	"github.com/sells-group/orgsync/internal/evidence"
	"github.com/sells-group/orgsync/internal/model"
	"github.com/sells-group/orgsync/internal/oracle"
	"github.com/sells-group/orgsync/internal/pipeline"
	"github.com/sells-group/orgsync/internal/resilience"
	"github.com/sells-group/orgsync/internal/snapshot"
	"github.com/sells-group/orgsync/internal/store"
	anthropicpkg "github.com/sells-group/orgsync/pkg/anthropic"
	"github.com/sells-group/orgsync/pkg/jina"
	"github.com/sells-group/orgsync/pkg/perplexity"
)

// initStore opens the configured store and applies migrations.
func initStore(ctx context.Context) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "postgres":
		var poolCfg *store.PoolConfig
		if cfg.Store.MaxConns > 0 || cfg.Store.MinConns > 0 {
			poolCfg = &store.PoolConfig{MaxConns: cfg.Store.MaxConns, MinConns: cfg.Store.MinConns}
		}
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, poolCfg)
	case "sqlite", "":
		st, err = store.NewSQLite(cfg.Store.DatabaseURL)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
	if err != nil {
		return nil, eris.Wrap(err, "init store")
	}

	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// pipelineEnv holds the initialized pipeline and the resources it owns.
type pipelineEnv struct {
	Store    store.Store
	Pipeline *pipeline.Pipeline
}

// Close releases resources held by the environment.
func (e *pipelineEnv) Close() {
	if e.Store != nil {
		if err := e.Store.Close(); err != nil {
			zap.L().Warn("close store", zap.Error(err))
		}
	}
}

// initPipeline validates configuration for mode and wires the store,
// oracle, evidence provider and snapshot source into a pipeline.
func initPipeline(ctx context.Context, mode, input string) (*pipelineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	client := anthropicpkg.NewClient(cfg.Anthropic.Key, anthropicpkg.WithMaxRetries(0))
	orc := oracle.NewClaude(client, oracle.ClaudeConfig{
		Model:     cfg.Oracle.Model,
		MaxTokens: int64(cfg.Oracle.MaxTokens),
	})

	ev, err := initEvidence(cfg, st)
	if err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}

	if input == "" {
		input = cfg.Snapshot.Input
	}
	src := sourceFromConfig(cfg, input)
	baseline := snapshot.NewBaseline(cfg.Snapshot.BaselinePath, cfg.Snapshot.HistoryDir)

	return &pipelineEnv{
		Store:    st,
		Pipeline: pipeline.New(cfg, st, src, baseline, orc, ev),
	}, nil
}

// sourceFromConfig builds the snapshot location for input.
func sourceFromConfig(c *config.Config, input string) snapshot.Location {
	return snapshot.Location{
		URL: input,
		Options: snapshot.LoadOptions{
			Source: snapshot.SourceOptions{
				Timeout: time.Duration(c.Snapshot.TimeoutSecs) * time.Second,
				Retry:   resilience.PolicyFromConfig(3, 1000, 30000),
			},
			Decode: snapshot.DecodeOptions{
				Format:   snapshot.Format(c.Snapshot.Format),
				Encoding: c.Snapshot.Encoding,
				Sheet:    c.Snapshot.Sheet,
			},
		},
	}
}

// initEvidence builds the configured evidence provider, cached in the store.
func initEvidence(c *config.Config, cache evidence.Cache) (evidence.Provider, error) {
	var backend evidence.Provider
	switch c.Evidence.Provider {
	case evidence.ProviderNone, "":
		return evidence.None{}, nil
	case evidence.ProviderJina:
		backend = evidence.NewJina(
			jina.NewClient(c.Jina.Key, jina.WithBaseURL(c.Jina.SearchBaseURL)),
			c.Evidence.MaxResults,
		)
	case evidence.ProviderPerplexity:
		backend = evidence.NewPerplexity(
			perplexity.NewClient(c.Perplexity.Key,
				perplexity.WithBaseURL(c.Perplexity.BaseURL),
				perplexity.WithModel(c.Perplexity.Model),
			),
			c.Evidence.MaxResults,
		)
	default:
		return nil, eris.Errorf("unsupported evidence provider: %s", c.Evidence.Provider)
	}

	policy := resilience.PolicyFromConfig(c.Evidence.MaxAttempts, 500, 10000)
	policy.OnRetry = resilience.LogRetry(backend.Name(), "lookup")
	return evidence.Wrap(backend, cache, evidence.Options{
		MaxResults: c.Evidence.MaxResults,
		Timeout:    time.Duration(c.Evidence.TimeoutSecs) * time.Second,
		RatePerSec: c.Evidence.RatePerSec,
		Retry:      policy,
		CacheTTL:   time.Duration(c.Evidence.CacheTTLHours) * time.Hour,
	}), nil
}

// runOptions resolves command flags against configuration.
func runOptions(stage string, threshold float64, dataMode, resume string) (pipeline.RunOptions, error) {
	start, err := model.ParseStage(stage)
	if err != nil {
		return pipeline.RunOptions{}, eris.Wrap(err, "parse --stage")
	}
	if dataMode == "" {
		dataMode = cfg.Pipeline.DataMode
	}
	mode, err := model.ParseDataMode(dataMode)
	if err != nil {
		return pipeline.RunOptions{}, eris.Wrap(err, "parse --data-mode")
	}
	if threshold < 0 {
		threshold = cfg.Blocking.Threshold
	}
	if threshold > 1 {
		return pipeline.RunOptions{}, eris.Errorf("--threshold must be between 0 and 1, got %v", threshold)
	}
	if resume != "" && start == model.StageDiff {
		return pipeline.RunOptions{}, eris.New("--resume requires a --stage after diff")
	}
	return pipeline.RunOptions{
		StartStage: start,
		Threshold:  threshold,
		DataMode:   mode,
		ResumeRun:  resume,
	}, nil
}
