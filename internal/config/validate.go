package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// Validation modes, one per command family.
const (
	ModeRun   = "run"
	ModeRetry = "retry"
	ModeServe = "serve"
	ModeRead  = "read"
)

// Validate checks the settings the given command mode depends on and
// reports every problem at once.
func (c *Config) Validate(mode string) error {
	var errs []string
	add := func(format string, args ...any) { errs = append(errs, fmt.Sprintf(format, args...)) }

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		add("store.driver must be sqlite or postgres, got %q", c.Store.Driver)
	}
	if c.Store.DatabaseURL == "" {
		add("store.database_url is required")
	}

	switch mode {
	case ModeRun, ModeRetry:
		c.validateResolve(add)
		if mode == ModeRun {
			if c.Snapshot.BaselinePath == "" {
				add("snapshot.baseline_path is required")
			}
			switch c.Snapshot.Format {
			case "", "auto", "json", "csv", "xlsx":
			default:
				add("snapshot.format must be one of auto, json, csv, xlsx, got %q", c.Snapshot.Format)
			}
		}
	case ModeServe:
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			add("server.port must be > 0 and <= 65535")
		}
	case ModeRead:
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateResolve(add func(string, ...any)) {
	if c.Blocking.Threshold < 0 || c.Blocking.Threshold > 1 {
		add("blocking.threshold must be between 0 and 1")
	}
	if c.Blocking.Neighbours < 1 {
		add("blocking.neighbours must be >= 1")
	}
	if c.Blocking.Workers < 0 {
		add("blocking.workers must be >= 0")
	}
	switch c.Pipeline.DataMode {
	case "", "all", "new":
	default:
		add("pipeline.data_mode must be all or new, got %q", c.Pipeline.DataMode)
	}

	if c.Anthropic.Key == "" {
		add("anthropic.key is required")
	}
	if c.Oracle.Concurrency < 1 || c.Oracle.Concurrency > 64 {
		add("oracle.concurrency must be between 1 and 64")
	}
	if c.Oracle.MaxAttempts < 1 {
		add("oracle.max_attempts must be >= 1")
	}
	if c.Oracle.TimeoutSecs < 1 {
		add("oracle.timeout_secs must be >= 1")
	}

	switch c.Evidence.Provider {
	case "none":
	case "jina":
		if c.Jina.Key == "" {
			add("jina.key is required when evidence.provider is jina")
		}
	case "perplexity":
		if c.Perplexity.Key == "" {
			add("perplexity.key is required when evidence.provider is perplexity")
		}
	default:
		add("evidence.provider must be jina, perplexity or none, got %q", c.Evidence.Provider)
	}
	if c.Evidence.Provider != "none" {
		if c.Evidence.MaxResults < 1 {
			add("evidence.max_results must be >= 1")
		}
		if c.Evidence.RatePerSec <= 0 {
			add("evidence.rate_per_sec must be > 0")
		}
	}
}
