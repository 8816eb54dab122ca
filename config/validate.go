package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"flowqos/logging"
)

// Validate checks the loaded config for required fields and safe values.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	if strings.TrimSpace(cfg.HTTP.Addr) == "" {
		return errors.New("http.addr must be set")
	}
	if cfg.HTTP.RequestTimeout < 0 || cfg.HTTP.ReadTimeout < 0 || cfg.HTTP.WriteTimeout < 0 {
		return errors.New("http timeouts must not be negative")
	}
	if cfg.HTTP.MaxBodyBytes < 0 {
		return errors.New("http.max_body_bytes must not be negative")
	}
	for _, origin := range cfg.HTTP.CORSOrigins {
		if origin == "*" {
			continue
		}
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("http.cors_origins: invalid origin %q", origin)
		}
	}

	if strings.TrimSpace(cfg.Artifacts.Dir) == "" {
		return errors.New("artifacts.dir must be set")
	}

	if _, err := logging.ParseLevel(cfg.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch cfg.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console, got %q", cfg.Log.Format)
	}

	if cfg.NATS.URL != "" {
		u, err := url.Parse(cfg.NATS.URL)
		if err != nil || u.Host == "" {
			return fmt.Errorf("nats.url: invalid url %q", cfg.NATS.URL)
		}
	}

	if cfg.Simulate.MaxCount < 1 || cfg.Simulate.MaxTestCount < 1 {
		return errors.New("simulate limits must be positive")
	}
	if cfg.Dataset.MaxLimit < 1 {
		return errors.New("dataset.max_limit must be positive")
	}
	if cfg.Cache.Size < 0 {
		return errors.New("cache.size must not be negative")
	}
	if cfg.Ingestion.BatchSize < 0 || cfg.Ingestion.MaxRetries < 0 || cfg.Ingestion.QueueSize < 0 {
		return errors.New("ingestion settings must not be negative")
	}

	return nil
}
