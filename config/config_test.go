package config

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	t.Setenv(FrontendOriginEnv, "")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.Addr != ":8000" || cfg.Artifacts.Classifier != "model.json" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if !cfg.Simulate.WithPredictions || cfg.Simulate.MaxCount != 500 || cfg.Dataset.MaxLimit != 1000 {
		t.Fatalf("unexpected simulate/dataset defaults: %+v %+v", cfg.Simulate, cfg.Dataset)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	t.Setenv(FrontendOriginEnv, "https://qos.example.com")
	path := writeConfig(t, `http:
  addr: ":9090"
  request_timeout: 2s
artifacts:
  dir: /srv/model
log:
  level: debug
cache:
  size: 0
simulate:
  with_predictions: false
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.Addr != ":9090" || cfg.HTTP.RequestTimeout != 2*time.Second {
		t.Errorf("http not applied: %+v", cfg.HTTP)
	}
	if cfg.Artifacts.Dir != "/srv/model" || cfg.Artifacts.Scaler != "scaler.json" {
		t.Errorf("artifacts not merged: %+v", cfg.Artifacts)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("log not applied: %+v", cfg.Log)
	}
	if cfg.Cache.Size != 0 || cfg.Simulate.WithPredictions {
		t.Errorf("explicit zero values lost: cache=%d with_predictions=%v", cfg.Cache.Size, cfg.Simulate.WithPredictions)
	}
	if !slices.Contains(cfg.HTTP.CORSOrigins, "https://qos.example.com") {
		t.Errorf("FRONTEND_ORIGIN not appended: %v", cfg.HTTP.CORSOrigins)
	}
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := writeConfig(t, "http: [unterminated\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "ok", mutate: func(*Config) {}},
		{name: "empty addr", mutate: func(c *Config) { c.HTTP.Addr = " " }, wantErr: "http.addr"},
		{name: "bad origin", mutate: func(c *Config) { c.HTTP.CORSOrigins = []string{"localhost"} }, wantErr: "cors_origins"},
		{name: "wildcard origin", mutate: func(c *Config) { c.HTTP.CORSOrigins = []string{"*"} }},
		{name: "bad level", mutate: func(c *Config) { c.Log.Level = "chatty" }, wantErr: "log.level"},
		{name: "bad format", mutate: func(c *Config) { c.Log.Format = "xml" }, wantErr: "log.format"},
		{name: "bad nats url", mutate: func(c *Config) { c.NATS.URL = "::" }, wantErr: "nats.url"},
		{name: "negative cache", mutate: func(c *Config) { c.Cache.Size = -1 }, wantErr: "cache.size"},
		{name: "zero simulate", mutate: func(c *Config) { c.Simulate.MaxCount = 0 }, wantErr: "simulate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
	if err := Validate(nil); err == nil {
		t.Fatal("expected error for nil config")
	}
}

func TestWatchReloads(t *testing.T) {
	path := writeConfig(t, "log:\n  level: info\n")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Config, 16)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, nil, func(c *Config) {
			select {
			case changes <- c:
			default:
			}
		})
	}()

	// Give the watcher time to register before editing.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	// Truncation may be observed first, so wait for the final content.
	timeout := time.After(5 * time.Second)
	for reloaded := false; !reloaded; {
		select {
		case cfg := <-changes:
			reloaded = cfg.Log.Level == "debug"
		case <-timeout:
			t.Fatal("no reload with level debug observed")
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Watch returned %v", err)
	}
}
