// Package config loads the flowqos YAML configuration.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"flowqos/logging"
	"flowqos/ml"
	"flowqos/pipeline"
)

type Config struct {
	HTTP      HTTPConfig               `yaml:"http"`
	Artifacts ml.ArtifactConfig        `yaml:"artifacts"`
	Log       logging.Config           `yaml:"log"`
	Database  DatabaseConfig           `yaml:"database"`
	QoS       QoSConfig                `yaml:"qos"`
	NATS      NATSConfig               `yaml:"nats"`
	Simulate  SimulateConfig           `yaml:"simulate"`
	Dataset   DatasetConfig            `yaml:"dataset"`
	Cache     CacheConfig              `yaml:"cache"`
	Ingestion pipeline.IngestionConfig `yaml:"ingestion"`
}

type HTTPConfig struct {
	Addr           string        `yaml:"addr"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`
	CORSOrigins    []string      `yaml:"cors_origins"`
}

// DatabaseConfig enables the prediction log when Path is set.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// QoSConfig points at an optional override table.
type QoSConfig struct {
	File string `yaml:"file"`
}

// NATSConfig enables the NATS transport when URL is set.
type NATSConfig struct {
	URL           string `yaml:"url"`
	QueueGroup    string `yaml:"queue_group"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type SimulateConfig struct {
	MaxCount        int   `yaml:"max_count"`
	MaxTestCount    int   `yaml:"max_test_count"`
	DefaultSeed     int64 `yaml:"default_seed"`
	WithPredictions bool  `yaml:"with_predictions"`
}

type DatasetConfig struct {
	Path     string `yaml:"path"`
	MaxLimit int    `yaml:"max_limit"`
}

// CacheConfig sizes the prediction cache; zero disables it.
type CacheConfig struct {
	Size int `yaml:"size"`
}

// FrontendOriginEnv names an extra CORS origin taken from the environment.
const FrontendOriginEnv = "FRONTEND_ORIGIN"

// Load reads configuration from a YAML file. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	applyEnv(cfg)
	return cfg, nil
}

func Default() *Config {
	cfg := &Config{
		Artifacts: ml.DefaultArtifactConfig("model"),
		Simulate:  SimulateConfig{WithPredictions: true},
		Dataset:   DatasetConfig{Path: "data/website_testing.csv"},
		Cache:     CacheConfig{Size: 1024},
	}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8000"
	}
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 15 * time.Second
	}
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = 30 * time.Second
	}
	if cfg.HTTP.RequestTimeout == 0 {
		cfg.HTTP.RequestTimeout = 10 * time.Second
	}
	if cfg.HTTP.MaxBodyBytes == 0 {
		cfg.HTTP.MaxBodyBytes = 1 << 20
	}
	if len(cfg.HTTP.CORSOrigins) == 0 {
		cfg.HTTP.CORSOrigins = []string{"http://localhost:5173", "http://127.0.0.1:5173"}
	}

	if cfg.Artifacts.Dir == "" {
		cfg.Artifacts.Dir = "model"
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Log.File != "" && cfg.Log.MaxSizeMB == 0 {
		cfg.Log.MaxSizeMB = 100
	}

	if cfg.NATS.QueueGroup == "" {
		cfg.NATS.QueueGroup = "flowqos"
	}
	if cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = "flowqos"
	}

	if cfg.Simulate.MaxCount == 0 {
		cfg.Simulate.MaxCount = 500
	}
	if cfg.Simulate.MaxTestCount == 0 {
		cfg.Simulate.MaxTestCount = 100
	}
	if cfg.Simulate.DefaultSeed == 0 {
		cfg.Simulate.DefaultSeed = 42
	}

	if cfg.Dataset.MaxLimit == 0 {
		cfg.Dataset.MaxLimit = 1000
	}
}

func applyEnv(cfg *Config) {
	if origin := os.Getenv(FrontendOriginEnv); origin != "" {
		for _, o := range cfg.HTTP.CORSOrigins {
			if o == origin {
				return
			}
		}
		cfg.HTTP.CORSOrigins = append(cfg.HTTP.CORSOrigins, origin)
	}
}
