// Package config loads the pipeline's YAML configuration using Viper,
// with flag and environment-variable overrides taking precedence over
// file values, matching the precedence order the CLI documents (flags >
// env > file > defaults).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration object described in spec.md §6.
type Config struct {
	Storage               StorageConfig               `mapstructure:"storage"`
	ContentSources         []ContentSourceConfig       `mapstructure:"content_sources"`
	Processing             ProcessingConfig            `mapstructure:"processing"`
	Embedding               EmbeddingConfig              `mapstructure:"embedding"`
	RelationshipDetection RelationshipDetectionConfig `mapstructure:"relationship_detection"`
	Domain                  DomainConfig                 `mapstructure:"domain"`
	Observability           ObservabilityConfig          `mapstructure:"observability"`
	Cache                   CacheConfig                  `mapstructure:"cache"`
}

// CacheConfig describes the optional Redis-compatible cache backing
// claim-backoff counters and content-source last-seen timestamps;
// leaving Addr empty disables caching entirely (every HasChanged check
// and claim attempt hits the backend directly).
type CacheConfig struct {
	Addr          string `mapstructure:"addr"`
	Password      string `mapstructure:"password"`
	DB            int    `mapstructure:"db"`
	LastSeenTTLSeconds int `mapstructure:"last_seen_ttl_seconds"`
}

// LastSeenTTL returns the configured TTL, or 1 hour if unset.
func (c CacheConfig) LastSeenTTL() time.Duration {
	if c.LastSeenTTLSeconds <= 0 {
		return time.Hour
	}
	return time.Duration(c.LastSeenTTLSeconds) * time.Second
}

// ObservabilityConfig controls the optional HTTP server the coordinator
// and worker processes expose for Prometheus scraping and the operator
// dashboard's WebSocket feed; leaving Addr empty disables it entirely.
type ObservabilityConfig struct {
	Addr           string `mapstructure:"addr"`
	MetricsEnabled bool   `mapstructure:"metrics_enabled"`
	MonitorEnabled bool   `mapstructure:"monitor_enabled"`
}

// StorageConfig describes the backing relational store.
type StorageConfig struct {
	Backend string `mapstructure:"backend"` // "postgres" is the only backend satisfying the row-locking requirement
	DSN     string `mapstructure:"dsn"`
}

// ContentSourceConfig names and parameterizes one content-source adapter.
type ContentSourceConfig struct {
	Name   string         `mapstructure:"name"`
	Type   string         `mapstructure:"type"` // "fs", "s3", "couchdb"
	Params map[string]any `mapstructure:"params"`
}

// ProcessingMode selects how the process that loads this config behaves.
type ProcessingMode string

const (
	ModeSingle      ProcessingMode = "single"
	ModeDistributed ProcessingMode = "distributed"
	ModeWorker      ProcessingMode = "worker"
)

// ProcessingConfig controls link-depth bounds and heartbeat cadence.
type ProcessingConfig struct {
	Mode                       ProcessingMode `mapstructure:"mode"`
	MaxLinkDepth               int            `mapstructure:"max_link_depth"`
	HeartbeatIntervalSeconds int            `mapstructure:"heartbeat_interval_seconds"`
	HeartbeatTimeoutSeconds  int            `mapstructure:"heartbeat_timeout_seconds"`
	MaxRetries                 int            `mapstructure:"max_retries"`
	BackoffBaseSeconds       int            `mapstructure:"backoff_base_seconds"`
	BackoffMaxSeconds        int            `mapstructure:"backoff_max_seconds"`
}

// HeartbeatInterval returns the configured interval, or 10s if unset.
func (p ProcessingConfig) HeartbeatInterval() time.Duration {
	if p.HeartbeatIntervalSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(p.HeartbeatIntervalSeconds) * time.Second
}

// HeartbeatTimeout returns the configured timeout, or 60s if unset.
func (p ProcessingConfig) HeartbeatTimeout() time.Duration {
	if p.HeartbeatTimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(p.HeartbeatTimeoutSeconds) * time.Second
}

// EmbeddingConfig controls the token-budgeted contextual embedding engine.
type EmbeddingConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Model     string `mapstructure:"model"`
	MaxTokens int    `mapstructure:"max_tokens"`
}

// RelationshipDetectionConfig controls post-parse link/semantic analysis.
type RelationshipDetectionConfig struct {
	Enabled                  bool `mapstructure:"enabled"`
	CrossDocumentTopN      int  `mapstructure:"cross_document_top_n"`
	SimilarityThreshold    float64 `mapstructure:"similarity_threshold"`
}

// DomainConfig names the ontology file(s) driving entity extraction.
type DomainConfig struct {
	OntologyPaths []string `mapstructure:"ontology_paths"`
}

// Load reads configuration from path if non-empty, otherwise from
// docforge.yaml in the working directory or in $HOME, then overlays DOCFORGE_*
// environment variables, matching the teacher CLI's VIPER_-prefixed
// auto-env convention adapted to this module's name.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("docforge")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME")
	}

	v.SetEnvPrefix("DOCFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("processing.mode", string(ModeSingle))
	v.SetDefault("processing.max_link_depth", 3)
	v.SetDefault("processing.heartbeat_interval_seconds", 10)
	v.SetDefault("processing.heartbeat_timeout_seconds", 60)
	v.SetDefault("processing.max_retries", 5)
	v.SetDefault("processing.backoff_base_seconds", 1)
	v.SetDefault("processing.backoff_max_seconds", 300)
	v.SetDefault("embedding.max_tokens", 512)
	v.SetDefault("relationship_detection.cross_document_top_n", 3)
}

func validate(cfg *Config) error {
	if cfg.Storage.Backend == "" {
		return fmt.Errorf("config: storage.backend is required")
	}
	if cfg.Storage.Backend != "postgres" {
		return fmt.Errorf("config: storage.backend %q does not provide row-level locking; only \"postgres\" is a valid queue backend", cfg.Storage.Backend)
	}
	if len(cfg.ContentSources) == 0 {
		return fmt.Errorf("config: content_sources must list at least one source")
	}
	seen := make(map[string]bool, len(cfg.ContentSources))
	for _, s := range cfg.ContentSources {
		if s.Name == "" {
			return fmt.Errorf("config: content_sources entries must have a name")
		}
		if seen[s.Name] {
			return fmt.Errorf("config: duplicate content source name %q", s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}
