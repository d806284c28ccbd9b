// Package config loads the keyword configuration document and the pipeline
// tuning options from YAML, with environment overrides for credentials and
// connection strings.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pulsewatch/pulsewatch/engine/domain"
)

const (
	postgresDSNEnv  = "PG_DSN"
	natsURLEnv      = "NATS_URL"
	openAIKeyEnv    = "OPENAI_API_KEY"
	configPathEnv   = "PULSEWATCH_CONFIG"
	alertSubjectEnv = "ALERT_SUBJECT"
)

// Config holds everything one execution needs.
type Config struct {
	Keywords []domain.KeywordConfig `yaml:"keywords"`
	Pipeline Pipeline               `yaml:"pipeline"`
	Provider Provider               `yaml:"provider"`
	NATS     NATS                   `yaml:"nats"`
	Database Database               `yaml:"database"`
}

// Pipeline groups the operationally tuned knobs of the orchestration core.
// None of the defaults are load-bearing for correctness; they mirror the
// values the pipeline has been run with in production.
type Pipeline struct {
	// MaxParallel is the scrape fan-out worker ceiling.
	MaxParallel int `yaml:"max_parallel"`
	// TaskTimeout is the hard per-scrape-task timeout. Must stay shorter
	// than any outer execution deadline so a hung fetch fails fast.
	TaskTimeout time.Duration `yaml:"task_timeout"`
	// FailureTolerance is the max failed/total ratio a scrape fan-out
	// accepts before the stage is fatal.
	FailureTolerance float64 `yaml:"failure_tolerance"`
	// FlushInterval is the ingestion buffer flush cadence.
	FlushInterval time.Duration `yaml:"flush_interval"`
	// FlushSizeBytes flushes the buffer early once the accumulated payload
	// reaches this size.
	FlushSizeBytes int64 `yaml:"flush_size_bytes"`
	// SafetyMargin is added on top of FlushInterval before the scoring
	// coordinator may query for visible posts.
	SafetyMargin time.Duration `yaml:"safety_margin"`
	// MaxItemsPerJob bounds one scoring job by the provider payload limit.
	MaxItemsPerJob int `yaml:"max_items_per_job"`
	// PollInterval is the wait between scoring job status checks.
	PollInterval time.Duration `yaml:"poll_interval"`
	// PollHorizon is the provider's outer SLA; a job without terminal
	// status past it is treated as expired.
	PollHorizon time.Duration `yaml:"poll_horizon"`
	// AnomalyTolerance is the max unmappable-output ratio a merge accepts.
	AnomalyTolerance float64 `yaml:"anomaly_tolerance"`
	// RetryAttempts bounds transient-error retries per stage.
	RetryAttempts int `yaml:"retry_attempts"`
}

// Provider configures the external sentiment scoring service.
type Provider struct {
	Name    string `yaml:"name"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
	APIKey  string `yaml:"api_key"`
}

// NATS configures the ingestion transport and alert channel.
type NATS struct {
	URL          string `yaml:"url"`
	PostsSubject string `yaml:"posts_subject"`
	AlertSubject string `yaml:"alert_subject"`
}

// Database configures the Postgres store.
type Database struct {
	DSN string `yaml:"dsn"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		Pipeline: Pipeline{
			MaxParallel:      4,
			TaskTimeout:      2 * time.Minute,
			FailureTolerance: 0.2,
			FlushInterval:    3 * time.Minute,
			FlushSizeBytes:   64 << 20,
			SafetyMargin:     30 * time.Second,
			MaxItemsPerJob:   500,
			PollInterval:     5 * time.Minute,
			PollHorizon:      24 * time.Hour,
			AnomalyTolerance: 0.5,
			RetryAttempts:    3,
		},
		Provider: Provider{
			Name:    "openai",
			BaseURL: "https://api.openai.com",
			Model:   "gpt-4o-mini",
		},
		NATS: NATS{
			URL:          "nats://localhost:4222",
			PostsSubject: "pipeline.posts",
			AlertSubject: "pipeline.alerts",
		},
		Database: Database{DSN: "postgres://localhost:5432/pulsewatch"},
	}
}

// Load reads YAML configuration from path (or $PULSEWATCH_CONFIG when path is
// empty) on top of defaults, then applies environment overrides and validates
// every keyword entry.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(configPathEnv)
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	for i := range cfg.Keywords {
		kw := &cfg.Keywords[i]
		if kw.Sort == "" {
			kw.Sort = "top"
		}
		if kw.TimeFilter == "" {
			kw.TimeFilter = "day"
		}
		if kw.PostLimit == 0 {
			kw.PostLimit = 25
		}
		if kw.CommentLimit == 0 {
			kw.CommentLimit = 3
		}
		if err := domain.ValidateKeywordConfig(*kw); err != nil {
			return cfg, fmt.Errorf("config: %w", err)
		}
	}

	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(postgresDSNEnv); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv(natsURLEnv); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv(openAIKeyEnv); v != "" {
		c.Provider.APIKey = v
	}
	if v := os.Getenv(alertSubjectEnv); v != "" {
		c.NATS.AlertSubject = v
	}
}
