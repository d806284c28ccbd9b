package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pulsewatch/pulsewatch/engine/domain"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Pipeline.FailureTolerance != 0.2 {
		t.Errorf("failure tolerance = %v", cfg.Pipeline.FailureTolerance)
	}
	if cfg.Pipeline.FlushInterval != 3*time.Minute || cfg.Pipeline.SafetyMargin != 30*time.Second {
		t.Errorf("flush window = %v + %v", cfg.Pipeline.FlushInterval, cfg.Pipeline.SafetyMargin)
	}
	if cfg.Pipeline.PollHorizon != 24*time.Hour {
		t.Errorf("poll horizon = %v", cfg.Pipeline.PollHorizon)
	}
	if cfg.Pipeline.FlushSizeBytes != 64<<20 {
		t.Errorf("flush size = %d", cfg.Pipeline.FlushSizeBytes)
	}
}

func TestLoadAppliesKeywordDefaults(t *testing.T) {
	path := writeConfig(t, `
keywords:
  - keyword: elden ring
    source: reddit
    subreddits: [gaming, eldenring]
  - keyword: baldurs gate
    source: steam
    sort: new
    post_limit: 50
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(cfg.Keywords) != 2 {
		t.Fatalf("got %d keywords", len(cfg.Keywords))
	}

	first := cfg.Keywords[0]
	if first.Sort != "top" || first.TimeFilter != "day" || first.PostLimit != 25 || first.CommentLimit != 3 {
		t.Errorf("defaults not applied: %+v", first)
	}
	second := cfg.Keywords[1]
	if second.Sort != "new" || second.PostLimit != 50 {
		t.Errorf("explicit values overridden: %+v", second)
	}
}

func TestLoadOverridesPipelineKnobs(t *testing.T) {
	path := writeConfig(t, `
pipeline:
  max_parallel: 8
  failure_tolerance: 0.1
  poll_interval: 30s
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Pipeline.MaxParallel != 8 || cfg.Pipeline.FailureTolerance != 0.1 {
		t.Errorf("pipeline overrides lost: %+v", cfg.Pipeline)
	}
	if cfg.Pipeline.PollInterval != 30*time.Second {
		t.Errorf("poll interval = %v", cfg.Pipeline.PollInterval)
	}
	// Untouched knobs keep their defaults.
	if cfg.Pipeline.PollHorizon != 24*time.Hour {
		t.Errorf("poll horizon = %v", cfg.Pipeline.PollHorizon)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PG_DSN", "postgres://db.internal:5432/pulse")
	t.Setenv("OPENAI_API_KEY", "sk-env")
	t.Setenv("NATS_URL", "nats://queue.internal:4222")

	cfg, err := Load(writeConfig(t, `
database:
  dsn: postgres://file:5432/ignored
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Database.DSN != "postgres://db.internal:5432/pulse" {
		t.Errorf("env DSN did not win: %q", cfg.Database.DSN)
	}
	if cfg.Provider.APIKey != "sk-env" {
		t.Errorf("api key = %q", cfg.Provider.APIKey)
	}
	if cfg.NATS.URL != "nats://queue.internal:4222" {
		t.Errorf("nats url = %q", cfg.NATS.URL)
	}
}

func TestLoadRejectsInvalidKeyword(t *testing.T) {
	path := writeConfig(t, `
keywords:
  - keyword: too many
    source: reddit
    post_limit: 500
`)
	if _, err := Load(path); err == nil {
		t.Errorf("post limit above %d accepted", domain.MaxPostLimit)
	}

	path = writeConfig(t, `
keywords:
  - keyword: bad source
    source: telegram
`)
	if _, err := Load(path); err == nil {
		t.Error("unknown source accepted")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("missing explicit config path must fail")
	}
}
