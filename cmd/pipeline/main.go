// Command pipeline runs one end-to-end sentiment execution: scrape the
// configured keywords, wait out the ingestion watermark, submit scoring
// jobs, poll them to completion, and store merged results. With -resume it
// continues a previously persisted execution from its last recorded stage.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/pulsewatch/pulsewatch/engine/alert"
	"github.com/pulsewatch/pulsewatch/engine/buffer"
	"github.com/pulsewatch/pulsewatch/engine/config"
	"github.com/pulsewatch/pulsewatch/engine/domain"
	"github.com/pulsewatch/pulsewatch/engine/merge"
	"github.com/pulsewatch/pulsewatch/engine/orch"
	"github.com/pulsewatch/pulsewatch/engine/scrape"
	"github.com/pulsewatch/pulsewatch/engine/score"
	"github.com/pulsewatch/pulsewatch/engine/store"
	"github.com/pulsewatch/pulsewatch/pkg/metrics"
)

var met = metrics.New()

var (
	mPostsEmitted = met.Counter("pulsewatch_posts_emitted_total", "Posts handed to the ingestion buffer")
	mExecDur      = met.Histogram("pulsewatch_execution_duration_seconds", "End-to-end execution time",
		[]float64{60, 300, 900, 1800, 3600, 7200, 14400, 43200, 86400, 172800})
)

func execCounter(outcome string) *metrics.Counter {
	return met.Counter(metrics.WithLabels("pulsewatch_executions_total", "outcome", outcome),
		"Executions by outcome")
}

func main() {
	var (
		configPath  = flag.String("config", "", "YAML config path (default $PULSEWATCH_CONFIG)")
		resumeID    = flag.String("resume", "", "resume the given execution id instead of starting fresh")
		metricsPort = flag.Int("metrics-port", 9102, "metrics HTTP port")
	)
	flag.Parse()

	log := slog.Default()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("config load failed", "error", err)
		os.Exit(1)
	}
	if len(cfg.Keywords) == 0 {
		log.Error("no keywords configured")
		os.Exit(1)
	}

	met.ServeAsync(*metricsPort)

	st, err := store.NewPostgres(ctx, cfg.Database.DSN)
	if err != nil {
		log.Error("postgres connect failed", "error", err)
		os.Exit(1)
	}
	defer st.Close()
	log.Info("connected to Postgres")

	nc, err := nats.Connect(cfg.NATS.URL, nats.Name("pulsewatch-pipeline"))
	if err != nil {
		log.Error("nats connect failed", "error", err)
		os.Exit(1)
	}
	defer nc.Drain()
	log.Info("connected to NATS", "url", cfg.NATS.URL)

	bufOpts := buffer.Options{
		FlushInterval:  cfg.Pipeline.FlushInterval,
		FlushSizeBytes: cfg.Pipeline.FlushSizeBytes,
		SafetyMargin:   cfg.Pipeline.SafetyMargin,
	}
	flusher := buffer.NewFlusher(bufOpts, st, log)
	go func() {
		if err := flusher.Run(ctx, nc, cfg.NATS.PostsSubject); err != nil && ctx.Err() == nil {
			log.Error("buffer flusher stopped", "error", err)
		}
	}()

	provider, err := score.NewProvider(score.ProviderOpts{
		Name:    cfg.Provider.Name,
		BaseURL: cfg.Provider.BaseURL,
		Model:   cfg.Provider.Model,
		APIKey:  cfg.Provider.APIKey,
	})
	if err != nil {
		log.Error("provider setup failed", "error", err)
		os.Exit(1)
	}

	engine := buildEngine(cfg, st, nc, bufOpts, provider, log)

	start := time.Now()
	var state domain.ExecutionState
	if *resumeID != "" {
		state, err = engine.Resume(ctx, *resumeID, cfg.Keywords)
	} else {
		state, err = engine.Start(ctx, cfg.Keywords)
	}
	mExecDur.Since(start)

	if err != nil {
		execCounter("failed").Inc()
		log.Error("execution ended with failure",
			"execution_id", state.ExecutionID, "stage", state.Stage, "error", err)
		os.Exit(1)
	}
	execCounter("completed").Inc()
	log.Info("execution finished", "execution_id", state.ExecutionID, "stage", state.Stage)
}

func buildEngine(cfg config.Config, st *store.Postgres, nc *nats.Conn, bufOpts buffer.Options, provider score.Provider, log *slog.Logger) *orch.Engine {
	sink := countingSink{inner: buffer.NewNATSSink(nc, cfg.NATS.PostsSubject)}

	sources := scrape.NewRegistry(
		scrape.NewRedditSource(scrape.RedditOpts{}),
		scrape.NewSteamSource(scrape.SteamOpts{}),
	)
	scraper := scrape.NewCoordinator(scrape.Options{
		MaxParallel:      cfg.Pipeline.MaxParallel,
		TaskTimeout:      cfg.Pipeline.TaskTimeout,
		FailureTolerance: cfg.Pipeline.FailureTolerance,
	}, sources, sink, log)

	scorer := score.NewCoordinator(provider, st, st, cfg.Pipeline.MaxItemsPerJob, log)
	poller := score.NewPoller(provider, st, log)
	merger := merge.NewMerger(st, st, cfg.Pipeline.AnomalyTolerance, log)

	return orch.New(orch.Options{
		Buffer: bufOpts,
		Poll: score.PollOpts{
			Interval: cfg.Pipeline.PollInterval,
			Horizon:  cfg.Pipeline.PollHorizon,
		},
		RetryAttempts: cfg.Pipeline.RetryAttempts,
	}, orch.Deps{
		Store:    st,
		Scraper:  scraper,
		Scorer:   scorer,
		Poller:   poller,
		Merger:   merger,
		Provider: provider,
		Reporter: alert.NewNATSReporter(nc, cfg.NATS.AlertSubject, log),
		Logger:   log,
	})
}

// countingSink wraps the buffer sink with an emitted-posts counter.
type countingSink struct {
	inner buffer.Sink
}

func (s countingSink) Write(ctx context.Context, post domain.Post) error {
	if err := s.inner.Write(ctx, post); err != nil {
		return err
	}
	mPostsEmitted.Inc()
	return nil
}
