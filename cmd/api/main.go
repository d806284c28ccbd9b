// Command api exposes the operator surface over HTTP: trigger an execution,
// inspect its state, and read stored sentiment results. Executions run
// asynchronously; the trigger endpoint returns as soon as the execution id
// is persisted.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
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
)

func main() {
	var (
		configPath = flag.String("config", "", "YAML config path (default $PULSEWATCH_CONFIG)")
		listenAddr = flag.String("listen", ":8080", "HTTP listen address")
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

	st, err := store.NewPostgres(ctx, cfg.Database.DSN)
	if err != nil {
		log.Error("postgres connect failed", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	nc, err := nats.Connect(cfg.NATS.URL, nats.Name("pulsewatch-api"))
	if err != nil {
		log.Error("nats connect failed", "error", err)
		os.Exit(1)
	}
	defer nc.Drain()

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

	srv := &server{
		cfg:    cfg,
		store:  st,
		engine: buildEngine(cfg, st, nc, bufOpts, provider, log),
		runCtx: ctx,
		log:    log,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	v1 := router.Group("/v1")
	{
		v1.POST("/executions", srv.createExecution)
		v1.GET("/executions/:id", srv.getExecution)
		v1.GET("/results", srv.getResults)
	}

	httpSrv := &http.Server{Addr: *listenAddr, Handler: router}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	log.Info("api listening", "addr", *listenAddr)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("http server failed", "error", err)
		os.Exit(1)
	}
}

type server struct {
	cfg    config.Config
	store  *store.Postgres
	engine *orch.Engine
	// runCtx outlives individual requests so a triggered execution is not
	// cancelled when its trigger request returns.
	runCtx context.Context
	log    *slog.Logger
}

type createExecutionRequest struct {
	// Keywords overrides the configured keyword set for this execution only.
	Keywords []domain.KeywordConfig `json:"keywords,omitempty"`
}

func (s *server) createExecution(c *gin.Context) {
	var req createExecutionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	configs := s.cfg.Keywords
	if len(req.Keywords) > 0 {
		configs = req.Keywords
	}
	for i := range configs {
		if err := domain.ValidateKeywordConfig(configs[i]); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if len(configs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no keywords configured"})
		return
	}

	executionID := uuid.NewString()
	initial := domain.ExecutionState{
		ExecutionID: executionID,
		StartedAt:   time.Now().UTC(),
		Stage:       domain.StageScraping,
	}
	if err := s.store.SaveExecution(c.Request.Context(), initial); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "persist execution"})
		return
	}

	go func() {
		if _, err := s.engine.Resume(s.runCtx, executionID, configs); err != nil {
			s.log.Error("execution failed", "execution_id", executionID, "error", err)
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{"execution_id": executionID})
}

func (s *server) getExecution(c *gin.Context) {
	state, err := s.store.GetExecution(c.Request.Context(), c.Param("id"))
	if errors.Is(err, domain.ErrExecutionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "execution not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load execution"})
		return
	}
	c.JSON(http.StatusOK, state)
}

func (s *server) getResults(c *gin.Context) {
	keyword := c.Query("keyword")
	if keyword == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "keyword query parameter is required"})
		return
	}
	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	results, err := s.store.ResultsByKeyword(c.Request.Context(), keyword, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load results"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"keyword": keyword, "count": len(results), "results": results})
}

// parseLimit parses the results page size, defaulting to 100 and rejecting
// anything but an integer in [1, 1000].
func parseLimit(raw string) (int, error) {
	if raw == "" {
		return 100, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > 1000 {
		return 0, errors.New("limit must be an integer in [1, 1000]")
	}
	return n, nil
}

func buildEngine(cfg config.Config, st *store.Postgres, nc *nats.Conn, bufOpts buffer.Options, provider score.Provider, log *slog.Logger) *orch.Engine {
	sink := buffer.NewNATSSink(nc, cfg.NATS.PostsSubject)
	sources := scrape.NewRegistry(
		scrape.NewRedditSource(scrape.RedditOpts{}),
		scrape.NewSteamSource(scrape.SteamOpts{}),
	)
	scraper := scrape.NewCoordinator(scrape.Options{
		MaxParallel:      cfg.Pipeline.MaxParallel,
		TaskTimeout:      cfg.Pipeline.TaskTimeout,
		FailureTolerance: cfg.Pipeline.FailureTolerance,
	}, sources, sink, log)

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
		Scorer:   score.NewCoordinator(provider, st, st, cfg.Pipeline.MaxItemsPerJob, log),
		Poller:   score.NewPoller(provider, st, log),
		Merger:   merge.NewMerger(st, st, cfg.Pipeline.AnomalyTolerance, log),
		Provider: provider,
		Reporter: alert.NewNATSReporter(nc, cfg.NATS.AlertSubject, log),
		Logger:   log,
	})
}
