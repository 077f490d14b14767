// Command server starts the CNPJ enrichment HTTP server and its background
// queue pipeline.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fairyhunter13/cnpj-enricher/internal/adapter/httpserver"
	"github.com/fairyhunter13/cnpj-enricher/internal/adapter/observability"
	"github.com/fairyhunter13/cnpj-enricher/internal/adapter/provider"
	"github.com/fairyhunter13/cnpj-enricher/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/cnpj-enricher/internal/app"
	"github.com/fairyhunter13/cnpj-enricher/internal/config"
	"github.com/fairyhunter13/cnpj-enricher/internal/domain"
	"github.com/fairyhunter13/cnpj-enricher/internal/queue"
	"github.com/fairyhunter13/cnpj-enricher/internal/service/ratelimiter"
	"github.com/fairyhunter13/cnpj-enricher/internal/service/router"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	store := postgres.NewStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		slog.Error("schema bootstrap failed", slog.Any("error", err))
		os.Exit(1)
	}

	specs, err := cfg.ProviderSpecs()
	if err != nil {
		slog.Error("provider config invalid", slog.Any("error", err))
		os.Exit(1)
	}
	limiter := ratelimiter.New(specs, ratelimiter.Options{
		SafetyLow:    cfg.SafetyLow,
		SafetyHigh:   cfg.SafetyHigh,
		Threshold:    cfg.SafetyThreshold,
		CooldownBase: cfg.CooldownBase,
		CooldownMax:  cfg.CooldownMax,
	})
	if limiter.TotalLimitPerMinute() == 0 {
		slog.Error("no providers enabled")
		os.Exit(1)
	}

	clients := buildClients(cfg, specs)
	route := router.New(limiter, clients, cfg.PerRequestWait)

	q := queue.NewJobQueue()
	workers := queue.NewWorkers(store, route, q, queue.Options{
		MaxConcurrent:       cfg.MaxConcurrent,
		MaxRetries:          cfg.MaxRetries,
		TotalLimitPerMinute: limiter.TotalLimitPerMinute(),
	})
	reaper := queue.NewReaper(store, q, cfg.ReaperInterval, cfg.StuckThreshold)
	refiller := queue.NewRefiller(store, q, workers, cfg.RefillInterval, cfg.RefillBatch, limiter.TotalLimitPerMinute())

	supervisor := app.New(store, limiter, q, workers, reaper, refiller, app.Options{
		AutoRestart: cfg.AutoRestart,
	})
	pipelineDone := make(chan error, 1)
	go func() { pipelineDone <- supervisor.Run(ctx) }()

	srv := httpserver.NewServer(cfg, supervisor, store, store, pool.Ping)
	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.Router(),
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	pipelineStopped := false
	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	case err := <-pipelineDone:
		pipelineStopped = true
		if err != nil {
			slog.Error("pipeline stopped", slog.Any("error", err))
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
	if !pipelineStopped {
		<-pipelineDone
	}
}

// buildClients constructs one HTTP client per enabled provider. Unknown names
// from a providers file are rejected earlier; here they are just skipped.
func buildClients(cfg config.Config, specs []domain.ProviderSpec) []domain.ProviderClient {
	var clients []domain.ProviderClient
	for _, spec := range specs {
		if !spec.Enabled {
			continue
		}
		switch spec.Name {
		case "receitaws":
			clients = append(clients, provider.NewReceitaWS(cfg.ReceitaWSBaseURL, cfg.ProviderHTTPTimeout))
		case "cnpjws":
			clients = append(clients, provider.NewCNPJWS(cfg.CNPJWSBaseURL, cfg.ProviderHTTPTimeout))
		case "cnpja_open":
			clients = append(clients, provider.NewCNPJaOpen(cfg.CNPJaOpenBaseURL, cfg.ProviderHTTPTimeout))
		default:
			slog.Warn("unknown provider in config, skipping", slog.String("provider", spec.Name))
		}
	}
	return clients
}
