package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/httpfetch/internal/cleanup"
	"github.com/italolelis/httpfetch/internal/config"
	"github.com/italolelis/httpfetch/internal/fetch"
	"github.com/italolelis/httpfetch/internal/logctx"
	"github.com/italolelis/httpfetch/internal/notifier"
	"github.com/italolelis/httpfetch/internal/retry"
	"github.com/italolelis/httpfetch/internal/storage"
	"github.com/italolelis/httpfetch/internal/storage/sqlite"
	"github.com/italolelis/httpfetch/internal/telemetry"
	"github.com/italolelis/httpfetch/internal/transport"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("httpfetch starting...", "log_level", cfg.LogLevel, "sources", len(cfg.Src))

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Resolve Units
	units, err := fetch.Resolve(fetch.Spec{Sources: cfg.Src, Dest: cfg.Dest})
	if err != nil {
		return fmt.Errorf("failed to resolve transfer units: %w", err)
	}

	// =========================================================================
	// Start Validator Cache
	var cache storage.ValidatorRepository

	if cfg.CachePath != "" {
		database, err := sqlite.InitDB(cfg.CachePath)
		if err != nil {
			return fmt.Errorf("failed to open validator cache: %w", err)
		}
		defer database.Close()

		cache = sqlite.NewValidatorRepository(database)
	}

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(telemetry.Config{
		Enabled:     cfg.Metrics.BindAddress != "",
		ServiceName: cfg.Metrics.ServiceName,
	})
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}

	if cfg.Metrics.BindAddress != "" {
		startMetricsServer(ctx, tel, cfg.Metrics.BindAddress)
	}

	// =========================================================================
	// Sweep Stale Staging Files
	dirs := make([]string, 0, len(units))
	for _, u := range units {
		dirs = append(dirs, filepath.Dir(u.Dest))
	}

	if err := cleanup.DeleteStaleStaging(ctx, dirs, cfg.StagingTTL); err != nil {
		logger.Warn("failed to sweep stale staging files", "err", err)
	}

	// =========================================================================
	// Start Transport Client
	client, err := transport.NewClient(transport.Options{
		ConnectTimeout: cfg.ConnectTimeout,
		ReadTimeout:    cfg.ReadTimeout,
		MaxRedirects:   cfg.MaxRedirects,
		ProxyURL:       cfg.ProxyURL,
		Username:       cfg.Username,
		Password:       cfg.Password,
		BearerToken:    cfg.BearerToken,
		Headers:        cfg.Headers,
		Quiet:          cfg.Quiet,
	})
	if err != nil {
		return fmt.Errorf("failed to build transport client: %w", err)
	}

	// =========================================================================
	// Start Executor
	retrier := retry.New(retry.Policy{
		MaxAttempts: cfg.MaxRetries,
		Base:        cfg.RetryBackoffBase,
		Cap:         cfg.RetryBackoffCap,
	})

	flags := fetch.Flags{
		Overwrite:      cfg.Overwrite,
		OnlyIfModified: cfg.OnlyIfModified,
	}

	executor := fetch.NewExecutor(
		client,
		fetch.NewFreshnessEvaluator(client, cache),
		retrier,
		flags,
		cfg.MaxParallel,
		fetch.WithValidatorCache(cache),
		fetch.WithTelemetry(tel),
	)

	if cfg.InvocationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.InvocationTimeout)
		defer cancel()
	}

	// =========================================================================
	// Run Invocation
	result := executor.Run(ctx, units)

	for _, u := range result.Units {
		logger.Info("unit finished",
			"url", u.Unit.URL,
			"dest", u.Unit.Dest,
			"state", u.State.String(),
			"bytes", u.Bytes,
			"duration", u.Duration.String(),
		)
	}

	if !result.OK() {
		notifyFailure(ctx, cfg, result)

		return fmt.Errorf("%d of %d units failed: %w", len(result.Failed()), len(result.Units), result.Err())
	}

	return nil
}

func notifyFailure(ctx context.Context, cfg *config.Config, result *fetch.Result) {
	if cfg.WebhookURL == "" {
		return
	}

	logger := logctx.LoggerFromContext(ctx)
	notif := &notifier.WebhookNotifier{WebhookURL: cfg.WebhookURL}

	for _, u := range result.Failed() {
		if notifyErr := notif.Notify(
			"❌ Download failed: " + u.Unit.URL + " -> " + u.Unit.Dest + " (" + u.Err.Error() + ")",
		); notifyErr != nil {
			logger.Error("failed to send notification", "err", notifyErr)
		}
	}
}

// startMetricsServer exposes /metrics and /healthz for the duration of the
// invocation. Long transfers are observable mid-flight; the server dies with
// the process.
func startMetricsServer(ctx context.Context, tel *telemetry.Telemetry, addr string) {
	logger := logctx.LoggerFromContext(ctx)

	r := chi.NewRouter()
	r.Handle("/metrics", tel.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	server := &http.Server{
		Addr:    addr,
		Handler: r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		logger.Info("serving metrics", "addr", addr)

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "err", err)
		}
	}()

	go func() {
		<-ctx.Done()
		_ = server.Close()
	}()
}
