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

	"github.com/Krau5e/CrowdGate/internal/adapter/emailpay"
	cghttp "github.com/Krau5e/CrowdGate/internal/adapter/http"
	cgnats "github.com/Krau5e/CrowdGate/internal/adapter/nats"
	"github.com/Krau5e/CrowdGate/internal/adapter/otel"
	"github.com/Krau5e/CrowdGate/internal/adapter/postgres"
	"github.com/Krau5e/CrowdGate/internal/adapter/ristretto"
	"github.com/Krau5e/CrowdGate/internal/config"
	"github.com/Krau5e/CrowdGate/internal/logger"
	"github.com/Krau5e/CrowdGate/internal/port/crowd"
	"github.com/Krau5e/CrowdGate/internal/port/notifier"
	"github.com/Krau5e/CrowdGate/internal/service"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags, err := config.ParseFlags(args)
	if err != nil {
		return fmt.Errorf("flags: %w", err)
	}
	cfg, cfgPath, err := config.LoadWithCLI(flags)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, closeLog := logger.New(cfg.Logging)
	defer closeLog.Close()
	slog.SetDefault(log)

	log.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Server.Port,
		"platforms", len(cfg.Platforms),
		"cooldown", cfg.Operator.Cooldown,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// SIGHUP re-reads the YAML file so operators can inspect config drift
	// without a restart; server and pool settings still need one.
	holder := config.NewHolder(cfg, cfgPath)
	go watchReload(ctx, holder, log)

	// --- Observability ---

	shutdownOtel, err := otel.Init(ctx, cfg.Logging.Service, cfg.Otel)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOtel(shutdownCtx); err != nil {
			log.Error("otel shutdown", "error", err)
		}
	}()

	metrics, err := otel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// --- Infrastructure ---

	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	log.Info("postgres ready")

	bus, err := cgnats.Connect(ctx, cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = bus.Close() }()

	// --- Platforms ---

	platforms, err := buildPlatforms(cfg.Platforms)
	if err != nil {
		return err
	}

	var fallbackPay crowd.Payment
	if cfg.Payment.SMTPHost != "" {
		fallbackPay, err = emailpay.New(cfg.Payment)
		if err != nil {
			return fmt.Errorf("payment fallback: %w", err)
		}
		log.Info("email payment fallback enabled", "to", cfg.Payment.To)
	}

	// --- Services ---

	// Platforms without their own identification fall back to reading the
	// worker id from a request parameter.
	workerParam := cfg.Identity.WorkerParam
	fallbackIdent := crowd.WorkerIdentificationFunc(func(params map[string][]string) (string, error) {
		if vs := params[workerParam]; len(vs) > 0 && vs[0] != "" {
			return vs[0], nil
		}
		return "", crowd.ErrUnidentifiedWorker
	})

	store := postgres.NewStore(pool)
	manager, err := service.NewPlatformManager(
		platforms, store, cfg.Breaker, fallbackPay, fallbackIdent, nil, metrics, log)
	if err != nil {
		return fmt.Errorf("platform manager: %w", err)
	}
	operator := service.NewExperimentOperator(manager, bus, cfg.Operator.Cooldown, metrics, log)
	finalizer := service.NewFinalizer(manager, bus,
		cfg.Operator.FinalizePoll, cfg.Operator.FinalizeParallel, metrics, log)

	go func() {
		if err := finalizer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("finalizer stopped", "error", err)
		}
	}()

	if len(cfg.Notifiers) > 0 {
		notifiers, err := buildNotifiers(cfg.Notifiers)
		if err != nil {
			return err
		}
		announcer := service.NewAnnouncer(bus, notifiers, log)
		stopAnnouncer, err := announcer.Start(ctx)
		if err != nil {
			return fmt.Errorf("announcer: %w", err)
		}
		defer stopAnnouncer()
		log.Info("lifecycle announcer started", "channels", len(notifiers))
	}

	// --- HTTP ---

	stateCache, err := ristretto.New(cfg.Cache.MaxSizeMB << 20)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}

	handlers := cghttp.NewHandlers(operator, manager, stateCache, cfg.Cache.TTL)

	var tracing func(http.Handler) http.Handler
	if cfg.Otel.Enabled {
		tracing = otel.HTTPMiddleware(cfg.Logging.Service)
	}
	router := cghttp.NewRouter(handlers, tracing, cfg.Server.CORSOrigin)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Info("starting server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// buildPlatforms instantiates every configured platform through the driver
// registry. The instance name overrides the driver's default so two instances
// of the same driver can coexist.
func buildPlatforms(configured []config.Platform) ([]crowd.Platform, error) {
	platforms := make([]crowd.Platform, 0, len(configured))
	for _, pc := range configured {
		settings := make(map[string]string, len(pc.Settings)+1)
		for k, v := range pc.Settings {
			settings[k] = v
		}
		if pc.Name != "" {
			settings["name"] = pc.Name
		}

		p, err := crowd.New(pc.Driver, settings)
		if err != nil {
			return nil, fmt.Errorf("platform %s (%s): %w", pc.Name, pc.Driver, err)
		}
		platforms = append(platforms, p)
	}
	return platforms, nil
}

// buildNotifiers instantiates every configured notification channel through
// the driver registry.
func buildNotifiers(configured []config.Notifier) ([]notifier.Notifier, error) {
	notifiers := make([]notifier.Notifier, 0, len(configured))
	for _, nc := range configured {
		n, err := notifier.New(nc.Driver, nc.Settings)
		if err != nil {
			return nil, fmt.Errorf("notifier %s: %w", nc.Driver, err)
		}
		notifiers = append(notifiers, n)
	}
	return notifiers, nil
}

// watchReload re-loads the YAML config on SIGHUP.
func watchReload(ctx context.Context, holder *config.Holder, log *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := holder.Reload(); err != nil {
				log.Error("config reload failed", "error", err)
				continue
			}
			cfg := holder.Get()
			log.Info("config reloaded", "platforms", len(cfg.Platforms),
				"cooldown", cfg.Operator.Cooldown)
		}
	}
}
