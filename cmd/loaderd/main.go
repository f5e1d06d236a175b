// Command loaderd hosts a headless page, loads the configured SDK scripts into
// it on demand and serves their status over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/R3E-Network/sdkloader/internal/config"
	"github.com/R3E-Network/sdkloader/internal/engine/events"
	"github.com/R3E-Network/sdkloader/internal/engine/metrics"
	"github.com/R3E-Network/sdkloader/internal/httpapi"
	"github.com/R3E-Network/sdkloader/internal/httputil"
	"github.com/R3E-Network/sdkloader/internal/loader"
	"github.com/R3E-Network/sdkloader/internal/middleware"
	"github.com/R3E-Network/sdkloader/internal/page"
	"github.com/R3E-Network/sdkloader/internal/warmer"
	"github.com/R3E-Network/sdkloader/pkg/logger"
)

func main() {
	var (
		envFile   = flag.String("env", ".env", "Optional .env file loaded before reading settings")
		resources = flag.String("resources", "", "Resource catalog (overrides LOADER_RESOURCES)")
		addr      = flag.String("addr", "", "Listen address (overrides LOADER_LISTEN_ADDR)")
		noWarm    = flag.Bool("no-warm", false, "Disable the background warmer")
	)
	flag.Parse()

	if err := run(*envFile, *resources, *addr, *noWarm); err != nil {
		fmt.Fprintf(os.Stderr, "loaderd: %v\n", err)
		os.Exit(1)
	}
}

func run(envFile, resourcesPath, addr string, noWarm bool) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load env (%s): %w", envFile, err)
		}
	}

	settings, err := config.LoadSettings()
	if err != nil {
		return err
	}
	if resourcesPath != "" {
		settings.ResourcesPath = resourcesPath
	}
	if addr != "" {
		settings.ListenAddr = addr
	}

	log, err := logger.New(logger.Config{Level: settings.LogLevel, Format: settings.LogFormat})
	if err != nil {
		return err
	}

	catalog, err := config.LoadResourcesConfigFromPath(settings.ResourcesPath)
	if err != nil {
		log.WithError(err).WithField("path", settings.ResourcesPath).Warn("using default resource catalog")
		catalog = config.DefaultResourcesConfig()
	}

	collector := metrics.NewCollector(settings.MetricsNamespace)
	eventLog := events.NewRingBuffer(settings.EventBufferSize)
	unsubscribe := eventLog.Subscribe(events.LogrusHandler(log.WithComponent("events")))
	defer unsubscribe()

	fetcher := httputil.NewScriptFetcher(httputil.ScriptFetcherConfig{
		Timeout:       settings.FetchTimeout,
		RatePerSecond: settings.FetchRate,
		Burst:         settings.FetchBurst,
		Metrics:       collector,
		Logger:        log.WithComponent("fetch"),
	})
	doc := page.New(fetcher,
		page.WithLogger(log.WithComponent("page")),
		page.WithFetchTimeout(settings.FetchTimeout),
		page.WithExecTimeout(settings.ExecTimeout),
	)

	registry := loader.NewRegistry(doc,
		loader.WithLogger(log.WithComponent("loader")),
		loader.WithMetrics(collector),
		loader.WithEvents(eventLog),
	)
	names := catalog.Names()

	var targets []warmer.Target
	for _, name := range names {
		res := catalog.Resources[name]
		if err := registry.Register(res.Resource(name)); err != nil {
			return fmt.Errorf("register %s: %w", name, err)
		}
		if res.Warm {
			targets = append(targets, warmer.Target{Resource: name, Args: res.ConstructorArgs()})
		}
	}
	log.WithField("resources", names).Info("resources registered")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var w *warmer.Warmer
	if !noWarm && settings.WarmSchedule != "" && len(targets) > 0 {
		cfg := warmer.DefaultConfig()
		cfg.Schedule = settings.WarmSchedule
		w = warmer.New(registry, targets, cfg,
			warmer.WithLogger(log.WithComponent("warmer")),
			warmer.WithMetrics(collector),
			warmer.WithEvents(eventLog),
		)
		if err := w.Start(); err != nil {
			return err
		}
		go w.Tick(ctx)
	}

	server := &http.Server{
		Addr: settings.ListenAddr,
		Handler: httpapi.NewRouter(httpapi.Config{
			Registry:       registry,
			Events:         eventLog,
			Metrics:        collector,
			Logger:         log.WithComponent("api"),
			AcquireLimiter: middleware.NewRateLimiter(settings.AcquireRate, settings.AcquireBurst, log.WithComponent("api")),
			CORS:           middleware.NewCORSMiddleware(settings.CORSOriginList()),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", settings.ListenAddr).Info("status API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if w != nil {
		if err := w.Stop(shutdownCtx); err != nil {
			log.WithError(err).Warn("warmer did not stop cleanly")
		}
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("stopped")
	return nil
}
