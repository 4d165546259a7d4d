// Package main wires the extraction service together.
package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof" // registers profiling handlers on DefaultServeMux
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/streamsnare/streamsnare/internal/browser"
	"github.com/streamsnare/streamsnare/internal/config"
	"github.com/streamsnare/streamsnare/internal/driver"
	"github.com/streamsnare/streamsnare/internal/extract"
	"github.com/streamsnare/streamsnare/internal/handlers"
	"github.com/streamsnare/streamsnare/internal/metrics"
	"github.com/streamsnare/streamsnare/internal/middleware"
	"github.com/streamsnare/streamsnare/internal/rules"
	"github.com/streamsnare/streamsnare/internal/stats"
	"github.com/streamsnare/streamsnare/internal/types"
	"github.com/streamsnare/streamsnare/pkg/version"
)

func main() {
	cfg := config.Load()

	// Logging first so validation warnings are visible.
	setupLogging(cfg.LogLevel, cfg.LogFormat)
	cfg.Validate()
	printBanner()

	clock := clockwork.NewRealClock()

	ruleMgr, err := rules.NewManager(cfg.RulesPath, cfg.RulesHotReload)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load interception rules")
	}

	pool := browser.NewPool(driver.NewRod(), cfg, clock)

	watchdog := browser.NewWatchdog(pool, cfg.CircuitExitThreshold, clock, nil)
	watchdog.Start()

	tracker := stats.NewTracker(clock)
	extractor := extract.New(pool, ruleMgr, tracker, clock)
	handler := handlers.New(pool, extractor, tracker, cfg)

	chain := middleware.Chain(
		middleware.Recovery,
		middleware.SecurityHeaders,
		middleware.Logging,
		middleware.BearerAuth(cfg),
	)

	// An extraction can legitimately hold its request open for the full
	// client timeout, so the write deadline sits above the request cap.
	maxExtraction := time.Duration(types.MaxTimeoutMs) * time.Millisecond
	apiAddr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	apiServer := &http.Server{
		Addr:         apiAddr,
		Handler:      chain(handler.Router()),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: maxExtraction + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler())
	metricsServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.MetricsPort),
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	metrics.SetBuildInfo(version.Full(), version.GoVersion())
	stopCollector := make(chan struct{})
	go metrics.StartMemoryCollector(10*time.Second, stopCollector)

	g, runCtx := errgroup.WithContext(context.Background())

	g.Go(func() error {
		log.Info().
			Str("address", apiAddr).
			Int("max_concurrent", cfg.MaxConcurrent).
			Bool("auth_configured", cfg.HasSecret()).
			Msg("Extraction API listening")

		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		log.Info().Int("port", cfg.MetricsPort).Msg("Metrics server listening")

		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	var pprofServer *http.Server
	if cfg.PProfEnabled {
		pprofServer = &http.Server{
			Addr:         fmt.Sprintf("127.0.0.1:%d", cfg.PProfPort),
			Handler:      http.DefaultServeMux,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 60 * time.Second,
		}
		g.Go(func() error {
			log.Warn().
				Str("addr", pprofServer.Addr).
				Msg("pprof server started, exposes runtime internals")

			if err := pprofServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("pprof server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			log.Info().Str("signal", sig.String()).Msg("Shutting down...")
		case <-runCtx.Done():
			// A sibling server failed; take the rest down with it.
		}

		watchdog.Stop()
		if err := ruleMgr.Close(); err != nil {
			log.Error().Err(err).Msg("Rules manager close error")
		}

		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := apiServer.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("API server shutdown error")
		}
		if err := metricsServer.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("Metrics server shutdown error")
		}
		if pprofServer != nil {
			if err := pprofServer.Shutdown(ctx); err != nil {
				log.Error().Err(err).Msg("pprof server shutdown error")
			}
		}

		if err := pool.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("Browser pool shutdown error")
		}

		close(stopCollector)
		tracker.Close()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("Service failed")
	}
	log.Info().Msg("Shutdown complete")
}

// setupLogging configures zerolog's level and output format. The json
// format keeps zerolog's default structured writer for log shippers;
// console is for humans at a terminal.
func setupLogging(level, format string) {
	if format != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	}

	switch level {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case "fatal":
		zerolog.SetGlobalLevel(zerolog.FatalLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// printBanner prints the startup banner.
func printBanner() {
	banner := `
 ____  _                            ____
/ ___|| |_ _ __ ___  __ _ _ __ ___ / ___| _ __   __ _ _ __ ___
\___ \| __| '__/ _ \/ _' | '_ ' _ \\___ \| '_ \ / _' | '__/ _ \
 ___) | |_| | |  __/ (_| | | | | | |___) | | | | (_| | | |  __/
|____/ \__|_|  \___|\__,_|_| |_| |_|____/|_| |_|\__,_|_|  \___|
`
	fmt.Println(banner)
	log.Info().
		Str("version", version.Full()).
		Str("go_version", version.GoVersion()).
		Msg("Starting StreamSnare")
}
