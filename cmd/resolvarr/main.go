// Package main provides the entry point for the Resolvarr service.
package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof" // Import for side effects - registers pprof handlers
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/resolvarr/resolvarr/internal/browser"
	"github.com/resolvarr/resolvarr/internal/classify"
	"github.com/resolvarr/resolvarr/internal/config"
	"github.com/resolvarr/resolvarr/internal/cookiejar"
	"github.com/resolvarr/resolvarr/internal/decode"
	"github.com/resolvarr/resolvarr/internal/extract"
	"github.com/resolvarr/resolvarr/internal/fetch"
	"github.com/resolvarr/resolvarr/internal/formsubmit"
	"github.com/resolvarr/resolvarr/internal/handlers"
	"github.com/resolvarr/resolvarr/internal/headless"
	"github.com/resolvarr/resolvarr/internal/history"
	"github.com/resolvarr/resolvarr/internal/hostrules"
	"github.com/resolvarr/resolvarr/internal/metrics"
	"github.com/resolvarr/resolvarr/internal/middleware"
	"github.com/resolvarr/resolvarr/internal/resolver"
	"github.com/resolvarr/resolvarr/internal/sites"
	"github.com/resolvarr/resolvarr/internal/stats"
	"github.com/resolvarr/resolvarr/pkg/version"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Setup logging first so validation warnings are visible
	setupLogging(cfg.LogLevel)

	// Validate configuration
	cfg.Validate()

	// Print banner
	printBanner()

	// Host rules drive classification, extraction and form handling.
	rules, err := hostrules.NewManager(cfg.HostRulesPath, cfg.HostRulesHotReload)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load host rules")
	}

	client := fetch.New(fetch.Options{
		Timeout:       cfg.HopTimeout,
		RetryAttempts: cfg.RetryAttempts,
		RetryBackoff:  cfg.RetryBackoff,
		UserAgent:     version.UserAgent,
	})
	classifier := classify.New(rules)
	extractor := extract.New(rules)
	forms := formsubmit.New(client, rules)

	var decryptor *decode.Decryptor
	if cfg.DecryptorURL != "" {
		log.Info().Str("url", cfg.DecryptorURL).Msg("Decryption service configured")
		decryptor = decode.NewDecryptor(cfg.DecryptorURL)
	}

	// Decode hooks fetch auxiliary pages through the same hop client,
	// but with a throwaway cookie jar so they never taint a chain.
	pageFetch := func(ctx context.Context, pageURL, referer string) (string, error) {
		resp, err := client.Do(ctx, cookiejar.New(), fetch.Request{URL: pageURL, Referer: referer})
		if err != nil {
			return "", err
		}
		return resp.Body, nil
	}

	registry := sites.NewRegistry(classifier, decryptor, pageFetch, cfg.DecodeWaitCap)
	static := resolver.NewStatic(client, classifier, extractor, forms, cfg.MaxHops)

	// Initialize the browser pool only when headless escalation is on.
	var pool *browser.Pool
	var headlessRes handlers.EscalationResolver
	if cfg.Headless {
		log.Info().Msg("Initializing browser pool...")
		pool, err = browser.NewPool(cfg)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize browser pool")
		}
		headlessRes = headless.New(pool, classifier, extractor, rules, cfg, version.UserAgent)
	} else {
		log.Info().Msg("Headless resolution disabled - static chains only")
	}

	var hist *history.Store
	if cfg.HistoryEnabled {
		hist, err = history.Open(cfg.HistoryPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.HistoryPath).Msg("Failed to open history store")
		}
		log.Info().Str("path", cfg.HistoryPath).Msg("Resolution history enabled")
	}

	statsManager := stats.NewManager()

	// Create handler
	handler := handlers.New(cfg, static, headlessRes, registry, statsManager, hist, pool)

	mux := http.NewServeMux()
	mux.HandleFunc("/v1", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			handler.HandleMethodNotAllowed(w, r)
			return
		}
		handler.HandleAPI(w, r)
	})
	mux.HandleFunc("/health", handler.HandleHealth)
	mux.HandleFunc("/stats", handler.HandleStats)
	mux.HandleFunc("/history", handler.HandleHistory)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			handler.HandleNotFound(w, r)
			return
		}
		handler.HandleDashboard(w, r)
	})

	// Build middleware chain (first listed runs first)
	stack := []func(http.Handler) http.Handler{
		middleware.Recovery,
		middleware.Logging,
		middleware.Timeout(cfg.MaxTimeout + 5*time.Second),
	}

	var limiter *middleware.RateLimiter
	if cfg.RateLimitEnabled {
		log.Info().
			Int("requests_per_minute", cfg.RateLimitRPM).
			Bool("trust_proxy", cfg.TrustProxy).
			Msg("Rate limiting enabled")
		limiter = middleware.NewRateLimiter(cfg.RateLimitRPM, cfg.TrustProxy)
		stack = append(stack, limiter.Handler())
	}

	stack = append(stack,
		middleware.APIKey(cfg),
		middleware.CORS(middleware.CORSConfig{AllowedOrigins: cfg.CORSAllowedOrigins}),
		middleware.SecurityHeaders,
	)

	finalHandler := middleware.Chain(stack...)(mux)

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      finalHandler,
		ReadTimeout:  cfg.MaxTimeout + 10*time.Second,
		WriteTimeout: cfg.MaxTimeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Channel to signal shutdown to background tasks
	stopCh := make(chan struct{})

	// Start metrics server if enabled
	var metricsServer *http.Server
	if cfg.PrometheusEnabled {
		metrics.SetBuildInfo(version.Full(), version.GoVersion())

		go metrics.StartMemoryCollector(10*time.Second, stopCh)

		if pool != nil {
			go func() {
				ticker := time.NewTicker(10 * time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-stopCh:
						return
					case <-ticker.C:
						metrics.UpdatePoolMetrics(pool.Size(), pool.Available())
					}
				}
			}()
		}

		metricsAddr := fmt.Sprintf(":%d", cfg.PrometheusPort)
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metrics.Handler())

		metricsServer = &http.Server{
			Addr:         metricsAddr,
			Handler:      metricsMux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}

		go func() {
			log.Info().
				Int("port", cfg.PrometheusPort).
				Msg("Prometheus metrics server started")

			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	// Start pprof server if enabled
	// WARNING: pprof should only be enabled in development/debugging
	// as it exposes detailed runtime information
	var pprofServer *http.Server
	if cfg.PProfEnabled {
		pprofAddr := fmt.Sprintf("%s:%d", cfg.PProfBindAddr, cfg.PProfPort)
		pprofServer = &http.Server{
			Addr:         pprofAddr,
			Handler:      http.DefaultServeMux, // pprof registers to DefaultServeMux
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 60 * time.Second, // Profiles can take time
		}

		go func() {
			log.Warn().
				Str("addr", pprofAddr).
				Msg("WARNING: pprof profiling server started - exposes runtime internals, use for debugging only")

			if err := pprofServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("pprof server failed")
			}
		}()
	}

	// Start main server in goroutine
	go func() {
		log.Info().
			Str("address", addr).
			Int("max_hops", cfg.MaxHops).
			Bool("headless", cfg.Headless).
			Bool("metrics_enabled", cfg.PrometheusEnabled).
			Bool("rate_limit_enabled", cfg.RateLimitEnabled).
			Msg("Resolvarr is ready to accept requests")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	// Signal background tasks to stop
	close(stopCh)

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Shutdown main server
	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	// Shutdown metrics server if running
	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("Metrics server shutdown error")
		}
	}

	// Shutdown pprof server if running
	if pprofServer != nil {
		if err := pprofServer.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("pprof server shutdown error")
		}
	}

	if limiter != nil {
		limiter.Close()
	}

	if hist != nil {
		if err := hist.Close(); err != nil {
			log.Error().Err(err).Msg("History store close error")
		}
	}

	// Close browser pool
	if pool != nil {
		if err := pool.Close(); err != nil {
			log.Error().Err(err).Msg("Browser pool close error")
		}
	}

	if err := rules.Close(); err != nil {
		log.Error().Err(err).Msg("Host rules close error")
	}

	log.Info().Msg("Shutdown complete")
}

// setupLogging configures zerolog based on the log level.
func setupLogging(level string) {
	// Use console writer for prettier output
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	})

	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// printBanner prints the startup banner.
func printBanner() {
	banner := `
 ____                 _
|  _ \ ___  ___  ___ | |_   ____ _ _ __ _ __
| |_) / _ \/ __|/ _ \| \ \ / / _' | '__| '__|
|  _ <  __/\__ \ (_) | |\ V / (_| | |  | |
|_| \_\___||___/\___/|_| \_/ \__,_|_|  |_|
`
	fmt.Println(banner)
	log.Info().
		Str("version", version.Full()).
		Str("go_version", version.GoVersion()).
		Msg("Starting Resolvarr")
}
