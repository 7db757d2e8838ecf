package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/pagepulse/pagepulse/internal/api"
	"github.com/pagepulse/pagepulse/internal/db"
	"github.com/pagepulse/pagepulse/internal/google"
	"github.com/pagepulse/pagepulse/internal/indexer"
	"github.com/pagepulse/pagepulse/internal/indexnow"
	"github.com/pagepulse/pagepulse/internal/liveness"
	"github.com/pagepulse/pagepulse/internal/notifications"
	"github.com/pagepulse/pagepulse/internal/observability"
	"github.com/pagepulse/pagepulse/internal/sitemap"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const userAgent = "PagePulse/0.2 (+https://pagepulse.dev)"

// Config holds the application configuration loaded from environment variables
type Config struct {
	Port                 string // HTTP port to listen on
	Env                  string // Environment (development/production)
	SentryDSN            string // Sentry DSN for error tracking
	LogLevel             string // Log level (debug, info, warn, error)
	JobsSecret           string // Shared secret for the scheduled-job endpoints
	SchedulerEnabled     bool   // Run the in-process job tickers
	ObservabilityEnabled bool   // Toggle OpenTelemetry + Prometheus exporters
	MetricsAddr          string // Address for Prometheus metrics endpoint (":9464" style)
	OTLPEndpoint         string // OTLP HTTP endpoint for trace export
	OTLPHeaders          string // Comma separated headers for OTLP exporter
	OTLPInsecure         bool   // Disable TLS verification for OTLP exporter
}

func main() {
	// Load .env files - .env.local takes priority for development
	godotenv.Load(".env.local", ".env")

	config := &Config{
		Port:                 getEnvWithDefault("PORT", "8080"),
		Env:                  getEnvWithDefault("APP_ENV", "development"),
		SentryDSN:            os.Getenv("SENTRY_DSN"),
		LogLevel:             getEnvWithDefault("LOG_LEVEL", "info"),
		JobsSecret:           os.Getenv("JOBS_SECRET"),
		SchedulerEnabled:     getEnvWithDefault("SCHEDULER_ENABLED", "true") == "true",
		ObservabilityEnabled: getEnvWithDefault("OBSERVABILITY_ENABLED", "true") == "true",
		MetricsAddr:          getEnvWithDefault("METRICS_ADDR", ":9464"),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPHeaders:          os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"),
		OTLPInsecure:         getEnvWithDefault("OTEL_EXPORTER_OTLP_INSECURE", "false") == "true",
	}

	setupLogging(config)

	if config.JobsSecret == "" {
		log.Warn().Msg("JOBS_SECRET not configured, job trigger endpoints disabled")
	}

	// Initialise Sentry for error tracking and performance monitoring
	if config.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         config.SentryDSN,
			Environment: config.Env,
			TracesSampleRate: func() float64 {
				if config.Env == "production" {
					return 0.1 // 10% sampling in production
				}
				return 1.0 // 100% sampling in development
			}(),
			AttachStacktrace: true,
			Debug:            config.Env == "development",
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialise Sentry")
		} else {
			log.Info().Str("environment", config.Env).Msg("Sentry initialised successfully")
			// Ensure Sentry flushes before application exits
			defer sentry.Flush(2 * time.Second)
		}
	} else {
		log.Warn().Msg("Sentry DSN not configured, error tracking disabled")
	}

	var (
		obsProviders *observability.Providers
		metricsSrv   *http.Server
		err          error
	)

	if config.ObservabilityEnabled {
		obsProviders, err = observability.Init(context.Background(), observability.Config{
			Enabled:        true,
			ServiceName:    "pagepulse",
			Environment:    config.Env,
			OTLPEndpoint:   strings.TrimSpace(config.OTLPEndpoint),
			OTLPHeaders:    parseOTLPHeaders(config.OTLPHeaders),
			OTLPInsecure:   config.OTLPInsecure,
			MetricsAddress: config.MetricsAddr,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialise observability providers")
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := obsProviders.Shutdown(shutdownCtx); err != nil {
					log.Warn().Err(err).Msg("Failed to flush telemetry providers cleanly")
				}
			}()

			if obsProviders.MetricsHandler != nil && config.MetricsAddr != "" {
				metricsSrv = &http.Server{
					Addr:              config.MetricsAddr,
					Handler:           obsProviders.MetricsHandler,
					ReadHeaderTimeout: 5 * time.Second,
				}

				go func() {
					log.Info().Str("addr", config.MetricsAddr).Msg("Metrics server listening")
					if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						sentry.CaptureException(err)
						log.Error().Err(err).Msg("Metrics server failed")
					}
				}()

				defer func() {
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := metricsSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Warn().Err(err).Msg("Graceful shutdown of metrics server failed")
					}
				}()
			}
		}
	}

	// Connect to PostgreSQL
	database, err := db.InitFromEnvWithRetry(context.Background())
	if err != nil {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL database")
	}
	defer database.Close()

	log.Info().Msg("Connected to PostgreSQL database")

	// Google clients share one token provider so refreshed tokens are cached
	// across the Indexing and Search Console APIs.
	tokens := google.NewTokenProvider(database, os.Getenv("GOOGLE_CLIENT_ID"), os.Getenv("GOOGLE_CLIENT_SECRET"))
	indexingClient := google.NewIndexingClient(tokens)
	searchConsole := google.NewSearchConsoleClient(tokens)
	indexnowClient := indexnow.New()
	sitemaps := sitemap.NewFetcher(userAgent)
	checker := liveness.NewChecker(userAgent)

	notifier := buildNotifier(database)

	ix := indexer.New(database, indexingClient, searchConsole, indexnowClient, sitemaps, checker, notifier)

	// Create API handler with dependencies
	apiHandler := api.NewHandler(database, ix, config.JobsSecret)

	mux := http.NewServeMux()
	apiHandler.SetupRoutes(mux)

	// Add middleware in reverse order (outermost first)
	var handler http.Handler = mux
	handler = api.RateLimitMiddleware(rate.Limit(20), 10)(handler)
	handler = api.LoggingMiddleware(handler)
	handler = api.RequestIDMiddleware(handler)
	handler = api.SecurityHeadersMiddleware(handler)
	handler = api.CORSMiddleware(handler)
	handler = observability.WrapHandler(handler, obsProviders)

	server := &http.Server{
		Addr:    ":" + config.Port,
		Handler: handler,
	}

	schedulerCtx, stopScheduler := context.WithCancel(context.Background())
	var scheduler *errgroup.Group
	if config.SchedulerEnabled {
		scheduler = startScheduler(schedulerCtx, ix)
	}

	// Channel to listen for termination signals
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	// Channel to signal when the server has shut down
	done := make(chan struct{})

	go func() {
		<-stop
		log.Info().Msg("Shutting down server...")

		stopScheduler()
		if scheduler != nil {
			if err := scheduler.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn().Err(err).Msg("Scheduler stopped with error")
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// Stop accepting new requests
		if err := server.Shutdown(ctx); err != nil {
			sentry.CaptureException(err)
			log.Error().Err(err).Msg("Server forced to shutdown")
		}

		close(done)
	}()

	log.Info().Str("port", config.Port).Msg("Starting server")

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("Server error")
	}

	<-done // Wait for the shutdown process to complete
	stopScheduler()
	log.Info().Msg("Server stopped")
}

// buildNotifier wires whichever alert channels are configured. With no
// channels configured alerts are still recorded in logs by the service.
func buildNotifier(database *db.DB) *notifications.Service {
	notifier := notifications.NewService(database)

	if token := os.Getenv("SLACK_BOT_TOKEN"); token != "" {
		channelID := os.Getenv("SLACK_CHANNEL_ID")
		if channelID == "" {
			log.Warn().Msg("SLACK_BOT_TOKEN set without SLACK_CHANNEL_ID, Slack alerts disabled")
		} else {
			notifier.AddChannel(notifications.NewSlackChannel(token, channelID))
			log.Info().Str("channel", channelID).Msg("Slack alerts enabled")
		}
	}

	if apiKey := os.Getenv("LOOPS_API_KEY"); apiKey != "" {
		templates := map[string]string{
			notifications.TypeLowCredits:   os.Getenv("LOOPS_TEMPLATE_LOW_CREDITS"),
			notifications.TypeDeadURLs:     os.Getenv("LOOPS_TEMPLATE_DEAD_URLS"),
			notifications.TypeTokenFailure: os.Getenv("LOOPS_TEMPLATE_TOKEN_FAILURE"),
		}
		notifier.AddChannel(notifications.NewEmailChannel(database, apiKey, templates))
		log.Info().Msg("Email alerts enabled")
	}

	return notifier
}

// startScheduler runs the three recurring jobs on in-process tickers. The
// jobs are also exposed via /v1/jobs/run/ for external cron services; the
// per-site lock keeps overlapping triggers harmless.
func startScheduler(ctx context.Context, ix *indexer.Indexer) *errgroup.Group {
	g, ctx := errgroup.WithContext(ctx)

	schedule := func(name string, interval time.Duration, run func(context.Context) error) {
		g.Go(func() error {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			log.Info().Str("job", name).Dur("interval", interval).Msg("Scheduled job started")
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
					if err := run(ctx); err != nil {
						sentry.CaptureException(err)
						log.Error().Err(err).Str("job", name).Msg("Scheduled job failed")
					}
				}
			}
		})
	}

	schedule(indexer.JobAutoIndex, getEnvDuration("AUTO_INDEX_INTERVAL", 24*time.Hour), func(ctx context.Context) error {
		_, err := ix.RunAll(ctx)
		return err
	})
	schedule(indexer.JobRetryFailed, getEnvDuration("RETRY_INTERVAL", 6*time.Hour), func(ctx context.Context) error {
		_, err := ix.RunRetries(ctx)
		return err
	})
	schedule(indexer.JobResync, getEnvDuration("RESYNC_INTERVAL", 24*time.Hour), func(ctx context.Context) error {
		_, err := ix.RunResync(ctx)
		return err
	})

	return g
}

// getEnvWithDefault retrieves an environment variable or returns a default value if not set
func getEnvWithDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvDuration retrieves an environment variable as a duration or returns a default value if not set or invalid
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		log.Warn().
			Str("key", key).
			Str("value", value).
			Dur("default", defaultValue).
			Msg("Invalid duration in environment variable, using default")
		return defaultValue
	}

	return d
}

func parseOTLPHeaders(raw string) map[string]string {
	headers := make(map[string]string)
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return headers
	}

	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}

		headers[key] = value
	}

	return headers
}

// setupLogging configures the logging system
func setupLogging(config *Config) {
	// Configure log level
	level, err := zerolog.ParseLevel(config.LogLevel)
	if err != nil {
		level = zerolog.WarnLevel
	}
	zerolog.SetGlobalLevel(level)

	// Use console writer in development
	if config.Env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		// In production, use a JSON format that works well with Fly.io logs
		log.Logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Str("service", "pagepulse").
			Logger()
	}
}
