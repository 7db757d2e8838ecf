package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config controls observability initialisation.
type Config struct {
	Enabled        bool
	ServiceName    string
	Environment    string
	OTLPEndpoint   string
	OTLPHeaders    map[string]string
	OTLPInsecure   bool
	MetricsAddress string
}

// Providers exposes configured telemetry providers.
type Providers struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	Propagator     propagation.TextMapPropagator
	MetricsHandler http.Handler
	Shutdown       func(ctx context.Context) error
	Config         Config
}

var (
	initOnce sync.Once

	indexTracer trace.Tracer

	submissionTotal  metric.Int64Counter
	quotaRejections  metric.Int64Counter
	creditsSpent     metric.Int64Counter
	siteRunDuration  metric.Float64Histogram
)

// Init configures tracing and metrics exporters. When cfg.Enabled is false the function is a no-op.
func Init(ctx context.Context, cfg Config) (*Providers, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "pagepulse"
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	var spanExporter sdktrace.SpanExporter
	if cfg.OTLPEndpoint != "" {
		clientOpts := []otlptracehttp.Option{
			getOTLPEndpointOption(cfg.OTLPEndpoint),
		}
		if cfg.OTLPInsecure {
			clientOpts = append(clientOpts, otlptracehttp.WithInsecure())
		}
		if len(cfg.OTLPHeaders) > 0 {
			clientOpts = append(clientOpts, otlptracehttp.WithHeaders(cfg.OTLPHeaders))
		}

		exp, err := otlptracehttp.New(ctx, clientOpts...)
		if err != nil {
			// Observability is optional; startup continues without traces.
			fmt.Printf("WARN: Failed to create OTLP trace exporter (traces disabled): %v\n", err)
		} else {
			spanExporter = exp
		}
	}

	traceOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
	}
	if spanExporter != nil {
		traceOpts = append(traceOpts, sdktrace.WithBatcher(spanExporter))
	}

	tracerProvider := sdktrace.NewTracerProvider(traceOpts...)
	otel.SetTracerProvider(tracerProvider)

	prop := propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
	otel.SetTextMapPropagator(prop)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	promExporter, err := otelprom.New(
		otelprom.WithRegisterer(registry),
	)
	if err != nil {
		_ = tracerProvider.Shutdown(ctx) // best-effort cleanup
		return nil, fmt.Errorf("create Prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExporter),
	)
	otel.SetMeterProvider(meterProvider)

	initOnce.Do(func() {
		indexTracer = tracerProvider.Tracer("pagepulse/indexer")
		_ = initIndexerInstruments(meterProvider)
	})

	shutdown := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		var allErr error
		if err := meterProvider.Shutdown(ctx); err != nil {
			allErr = errors.Join(allErr, fmt.Errorf("metric provider shutdown: %w", err))
		}
		if err := tracerProvider.Shutdown(ctx); err != nil {
			allErr = errors.Join(allErr, fmt.Errorf("trace provider shutdown: %w", err))
		}
		return allErr
	}

	return &Providers{
		TracerProvider: tracerProvider,
		MeterProvider:  meterProvider,
		Propagator:     prop,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Shutdown:       shutdown,
		Config:         cfg,
	}, nil
}

func getOTLPEndpointOption(endpoint string) otlptracehttp.Option {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return otlptracehttp.WithEndpointURL(endpoint)
	}
	return otlptracehttp.WithEndpoint(endpoint)
}

// WrapHandler applies OpenTelemetry instrumentation to an http.Handler when the providers are active.
func WrapHandler(handler http.Handler, prov *Providers) http.Handler {
	if prov == nil || prov.TracerProvider == nil {
		return handler
	}

	options := []otelhttp.Option{
		otelhttp.WithTracerProvider(prov.TracerProvider),
		otelhttp.WithPropagators(prov.Propagator),
		otelhttp.WithMeterProvider(prov.MeterProvider),
		otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
			return fmt.Sprintf("%s %s", r.Method, r.URL.Path)
		}),
		// Skip tracing for health checks to reduce noise
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/health"
		}),
	}

	return otelhttp.NewHandler(handler, "http.server", options...)
}

func initIndexerInstruments(meterProvider *sdkmetric.MeterProvider) error {
	if meterProvider == nil {
		return nil
	}

	meter := meterProvider.Meter("pagepulse/indexer")

	var err error
	submissionTotal, err = meter.Int64Counter(
		"pagepulse.submissions.total",
		metric.WithDescription("URL submissions by channel and outcome"),
	)
	if err != nil {
		return err
	}

	quotaRejections, err = meter.Int64Counter(
		"pagepulse.quota.rejections.total",
		metric.WithDescription("URLs skipped because the daily submission quota was exhausted"),
	)
	if err != nil {
		return err
	}

	creditsSpent, err = meter.Int64Counter(
		"pagepulse.credits.spent.total",
		metric.WithDescription("Credits consumed by Google submissions"),
	)
	if err != nil {
		return err
	}

	siteRunDuration, err = meter.Float64Histogram(
		"pagepulse.site_run.duration_ms",
		metric.WithUnit("ms"),
		metric.WithDescription("Time taken for a full single-site indexing run"),
	)
	return err
}

// SiteRunSpanInfo describes the attributes used when starting a site run span.
type SiteRunSpanInfo struct {
	SiteID string
	Domain string
}

// SiteRunMetrics describes a completed site run for metric recording.
type SiteRunMetrics struct {
	SiteID          string
	SubmittedGoogle int
	SubmittedBing   int
	FailedGoogle    int
	FailedBing      int
	SkippedQuota    int
	CreditsUsed     int
	Duration        time.Duration
}

// StartSiteRunSpan starts a span for a single-site indexing run.
func StartSiteRunSpan(ctx context.Context, info SiteRunSpanInfo) (context.Context, trace.Span) {
	t := indexTracer
	if t == nil {
		t = otel.Tracer("pagepulse/indexer")
	}

	attrs := []attribute.KeyValue{
		attribute.String("site.id", info.SiteID),
		attribute.String("site.domain", info.Domain),
	}

	return t.Start(ctx, "indexer.run_site", trace.WithAttributes(attrs...))
}

// RecordSiteRun emits site run metrics when instrumentation is initialised.
func RecordSiteRun(ctx context.Context, metrics SiteRunMetrics) {
	siteAttr := metric.WithAttributes(attribute.String("site.id", metrics.SiteID))

	if submissionTotal != nil {
		record := func(channel, outcome string, count int) {
			if count == 0 {
				return
			}
			submissionTotal.Add(ctx, int64(count), metric.WithAttributes(
				attribute.String("site.id", metrics.SiteID),
				attribute.String("channel", channel),
				attribute.String("outcome", outcome),
			))
		}
		record("google", "submitted", metrics.SubmittedGoogle)
		record("google", "failed", metrics.FailedGoogle)
		record("indexnow", "submitted", metrics.SubmittedBing)
		record("indexnow", "failed", metrics.FailedBing)
	}

	if quotaRejections != nil && metrics.SkippedQuota > 0 {
		quotaRejections.Add(ctx, int64(metrics.SkippedQuota), siteAttr)
	}
	if creditsSpent != nil && metrics.CreditsUsed > 0 {
		creditsSpent.Add(ctx, int64(metrics.CreditsUsed), siteAttr)
	}
	if siteRunDuration != nil {
		siteRunDuration.Record(ctx, float64(metrics.Duration.Milliseconds()), siteAttr)
	}
}
