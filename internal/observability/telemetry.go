// Package observability owns the process-wide Prometheus listener, the OTLP
// tracer provider and trace-aware logging.
package observability

import (
	"context"
	"errors"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Config controls telemetry exporters and listeners.
type Config struct {
	ServiceName  string
	InstanceID   string
	Group        string
	MetricsAddr  string
	OTLPEndpoint string
	// SampleRatio is the fraction of root spans kept. Values outside (0, 1)
	// keep everything.
	SampleRatio float64
}

// Telemetry holds the exporters started for one replica process.
type Telemetry struct {
	tracerProvider *sdktrace.TracerProvider
	metricsSrv     *http.Server
	logger         zerolog.Logger
}

// Start installs the W3C propagator, the OTLP tracer provider when an
// endpoint is configured and the /metrics listener when an address is.
func Start(ctx context.Context, cfg Config, logger zerolog.Logger) (*Telemetry, error) {
	t := &Telemetry{logger: logger.With().Str("component", "telemetry").Logger()}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	if cfg.OTLPEndpoint != "" {
		exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint), otlptracegrpc.WithInsecure())
		if err != nil {
			return nil, err
		}
		t.tracerProvider = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithSampler(sampler(cfg.SampleRatio)),
			sdktrace.WithResource(replicaResource(cfg)),
		)
		otel.SetTracerProvider(t.tracerProvider)
		t.logger.Info().
			Str("endpoint", cfg.OTLPEndpoint).
			Float64("sample_ratio", cfg.SampleRatio).
			Msg("otlp tracing enabled")
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		}))
		t.metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := t.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				t.logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
		t.logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server started")
	}
	return t, nil
}

// Shutdown stops the metrics listener and flushes pending spans.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	if t.metricsSrv != nil {
		errs = append(errs, t.metricsSrv.Shutdown(ctx))
	}
	if t.tracerProvider != nil {
		errs = append(errs, t.tracerProvider.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

func replicaResource(cfg Config) *resource.Resource {
	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceInstanceID(cfg.InstanceID),
		attribute.String("cellsync.group", cfg.Group),
	)
}

func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// LoggerWithTrace attaches trace and span ids to the logger when ctx carries
// a valid span.
func LoggerWithTrace(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return logger
	}
	return logger.With().
		Str("trace_id", spanCtx.TraceID().String()).
		Str("span_id", spanCtx.SpanID().String()).
		Bool("trace_sampled", spanCtx.IsSampled()).
		Logger()
}

var (
	goroutinesDesc = prometheus.NewDesc("runtime_goroutines", "Number of goroutines in the process.", nil, nil)
	gcPauseDesc    = prometheus.NewDesc("runtime_last_gc_pause_seconds", "Duration of the most recent GC pause.", nil, nil)
	heapDesc       = prometheus.NewDesc("runtime_heap_alloc_bytes", "Bytes of allocated heap objects.", nil, nil)
)

// runtimeCollector reads runtime statistics once per scrape.
type runtimeCollector struct{}

func (runtimeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- goroutinesDesc
	ch <- gcPauseDesc
	ch <- heapDesc
}

func (runtimeCollector) Collect(ch chan<- prometheus.Metric) {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)

	pause := 0.0
	if stats.NumGC > 0 {
		pause = float64(stats.PauseNs[(stats.NumGC+255)%256]) / float64(time.Second)
	}
	ch <- prometheus.MustNewConstMetric(goroutinesDesc, prometheus.GaugeValue, float64(runtime.NumGoroutine()))
	ch <- prometheus.MustNewConstMetric(gcPauseDesc, prometheus.GaugeValue, pause)
	ch <- prometheus.MustNewConstMetric(heapDesc, prometheus.GaugeValue, float64(stats.HeapAlloc))
}

// RegisterRuntimeCollector exposes goroutine, GC pause and heap gauges.
func RegisterRuntimeCollector(reg prometheus.Registerer) error {
	return reg.Register(runtimeCollector{})
}
