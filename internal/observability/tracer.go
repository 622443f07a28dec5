package observability

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const instrumentationName = "github.com/fluxbase-eu/pgtest"

// TracerConfig configures span export over OTLP/gRPC
type TracerConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`     // collector address, host:port
	ServiceName string  `mapstructure:"service_name"`
	Environment string  `mapstructure:"environment"`  // deployment.environment resource attribute
	SampleRate  float64 `mapstructure:"sample_rate"`  // fraction of root spans kept, 0.0-1.0
	Insecure    bool    `mapstructure:"insecure"`     // plaintext gRPC, for local collectors
}

// DefaultTracerConfig returns tracing disabled, pointed at a local collector
func DefaultTracerConfig() TracerConfig {
	return TracerConfig{
		Enabled:     false,
		Endpoint:    "localhost:4317",
		ServiceName: "pgtest",
		Environment: "test",
		SampleRate:  1.0,
		Insecure:    true,
	}
}

// Validate checks an enabled configuration; a disabled one is always valid
func (tc *TracerConfig) Validate() error {
	switch {
	case !tc.Enabled:
		return nil
	case tc.Endpoint == "":
		return fmt.Errorf("tracing endpoint is required when tracing is enabled")
	case tc.SampleRate < 0 || tc.SampleRate > 1:
		return fmt.Errorf("tracing sample_rate must be between 0 and 1, got: %v", tc.SampleRate)
	}
	return nil
}

func (tc TracerConfig) withDefaults() TracerConfig {
	def := DefaultTracerConfig()
	if tc.Endpoint == "" {
		tc.Endpoint = def.Endpoint
	}
	if tc.ServiceName == "" {
		tc.ServiceName = def.ServiceName
	}
	if tc.Environment == "" {
		tc.Environment = def.Environment
	}
	if tc.SampleRate <= 0 {
		tc.SampleRate = def.SampleRate
	}
	return tc
}

// Every suite in a test binary shares one exporting provider. It is installed
// globally by the first enabled tracer and shut down with the last.
var shared struct {
	mu       sync.Mutex
	provider *sdktrace.TracerProvider
	refs     int
}

// Tracer is a suite's handle on the shared provider
type Tracer struct {
	enabled  bool
	released sync.Once
}

// NewTracer acquires the shared OTLP provider, creating it on first use. With
// tracing disabled it returns a handle that leaves the global provider alone.
func NewTracer(ctx context.Context, cfg TracerConfig, version string) (*Tracer, error) {
	if !cfg.Enabled {
		log.Debug().Msg("OpenTelemetry tracing is disabled")
		return &Tracer{}, nil
	}

	shared.mu.Lock()
	defer shared.mu.Unlock()

	if shared.provider == nil {
		provider, err := newProvider(ctx, cfg.withDefaults(), version)
		if err != nil {
			return nil, err
		}
		otel.SetTracerProvider(provider)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
		shared.provider = provider
	}
	shared.refs++

	return &Tracer{enabled: true}, nil
}

func newProvider(ctx context.Context, cfg TracerConfig, version string) (*sdktrace.TracerProvider, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts,
			otlptracegrpc.WithInsecure(),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(version),
		semconv.DeploymentEnvironment(cfg.Environment),
	))
	if err != nil {
		_ = exporter.Shutdown(ctx)
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	log.Info().
		Str("endpoint", cfg.Endpoint).
		Str("service_name", cfg.ServiceName).
		Float64("sample_rate", cfg.SampleRate).
		Msg("OpenTelemetry tracing initialized")

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(samplerFor(cfg.SampleRate)),
	), nil
}

func samplerFor(rate float64) sdktrace.Sampler {
	if rate >= 1 {
		return sdktrace.AlwaysSample()
	}
	if rate <= 0 {
		return sdktrace.NeverSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

// Shutdown releases the handle. The last release flushes pending spans and
// stops the exporter. Further calls are no-ops.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if !t.enabled {
		return nil
	}

	var err error
	t.released.Do(func() {
		shared.mu.Lock()
		defer shared.mu.Unlock()

		shared.refs--
		if shared.refs > 0 || shared.provider == nil {
			return
		}
		log.Debug().Msg("Shutting down OpenTelemetry tracer")
		err = shared.provider.Shutdown(ctx)
		shared.provider = nil
	})
	return err
}

// IsEnabled reports whether spans are exported
func (t *Tracer) IsEnabled() bool {
	return t.enabled
}

// StartSpan starts an internal span such as pgtest.acquire or pgtest.seed
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
}

// StartDBSpan starts a client span for a statement issued by a suite client
func StartDBSpan(ctx context.Context, client, operation, database string) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, "db."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			semconv.DBSystemPostgreSQL,
			semconv.DBOperation(operation),
			semconv.DBName(database),
			attribute.String("pgtest.client", client),
		),
	)
}

// EndSpan marks span failed when err is set, then ends it
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
