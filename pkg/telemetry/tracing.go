// Package telemetry provides OpenTelemetry tracing for handoff. Spans are
// exported over OTLP/HTTP, to the configured endpoint or the one named by
// OTEL_EXPORTER_OTLP_ENDPOINT.
package telemetry

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// Sampler names accepted in Config.SamplerType
const (
	SamplerAlways = "always"
	SamplerNever  = "never"
	SamplerRatio  = "ratio"
)

// Config is the tracing section of the handoff configuration
type Config struct {
	Enabled        bool    `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	ServiceName    string  `mapstructure:"-" json:"-" yaml:"-"`
	ServiceVersion string  `mapstructure:"-" json:"-" yaml:"-"`
	SamplerType    string  `mapstructure:"sampler" json:"sampler,omitempty" yaml:"sampler,omitempty" jsonschema:"enum=always,enum=never,enum=ratio"`
	SamplerRatio   float64 `mapstructure:"ratio" json:"ratio,omitempty" yaml:"ratio,omitempty" jsonschema:"minimum=0,maximum=1"`
	// Endpoint is host:port of an OTLP/HTTP collector. Empty defers to the
	// OTEL_EXPORTER_OTLP_* environment variables.
	Endpoint string `mapstructure:"endpoint" json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Insecure bool   `mapstructure:"insecure" json:"insecure,omitempty" yaml:"insecure,omitempty"`
}

// Validate checks the sampler settings. A disabled config is always valid.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	_, err := c.sampler()
	return err
}

func (c Config) sampler() (sdktrace.Sampler, error) {
	switch c.SamplerType {
	case "", SamplerAlways:
		return sdktrace.AlwaysSample(), nil
	case SamplerNever:
		return sdktrace.NeverSample(), nil
	case SamplerRatio:
		if c.SamplerRatio < 0 || c.SamplerRatio > 1 {
			return nil, errors.Errorf("invalid tracing.ratio %v: must be between 0 and 1", c.SamplerRatio)
		}
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(c.SamplerRatio)), nil
	default:
		return nil, errors.Errorf("invalid tracing.sampler %q: must be always, never or ratio", c.SamplerType)
	}
}

func (c Config) exporterOptions() []otlptracehttp.Option {
	var opts []otlptracehttp.Option
	if c.Endpoint != "" {
		opts = append(opts, otlptracehttp.WithEndpoint(c.Endpoint))
	}
	if c.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	return opts
}

// InitTracer installs a global tracer provider exporting over OTLP/HTTP and
// returns the function that flushes and stops it. When tracing is disabled
// the global no-op provider is left in place.
func InitTracer(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	sampler, err := cfg.sampler()
	if err != nil {
		return nil, err
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = DefaultTracerName
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create resource")
	}

	exporter, err := otlptracehttp.New(ctx, cfg.exporterOptions()...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create trace exporter")
	}

	// dispatches are short-lived CLI runs, so flush often
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(time.Second)),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return provider.Shutdown, nil
}
