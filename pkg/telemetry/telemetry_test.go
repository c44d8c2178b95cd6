package telemetry

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func withRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() {
		otel.SetTracerProvider(previous)
		_ = provider.Shutdown(context.Background())
	})
	return recorder
}

func TestWithSpan(t *testing.T) {
	recorder := withRecorder(t)

	tracer := Tracer("")
	err := WithSpan(context.Background(), tracer, "dispatch.test", func(ctx context.Context) error {
		SetAttributes(ctx, attribute.Int("tokens", 42))
		AddEvent(ctx, "process.started")
		return nil
	}, attribute.String("service", "gemini"))
	require.NoError(t, err)

	failure := errors.New("boom")
	err = WithSpan(context.Background(), tracer, "dispatch.failing", func(context.Context) error {
		return failure
	})
	assert.Equal(t, failure, err)

	spans := recorder.Ended()
	require.Len(t, spans, 2)

	assert.Equal(t, "dispatch.test", spans[0].Name())
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
	assert.Contains(t, spans[0].Attributes(), attribute.String("service", "gemini"))
	assert.Contains(t, spans[0].Attributes(), attribute.Int("tokens", 42))
	require.Len(t, spans[0].Events(), 1)
	assert.Equal(t, "process.started", spans[0].Events()[0].Name)

	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Equal(t, "boom", spans[1].Status().Description)
}

func TestRecordErrorDescription(t *testing.T) {
	recorder := withRecorder(t)

	ctx, span := Tracer("handoff.test").Start(context.Background(), "dispatch")
	RecordError(ctx, errors.New("exit status 1"), "process_execution")
	span.End()

	_, other := Tracer("handoff.test").Start(context.Background(), "dispatch")
	RecordError(trace.ContextWithSpan(context.Background(), other), errors.New("disk full"), "")
	other.End()

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "process_execution", spans[0].Status().Description)
	require.Len(t, spans[0].Events(), 1)
	assert.Equal(t, "exception", spans[0].Events()[0].Name)
	assert.Equal(t, "disk full", spans[1].Status().Description)
}

func TestInitTracerDisabled(t *testing.T) {
	shutdown, err := InitTracer(context.Background(), Config{Enabled: false})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestConfigSampler(t *testing.T) {
	sampler, err := Config{}.sampler()
	require.NoError(t, err)
	assert.Equal(t, sdktrace.AlwaysSample().Description(), sampler.Description())

	sampler, err = Config{SamplerType: SamplerNever}.sampler()
	require.NoError(t, err)
	assert.Equal(t, sdktrace.NeverSample().Description(), sampler.Description())

	sampler, err = Config{SamplerType: SamplerRatio, SamplerRatio: 0.5}.sampler()
	require.NoError(t, err)
	assert.Contains(t, sampler.Description(), "TraceIDRatioBased{0.5}")
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{"disabled ignores sampler", Config{Enabled: false, SamplerType: "sometimes"}, ""},
		{"ratio", Config{Enabled: true, SamplerType: SamplerRatio, SamplerRatio: 0.25}, ""},
		{"unknown sampler", Config{Enabled: true, SamplerType: "sometimes"}, `invalid tracing.sampler "sometimes"`},
		{"ratio above one", Config{Enabled: true, SamplerType: SamplerRatio, SamplerRatio: 1.5}, "invalid tracing.ratio 1.5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestInitTracerRejectsInvalidSampler(t *testing.T) {
	_, err := InitTracer(context.Background(), Config{Enabled: true, SamplerType: "sometimes"})
	assert.Error(t, err)
}

func TestExporterOptions(t *testing.T) {
	assert.Empty(t, Config{}.exporterOptions())
	assert.Len(t, Config{Endpoint: "localhost:4318", Insecure: true}.exporterOptions(), 2)
}
