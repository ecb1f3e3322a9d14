package telemetry

import (
	"context"
	"testing"

	"github.com/ashureev/dailybot/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSetupWithoutEndpointKeepsGlobal(t *testing.T) {
	before := otel.GetTracerProvider()

	shutdown, err := Setup(context.Background(), config.TracingConfig{})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	assert.Equal(t, before, otel.GetTracerProvider())
}

func TestSetupInstallsProvider(t *testing.T) {
	before := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(before) })

	shutdown, err := Setup(context.Background(), config.TracingConfig{
		Endpoint:    "http://127.0.0.1:4318",
		ServiceName: "dailybot-test",
	})
	require.NoError(t, err)

	_, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	assert.True(t, ok)
	require.NoError(t, shutdown(context.Background()))
}

func TestNewProviderServiceName(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := NewProvider("", sdktrace.WithSpanProcessor(sr))

	_, span := tp.Tracer("test").Start(context.Background(), "op")
	span.End()

	spans := sr.Ended()
	require.Len(t, spans, 1)
	name, ok := spans[0].Resource().Set().Value("service.name")
	require.True(t, ok)
	assert.Equal(t, "dailybot", name.AsString())
}
