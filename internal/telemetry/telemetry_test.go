package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func TestInitWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "taskq-test"})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInjectExtractRoundTrip(t *testing.T) {
	_, err := Init(context.Background(), Config{})
	require.NoError(t, err)

	provider := sdktrace.NewTracerProvider()
	defer func() { _ = provider.Shutdown(context.Background()) }()

	ctx, span := provider.Tracer("test").Start(context.Background(), "submit")
	defer span.End()

	headers := Inject(ctx, nil)
	require.Contains(t, headers, "traceparent")

	remote := trace.SpanContextFromContext(Extract(context.Background(), headers))
	assert.Equal(t, span.SpanContext().TraceID(), remote.TraceID())
	assert.True(t, remote.IsRemote())
}

func TestInjectWithoutSpanAddsNothing(t *testing.T) {
	_, err := Init(context.Background(), Config{})
	require.NoError(t, err)
	assert.Nil(t, Inject(context.Background(), nil))
	assert.Equal(t, context.Background(), Extract(context.Background(), nil))
}
