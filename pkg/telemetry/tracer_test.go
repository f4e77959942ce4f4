package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestStartSpanAndSetError(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	_, span := StartSpan(context.Background(), tp.Tracer("test"), "stage.install",
		attribute.String(ProjectIDKey, "p1"),
		attribute.String(StageKey, "install"))
	SetError(span, errors.New("npm failed"), attribute.Int("step", 2))
	span.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	got := spans[0]
	assert.Equal(t, "stage.install", got.Name)
	assert.Equal(t, codes.Error, got.Status.Code)
	assert.Equal(t, "npm failed", got.Status.Description)
	assert.Contains(t, got.Attributes, attribute.String(ProjectIDKey, "p1"))

	var names []string
	for _, ev := range got.Events {
		names = append(names, ev.Name)
	}
	assert.Contains(t, names, "error_occurred")
}

func TestTracerWithoutSetupIsUsable(t *testing.T) {
	_, span := StartSpan(context.Background(), Tracer("permitflow/test"), "noop")
	SetError(span, errors.New("ignored"))
	span.End()
}
