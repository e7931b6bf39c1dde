package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitTracerProviderRequiresName(t *testing.T) {
	t.Parallel()
	_, err := InitTracerProvider(context.Background(), Config{})
	require.Error(t, err)
}

// Not parallel: installs the global provider.
func TestInitTracerProviderExportsSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp, err := InitTracerProvider(context.Background(), Config{ServiceName: "listings-crawler", Version: "test"}, exporter)
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "unit")
	span.End()
	require.NoError(t, tp.ForceFlush(context.Background()))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	require.Equal(t, "unit", spans[0].Name)
	require.NoError(t, tp.Shutdown(context.Background()))
}
