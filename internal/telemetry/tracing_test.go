package telemetry

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestInitTracerProviderExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	tp, err := InitTracerProvider(context.Background(), "rankgrid-test", &buf)
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "unit")
	span.End()
	require.NoError(t, tp.Shutdown(context.Background()))

	require.Contains(t, buf.String(), `"Name":"unit"`)
	require.Contains(t, buf.String(), "rankgrid-test")
}
