package telemetry

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestInitWithoutEndpointKeepsNoopProvider(t *testing.T) {
	before := otel.GetTracerProvider()
	shutdown, err := Init(context.Background(), "agentgate", "", zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, before, otel.GetTracerProvider())
	assert.NoError(t, shutdown(context.Background()))
}
