package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithWriter_FiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(Config{Level: "warn"}, &buf)

	logger.Info().Msg("hidden")
	logger.Warn().Str("run_id", "r1").Msg("shown")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "shown", entry["message"])
	assert.Equal(t, "r1", entry["run_id"])
	assert.Contains(t, entry, "time")
}

func TestNewWithWriter_BadLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(Config{Level: "loud"}, &buf)
	logger.Debug().Msg("debug")
	logger.Info().Msg("info")
	assert.NotContains(t, buf.String(), `"debug"`)
	assert.Contains(t, buf.String(), `"info"`)
}
