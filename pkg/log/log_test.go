package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChildLoggersChainAndCarryFields(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})

	// Chained directly off the helper, the way call sites use it.
	WithComponent("bus").Warn().Str("subscriber", "ws-hub").Msg("handler failed")
	WithAgent("finance").Info().Msg("agent online")
	WithJobID("j1").Debug().Msg("fired")
	WithCorrelation("c1").Error().Msg("boom")

	var lines []map[string]any
	dec := json.NewDecoder(&buf)
	for dec.More() {
		var line map[string]any
		require.NoError(t, dec.Decode(&line))
		lines = append(lines, line)
	}
	require.Len(t, lines, 4)

	assert.Equal(t, "bus", lines[0]["component"])
	assert.Equal(t, "ws-hub", lines[0]["subscriber"])
	assert.Equal(t, "warn", lines[0]["level"])
	assert.Equal(t, "finance", lines[1]["agent"])
	assert.Equal(t, "j1", lines[2]["job_id"])
	assert.Equal(t, "c1", lines[3]["correlation_id"])
}

func TestInitLevelFiltersOutput(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: ErrorLevel, JSONOutput: true, Output: &buf})

	WithComponent("scheduler").Info().Msg("suppressed")
	assert.Zero(t, buf.Len())

	WithComponent("scheduler").Error().Msg("kept")
	assert.NotZero(t, buf.Len())
}
