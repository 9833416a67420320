package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWithComponent(t *testing.T) {
	prev := Logger
	defer func() { Logger = prev }()

	var buf bytes.Buffer
	Logger = NewJSONLogger(&buf, "info")

	l := WithComponent("syncer")
	l.Debug().Msg("hidden")
	l.Info().Int("addresses", 3).Msg("sync complete")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "syncer", entry["component"])
	require.Equal(t, "sync complete", entry["message"])
	require.Equal(t, float64(3), entry["addresses"])
}

func TestParseLevel_Unknown(t *testing.T) {
	var buf bytes.Buffer
	l := NewJSONLogger(&buf, "verbose")
	l.Debug().Msg("hidden")
	require.Zero(t, buf.Len())
	l.Info().Msg("shown")
	require.NotZero(t, buf.Len())
}
