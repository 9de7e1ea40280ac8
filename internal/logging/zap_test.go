package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewWritesConsoleToOutput(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger, err := New(Options{Output: &buf})
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("worker ready")
	require.NoError(t, logger.Sync())

	out := buf.String()
	require.Contains(t, out, "INFO")
	require.Contains(t, out, "worker ready")
	require.NotContains(t, out, "hidden")
	require.NotContains(t, out, "\x1b[")
}

func TestNewVerboseEnablesDebug(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger, err := New(Options{Output: &buf, Verbose: true})
	require.NoError(t, err)

	logger.Debug("loading model")
	require.Contains(t, buf.String(), "loading model")
}

func TestNewJSON(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger, err := New(Options{Output: &buf, JSON: true})
	require.NoError(t, err)

	logger.Info("transcription finished")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "info", entry["level"])
	require.Equal(t, "transcription finished", entry["msg"])
	require.Equal(t, "voxworker", entry["logger"])
}
