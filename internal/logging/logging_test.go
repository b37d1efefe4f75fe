package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerLevel(t *testing.T) {
	logger, closer := NewLogger(Config{Level: "warn"})
	assert.Equal(t, zerolog.WarnLevel, logger.GetLevel())
	require.NoError(t, closer.Close())

	logger, closer = NewLogger(Config{Level: "nonsense"})
	assert.Equal(t, zerolog.InfoLevel, logger.GetLevel())
	require.NoError(t, closer.Close())
}

func TestLogWriterTeesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "watcher.log")
	var stdout bytes.Buffer
	w, closer, err := logWriter(Config{File: path, MaxSizeMB: 1}, &stdout)
	require.NoError(t, err)

	logger := zerolog.New(w)
	logger.Info().Str("symbol", "BTCUSDT").Msg("hello")
	require.NoError(t, closer.Close())

	assert.Contains(t, stdout.String(), `"symbol":"BTCUSDT"`)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"message":"hello"`)
}

func TestLogWriterFallsBackToConsoleWhenDirUnavailable(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	var stdout bytes.Buffer
	w, closer, err := logWriter(Config{File: filepath.Join(blocker, "logs", "watcher.log")}, &stdout)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create log directory")
	require.NotNil(t, closer)
	assert.NoError(t, closer.Close())

	logger := zerolog.New(w)
	logger.Info().Msg("still visible")
	assert.Contains(t, stdout.String(), "still visible")
}
