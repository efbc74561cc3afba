package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRussianLogger_WritesToFile(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "arbitrage.log")

	logger, err := newRussianLogger(logFile)
	require.NoError(t, err)

	logger.Info("проверка записи в лог")
	// Sync может вернуть EINVAL для stdout; важен только файл
	_ = logger.Sync()

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "проверка записи в лог")
	assert.Contains(t, string(data), `"уровень":"info"`)
}
