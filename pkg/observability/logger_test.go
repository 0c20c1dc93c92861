package observability

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"lanlink/pkg/config"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zap.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zap.WarnLevel, ParseLevel("warning"))
	assert.Equal(t, zap.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, zap.InfoLevel, ParseLevel("nonsense"))
}

func TestSetupLoggerWritesFile(t *testing.T) {
	prev := zap.L()
	defer zap.ReplaceGlobals(prev)

	out := filepath.Join(t.TempDir(), "logs", "lanlink.log")
	logger, err := SetupLogger(config.LogConfig{Level: "info", Format: "json", Outputs: []string{out}})
	require.NoError(t, err)

	logger.Info("hello", zap.String("k", "v"))
	_ = logger.Sync()

	b, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"msg":"hello"`)
	assert.Contains(t, string(b), `"k":"v"`)
	assert.Contains(t, string(b), `"logger":"lanlink"`)
}

func TestSetupLoggerBadOutput(t *testing.T) {
	prev := zap.L()
	defer zap.ReplaceGlobals(prev)

	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	bad := filepath.Join(blocker, "lanlink.log")

	_, err := SetupLogger(config.LogConfig{Outputs: []string{bad}})
	assert.Error(t, err)

	logger, err := SetupLogger(config.LogConfig{Outputs: []string{bad, "stderr"}})
	require.NoError(t, err)
	assert.NotNil(t, logger)
}
