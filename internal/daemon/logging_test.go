package daemon

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridshare/gridshare/internal/domain"
)

func TestSetupLogging_Levels(t *testing.T) {
	tests := []struct {
		cfg  LoggingConfig
		want logrus.Level
	}{
		{LoggingConfig{}, logrus.InfoLevel},
		{LoggingConfig{Level: "debug"}, logrus.DebugLevel},
		{LoggingConfig{Level: "debug", Quiet: true}, logrus.WarnLevel},
		{LoggingConfig{Level: "error", Quiet: true}, logrus.ErrorLevel},
	}
	for _, tt := range tests {
		logger, closeFn, err := SetupLogging(tt.cfg)
		require.NoError(t, err)
		assert.Equal(t, tt.want, logger.GetLevel(), "%+v", tt.cfg)
		require.NoError(t, closeFn())
	}
}

func TestSetupLogging_BadLevel(t *testing.T) {
	_, _, err := SetupLogging(LoggingConfig{Level: "chatty"})
	assert.True(t, errors.Is(err, domain.ErrInvalidConfig))
}

func TestSetupLogging_AppendsToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "gridshare.log")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("earlier run\n"), 0644))

	logger, closeFn, err := SetupLogging(LoggingConfig{Level: "info", File: path})
	require.NoError(t, err)
	logger.WithField("iteration", 1).Info("weights applied")
	require.NoError(t, closeFn())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "earlier run\n")
	assert.Contains(t, string(data), "weights applied")
	assert.Contains(t, string(data), "iteration=1")
}
