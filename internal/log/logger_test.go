package log

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewConfigDefaults(t *testing.T) {
	prod, err := newConfig("prod", "")
	require.NoError(t, err)
	assert.Equal(t, zapcore.InfoLevel, prod.Level.Level())
	assert.Equal(t, "json", prod.Encoding)
	assert.Equal(t, "timestamp", prod.EncoderConfig.TimeKey)

	dev, err := newConfig("dev", "")
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, dev.Level.Level())
	assert.Equal(t, "console", dev.Encoding)
}

func TestNewConfigLevelOverride(t *testing.T) {
	cfg, err := newConfig("prod", "warn")
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, cfg.Level.Level())

	_, err = newConfig("dev", "loud")
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger("dev", "error")
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.ErrorLevel))

	sugar, err := NewSugar("prod", "")
	require.NoError(t, err)
	assert.NotNil(t, sugar)
}
