package logger_test

import (
	"bytes"
	"testing"

	"codeberg.org/mutker/avrlink/internal/errors"
	"codeberg.org/mutker/avrlink/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]logger.LogLevel{
		"debug":   logger.DebugLevel,
		"INFO":    logger.InfoLevel,
		"warning": logger.WarnLevel,
		"warn":    logger.WarnLevel,
		"error":   logger.ErrorLevel,
	}
	for in, want := range cases {
		got, err := logger.ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := logger.ParseLevel("loud")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrInvalidLogLevel))
}

func TestComponentLogger(t *testing.T) {
	var buf bytes.Buffer
	logger.InitWithWriter(&buf, logger.DebugLevel, true)

	log := logger.New("supervisor").With("transport", "mqtt")
	log.Info().Str("state", "connected").Msg("transport state changed")

	out := buf.String()
	assert.Contains(t, out, "transport state changed")
	assert.Contains(t, out, "component=supervisor")
	assert.Contains(t, out, "transport=mqtt")
	assert.Contains(t, out, "state=connected")
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger.InitWithWriter(&buf, logger.WarnLevel, true)
	t.Cleanup(func() { logger.SetLogLevel(logger.DebugLevel) })

	logger.Debug().Msg("hidden")
	logger.Warn().Msg("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestErrorWithCode(t *testing.T) {
	var buf bytes.Buffer
	logger.InitWithWriter(&buf, logger.DebugLevel, true)

	err := errors.New().New(errors.ErrResourceExhausted)
	logger.New("outbox").ErrorWithCode(err).Msg("queue full")

	assert.Contains(t, buf.String(), "error_code=resource_exhausted")
	assert.Contains(t, buf.String(), "queue full")
}

func TestNopDiscards(t *testing.T) {
	var buf bytes.Buffer
	logger.InitWithWriter(&buf, logger.DebugLevel, true)

	logger.Nop().Error().Msg("nothing")
	assert.Empty(t, buf.String())
}
