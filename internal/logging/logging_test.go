package logging

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"INFO":    zerolog.InfoLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestNewLoggerWithFileOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "trader.log")
	logger := NewLoggerWithConfig(LogConfig{
		Level:    "warn",
		File:     true,
		FilePath: path,
		MaxSize:  1,
	})

	require.Equal(t, zerolog.WarnLevel, logger.GetLevel())
	logger.Warn().Msg("written")
	assert.FileExists(t, path)
}
