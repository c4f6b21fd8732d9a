package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		profile string
		wantErr bool
	}{
		{"structured info", "info", "structured", false},
		{"default profile", "debug", "", false},
		{"console", "warn", "CONSOLE", false},
		{"bad level", "loud", "structured", true},
		{"bad profile", "info", "xml", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger(tt.level, tt.profile, "batchkeeper")
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, logger)
		})
	}
}

func TestNewLogger_Level(t *testing.T) {
	logger, err := NewLogger("warn", "structured", "")
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))
}

func TestInitCLILogger_KeepsLoggerOnError(t *testing.T) {
	orig := CLILogger
	defer func() { CLILogger = orig }()

	require.Error(t, InitCLILogger("nope", "structured", ""))
	assert.Same(t, orig, CLILogger)

	require.NoError(t, InitCLILogger("info", "console", "batchkeeper"))
	assert.NotSame(t, orig, CLILogger)
}
