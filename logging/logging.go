// Package logging builds the zap logger used by stagechain and an Observer
// that logs run and stage events.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Output formats.
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// New returns a production zap logger at level ("debug", "info", "warn",
// "error") with json or console encoding, writing to stderr.
func New(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(lvl)
	config.OutputPaths = []string{"stderr"}
	switch format {
	case "", FormatJSON:
	case FormatConsole:
		config.Encoding = FormatConsole
		config.EncoderConfig = zap.NewDevelopmentEncoderConfig()
		config.DisableStacktrace = true
	default:
		return nil, fmt.Errorf("log format %q not supported (use json or console)", format)
	}
	return config.Build()
}
