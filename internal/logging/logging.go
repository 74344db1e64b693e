// Package logging configures writebot's structured logging.
//
// Console output stays human-readable (short timestamps, key=value
// pairs); the optional file sink is JSON-structured so it can be
// shipped as-is.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Config struct {
	Level   string `json:"level" yaml:"level"`
	Console bool   `json:"console" yaml:"console"`
	File    string `json:"file" yaml:"file"`
}

const consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// New builds the process logger. Invalid levels fall back to info
// rather than failing startup; the level actually in effect is visible
// on the first log line.
func New(cfg Config) (zerolog.Logger, error) {
	level := parseLevel(cfg.Level)

	var sinks []io.Writer
	if cfg.Console || cfg.File == "" {
		sinks = append(sinks, zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: consoleTimeFormat,
		})
	}
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return zerolog.Nop(), err
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return zerolog.Nop(), err
		}
		sinks = append(sinks, f)
	}

	var out io.Writer
	if len(sinks) == 1 {
		out = sinks[0]
	} else {
		out = zerolog.MultiLevelWriter(sinks...)
	}

	log := zerolog.New(out).Level(level).With().Timestamp().Logger()
	return log, nil
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "", "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func init() {
	zerolog.DurationFieldUnit = time.Millisecond
}
