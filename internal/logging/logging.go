// Package logging holds the process-wide zerolog logger and the helpers
// packages use to derive their own component loggers from it.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide logger. Init replaces it.
var Logger zerolog.Logger

// Level is a zerolog level.
type Level = zerolog.Level

const (
	DebugLevel = zerolog.DebugLevel
	InfoLevel  = zerolog.InfoLevel
	WarnLevel  = zerolog.WarnLevel
	ErrorLevel = zerolog.ErrorLevel
	FatalLevel = zerolog.FatalLevel
)

// LogFileName is the file written under the state directory when logs are
// not printed to stderr.
const LogFileName = "toolgate.log"

// Config selects where and how the logger writes.
type Config struct {
	Level Level
	// Output defaults to os.Stderr.
	Output io.Writer
	// Pretty writes human-readable lines instead of JSON.
	Pretty     bool
	TimeFormat string
}

// DefaultConfig is JSON at info level on stderr.
func DefaultConfig() Config {
	return Config{Level: InfoLevel, Output: os.Stderr, TimeFormat: time.RFC3339}
}

// Init replaces the global logger. Component loggers derived before the call
// keep writing to the old output.
func Init(cfg Config) {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	format := cfg.TimeFormat
	if format == "" {
		format = time.RFC3339
	}
	zerolog.TimeFieldFormat = format

	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: format}
	}
	Logger = zerolog.New(out).Level(cfg.Level).With().Timestamp().Logger()
}

// OpenLogFile opens dir/toolgate.log for appending, creating dir if needed.
func OpenLogFile(dir string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, LogFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
}

// ParseLevel maps a level name to a Level, ignoring case and surrounding
// space. "warning" is accepted for warn. Anything unknown is info.
func ParseLevel(name string) Level {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "warning" {
		return WarnLevel
	}
	switch lvl, err := zerolog.ParseLevel(name); {
	case err != nil, name == "":
		return InfoLevel
	case lvl < DebugLevel, lvl > FatalLevel:
		return InfoLevel
	default:
		return lvl
	}
}

// Component returns a child of the global logger tagged with a component
// name.
func Component(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}

func Debug() *zerolog.Event { return Logger.Debug() }
func Info() *zerolog.Event  { return Logger.Info() }
func Warn() *zerolog.Event  { return Logger.Warn() }
func Error() *zerolog.Event { return Logger.Error() }

func init() {
	Init(DefaultConfig())
}
