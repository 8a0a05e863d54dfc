package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the process logger. The embedded zerolog.Logger writes to the
// console and/or a lumberjack-rotated file, behind the secret Redactor when
// redaction is on.
type Logger struct {
	zerolog.Logger

	file     *lumberjack.Logger
	redactor *Redactor
}

// Config selects the logger outputs.
type Config struct {
	Level      string // debug, info, warn, error
	File       string // empty disables file output
	Console    bool
	Pretty     bool // human-readable console lines
	Redaction  bool
	MaxSize    int // MB before rotation
	MaxAge     int // days
	MaxBackups int // 0 keeps all
	Compress   bool
}

// DefaultConfig logs at info to a pretty console with redaction on.
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Console:    true,
		Pretty:     true,
		Redaction:  true,
		MaxSize:    100,
		MaxAge:     7,
		MaxBackups: 5,
		Compress:   true,
	}
}

// New builds the logger and installs it as zerolog's global log.Logger.
// An empty or unknown level means info. With no output configured it
// writes to stdout.
func New(cfg Config) (*Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	l := &Logger{}
	var outputs []io.Writer
	if cfg.Console {
		outputs = append(outputs, consoleOutput(cfg.Pretty))
	}
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		l.file = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSize,
			MaxAge:     cfg.MaxAge,
			MaxBackups: cfg.MaxBackups,
			Compress:   cfg.Compress,
		}
		outputs = append(outputs, l.file)
	}

	var out io.Writer = os.Stdout
	if len(outputs) == 1 {
		out = outputs[0]
	} else if len(outputs) > 1 {
		out = io.MultiWriter(outputs...)
	}
	if cfg.Redaction {
		l.redactor = NewRedactor()
		out = l.redactor.Wrap(out)
	}

	l.Logger = zerolog.New(out).Level(level).With().Timestamp().Logger()
	log.Logger = l.Logger
	return l, nil
}

func consoleOutput(pretty bool) io.Writer {
	if !pretty {
		return os.Stdout
	}
	return zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
}

// Close closes the log file, if any.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Rotate starts a new log file. It is a no-op without file output.
func (l *Logger) Rotate() error {
	if l.file == nil {
		return nil
	}
	return l.file.Rotate()
}

// Component returns a child logger tagged with component=name.
func (l *Logger) Component(name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}

// GetZerolog returns a copy of the underlying logger.
func (l *Logger) GetZerolog() zerolog.Logger {
	return l.Logger
}
