// Package logging provides the structured, zerolog-backed logger shared by
// every subsystem of the engine.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Level mirrors zerolog's level strings so callers never import zerolog directly.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
	FatalLevel Level = "fatal"
)

// Logger wraps a zerolog.Logger with the engine's contextual-field conventions.
type Logger struct {
	logger zerolog.Logger
}

// Context carries the fields worth attaching to a burst of related log lines.
type Context struct {
	Component string
	JobID     int64
	WorkerID  int
	LibraryID int32
	ScanID    string
	FilePath  string
	Attempt   int
}

// New creates a logger at the given level writing to output (os.Stdout if nil).
func New(level Level, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}

	parsed, err := zerolog.ParseLevel(string(level))
	if err != nil {
		parsed = zerolog.InfoLevel
	}

	logger := zerolog.New(output).Level(parsed).With().Timestamp().Logger()
	return &Logger{logger: logger}
}

// With returns a child logger carrying the supplied context fields.
func (l *Logger) With(ctx Context) *zerolog.Logger {
	c := l.logger.With()
	if ctx.Component != "" {
		c = c.Str("component", ctx.Component)
	}
	if ctx.JobID != 0 {
		c = c.Int64("job_id", ctx.JobID)
	}
	if ctx.WorkerID != 0 {
		c = c.Int("worker_id", ctx.WorkerID)
	}
	if ctx.LibraryID != 0 {
		c = c.Int32("library_id", ctx.LibraryID)
	}
	if ctx.ScanID != "" {
		c = c.Str("scan_id", ctx.ScanID)
	}
	if ctx.FilePath != "" {
		c = c.Str("file_path", ctx.FilePath)
	}
	if ctx.Attempt != 0 {
		c = c.Int("attempt", ctx.Attempt)
	}
	logger := c.Logger()
	return &logger
}

func (l *Logger) Debug() *zerolog.Event { return l.logger.Debug() }
func (l *Logger) Info() *zerolog.Event  { return l.logger.Info() }
func (l *Logger) Warn() *zerolog.Event  { return l.logger.Warn() }
func (l *Logger) Error() *zerolog.Event { return l.logger.Error() }
func (l *Logger) Fatal() *zerolog.Event { return l.logger.Fatal() }

// LogJobProcessing records a job's terminal outcome in one structured line.
func (l *Logger) LogJobProcessing(jobID int64, path string, attempt int, duration time.Duration, success bool, errMsg string) {
	event := l.logger.With().
		Int64("job_id", jobID).
		Str("file_path", path).
		Int("attempt", attempt).
		Int64("duration_ms", duration.Milliseconds()).
		Bool("success", success).
		Logger()

	if success {
		event.Info().Msg("job processed")
	} else {
		event.Error().Str("error", errMsg).Msg("job failed")
	}
}

// LogScanProgress records a single scan-progress tick.
func (l *Logger) LogScanProgress(libraryID int32, scanID string, filesScanned, filesTotal int) {
	l.logger.Info().
		Int32("library_id", libraryID).
		Str("scan_id", scanID).
		Int("files_scanned", filesScanned).
		Int("files_total", filesTotal).
		Msg("scan progress")
}

// SetLevel dynamically changes the logging level.
func (l *Logger) SetLevel(level Level) error {
	parsed, err := zerolog.ParseLevel(string(level))
	if err != nil {
		return err
	}
	l.logger = l.logger.Level(parsed)
	return nil
}

var global *Logger

// Init sets the process-wide logger returned by Global.
func Init(level Level, output io.Writer) {
	global = New(level, output)
}

// Global returns the process-wide logger, creating a default one if Init was never called.
func Global() *Logger {
	if global == nil {
		global = New(InfoLevel, os.Stdout)
	}
	return global
}
