// Package logging configures the zerolog sinks used by the supdate CLI.
//
// Engine packages never read the global logger; they receive a
// zerolog.Logger value from the caller and default to zerolog.Nop().
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Options controls sink selection.
type Options struct {
	Verbosity int
	// LogFile enables the file sink. Relative names resolve under the XDG
	// state directory.
	LogFile string
	NoColor bool
	Console io.Writer
}

// Setup builds the root logger and installs it as the zerolog global.
// The returned closer releases the log file, if one was opened.
func Setup(opts Options) (zerolog.Logger, func() error) {
	zerolog.SetGlobalLevel(levelFor(opts.Verbosity))

	console := opts.Console
	if console == nil {
		console = os.Stderr
	}
	writers := []io.Writer{zerolog.ConsoleWriter{
		Out:        console,
		TimeFormat: time.Kitchen,
		NoColor:    opts.NoColor,
	}}

	closer := func() error { return nil }
	var fileErr error
	var path string
	if opts.LogFile != "" {
		path = ResolveLogFile(opts.LogFile)
		f, err := openLogFile(path)
		if err != nil {
			fileErr = err
		} else {
			writers = append(writers, f)
			closer = f.Close
		}
	}

	ctx := zerolog.New(io.MultiWriter(writers...)).With().Timestamp()
	if opts.Verbosity >= 2 {
		ctx = ctx.Caller()
	}
	logger := ctx.Logger()
	log.Logger = logger

	if fileErr != nil {
		logger.Warn().Err(fileErr).Str("path", path).Msg("Failed to open log file, logging to console only")
	}
	logger.Debug().Int("verbosity", opts.Verbosity).Str("logFile", path).Msg("Logger initialized")
	return logger, closer
}

func levelFor(verbosity int) zerolog.Level {
	switch {
	case verbosity <= 0:
		return zerolog.WarnLevel
	case verbosity == 1:
		return zerolog.InfoLevel
	case verbosity == 2:
		return zerolog.DebugLevel
	default:
		return zerolog.TraceLevel
	}
}

// ResolveLogFile places bare file names under $XDG_STATE_HOME/supdate.
func ResolveLogFile(name string) string {
	if filepath.IsAbs(name) || filepath.Dir(name) != "." {
		return name
	}
	return filepath.Join(xdg.StateHome, "supdate", name)
}

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	// #nosec G304 -- log path comes from operator configuration
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}

// Component returns a child logger tagged with the component name.
func Component(parent zerolog.Logger, name string) zerolog.Logger {
	return parent.With().Str("component", name).Logger()
}

// Operation logs the start of op and returns a func that logs its duration.
func Operation(logger zerolog.Logger, op string) func() {
	start := time.Now()
	logger.Debug().Str("operation", op).Msg("Operation started")
	return func() {
		logger.Debug().Str("operation", op).Dur("duration", time.Since(start)).Msg("Operation completed")
	}
}
