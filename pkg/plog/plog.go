// Package plog is the process-wide structured logger used by every Ploinky
// component: the CLI, the router, and the background monitor/prober
// goroutines all log through it.
package plog

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance, configured once by Init.
var Logger zerolog.Logger

// Level names accepted on the --log-level flag and PLOINKY_LOG_LEVEL env var.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls Init.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer // defaults to os.Stdout
}

// Init configures the global Logger. Safe to call once at process start;
// later calls replace the logger wholesale.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
		return
	}
	Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        output,
		TimeFormat: time.RFC3339,
	}).With().Timestamp().Logger()
}

// WithComponent returns a child logger tagging every event with "component".
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithAgent returns a child logger tagging every event with "agent".
func WithAgent(agent string) zerolog.Logger {
	return Logger.With().Str("agent", agent).Logger()
}

func Info(msg string)  { Logger.Info().Msg(msg) }
func Debug(msg string) { Logger.Debug().Msg(msg) }
func Warn(msg string)  { Logger.Warn().Msg(msg) }
func Error(msg string) { Logger.Error().Msg(msg) }

func Infof(format string, args ...any)  { Logger.Info().Msg(fmt.Sprintf(format, args...)) }
func Debugf(format string, args ...any) { Logger.Debug().Msg(fmt.Sprintf(format, args...)) }
func Warnf(format string, args ...any)  { Logger.Warn().Msg(fmt.Sprintf(format, args...)) }
func Errorf(format string, args ...any) { Logger.Error().Msg(fmt.Sprintf(format, args...)) }

func Errf(err error, format string) {
	Logger.Error().Err(err).Msg(format)
}

// safeWriter discards write errors instead of propagating them, so that a
// broken stdout/stderr (e.g. the reader end of a pipe closed) never causes
// the logger itself to panic or surface a secondary error.
type safeWriter struct {
	w io.Writer
}

func (s safeWriter) Write(p []byte) (int, error) {
	n, err := s.w.Write(p)
	if err != nil {
		return len(p), nil
	}
	return n, nil
}

// SafeWriter wraps w so that write errors are swallowed. Used for the
// console logger so a broken terminal never takes down the router.
func SafeWriter(w io.Writer) io.Writer { return safeWriter{w: w} }
