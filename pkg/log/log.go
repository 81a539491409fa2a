package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide root logger. Packages derive children from
// it via the With* helpers rather than logging through it directly.
var Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
	With().Timestamp().Logger()

// Level names accepted by Init.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls the root logger's level and output format.
type Config struct {
	Level Level
	// JSONOutput switches from console rendering to one JSON object per
	// line, for running under a supervisor that collects logs.
	JSONOutput bool
	Output     io.Writer
}

// Init configures the root logger. Safe to call once at process start;
// children derived earlier keep the old settings.
func Init(cfg Config) {
	level, err := zerolog.ParseLevel(string(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if !cfg.JSONOutput {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	Logger = zerolog.New(out).With().Timestamp().Logger()
}

// The With* helpers return a pointer so call sites can chain level
// methods directly (zerolog's Info/Warn/Error take pointer receivers).

// WithComponent tags a child logger with the subsystem name.
func WithComponent(component string) *zerolog.Logger {
	l := Logger.With().Str("component", component).Logger()
	return &l
}

// WithAgent tags a child logger with the agent kind.
func WithAgent(kind string) *zerolog.Logger {
	l := Logger.With().Str("agent", kind).Logger()
	return &l
}

// WithCorrelation tags a child logger with a correlation id so one
// delegation's log lines can be pulled together.
func WithCorrelation(cid string) *zerolog.Logger {
	l := Logger.With().Str("correlation_id", cid).Logger()
	return &l
}

// WithJobID tags a child logger with a scheduled job id.
func WithJobID(jobID string) *zerolog.Logger {
	l := Logger.With().Str("job_id", jobID).Logger()
	return &l
}
