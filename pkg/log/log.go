package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the process-wide logger. Packages derive component loggers from
// it at construction time, so Init must run before they are built.
var Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

// Level is a log level name as accepted in configuration
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

type Config struct {
	Level      Level
	JSONOutput bool
	// Output defaults to stdout
	Output io.Writer
	// File additionally receives JSON lines through a rotating writer
	File *FileConfig
}

// FileConfig mirrors the lumberjack rotation knobs
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// ParseLevel maps a configured level to zerolog. Unknown names fall back to
// info rather than failing startup.
func ParseLevel(l Level) zerolog.Level {
	switch l {
	case DebugLevel, InfoLevel, WarnLevel, ErrorLevel:
		lvl, _ := zerolog.ParseLevel(string(l))
		return lvl
	}
	return zerolog.InfoLevel
}

// Init replaces the global logger
func Init(cfg Config) {
	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if !cfg.JSONOutput {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	if f := cfg.File; f != nil && f.Path != "" {
		out = zerolog.MultiLevelWriter(out, &lumberjack.Logger{
			Filename:   f.Path,
			MaxSize:    f.MaxSizeMB,
			MaxBackups: f.MaxBackups,
			MaxAge:     f.MaxAgeDays,
			Compress:   f.Compress,
		})
	}

	Logger = zerolog.New(out).With().Timestamp().Logger()
}

func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithTxn tags entries with the database transaction id
func WithTxn(txnID int64) zerolog.Logger {
	return Logger.With().Int64("txn_id", txnID).Logger()
}

// WithNodeRef tags entries with the node a message concerns
func WithNodeRef(ref string) zerolog.Logger {
	return Logger.With().Str("node_ref", ref).Logger()
}
