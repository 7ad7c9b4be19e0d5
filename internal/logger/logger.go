// Package logger holds the process-wide zap logger.
//
// Logs always go to stderr unless a writer is supplied: stdout carries the
// MCP stdio transport and must stay clean.
package logger

import (
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Logger is the global logger. It is a no-op until Initialize runs.
	Logger *zap.SugaredLogger
	// JSONOutput records whether Initialize selected the JSON encoder.
	JSONOutput bool
)

func init() {
	Logger = zap.NewNop().Sugar()
}

// Options selects encoder, level and destination.
type Options struct {
	JSON   bool
	Level  string
	Output io.Writer
}

// Initialize replaces the global logger.
func Initialize(opts Options) error {
	level, enabled := ParseLevel(opts.Level)
	if !enabled {
		Logger = zap.NewNop().Sugar()
		return nil
	}

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	var enc zapcore.Encoder
	if opts.JSON {
		cfg := zap.NewProductionEncoderConfig()
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewJSONEncoder(cfg)
	} else {
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		cfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(cfg)
	}

	JSONOutput = opts.JSON
	core := zapcore.NewCore(enc, zapcore.AddSync(out), level)
	Logger = zap.New(core).Sugar()
	return nil
}

// ParseLevel maps TEKTON_LOG_LEVEL style names onto zap levels. TRACE is
// folded into debug; OFF disables logging entirely (enabled == false).
func ParseLevel(s string) (zapcore.Level, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE", "DEBUG":
		return zapcore.DebugLevel, true
	case "", "INFO":
		return zapcore.InfoLevel, true
	case "WARN", "WARNING":
		return zapcore.WarnLevel, true
	case "ERROR":
		return zapcore.ErrorLevel, true
	case "FATAL", "CRITICAL":
		return zapcore.FatalLevel, true
	case "OFF", "NONE":
		return zapcore.InfoLevel, false
	default:
		return zapcore.InfoLevel, true
	}
}

// Cleanup flushes buffered entries.
func Cleanup() {
	if Logger != nil {
		_ = Logger.Sync()
	}
}
