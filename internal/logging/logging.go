// Package logging builds the operator console logger.
package logging

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures the console logger.
type Options struct {
	// Verbose lowers the level to debug.
	Verbose bool
	// JSON selects the JSON encoder; otherwise the console encoder is used.
	JSON bool
	// Writer defaults to stderr.
	Writer io.Writer
}

// New returns a zap logger writing to opts.Writer.
func New(opts Options) *zap.Logger {
	writer := opts.Writer
	if writer == nil {
		writer = os.Stderr
	}
	level := zapcore.InfoLevel
	if opts.Verbose {
		level = zapcore.DebugLevel
	}
	core := zapcore.NewCore(newEncoder(opts.JSON), zapcore.Lock(zapcore.AddSync(writer)), level)
	return zap.New(core)
}

// newEncoder creates a JSON or console encoder.
func newEncoder(json bool) zapcore.Encoder {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if json {
		return zapcore.NewJSONEncoder(encoderCfg)
	}
	encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return zapcore.NewConsoleEncoder(encoderCfg)
}

// RunFields returns the fields attached to every log line of a run.
func RunFields(project string, runID string) []zap.Field {
	fields := []zap.Field{zap.String("project", project)}
	if runID != "" {
		fields = append(fields, zap.String("run_id", runID))
	}
	return fields
}
