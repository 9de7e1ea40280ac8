// Package logging builds the worker's zap logger. Output never goes to
// stdout, which carries protocol frames.
package logging

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Options struct {
	Verbose bool
	JSON    bool
	// Output defaults to os.Stderr.
	Output io.Writer
}

func New(opts Options) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if opts.Verbose {
		level = zapcore.DebugLevel
	}

	output := opts.Output
	if output == nil {
		output = os.Stderr
	}

	var encoder zapcore.Encoder
	if opts.JSON {
		encoder = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	} else {
		encCfg := zap.NewDevelopmentEncoderConfig()
		encCfg.TimeKey = ""
		encCfg.CallerKey = ""
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		if isTerminal(output) {
			encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		}
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	sink := zapcore.Lock(zapcore.AddSync(output))
	core := zapcore.NewCore(encoder, sink, zap.NewAtomicLevelAt(level))

	zapOpts := []zap.Option{zap.ErrorOutput(sink)}
	if opts.Verbose {
		zapOpts = append(zapOpts, zap.AddStacktrace(zapcore.ErrorLevel))
	}
	return zap.New(core, zapOpts...).Named("voxworker"), nil
}
