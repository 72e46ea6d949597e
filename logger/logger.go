// Package logger builds the zap logger shared by the coordinator and the
// participant servers.
package logger

import (
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config is the "logger" section of the YAML config.
type Config struct {
	// Level is one of debug, info, warn or error. Anything else means info.
	Level string `yaml:"level"`
	// Format is "json" (default) or "console".
	Format string `yaml:"format"`
	// OutputFile is a path, or "stdout"/"stderr". Empty means stdout.
	OutputFile string `yaml:"output_file"`
}

// New returns a logger whose entries carry a "service" field.
func New(config Config, service string) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(config.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	encoding := "json"
	if strings.EqualFold(config.Format, "console") {
		encoding = "console"
	}

	output := config.OutputFile
	if output == "" {
		output = "stdout"
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.Encoding = encoding
	zc.Sampling = nil
	zc.OutputPaths = []string{output}
	zc.ErrorOutputPaths = []string{"stderr"}
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	zc.InitialFields = map[string]interface{}{"service": service}

	log, err := zc.Build()
	if err != nil {
		return nil, errors.Wrapf(err, "could not open log output %s", output)
	}

	return log, nil
}
