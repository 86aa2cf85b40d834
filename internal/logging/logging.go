// Package logging builds the daemon's zap logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	zaplogfmt "github.com/jsternberg/zap-logfmt"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the log format and level.
type Config struct {
	Format string `yaml:"format" env:"LOG_FORMAT" env-default:"logfmt"`
	Level  string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
}

var levels = map[string]zapcore.Level{
	"debug": zapcore.DebugLevel,
	"info":  zapcore.InfoLevel,
	"warn":  zapcore.WarnLevel,
	"error": zapcore.ErrorLevel,
}

// Validate normalizes and checks the configuration.
func (c *Config) Validate() error {
	c.Format = strings.ToLower(c.Format)
	switch c.Format {
	case "console", "json", "logfmt":
	default:
		return fmt.Errorf("log format must be 'console', 'json' or 'logfmt', got '%s'", c.Format)
	}
	c.Level = strings.ToLower(c.Level)
	if _, ok := levels[c.Level]; !ok {
		return fmt.Errorf("log level must be one of: debug, info, warn, error, got '%s'", c.Level)
	}
	return nil
}

// New builds a logger writing to stdout.
func New(c Config) (*zap.Logger, error) {
	return NewWithWriter(c, os.Stdout)
}

// NewWithWriter builds a logger writing to w.
func NewWithWriter(c Config, w io.Writer) (*zap.Logger, error) {
	level, ok := levels[strings.ToLower(c.Level)]
	if !ok {
		level = zapcore.InfoLevel
	}

	encCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var enc zapcore.Encoder
	switch strings.ToLower(c.Format) {
	case "json":
		enc = zapcore.NewJSONEncoder(encCfg)
	case "console":
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	default:
		enc = zaplogfmt.NewEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.AddSync(w), level)
	return zap.New(core, zap.AddCaller()), nil
}
