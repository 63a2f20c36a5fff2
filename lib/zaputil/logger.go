// Copyright (c) 2018 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package zaputil

import (
	"os"
	"strings"

	"github.com/c2h5oh/datasize"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Level zapcore.Level `config:"level"`
	// Format is "console" or "json".
	Format string `config:"format" validate:"oneof=console json"`
	// Outputs are "stdout", "stderr" or file paths.
	Outputs  []string       `config:"outputs" validate:"min=1"`
	Rotation RotationConfig `config:"rotation"`
}

// RotationConfig enables lumberjack rotation for file outputs.
type RotationConfig struct {
	Enabled    bool              `config:"enabled"`
	MaxSize    datasize.ByteSize `config:"max-size"`
	MaxBackups int               `config:"max-backups"`
	MaxAgeDays int               `config:"max-age-days"`
	Compress   bool              `config:"compress"`
}

func DefaultConfig() Config {
	return Config{
		Level:   zapcore.InfoLevel,
		Format:  "console",
		Outputs: []string{"stdout"},
		Rotation: RotationConfig{
			MaxSize:    100 * datasize.MB,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
	}
}

// NewLogger builds logger writing to every configured output.
// Errors carrying github.com/pkg/errors stack traces get them printed in the entry stack.
func NewLogger(conf Config, opts ...zap.Option) (*zap.Logger, error) {
	encConf := zap.NewDevelopmentEncoderConfig()
	var enc zapcore.Encoder
	switch conf.Format {
	case "json":
		encConf = zap.NewProductionEncoderConfig()
		encConf.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewJSONEncoder(encConf)
	default:
		encConf.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(encConf)
	}
	level := zap.NewAtomicLevelAt(conf.Level)

	cores := make([]zapcore.Core, 0, len(conf.Outputs))
	for _, out := range conf.Outputs {
		ws, err := openSink(out, conf.Rotation)
		if err != nil {
			return nil, err
		}
		cores = append(cores, zapcore.NewCore(enc, ws, level))
	}
	core := NewStackExtractCore(zapcore.NewTee(cores...))
	opts = append([]zap.Option{zap.AddCaller(), zap.AddStacktrace(zap.DPanicLevel)}, opts...)
	return zap.New(core, opts...), nil
}

func openSink(out string, rot RotationConfig) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(out) {
	case "stdout":
		return zapcore.Lock(os.Stdout), nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil
	}
	if rot.Enabled {
		return zapcore.AddSync(&lumberjack.Logger{
			Filename:   out,
			MaxSize:    megabytes(rot.MaxSize),
			MaxBackups: rot.MaxBackups,
			MaxAge:     rot.MaxAgeDays,
			Compress:   rot.Compress,
		}), nil
	}
	f, err := os.OpenFile(out, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "log output %q open failed", out)
	}
	return zapcore.Lock(f), nil
}

// megabytes rounds size up, lumberjack counts megabytes.
func megabytes(size datasize.ByteSize) int {
	mb := int((size + datasize.MB - 1) / datasize.MB)
	if mb < 1 {
		return 1
	}
	return mb
}
