// Copyright 2025 James Ross

// Package obs wires the daemon's observability surface: zap logger
// construction with optional rotated file output, and the HTTP server
// exposing metrics and health endpoints.
package obs

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/flyingrobots/substrate/internal/config"
)

// NewLogger builds a production JSON logger at the configured level.
// When a log file is configured, output goes through lumberjack
// rotation instead of stderr.
func NewLogger(cfg config.Logging) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	switch strings.ToLower(cfg.Level) {
	case "debug":
		lvl = zapcore.DebugLevel
	case "warn":
		lvl = zapcore.WarnLevel
	case "error":
		lvl = zapcore.ErrorLevel
	}

	if cfg.File == "" {
		zcfg := zap.NewProductionConfig()
		zcfg.Level = zap.NewAtomicLevelAt(lvl)
		zcfg.Encoding = "json"
		return zcfg.Build()
	}

	sink := zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	})
	enc := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	core := zapcore.NewCore(enc, sink, lvl)
	return zap.New(core), nil
}

// Convenience typed fields, mirrored across the daemon.
func String(k, v string) zap.Field  { return zap.String(k, v) }
func Int(k string, v int) zap.Field { return zap.Int(k, v) }
func Err(err error) zap.Field       { return zap.Error(err) }
