package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/vango-go/vai-evidence/pkg/gateway/config"
)

func parseLevel(raw string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(raw))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", raw)
	}
	return lvl, nil
}

// newLogger writes text to stderr, or JSON to stderr and a rotated file when
// LogFile is set.
func newLogger(cfg config.Config, stderr io.Writer) (*slog.Logger, func(), error) {
	level := slog.LevelInfo
	if cfg.LogLevel != "" {
		lvl, err := parseLevel(cfg.LogLevel)
		if err != nil {
			return nil, nil, err
		}
		level = lvl
	}
	opts := &slog.HandlerOptions{Level: level}

	if cfg.LogFile == "" {
		return slog.New(slog.NewTextHandler(stderr, opts)), func() {}, nil
	}

	rotator := &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    10, // megabytes
		MaxBackups: 5,
		MaxAge:     30, // days
		Compress:   true,
	}
	logger := slog.New(slog.NewJSONHandler(io.MultiWriter(stderr, rotator), opts))
	return logger, func() { _ = rotator.Close() }, nil
}

// initTracing installs a batching OTLP/HTTP tracer provider when enabled and
// returns its shutdown. Disabled tracing leaves the global no-op provider.
func initTracing(ctx context.Context, cfg config.Config, logger *slog.Logger) func(context.Context) error {
	noop := func(context.Context) error { return nil }
	if !cfg.OTELEnabled {
		return noop
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithInsecure()}
	if cfg.OTELEndpoint != "" {
		opts = append(opts, otlptracehttp.WithEndpoint(cfg.OTELEndpoint))
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		logger.Warn("tracing disabled: exporter init failed", "error", err)
		return noop
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", cfg.ServiceName),
		)),
	)
	otel.SetTracerProvider(tp)
	logger.Info("tracing enabled", "endpoint", cfg.OTELEndpoint)
	return tp.Shutdown
}
