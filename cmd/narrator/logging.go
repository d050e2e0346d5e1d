package main

import (
	"io"
	"log/slog"
	"strings"

	charmlog "github.com/charmbracelet/log"
	"github.com/loqalabs/loqa-narrator/internal/config"
)

// newLogger builds the process logger. Logs go to w so stdout stays
// reserved for command output.
func newLogger(cfg config.TelemetryConfig, w io.Writer) *slog.Logger {
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slogLevel(cfg.LogLevel)}))
	}
	level, err := charmlog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		level = charmlog.InfoLevel
	}
	return slog.New(charmlog.NewWithOptions(w, charmlog.Options{
		Level:           level,
		ReportTimestamp: true,
		Prefix:          "narrator",
	}))
}

func slogLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
