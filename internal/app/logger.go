package app

import (
	"log/slog"
	"os"
)

// NewLogger builds the process logger: JSON records when LOG_FORMAT=json
// (the deployed shape), a readable text handler otherwise.
func NewLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{AddSource: true}
	if cfg != nil && cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
