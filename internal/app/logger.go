package app

import (
	"log/slog"
	"os"
)

// NewLogger returns a slog.Logger for the given process component
// ("api", "worker"). Production always emits JSON so decision and
// sweep logs stay machine readable regardless of LOG_FORMAT.
func NewLogger(cfg *Config, component string) *slog.Logger {
	opts := &slog.HandlerOptions{AddSource: true}
	var handler slog.Handler = slog.NewTextHandler(os.Stdout, opts)
	if cfg != nil && (cfg.LogFormat == "json" || cfg.IsProduction()) {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler).With(slog.String("component", component))
}
