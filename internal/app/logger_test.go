package app

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewLoggerFormatSelection(t *testing.T) {
	text := NewLogger(&Config{AppEnv: "development", LogFormat: "pretty"}, "api")
	_, ok := text.Handler().(*slog.TextHandler)
	assert.True(t, ok, "development defaults to the text handler")

	json := NewLogger(&Config{AppEnv: "development", LogFormat: "json"}, "api")
	_, ok = json.Handler().(*slog.JSONHandler)
	assert.True(t, ok)

	prod := NewLogger(&Config{AppEnv: "production", LogFormat: "pretty"}, "worker")
	_, ok = prod.Handler().(*slog.JSONHandler)
	assert.True(t, ok, "production forces JSON output")
}

func TestNewLoggerNilConfig(t *testing.T) {
	logger := NewLogger(nil, "api")
	_, ok := logger.Handler().(*slog.TextHandler)
	assert.True(t, ok)
}
