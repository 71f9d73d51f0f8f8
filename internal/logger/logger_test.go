package logger

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestConfig(t *testing.T) {
	cfg := Config(true, true)
	if cfg.Encoding != "json" {
		t.Fatalf("expected json encoding, got %q", cfg.Encoding)
	}
	if cfg.Level.Level() != zapcore.DebugLevel {
		t.Fatalf("expected debug level, got %v", cfg.Level.Level())
	}
	if cfg.EncoderConfig.MessageKey != "step" {
		t.Fatalf("unexpected message key %q", cfg.EncoderConfig.MessageKey)
	}
	if len(cfg.OutputPaths) != 1 || cfg.OutputPaths[0] != "stderr" {
		t.Fatalf("logs must go to stderr, got %v", cfg.OutputPaths)
	}

	cfg = Config(false, false)
	if cfg.Encoding != "console" || cfg.Level.Level() != zapcore.InfoLevel {
		t.Fatalf("unexpected default config: %s %v", cfg.Encoding, cfg.Level.Level())
	}
}

func TestNew(t *testing.T) {
	log, err := New(false, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	log.Info("ready")
}
