package logger

import (
	"context"
	"log/slog"
	"testing"

	"github.com/tab-bridge/tab/internal/config"
)

func TestNew(t *testing.T) {
	log, closer := New(config.Logging{Level: "info", Service: "tab-test"})
	defer closer.Close()
	if log == nil {
		t.Fatal("New returned nil")
	}
	log.Info("hello")
}

func TestNewAsync(t *testing.T) {
	log, closer := New(config.Logging{Level: "info", Service: "tab-test", Async: true})
	if log == nil {
		t.Fatal("New returned nil")
	}
	log.Info("buffered")
	closer.Close()
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestRequestIDContext(t *testing.T) {
	ctx := context.Background()
	if RequestID(ctx) != "" {
		t.Error("expected empty request ID on fresh context")
	}
	ctx = WithRequestID(ctx, "req-1")
	if RequestID(ctx) != "req-1" {
		t.Errorf("expected req-1, got %q", RequestID(ctx))
	}
}
