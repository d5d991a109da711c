package logging

import (
	"log/slog"
	"testing"
)

func TestLevelFromEnv(t *testing.T) {
	cases := []struct {
		raw  string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"verbose", slog.LevelInfo},
	}
	for _, tc := range cases {
		t.Setenv(levelEnv, tc.raw)
		if got := levelFromEnv(); got != tc.want {
			t.Fatalf("level for %q: got %v want %v", tc.raw, got, tc.want)
		}
	}
}

func TestComponentNilAndEmpty(t *testing.T) {
	if Component(nil, "feed") == nil {
		t.Fatal("nil base should fall back to the default logger")
	}
	base := slog.Default()
	if Component(base, "  ") != base {
		t.Fatal("blank component name should return the base logger unchanged")
	}
}
