package logutil

import (
	"log/slog"
	"testing"
)

func TestNewWritesToStderrWhenNoFileGiven(t *testing.T) {
	log := New("info", "")
	if log == nil {
		t.Fatal("expected a non-nil logger")
	}
}

func TestNewWritesToRotatingFileWhenGiven(t *testing.T) {
	log := New("debug", t.TempDir()+"/test.log")
	if log == nil {
		t.Fatal("expected a non-nil logger")
	}
	log.Info("hello")
}

func TestParseLevelMapsKnownNames(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":  slog.LevelDebug,
		"warn":   slog.LevelWarn,
		"error":  slog.LevelError,
		"info":   slog.LevelInfo,
		"bogus":  slog.LevelInfo,
	}
	for name, want := range cases {
		if got := parseLevel(name); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", name, got, want)
		}
	}
}
