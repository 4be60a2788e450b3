package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		" WARN ":  LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"":        LevelInfo,
		"verbose": LevelInfo,
	}
	for input, want := range cases {
		if got := ParseLevel(input); got != want {
			t.Fatalf("ParseLevel(%q)=%d, want %d", input, got, want)
		}
	}
}

func TestInitWritesDailyFileAndFiltersLevels(t *testing.T) {
	dir := t.TempDir()
	if err := Init(dir, LevelWarn); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	t.Cleanup(func() {
		_ = Close()
		SetLevel(LevelInfo)
	})

	Info("hidden %d", 1)
	Warn("shown %d", 2)
	Error("failure %s", "x")
	if err := Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	path := filepath.Join(dir, "switchboard_"+time.Now().Format("2006-01-02")+".log")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log failed: %v", err)
	}
	text := string(data)
	if strings.Contains(text, "hidden 1") {
		t.Fatalf("info line should be filtered: %q", text)
	}
	if !strings.Contains(text, "[WARN] ") || !strings.Contains(text, "shown 2") {
		t.Fatalf("missing warn line: %q", text)
	}
	if !strings.Contains(text, "[ERROR] ") || !strings.Contains(text, "failure x") {
		t.Fatalf("missing error line: %q", text)
	}
}
