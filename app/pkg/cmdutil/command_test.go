package cmdutil

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestRunScriptInCapturesOutput(t *testing.T) {
	if err := RequireExecutable("sh"); err != nil {
		t.Skip("sh not available")
	}
	out, err := RunScriptIn(context.Background(), "", nil, "echo hello; echo world", 5*time.Second)
	if err != nil {
		t.Fatalf("run script failed: %v", err)
	}
	if out != "hello\nworld" {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestRunScriptInReportsExitCode(t *testing.T) {
	if err := RequireExecutable("sh"); err != nil {
		t.Skip("sh not available")
	}
	_, err := RunScriptIn(context.Background(), "", nil, "echo broken; exit 3", 5*time.Second)
	if err == nil {
		t.Fatal("expected error for failing script")
	}
	if !strings.Contains(err.Error(), "exit code 3") || !strings.Contains(err.Error(), "broken") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRunScriptInTimesOut(t *testing.T) {
	if err := RequireExecutable("sleep"); err != nil {
		t.Skip("sleep not available")
	}
	start := time.Now()
	_, err := RunScriptIn(context.Background(), "", nil, "sleep 5", 200*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if time.Since(start) > 4*time.Second {
		t.Fatalf("timeout took too long: %s", time.Since(start))
	}
}

func TestLimitOutputLinesKeepsTail(t *testing.T) {
	out, truncated := limitOutputLines("1\n2\n3\n4", 2)
	if !truncated || out != "3\n4" {
		t.Fatalf("unexpected tail: %q truncated=%v", out, truncated)
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("héllo world", 5); got != "héllo..." {
		t.Fatalf("unexpected truncate result: %q", got)
	}
	if got := Truncate("short", 10); got != "short" {
		t.Fatalf("unexpected untouched result: %q", got)
	}
}
