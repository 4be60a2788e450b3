package cmdutil

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"strings"
	"time"
)

// ErrTimeout is returned when a command outlives its deadline and is killed.
var ErrTimeout = errors.New("command timed out")

const waitDelay = 2 * time.Second

type CommandLogContext struct {
	TaskID string
	Stage  string
}

type commandLogContextKey struct{}

func WithCommandLogContext(ctx context.Context, meta CommandLogContext) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, commandLogContextKey{}, meta)
}

func getCommandLogContext(ctx context.Context) CommandLogContext {
	if ctx == nil {
		return CommandLogContext{}
	}
	meta, _ := ctx.Value(commandLogContextKey{}).(CommandLogContext)
	return meta
}

func RequireExecutable(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("missing executable")
	}
	if _, err := exec.LookPath(name); err != nil {
		return fmt.Errorf("executable not found: %s", name)
	}
	return nil
}

// RunWithInput runs name with args, feeding input on stdin, and returns combined output.
func RunWithInput(ctx context.Context, name string, args []string, input string, timeout time.Duration) (string, error) {
	return run(ctx, "", name, args, input, timeout)
}

func run(ctx context.Context, dir string, name string, args []string, input string, timeout time.Duration) (string, error) {
	logCommand(ctx, name, args)
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cmd := exec.CommandContext(execCtx, name, args...)
	cmd.WaitDelay = waitDelay
	cmd.Dir = dir
	if strings.TrimSpace(input) != "" {
		cmd.Stdin = strings.NewReader(input)
	}
	output, err := cmd.CombinedOutput()
	outStr := strings.TrimSpace(string(output))
	if err != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return outStr, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		return outStr, formatCommandError(err, outStr)
	}
	return outStr, nil
}

// RunScriptIn hands script to an interpreter such as ["sh", "-c"], running in dir.
func RunScriptIn(ctx context.Context, dir string, interpreter []string, script string, timeout time.Duration) (string, error) {
	if len(interpreter) == 0 {
		interpreter = []string{"sh", "-c"}
	}
	args := append(append([]string{}, interpreter[1:]...), script)
	return run(ctx, dir, interpreter[0], args, "", timeout)
}

// Truncate cuts s to limit runes and marks the cut with "...".
func Truncate(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}

func logCommand(ctx context.Context, name string, args []string) {
	meta := getCommandLogContext(ctx)
	command := name
	if len(args) > 0 {
		command += " " + Truncate(strings.Join(args, " "), 120)
	}
	if strings.TrimSpace(meta.TaskID) != "" || strings.TrimSpace(meta.Stage) != "" {
		log.Printf("[exec][task:%s][stage:%s] %s", strings.TrimSpace(meta.TaskID), strings.TrimSpace(meta.Stage), command)
		return
	}
	log.Printf("[exec] %s", command)
}

func formatCommandError(err error, output string) error {
	if err == nil {
		return nil
	}
	exitCode := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		exitCode = exitErr.ExitCode()
	}
	if strings.TrimSpace(output) != "" {
		trimmed, truncated := limitOutputLines(output, 8)
		if truncated {
			return fmt.Errorf("exit code %d: %s\n[output truncated to last 8 lines]", exitCode, trimmed)
		}
		return fmt.Errorf("exit code %d: %s", exitCode, trimmed)
	}
	return fmt.Errorf("exit code %d: %v", exitCode, err)
}

func limitOutputLines(output string, maxLines int) (string, bool) {
	normalized := strings.ReplaceAll(output, "\r\n", "\n")
	normalized = strings.TrimRight(normalized, "\n")
	if normalized == "" {
		return "", false
	}
	lines := strings.Split(normalized, "\n")
	if len(lines) <= maxLines {
		return normalized, false
	}
	return strings.Join(lines[len(lines)-maxLines:], "\n"), true
}
