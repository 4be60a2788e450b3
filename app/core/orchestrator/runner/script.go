package runner

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"switchboard/app/pkg/cmdutil"
)

const (
	DefaultScriptTimeout     = 300 * time.Second
	DefaultScriptOutputLimit = 4000
)

type ScriptOutcome struct {
	Success bool
	Output  string
	Error   string
}

// ScriptRunner executes side-effecting work chosen by the oracle.
type ScriptRunner interface {
	Run(ctx context.Context, taskID, script string) ScriptOutcome
}

// ShellScriptRunner runs each script in a fresh interpreter process with a deadline.
type ShellScriptRunner struct {
	Interpreter []string
	Timeout     time.Duration
	OutputLimit int
	WorkDir     string
}

func (r ShellScriptRunner) Run(ctx context.Context, taskID, script string) ScriptOutcome {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultScriptTimeout
	}
	limit := r.OutputLimit
	if limit <= 0 {
		limit = DefaultScriptOutputLimit
	}
	if r.WorkDir != "" {
		if err := os.MkdirAll(r.WorkDir, 0755); err != nil {
			return ScriptOutcome{Error: "prepare work dir: " + err.Error()}
		}
	}

	ctx = cmdutil.WithCommandLogContext(ctx, cmdutil.CommandLogContext{TaskID: taskID, Stage: "script"})
	output, err := cmdutil.RunScriptIn(ctx, r.WorkDir, r.Interpreter, script, timeout)
	output = cmdutil.Truncate(strings.TrimSpace(output), limit)
	if err != nil {
		msg := err.Error()
		if errors.Is(err, cmdutil.ErrTimeout) {
			msg = "Script timed out: " + msg
		}
		return ScriptOutcome{Output: output, Error: cmdutil.Truncate(msg, limit)}
	}
	return ScriptOutcome{Success: true, Output: output}
}
