package oracle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"switchboard/app/pkg/cmdutil"
)

const DefaultExecTimeout = 120 * time.Second

type ExecConfig struct {
	// Command is the executable followed by its fixed arguments, e.g. ["claude", "-p"].
	Command []string
	Timeout time.Duration
}

// ExecClient pipes the prompt into a local CLI model runner.
type ExecClient struct {
	name    string
	args    []string
	timeout time.Duration
}

func NewExecClient(cfg ExecConfig) (*ExecClient, error) {
	if len(cfg.Command) == 0 || strings.TrimSpace(cfg.Command[0]) == "" {
		return nil, fmt.Errorf("%w: exec command is required", ErrUnavailable)
	}
	name := NormalizeExecutorName(cfg.Command[0])
	if err := cmdutil.RequireExecutable(name); err != nil {
		return nil, fmt.Errorf("%w: executor not installed: %s", ErrUnavailable, name)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultExecTimeout
	}
	return &ExecClient{name: name, args: append([]string{}, cfg.Command[1:]...), timeout: timeout}, nil
}

// NormalizeExecutorName maps friendly aliases onto executable names.
func NormalizeExecutorName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	switch strings.ReplaceAll(normalized, "-", "_") {
	case "claude", "claude_code":
		return "claude"
	case "codex":
		return "codex"
	default:
		return strings.TrimSpace(name)
	}
}

func (e *ExecClient) Name() string {
	return "exec:" + e.name
}

func (e *ExecClient) Complete(ctx context.Context, prompt Prompt) (Completion, error) {
	input := prompt.User
	if strings.TrimSpace(prompt.System) != "" {
		input = prompt.System + "\n\n" + prompt.User
	}
	if prompt.JSON {
		input += "\n\nRespond with a single JSON object and nothing else."
	}
	ctx = cmdutil.WithCommandLogContext(ctx, cmdutil.CommandLogContext{Stage: "oracle"})
	output, err := cmdutil.RunWithInput(ctx, e.name, e.args, input, e.timeout)
	if err != nil {
		return Completion{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if strings.TrimSpace(output) == "" {
		return Completion{}, fmt.Errorf("%w: empty response", ErrMalformed)
	}
	// CLI runners do not report usage; approximate at four characters per token.
	return Completion{
		Text:         output,
		InputTokens:  int64(len(input) / 4),
		OutputTokens: int64(len(output) / 4),
	}, nil
}
