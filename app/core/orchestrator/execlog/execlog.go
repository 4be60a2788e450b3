package execlog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	StageRoute  = "route"
	StageDecide = "decide"
)

type Meta struct {
	Stage   string
	TaskID  string
	Channel string
	Sender  string
}

type metaKey struct{}

type entry struct {
	Timestamp     string `json:"timestamp"`
	Stage         string `json:"stage"`
	Provider      string `json:"provider"`
	TaskID        string `json:"task_id,omitempty"`
	Channel       string `json:"channel,omitempty"`
	Sender        string `json:"sender,omitempty"`
	Status        string `json:"status"`
	DurationMs    int64  `json:"duration_ms"`
	Tokens        int64  `json:"tokens,omitempty"`
	PromptChars   int    `json:"prompt_chars"`
	OutputChars   int    `json:"output_chars,omitempty"`
	PromptPreview string `json:"prompt_preview,omitempty"`
	OutputPreview string `json:"output_preview,omitempty"`
	Error         string `json:"error,omitempty"`
}

// Call describes one finished oracle invocation.
type Call struct {
	Start    time.Time
	Provider string
	Prompt   string
	Output   string
	Tokens   int64
	Err      error
}

var (
	mu     sync.Mutex
	logDir = filepath.Join("output", "oracle")
)

// SetDir moves the journal root; an empty dir disables journaling.
func SetDir(dir string) {
	mu.Lock()
	defer mu.Unlock()
	logDir = strings.TrimSpace(dir)
}

func WithMeta(ctx context.Context, meta Meta) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	current := GetMeta(ctx)
	merged := mergeMeta(current, meta)
	return context.WithValue(ctx, metaKey{}, merged)
}

func GetMeta(ctx context.Context) Meta {
	if ctx == nil {
		return Meta{}
	}
	meta, _ := ctx.Value(metaKey{}).(Meta)
	return meta
}

// Record appends the call to the hourly journal. Journal failures never fail the caller.
func Record(ctx context.Context, call Call) {
	_ = appendHourlyLog(GetMeta(ctx), call, time.Since(call.Start))
}

func mergeMeta(base Meta, override Meta) Meta {
	out := base
	if strings.TrimSpace(override.Stage) != "" {
		out.Stage = strings.TrimSpace(override.Stage)
	}
	if strings.TrimSpace(override.TaskID) != "" {
		out.TaskID = strings.TrimSpace(override.TaskID)
	}
	if strings.TrimSpace(override.Channel) != "" {
		out.Channel = strings.TrimSpace(override.Channel)
	}
	if strings.TrimSpace(override.Sender) != "" {
		out.Sender = strings.TrimSpace(override.Sender)
	}
	return out
}

func appendHourlyLog(meta Meta, call Call, duration time.Duration) error {
	mu.Lock()
	defer mu.Unlock()
	if logDir == "" {
		return nil
	}

	provider := strings.TrimSpace(call.Provider)
	if provider == "" {
		provider = "unknown"
	}
	stage := strings.TrimSpace(meta.Stage)
	if stage == "" {
		stage = "unknown"
	}
	ts := call.Start
	if ts.IsZero() {
		ts = time.Now()
	}

	record := entry{
		Timestamp:     ts.Format(time.RFC3339Nano),
		Stage:         stage,
		Provider:      provider,
		TaskID:        meta.TaskID,
		Channel:       meta.Channel,
		Sender:        meta.Sender,
		Status:        "ok",
		DurationMs:    duration.Milliseconds(),
		Tokens:        call.Tokens,
		PromptChars:   len(call.Prompt),
		OutputChars:   len(call.Output),
		PromptPreview: previewText(call.Prompt, 240),
		OutputPreview: previewText(call.Output, 240),
	}
	if call.Err != nil {
		record.Status = "error"
		record.Error = call.Err.Error()
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}

	dayDir := filepath.Join(logDir, ts.Format("2006-01-02"))
	if err := os.MkdirAll(dayDir, 0755); err != nil {
		return fmt.Errorf("failed to create oracle log dir: %w", err)
	}
	logPath := filepath.Join(dayDir, fmt.Sprintf("oracle_%s.jsonl", ts.Format("20060102-15")))

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(append(payload, '\n')); err != nil {
		return err
	}
	return nil
}

func previewText(s string, limit int) string {
	clean := strings.TrimSpace(s)
	if clean == "" || limit <= 0 {
		return ""
	}
	clean = strings.ReplaceAll(clean, "\r\n", "\n")
	clean = strings.ReplaceAll(clean, "\n", "\\n")
	runes := []rune(clean)
	if len(runes) <= limit {
		return clean
	}
	return string(runes[:limit]) + "..."
}
