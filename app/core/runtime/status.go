package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"switchboard/app/core/interaction/gateway"
	"switchboard/app/core/orchestrator/runner"
	"switchboard/app/core/orchestrator/task"
	"switchboard/app/core/queue"
	"switchboard/app/core/scheduler"
)

// ViolationSource exposes the orchestrator's in-memory violation list.
type ViolationSource interface {
	Violations() []runner.Violation
}

type StatusCollector struct {
	Gateway           *gateway.DefaultGateway
	Scheduler         *scheduler.Scheduler
	Queue             *queue.Queue
	TaskStore         *task.Store
	Violations        ViolationSource
	OracleLogBasePath string
	UsageWindow       time.Duration
	ViolationTail     int
	Now               func() time.Time
}

type oracleLogEntry struct {
	Timestamp   string `json:"timestamp"`
	Stage       string `json:"stage"`
	Provider    string `json:"provider"`
	TaskID      string `json:"task_id"`
	Status      string `json:"status"`
	DurationMs  int64  `json:"duration_ms"`
	Tokens      int64  `json:"tokens"`
	PromptChars int    `json:"prompt_chars"`
	OutputChars int    `json:"output_chars"`
}

func (c *StatusCollector) Snapshot(ctx context.Context) map[string]interface{} {
	now := time.Now().UTC()
	if c.Now != nil {
		now = c.Now().UTC()
	}
	payload := map[string]interface{}{
		"timestamp": now.Format(time.RFC3339),
	}

	if c.Gateway != nil {
		payload["gateway"] = c.Gateway.HealthStatus()
	}
	if c.Scheduler != nil {
		payload["scheduler"] = map[string]interface{}{
			"health": c.Scheduler.Health(),
			"jobs":   c.Scheduler.Snapshot(),
		}
	}
	if c.Queue != nil {
		payload["queue"] = c.Queue.Stats()
	}
	if c.TaskStore != nil {
		agg, err := c.TaskStore.AggregateMetrics(ctx, task.FilterAll)
		if err != nil {
			payload["tasks"] = map[string]interface{}{"error": err.Error()}
		} else {
			payload["tasks"] = agg
		}
	}
	if c.Violations != nil {
		payload["violations"] = summarizeViolations(c.Violations.Violations(), c.ViolationTail)
	}
	payload["oracle"] = summarizeOracleUsage(c.OracleLogBasePath, now, c.UsageWindow)
	return payload
}

func summarizeViolations(items []runner.Violation, tail int) map[string]interface{} {
	if tail <= 0 {
		tail = 10
	}
	byType := map[string]int{}
	for _, item := range items {
		byType[item.Type]++
	}
	recent := items
	if len(recent) > tail {
		recent = recent[len(recent)-tail:]
	}
	out := make([]runner.Violation, len(recent))
	copy(out, recent)
	return map[string]interface{}{
		"total":   len(items),
		"by_type": byType,
		"recent":  out,
	}
}

func summarizeOracleUsage(basePath string, now time.Time, window time.Duration) map[string]interface{} {
	if window <= 0 {
		window = 24 * time.Hour
	}
	since := now.Add(-window)
	entries := readOracleLogsSince(basePath, since)

	byStage := map[string]int{}
	byProvider := map[string]int{}
	tasks := map[string]struct{}{}
	var tokens int64
	var durationMs int64
	errorCalls := 0
	promptChars := 0
	outputChars := 0
	for _, entry := range entries {
		stage := strings.TrimSpace(entry.Stage)
		if stage == "" {
			stage = "unknown"
		}
		byStage[stage]++
		provider := strings.TrimSpace(entry.Provider)
		if provider == "" {
			provider = "unknown"
		}
		byProvider[provider]++
		if id := strings.TrimSpace(entry.TaskID); id != "" {
			tasks[id] = struct{}{}
		}
		if !strings.EqualFold(strings.TrimSpace(entry.Status), "ok") {
			errorCalls++
		}
		tokens += entry.Tokens
		durationMs += entry.DurationMs
		promptChars += entry.PromptChars
		outputChars += entry.OutputChars
	}
	avgMs := int64(0)
	if len(entries) > 0 {
		avgMs = durationMs / int64(len(entries))
	}

	return map[string]interface{}{
		"window_hours":    int(window / time.Hour),
		"calls":           len(entries),
		"error_calls":     errorCalls,
		"tasks":           len(tasks),
		"tokens":          tokens,
		"prompt_chars":    promptChars,
		"output_chars":    outputChars,
		"avg_duration_ms": avgMs,
		"by_stage":        byStage,
		"by_provider":     byProvider,
	}
}

func readOracleLogsSince(basePath string, since time.Time) []oracleLogEntry {
	path := strings.TrimSpace(basePath)
	if path == "" {
		path = filepath.Join("output", "oracle")
	}
	dirs, err := os.ReadDir(path)
	if err != nil {
		return []oracleLogEntry{}
	}

	dayDirs := make([]string, 0, len(dirs))
	for _, entry := range dirs {
		if !entry.IsDir() {
			continue
		}
		name := strings.TrimSpace(entry.Name())
		if _, err := time.Parse(dayDirLayout, name); err != nil {
			continue
		}
		dayDirs = append(dayDirs, name)
	}
	sort.Strings(dayDirs)

	entries := make([]oracleLogEntry, 0)
	for _, day := range dayDirs {
		dayAt, err := time.Parse(dayDirLayout, day)
		if err != nil {
			continue
		}
		if dayAt.Add(24 * time.Hour).Before(since) {
			continue
		}
		files, err := os.ReadDir(filepath.Join(path, day))
		if err != nil {
			continue
		}
		fileNames := make([]string, 0, len(files))
		for _, file := range files {
			if file.IsDir() {
				continue
			}
			name := strings.TrimSpace(file.Name())
			if !strings.HasPrefix(name, "oracle_") || !strings.HasSuffix(name, ".jsonl") {
				continue
			}
			fileNames = append(fileNames, name)
		}
		sort.Strings(fileNames)

		for _, name := range fileNames {
			items, err := readOracleLogFile(filepath.Join(path, day, name), since)
			if err != nil {
				continue
			}
			entries = append(entries, items...)
		}
	}
	return entries
}

func readOracleLogFile(path string, since time.Time) ([]oracleLogEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	out := make([]oracleLogEntry, 0, 32)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var item oracleLogEntry
		if err := json.Unmarshal([]byte(line), &item); err != nil {
			continue
		}
		ts, err := parseRFC3339Any(item.Timestamp)
		if err != nil || ts.Before(since) {
			continue
		}
		out = append(out, item)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func parseRFC3339Any(value string) (time.Time, error) {
	text := strings.TrimSpace(value)
	if text == "" {
		return time.Time{}, os.ErrInvalid
	}
	if ts, err := time.Parse(time.RFC3339Nano, text); err == nil {
		return ts, nil
	}
	return time.Parse(time.RFC3339, text)
}
