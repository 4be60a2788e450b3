package gateway

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	traceFileName = "gateway_events.jsonl"
	traceDayDir   = "2006-01-02"
)

type TraceEvent struct {
	Timestamp       string `json:"timestamp"`
	MessageID       string `json:"message_id,omitempty"`
	Channel         string `json:"channel,omitempty"`
	Peer            string `json:"peer,omitempty"`
	ConversationKey string `json:"conversation_key,omitempty"`
	TaskID          string `json:"task_id,omitempty"`
	Event           string `json:"event"`
	Status          string `json:"status"`
	Detail          string `json:"detail,omitempty"`
}

type TraceRecorder interface {
	Record(TraceEvent) error
}

// JSONLTraceRecorder appends events to <base>/<YYYY-MM-DD>/gateway_events.jsonl.
type JSONLTraceRecorder struct {
	basePath string
	now      func() time.Time
	mu       sync.Mutex
}

func NewTraceRecorder(basePath string) (*JSONLTraceRecorder, error) {
	path := strings.TrimSpace(basePath)
	if path == "" {
		return nil, fmt.Errorf("trace base path is required")
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, err
	}
	return &JSONLTraceRecorder{basePath: path, now: time.Now}, nil
}

func (r *JSONLTraceRecorder) Record(event TraceEvent) error {
	if r == nil {
		return nil
	}
	ts := r.now().UTC()
	if strings.TrimSpace(event.Timestamp) == "" {
		event.Timestamp = ts.Format(time.RFC3339Nano)
	}
	if strings.TrimSpace(event.Status) == "" {
		event.Status = "ok"
	}
	if strings.TrimSpace(event.Event) == "" {
		event.Event = "unknown"
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	dayDir := filepath.Join(r.basePath, ts.Format(traceDayDir))
	if err := os.MkdirAll(dayDir, 0755); err != nil {
		return err
	}
	path := filepath.Join(dayDir, traceFileName)

	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(payload, '\n'))
	return err
}

// TraceFilter selects events by task or conversation. Empty fields match anything.
type TraceFilter struct {
	TaskID          string
	ConversationKey string
	MaxDays         int
}

func (f TraceFilter) match(event TraceEvent) bool {
	if f.TaskID != "" && event.TaskID != f.TaskID {
		return false
	}
	if f.ConversationKey != "" && event.ConversationKey != f.ConversationKey {
		return false
	}
	return true
}

// Tail returns up to limit matching events, oldest first, scanning day files
// from newest to oldest. MaxDays bounds the scan (default 7).
func (r *JSONLTraceRecorder) Tail(filter TraceFilter, limit int) ([]TraceEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	maxDays := filter.MaxDays
	if maxDays <= 0 {
		maxDays = 7
	}
	entries, err := os.ReadDir(r.basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []TraceEvent{}, nil
		}
		return nil, err
	}
	days := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := time.Parse(traceDayDir, entry.Name()); err != nil {
			continue
		}
		days = append(days, entry.Name())
	}
	sort.Sort(sort.Reverse(sort.StringSlice(days)))
	if len(days) > maxDays {
		days = days[:maxDays]
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]TraceEvent, 0, limit)
	for _, day := range days {
		matched, err := readTraceDay(filepath.Join(r.basePath, day, traceFileName), filter)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		// Newer days are prepended so the result stays chronological.
		need := limit - len(out)
		if len(matched) > need {
			matched = matched[len(matched)-need:]
		}
		out = append(matched, out...)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func readTraceDay(path string, filter TraceFilter) ([]TraceEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	items := make([]TraceEvent, 0, 16)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var event TraceEvent
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			continue
		}
		if filter.match(event) {
			items = append(items, event)
		}
	}
	return items, scanner.Err()
}
