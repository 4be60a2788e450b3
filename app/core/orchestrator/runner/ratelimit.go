package runner

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// Counter stores event timestamps per key over a trailing horizon.
// MemoryCounter is process-local; several orchestrator processes would each
// count separately.
type Counter interface {
	Record(key string, at time.Time)
	Count(key string, since time.Time) int
	Reset(key string)
}

type MemoryCounter struct {
	horizon time.Duration
	mu      sync.Mutex
	events  map[string][]time.Time
}

// NewMemoryCounter keeps timestamps no older than horizon (default 24h).
func NewMemoryCounter(horizon time.Duration) *MemoryCounter {
	if horizon <= 0 {
		horizon = 24 * time.Hour
	}
	return &MemoryCounter{horizon: horizon, events: map[string][]time.Time{}}
}

func (c *MemoryCounter) Record(key string, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events[key] = append(c.prune(key, at), at)
}

func (c *MemoryCounter) Count(key string, since time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, at := range c.events[key] {
		if at.After(since) {
			n++
		}
	}
	return n
}

func (c *MemoryCounter) Reset(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.events, key)
}

func (c *MemoryCounter) prune(key string, now time.Time) []time.Time {
	cutoff := now.Add(-c.horizon)
	kept := c.events[key][:0]
	for _, at := range c.events[key] {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	return kept
}

func sendKey(taskID string) string {
	return "send:" + taskID
}

func iterationKey(taskID string) string {
	return "iter:" + taskID
}

// sendRateExceeded checks the trailing hour against the larger of the
// in-memory counter and the stored outbound history.
func (o *Orchestrator) sendRateExceeded(ctx context.Context, taskID string) bool {
	since := o.now().Add(-time.Hour)
	sent := o.counter.Count(sendKey(taskID), since)
	if stored, err := o.store.CountOutboundSince(ctx, taskID, since); err != nil {
		log.Printf("[Runner] count outbound for %s failed: %v", taskID, err)
	} else if stored > sent {
		sent = stored
	}
	return sent >= o.policy.MaxMessagesPerHour
}

func (o *Orchestrator) recordSend(taskID string) {
	o.counter.Record(sendKey(taskID), o.now())
}

// iterationLimitReason returns the breached limit, or "" when the task may call the oracle.
func (o *Orchestrator) iterationLimitReason(taskID string) string {
	now := o.now()
	key := iterationKey(taskID)
	if n := o.counter.Count(key, now.Add(-o.iterations.Window)); n >= o.iterations.PerWindow {
		minutes := int(o.iterations.Window / time.Minute)
		if minutes < 1 {
			minutes = 1
		}
		return fmt.Sprintf("Rate limit exceeded: %d LLM invocations per %d minutes without human interaction", o.iterations.PerWindow, minutes)
	}
	if n := o.counter.Count(key, now.Add(-24*time.Hour)); n >= o.iterations.PerDay {
		return fmt.Sprintf("Rate limit exceeded: %d LLM invocations per day", o.iterations.PerDay)
	}
	return ""
}

func (o *Orchestrator) recordIteration(taskID string) {
	o.counter.Record(iterationKey(taskID), o.now())
}

func (o *Orchestrator) resetIterations(taskID string) {
	o.counter.Reset(iterationKey(taskID))
}

func (o *Orchestrator) recordViolation(taskID, taskName, kind, message string) {
	v := Violation{TaskID: taskID, TaskName: taskName, Type: kind, Message: message, Timestamp: o.now()}
	o.violationsMu.Lock()
	o.violations = append(o.violations, v)
	o.violationsMu.Unlock()
	log.Printf("[Runner] policy violation task=%s type=%s: %s", taskID, kind, message)
}

// Violations returns a copy of the policy violations recorded since the last clear.
func (o *Orchestrator) Violations() []Violation {
	o.violationsMu.Lock()
	defer o.violationsMu.Unlock()
	out := make([]Violation, len(o.violations))
	copy(out, o.violations)
	return out
}

func (o *Orchestrator) ClearViolations() {
	o.violationsMu.Lock()
	o.violations = nil
	o.violationsMu.Unlock()
}
