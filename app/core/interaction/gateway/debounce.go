package gateway

import (
	"strings"
	"sync"
	"time"

	"switchboard/app/core/orchestrator/task"
	"switchboard/app/pkg/types"
)

// debouncer holds messages from one sender for a fixed window that starts
// with the first message, then emits them as one combined message.
type debouncer struct {
	window time.Duration

	mu      sync.Mutex
	buffers map[string]*burst
}

type burst struct {
	messages []types.Message
	timer    *time.Timer
	flush    func(types.Message)
}

func newDebouncer(window time.Duration) *debouncer {
	return &debouncer{window: window, buffers: map[string]*burst{}}
}

func burstKey(msg types.Message) string {
	key := msg.Channel + ":" + task.NormalizeIdentifier(msg.Sender)
	if msg.HumanDirect {
		key += ":direct"
	}
	return key
}

func (d *debouncer) add(msg types.Message, flush func(types.Message)) {
	key := burstKey(msg)

	d.mu.Lock()
	defer d.mu.Unlock()
	if b, ok := d.buffers[key]; ok {
		b.messages = append(b.messages, msg)
		return
	}
	b := &burst{messages: []types.Message{msg}, flush: flush}
	d.buffers[key] = b
	b.timer = time.AfterFunc(d.window, func() {
		if combined, ok := d.take(key); ok {
			flush(combined)
		}
	})
}

func (d *debouncer) take(key string) (types.Message, bool) {
	d.mu.Lock()
	b, ok := d.buffers[key]
	delete(d.buffers, key)
	d.mu.Unlock()
	if !ok || len(b.messages) == 0 {
		return types.Message{}, false
	}
	return combine(b.messages), true
}

// drain stops all timers and returns every pending burst.
func (d *debouncer) drain() []types.Message {
	d.mu.Lock()
	keys := make([]string, 0, len(d.buffers))
	for key, b := range d.buffers {
		b.timer.Stop()
		keys = append(keys, key)
	}
	d.mu.Unlock()

	out := make([]types.Message, 0, len(keys))
	for _, key := range keys {
		if combined, ok := d.take(key); ok {
			out = append(out, combined)
		}
	}
	return out
}

func (d *debouncer) pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buffers)
}

func combine(messages []types.Message) types.Message {
	first := messages[0]
	if len(messages) == 1 {
		return first
	}
	parts := make([]string, 0, len(messages))
	for _, m := range messages {
		parts = append(parts, m.Content)
	}
	out := first
	out.Content = strings.Join(parts, "\n")
	out.Meta = make(map[string]interface{}, len(first.Meta)+1)
	for k, v := range first.Meta {
		out.Meta[k] = v
	}
	out.Meta["message_count"] = len(messages)
	return out
}
