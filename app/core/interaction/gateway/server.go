package gateway

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"switchboard/app/core/orchestrator/runner"
	"switchboard/app/core/orchestrator/task"
	servicequeue "switchboard/app/core/queue"
	"switchboard/app/pkg/types"
)

// Handler consumes inbound events. *runner.Orchestrator satisfies it.
type Handler interface {
	HandleInboundEvent(ctx context.Context, ev runner.Event) runner.ProcessingResult
}

type operatorNotifier interface {
	NotifyOperator(ctx context.Context, text string) error
}

type QueueOptions struct {
	Enabled        bool
	EnqueueTimeout time.Duration
	AttemptTimeout time.Duration
	MaxRetries     int
	RetryDelay     time.Duration
}

// DefaultGateway connects channel adapters to the orchestrator. It doubles as
// the orchestrator's Dispatcher and Notifier.
type DefaultGateway struct {
	handler  Handler
	channels map[string]types.Channel
	mu       sync.RWMutex
	tracer   TraceRecorder

	executionQueue *servicequeue.Queue
	queueOptions   QueueOptions

	debounce *debouncer

	notifyChannel   string
	notifyRecipient string

	processedMessages uint64
	failedEvents      uint64
	deliveredMessages uint64
	failedDeliveries  uint64
	lastMessageUnix   atomic.Int64
	startedUnix       atomic.Int64
}

type HealthStatus struct {
	Started            bool               `json:"started"`
	StartedAt          time.Time          `json:"started_at"`
	RegisteredChannels []string           `json:"registered_channels"`
	ProcessedMessages  uint64             `json:"processed_messages"`
	FailedEvents       uint64             `json:"failed_events"`
	DeliveredMessages  uint64             `json:"delivered_messages"`
	FailedDeliveries   uint64             `json:"failed_deliveries"`
	LastMessageAt      time.Time          `json:"last_message_at"`
	PendingDebounce    int                `json:"pending_debounce"`
	NotifyChannel      string             `json:"notify_channel,omitempty"`
	QueueEnabled       bool               `json:"queue_enabled"`
	Queue              servicequeue.Stats `json:"queue"`
}

func NewGateway(handler Handler) *DefaultGateway {
	return &DefaultGateway{
		handler:  handler,
		channels: make(map[string]types.Channel),
	}
}

// SetHandler attaches the event handler after construction, since the
// orchestrator itself needs the gateway as its dispatcher.
func (g *DefaultGateway) SetHandler(handler Handler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handler = handler
}

func (g *DefaultGateway) RegisterChannel(c types.Channel) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.channels[c.ID()] = c
	log.Printf("[Gateway] Registered channel: %s", c.ID())
}

func (g *DefaultGateway) SetTraceRecorder(tracer TraceRecorder) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tracer = tracer
}

func (g *DefaultGateway) SetExecutionQueue(q *servicequeue.Queue, opts QueueOptions) {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.EnqueueTimeout < 0 {
		opts.EnqueueTimeout = 0
	}
	if opts.AttemptTimeout < 0 {
		opts.AttemptTimeout = 0
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = 0
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.executionQueue = q
	g.queueOptions = opts
}

// SetDebounce combines bursts from one sender arriving within window into a
// single event. A zero window disables buffering.
func (g *DefaultGateway) SetDebounce(window time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if window <= 0 {
		g.debounce = nil
		return
	}
	g.debounce = newDebouncer(window)
}

// SetNotifyTarget selects where operator notifications go. An empty recipient
// lets a channel with its own operator route (Telegram) pick the target.
func (g *DefaultGateway) SetNotifyTarget(channelID, recipient string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.notifyChannel = strings.TrimSpace(channelID)
	g.notifyRecipient = strings.TrimSpace(recipient)
}

func (g *DefaultGateway) Start(ctx context.Context) error {
	var wg sync.WaitGroup
	g.startedUnix.Store(time.Now().Unix())

	handler := func(msg types.Message) {
		g.receive(ctx, msg)
	}

	g.mu.RLock()
	debounce := g.debounce
	for _, c := range g.channels {
		wg.Add(1)
		go func(ch types.Channel) {
			defer wg.Done()
			if err := ch.Start(ctx, handler); err != nil {
				log.Printf("[Gateway] Channel %s error: %v", ch.ID(), err)
				if ctx.Err() == nil {
					g.trace(types.Message{Channel: ch.ID()}, "", "channel_disconnected", "error", err.Error())
				}
			}
		}(c)
	}
	g.mu.RUnlock()

	log.Println("[Gateway] Started all channels")
	wg.Wait()
	if debounce != nil {
		// Channels are down; hand over whatever is still buffered.
		for _, msg := range debounce.drain() {
			g.dispatch(context.WithoutCancel(ctx), msg)
		}
	}
	return nil
}

func (g *DefaultGateway) receive(ctx context.Context, msg types.Message) {
	atomic.AddUint64(&g.processedMessages, 1)
	g.lastMessageUnix.Store(time.Now().Unix())
	if strings.TrimSpace(msg.ConversationKey) == "" {
		msg.ConversationKey = msg.Channel + ":" + task.NormalizeIdentifier(msg.Sender)
	}
	log.Printf("[Gateway] Received message channel=%s sender=%s human_direct=%t", msg.Channel, msg.Sender, msg.HumanDirect)
	g.trace(msg, "", "inbound_received", "ok", "")

	g.mu.RLock()
	debounce := g.debounce
	g.mu.RUnlock()
	if debounce != nil {
		debounce.add(msg, func(combined types.Message) {
			g.dispatch(ctx, combined)
		})
		return
	}
	g.dispatch(ctx, msg)
}

func (g *DefaultGateway) queueEnabled() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.queueOptions.Enabled && g.executionQueue != nil
}

func (g *DefaultGateway) dispatch(ctx context.Context, msg types.Message) {
	if !g.queueEnabled() {
		if err := g.handle(ctx, msg); err != nil {
			log.Printf("[Gateway] Processing failed message=%s: %v", msg.ID, err)
		}
		return
	}

	g.mu.RLock()
	q := g.executionQueue
	opts := g.queueOptions
	g.mu.RUnlock()

	attempt := 0
	job := servicequeue.Job{
		Key:            msg.ConversationKey,
		MaxRetries:     opts.MaxRetries,
		RetryDelay:     opts.RetryDelay,
		AttemptTimeout: opts.AttemptTimeout,
		Run: func(runCtx context.Context) error {
			attempt++
			err := g.handle(runCtx, msg)
			if err == nil {
				return nil
			}
			if attempt <= opts.MaxRetries {
				log.Printf("[Gateway] Queue job retrying message=%s attempt=%d/%d: %v", msg.ID, attempt, opts.MaxRetries+1, err)
				return err
			}
			log.Printf("[Gateway] Queue job failed message=%s after %d attempts: %v", msg.ID, attempt, err)
			return nil
		},
	}

	enqueueCtx := ctx
	cancel := func() {}
	if opts.EnqueueTimeout > 0 {
		enqueueCtx, cancel = context.WithTimeout(ctx, opts.EnqueueTimeout)
	}
	defer cancel()

	if _, err := q.EnqueueContext(enqueueCtx, job); err != nil {
		atomic.AddUint64(&g.failedEvents, 1)
		log.Printf("[Gateway] Queue enqueue failed: %v", err)
		g.trace(msg, "", "queue_enqueue", "error", err.Error())
		return
	}
	g.trace(msg, "", "queue_enqueue", "ok", "")
}

// handle runs one event through the orchestrator. A panic is converted into
// an error so one bad event cannot take a channel down.
func (g *DefaultGateway) handle(ctx context.Context, msg types.Message) (err error) {
	g.mu.RLock()
	handler := g.handler
	g.mu.RUnlock()
	if handler == nil {
		g.trace(msg, "", "handled", "error", "gateway has no handler")
		return fmt.Errorf("gateway has no handler")
	}

	defer func() {
		if r := recover(); r != nil {
			atomic.AddUint64(&g.failedEvents, 1)
			log.Printf("[Gateway] Handler panic message=%s: %v\n%s", msg.ID, r, debug.Stack())
			g.trace(msg, "", "handled", "error", fmt.Sprintf("panic: %v", r))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	result := handler.HandleInboundEvent(ctx, toEvent(msg))
	detail := result.ActionTaken
	if result.Error != "" {
		detail += ": " + result.Error
	}
	if !result.Success {
		atomic.AddUint64(&g.failedEvents, 1)
		g.trace(msg, result.TaskID, "handled", "error", detail)
		return nil
	}
	g.trace(msg, result.TaskID, "handled", "ok", detail)
	return nil
}

func toEvent(msg types.Message) runner.Event {
	meta := make(map[string]interface{}, len(msg.Meta)+1)
	for k, v := range msg.Meta {
		meta[k] = v
	}
	meta["conversation_key"] = msg.ConversationKey
	return runner.Event{
		ID:          msg.ID,
		Channel:     task.Channel(msg.Channel),
		Sender:      msg.Sender,
		SenderName:  msg.SenderName,
		Content:     msg.Content,
		Timestamp:   msg.Timestamp,
		Metadata:    meta,
		HumanDirect: msg.HumanDirect,
	}
}

// Send implements runner.Dispatcher.
func (g *DefaultGateway) Send(ctx context.Context, channel task.Channel, recipient, content string) bool {
	out := types.Message{Channel: string(channel), Sender: recipient}
	ch, exists := g.channelByID(string(channel))
	if !exists {
		atomic.AddUint64(&g.failedDeliveries, 1)
		g.trace(out, "", "deliver", "error", "channel not registered")
		log.Printf("[Gateway] Delivery failed: channel %s not registered", channel)
		return false
	}
	if err := ch.Send(ctx, recipient, content); err != nil {
		atomic.AddUint64(&g.failedDeliveries, 1)
		g.trace(out, "", "deliver", "error", err.Error())
		log.Printf("[Gateway] Delivery to %s via %s failed: %v", recipient, channel, err)
		return false
	}
	atomic.AddUint64(&g.deliveredMessages, 1)
	g.trace(out, "", "deliver", "ok", "")
	return true
}

// LookupDisplayName implements runner.Dispatcher.
func (g *DefaultGateway) LookupDisplayName(ctx context.Context, channel task.Channel, identifier string) (string, bool) {
	ch, exists := g.channelByID(string(channel))
	if !exists {
		return "", false
	}
	directory, ok := ch.(types.DirectoryLookup)
	if !ok {
		return "", false
	}
	return directory.LookupDisplayName(ctx, identifier)
}

// NotifyOperator implements runner.Notifier.
func (g *DefaultGateway) NotifyOperator(ctx context.Context, text string) error {
	g.mu.RLock()
	channelID := g.notifyChannel
	recipient := g.notifyRecipient
	g.mu.RUnlock()
	if channelID == "" {
		return fmt.Errorf("no notify channel configured")
	}
	ch, exists := g.channelByID(channelID)
	if !exists {
		return fmt.Errorf("notify channel not registered: %s", channelID)
	}
	out := types.Message{Channel: channelID, Sender: recipient}
	var err error
	if notifier, ok := ch.(operatorNotifier); ok && recipient == "" {
		err = notifier.NotifyOperator(ctx, text)
	} else if recipient == "" {
		err = fmt.Errorf("notify recipient is required for channel %s", channelID)
	} else {
		err = ch.Send(ctx, recipient, text)
	}
	if err != nil {
		g.trace(out, "", "notify_operator", "error", err.Error())
		return err
	}
	g.trace(out, "", "notify_operator", "ok", "")
	return nil
}

func (g *DefaultGateway) trace(msg types.Message, taskID, event, status, detail string) {
	g.mu.RLock()
	tracer := g.tracer
	g.mu.RUnlock()
	if tracer == nil {
		return
	}

	traceEvent := TraceEvent{
		MessageID:       strings.TrimSpace(msg.ID),
		Channel:         strings.TrimSpace(msg.Channel),
		Peer:            strings.TrimSpace(msg.Sender),
		ConversationKey: strings.TrimSpace(msg.ConversationKey),
		TaskID:          strings.TrimSpace(taskID),
		Event:           strings.TrimSpace(event),
		Status:          strings.TrimSpace(status),
		Detail:          strings.TrimSpace(detail),
	}
	if err := tracer.Record(traceEvent); err != nil {
		log.Printf("[Gateway] Trace write failed: %v", err)
	}
}

func (g *DefaultGateway) channelByID(channelID string) (types.Channel, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	channel, exists := g.channels[channelID]
	return channel, exists
}

func (g *DefaultGateway) HealthStatus() HealthStatus {
	g.mu.RLock()
	channels := make([]string, 0, len(g.channels))
	for id := range g.channels {
		channels = append(channels, id)
	}
	queueEnabled := g.queueOptions.Enabled && g.executionQueue != nil
	var queueStats servicequeue.Stats
	if queueEnabled {
		queueStats = g.executionQueue.Stats()
	}
	pending := 0
	if g.debounce != nil {
		pending = g.debounce.pending()
	}
	notifyChannel := g.notifyChannel
	g.mu.RUnlock()
	sort.Strings(channels)

	status := HealthStatus{
		RegisteredChannels: channels,
		ProcessedMessages:  atomic.LoadUint64(&g.processedMessages),
		FailedEvents:       atomic.LoadUint64(&g.failedEvents),
		DeliveredMessages:  atomic.LoadUint64(&g.deliveredMessages),
		FailedDeliveries:   atomic.LoadUint64(&g.failedDeliveries),
		PendingDebounce:    pending,
		NotifyChannel:      notifyChannel,
		QueueEnabled:       queueEnabled,
		Queue:              queueStats,
	}

	if started := g.startedUnix.Load(); started > 0 {
		status.Started = true
		status.StartedAt = time.Unix(started, 0).UTC()
	}
	if last := g.lastMessageUnix.Load(); last > 0 {
		status.LastMessageAt = time.Unix(last, 0).UTC()
	}

	return status
}
