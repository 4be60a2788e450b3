package runner

import (
	"context"
	"errors"
	"log"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"switchboard/app/core/orchestrator/oracle"
	"switchboard/app/core/orchestrator/switchboard"
	"switchboard/app/core/orchestrator/task"
)

const (
	DefaultMaxStepsPerRun     = 25
	DefaultCatchUpPersonality = "operator-voice"
)

type Options struct {
	Policy              Policy
	Iterations          IterationLimits
	MaxStepsPerRun      int
	MessageHistory      int
	ScriptHistory       int
	ContextResetTokens  int64
	CatchUpPersonality  string
	CatchUpPhrases      []Phrase
	OperatorIdentifiers []string
	Counter             Counter
	Scripts             ScriptRunner
	Now                 func() time.Time
	Rand                func() float64
}

// Orchestrator drives task lifecycles: routing, the per-task decision loop,
// recovery flows and policy sweeps.
type Orchestrator struct {
	store      *task.Store
	router     Router
	decider    DecisionOracle
	dispatcher Dispatcher
	notifier   Notifier

	policy             Policy
	iterations         IterationLimits
	maxSteps           int
	messageHistory     int
	scriptHistory      int
	contextResetTokens int64
	catchUpPersonality string
	catchUpPhrases     []Phrase
	operators          map[string]struct{}
	counter            Counter
	scripts            ScriptRunner
	now                func() time.Time
	random             func() float64

	locks *keyedMutex

	violationsMu sync.Mutex
	violations   []Violation
}

func New(store *task.Store, router Router, decider DecisionOracle, dispatcher Dispatcher, notifier Notifier, opts Options) *Orchestrator {
	o := &Orchestrator{
		store:              store,
		router:             router,
		decider:            decider,
		dispatcher:         dispatcher,
		notifier:           notifier,
		policy:             sanitizePolicy(opts.Policy),
		iterations:         sanitizeIterationLimits(opts.Iterations),
		maxSteps:           opts.MaxStepsPerRun,
		messageHistory:     opts.MessageHistory,
		scriptHistory:      opts.ScriptHistory,
		contextResetTokens: opts.ContextResetTokens,
		catchUpPersonality: strings.TrimSpace(opts.CatchUpPersonality),
		catchUpPhrases:     sanitizePhrases(opts.CatchUpPhrases),
		operators:          map[string]struct{}{},
		counter:            opts.Counter,
		scripts:            opts.Scripts,
		now:                opts.Now,
		random:             opts.Rand,
		locks:              newKeyedMutex(),
	}
	if o.maxSteps <= 0 {
		o.maxSteps = DefaultMaxStepsPerRun
	}
	if o.messageHistory <= 0 {
		o.messageHistory = task.DefaultMessageLimit
	}
	if o.scriptHistory <= 0 {
		o.scriptHistory = task.DefaultScriptResultLimit
	}
	if o.contextResetTokens <= 0 {
		o.contextResetTokens = DefaultContextResetTokens
	}
	if o.catchUpPersonality == "" {
		o.catchUpPersonality = DefaultCatchUpPersonality
	}
	if o.counter == nil {
		o.counter = NewMemoryCounter(0)
	}
	if o.scripts == nil {
		o.scripts = ShellScriptRunner{}
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.random == nil {
		o.random = rand.Float64
	}
	for _, id := range opts.OperatorIdentifiers {
		if normalized := task.NormalizeIdentifier(id); normalized != "" {
			o.operators[normalized] = struct{}{}
		}
	}
	return o
}

func (o *Orchestrator) Policy() Policy {
	return o.policy
}

// HandleInboundEvent routes one inbound message and runs whatever it triggers.
// Failures are reported in the result; nothing escapes to the channel.
func (o *Orchestrator) HandleInboundEvent(ctx context.Context, ev Event) ProcessingResult {
	ev.Content = strings.TrimSpace(ev.Content)
	ev.Sender = strings.TrimSpace(ev.Sender)
	if ev.Timestamp.IsZero() {
		ev.Timestamp = o.now()
	}
	if ev.Content == "" {
		return ProcessingResult{ActionTaken: ActionNoop, Success: true}
	}
	ev = o.enrichSender(ctx, ev)
	log.Printf("[Runner] inbound channel=%s sender=%s human=%v: %s", ev.Channel, ev.Sender, ev.HumanDirect, preview(ev.Content, 50))

	open, err := o.store.GetOpenWithMessages(ctx, o.messageHistory)
	if err != nil {
		return failed("", err)
	}

	if command := controlCommand(ev.Content); command != "" && !ev.HumanDirect {
		return o.handleRestrictionCommand(ctx, command, ev, open)
	}

	decision := o.router.Route(ctx, ev.inbound(), open)
	if !decision.Matched() {
		return o.handleUnrouted(ctx, ev, decision)
	}

	var matched *task.Task
	for i := range open {
		if open[i].Task.ID == decision.TaskID {
			matched = &open[i].Task
			break
		}
	}
	if matched == nil {
		log.Printf("[Runner] routed to %s but it is no longer open", decision.TaskID)
		return ProcessingResult{TaskID: decision.TaskID, ActionTaken: ActionTaskNotFound, Error: "routed task not found"}
	}

	if ev.HumanDirect {
		return o.handleHumanIntervention(ctx, *matched, ev)
	}

	result := o.handleRouted(ctx, *matched, ev)
	if decision.Method == switchboard.MethodExplicitID {
		result.LoopAction = result.ActionTaken
		result.ActionTaken = ActionRouteExactID
	}
	return result
}

func (o *Orchestrator) handleUnrouted(ctx context.Context, ev Event, decision switchboard.RoutingDecision) ProcessingResult {
	if decision.IsSpam {
		log.Printf("[Runner] spam from %s ignored", ev.Sender)
		return ProcessingResult{ActionTaken: ActionSpamFiltered, Success: true}
	}
	if !decision.MightBeNewTask || ev.HumanDirect {
		return ProcessingResult{ActionTaken: ActionNoMatch, Success: true}
	}
	trusted, err := o.IsTrusted(ctx, ev.Sender)
	if err != nil {
		return failed("", err)
	}
	if trusted {
		return o.createCatchUp(ctx, ev)
	}
	return o.flagForReview(ctx, ev)
}

func (o *Orchestrator) handleRouted(ctx context.Context, matched task.Task, ev Event) ProcessingResult {
	unlock := o.locks.Lock(matched.ID)
	defer unlock()

	if _, err := o.storeInbound(ctx, matched.ID, ev); err != nil {
		return failed(matched.ID, err)
	}
	o.rememberConversation(ctx, matched, ev)

	current, err := o.store.Get(ctx, matched.ID)
	if err != nil {
		return failed(matched.ID, err)
	}
	if current.Restricted() {
		return o.acknowledgeRestricted(ctx, current, ev)
	}
	if current.Status != task.StatusRunning {
		if _, err := o.store.Update(ctx, current.ID, task.Fields{
			task.FieldStatus:           task.StatusRunning,
			task.FieldPausedReason:     "",
			task.FieldNeedsApprovalFor: "",
		}); err != nil {
			return failed(current.ID, err)
		}
	}

	o.resetIterations(current.ID)
	out := o.runLoop(ctx, current.ID, oracle.TriggerEvent, &ev)
	return out.result(current.ID)
}

// IsTrusted reports whether sender was ever a contact on any task, whatever its status.
func (o *Orchestrator) IsTrusted(ctx context.Context, sender string) (bool, error) {
	normalized := task.NormalizeIdentifier(sender)
	if normalized == "" {
		return false, nil
	}
	known, err := o.store.GetAllKnownContactIdentifiers(ctx)
	if err != nil {
		return false, err
	}
	_, ok := known[normalized]
	return ok, nil
}

func (o *Orchestrator) enrichSender(ctx context.Context, ev Event) Event {
	if ev.SenderName != "" || ev.Channel != task.ChannelSMS || o.dispatcher == nil {
		return ev
	}
	if name, ok := o.dispatcher.LookupDisplayName(ctx, ev.Channel, ev.Sender); ok {
		ev.SenderName = name
	}
	return ev
}

func (o *Orchestrator) storeInbound(ctx context.Context, taskID string, ev Event) (string, error) {
	return o.store.AddMessage(ctx, taskID, task.Message{
		Timestamp:  ev.Timestamp,
		Direction:  task.DirectionInbound,
		Channel:    ev.Channel,
		Sender:     ev.Sender,
		SenderName: ev.SenderName,
		Content:    ev.Content,
	})
}

// rememberConversation pins the conversation key and transport the task was last reached on.
func (o *Orchestrator) rememberConversation(ctx context.Context, t task.Task, ev Event) {
	patch := map[string]interface{}{}
	if key := ev.ConversationKey(); key != "" && key != t.ConversationKey() {
		patch[task.MetadataConversationKey] = key
	}
	if current, _ := t.Metadata[task.MetadataTransport].(string); ev.Channel != "" && current != string(ev.Channel) {
		patch[task.MetadataTransport] = string(ev.Channel)
	}
	if len(patch) == 0 {
		return
	}
	if _, err := o.store.MergeMetadata(ctx, t.ID, patch); err != nil {
		log.Printf("[Runner] merge metadata for %s failed: %v", t.ID, err)
	}
}

// deliver sends content and stores it as an outbound message on success.
func (o *Orchestrator) deliver(ctx context.Context, taskID string, channel task.Channel, recipient, content, reasoning string) (bool, error) {
	if o.dispatcher == nil {
		return false, nil
	}
	if !o.dispatcher.Send(ctx, channel, recipient, content) {
		log.Printf("[Runner] send to %s via %s failed for %s", recipient, channel, taskID)
		return false, nil
	}
	if taskID == "" {
		return true, nil
	}
	if _, err := o.store.AddMessage(ctx, taskID, task.Message{
		Timestamp: o.now(),
		Direction: task.DirectionOutbound,
		Channel:   channel,
		Recipient: recipient,
		Content:   content,
		Reasoning: reasoning,
	}); err != nil {
		return true, err
	}
	return true, nil
}

func (o *Orchestrator) notifyOperator(ctx context.Context, text string) {
	if o.notifier == nil {
		return
	}
	if err := o.notifier.NotifyOperator(ctx, text); err != nil {
		log.Printf("[Runner] notify operator failed: %v", err)
	}
}

func (o *Orchestrator) isOperator(sender string) bool {
	_, ok := o.operators[task.NormalizeIdentifier(sender)]
	return ok
}

func failed(taskID string, err error) ProcessingResult {
	log.Printf("[Runner] task=%s failed: %v", taskID, err)
	result := ProcessingResult{TaskID: taskID, ActionTaken: ActionError, Error: err.Error()}
	if errors.Is(err, task.ErrTaskNotFound) {
		result.ActionTaken = ActionTaskNotFound
	}
	return result
}

func preview(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}

// replyChannel picks where a task's messages should go: the stored transport,
// then the first contact's channel.
func replyChannel(t task.Task) task.Channel {
	if transport, _ := t.Metadata[task.MetadataTransport].(string); transport != "" {
		return task.Channel(transport)
	}
	if len(t.Contacts) > 0 {
		return t.Contacts[0].Channel
	}
	return ""
}

// keyedMutex serializes work per task while letting different tasks run in parallel.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: map[string]*keyedLock{}}
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
