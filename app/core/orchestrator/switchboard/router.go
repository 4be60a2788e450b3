package switchboard

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"switchboard/app/core/orchestrator/oracle"
	"switchboard/app/core/orchestrator/task"
)

const (
	DefaultRecencyWindow = 30 * time.Minute
	DefaultPlanExcerpt   = 200
	DefaultSnippetLength = 160
)

type Method string

const (
	MethodExplicitID       Method = "explicit_id"
	MethodThreadNumber     Method = "thread_number"
	MethodNewTaskDirective Method = "new_task_directive"
	MethodConversationKey  Method = "conversation_key"
	MethodContact          Method = "contact"
	MethodOracle           Method = "oracle"
	MethodNone             Method = "none"
)

var (
	explicitIDPattern   = regexp.MustCompile(`(?i)\bjorb_[0-9a-f]{8}\b`)
	threadNumberPattern = regexp.MustCompile(`(?i)\bthread\s*(\d{1,3})\b`)
	newTaskPattern      = regexp.MustCompile(`(?i)^\s*(?:(?:hey|hi|ok|okay)[,!.]?\s+)?(?:please\s+|can\s+you\s+|could\s+you\s+|let'?s\s+)?(?:start|create|open|begin|make|spin\s+up)\s+(?:a\s+|an\s+)?(?:new|fresh|separate)\s+(?:jorb|task|thread)\b`)
)

// Inbound is one message as the router sees it.
type Inbound struct {
	Channel     task.Channel
	Sender      string
	SenderName  string
	Content     string
	Timestamp   time.Time
	Metadata    map[string]interface{}
	HumanDirect bool
}

func (in Inbound) ConversationKey() string {
	if in.Metadata == nil {
		return ""
	}
	key, _ := in.Metadata[task.MetadataConversationKey].(string)
	return strings.TrimSpace(key)
}

type RoutingDecision struct {
	TaskID              string `json:"task_id,omitempty"`
	Confidence          string `json:"confidence"`
	Method              Method `json:"method"`
	Reasoning           string `json:"reasoning"`
	MightBeNewTask      bool   `json:"might_be_new_task"`
	IsSpam              bool   `json:"is_spam"`
	IsUrgent            bool   `json:"is_urgent"`
	UnknownSender       bool   `json:"unknown_sender"`
	IsHumanIntervention bool   `json:"is_human_intervention"`
	TokensUsed          int64  `json:"tokens_used"`
}

func (d RoutingDecision) Matched() bool {
	return d.TaskID != ""
}

// RouteOracle is the model fallback consulted after the deterministic matchers.
type RouteOracle interface {
	Available() bool
	Route(ctx context.Context, req oracle.RouteRequest) (oracle.RouteResult, error)
}

type Options struct {
	RecencyWindow time.Duration
	PlanExcerpt   int
	SnippetLength int
	Now           func() time.Time
}

type Router struct {
	oracle        RouteOracle
	recencyWindow time.Duration
	planExcerpt   int
	snippetLength int
	now           func() time.Time
}

func NewRouter(routeOracle RouteOracle, opts Options) *Router {
	r := &Router{
		oracle:        routeOracle,
		recencyWindow: opts.RecencyWindow,
		planExcerpt:   opts.PlanExcerpt,
		snippetLength: opts.SnippetLength,
		now:           opts.Now,
	}
	if r.recencyWindow <= 0 {
		r.recencyWindow = DefaultRecencyWindow
	}
	if r.planExcerpt <= 0 {
		r.planExcerpt = DefaultPlanExcerpt
	}
	if r.snippetLength <= 0 {
		r.snippetLength = DefaultSnippetLength
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Route runs the matcher cascade; the first matcher that fires wins and costs no tokens.
func (r *Router) Route(ctx context.Context, in Inbound, open []task.TaskWithMessages) RoutingDecision {
	decision := r.route(ctx, in, open)
	decision.IsHumanIntervention = in.HumanDirect
	if in.HumanDirect && decision.Matched() {
		decision.Confidence = oracle.ConfidenceHigh
	}
	log.Printf("[Router] sender=%s method=%s task=%s confidence=%s human=%v", in.Sender, decision.Method, decision.TaskID, decision.Confidence, in.HumanDirect)
	return decision
}

func (r *Router) route(ctx context.Context, in Inbound, open []task.TaskWithMessages) RoutingDecision {
	if id, ok := matchExplicitID(in.Content, open); ok {
		return RoutingDecision{TaskID: id, Confidence: oracle.ConfidenceHigh, Method: MethodExplicitID, Reasoning: "Message names " + id}
	}
	if id, token, ok := matchThreadNumber(in.Content, open); ok {
		return RoutingDecision{TaskID: id, Confidence: oracle.ConfidenceHigh, Method: MethodThreadNumber, Reasoning: fmt.Sprintf("Message references %q", token)}
	}
	if IsNewTaskDirective(in.Content) {
		return RoutingDecision{Confidence: oracle.ConfidenceHigh, Method: MethodNewTaskDirective, Reasoning: "Explicit request to start a new jorb", MightBeNewTask: true}
	}

	excluded := map[string]struct{}{}
	if id, rejected, ok := r.matchConversationKey(in, open); ok {
		return RoutingDecision{TaskID: id, Confidence: oracle.ConfidenceHigh, Method: MethodConversationKey, Reasoning: "Same conversation as " + id}
	} else if rejected != "" {
		excluded[rejected] = struct{}{}
	}
	if id, ok := matchContact(in.Sender, open, excluded); ok {
		return RoutingDecision{TaskID: id, Confidence: oracle.ConfidenceHigh, Method: MethodContact, Reasoning: fmt.Sprintf("Sender %s is a known contact for this jorb", in.Sender)}
	}
	return r.askOracle(ctx, in, open)
}

func matchExplicitID(content string, open []task.TaskWithMessages) (string, bool) {
	tokens := explicitIDPattern.FindAllString(content, -1)
	if len(tokens) == 0 {
		return "", false
	}
	openIDs := make(map[string]struct{}, len(open))
	for _, item := range open {
		openIDs[strings.ToLower(item.Task.ID)] = struct{}{}
	}
	matched := map[string]struct{}{}
	for _, token := range tokens {
		id := strings.ToLower(token)
		if _, ok := openIDs[id]; ok {
			matched[id] = struct{}{}
		}
	}
	if len(matched) != 1 {
		return "", false
	}
	for id := range matched {
		return id, true
	}
	return "", false
}

func matchThreadNumber(content string, open []task.TaskWithMessages) (string, string, bool) {
	refs := threadNumberPattern.FindAllStringSubmatch(content, -1)
	if len(refs) == 0 {
		return "", "", false
	}
	numbers := map[string]struct{}{}
	for _, ref := range refs {
		numbers[strings.TrimLeft(ref[1], "0")] = struct{}{}
	}
	if len(numbers) != 1 {
		return "", "", false
	}
	var number string
	for n := range numbers {
		number = n
	}
	if number == "" {
		number = "0"
	}
	namePattern := regexp.MustCompile(`(?i)\bthread\s*0*` + number + `\b`)
	var matches []string
	for _, item := range open {
		if namePattern.MatchString(item.Task.Name) {
			matches = append(matches, item.Task.ID)
		}
	}
	if len(matches) != 1 {
		return "", "", false
	}
	return matches[0], "thread " + number, true
}

// IsNewTaskDirective reports an imperative "start a new jorb" style opener.
func IsNewTaskDirective(content string) bool {
	return newTaskPattern.MatchString(content)
}

// matchConversationKey returns the matched id, or the id of a unique candidate
// that failed the recency/pause guardrail.
func (r *Router) matchConversationKey(in Inbound, open []task.TaskWithMessages) (string, string, bool) {
	key := in.ConversationKey()
	if key == "" {
		return "", "", false
	}
	var candidates []task.Task
	for _, item := range open {
		if item.Task.ConversationKey() == key {
			candidates = append(candidates, item.Task)
		}
	}
	if len(candidates) != 1 {
		return "", "", false
	}
	candidate := candidates[0]
	if r.now().Sub(candidate.UpdatedAt) > r.recencyWindow {
		log.Printf("[Router] conversation key %s matched stale task %s (updated %s)", key, candidate.ID, candidate.UpdatedAt.Format(time.RFC3339))
		return "", candidate.ID, false
	}
	if candidate.PolicyPaused() {
		log.Printf("[Router] conversation key %s matched task %s paused by policy", key, candidate.ID)
		return "", candidate.ID, false
	}
	if candidate.Status == task.StatusPaused && !candidate.AwaitingHuman() && !candidate.PendingApproval() {
		log.Printf("[Router] conversation key %s matched paused task %s with no pending human need", key, candidate.ID)
		return "", candidate.ID, false
	}
	return candidate.ID, "", true
}

func matchContact(sender string, open []task.TaskWithMessages, excluded map[string]struct{}) (string, bool) {
	normalized := task.NormalizeIdentifier(sender)
	if normalized == "" {
		return "", false
	}
	var matches []string
	for _, item := range open {
		if _, skip := excluded[item.Task.ID]; skip {
			continue
		}
		if item.Task.HasContact(normalized) {
			matches = append(matches, item.Task.ID)
		}
	}
	if len(matches) != 1 {
		return "", false
	}
	return matches[0], true
}

func (r *Router) askOracle(ctx context.Context, in Inbound, open []task.TaskWithMessages) RoutingDecision {
	if r.oracle == nil || !r.oracle.Available() {
		return RoutingDecision{Confidence: oracle.ConfidenceLow, Method: MethodNone, Reasoning: "Router oracle not configured", UnknownSender: true}
	}

	req := oracle.RouteRequest{
		Channel:    string(in.Channel),
		Sender:     in.Sender,
		SenderName: in.SenderName,
		Content:    in.Content,
		Timestamp:  in.Timestamp,
		Candidates: make([]oracle.RouteCandidate, 0, len(open)),
	}
	known := make(map[string]struct{}, len(open))
	for _, item := range open {
		known[item.Task.ID] = struct{}{}
		req.Candidates = append(req.Candidates, r.summarize(item))
	}

	result, err := r.oracle.Route(ctx, req)
	if err != nil {
		log.Printf("[Router] oracle routing failed: %v", err)
		return RoutingDecision{Confidence: oracle.ConfidenceLow, Method: MethodNone, Reasoning: "Routing failed: " + err.Error(), UnknownSender: true}
	}

	decision := RoutingDecision{
		TaskID:         result.TaskID,
		Confidence:     oracle.NormalizeConfidence(result.Confidence),
		Method:         MethodOracle,
		Reasoning:      result.Reasoning,
		MightBeNewTask: result.MightBeNewTask,
		IsSpam:         result.IsSpam,
		IsUrgent:       result.IsUrgent,
		UnknownSender:  result.UnknownSender,
		TokensUsed:     result.TokensUsed,
	}
	if decision.TaskID != "" {
		if _, ok := known[decision.TaskID]; !ok {
			log.Printf("[Router] oracle returned unknown task %s, dropping", decision.TaskID)
			decision.Reasoning = fmt.Sprintf("oracle chose %s which is not open: %s", decision.TaskID, decision.Reasoning)
			decision.TaskID = ""
			decision.Confidence = oracle.ConfidenceLow
		}
	}
	return decision
}

func (r *Router) summarize(item task.TaskWithMessages) oracle.RouteCandidate {
	t := item.Task
	plan := []rune(t.Plan)
	planSummary := t.Plan
	if len(plan) > r.planExcerpt {
		planSummary = string(plan[:r.planExcerpt]) + "..."
	}
	contacts := make([]string, 0, len(t.Contacts))
	for _, c := range t.Contacts {
		contacts = append(contacts, c.Identifier)
	}
	candidate := oracle.RouteCandidate{
		ID:          t.ID,
		Name:        t.Name,
		Status:      string(t.Status),
		PlanSummary: planSummary,
		Contacts:    contacts,
		Awaiting:    t.Awaiting,
	}
	if !t.UpdatedAt.IsZero() {
		candidate.LastActivity = t.UpdatedAt.UTC().Format(time.RFC3339)
	}
	for i := len(item.Messages) - 1; i >= 0; i-- {
		m := item.Messages[i]
		switch {
		case m.Direction == task.DirectionInbound && candidate.LastInbound == "":
			candidate.LastInbound = snippet(m.Content, r.snippetLength)
		case m.Direction == task.DirectionOutbound && candidate.LastOutbound == "":
			candidate.LastOutbound = snippet(m.Content, r.snippetLength)
		}
		if candidate.LastInbound != "" && candidate.LastOutbound != "" {
			break
		}
	}
	return candidate
}

func snippet(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}
