package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"switchboard/app/core/orchestrator/execlog"
	"switchboard/app/core/orchestrator/task"
)

const (
	TriggerEvent    = "event"
	TriggerContinue = "continue"
	TriggerKickoff  = "kickoff"
	TriggerWake     = "wake"
)

const routeSystemPrompt = `You route inbound messages to open jorbs (long-running tasks).
Given the message and the open jorbs, reply with one JSON object:
{"routing":{"jorb_id":"<id or null>","confidence":"high|medium|low","reasoning":"..."},
 "signals":{"might_be_new_jorb":bool,"is_spam":bool,"is_urgent":bool,"unknown_sender":bool}}
Only use ids from the list. Prefer null over a weak guess.`

const decideSystemPrompt = `You drive one jorb (a long-running task) forward.
Reply with one JSON object:
{"reasoning":"...","summary":"<one-line status>",
 "command":{"type":"RUN_SCRIPT|SEND_MESSAGE|PAUSE_FOR_APPROVAL|COMPLETE|WAIT_FOR_HUMAN|SCHEDULE_WAKE|NOOP","args":{...}},
 "progress":{"note":"...","awaiting":"..."}}
Args: RUN_SCRIPT{script,await_reply}; SEND_MESSAGE{transport,recipient,text}; PAUSE_FOR_APPROVAL{pause_reason,needs_approval_for};
COMPLETE{result}; WAIT_FOR_HUMAN{awaiting}; SCHEDULE_WAKE{seconds,awaiting}; NOOP{}.
Pause before anything in the approval list. Send only to the jorb's contacts.`

type EventContext struct {
	Channel      string    `json:"channel"`
	Sender       string    `json:"sender"`
	SenderName   string    `json:"sender_name,omitempty"`
	Content      string    `json:"content"`
	Timestamp    time.Time `json:"timestamp"`
	MessageCount int       `json:"message_count,omitempty"`
}

type DecisionRequest struct {
	Trigger            string
	Task               task.Task
	Messages           []task.Message
	ScriptResults      []task.ScriptResult
	Checkpoints        []task.Checkpoint
	Event              *EventContext
	RequireApprovalFor []string
	MaxSpend           float64
	Personality        string
}

// Oracle turns a completion Client into routing and action decisions.
type Oracle struct {
	client Client
}

func New(client Client) *Oracle {
	return &Oracle{client: client}
}

func (o *Oracle) Available() bool {
	return o != nil && o.client != nil
}

func (o *Oracle) Route(ctx context.Context, req RouteRequest) (RouteResult, error) {
	payload, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return RouteResult{}, err
	}
	ctx = execlog.WithMeta(ctx, execlog.Meta{Stage: execlog.StageRoute, Channel: req.Channel, Sender: req.Sender})
	completion, err := o.complete(ctx, Prompt{System: routeSystemPrompt, User: "Route this message:\n\n" + string(payload), JSON: true})
	if err != nil {
		return RouteResult{}, err
	}
	result, err := ParseRoute(completion.Text)
	if err != nil {
		return RouteResult{}, err
	}
	result.TokensUsed = completion.TotalTokens()
	return result, nil
}

func (o *Oracle) Decide(ctx context.Context, req DecisionRequest) (Decision, error) {
	user, err := buildDecisionPrompt(req)
	if err != nil {
		return Decision{}, err
	}
	ctx = execlog.WithMeta(ctx, execlog.Meta{Stage: execlog.StageDecide, TaskID: req.Task.ID})
	completion, err := o.complete(ctx, Prompt{System: decideSystemPrompt, User: user, JSON: true})
	if err != nil {
		return Decision{}, err
	}
	decision, err := ParseDecision(completion.Text)
	if err != nil {
		return Decision{}, err
	}
	decision.TokensUsed = completion.TotalTokens()
	decision.EstimatedCost = EstimateCost(completion.InputTokens, completion.OutputTokens)
	log.Printf("[Oracle] task=%s decided=%s tokens=%d", req.Task.ID, decision.Action.Kind(), decision.TokensUsed)
	return decision, nil
}

func (o *Oracle) complete(ctx context.Context, prompt Prompt) (Completion, error) {
	if !o.Available() {
		return Completion{}, ErrUnavailable
	}
	start := time.Now()
	completion, err := o.client.Complete(ctx, prompt)
	if err == nil && strings.TrimSpace(completion.Text) == "" {
		err = fmt.Errorf("%w: empty response", ErrMalformed)
	}
	execlog.Record(ctx, execlog.Call{
		Start:    start,
		Provider: o.client.Name(),
		Prompt:   prompt.User,
		Output:   completion.Text,
		Tokens:   completion.TotalTokens(),
		Err:      err,
	})
	if err != nil {
		return Completion{}, err
	}
	return completion, nil
}

type decisionDocument struct {
	Trigger            string              `json:"trigger"`
	Jorb               jorbContext         `json:"jorb"`
	Event              *EventContext       `json:"event,omitempty"`
	Instruction        string              `json:"instruction,omitempty"`
	Checkpoints        []checkpointEntry   `json:"checkpoints,omitempty"`
	History            []historyEntry      `json:"history"`
	ScriptResults      []task.ScriptResult `json:"script_results,omitempty"`
	RequireApprovalFor []string            `json:"require_approval_for,omitempty"`
	MaxSpend           float64             `json:"max_spend_without_approval,omitempty"`
	Personality        string              `json:"personality,omitempty"`
}

type jorbContext struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	Plan            string         `json:"plan"`
	Status          string         `json:"status"`
	ProgressSummary string         `json:"progress_summary"`
	Awaiting        string         `json:"awaiting,omitempty"`
	Contacts        []task.Contact `json:"contacts"`
	CreatedAt       time.Time      `json:"created_at"`
}

// checkpointEntry carries a summary of history that no longer fits the prompt window.
type checkpointEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Summary   string    `json:"summary"`
}

type historyEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Direction string    `json:"direction"`
	Channel   string    `json:"channel"`
	Sender    string    `json:"sender,omitempty"`
	Content   string    `json:"content"`
}

func buildDecisionPrompt(req DecisionRequest) (string, error) {
	doc := decisionDocument{
		Trigger: req.Trigger,
		Jorb: jorbContext{
			ID:              req.Task.ID,
			Name:            req.Task.Name,
			Plan:            req.Task.Plan,
			Status:          string(req.Task.Status),
			ProgressSummary: req.Task.ProgressSummary,
			Awaiting:        req.Task.Awaiting,
			Contacts:        req.Task.Contacts,
			CreatedAt:       req.Task.CreatedAt,
		},
		Event:              req.Event,
		History:            make([]historyEntry, 0, len(req.Messages)),
		ScriptResults:      req.ScriptResults,
		RequireApprovalFor: req.RequireApprovalFor,
		MaxSpend:           req.MaxSpend,
		Personality:        req.Personality,
	}
	switch req.Trigger {
	case TriggerContinue:
		doc.Instruction = "No new input. Continue from the latest script results."
	case TriggerKickoff:
		doc.Instruction = "This jorb was just created. Take the first step of the plan."
	case TriggerWake:
		doc.Instruction = "Scheduled wake. Check on progress and continue."
	}
	for _, cp := range req.Checkpoints {
		doc.Checkpoints = append(doc.Checkpoints, checkpointEntry{Timestamp: cp.Timestamp, Summary: cp.Summary})
	}
	for _, m := range req.Messages {
		sender := m.SenderName
		if sender == "" {
			sender = m.Sender
		}
		doc.History = append(doc.History, historyEntry{
			Timestamp: m.Timestamp,
			Direction: string(m.Direction),
			Channel:   string(m.Channel),
			Sender:    sender,
			Content:   m.Content,
		})
	}
	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", err
	}
	return "Decide the next step:\n\n" + string(payload), nil
}
