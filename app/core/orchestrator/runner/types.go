package runner

import (
	"context"
	"time"

	"switchboard/app/core/orchestrator/oracle"
	"switchboard/app/core/orchestrator/switchboard"
	"switchboard/app/core/orchestrator/task"
)

// ActionTaken values reported in ProcessingResult and KickoffResult.
const (
	ActionRouteExactID              = "route_exact_id"
	ActionSendMessage               = "send_message"
	ActionSendMessageFailed         = "send_message_failed"
	ActionPausedRateLimit           = "paused_rate_limit"
	ActionPausedSafetyStop          = "paused_safety_stop"
	ActionRunScript                 = "run_script"
	ActionScriptAwaitReply          = "script_await_reply"
	ActionComplete                  = "complete"
	ActionPause                     = "pause"
	ActionWaitForHuman              = "wait_for_human"
	ActionScheduleWake              = "schedule_wake"
	ActionNoop                      = "noop"
	ActionNoopEmptyScript           = "noop_empty_script"
	ActionError                     = "error"
	ActionCatchUpCreated            = "catch_up_created"
	ActionFlaggedForReview          = "flagged_for_review"
	ActionNoMatch                   = "no_match"
	ActionSpamFiltered              = "spam_filtered"
	ActionHumanIntervention         = "human_intervention_recorded"
	ActionRestrictedAwaitingCommand = "restricted_awaiting_command"
	ActionCancelCommand             = "cancel_jorb_command"
	ActionResetRestrictionCommand   = "reset_restriction_command"
	ActionRestrictionNoMatch        = "restriction_command_no_match"
	ActionTaskNotFound              = "task_not_found"
)

const (
	ViolationRateLimit          = "rate_limit"
	ViolationIterationRateLimit = "iteration_rate_limit"
	ViolationStaleTask          = "stale_task"
	ViolationExpiredTask        = "expired_task"
)

// Event is one inbound message handed to the orchestrator by a channel adapter.
// For human-direct events Sender is the counterpart the operator wrote to.
type Event struct {
	ID          string                 `json:"id,omitempty"`
	Channel     task.Channel           `json:"channel"`
	Sender      string                 `json:"sender"`
	SenderName  string                 `json:"sender_name,omitempty"`
	Content     string                 `json:"content"`
	Timestamp   time.Time              `json:"timestamp"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	HumanDirect bool                   `json:"human_direct,omitempty"`
}

func (e Event) ConversationKey() string {
	return e.inbound().ConversationKey()
}

func (e Event) inbound() switchboard.Inbound {
	return switchboard.Inbound{
		Channel:     e.Channel,
		Sender:      e.Sender,
		SenderName:  e.SenderName,
		Content:     e.Content,
		Timestamp:   e.Timestamp,
		Metadata:    e.Metadata,
		HumanDirect: e.HumanDirect,
	}
}

type ProcessingResult struct {
	TaskID      string `json:"task_id,omitempty"`
	ActionTaken string `json:"action_taken"`
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
	MessageSent bool   `json:"message_sent"`
	LoopAction  string `json:"loop_action,omitempty"`
}

type KickoffResult struct {
	TaskID      string `json:"task_id"`
	Success     bool   `json:"success"`
	ActionTaken string `json:"action_taken"`
	MessageSent bool   `json:"message_sent"`
	Error       string `json:"error,omitempty"`
}

type SweepResult struct {
	Paused []string `json:"paused"`
	Failed []string `json:"failed"`
}

type Violation struct {
	TaskID    string    `json:"task_id"`
	TaskName  string    `json:"task_name"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Router picks the task an inbound message belongs to.
type Router interface {
	Route(ctx context.Context, in switchboard.Inbound, open []task.TaskWithMessages) switchboard.RoutingDecision
}

type DecisionOracle interface {
	Decide(ctx context.Context, req oracle.DecisionRequest) (oracle.Decision, error)
}

// Dispatcher sends through the channel adapters.
type Dispatcher interface {
	Send(ctx context.Context, channel task.Channel, recipient, content string) bool
	LookupDisplayName(ctx context.Context, channel task.Channel, identifier string) (string, bool)
}

// Notifier reaches the operator out of band. Failures are logged and ignored.
type Notifier interface {
	NotifyOperator(ctx context.Context, text string) error
}
