package task

import (
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusPlanning  Status = "planning"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusComplete  Status = "complete"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func ParseStatus(raw string) (Status, error) {
	status := Status(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := allowedTransitions[status]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
	return status, nil
}

func (s Status) IsTerminal() bool {
	return s == StatusComplete || s == StatusFailed || s == StatusCancelled
}

func (s Status) IsOpen() bool {
	return s == StatusPlanning || s == StatusRunning || s == StatusPaused
}

type Filter string

const (
	FilterOpen   Filter = "open"
	FilterClosed Filter = "closed"
	FilterAll    Filter = "all"
)

type Channel string

const (
	ChannelTelegram Channel = "telegram"
	ChannelSMS      Channel = "sms"
	ChannelEmail    Channel = "email"
)

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

const (
	// HumanDirectSender marks outbound messages the operator typed themselves.
	HumanDirectSender = "operator_direct"

	AwaitingHumanReply      = "human_reply"
	AwaitingHumanApproval   = "human_approval"
	AwaitingRestriction     = "human_reply:restriction"
	AwaitingContextRecovery = "context_recovery"

	ApprovalResume = "resume"

	MetadataConversationKey = "conversation_key"
	MetadataTransport       = "preferred_transport"
)

type Contact struct {
	Identifier  string  `json:"identifier"`
	Channel     Channel `json:"channel"`
	DisplayName string  `json:"display_name,omitempty"`
}

type Metrics struct {
	MessagesIn    int64   `json:"messages_in"`
	MessagesOut   int64   `json:"messages_out"`
	TokensUsed    int64   `json:"tokens_used"`
	EstimatedCost float64 `json:"estimated_cost"`
	ContextResets int64   `json:"context_resets"`
}

// MetricsDelta is added column-wise to a task's counters.
type MetricsDelta Metrics

type Outcome struct {
	Result        string    `json:"result,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
	CompletedAt   time.Time `json:"completed_at,omitempty"`
}

type Task struct {
	ID               string                 `json:"id"`
	Name             string                 `json:"name"`
	Status           Status                 `json:"status"`
	Plan             string                 `json:"plan"`
	Contacts         []Contact              `json:"contacts"`
	Personality      string                 `json:"personality,omitempty"`
	ProgressSummary  string                 `json:"progress_summary,omitempty"`
	Awaiting         string                 `json:"awaiting,omitempty"`
	PausedReason     string                 `json:"paused_reason,omitempty"`
	NeedsApprovalFor string                 `json:"needs_approval_for,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
	Metrics          Metrics                `json:"metrics"`
	Outcome          Outcome                `json:"outcome"`
	WakeAt           time.Time              `json:"wake_at,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

func (t Task) ConversationKey() string {
	if t.Metadata == nil {
		return ""
	}
	key, _ := t.Metadata[MetadataConversationKey].(string)
	return strings.TrimSpace(key)
}

// HasContact reports whether any contact normalizes to the given identifier.
func (t Task) HasContact(normalized string) bool {
	if normalized == "" {
		return false
	}
	for _, c := range t.Contacts {
		if NormalizeIdentifier(c.Identifier) == normalized {
			return true
		}
	}
	return false
}

// AwaitingHuman is true when the task is parked on a reply or approval from a person.
// Restriction pauses are excluded: they only accept control commands.
func (t Task) AwaitingHuman() bool {
	awaiting := strings.ToLower(strings.TrimSpace(t.Awaiting))
	if awaiting == AwaitingRestriction {
		return false
	}
	return strings.HasPrefix(awaiting, AwaitingHumanReply) || strings.HasPrefix(awaiting, AwaitingHumanApproval)
}

func (t Task) PendingApproval() bool {
	need := strings.ToLower(strings.TrimSpace(t.NeedsApprovalFor))
	return need != "" && need != ApprovalResume
}

// PolicyPaused reports a pause written by the stale sweep or the send-rate
// limit. Only an explicit resume brings such a task back.
func (t Task) PolicyPaused() bool {
	return t.Status == StatusPaused && strings.EqualFold(strings.TrimSpace(t.NeedsApprovalFor), ApprovalResume)
}

func (t Task) Restricted() bool {
	return strings.EqualFold(strings.TrimSpace(t.Awaiting), AwaitingRestriction)
}

type Message struct {
	ID         string    `json:"id"`
	TaskID     string    `json:"task_id"`
	Timestamp  time.Time `json:"timestamp"`
	Direction  Direction `json:"direction"`
	Channel    Channel   `json:"channel"`
	Sender     string    `json:"sender,omitempty"`
	SenderName string    `json:"sender_name,omitempty"`
	Recipient  string    `json:"recipient,omitempty"`
	Content    string    `json:"content"`
	Reasoning  string    `json:"reasoning,omitempty"`
}

func (m Message) IsHumanDirect() bool {
	return m.Sender == HumanDirectSender
}

type Checkpoint struct {
	ID         string    `json:"id"`
	TaskID     string    `json:"task_id"`
	Timestamp  time.Time `json:"timestamp"`
	Summary    string    `json:"summary"`
	TokenCount int       `json:"token_count,omitempty"`
}

type ScriptResult struct {
	Script    string    `json:"script"`
	Success   bool      `json:"success"`
	Result    string    `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type TaskWithMessages struct {
	Task     Task      `json:"task"`
	Messages []Message `json:"messages"`
}

type CreateParams struct {
	Name        string
	Plan        string
	Contacts    []Contact
	Personality string
	Metadata    map[string]interface{}
}

type Aggregate struct {
	Tasks         int            `json:"tasks"`
	ByStatus      map[Status]int `json:"by_status"`
	MessagesIn    int64          `json:"messages_in"`
	MessagesOut   int64          `json:"messages_out"`
	TokensUsed    int64          `json:"tokens_used"`
	EstimatedCost float64        `json:"estimated_cost"`
	ContextResets int64          `json:"context_resets"`
}
