package oracle

import (
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

// RouteCandidate is the lightweight summary the oracle sees for each open task.
type RouteCandidate struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Status       string   `json:"status"`
	PlanSummary  string   `json:"plan_summary"`
	Contacts     []string `json:"contacts"`
	Awaiting     string   `json:"awaiting,omitempty"`
	LastActivity string   `json:"last_activity,omitempty"`
	LastInbound  string   `json:"last_inbound,omitempty"`
	LastOutbound string   `json:"last_outbound,omitempty"`
}

type RouteRequest struct {
	Channel    string           `json:"channel"`
	Sender     string           `json:"sender"`
	SenderName string           `json:"sender_name,omitempty"`
	Content    string           `json:"content"`
	Timestamp  time.Time        `json:"timestamp"`
	Candidates []RouteCandidate `json:"open_jorbs"`
}

type RouteResult struct {
	TaskID         string
	Confidence     string
	Reasoning      string
	MightBeNewTask bool
	IsSpam         bool
	IsUrgent       bool
	UnknownSender  bool
	TokensUsed     int64
}

// ParseRoute reads {"routing":{...},"signals":{...}}; flat objects are accepted too.
func ParseRoute(raw string) (RouteResult, error) {
	text := extractJSONObject(raw)
	if text == "" || !gjson.Valid(text) {
		return RouteResult{}, fmt.Errorf("%w: no JSON object in routing response", ErrMalformed)
	}
	root := gjson.Parse(text)
	routing := root.Get("routing")
	if !routing.IsObject() {
		routing = root
	}
	signals := root.Get("signals")
	if !signals.IsObject() {
		signals = root
	}

	result := RouteResult{
		TaskID:         strings.TrimSpace(firstString(routing.Get("jorb_id"), routing.Get("task_id"))),
		Confidence:     NormalizeConfidence(routing.Get("confidence").String()),
		Reasoning:      strings.TrimSpace(routing.Get("reasoning").String()),
		MightBeNewTask: signals.Get("might_be_new_jorb").Bool() || signals.Get("might_be_new_task").Bool(),
		IsSpam:         signals.Get("is_spam").Bool(),
		IsUrgent:       signals.Get("is_urgent").Bool(),
		UnknownSender:  signals.Get("unknown_sender").Bool(),
	}
	if strings.EqualFold(result.TaskID, "null") || strings.EqualFold(result.TaskID, "none") {
		result.TaskID = ""
	}
	return result, nil
}

func NormalizeConfidence(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case ConfidenceHigh:
		return ConfidenceHigh
	case ConfidenceMedium:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}
