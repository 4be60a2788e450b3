package oracle

import (
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const (
	MinWake = time.Second
	MaxWake = 24 * time.Hour
)

type ActionKind string

const (
	KindRunScript    ActionKind = "RUN_SCRIPT"
	KindSendMessage  ActionKind = "SEND_MESSAGE"
	KindPause        ActionKind = "PAUSE_FOR_APPROVAL"
	KindComplete     ActionKind = "COMPLETE"
	KindWaitForHuman ActionKind = "WAIT_FOR_HUMAN"
	KindScheduleWake ActionKind = "SCHEDULE_WAKE"
	KindNoop         ActionKind = "NOOP"
)

// Action is a closed set: RunScript, SendMessage, Pause, Complete, WaitForHuman, ScheduleWake, Noop.
type Action interface {
	Kind() ActionKind
	action()
}

type RunScript struct {
	Script     string
	AwaitReply bool
}

type SendMessage struct {
	Transport string
	Recipient string
	Text      string
}

type Pause struct {
	Reason           string
	NeedsApprovalFor string
}

type Complete struct {
	Result string
}

type WaitForHuman struct {
	Awaiting string
}

type ScheduleWake struct {
	After    time.Duration
	Awaiting string
}

const ReasonEmptyScript = "empty script"

// Noop also absorbs anything outside the known set; Reason says why.
type Noop struct {
	Reason string
}

func (RunScript) Kind() ActionKind    { return KindRunScript }
func (SendMessage) Kind() ActionKind  { return KindSendMessage }
func (Pause) Kind() ActionKind        { return KindPause }
func (Complete) Kind() ActionKind     { return KindComplete }
func (WaitForHuman) Kind() ActionKind { return KindWaitForHuman }
func (ScheduleWake) Kind() ActionKind { return KindScheduleWake }
func (Noop) Kind() ActionKind         { return KindNoop }

func (RunScript) action()    {}
func (SendMessage) action()  {}
func (Pause) action()        {}
func (Complete) action()     {}
func (WaitForHuman) action() {}
func (ScheduleWake) action() {}
func (Noop) action()         {}

type Progress struct {
	Note     string
	Awaiting string
}

type Decision struct {
	Action        Action
	Reasoning     string
	Summary       string
	Progress      *Progress
	TokensUsed    int64
	EstimatedCost float64
}

// ParseDecision accepts both response shapes:
//
//	{"action":{"type":"send_message","channel":"sms","recipient":"...","content":"..."},"task_update":{...}}
//	{"command":{"type":"SEND_MESSAGE","args":{"transport":"sms","recipient":"...","text":"..."}},"progress":{...}}
func ParseDecision(raw string) (Decision, error) {
	text := extractJSONObject(raw)
	if text == "" || !gjson.Valid(text) {
		return Decision{}, fmt.Errorf("%w: no JSON object in response", ErrMalformed)
	}
	root := gjson.Parse(text)

	node := root.Get("command")
	if !node.IsObject() {
		node = root.Get("action")
	}

	decision := Decision{
		Reasoning: firstString(root.Get("reasoning"), node.Get("reasoning")),
		Summary:   strings.TrimSpace(root.Get("summary").String()),
		Action:    parseAction(root, node),
		Progress:  parseProgress(root),
	}
	return decision, nil
}

func parseAction(root, node gjson.Result) Action {
	if !node.IsObject() {
		return Noop{Reason: "no action in response"}
	}
	args := node.Get("args")
	arg := func(names ...string) gjson.Result {
		for _, name := range names {
			if args.IsObject() {
				if v := args.Get(name); v.Exists() {
					return v
				}
			}
			if v := node.Get(name); v.Exists() {
				return v
			}
		}
		return gjson.Result{}
	}

	typ := strings.ToLower(strings.TrimSpace(node.Get("type").String()))
	switch typ {
	case "script", "run_script":
		script := strings.TrimSpace(arg("script").String())
		if script == "" {
			return Noop{Reason: ReasonEmptyScript}
		}
		return RunScript{Script: script, AwaitReply: arg("await_reply").Bool()}
	case "send_message":
		text := strings.TrimSpace(firstString(arg("text"), arg("content")))
		if text == "" {
			return Noop{Reason: "empty message"}
		}
		return SendMessage{
			Transport: strings.ToLower(firstString(arg("transport"), arg("channel"))),
			Recipient: strings.TrimSpace(arg("recipient").String()),
			Text:      text,
		}
	case "pause", "pause_for_approval":
		return Pause{
			Reason:           strings.TrimSpace(firstString(arg("pause_reason"), arg("reason"))),
			NeedsApprovalFor: strings.TrimSpace(arg("needs_approval_for").String()),
		}
	case "complete":
		result := arg("result")
		if !result.Exists() {
			result = root.Get("result")
		}
		if result.IsObject() || result.IsArray() {
			return Complete{Result: result.Raw}
		}
		return Complete{Result: strings.TrimSpace(result.String())}
	case "wait_for_human":
		awaiting := strings.TrimSpace(arg("awaiting").String())
		if awaiting == "" {
			awaiting = "human_reply"
		}
		return WaitForHuman{Awaiting: awaiting}
	case "schedule_wake":
		after := time.Duration(arg("seconds").Int()) * time.Second
		if after < MinWake {
			after = MinWake
		}
		if after > MaxWake {
			after = MaxWake
		}
		return ScheduleWake{After: after, Awaiting: strings.TrimSpace(arg("awaiting").String())}
	case "", "noop", "no_action", "update_status":
		return Noop{}
	default:
		return Noop{Reason: fmt.Sprintf("unrecognized action type %q", typ)}
	}
}

func parseProgress(root gjson.Result) *Progress {
	if p := root.Get("progress"); p.IsObject() {
		progress := &Progress{
			Note:     strings.TrimSpace(firstString(p.Get("note"), p.Get("progress_note"))),
			Awaiting: strings.TrimSpace(p.Get("awaiting").String()),
		}
		if progress.Note != "" || progress.Awaiting != "" {
			return progress
		}
	}
	if u := root.Get("task_update"); u.IsObject() {
		progress := &Progress{
			Note:     strings.TrimSpace(firstString(u.Get("progress_note"), u.Get("note"))),
			Awaiting: strings.TrimSpace(u.Get("awaiting").String()),
		}
		if progress.Note != "" || progress.Awaiting != "" {
			return progress
		}
	}
	return nil
}

func firstString(values ...gjson.Result) string {
	for _, v := range values {
		if s := strings.TrimSpace(v.String()); s != "" {
			return s
		}
	}
	return ""
}

// extractJSONObject tolerates prose or code fences around the object.
func extractJSONObject(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end <= start {
		return ""
	}
	return text[start : end+1]
}
