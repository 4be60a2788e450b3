package oracle

import (
	"errors"
	"testing"
	"time"
)

func TestParseDecisionLegacySendMessage(t *testing.T) {
	raw := `{"reasoning":"confirm time","action":{"type":"send_message","channel":"telegram","recipient":"@magic","content":"Does 7pm work?"},"task_update":{"progress_note":"asked about time","awaiting":"human_reply"}}`
	decision, err := ParseDecision(raw)
	if err != nil {
		t.Fatalf("parse decision failed: %v", err)
	}
	send, ok := decision.Action.(SendMessage)
	if !ok {
		t.Fatalf("expected SendMessage, got %T", decision.Action)
	}
	if send.Transport != "telegram" || send.Recipient != "@magic" || send.Text != "Does 7pm work?" {
		t.Fatalf("unexpected send: %+v", send)
	}
	if decision.Progress == nil || decision.Progress.Note != "asked about time" || decision.Progress.Awaiting != "human_reply" {
		t.Fatalf("unexpected progress: %+v", decision.Progress)
	}
	if decision.Reasoning != "confirm time" {
		t.Fatalf("unexpected reasoning: %q", decision.Reasoning)
	}
}

func TestParseDecisionPreferredShapes(t *testing.T) {
	cases := []struct {
		raw  string
		want Action
	}{
		{`{"command":{"type":"SEND_MESSAGE","args":{"transport":"SMS","recipient":"+15550100199","text":"hi"}}}`, SendMessage{Transport: "sms", Recipient: "+15550100199", Text: "hi"}},
		{`{"command":{"type":"RUN_SCRIPT","args":{"script":"date","await_reply":true}}}`, RunScript{Script: "date", AwaitReply: true}},
		{`{"action":{"type":"script","script":"uptime"}}`, RunScript{Script: "uptime"}},
		{`{"command":{"type":"PAUSE_FOR_APPROVAL","args":{"pause_reason":"deposit","needs_approval_for":"purchase"}}}`, Pause{Reason: "deposit", NeedsApprovalFor: "purchase"}},
		{`{"command":{"type":"COMPLETE","args":{"result":"booked"}}}`, Complete{Result: "booked"}},
		{`{"command":{"type":"WAIT_FOR_HUMAN","args":{}}}`, WaitForHuman{Awaiting: "human_reply"}},
		{`{"command":{"type":"SCHEDULE_WAKE","args":{"seconds":0}}}`, ScheduleWake{After: time.Second}},
		{`{"command":{"type":"SCHEDULE_WAKE","args":{"seconds":999999,"awaiting":"poll"}}}`, ScheduleWake{After: 24 * time.Hour, Awaiting: "poll"}},
		{`{"action":{"type":"no_action"}}`, Noop{}},
		{`{"action":{"type":"update_status"}}`, Noop{}},
		{`{"command":{"type":"RUN_SCRIPT","args":{"script":"  "}}}`, Noop{Reason: "empty script"}},
		{`{"command":{"type":"LAUNCH_ROCKET"}}`, Noop{Reason: `unrecognized action type "launch_rocket"`}},
		{`{"summary":"nothing to do"}`, Noop{Reason: "no action in response"}},
	}
	for _, tc := range cases {
		decision, err := ParseDecision(tc.raw)
		if err != nil {
			t.Fatalf("parse %s failed: %v", tc.raw, err)
		}
		if decision.Action != tc.want {
			t.Fatalf("parse %s: got %#v, want %#v", tc.raw, decision.Action, tc.want)
		}
	}
}

func TestParseDecisionCompleteKeepsStructuredResult(t *testing.T) {
	decision, err := ParseDecision("Sure! ```json\n{\"summary\":\"done\",\"command\":{\"type\":\"COMPLETE\",\"args\":{\"result\":{\"table\":4}}}}\n```")
	if err != nil {
		t.Fatalf("parse decision failed: %v", err)
	}
	complete, ok := decision.Action.(Complete)
	if !ok || complete.Result != `{"table":4}` {
		t.Fatalf("unexpected complete: %#v", decision.Action)
	}
	if decision.Summary != "done" {
		t.Fatalf("unexpected summary: %q", decision.Summary)
	}
}

func TestParseDecisionRejectsMalformed(t *testing.T) {
	for _, raw := range []string{"", "no json here", "{not json}"} {
		if _, err := ParseDecision(raw); !errors.Is(err, ErrMalformed) {
			t.Fatalf("expected ErrMalformed for %q, got %v", raw, err)
		}
	}
}
