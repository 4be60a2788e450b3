package gateway

import (
	"fmt"
	"testing"
	"time"
)

func TestTraceTailFiltersAcrossDays(t *testing.T) {
	recorder, err := NewTraceRecorder(t.TempDir())
	if err != nil {
		t.Fatalf("new trace recorder failed: %v", err)
	}
	day1 := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)

	recorder.now = func() time.Time { return day1 }
	for i := 0; i < 3; i++ {
		if err := recorder.Record(TraceEvent{MessageID: fmt.Sprintf("a%d", i), TaskID: "jorb_00000001", Event: "handled"}); err != nil {
			t.Fatalf("record failed: %v", err)
		}
	}
	if err := recorder.Record(TraceEvent{MessageID: "other", TaskID: "jorb_00000002", Event: "handled"}); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	recorder.now = func() time.Time { return day2 }
	if err := recorder.Record(TraceEvent{MessageID: "b0", TaskID: "jorb_00000001", ConversationKey: "sms:5550100199", Event: "handled"}); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	events, err := recorder.Tail(TraceFilter{TaskID: "jorb_00000001"}, 3)
	if err != nil {
		t.Fatalf("tail failed: %v", err)
	}
	got := make([]string, 0, len(events))
	for _, ev := range events {
		got = append(got, ev.MessageID)
	}
	if fmt.Sprint(got) != "[a1 a2 b0]" {
		t.Fatalf("expected newest three in order, got %v", got)
	}

	byConversation, err := recorder.Tail(TraceFilter{ConversationKey: "sms:5550100199"}, 10)
	if err != nil {
		t.Fatalf("tail failed: %v", err)
	}
	if len(byConversation) != 1 || byConversation[0].MessageID != "b0" {
		t.Fatalf("unexpected conversation tail: %+v", byConversation)
	}

	recent, err := recorder.Tail(TraceFilter{TaskID: "jorb_00000001", MaxDays: 1}, 10)
	if err != nil {
		t.Fatalf("tail failed: %v", err)
	}
	if len(recent) != 1 {
		t.Fatalf("expected only the newest day, got %d events", len(recent))
	}
}
