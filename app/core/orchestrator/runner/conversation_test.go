package runner

import (
	"context"
	"testing"
	"time"

	"switchboard/app/core/orchestrator/task"
)

func telegramEvent(sender, content, key string) Event {
	return Event{
		Channel:  task.ChannelTelegram,
		Sender:   sender,
		Content:  content,
		Metadata: map[string]interface{}{task.MetadataConversationKey: key},
	}
}

func (h *harness) keyedTask(t *testing.T, name, key string) task.Task {
	t.Helper()
	created := h.runningTask(t, name, task.Contact{Identifier: "@owner", Channel: task.ChannelTelegram})
	if _, err := h.store.MergeMetadata(context.Background(), created.ID, map[string]interface{}{task.MetadataConversationKey: key}); err != nil {
		t.Fatalf("set conversation key failed: %v", err)
	}
	return h.get(t, created.ID)
}

func TestStalePausedTaskLeavesConversationKeyMatch(t *testing.T) {
	h := newHarness(t, Options{})
	target := h.keyedTask(t, "dinner", "telegram:42")
	if _, err := h.store.Update(context.Background(), target.ID, task.Fields{task.FieldAwaiting: task.AwaitingHumanReply}); err != nil {
		t.Fatalf("set awaiting failed: %v", err)
	}
	h.oracle.fallback = sendDecision("still here")

	h.clock.Advance(73 * time.Hour)
	result, err := h.orch.RunPolicySweeps(context.Background())
	if err != nil {
		t.Fatalf("policy sweep failed: %v", err)
	}
	if len(result.Paused) != 1 || result.Paused[0] != target.ID {
		t.Fatalf("expected stale pause, got %+v", result)
	}
	got := h.get(t, target.ID)
	if !got.PolicyPaused() || got.Awaiting != "" {
		t.Fatalf("expected policy pause with awaiting cleared, got %s / %q / %q", got.Status, got.NeedsApprovalFor, got.Awaiting)
	}

	h.clock.Advance(5 * time.Minute)
	routed := h.orch.HandleInboundEvent(context.Background(), telegramEvent("@someoneelse", "anyone there?", "telegram:42"))
	if routed.ActionTaken == ActionSendMessage || routed.TaskID == target.ID {
		t.Fatalf("stale-paused task must not be captured by conversation key, got %+v", routed)
	}
	if h.route.calls != 1 {
		t.Fatalf("expected route oracle consulted once, got %d", h.route.calls)
	}
	if h.oracle.Calls() != 0 || len(h.dispatcher.Sent()) != 0 {
		t.Fatalf("expected no decision turn, got %d calls and %d sends", h.oracle.Calls(), len(h.dispatcher.Sent()))
	}
	if got := h.get(t, target.ID); got.Status != task.StatusPaused {
		t.Fatalf("task must stay paused, got %s", got.Status)
	}
	if violations := h.orch.Violations(); len(violations) != 1 {
		t.Fatalf("expected only the stale violation, got %+v", violations)
	}
}

func TestRateLimitedTaskLeavesConversationKeyMatch(t *testing.T) {
	h := newHarness(t, Options{Policy: Policy{MaxMessagesPerHour: 1}})
	target := h.keyedTask(t, "dinner", "telegram:42")
	h.oracle.fallback = sendDecision("checking in")
	ctx := context.Background()

	if result := h.orch.HandleInboundEvent(ctx, telegramEvent("@owner", "one", "telegram:42")); result.ActionTaken != ActionSendMessage {
		t.Fatalf("expected first send, got %+v", result)
	}
	if result := h.orch.HandleInboundEvent(ctx, telegramEvent("@owner", "two", "telegram:42")); result.ActionTaken != ActionPausedRateLimit {
		t.Fatalf("expected rate limit pause, got %+v", result)
	}
	got := h.get(t, target.ID)
	if !got.PolicyPaused() || got.Awaiting != "" {
		t.Fatalf("expected policy pause with awaiting cleared, got %s / %q / %q", got.Status, got.NeedsApprovalFor, got.Awaiting)
	}
	if h.route.calls != 0 {
		t.Fatalf("running task should match by conversation key, got %d route calls", h.route.calls)
	}

	calls := h.oracle.Calls()
	result := h.orch.HandleInboundEvent(ctx, telegramEvent("@someoneelse", "anyone there?", "telegram:42"))
	if result.ActionTaken == ActionPausedRateLimit || result.TaskID == target.ID {
		t.Fatalf("rate-limited task must not be captured by conversation key, got %+v", result)
	}
	if h.route.calls != 1 {
		t.Fatalf("expected route oracle consulted once, got %d", h.route.calls)
	}
	if h.oracle.Calls() != calls {
		t.Fatalf("expected no decision turn, got %d calls", h.oracle.Calls()-calls)
	}
	if violations := h.orch.Violations(); len(violations) != 1 {
		t.Fatalf("expected a single rate_limit violation, got %+v", violations)
	}
}
