package runner

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"switchboard/app/core/orchestrator/task"
)

const (
	CommandCancel           = "CANCEL JORB"
	CommandResetRestriction = "RESET RESTRICTION"
)

// controlCommand returns the restriction command content spells, ignoring case and spacing.
func controlCommand(content string) string {
	normalized := strings.ToUpper(strings.Join(strings.Fields(content), " "))
	switch normalized {
	case CommandCancel, CommandResetRestriction:
		return normalized
	}
	return ""
}

func restrictionNotice(taskID, reason string) string {
	return fmt.Sprintf("Runaway-loop protection paused %s.\nReason: %s\n\n"+
		"Reply with exactly one of:\n- %s\n- %s\n\n"+
		"%s: cancels the jorb (and clears the restriction).\n"+
		"%s: clears the restriction and lets it continue.",
		taskID, reason, CommandCancel, CommandResetRestriction, CommandCancel, CommandResetRestriction)
}

// restrictionTarget picks the most recently updated restricted task in the
// sender's conversation; operators may address any restricted task.
func (o *Orchestrator) restrictionTarget(ev Event, open []task.TaskWithMessages) (task.Task, bool) {
	var restricted []task.Task
	for _, item := range open {
		if item.Task.Status == task.StatusPaused && item.Task.Restricted() {
			restricted = append(restricted, item.Task)
		}
	}

	var candidates []task.Task
	if key := ev.ConversationKey(); key != "" {
		for _, t := range restricted {
			if t.ConversationKey() == key {
				candidates = append(candidates, t)
			}
		}
	}
	if len(candidates) == 0 {
		sender := task.NormalizeIdentifier(ev.Sender)
		for _, t := range restricted {
			if t.HasContact(sender) {
				candidates = append(candidates, t)
			}
		}
	}
	if len(candidates) == 0 && o.isOperator(ev.Sender) {
		candidates = restricted
	}
	if len(candidates) == 0 {
		return task.Task{}, false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].UpdatedAt.After(candidates[j].UpdatedAt)
	})
	return candidates[0], true
}

func (o *Orchestrator) handleRestrictionCommand(ctx context.Context, command string, ev Event, open []task.TaskWithMessages) ProcessingResult {
	target, ok := o.restrictionTarget(ev, open)
	if !ok {
		sent, _ := o.deliver(ctx, "", ev.Channel, ev.Sender, "I didn't find any jorb currently paused for runaway-loop protection in this conversation.", "")
		return ProcessingResult{ActionTaken: ActionRestrictionNoMatch, Success: true, MessageSent: sent}
	}

	unlock := o.locks.Lock(target.ID)
	defer unlock()

	if _, err := o.storeInbound(ctx, target.ID, ev); err != nil {
		log.Printf("[Runner] store restriction command for %s failed: %v", target.ID, err)
	}
	o.resetIterations(target.ID)

	if command == CommandCancel {
		sent, err := o.deliver(ctx, target.ID, ev.Channel, ev.Sender, fmt.Sprintf("OK, cancelled %s.", target.ID), "restriction_command")
		if err != nil {
			log.Printf("[Runner] store cancel reply for %s failed: %v", target.ID, err)
		}
		if err := o.update(ctx, target.ID, task.Fields{
			task.FieldStatus:           task.StatusCancelled,
			task.FieldProgressSummary:  appendNote(target.ProgressSummary, "Cancelled by operator via command: "+CommandCancel),
			task.FieldPausedReason:     "",
			task.FieldNeedsApprovalFor: "",
			task.FieldAwaiting:         "",
			task.FieldWakeAt:           time.Time{},
		}); err != nil {
			return failed(target.ID, err)
		}
		return ProcessingResult{TaskID: target.ID, ActionTaken: ActionCancelCommand, Success: true, MessageSent: sent}
	}

	now := o.now()
	if err := o.update(ctx, target.ID, task.Fields{
		task.FieldStatus:           task.StatusRunning,
		task.FieldProgressSummary:  appendNote(target.ProgressSummary, "Restriction reset by operator at "+now.UTC().Format(time.RFC3339)),
		task.FieldPausedReason:     "",
		task.FieldNeedsApprovalFor: "",
		task.FieldAwaiting:         "",
		task.FieldWakeAt:           now.Add(time.Second),
	}); err != nil {
		return failed(target.ID, err)
	}
	sent, err := o.deliver(ctx, target.ID, ev.Channel, ev.Sender, fmt.Sprintf("OK, restriction cleared for %s. Resuming now.", target.ID), "restriction_command")
	if err != nil {
		log.Printf("[Runner] store reset reply for %s failed: %v", target.ID, err)
	}
	return ProcessingResult{TaskID: target.ID, ActionTaken: ActionResetRestrictionCommand, Success: true, MessageSent: sent}
}

// acknowledgeRestricted repeats the restriction notice instead of running the loop.
func (o *Orchestrator) acknowledgeRestricted(ctx context.Context, current task.Task, ev Event) ProcessingResult {
	sent, err := o.deliver(ctx, current.ID, ev.Channel, ev.Sender, restrictionNotice(current.ID, current.PausedReason), "restriction_notice")
	if err != nil {
		return failed(current.ID, err)
	}
	return ProcessingResult{TaskID: current.ID, ActionTaken: ActionRestrictedAwaitingCommand, Success: true, MessageSent: sent}
}

func appendNote(summary, note string) string {
	return strings.TrimSpace(summary + "\n" + note)
}
