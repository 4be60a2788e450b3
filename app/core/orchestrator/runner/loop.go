package runner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"switchboard/app/core/orchestrator/oracle"
	"switchboard/app/core/orchestrator/task"
)

var errSendFailed = errors.New("send failed")

type loopOutcome struct {
	action      string
	messageSent bool
	err         error
}

func (l loopOutcome) result(taskID string) ProcessingResult {
	r := ProcessingResult{TaskID: taskID, ActionTaken: l.action, Success: l.err == nil, MessageSent: l.messageSent}
	if l.err != nil {
		r.Error = l.err.Error()
	}
	return r
}

// runLoop runs one turn and then compacts the task's context if it has
// outgrown the prompt window. The caller holds the task lock.
func (o *Orchestrator) runLoop(ctx context.Context, taskID string, trigger string, ev *Event) loopOutcome {
	out := o.runTurn(ctx, taskID, trigger, ev)
	if out.err == nil {
		o.maybeResetContext(ctx, taskID)
	}
	return out
}

// runTurn consults the oracle until the turn reaches a stopping action.
func (o *Orchestrator) runTurn(ctx context.Context, taskID string, trigger string, ev *Event) loopOutcome {
	out := loopOutcome{action: ActionNoop}
	if o.decider == nil {
		out.action = ActionError
		out.err = oracle.ErrUnavailable
		return out
	}

	for step := 1; ; step++ {
		if step > o.maxSteps {
			reason := fmt.Sprintf("Safety stop: exceeded %d steps in one run", o.maxSteps)
			log.Printf("[Runner] task=%s %s", taskID, reason)
			if _, err := o.store.Update(ctx, taskID, task.Fields{
				task.FieldStatus:       task.StatusPaused,
				task.FieldPausedReason: reason,
				task.FieldWakeAt:       time.Time{},
			}); err != nil {
				out.err = err
			}
			out.action = ActionPausedSafetyStop
			return out
		}

		current, err := o.store.Get(ctx, taskID)
		if err != nil {
			out.action, out.err = ActionError, err
			return out
		}
		if current.Status.IsTerminal() {
			return out
		}

		if reason := o.iterationLimitReason(taskID); reason != "" {
			out.err = o.pauseForIterationLimit(ctx, current, reason)
			out.action = ActionPausedRateLimit
			return out
		}

		req, err := o.decisionRequest(ctx, current, trigger, step, ev)
		if err != nil {
			out.action, out.err = ActionError, err
			return out
		}

		o.recordIteration(taskID)
		decision, err := o.decider.Decide(ctx, req)
		if err != nil {
			log.Printf("[Runner] task=%s oracle failed: %v", taskID, err)
			out.action, out.err = ActionError, err
			return out
		}
		if decision.TokensUsed > 0 || decision.EstimatedCost > 0 {
			if err := o.store.IncrementMetrics(ctx, taskID, task.MetricsDelta{
				TokensUsed:    decision.TokensUsed,
				EstimatedCost: decision.EstimatedCost,
			}); err != nil {
				log.Printf("[Runner] task=%s increment metrics failed: %v", taskID, err)
			}
		}

		again, err := o.apply(ctx, current, decision, ev != nil, &out)
		if err != nil {
			out.err = err
			return out
		}
		if !again {
			return out
		}
	}
}

func (o *Orchestrator) decisionRequest(ctx context.Context, current task.Task, trigger string, step int, ev *Event) (oracle.DecisionRequest, error) {
	messages, err := o.store.GetMessages(ctx, current.ID, o.messageHistory)
	if err != nil {
		return oracle.DecisionRequest{}, err
	}
	results, err := o.store.GetScriptResults(ctx, current.ID, o.scriptHistory)
	if err != nil {
		return oracle.DecisionRequest{}, err
	}
	checkpoints, err := o.store.GetCheckpoints(ctx, current.ID)
	if err != nil {
		return oracle.DecisionRequest{}, err
	}
	if len(checkpoints) > CheckpointHistory {
		checkpoints = checkpoints[len(checkpoints)-CheckpointHistory:]
	}
	req := oracle.DecisionRequest{
		Trigger:            trigger,
		Task:               current,
		Messages:           messages,
		ScriptResults:      results,
		Checkpoints:        checkpoints,
		RequireApprovalFor: o.policy.RequireApprovalFor,
		MaxSpend:           o.policy.MaxSpendWithoutApproval,
		Personality:        current.Personality,
	}
	if step > 1 {
		req.Trigger = oracle.TriggerContinue
		return req, nil
	}
	if ev != nil {
		req.Event = &oracle.EventContext{
			Channel:      string(ev.Channel),
			Sender:       ev.Sender,
			SenderName:   ev.SenderName,
			Content:      ev.Content,
			Timestamp:    ev.Timestamp,
			MessageCount: len(messages),
		}
	}
	return req, nil
}

// apply carries out one decision. It reports whether the loop should consult the oracle again.
func (o *Orchestrator) apply(ctx context.Context, current task.Task, decision oracle.Decision, fromEvent bool, out *loopOutcome) (bool, error) {
	fields := progressFields(decision)

	switch action := decision.Action.(type) {
	case oracle.Complete:
		fields[task.FieldStatus] = task.StatusComplete
		fields[task.FieldOutcomeResult] = action.Result
		fields[task.FieldAwaiting] = ""
		fields[task.FieldWakeAt] = time.Time{}
		out.action = ActionComplete
		return false, o.update(ctx, current.ID, fields)

	case oracle.Pause:
		reason := action.Reason
		if reason == "" {
			reason = "Paused by agent"
		}
		fields[task.FieldStatus] = task.StatusPaused
		fields[task.FieldPausedReason] = reason
		fields[task.FieldNeedsApprovalFor] = action.NeedsApprovalFor
		fields[task.FieldWakeAt] = time.Time{}
		out.action = ActionPause
		return false, o.update(ctx, current.ID, fields)

	case oracle.RunScript:
		outcome := o.scripts.Run(ctx, current.ID, action.Script)
		if err := o.store.AddScriptResult(ctx, current.ID, task.ScriptResult{
			Script:    action.Script,
			Success:   outcome.Success,
			Result:    outcome.Output,
			Error:     outcome.Error,
			Timestamp: o.now(),
		}); err != nil {
			return false, err
		}
		if action.AwaitReply && outcome.Success {
			fields[task.FieldStatus] = task.StatusRunning
			fields[task.FieldAwaiting] = task.AwaitingHumanReply
			out.action = ActionScriptAwaitReply
			out.messageSent = true
			return false, o.update(ctx, current.ID, fields)
		}
		out.action = ActionRunScript
		return true, o.update(ctx, current.ID, fields)

	case oracle.SendMessage:
		return false, o.applySend(ctx, current, action, decision.Reasoning, fromEvent, fields, out)

	case oracle.WaitForHuman:
		fields[task.FieldStatus] = task.StatusRunning
		fields[task.FieldAwaiting] = action.Awaiting
		fields[task.FieldWakeAt] = time.Time{}
		out.action = ActionWaitForHuman
		return false, o.update(ctx, current.ID, fields)

	case oracle.ScheduleWake:
		fields[task.FieldStatus] = task.StatusRunning
		fields[task.FieldWakeAt] = o.now().Add(action.After)
		if action.Awaiting != "" {
			fields[task.FieldAwaiting] = action.Awaiting
		}
		out.action = ActionScheduleWake
		return false, o.update(ctx, current.ID, fields)

	case oracle.Noop:
		out.action = ActionNoop
		if action.Reason == oracle.ReasonEmptyScript {
			out.action = ActionNoopEmptyScript
		}
		if action.Reason != "" {
			log.Printf("[Runner] task=%s stopping on noop: %s", current.ID, action.Reason)
		}
		return false, o.update(ctx, current.ID, fields)

	default:
		out.action = ActionNoop
		return false, o.update(ctx, current.ID, fields)
	}
}

func (o *Orchestrator) applySend(ctx context.Context, current task.Task, action oracle.SendMessage, reasoning string, fromEvent bool, fields task.Fields, out *loopOutcome) error {
	channel, recipient := sendTarget(current, action)
	if recipient == "" || channel == "" {
		out.action = ActionSendMessageFailed
		if err := o.update(ctx, current.ID, fields); err != nil {
			return err
		}
		return fmt.Errorf("%w: no recipient for %s", errSendFailed, current.ID)
	}

	if o.sendRateExceeded(ctx, current.ID) {
		out.action = ActionPausedRateLimit
		return o.pauseForSendRate(ctx, current, fields)
	}

	sent, err := o.deliver(ctx, current.ID, channel, recipient, action.Text, reasoning)
	if err != nil {
		return err
	}
	if !sent {
		out.action = ActionSendMessageFailed
		if err := o.update(ctx, current.ID, fields); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s via %s", errSendFailed, recipient, channel)
	}

	o.recordSend(current.ID)
	out.action = ActionSendMessage
	out.messageSent = true
	fields[task.FieldStatus] = task.StatusRunning
	if fromEvent {
		fields[task.FieldAwaiting] = task.AwaitingHumanReply
	}
	return o.update(ctx, current.ID, fields)
}

// sendTarget fills in the channel and recipient the oracle left out from the task's contacts.
func sendTarget(t task.Task, action oracle.SendMessage) (task.Channel, string) {
	recipient := strings.TrimSpace(action.Recipient)
	channel := task.Channel(strings.TrimSpace(action.Transport))
	if recipient != "" && channel == "" {
		normalized := task.NormalizeIdentifier(recipient)
		for _, c := range t.Contacts {
			if task.NormalizeIdentifier(c.Identifier) == normalized {
				channel = c.Channel
				break
			}
		}
	}
	if recipient == "" && len(t.Contacts) > 0 {
		recipient = t.Contacts[0].Identifier
		if channel == "" {
			channel = t.Contacts[0].Channel
		}
	}
	if channel == "" {
		channel = replyChannel(t)
	}
	return channel, recipient
}

// pauseForSendRate blocks the pending send; fields may carry the turn's progress note.
func (o *Orchestrator) pauseForSendRate(ctx context.Context, current task.Task, fields task.Fields) error {
	reason := fmt.Sprintf("Rate limit exceeded: %d messages per hour", o.policy.MaxMessagesPerHour)
	o.recordViolation(current.ID, current.Name, ViolationRateLimit, reason)
	if fields == nil {
		fields = task.Fields{}
	}
	fields[task.FieldStatus] = task.StatusPaused
	fields[task.FieldPausedReason] = reason
	fields[task.FieldNeedsApprovalFor] = task.ApprovalResume
	fields[task.FieldAwaiting] = ""
	fields[task.FieldWakeAt] = time.Time{}
	return o.update(ctx, current.ID, fields)
}

func (o *Orchestrator) pauseForIterationLimit(ctx context.Context, current task.Task, reason string) error {
	log.Printf("[Runner] task=%s iteration limit: %s", current.ID, reason)
	o.recordViolation(current.ID, current.Name, ViolationIterationRateLimit, reason)
	if err := o.update(ctx, current.ID, task.Fields{
		task.FieldStatus:       task.StatusPaused,
		task.FieldPausedReason: reason,
		task.FieldAwaiting:     task.AwaitingRestriction,
		task.FieldWakeAt:       time.Time{},
	}); err != nil {
		return err
	}

	notice := restrictionNotice(current.ID, reason)
	switch {
	case len(current.Contacts) == 0:
	case o.sendRateExceeded(ctx, current.ID):
		log.Printf("[Runner] task=%s restriction notice withheld: send rate exhausted", current.ID)
	default:
		contact := current.Contacts[0]
		sent, err := o.deliver(ctx, current.ID, replyChannel(current), contact.Identifier, notice, "rate_limit_notice")
		if err != nil {
			log.Printf("[Runner] task=%s store restriction notice failed: %v", current.ID, err)
		}
		if sent {
			o.recordSend(current.ID)
		}
	}
	o.notifyOperator(ctx, notice)
	return nil
}

func progressFields(decision oracle.Decision) task.Fields {
	fields := task.Fields{}
	note := decision.Summary
	if decision.Progress != nil {
		if decision.Progress.Note != "" {
			note = decision.Progress.Note
		}
		if decision.Progress.Awaiting != "" {
			fields[task.FieldAwaiting] = decision.Progress.Awaiting
		}
	}
	if note != "" {
		fields[task.FieldProgressSummary] = note
	}
	return fields
}

func (o *Orchestrator) update(ctx context.Context, taskID string, fields task.Fields) error {
	if len(fields) == 0 {
		return nil
	}
	if _, err := o.store.Update(ctx, taskID, fields); err != nil {
		return fmt.Errorf("update %s: %w", taskID, err)
	}
	return nil
}
