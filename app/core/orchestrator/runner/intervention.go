package runner

import (
	"context"
	"log"
	"regexp"
	"strings"
	"time"

	"switchboard/app/core/orchestrator/task"
)

var closureWords = []string{
	"thanks", "thank you", "done", "perfect", "great", "awesome", "got it", "all set",
	"sounds good", "works for me", "appreciate it", "thx", "ty", "cheers", "sorted", "all good",
}

var closurePattern = buildClosurePattern(closureWords)

func buildClosurePattern(words []string) *regexp.Regexp {
	parts := make([]string, 0, len(words))
	for _, w := range words {
		parts = append(parts, strings.Join(strings.Fields(regexp.QuoteMeta(w)), `\s+`))
	}
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(parts, "|") + `)\b`)
}

// SuggestsClosure reports whether an operator message reads as wrapping the task up.
func SuggestsClosure(content string) bool {
	return closurePattern.MatchString(content)
}

// handleHumanIntervention records an operator's own message without consulting the oracle.
func (o *Orchestrator) handleHumanIntervention(ctx context.Context, matched task.Task, ev Event) ProcessingResult {
	unlock := o.locks.Lock(matched.ID)
	defer unlock()

	if _, err := o.store.AddMessage(ctx, matched.ID, task.Message{
		Timestamp: ev.Timestamp,
		Direction: task.DirectionOutbound,
		Channel:   ev.Channel,
		Sender:    task.HumanDirectSender,
		Recipient: ev.Sender,
		Content:   ev.Content,
	}); err != nil {
		return failed(matched.ID, err)
	}

	fields := task.Fields{
		task.FieldProgressSummary: "Operator intervened directly: " + preview(ev.Content, 50),
	}
	closing := SuggestsClosure(ev.Content)
	if closing {
		fields[task.FieldStatus] = task.StatusComplete
		fields[task.FieldAwaiting] = ""
		fields[task.FieldWakeAt] = time.Time{}
	}
	if err := o.update(ctx, matched.ID, fields); err != nil {
		return failed(matched.ID, err)
	}
	log.Printf("[Runner] task=%s operator intervention recorded (closing=%v)", matched.ID, closing)
	return ProcessingResult{TaskID: matched.ID, ActionTaken: ActionHumanIntervention, Success: true}
}
