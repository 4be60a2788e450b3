package runner

import (
	"context"
	"fmt"
	"log"
	"strings"

	"switchboard/app/core/orchestrator/task"
)

// Phrase is one catch-up opener and its relative pick weight.
type Phrase struct {
	Text   string  `json:"text"`
	Weight float64 `json:"weight"`
}

func DefaultCatchUpPhrases() []Phrase {
	return []Phrase{
		{Text: "sorry, lost track of this one. can you remind me where we left off?", Weight: 3},
		{Text: "hey, remind me where we were on this?", Weight: 1},
		{Text: "can you catch me up on where things stand?", Weight: 1},
		{Text: "lost track of this, where did we land?", Weight: 1},
	}
}

func sanitizePhrases(phrases []Phrase) []Phrase {
	out := make([]Phrase, 0, len(phrases))
	for _, p := range phrases {
		text := strings.ToLower(strings.TrimSpace(p.Text))
		if text == "" || p.Weight <= 0 {
			continue
		}
		out = append(out, Phrase{Text: text, Weight: p.Weight})
	}
	if len(out) == 0 {
		return DefaultCatchUpPhrases()
	}
	return out
}

func (o *Orchestrator) pickCatchUpPhrase() string {
	total := 0.0
	for _, p := range o.catchUpPhrases {
		total += p.Weight
	}
	target := o.random() * total
	for _, p := range o.catchUpPhrases {
		if target < p.Weight {
			return p.Text
		}
		target -= p.Weight
	}
	return o.catchUpPhrases[len(o.catchUpPhrases)-1].Text
}

func catchUpName(content string) string {
	runes := []rune(content)
	if len(runes) <= 30 {
		return "Catch-up: " + content
	}
	cut := string(runes[:30])
	if i := strings.LastIndex(cut, " "); i > 0 {
		cut = cut[:i]
	}
	return "Catch-up: " + strings.TrimSpace(cut)
}

// createCatchUp opens a context-recovery task for a trusted sender nothing matched.
func (o *Orchestrator) createCatchUp(ctx context.Context, ev Event) ProcessingResult {
	metadata := map[string]interface{}{}
	if ev.Channel != "" {
		metadata[task.MetadataTransport] = string(ev.Channel)
	}
	if key := ev.ConversationKey(); key != "" {
		metadata[task.MetadataConversationKey] = key
	}
	created, err := o.store.Create(ctx, task.CreateParams{
		Name:        catchUpName(ev.Content),
		Plan:        "Recover context for in-flight task. Original message: " + ev.Content,
		Contacts:    []task.Contact{{Identifier: ev.Sender, Channel: ev.Channel, DisplayName: ev.SenderName}},
		Personality: o.catchUpPersonality,
		Metadata:    metadata,
	})
	if err != nil {
		return failed("", err)
	}
	if _, err := o.storeInbound(ctx, created.ID, ev); err != nil {
		return failed(created.ID, err)
	}
	log.Printf("[Runner] created catch-up task %s for %s", created.ID, ev.Sender)

	kickoff := o.Kickoff(ctx, created)
	return ProcessingResult{
		TaskID:      created.ID,
		ActionTaken: ActionCatchUpCreated,
		Success:     kickoff.Success,
		Error:       kickoff.Error,
		MessageSent: kickoff.MessageSent,
		LoopAction:  kickoff.ActionTaken,
	}
}

// kickoffCatchUp asks the sender to restate context; it never consults the oracle.
func (o *Orchestrator) kickoffCatchUp(ctx context.Context, current task.Task) KickoffResult {
	result := KickoffResult{TaskID: current.ID}
	if len(current.Contacts) == 0 {
		result.ActionTaken = ActionSendMessageFailed
		result.Error = "catch-up task has no contact"
		return result
	}
	contact := current.Contacts[0]
	channel := replyChannel(current)

	if o.sendRateExceeded(ctx, current.ID) {
		result.ActionTaken = ActionPausedRateLimit
		if current.Status == task.StatusPlanning {
			if err := o.update(ctx, current.ID, task.Fields{task.FieldStatus: task.StatusRunning}); err != nil {
				result.Error = err.Error()
				return result
			}
		}
		if err := o.pauseForSendRate(ctx, current, nil); err != nil {
			result.Error = err.Error()
			return result
		}
		result.Success = true
		return result
	}

	sent, err := o.deliver(ctx, current.ID, channel, contact.Identifier, o.pickCatchUpPhrase(), "catch_up_kickoff")
	if err != nil {
		result.ActionTaken = ActionError
		result.Error = err.Error()
		return result
	}
	if !sent {
		result.ActionTaken = ActionSendMessageFailed
		result.Error = fmt.Sprintf("catch-up message to %s failed", contact.Identifier)
		return result
	}
	o.recordSend(current.ID)

	if err := o.update(ctx, current.ID, task.Fields{
		task.FieldStatus:          task.StatusRunning,
		task.FieldAwaiting:        task.AwaitingContextRecovery,
		task.FieldProgressSummary: "Asked " + contact.Identifier + " to restate where things stand",
	}); err != nil {
		result.ActionTaken = ActionError
		result.Error = err.Error()
		return result
	}
	result.Success = true
	result.ActionTaken = ActionSendMessage
	result.MessageSent = true
	return result
}

// flagForReview tells the operator about an unknown sender; nothing is stored.
func (o *Orchestrator) flagForReview(ctx context.Context, ev Event) ProcessingResult {
	log.Printf("[Runner] flagging unknown sender %s for review", ev.Sender)
	o.notifyOperator(ctx, fmt.Sprintf("Unknown sender %s sent:\n%s\n\nCreate jorb?", ev.Sender, preview(ev.Content, 100)))
	return ProcessingResult{ActionTaken: ActionFlaggedForReview, Success: true}
}
