package runner

import (
	"context"
	"fmt"
	"log"
	"strings"
)

const DefaultContextResetTokens int64 = 200000

// CheckpointHistory is how many of the newest checkpoints reach the decision prompt.
const CheckpointHistory = 3

// maybeResetContext writes a checkpoint once a task has produced a full prompt
// window of messages, or spent contextResetTokens, since its previous checkpoint.
// A checkpoint's TokenCount is the task's cumulative token use when it was taken.
func (o *Orchestrator) maybeResetContext(ctx context.Context, taskID string) {
	current, err := o.store.Get(ctx, taskID)
	if err != nil || current.Status.IsTerminal() {
		return
	}
	checkpoints, err := o.store.GetCheckpoints(ctx, taskID)
	if err != nil {
		log.Printf("[Runner] task=%s load checkpoints failed: %v", taskID, err)
		return
	}
	since := current.CreatedAt
	var tokensAtLast int64
	if n := len(checkpoints); n > 0 {
		since = checkpoints[n-1].Timestamp
		tokensAtLast = int64(checkpoints[n-1].TokenCount)
	}
	messages, err := o.store.CountMessagesSince(ctx, taskID, since)
	if err != nil {
		log.Printf("[Runner] task=%s count messages failed: %v", taskID, err)
		return
	}
	tokens := current.Metrics.TokensUsed - tokensAtLast
	if messages < o.messageHistory && tokens < o.contextResetTokens {
		return
	}

	summary := strings.TrimSpace(current.ProgressSummary)
	if summary == "" {
		summary = fmt.Sprintf("No progress summary recorded; %d messages since the previous checkpoint.", messages)
	}
	cp, err := o.store.AddCheckpoint(ctx, taskID, summary, int(current.Metrics.TokensUsed))
	if err != nil {
		log.Printf("[Runner] task=%s context reset failed: %v", taskID, err)
		return
	}
	log.Printf("[Runner] task=%s context reset checkpoint=%s messages=%d tokens=%d", taskID, cp.ID, messages, tokens)
}
