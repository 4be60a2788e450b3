package runner

import (
	"context"
	"fmt"
	"log"
	"strings"

	"switchboard/app/core/orchestrator/oracle"
	"switchboard/app/core/orchestrator/task"
)

type CreateRequest struct {
	Name             string                 `json:"name"`
	Plan             string                 `json:"plan"`
	Contacts         []task.Contact         `json:"contacts"`
	Personality      string                 `json:"personality,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
	StartImmediately bool                   `json:"start_immediately"`
}

// CreateTask stores a new task in planning and optionally kicks it off right away.
func (o *Orchestrator) CreateTask(ctx context.Context, req CreateRequest) (task.Task, KickoffResult, error) {
	created, err := o.store.Create(ctx, task.CreateParams{
		Name:        req.Name,
		Plan:        req.Plan,
		Contacts:    req.Contacts,
		Personality: req.Personality,
		Metadata:    req.Metadata,
	})
	if err != nil {
		return task.Task{}, KickoffResult{}, err
	}
	log.Printf("[Runner] created task %s (%s)", created.ID, created.Name)
	if !req.StartImmediately {
		return created, KickoffResult{TaskID: created.ID}, nil
	}
	result := o.Kickoff(ctx, created)
	refreshed, err := o.store.Get(ctx, created.ID)
	if err != nil {
		return created, result, nil
	}
	return refreshed, result, nil
}

// Kickoff takes a task's first step. Catch-up tasks send a fixed opener;
// everything else runs the decision loop once the task is running.
func (o *Orchestrator) Kickoff(ctx context.Context, t task.Task) KickoffResult {
	unlock := o.locks.Lock(t.ID)
	defer unlock()

	current, err := o.store.Get(ctx, t.ID)
	if err != nil {
		return KickoffResult{TaskID: t.ID, ActionTaken: ActionError, Error: err.Error()}
	}
	if current.Status.IsTerminal() {
		return KickoffResult{TaskID: t.ID, ActionTaken: ActionError, Error: fmt.Sprintf("task is %s", current.Status)}
	}
	log.Printf("[Runner] kickoff task=%s personality=%s", current.ID, current.Personality)

	if strings.EqualFold(current.Personality, o.catchUpPersonality) {
		return o.kickoffCatchUp(ctx, current)
	}

	if current.Status != task.StatusRunning {
		if err := o.update(ctx, current.ID, task.Fields{task.FieldStatus: task.StatusRunning}); err != nil {
			return KickoffResult{TaskID: current.ID, ActionTaken: ActionError, Error: err.Error()}
		}
	}

	out := o.runLoop(ctx, current.ID, oracle.TriggerKickoff, nil)
	result := KickoffResult{TaskID: current.ID, ActionTaken: out.action, Success: out.err == nil, MessageSent: out.messageSent}
	if out.err != nil {
		result.Error = out.err.Error()
	}
	if out.action == ActionError {
		if err := o.update(ctx, current.ID, task.Fields{
			task.FieldStatus:       task.StatusPaused,
			task.FieldPausedReason: "Kickoff failed: " + result.Error,
		}); err != nil {
			log.Printf("[Runner] task=%s pause after failed kickoff: %v", current.ID, err)
		}
	}
	return result
}
