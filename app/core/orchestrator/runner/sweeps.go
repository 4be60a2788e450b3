package runner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"switchboard/app/core/orchestrator/oracle"
	"switchboard/app/core/orchestrator/task"
)

// RunPolicySweeps pauses stale running tasks and fails tasks past their maximum duration.
func (o *Orchestrator) RunPolicySweeps(ctx context.Context) (SweepResult, error) {
	result := SweepResult{Paused: []string{}, Failed: []string{}}

	paused, staleErr := o.sweepStale(ctx)
	result.Paused = append(result.Paused, paused...)
	expired, expiryErr := o.sweepExpired(ctx)
	result.Failed = append(result.Failed, expired...)

	if len(result.Paused) > 0 || len(result.Failed) > 0 {
		log.Printf("[Runner] policy sweep paused=%v failed=%v", result.Paused, result.Failed)
	}
	return result, errors.Join(staleErr, expiryErr)
}

func (o *Orchestrator) sweepStale(ctx context.Context) ([]string, error) {
	running, err := o.store.ListByStatus(ctx, task.StatusRunning)
	if err != nil {
		return nil, err
	}
	threshold := time.Duration(o.policy.StaleHours) * time.Hour
	var (
		paused []string
		errs   []error
	)
	for _, t := range running {
		if o.now().Sub(t.UpdatedAt) <= threshold {
			continue
		}
		ok, err := o.pauseStale(ctx, t.ID, threshold)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			paused = append(paused, t.ID)
		}
	}
	return paused, errors.Join(errs...)
}

func (o *Orchestrator) pauseStale(ctx context.Context, taskID string, threshold time.Duration) (bool, error) {
	unlock := o.locks.Lock(taskID)
	defer unlock()

	current, err := o.store.Get(ctx, taskID)
	if err != nil {
		return false, err
	}
	if current.Status != task.StatusRunning || o.now().Sub(current.UpdatedAt) <= threshold {
		return false, nil
	}
	if err := o.update(ctx, taskID, task.Fields{
		task.FieldStatus:           task.StatusPaused,
		task.FieldPausedReason:     fmt.Sprintf("Auto-paused: no activity in %d hours", o.policy.StaleHours),
		task.FieldNeedsApprovalFor: task.ApprovalResume,
		task.FieldAwaiting:         "",
		task.FieldWakeAt:           time.Time{},
	}); err != nil {
		return false, err
	}
	o.recordViolation(current.ID, current.Name, ViolationStaleTask, fmt.Sprintf("No activity in %d hours", o.policy.StaleHours))
	return true, nil
}

func (o *Orchestrator) sweepExpired(ctx context.Context) ([]string, error) {
	open, err := o.store.List(ctx, task.FilterOpen)
	if err != nil {
		return nil, err
	}
	maxAge := time.Duration(o.policy.MaxDurationDays) * 24 * time.Hour
	var (
		expired []string
		errs    []error
	)
	for _, t := range open {
		if o.now().Sub(t.CreatedAt) <= maxAge {
			continue
		}
		ok, err := o.failExpired(ctx, t.ID, maxAge)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			expired = append(expired, t.ID)
		}
	}
	return expired, errors.Join(errs...)
}

func (o *Orchestrator) failExpired(ctx context.Context, taskID string, maxAge time.Duration) (bool, error) {
	unlock := o.locks.Lock(taskID)
	defer unlock()

	current, err := o.store.Get(ctx, taskID)
	if err != nil {
		return false, err
	}
	if current.Status.IsTerminal() || o.now().Sub(current.CreatedAt) <= maxAge {
		return false, nil
	}
	if err := o.update(ctx, taskID, task.Fields{
		task.FieldStatus:               task.StatusFailed,
		task.FieldProgressSummary:      appendNote(current.ProgressSummary, fmt.Sprintf("Auto-failed: exceeded %d day limit", o.policy.MaxDurationDays)),
		task.FieldOutcomeFailureReason: fmt.Sprintf("Exceeded %d day duration limit", o.policy.MaxDurationDays),
		task.FieldWakeAt:               time.Time{},
	}); err != nil {
		return false, err
	}
	o.recordViolation(current.ID, current.Name, ViolationExpiredTask, fmt.Sprintf("Exceeded %d day duration limit", o.policy.MaxDurationDays))
	return true, nil
}

// RunDueWakes runs the decision loop for running tasks whose scheduled wake has passed.
func (o *Orchestrator) RunDueWakes(ctx context.Context) ([]ProcessingResult, error) {
	due, err := o.store.ListDue(ctx, o.now())
	if err != nil {
		return nil, err
	}
	results := make([]ProcessingResult, 0, len(due))
	for _, t := range due {
		if result, ok := o.wake(ctx, t.ID); ok {
			results = append(results, result)
		}
	}
	return results, nil
}

func (o *Orchestrator) wake(ctx context.Context, taskID string) (ProcessingResult, bool) {
	unlock := o.locks.Lock(taskID)
	defer unlock()

	current, err := o.store.Get(ctx, taskID)
	if err != nil {
		return failed(taskID, err), true
	}
	if current.Status != task.StatusRunning || current.WakeAt.IsZero() || current.WakeAt.After(o.now()) {
		return ProcessingResult{}, false
	}
	if err := o.update(ctx, taskID, task.Fields{task.FieldWakeAt: time.Time{}}); err != nil {
		return failed(taskID, err), true
	}
	log.Printf("[Runner] waking task %s", taskID)
	return o.runLoop(ctx, taskID, oracle.TriggerWake, nil).result(taskID), true
}
