package runtime

import (
	"context"
	"log"
	"time"

	"switchboard/app/core/orchestrator/runner"
	"switchboard/app/core/scheduler"
)

const (
	SweepJobName = "policy-sweeps"
	WakeJobName  = "task-wake"

	defaultSweepInterval = 15 * time.Minute
	defaultSweepTimeout  = time.Minute
	defaultWakeInterval  = 30 * time.Second
	defaultWakeTimeout   = 10 * time.Minute
)

// PolicyRunner is the slice of the orchestrator the periodic jobs drive.
type PolicyRunner interface {
	RunPolicySweeps(ctx context.Context) (runner.SweepResult, error)
	RunDueWakes(ctx context.Context) ([]runner.ProcessingResult, error)
}

type PolicyJobOptions struct {
	Enabled       bool
	SweepInterval time.Duration
	SweepTimeout  time.Duration
	WakeInterval  time.Duration
	WakeTimeout   time.Duration
	RunOnStart    bool
}

func DefaultPolicyJobOptions() PolicyJobOptions {
	return PolicyJobOptions{
		Enabled:       true,
		SweepInterval: defaultSweepInterval,
		SweepTimeout:  defaultSweepTimeout,
		WakeInterval:  defaultWakeInterval,
		WakeTimeout:   defaultWakeTimeout,
		RunOnStart:    true,
	}
}

// RegisterPolicyJobs schedules the stale/expired sweeps and the wake poller.
func RegisterPolicyJobs(jobScheduler *scheduler.Scheduler, orch PolicyRunner, options PolicyJobOptions) error {
	if jobScheduler == nil || orch == nil {
		return nil
	}
	opts := sanitizePolicyJobOptions(options)
	if !opts.Enabled {
		return nil
	}
	if err := jobScheduler.Register(scheduler.JobSpec{
		Name:       SweepJobName,
		Interval:   opts.SweepInterval,
		Timeout:    opts.SweepTimeout,
		RunOnStart: opts.RunOnStart,
		Run: func(ctx context.Context) error {
			result, err := orch.RunPolicySweeps(ctx)
			if err != nil {
				return err
			}
			if len(result.Paused) > 0 || len(result.Failed) > 0 {
				log.Printf("[Policy] sweep paused=%v failed=%v", result.Paused, result.Failed)
			}
			return nil
		},
	}); err != nil {
		return err
	}
	err := jobScheduler.Register(scheduler.JobSpec{
		Name:     WakeJobName,
		Interval: opts.WakeInterval,
		Timeout:  opts.WakeTimeout,
		Run: func(ctx context.Context) error {
			results, err := orch.RunDueWakes(ctx)
			if err != nil {
				return err
			}
			for _, result := range results {
				log.Printf("[Policy] woke task=%s action=%s success=%t", result.TaskID, result.ActionTaken, result.Success)
			}
			return nil
		},
	})
	if err != nil {
		// Both jobs or neither.
		if rollbackErr := jobScheduler.Unregister(SweepJobName); rollbackErr != nil {
			log.Printf("[Policy] rollback of %s failed: %v", SweepJobName, rollbackErr)
		}
		return err
	}
	return nil
}

func sanitizePolicyJobOptions(options PolicyJobOptions) PolicyJobOptions {
	defaults := DefaultPolicyJobOptions()
	if !options.Enabled && options.SweepInterval == 0 && options.SweepTimeout == 0 &&
		options.WakeInterval == 0 && options.WakeTimeout == 0 && !options.RunOnStart {
		return defaults
	}
	if options.SweepInterval <= 0 {
		options.SweepInterval = defaults.SweepInterval
	}
	if options.SweepTimeout <= 0 {
		options.SweepTimeout = defaults.SweepTimeout
	}
	if options.WakeInterval <= 0 {
		options.WakeInterval = defaults.WakeInterval
	}
	if options.WakeTimeout <= 0 {
		options.WakeTimeout = defaults.WakeTimeout
	}
	return options
}
