package runtime

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"switchboard/app/core/orchestrator/runner"
	"switchboard/app/core/scheduler"
)

type fakePolicyRunner struct {
	sweeps   atomic.Int32
	wakes    atomic.Int32
	sweepErr error
}

func (f *fakePolicyRunner) RunPolicySweeps(context.Context) (runner.SweepResult, error) {
	f.sweeps.Add(1)
	if f.sweepErr != nil {
		return runner.SweepResult{}, f.sweepErr
	}
	return runner.SweepResult{Paused: []string{"jorb_00000001"}, Failed: []string{}}, nil
}

func (f *fakePolicyRunner) RunDueWakes(context.Context) ([]runner.ProcessingResult, error) {
	f.wakes.Add(1)
	return []runner.ProcessingResult{{TaskID: "jorb_00000002", ActionTaken: runner.ActionNoop, Success: true}}, nil
}

func TestRegisterPolicyJobsWithDefaults(t *testing.T) {
	s := scheduler.New()
	if err := RegisterPolicyJobs(s, &fakePolicyRunner{}, PolicyJobOptions{}); err != nil {
		t.Fatalf("register policy jobs: %v", err)
	}
	snap := s.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(snap))
	}
	intervals := map[string]time.Duration{}
	for _, item := range snap {
		intervals[item.Name] = item.Interval
	}
	if intervals[SweepJobName] != 15*time.Minute {
		t.Fatalf("unexpected sweep interval: %s", intervals[SweepJobName])
	}
	if intervals[WakeJobName] != 30*time.Second {
		t.Fatalf("unexpected wake interval: %s", intervals[WakeJobName])
	}
}

func TestRegisterPolicyJobsDisabled(t *testing.T) {
	s := scheduler.New()
	opts := PolicyJobOptions{Enabled: false, SweepInterval: time.Minute}
	if err := RegisterPolicyJobs(s, &fakePolicyRunner{}, opts); err != nil {
		t.Fatalf("register policy jobs: %v", err)
	}
	if got := s.Health().RegisteredJobs; got != 0 {
		t.Fatalf("expected no jobs, got %d", got)
	}
}

func TestPolicyJobsDriveOrchestrator(t *testing.T) {
	s := scheduler.New()
	orch := &fakePolicyRunner{}
	if err := RegisterPolicyJobs(s, orch, DefaultPolicyJobOptions()); err != nil {
		t.Fatalf("register policy jobs: %v", err)
	}
	if err := s.Trigger(context.Background(), SweepJobName); err != nil {
		t.Fatalf("trigger sweep failed: %v", err)
	}
	if err := s.Trigger(context.Background(), WakeJobName); err != nil {
		t.Fatalf("trigger wake failed: %v", err)
	}
	if orch.sweeps.Load() != 1 || orch.wakes.Load() != 1 {
		t.Fatalf("expected one sweep and one wake, got %d/%d", orch.sweeps.Load(), orch.wakes.Load())
	}
}

func TestPolicySweepErrorSurfacesAsJobFailure(t *testing.T) {
	s := scheduler.New()
	orch := &fakePolicyRunner{sweepErr: errors.New("db closed")}
	if err := RegisterPolicyJobs(s, orch, DefaultPolicyJobOptions()); err != nil {
		t.Fatalf("register policy jobs: %v", err)
	}
	if err := s.Trigger(context.Background(), SweepJobName); err == nil {
		t.Fatalf("expected sweep error")
	}
	for _, item := range s.Snapshot() {
		if item.Name == SweepJobName && item.Failures != 1 {
			t.Fatalf("expected one recorded failure, got %d", item.Failures)
		}
	}
}

func TestRegisterPolicyJobsRollsBackOnConflict(t *testing.T) {
	s := scheduler.New()
	if err := s.Register(scheduler.JobSpec{
		Name:     WakeJobName,
		Interval: time.Minute,
		Run:      func(context.Context) error { return nil },
	}); err != nil {
		t.Fatalf("pre-register failed: %v", err)
	}
	err := RegisterPolicyJobs(s, &fakePolicyRunner{}, DefaultPolicyJobOptions())
	if !errors.Is(err, scheduler.ErrJobExists) {
		t.Fatalf("expected ErrJobExists, got %v", err)
	}
	snap := s.Snapshot()
	if len(snap) != 1 || snap[0].Name != WakeJobName {
		t.Fatalf("expected sweep job rolled back, got %+v", snap)
	}
}
