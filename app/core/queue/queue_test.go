package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func startQueue(t *testing.T, buffer, workers int) *Queue {
	t.Helper()
	q := New(buffer)
	if err := q.Start(context.Background(), workers); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	t.Cleanup(func() { _ = q.Stop(time.Second) })
	return q
}

func TestRetriesUntilHandlerSucceeds(t *testing.T) {
	q := startQueue(t, 16, 1)

	var attempts atomic.Int32
	done := make(chan struct{})
	id, err := q.Enqueue(Job{
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
		Run: func(context.Context) error {
			if attempts.Add(1) < 3 {
				return errors.New("telegram send: 502")
			}
			close(done)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if id == "" {
		t.Fatal("expected generated job id")
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected job to succeed on the third attempt")
	}
	if got := attempts.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
	waitStats(t, q, func(st Stats) bool { return st.Completed == 1 && st.Retried == 2 && st.Failed == 0 })
}

func TestAttemptTimeoutThenFailure(t *testing.T) {
	q := startQueue(t, 16, 1)

	var attempts atomic.Int32
	if _, err := q.Enqueue(Job{
		MaxRetries:     1,
		AttemptTimeout: 10 * time.Millisecond,
		Run: func(ctx context.Context) error {
			attempts.Add(1)
			<-ctx.Done()
			return ctx.Err()
		},
	}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	waitStats(t, q, func(st Stats) bool { return st.Failed == 1 && st.InFlight == 0 })
	if got := attempts.Load(); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
	if st := q.Stats(); st.Completed != 0 || st.Retried != 1 {
		t.Fatalf("unexpected stats after exhausted retries: %+v", st)
	}
}

func TestEnqueueRespectsContextWhenFull(t *testing.T) {
	q := New(1)
	if _, err := q.Enqueue(Job{Run: func(context.Context) error { return nil }}); err != nil {
		t.Fatalf("first enqueue failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.EnqueueContext(ctx, Job{Run: func(context.Context) error { return nil }})
	if !errors.Is(err, ErrEnqueueCanceled) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected canceled enqueue with deadline, got %v", err)
	}
	if _, err := q.Enqueue(Job{}); err == nil {
		t.Fatal("expected validation error for job without Run")
	}
}

func TestStopDrainsAcceptedJobs(t *testing.T) {
	q := New(8)
	if err := q.Start(context.Background(), 2); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	var ran atomic.Int32
	for i := 0; i < 4; i++ {
		if _, err := q.Enqueue(Job{
			Key: "sms:5551234567",
			Run: func(context.Context) error {
				time.Sleep(5 * time.Millisecond)
				ran.Add(1)
				return nil
			},
		}); err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
	}

	report, err := q.StopWithReport(time.Second)
	if err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if ran.Load() != 4 {
		t.Fatalf("expected all accepted jobs to run before stop returned, ran=%d report=%+v", ran.Load(), report)
	}
	if report.TimedOut || report.RemainingDepth != 0 || report.RemainingFlight != 0 {
		t.Fatalf("unexpected shutdown report: %+v", report)
	}
	if st := q.Stats(); st.Started || st.Completed != 4 {
		t.Fatalf("unexpected stats after stop: %+v", st)
	}
}

func waitStats(t *testing.T, q *Queue, cond func(Stats) bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for {
		st := q.Stats()
		if cond(st) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("stats condition not met: %+v", st)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestKeyedJobsRunInOrderWithoutOverlap(t *testing.T) {
	q := New(16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := q.Start(ctx, 4); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	var (
		mu      sync.Mutex
		order   []int
		running atomic.Int32
		overlap atomic.Bool
	)
	for i := 0; i < 5; i++ {
		n := i
		_, err := q.Enqueue(Job{
			Key: "telegram:22",
			Run: func(context.Context) error {
				if running.Add(1) > 1 {
					overlap.Store(true)
				}
				time.Sleep(10 * time.Millisecond)
				mu.Lock()
				order = append(order, n)
				mu.Unlock()
				running.Add(-1)
				return nil
			},
		})
		if err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
	}

	report, err := q.StopWithReport(time.Second)
	if err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if overlap.Load() {
		t.Fatal("jobs sharing a key overlapped")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 5 {
		t.Fatalf("expected 5 completed jobs, got %v", order)
	}
	for i, n := range order {
		if n != i {
			t.Fatalf("expected enqueue order, got %v", order)
		}
	}
	if report.DrainedJobs != 5 || report.RemainingFlight != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestDistinctKeysRunConcurrently(t *testing.T) {
	q := New(16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := q.Start(ctx, 2); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer q.Stop(200 * time.Millisecond)

	release := make(chan struct{})
	started := make(chan string, 2)
	for _, key := range []string{"sms:1", "sms:2"} {
		k := key
		_, err := q.Enqueue(Job{Key: k, Run: func(context.Context) error {
			started <- k
			<-release
			return nil
		}})
		if err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
	}

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(300 * time.Millisecond):
			t.Fatal("expected both keys to start without waiting on each other")
		}
	}
	if stats := q.Stats(); stats.InFlight != 2 {
		t.Fatalf("expected 2 in flight, got %+v", stats)
	}
	close(release)
}

func TestKeyedRetryHoldsSlot(t *testing.T) {
	q := New(16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := q.Start(ctx, 2); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	var (
		mu  sync.Mutex
		log []string
	)
	record := func(s string) {
		mu.Lock()
		log = append(log, s)
		mu.Unlock()
	}
	var attempts atomic.Int32
	if _, err := q.Enqueue(Job{Key: "k", MaxRetries: 2, Run: func(context.Context) error {
		record("first")
		if attempts.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if _, err := q.Enqueue(Job{Key: "k", Run: func(context.Context) error {
		record("second")
		return nil
	}}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	if _, err := q.StopWithReport(time.Second); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	want := []string{"first", "first", "first", "second"}
	if len(log) != len(want) {
		t.Fatalf("expected %v, got %v", want, log)
	}
	for i := range want {
		if log[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, log)
		}
	}
	if stats := q.Stats(); stats.Retried != 2 || stats.Completed != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
