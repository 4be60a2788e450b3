package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrQueueStarted    = errors.New("queue: already started")
	ErrQueueStopped    = errors.New("queue: stopped")
	ErrEnqueueCanceled = errors.New("queue: enqueue canceled")
)

type Job struct {
	ID string
	// Key serializes jobs: two jobs with the same non-empty key never run at
	// the same time and start in enqueue order.
	Key            string
	MaxRetries     int
	RetryDelay     time.Duration
	AttemptTimeout time.Duration
	Run            func(context.Context) error
}

type Queue struct {
	mu        sync.Mutex
	jobs      chan queuedJob
	started   bool
	stopping  bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	nextID    atomic.Uint64
	inFlight  atomic.Int64
	enqueued  atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	retried   atomic.Uint64

	// outstanding counts accepted jobs that have not reached a final outcome,
	// including requeued retries and jobs between channel and worker.
	outstanding atomic.Int64

	keyMu  sync.Mutex
	active map[string][]queuedJob
}

type queuedJob struct {
	job     Job
	attempt int
}

type Stats struct {
	Started   bool   `json:"started"`
	Depth     int    `json:"depth"`
	Capacity  int    `json:"capacity"`
	InFlight  int64  `json:"in_flight"`
	Parked    int    `json:"parked"`
	Enqueued  uint64 `json:"enqueued"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Retried   uint64 `json:"retried"`
}

type ShutdownReport struct {
	PendingAtStart  int           `json:"pending_at_start"`
	InFlightAtStart int64         `json:"in_flight_at_start"`
	DrainedJobs     uint64        `json:"drained_jobs"`
	TimedOut        bool          `json:"timed_out"`
	RemainingDepth  int           `json:"remaining_depth"`
	RemainingFlight int64         `json:"remaining_in_flight"`
	Elapsed         time.Duration `json:"elapsed"`
}

func New(buffer int) *Queue {
	if buffer <= 0 {
		buffer = 64
	}
	return &Queue{jobs: make(chan queuedJob, buffer), active: map[string][]queuedJob{}}
}

func (q *Queue) Enqueue(job Job) (string, error) {
	return q.EnqueueContext(context.Background(), job)
}

func (q *Queue) EnqueueContext(ctx context.Context, job Job) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := validateJob(job); err != nil {
		return "", err
	}
	if job.ID == "" {
		job.ID = fmt.Sprintf("q-%d", q.nextID.Add(1))
	}

	q.mu.Lock()
	jobs := q.jobs
	stopping := q.stopping
	q.mu.Unlock()
	if stopping {
		return "", ErrQueueStopped
	}

	select {
	case jobs <- queuedJob{job: job, attempt: 0}:
		q.outstanding.Add(1)
		q.enqueued.Add(1)
		return job.ID, nil
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %w", ErrEnqueueCanceled, ctx.Err())
	}
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	started := q.started
	q.mu.Unlock()

	q.keyMu.Lock()
	parked := 0
	for _, waiting := range q.active {
		parked += len(waiting)
	}
	q.keyMu.Unlock()

	return Stats{
		Started:   started,
		Depth:     len(q.jobs),
		Capacity:  cap(q.jobs),
		InFlight:  q.inFlight.Load(),
		Parked:    parked,
		Enqueued:  q.enqueued.Load(),
		Completed: q.completed.Load(),
		Failed:    q.failed.Load(),
		Retried:   q.retried.Load(),
	}
}

func (q *Queue) Start(parent context.Context, workers int) error {
	if workers <= 0 {
		workers = 1
	}

	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return ErrQueueStarted
	}
	ctx, cancel := context.WithCancel(parent)
	q.cancel = cancel
	q.started = true
	q.stopping = false
	q.mu.Unlock()

	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
	return nil
}

func (q *Queue) Stop(timeout time.Duration) error {
	_, err := q.StopWithReport(timeout)
	return err
}

func (q *Queue) StopWithReport(timeout time.Duration) (ShutdownReport, error) {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return ShutdownReport{}, nil
	}
	cancel := q.cancel
	q.cancel = nil
	q.started = false
	q.stopping = true
	report := ShutdownReport{
		PendingAtStart:  len(q.jobs),
		InFlightAtStart: q.inFlight.Load(),
	}
	baseDone := q.completed.Load() + q.failed.Load()
	q.mu.Unlock()

	startedAt := time.Now()
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	timedOut := !q.waitIdle(deadline)
	cancel()
	if !timedOut {
		timedOut = !waitWorkers(&q.wg, deadline)
	}

	report.Elapsed = time.Since(startedAt)
	nowDone := q.completed.Load() + q.failed.Load()
	if nowDone > baseDone {
		report.DrainedJobs = nowDone - baseDone
	}
	report.TimedOut = timedOut
	report.RemainingDepth = len(q.jobs)
	report.RemainingFlight = q.inFlight.Load()

	q.mu.Lock()
	q.stopping = false
	q.mu.Unlock()

	if timedOut {
		return report, fmt.Errorf("queue: stop timeout after %s", timeout)
	}
	return report, nil
}

// waitIdle polls until every accepted job has finished. A nil deadline waits forever.
func (q *Queue) waitIdle(deadline <-chan time.Time) bool {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for q.outstanding.Load() > 0 {
		select {
		case <-deadline:
			return false
		case <-ticker.C:
		}
	}
	return true
}

func waitWorkers(wg *sync.WaitGroup, deadline <-chan time.Time) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		wg.Wait()
	}()
	select {
	case <-done:
		return true
	case <-deadline:
		return false
	}
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-q.jobs:
			q.inFlight.Add(1)
			if item.job.Key == "" {
				if !q.runOnce(ctx, item) {
					q.outstanding.Add(-1)
				}
				q.inFlight.Add(-1)
				continue
			}
			q.runKeyed(ctx, item)
		}
	}
}

// runKeyed runs item if its key is idle, then drains jobs parked behind it.
// A parked job stays counted as in flight until it finishes.
func (q *Queue) runKeyed(ctx context.Context, item queuedJob) {
	key := item.job.Key
	q.keyMu.Lock()
	if waiting, busy := q.active[key]; busy {
		q.active[key] = append(waiting, item)
		q.keyMu.Unlock()
		return
	}
	q.active[key] = nil
	q.keyMu.Unlock()

	for {
		q.runWithRetries(ctx, item)
		q.inFlight.Add(-1)
		q.outstanding.Add(-1)

		q.keyMu.Lock()
		waiting := q.active[key]
		if len(waiting) == 0 || ctx.Err() != nil {
			delete(q.active, key)
			q.keyMu.Unlock()
			if dropped := int64(len(waiting)); dropped > 0 {
				q.inFlight.Add(-dropped)
				q.outstanding.Add(-dropped)
			}
			return
		}
		item = waiting[0]
		q.active[key] = waiting[1:]
		q.keyMu.Unlock()
	}
}

// runOnce makes one attempt and reports whether the job was requeued for another.
func (q *Queue) runOnce(parent context.Context, item queuedJob) bool {
	attempt := item.attempt + 1
	err := q.attempt(parent, item.job)
	if err == nil {
		q.completed.Add(1)
		return false
	}
	if parent.Err() != nil {
		return false
	}
	if attempt >= item.job.MaxRetries+1 {
		q.failed.Add(1)
		return false
	}
	q.retried.Add(1)
	if !sleepContext(parent, item.job.RetryDelay) {
		return false
	}

	select {
	case <-parent.Done():
		return false
	case q.jobs <- queuedJob{job: item.job, attempt: attempt}:
		return true
	}
}

// runWithRetries retries in place so a keyed job keeps its slot.
func (q *Queue) runWithRetries(parent context.Context, item queuedJob) {
	for attempt := item.attempt + 1; ; attempt++ {
		err := q.attempt(parent, item.job)
		if err == nil {
			q.completed.Add(1)
			return
		}
		if parent.Err() != nil {
			return
		}
		if attempt >= item.job.MaxRetries+1 {
			q.failed.Add(1)
			return
		}
		q.retried.Add(1)
		if !sleepContext(parent, item.job.RetryDelay) {
			return
		}
	}
}

func (q *Queue) attempt(parent context.Context, job Job) error {
	runCtx := parent
	cancel := func() {}
	if job.AttemptTimeout > 0 {
		runCtx, cancel = context.WithTimeout(parent, job.AttemptTimeout)
	}
	defer cancel()
	return job.Run(runCtx)
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func validateJob(job Job) error {
	if job.Run == nil {
		return errors.New("queue: job run callback is required")
	}
	if job.MaxRetries < 0 {
		return errors.New("queue: max retries cannot be negative")
	}
	if job.AttemptTimeout < 0 {
		return errors.New("queue: attempt timeout cannot be negative")
	}
	if job.RetryDelay < 0 {
		return errors.New("queue: retry delay cannot be negative")
	}
	return nil
}
