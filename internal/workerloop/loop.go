// Package workerloop implements the Worker Loop (C6): one scheduling
// goroutine per worker slot, driving the pool coordinator and publishing
// state transitions. It is not itself a process — the process isolation
// lives one layer down in workerpool.
package workerloop

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"melodee/audiotag/internal/broker"
	"melodee/audiotag/internal/logging"
	"melodee/audiotag/internal/models"
	"melodee/audiotag/internal/queue"
	"melodee/audiotag/internal/store"
	"melodee/audiotag/internal/workerpool"
)

// Submitter is the subset of workerpool.Coordinator the loop depends on.
type Submitter interface {
	Submit(path string, force bool) workerpool.Result
}

// Loop drives one worker slot: poll, claim, dispatch, report.
type Loop struct {
	id           int
	q            *queue.Queue
	st           *store.Store
	coordinator  Submitter
	b            *broker.Broker
	log          *logging.Logger
	pollInterval time.Duration

	busy int32 // atomic; read by WaitUntilIdle without taking the main loop's attention
	stop chan struct{}
	done chan struct{}
}

// New creates a worker loop for slot id.
func New(id int, q *queue.Queue, st *store.Store, coordinator Submitter, b *broker.Broker, pollInterval time.Duration) *Loop {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Loop{
		id:           id,
		q:            q,
		st:           st,
		coordinator:  coordinator,
		b:            b,
		log:          logging.Global(),
		pollInterval: pollInterval,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// IsBusy reports whether this loop currently has a job dispatched into the pool.
func (l *Loop) IsBusy() bool {
	return atomic.LoadInt32(&l.busy) == 1
}

func (l *Loop) isEnabled() bool {
	v, ok, err := l.st.GetMeta(models.MetaWorkerEnabled)
	if err != nil || !ok {
		return true // default enabled; absence of the flag is not "paused"
	}
	return v != "false"
}

// Run is the main cooperative poll loop. It returns when Stop is called
// and the in-flight job (if any) has finished.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)

	for {
		select {
		case <-l.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		if !l.isEnabled() {
			sleep(l.pollInterval, l.stop)
			continue
		}

		job, err := l.q.ClaimNext()
		if err != nil {
			sleep(l.pollInterval, l.stop)
			continue
		}
		if job == nil {
			sleep(l.pollInterval, l.stop)
			continue
		}

		l.runJob(job)
	}
}

func sleep(d time.Duration, stop chan struct{}) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-stop:
	}
}

func (l *Loop) runJob(job *models.Job) {
	atomic.StoreInt32(&l.busy, 1)
	defer atomic.StoreInt32(&l.busy, 0)

	start := time.Now()
	jobLog := l.log.With(logging.Context{Component: "workerloop", JobID: job.ID, WorkerID: l.id, FilePath: job.Path})
	jobLog.Debug().Msg("job dispatched")
	l.publishWorkerState("running", job.Path)

	result := l.coordinator.Submit(job.Path, job.Force)

	success := result.Status == "ok" || result.Status == ""
	if success {
		if err := l.q.MarkDone(job.ID, result.Data); err == nil {
			l.updateRollingAverage(time.Since(start))
			l.b.UpdateJobState(job.ID, string(models.JobDone), job.Path)
		}
	} else {
		_ = l.q.MarkError(job.ID, result.Error)
		l.b.UpdateJobState(job.ID, string(models.JobError), job.Path)
	}
	l.log.LogJobProcessing(job.ID, job.Path, 1, time.Since(start), success, result.Error)

	l.publishWorkerState("idle", "")
}

func (l *Loop) publishWorkerState(state, path string) {
	if l.b != nil {
		l.b.UpdateWorkerState(l.id, state, path)
	}
}

// updateRollingAverage maintains meta.avg_processing_time as a simple
// exponentially-weighted moving average over completed-job durations.
func (l *Loop) updateRollingAverage(d time.Duration) {
	const alpha = 0.2
	seconds := d.Seconds()

	cur, ok, err := l.st.GetMeta(models.MetaAvgProcessingTime)
	if err != nil {
		return
	}
	avg := seconds
	if ok {
		if prev, perr := strconv.ParseFloat(cur, 64); perr == nil {
			avg = alpha*seconds + (1-alpha)*prev
		}
	}
	_ = l.st.SetMeta(models.MetaAvgProcessingTime, fmt.Sprintf("%.3f", avg))
}

// Stop signals the loop to exit after its current job (if any) finishes.
func (l *Loop) Stop() {
	select {
	case <-l.stop:
	default:
		close(l.stop)
	}
}

// Join blocks until Run has returned or the timeout elapses, returning
// whether it finished in time.
func (l *Loop) Join(timeout time.Duration) bool {
	select {
	case <-l.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Pool supervises a fixed set of worker loops as one unit, matching the
// Python original's WorkerService.
type Pool struct {
	loops []*Loop
	q     *queue.Queue
	st    *store.Store

	idleWaitTimeout  time.Duration
	idleWaitInterval time.Duration
}

// NewPool builds N worker loops against a shared coordinator, queue, and broker.
func NewPool(n int, q *queue.Queue, st *store.Store, coordinator Submitter, b *broker.Broker, pollInterval, idleWaitTimeout, idleWaitInterval time.Duration) *Pool {
	loops := make([]*Loop, n)
	for i := 0; i < n; i++ {
		loops[i] = New(i, q, st, coordinator, b, pollInterval)
	}
	return &Pool{loops: loops, q: q, st: st, idleWaitTimeout: idleWaitTimeout, idleWaitInterval: idleWaitInterval}
}

// Start launches every loop's Run goroutine.
func (p *Pool) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for _, l := range p.loops {
		wg.Add(1)
		go func(l *Loop) {
			defer wg.Done()
			l.Run(ctx)
		}(l)
	}
}

// Enable sets worker_enabled=true.
func (p *Pool) Enable() error {
	return p.st.SetMeta(models.MetaWorkerEnabled, "true")
}

// Disable sets worker_enabled=false, then waits for in-flight work to drain.
func (p *Pool) Disable() (bool, error) {
	if err := p.st.SetMeta(models.MetaWorkerEnabled, "false"); err != nil {
		return false, err
	}
	return p.WaitUntilIdle(p.idleWaitTimeout), nil
}

// WaitUntilIdle polls the dual condition from spec §4.8/§9: no worker loop
// is currently dispatched into the pool AND no job row has status=running.
// The second check tolerates worker loops that died without updating the
// store. Returns whether idle was reached before the deadline.
func (p *Pool) WaitUntilIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	interval := p.idleWaitInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	for {
		anyBusy := false
		for _, l := range p.loops {
			if l.IsBusy() {
				anyBusy = true
				break
			}
		}

		runningCount, err := p.q.RunningCount()
		storeClear := err == nil && runningCount == 0

		if !anyBusy && storeClear {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(interval)
	}
}

// StopAll signals every loop to stop and joins each with a per-loop timeout.
func (p *Pool) StopAll(joinTimeout time.Duration) {
	for _, l := range p.loops {
		l.Stop()
	}
	for _, l := range p.loops {
		l.Join(joinTimeout)
	}
}

// CleanupOrphanedJobs resets any job still marked running back to pending;
// intended for startup recovery after an unclean shutdown.
func (p *Pool) CleanupOrphanedJobs() (int64, error) {
	return p.q.ResetRunningToPending()
}
