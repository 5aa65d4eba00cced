package workerloop

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"melodee/audiotag/internal/broker"
	"melodee/audiotag/internal/models"
	"melodee/audiotag/internal/queue"
	"melodee/audiotag/internal/store"
	"melodee/audiotag/internal/workerpool"
)

type fakeSubmitter struct {
	result workerpool.Result
	calls  int
}

func (f *fakeSubmitter) Submit(path string, force bool) workerpool.Result {
	f.calls++
	return f.result
}

func newTestDeps(t *testing.T) (*store.Store, *queue.Queue, *broker.Broker) {
	t.Helper()
	st, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st, queue.New(st), broker.New()
}

func TestLoop_ProcessesOneJob(t *testing.T) {
	st, q, b := newTestDeps(t)
	sub := &fakeSubmitter{result: workerpool.Result{Status: "ok"}}
	loop := New(0, q, st, sub, b, 5*time.Millisecond)

	id, err := q.Add("/music/a.mp3", false)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		job, _ := q.Get(id)
		if job != nil && job.Status == models.JobDone {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	job, err := q.Get(id)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, models.JobDone, job.Status)
	assert.Equal(t, 1, sub.calls)

	cancel()
	loop.Stop()
	loop.Join(time.Second)
}

func TestLoop_MarksErrorOnFailure(t *testing.T) {
	st, q, b := newTestDeps(t)
	sub := &fakeSubmitter{result: workerpool.Result{Status: "error", Error: "boom"}}
	loop := New(0, q, st, sub, b, 5*time.Millisecond)

	id, err := q.Add("/music/a.mp3", false)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		job, _ := q.Get(id)
		if job != nil && job.Status == models.JobError {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	job, err := q.Get(id)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, models.JobError, job.Status)
	assert.Equal(t, "boom", job.ErrorMsg)

	loop.Stop()
	loop.Join(time.Second)
}

func TestLoop_RespectsWorkerEnabledFlag(t *testing.T) {
	st, q, b := newTestDeps(t)
	require.NoError(t, st.SetMeta(models.MetaWorkerEnabled, "false"))

	sub := &fakeSubmitter{result: workerpool.Result{Status: "ok"}}
	loop := New(0, q, st, sub, b, 5*time.Millisecond)

	id, err := q.Add("/music/a.mp3", false)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)
	time.Sleep(50 * time.Millisecond)
	cancel()
	loop.Stop()
	loop.Join(time.Second)

	job, err := q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, job.Status, "paused loop must never claim work")
}

func TestPool_WaitUntilIdle(t *testing.T) {
	st, q, _ := newTestDeps(t)
	p := NewPool(2, q, st, &fakeSubmitter{result: workerpool.Result{Status: "ok"}}, broker.New(),
		5*time.Millisecond, time.Second, 10*time.Millisecond)

	idle := p.WaitUntilIdle(200 * time.Millisecond)
	assert.True(t, idle, "pool with no loops started and no running rows should be idle immediately")
}

func TestPool_EnableDisable(t *testing.T) {
	st, q, _ := newTestDeps(t)
	p := NewPool(1, q, st, &fakeSubmitter{result: workerpool.Result{Status: "ok"}}, broker.New(),
		5*time.Millisecond, time.Second, 10*time.Millisecond)

	require.NoError(t, p.Enable())
	v, ok, err := st.GetMeta(models.MetaWorkerEnabled)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "true", v)

	idle, err := p.Disable()
	require.NoError(t, err)
	assert.True(t, idle)
	v, _, _ = st.GetMeta(models.MetaWorkerEnabled)
	assert.Equal(t, "false", v)
}

func TestPool_CleanupOrphanedJobs(t *testing.T) {
	st, q, _ := newTestDeps(t)
	id, _ := q.Add("/music/a.mp3", false)
	_, err := q.Start(id)
	require.NoError(t, err)

	p := NewPool(1, q, st, &fakeSubmitter{}, broker.New(), time.Second, time.Second, time.Second)
	n, err := p.CleanupOrphanedJobs()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	job, err := q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, job.Status)
}
