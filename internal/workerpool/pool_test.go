package workerpool

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noopPublisher struct {
	events []string
}

func (p *noopPublisher) UpdateHealth(status, lastError string) {
	p.events = append(p.events, status)
}

// echoResultSpawner builds a Spawner that runs a shell one-liner printing a
// single JSON Result line, simulating a well-behaved child.
func echoResultSpawner(jsonLine string) Spawner {
	return func(ctx context.Context, path string, force bool) *exec.Cmd {
		return exec.CommandContext(ctx, "sh", "-c", "echo '"+jsonLine+"'")
	}
}

func crashingSpawner() Spawner {
	return func(ctx context.Context, path string, force bool) *exec.Cmd {
		return exec.CommandContext(ctx, "sh", "-c", "exit 1")
	}
}

func hangingSpawner() Spawner {
	return func(ctx context.Context, path string, force bool) *exec.Cmd {
		return exec.CommandContext(ctx, "sh", "-c", "sleep 5")
	}
}

func TestCoordinator_SubmitSuccess(t *testing.T) {
	pub := &noopPublisher{}
	c := New(2, echoResultSpawner(`{"status":"ok","data":{"tagged":true}}`), time.Second, pub)
	c.Start()
	defer c.Stop()

	result := c.Submit("/music/a.mp3", false)
	assert.Equal(t, "ok", result.Status)
	assert.EqualValues(t, true, result.Data["tagged"])
}

func TestCoordinator_BrokenPoolRetriesOnce(t *testing.T) {
	pub := &noopPublisher{}

	attempt := 0
	spawn := func(ctx context.Context, path string, force bool) *exec.Cmd {
		attempt++
		if attempt == 1 {
			return exec.CommandContext(ctx, "sh", "-c", "exit 1")
		}
		return exec.CommandContext(ctx, "sh", "-c", `echo '{"status":"ok"}'`)
	}

	c := New(1, spawn, time.Second, pub)
	c.Start()
	defer c.Stop()

	result := c.Submit("/music/a.mp3", false)
	assert.Equal(t, "ok", result.Status)
	assert.Equal(t, 2, attempt, "coordinator should rebuild and retry exactly once")
	assert.Contains(t, pub.events, "degraded")
}

func TestCoordinator_BrokenPoolFailsAfterRetry(t *testing.T) {
	pub := &noopPublisher{}
	c := New(1, crashingSpawner(), time.Second, pub)
	c.Start()
	defer c.Stop()

	result := c.Submit("/music/a.mp3", false)
	assert.Equal(t, "error", result.Status)
	assert.Contains(t, result.Error, "retry failed")
}

func TestCoordinator_TimesOut(t *testing.T) {
	pub := &noopPublisher{}
	c := New(1, hangingSpawner(), 50*time.Millisecond, pub)
	c.Start()
	defer c.Stop()

	result := c.Submit("/music/a.mp3", false)
	assert.Equal(t, "error", result.Status)
	assert.Contains(t, result.Error, "timeout")
}

func TestCoordinator_SubmitAfterStopFails(t *testing.T) {
	pub := &noopPublisher{}
	c := New(1, echoResultSpawner(`{"status":"ok"}`), time.Second, pub)
	c.Start()
	c.Stop()

	result := c.Submit("/music/a.mp3", false)
	assert.Equal(t, "error", result.Status)
	assert.Contains(t, result.Error, "shut down")
}

func TestExecSpawner_BuildsExpectedArgs(t *testing.T) {
	spawn := ExecSpawner("/bin/tagworker")
	cmd := spawn(context.Background(), "/music/a.mp3", true)
	require.NotNil(t, cmd)
	assert.Contains(t, cmd.Args, "-path")
	assert.Contains(t, cmd.Args, "/music/a.mp3")
	assert.Contains(t, cmd.Args, "-force")
}

func TestIsBrokenPool_SubstringFallback(t *testing.T) {
	assert.True(t, isBrokenPool(assertableError{"child process pool abruptly exited"}))
	assert.True(t, isBrokenPool(assertableError{"worker process pool is gone"}))
	assert.False(t, isBrokenPool(assertableError{"file not found"}))
}

type assertableError struct{ msg string }

func (e assertableError) Error() string { return e.msg }
