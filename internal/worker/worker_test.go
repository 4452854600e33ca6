package worker

// ============================================================================
// Worker Pool Test File
// Purpose: Verify child process execution, output capture, timeout, cancel,
// graceful shutdown
// ============================================================================

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/stealq/internal/logging"
	"github.com/ChuLiYu/stealq/internal/protocol"
	"github.com/ChuLiYu/stealq/pkg/types"
)

const resultTimeout = 5 * time.Second

func newTestPool(t *testing.T, parallel, maxOutput int) *Pool {
	t.Helper()
	pool := NewPool(16, maxOutput, logging.Discard())
	require.NoError(t, pool.Start(parallel))
	t.Cleanup(pool.Stop)
	return pool
}

func shell(script string) types.JobSpec {
	return types.JobSpec{Command: "/bin/sh", Args: []string{"-c", script}}
}

// nextResult waits for a result, collecting output chunks on the way
func nextResult(t *testing.T, pool *Pool) (Result, []Output) {
	t.Helper()
	var outputs []Output
	deadline := time.After(resultTimeout)
	for {
		select {
		case o := <-pool.Output():
			outputs = append(outputs, o)
		case r := <-pool.Results():
			// output emitted before exit is already buffered
			return r, append(outputs, drain(pool)...)
		case <-deadline:
			t.Fatal("timed out waiting for result")
		}
	}
}

func drain(pool *Pool) []Output {
	var out []Output
	for {
		select {
		case o := <-pool.Output():
			out = append(out, o)
		default:
			return out
		}
	}
}

func joined(outputs []Output, stream protocol.Stream) string {
	var b strings.Builder
	for _, o := range outputs {
		if o.Stream == stream {
			b.Write(o.Data)
		}
	}
	return b.String()
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

// TestNewPool tests creating Worker Pool
func TestNewPool(t *testing.T) {
	pool := NewPool(10, 0, nil)
	assert.NotNil(t, pool)
	assert.Empty(t, pool.runners)
	assert.False(t, pool.started)
	assert.Equal(t, DefaultMaxOutputBytes, pool.maxOutput)
}

// TestPoolStart tests starting Worker Pool
func TestPoolStart(t *testing.T) {
	pool := NewPool(10, 0, logging.Discard())

	require.NoError(t, pool.Start(3))
	assert.Len(t, pool.runners, 3)
	assert.True(t, pool.started)

	// Try to start again
	assert.Error(t, pool.Start(4))

	pool.Stop()
}

func TestSubmitBeforeStartAndAfterStop(t *testing.T) {
	pool := NewPool(1, 0, logging.Discard())
	assert.ErrorIs(t, pool.Submit(Task{JobID: 1, Spec: shell("true")}), ErrPoolNotStarted)

	require.NoError(t, pool.Start(1))
	pool.Stop()
	assert.ErrorIs(t, pool.Submit(Task{JobID: 1, Spec: shell("true")}), ErrPoolClosed)
}

// TestEchoCapturesOutput runs echo hi and checks live and captured output
func TestEchoCapturesOutput(t *testing.T) {
	pool := newTestPool(t, 1, 0)

	require.NoError(t, pool.Submit(Task{JobID: 7, Spec: types.JobSpec{Command: "echo", Args: []string{"hi"}}}))
	result, outputs := nextResult(t, pool)

	assert.Equal(t, types.JobID(7), result.JobID)
	assert.Equal(t, 0, result.ExitCode)
	assert.Empty(t, result.Reason)
	assert.Equal(t, "hi\n", string(result.Stdout))
	assert.Equal(t, "hi\n", joined(outputs, protocol.StreamStdout))
	assert.Greater(t, result.Duration, time.Duration(0))
}

func TestExitCodeAndStderr(t *testing.T) {
	pool := newTestPool(t, 1, 0)

	require.NoError(t, pool.Submit(Task{JobID: 1, Spec: shell("echo oops >&2; exit 3")}))
	result, outputs := nextResult(t, pool)

	assert.Equal(t, 3, result.ExitCode)
	assert.Empty(t, result.Reason, "a non-zero exit is not a crash")
	assert.False(t, result.Cancelled)
	assert.Equal(t, "oops\n", string(result.Stderr))
	assert.Equal(t, "oops\n", joined(outputs, protocol.StreamStderr))
	assert.Empty(t, result.Stdout)
}

func TestWorkDirAndEnv(t *testing.T) {
	pool := newTestPool(t, 1, 0)
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	spec := shell(`printf "%s %s" "$(pwd -P)" "$STEALQ_TEST"`)
	spec.WorkDir = dir
	spec.Env = map[string]string{"STEALQ_TEST": "value"}
	require.NoError(t, pool.Submit(Task{JobID: 1, Spec: spec}))
	result, _ := nextResult(t, pool)

	require.Equal(t, 0, result.ExitCode)
	assert.Equal(t, dir+" value", string(result.Stdout))
}

func TestSpawnFailure(t *testing.T) {
	pool := newTestPool(t, 1, 0)

	require.NoError(t, pool.Submit(Task{JobID: 1, Spec: types.JobSpec{Command: "/nonexistent/stealq-binary"}}))
	result, _ := nextResult(t, pool)

	assert.Equal(t, -1, result.ExitCode)
	assert.Contains(t, result.Reason, "spawn failed")
}

func TestOutputTruncated(t *testing.T) {
	pool := newTestPool(t, 1, 4)

	require.NoError(t, pool.Submit(Task{JobID: 1, Spec: shell("printf abcdefgh")}))
	result, outputs := nextResult(t, pool)

	assert.Equal(t, "abcd", string(result.Stdout))
	assert.Equal(t, "abcdefgh", joined(outputs, protocol.StreamStdout), "live output is not truncated")
}

// TestTimeout tests job timeout mechanism
func TestTimeout(t *testing.T) {
	pool := newTestPool(t, 1, 0)

	spec := types.JobSpec{Command: "sleep", Args: []string{"30"}, Timeout: 100 * time.Millisecond}
	require.NoError(t, pool.Submit(Task{JobID: 1, Spec: spec}))
	result, _ := nextResult(t, pool)

	assert.True(t, result.TimedOut)
	assert.False(t, result.Cancelled)
	assert.Equal(t, "timeout", result.Reason)
	assert.Less(t, result.Duration, 10*time.Second)
}

func TestCancelRunning(t *testing.T) {
	pool := newTestPool(t, 1, 0)

	require.NoError(t, pool.Submit(Task{JobID: 5, Spec: types.JobSpec{Command: "sleep", Args: []string{"30"}}}))
	require.Eventually(t, func() bool { return pool.Running() == 1 }, resultTimeout, 5*time.Millisecond)

	pool.Cancel(5)
	result, _ := nextResult(t, pool)

	assert.Equal(t, types.JobID(5), result.JobID)
	assert.True(t, result.Cancelled)
	assert.Equal(t, -1, result.ExitCode)
}

func TestCancelQueued(t *testing.T) {
	pool := newTestPool(t, 1, 0)

	require.NoError(t, pool.Submit(Task{JobID: 1, Spec: types.JobSpec{Command: "sleep", Args: []string{"30"}}}))
	require.Eventually(t, func() bool { return pool.Running() == 1 }, resultTimeout, 5*time.Millisecond)
	require.NoError(t, pool.Submit(Task{JobID: 2, Spec: shell("echo never")}))

	pool.Cancel(2)
	pool.Cancel(1)

	results := map[types.JobID]Result{}
	for i := 0; i < 2; i++ {
		r, _ := nextResult(t, pool)
		results[r.JobID] = r
	}
	assert.True(t, results[1].Cancelled)
	assert.True(t, results[2].Cancelled)
	assert.Empty(t, results[2].Stdout, "a cancelled queued job never starts")
}

// ============================================================================
// Concurrency Tests
// ============================================================================

// TestParallelism runs more jobs than runners and checks that at most
// parallel processes run at once
func TestParallelism(t *testing.T) {
	pool := newTestPool(t, 2, 0)

	for i := 1; i <= 4; i++ {
		require.NoError(t, pool.Submit(Task{JobID: types.JobID(i), Spec: shell("sleep 0.1")}))
	}

	peak := 0
	done := 0
	deadline := time.After(resultTimeout)
	for done < 4 {
		if n := pool.Running(); n > peak {
			peak = n
		}
		select {
		case r := <-pool.Results():
			assert.Equal(t, 0, r.ExitCode)
			done++
		case <-time.After(5 * time.Millisecond):
		case <-deadline:
			t.Fatal("timed out")
		}
	}
	assert.LessOrEqual(t, peak, 2)
}

func TestStopKillsRunning(t *testing.T) {
	pool := NewPool(4, 0, logging.Discard())
	require.NoError(t, pool.Start(1))
	require.NoError(t, pool.Submit(Task{JobID: 1, Spec: types.JobSpec{Command: "sleep", Args: []string{"30"}}}))
	require.Eventually(t, func() bool { return pool.Running() == 1 }, resultTimeout, 5*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		pool.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(resultTimeout):
		t.Fatal("Stop did not return")
	}
	assert.Equal(t, 0, pool.Running())
}

func TestMergeEnv(t *testing.T) {
	base := []string{"A=1", "B=2", "PATH=/bin"}
	out := mergeEnv(base, map[string]string{"B": "20", "C": "3"})
	assert.Equal(t, []string{"A=1", "PATH=/bin", "B=20", "C=3"}, out)
	assert.Equal(t, base, mergeEnv(base, nil))
}
