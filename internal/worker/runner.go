// ============================================================================
// stealq Runner - Child Process Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: runner.go
// Function: Execution unit that spawns job processes; each runner is an
// independent goroutine owned by the Pool
//
// How it works:
//   Each runner continuously executes the following loop:
//   1. Receive task from taskCh (blocking wait, exits on pool stop)
//   2. Spawn the child process (command, args, cwd, env overrides)
//   3. Stream stdout/stderr chunks to the pool's output channel
//   4. Wait for exit and send Result to resultCh
//
// Timeout and cancellation:
//   - Spec.Timeout wraps the process context in context.WithTimeout
//   - Pool.Cancel cancels the per-job context and marks the run cancelled
//   - exec.CommandContext kills the process when its context is done;
//     WaitDelay bounds how long Wait blocks on pipes held by grandchildren
//
// Output capture:
//   Every chunk is forwarded live; the first maxOutput bytes of each stream
//   are also kept for the final Result.
//
// ============================================================================

package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/stealq/internal/protocol"
	"github.com/ChuLiYu/stealq/pkg/types"
)

// waitDelay bounds Wait after the process was killed or exited while a
// grandchild still holds its output pipes.
const waitDelay = 2 * time.Second

// run tracks one executing task so the pool can cancel it
type run struct {
	cancel    context.CancelFunc
	cancelled atomic.Bool
}

// runner represents an execution unit
type runner struct {
	id   int   // runner index, used for logging and debugging
	pool *Pool // owning pool: channels, run table, limits
}

func newRunner(id int, pool *Pool) *runner {
	return &runner{id: id, pool: pool}
}

// loop receives tasks until the pool stops
func (r *runner) loop() {
	for {
		select {
		case <-r.pool.stopCh:
			return
		case task := <-r.pool.taskCh:
			result := r.execute(task)
			select {
			case r.pool.resultCh <- result:
			case <-r.pool.stopCh:
				return
			}
		}
	}
}

// execute runs one task to completion
func (r *runner) execute(task Task) Result {
	start := time.Now()
	result := Result{JobID: task.JobID}

	ctx, cancel := context.WithCancel(context.Background())
	rn := &run{cancel: cancel}
	if reason := r.pool.track(task.JobID, rn); reason != "" {
		cancel()
		result.ExitCode = -1
		result.Cancelled = true
		result.Reason = reason
		return result
	}
	defer r.pool.untrack(task.JobID)
	defer cancel()

	if task.Spec.Timeout > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, task.Spec.Timeout)
		defer stop()
	}

	stdout := r.pool.newCapture(task.JobID, protocol.StreamStdout)
	stderr := r.pool.newCapture(task.JobID, protocol.StreamStderr)

	cmd := exec.CommandContext(ctx, task.Spec.Command, task.Spec.Args...)
	cmd.Dir = task.Spec.WorkDir
	cmd.Env = mergeEnv(os.Environ(), task.Spec.Env)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = waitDelay

	r.pool.log.Debug("Spawning job",
		"job", task.JobID,
		"attempt", task.Attempt,
		"runner", r.id,
		"command", task.Spec.Command)

	if err := cmd.Start(); err != nil {
		result.ExitCode = -1
		result.Reason = fmt.Sprintf("spawn failed: %v", err)
		if rn.cancelled.Load() {
			// cancelled between track and Start
			result.Cancelled = true
			result.Reason = "cancelled"
		}
		result.Duration = time.Since(start)
		return result
	}
	err := cmd.Wait()

	result.Stdout = stdout.Bytes()
	result.Stderr = stderr.Bytes()
	result.Duration = time.Since(start)
	result.ExitCode = exitCode(cmd, err)

	switch {
	case rn.cancelled.Load():
		result.Cancelled = true
		result.Reason = "cancelled"
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		result.TimedOut = true
		result.Reason = "timeout"
	case err != nil && !isExit(err):
		result.Reason = fmt.Sprintf("wait failed: %v", err)
	}
	return result
}

func isExit(err error) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr)
}

// exitCode returns the process exit status; -1 when killed by a signal or
// when the status is unavailable
func exitCode(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if err == nil {
		return 0
	}
	return -1
}

// mergeEnv overlays overrides on base, replacing existing keys
func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, ok := overrides[key]; ok {
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+overrides[k])
	}
	return out
}

// ============================================================================
// Output capture
// ============================================================================

// capture forwards chunks and keeps the first limit bytes. exec.Cmd copies
// each stream from its own goroutine, so a capture has a single writer.
type capture struct {
	jobID  types.JobID
	stream protocol.Stream
	limit  int
	buf    bytes.Buffer
	emit   func(Output)
}

func (c *capture) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	c.emit(Output{JobID: c.jobID, Stream: c.stream, Data: append([]byte(nil), p...)})
	if room := c.limit - c.buf.Len(); room > 0 {
		if len(p) > room {
			c.buf.Write(p[:room])
		} else {
			c.buf.Write(p)
		}
	}
	return len(p), nil
}

func (c *capture) Bytes() []byte {
	if c.buf.Len() == 0 {
		return nil
	}
	return append([]byte(nil), c.buf.Bytes()...)
}
