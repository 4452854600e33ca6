package client

import (
	"bytes"
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/stealq/internal/archive"
	"github.com/ChuLiYu/stealq/internal/coordinator"
	"github.com/ChuLiYu/stealq/internal/logging"
	"github.com/ChuLiYu/stealq/internal/sampler"
	"github.com/ChuLiYu/stealq/internal/transport"
	"github.com/ChuLiYu/stealq/internal/worker"
	"github.com/ChuLiYu/stealq/pkg/types"
)

const testTimeout = 5 * time.Second

type fixture struct {
	t     *testing.T
	coord *coordinator.Coordinator
	cl    *Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	arch, err := archive.Open(context.Background(), filepath.Join(t.TempDir(), "archive.db"), logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { arch.Close() })

	c := coordinator.New(coordinator.Config{HeartbeatInterval: 50 * time.Millisecond}, coordinator.Options{
		Archive: arch,
		Logger:  logging.Discard(),
	})
	t.Cleanup(c.Stop)

	f := &fixture{t: t, coord: c}
	f.cl = f.dial()
	return f
}

func (f *fixture) dial() *Client {
	f.t.Helper()
	a, b := transport.Pipe()
	go f.coord.ServeConn(a)
	cl, err := New(b, Options{Logger: logging.Discard()})
	require.NoError(f.t, err)
	f.t.Cleanup(func() { cl.Close() })
	return cl
}

// startWorker runs a worker agent against the coordinator until the test ends
func (f *fixture) startWorker(name string) {
	f.t.Helper()
	dial := func(ctx context.Context) (transport.Conn, error) {
		a, b := transport.Pipe()
		go f.coord.ServeConn(a)
		return b, nil
	}
	agent := worker.New(worker.Config{Name: name, Capacity: 2, Parallel: 2, Backoff: 20 * time.Millisecond},
		dial, sampler.NewStatic(sampler.Reading{CPUs: 1}), logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		agent.Run(ctx)
	}()
	f.t.Cleanup(func() {
		cancel()
		<-done
	})
	require.Eventually(f.t, func() bool { return agent.ID() != "" }, testTimeout, 5*time.Millisecond)
}

func ctx(t *testing.T) context.Context {
	c, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return c
}

// lockedBuffer is written by the read goroutine and read by the test
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func sh(script string) types.JobSpec {
	return types.JobSpec{Command: "/bin/sh", Args: []string{"-c", script}}
}

// ============================================================================
// Requests
// ============================================================================

func TestSubmitShowList(t *testing.T) {
	f := newFixture(t)
	assert.NotEmpty(t, f.cl.ID())

	id1, err := f.cl.Submit(ctx(t), types.JobSpec{Command: "true", Label: "first"})
	require.NoError(t, err)
	id2, err := f.cl.Submit(ctx(t), types.JobSpec{Command: "false"})
	require.NoError(t, err)
	assert.Greater(t, id2, id1)

	job, err := f.cl.Show(ctx(t), id1)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, job.Status)
	assert.Equal(t, "first", job.Spec.Label)

	jobs, err := f.cl.List(ctx(t), nil, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, id1, jobs[0].ID)

	jobs, err = f.cl.List(ctx(t), []types.JobStatus{types.StatusPending}, 1)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	jobs, err = f.cl.List(ctx(t), []types.JobStatus{types.StatusRunning}, 0)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestRequestErrors(t *testing.T) {
	f := newFixture(t)

	_, err := f.cl.Show(ctx(t), 404)
	assert.ErrorIs(t, err, ErrRequestFailed)

	assert.ErrorIs(t, f.cl.Cancel(ctx(t), 404, ""), ErrRequestFailed)

	_, err = f.cl.Submit(ctx(t), types.JobSpec{})
	assert.ErrorIs(t, err, ErrRequestFailed, "a job without a command is rejected")

	_, err = f.cl.Worker(ctx(t), "nobody")
	assert.ErrorIs(t, err, ErrWorkerNotFound)
}

func TestCancelAndRemove(t *testing.T) {
	f := newFixture(t)

	id, err := f.cl.Submit(ctx(t), types.JobSpec{Command: "true"})
	require.NoError(t, err)

	err = f.cl.Remove(ctx(t), id, false)
	assert.ErrorIs(t, err, ErrRequestFailed, "an active job needs kill")

	require.NoError(t, f.cl.Cancel(ctx(t), id, "not needed"))
	job, err := f.cl.Show(ctx(t), id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, job.Status)

	assert.ErrorIs(t, f.cl.Cancel(ctx(t), id, ""), ErrRequestFailed, "already cancelled")

	require.NoError(t, f.cl.Remove(ctx(t), id, false))
	jobs, err := f.cl.List(ctx(t), nil, 0)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	archived, err := f.cl.Show(ctx(t), id)
	require.NoError(t, err, "removed jobs are served from the archive")
	assert.Equal(t, types.StatusCancelled, archived.Status)
}

func TestRemoveWithKill(t *testing.T) {
	f := newFixture(t)

	id, err := f.cl.Submit(ctx(t), types.JobSpec{Command: "true"})
	require.NoError(t, err)
	require.NoError(t, f.cl.Remove(ctx(t), id, true))

	jobs, err := f.cl.List(ctx(t), nil, 0)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestClean(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 3; i++ {
		id, err := f.cl.Submit(ctx(t), types.JobSpec{Command: "true"})
		require.NoError(t, err)
		if i < 2 {
			require.NoError(t, f.cl.Cancel(ctx(t), id, ""))
		}
	}

	n, err := f.cl.Clean(ctx(t))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	jobs, err := f.cl.List(ctx(t), nil, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, types.StatusPending, jobs[0].Status)
}

func TestWorkers(t *testing.T) {
	f := newFixture(t)

	workers, err := f.cl.Workers(ctx(t))
	require.NoError(t, err)
	assert.Empty(t, workers)

	f.startWorker("alpha")
	f.startWorker("beta")

	workers, err = f.cl.Workers(ctx(t))
	require.NoError(t, err)
	require.Len(t, workers, 2)
	assert.Equal(t, "alpha", workers[0].ID)
	assert.Equal(t, "beta", workers[1].ID)

	w, err := f.cl.Worker(ctx(t), "beta")
	require.NoError(t, err)
	assert.Equal(t, 2, w.Capacity)
}

// ============================================================================
// Following jobs
// ============================================================================

func TestRunStreamsOutput(t *testing.T) {
	f := newFixture(t)
	f.startWorker("w1")

	var stdout, stderr lockedBuffer
	id, job, err := f.cl.Run(ctx(t), sh("echo out; echo err >&2; exit 2"), &stdout, &stderr)
	require.NoError(t, err)

	assert.NotZero(t, id)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, types.StatusFinished, job.Status)
	require.NotNil(t, job.Result)
	assert.Equal(t, 2, job.Result.ExitCode)
	assert.Equal(t, "out\n", stdout.String())
	assert.Equal(t, "err\n", stderr.String())
}

func TestWait(t *testing.T) {
	f := newFixture(t)

	id, err := f.cl.Submit(ctx(t), sh("echo done"))
	require.NoError(t, err)

	type waited struct {
		job *types.Job
		err error
	}
	ch := make(chan waited, 1)
	go func() {
		job, err := f.cl.Wait(ctx(t), id)
		ch <- waited{job, err}
	}()

	// the job is only picked up once a worker connects
	f.startWorker("w1")

	select {
	case w := <-ch:
		require.NoError(t, w.err)
		assert.Equal(t, types.StatusFinished, w.job.Status)
		assert.Equal(t, "done\n", string(w.job.Result.Stdout))
	case <-time.After(testTimeout):
		t.Fatal("Wait did not return")
	}
}

func TestWaitFromAnotherClient(t *testing.T) {
	f := newFixture(t)
	f.startWorker("w1")
	other := f.dial()

	id, err := f.cl.Submit(ctx(t), sh("sleep 0.1"))
	require.NoError(t, err)

	job, err := other.Wait(ctx(t), id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFinished, job.Status)
}

func TestTailFinishedJobWritesResult(t *testing.T) {
	f := newFixture(t)
	f.startWorker("w1")

	id, err := f.cl.Submit(ctx(t), sh("echo captured"))
	require.NoError(t, err)
	_, err = f.cl.Wait(ctx(t), id)
	require.NoError(t, err)

	var stdout bytes.Buffer
	job, err := f.cl.Tail(ctx(t), id, &stdout, nil)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFinished, job.Status)
	assert.Equal(t, "captured\n", stdout.String())
}

func TestWaitHonoursContext(t *testing.T) {
	f := newFixture(t)

	id, err := f.cl.Submit(ctx(t), types.JobSpec{Command: "true"})
	require.NoError(t, err)

	short, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = f.cl.Wait(short, id)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClosedAfterCoordinatorStops(t *testing.T) {
	f := newFixture(t)

	f.coord.Stop()

	select {
	case <-f.cl.done:
	case <-time.After(testTimeout):
		t.Fatal("client did not notice the closed connection")
	}

	_, err := f.cl.Submit(ctx(t), types.JobSpec{Command: "true"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRejectedWithoutSecret(t *testing.T) {
	c := coordinator.New(coordinator.Config{SharedSecret: "s3cret"}, coordinator.Options{Logger: logging.Discard()})
	t.Cleanup(c.Stop)

	a, b := transport.Pipe()
	go c.ServeConn(a)
	_, err := New(b, Options{Logger: logging.Discard()})
	assert.ErrorIs(t, err, transport.ErrRejected)

	a, b = transport.Pipe()
	go c.ServeConn(a)
	cl, err := New(b, Options{Secret: "s3cret", Logger: logging.Discard()})
	require.NoError(t, err)
	cl.Close()
}
