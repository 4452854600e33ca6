package jobmanager

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/stealq/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// newTestJob creates a pending test Job
func newTestJob(id types.JobID) types.Job {
	return types.Job{
		ID:   id,
		Spec: types.JobSpec{Command: "echo", Args: []string{"hi"}},
	}
}

// assertNoError asserts no error occurred
func assertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// assertError asserts a specific error occurred
func assertError(t *testing.T, err error, want error) {
	t.Helper()
	if err == nil {
		t.Errorf("expected error %v, got nil", want)
		return
	}
	if !errors.Is(err, want) {
		t.Errorf("expected error %v, got %v", want, err)
	}
}

// assertJobStatus asserts job status
func assertJobStatus(t *testing.T, jm *JobManager, jobID types.JobID, want types.JobStatus) {
	t.Helper()
	job, err := jm.GetJob(jobID)
	if err != nil {
		t.Errorf("job %s not found", jobID)
		return
	}
	if job.Status != want {
		t.Errorf("job %s status: got %s, want %s", jobID, job.Status, want)
	}
}

func enqueueN(t *testing.T, jm *JobManager, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		assertNoError(t, jm.Enqueue(newTestJob(types.JobID(i))))
	}
}

// ============================================================================
// Unit Tests
// ============================================================================

func TestEnqueue(t *testing.T) {
	jm := NewJobManager()

	assertNoError(t, jm.Enqueue(newTestJob(1)))
	assertJobStatus(t, jm, 1, types.StatusPending)

	job, _ := jm.GetJob(1)
	if job.SubmittedAt == 0 {
		t.Error("SubmittedAt not set")
	}
	if got := jm.PendingIDs(); len(got) != 1 || got[0] != 1 {
		t.Errorf("queue: got %v, want [1]", got)
	}
}

func TestEnqueueDuplicate(t *testing.T) {
	jm := NewJobManager()
	assertNoError(t, jm.Enqueue(newTestJob(1)))
	assertError(t, jm.Enqueue(newTestJob(1)), ErrDuplicateJob)
}

func TestEnqueueRejectsNonPending(t *testing.T) {
	jm := NewJobManager()
	job := newTestJob(1)
	job.Status = types.StatusRunning
	assertError(t, jm.Enqueue(job), ErrInvalidTransition)
}

func TestTakeNextFIFO(t *testing.T) {
	jm := NewJobManager()
	enqueueN(t, jm, 3)

	for want := types.JobID(1); want <= 3; want++ {
		job := jm.TakeNext("w1")
		if job == nil {
			t.Fatalf("TakeNext returned nil, want %d", want)
		}
		if job.ID != want {
			t.Errorf("TakeNext: got %d, want %d", job.ID, want)
		}
		if job.Status != types.StatusOffered || job.WorkerID != "w1" {
			t.Errorf("job %d: got %s/%q, want offered/w1", job.ID, job.Status, job.WorkerID)
		}
		if job.DispatchedAt < job.SubmittedAt {
			t.Errorf("job %d dispatched before submitted", job.ID)
		}
	}
	if job := jm.TakeNext("w1"); job != nil {
		t.Errorf("expected empty queue, got job %d", job.ID)
	}
}

func TestTakeNextSkipsDeclined(t *testing.T) {
	jm := NewJobManager()
	enqueueN(t, jm, 2)

	job := jm.TakeNext("w1")
	assertNoError(t, jm.Decline(job.ID, "w1"))

	next := jm.TakeNext("w1")
	if next == nil || next.ID != 2 {
		t.Fatalf("w1 should skip declined job 1, got %+v", next)
	}
	other := jm.TakeNext("w2")
	if other == nil || other.ID != 1 {
		t.Fatalf("w2 should receive job 1, got %+v", other)
	}
}

func TestConcurrentTakeNextNeverDuplicates(t *testing.T) {
	jm := NewJobManager()
	const jobs = 500
	enqueueN(t, jm, jobs)

	var (
		mu   sync.Mutex
		seen = make(map[types.JobID]string)
		wg   sync.WaitGroup
	)
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				job := jm.TakeNext(worker)
				if job == nil {
					return
				}
				mu.Lock()
				if prev, dup := seen[job.ID]; dup {
					t.Errorf("job %d handed to %s and %s", job.ID, prev, worker)
				}
				seen[job.ID] = worker
				mu.Unlock()
			}
		}(string(rune('a' + w)))
	}
	wg.Wait()

	if len(seen) != jobs {
		t.Errorf("dispatched %d jobs, want %d", len(seen), jobs)
	}
}

func TestMarkRunning(t *testing.T) {
	jm := NewJobManager()
	enqueueN(t, jm, 1)
	job := jm.TakeNext("w1")

	assertError(t, jm.MarkRunning(job.ID, "w2"), ErrInvalidTransition)
	assertNoError(t, jm.MarkRunning(job.ID, "w1"))
	assertJobStatus(t, jm, job.ID, types.StatusRunning)

	got, _ := jm.GetJob(job.ID)
	if got.Attempts != 1 {
		t.Errorf("attempts: got %d, want 1", got.Attempts)
	}
	assertError(t, jm.MarkRunning(job.ID, "w1"), ErrInvalidTransition)
	assertError(t, jm.MarkRunning(99, "w1"), ErrJobNotFound)
}

func TestRequeueInsertsAtFront(t *testing.T) {
	jm := NewJobManager()
	enqueueN(t, jm, 3)

	job := jm.TakeNext("w1")
	assertNoError(t, jm.MarkRunning(job.ID, "w1"))
	assertNoError(t, jm.Requeue(job.ID))

	assertJobStatus(t, jm, job.ID, types.StatusPending)
	got, _ := jm.GetJob(job.ID)
	if got.WorkerID != "" {
		t.Errorf("worker not cleared: %q", got.WorkerID)
	}
	if jm.CountAssigned("w1") != 0 {
		t.Errorf("w1 still holds %d jobs", jm.CountAssigned("w1"))
	}
	ids := jm.PendingIDs()
	if len(ids) != 3 || ids[0] != job.ID {
		t.Errorf("requeued job should be first, queue = %v", ids)
	}
}

func TestRequeueTerminal(t *testing.T) {
	jm := NewJobManager()
	enqueueN(t, jm, 1)
	job := jm.TakeNext("w1")
	assertNoError(t, jm.MarkFinished(job.ID, types.JobResult{}))

	assertError(t, jm.Requeue(job.ID), ErrInvalidTransition)
	assertError(t, jm.Requeue(42), ErrJobNotFound)
}

func TestMarkFinishedTransitions(t *testing.T) {
	jm := NewJobManager()
	enqueueN(t, jm, 2)

	// pending jobs cannot finish
	assertError(t, jm.MarkFinished(1, types.JobResult{}), ErrInvalidTransition)
	assertError(t, jm.MarkFailed(1, "boom"), ErrInvalidTransition)
	assertError(t, jm.MarkFinished(77, types.JobResult{}), ErrJobNotFound)

	job := jm.TakeNext("w1")
	assertNoError(t, jm.MarkRunning(job.ID, "w1"))
	assertNoError(t, jm.MarkFinished(job.ID, types.JobResult{ExitCode: 3, Stdout: []byte("out")}))

	got, _ := jm.GetJob(job.ID)
	if got.Status != types.StatusFinished || got.Result == nil || got.Result.ExitCode != 3 {
		t.Errorf("unexpected job after finish: %+v", got)
	}
	if got.WorkerID != "w1" {
		t.Errorf("finished job should remember worker, got %q", got.WorkerID)
	}
	if jm.CountAssigned("w1") != 0 {
		t.Error("finished job still counted as load")
	}
	assertError(t, jm.MarkFinished(job.ID, types.JobResult{}), ErrInvalidTransition)

	// offered jobs may fail directly (spawn failure)
	job2 := jm.TakeNext("w1")
	assertNoError(t, jm.MarkFailed(job2.ID, "spawn failed"))
	got2, _ := jm.GetJob(job2.ID)
	if got2.Result.Reason != "spawn failed" {
		t.Errorf("reason: got %q", got2.Result.Reason)
	}
}

func TestMarkCancelled(t *testing.T) {
	jm := NewJobManager()
	enqueueN(t, jm, 2)

	assertNoError(t, jm.MarkCancelled(1, "user"))
	assertJobStatus(t, jm, 1, types.StatusCancelled)
	if ids := jm.PendingIDs(); len(ids) != 1 || ids[0] != 2 {
		t.Errorf("cancelled pending job still queued: %v", ids)
	}

	job := jm.TakeNext("w1")
	assertNoError(t, jm.MarkCancelled(job.ID, "user"))
	if jm.CountAssigned("w1") != 0 {
		t.Error("cancelled job still assigned")
	}
	assertError(t, jm.MarkCancelled(job.ID, "again"), ErrInvalidTransition)
}

func TestReassign(t *testing.T) {
	jm := NewJobManager()
	enqueueN(t, jm, 1)
	job := jm.TakeNext("w1")

	assertError(t, jm.Reassign(job.ID, "w3", "w2"), ErrInvalidTransition)
	assertNoError(t, jm.Reassign(job.ID, "w1", "w2"))

	got, _ := jm.GetJob(job.ID)
	if got.WorkerID != "w2" || got.Status != types.StatusOffered {
		t.Errorf("after reassign: %q/%s", got.WorkerID, got.Status)
	}
	if jm.CountAssigned("w1") != 0 || jm.CountAssigned("w2") != 1 {
		t.Errorf("load: w1=%d w2=%d", jm.CountAssigned("w1"), jm.CountAssigned("w2"))
	}
}

func TestReassignRejectsRunning(t *testing.T) {
	jm := NewJobManager()
	enqueueN(t, jm, 1)
	job := jm.TakeNext("w1")
	assertNoError(t, jm.MarkRunning(job.ID, "w1"))

	assertError(t, jm.Reassign(job.ID, "w1", "w2"), ErrInvalidTransition)
}

func TestStealCandidate(t *testing.T) {
	jm := NewJobManager()
	enqueueN(t, jm, 3)

	a := jm.TakeNext("w1")
	b := jm.TakeNext("w1")
	c := jm.TakeNext("w1")

	id, ok := jm.StealCandidate("w1")
	if !ok || id != c.ID {
		t.Errorf("candidate: got %d,%v want most recently offered %d", id, ok, c.ID)
	}

	// running jobs are never candidates
	assertNoError(t, jm.MarkRunning(c.ID, "w1"))
	assertNoError(t, jm.MarkRunning(b.ID, "w1"))
	id, ok = jm.StealCandidate("w1")
	if !ok || id != a.ID {
		t.Errorf("candidate: got %d,%v want %d", id, ok, a.ID)
	}
	assertNoError(t, jm.MarkRunning(a.ID, "w1"))
	if _, ok := jm.StealCandidate("w1"); ok {
		t.Error("running jobs must not be steal candidates")
	}
}

func TestAssignedAndList(t *testing.T) {
	jm := NewJobManager()
	enqueueN(t, jm, 4)
	jm.TakeNext("w1")
	jm.TakeNext("w2")
	j3 := jm.TakeNext("w1")
	assertNoError(t, jm.MarkRunning(j3.ID, "w1"))

	assigned := jm.Assigned("w1")
	if len(assigned) != 2 || assigned[0].ID != 1 || assigned[1].ID != 3 {
		t.Errorf("assigned(w1) = %+v", assigned)
	}

	running := jm.List(Filter{Statuses: []types.JobStatus{types.StatusRunning}})
	if len(running) != 1 || running[0].ID != 3 {
		t.Errorf("running list = %+v", running)
	}
	all := jm.List(Filter{Limit: 2})
	if len(all) != 2 || all[0].ID != 3 || all[1].ID != 4 {
		t.Errorf("limited list should keep newest, got %+v", all)
	}

	stats := jm.Stats()
	if stats["pending"] != 1 || stats["offered"] != 2 || stats["running"] != 1 {
		t.Errorf("stats = %v", stats)
	}
}

func TestGetJobReturnsCopy(t *testing.T) {
	jm := NewJobManager()
	enqueueN(t, jm, 1)

	job, _ := jm.GetJob(1)
	job.Status = types.StatusFailed
	job.Spec.Args[0] = "mutated"

	assertJobStatus(t, jm, 1, types.StatusPending)
	again, _ := jm.GetJob(1)
	if again.Spec.Args[0] != "hi" {
		t.Error("GetJob leaked internal slice")
	}
}

func TestExpired(t *testing.T) {
	jm := NewJobManager()
	job := newTestJob(1)
	job.Spec.Timeout = time.Second
	assertNoError(t, jm.Enqueue(job))
	assertNoError(t, jm.Enqueue(newTestJob(2)))

	start := time.Now()
	jm.now = func() time.Time { return start }
	jm.TakeNext("w1")
	jm.TakeNext("w1")
	assertNoError(t, jm.MarkRunning(1, "w1"))
	assertNoError(t, jm.MarkRunning(2, "w1"))

	if got := jm.Expired(start.Add(500*time.Millisecond), 0); len(got) != 0 {
		t.Errorf("nothing should be expired yet, got %v", got)
	}
	if got := jm.Expired(start.Add(2*time.Second), 0); len(got) != 1 || got[0] != 1 {
		t.Errorf("expired = %v, want [1]", got)
	}
	if got := jm.Expired(start.Add(2*time.Second), 5*time.Second); len(got) != 0 {
		t.Errorf("grace ignored, got %v", got)
	}
}

func TestRemoveAndPurge(t *testing.T) {
	jm := NewJobManager()
	enqueueN(t, jm, 3)

	base := time.Now()
	jm.now = func() time.Time { return base }
	j1 := jm.TakeNext("w1")
	assertNoError(t, jm.MarkFinished(j1.ID, types.JobResult{}))

	jm.now = func() time.Time { return base.Add(time.Hour) }
	j2 := jm.TakeNext("w1")
	assertNoError(t, jm.MarkFailed(j2.ID, "x"))

	_, err := jm.Remove(3)
	assertError(t, err, ErrInvalidTransition)

	purged := jm.Purge(base.Add(time.Minute))
	if len(purged) != 1 || purged[0].ID != j1.ID {
		t.Errorf("purge = %+v", purged)
	}
	removed, err := jm.Remove(j2.ID)
	assertNoError(t, err)
	if removed.ID != j2.ID {
		t.Errorf("removed %d", removed.ID)
	}
	if _, err := jm.GetJob(j2.ID); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("job %d still present", j2.ID)
	}
}

func TestSnapshotRestore(t *testing.T) {
	jm := NewJobManager()
	enqueueN(t, jm, 4)
	offered := jm.TakeNext("w1")
	running := jm.TakeNext("w1")
	assertNoError(t, jm.MarkRunning(running.ID, "w1"))

	snap := jm.Snapshot()

	restored := NewJobManager()
	restored.Restore(snap)

	if ids := restored.PendingIDs(); len(ids) != 2 || ids[0] != 3 || ids[1] != 4 {
		t.Errorf("pending after restore = %v", ids)
	}
	if restored.CountAssigned("w1") != 2 {
		t.Errorf("assignment index not rebuilt: %d", restored.CountAssigned("w1"))
	}
	if id, ok := restored.StealCandidate("w1"); !ok || id != offered.ID {
		t.Errorf("steal candidate after restore = %d,%v", id, ok)
	}

	// snapshot must be a deep copy
	snap[1].Status = types.StatusFailed
	assertJobStatus(t, jm, 1, types.StatusOffered)
}
