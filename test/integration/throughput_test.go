package integration

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/stealq/pkg/types"
)

// TestManyWorkersDrainQueue 多個 worker 透過 gRPC 分擔一批短任務
func TestManyWorkersDrainQueue(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping throughput test in short mode")
	}

	n := startNode(t, t.TempDir(), true)
	for _, name := range []string{"w1", "w2", "w3"} {
		startWorker(t, n.addr, name, 4, 1)
	}

	cl := dialClient(t, n.addr)
	var ids []types.JobID
	for i := 0; i < 30; i++ {
		id, err := cl.Submit(context.Background(), types.JobSpec{Command: "sleep", Args: []string{"0.05"}})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	perWorker := make(map[string]int)
	for _, job := range waitAll(t, cl, ids) {
		require.Equal(t, types.StatusFinished, job.Status, "job %s", job.ID)
		perWorker[job.WorkerID]++
	}
	t.Logf("jobs per worker: %v", perWorker)
	assert.GreaterOrEqual(t, len(perWorker), 2, "work should be spread across workers")
}

// BenchmarkSubmit 測量經 gRPC 提交並寫入 journal 的速度
func BenchmarkSubmit(b *testing.B) {
	n := startNode(b, b.TempDir(), true)
	cl := dialClient(b, n.addr)
	spec := types.JobSpec{Command: "true"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := cl.Submit(context.Background(), spec); err != nil {
			b.Fatal(err)
		}
	}
	b.StopTimer()
}
