// ============================================================================
// stealq 整合測試輔助函式
// ============================================================================
//
// Package: test/integration
// 功能: 透過真實的 gRPC loopback 連線啟動 coordinator、worker 與 client
//
// ============================================================================

package integration

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/stealq/internal/client"
	"github.com/ChuLiYu/stealq/internal/coordinator"
	"github.com/ChuLiYu/stealq/internal/journal"
	"github.com/ChuLiYu/stealq/internal/logging"
	"github.com/ChuLiYu/stealq/internal/snapshot"
	"github.com/ChuLiYu/stealq/internal/transport"
	"github.com/ChuLiYu/stealq/internal/worker"
	"github.com/ChuLiYu/stealq/pkg/types"
)

const testTimeout = 20 * time.Second

// node 一個帶持久化的 coordinator 與其 gRPC 監聽器
type node struct {
	coord *coordinator.Coordinator
	srv   *transport.Server
	addr  string
}

// startNode 在 dir 下開啟 journal（snapshots 為 true 時另加快照）並開始監聽
func startNode(t testing.TB, dir string, snapshots bool) *node {
	t.Helper()

	j, err := journal.Open(filepath.Join(dir, "journal.log"), 16, 20*time.Millisecond)
	require.NoError(t, err)

	opts := coordinator.Options{Journal: j, Logger: logging.Discard()}
	if snapshots {
		opts.Snapshot = snapshot.NewManager(filepath.Join(dir, "snapshot.json"))
	}
	coord := coordinator.New(coordinator.Config{
		HeartbeatInterval: 50 * time.Millisecond,
		StealMinGap:       1,
	}, opts)
	require.NoError(t, coord.Start())

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := transport.NewServer(coord)
	go srv.Serve(lis)

	n := &node{coord: coord, srv: srv, addr: lis.Addr().String()}
	t.Cleanup(n.stop)
	return n
}

// stop 可重複呼叫
func (n *node) stop() {
	n.coord.Stop()
	n.srv.Stop()
}

func dialClient(t testing.TB, addr string) *client.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)

	cl, err := client.Dial(ctx, addr, client.Options{Logger: logging.Discard()})
	require.NoError(t, err)
	t.Cleanup(func() { cl.Close() })
	return cl
}

// startWorker 執行一個 worker agent 直到測試結束
func startWorker(t testing.TB, addr, name string, capacity, parallel int) {
	t.Helper()
	agent := worker.New(worker.Config{
		Name:     name,
		Capacity: capacity,
		Parallel: parallel,
		Backoff:  20 * time.Millisecond,
	}, func(ctx context.Context) (transport.Conn, error) {
		return transport.Dial(ctx, addr)
	}, nil, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		agent.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// waitAll 等待所有任務結束
func waitAll(t testing.TB, cl *client.Client, ids []types.JobID) []*types.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	jobs := make([]*types.Job, 0, len(ids))
	for _, id := range ids {
		job, err := cl.Wait(ctx, id)
		require.NoError(t, err, "job %s", id)
		jobs = append(jobs, job)
	}
	return jobs
}
