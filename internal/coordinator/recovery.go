package coordinator

import (
	"fmt"
	"time"

	"github.com/ChuLiYu/stealq/internal/journal"
	"github.com/ChuLiYu/stealq/pkg/types"
)

// restoreState 從快照與 journal 恢復任務狀態
//
// 流程：
//  1. snapshot.Load() - 沒有快照時得到空狀態
//  2. journal.Replay() - 只套用 Seq > snapshot.LastSeq 的事件（UPSERT 覆蓋、REMOVE 刪除）
//  3. 崩潰前 offered/running 的任務重新排隊；已用盡啟動次數的 running 任務標記失敗
//  4. 立即寫一次快照並截斷 journal
func (c *Coordinator) restoreState() error {
	if c.snapshot == nil && c.journal == nil {
		return nil
	}
	start := time.Now()

	data := types.SnapshotData{Jobs: make(map[types.JobID]*types.Job), NextID: 1}
	if c.snapshot != nil {
		loaded, err := c.snapshot.Load()
		if err != nil {
			return fmt.Errorf("load snapshot %s: %w", c.snapshot.Path(), err)
		}
		data = loaded
	}
	if c.journal != nil {
		c.journal.AdvanceTo(data.LastSeq)
	}

	jobs := data.Jobs
	next := data.NextID
	replayed := 0
	if c.journal != nil {
		err := c.journal.Replay(func(e journal.Event) error {
			if e.Seq <= data.LastSeq {
				return nil
			}
			replayed++
			switch e.Type {
			case journal.EventUpsert:
				if e.Job != nil {
					jobs[e.JobID] = e.Job
				}
			case journal.EventRemove:
				delete(jobs, e.JobID)
			}
			if e.JobID >= next {
				next = e.JobID + 1
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("replayJournal failed: %w", err)
		}
	}

	requeued, failed := 0, 0
	now := c.now().UnixMilli()
	for id, job := range jobs {
		if id >= next {
			next = id + 1
		}
		switch job.Status {
		case types.StatusOffered, types.StatusRunning:
			if job.Status == types.StatusRunning && job.Attempts >= c.maxAttempts(job) {
				job.Status = types.StatusFailed
				job.FinishedAt = now
				job.Result = &types.JobResult{ExitCode: -1, Reason: "coordinator restarted while running"}
				failed++
				continue
			}
			job.Status = types.StatusPending
			job.WorkerID = ""
			job.DispatchedAt = 0
			job.StartedAt = 0
			requeued++
		}
	}

	c.mu.Lock()
	c.jobs.Restore(jobs)
	c.nextID = next
	c.mu.Unlock()

	recoveryTime := time.Since(start)
	c.metrics.SetRecoveryTime(recoveryTime.Seconds())
	c.log.Info("Recovery completed",
		"duration", recoveryTime,
		"jobs", len(jobs),
		"replayed_events", replayed,
		"requeued_jobs", requeued,
		"failed_jobs", failed,
		"next_id", next)

	if c.snapshot != nil && c.journal != nil {
		if err := c.takeSnapshot(); err != nil {
			return fmt.Errorf("post-recovery snapshot failed: %w", err)
		}
	}
	return nil
}
