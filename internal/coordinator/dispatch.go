package coordinator

// ============================================================================
// 分派、竊取與任務結果處理
//
// 本檔所有方法都由 route 呼叫，呼叫方持有 c.mu。
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ChuLiYu/stealq/internal/jobmanager"
	"github.com/ChuLiYu/stealq/internal/journal"
	"github.com/ChuLiYu/stealq/internal/protocol"
	"github.com/ChuLiYu/stealq/internal/registry"
	"github.com/ChuLiYu/stealq/pkg/types"
)

// ============================================================================
// Worker 訊息
// ============================================================================

// handleHeartbeat 更新存活時間與主機負載
//
// 佇列長度以 coordinator 的指派紀錄為準，不採用 worker 回報的值。
func (c *Coordinator) handleHeartbeat(s *session, m *protocol.Heartbeat) error {
	load := m.Load
	load.LocalQueueLen = c.jobs.CountAssigned(s.id)
	if err := c.workers.Heartbeat(s.id, load); err != nil {
		if errors.Is(err, registry.ErrUnknownWorker) {
			return fmt.Errorf("heartbeat from evicted worker %s: %w", s.id, err)
		}
		return err
	}
	return nil
}

// dispatchLocked 回應 RequestWork
//
//  0. worker 佇列已滿 → NoWork
//  1. 中央佇列有任務 → OfferJob
//  2. 否則嘗試從最忙的 worker 竊取一個尚未啟動的任務
//  3. 都沒有 → NoWork，worker 等待 backoff 或 QueueChanged
func (c *Coordinator) dispatchLocked(s *session, out *outbox) {
	w, err := c.workers.Get(s.id)
	if err != nil {
		return
	}
	if w.LocalQueueLen >= w.Capacity {
		out.send(s, 0, &protocol.NoWork{})
		return
	}

	if job := c.jobs.TakeNext(s.id); job != nil {
		c.persistLocked(job, false)
		c.syncLoadLocked(s.id)
		c.metrics.RecordDispatch(false)
		out.send(s, 0, offerFor(job, false))
		c.notifyLocked(job, out)
		c.log.Debug("Job offered", "job", job.ID, "worker", s.id)
		return
	}

	if c.stealLocked(w, out) {
		return
	}
	out.send(s, 0, &protocol.NoWork{})
}

// stealLocked 從負載最高的 victim 竊取最後分派、仍未啟動的任務
//
// victim 依佇列長度遞減、id 遞增排序；負載差小於 StealMinGap 之後的 victim
// 都不可能符合條件。第一個 victim 沒有候選任務（全部都在執行中）時繼續找下一個。
func (c *Coordinator) stealLocked(thief types.WorkerInfo, out *outbox) bool {
	for _, v := range c.workers.Victims(thief.ID) {
		if v.LocalQueueLen-thief.LocalQueueLen < c.cfg.StealMinGap {
			return false
		}
		id, ok := c.jobs.StealCandidate(v.ID)
		if !ok {
			continue
		}
		if err := c.jobs.Reassign(id, v.ID, thief.ID); err != nil {
			c.log.Debug("Steal lost race", "job", id, "victim", v.ID, "error", err)
			continue
		}
		job, err := c.jobs.GetJob(id)
		if err != nil {
			continue
		}

		c.persistLocked(job, false)
		c.syncLoadLocked(v.ID)
		c.syncLoadLocked(thief.ID)
		c.metrics.RecordDispatch(true)

		out.send(c.sessions[v.ID], 0, &protocol.StealNotice{JobID: id})
		out.send(c.sessions[thief.ID], 0, offerFor(job, true))
		c.notifyLocked(job, out)
		c.log.Info("Job stolen",
			"job", id,
			"from", v.ID,
			"to", thief.ID,
			"victim_load", v.LocalQueueLen,
			"thief_load", thief.LocalQueueLen)
		return true
	}
	return false
}

// handleAccept 啟動握手：仍是 offered 給此 worker 才回 StartJob
func (c *Coordinator) handleAccept(s *session, m *protocol.AcceptJob, out *outbox) {
	if err := c.jobs.MarkRunning(m.JobID, s.id); err != nil {
		c.log.Debug("Start refused", "job", m.JobID, "worker", s.id, "error", err)
		out.send(s, 0, &protocol.StealNotice{JobID: m.JobID})
		return
	}
	job, _ := c.jobs.GetJob(m.JobID)
	c.persistLocked(job, false)
	c.syncLoadLocked(s.id)
	c.metrics.RecordStart(float64(job.StartedAt-job.SubmittedAt) / 1000)
	out.send(s, 0, &protocol.StartJob{JobID: m.JobID})
	c.notifyLocked(job, out)
	c.log.Debug("Job started", "job", job.ID, "worker", s.id, "attempt", job.Attempts)
}

// handleDecline worker 拒絕：放回佇列最前面並記住拒絕者
func (c *Coordinator) handleDecline(s *session, m *protocol.DeclineJob, out *outbox) {
	if err := c.jobs.Decline(m.JobID, s.id); err != nil {
		c.log.Debug("Ignoring decline", "job", m.JobID, "worker", s.id, "error", err)
		return
	}
	job, _ := c.jobs.GetJob(m.JobID)
	c.persistLocked(job, false)
	c.syncLoadLocked(s.id)
	c.metrics.RecordRequeue()
	c.notifyLocked(job, out)
	c.announceLocked(out)
	c.log.Info("Job declined", "job", m.JobID, "worker", s.id, "reason", m.Reason)
}

// handleOutput 轉發輸出給訂閱者
func (c *Coordinator) handleOutput(s *session, m *protocol.JobOutput, out *outbox) {
	job, err := c.jobs.GetJob(m.JobID)
	if err != nil || job.WorkerID != s.id {
		return
	}
	for sid, w := range c.watchers[m.JobID] {
		if w.output {
			out.send(c.sessions[sid], 0, m)
		}
	}
}

// handleResult 任務結束
//
//   - 任務已是終止狀態 → 重複結果，忽略
//   - 任務不屬於此 worker → 忽略
//   - Cancelled → cancelled；TimedOut → failed("timeout")
//   - Reason 非空（無法啟動或崩潰）→ 還有次數就重新排隊，否則 failed
//   - 非零退出碼且 RetryOnFailure → 還有次數就重新排隊
//   - 其他 → finished(exit code)
func (c *Coordinator) handleResult(s *session, m *protocol.JobResult, out *outbox) {
	job, err := c.jobs.GetJob(m.JobID)
	if err != nil {
		c.log.Debug("Result for unknown job", "job", m.JobID, "worker", s.id)
		return
	}
	if job.Status.IsTerminal() {
		c.log.Debug("Duplicate result ignored", "job", m.JobID, "status", job.Status)
		return
	}
	if job.WorkerID != s.id {
		c.log.Warn("Result from unassigned worker ignored", "job", m.JobID, "worker", s.id, "assigned", job.WorkerID)
		return
	}

	result := types.JobResult{
		ExitCode: m.ExitCode,
		Stdout:   m.Stdout,
		Stderr:   m.Stderr,
		Reason:   m.Reason,
	}
	retriesLeft := job.Attempts < c.maxAttempts(job)

	switch {
	case m.Cancelled:
		if result.Reason == "" {
			result.Reason = "cancelled"
		}
		err = c.jobs.MarkCancelled(m.JobID, result.Reason)
	case m.TimedOut:
		result.Reason = "timeout"
		err = c.jobs.MarkFailedWithResult(m.JobID, result)
	case m.Reason != "" && retriesLeft:
		err = c.requeueLocked(m.JobID, out)
	case m.Reason != "":
		result.Reason = fmt.Sprintf("%s (after %d attempts)", m.Reason, job.Attempts)
		if result.ExitCode == 0 {
			result.ExitCode = -1
		}
		err = c.jobs.MarkFailedWithResult(m.JobID, result)
	case m.ExitCode != 0 && job.Spec.RetryOnFailure && retriesLeft:
		err = c.requeueLocked(m.JobID, out)
	default:
		err = c.jobs.MarkFinished(m.JobID, result)
	}
	if err != nil {
		c.log.Error("Failed to apply job result", "job", m.JobID, "error", err)
		return
	}

	c.syncLoadLocked(s.id)
	c.afterChangeLocked(m.JobID, out)
}

// requeueLocked 重新排隊並喚醒閒置 worker
func (c *Coordinator) requeueLocked(id types.JobID, out *outbox) error {
	if err := c.jobs.Requeue(id); err != nil {
		return err
	}
	c.metrics.RecordRequeue()
	c.announceLocked(out)
	return nil
}

// ============================================================================
// Client 訊息
// ============================================================================

// handleSubmit 分配 ID 並加入中央佇列
func (c *Coordinator) handleSubmit(s *session, seq uint64, m *protocol.SubmitJob, out *outbox) {
	if strings.TrimSpace(m.Spec.Command) == "" {
		out.send(s, seq, &protocol.Response{Error: "empty command"})
		return
	}
	if m.Spec.Slots < 1 {
		m.Spec.Slots = 1
	}

	job := types.Job{
		ID:          c.nextID,
		Spec:        m.Spec,
		Status:      types.StatusPending,
		Owner:       s.id,
		SubmittedAt: c.now().UnixMilli(),
	}
	if err := c.jobs.Enqueue(job); err != nil {
		out.send(s, seq, &protocol.Response{Error: err.Error()})
		return
	}
	c.nextID++
	c.persistLocked(&job, true)
	c.metrics.RecordSubmit()

	if m.Observe {
		c.watchLocked(s.id, job.ID, true)
	}
	out.send(s, seq, &protocol.JobAccepted{JobID: job.ID})
	c.notifyLocked(&job, out)
	c.announceLocked(out)

	c.log.Info("Job submitted", "job", job.ID, "command", job.Spec.Command, "session", s.id)
}

// handleCancel 撤回任務；已分派的任務同時通知 worker
func (c *Coordinator) handleCancel(s *session, seq uint64, m *protocol.CancelJob, out *outbox) {
	job, err := c.jobs.GetJob(m.JobID)
	if err != nil {
		out.send(s, seq, &protocol.Response{Error: fmt.Sprintf("job %s: %v", m.JobID, err)})
		return
	}
	if job.Status.IsTerminal() {
		out.send(s, seq, &protocol.Response{Error: fmt.Sprintf("job %s is already %s", m.JobID, job.Status)})
		return
	}
	reason := m.Reason
	if reason == "" {
		reason = "cancelled by " + s.id
	}
	if err := c.cancelLocked(job, reason, out); err != nil {
		out.send(s, seq, &protocol.Response{Error: err.Error()})
		return
	}
	out.send(s, seq, &protocol.Response{OK: true, Count: 1})
}

// cancelLocked 取消一個非終止任務
func (c *Coordinator) cancelLocked(job *types.Job, reason string, out *outbox) error {
	worker := job.WorkerID
	if err := c.jobs.MarkCancelled(job.ID, reason); err != nil {
		return err
	}
	if worker != "" {
		c.syncLoadLocked(worker)
		out.send(c.sessions[worker], 0, &protocol.CancelJob{JobID: job.ID, Reason: reason})
	}
	c.afterChangeLocked(job.ID, out)
	c.log.Info("Job cancelled", "job", job.ID, "worker", worker, "reason", reason)
	return nil
}

func (c *Coordinator) handleList(s *session, seq uint64, m *protocol.ListJobs, out *outbox) {
	jobs := c.jobs.List(jobmanager.Filter{Statuses: m.Statuses, Limit: m.Limit})
	out.send(s, seq, &protocol.JobList{Jobs: jobs})
}

// handleShow 查詢單一任務；記憶體中沒有時查 archive
func (c *Coordinator) handleShow(s *session, seq uint64, m *protocol.ShowJob, out *outbox) {
	job, err := c.lookupLocked(m.JobID)
	if err != nil {
		out.send(s, seq, &protocol.Response{Error: fmt.Sprintf("job %s: %v", m.JobID, err)})
		return
	}
	out.send(s, seq, &protocol.JobStatus{Job: job})
}

// handleObserve 訂閱任務狀態；已終止的任務只回傳一次目前狀態
func (c *Coordinator) handleObserve(s *session, seq uint64, m *protocol.ObserveJob, out *outbox) {
	job, err := c.lookupLocked(m.JobID)
	if err != nil {
		out.send(s, seq, &protocol.Response{Error: fmt.Sprintf("job %s: %v", m.JobID, err)})
		return
	}
	if !job.Status.IsTerminal() {
		c.watchLocked(s.id, job.ID, m.Output)
	}
	out.send(s, seq, &protocol.JobStatus{Job: job})
}

// handleRemove 確認終止任務並封存；Kill 時先取消執行中的任務
func (c *Coordinator) handleRemove(s *session, seq uint64, m *protocol.RemoveJob, out *outbox) {
	job, err := c.jobs.GetJob(m.JobID)
	if err != nil {
		out.send(s, seq, &protocol.Response{Error: fmt.Sprintf("job %s: %v", m.JobID, err)})
		return
	}
	if !job.Status.IsTerminal() {
		if !m.Kill {
			out.send(s, seq, &protocol.Response{Error: fmt.Sprintf("job %s is %s; use kill to remove it", m.JobID, job.Status)})
			return
		}
		if err := c.cancelLocked(job, "removed by "+s.id, out); err != nil {
			out.send(s, seq, &protocol.Response{Error: err.Error()})
			return
		}
	}
	removed, err := c.jobs.Remove(m.JobID)
	if err != nil {
		out.send(s, seq, &protocol.Response{Error: err.Error()})
		return
	}
	c.retireLocked(removed)
	out.send(s, seq, &protocol.Response{OK: true, Count: 1})
}

// handleClean 封存所有終止任務
func (c *Coordinator) handleClean(s *session, seq uint64, out *outbox) {
	n := c.purgeLocked(c.now())
	out.send(s, seq, &protocol.Response{OK: true, Count: n})
}

// ============================================================================
// 驅逐與逾時
// ============================================================================

// evictLocked 驅逐 worker：已啟動次數用盡的任務失敗，其餘重新排隊
func (c *Coordinator) evictLocked(id, reason string, out *outbox) {
	if _, err := c.workers.Evict(id); err != nil {
		return
	}
	c.metrics.RecordEviction()

	requeued, failed := 0, 0
	for _, job := range c.jobs.Assigned(id) {
		var err error
		if job.Status == types.StatusRunning && job.Attempts >= c.maxAttempts(job) {
			err = c.jobs.MarkFailed(job.ID, fmt.Sprintf("worker %s lost (%s) after %d attempts", id, reason, job.Attempts))
			failed++
		} else {
			err = c.jobs.Requeue(job.ID)
			c.metrics.RecordRequeue()
			requeued++
		}
		if err != nil {
			c.log.Error("Failed to reschedule job of evicted worker", "job", job.ID, "worker", id, "error", err)
			continue
		}
		c.afterChangeLocked(job.ID, out)
	}
	if requeued > 0 {
		c.announceLocked(out)
	}

	if s, ok := c.sessions[id]; ok {
		delete(c.sessions, id)
		out.closeConn(s)
	}
	c.log.Warn("Worker evicted", "worker", id, "reason", reason, "requeued", requeued, "failed", failed)
}

// timeoutJobLocked 任務超過自身的執行上限（worker 端逾時沒有生效）
func (c *Coordinator) timeoutJobLocked(id types.JobID, out *outbox) {
	job, err := c.jobs.GetJob(id)
	if err != nil {
		return
	}
	if err := c.jobs.MarkFailed(id, "timeout"); err != nil {
		return
	}
	c.syncLoadLocked(job.WorkerID)
	out.send(c.sessions[job.WorkerID], 0, &protocol.CancelJob{JobID: id, Reason: "timeout"})
	c.afterChangeLocked(id, out)
	c.log.Warn("Job timed out", "job", id, "worker", job.WorkerID, "timeout", job.Spec.Timeout)
}

// ============================================================================
// 輔助方法
// ============================================================================

func offerFor(job *types.Job, stolen bool) *protocol.OfferJob {
	return &protocol.OfferJob{
		JobID:   job.ID,
		Spec:    job.Spec,
		Attempt: job.Attempts + 1,
		Stolen:  stolen,
	}
}

func (c *Coordinator) maxAttempts(job *types.Job) int {
	if job.Spec.MaxAttempts > 0 {
		return job.Spec.MaxAttempts
	}
	return c.cfg.MaxAttempts
}

// syncLoadLocked 把 coordinator 的指派數寫回 registry
func (c *Coordinator) syncLoadLocked(workerID string) {
	if workerID == "" {
		return
	}
	c.workers.SetQueueLen(workerID, c.jobs.CountAssigned(workerID))
}

// afterChangeLocked 任務狀態變更後的共同步驟：寫 journal、更新 metrics、通知訂閱者
func (c *Coordinator) afterChangeLocked(id types.JobID, out *outbox) {
	job, err := c.jobs.GetJob(id)
	if err != nil {
		return
	}
	c.persistLocked(job, job.Status.IsTerminal())
	if job.Status.IsTerminal() {
		run := -1.0
		if job.StartedAt > 0 {
			run = float64(job.FinishedAt-job.StartedAt) / 1000
		}
		c.metrics.RecordTerminal(string(job.Status), run)
		c.log.Info("Job completed", "job", job.ID, "status", job.Status, "exit_code", job.Result.ExitCode, "worker", job.WorkerID)
	}
	c.notifyLocked(job, out)
}

// announceLocked 通知有空位的 worker 佇列有任務
func (c *Coordinator) announceLocked(out *outbox) {
	pending := len(c.jobs.PendingIDs())
	if pending == 0 {
		return
	}
	for _, w := range c.workers.List() {
		if w.LocalQueueLen < w.Capacity {
			out.send(c.sessions[w.ID], 0, &protocol.QueueChanged{Pending: pending})
		}
	}
}

func (c *Coordinator) watchLocked(sessionID string, id types.JobID, output bool) {
	set, ok := c.watchers[id]
	if !ok {
		set = make(map[string]watch)
		c.watchers[id] = set
	}
	if prev, ok := set[sessionID]; ok && prev.output {
		output = true
	}
	set[sessionID] = watch{output: output}
}

func (c *Coordinator) unwatchAllLocked(sessionID string) {
	for id, set := range c.watchers {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(c.watchers, id)
		}
	}
}

// notifyLocked 推送 JobStatus 給訂閱者；終止後取消訂閱
func (c *Coordinator) notifyLocked(job *types.Job, out *outbox) {
	for sid := range c.watchers[job.ID] {
		out.send(c.sessions[sid], 0, &protocol.JobStatus{Job: job.Clone()})
	}
	if job.Status.IsTerminal() {
		delete(c.watchers, job.ID)
	}
}

func (c *Coordinator) lookupLocked(id types.JobID) (*types.Job, error) {
	job, err := c.jobs.GetJob(id)
	if err == nil {
		return job, nil
	}
	if job, ok := c.retiring[id]; ok {
		return job, nil
	}
	if c.archive != nil {
		if archived, aerr := c.archive.Get(context.Background(), id); aerr == nil {
			return archived, nil
		}
	}
	return nil, err
}

// purgeLocked 移除 cutoff 之前結束的終止任務並排入封存
func (c *Coordinator) purgeLocked(cutoff time.Time) int {
	removed := c.jobs.Purge(cutoff)
	for _, job := range removed {
		c.retireLocked(job)
	}
	return len(removed)
}

// retireLocked 已從記憶體移除的任務：寫 REMOVE 事件並排入封存
//
// 實際寫入 archive 由 flushArchive 在鎖外完成。
func (c *Coordinator) retireLocked(job *types.Job) {
	if c.journal != nil {
		if err := c.journal.Append(journal.EventRemove, job, false); err != nil {
			c.log.Error("Failed to append REMOVE event", "job", job.ID, "error", err)
		}
	}
	delete(c.watchers, job.ID)
	if c.archive != nil {
		c.retiring[job.ID] = job
		c.toArchive = append(c.toArchive, job)
	}
}

// flushArchive 以單一交易寫入待封存的任務；呼叫方不可持有 c.mu
func (c *Coordinator) flushArchive() {
	if c.archive == nil {
		return
	}
	c.mu.Lock()
	batch := c.toArchive
	c.toArchive = nil
	c.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	if err := c.archive.PutAll(context.Background(), batch); err != nil {
		c.log.Error("Failed to archive jobs", "count", len(batch), "error", err)
	}

	c.mu.Lock()
	for _, job := range batch {
		delete(c.retiring, job.ID)
	}
	c.mu.Unlock()
}

// persistLocked 寫 UPSERT 事件
func (c *Coordinator) persistLocked(job *types.Job, force bool) {
	if c.journal == nil || job == nil {
		return
	}
	if err := c.journal.Append(journal.EventUpsert, job, force); err != nil {
		c.log.Error("Failed to append UPSERT event", "job", job.ID, "error", err)
	}
}
