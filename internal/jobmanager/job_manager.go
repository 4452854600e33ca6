// ============================================================================
// stealq 任務管理器 - 中央任務佇列與狀態機
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 管理任務的完整生命週期、中央待處理佇列與狀態轉換
//
// 任務狀態轉換 (State Machine):
//   Pending (待處理)
//      ↓ TakeNext()
//   Offered (已分派，尚未啟動) ──Reassign()──→ Offered (竊取，換 worker)
//      ↓ MarkRunning()
//   Running (執行中)
//      ↓ MarkFinished() / MarkFailed() / MarkCancelled()
//   Finished / Failed / Cancelled (終止)
//
//   任何非終止狀態都可以透過 Requeue() 回到 Pending，並插入佇列「最前面」，
//   讓已經等過一次的任務不被懲罰。
//
// 數據結構設計:
//   jobs map[JobID]*Job - 主存儲，單一真實來源
//   queue []JobID       - pending 任務佇列（FIFO，requeue 插到最前）
//   byWorker            - worker → 非終止任務索引，供驅逐與竊取使用
//   offerSeq            - 分派順序，竊取時挑最後分派的任務
//
// 不變量:
//   - queue 中的每個 ID 對應的任務狀態必定是 Pending
//   - 每個任務最多只有一個 worker（WorkerID）
//   - TakeNext 的「移出佇列 + 轉為 Offered」在同一把鎖內完成
//
// 並發安全:
//   - 使用 sync.RWMutex 保護所有數據結構
//   - 所有回傳的 *Job 都是拷貝，呼叫方無法繞過狀態機修改內部資料
//
// ============================================================================

package jobmanager

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/stealq/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 任務 ID 重複錯誤
	ErrDuplicateJob = errors.New("job already exists")
	// 任務不存在
	ErrJobNotFound = errors.New("job not found")
	// 非法狀態轉換
	ErrInvalidTransition = errors.New("invalid job status transition")
)

// TransitionError 描述一次被拒絕的狀態轉換，可用 errors.Is(err, ErrInvalidTransition) 判斷
type TransitionError struct {
	ID   types.JobID
	From types.JobStatus
	To   types.JobStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("job %s: cannot transition from %s to %s", e.ID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// ============================================================================
// 資料結構定義
// ============================================================================

// JobManager 代表任務管理器
type JobManager struct {
	mu       sync.RWMutex
	jobs     map[types.JobID]*types.Job
	queue    []types.JobID
	byWorker map[string]map[types.JobID]struct{}
	offerSeq map[types.JobID]uint64
	seq      uint64
	now      func() time.Time
}

// Filter 列表查詢條件
type Filter struct {
	Statuses []types.JobStatus // 空表示全部
	WorkerID string
	Limit    int // 0 表示不限
}

// NewJobManager 建立新的任務管理器實例
//
// 使用範例：
//
//	jm := NewJobManager()
//	err := jm.Enqueue(types.Job{ID: 1, Spec: types.JobSpec{Command: "echo"}})
//
// 併發安全：返回的實例是執行緒安全的
func NewJobManager() *JobManager {
	return &JobManager{
		jobs:     make(map[types.JobID]*types.Job),
		queue:    make([]types.JobID, 0),
		byWorker: make(map[string]map[types.JobID]struct{}),
		offerSeq: make(map[types.JobID]uint64),
		now:      time.Now,
	}
}

// ============================================================================
// 佇列操作
// ============================================================================

// Enqueue 將新任務加入系統並放到佇列尾端
//
// 參數說明：
//   - job: 完整的任務，狀態必須為空或 Pending
//
// 錯誤處理：
//   - ErrDuplicateJob: 任務 ID 已存在於系統中
//   - ErrInvalidTransition: 任務狀態不是 Pending
func (jm *JobManager) Enqueue(job types.Job) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if _, exists := jm.jobs[job.ID]; exists {
		return ErrDuplicateJob
	}
	if job.Status == "" {
		job.Status = types.StatusPending
	}
	if job.Status != types.StatusPending {
		return &TransitionError{ID: job.ID, From: job.Status, To: types.StatusPending}
	}
	if job.SubmittedAt == 0 {
		job.SubmittedAt = jm.now().UnixMilli()
	}
	job.WorkerID = ""

	stored := job.Clone()
	jm.jobs[job.ID] = stored
	jm.queue = append(jm.queue, job.ID)
	return nil
}

// TakeNext 原子地取出最早的待處理任務並轉為 Offered
//
// 參數說明：
//   - workerID: 接收任務的 worker；曾經拒絕過的任務會被跳過
//
// 返回值：
//   - *Job: 任務拷貝；沒有可用任務時回傳 nil
//
// 併發安全：移出佇列與狀態轉換在同一把鎖內完成，兩個 worker 不會拿到同一個任務
func (jm *JobManager) TakeNext(workerID string) *types.Job {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	for i, id := range jm.queue {
		job := jm.jobs[id]
		if declined(job, workerID) {
			continue
		}
		jm.queue = append(jm.queue[:i:i], jm.queue[i+1:]...)

		job.Status = types.StatusOffered
		job.DispatchedAt = jm.now().UnixMilli()
		jm.assignLocked(job, workerID)
		return job.Clone()
	}
	return nil
}

// MarkRunning 將 Offered 任務轉為 Running，並累計啟動次數
//
// 錯誤處理：
//   - ErrJobNotFound: 任務不存在
//   - ErrInvalidTransition: 任務不是 Offered，或不屬於 workerID
func (jm *JobManager) MarkRunning(jobID types.JobID, workerID string) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, ok := jm.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status != types.StatusOffered || job.WorkerID != workerID {
		return &TransitionError{ID: jobID, From: job.Status, To: types.StatusRunning}
	}

	job.Status = types.StatusRunning
	job.Attempts++
	job.StartedAt = jm.now().UnixMilli()
	job.DeclinedBy = nil
	delete(jm.offerSeq, jobID)
	return nil
}

// Reassign 竊取：把仍是 Offered 的任務從 from 轉給 to
//
// 在竊取的當下重新驗證狀態，而不是依賴掃描時讀到的資料。
func (jm *JobManager) Reassign(jobID types.JobID, from, to string) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, ok := jm.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status != types.StatusOffered || job.WorkerID != from {
		return &TransitionError{ID: jobID, From: job.Status, To: types.StatusOffered}
	}

	jm.unassignLocked(job)
	job.DispatchedAt = jm.now().UnixMilli()
	jm.assignLocked(job, to)
	return nil
}

// Decline 記錄 worker 拒絕此任務，並把任務放回佇列最前面
func (jm *JobManager) Decline(jobID types.JobID, workerID string) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, ok := jm.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status != types.StatusOffered || job.WorkerID != workerID {
		return &TransitionError{ID: jobID, From: job.Status, To: types.StatusPending}
	}
	if !declined(job, workerID) {
		job.DeclinedBy = append(job.DeclinedBy, workerID)
	}
	jm.requeueLocked(job)
	return nil
}

// Requeue 將任何非終止狀態的任務放回佇列最前面，並清除 worker 指派
//
// 錯誤處理：
//   - ErrJobNotFound: 任務不存在
//   - ErrInvalidTransition: 任務已經是終止狀態
func (jm *JobManager) Requeue(jobID types.JobID) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, ok := jm.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status.IsTerminal() {
		return &TransitionError{ID: jobID, From: job.Status, To: types.StatusPending}
	}
	if job.Status == types.StatusPending {
		return nil
	}
	jm.requeueLocked(job)
	return nil
}

// MarkFinished 子行程已退出（任何退出碼）
//
// 錯誤處理：
//   - ErrJobNotFound: 任務不存在
//   - ErrInvalidTransition: 任務不是 Offered/Running
func (jm *JobManager) MarkFinished(jobID types.JobID, result types.JobResult) error {
	return jm.terminate(jobID, types.StatusFinished, result)
}

// MarkFailed 任務失敗，reason 會保存在結果中
func (jm *JobManager) MarkFailed(jobID types.JobID, reason string) error {
	return jm.terminate(jobID, types.StatusFailed, types.JobResult{ExitCode: -1, Reason: reason})
}

// MarkFailedWithResult 任務失敗但保留已擷取的輸出（例如逾時被終止）
func (jm *JobManager) MarkFailedWithResult(jobID types.JobID, result types.JobResult) error {
	return jm.terminate(jobID, types.StatusFailed, result)
}

// MarkCancelled 客戶端撤回任務，可從任何非終止狀態進入
func (jm *JobManager) MarkCancelled(jobID types.JobID, reason string) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, ok := jm.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status.IsTerminal() {
		return &TransitionError{ID: jobID, From: job.Status, To: types.StatusCancelled}
	}
	if job.Status == types.StatusPending {
		jm.removeFromQueueLocked(jobID)
	}
	jm.finishLocked(job, types.StatusCancelled, types.JobResult{ExitCode: -1, Reason: reason})
	return nil
}

func (jm *JobManager) terminate(jobID types.JobID, status types.JobStatus, result types.JobResult) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, ok := jm.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status != types.StatusOffered && job.Status != types.StatusRunning {
		return &TransitionError{ID: jobID, From: job.Status, To: status}
	}
	jm.finishLocked(job, status, result)
	return nil
}

// ============================================================================
// 查詢
// ============================================================================

// GetJob 取得任務拷貝
func (jm *JobManager) GetJob(jobID types.JobID) (*types.Job, error) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	job, ok := jm.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

// List 依 ID 排序回傳符合條件的任務
func (jm *JobManager) List(f Filter) []*types.Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	want := make(map[types.JobStatus]bool, len(f.Statuses))
	for _, s := range f.Statuses {
		want[s] = true
	}

	out := make([]*types.Job, 0)
	for _, job := range jm.jobs {
		if len(want) > 0 && !want[job.Status] {
			continue
		}
		if f.WorkerID != "" && job.WorkerID != f.WorkerID {
			continue
		}
		out = append(out, job.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

// Assigned 回傳指派給 worker 的所有非終止任務
func (jm *JobManager) Assigned(workerID string) []*types.Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	out := make([]*types.Job, 0, len(jm.byWorker[workerID]))
	for id := range jm.byWorker[workerID] {
		out = append(out, jm.jobs[id].Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CountAssigned worker 目前的負載（offered + running）
func (jm *JobManager) CountAssigned(workerID string) int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return len(jm.byWorker[workerID])
}

// StealCandidate 回傳 worker 最後一個被分派、仍未啟動的任務
//
// Running 任務永遠不會成為候選。
func (jm *JobManager) StealCandidate(workerID string) (types.JobID, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	var (
		best    types.JobID
		bestSeq uint64
		found   bool
	)
	for id := range jm.byWorker[workerID] {
		if jm.jobs[id].Status != types.StatusOffered {
			continue
		}
		if s := jm.offerSeq[id]; !found || s > bestSeq {
			best, bestSeq, found = id, s, true
		}
	}
	return best, found
}

// PendingIDs 依佇列順序回傳待處理任務 ID
func (jm *JobManager) PendingIDs() []types.JobID {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return append([]types.JobID(nil), jm.queue...)
}

// Expired 回傳超過自身執行時間上限的 Running 任務
//
// grace 額外寬限時間，讓 worker 端的逾時先生效
func (jm *JobManager) Expired(now time.Time, grace time.Duration) []types.JobID {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	var out []types.JobID
	for id, job := range jm.jobs {
		if job.Status != types.StatusRunning || job.Spec.Timeout <= 0 {
			continue
		}
		deadline := time.UnixMilli(job.StartedAt).Add(job.Spec.Timeout + grace)
		if now.After(deadline) {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Stats 回傳各狀態的任務數量
func (jm *JobManager) Stats() map[string]int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	stats := make(map[string]int, len(types.AllStatuses))
	for _, s := range types.AllStatuses {
		stats[string(s)] = 0
	}
	for _, job := range jm.jobs {
		stats[string(job.Status)]++
	}
	return stats
}

// ============================================================================
// 保留與清理
// ============================================================================

// Remove 移除一個終止狀態的任務（客戶端確認結果後）
func (jm *JobManager) Remove(jobID types.JobID) (*types.Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, ok := jm.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	if !job.Status.IsTerminal() {
		return nil, &TransitionError{ID: jobID, From: job.Status, To: "removed"}
	}
	delete(jm.jobs, jobID)
	return job, nil
}

// Purge 移除在 cutoff 之前結束的所有終止任務，並回傳它們
func (jm *JobManager) Purge(cutoff time.Time) []*types.Job {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	limit := cutoff.UnixMilli()
	var out []*types.Job
	for id, job := range jm.jobs {
		if job.Status.IsTerminal() && job.FinishedAt <= limit {
			out = append(out, job)
			delete(jm.jobs, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ============================================================================
// 快照支持
// ============================================================================

// Snapshot 序列化當前所有任務狀態（深拷貝）
func (jm *JobManager) Snapshot() map[types.JobID]*types.Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	out := make(map[types.JobID]*types.Job, len(jm.jobs))
	for id, job := range jm.jobs {
		out[id] = job.Clone()
	}
	return out
}

// Restore 以給定的任務集合取代目前狀態
//
// Pending 任務依 ID 重建佇列；Offered/Running 任務保留原本的 worker 指派，
// 由呼叫方決定是否要 Requeue。
func (jm *JobManager) Restore(jobs map[types.JobID]*types.Job) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	jm.jobs = make(map[types.JobID]*types.Job, len(jobs))
	jm.queue = jm.queue[:0]
	jm.byWorker = make(map[string]map[types.JobID]struct{})
	jm.offerSeq = make(map[types.JobID]uint64)

	ids := make([]types.JobID, 0, len(jobs))
	for id := range jobs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		job := jobs[id].Clone()
		job.ID = id
		jm.jobs[id] = job
		switch {
		case job.Status == types.StatusPending:
			job.WorkerID = ""
			jm.queue = append(jm.queue, id)
		case !job.Status.IsTerminal():
			jm.assignLocked(job, job.WorkerID)
		}
	}
}

// ============================================================================
// 內部輔助方法（呼叫方持有 jm.mu）
// ============================================================================

func (jm *JobManager) assignLocked(job *types.Job, workerID string) {
	job.WorkerID = workerID
	set, ok := jm.byWorker[workerID]
	if !ok {
		set = make(map[types.JobID]struct{})
		jm.byWorker[workerID] = set
	}
	set[job.ID] = struct{}{}
	if job.Status == types.StatusOffered {
		jm.seq++
		jm.offerSeq[job.ID] = jm.seq
	}
}

func (jm *JobManager) unassignLocked(job *types.Job) {
	if set, ok := jm.byWorker[job.WorkerID]; ok {
		delete(set, job.ID)
		if len(set) == 0 {
			delete(jm.byWorker, job.WorkerID)
		}
	}
	delete(jm.offerSeq, job.ID)
	job.WorkerID = ""
}

func (jm *JobManager) requeueLocked(job *types.Job) {
	jm.unassignLocked(job)
	job.Status = types.StatusPending
	job.DispatchedAt = 0
	job.StartedAt = 0
	jm.queue = append([]types.JobID{job.ID}, jm.queue...)
}

func (jm *JobManager) finishLocked(job *types.Job, status types.JobStatus, result types.JobResult) {
	worker := job.WorkerID
	jm.unassignLocked(job)
	job.WorkerID = worker // 保留最後執行的 worker 供查詢
	job.Status = status
	job.FinishedAt = jm.now().UnixMilli()
	job.Result = &result
}

func (jm *JobManager) removeFromQueueLocked(jobID types.JobID) {
	for i, id := range jm.queue {
		if id == jobID {
			jm.queue = append(jm.queue[:i:i], jm.queue[i+1:]...)
			return
		}
	}
}

func declined(job *types.Job, workerID string) bool {
	for _, w := range job.DeclinedBy {
		if w == workerID {
			return true
		}
	}
	return false
}
