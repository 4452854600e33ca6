// Package types 定義了 stealq 排程系統中使用的核心領域模型
package types

import (
	"strconv"
	"time"
)

// JobID 任務唯一識別碼，由 coordinator 在提交時分配（單調遞增）
type JobID uint64

// String 以十進位輸出任務 ID
func (id JobID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseJobID 解析命令列或 HTTP 路徑中的任務 ID
func ParseJobID(s string) (JobID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return JobID(v), nil
}

// JobStatus 任務狀態
type JobStatus string

// 定義任務狀態常數
//
//	pending → offered → running → {finished | failed | cancelled}
const (
	StatusPending   JobStatus = "pending"   // 待處理：在中央佇列中等待分派
	StatusOffered   JobStatus = "offered"   // 已提供：已分派給 worker，但尚未開始執行（可被竊取）
	StatusRunning   JobStatus = "running"   // 執行中：worker 已啟動子行程
	StatusFinished  JobStatus = "finished"  // 已結束：子行程退出（帶退出碼）
	StatusFailed    JobStatus = "failed"    // 失敗：啟動失敗、崩潰或超過重試次數
	StatusCancelled JobStatus = "cancelled" // 已取消：由客戶端撤回
)

// AllStatuses 依生命週期順序列出所有狀態
var AllStatuses = []JobStatus{
	StatusPending, StatusOffered, StatusRunning,
	StatusFinished, StatusFailed, StatusCancelled,
}

// IsTerminal 是否為終止狀態
func (s JobStatus) IsTerminal() bool {
	return s == StatusFinished || s == StatusFailed || s == StatusCancelled
}

// IsValid 是否為已知狀態
func (s JobStatus) IsValid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// JobSpec 客戶端提交的不可變任務描述
type JobSpec struct {
	Command        string            `json:"command"`                   // 可執行檔
	Args           []string          `json:"args,omitempty"`            // 參數
	WorkDir        string            `json:"workdir,omitempty"`         // 工作目錄
	Env            map[string]string `json:"env,omitempty"`             // 環境變數覆寫
	Slots          int               `json:"slots,omitempty"`           // 資源提示（僅供參考）
	Timeout        time.Duration     `json:"timeout,omitempty"`         // 執行時間上限，0 表示不限
	MaxAttempts    int               `json:"max_attempts,omitempty"`    // 0 表示使用 coordinator 預設值
	RetryOnFailure bool              `json:"retry_on_failure,omitempty"` // 非零退出碼是否重新排隊
	Label          string            `json:"label,omitempty"`           // 自由文字標籤
}

// JobResult 終止狀態時的執行結果
type JobResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   []byte `json:"stdout,omitempty"`
	Stderr   []byte `json:"stderr,omitempty"`
	Reason   string `json:"reason,omitempty"` // 失敗或取消原因
}

// Job 任務結構，代表系統中的一個工作單元
type Job struct {
	// 識別與資料
	ID   JobID   `json:"id"`
	Spec JobSpec `json:"spec"`

	// 狀態追蹤
	Status     JobStatus  `json:"status"`
	WorkerID   string     `json:"worker_id,omitempty"`   // 弱引用：僅保存 worker ID
	Attempts   int        `json:"attempts"`              // 已啟動次數
	DeclinedBy []string   `json:"declined_by,omitempty"` // 拒絕過此任務的 worker
	Result     *JobResult `json:"result,omitempty"`
	Owner      string     `json:"-"` // 提交者的連線 ID，不持久化

	// 時間戳（Unix 毫秒）：submitted ≤ dispatched ≤ started ≤ finished
	SubmittedAt  int64 `json:"submitted_at"`
	DispatchedAt int64 `json:"dispatched_at,omitempty"`
	StartedAt    int64 `json:"started_at,omitempty"`
	FinishedAt   int64 `json:"finished_at,omitempty"`
}

// Clone 深拷貝任務，避免呼叫方修改內部狀態
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Spec.Args = append([]string(nil), j.Spec.Args...)
	if j.Spec.Env != nil {
		c.Spec.Env = make(map[string]string, len(j.Spec.Env))
		for k, v := range j.Spec.Env {
			c.Spec.Env[k] = v
		}
	}
	c.DeclinedBy = append([]string(nil), j.DeclinedBy...)
	if j.Result != nil {
		r := *j.Result
		r.Stdout = append([]byte(nil), j.Result.Stdout...)
		r.Stderr = append([]byte(nil), j.Result.Stderr...)
		c.Result = &r
	}
	return &c
}

// WorkerStatus worker 連線狀態
type WorkerStatus string

const (
	WorkerConnected    WorkerStatus = "connected"
	WorkerIdle         WorkerStatus = "idle"
	WorkerBusy         WorkerStatus = "busy"
	WorkerDisconnected WorkerStatus = "disconnected" // 終止狀態，重新連線視為新實例
)

// WorkerInfo 由 registry 擁有的 worker 紀錄
type WorkerInfo struct {
	ID            string       `json:"id"`
	Hostname      string       `json:"hostname"`
	Capacity      int          `json:"capacity"`        // 本地佇列槽位
	Parallel      int          `json:"parallel"`        // 同時執行的子行程上限
	LocalQueueLen int          `json:"local_queue_len"` // offered + running 數量
	Running       int          `json:"running"`         // 執行中的子行程數量
	LoadAvg       float64      `json:"load_avg"`
	FreeMemoryMB  uint64       `json:"free_memory_mb"`
	Status        WorkerStatus `json:"status"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
	RegisteredAt  time.Time    `json:"registered_at"`
}

// LoadSnapshot 心跳中攜帶的負載資訊
type LoadSnapshot struct {
	LocalQueueLen int
	Running       int
	Capacity      int
	Parallel      int
	LoadAvg       float64
	FreeMemoryMB  uint64
}

// SnapshotData 快照資料，用於 coordinator 狀態的持久化和恢復
type SnapshotData struct {
	Jobs      map[JobID]*Job `json:"jobs"`       // 所有任務的完整資料
	NextID    JobID          `json:"next_id"`    // 下一個可分配的任務 ID
	SchemaVer int            `json:"schema_ver"` // 資料結構版本號，用於向後相容性
	LastSeq   uint64         `json:"last_seq"`   // 快照涵蓋的最後一個 journal 序號
}
