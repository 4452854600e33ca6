package journal

import "github.com/ChuLiYu/stealq/pkg/types"

// EventType 事件類型
type EventType string

const (
	EventUpsert EventType = "UPSERT" // 任務建立或狀態變更，Job 攜帶變更後的完整紀錄
	EventRemove EventType = "REMOVE" // 任務被確認或清理，離開記憶體
)

// Event 單一 journal 紀錄（JSON lines）
type Event struct {
	Seq       uint64      `json:"seq"`           // 單調遞增序號，rotate 後延續
	Type      EventType   `json:"type"`          // 事件類型
	JobID     types.JobID `json:"job_id"`        // 任務 ID
	Job       *types.Job  `json:"job,omitempty"` // UPSERT 時的完整任務
	Timestamp int64       `json:"timestamp"`     // Unix 毫秒
	Checksum  uint32      `json:"checksum"`      // CRC32 校驗和
}

// EventHandler 重放時逐一處理事件
type EventHandler func(event Event) error
