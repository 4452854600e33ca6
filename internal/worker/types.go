package worker

import (
	"time"

	"github.com/ChuLiYu/stealq/internal/protocol"
	"github.com/ChuLiYu/stealq/pkg/types"
)

// Task 代表要執行的子行程
type Task struct {
	JobID   types.JobID   // 任務唯一識別碼
	Spec    types.JobSpec // 命令、參數、工作目錄、環境變數與逾時
	Attempt int           // coordinator 給的啟動次數，僅用於日誌
}

// Result 代表子行程結束後的結果
type Result struct {
	JobID     types.JobID
	ExitCode  int
	Stdout    []byte // 擷取的輸出，超過上限的部分被截斷
	Stderr    []byte
	Reason    string // 非空表示無法啟動或異常結束
	Cancelled bool   // 被 Cancel 終止
	TimedOut  bool   // 超過 Spec.Timeout
	Duration  time.Duration
}

// Output 執行中即時輸出的一段資料
type Output struct {
	JobID  types.JobID
	Stream protocol.Stream
	Data   []byte
}
