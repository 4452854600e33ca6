// ============================================================================
// stealq Journal - coordinator 的預寫日誌
// ============================================================================
//
// Package: internal/journal
// 文件: journal.go
// 功能: 以 JSON lines 追加記錄每一次任務狀態變更，崩潰後配合快照重放
//
// 設計:
//   - 每個事件攜帶變更後的完整任務紀錄（UPSERT）或刪除標記（REMOVE），
//     重放是冪等的：同一事件套用兩次結果不變
//   - 批次寫入：事件先進 buffer，滿了、超過 flushInterval 或 forceFlush 時才寫檔並 fsync
//   - Rotate 在寫完快照後截斷檔案，但序號延續，快照的 LastSeq 因此永遠可比較
//   - 最後一行若是撕裂寫入（崩潰時寫到一半）會被忽略；中間行損壞則回報錯誤
//
// ============================================================================

package journal

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/stealq/pkg/types"
)

const maxRecordSize = 64 << 20

// Journal 預寫日誌
type Journal struct {
	mu     sync.Mutex
	file   *os.File
	path   string
	seq    uint64
	closed bool

	buffer        []Event
	bufferSize    int
	lastFlushTime time.Time
	flushInterval time.Duration
}

// Open 建立或開啟 journal
//
// 行為：
//   - 檔案不存在時建立，seq 從 0 開始
//   - 檔案已存在時掃描取得最後的 seq 並繼續
func Open(path string, bufferSize int, flushInterval time.Duration) (*Journal, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	if bufferSize <= 0 {
		bufferSize = 256
	}
	if flushInterval <= 0 {
		flushInterval = time.Second
	}

	j := &Journal{
		file:          file,
		path:          path,
		buffer:        make([]Event, 0, bufferSize),
		bufferSize:    bufferSize,
		lastFlushTime: time.Now(),
		flushInterval: flushInterval,
	}

	// 取得最後序號；中間行損壞時拒絕開啟，避免之後的事件重用序號
	if err := j.scan(func(e Event) error {
		j.seq = e.Seq
		return nil
	}); err != nil {
		file.Close()
		return nil, fmt.Errorf("scan journal %s: %w", path, err)
	}
	return j, nil
}

// Append 追加一個事件
//
// 參數：
//
//	eventType  - UPSERT 或 REMOVE
//	job        - UPSERT 時為變更後的任務；REMOVE 時只需要 ID
//	forceFlush - 立即寫檔並同步到磁碟
func (j *Journal) Append(eventType EventType, job *types.Job, forceFlush bool) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}

	j.seq++
	event := Event{
		Seq:       j.seq,
		Type:      eventType,
		JobID:     job.ID,
		Timestamp: time.Now().UnixMilli(),
	}
	if eventType == EventUpsert {
		event.Job = job.Clone()
	}
	event.Checksum = CalculateChecksum(event)

	j.buffer = append(j.buffer, event)

	if forceFlush || len(j.buffer) >= j.bufferSize || time.Since(j.lastFlushTime) > j.flushInterval {
		return j.flushLocked()
	}
	return nil
}

// Flush 將 buffer 寫入磁碟
func (j *Journal) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	return j.flushLocked()
}

// FlushInterval 回傳 buffer 最長的停留時間
func (j *Journal) FlushInterval() time.Duration {
	return j.flushInterval
}

// FlushIfStale 在 buffer 停留超過 flushInterval 時寫入磁碟
//
// Append 只在有新事件時檢查時間；閒置期間由呼叫方定期呼叫本方法。
func (j *Journal) FlushIfStale() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	if len(j.buffer) == 0 || time.Since(j.lastFlushTime) < j.flushInterval {
		return nil
	}
	return j.flushLocked()
}

// Buffered 回傳尚未寫入磁碟的事件數
func (j *Journal) Buffered() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.buffer)
}

// Replay 依序重放所有已寫入磁碟的事件
//
// 遇到校驗錯誤或中間行損壞時立即停止並回傳錯誤。
func (j *Journal) Replay(handler EventHandler) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.flushLocked(); err != nil {
		return err
	}
	return j.scan(handler)
}

// Rotate 在快照寫入後截斷 journal；序號不重置
func (j *Journal) Rotate() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}
	if err := j.flushLocked(); err != nil {
		return err
	}
	if err := j.file.Truncate(0); err != nil {
		return fmt.Errorf("truncate journal: %w", err)
	}
	if _, err := j.file.Seek(0, 0); err != nil {
		return fmt.Errorf("seek journal: %w", err)
	}
	return j.file.Sync()
}

// LastSeq 取得目前的事件序號
//
// 快照記錄此值，恢復時只重放序號更大的事件。
func (j *Journal) LastSeq() uint64 {
	if j == nil {
		return 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// AdvanceTo 確保之後的序號大於 seq
//
// 截斷後重新開啟的 journal 從 0 開始計數，恢復時以快照的 LastSeq 接續。
func (j *Journal) AdvanceTo(seq uint64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if seq > j.seq {
		j.seq = seq
	}
}

// Close 寫出 buffer 並關閉檔案；關閉後不可再使用
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	err := j.flushLocked()
	j.closed = true
	if cerr := j.file.Close(); err == nil {
		err = cerr
	}
	return err
}

// flushLocked 呼叫方持有 j.mu
func (j *Journal) flushLocked() error {
	if len(j.buffer) == 0 {
		return nil
	}
	var out bytes.Buffer
	enc := json.NewEncoder(&out)
	for _, event := range j.buffer {
		if err := enc.Encode(event); err != nil {
			return fmt.Errorf("encode journal event %d: %w", event.Seq, err)
		}
	}
	if _, err := j.file.Write(out.Bytes()); err != nil {
		return fmt.Errorf("write journal: %w", err)
	}
	j.buffer = j.buffer[:0]
	j.lastFlushTime = time.Now()
	return j.file.Sync()
}

// scan 逐行讀取檔案；呼叫方持有 j.mu 或尚未對外公開 j
func (j *Journal) scan(handler EventHandler) error {
	file, err := os.Open(j.path)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordSize)

	var (
		line    int
		pending error // 上一行的解析錯誤，若後面還有資料就是真正的損壞
	)
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		if pending != nil {
			return pending
		}

		var event Event
		if err := json.Unmarshal(raw, &event); err != nil {
			pending = &CorruptionError{Line: line, Cause: err}
			continue
		}
		if err := VerifyChecksum(event); err != nil {
			return err
		}
		if err := handler(event); err != nil {
			return err
		}
	}
	return scanner.Err()
}
