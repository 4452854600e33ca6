package journal

import (
	"errors"
	"fmt"
)

var (
	// ErrCorruptedJournal 紀錄無法解析（不是最後一行的撕裂寫入）
	ErrCorruptedJournal = errors.New("journal: file is corrupted")

	// ErrChecksumMismatch 校驗和不符
	ErrChecksumMismatch = errors.New("journal: checksum mismatch")

	// ErrClosed journal 已關閉
	ErrClosed = errors.New("journal: already closed")
)

// ChecksumError 描述失敗事件的校驗資訊，Unwrap 為 ErrChecksumMismatch
type ChecksumError struct {
	Seq      uint64
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("journal: checksum mismatch at seq=%d (expected=0x%08x, got=0x%08x)", e.Seq, e.Expected, e.Actual)
}

func (e *ChecksumError) Unwrap() error { return ErrChecksumMismatch }

// CorruptionError 描述無法解析的紀錄位置
type CorruptionError struct {
	Line  int
	Cause error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("journal: corrupted record at line %d: %v", e.Line, e.Cause)
}

func (e *CorruptionError) Is(target error) bool { return target == ErrCorruptedJournal }

func (e *CorruptionError) Unwrap() error { return e.Cause }
