package journal

import (
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
)

// CalculateChecksum 計算事件的 CRC32-IEEE 校驗和
//
// 涵蓋 Seq + Type + JobID + Job 內容；不包含 Timestamp 與 Checksum 本身。
func CalculateChecksum(e Event) uint32 {
	h := crc32.NewIEEE()

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], e.Seq)
	h.Write(buf[:])
	h.Write([]byte(e.Type))
	binary.BigEndian.PutUint64(buf[:], uint64(e.JobID))
	h.Write(buf[:])
	if e.Job != nil {
		// json.Marshal 對 map 鍵排序，同一份資料得到相同位元組
		if b, err := json.Marshal(e.Job); err == nil {
			h.Write(b)
		}
	}
	return h.Sum32()
}

// VerifyChecksum 重新計算並比對
func VerifyChecksum(e Event) error {
	want := CalculateChecksum(e)
	if e.Checksum != want {
		return &ChecksumError{Seq: e.Seq, Expected: want, Actual: e.Checksum}
	}
	return nil
}
