package snapshot

// ============================================================================
// Snapshot Manager 測試檔案
// 職責：驗證快照的原子性寫入、載入、版本驗證與錯誤處理
// ============================================================================

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/stealq/pkg/types"
)

func sampleData(lastSeq uint64) types.SnapshotData {
	return types.SnapshotData{
		Jobs: map[types.JobID]*types.Job{
			1: {ID: 1, Spec: types.JobSpec{Command: "echo", Args: []string{"a"}}, Status: types.StatusPending},
			2: {ID: 2, Spec: types.JobSpec{Command: "true"}, Status: types.StatusRunning, WorkerID: "w1", Attempts: 1},
			3: {
				ID: 3, Spec: types.JobSpec{Command: "false"}, Status: types.StatusFinished,
				Result: &types.JobResult{ExitCode: 1, Stderr: []byte("nope")},
			},
		},
		NextID:  4,
		LastSeq: lastSeq,
	}
}

// TestWriteAndLoad 測試寫入與載入快照
func TestWriteAndLoad(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "state", "snapshot.json"))

	original := sampleData(100)
	require.NoError(t, manager.Write(original))

	loaded, err := manager.Load()
	require.NoError(t, err)

	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	assert.Equal(t, uint64(100), loaded.LastSeq)
	assert.Equal(t, types.JobID(4), loaded.NextID)
	require.Len(t, loaded.Jobs, 3)
	for id, job := range original.Jobs {
		assert.Equal(t, job.Status, loaded.Jobs[id].Status)
		assert.Equal(t, job.Spec, loaded.Jobs[id].Spec)
	}
	assert.Equal(t, []byte("nope"), loaded.Jobs[3].Result.Stderr)
}

// TestAtomicWrite 並發寫入與讀取時只會看到完整快照
func TestAtomicWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	manager := NewManager(path)
	require.NoError(t, manager.Write(sampleData(50)))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, manager.Write(sampleData(100)))
		}()
		go func() {
			defer wg.Done()
			data, err := manager.Load()
			assert.NoError(t, err)
			assert.True(t, data.LastSeq == 50 || data.LastSeq == 100, "got %d", data.LastSeq)
		}()
	}
	wg.Wait()

	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file should not exist after write")
}

// TestFirstBoot 首次啟動（無快照）回傳空狀態
func TestFirstBoot(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "missing.json"))
	assert.False(t, manager.Exists())

	data, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, data.SchemaVer)
	assert.Equal(t, types.JobID(1), data.NextID)
	assert.NotNil(t, data.Jobs)
	assert.Empty(t, data.Jobs)
}

// TestVersionMismatch 測試版本不相容
func TestVersionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	b, err := json.Marshal(types.SnapshotData{SchemaVer: 99})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b, 0644))

	_, err = NewManager(path).Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

// TestCorruptedSnapshot 測試損壞的快照
func TestCorruptedSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"jobs": {`), 0644))

	manager := NewManager(path)
	assert.True(t, manager.Exists())
	_, err := manager.Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}
