// ============================================================================
// stealq Coordinator - 系統核心協調器
// ============================================================================
//
// Package: internal/coordinator
// 文件: coordinator.go
// 功能: 接收 worker 與 client 連線，維護中央佇列，分派任務並在 worker 之間竊取
//
// 架構設計:
//   這是整個系統的"大腦"，負責協調以下組件：
//   - JobManager: 任務狀態機與中央 pending 佇列
//   - Registry: worker 身分、容量、負載與存活時間
//   - Journal + Snapshot: 崩潰後恢復任務狀態（可選）
//   - Archive: 被移除的終止任務（可選）
//
// 序列化邊界:
//   c.mu 同時保護 JobManager 與 Registry，確保「掃描 victim → 重新驗證 → 轉移」
//   是一個不可分割的步驟。handler 在鎖內計算要送出的訊息（outbox），
//   釋放鎖之後才真正送出，網路 I/O 永遠不在鎖內。
//
// 背景循環:
//   1. Liveness Loop - 每個 heartbeat interval 驅逐失聯 worker、處理逾時任務
//   2. Maintenance Loop - 依 retention 清除終止任務並寫入 archive
//   3. Snapshot Loop - 定期寫快照並截斷 journal
//
// 崩潰恢復流程（Start）:
//   1. snapshot.Load() - 從最新快照恢復
//   2. journal.Replay() - 重放快照之後的事件
//   3. 所有 offered/running 任務重新排隊（worker 連線已不存在）
//
// ============================================================================

package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/stealq/internal/jobmanager"
	"github.com/ChuLiYu/stealq/internal/journal"
	"github.com/ChuLiYu/stealq/internal/metrics"
	"github.com/ChuLiYu/stealq/internal/registry"
	"github.com/ChuLiYu/stealq/internal/snapshot"
	"github.com/ChuLiYu/stealq/pkg/types"
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Coordinator 配置
type Config struct {
	HeartbeatInterval      time.Duration // worker 心跳間隔
	HeartbeatTimeoutFactor int           // 超過 interval × factor 未收到心跳即驅逐
	MaxAttempts            int           // 任務預設最大啟動次數
	StealMinGap            int           // 竊取所需的最小負載差
	Retention              time.Duration // 終止任務保留時間，0 表示不自動清除
	MaintenanceInterval    time.Duration // retention 清理間隔
	SnapshotInterval       time.Duration // 快照間隔
	SharedSecret           string        // 空字串表示不驗證
}

// DefaultConfig 預設配置
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:      2 * time.Second,
		HeartbeatTimeoutFactor: 3,
		MaxAttempts:            3,
		StealMinGap:            2,
		Retention:              24 * time.Hour,
		MaintenanceInterval:    time.Minute,
		SnapshotInterval:       5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HeartbeatTimeoutFactor < 1 {
		c.HeartbeatTimeoutFactor = d.HeartbeatTimeoutFactor
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.StealMinGap < 1 {
		c.StealMinGap = d.StealMinGap
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = d.MaintenanceInterval
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = d.SnapshotInterval
	}
	return c
}

// Archive 保存被移除的終止任務
type Archive interface {
	PutAll(ctx context.Context, jobs []*types.Job) error
	Get(ctx context.Context, id types.JobID) (*types.Job, error)
}

// Options 可選的持久化與觀測組件，皆可為 nil
type Options struct {
	Journal  *journal.Journal
	Snapshot *snapshot.Manager
	Archive  Archive
	Metrics  *metrics.Collector
	Logger   *slog.Logger
}

// watch 一個 session 對某個任務的訂閱
type watch struct {
	output bool // 是否轉發 JobOutput
}

// Coordinator 核心協調器
type Coordinator struct {
	mu       sync.Mutex // 保護 jobs + workers + sessions + watchers
	jobs     *jobmanager.JobManager
	workers  *registry.Registry
	sessions map[string]*session
	watchers map[types.JobID]map[string]watch
	nextID   types.JobID

	// retiring 已移出記憶體、尚未寫進 archive 的任務
	retiring  map[types.JobID]*types.Job
	toArchive []*types.Job

	cfg      Config
	journal  *journal.Journal
	snapshot *snapshot.Manager
	archive  Archive
	metrics  *metrics.Collector
	log      *slog.Logger
	now      func() time.Time

	startTime time.Time
	stopCh    chan struct{}
	stopOnce  sync.Once
	loopWg    sync.WaitGroup
}

// ============================================================================
// 生命週期
// ============================================================================

// New 建立 Coordinator 實例；呼叫 Start 之後才會恢復狀態並啟動背景循環
func New(cfg Config, opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		jobs:     jobmanager.NewJobManager(),
		workers:  registry.New(),
		sessions: make(map[string]*session),
		watchers: make(map[types.JobID]map[string]watch),
		retiring: make(map[types.JobID]*types.Job),
		nextID:   1,
		cfg:      cfg.withDefaults(),
		journal:  opts.Journal,
		snapshot: opts.Snapshot,
		archive:  opts.Archive,
		metrics:  opts.Metrics,
		log:      logger.With("component", "coordinator"),
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Start 恢復持久化狀態並啟動背景循環
func (c *Coordinator) Start() error {
	c.startTime = c.now()

	if err := c.restoreState(); err != nil {
		return err
	}

	c.loopWg.Add(2)
	go c.livenessLoop()
	go c.maintenanceLoop()
	if c.snapshot != nil && c.journal != nil {
		c.loopWg.Add(1)
		go c.snapshotLoop()
	}
	if c.journal != nil {
		c.loopWg.Add(1)
		go c.journalLoop()
	}

	c.log.Info("Coordinator started",
		"heartbeat_interval", c.cfg.HeartbeatInterval,
		"max_attempts", c.cfg.MaxAttempts,
		"steal_min_gap", c.cfg.StealMinGap,
		"auth", c.cfg.SharedSecret != "")
	return nil
}

// Stop 關閉所有連線與背景循環，寫出最後一次快照
func (c *Coordinator) Stop() {
	stopped := false
	c.stopOnce.Do(func() {
		close(c.stopCh)
		stopped = true
	})
	if !stopped {
		return
	}
	c.log.Info("Stopping coordinator...")

	c.loopWg.Wait()

	c.mu.Lock()
	conns := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		conns = append(conns, s)
	}
	c.mu.Unlock()
	for _, s := range conns {
		s.conn.Close()
	}
	c.flushArchive()

	if c.snapshot != nil && c.journal != nil {
		if err := c.takeSnapshot(); err != nil {
			c.log.Error("Failed to take final snapshot", "error", err)
		}
	}
	if c.journal != nil {
		if err := c.journal.Close(); err != nil {
			c.log.Error("Failed to close journal", "error", err)
		}
	}
	c.log.Info("Coordinator stopped", "uptime", c.now().Sub(c.startTime))
}

// ============================================================================
// 背景循環
// ============================================================================

// livenessLoop 驅逐失聯 worker，並讓超過執行上限的任務失敗
func (c *Coordinator) livenessLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// sweep 單次存活檢查
func (c *Coordinator) sweep() {
	var out outbox
	c.mu.Lock()
	now := c.now()
	timeout := c.heartbeatTimeout()
	for _, id := range c.workers.Expired(now, timeout) {
		c.log.Warn("Worker missed heartbeats", "worker", id, "timeout", timeout)
		c.evictLocked(id, "heartbeat timeout", &out)
	}
	for _, id := range c.jobs.Expired(now, c.cfg.HeartbeatInterval) {
		c.timeoutJobLocked(id, &out)
	}
	c.metrics.UpdateQueueStats(c.jobs.Stats(), c.workers.Len())
	c.mu.Unlock()
	out.flush(c.log)
}

func (c *Coordinator) heartbeatTimeout() time.Duration {
	return c.cfg.HeartbeatInterval * time.Duration(c.cfg.HeartbeatTimeoutFactor)
}

// maintenanceLoop 依 retention 清除終止任務
func (c *Coordinator) maintenanceLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if c.cfg.Retention <= 0 {
				continue
			}
			c.mu.Lock()
			n := c.purgeLocked(c.now().Add(-c.cfg.Retention))
			c.mu.Unlock()
			c.flushArchive()
			if n > 0 {
				c.log.Info("Purged expired jobs", "count", n, "retention", c.cfg.Retention)
			}
		}
	}
}

// journalLoop 把閒置期間留在 buffer 的事件寫入磁碟
func (c *Coordinator) journalLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.journal.FlushInterval())
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if err := c.journal.FlushIfStale(); err != nil {
				c.log.Error("Failed to flush journal", "error", err)
			}
		}
	}
}

// snapshotLoop 定期生成快照
func (c *Coordinator) snapshotLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if err := c.takeSnapshot(); err != nil {
				c.log.Error("Failed to take snapshot", "error", err)
			}
		}
	}
}

// takeSnapshot 寫快照並截斷 journal
//
// 全程持有 c.mu：journal 的寫入都在鎖內，截斷前不會有新事件插入。
func (c *Coordinator) takeSnapshot() error {
	start := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	data := types.SnapshotData{
		Jobs:    c.jobs.Snapshot(),
		NextID:  c.nextID,
		LastSeq: c.journal.LastSeq(),
	}
	if err := c.snapshot.Write(data); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := c.journal.Rotate(); err != nil {
		return fmt.Errorf("failed to rotate journal: %w", err)
	}

	c.log.Debug("Snapshot taken",
		"path", c.snapshot.Path(),
		"duration", time.Since(start),
		"jobs", len(data.Jobs),
		"last_seq", data.LastSeq)
	return nil
}

// ============================================================================
// 查詢（HTTP 狀態 API 使用）
// ============================================================================

// Jobs 依條件列出記憶體中的任務
func (c *Coordinator) Jobs(f jobmanager.Filter) []*types.Job {
	return c.jobs.List(f)
}

// Job 取得單一任務，包含已封存的任務
func (c *Coordinator) Job(ctx context.Context, id types.JobID) (*types.Job, error) {
	job, err := c.jobs.GetJob(id)
	if err == nil {
		return job, nil
	}
	c.mu.Lock()
	retired, ok := c.retiring[id]
	c.mu.Unlock()
	if ok {
		return retired, nil
	}
	if c.archive != nil {
		if archived, aerr := c.archive.Get(ctx, id); aerr == nil {
			return archived, nil
		}
	}
	return nil, err
}

// Workers 列出已註冊的 worker
func (c *Coordinator) Workers() []types.WorkerInfo {
	return c.workers.List()
}

// Stats 各狀態的任務數量
func (c *Coordinator) Stats() map[string]int {
	return c.jobs.Stats()
}
