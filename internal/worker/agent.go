package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ChuLiYu/stealq/internal/protocol"
	"github.com/ChuLiYu/stealq/internal/sampler"
	"github.com/ChuLiYu/stealq/internal/transport"
	"github.com/ChuLiYu/stealq/pkg/types"
)

// sampleTTL limits how often the starter reads the host sampler.
const sampleTTL = time.Second

// maxReconnectDelay caps the delay between reconnect attempts in Serve.
const maxReconnectDelay = 30 * time.Second

var errSessionEnded = errors.New("session ended")

// Config 工作節點配置
type Config struct {
	Name           string        // 建議的 worker id；重名時 coordinator 會改名
	Hostname       string        // 回報給 coordinator 的主機名稱
	Capacity       int           // 本地佇列槽位（offered + running）
	Parallel       int           // 同時執行的子行程上限
	Backoff        time.Duration // 收到 NoWork 後重新請求前的等待時間
	Secret         string        // 共享密鑰，空字串表示不驗證
	Limits         sampler.Limits
	MaxOutputBytes int
}

// DefaultConfig 預設配置
func DefaultConfig() Config {
	host, _ := os.Hostname()
	return Config{
		Name:           host,
		Hostname:       host,
		Capacity:       4,
		Parallel:       2,
		Backoff:        time.Second,
		MaxOutputBytes: DefaultMaxOutputBytes,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Hostname == "" {
		c.Hostname = d.Hostname
	}
	if c.Name == "" {
		c.Name = c.Hostname
	}
	if c.Capacity < 1 {
		c.Capacity = d.Capacity
	}
	if c.Parallel < 1 || c.Parallel > c.Capacity {
		c.Parallel = min(d.Parallel, c.Capacity)
	}
	if c.Backoff <= 0 {
		c.Backoff = d.Backoff
	}
	if c.MaxOutputBytes <= 0 {
		c.MaxOutputBytes = d.MaxOutputBytes
	}
	return c
}

// Dialer 建立到 coordinator 的連線
type Dialer func(ctx context.Context) (transport.Conn, error)

// Agent 工作節點：向 coordinator 請求任務並在本機執行
type Agent struct {
	cfg     Config
	dial    Dialer
	sampler sampler.Sampler
	log     *slog.Logger

	mu sync.Mutex
	id string

	// registrations 成功註冊的次數，Serve 用來重置 backoff
	registrations atomic.Int64
}

// New 建立 Agent；sampler 為 nil 時使用 sampler.Default()
func New(cfg Config, dial Dialer, s sampler.Sampler, logger *slog.Logger) *Agent {
	if s == nil {
		s = sampler.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		cfg:     cfg.withDefaults(),
		dial:    dial,
		sampler: s,
		log:     logger.With("component", "worker"),
	}
}

// ID coordinator 接受的 worker id；尚未註冊時為空字串
func (a *Agent) ID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.id
}

func (a *Agent) setID(id string) {
	a.mu.Lock()
	a.id = id
	a.mu.Unlock()
	a.registrations.Add(1)
}

// reconnectBackoff 從 cfg.Backoff 開始倍增，上限 maxReconnectDelay，不會放棄
func (a *Agent) reconnectBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.cfg.Backoff
	b.Multiplier = 2
	b.MaxInterval = maxReconnectDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(b, ctx)
}

// Serve 重複執行 Run 直到 ctx 結束；驗證失敗不重試
//
// 每次重新連線都是新的 worker 實例，斷線前的任務已由 coordinator 重新排隊。
func (a *Agent) Serve(ctx context.Context) error {
	b := a.reconnectBackoff(ctx)
	err := backoff.RetryNotify(func() error {
		before := a.registrations.Load()
		err := a.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, transport.ErrRejected) {
			return backoff.Permanent(err)
		}
		// 註冊成功過的連線斷掉後從最短間隔重新開始
		if a.registrations.Load() != before {
			b.Reset()
		}
		if err == nil {
			err = errSessionEnded
		}
		return err
	}, b, func(err error, delay time.Duration) {
		a.log.Warn("Session ended, reconnecting", "error", err, "delay", delay)
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Run 連線、註冊並處理訊息，直到 ctx 結束（回傳 nil）或連線中斷
//
// 返回時所有仍在執行的子行程都會被終止。
func (a *Agent) Run(ctx context.Context) error {
	conn, err := a.dial(ctx)
	if err != nil {
		return fmt.Errorf("dial coordinator: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	welcome, err := transport.Handshake(conn, &protocol.Register{
		Role:     protocol.RoleWorker,
		Name:     a.cfg.Name,
		Hostname: a.cfg.Hostname,
		Capacity: a.cfg.Capacity,
		Parallel: a.cfg.Parallel,
	}, a.cfg.Secret)
	stop()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}

	a.setID(welcome.ID)
	if welcome.Renamed {
		a.log.Warn("Worker name taken, coordinator assigned a new id", "requested", a.cfg.Name, "id", welcome.ID)
	}
	a.log.Info("Registered with coordinator",
		"id", welcome.ID,
		"remote", conn.RemoteAddr(),
		"capacity", a.cfg.Capacity,
		"parallel", a.cfg.Parallel,
		"heartbeat_interval", welcome.HeartbeatInterval)

	pool := NewPool(a.cfg.Capacity, a.cfg.MaxOutputBytes, a.log)
	if err := pool.Start(a.cfg.Parallel); err != nil {
		return err
	}
	defer pool.Stop()

	interval := welcome.HeartbeatInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	s := &agentSession{
		agent:    a,
		log:      a.log.With("worker", welcome.ID),
		conn:     conn,
		pool:     pool,
		jobs:     make(map[types.JobID]*localJob),
		interval: interval,
	}
	return s.loop(ctx)
}

// ============================================================================
// 本地任務狀態
// ============================================================================

// localState 任務在 worker 端的狀態：offered → starting → started
type localState int

const (
	stateOffered  localState = iota // 已收到 OfferJob，仍可被竊取
	stateStarting                   // 已送出 AcceptJob，等待 StartJob
	stateStarted                    // 子行程已交給 Pool
)

func (s localState) String() string {
	switch s {
	case stateOffered:
		return "offered"
	case stateStarting:
		return "starting"
	case stateStarted:
		return "started"
	}
	return "unknown"
}

type localJob struct {
	offer *protocol.OfferJob
	state localState
	order uint64 // 收到 offer 的順序，starter 先啟動最舊的
}

// agentSession 一次連線的事件循環狀態，只由 loop goroutine 存取
type agentSession struct {
	agent    *Agent
	log      *slog.Logger
	conn     transport.Conn
	pool     *Pool
	jobs     map[types.JobID]*localJob
	order    uint64
	interval time.Duration

	requesting bool        // RequestWork 尚未得到回覆
	backoff    *time.Timer // NoWork 之後的等待；nil 表示沒有在等待

	reading   sampler.Reading
	sampledAt time.Time
}

func (s *agentSession) loop(ctx context.Context) error {
	frames := make(chan protocol.Frame)
	errc := make(chan error, 1)
	go func() {
		for {
			f, err := s.conn.Recv()
			if err != nil {
				errc <- err
				return
			}
			select {
			case frames <- f:
			case <-s.conn.Done():
				return
			}
		}
	}()

	heartbeat := time.NewTicker(s.interval)
	defer heartbeat.Stop()
	defer s.stopBackoff()

	if err := s.sendHeartbeat(); err != nil {
		return err
	}

	for {
		if err := s.maybeRequest(); err != nil {
			return err
		}
		if err := s.maybeStart(); err != nil {
			return err
		}

		var err error
		select {
		case <-ctx.Done():
			s.send(&protocol.Disconnect{Reason: "worker shutting down"})
			s.log.Info("Worker stopping", "local_jobs", len(s.jobs))
			return nil
		case f := <-frames:
			err = s.handle(f)
		case err = <-errc:
			return fmt.Errorf("connection lost: %w", err)
		case r := <-s.pool.Results():
			err = s.finish(r)
		case o := <-s.pool.Output():
			err = s.sendOutput(o)
		case <-heartbeat.C:
			err = s.sendHeartbeat()
		case <-s.backoffC():
			s.backoff = nil
		}
		if err != nil {
			return err
		}
	}
}

// handle 依訊息種類處理 coordinator 的訊息
func (s *agentSession) handle(f protocol.Frame) error {
	switch m := f.Msg.(type) {
	case *protocol.OfferJob:
		s.requesting = false
		return s.handleOffer(m)
	case *protocol.NoWork:
		s.requesting = false
		s.startBackoff()
	case *protocol.QueueChanged:
		s.stopBackoff()
	case *protocol.StartJob:
		return s.handleStart(m)
	case *protocol.StealNotice:
		job, ok := s.jobs[m.JobID]
		if !ok || job.state == stateStarted {
			return nil
		}
		delete(s.jobs, m.JobID)
		s.log.Info("Offer stolen by another worker", "job", m.JobID, "local_state", job.state)
	case *protocol.CancelJob:
		job, ok := s.jobs[m.JobID]
		if !ok {
			return nil
		}
		if job.state == stateStarted {
			s.log.Info("Killing cancelled job", "job", m.JobID, "reason", m.Reason)
			s.pool.Cancel(m.JobID)
			return nil
		}
		delete(s.jobs, m.JobID)
		s.log.Info("Offer withdrawn", "job", m.JobID, "reason", m.Reason)
	case *protocol.Response:
		if m.Error != "" {
			s.log.Warn("Coordinator reported an error", "error", m.Error)
		}
	case *protocol.Disconnect:
		return fmt.Errorf("coordinator disconnected: %s", m.Reason)
	case *protocol.Unknown:
		s.log.Warn("Ignoring unknown message kind", "kind", uint64(m.Code))
	default:
		s.log.Debug("Ignoring unexpected message", "kind", f.Msg.Kind())
	}
	return nil
}

// handleOffer 檢查本地條件：佇列已滿或工作目錄不存在時拒絕
func (s *agentSession) handleOffer(m *protocol.OfferJob) error {
	if _, ok := s.jobs[m.JobID]; !ok && len(s.jobs) >= s.agent.cfg.Capacity {
		return s.decline(m.JobID, "local queue full")
	}
	if dir := m.Spec.WorkDir; dir != "" {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			return s.decline(m.JobID, fmt.Sprintf("working directory %q is missing", dir))
		}
	}

	s.order++
	s.jobs[m.JobID] = &localJob{offer: m, state: stateOffered, order: s.order}
	s.log.Debug("Job offered", "job", m.JobID, "attempt", m.Attempt, "stolen", m.Stolen)
	return nil
}

func (s *agentSession) decline(id types.JobID, reason string) error {
	s.log.Info("Declining job", "job", id, "reason", reason)
	return s.send(&protocol.DeclineJob{JobID: id, Reason: reason})
}

// handleStart coordinator 確認啟動：交給 Pool 執行
func (s *agentSession) handleStart(m *protocol.StartJob) error {
	job, ok := s.jobs[m.JobID]
	if !ok || job.state != stateStarting {
		s.log.Warn("Unexpected StartJob", "job", m.JobID)
		return nil
	}
	job.state = stateStarted

	err := s.pool.Submit(Task{JobID: m.JobID, Spec: job.offer.Spec, Attempt: job.offer.Attempt})
	if err != nil {
		return s.finish(Result{JobID: m.JobID, ExitCode: -1, Reason: fmt.Sprintf("spawn failed: %v", err)})
	}
	s.log.Info("Job started", "job", m.JobID, "command", job.offer.Spec.Command, "attempt", job.offer.Attempt)
	return nil
}

// finish 回報結果；先送出 Pool 中已產生的輸出，確保輸出在結果之前
func (s *agentSession) finish(r Result) error {
	for drained := false; !drained; {
		select {
		case o := <-s.pool.Output():
			if err := s.sendOutput(o); err != nil {
				return err
			}
		default:
			drained = true
		}
	}

	delete(s.jobs, r.JobID)
	s.log.Info("Job exited",
		"job", r.JobID,
		"exit_code", r.ExitCode,
		"reason", r.Reason,
		"duration", r.Duration)
	return s.send(&protocol.JobResult{
		JobID:     r.JobID,
		ExitCode:  r.ExitCode,
		Stdout:    r.Stdout,
		Stderr:    r.Stderr,
		Reason:    r.Reason,
		Cancelled: r.Cancelled,
		TimedOut:  r.TimedOut,
	})
}

func (s *agentSession) sendOutput(o Output) error {
	return s.send(&protocol.JobOutput{JobID: o.JobID, Stream: o.Stream, Data: o.Data})
}

// maybeRequest 本地佇列有空位、沒有未回覆的請求也不在 backoff 時請求任務
func (s *agentSession) maybeRequest() error {
	if s.requesting || s.backoff != nil || len(s.jobs) >= s.agent.cfg.Capacity {
		return nil
	}
	s.requesting = true
	return s.send(&protocol.RequestWork{})
}

// maybeStart 在 parallel 與主機負載允許時，為最舊的 offered 任務送出 AcceptJob
func (s *agentSession) maybeStart() error {
	active := 0
	for _, job := range s.jobs {
		if job.state != stateOffered {
			active++
		}
	}

	checked := false
	for active < s.agent.cfg.Parallel {
		next := s.oldestOffered()
		if next == nil {
			return nil
		}
		if !checked {
			if s.overloaded() {
				return nil
			}
			checked = true
		}
		next.state = stateStarting
		active++
		if err := s.send(&protocol.AcceptJob{JobID: next.offer.JobID}); err != nil {
			return err
		}
	}
	return nil
}

func (s *agentSession) oldestOffered() *localJob {
	var oldest *localJob
	for _, job := range s.jobs {
		if job.state == stateOffered && (oldest == nil || job.order < oldest.order) {
			oldest = job
		}
	}
	return oldest
}

// overloaded 依 sampler 判斷主機是否過載；讀取失敗時不阻擋啟動
func (s *agentSession) overloaded() bool {
	limits := s.agent.cfg.Limits
	if limits.MaxLoad <= 0 && limits.MinFreeMemoryMB == 0 {
		return false
	}
	if time.Since(s.sampledAt) > sampleTTL {
		s.sample()
	}
	if limits.Overloaded(s.reading) {
		s.log.Debug("Host overloaded, holding offered jobs",
			"load_avg", s.reading.LoadAvg,
			"free_memory_mb", s.reading.FreeMemoryMB)
		return true
	}
	return false
}

func (s *agentSession) sample() {
	r, err := s.agent.sampler.Sample()
	s.sampledAt = time.Now()
	if err != nil {
		s.log.Debug("Sampler failed", "error", err)
		return
	}
	s.reading = r
}

func (s *agentSession) sendHeartbeat() error {
	s.sample()
	return s.send(&protocol.Heartbeat{Load: types.LoadSnapshot{
		LocalQueueLen: len(s.jobs),
		Running:       s.pool.Running(),
		Capacity:      s.agent.cfg.Capacity,
		Parallel:      s.agent.cfg.Parallel,
		LoadAvg:       s.reading.LoadAvg,
		FreeMemoryMB:  s.reading.FreeMemoryMB,
	}})
}

func (s *agentSession) send(msg protocol.Message) error {
	if err := s.conn.Send(protocol.Frame{Msg: msg}); err != nil {
		return fmt.Errorf("send %s: %w", msg.Kind(), err)
	}
	return nil
}

func (s *agentSession) startBackoff() {
	s.stopBackoff()
	s.backoff = time.NewTimer(s.agent.cfg.Backoff)
}

func (s *agentSession) stopBackoff() {
	if s.backoff != nil {
		s.backoff.Stop()
		s.backoff = nil
	}
}

// backoffC nil timer 時回傳 nil channel，select 永遠不會選中
func (s *agentSession) backoffC() <-chan time.Time {
	if s.backoff == nil {
		return nil
	}
	return s.backoff.C
}
