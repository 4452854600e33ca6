// ============================================================================
// stealq Worker Pool - 子行程執行池
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理 parallel 個 runner goroutine，執行 coordinator 確認啟動的任務
//
// 設計模式:
//   採用 Worker Pool 模式（工作池模式）：
//   1. 固定數量（parallel）的 runner goroutine 持續運行
//   2. 通過共享的任務 channel 分發任務
//   3. 通過結果 channel 與輸出 channel 回報給 Agent
//
// 架構組件:
//   ┌─────────────┐
//   │    Agent    │ --Submit()--> taskCh
//   └─────────────┘
//         ↑
//   Results() / Output()
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │runner 1│←── taskCh
//   │  │runner 2│←── taskCh   ──→ resultCh / outputCh
//   │  └────────┘ │
//   └─────────────┘
//
// 生命週期:
//   1. NewPool() - 創建 Pool，初始化 channels
//   2. Start(n) - 啟動 n 個 runner goroutines
//   3. Submit(task) - 提交任務到 taskCh
//   4. Cancel(id) - 終止執行中或尚在排隊的任務
//   5. Stop() - 終止所有子行程，等待所有 runner 退出
//
// 關閉方式:
//   taskCh 與 resultCh 永遠不關閉；runner 與 Submit 都以 stopCh 作為退出訊號，
//   因此 Submit 與 Stop 之間沒有向已關閉 channel 送出的競爭。
//
// ============================================================================

package worker

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/ChuLiYu/stealq/internal/protocol"
	"github.com/ChuLiYu/stealq/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolFull 表示所有 runner 都在忙且排隊已滿
	ErrPoolFull = errors.New("worker pool is full")
)

// DefaultMaxOutputBytes 每個輸出串流保留的最大位元組數
const DefaultMaxOutputBytes = 1 << 20

// ============================================================================
// 資料結構定義
// ============================================================================

// Pool 代表子行程執行池
type Pool struct {
	runners   []*runner
	taskCh    chan Task
	resultCh  chan Result
	outputCh  chan Output
	stopCh    chan struct{}
	wg        sync.WaitGroup
	maxOutput int
	log       *slog.Logger

	mu        sync.Mutex
	running   map[types.JobID]*run     // 執行中的任務
	cancelled map[types.JobID]struct{} // 已取消但尚未被 runner 取出的任務
	started   bool
	stopped   bool
}

// NewPool 建立新的執行池
// 參數：
//   - bufferSize: 任務、結果與輸出通道的緩衝大小
//   - maxOutput: 每個串流保留在 Result 中的位元組上限，<= 0 使用預設值
func NewPool(bufferSize, maxOutput int, logger *slog.Logger) *Pool {
	if maxOutput <= 0 {
		maxOutput = DefaultMaxOutputBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		taskCh:    make(chan Task, bufferSize),
		resultCh:  make(chan Result, bufferSize),
		outputCh:  make(chan Output, bufferSize*4),
		stopCh:    make(chan struct{}),
		maxOutput: maxOutput,
		log:       logger,
		running:   make(map[types.JobID]*run),
		cancelled: make(map[types.JobID]struct{}),
	}
}

// Start 啟動指定數量的 runner
func (p *Pool) Start(parallel int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	if parallel < 1 {
		parallel = 1
	}

	for i := 0; i < parallel; i++ {
		r := newRunner(i, p)
		p.runners = append(p.runners, r)

		p.wg.Add(1)
		go func(r *runner) {
			defer p.wg.Done()
			r.loop()
		}(r)
	}

	p.started = true
	return nil
}

// Submit 提交任務；不會阻塞，排隊已滿時回傳 ErrPoolFull
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}
	delete(p.cancelled, task.JobID)

	select {
	case p.taskCh <- task:
		return nil
	default:
		return ErrPoolFull
	}
}

// Cancel 終止任務：執行中的子行程被 kill，尚在排隊的任務不會被啟動。
// 兩種情況都會在 Results() 收到 Cancelled 結果。
func (p *Pool) Cancel(jobID types.JobID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if rn, ok := p.running[jobID]; ok {
		rn.cancelled.Store(true)
		rn.cancel()
		return
	}
	p.cancelled[jobID] = struct{}{}
}

// Results 子行程結束的結果
func (p *Pool) Results() <-chan Result { return p.resultCh }

// Output 子行程的即時輸出
func (p *Pool) Output() <-chan Output { return p.outputCh }

// Running 目前執行中的子行程數量
func (p *Pool) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.running)
}

// Stop 終止所有子行程並等待 runner 退出
//
// 關閉流程：
//  1. 設定 stopped 標誌，拒絕新任務
//  2. 取消所有執行中的子行程
//  3. 關閉 stopCh，runner 完成目前的 Wait 後退出
//  4. 等待所有 runner 完成
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	for _, rn := range p.running {
		rn.cancelled.Store(true)
		rn.cancel()
	}
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()
}

// ============================================================================
// runner 使用的內部方法
// ============================================================================

// track 登記執行中的任務；任務已被取消或 Pool 已停止時回傳原因
func (p *Pool) track(jobID types.JobID, rn *run) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return "worker stopping"
	}
	if _, ok := p.cancelled[jobID]; ok {
		delete(p.cancelled, jobID)
		return "cancelled"
	}
	p.running[jobID] = rn
	return ""
}

func (p *Pool) untrack(jobID types.JobID) {
	p.mu.Lock()
	delete(p.running, jobID)
	p.mu.Unlock()
}

func (p *Pool) newCapture(jobID types.JobID, stream protocol.Stream) *capture {
	return &capture{jobID: jobID, stream: stream, limit: p.maxOutput, emit: p.emit}
}

// emit 轉發輸出；Pool 停止後丟棄
func (p *Pool) emit(o Output) {
	select {
	case p.outputCh <- o:
	case <-p.stopCh:
	}
}
