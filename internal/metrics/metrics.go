// ============================================================================
// stealq Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露 coordinator 的排程指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 任務計數器 (Counter)：
//      - stealq_jobs_submitted_total: 提交任務總數
//      - stealq_jobs_dispatched_total: 分派（offer）總數，含竊取
//      - stealq_jobs_stolen_total: 竊取成功次數
//      - stealq_jobs_completed_total{status}: 終止任務數（finished/failed/cancelled）
//      - stealq_jobs_requeued_total: 重新排隊次數（拒絕、驅逐、重試）
//      - stealq_workers_evicted_total: 被驅逐的 worker 數
//
//   2. 性能指標 (Histogram)：
//      - stealq_job_run_seconds: 子行程執行時間（started → finished）
//      - stealq_job_wait_seconds: 排隊時間（submitted → started）
//
//   3. 狀態指標 (Gauge)：
//      - stealq_jobs{status}: 各狀態的任務數
//      - stealq_workers_connected: 已連線 worker 數
//      - stealq_recovery_time_seconds: 最近一次恢復耗時
//
// 所有方法對 nil *Collector 安全，測試與未啟用 metrics 時可直接傳 nil。
//
// ============================================================================

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "stealq"

// Collector Prometheus 指標收集器
type Collector struct {
	// 任務相關指標
	jobsSubmitted  prometheus.Counter
	jobsDispatched prometheus.Counter
	jobsStolen     prometheus.Counter
	jobsCompleted  *prometheus.CounterVec
	jobsRequeued   prometheus.Counter
	workersEvicted prometheus.Counter

	// 效能指標
	jobRun       prometheus.Histogram
	jobWait      prometheus.Histogram
	recoveryTime prometheus.Gauge

	// 狀態指標
	jobs             *prometheus.GaugeVec
	workersConnected prometheus.Gauge
}

// NewCollector 創建指標收集器並註冊到 reg
//
// reg 為 nil 時使用 prometheus.DefaultRegisterer。同一個 registry 只能註冊一次。
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Total number of jobs submitted by clients",
		}),
		jobsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_dispatched_total",
			Help:      "Total number of job offers sent to workers, including steals",
		}),
		jobsStolen: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_stolen_total",
			Help:      "Total number of offered jobs moved from a loaded worker to an idle one",
		}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Total number of jobs that reached a terminal status",
		}, []string{"status"}),
		jobsRequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_requeued_total",
			Help:      "Total number of jobs returned to the central queue",
		}),
		workersEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workers_evicted_total",
			Help:      "Total number of workers evicted after disconnect or missed heartbeats",
		}),
		jobRun: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_run_seconds",
			Help:      "Job execution time from start to terminal status",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		jobWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_wait_seconds",
			Help:      "Time a job spent queued or offered before it started",
			Buckets:   prometheus.DefBuckets,
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_time_seconds",
			Help:      "Time taken to restore coordinator state at startup",
		}),
		jobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs",
			Help:      "Current number of jobs held by the coordinator, by status",
		}, []string{"status"}),
		workersConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_connected",
			Help:      "Current number of registered workers",
		}),
	}

	reg.MustRegister(
		c.jobsSubmitted,
		c.jobsDispatched,
		c.jobsStolen,
		c.jobsCompleted,
		c.jobsRequeued,
		c.workersEvicted,
		c.jobRun,
		c.jobWait,
		c.recoveryTime,
		c.jobs,
		c.workersConnected,
	)
	return c
}

// RecordSubmit 記錄任務提交
func (c *Collector) RecordSubmit() {
	if c == nil {
		return
	}
	c.jobsSubmitted.Inc()
}

// RecordDispatch 記錄任務分派；stolen 表示來自竊取
func (c *Collector) RecordDispatch(stolen bool) {
	if c == nil {
		return
	}
	c.jobsDispatched.Inc()
	if stolen {
		c.jobsStolen.Inc()
	}
}

// RecordStart 記錄任務開始執行，waitSeconds 為 submitted → started
func (c *Collector) RecordStart(waitSeconds float64) {
	if c == nil {
		return
	}
	c.jobWait.Observe(waitSeconds)
}

// RecordTerminal 記錄任務進入終止狀態；runSeconds < 0 表示從未開始
func (c *Collector) RecordTerminal(status string, runSeconds float64) {
	if c == nil {
		return
	}
	c.jobsCompleted.WithLabelValues(status).Inc()
	if runSeconds >= 0 {
		c.jobRun.Observe(runSeconds)
	}
}

// RecordRequeue 記錄任務重新排隊
func (c *Collector) RecordRequeue() {
	if c == nil {
		return
	}
	c.jobsRequeued.Inc()
}

// RecordEviction 記錄 worker 被驅逐
func (c *Collector) RecordEviction() {
	if c == nil {
		return
	}
	c.workersEvicted.Inc()
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(seconds float64) {
	if c == nil {
		return
	}
	c.recoveryTime.Set(seconds)
}

// UpdateQueueStats 以 jobmanager.Stats() 的結果更新狀態 gauge
func (c *Collector) UpdateQueueStats(stats map[string]int, workers int) {
	if c == nil {
		return
	}
	for status, n := range stats {
		c.jobs.WithLabelValues(status).Set(float64(n))
	}
	c.workersConnected.Set(float64(workers))
}

// Handler 回傳 /metrics 的 HTTP handler；g 為 nil 時使用預設 gatherer
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
