// =============================================================================
// 文件: internal/metrics/metrics.go
// 描述: 传输指标 - 每次上传/下载结束时埋点 (Counter/Histogram)
// =============================================================================
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "rdtp"

// TransferMetrics 传输指标集合
type TransferMetrics struct {
	Transfers *prometheus.CounterVec
	Bytes     *prometheus.CounterVec
	Duration  *prometheus.HistogramVec
	SRTT      prometheus.Histogram

	// 最近一次传输
	mu   sync.Mutex
	last TransferRecord
}

// TransferRecord 最近一次传输摘要 (健康检查使用)
type TransferRecord struct {
	Op       string        `json:"op"`
	Result   string        `json:"result"`
	Bytes    int64         `json:"bytes"`
	Duration time.Duration `json:"duration"`
	At       time.Time     `json:"at"`
}

// NewTransferMetrics 创建并注册传输指标
func NewTransferMetrics(registry prometheus.Registerer) *TransferMetrics {
	m := &TransferMetrics{
		Transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_total",
			Help:      "Completed transfers by operation and result",
		}, []string{"op", "result"}),

		Bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_bytes_total",
			Help:      "File bytes moved by operation",
		}, []string{"op"}),

		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transfer_duration_seconds",
			Help:      "Transfer duration from request to completion",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"op"}),

		SRTT: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transfer_srtt_seconds",
			Help:      "Smoothed round-trip time at the end of each transfer",
			Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
	}

	registry.MustRegister(m.Transfers, m.Bytes, m.Duration, m.SRTT)
	return m
}

// Observe 记录一次传输结果
func (m *TransferMetrics) Observe(op, result string, bytes int64, d, srtt time.Duration) {
	m.Transfers.WithLabelValues(op, result).Inc()
	if bytes > 0 {
		m.Bytes.WithLabelValues(op).Add(float64(bytes))
	}
	m.Duration.WithLabelValues(op).Observe(d.Seconds())

	// 未采样到 RTT 的传输不计入
	if srtt > 0 {
		m.SRTT.Observe(srtt.Seconds())
	}

	m.mu.Lock()
	m.last = TransferRecord{Op: op, Result: result, Bytes: bytes, Duration: d, At: time.Now()}
	m.mu.Unlock()
}

// Last 最近一次传输，没有时 ok 为 false
func (m *TransferMetrics) Last() (TransferRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, !m.last.At.IsZero()
}
