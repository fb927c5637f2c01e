// =============================================================================
// 文件: internal/transport/arq_rtt.go
// 描述: RTT 测量与估算 (RFC 6298)，仅用于统计，重传超时保持固定
// =============================================================================
package transport

import (
	"sync/atomic"
	"time"
)

const (
	rttAlpha = 0.125 // SRTT 平滑因子 (1/8)
	rttBeta  = 0.25  // RTT 方差因子 (1/4)
)

// rttEstimator RTT 估算器
// 只在连接处理协程中更新，对外通过 connCounters 发布
type rttEstimator struct {
	smoothedRTT time.Duration // SRTT
	rttVariance time.Duration // RTTVAR
	minRTT      time.Duration
	latestRTT   time.Duration

	samples     uint64
	initialized bool
}

func newRTTEstimator() *rttEstimator {
	return &rttEstimator{}
}

// update 加入一个采样
func (r *rttEstimator) update(sample time.Duration) {
	if sample <= 0 {
		return
	}

	r.latestRTT = sample
	r.samples++

	if r.minRTT == 0 || sample < r.minRTT {
		r.minRTT = sample
	}

	if !r.initialized {
		r.smoothedRTT = sample
		r.rttVariance = sample / 2
		r.initialized = true
		return
	}

	// RTTVAR = (1 - beta) * RTTVAR + beta * |SRTT - R|
	diff := r.smoothedRTT - sample
	if diff < 0 {
		diff = -diff
	}
	r.rttVariance = time.Duration(float64(r.rttVariance)*(1-rttBeta) + float64(diff)*rttBeta)

	// SRTT = (1 - alpha) * SRTT + alpha * R
	r.smoothedRTT = time.Duration(float64(r.smoothedRTT)*(1-rttAlpha) + float64(sample)*rttAlpha)
}

func (r *rttEstimator) smoothed() time.Duration { return r.smoothedRTT }

func (r *rttEstimator) min() time.Duration { return r.minRTT }

func atomic64Inc(p *uint64) {
	atomic.AddUint64(p, 1)
}

func storeDuration(p *int64, d time.Duration) {
	atomic.StoreInt64(p, int64(d))
}
