// =============================================================================
// 文件: internal/metrics/collectors.go
// 描述: Prometheus 收集器 - 抓取时读取引擎与组件的统计快照
// =============================================================================
package metrics

import (
	"sort"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mrcgq/rdtp/internal/transport"
)

// =============================================================================
// 引擎收集器
// =============================================================================

// EngineStatsProvider 引擎统计数据接口 (transport.Registry 实现)
type EngineStatsProvider interface {
	Stats() transport.EngineStats
}

// engineCounter 计数器描述与取值
type engineCounter struct {
	desc  *prometheus.Desc
	value func(s *transport.EngineStats) uint64
}

// EngineCollector ARQ 引擎指标收集器
type EngineCollector struct {
	provider EngineStatsProvider

	counters        []engineCounter
	activeConnsDesc *prometheus.Desc
}

// NewEngineCollector 创建引擎收集器
func NewEngineCollector(provider EngineStatsProvider) *EngineCollector {
	subsystem := "arq"

	counter := func(name, help string, value func(s *transport.EngineStats) uint64) engineCounter {
		return engineCounter{
			desc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, nil, nil),
			value: value,
		}
	}

	return &EngineCollector{
		provider: provider,
		counters: []engineCounter{
			counter("packets_in_total", "Datagrams received",
				func(s *transport.EngineStats) uint64 { return s.PacketsIn }),
			counter("packets_out_total", "Datagrams sent",
				func(s *transport.EngineStats) uint64 { return s.PacketsOut }),
			counter("malformed_total", "Datagrams dropped as malformed frames",
				func(s *transport.EngineStats) uint64 { return s.Malformed }),
			counter("handshakes_total", "Connections opened by handshake",
				func(s *transport.EngineStats) uint64 { return s.Handshakes }),
			counter("handshakes_rejected_total", "Datagrams from unknown peers that were not a valid handshake",
				func(s *transport.EngineStats) uint64 { return s.HandshakesRejected }),
			counter("stale_handshakes_total", "Handshakes matching an already closed connection",
				func(s *transport.EngineStats) uint64 { return s.StaleHandshakes }),
			counter("guard_checks_total", "Handshakes checked against recently closed connections",
				func(s *transport.EngineStats) uint64 { return s.GuardChecks }),
			counter("guard_false_positives_total", "Bloom filter hits without a matching closed connection",
				func(s *transport.EngineStats) uint64 { return s.GuardFalsePositive }),
			counter("inbox_drops_total", "Datagrams dropped on a full connection inbox",
				func(s *transport.EngineStats) uint64 { return s.InboxDrops }),
			counter("timeout_retransmits_total", "Window retransmissions triggered by the timer",
				func(s *transport.EngineStats) uint64 { return s.TimeoutRetransmits }),
			counter("fast_retransmits_total", "Window retransmissions triggered by duplicate ACKs",
				func(s *transport.EngineStats) uint64 { return s.FastRetransmits }),
			counter("transfers_failed_total", "Connections finished with an error",
				func(s *transport.EngineStats) uint64 { return s.TransfersFailed }),
			counter("idle_evictions_total", "Connections evicted after the idle timeout",
				func(s *transport.EngineStats) uint64 { return s.IdleEvictions }),
			counter("connections_total", "Connections created",
				func(s *transport.EngineStats) uint64 { return s.TotalConns }),
		},
		activeConnsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "active_connections"),
			"Connections currently registered",
			nil, nil,
		),
	}
}

// Describe 实现 prometheus.Collector 接口
func (c *EngineCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, ec := range c.counters {
		ch <- ec.desc
	}
	ch <- c.activeConnsDesc
}

// Collect 实现 prometheus.Collector 接口
func (c *EngineCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.provider.Stats()
	for _, ec := range c.counters {
		ch <- prometheus.MustNewConstMetric(ec.desc, prometheus.CounterValue, float64(ec.value(&stats)))
	}
	ch <- prometheus.MustNewConstMetric(c.activeConnsDesc, prometheus.GaugeValue, float64(stats.ActiveConns))
}

// =============================================================================
// 统计表收集器
// =============================================================================

// StatsProvider 以 map 形式提供计数 (UDP 传输、文件服务)
type StatsProvider interface {
	GetStats() map[string]uint64
}

// StatsCollector 将 GetStats 的每个键导出为计数器
// 键在创建时确定，快照中缺失的键跳过
type StatsCollector struct {
	provider StatsProvider
	keys     []string
	descs    map[string]*prometheus.Desc
}

// NewStatsCollector 创建统计表收集器，指标名为 rdtp_<subsystem>_<key>_total
func NewStatsCollector(subsystem string, provider StatsProvider) *StatsCollector {
	c := &StatsCollector{
		provider: provider,
		descs:    make(map[string]*prometheus.Desc),
	}
	for key := range provider.GetStats() {
		c.keys = append(c.keys, key)
		c.descs[key] = prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, key+"_total"),
			subsystem+" counter "+key,
			nil, nil,
		)
	}
	sort.Strings(c.keys)
	return c
}

// Describe 实现 prometheus.Collector 接口
func (c *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, key := range c.keys {
		ch <- c.descs[key]
	}
}

// Collect 实现 prometheus.Collector 接口
func (c *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.provider.GetStats()
	for _, key := range c.keys {
		v, ok := stats[key]
		if !ok {
			continue
		}
		ch <- prometheus.MustNewConstMetric(c.descs[key], prometheus.CounterValue, float64(v))
	}
}
