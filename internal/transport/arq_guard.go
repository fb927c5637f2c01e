// =============================================================================
// 文件: internal/transport/arq_guard.go
// 描述: 过期握手过滤 - 记录已关闭连接的 (对端, 初始序列号)
// =============================================================================
package transport

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
)

const (
	// 布隆过滤器参数
	guardExpectedItems = 50000
	guardFalsePositive = 0.000001

	guardSlices = 4
)

// GuardStats 过滤器统计
type GuardStats struct {
	Checks         uint64
	Blocked        uint64
	FalsePositives uint64 // 布隆命中但精确记录中不存在
}

// HandshakeGuard 过期握手过滤器
//
// 客户端在握手应答迟到时会重发握手；若连接已结束，这些迟到的握手会在服务端
// 再创建一个半开连接。关闭连接时记录 (peer, isn)，在保留时间内再出现即丢弃。
// 布隆过滤器按时间片轮转做快速排除，命中后再以精确记录确认，误判不会拦截新连接。
type HandshakeGuard struct {
	slices     [guardSlices]*bloom.BloomFilter
	current    int
	sliceDur   time.Duration
	retention  time.Duration
	lastRotate time.Time

	// 保留期内已结束连接的精确记录
	recent map[string]time.Time

	checks         uint64
	blocked        uint64
	falsePositives uint64

	mu sync.Mutex
}

// NewHandshakeGuard 创建过滤器，retention 为记录保留时长
func NewHandshakeGuard(retention time.Duration) *HandshakeGuard {
	if retention <= 0 {
		retention = ARQDefaultHandshakeTimeout * ARQDefaultHandshakeAttempts
	}
	g := &HandshakeGuard{
		sliceDur:   retention / (guardSlices - 1),
		retention:  retention,
		lastRotate: time.Now(),
		recent:     make(map[string]time.Time),
	}
	for i := range g.slices {
		g.slices[i] = bloom.NewWithEstimates(guardExpectedItems, guardFalsePositive)
	}
	return g
}

func guardKey(peer string, isn uint64) []byte {
	key := make([]byte, 8+len(peer))
	binary.BigEndian.PutUint64(key, isn)
	copy(key[8:], peer)
	return key
}

// Mark 记录已结束连接的握手
func (g *HandshakeGuard) Mark(peer string, isn uint64) {
	now := time.Now()
	key := guardKey(peer, isn)

	g.mu.Lock()
	defer g.mu.Unlock()

	g.rotateLocked(now)
	g.slices[g.current].Add(key)
	g.recent[string(key)] = now
}

// Seen 握手是否属于保留期内已结束的连接
func (g *HandshakeGuard) Seen(peer string, isn uint64) bool {
	atomic.AddUint64(&g.checks, 1)
	now := time.Now()
	key := guardKey(peer, isn)

	g.mu.Lock()
	defer g.mu.Unlock()

	g.rotateLocked(now)
	if !g.testLocked(key) {
		return false
	}

	marked, ok := g.recent[string(key)]
	if !ok || now.Sub(marked) > g.retention {
		atomic.AddUint64(&g.falsePositives, 1)
		return false
	}
	atomic.AddUint64(&g.blocked, 1)
	return true
}

func (g *HandshakeGuard) testLocked(key []byte) bool {
	for _, f := range g.slices {
		if f.Test(key) {
			return true
		}
	}
	return false
}

// rotateLocked 按经过的时间片数清空最旧的过滤器，并清理过期的精确记录
func (g *HandshakeGuard) rotateLocked(now time.Time) {
	elapsed := now.Sub(g.lastRotate)
	if elapsed < g.sliceDur {
		return
	}

	steps := int(elapsed / g.sliceDur)
	if steps > guardSlices {
		steps = guardSlices
	}
	for i := 0; i < steps; i++ {
		g.current = (g.current + 1) % guardSlices
		g.slices[g.current].ClearAll()
	}
	g.lastRotate = now

	for key, marked := range g.recent {
		if now.Sub(marked) > g.retention {
			delete(g.recent, key)
		}
	}
}

// Stats 统计快照
func (g *HandshakeGuard) Stats() GuardStats {
	return GuardStats{
		Checks:         atomic.LoadUint64(&g.checks),
		Blocked:        atomic.LoadUint64(&g.blocked),
		FalsePositives: atomic.LoadUint64(&g.falsePositives),
	}
}
