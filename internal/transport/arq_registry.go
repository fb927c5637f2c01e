// =============================================================================
// 文件: internal/transport/arq_registry.go
// 描述: ARQ 可靠传输 - 连接注册表 (地址 -> 连接，空闲回收)
// =============================================================================
package transport

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"net"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mrcgq/rdtp/internal/protocol"
)

// Registry 连接注册表
//
// 服务端模式 (factory 非空) 下接受未知对端的握手；客户端模式只路由已拨出的连接。
type Registry struct {
	config  *ConnConfig
	out     PacketWriter
	factory SessionFactory
	guard   *HandshakeGuard

	conns map[string]*Conn
	mu    sync.RWMutex

	stats EngineStats

	log log.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRegistry 创建注册表；factory 为 nil 时为客户端模式
func NewRegistry(out PacketWriter, config *ConnConfig, factory SessionFactory, logger log.FieldLogger) *Registry {
	config = config.withDefaults()
	if logger == nil {
		logger = log.StandardLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())

	r := &Registry{
		config:  config,
		out:     out,
		factory: factory,
		conns:   make(map[string]*Conn),
		log:     logger.WithField("mod", "arq"),
		ctx:     ctx,
		cancel:  cancel,
	}
	if factory != nil {
		r.guard = NewHandshakeGuard(config.HandshakeTimeout * time.Duration(config.HandshakeAttempts))
	}

	// 启动清理协程
	r.wg.Add(1)
	go r.cleanupLoop()

	return r
}

// HandlePacket 处理收到的数据报 (实现 PacketHandler)
func (r *Registry) HandlePacket(data []byte, from net.Addr) {
	atomic.AddUint64(&r.stats.PacketsIn, 1)

	m, err := DecodeMessage(data)
	if err != nil {
		atomic.AddUint64(&r.stats.Malformed, 1)
		r.log.WithField("peer", from.String()).Debugf("丢弃: %v", err)
		return
	}

	conn := r.route(m, from)
	if conn != nil {
		conn.deliver(m)
	}
}

// route 查找或创建对端连接，返回 nil 表示丢弃
func (r *Registry) route(m *Message, from net.Addr) *Conn {
	key := peerKey(from)

	r.mu.RLock()
	conn := r.conns[key]
	r.mu.RUnlock()

	if conn != nil && !r.supersedes(conn, m) {
		return conn
	}

	if r.factory == nil {
		// 客户端模式不接受新对端
		return nil
	}

	// 新连接：必须是合法握手，否则静默丢弃
	if m.Role != RoleHandshake || m.Window < 1 {
		atomic.AddUint64(&r.stats.HandshakesRejected, 1)
		r.log.WithField("peer", key).Debugf("%v: 未知对端的 %s", protocol.ErrInvalidHandshake, m.Role)
		return nil
	}
	if r.guard.Seen(key, m.Seq) {
		atomic.AddUint64(&r.stats.StaleHandshakes, 1)
		r.log.WithField("peer", key).Debug("丢弃已结束连接的重复握手")
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ctx.Err() != nil {
		return nil
	}

	// 加锁后复查
	if existing := r.conns[key]; existing != nil {
		if !r.supersedes(existing, m) {
			return existing
		}
		existing.Abort(nil)
		delete(r.conns, key)
		atomic.AddInt64(&r.stats.ActiveConns, -1)
	}

	conn = newConn(from, r.out, r.config, r.factory.NewSession(from), false, r.log)
	conn.isn = m.Seq
	r.attachLocked(key, conn)
	conn.start()
	return conn
}

// supersedes 新握手可以替换正在 CLOSING 的旧连接
func (r *Registry) supersedes(conn *Conn, m *Message) bool {
	return r.factory != nil &&
		m.Role == RoleHandshake &&
		conn.State() == StateClosing &&
		m.Seq != conn.isn
}

func (r *Registry) attachLocked(key string, conn *Conn) {
	conn.engine = &r.stats
	conn.onExit = r.detach
	r.conns[key] = conn
	atomic.AddUint64(&r.stats.TotalConns, 1)
	atomic.AddInt64(&r.stats.ActiveConns, 1)
}

// detach 连接退出回调
func (r *Registry) detach(conn *Conn) {
	key := peerKey(conn.peer)

	r.mu.Lock()
	if r.conns[key] == conn {
		delete(r.conns, key)
		atomic.AddInt64(&r.stats.ActiveConns, -1)
	}
	r.mu.Unlock()

	// 在连接协程中调用，可读取 opened
	if r.guard != nil && conn.opened {
		r.guard.Mark(key, conn.isn)
	}
}

// Dial 向对端发起连接 (客户端)
func (r *Registry) Dial(peer net.Addr, session Session) (*Conn, error) {
	if r.ctx.Err() != nil {
		return nil, ErrConnClosed
	}

	key := peerKey(peer)

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing := r.conns[key]; existing != nil {
		if existing.State() != StateClosing {
			return nil, ErrConnBusy
		}
		existing.Abort(nil)
		delete(r.conns, key)
		atomic.AddInt64(&r.stats.ActiveConns, -1)
	}

	isn, err := randomISN()
	if err != nil {
		return nil, protocol.Wrap(protocol.KindConnectionFailed, "生成初始序列号失败", err)
	}

	conn := newConn(peer, r.out, r.config, session, true, r.log)
	conn.isn = isn
	r.attachLocked(key, conn)
	conn.start()

	return conn, nil
}

func randomISN() (uint64, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return uint64(binary.BigEndian.Uint32(b[:])), nil
}

// Lookup 获取连接
func (r *Registry) Lookup(peer net.Addr) *Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[peerKey(peer)]
}

// Len 当前连接数
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// cleanupLoop 清理循环
func (r *Registry) cleanupLoop() {
	defer r.wg.Done()

	interval := r.config.IdleTimeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	if interval > time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.evictIdle(time.Now())
		}
	}
}

// evictIdle 终止空闲超时的连接
func (r *Registry) evictIdle(now time.Time) {
	var idle []*Conn

	r.mu.RLock()
	for _, conn := range r.conns {
		if now.Sub(conn.LastActivity()) > r.config.IdleTimeout {
			idle = append(idle, conn)
		}
	}
	r.mu.RUnlock()

	for _, conn := range idle {
		atomic.AddUint64(&r.stats.IdleEvictions, 1)
		conn.log.WithField("state", conn.State()).Debug("空闲超时，回收连接")
		conn.Abort(ErrIdleTimeout)
	}
}

// Close 关闭注册表及全部连接
func (r *Registry) Close() {
	r.cancel()

	r.mu.RLock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	for _, conn := range conns {
		conn.Abort(ErrConnClosed)
	}
	for _, conn := range conns {
		<-conn.Exited()
	}

	r.wg.Wait()
}

// Wait 等待所有连接退出 (包括 CLOSING 中的连接)
func (r *Registry) Wait(ctx context.Context) error {
	for {
		r.mu.RLock()
		var conn *Conn
		for _, c := range r.conns {
			conn = c
			break
		}
		r.mu.RUnlock()

		if conn == nil {
			return nil
		}
		select {
		case <-conn.Exited():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stats 统计快照
func (r *Registry) Stats() EngineStats {
	var guard GuardStats
	if r.guard != nil {
		guard = r.guard.Stats()
	}
	return EngineStats{
		PacketsIn:          atomic.LoadUint64(&r.stats.PacketsIn),
		PacketsOut:         atomic.LoadUint64(&r.stats.PacketsOut),
		Malformed:          atomic.LoadUint64(&r.stats.Malformed),
		Handshakes:         atomic.LoadUint64(&r.stats.Handshakes),
		HandshakesRejected: atomic.LoadUint64(&r.stats.HandshakesRejected),
		StaleHandshakes:    atomic.LoadUint64(&r.stats.StaleHandshakes),
		GuardChecks:        guard.Checks,
		GuardFalsePositive: guard.FalsePositives,
		InboxDrops:         atomic.LoadUint64(&r.stats.InboxDrops),
		TimeoutRetransmits: atomic.LoadUint64(&r.stats.TimeoutRetransmits),
		FastRetransmits:    atomic.LoadUint64(&r.stats.FastRetransmits),
		TransfersFailed:    atomic.LoadUint64(&r.stats.TransfersFailed),
		IdleEvictions:      atomic.LoadUint64(&r.stats.IdleEvictions),
		TotalConns:         atomic.LoadUint64(&r.stats.TotalConns),
		ActiveConns:        atomic.LoadInt64(&r.stats.ActiveConns),
	}
}

// ConnStats 各连接统计
func (r *Registry) ConnStats() map[string]ConnStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]ConnStats, len(r.conns))
	for key, conn := range r.conns {
		out[key] = conn.Stats()
	}
	return out
}
