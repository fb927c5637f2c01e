// =============================================================================
// 文件: internal/transport/arq_conn.go
// 描述: ARQ 可靠传输 - 连接状态机与单写者处理循环
// =============================================================================
package transport

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/mrcgq/rdtp/internal/protocol"
)

// 错误定义
var (
	ErrConnClosed  = protocol.Errorf(protocol.KindTransferFailed, "连接已关闭")
	ErrIdleTimeout = protocol.Errorf(protocol.KindTransferFailed, "连接空闲超时")
	ErrConnBusy    = protocol.Errorf(protocol.KindConnectionFailed, "对端已有进行中的连接")
)

// PacketWriter 发送数据报 (非阻塞、尽力而为)
type PacketWriter interface {
	WriteTo(data []byte, addr net.Addr) error
}

// loopTimer 处理循环内使用的定时器
// c 为 nil 时 select 永不命中
type loopTimer struct {
	d time.Duration
	t *time.Timer
	c <-chan time.Time
}

func (lt *loopTimer) Arm() {
	lt.Cancel()
	lt.t = time.NewTimer(lt.d)
	lt.c = lt.t.C
}

func (lt *loopTimer) Cancel() {
	if lt.t != nil {
		lt.t.Stop()
		lt.t = nil
	}
	lt.c = nil
}

func (lt *loopTimer) armed() bool {
	return lt.c != nil
}

// Conn 单个对端、单次传输的 ARQ 连接
//
// 所有状态只由 run 协程修改；Session 回调在该协程中执行。
// 其余协程只能调用 Abort / State / Done / Err / Stats 等并发安全方法。
type Conn struct {
	id     string
	peer   net.Addr
	out    PacketWriter
	cfg    *ConnConfig
	client bool
	isn    uint64 // 握手序列号: 客户端为自身，服务端为对端
	window uint8

	state uint32 // ConnState

	snd     *sender
	rcv     *receiver
	rtt     *rttEstimator
	session Session

	inbox chan *Message

	rtx    loopTimer // 唯一的重传定时器 (握手阶段兼作握手超时)
	grace  loopTimer
	linger loopTimer

	handshakeAttempts int
	opened            bool
	finishOnDrain     bool
	drainErr          error

	finished bool
	err      error
	done     chan struct{}
	exited   chan struct{}

	abortErr  error
	abortOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc

	lastActivity int64
	createdAt    time.Time
	counters     connCounters
	engine       *EngineStats
	onExit       func(*Conn)

	log log.FieldLogger
}

func newConn(peer net.Addr, out PacketWriter, cfg *ConnConfig, session Session, client bool, logger log.FieldLogger) *Conn {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	if logger == nil {
		logger = log.StandardLogger()
	}

	c := &Conn{
		id:        uuid.New().String(),
		peer:      peer,
		out:       out,
		cfg:       cfg,
		client:    client,
		window:    cfg.WindowSize,
		session:   session,
		inbox:     make(chan *Message, cfg.InboxSize),
		rtt:       newRTTEstimator(),
		done:      make(chan struct{}),
		exited:    make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		createdAt: time.Now(),
		engine:    &EngineStats{},
	}
	c.rtx.d = cfg.RTO
	c.grace.d = cfg.ErrorGrace
	c.linger.d = cfg.Linger

	c.snd = newSender(cfg, &c.rtx, c.emit)
	c.snd.ref = func() uint64 { return c.rcv.expected }
	c.snd.rtt = c.rtt
	c.snd.stats = &c.counters
	c.rcv = newReceiver(0, cfg.WindowSize)

	if client {
		c.state = uint32(StateHandshakeSent)
	} else {
		c.state = uint32(StateAwaitHandshake)
	}

	c.log = logger.WithFields(log.Fields{
		"conn": c.id[:8],
		"peer": peer.String(),
	})
	c.touch()
	return c
}

// =============================================================================
// 并发安全方法
// =============================================================================

// ID 连接标识
func (c *Conn) ID() string { return c.id }

// Peer 对端地址
func (c *Conn) Peer() net.Addr { return c.peer }

// State 当前状态
func (c *Conn) State() ConnState {
	return ConnState(atomic.LoadUint32(&c.state))
}

func (c *Conn) setState(s ConnState) {
	atomic.StoreUint32(&c.state, uint32(s))
}

// LastActivity 最近一次收、发或定时器触发的时间
func (c *Conn) LastActivity() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastActivity))
}

func (c *Conn) touch() {
	atomic.StoreInt64(&c.lastActivity, time.Now().UnixNano())
}

// Done 结果确定后关闭
func (c *Conn) Done() <-chan struct{} { return c.done }

// Exited 处理协程退出、资源释放后关闭
func (c *Conn) Exited() <-chan struct{} { return c.exited }

// Err 阻塞直到结果确定，返回传输结果
func (c *Conn) Err() error {
	<-c.done
	return c.err
}

// Stats 统计快照
func (c *Conn) Stats() ConnStats {
	return c.counters.snapshot(c.State())
}

// Abort 从外部终止连接
func (c *Conn) Abort(err error) {
	c.abortOnce.Do(func() {
		if err == nil {
			err = ErrConnClosed
		}
		c.abortErr = err
		c.cancel()
	})
}

// deliver 投递入站消息，队列满时丢弃
func (c *Conn) deliver(m *Message) bool {
	select {
	case c.inbox <- m:
		return true
	default:
		atomic.AddUint64(&c.engine.InboxDrops, 1)
		return false
	}
}

// =============================================================================
// Session 可调用的方法 (仅限处理协程)
// =============================================================================

// Window 协商后的窗口大小
func (c *Conn) Window() uint8 { return c.window }

// Send 排队一个 DATA 消息
func (c *Conn) Send(payload []byte) {
	if c.finished {
		return
	}
	c.snd.push(payload, false)
	if c.State() == StateEstablished {
		c.pump()
	}
}

// Stream 在已排队消息之后发送数据源的全部数据块
func (c *Conn) Stream(src ChunkSource) {
	if c.finished {
		return
	}
	c.snd.attach(src)
	if c.State() == StateEstablished {
		c.pump()
	}
}

// Finish 确定传输结果并关闭连接
func (c *Conn) Finish(err error) {
	c.finish(err)
}

// FinishAfterDrain 等待已发送消息被确认后结束，最多等待 ErrorGrace
func (c *Conn) FinishAfterDrain(err error) {
	if c.finished {
		return
	}
	if c.snd.idle() {
		c.finish(err)
		return
	}
	c.finishOnDrain = true
	c.drainErr = err
	c.grace.Arm()
}

// =============================================================================
// 处理循环
// =============================================================================

func (c *Conn) start() {
	go c.run()
}

func (c *Conn) run() {
	defer c.exit()

	if c.client {
		c.sendHandshake()
	}

	for {
		select {
		case <-c.ctx.Done():
			if !c.finished {
				c.finish(c.abortErr)
			}
			return

		case m := <-c.inbox:
			c.touch()
			c.handleMessage(m)

		case <-c.rtx.c:
			c.rtx.t, c.rtx.c = nil, nil
			c.touch()
			c.onRetransmitTimer()

		case <-c.grace.c:
			c.grace.t, c.grace.c = nil, nil
			c.log.Debug("错误应答未获确认，宽限期结束")
			c.finish(c.drainErr)

		case <-c.linger.c:
			c.linger.t, c.linger.c = nil, nil
			c.release()
		}

		if c.State() == StateClosed {
			return
		}
	}
}

func (c *Conn) exit() {
	c.rtx.Cancel()
	c.grace.Cancel()
	c.linger.Cancel()
	c.setState(StateClosed)
	c.cancel()

	if c.onExit != nil {
		c.onExit(c)
	}
	close(c.exited)
}

// finish 确定结果；若本端已交付 LAST 则进入 CLOSING 继续应答重复包
func (c *Conn) finish(err error) {
	if c.finished {
		return
	}
	c.finished = true
	c.err = err
	c.finishOnDrain = false
	c.rtx.Cancel()
	c.grace.Cancel()

	if err != nil {
		atomic.AddUint64(&c.engine.TransfersFailed, 1)
		c.log.WithField("kind", protocol.KindOf(err)).Debugf("连接结束: %v", err)
	} else {
		c.log.Debug("连接完成")
	}

	c.session.OnClose(c, err)
	close(c.done)

	if err == nil && c.rcv.finished && c.cfg.Linger > 0 && c.ctx.Err() == nil {
		c.setState(StateClosing)
		c.linger.Arm()
		return
	}
	c.release()
}

// release 释放连接，处理循环随后退出
func (c *Conn) release() {
	c.setState(StateClosed)
	c.cancel()
}

func (c *Conn) handleMessage(m *Message) {
	atomic.AddUint64(&c.counters.messagesReceived, 1)

	switch c.State() {
	case StateAwaitHandshake:
		c.acceptHandshake(m)

	case StateHandshakeSent:
		c.onHandshakeAck(m)

	case StateEstablished:
		switch m.Role {
		case RoleHandshake:
			c.onDuplicateHandshake(m)
		case RoleAck:
			c.onAck(m)
		default:
			c.onData(m)
		}

	case StateClosing:
		// 只重发确认，忽略其余消息
		if m.Role.IsData() {
			c.onData(m)
		}
	}
}

// =============================================================================
// 握手
// =============================================================================

// acceptHandshake 服务端处理首个消息
func (c *Conn) acceptHandshake(m *Message) {
	if m.Role != RoleHandshake || m.Window < 1 {
		atomic.AddUint64(&c.engine.HandshakesRejected, 1)
		c.log.Debugf("丢弃无效握手: %s", m)
		return
	}

	c.window = m.Window
	c.snd.reset(0, m.Window)
	c.rcv.reset(m.Seq+1, m.Window)

	c.emit(NewAckMessage(c.snd.next, c.rcv.expected, c.window))
	c.setState(StateEstablished)
	c.opened = true
	atomic.AddUint64(&c.engine.Handshakes, 1)
	c.log.WithField("window", c.window).Debug("握手完成")

	c.session.OnOpen(c)
	c.pump()
}

// sendHandshake 客户端发送 (或重发) 握手
func (c *Conn) sendHandshake() {
	c.handshakeAttempts++
	c.rtx.d = c.cfg.HandshakeTimeout
	c.emit(NewHandshakeMessage(c.isn, c.window))
	c.rtx.Arm()
}

// onHandshakeAck 客户端校验握手应答
func (c *Conn) onHandshakeAck(m *Message) {
	if m.Role != RoleAck || m.Ref != c.isn+1 {
		c.log.Debugf("%v: %s", protocol.ErrInvalidHandshake, m)
		return
	}

	c.rtx.Cancel()
	c.rtx.d = c.cfg.RTO

	if m.Window >= 1 && m.Window < c.window {
		c.window = m.Window
	}
	c.snd.reset(c.isn+1, c.window)
	c.rcv.reset(m.Seq, c.window)
	c.setState(StateEstablished)
	c.opened = true
	atomic.AddUint64(&c.engine.Handshakes, 1)
	c.log.WithField("attempts", c.handshakeAttempts).Debug("握手完成")

	c.session.OnOpen(c)
	c.pump()
}

// onDuplicateHandshake 握手应答丢失时对端会重发握手
func (c *Conn) onDuplicateHandshake(m *Message) {
	if c.client || m.Seq != c.isn || c.rcv.expected != c.isn+1 {
		return
	}
	c.emit(NewAckMessage(0, c.isn+1, c.window))
}

// =============================================================================
// 发送 / 接收
// =============================================================================

func (c *Conn) onRetransmitTimer() {
	switch c.State() {
	case StateHandshakeSent:
		if c.handshakeAttempts >= c.cfg.HandshakeAttempts {
			c.finish(protocol.Errorf(protocol.KindConnectionFailed,
				"握手 %d 次无应答: %s", c.handshakeAttempts, c.peer))
			return
		}
		c.log.WithField("attempt", c.handshakeAttempts+1).Debug("重发握手")
		c.sendHandshake()

	case StateEstablished:
		if err := c.snd.onTimeout(); err != nil {
			c.finish(err)
			return
		}
		atomic.AddUint64(&c.engine.TimeoutRetransmits, 1)
		c.log.WithFields(log.Fields{
			"base":     c.snd.base,
			"inflight": c.snd.outstanding(),
			"attempt":  c.snd.attempts,
		}).Debug("超时重传")
	}
}

func (c *Conn) onAck(m *Message) {
	outcome := c.snd.onAck(m.Ref)

	switch outcome {
	case ackAdvanced:
		c.pump()
		if !c.finished && c.snd.idle() {
			c.drained()
		}
	case ackFastRetransmit:
		atomic.AddUint64(&c.engine.FastRetransmits, 1)
		c.log.WithFields(log.Fields{
			"base":     c.snd.base,
			"inflight": c.snd.outstanding(),
		}).Debug("快速重传")
	case ackInvalid:
		c.log.Debugf("%v: ack=%d next=%d", protocol.ErrSequenceMismatch, m.Ref, c.snd.next)
	}
}

func (c *Conn) onData(m *Message) {
	out, verdict := c.rcv.accept(m)
	if verdict == recvDuplicate || verdict == recvOutOfWindow {
		atomic.AddUint64(&c.counters.duplicatesDropped, 1)
	}

	// 先确认再交付，应用的应答总在确认之后
	c.emit(NewAckMessage(c.snd.next, c.rcv.expected, c.window))

	if c.State() != StateEstablished {
		return
	}
	for _, d := range out {
		if c.finished {
			return
		}
		atomic.AddUint64(&c.counters.bytesDelivered, uint64(len(d.payload)))
		c.session.OnMessage(c, d.payload, d.last)
	}
}

// pump 填充发送窗口
func (c *Conn) pump() {
	if c.finished {
		return
	}
	if err := c.snd.fill(); err != nil {
		c.finish(err)
	}
}

func (c *Conn) drained() {
	if c.finishOnDrain {
		c.finish(c.drainErr)
		return
	}
	c.session.OnDrained(c)
}

// emit 编码并交给传输层
func (c *Conn) emit(m *Message) {
	if err := c.out.WriteTo(m.Encode(), c.peer); err != nil {
		c.log.Debugf("发送失败: %v", err)
	}
	atomic.AddUint64(&c.counters.messagesSent, 1)
	atomic.AddUint64(&c.counters.bytesSent, uint64(len(m.Payload)))
	atomic.AddUint64(&c.engine.PacketsOut, 1)
	c.touch()
}
