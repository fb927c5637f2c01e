// =============================================================================
// 文件: internal/transport/arq_types.go
// 描述: ARQ 可靠传输 - 统一类型定义 (唯一定义位置)
// =============================================================================
package transport

import (
	"net"
	"sync/atomic"
	"time"
)

// ARQ 协议常量
const (
	// 包头大小: Role(1) + Window(1) + Seq(8) + Ref(8) = 18 bytes
	ARQHeaderSize = 18

	// UDP 单包最大负载 65507 - 包头
	ARQMaxPayloadSize = 65507 - ARQHeaderSize

	// 默认参数
	ARQDefaultWindowSize        = 5
	ARQDefaultChunkSize         = 1024
	ARQDefaultRTO               = 2 * time.Second
	ARQDefaultMaxRetransmits    = 5
	ARQFastRetransmitThreshold  = 3 // 3 个重复 ACK 触发快速重传
	ARQDefaultHandshakeTimeout  = 5 * time.Second
	ARQDefaultHandshakeAttempts = 3
	ARQDefaultIdleTimeout       = 7 * time.Second
	ARQDefaultLinger            = 2 * time.Second
	ARQDefaultErrorGrace        = 2 * time.Second

	// 每连接入站队列
	ARQDefaultInboxSize = 256

	// 初始序列号上限，保证 isn+1 不回绕
	ARQMaxInitialSeq = 1 << 32
)

// ConnState 连接状态
type ConnState uint32

const (
	StateAwaitHandshake ConnState = iota
	StateHandshakeSent
	StateEstablished
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	names := []string{
		"AWAIT_HANDSHAKE", "HANDSHAKE_SENT", "ESTABLISHED", "CLOSING", "CLOSED",
	}
	if int(s) < len(names) {
		return names[s]
	}
	return "UNKNOWN"
}

// ConnConfig ARQ 连接配置 (唯一定义)
type ConnConfig struct {
	WindowSize              uint8         // 发起方窗口，服务端采用对端窗口
	RTO                     time.Duration // 固定重传超时
	MaxRetransmits          int           // 无进展重传上限
	FastRetransmitThreshold int           // 0 表示关闭快速重传
	HandshakeTimeout        time.Duration
	HandshakeAttempts       int
	IdleTimeout             time.Duration
	Linger                  time.Duration // 收到 LAST 后继续应答重复包的时长
	ErrorGrace              time.Duration // 错误应答等待确认的时长
	InboxSize               int
}

// DefaultConnConfig 默认配置
func DefaultConnConfig() *ConnConfig {
	return &ConnConfig{
		WindowSize:              ARQDefaultWindowSize,
		RTO:                     ARQDefaultRTO,
		MaxRetransmits:          ARQDefaultMaxRetransmits,
		FastRetransmitThreshold: ARQFastRetransmitThreshold,
		HandshakeTimeout:        ARQDefaultHandshakeTimeout,
		HandshakeAttempts:       ARQDefaultHandshakeAttempts,
		IdleTimeout:             ARQDefaultIdleTimeout,
		Linger:                  ARQDefaultLinger,
		ErrorGrace:              ARQDefaultErrorGrace,
		InboxSize:               ARQDefaultInboxSize,
	}
}

// withDefaults 补齐零值字段
func (c *ConnConfig) withDefaults() *ConnConfig {
	d := DefaultConnConfig()
	if c == nil {
		return d
	}
	out := *c
	if out.WindowSize == 0 {
		out.WindowSize = d.WindowSize
	}
	if out.RTO <= 0 {
		out.RTO = d.RTO
	}
	if out.MaxRetransmits <= 0 {
		out.MaxRetransmits = d.MaxRetransmits
	}
	if out.FastRetransmitThreshold < 0 {
		out.FastRetransmitThreshold = 0
	}
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = d.HandshakeTimeout
	}
	if out.HandshakeAttempts <= 0 {
		out.HandshakeAttempts = d.HandshakeAttempts
	}
	if out.IdleTimeout <= 0 {
		out.IdleTimeout = d.IdleTimeout
	}
	if out.ErrorGrace <= 0 {
		out.ErrorGrace = d.ErrorGrace
	}
	if out.InboxSize <= 0 {
		out.InboxSize = d.InboxSize
	}
	return &out
}

// ConnStats 单连接统计
type ConnStats struct {
	State              string
	MessagesSent       uint64
	MessagesReceived   uint64
	BytesSent          uint64
	BytesDelivered     uint64
	Retransmitted      uint64 // 重发的消息数
	TimeoutRetransmits uint64 // 超时重传轮数
	FastRetransmits    uint64 // 快速重传轮数
	DuplicatesDropped  uint64
	SRTT               time.Duration
	MinRTT             time.Duration
}

// connCounters 由连接循环写、其他协程读
type connCounters struct {
	messagesSent       uint64
	messagesReceived   uint64
	bytesSent          uint64
	bytesDelivered     uint64
	retransmitted      uint64
	timeoutRetransmits uint64
	fastRetransmits    uint64
	duplicatesDropped  uint64
	srtt               int64
	minRTT             int64
}

func (c *connCounters) snapshot(state ConnState) ConnStats {
	return ConnStats{
		State:              state.String(),
		MessagesSent:       atomic.LoadUint64(&c.messagesSent),
		MessagesReceived:   atomic.LoadUint64(&c.messagesReceived),
		BytesSent:          atomic.LoadUint64(&c.bytesSent),
		BytesDelivered:     atomic.LoadUint64(&c.bytesDelivered),
		Retransmitted:      atomic.LoadUint64(&c.retransmitted),
		TimeoutRetransmits: atomic.LoadUint64(&c.timeoutRetransmits),
		FastRetransmits:    atomic.LoadUint64(&c.fastRetransmits),
		DuplicatesDropped:  atomic.LoadUint64(&c.duplicatesDropped),
		SRTT:               time.Duration(atomic.LoadInt64(&c.srtt)),
		MinRTT:             time.Duration(atomic.LoadInt64(&c.minRTT)),
	}
}

// EngineStats 注册表级别统计 (跨连接累计)
type EngineStats struct {
	PacketsIn          uint64
	PacketsOut         uint64
	Malformed          uint64
	Handshakes         uint64
	HandshakesRejected uint64
	StaleHandshakes    uint64
	GuardChecks        uint64 // 过期握手过滤器的检查次数
	GuardFalsePositive uint64
	InboxDrops         uint64
	TimeoutRetransmits uint64
	FastRetransmits    uint64
	TransfersFailed    uint64
	IdleEvictions      uint64
	TotalConns         uint64
	ActiveConns        int64
}

// Session 绑定在连接上的应用流程
// 所有回调都在连接自己的处理协程中执行，可直接调用 Conn 的 Send/Stream/Finish
type Session interface {
	// OnOpen 握手完成
	OnOpen(c *Conn)
	// OnMessage 按序交付一个 DATA/LAST 负载
	OnMessage(c *Conn, payload []byte, last bool)
	// OnDrained 所有已发送消息均已确认且无待发数据
	OnDrained(c *Conn)
	// OnClose 连接结果确定 (err 为 nil 表示成功)
	OnClose(c *Conn, err error)
}

// SessionFactory 为新接入的对端创建应用流程
type SessionFactory interface {
	NewSession(peer net.Addr) Session
}

// SessionFactoryFunc 函数适配
type SessionFactoryFunc func(peer net.Addr) Session

func (f SessionFactoryFunc) NewSession(peer net.Addr) Session { return f(peer) }

// ChunkSource 顺序产生待发送的数据块
type ChunkSource interface {
	// Next 返回下一个块; last 为 true 表示这是最后一块
	Next() (chunk []byte, last bool, err error)
}
