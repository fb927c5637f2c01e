// =============================================================================
// 文件: internal/transport/memory.go
// 描述: 进程内数据报网络 - 测试与本地联调使用，可注入丢包
// =============================================================================
package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
)

const memInboxSize = 1024

// memAddr 进程内地址
type memAddr string

func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return string(a) }

// PacketFilter 返回 false 表示丢弃该数据报
type PacketFilter func(from, to net.Addr, data []byte) bool

type memPacket struct {
	data []byte
	from net.Addr
}

// MemoryNetwork 进程内网络
type MemoryNetwork struct {
	endpoints map[string]*MemoryTransport
	filter    PacketFilter
	mu        sync.RWMutex

	delivered uint64
	dropped   uint64
}

// NewMemoryNetwork 创建网络
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{endpoints: make(map[string]*MemoryTransport)}
}

// SetFilter 设置丢包过滤器，nil 表示全部放行
func (n *MemoryNetwork) SetFilter(f PacketFilter) {
	n.mu.Lock()
	n.filter = f
	n.mu.Unlock()
}

// Listen 注册端点
func (n *MemoryNetwork) Listen(addr string) (*MemoryTransport, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.endpoints[addr]; ok {
		return nil, fmt.Errorf("地址已占用: %s", addr)
	}
	t := &MemoryTransport{
		net:    n,
		addr:   memAddr(addr),
		inbox:  make(chan memPacket, memInboxSize),
		closed: make(chan struct{}),
	}
	n.endpoints[addr] = t
	return t, nil
}

// Addr 构造进程内地址
func (n *MemoryNetwork) Addr(addr string) net.Addr {
	return memAddr(addr)
}

// Stats 送达数与丢弃数
func (n *MemoryNetwork) Stats() (delivered, dropped uint64) {
	return atomic.LoadUint64(&n.delivered), atomic.LoadUint64(&n.dropped)
}

func (n *MemoryNetwork) send(from net.Addr, to net.Addr, data []byte) error {
	n.mu.RLock()
	dst := n.endpoints[to.String()]
	filter := n.filter
	n.mu.RUnlock()

	if filter != nil && !filter(from, to, data) {
		atomic.AddUint64(&n.dropped, 1)
		return nil
	}
	if dst == nil {
		// 与 UDP 一致：无人监听时静默丢弃
		atomic.AddUint64(&n.dropped, 1)
		return nil
	}

	buf := make([]byte, len(data))
	copy(buf, data)

	select {
	case <-dst.closed:
		atomic.AddUint64(&n.dropped, 1)
	case dst.inbox <- memPacket{data: buf, from: from}:
		atomic.AddUint64(&n.delivered, 1)
	default:
		atomic.AddUint64(&n.dropped, 1)
	}
	return nil
}

func (n *MemoryNetwork) remove(t *MemoryTransport) {
	n.mu.Lock()
	if n.endpoints[t.addr.String()] == t {
		delete(n.endpoints, t.addr.String())
	}
	n.mu.Unlock()
}

// MemoryTransport 进程内端点
type MemoryTransport struct {
	net   *MemoryNetwork
	addr  memAddr
	inbox chan memPacket

	closed chan struct{}
	once   sync.Once
}

// Serve 按 FIFO 顺序交付数据报
func (t *MemoryTransport) Serve(ctx context.Context, h PacketHandler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.closed:
			return nil
		case p := <-t.inbox:
			h.HandlePacket(p.data, p.from)
		}
	}
}

// WriteTo 发送数据报
func (t *MemoryTransport) WriteTo(data []byte, addr net.Addr) error {
	select {
	case <-t.closed:
		return net.ErrClosed
	default:
	}
	return t.net.send(t.addr, addr, data)
}

// LocalAddr 本地地址
func (t *MemoryTransport) LocalAddr() net.Addr { return t.addr }

// Close 注销端点
func (t *MemoryTransport) Close() error {
	t.once.Do(func() {
		close(t.closed)
		t.net.remove(t)
	})
	return nil
}
