// =============================================================================
// 文件: internal/transport/arq_conn_test.go
// 描述: ARQ 连接与注册表测试 (进程内网络)
// =============================================================================
package transport

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrcgq/rdtp/internal/protocol"
)

const waitTimeout = 5 * time.Second

func testLogger() log.FieldLogger {
	l := log.New()
	l.SetOutput(io.Discard)
	return l
}

func testConnConfig() *ConnConfig {
	return &ConnConfig{
		WindowSize:              4,
		RTO:                     500 * time.Millisecond,
		MaxRetransmits:          ARQDefaultMaxRetransmits,
		FastRetransmitThreshold: ARQFastRetransmitThreshold,
		HandshakeTimeout:        200 * time.Millisecond,
		HandshakeAttempts:       ARQDefaultHandshakeAttempts,
		IdleTimeout:             5 * time.Second,
		Linger:                  100 * time.Millisecond,
		ErrorGrace:              200 * time.Millisecond,
		InboxSize:               ARQDefaultInboxSize,
	}
}

// testSession 记录回调
type testSession struct {
	mu       sync.Mutex
	opened   int
	received [][]byte
	closeErr error
	closed   chan struct{}

	open    func(c *Conn)
	message func(c *Conn, payload []byte, last bool)
	drained func(c *Conn)
}

func newTestSession() *testSession {
	return &testSession{closed: make(chan struct{})}
}

// sinkSession 接收到 LAST 即成功结束
func sinkSession() *testSession {
	s := newTestSession()
	s.message = func(c *Conn, payload []byte, last bool) {
		if last {
			c.Finish(nil)
		}
	}
	return s
}

// streamSession 握手后发送全部数据块，全部确认后结束
func streamSession(chunks [][]byte) *testSession {
	s := newTestSession()
	s.open = func(c *Conn) { c.Stream(&sliceSource{chunks: chunks}) }
	s.drained = func(c *Conn) { c.Finish(nil) }
	return s
}

func (s *testSession) OnOpen(c *Conn) {
	s.mu.Lock()
	s.opened++
	s.mu.Unlock()
	if s.open != nil {
		s.open(c)
	}
}

func (s *testSession) OnMessage(c *Conn, payload []byte, last bool) {
	s.mu.Lock()
	s.received = append(s.received, payload)
	s.mu.Unlock()
	if s.message != nil {
		s.message(c, payload, last)
	}
}

func (s *testSession) OnDrained(c *Conn) {
	if s.drained != nil {
		s.drained(c)
	}
}

func (s *testSession) OnClose(c *Conn, err error) {
	s.mu.Lock()
	s.closeErr = err
	s.mu.Unlock()
	close(s.closed)
}

func (s *testSession) wait(t *testing.T) error {
	t.Helper()
	select {
	case <-s.closed:
	case <-time.After(waitTimeout):
		t.Fatal("等待会话结束超时")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

func (s *testSession) payloads() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.received...)
}

// arqHarness 一对通过进程内网络相连的注册表
type arqHarness struct {
	net      *MemoryNetwork
	serverT  *MemoryTransport
	clientT  *MemoryTransport
	server   *Registry
	client   *Registry
	sessions chan *testSession
	ctx      context.Context
}

func newARQHarness(t *testing.T, cfg *ConnConfig, newServerSession func() *testSession) *arqHarness {
	t.Helper()

	h := &arqHarness{
		net:      NewMemoryNetwork(),
		sessions: make(chan *testSession, 16),
	}

	var err error
	h.serverT, err = h.net.Listen("server")
	require.NoError(t, err)
	h.clientT, err = h.net.Listen("client")
	require.NoError(t, err)

	factory := SessionFactoryFunc(func(peer net.Addr) Session {
		s := newServerSession()
		h.sessions <- s
		return s
	})
	h.server = NewRegistry(h.serverT, cfg, factory, testLogger())
	h.client = NewRegistry(h.clientT, cfg, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	h.ctx = ctx
	go h.serverT.Serve(ctx, h.server)
	go h.clientT.Serve(ctx, h.client)

	t.Cleanup(func() {
		h.client.Close()
		h.server.Close()
		cancel()
		h.serverT.Close()
		h.clientT.Close()
	})
	return h
}

func (h *arqHarness) serverSession(t *testing.T) *testSession {
	t.Helper()
	select {
	case s := <-h.sessions:
		return s
	case <-time.After(waitTimeout):
		t.Fatal("服务端未创建会话")
		return nil
	}
}

// rogue 直接收发原始消息的端点
func (h *arqHarness) rogue(t *testing.T, name string) (*MemoryTransport, <-chan *Message) {
	t.Helper()

	tr, err := h.net.Listen(name)
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })

	ch := make(chan *Message, 64)
	go tr.Serve(h.ctx, PacketHandlerFunc(func(data []byte, from net.Addr) {
		if m, err := DecodeMessage(data); err == nil {
			ch <- m
		}
	}))
	return tr, ch
}

func recvMessage(t *testing.T, ch <-chan *Message) *Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(waitTimeout):
		t.Fatal("等待消息超时")
		return nil
	}
}

func namedChunks(n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = bytes.Repeat([]byte{byte('a' + i)}, 16)
	}
	return out
}

// dropFirst 丢弃第一个负载等于 payload 的数据报
func dropFirst(payload []byte) PacketFilter {
	var dropped int32
	return func(from, to net.Addr, data []byte) bool {
		m, err := DecodeMessage(data)
		if err != nil || !m.Role.IsData() || !bytes.Equal(m.Payload, payload) {
			return true
		}
		return !atomic.CompareAndSwapInt32(&dropped, 0, 1)
	}
}

func TestConnStopAndWaitTransfer(t *testing.T) {
	cfg := testConnConfig()
	cfg.WindowSize = 1
	h := newARQHarness(t, cfg, sinkSession)

	var dataSent, acksSent int32
	h.net.SetFilter(func(from, to net.Addr, data []byte) bool {
		m, err := DecodeMessage(data)
		if err != nil {
			return true
		}
		switch {
		case from.String() == "client" && m.Role.IsData():
			atomic.AddInt32(&dataSent, 1)
		case from.String() == "server" && m.Role == RoleAck:
			atomic.AddInt32(&acksSent, 1)
		}
		return true
	})

	chunks := namedChunks(3)
	cs := streamSession(chunks)
	conn, err := h.client.Dial(h.net.Addr("server"), cs)
	require.NoError(t, err)

	require.NoError(t, conn.Err())
	ss := h.serverSession(t)
	require.NoError(t, ss.wait(t))

	assert.Equal(t, chunks, ss.payloads())
	assert.Equal(t, uint8(1), conn.Window())
	assert.Equal(t, int32(3), atomic.LoadInt32(&dataSent))
	// 握手应答 + 3 个数据确认
	assert.Equal(t, int32(4), atomic.LoadInt32(&acksSent))
	assert.Zero(t, conn.Stats().TimeoutRetransmits)
}

func TestConnGoBackNTimeoutRecovery(t *testing.T) {
	cfg := testConnConfig()
	cfg.RTO = 100 * time.Millisecond
	cfg.FastRetransmitThreshold = 0
	h := newARQHarness(t, cfg, sinkSession)

	chunks := namedChunks(6)
	h.net.SetFilter(dropFirst(chunks[1]))

	conn, err := h.client.Dial(h.net.Addr("server"), streamSession(chunks))
	require.NoError(t, err)

	require.NoError(t, conn.Err())
	ss := h.serverSession(t)
	require.NoError(t, ss.wait(t))

	assert.Equal(t, chunks, ss.payloads())

	stats := conn.Stats()
	assert.Equal(t, uint64(1), stats.TimeoutRetransmits)
	assert.Zero(t, stats.FastRetransmits)
}

func TestConnFastRetransmitRecovery(t *testing.T) {
	cfg := testConnConfig()
	cfg.RTO = 2 * time.Second
	h := newARQHarness(t, cfg, sinkSession)

	chunks := namedChunks(6)
	h.net.SetFilter(dropFirst(chunks[1]))

	start := time.Now()
	conn, err := h.client.Dial(h.net.Addr("server"), streamSession(chunks))
	require.NoError(t, err)

	require.NoError(t, conn.Err())
	ss := h.serverSession(t)
	require.NoError(t, ss.wait(t))

	assert.Equal(t, chunks, ss.payloads())
	assert.Less(t, time.Since(start), cfg.RTO, "快速重传不应等待超时")

	stats := conn.Stats()
	assert.Equal(t, uint64(1), stats.FastRetransmits)
	assert.Zero(t, stats.TimeoutRetransmits)
	assert.Equal(t, uint64(1), h.client.Stats().FastRetransmits)
}

func TestConnTransferFailsWhenPeerVanishes(t *testing.T) {
	cfg := testConnConfig()
	cfg.RTO = 20 * time.Millisecond
	h := newARQHarness(t, cfg, sinkSession)

	chunks := namedChunks(2)
	cs := streamSession(chunks)
	cs.open = func(c *Conn) {
		// 握手完成后对端失联
		h.net.SetFilter(func(from, to net.Addr, data []byte) bool { return false })
		c.Stream(&sliceSource{chunks: chunks})
	}

	conn, err := h.client.Dial(h.net.Addr("server"), cs)
	require.NoError(t, err)

	err = conn.Err()
	require.Error(t, err)
	assert.Equal(t, protocol.KindTransferFailed, protocol.KindOf(err))
	assert.Equal(t, uint64(ARQDefaultMaxRetransmits), conn.Stats().TimeoutRetransmits)
	assert.ErrorIs(t, cs.wait(t), protocol.ErrTransferFailed)
}

func TestConnHandshakeFailure(t *testing.T) {
	cfg := testConnConfig()
	cfg.HandshakeTimeout = 30 * time.Millisecond
	h := newARQHarness(t, cfg, sinkSession)

	var handshakes int32
	h.net.SetFilter(func(from, to net.Addr, data []byte) bool {
		if m, err := DecodeMessage(data); err == nil && m.Role == RoleHandshake {
			atomic.AddInt32(&handshakes, 1)
		}
		return true
	})

	cs := newTestSession()
	conn, err := h.client.Dial(h.net.Addr("nobody"), cs)
	require.NoError(t, err)

	err = conn.Err()
	require.Error(t, err)
	assert.Equal(t, protocol.KindConnectionFailed, protocol.KindOf(err))
	assert.Equal(t, int32(ARQDefaultHandshakeAttempts), atomic.LoadInt32(&handshakes))
	assert.Zero(t, cs.opened)

	<-conn.Exited()
	assert.Zero(t, h.client.Len())
}

func TestServerHandshakeReply(t *testing.T) {
	h := newARQHarness(t, testConnConfig(), sinkSession)
	rogue, inbox := h.rogue(t, "rogue")

	require.NoError(t, rogue.WriteTo(NewHandshakeMessage(41, 3).Encode(), h.net.Addr("server")))

	ack := recvMessage(t, inbox)
	assert.Equal(t, RoleAck, ack.Role)
	assert.Equal(t, uint64(0), ack.Seq)
	assert.Equal(t, uint64(42), ack.Ref)
	assert.Equal(t, uint8(3), ack.Window)

	// 握手应答丢失时对端重发握手，服务端重发应答
	require.NoError(t, rogue.WriteTo(NewHandshakeMessage(41, 3).Encode(), h.net.Addr("server")))
	again := recvMessage(t, inbox)
	assert.Equal(t, ack, again)

	// 首个数据消息
	require.NoError(t, rogue.WriteTo(NewDataMessage(42, 0, 3, []byte("x"), false).Encode(), h.net.Addr("server")))
	dataAck := recvMessage(t, inbox)
	assert.Equal(t, uint64(43), dataAck.Ref)

	assert.Equal(t, 1, h.server.Len())
	assert.Equal(t, uint64(1), h.server.Stats().Handshakes)
}

func TestRegistryDropsUnknownPeers(t *testing.T) {
	h := newARQHarness(t, testConnConfig(), sinkSession)
	rogue, inbox := h.rogue(t, "rogue")
	server := h.net.Addr("server")

	require.NoError(t, rogue.WriteTo(NewDataMessage(1, 0, 4, []byte("x"), false).Encode(), server))
	require.NoError(t, rogue.WriteTo(NewAckMessage(0, 1, 4).Encode(), server))
	require.NoError(t, rogue.WriteTo(NewHandshakeMessage(5, 0).Encode(), server))
	require.NoError(t, rogue.WriteTo([]byte("garbage"), server))

	require.Eventually(t, func() bool {
		s := h.server.Stats()
		return s.HandshakesRejected == 3 && s.Malformed == 1
	}, waitTimeout, 10*time.Millisecond)

	assert.Zero(t, h.server.Len())
	assert.Empty(t, inbox, "未知对端不应收到任何应答")
}

func TestRegistryDialBusy(t *testing.T) {
	h := newARQHarness(t, testConnConfig(), sinkSession)

	_, err := h.client.Dial(h.net.Addr("nobody"), newTestSession())
	require.NoError(t, err)

	_, err = h.client.Dial(h.net.Addr("nobody"), newTestSession())
	assert.ErrorIs(t, err, ErrConnBusy)
	assert.Equal(t, protocol.KindConnectionFailed, protocol.KindOf(err))

	conns := h.client.ConnStats()
	require.Len(t, conns, 1)
	assert.Equal(t, StateHandshakeSent.String(), conns["nobody"].State)
}

func TestRegistryIdleEviction(t *testing.T) {
	cfg := testConnConfig()
	cfg.IdleTimeout = 100 * time.Millisecond
	h := newARQHarness(t, cfg, sinkSession)
	rogue, inbox := h.rogue(t, "rogue")

	require.NoError(t, rogue.WriteTo(NewHandshakeMessage(7, 2).Encode(), h.net.Addr("server")))
	recvMessage(t, inbox)
	ss := h.serverSession(t)

	err := ss.wait(t)
	assert.ErrorIs(t, err, ErrIdleTimeout)

	require.Eventually(t, func() bool {
		return h.server.Len() == 0
	}, waitTimeout, 10*time.Millisecond)
	assert.Equal(t, uint64(1), h.server.Stats().IdleEvictions)
}

func TestRegistryRejectsStaleHandshake(t *testing.T) {
	h := newARQHarness(t, testConnConfig(), sinkSession)

	conn, err := h.client.Dial(h.net.Addr("server"), streamSession(namedChunks(2)))
	require.NoError(t, err)
	require.NoError(t, conn.Err())
	require.NoError(t, h.serverSession(t).wait(t))

	<-conn.Exited()
	require.Eventually(t, func() bool {
		return h.server.Len() == 0
	}, waitTimeout, 10*time.Millisecond)

	// 迟到的重发握手不能再创建连接
	require.NoError(t, h.clientT.WriteTo(NewHandshakeMessage(conn.isn, 4).Encode(), h.net.Addr("server")))

	require.Eventually(t, func() bool {
		return h.server.Stats().StaleHandshakes == 1
	}, waitTimeout, 10*time.Millisecond)
	assert.Zero(t, h.server.Len())
	assert.Empty(t, h.sessions)

	stats := h.server.Stats()
	assert.GreaterOrEqual(t, stats.GuardChecks, uint64(2))
	assert.Zero(t, stats.GuardFalsePositive)
}

func TestRegistryNewHandshakeSupersedesClosing(t *testing.T) {
	cfg := testConnConfig()
	cfg.Linger = 5 * time.Second
	h := newARQHarness(t, cfg, sinkSession)

	first, err := h.client.Dial(h.net.Addr("server"), streamSession(namedChunks(2)))
	require.NoError(t, err)
	require.NoError(t, first.Err())
	require.NoError(t, h.serverSession(t).wait(t))
	<-first.Exited()

	old := h.server.Lookup(h.net.Addr("client"))
	require.NotNil(t, old)
	assert.Equal(t, StateClosing, old.State())

	chunks := namedChunks(3)
	second, err := h.client.Dial(h.net.Addr("server"), streamSession(chunks))
	require.NoError(t, err)
	require.NoError(t, second.Err())

	ss := h.serverSession(t)
	require.NoError(t, ss.wait(t))
	assert.Equal(t, chunks, ss.payloads())

	<-old.Exited()
	assert.Equal(t, uint64(2), h.server.Stats().TotalConns)
}

func TestConnLingerReacksLast(t *testing.T) {
	cfg := testConnConfig()
	cfg.Linger = 500 * time.Millisecond
	h := newARQHarness(t, cfg, sinkSession)
	rogue, inbox := h.rogue(t, "rogue")
	server := h.net.Addr("server")

	require.NoError(t, rogue.WriteTo(NewHandshakeMessage(9, 1).Encode(), server))
	recvMessage(t, inbox)

	last := NewDataMessage(10, 0, 1, []byte("end"), true).Encode()
	require.NoError(t, rogue.WriteTo(last, server))
	assert.Equal(t, uint64(11), recvMessage(t, inbox).Ref)
	require.NoError(t, h.serverSession(t).wait(t))

	// LAST 的确认丢失，对端重发
	require.NoError(t, rogue.WriteTo(last, server))
	assert.Equal(t, uint64(11), recvMessage(t, inbox).Ref)

	require.Eventually(t, func() bool {
		return h.server.Len() == 0
	}, waitTimeout, 10*time.Millisecond)
}
