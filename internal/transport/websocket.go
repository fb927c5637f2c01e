// =============================================================================
// 文件: internal/transport/websocket.go
// 描述: WebSocket 传输层 - 每个二进制消息承载一个数据报
// =============================================================================
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsIdleTimeout  = 2 * time.Minute
)

// wsAddr WebSocket 对端地址
type wsAddr string

func (a wsAddr) Network() string { return "ws" }
func (a wsAddr) String() string  { return string(a) }

// wsPeer 单个 WebSocket 连接
type wsPeer struct {
	conn       *websocket.Conn
	addr       wsAddr
	lastActive int64
	mu         sync.Mutex // 写锁，gorilla 不允许并发写
}

func (p *wsPeer) write(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	_ = p.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return p.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (p *wsPeer) touch() {
	atomic.StoreInt64(&p.lastActive, time.Now().UnixNano())
}

// =============================================================================
// 服务端
// =============================================================================

// WebSocketServer WebSocket 服务器
type WebSocketServer struct {
	listener net.Listener
	path     string

	httpServer *http.Server
	upgrader   websocket.Upgrader
	handler    PacketHandler

	peers map[string]*wsPeer
	mu    sync.RWMutex

	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup

	// 统计
	activeConns int64

	log log.FieldLogger
}

// ListenWebSocket 在 addr 上监听 path
func ListenWebSocket(addr, path string, logger log.FieldLogger) (*WebSocketServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("监听失败: %w", err)
	}
	if path == "" {
		path = "/"
	}
	if logger == nil {
		logger = log.StandardLogger()
	}

	s := &WebSocketServer{
		listener: ln,
		path:     path,
		peers:    make(map[string]*wsPeer),
		stopCh:   make(chan struct{}),
		log:      logger.WithField("mod", "ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // 允许所有来源
			},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, s.handleWebSocket)
	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Serve 启动 HTTP 服务并阻塞到 ctx 取消
func (s *WebSocketServer) Serve(ctx context.Context, h PacketHandler) error {
	s.handler = h

	errCh := make(chan error, 1)
	go func() {
		err := s.httpServer.Serve(s.listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// 启动清理协程
	s.wg.Add(1)
	go s.cleanupLoop(ctx)

	s.log.Infof("WebSocket 服务器已启动: ws://%s%s", s.listener.Addr(), s.path)

	select {
	case <-ctx.Done():
	case <-s.stopCh:
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP 服务器错误: %w", err)
		}
	}
	return nil
}

// handleWebSocket 处理 WebSocket 连接
func (s *WebSocketServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debugf("WebSocket 升级失败: %v", err)
		return
	}

	atomic.AddInt64(&s.activeConns, 1)
	defer atomic.AddInt64(&s.activeConns, -1)

	peer := &wsPeer{conn: conn, addr: wsAddr(r.RemoteAddr)}
	peer.touch()

	s.mu.Lock()
	s.peers[peer.addr.String()] = peer
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.peers[peer.addr.String()] == peer {
			delete(s.peers, peer.addr.String())
		}
		s.mu.Unlock()
		conn.Close()
	}()

	s.log.Debugf("WebSocket 连接: %s", r.RemoteAddr)

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if err != io.EOF && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debugf("WebSocket 读取错误: %v", err)
			}
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}

		peer.touch()
		s.handler.HandlePacket(data, peer.addr)
	}
}

// WriteTo 发送数据报到指定对端
func (s *WebSocketServer) WriteTo(data []byte, addr net.Addr) error {
	s.mu.RLock()
	peer := s.peers[addr.String()]
	s.mu.RUnlock()

	if peer == nil {
		return fmt.Errorf("会话不存在: %s", addr)
	}
	return peer.write(data)
}

// LocalAddr 监听地址
func (s *WebSocketServer) LocalAddr() net.Addr {
	return s.listener.Addr()
}

// cleanupLoop 清理长时间无数据的连接
func (s *WebSocketServer) cleanupLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			now := time.Now().UnixNano()
			s.mu.RLock()
			for _, peer := range s.peers {
				if time.Duration(now-atomic.LoadInt64(&peer.lastActive)) > wsIdleTimeout {
					peer.conn.Close()
				}
			}
			s.mu.RUnlock()
		}
	}
}

// Close 停止服务器
func (s *WebSocketServer) Close() error {
	s.once.Do(func() {
		close(s.stopCh)

		s.mu.RLock()
		for _, peer := range s.peers {
			peer.mu.Lock()
			_ = peer.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			peer.mu.Unlock()
			peer.conn.Close()
		}
		s.mu.RUnlock()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(ctx)
		s.listener.Close()
		s.wg.Wait()
	})
	return nil
}

// GetActiveConns 获取活跃连接数
func (s *WebSocketServer) GetActiveConns() int64 {
	return atomic.LoadInt64(&s.activeConns)
}

// =============================================================================
// 客户端
// =============================================================================

// WebSocketClient 单连接 WebSocket 客户端传输
type WebSocketClient struct {
	peer *wsPeer
	once sync.Once
	log  log.FieldLogger
}

// DialWebSocket 连接 ws:// 地址
func DialWebSocket(ctx context.Context, rawURL string, logger log.FieldLogger) (*WebSocketClient, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("解析地址: %w", err)
	}
	if logger == nil {
		logger = log.StandardLogger()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("WebSocket 连接失败: %w", err)
	}

	c := &WebSocketClient{
		peer: &wsPeer{conn: conn, addr: wsAddr(u.Host)},
		log:  logger.WithField("mod", "ws"),
	}
	c.peer.touch()
	return c, nil
}

// RemoteAddr 服务端地址，用作注册表中的对端键
func (c *WebSocketClient) RemoteAddr() net.Addr {
	return c.peer.addr
}

// Serve 读取循环
func (c *WebSocketClient) Serve(ctx context.Context, h PacketHandler) error {
	go func() {
		<-ctx.Done()
		c.Close()
	}()

	for {
		messageType, data, err := c.peer.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("WebSocket 读取错误: %w", err)
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		c.peer.touch()
		h.HandlePacket(data, c.peer.addr)
	}
}

// WriteTo 只有一个对端，addr 仅用于校验
func (c *WebSocketClient) WriteTo(data []byte, addr net.Addr) error {
	if addr != nil && addr.String() != c.peer.addr.String() {
		return fmt.Errorf("未知对端: %s", addr)
	}
	return c.peer.write(data)
}

// LocalAddr 本地地址
func (c *WebSocketClient) LocalAddr() net.Addr {
	return c.peer.conn.LocalAddr()
}

// Close 关闭连接
func (c *WebSocketClient) Close() error {
	var err error
	c.once.Do(func() {
		c.peer.mu.Lock()
		_ = c.peer.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.peer.mu.Unlock()
		err = c.peer.conn.Close()
	})
	return err
}
