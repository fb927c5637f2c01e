// =============================================================================
// 文件: internal/transport/udp.go
// 描述: UDP 数据报传输
// =============================================================================
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// =============================================================================
// 常量定义
// =============================================================================

const (
	// 缓冲区配置
	defaultReadBufferSize  = 4 * 1024 * 1024
	defaultWriteBufferSize = 4 * 1024 * 1024
	minBufferSize          = 256 * 1024

	// 读超时用于轮询停止信号
	udpReadPollInterval = time.Second

	maxDatagramSize = 65535
)

// UDPTransport UDP 传输
type UDPTransport struct {
	conn *net.UDPConn

	running int32
	stopCh  chan struct{}
	stopped sync.Once

	// 统计
	packetsSent uint64
	packetsRecv uint64
	bytesSent   uint64
	bytesRecv   uint64
	sendErrors  uint64

	log log.FieldLogger
}

// ListenUDP 在 addr 上监听；客户端传 ":0" 或 "127.0.0.1:0"
func ListenUDP(addr string, logger log.FieldLogger) (*UDPTransport, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("解析地址: %w", err)
	}

	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("监听失败: %w", err)
	}

	if logger == nil {
		logger = log.StandardLogger()
	}

	t := &UDPTransport{
		conn:    conn,
		running: 1,
		stopCh:  make(chan struct{}),
		log:     logger.WithField("mod", "udp"),
	}
	t.setupBuffers()

	return t, nil
}

// setupBuffers 设置系统缓冲区，失败时逐级降级
func (t *UDPTransport) setupBuffers() {
	readSize, writeSize := defaultReadBufferSize, defaultWriteBufferSize

	for size := readSize; size >= minBufferSize; size /= 2 {
		if err := t.conn.SetReadBuffer(size); err == nil {
			readSize = size
			break
		}
	}
	for size := writeSize; size >= minBufferSize; size /= 2 {
		if err := t.conn.SetWriteBuffer(size); err == nil {
			writeSize = size
			break
		}
	}

	t.log.Debugf("缓冲区配置: read=%dKB, write=%dKB", readSize/1024, writeSize/1024)
}

// Serve 读取循环
func (t *UDPTransport) Serve(ctx context.Context, h PacketHandler) error {
	buf := make([]byte, maxDatagramSize)

	t.log.Infof("UDP 传输已启动: %s", t.conn.LocalAddr())

	for atomic.LoadInt32(&t.running) == 1 {
		select {
		case <-ctx.Done():
			return nil
		case <-t.stopCh:
			return nil
		default:
		}

		_ = t.conn.SetReadDeadline(time.Now().Add(udpReadPollInterval))
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			select {
			case <-t.stopCh:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			t.log.Debugf("读取错误: %v", err)
			continue
		}

		if n == 0 {
			continue
		}

		atomic.AddUint64(&t.packetsRecv, 1)
		atomic.AddUint64(&t.bytesRecv, uint64(n))

		data := make([]byte, n)
		copy(data, buf[:n])
		h.HandlePacket(data, addr)
	}
	return nil
}

// WriteTo 发送数据报
func (t *UDPTransport) WriteTo(data []byte, addr net.Addr) error {
	if atomic.LoadInt32(&t.running) == 0 {
		return net.ErrClosed
	}

	n, err := t.conn.WriteTo(data, addr)
	if err != nil {
		atomic.AddUint64(&t.sendErrors, 1)
		return err
	}

	atomic.AddUint64(&t.packetsSent, 1)
	atomic.AddUint64(&t.bytesSent, uint64(n))
	return nil
}

// LocalAddr 本地地址
func (t *UDPTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// Close 关闭传输
func (t *UDPTransport) Close() error {
	var err error
	t.stopped.Do(func() {
		atomic.StoreInt32(&t.running, 0)
		close(t.stopCh)
		err = t.conn.Close()
		t.log.Debug("UDP 传输已停止")
	})
	return err
}

// GetStats 获取统计
func (t *UDPTransport) GetStats() map[string]uint64 {
	return map[string]uint64{
		"packets_sent": atomic.LoadUint64(&t.packetsSent),
		"packets_recv": atomic.LoadUint64(&t.packetsRecv),
		"bytes_sent":   atomic.LoadUint64(&t.bytesSent),
		"bytes_recv":   atomic.LoadUint64(&t.bytesRecv),
		"send_errors":  atomic.LoadUint64(&t.sendErrors),
	}
}
