// =============================================================================
// 文件: internal/transport/types.go
// 描述: 传输层统一类型定义 - 消除重复定义
// =============================================================================
package transport

import (
	"context"
	"net"
)

// PacketHandler 数据报处理接口
// data 归调用方所有权转移给处理器，处理器可以保留
type PacketHandler interface {
	HandlePacket(data []byte, from net.Addr)
}

// PacketHandlerFunc 函数适配
type PacketHandlerFunc func(data []byte, from net.Addr)

func (f PacketHandlerFunc) HandlePacket(data []byte, from net.Addr) { f(data, from) }

// PacketTransport 数据报传输 (UDP / WebSocket / 进程内)
type PacketTransport interface {
	PacketWriter

	// Serve 读取数据报并交给处理器，直到 ctx 取消或传输关闭
	Serve(ctx context.Context, h PacketHandler) error

	LocalAddr() net.Addr
	Close() error
}
