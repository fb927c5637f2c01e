// =============================================================================
// 文件: internal/transport/arq_packet.go
// 描述: ARQ 可靠传输 - 消息编解码
// =============================================================================
package transport

import (
	"encoding/binary"
	"fmt"

	"github.com/mrcgq/rdtp/internal/protocol"
)

// Role 消息角色
type Role uint8

const (
	RoleHandshake Role = iota
	RoleAck
	RoleData
	RoleLast
)

func (r Role) String() string {
	names := []string{"HANDSHAKE", "ACK", "DATA", "LAST"}
	if int(r) < len(names) {
		return names[r]
	}
	return fmt.Sprintf("ROLE(%d)", uint8(r))
}

// IsData DATA 或 LAST
func (r Role) IsData() bool {
	return r == RoleData || r == RoleLast
}

// Message ARQ 消息
// 数据报边界即消息边界，包头不含长度字段
type Message struct {
	Role    Role   // 角色
	Window  uint8  // 协商窗口
	Seq     uint64 // 序列号
	Ref     uint64 // ACK: 期望的下一个序列号
	Payload []byte // 有效载荷
}

// Encode 编码消息
func (m *Message) Encode() []byte {
	buf := make([]byte, ARQHeaderSize+len(m.Payload))

	buf[0] = byte(m.Role)
	buf[1] = m.Window
	binary.BigEndian.PutUint64(buf[2:10], m.Seq)
	binary.BigEndian.PutUint64(buf[10:18], m.Ref)
	copy(buf[ARQHeaderSize:], m.Payload)

	return buf
}

// DecodeMessage 解码消息，负载会被复制
func DecodeMessage(data []byte) (*Message, error) {
	if len(data) < ARQHeaderSize {
		return nil, fmt.Errorf("%w: 数据太短: %d < %d", protocol.ErrMalformedFrame, len(data), ARQHeaderSize)
	}

	m := &Message{
		Role:   Role(data[0]),
		Window: data[1],
		Seq:    binary.BigEndian.Uint64(data[2:10]),
		Ref:    binary.BigEndian.Uint64(data[10:18]),
	}

	if m.Role > RoleLast {
		return nil, fmt.Errorf("%w: 未知角色 %d", protocol.ErrMalformedFrame, data[0])
	}

	if n := len(data) - ARQHeaderSize; n > 0 {
		if m.Role == RoleAck {
			return nil, fmt.Errorf("%w: ACK 携带 %d 字节负载", protocol.ErrMalformedFrame, n)
		}
		m.Payload = make([]byte, n)
		copy(m.Payload, data[ARQHeaderSize:])
	}

	return m, nil
}

// NewHandshakeMessage 握手请求
func NewHandshakeMessage(isn uint64, window uint8) *Message {
	return &Message{Role: RoleHandshake, Window: window, Seq: isn}
}

// NewAckMessage 累计确认
func NewAckMessage(seq, ref uint64, window uint8) *Message {
	return &Message{Role: RoleAck, Window: window, Seq: seq, Ref: ref}
}

// NewDataMessage 数据消息，last 为 true 时角色为 LAST
func NewDataMessage(seq, ref uint64, window uint8, payload []byte, last bool) *Message {
	role := RoleData
	if last {
		role = RoleLast
	}
	return &Message{Role: role, Window: window, Seq: seq, Ref: ref, Payload: payload}
}

func (m *Message) String() string {
	return fmt.Sprintf("%s seq=%d ref=%d win=%d len=%d", m.Role, m.Seq, m.Ref, m.Window, len(m.Payload))
}
