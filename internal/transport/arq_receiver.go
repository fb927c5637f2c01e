// =============================================================================
// 文件: internal/transport/arq_receiver.go
// 描述: ARQ 可靠传输 - 接收端 (按序交付 + 窗口内乱序缓存)
// =============================================================================
package transport

// delivery 按序交付给应用的负载
type delivery struct {
	payload []byte
	last    bool
}

// recvVerdict 收包判定
type recvVerdict int

const (
	recvInOrder recvVerdict = iota
	recvBuffered
	recvDuplicate
	recvOutOfWindow
)

func (v recvVerdict) String() string {
	return [...]string{"in-order", "buffered", "duplicate", "out-of-window"}[v]
}

// receiver 接收端状态
// 只在连接处理协程中访问
type receiver struct {
	expected uint64
	window   uint64

	// 窗口 (expected, expected+window) 内提前到达的消息
	buffered map[uint64]*Message

	// 已按序交付 LAST
	finished bool
}

func newReceiver(expected uint64, window uint8) *receiver {
	return &receiver{
		expected: expected,
		window:   uint64(window),
		buffered: make(map[uint64]*Message),
	}
}

// reset 握手后设置期望序列号与窗口
func (r *receiver) reset(expected uint64, window uint8) {
	r.expected = expected
	r.window = uint64(window)
	r.buffered = make(map[uint64]*Message)
	r.finished = false
}

// accept 处理 DATA/LAST，返回需要交付的负载
// 无论判定如何，调用方都应以 expected 回复累计 ACK
func (r *receiver) accept(m *Message) ([]delivery, recvVerdict) {
	switch {
	case r.finished || m.Seq < r.expected:
		return nil, recvDuplicate

	case m.Seq == r.expected:
		out := []delivery{{payload: m.Payload, last: m.Role == RoleLast}}
		r.expected++
		r.finished = m.Role == RoleLast

		for !r.finished {
			next, ok := r.buffered[r.expected]
			if !ok {
				break
			}
			delete(r.buffered, r.expected)
			out = append(out, delivery{payload: next.Payload, last: next.Role == RoleLast})
			r.expected++
			r.finished = next.Role == RoleLast
		}
		if r.finished {
			r.buffered = make(map[uint64]*Message)
		}
		return out, recvInOrder

	case m.Seq < r.expected+r.window:
		if _, ok := r.buffered[m.Seq]; ok {
			return nil, recvDuplicate
		}
		r.buffered[m.Seq] = m
		return nil, recvBuffered

	default:
		return nil, recvOutOfWindow
	}
}

// pending 缓存的乱序消息数
func (r *receiver) pending() int {
	return len(r.buffered)
}
