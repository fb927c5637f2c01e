// =============================================================================
// 文件: internal/transport/arq_sender.go
// 描述: ARQ 可靠传输 - 发送端 (停等 / 回退 N 步)
// =============================================================================
package transport

import (
	"fmt"
	"time"

	"github.com/mrcgq/rdtp/internal/protocol"
)

// retransmitTimer 单个重传定时器
// Arm 总是先取消未触发的定时再重新计时
type retransmitTimer interface {
	Arm()
	Cancel()
}

// ackOutcome ACK 处理结果
type ackOutcome int

const (
	ackAdvanced ackOutcome = iota
	ackDuplicate
	ackFastRetransmit
	ackStale
	ackInvalid
)

func (o ackOutcome) String() string {
	return [...]string{"advanced", "duplicate", "fast-retransmit", "stale", "invalid"}[o]
}

// flight 已发送未确认的消息
type flight struct {
	msg    *Message
	sentAt time.Time
	resent bool
}

// pendingMsg 排队中尚未分配序列号的消息
type pendingMsg struct {
	payload []byte
	last    bool
}

// sender 发送端状态
// 只在连接处理协程中访问
type sender struct {
	window uint64
	base   uint64 // 最早未确认的序列号
	next   uint64 // 下一个待分配的序列号

	// [base, next) 区间内按序号升序排列
	inFlight []*flight

	queue  []pendingMsg
	source ChunkSource

	attempts     int
	maxAttempts  int
	dupCount     int
	dupThreshold int
	lastAck      uint64

	// 重发一轮后，在确认越过 recover 之前不再统计重复 ACK
	recovering bool
	recover    uint64

	timer retransmitTimer
	emit  func(*Message)

	// 由连接设置
	window8 uint8
	ref     func() uint64
	rtt     *rttEstimator
	stats   *connCounters
	now     func() time.Time
}

func newSender(cfg *ConnConfig, timer retransmitTimer, emit func(*Message)) *sender {
	return &sender{
		window:       uint64(cfg.WindowSize),
		window8:      cfg.WindowSize,
		maxAttempts:  cfg.MaxRetransmits,
		dupThreshold: cfg.FastRetransmitThreshold,
		timer:        timer,
		emit:         emit,
		ref:          func() uint64 { return 0 },
		stats:        &connCounters{},
		now:          time.Now,
	}
}

// reset 设置起始序列号并调整窗口
func (s *sender) reset(seq uint64, window uint8) {
	s.base = seq
	s.next = seq
	s.lastAck = seq
	s.recovering = false
	s.window = uint64(window)
	s.window8 = window
}

// outstanding 窗口占用
func (s *sender) outstanding() int {
	return len(s.inFlight)
}

// push 排队一个应用消息
func (s *sender) push(payload []byte, last bool) {
	s.queue = append(s.queue, pendingMsg{payload: payload, last: last})
}

// attach 挂载数据源，在排队消息之后发送
func (s *sender) attach(src ChunkSource) {
	s.source = src
}

func (s *sender) pending() bool {
	return len(s.queue) > 0 || s.source != nil
}

// idle 没有在途消息也没有待发送数据
func (s *sender) idle() bool {
	return len(s.inFlight) == 0 && !s.pending()
}

// nextPending 取下一条待发送消息
func (s *sender) nextPending() (payload []byte, last bool, ok bool, err error) {
	if len(s.queue) > 0 {
		p := s.queue[0]
		s.queue[0] = pendingMsg{}
		s.queue = s.queue[1:]
		return p.payload, p.last, true, nil
	}
	if s.source == nil {
		return nil, false, false, nil
	}
	chunk, last, err := s.source.Next()
	if err != nil {
		s.source = nil
		return nil, false, false, protocol.Wrap(protocol.KindTransferFailed, "读取数据失败", err)
	}
	if last {
		s.source = nil
	}
	return chunk, last, true, nil
}

// fill 填充窗口
func (s *sender) fill() error {
	for s.next-s.base < s.window {
		payload, last, ok, err := s.nextPending()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		msg := NewDataMessage(s.next, s.ref(), s.window8, payload, last)
		wasEmpty := len(s.inFlight) == 0

		s.emit(msg)
		s.inFlight = append(s.inFlight, &flight{msg: msg, sentAt: s.now()})
		s.next++

		if wasEmpty {
			s.timer.Arm()
		}
	}
	return nil
}

// onAck 处理累计确认
func (s *sender) onAck(ref uint64) ackOutcome {
	switch {
	case ref > s.next:
		// 确认了从未发送的序列号
		return ackInvalid

	case ref > s.base:
		acked := int(ref - s.base)
		s.sampleRTT(s.inFlight[acked-1])
		for i := 0; i < acked; i++ {
			s.inFlight[i] = nil
		}
		s.inFlight = s.inFlight[acked:]
		s.base = ref
		s.attempts = 0
		s.dupCount = 0
		s.lastAck = ref
		if s.recovering && ref > s.recover {
			s.recovering = false
		}

		s.timer.Cancel()
		if len(s.inFlight) > 0 {
			s.timer.Arm()
		}
		return ackAdvanced

	case ref == s.base:
		if len(s.inFlight) == 0 {
			return ackStale
		}
		if s.recovering {
			// 已重发轮次引起的重复确认
			return ackDuplicate
		}
		if ref == s.lastAck {
			s.dupCount++
		} else {
			s.dupCount = 1
			s.lastAck = ref
		}
		if s.dupThreshold > 0 && s.dupCount >= s.dupThreshold {
			s.dupCount = 0
			s.resend()
			atomic64Inc(&s.stats.fastRetransmits)
			return ackFastRetransmit
		}
		return ackDuplicate

	default:
		return ackStale
	}
}

// onTimeout 重传定时器触发
func (s *sender) onTimeout() error {
	if len(s.inFlight) == 0 {
		return nil
	}
	s.attempts++
	if s.attempts > s.maxAttempts {
		s.timer.Cancel()
		return fmt.Errorf("%w: 序列号 %d 重传 %d 次无确认", protocol.ErrTransferFailed, s.base, s.maxAttempts)
	}
	s.resend()
	atomic64Inc(&s.stats.timeoutRetransmits)
	return nil
}

// resend 按序重发整个窗口并重新计时
func (s *sender) resend() {
	for _, f := range s.inFlight {
		f.resent = true
		f.msg.Ref = s.ref()
		s.emit(f.msg)
		atomic64Inc(&s.stats.retransmitted)
	}
	s.recovering = true
	s.recover = s.next
	s.timer.Cancel()
	s.timer.Arm()
}

// sampleRTT 只对未重发过的消息采样 (Karn)
func (s *sender) sampleRTT(f *flight) {
	if s.rtt == nil || f.resent {
		return
	}
	s.rtt.update(s.now().Sub(f.sentAt))
	storeDuration(&s.stats.srtt, s.rtt.smoothed())
	storeDuration(&s.stats.minRTT, s.rtt.min())
}
