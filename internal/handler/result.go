// =============================================================================
// 文件: internal/handler/result.go
// 描述: 传输结果与结果记录器 (传输日志、指标)
// =============================================================================
package handler

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mrcgq/rdtp/internal/metrics"
	"github.com/mrcgq/rdtp/internal/protocol"
	"github.com/mrcgq/rdtp/internal/storage"
	"github.com/mrcgq/rdtp/internal/transport"
)

// Result 一次上传或下载的结果
type Result struct {
	OK       bool
	Op       protocol.Op
	Kind     protocol.ErrorKind
	Err      error
	Filename string
	Peer     string
	Bytes    int64
	Digest   []byte
	Started  time.Time
	Duration time.Duration
	Stats    transport.ConnStats
}

func newResult(op protocol.Op, filename, peer string) *Result {
	return &Result{
		Op:       op,
		Filename: filename,
		Peer:     peer,
		Started:  time.Now(),
	}
}

// finish 填写结果
func (r *Result) finish(err error) *Result {
	r.Duration = time.Since(r.Started)
	r.Err = err
	r.Kind = protocol.KindOf(err)
	r.OK = err == nil
	return r
}

// Outcome 结果标签: ok 或错误类别
func (r *Result) Outcome() string {
	if r.OK {
		return "ok"
	}
	return r.Kind.String()
}

// TimedOut 是否因超时或取消而结束
func (r *Result) TimedOut() bool {
	return errors.Is(r.Err, context.DeadlineExceeded)
}

func (r *Result) String() string {
	if r.OK {
		return fmt.Sprintf("%s %s: %d 字节, 耗时 %v", r.Op, r.Filename, r.Bytes, r.Duration.Round(time.Millisecond))
	}
	return fmt.Sprintf("%s %s 失败 [%s]: %v", r.Op, r.Filename, r.Kind, r.Err)
}

// Entry 转为传输日志记录
func (r *Result) Entry() *storage.Entry {
	e := &storage.Entry{
		Op:       r.Op.String(),
		Filename: r.Filename,
		Peer:     r.Peer,
		Bytes:    r.Bytes,
		Result:   r.Outcome(),
		Started:  r.Started,
		Duration: r.Duration,
	}
	if len(r.Digest) > 0 {
		e.Digest = storage.DigestHex(r.Digest)
	}
	if r.Err != nil {
		e.Error = r.Err.Error()
	}
	return e
}

// =============================================================================
// 记录器
// =============================================================================

// Recorder 接收传输结果
// 在连接处理协程中调用，实现需并发安全且不能阻塞
type Recorder interface {
	RecordTransfer(r *Result)
}

// RecorderFunc 函数适配
type RecorderFunc func(r *Result)

func (f RecorderFunc) RecordTransfer(r *Result) { f(r) }

// JournalRecorder 写入传输日志
type JournalRecorder struct {
	Journal *storage.Journal
	Log     log.FieldLogger
}

func (j *JournalRecorder) RecordTransfer(r *Result) {
	if err := j.Journal.Record(r.Entry()); err != nil && j.Log != nil {
		j.Log.Warnf("写入传输日志失败: %v", err)
	}
}

// MetricsRecorder 更新传输指标
type MetricsRecorder struct {
	Metrics *metrics.TransferMetrics
}

func (m *MetricsRecorder) RecordTransfer(r *Result) {
	m.Metrics.Observe(r.Op.String(), r.Outcome(), r.Bytes, r.Duration, r.Stats.SRTT)
}
