// =============================================================================
// 文件: internal/handler/server_handler.go
// 描述: 服务端处理器 - 为每个接入的连接驱动上传/下载流程
// =============================================================================
package handler

import (
	"net"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/mrcgq/rdtp/internal/protocol"
	"github.com/mrcgq/rdtp/internal/storage"
	"github.com/mrcgq/rdtp/internal/transport"
)

// ServerConfig 服务端参数
type ServerConfig struct {
	MaxFileSize int64
	ChunkSize   int
}

// Server 文件服务 (实现 transport.SessionFactory)
type Server struct {
	store     storage.Store
	cfg       ServerConfig
	recorders []Recorder

	stats serverStats

	log log.FieldLogger
}

// serverStats 统计信息
type serverStats struct {
	sessions  uint64
	uploads   uint64
	downloads uint64
	rejected  uint64
	failed    uint64
}

// NewServer 创建文件服务
func NewServer(store storage.Store, cfg ServerConfig, logger log.FieldLogger, recorders ...Recorder) *Server {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = transport.ARQDefaultChunkSize
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = protocol.DefaultMaxFileSize
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Server{
		store:     store,
		cfg:       cfg,
		recorders: recorders,
		log:       logger.WithField("mod", "handler"),
	}
}

// NewSession 为新对端创建会话
func (s *Server) NewSession(peer net.Addr) transport.Session {
	atomic.AddUint64(&s.stats.sessions, 1)
	return &serverSession{
		srv:  s,
		peer: peer,
		log:  s.log.WithField("peer", peer.String()),
	}
}

// GetStats 获取统计
func (s *Server) GetStats() map[string]uint64 {
	return map[string]uint64{
		"sessions":  atomic.LoadUint64(&s.stats.sessions),
		"uploads":   atomic.LoadUint64(&s.stats.uploads),
		"downloads": atomic.LoadUint64(&s.stats.downloads),
		"rejected":  atomic.LoadUint64(&s.stats.rejected),
		"failed":    atomic.LoadUint64(&s.stats.failed),
	}
}

func (s *Server) record(r *Result) {
	for _, rec := range s.recorders {
		rec.RecordTransfer(r)
	}
}

// =============================================================================
// 会话
// =============================================================================

type serverPhase int

const (
	phaseAwaitRequest serverPhase = iota
	phaseReceiving
	phaseSending
	phaseRejected
	phaseDone
)

// serverSession 单次传输
// 所有方法都在连接处理协程中执行
type serverSession struct {
	srv   *Server
	peer  net.Addr
	phase serverPhase

	req     *protocol.Request
	result  *Result
	writer  *storage.Writer
	chunker *storage.Chunker

	log log.FieldLogger
}

func (s *serverSession) OnOpen(c *transport.Conn) {
	s.log.WithField("window", c.Window()).Debug("连接建立，等待请求")
}

func (s *serverSession) OnMessage(c *transport.Conn, payload []byte, last bool) {
	switch s.phase {
	case phaseAwaitRequest:
		s.handleRequest(c, payload, last)
	case phaseReceiving:
		s.handleChunk(c, payload, last)
	default:
		s.log.Debugf("忽略 %d 字节的意外数据", len(payload))
	}
}

func (s *serverSession) handleRequest(c *transport.Conn, payload []byte, last bool) {
	req, err := protocol.ParseRequest(payload)
	if err != nil {
		s.reject(c, err)
		return
	}
	s.req = req
	s.result = newResult(req.Op, req.Filename, s.peer.String())
	s.log = s.log.WithFields(log.Fields{"op": req.Op, "file": req.Filename})

	switch req.Op {
	case protocol.OpUpload:
		s.startUpload(c, req, last)
	case protocol.OpDownload:
		s.startDownload(c, req)
	}
}

func (s *serverSession) startUpload(c *transport.Conn, req *protocol.Request, last bool) {
	if last {
		s.reject(c, protocol.Errorf(protocol.KindBadRequest, "上传请求之后没有数据"))
		return
	}
	if _, err := s.srv.store.Stat(req.Filename); err == nil {
		s.reject(c, protocol.Errorf(protocol.KindFileAlreadyExists, "文件已存在: %s", req.Filename))
		return
	}
	if req.Size > s.srv.cfg.MaxFileSize {
		s.reject(c, protocol.Errorf(protocol.KindFileTooLarge,
			"文件过大: %d > %d", req.Size, s.srv.cfg.MaxFileSize))
		return
	}

	w, err := s.srv.store.Create(req.Filename, req.Size)
	if err != nil {
		s.reject(c, err)
		return
	}

	s.writer = w
	s.phase = phaseReceiving
	c.Send(protocol.EncodeReady())
	s.log.Debugf("准备接收 %d 字节", req.Size)
}

func (s *serverSession) startDownload(c *transport.Conn, req *protocol.Request) {
	chunker, err := s.srv.store.Open(req.Filename, s.srv.cfg.ChunkSize)
	if err != nil {
		s.reject(c, err)
		return
	}

	s.chunker = chunker
	s.phase = phaseSending
	c.Send(protocol.EncodeDownloadReady(chunker.Size()))
	c.Stream(chunker)
	s.log.Debugf("开始发送 %d 字节", chunker.Size())
}

func (s *serverSession) handleChunk(c *transport.Conn, payload []byte, last bool) {
	if _, err := s.writer.Write(payload); err != nil {
		s.abort(c, err)
		return
	}
	if !last {
		return
	}

	digest, err := s.writer.Commit()
	if err != nil {
		s.abort(c, err)
		return
	}
	s.result.Digest = digest
	s.phase = phaseDone
	s.log.WithField("path", s.writer.Path()).Debug("上传已提交")
	c.Finish(nil)
}

// reject 以错误应答拒绝请求
func (s *serverSession) reject(c *transport.Conn, err error) {
	atomic.AddUint64(&s.srv.stats.rejected, 1)
	s.phase = phaseRejected
	s.log.Debugf("拒绝请求: %v", err)

	c.Send(protocol.EncodeError(protocol.KindOf(err)))
	c.FinishAfterDrain(err)
}

// abort 传输中途失败，通知对端后结束
func (s *serverSession) abort(c *transport.Conn, err error) {
	s.writer.Abort()
	s.phase = phaseRejected
	c.Send(protocol.EncodeError(protocol.KindOf(err)))
	c.FinishAfterDrain(err)
}

func (s *serverSession) OnDrained(c *transport.Conn) {
	if s.phase == phaseSending {
		s.phase = phaseDone
		c.Finish(nil)
	}
}

func (s *serverSession) OnClose(c *transport.Conn, err error) {
	if s.writer != nil {
		// 未提交的上传删除临时文件
		s.writer.Abort()
	}
	if s.chunker != nil {
		s.chunker.Close()
	}

	if s.req == nil {
		if err != nil {
			s.log.Debugf("连接在请求前结束: %v", err)
		}
		return
	}

	r := s.result
	switch {
	case s.writer != nil:
		r.Bytes = s.writer.Written()
	case s.chunker != nil:
		r.Bytes = s.chunker.BytesRead()
		if err == nil {
			r.Digest = s.chunker.Digest()
		}
	}
	r.Stats = c.Stats()
	r.finish(err)

	if r.OK {
		if s.req.Op == protocol.OpUpload {
			atomic.AddUint64(&s.srv.stats.uploads, 1)
		} else {
			atomic.AddUint64(&s.srv.stats.downloads, 1)
		}
		s.log.WithField("srtt", r.Stats.SRTT).Infof("传输完成: %d 字节, 耗时 %v", r.Bytes, r.Duration)
	} else {
		atomic.AddUint64(&s.srv.stats.failed, 1)
		s.log.WithField("kind", r.Kind).Warnf("传输失败: %v", err)
	}

	s.srv.record(r)
}
