// =============================================================================
// 文件: internal/handler/client_handler.go
// 描述: 客户端处理器 - 上传与下载
// =============================================================================
package handler

import (
	"context"
	"net"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/mrcgq/rdtp/internal/protocol"
	"github.com/mrcgq/rdtp/internal/storage"
	"github.com/mrcgq/rdtp/internal/transport"
)

// ClientConfig 客户端参数
type ClientConfig struct {
	MaxFileSize int64
	ChunkSize   int
	OutputDir   string
}

// Client 文件传输客户端
type Client struct {
	reg    *transport.Registry
	server net.Addr
	cfg    ClientConfig
	log    log.FieldLogger
}

// NewClient 创建客户端；reg 必须是客户端模式的注册表
func NewClient(reg *transport.Registry, server net.Addr, cfg ClientConfig, logger log.FieldLogger) *Client {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = transport.ARQDefaultChunkSize
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = protocol.DefaultMaxFileSize
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = "."
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Client{
		reg:    reg,
		server: server,
		cfg:    cfg,
		log:    logger.WithField("mod", "handler"),
	}
}

// Upload 上传本地文件，remoteName 为空时使用本地文件名
func (c *Client) Upload(ctx context.Context, path, remoteName string) *Result {
	if remoteName == "" {
		remoteName = filepath.Base(path)
	}
	res := newResult(protocol.OpUpload, remoteName, c.server.String())

	if err := protocol.ValidateFilename(remoteName); err != nil {
		return res.finish(err)
	}

	chunker, err := storage.OpenFile(path, c.cfg.ChunkSize)
	if err != nil {
		return res.finish(err)
	}
	defer chunker.Close()

	if chunker.Size() > c.cfg.MaxFileSize {
		return res.finish(protocol.Errorf(protocol.KindFileTooLarge,
			"文件过大: %d > %d", chunker.Size(), c.cfg.MaxFileSize))
	}

	sess := &uploadSession{
		req:     &protocol.Request{Op: protocol.OpUpload, Filename: remoteName, Size: chunker.Size()},
		chunker: chunker,
	}

	conn, err := c.reg.Dial(c.server, sess)
	if err != nil {
		return res.finish(err)
	}
	err = c.wait(ctx, conn)

	res.Bytes = chunker.BytesRead()
	if err == nil {
		res.Digest = chunker.Digest()
	}
	res.Stats = conn.Stats()
	res.finish(err)
	c.logResult(res)
	return res
}

// Download 下载文件到输出目录
func (c *Client) Download(ctx context.Context, name string) *Result {
	res := newResult(protocol.OpDownload, name, c.server.String())

	if err := protocol.ValidateFilename(name); err != nil {
		return res.finish(err)
	}

	if err := os.MkdirAll(c.cfg.OutputDir, 0755); err != nil {
		return res.finish(protocol.Wrap(protocol.KindServerError, "创建输出目录", err))
	}
	path := filepath.Join(c.cfg.OutputDir, name)
	if _, err := os.Stat(path); err == nil {
		return res.finish(protocol.Errorf(protocol.KindFileAlreadyExists, "本地文件已存在: %s", path))
	}
	if _, err := os.Stat(path + storage.PartSuffix); err == nil {
		// 上次下载中断留下的临时文件
		return res.finish(protocol.Errorf(protocol.KindFileAlreadyExists, "本地文件正在写入: %s", path+storage.PartSuffix))
	}

	sess := &downloadSession{
		req:         &protocol.Request{Op: protocol.OpDownload, Filename: name},
		path:        path,
		maxFileSize: c.cfg.MaxFileSize,
	}

	conn, err := c.reg.Dial(c.server, sess)
	if err != nil {
		return res.finish(err)
	}
	err = c.wait(ctx, conn)

	if sess.writer != nil {
		res.Bytes = sess.writer.Written()
	}
	res.Digest = sess.digest
	res.Stats = conn.Stats()
	res.finish(err)
	c.logResult(res)
	return res
}

// wait 等待连接结果，ctx 结束时终止连接
func (c *Client) wait(ctx context.Context, conn *transport.Conn) error {
	select {
	case <-conn.Done():
	case <-ctx.Done():
		conn.Abort(protocol.Wrap(protocol.KindTransferFailed, "传输中止", ctx.Err()))
	}
	return conn.Err()
}

func (c *Client) logResult(r *Result) {
	entry := c.log.WithFields(log.Fields{
		"op":   r.Op,
		"file": r.Filename,
	})
	if r.OK {
		entry.WithField("srtt", r.Stats.SRTT).Infof("传输完成: %d 字节, 耗时 %v", r.Bytes, r.Duration)
		return
	}
	entry.WithField("kind", r.Kind).Warnf("传输失败: %v", r.Err)
}

// Close 等待仍在应答重复包的连接退出
func (c *Client) Close(ctx context.Context) error {
	return c.reg.Wait(ctx)
}

// =============================================================================
// 会话
// =============================================================================

// awaitResponse 解析请求的应答
func awaitResponse(payload []byte) (*protocol.Response, error) {
	resp, err := protocol.ParseResponse(payload)
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	return resp, nil
}

// unexpected 就绪之后对端发来的数据只能是错误应答
func unexpected(payload []byte) error {
	if protocol.IsError(payload) {
		if resp, err := protocol.ParseResponse(payload); err == nil {
			return resp.Err()
		}
	}
	return protocol.Errorf(protocol.KindSequenceMismatch, "意外的数据: %d 字节", len(payload))
}

type uploadSession struct {
	req       *protocol.Request
	chunker   *storage.Chunker
	streaming bool
}

func (s *uploadSession) OnOpen(c *transport.Conn) {
	c.Send(s.req.Encode())
}

func (s *uploadSession) OnMessage(c *transport.Conn, payload []byte, last bool) {
	if s.streaming {
		c.Finish(unexpected(payload))
		return
	}

	if _, err := awaitResponse(payload); err != nil {
		c.Finish(err)
		return
	}
	s.streaming = true
	c.Stream(s.chunker)
}

func (s *uploadSession) OnDrained(c *transport.Conn) {
	if s.streaming {
		c.Finish(nil)
	}
}

func (s *uploadSession) OnClose(c *transport.Conn, err error) {}

type downloadSession struct {
	req         *protocol.Request
	path        string
	maxFileSize int64

	writer *storage.Writer
	digest []byte
}

func (s *downloadSession) OnOpen(c *transport.Conn) {
	c.Send(s.req.Encode())
}

func (s *downloadSession) OnMessage(c *transport.Conn, payload []byte, last bool) {
	if s.writer == nil {
		s.start(c, payload, last)
		return
	}

	if _, err := s.writer.Write(payload); err != nil {
		c.Finish(err)
		return
	}
	if !last {
		return
	}

	digest, err := s.writer.Commit()
	if err != nil {
		c.Finish(err)
		return
	}
	s.digest = digest
	c.Finish(nil)
}

func (s *downloadSession) start(c *transport.Conn, payload []byte, last bool) {
	resp, err := awaitResponse(payload)
	if err != nil {
		c.Finish(err)
		return
	}
	if resp.Size < 0 {
		c.Finish(protocol.Errorf(protocol.KindSequenceMismatch, "就绪应答缺少文件大小"))
		return
	}
	if resp.Size > s.maxFileSize {
		c.Finish(protocol.Errorf(protocol.KindFileTooLarge, "文件过大: %d > %d", resp.Size, s.maxFileSize))
		return
	}
	if last {
		c.Finish(protocol.Errorf(protocol.KindSequenceMismatch, "就绪应答之后没有数据"))
		return
	}

	w, err := storage.CreateFile(s.path, resp.Size)
	if err != nil {
		c.Finish(err)
		return
	}
	s.writer = w
}

func (s *downloadSession) OnDrained(c *transport.Conn) {}

func (s *downloadSession) OnClose(c *transport.Conn, err error) {
	if s.writer != nil {
		s.writer.Abort()
	}
}
