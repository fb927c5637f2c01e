// =============================================================================
// 文件: internal/storage/file.go
// 描述: 顺序读取切块与 .part 原子写入，附带 BLAKE2b-256 摘要
// =============================================================================
package storage

import (
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"

	"golang.org/x/crypto/blake2b"

	"github.com/mrcgq/rdtp/internal/protocol"
)

func newDigest() hash.Hash {
	h, err := blake2b.New256(nil)
	if err != nil {
		// 无密钥时不会失败
		panic(err)
	}
	return h
}

// DigestHex 摘要的十六进制表示
func DigestHex(d []byte) string {
	return hex.EncodeToString(d)
}

// =============================================================================
// 读取
// =============================================================================

// Chunker 按固定大小顺序读取文件
// 空文件产生一个空的最后块
type Chunker struct {
	r         io.ReadCloser
	size      int64
	chunkSize int
	read      int64
	done      bool
	digest    hash.Hash
}

// NewChunker 包装读取器
func NewChunker(r io.ReadCloser, size int64, chunkSize int) *Chunker {
	if chunkSize <= 0 {
		chunkSize = 1024
	}
	return &Chunker{
		r:         r,
		size:      size,
		chunkSize: chunkSize,
		digest:    newDigest(),
	}
}

// OpenFile 打开本地文件并切块
func OpenFile(path string, chunkSize int) (*Chunker, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, protocol.Wrap(protocol.KindFileNotFound, "文件不存在", err)
		}
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, protocol.Errorf(protocol.KindBadRequest, "不是普通文件: %s", path)
	}
	return NewChunker(f, info.Size(), chunkSize), nil
}

// Size 文件大小
func (c *Chunker) Size() int64 { return c.size }

// BytesRead 已读取字节数
func (c *Chunker) BytesRead() int64 { return c.read }

// Next 返回下一个块 (实现 transport.ChunkSource)
func (c *Chunker) Next() ([]byte, bool, error) {
	if c.done {
		return nil, false, io.EOF
	}

	n := c.size - c.read
	if n > int64(c.chunkSize) {
		n = int64(c.chunkSize)
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return nil, false, fmt.Errorf("读取第 %d 字节处失败: %w", c.read, err)
	}
	c.read += n
	c.digest.Write(buf)

	last := c.read >= c.size
	if last {
		c.done = true
	}
	return buf, last, nil
}

// Digest 全部读取完成后的摘要
func (c *Chunker) Digest() []byte {
	return c.digest.Sum(nil)
}

// Close 关闭底层文件
func (c *Chunker) Close() error {
	return c.r.Close()
}

// =============================================================================
// 写入
// =============================================================================

// Writer 先写入 <path>.part，提交时重命名
type Writer struct {
	f       *os.File
	path    string
	part    string
	size    int64
	written int64
	digest  hash.Hash
	closed  bool
}

// CreateFile 为 path 创建写入器，目标或临时文件已存在时返回 FileAlreadyExists
func CreateFile(path string, size int64) (*Writer, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, protocol.Errorf(protocol.KindFileAlreadyExists, "文件已存在: %s", path)
	}

	part := path + PartSuffix
	f, err := os.OpenFile(part, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, protocol.Errorf(protocol.KindFileAlreadyExists, "文件正在写入: %s", path)
		}
		return nil, protocol.Wrap(protocol.KindServerError, "创建临时文件", err)
	}

	return &Writer{
		f:      f,
		path:   path,
		part:   part,
		size:   size,
		digest: newDigest(),
	}, nil
}

// Write 追加数据，超出声明大小视为传输失败
func (w *Writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, os.ErrClosed
	}
	if w.written+int64(len(p)) > w.size {
		return 0, protocol.Errorf(protocol.KindTransferFailed,
			"数据超出声明大小: %d > %d", w.written+int64(len(p)), w.size)
	}

	n, err := w.f.Write(p)
	w.written += int64(n)
	w.digest.Write(p[:n])
	if err != nil {
		return n, protocol.Wrap(protocol.KindServerError, "写入失败", err)
	}
	return n, nil
}

// Written 已写入字节数
func (w *Writer) Written() int64 { return w.written }

// Size 声明大小
func (w *Writer) Size() int64 { return w.size }

// Path 最终路径
func (w *Writer) Path() string { return w.path }

// Commit 校验大小并重命名为最终文件，返回摘要
func (w *Writer) Commit() ([]byte, error) {
	if w.closed {
		return nil, os.ErrClosed
	}
	if w.written != w.size {
		w.Abort()
		return nil, protocol.Errorf(protocol.KindTransferFailed,
			"文件不完整: 收到 %d / %d 字节", w.written, w.size)
	}

	if err := w.f.Sync(); err != nil {
		w.Abort()
		return nil, protocol.Wrap(protocol.KindServerError, "同步文件", err)
	}
	if err := w.f.Close(); err != nil {
		w.closed = true
		os.Remove(w.part)
		return nil, protocol.Wrap(protocol.KindServerError, "关闭文件", err)
	}
	w.closed = true

	if err := os.Rename(w.part, w.path); err != nil {
		os.Remove(w.part)
		return nil, protocol.Wrap(protocol.KindServerError, "重命名文件", err)
	}
	return w.digest.Sum(nil), nil
}

// Abort 放弃写入并删除临时文件，可重复调用
func (w *Writer) Abort() {
	if w.closed {
		return
	}
	w.closed = true
	w.f.Close()
	os.Remove(w.part)
}

// Closed 是否已结束 (提交或放弃)
func (w *Writer) Closed() bool {
	return w.closed
}
