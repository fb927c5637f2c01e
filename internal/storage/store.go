// =============================================================================
// 文件: internal/storage/store.go
// 描述: 服务端文件存储 - 按名称读取、原子写入
// =============================================================================
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
	log "github.com/sirupsen/logrus"

	"github.com/mrcgq/rdtp/internal/protocol"
)

// PartSuffix 写入中的临时文件后缀
const PartSuffix = ".part"

// Store 传输使用的文件存储
type Store interface {
	// Stat 返回已存储文件的大小，不存在时返回 FileNotFound
	Stat(name string) (int64, error)
	// Open 打开文件并按 chunkSize 切块
	Open(name string, chunkSize int) (*Chunker, error)
	// Create 为上传创建写入器，文件已存在 (含写入中) 时返回 FileAlreadyExists
	Create(name string, size int64) (*Writer, error)
}

// DiskStore 目录存储
type DiskStore struct {
	dir string
	log log.FieldLogger
}

// NewDiskStore 创建目录存储，目录不存在时自动创建
func NewDiskStore(dir string, logger log.FieldLogger) (*DiskStore, error) {
	expanded, err := homedir.Expand(dir)
	if err != nil {
		return nil, fmt.Errorf("展开路径 %s: %w", dir, err)
	}
	if err := os.MkdirAll(expanded, 0755); err != nil {
		return nil, fmt.Errorf("创建存储目录: %w", err)
	}
	if logger == nil {
		logger = log.StandardLogger()
	}

	return &DiskStore{
		dir: expanded,
		log: logger.WithField("mod", "storage"),
	}, nil
}

// Dir 存储目录
func (s *DiskStore) Dir() string {
	return s.dir
}

func (s *DiskStore) path(name string) (string, error) {
	if err := protocol.ValidateFilename(name); err != nil {
		return "", err
	}
	if strings.HasSuffix(name, PartSuffix) {
		return "", protocol.Errorf(protocol.KindBadRequest, "保留的文件名后缀: %q", name)
	}
	return filepath.Join(s.dir, name), nil
}

// Stat 已存储文件大小
func (s *DiskStore) Stat(name string) (int64, error) {
	p, err := s.path(name)
	if err != nil {
		return 0, err
	}

	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, protocol.Errorf(protocol.KindFileNotFound, "文件不存在: %s", name)
		}
		return 0, protocol.Wrap(protocol.KindServerError, "读取文件信息", err)
	}
	if !info.Mode().IsRegular() {
		return 0, protocol.Errorf(protocol.KindFileNotFound, "不是普通文件: %s", name)
	}
	return info.Size(), nil
}

// Open 打开已存储文件
func (s *DiskStore) Open(name string, chunkSize int) (*Chunker, error) {
	if _, err := s.Stat(name); err != nil {
		return nil, err
	}
	p, _ := s.path(name)

	c, err := OpenFile(p, chunkSize)
	if err != nil {
		return nil, protocol.Wrap(protocol.KindServerError, "打开文件", err)
	}
	return c, nil
}

// Create 创建上传写入器
func (s *DiskStore) Create(name string, size int64) (*Writer, error) {
	p, err := s.path(name)
	if err != nil {
		return nil, err
	}

	w, err := CreateFile(p, size)
	if err != nil {
		return nil, err
	}
	s.log.WithField("file", name).Debugf("开始写入 %d 字节", size)
	return w, nil
}
