// =============================================================================
// 文件: internal/storage/journal.go
// 描述: 传输日志 - 每次传输的结果持久化到 bbolt
// =============================================================================
package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/go-homedir"
	"go.etcd.io/bbolt"
)

var transfersBucket = []byte("transfers")

// Entry 一次传输的记录
type Entry struct {
	ID       string        `json:"id"`
	Op       string        `json:"op"`
	Filename string        `json:"filename"`
	Peer     string        `json:"peer"`
	Bytes    int64         `json:"bytes"`
	Digest   string        `json:"digest,omitempty"`
	Result   string        `json:"result"`
	Error    string        `json:"error,omitempty"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
}

// Journal 传输日志
type Journal struct {
	db   *bbolt.DB
	path string
}

// OpenJournal 打开或创建日志文件
func OpenJournal(path string) (*Journal, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("展开路径 %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0755); err != nil {
		return nil, fmt.Errorf("创建日志目录: %w", err)
	}

	db, err := bbolt.Open(expanded, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("打开传输日志: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(transfersBucket); err != nil {
			return fmt.Errorf("failed to create bucket: %s", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Journal{db: db, path: expanded}, nil
}

// Path 日志文件路径
func (j *Journal) Path() string {
	return j.path
}

// Record 追加一条记录，ID 为空时自动生成
func (j *Journal) Record(e *Entry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	value, err := json.Marshal(e)
	if err != nil {
		return err
	}

	return j.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(transfersBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return b.Put(key, value)
	})
}

// Recent 最近的 limit 条记录，新的在前；limit <= 0 返回全部
func (j *Journal) Recent(limit int) ([]Entry, error) {
	entries := make([]Entry, 0)

	err := j.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(transfersBucket).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(entries) >= limit {
				break
			}
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("记录 %x 损坏: %w", k, err)
			}
			entries = append(entries, e)
		}
		return nil
	})
	return entries, err
}

// Count 记录总数
func (j *Journal) Count() (int, error) {
	var n int
	err := j.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(transfersBucket).Stats().KeyN
		return nil
	})
	return n, err
}

// Close 关闭日志
func (j *Journal) Close() error {
	return j.db.Close()
}
