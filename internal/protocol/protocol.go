// =============================================================================
// 文件: internal/protocol/protocol.go
// 描述: 应用层协议 - 上传/下载请求、就绪与错误应答
// =============================================================================

package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Op 操作类型
type Op byte

const (
	OpUpload   Op = 'U'
	OpDownload Op = 'D'
)

func (o Op) String() string {
	switch o {
	case OpUpload:
		return "upload"
	case OpDownload:
		return "download"
	default:
		return "unknown"
	}
}

// 应答标记
const (
	ReadyTag    = "D_OK"
	ErrorPrefix = "E_"

	// MaxFilenameLen 文件名最大长度
	MaxFilenameLen = 255

	// DefaultMaxFileSize 默认单文件大小上限
	DefaultMaxFileSize = 5500000
)

// =============================================================================
// 请求
// =============================================================================

// Request 首个 DATA 消息携带的请求
// 上传: "U <filename> <size>"，下载: "D <filename>"
type Request struct {
	Op       Op
	Filename string
	Size     int64
}

// Encode 编码请求
func (r *Request) Encode() []byte {
	if r.Op == OpUpload {
		return []byte(fmt.Sprintf("U %s %d", r.Filename, r.Size))
	}
	return []byte("D " + r.Filename)
}

// ParseRequest 解析请求
func ParseRequest(data []byte) (*Request, error) {
	s := string(data)
	if len(s) < 3 || s[1] != ' ' {
		return nil, Errorf(KindBadRequest, "请求太短或格式错误: %q", s)
	}

	req := &Request{Op: Op(s[0])}
	body := s[2:]

	switch req.Op {
	case OpUpload:
		// 文件名可能含空格，大小为最后一个字段
		idx := strings.LastIndexByte(body, ' ')
		if idx <= 0 {
			return nil, Errorf(KindBadRequest, "上传请求缺少文件大小: %q", s)
		}
		size, err := strconv.ParseInt(body[idx+1:], 10, 64)
		if err != nil || size < 0 {
			return nil, Errorf(KindBadRequest, "无效文件大小: %q", body[idx+1:])
		}
		req.Filename = body[:idx]
		req.Size = size
	case OpDownload:
		req.Filename = body
	default:
		return nil, Errorf(KindBadRequest, "未知操作: %q", s[0])
	}

	if err := ValidateFilename(req.Filename); err != nil {
		return nil, err
	}
	return req, nil
}

// ValidateFilename 只接受不含路径的文件名
func ValidateFilename(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return Errorf(KindBadRequest, "无效文件名: %q", name)
	case len(name) > MaxFilenameLen:
		return Errorf(KindBadRequest, "文件名过长: %d", len(name))
	case strings.ContainsAny(name, "/\\\x00"):
		return Errorf(KindBadRequest, "文件名不能包含路径: %q", name)
	}
	return nil
}

// =============================================================================
// 应答
// =============================================================================

// Response 请求的应答: 就绪或错误
type Response struct {
	OK   bool
	Size int64 // 下载就绪时为文件大小，否则为 -1
	Kind ErrorKind
}

// EncodeReady 上传就绪应答
func EncodeReady() []byte {
	return []byte(ReadyTag)
}

// EncodeDownloadReady 下载就绪应答，附带文件大小
func EncodeDownloadReady(size int64) []byte {
	return []byte(fmt.Sprintf("%s %d", ReadyTag, size))
}

// EncodeError 错误应答
func EncodeError(kind ErrorKind) []byte {
	code := kind.Code()
	if code == "" {
		code = KindServerError.Code()
	}
	return []byte(ErrorPrefix + code)
}

// IsError 判断负载是否为错误应答
func IsError(data []byte) bool {
	return strings.HasPrefix(string(data), ErrorPrefix)
}

// ParseResponse 解析应答
func ParseResponse(data []byte) (*Response, error) {
	s := string(data)

	if strings.HasPrefix(s, ErrorPrefix) {
		kind, ok := KindFromCode(s[len(ErrorPrefix):])
		if !ok {
			kind = KindServerError
		}
		return &Response{Kind: kind, Size: -1}, nil
	}

	if !strings.HasPrefix(s, ReadyTag) {
		return nil, Errorf(KindSequenceMismatch, "意外的应答: %q", truncate(s, 32))
	}

	rest := s[len(ReadyTag):]
	if rest == "" {
		return &Response{OK: true, Size: -1}, nil
	}
	if rest[0] != ' ' {
		return nil, Errorf(KindSequenceMismatch, "意外的应答: %q", truncate(s, 32))
	}
	size, err := strconv.ParseInt(rest[1:], 10, 64)
	if err != nil || size < 0 {
		return nil, Errorf(KindSequenceMismatch, "无效文件大小: %q", rest[1:])
	}
	return &Response{OK: true, Size: size}, nil
}

// Err 错误应答转为 error
func (r *Response) Err() error {
	if r.OK {
		return nil
	}
	return &Error{Kind: r.Kind, Msg: "对端拒绝: " + r.Kind.Code()}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
