// =============================================================================
// 文件: internal/protocol/errors.go
// 描述: 错误分类 - 传输引擎与应用层共用
// =============================================================================
package protocol

import (
	"errors"
	"fmt"
)

// ErrorKind 错误类别
type ErrorKind uint8

const (
	KindNone ErrorKind = iota
	KindMalformedFrame
	KindInvalidHandshake
	KindSequenceMismatch
	KindFileTooLarge
	KindFileNotFound
	KindFileAlreadyExists
	KindTransferFailed
	KindConnectionFailed
	KindBadRequest
	KindServerError
)

func (k ErrorKind) String() string {
	names := []string{
		"None", "MalformedFrame", "InvalidHandshake", "SequenceMismatch",
		"FileTooLarge", "FileNotFound", "FileAlreadyExists",
		"TransferFailed", "ConnectionFailed", "BadRequest", "ServerError",
	}
	if int(k) < len(names) {
		return names[k]
	}
	return "Unknown"
}

// 线上错误码 (跟在 ErrorPrefix 之后)
var kindCodes = map[ErrorKind]string{
	KindFileTooLarge:      "FILE_TOO_LARGE",
	KindFileNotFound:      "FILE_NOT_FOUND",
	KindFileAlreadyExists: "FILE_ALREADY_EXISTS",
	KindBadRequest:        "BAD_REQUEST",
	KindServerError:       "SERVER_ERROR",
	KindTransferFailed:    "TRANSFER_FAILED",
}

// Code 返回错误类别的线上编码，不可上报的类别返回空串
func (k ErrorKind) Code() string {
	return kindCodes[k]
}

// KindFromCode 线上编码转错误类别
func KindFromCode(code string) (ErrorKind, bool) {
	for k, c := range kindCodes {
		if c == code {
			return k, true
		}
	}
	return KindNone, false
}

// Error 带类别的错误
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is 按类别匹配，使 errors.Is(err, ErrFileNotFound) 对任意同类错误成立
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Errorf 构造带类别的错误
func Errorf(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap 以指定类别包装底层错误
func Wrap(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf 提取错误类别；nil 返回 KindNone，未分类错误视为传输失败
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindTransferFailed
}

// 哨兵错误
var (
	ErrMalformedFrame    = &Error{Kind: KindMalformedFrame, Msg: "帧格式错误"}
	ErrInvalidHandshake  = &Error{Kind: KindInvalidHandshake, Msg: "无效握手"}
	ErrSequenceMismatch  = &Error{Kind: KindSequenceMismatch, Msg: "序列号不匹配"}
	ErrFileTooLarge      = &Error{Kind: KindFileTooLarge, Msg: "文件过大"}
	ErrFileNotFound      = &Error{Kind: KindFileNotFound, Msg: "文件不存在"}
	ErrFileAlreadyExists = &Error{Kind: KindFileAlreadyExists, Msg: "文件已存在"}
	ErrTransferFailed    = &Error{Kind: KindTransferFailed, Msg: "传输失败"}
	ErrConnectionFailed  = &Error{Kind: KindConnectionFailed, Msg: "连接失败"}
	ErrBadRequest        = &Error{Kind: KindBadRequest, Msg: "请求格式错误"}
	ErrServerError       = &Error{Kind: KindServerError, Msg: "服务端错误"}
)
