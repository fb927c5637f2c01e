// =============================================================================
// 文件: internal/logging/logging.go
// 描述: 日志初始化 - 级别解析与统一输出格式
// =============================================================================
package logging

import (
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

// ParseLevel 解析日志级别，未知级别按 info 处理
func ParseLevel(level string) log.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return log.DebugLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

// New 创建日志器，out 为 nil 时输出到 stderr
func New(level string, out io.Writer) *log.Logger {
	if out == nil {
		out = os.Stderr
	}

	logger := log.New()
	logger.SetOutput(out)
	logger.SetLevel(ParseLevel(level))
	logger.SetFormatter(&log.TextFormatter{
		FullTimestamp:    true,
		TimestampFormat:  "15:04:05",
		DisableColors:    true,
		QuoteEmptyFields: true,
	})
	return logger
}

// Component 带组件字段的日志入口
func Component(logger log.FieldLogger, mod string) log.FieldLogger {
	return logger.WithField("mod", mod)
}
