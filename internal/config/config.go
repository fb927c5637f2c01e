// =============================================================================
// 文件: internal/config/config.go
// 描述: 配置管理 - YAML 加载、默认值、启动前校验与 ARQ 参数转换
// =============================================================================
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"

	"github.com/mrcgq/rdtp/internal/protocol"
	"github.com/mrcgq/rdtp/internal/transport"
)

// 传输方式
const (
	TransportUDP       = "udp"
	TransportWebSocket = "ws"
)

// Config 主配置
type Config struct {
	Listen        string `yaml:"listen"`
	Transport     string `yaml:"transport"`
	WebSocketPath string `yaml:"websocket_path"`
	StorageDir    string `yaml:"storage_dir"`
	MaxFileSize   int64  `yaml:"max_file_size"`
	JournalPath   string `yaml:"journal_path"`
	LogLevel      string `yaml:"log_level"`

	ARQ     ARQConfig     `yaml:"arq"`
	Metrics MetricsConfig `yaml:"metrics"`
	Client  ClientConfig  `yaml:"client"`
}

// ARQConfig 可靠传输参数
type ARQConfig struct {
	WindowSize              int `yaml:"window_size"`
	ChunkSize               int `yaml:"chunk_size"`
	RTOMs                   int `yaml:"rto_ms"`
	MaxRetransmits          int `yaml:"max_retransmits"`
	FastRetransmitThreshold int `yaml:"fast_retransmit_threshold"` // 0 关闭
	HandshakeTimeoutMs      int `yaml:"handshake_timeout_ms"`
	HandshakeAttempts       int `yaml:"handshake_attempts"`
	IdleTimeoutMs           int `yaml:"idle_timeout_ms"`
	LingerMs                int `yaml:"linger_ms"`
	ErrorGraceMs            int `yaml:"error_grace_ms"`
	InboxSize               int `yaml:"inbox_size"`
}

// MetricsConfig 监控配置
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Listen        string `yaml:"listen"`
	Path          string `yaml:"path"`
	HealthPath    string `yaml:"health_path"`
	EnablePprof   bool   `yaml:"enable_pprof"`
	TransfersPath string `yaml:"transfers_path"`
}

// ClientConfig 客户端配置
type ClientConfig struct {
	Server     string `yaml:"server"`
	Transport  string `yaml:"transport"`
	OutputDir  string `yaml:"output_dir"`
	TimeoutSec int    `yaml:"timeout_sec"` // 单次传输总时限，0 不限
}

// Load 加载配置
func Load(path string) (*Config, error) {
	path, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("解析配置路径失败: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Listen:        ":54321",
		Transport:     TransportUDP,
		WebSocketPath: "/rdtp",
		StorageDir:    "~/.rdtp/files",
		MaxFileSize:   protocol.DefaultMaxFileSize,
		JournalPath:   "~/.rdtp/journal.db",
		LogLevel:      "info",

		ARQ: ARQConfig{
			WindowSize:              transport.ARQDefaultWindowSize,
			ChunkSize:               transport.ARQDefaultChunkSize,
			RTOMs:                   msOf(transport.ARQDefaultRTO),
			MaxRetransmits:          transport.ARQDefaultMaxRetransmits,
			FastRetransmitThreshold: transport.ARQFastRetransmitThreshold,
			HandshakeTimeoutMs:      msOf(transport.ARQDefaultHandshakeTimeout),
			HandshakeAttempts:       transport.ARQDefaultHandshakeAttempts,
			IdleTimeoutMs:           msOf(transport.ARQDefaultIdleTimeout),
			LingerMs:                msOf(transport.ARQDefaultLinger),
			ErrorGraceMs:            msOf(transport.ARQDefaultErrorGrace),
			InboxSize:               transport.ARQDefaultInboxSize,
		},

		Metrics: MetricsConfig{
			Enabled:       false,
			Listen:        ":9100",
			Path:          "/metrics",
			HealthPath:    "/health",
			EnablePprof:   false,
			TransfersPath: "/transfers",
		},

		Client: ClientConfig{
			Server:     "127.0.0.1:54321",
			Transport:  TransportUDP,
			OutputDir:  ".",
			TimeoutSec: 0,
		},
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if err := validateTransport("transport", c.Transport); err != nil {
		return err
	}
	if err := validateTransport("client.transport", c.Client.Transport); err != nil {
		return err
	}

	mainPort, err := parsePort(c.Listen)
	if err != nil {
		return fmt.Errorf("listen 端口格式错误: %w", err)
	}

	if c.Transport == TransportWebSocket && !strings.HasPrefix(c.WebSocketPath, "/") {
		return fmt.Errorf("websocket_path 必须以 / 开头")
	}

	if c.StorageDir == "" {
		return fmt.Errorf("storage_dir 不能为空")
	}
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("max_file_size 必须大于 0")
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level 必须是 debug, info, warn, error 之一")
	}

	if err := c.ARQ.validate(); err != nil {
		return err
	}

	if c.Metrics.Enabled {
		metricsPort, err := parsePort(c.Metrics.Listen)
		if err != nil {
			return fmt.Errorf("metrics.listen 端口格式错误: %w", err)
		}
		// UDP 与 TCP 可共用端口号，WebSocket 不行
		if c.Transport == TransportWebSocket && metricsPort == mainPort && mainPort != 0 {
			return fmt.Errorf("metrics.listen 端口 (%d) 与 listen 冲突", metricsPort)
		}
		for name, p := range map[string]string{
			"metrics.path":           c.Metrics.Path,
			"metrics.health_path":    c.Metrics.HealthPath,
			"metrics.transfers_path": c.Metrics.TransfersPath,
		} {
			if p != "" && !strings.HasPrefix(p, "/") {
				return fmt.Errorf("%s 必须以 / 开头", name)
			}
		}
	}

	if c.Client.TimeoutSec < 0 {
		return fmt.Errorf("client.timeout_sec 不能为负数")
	}
	return nil
}

func (a *ARQConfig) validate() error {
	if a.WindowSize < 1 || a.WindowSize > 255 {
		return fmt.Errorf("arq.window_size 需在 1-255 之间")
	}
	if a.ChunkSize < 1 || a.ChunkSize > transport.ARQMaxPayloadSize {
		return fmt.Errorf("arq.chunk_size 需在 1-%d 之间", transport.ARQMaxPayloadSize)
	}
	if a.RTOMs < 10 || a.RTOMs > 60000 {
		return fmt.Errorf("arq.rto_ms 需在 10-60000 之间")
	}
	if a.MaxRetransmits < 1 || a.MaxRetransmits > 50 {
		return fmt.Errorf("arq.max_retransmits 需在 1-50 之间")
	}
	if a.FastRetransmitThreshold < 0 {
		return fmt.Errorf("arq.fast_retransmit_threshold 不能为负数")
	}
	if a.HandshakeTimeoutMs < 10 {
		return fmt.Errorf("arq.handshake_timeout_ms 不能小于 10")
	}
	if a.HandshakeAttempts < 1 || a.HandshakeAttempts > 20 {
		return fmt.Errorf("arq.handshake_attempts 需在 1-20 之间")
	}
	if a.IdleTimeoutMs <= a.RTOMs {
		return fmt.Errorf("arq.idle_timeout_ms (%d) 必须大于 arq.rto_ms (%d)", a.IdleTimeoutMs, a.RTOMs)
	}
	if a.LingerMs < 0 {
		return fmt.Errorf("arq.linger_ms 不能为负数")
	}
	if a.ErrorGraceMs < 0 {
		return fmt.Errorf("arq.error_grace_ms 不能为负数")
	}
	if a.InboxSize < 1 {
		return fmt.Errorf("arq.inbox_size 必须大于 0")
	}
	return nil
}

// ConnConfig 转换为连接参数
func (a *ARQConfig) ConnConfig() *transport.ConnConfig {
	return &transport.ConnConfig{
		WindowSize:              uint8(a.WindowSize),
		RTO:                     ms(a.RTOMs),
		MaxRetransmits:          a.MaxRetransmits,
		FastRetransmitThreshold: a.FastRetransmitThreshold,
		HandshakeTimeout:        ms(a.HandshakeTimeoutMs),
		HandshakeAttempts:       a.HandshakeAttempts,
		IdleTimeout:             ms(a.IdleTimeoutMs),
		Linger:                  ms(a.LingerMs),
		ErrorGrace:              ms(a.ErrorGraceMs),
		InboxSize:               a.InboxSize,
	}
}

// Timeout 客户端单次传输时限，0 表示不限
func (c *ClientConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

func validateTransport(name, v string) error {
	switch v {
	case TransportUDP, TransportWebSocket:
		return nil
	default:
		return fmt.Errorf("%s 必须是 %s 或 %s", name, TransportUDP, TransportWebSocket)
	}
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

func msOf(d time.Duration) int {
	return int(d / time.Millisecond)
}

// parsePort 从监听地址中提取端口
func parsePort(addr string) (int, error) {
	if strings.HasPrefix(addr, ":") {
		return strconv.Atoi(addr[1:])
	}
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return strconv.Atoi(addr)
	}
	return strconv.Atoi(portStr)
}

// GenerateExampleConfig 生成示例配置
func GenerateExampleConfig() string {
	return `# RDTP 文件传输服务配置文件示例
# =============================================================================

# 基础配置
listen: ":54321"                    # 监听地址
transport: "udp"                    # 传输方式: udp, ws
websocket_path: "/rdtp"             # transport 为 ws 时的路径
storage_dir: "~/.rdtp/files"        # 文件存储目录
max_file_size: 5500000              # 单文件大小上限 (字节)
journal_path: "~/.rdtp/journal.db"  # 传输日志 (留空关闭)
log_level: "info"                   # 日志级别: debug, info, warn, error

# ARQ 可靠传输
arq:
  window_size: 5                    # 发送窗口，1 为停等模式
  chunk_size: 1024                  # 每个数据块的字节数
  rto_ms: 2000                      # 固定重传超时 (毫秒)
  max_retransmits: 5                # 无进展时的最大重传轮数
  fast_retransmit_threshold: 3      # 重复 ACK 阈值，0 关闭快速重传
  handshake_timeout_ms: 5000        # 单次握手等待 (毫秒)
  handshake_attempts: 3             # 握手尝试次数
  idle_timeout_ms: 7000             # 空闲连接回收 (毫秒)
  linger_ms: 2000                   # 收到最后一块后继续应答重复包的时长
  error_grace_ms: 2000              # 错误应答等待确认的时长
  inbox_size: 256                   # 每连接入站队列长度

# 监控
metrics:
  enabled: false
  listen: ":9100"                   # 指标服务监听地址
  path: "/metrics"                  # Prometheus 指标路径
  health_path: "/health"            # 健康检查路径
  enable_pprof: false               # 启用 pprof
  transfers_path: "/transfers"      # 最近传输记录

# 客户端
client:
  server: "127.0.0.1:54321"         # 服务端地址 (ws 时为 ws://host:port/path)
  transport: "udp"
  output_dir: "."                   # 下载目录
  timeout_sec: 0                    # 单次传输时限 (秒)，0 不限
`
}

// WriteExampleConfig 写入示例配置文件
func WriteExampleConfig(path string) error {
	path, err := homedir.Expand(path)
	if err != nil {
		return err
	}
	return os.WriteFile(path, []byte(GenerateExampleConfig()), 0644)
}
