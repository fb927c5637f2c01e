// =============================================================================
// 文件: cmd/rdtp-server/main.go
// 描述: 服务端入口 - 加载配置，启动数据报传输、ARQ 注册表与指标服务
// =============================================================================
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sort"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/mrcgq/rdtp/internal/config"
	"github.com/mrcgq/rdtp/internal/handler"
	"github.com/mrcgq/rdtp/internal/logging"
	"github.com/mrcgq/rdtp/internal/metrics"
	"github.com/mrcgq/rdtp/internal/storage"
	"github.com/mrcgq/rdtp/internal/transport"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	configPath := flag.String("c", "", "配置文件路径 (留空使用默认配置)")
	showVersion := flag.Bool("v", false, "显示版本")
	genConfig := flag.Bool("gen", false, "生成示例配置文件")
	listen := flag.String("listen", "", "覆盖监听地址")
	storageDir := flag.String("storage", "", "覆盖文件存储目录")
	logLevel := flag.String("log", "", "覆盖日志级别: debug/info/warn/error")
	flag.Parse()

	if *showVersion {
		printVersion()
		return
	}

	if *genConfig {
		if err := config.WriteExampleConfig("config.example.yaml"); err != nil {
			fmt.Fprintf(os.Stderr, "生成配置失败: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("已生成示例配置文件: config.example.yaml")
		return
	}

	cfg := config.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "配置错误: %v\n", err)
			os.Exit(1)
		}
	}

	// 命令行覆盖
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *storageDir != "" {
		cfg.StorageDir = *storageDir
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "配置错误: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, os.Stderr)

	if err := run(cfg, logger); err != nil {
		logger.Errorf("服务异常退出: %v", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *log.Logger) error {
	store, err := storage.NewDiskStore(cfg.StorageDir, logger)
	if err != nil {
		return err
	}

	var recorders []handler.Recorder

	var journal *storage.Journal
	if cfg.JournalPath != "" {
		if journal, err = storage.OpenJournal(cfg.JournalPath); err != nil {
			return err
		}
		defer journal.Close()
		recorders = append(recorders, &handler.JournalRecorder{Journal: journal, Log: logger})
	}

	var metricsServer *metrics.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewMetricsServer(
			cfg.Metrics.Listen,
			cfg.Metrics.Path,
			cfg.Metrics.HealthPath,
			cfg.Metrics.EnablePprof,
			logger,
		)
		recorders = append(recorders, &handler.MetricsRecorder{
			Metrics: metrics.NewTransferMetrics(metricsServer.Registry()),
		})
	}

	srv := handler.NewServer(store, handler.ServerConfig{
		MaxFileSize: cfg.MaxFileSize,
		ChunkSize:   cfg.ARQ.ChunkSize,
	}, logger, recorders...)

	pt, err := listenTransport(cfg, logger)
	if err != nil {
		return err
	}
	defer pt.Close()

	reg := transport.NewRegistry(pt, cfg.ARQ.ConnConfig(), srv, logger)

	if metricsServer != nil {
		metricsServer.MustRegisterCollector(metrics.NewEngineCollector(reg))
		metricsServer.MustRegisterCollector(metrics.NewStatsCollector("handler", srv))
		if udp, ok := pt.(*transport.UDPTransport); ok {
			metricsServer.MustRegisterCollector(metrics.NewStatsCollector("udp", udp))
		}
		if journal != nil && cfg.Metrics.TransfersPath != "" {
			metricsServer.Handle(cfg.Metrics.TransfersPath, metrics.TransfersHandler(journal, 50))
		}
		metricsServer.SetHealthCheck(func() metrics.HealthStatus {
			return healthStatus(store, reg)
		})
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return pt.Serve(gctx, reg)
	})
	if metricsServer != nil {
		g.Go(func() error {
			return metricsServer.Serve(gctx)
		})
	}

	printBanner(cfg, pt)

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("正在关闭...")

		// 等待连接协程退出
		waitCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		reg.Close()
		reg.Wait(waitCtx)
		return pt.Close()
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}

	stats := reg.Stats()
	logger.WithFields(log.Fields{
		"conns":   stats.TotalConns,
		"failed":  stats.TransfersFailed,
		"packets": stats.PacketsIn,
	}).Info("已停止")
	return nil
}

// listenTransport 按配置创建数据报传输
func listenTransport(cfg *config.Config, logger log.FieldLogger) (transport.PacketTransport, error) {
	if cfg.Transport == config.TransportWebSocket {
		ws, err := transport.ListenWebSocket(cfg.Listen, cfg.WebSocketPath, logger)
		if err != nil {
			return nil, err
		}
		return ws, nil
	}

	udp, err := transport.ListenUDP(cfg.Listen, logger)
	if err != nil {
		return nil, err
	}
	return udp, nil
}

// =============================================================================
// 健康检查
// =============================================================================

func healthStatus(store *storage.DiskStore, reg *transport.Registry) metrics.HealthStatus {
	status := metrics.HealthStatus{
		Status:     "healthy",
		Timestamp:  time.Now(),
		Version:    Version,
		Components: make(map[string]metrics.ComponentHealth),
	}

	if info, err := os.Stat(store.Dir()); err != nil || !info.IsDir() {
		status.Status = "unhealthy"
		status.Components["storage"] = metrics.ComponentHealth{Status: "down", Message: "存储目录不可用"}
	} else {
		status.Components["storage"] = metrics.ComponentHealth{Status: "up"}
	}

	status.Components["arq"] = metrics.ComponentHealth{
		Status:  "up",
		Message: connSummary(reg.ConnStats()),
	}
	return status
}

// connSummary 按状态汇总连接数，如 "3 个活跃连接 (CLOSING 1, ESTABLISHED 2)"
func connSummary(conns map[string]transport.ConnStats) string {
	if len(conns) == 0 {
		return "0 个活跃连接"
	}

	byState := make(map[string]int)
	for _, cs := range conns {
		byState[cs.State]++
	}
	states := make([]string, 0, len(byState))
	for state := range byState {
		states = append(states, state)
	}
	sort.Strings(states)

	parts := make([]string, 0, len(states))
	for _, state := range states {
		parts = append(parts, fmt.Sprintf("%s %d", state, byState[state]))
	}
	return fmt.Sprintf("%d 个活跃连接 (%s)", len(conns), strings.Join(parts, ", "))
}

// =============================================================================
// 输出
// =============================================================================

func printVersion() {
	fmt.Printf("rdtp-server %s\n", Version)
	fmt.Printf("  Build:  %s\n", BuildTime)
	fmt.Printf("  Commit: %s\n", GitCommit)
	fmt.Printf("  Go:     %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

func printBanner(cfg *config.Config, pt transport.PacketTransport) {
	mode := "停等"
	if cfg.ARQ.WindowSize > 1 {
		mode = fmt.Sprintf("回退 N 步 (窗口 %d)", cfg.ARQ.WindowSize)
	}

	fmt.Println()
	fmt.Println("╔══════════════════════════════════════════════════════════════════╗")
	fmt.Printf("║  RDTP 文件传输服务 v%-45s ║\n", Version)
	fmt.Println("╠══════════════════════════════════════════════════════════════════╣")
	fmt.Printf("║  监听:     %-54s ║\n", fmt.Sprintf("%s (%s)", pt.LocalAddr(), cfg.Transport))
	fmt.Printf("║  存储:     %-54s ║\n", cfg.StorageDir)
	fmt.Printf("║  ARQ:      %-54s ║\n", mode)
	fmt.Printf("║  大小上限: %-54d ║\n", cfg.MaxFileSize)
	if cfg.Metrics.Enabled {
		fmt.Printf("║  指标:     %-54s ║\n", "http://"+cfg.Metrics.Listen+cfg.Metrics.Path)
	}
	fmt.Println("╠══════════════════════════════════════════════════════════════════╣")
	fmt.Println("║  按 Ctrl+C 停止                                                  ║")
	fmt.Println("╚══════════════════════════════════════════════════════════════════╝")
	fmt.Println()
}
