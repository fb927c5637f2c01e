package commands

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mrcgq/rdtp/internal/config"
	"github.com/mrcgq/rdtp/internal/handler"
	"github.com/mrcgq/rdtp/internal/logging"
	"github.com/mrcgq/rdtp/internal/transport"
)

var (
	configPath    string
	serverAddr    string
	transportName string
	logLevel      string
	window        int
	rto           time.Duration
	timeout       time.Duration
)

func init() {
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the yaml config (client section)")
	RootCmd.PersistentFlags().StringVarP(&serverAddr, "server", "s", "", "server address, host:port for udp or ws://host:port/path for ws")
	RootCmd.PersistentFlags().StringVarP(&transportName, "transport", "t", "", "datagram transport: udp or ws")
	RootCmd.PersistentFlags().StringVar(&logLevel, "log", "", "log level: debug, info, warn, error")
	RootCmd.PersistentFlags().IntVarP(&window, "window", "w", 0, "sender window, 1 for stop-and-wait")
	RootCmd.PersistentFlags().DurationVar(&rto, "rto", 0, "fixed retransmission timeout")
	RootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 0, "overall transfer deadline, 0 for none")
}

// RootCmd is the rdtp-client root command
var RootCmd = &cobra.Command{
	Use:           "rdtp-client",
	Short:         "Uploads and downloads files over a reliable datagram transport",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute executes root CLI command.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUsage)
	}
}

// loadConfig merges the config file with command line overrides.
func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return nil, err
		}
	}

	if serverAddr != "" {
		cfg.Client.Server = serverAddr
	}
	if transportName != "" {
		cfg.Client.Transport = transportName
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if window > 0 {
		cfg.ARQ.WindowSize = window
	}
	if rto > 0 {
		cfg.ARQ.RTOMs = int(rto / time.Millisecond)
	}
	if timeout > 0 {
		cfg.Client.TimeoutSec = int((timeout + time.Second - 1) / time.Second)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// session holds everything one CLI invocation needs.
type session struct {
	cfg    *config.Config
	log    *log.Logger
	pt     transport.PacketTransport
	reg    *transport.Registry
	client *handler.Client
	cancel context.CancelFunc
}

func openSession(ctx context.Context, outputDir string) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if outputDir != "" {
		cfg.Client.OutputDir = outputDir
	}

	logger := logging.New(cfg.LogLevel, os.Stderr)

	pt, server, err := dialTransport(ctx, &cfg.Client, logger)
	if err != nil {
		return nil, err
	}

	serveCtx, cancel := context.WithCancel(context.Background())
	reg := transport.NewRegistry(pt, cfg.ARQ.ConnConfig(), nil, logger)
	go pt.Serve(serveCtx, reg)

	client := handler.NewClient(reg, server, handler.ClientConfig{
		MaxFileSize: cfg.MaxFileSize,
		ChunkSize:   cfg.ARQ.ChunkSize,
		OutputDir:   cfg.Client.OutputDir,
	}, logger)

	return &session{
		cfg:    cfg,
		log:    logger,
		pt:     pt,
		reg:    reg,
		client: client,
		cancel: cancel,
	}, nil
}

// dialTransport opens the local datagram endpoint and resolves the server address.
func dialTransport(ctx context.Context, cc *config.ClientConfig, logger log.FieldLogger) (transport.PacketTransport, net.Addr, error) {
	if cc.Transport == config.TransportWebSocket {
		ws, err := transport.DialWebSocket(ctx, cc.Server, logger)
		if err != nil {
			return nil, nil, err
		}
		return ws, ws.RemoteAddr(), nil
	}

	server, err := net.ResolveUDPAddr("udp", cc.Server)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid server address %q: %w", cc.Server, err)
	}
	udp, err := transport.ListenUDP(":0", logger)
	if err != nil {
		return nil, nil, err
	}
	return udp, server, nil
}

// transferContext applies the configured overall deadline and ends the transfer
// on SIGINT/SIGTERM so the connection is aborted and partial files are removed.
func (s *session) transferContext() (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	d := s.cfg.Client.Timeout()
	if d <= 0 {
		return ctx, stop
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	return ctx, func() {
		cancel()
		stop()
	}
}

// close lets lingering connections answer duplicate final segments, then tears down.
func (s *session) close() {
	linger := time.Duration(s.cfg.ARQ.LingerMs)*time.Millisecond + time.Second
	ctx, cancel := context.WithTimeout(context.Background(), linger)
	defer cancel()

	if err := s.client.Close(ctx); err != nil {
		s.log.Debugf("wait for connections: %v", err)
	}
	s.reg.Close()
	s.cancel()
	s.pt.Close()
}
