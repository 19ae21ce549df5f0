// Command repelgod is the repelgo daemon: it terminates a legacy
// Modbus/TCP peer on one side and an authenticated repelgo peer on the
// other, embedding and authenticating MAC bits in the protocol's carrier
// fields on every frame it relays (see internal/gateway).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/kvx-labs/repelgo/internal/adminapi"
	"github.com/kvx-labs/repelgo/internal/config"
	"github.com/kvx-labs/repelgo/internal/gateway"
	repelgometrics "github.com/kvx-labs/repelgo/internal/metrics"
	appversion "github.com/kvx-labs/repelgo/internal/version"
	"github.com/kvx-labs/repelgo/parser"
)

// shutdownTimeout is the maximum time to wait for HTTP servers to drain
// active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()))
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLogger(cfg.Log, logLevel)

	logger.Info("repelgod starting",
		slog.String("version", appversion.Version),
		slog.String("role", cfg.Gateway.Role),
		slog.String("listen", cfg.Gateway.Listen),
		slog.String("upstream", cfg.Gateway.Upstream),
	)

	reg := prometheus.NewRegistry()
	collector := repelgometrics.NewCollector(reg)
	registry := adminapi.NewRegistry()

	engCfg, err := gatewayConfig(cfg)
	if err != nil {
		logger.Error("invalid gateway configuration", slog.String("error", err.Error()))
		return 1
	}

	conn, err := gateway.NewEngine(engCfg, logger)
	if err != nil {
		logger.Error("failed to build connection engine", slog.String("error", err.Error()))
		return 1
	}
	registry.Register("default", cfg.Parser.Kind, cfg.MAC.Kind, cfg.Gateway.Role, conn)

	proxy := gateway.NewProxy(conn, "default", cfg.Parser.Kind, collector, logger)

	if err := runServers(cfg, proxy, reg, registry, logger); err != nil {
		logger.Error("repelgod exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("repelgod stopped")
	return 0
}

func runServers(cfg *config.Config, proxy *gateway.Proxy, reg *prometheus.Registry, registry *adminapi.Registry, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	ln, err := net.Listen("tcp", cfg.Gateway.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Gateway.Listen, err)
	}
	defer ln.Close()

	metricsSrv := newHTTPServer(cfg.Metrics.Addr, metricsMux(cfg.Metrics.Path, reg))
	adminSrv := newHTTPServer(cfg.Admin.Addr, adminapi.NewServer(registry, logger).Handler())

	g.Go(func() error {
		logger.Info("metrics server listening", slog.String("addr", cfg.Metrics.Addr))
		return listenAndServe(gCtx, metricsSrv)
	})
	g.Go(func() error {
		logger.Info("admin API listening", slog.String("addr", cfg.Admin.Addr))
		return listenAndServe(gCtx, adminSrv)
	})
	g.Go(func() error {
		return acceptLoop(gCtx, ln, cfg.Gateway.Upstream, proxy, logger)
	})
	g.Go(func() error {
		return runWatchdog(gCtx, logger)
	})

	notifyReady(logger)

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(metricsSrv, adminSrv)
	})

	if err := g.Wait(); err != nil && gCtx.Err() == nil {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

// acceptLoop accepts legacy connections on ln and, for each one, dials
// upstream and runs proxy.Run between the pair until the connection
// closes. Each accepted legacy connection gets its own upstream dial,
// mirroring the core spec's one-connection-per-peer model (§6).
func acceptLoop(ctx context.Context, ln net.Listener, upstream string, proxy *gateway.Proxy, logger *slog.Logger) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		legacy, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		go func() {
			defer legacy.Close()

			dialer := net.Dialer{Timeout: 5 * time.Second}
			up, err := dialer.DialContext(ctx, "tcp", upstream)
			if err != nil {
				logger.Error("dial upstream failed",
					slog.String("upstream", upstream), slog.String("error", err.Error()))
				return
			}
			defer up.Close()

			if err := proxy.Run(ctx, legacy, up); err != nil {
				logger.Warn("proxy session ended", slog.String("error", err.Error()))
			}
		}()
	}
}

// gatewayConfig translates the loaded daemon configuration into the
// internal/gateway config shape that drives NewEngine, decoding the
// hex key blob and mapping the split-alignment name to its
// parser.SplitAlignment constant.
func gatewayConfig(cfg *config.Config) (gateway.Config, error) {
	keys, err := cfg.Gateway.KeyBytes()
	if err != nil {
		return gateway.Config{}, err
	}

	role := gateway.RoleServer
	if cfg.Gateway.Role == "client" {
		role = gateway.RoleClient
	}

	alignment, err := splitAlignment(cfg.Parser.Split.Alignment)
	if err != nil {
		return gateway.Config{}, err
	}

	return gateway.Config{
		Role:       role,
		ParserKind: cfg.Parser.Kind,
		ModbusTCP: parser.ModbusTCPConfig{
			ReuseTIDBits: cfg.Parser.ModbusTCP.ReuseTIDBits,
			ReuseUnitID:  cfg.Parser.ModbusTCP.ReuseUnitID,
			StrictTIDMap: cfg.Parser.ModbusTCP.StrictTIDMap,
		},
		SplitSegments:  uint16(cfg.Parser.Split.Splits),
		SplitAlignment: alignment,
		MACKind:        cfg.MAC.Kind,
		EmbedNonceBits: cfg.Gateway.EmbedNonceBits,
		Keys:           keys,
	}, nil
}

func splitAlignment(name string) (parser.SplitAlignment, error) {
	switch name {
	case "gap":
		return parser.SplitGapBit, nil
	case "packet":
		return parser.SplitPacketAlign, nil
	case "mac":
		return parser.SplitMACAlign, nil
	default:
		return 0, fmt.Errorf("gatewayConfig: unknown split alignment %q", name)
	}
}

func metricsMux(path string, reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}

func newHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 5 * time.Second}
}

func listenAndServe(ctx context.Context, srv *http.Server) error {
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errc:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("serve %s: %w", srv.Addr, err)
		}
		return nil
	}
}

func gracefulShutdown(servers ...interface {
	Shutdown(ctx context.Context) error
}) error {
	notifyStopping(nil)
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	for _, s := range servers {
		_ = s.Shutdown(ctx)
	}
	return nil
}

func newLogger(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// -------------------------------------------------------------------------
// Systemd Integration — sd_notify + watchdog
// -------------------------------------------------------------------------

func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

func notifyStopping(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog", slog.String("error", err.Error()))
		return nil
	}
	if interval == 0 {
		return nil
	}

	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				logger.Warn("failed to send watchdog keepalive", slog.String("error", err.Error()))
			}
		}
	}
}
