// Command meshnode runs a standalone mesh node over a libp2p
// transport: it brings up the Engine, dials any peers given on the
// command line, and logs delivered frames and topology changes until
// interrupted.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fieldmesh/meshcore"
	"github.com/fieldmesh/meshcore/frame"
	"github.com/fieldmesh/meshcore/guard"
	"github.com/fieldmesh/meshcore/security"
	"github.com/fieldmesh/meshcore/transport"
)

func main() {
	var peersFlag string
	var logLevel string
	flag.StringVar(&peersFlag, "connect", "", "comma-separated libp2p multiaddrs to dial on startup")
	flag.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(logLevel),
	}))

	tr, err := transport.NewLibP2P(nil)
	if err != nil {
		logger.Error("failed to start libp2p transport", "error", err)
		os.Exit(1)
	}
	defer tr.Close()

	local := tr.LocalID()
	logger.Info("mesh node starting", "peer_id", string(local))

	sec := security.Plaintext{}
	cfg := meshcore.DefaultConfig()

	engine := meshcore.New(local, cfg, tr, sec, meshcore.Callbacks{
		OnFrameDelivered: func(f *frame.Frame) {
			logger.Info("frame delivered", "type", f.Type.String(), "from", string(f.SourceID))
		},
		OnEmergencyFrame: func(f *frame.Frame) {
			logger.Warn("emergency frame delivered", "type", f.Type.String(), "from", string(f.SourceID))
		},
		OnTopologyChanged: func() {
			logger.Debug("topology changed", "connected_peers", tr.ConnectedPeers())
		},
		OnSecurityEvent: func(ev guard.Event) {
			logger.Debug("guard event", "kind", ev.Kind, "peer", string(ev.Peer), "details", ev.Details)
		},
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	engine.Start(ctx)

	for _, addr := range splitAddrs(peersFlag) {
		dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
		pid, err := tr.Connect(dialCtx, addr)
		dialCancel()
		if err != nil {
			logger.Warn("failed to connect to peer", "addr", addr, "error", err)
			continue
		}
		logger.Info("connected to peer", "addr", addr, "peer_id", string(pid))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	cancel()
	closeCtx, closeCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer closeCancel()
	if err := engine.Close(closeCtx); err != nil {
		logger.Warn("engine did not shut down cleanly", "error", err)
	}
}

func splitAddrs(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
