package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/pion/webrtc/v4"

	"github.com/amora-app/call-engine/internal/auth"
	"github.com/amora-app/call-engine/internal/config"
	"github.com/amora-app/call-engine/internal/history"
	"github.com/amora-app/call-engine/internal/httpserver"
	"github.com/amora-app/call-engine/internal/media"
	"github.com/amora-app/call-engine/internal/metrics"
	"github.com/amora-app/call-engine/internal/negotiate"
	"github.com/amora-app/call-engine/internal/session"
	"github.com/amora-app/call-engine/internal/signaling"
	"github.com/amora-app/call-engine/internal/turncred"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	// A .env next to the binary is a dev convenience; absence is not an error.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting amora-call-agent",
		"mode", cfg.Mode,
		"control_addr", cfg.ControlAddr,
		"signaling_host", safeURLHost(cfg.SignalingURL),
		"user_id", cfg.UserID,
		"device_id", cfg.DeviceID,
		"ring_timeout", cfg.RingTimeout,
		"stale_event_window", cfg.StaleEventWindow,
		"ice_servers", len(cfg.ICEServers),
		"turn_rest_enabled", cfg.TURNREST.Enabled(),
		"history_db_set", cfg.HistoryDBPath != "",
	)

	minter, err := auth.NewMinter(cfg.AuthSecret, cfg.AuthTokenTTL)
	if err != nil {
		logger.Error("failed to configure signaling auth", "err", err)
		os.Exit(2)
	}
	tokenSource := func() (string, error) {
		token, _, err := minter.Mint(cfg.UserID, cfg.DeviceID)
		return token, err
	}

	gate, err := media.NewDeviceGate(logger)
	if err != nil {
		logger.Error("failed to initialize media devices", "err", err)
		os.Exit(2)
	}

	// Construct the WebRTC API early so codec misconfigurations are caught on
	// startup. No sockets are opened until a call creates a PeerConnection.
	factory, err := negotiate.NewFactory(negotiate.Config{
		Logger: logger,
		Gate:   gate,
	})
	if err != nil {
		logger.Error("failed to configure webrtc", "err", err)
		os.Exit(2)
	}

	peers := &peerFactory{factory: factory, base: cfg.ICEServers}
	if cfg.TURNREST.Enabled() {
		gen, err := turncred.NewGenerator(cfg.TURNREST)
		if err != nil {
			logger.Error("failed to configure turn credentials", "err", err)
			os.Exit(2)
		}
		peers.turn = gen
	}

	m := metrics.New()

	var recorder session.Recorder
	var recents httpserver.Recents
	if cfg.HistoryDBPath != "" {
		store, err := history.Open(cfg.HistoryDBPath)
		if err != nil {
			logger.Error("failed to open call history db", "err", err, "path", cfg.HistoryDBPath)
			os.Exit(2)
		}
		defer store.Close()
		recorder = store
		recents = store
	}

	// The machine and channel reference each other: the machine sends through
	// the channel, the channel's connectivity hooks drive the machine. The
	// hooks close over this pointer; it is set before Run starts delivering.
	var machine *session.Machine

	// The first connect is a connect, not a reconnect.
	countReconnect := skipFirst(m.SignalingReconnected)

	channel, err := signaling.NewChannel(signaling.Options{
		URL:                cfg.SignalingURL,
		Token:              tokenSource,
		PingInterval:       cfg.SignalingPingInterval,
		WriteTimeout:       cfg.SignalingWriteTimeout,
		ConnectTimeout:     cfg.SignalingConnectTimeout,
		ReconnectMin:       cfg.SignalingReconnectMin,
		ReconnectMax:       cfg.SignalingReconnectMax,
		MaxMessageBytes:    cfg.MaxSignalingMessageBytes,
		MaxEventsPerSecond: cfg.MaxSignalingEventsPerSecond,
		Logger:             logger,
		OnConnect: func() {
			countReconnect()
			machine.OnSignalingUp()
		},
		OnDisconnect: func() {
			machine.OnSignalingDown()
		},
	})
	if err != nil {
		logger.Error("failed to configure signaling channel", "err", err)
		os.Exit(2)
	}

	machine, err = session.NewMachine(session.Config{
		Logger:         logger,
		LocalUserID:    cfg.UserID,
		Signaler:       channel,
		Gate:           gate,
		Peers:          peers,
		Recorder:       recorder,
		Metrics:        m,
		RingTimeout:    cfg.RingTimeout,
		StaleWindow:    cfg.StaleEventWindow,
		SignalingGrace: cfg.SignalingGracePeriod,
	})
	if err != nil {
		logger.Error("failed to build call session machine", "err", err)
		os.Exit(2)
	}

	ln, err := net.Listen("tcp", cfg.ControlAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err, "addr", cfg.ControlAddr)
		os.Exit(1)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg.ControlAddr, logger,
		httpserver.BuildInfo{Commit: commit, BuildTime: built},
		machine, recents, m.Handler())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := channel.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("signaling channel exited", "err", err)
		}
	}()
	go func() {
		if err := machine.Run(ctx, channel.Messages()); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("session dispatcher exited", "err", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		channel.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("control api exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	// Hang up cleanly before tearing the transport down so the peer learns
	// the call ended instead of waiting out a timeout.
	if err := machine.End(); err != nil {
		logger.Error("failed to end active call on shutdown", "err", err)
	}
	channel.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("control api shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("control api exited after shutdown", "err", err)
		os.Exit(1)
	}
}

// peerFactory injects per-session TURN credentials before handing a call to
// the negotiation layer.
type peerFactory struct {
	factory *negotiate.Factory
	base    []webrtc.ICEServer
	turn    *turncred.Generator
}

func (p *peerFactory) NewPeer(sessionID string, hooks negotiate.Hooks) (session.Peer, error) {
	servers := p.base
	if p.turn != nil {
		var err error
		servers, err = p.turn.ICEServers(p.base, sessionID)
		if err != nil {
			return nil, err
		}
	}
	return p.factory.NewPeer(sessionID, servers, hooks)
}

// skipFirst swallows the first invocation and forwards the rest. Safe only
// for callbacks invoked from a single goroutine, like the channel's hooks.
func skipFirst(f func()) func() {
	first := true
	return func() {
		if first {
			first = false
			return
		}
		f()
	}
}

func safeURLHost(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid>"
	}
	return u.Host
}

func resolveBuildInfo(commit, built string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the
	// Go build info when available for `go run` / dev builds.
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if built == "" {
					built = s.Value
				}
			}
		}
	}
	return commit, built
}
