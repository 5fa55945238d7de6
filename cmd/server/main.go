package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/pflag"

	"home-sentinel/internal/agent/proxy"
	"home-sentinel/internal/clock"
	"home-sentinel/internal/config"
	"home-sentinel/internal/device"
	"home-sentinel/internal/device/debug"
	"home-sentinel/internal/device/whip"
	"home-sentinel/internal/jsonrpc"
	"home-sentinel/internal/prompt"
	"home-sentinel/internal/protocol"
	"home-sentinel/internal/realtime"
	"home-sentinel/internal/session"
	"home-sentinel/internal/watcher"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "home-sentinel: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	prompts, err := loadPrompts(cfg.Prompt.File)
	if err != nil {
		return err
	}

	var promptWatch *watcher.Watcher
	if cfg.Prompt.File != "" {
		promptWatch = watcher.New(func(path string) {
			if err := prompts.Reload(path); err != nil {
				logger.Warn("prompt reload failed, keeping previous prompts", "path", path, "error", err)
				return
			}
			logger.Info("prompts reloaded", "path", path)
		}, logger)
		if err := promptWatch.Watch(cfg.Prompt.File); err != nil {
			return fmt.Errorf("watch prompt file: %w", err)
		}
		defer promptWatch.Shutdown()
	}

	iceServers := toICEServers(cfg.ICE.Servers)
	clk := clock.Real()

	devices := device.NewRegistry()
	whipCfg := whip.Config{ICEServers: iceServers, Clock: clk, Logger: logger}
	for tag, factory := range map[string]device.FrontFactory{
		protocol.FrontWHIP:  whip.FrontFactory(whipCfg),
		protocol.FrontDebug: debug.NewFrontDevice,
	} {
		if err := devices.RegisterFront(tag, factory); err != nil {
			return err
		}
	}
	for tag, setup := range map[string]device.SensorSetup{
		protocol.SensorWHIP:  whip.SensorSetup(whipCfg),
		protocol.SensorDebug: debug.SetupSensors,
	} {
		if err := devices.RegisterSensor(tag, setup); err != nil {
			return err
		}
	}

	if cfg.Agent.Endpoint == "" {
		logger.Warn("agent.endpoint is not set, calls will fail until it is configured")
	}
	agents := proxy.Factory(proxy.Options{
		Endpoint:   cfg.Agent.Endpoint,
		APIKey:     cfg.Agent.APIKey,
		Model:      cfg.Agent.Model,
		ICEServers: iceServers,
		Clock:      clk,
		Logger:     logger,
	})

	sessions := session.NewRegistry(session.Options{
		AgentFactory: agents,
		Devices:      devices,
		Prompts:      prompts,
		Task: session.TaskConfig{
			ReminderInterval: cfg.Task.ReminderInterval,
			RecordDuration:   cfg.Task.RecordDuration,
			RecordDir:        cfg.Task.RecordDir,
		},
		HistorySize: cfg.Session.HistorySize,
		Clock:       clk,
		Logger:      logger,
	}, cfg.Session.MaxSessions)

	rpc := jsonrpc.NewServer(logger)
	service := realtime.NewService(sessions, logger)
	if err := service.Register(rpc); err != nil {
		return err
	}

	rtServer := realtime.New(realtime.Options{
		Sessions:  sessions,
		RPC:       rpc,
		WHIP:      whip.NewHandler(service, logger),
		StaticDir: cfg.StaticDir,
		Logger:    logger,
	})

	httpServer := &http.Server{
		Addr:    cfg.Listen,
		Handler: rtServer.Handler(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("home-sentinel listening", "addr", cfg.Listen)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	sessions.Shutdown()
	return nil
}

func loadPrompts(path string) (*prompt.Store, error) {
	if path == "" {
		return prompt.NewStore(nil), nil
	}
	set, err := prompt.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return prompt.NewStore(set), nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func toICEServers(servers []config.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		ice := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			ice.Credential = s.Credential
		}
		out = append(out, ice)
	}
	return out
}
