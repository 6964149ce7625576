// Command tor-client wires the directory, circuit, and SOCKS5 subsystems
// together and runs until a shutdown signal is received.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rivergate/shadowcircuit/circuit"
	"github.com/rivergate/shadowcircuit/config"
	"github.com/rivergate/shadowcircuit/directory"
	"github.com/rivergate/shadowcircuit/metrics"
	"github.com/rivergate/shadowcircuit/socks"
)

// Version is set at build time via ldflags.
var Version = "dev"

// drainGrace is how long in-flight SOCKS5 sessions are given to finish
// after the listener stops accepting. The process then exits; circuits of
// sessions still running at that point are not torn down.
const drainGrace = 5 * time.Second

func main() {
	logger, logFile := setupLogging()
	defer func() { _ = logFile.Close() }()

	fmt.Printf("=== shadowcircuit tor-client %s ===\n", Version)

	cfg := config.Default()
	if len(cfg.DirectorySources) == 0 {
		logger.Warn("no directory sources configured, directory client starts in mock mode")
	}

	dirClient := directory.NewClient(cfg.DirectorySources, logger)
	if len(cfg.EntryGuards) > 0 {
		dirClient.WithEntryGuards(cfg.EntryGuards)
	}
	counters := &metrics.Counters{}
	mgr := circuit.NewManager(&circuit.DirectDialer{}, dirClient, logger).WithMetrics(counters)

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.SocksPort)
	srv := &socks.Server{Addr: addr, Circuit: mgr, Logger: logger}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	logger.Info("SOCKS5 proxy ready", "addr", addr)

	select {
	case <-sigCh:
		logger.Info("shutdown signal received, draining")
		_ = srv.Close()
		time.Sleep(drainGrace)
	case err := <-errCh:
		if err != nil {
			logger.Error("SOCKS5 server exited", "error", err)
		}
	}

	logger.Info("shutdown complete", "metrics", counters.Report())
}

func setupLogging() (*slog.Logger, *os.File) {
	logFile, err := os.OpenFile("tor-client-debug.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log file: %v\n", err)
		os.Exit(1)
	}
	fileHandler := slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: slog.LevelDebug})
	stdoutHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(&multiHandler{handlers: []slog.Handler{fileHandler, stdoutHandler}})
	return logger, logFile
}

// multiHandler fans out slog records to multiple handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: hs}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: hs}
}
