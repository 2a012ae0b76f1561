// Command jobqueued is the daemon binary: it loads configuration, wires the
// Job Store, Model Residency Manager, Streaming Dispatcher, Supervisor,
// Reaper, and Catalog into an internal/jobqueue.Runtime, then serves the
// read-only admin HTTP surface until terminated.
//
// Grounded on cmd/goclaw/main.go's startup sequence: audit before logger,
// then logger, then OpenTelemetry, then store, then background loops, then
// the HTTP listener — with fatalStartup producing a structured, audited
// fatal event on any failure along the way.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/edgecoord/jobqueue/internal/adminhttp"
	"github.com/edgecoord/jobqueue/internal/audit"
	"github.com/edgecoord/jobqueue/internal/config"
	"github.com/edgecoord/jobqueue/internal/jobqueue"
	"github.com/edgecoord/jobqueue/internal/reaper"
	"github.com/edgecoord/jobqueue/internal/supervisor"
	"github.com/edgecoord/jobqueue/internal/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	otelProvider, err := telemetry.InitOtel(ctx, telemetry.OtelConfig{Enabled: false})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)

	metrics, err := telemetry.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	rt, err := jobqueue.New(jobqueue.Config{
		DBPath:              cfg.DBPath,
		UpstreamBaseURL:     cfg.UpstreamBaseURL,
		UpstreamTimeout:     15 * time.Minute,
		SwitchCooldown:      cfg.SwitchCooldown(),
		DefaultKeepAliveSec: cfg.DefaultKeepAliveSec,
		BatchFlushInterval:  cfg.BatchFlushInterval(),
		BatchFlushChars:     cfg.BatchFlushChars,
		IdlePollInterval:    time.Second,
		BatchingEnabled:     cfg.BatchingEnabled,
		DefaultModelFallback: cfg.DefaultModelFallback,
		Supervisor: supervisor.Config{
			SyncInterval:        cfg.SyncInterval(),
			UnloadCheckInterval: cfg.UnloadCheckInterval(),
			InactivityThreshold: cfg.InactivityThreshold(),
			ReadinessPollMin:    time.Second,
			ReadinessPollMax:    10 * time.Second,
			ReadinessBudget:     5 * time.Minute,
		},
		Reaper: reaper.Config{
			ScanInterval:          cfg.ReaperInterval(),
			StaleStreamingTimeout: 10 * time.Minute,
			PurgeRetention:        cfg.PurgeRetention(),
		},
		Metrics: metrics,
	}, logger)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer rt.Close()
	logger.Info("startup phase", "phase", "schema_migrated")

	if !cfg.BatchingEnabled {
		logger.Info("batching disabled by config", "mode", "priority_fifo")
	}

	if err := rt.Start(ctx); err != nil {
		fatalStartup(logger, "E_RUNTIME_START", err)
	}
	logger.Info("startup phase", "phase", "runtime_started")

	adminSrv := adminhttp.New(rt.Store(), rt.Residency(), rt.Catalog(), logger)
	server := &http.Server{
		Addr:    cfg.AdminBindAddr,
		Handler: adminSrv.Handler(),
	}
	serverErr := make(chan error, 1)
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.AdminBindAddr)
	if err != nil {
		if isAddrInUse(err) {
			fatalStartup(logger, "E_ADMIN_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, portOccupantHint(cfg.AdminBindAddr)))
		}
		fatalStartup(logger, "E_ADMIN_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "admin_listener_bound", "addr", cfg.AdminBindAddr)
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher start failed", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				logger.Info("config.yaml changed; restart jobqueued to apply")
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("admin http server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	rt.Stop()
	logger.Info("jobqueued stopped")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "", "", reasonCode, message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"jobqueue","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		if sysErr, ok := opErr.Err.(*os.SyscallError); ok {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change admin_bind_addr in config.yaml.", addr)
	}
	out, err := exec.Command("lsof", "-ti", ":"+port).Output()
	if err == nil && strings.TrimSpace(string(out)) != "" {
		pid := strings.TrimSpace(string(out))
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pid, pid)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change admin_bind_addr in config.yaml.", port)
}
