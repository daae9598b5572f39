package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/moor-sh/moor/internal/config"
	"github.com/moor-sh/moor/internal/notify"
	"github.com/moor-sh/moor/internal/server"
	"github.com/moor-sh/moor/internal/session"
	"github.com/moor-sh/moor/internal/workspace"
	"tailscale.com/tsnet"
)

var version = "0.1.0"

func main() {
	port := flag.Int("port", 8080, "port number (auto-increments if busy)")
	dev := flag.Bool("dev", false, "enable dev mode (debug logging)")
	local := flag.Bool("local", false, "listen on localhost only (no Tailscale)")
	configPath := flag.String("config", config.DefaultPath(), "path to config file")
	showVersion := flag.Bool("version", false, "show version")
	flag.Parse()

	if *showVersion {
		fmt.Println("moor", version)
		return
	}

	logLevel := slog.LevelInfo
	if *dev {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	store, err := workspace.Open(cfg.DatabasePath(), logger)
	if err != nil {
		logger.Error("failed to open terminal store", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	host := session.NewTmuxHost(logger)
	if host.Available() {
		logger.Info("session host available")
	} else {
		logger.Warn("session host unavailable, persistence disabled")
	}

	sessions := session.NewManager(host, store, logger)
	if cfg.AutoRestore {
		if err := sessions.Bootstrap(); err != nil {
			logger.Warn("restore from previous run failed", "err", err)
		}
	}

	monitor := session.NewMonitor(sessions, session.MonitorConfig{
		Interval:   cfg.HealthInterval.Duration,
		TTL:        cfg.TTL(),
		MaxOrphans: cfg.MaxOrphanedSessions,
	}, logger)
	if err := monitor.Start(); err != nil {
		logger.Error("failed to start health monitor", "err", err)
		os.Exit(1)
	}

	notifier, err := notify.NewManager(logger)
	if err != nil {
		logger.Warn("push notifications disabled", "err", err)
		notifier = nil
	}

	// push when a session dies outside user action
	if notifier != nil {
		events, unsubscribe := sessions.Events()
		defer unsubscribe()
		go func() {
			for ev := range events {
				if ev.State == session.StateDead {
					notifier.Notify("Session ended", ev.Name)
				}
			}
		}()
	}

	srv := server.New(server.Config{
		Addr:            fmt.Sprintf(":%d", *port),
		Logger:          logger,
		Sessions:        sessions,
		NotifyManager:   notifier,
		PersistDefault:  cfg.PersistSessions,
		ShutdownTimeout: cfg.ShutdownTimeout.Duration,
		Version:         version,
	})

	// graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *local || *dev {
		// local mode: listen on localhost with port fallback
		ln, err := listenWithFallback("127.0.0.1", *port, 10, logger)
		if err != nil {
			logger.Error("failed to listen", "err", err)
			os.Exit(1)
		}
		actualAddr := ln.Addr().String()
		fmt.Fprintf(os.Stderr, "\n  moor v%s running at:\n\n    http://%s\n\n", version, actualAddr)
		go func() {
			if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
				logger.Error("server error", "err", err)
				os.Exit(1)
			}
		}()
	} else {
		// tailscale mode: listen via tsnet with HTTPS
		tsServer := &tsnet.Server{
			Hostname: "moor",
			Logf:     func(format string, args ...any) { logger.Debug(fmt.Sprintf(format, args...)) },
		}

		ln, err := tsServer.ListenTLS("tcp", fmt.Sprintf(":%d", *port))
		if err != nil {
			logger.Error("failed to listen on tailscale", "err", err)
			os.Exit(1)
		}

		// get tailscale addresses for display
		fmt.Fprintf(os.Stderr, "\n  moor v%s running at:\n\n", version)
		lc, _ := tsServer.LocalClient()
		if lc != nil {
			if status, err := lc.Status(ctx); err == nil {
				if status.Self != nil {
					dnsName := strings.TrimSuffix(status.Self.DNSName, ".")
					if dnsName != "" {
						if *port == 443 {
							fmt.Fprintf(os.Stderr, "    https://%s\n", dnsName)
						} else {
							fmt.Fprintf(os.Stderr, "    https://%s:%d\n", dnsName, *port)
						}
					}
				}
				for _, ip := range status.TailscaleIPs {
					fmt.Fprintf(os.Stderr, "    https://%s:%d\n", ip, *port)
				}
			} else {
				logger.Warn("could not get tailscale status", "err", err)
				fmt.Fprintf(os.Stderr, "    https://moor.<tailnet>.ts.net:%d  (getting status...)\n", *port)
			}
		}
		fmt.Fprintln(os.Stderr)

		// tsnet.ListenTLS returns a tls.Listener, serve directly
		go func() {
			srv.SetTLSConfig(&tls.Config{})
			if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
				logger.Error("server error", "err", err)
				os.Exit(1)
			}
		}()

		defer tsServer.Close()
	}

	<-ctx.Done()
	logger.Info("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Duration+5*time.Second)
	defer cancel()

	// stop cleanup sweeps before the final detach/kill pass so the two
	// never race over the same sessions
	if err := monitor.Stop(shutdownCtx); err != nil {
		logger.Warn("monitor did not stop cleanly", "err", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "err", err)
	}
}

func listenWithFallback(host string, startPort, maxAttempts int, logger *slog.Logger) (net.Listener, error) {
	for i := range maxAttempts {
		port := startPort + i
		addr := net.JoinHostPort(host, strconv.Itoa(port))
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			if i > 0 {
				logger.Info("port was busy, using fallback", "requested", startPort, "actual", port)
			}
			return ln, nil
		}
		if !strings.Contains(err.Error(), "address already in use") {
			return nil, err
		}
	}
	return nil, fmt.Errorf("all ports %d-%d are in use", startPort, startPort+maxAttempts-1)
}
