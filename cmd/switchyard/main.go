// Command switchyard is the main entry point for the switchyard conversation
// server. It accepts telephony media streams over WebSocket and connects each
// call to a configured conversation backend.
//
// Usage:
//
//	switchyard [-config switchyard.yaml]
//	switchyard check-health [-url http://127.0.0.1:8123/healthz]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/MrWong99/switchyard/internal/app"
	"github.com/MrWong99/switchyard/internal/config"
	"github.com/MrWong99/switchyard/internal/health"
	"github.com/MrWong99/switchyard/internal/observe"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	// A missing .env is normal outside development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(stderr, "switchyard: load .env: %v\n", err)
	}

	if len(args) > 0 && args[0] == "check-health" {
		return checkHealth(args[1:], stdout, stderr)
	}

	// ── CLI flags ──────────────────────────────────────────────────────────────
	fs := flag.NewFlagSet("switchyard", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "switchyard.yaml", "path to the YAML configuration file")
	watch := fs.Bool("watch", true, "reload log level and backends when the config file changes")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(stderr, "switchyard: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(stderr, "switchyard: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("switchyard starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"backends", len(cfg.Backends),
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "switchyard"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Backend registry ──────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinBackends(reg)

	opts := []app.Option{app.WithLevelVar(level)}
	if *watch {
		opts = append(opts, app.WithConfigPath(*configPath))
	}
	application, err := app.New(ctx, cfg, reg, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				if !application.Reload() {
					slog.Warn("SIGHUP ignored: start with -watch to enable config reloads")
				}
			}
		}
	}()

	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	return 0
}

// checkHealth probes a running server's liveness endpoint. It exits 0 when
// the server answers 200 and 1 otherwise, for use as a container health
// check.
func checkHealth(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("check-health", flag.ContinueOnError)
	fs.SetOutput(stderr)
	url := fs.String("url", defaultHealthURL(), "liveness endpoint to probe")
	timeout := fs.Duration("timeout", 3*time.Second, "probe timeout")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	if err := health.Probe(ctx, &http.Client{}, *url); err != nil {
		fmt.Fprintf(stderr, "switchyard: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, "ok")
	return 0
}

// defaultHealthURL derives the probe target from SWITCHYARD_ADDRESS, falling
// back to the default port on loopback.
func defaultHealthURL() string {
	addr := os.Getenv(config.AddressEnv)
	if addr == "" {
		addr = config.Default().Server.ListenAddr
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + strings.TrimSuffix(addr, "/") + "/healthz"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port) + "/healthz"
}
