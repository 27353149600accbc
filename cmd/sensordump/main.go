// sensordump samples local sensors into a SQLite queue and ships the
// documents to an Elasticsearch-compatible backend.
//
// Configuration comes from a YAML file (--config), overridden by flags.
// Variables from .env.local and .env are loaded first and never replace
// variables already set in the environment. The control API and the live
// document feed listen on --listen; --mcp serves the control tools over
// stdio. The process exits on SIGINT/SIGTERM or once the idle watchdog
// finds nothing left to do.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/pflag"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/sensordump/livefeed"
	"github.com/hazyhaar/sensordump/sensordump"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if err := loadDotEnv(".env.local", ".env"); err != nil {
		return err
	}

	var (
		configPath   string
		dbPath       string
		settingsPath string
		listen       string
		logLevel     string
		serveMCP     bool
		start        bool
		gpsOn        bool
		audioOn      bool
		refresh      time.Duration
	)
	flagSet := pflag.NewFlagSet("sensordump", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", os.Getenv("SENSORDUMP_CONFIG"), "YAML config file")
	flagSet.StringVar(&dbPath, "db", os.Getenv("SENSORDUMP_DB"), "queue database path (overrides db_path)")
	flagSet.StringVar(&settingsPath, "settings", os.Getenv("SENSORDUMP_SETTINGS"), "upload settings file (overrides settings_path)")
	flagSet.StringVar(&listen, "listen", os.Getenv("SENSORDUMP_LISTEN"), "control API address, e.g. 127.0.0.1:8090 (overrides control.listen)")
	flagSet.StringVar(&logLevel, "log-level", env("SENSORDUMP_LOG_LEVEL", "info"), "debug, info, warn or error")
	flagSet.BoolVar(&serveMCP, "mcp", false, "serve the control tools over MCP on stdin/stdout")
	flagSet.BoolVar(&start, "start", false, "start logging immediately")
	flagSet.BoolVar(&gpsOn, "gps", false, "log gpsd positions")
	flagSet.BoolVar(&audioOn, "audio", false, "log microphone frequency and amplitude")
	flagSet.DurationVar(&refresh, "refresh", 0, "minimum time between documents (floor 50ms)")
	showVersion := flagSet.Bool("version", false, "print the version and exit")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if *showVersion {
		fmt.Println("sensordump", version)
		return nil
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	cfg := &sensordump.Config{}
	if configPath != "" {
		loaded, err := sensordump.LoadConfigFile(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if settingsPath != "" {
		cfg.SettingsPath = settingsPath
	}
	if listen != "" {
		cfg.Control.Listen = listen
	}
	if flagSet.Changed("start") {
		cfg.AutoStart = start
	}
	if flagSet.Changed("gps") {
		cfg.GPS.Enabled = gpsOn
	}
	if flagSet.Changed("audio") {
		cfg.Audio.Enabled = audioOn
	}
	if refresh > 0 {
		cfg.RefreshInterval = refresh
	}

	// stdout carries the MCP stream when --mcp is set.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(logLevel)}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	m, err := sensordump.New(cfg, logger)
	if err != nil {
		return err
	}

	hub := livefeed.NewHub(logger)
	m.SetDocumentTap(hub.Broadcast)

	serverErr := make(chan error, 1)
	var srv *http.Server
	if cfg.Control.Listen != "" {
		r := m.Handler()
		r.Method(http.MethodGet, "/api/feed", hub.Handler())

		srv = &http.Server{
			Addr:              cfg.Control.Listen,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		go func() {
			logger.Info("server starting", "addr", cfg.Control.Listen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	}

	if serveMCP {
		mcpSrv := mcp.NewServer(&mcp.Implementation{Name: "sensordump", Version: version}, nil)
		m.RegisterMCP(mcpSrv)
		go func() {
			if err := mcpSrv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
				logger.Error("mcp stdio", "error", err)
			}
		}()
	}

	stopped := m.Start(ctx)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down", "reason", "signal")
	case <-m.Done():
		logger.Info("shutting down", "reason", "idle")
	case runErr = <-serverErr:
		logger.Error("server error", "error", runErr)
	}
	cancel()

	if srv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown", "error", err)
		}
	}

	// An upload in flight finishes and is recorded before the queue closes.
	<-stopped
	if err := m.Close(); err != nil {
		logger.Error("close", "error", err)
	}
	return runErr
}

// loadDotEnv loads the files that exist; variables already set win.
func loadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

func parseLevel(s string) slog.Level {
	switch s {
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

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
