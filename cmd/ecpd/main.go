// ecpd is the ECP server daemon: a multi-client JSON-RPC 2.0 control plane
// for editor tooling, spoken over WebSocket.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/zorz/ultra-ecp-sub000/internal/broadcast"
	"github.com/zorz/ultra-ecp-sub000/internal/config"
	"github.com/zorz/ultra-ecp-sub000/internal/logger"
	"github.com/zorz/ultra-ecp-sub000/internal/middleware"
	"github.com/zorz/ultra-ecp-sub000/internal/registry"
	"github.com/zorz/ultra-ecp-sub000/internal/router"
	"github.com/zorz/ultra-ecp-sub000/internal/securemem"
	"github.com/zorz/ultra-ecp-sub000/internal/server"
	"github.com/zorz/ultra-ecp-sub000/internal/service"
	"github.com/zorz/ultra-ecp-sub000/internal/services/bridge"
	"github.com/zorz/ultra-ecp-sub000/internal/services/sessions"
	"github.com/zorz/ultra-ecp-sub000/internal/services/vcsvc"
	"github.com/zorz/ultra-ecp-sub000/internal/services/watcher"
)

const version = "0.4.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() (err error) {
	var (
		configPath   = flag.String("config", defaultConfigPath(), "path to the configuration file")
		listen       = flag.String("listen", "", "listen address override")
		logLevel     = flag.String("log-level", "", "log level override (debug, info, warn, error)")
		logStderr    = flag.Bool("log-stderr", false, "log to stderr instead of the log file")
		workspace    = flag.String("workspace", "", "default workspace directory override")
		showVersion  = flag.Bool("version", false, "print the version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("ecpd %s\n", version)
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Environment variables override the file; flags override both.
	if envLevel := strings.TrimSpace(os.Getenv("ECPD_LOG_LEVEL")); envLevel != "" {
		cfg.LogLevel = envLevel
	}
	if envPath := strings.TrimSpace(os.Getenv("ECPD_LOG_PATH")); envPath != "" {
		cfg.LogPath = envPath
	}
	if envToken := os.Getenv("ECPD_AUTH_TOKEN"); envToken != "" {
		cfg.Auth.Token = envToken
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *workspace != "" {
		cfg.DefaultWorkspace = *workspace
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	level := logger.ParseLevel(cfg.LogLevel)
	if *logStderr {
		logger.SetGlobal(logger.NewWriter(level, os.Stderr, ""))
	} else {
		logPath := cfg.LogPath
		if logPath == "" {
			logPath = filepath.Join(cfg.DataDir, "ecpd.log")
		}
		if err := logger.Init(level, logPath); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
	}
	defer func() {
		if err != nil {
			logger.Error("Fatal error: %v", err)
		}
		if closeErr := logger.Global().Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close logger: %v\n", closeErr)
		}
	}()

	logger.Info("ecpd %s starting", version)

	reg := registry.New(workspaceServices(cfg), 0)

	chain := middleware.NewChain()
	chain.Add(middleware.NewRequestLog())

	// The router's default-workspace lookup is bound late: the server is
	// constructed after the router but before any dispatch runs.
	var srv *server.Server
	rt := router.New(reg, chain, func() string {
		if srv == nil {
			return ""
		}
		return srv.DefaultWorkspace()
	})
	srv = server.New(cfg, version, reg, rt)

	ctx := context.Background()

	var globals []service.Service
	if len(cfg.Bridge.Command) > 0 {
		globals = append(globals, bridge.New(cfg.Bridge.Command, cfg.Bridge.Env))
	}
	for _, svc := range globals {
		if err := svc.Init(ctx); err != nil {
			return fmt.Errorf("failed to start %s service: %w", svc.Namespace(), err)
		}
		rt.RegisterGlobal(svc)
	}

	if cfg.DefaultWorkspace != "" {
		ws, sub, err := reg.Open(ctx, cfg.DefaultWorkspace, "ecpd")
		if err != nil {
			return fmt.Errorf("failed to open default workspace: %w", err)
		}
		sub.Close() // clients attach their own subscriptions
		srv.SetDefaultWorkspace(ws.ID)
		logger.Info("Default workspace %s at %s", ws.ID, ws.Path)
	}

	rt.SetLifecycle(router.LifecycleRunning)
	if err := srv.Start(); err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Received %s, shutting down", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if stopErr := srv.Stop(shutdownCtx); stopErr != nil {
		logger.Error("Shutdown error: %v", stopErr)
	}
	for _, svc := range globals {
		if stopErr := svc.Shutdown(shutdownCtx); stopErr != nil {
			logger.Warn("Failed to stop %s service: %v", svc.Namespace(), stopErr)
		}
	}

	securemem.Purge()
	logger.Info("ecpd stopped")
	return nil
}

// workspaceServices builds the per-workspace service set: the session
// store, the filesystem watcher, and the VCS inspector.
func workspaceServices(cfg *config.Config) registry.ServiceFactory {
	return func(path string, notifier *broadcast.Broadcaster) []service.Service {
		return []service.Service{
			sessions.New(cfg.DataDir, path, notifier),
			watcher.New(path, notifier),
			vcsvc.New(path),
		}
	}
}

func defaultConfigPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "ecpd", "config.json")
	}
	return "config.json"
}
