package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sandboxrun/sandboxrun/cgroup"
	"github.com/sandboxrun/sandboxrun/display"
	"github.com/sandboxrun/sandboxrun/internal/audit"
	"github.com/sandboxrun/sandboxrun/internal/config"
	"github.com/sandboxrun/sandboxrun/internal/logging"
	"github.com/sandboxrun/sandboxrun/internal/workerpool"
	"github.com/sandboxrun/sandboxrun/permwatch"
	"github.com/sandboxrun/sandboxrun/registry"
	"github.com/sandboxrun/sandboxrun/session"
	"github.com/sandboxrun/sandboxrun/signaling"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sandboxrun daemon",
	Run: func(cmd *cobra.Command, args []string) {
		runServe()
	},
}

// initLogging sets up structured logging from config, grounded on the
// teacher's own initLogging: stdout by default, teed into a rotating
// file when LogFile is configured.
func initLogging(cfg *config.Config) {
	var output io.Writer = os.Stdout

	if cfg.LogFile != "" {
		rw, err := logging.NewRotatingWriter(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open log file %s: %v (logging to stdout)\n", cfg.LogFile, err)
		} else {
			output = logging.TeeWriter(os.Stdout, rw)
		}
	}

	logging.Init(cfg.LogFormat, cfg.LogLevel, output)
	log = logging.L("main")
}

func runServe() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	initLogging(cfg)

	log.Info("starting sandboxrund", "version", version, "listenAddr", cfg.ListenAddr)

	var auditLog *audit.Logger
	if cfg.AuditEnabled {
		auditLog, err = audit.NewLogger(cfg)
		if err != nil {
			log.Error("failed to open audit log", "error", err)
			os.Exit(1)
		}
		defer auditLog.Close()
	}

	apps, err := registry.Load(cfg.AppsRoot)
	if err != nil {
		log.Error("failed to load application registry", "error", err)
		os.Exit(1)
	}
	log.Info("application registry loaded", "count", len(apps.List()))

	cgroup.Root = cfg.CgroupRoot

	displayCfg := display.DefaultConfig()
	displayCfg.MinID = cfg.DisplayIDMin
	displayCfg.MaxID = cfg.DisplayIDMax
	displayCfg.Width = cfg.DisplayWidth
	displayCfg.Height = cfg.DisplayHeight
	displayCfg.XvfbPath = cfg.XvfbPath

	wp := workerpool.New(cfg.MaxConcurrentSessions, cfg.TaskQueueSize)

	displays := display.NewPool(displayCfg, wp)
	display.ReapOrphans(displayCfg)
	session.ReapOrphans(cfg.CgroupRoot)

	perms := newStaticPermStore()
	mgr := session.NewManager(cfg, displays, apps, perms, auditLog, wp)

	watcherCtx, cancelWatcher := context.WithCancel(context.Background())
	watcher := permwatch.NewWatcher(perms, mgr)
	go watcher.Run(watcherCtx)

	limits := signaling.RateLimits{
		MessagesPerSecond: 20,
		MessageBurst:      40,
		InputPerSecond:    float64(cfg.InputEventsPerSecond),
		InputBurst:        cfg.InputBurstSize,
	}
	endpoint := signaling.NewEndpoint(bearerAuthenticator{}, mgr, limits, auditLog)

	mux := http.NewServeMux()
	mux.Handle("POST /sessions", launchHandler(bearerAuthenticator{}, mgr))
	mux.Handle("/signal", endpoint)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}

	go func() {
		var serveErr error
		if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
			serveErr = server.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			serveErr = server.ListenAndServe()
		}
		if serveErr != nil && serveErr != http.ErrServerClosed {
			log.Error("http server stopped", "error", serveErr)
		}
	}()

	log.Info("sandboxrund is running")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Info("shutting down sandboxrund")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	cancelWatcher()
	watcher.Stop()
	mgr.Shutdown(shutdownCtx)
	wp.Shutdown(shutdownCtx)

	log.Info("sandboxrund stopped")
}
