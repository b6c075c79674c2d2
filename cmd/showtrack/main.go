// Package main runs the showtrack capture core: offline store, sync
// engine, connectivity monitor, and a localhost WebSocket feed for the
// embedding UI shell.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/kimhsiao/showtrack/internal/api"
	"github.com/kimhsiao/showtrack/internal/config"
	"github.com/kimhsiao/showtrack/internal/logging"
	"github.com/kimhsiao/showtrack/internal/notify"
	"github.com/kimhsiao/showtrack/internal/scanner"
	"github.com/kimhsiao/showtrack/internal/session"
	"github.com/kimhsiao/showtrack/internal/store"
	syncpkg "github.com/kimhsiao/showtrack/internal/sync"
	"github.com/kimhsiao/showtrack/internal/sync/monitor"
)

// Version is set at build time.
var Version = "0.1.0"

// app holds the wired service graph. Each service is constructed here
// and torn down in reverse order on shutdown.
type app struct {
	cfg        *config.Config
	store      *store.Store
	client     *api.Client
	engine     *syncpkg.Engine
	session    *session.Session
	monitor    *monitor.Monitor
	hub        *notify.Hub
	classifier *scanner.Classifier
}

func newApp(cfg *config.Config) *app {
	a := &app{cfg: cfg}

	a.store = store.New(cfg.DataDir)
	a.client = api.NewClient(cfg.APIBaseURL, cfg.Sync.RequestTimeout)
	a.engine = syncpkg.NewEngine(a.store, a.client, cfg.Sync.MaxAttempts)
	a.session = session.New(a.client, a.store, a.engine)
	a.hub = notify.NewHub()
	a.classifier = scanner.NewClassifier(cfg.Scanner.BurstThreshold, cfg.Scanner.IdleFlush)

	a.monitor = monitor.New(a.engine, a.store, a.client, &monitor.Config{
		ProbeInterval: cfg.Sync.RetryInterval,
		RetryInterval: cfg.Sync.RetryInterval,
	})

	a.engine.SetBroadcaster(a.hub)
	a.monitor.SetBroadcaster(a.hub)
	return a
}

// start brings the services up. A failed store still lets the process
// run in a degraded mode without local persistence.
func (a *app) start(ctx context.Context) {
	if !a.store.Init() {
		logging.Warn("offline storage unavailable, running degraded", nil)
	}
	a.monitor.Start(ctx)
}

// stop tears the services down in reverse order.
func (a *app) stop() {
	a.classifier.StopListening()
	a.monitor.Stop()
	a.hub.Stop()
	a.store.Destroy()
}

func main() {
	configPath := flag.String("config", "", "path to config file")
	listenAddr := flag.String("listen", "127.0.0.1:8090", "address for the UI event feed")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Error("loading configuration failed", err, nil)
		os.Exit(1)
	}

	logging.Init(os.Stdout, logging.ParseLevel(cfg.LogLevel))
	logging.Info("showtrack core starting", map[string]interface{}{
		"version":  Version,
		"data_dir": cfg.DataDir,
		"api_base": cfg.APIBaseURL,
	})

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logging.Error("creating data directory failed", err,
			map[string]interface{}{"data_dir": cfg.DataDir})
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newApp(cfg)
	a.start(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", a.hub.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"showtrack-core"}`))
	})

	server := &http.Server{Addr: *listenAddr, Handler: mux}
	go func() {
		logging.Info("event feed listening", map[string]interface{}{"addr": *listenAddr})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("event feed server failed", err, nil)
			cancel()
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}

	logging.Info("showtrack core shutting down", nil)
	server.Shutdown(context.Background())
	a.stop()
}
