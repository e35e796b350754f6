package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	nomad "github.com/nomad-capture/nomad/sdk/golang"
	"github.com/nomad-capture/nomad/sdk/golang/internal/api"
	"github.com/nomad-capture/nomad/sdk/golang/internal/logging"
	"github.com/nomad-capture/nomad/sdk/golang/worker"
)

var serveNoWorker bool

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&serveNoWorker, "no-worker", false, "Do not start the caching worker even if enabled in config")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the offline agent",
	Long: "Run the offline agent: the control API, the connectivity watcher that replays\n" +
		"the queue when the backend comes back, and optionally the caching worker.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := effectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		logging.Init(os.Stderr, cfg.Agent.LogLevel, cfg.Agent.LogJSON)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runAgent(ctx, cfg, !serveNoWorker && cfg.Worker.Enabled)
	},
}

func runAgent(ctx context.Context, cfg *Config, withWorker bool) error {
	client, err := getClient(cfg)
	if err != nil {
		return err
	}
	probeInterval, err := time.ParseDuration(cfg.Offline.ProbeInterval)
	if err != nil {
		return fmt.Errorf("invalid offline.probe_interval: %w", err)
	}

	offline, store, err := openOffline(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	defer offline.Destroy()
	logging.Info(logging.CategoryStore, "offline database %s, %d pending", cfg.Offline.Database, offline.PendingCount())

	offline.On("network.online", func(string, any) {
		logging.Info(logging.CategoryNet, "backend reachable")
	})
	offline.On("network.offline", func(string, any) {
		logging.Warning(logging.CategoryNet, "backend unreachable, queueing locally")
	})
	offline.On("sync.complete", func(_ string, p any) {
		progress := p.(nomad.SyncProgress)
		logging.Info(logging.CategorySync, "sync complete: %d/%d delivered", progress.Synced, progress.Total)
	})
	offline.On("sync.halted", func(_ string, p any) {
		halt := p.(nomad.SyncHalt)
		logging.Warning(logging.CategorySync, "sync halted at %s %s: %v", halt.Kind, halt.ItemID, halt.Err)
	})

	uploader := nomad.NewBackendUploader(client)
	// Registers the uploader for automatic replays and drains leftovers.
	if err := offline.SyncPending(ctx, uploader.Upload); err != nil {
		logging.Error(logging.CategorySync, "initial sync: %v", err)
	}

	watcher := nomad.NewConnectivityWatcher(client, offline, &nomad.ConnectivityOptions{Interval: probeInterval})
	watcher.Start(ctx)
	defer watcher.Stop()

	servers := make([]*http.Server, 0, 2)
	errCh := make(chan error, 2)

	if withWorker {
		w, err := startWorker(ctx, cfg, store)
		if err != nil {
			return err
		}
		defer w.Close()
		ws := &http.Server{Addr: cfg.Worker.Listen, Handler: w}
		servers = append(servers, ws)
		go func() { errCh <- listen(ws, "worker") }()

		channel := nomad.NewWorkerChannel(nomad.ChannelConfig{
			URL:           "http://" + loopbackAddr(cfg.Worker.Listen) + worker.ClientsPath,
			AutoReconnect: true,
		})
		channel.BindOffline(offline)
		channel.OnDisconnected(func(reason string) {
			logging.Debug(logging.CategoryWorker, "worker channel dropped: %s", reason)
		})
		go connectChannel(ctx, channel)
		defer channel.Disconnect()
	}

	routerCfg := api.Config{AuthToken: cfg.Agent.AuthToken}
	if cfg.Agent.HookSecret != "" {
		hook, err := nomad.NewSyncHook(cfg.Agent.HookSecret, offline.HandleWorkerMessage)
		if err != nil {
			return err
		}
		routerCfg.SyncHook = hook.HTTPHandler()
	}
	gin.SetMode(gin.ReleaseMode)
	router := api.NewRouter(routerCfg, api.NewHandler(offline, uploader.Upload))
	as := &http.Server{Addr: cfg.Agent.Listen, Handler: router}
	servers = append(servers, as)
	go func() { errCh <- listen(as, "agent") }()

	var runErr error
	select {
	case <-ctx.Done():
		logging.Info(logging.CategoryApp, "shutting down")
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, s := range servers {
		if err := s.Shutdown(shutdownCtx); err != nil {
			logging.Warning(logging.CategoryApp, "shutdown %s: %v", s.Addr, err)
		}
	}
	return runErr
}

func startWorker(ctx context.Context, cfg *Config, store *nomad.SQLiteStorage) (*worker.Worker, error) {
	origin, err := url.Parse(cfg.Worker.Origin)
	if err != nil {
		return nil, fmt.Errorf("invalid worker.origin: %w", err)
	}
	caches, err := worker.NewSQLiteCacheStorage(ctx, store.DB())
	if err != nil {
		return nil, err
	}
	w, err := worker.New(worker.Config{
		Origin:    origin,
		CacheName: cfg.Worker.CacheName,
		SyncTag:   cfg.Offline.SyncTag,
	}, caches)
	if err != nil {
		return nil, err
	}
	// Until Start succeeds the worker passes everything through, so an
	// unreachable origin only degrades caching.
	go func() {
		if err := w.Start(ctx); err != nil {
			logging.Error(logging.CategoryWorker, "start: %v", err)
		}
	}()
	return w, nil
}

func listen(s *http.Server, name string) error {
	logging.Info(logging.CategoryApp, "%s listening on %s", name, s.Addr)
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}

// loopbackAddr turns a listen address such as ":8080" into one we can dial.
func loopbackAddr(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil || (host != "" && host != "0.0.0.0" && host != "::") {
		return listen
	}
	return net.JoinHostPort("127.0.0.1", port)
}

// connectChannel retries the first dial until the worker is listening.
func connectChannel(ctx context.Context, channel *nomad.WorkerChannel) {
	delay := 200 * time.Millisecond
	for {
		if err := channel.Connect(ctx); err == nil {
			logging.Debug(logging.CategoryWorker, "worker channel connected")
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if delay < 5*time.Second {
			delay *= 2
		}
	}
}
