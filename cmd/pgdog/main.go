// Command pgdog is the proxy's entry point: it loads the topology config,
// builds the cluster registry, starts the client listener and the
// /metrics HTTP server, and wires the optional etcd topology watcher.
// Mirrors the shape of the teacher's cmd/tqdbproxy main, generalized from
// a single hardcoded backend to pgdog's multi-cluster, multi-shard
// topology.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/pgdog/pgdog-go/admin"
	"github.com/pgdog/pgdog-go/cache"
	"github.com/pgdog/pgdog-go/cluster"
	"github.com/pgdog/pgdog-go/config"
	"github.com/pgdog/pgdog-go/listener"
	"github.com/pgdog/pgdog-go/metrics"
	"github.com/pgdog/pgdog-go/session"
	"github.com/pgdog/pgdog-go/sqlparser"
	"github.com/pgdog/pgdog-go/watch"
)

func main() {
	configPath := flag.String("config", "pgdog.ini", "path to the topology config file")
	metricsAddr := flag.String("metrics", ":9090", "address to serve /metrics on")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(*configPath, *metricsAddr, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(configPath, metricsAddr string, logger *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := cluster.NewRegistry()
	if err := registry.Reload(ctx, cfg, logger); err != nil {
		return err
	}

	resultCache, err := cache.New(cache.DefaultCacheConfig())
	if err != nil {
		return err
	}
	defer resultCache.Close()
	astCache := sqlparser.NewASTCache(resultCache)

	cancelReg := session.NewCancelRegistry()

	var shutdownOnce sync.Once
	shutdown := func() { shutdownOnce.Do(cancel) }

	adminBackend := admin.New(registry, astCache, cancelReg, configPath, shutdown, logger)

	var tlsConfig *tls.Config
	if cfg.General.TLSCert != "" && cfg.General.TLSKey != "" {
		cert, err := tls.LoadX509KeyPair(cfg.General.TLSCert, cfg.General.TLSKey)
		if err != nil {
			return err
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	lst := listener.New(registry, astCache, cancelReg, adminBackend, cfg.Admin.Database, tlsConfig, logger)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := lst.ListenAndServe(ctx, cfg.General.Listen, cfg.General.Socket); err != nil {
			logger.Error("listener exited", "error", err)
			cancel()
		}
	}()

	if len(cfg.General.EtcdEndpoints) > 0 {
		w, err := watch.New(cfg.General.EtcdEndpoints, cfg.General.EtcdWatchKey, configPath, registry, logger)
		if err != nil {
			logger.Warn("etcd watcher disabled", "error", err)
		} else {
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer w.Close()
				w.Run(ctx)
			}()
		}
	}

	metrics.Init()
	httpSrv := &http.Server{Addr: metricsAddr, Handler: metricsRouter()}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server exited", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	httpSrv.Shutdown(shutdownCtx)

	wg.Wait()
	return nil
}

func metricsRouter() http.Handler {
	r := mux.NewRouter()
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	return r
}
