// Package watch optionally wires an etcd watch on a topology key so a
// config change propagated through etcd can trigger the same Reload the
// admin RELOAD command does, without an operator connecting to the admin
// database by hand.
package watch

import (
	"context"
	"log/slog"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/pgdog/pgdog-go/cluster"
	"github.com/pgdog/pgdog-go/config"
)

// Watcher watches a single etcd key prefix; any PUT/DELETE under it
// triggers a reload of the local config file into registry.
type Watcher struct {
	client     *clientv3.Client
	key        string
	configPath string
	registry   *cluster.Registry
	log        *slog.Logger
}

// New dials etcd at the given endpoints. Callers should Close the
// returned Watcher on shutdown to release the client's connections.
func New(endpoints []string, key, configPath string, registry *cluster.Registry, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cli, err := clientv3.New(clientv3.Config{Endpoints: endpoints})
	if err != nil {
		return nil, err
	}
	return &Watcher{
		client:     cli,
		key:        key,
		configPath: configPath,
		registry:   registry,
		log:        logger.With("component", "watch", "key", key),
	}, nil
}

// Run watches w.key until ctx is cancelled, reloading the topology from
// configPath on every change notification. It never transports the new
// topology over etcd itself - etcd here is a change signal, not a config
// store - matching the original's use of service discovery purely to
// detect when physical endpoints moved.
func (w *Watcher) Run(ctx context.Context) {
	rch := w.client.Watch(ctx, w.key, clientv3.WithPrefix())
	w.log.Info("watching for topology changes")
	for resp := range rch {
		if err := resp.Err(); err != nil {
			w.log.Warn("watch error", "error", err)
			continue
		}
		if len(resp.Events) == 0 {
			continue
		}
		cfg, err := config.Load(w.configPath)
		if err != nil {
			w.log.Warn("reload: config load failed", "error", err)
			continue
		}
		if err := w.registry.Reload(ctx, cfg, w.log); err != nil {
			w.log.Warn("reload failed", "error", err)
			continue
		}
		w.log.Info("topology reloaded from etcd signal")
	}
}

// Close releases the underlying etcd client.
func (w *Watcher) Close() error {
	return w.client.Close()
}
