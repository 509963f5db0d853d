// Package cluster models the runtime topology a client sees: logical
// clusters made of one or more shards, each shard a primary pool plus
// replica pools, held behind an atomically-swappable Registry so a config
// reload never observes a half-updated topology.
package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync/atomic"

	"github.com/pgdog/pgdog-go/config"
	"github.com/pgdog/pgdog-go/pool"
	"github.com/pgdog/pgdog-go/server"
)

// MultiTenantConfig guards cross-tenant access when a cluster is shared by
// multiple tenants distinguished by a single column, matching the
// original's per-cluster (not per-table) tenant column.
type MultiTenantConfig struct {
	Enabled      bool
	TenantColumn string
}

// Shard is one physical partition of a cluster's data: a primary pool and
// zero or more replica pools, selected via a load-balancing Selector.
type Shard struct {
	Number   int
	Primary  *pool.Pool
	Replicas []*pool.Pool
	selector *pool.Selector
}

// PickReplica chooses a replica pool for a read-only query, falling back
// to the primary if there are no replicas or all are banned.
func (s *Shard) PickReplica() (*pool.Pool, error) {
	if len(s.Replicas) == 0 {
		return s.Primary, nil
	}
	p, err := s.selector.Pick(s.Replicas)
	if err != nil {
		return s.Primary, nil
	}
	return p, nil
}

// Cluster is a logical database: a user/password pair, a sharding
// configuration, and the set of physical Shards that store its data.
type Cluster struct {
	Name              string
	User              string
	Password          string
	PoolerMode        string
	ShardedTables     map[string]bool
	ShardingKey       string
	ShardingFunction  string
	ReadWriteStrategy string
	MultiTenant       MultiTenantConfig
	Shards            []*Shard
}

// NumShards returns how many physical shards this cluster spans.
func (c *Cluster) NumShards() int { return len(c.Shards) }

// ShardByNumber looks up a shard by its configured number (not
// necessarily its slice index, though they coincide for contiguously
// numbered shard sets).
func (c *Cluster) ShardByNumber(n int) (*Shard, bool) {
	for _, sh := range c.Shards {
		if sh.Number == n {
			return sh, true
		}
	}
	return nil, false
}

// IsSharded reports whether this cluster spans more than one shard.
func (c *Cluster) IsSharded() bool { return len(c.Shards) > 1 }

// Registry maps (user, database) to the Cluster serving it, swappable
// atomically so RELOAD and service-discovery updates never race a
// concurrent route lookup against a half-built topology.
type Registry struct {
	snapshot atomic.Pointer[registrySnapshot]
}

type registrySnapshot struct {
	byKey map[registryKey]*Cluster
}

type registryKey struct {
	user     string
	database string
}

// NewRegistry returns an empty registry; call Reload to populate it.
func NewRegistry() *Registry {
	r := &Registry{}
	r.snapshot.Store(&registrySnapshot{byKey: map[registryKey]*Cluster{}})
	return r
}

// Lookup finds the Cluster serving (user, database), or (nil, false).
func (r *Registry) Lookup(user, database string) (*Cluster, bool) {
	snap := r.snapshot.Load()
	c, ok := snap.byKey[registryKey{user: user, database: database}]
	return c, ok
}

// All returns every currently registered cluster, for admin SHOW commands.
func (r *Registry) All() []*Cluster {
	snap := r.snapshot.Load()
	seen := map[*Cluster]bool{}
	out := make([]*Cluster, 0, len(snap.byKey))
	for _, c := range snap.byKey {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}

// BuildFromConfig constructs Clusters (and their Shards/Pools) from a
// parsed config.Config. Pools are constructed but not started; the caller
// starts their maintenance loops once the registry is swapped in.
func BuildFromConfig(ctx context.Context, cfg *config.Config, logger *slog.Logger) (map[registryKey]*Cluster, []*Cluster, error) {
	if logger == nil {
		logger = slog.Default()
	}
	byKey := map[registryKey]*Cluster{}
	var all []*Cluster

	for _, cc := range cfg.Clusters {
		shardedTables := map[string]bool{}
		for _, t := range cc.ShardedTables {
			shardedTables[t] = true
		}
		c := &Cluster{
			Name:              cc.Name,
			User:              cc.User,
			Password:          cc.Password,
			PoolerMode:        cfg.General.PoolerMode,
			ShardedTables:     shardedTables,
			ShardingKey:       cc.ShardingKey,
			ShardingFunction:  cc.ShardingFunction,
			ReadWriteStrategy: cc.ReadWriteStrategy,
			MultiTenant: MultiTenantConfig{
				Enabled:      cc.TenantColumn != "",
				TenantColumn: cc.TenantColumn,
			},
		}

		if len(cc.Shards) == 0 {
			return nil, nil, fmt.Errorf("cluster: cluster %q has no shards configured", cc.Name)
		}

		for _, sc := range cc.Shards {
			shard := &Shard{Number: sc.Number, selector: pool.NewSelector(sc.Pool.LoadBalancingStrategy)}
			if sc.Primary != "" {
				addr, err := parseAddr(sc.Primary, cc.User, cc.Password, cc.Name)
				if err != nil {
					return nil, nil, err
				}
				shard.Primary = pool.New(addr, sc.Pool, false, logger)
			}
			for _, r := range sc.Replicas {
				addr, err := parseAddr(r, cc.User, cc.Password, cc.Name)
				if err != nil {
					return nil, nil, err
				}
				bannable := len(sc.Replicas) > 1
				shard.Replicas = append(shard.Replicas, pool.New(addr, sc.Pool, bannable, logger))
			}
			c.Shards = append(c.Shards, shard)
		}

		byKey[registryKey{user: cc.User, database: cc.Name}] = c
		all = append(all, c)
	}
	return byKey, all, nil
}

// Reload rebuilds the registry from cfg and atomically swaps it in,
// starting new pools and, for endpoints that already existed under the
// old registry, migrating their live connections across via MoveConnsTo
// so in-flight sessions are never disrupted.
func (r *Registry) Reload(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	byKey, all, err := BuildFromConfig(ctx, cfg, logger)
	if err != nil {
		return err
	}

	old := r.snapshot.Load()
	migrated := map[string]bool{}
	for key, newCluster := range byKey {
		oldCluster, ok := old.byKey[key]
		if !ok {
			continue
		}
		migrateShards(oldCluster.Shards, newCluster.Shards, migrated)
	}

	r.snapshot.Store(&registrySnapshot{byKey: byKey})

	for _, c := range all {
		for _, sh := range c.Shards {
			if sh.Primary != nil {
				sh.Primary.Start(ctx)
				go sh.Primary.HealthcheckLoop(ctx)
			}
			for _, rp := range sh.Replicas {
				rp.Start(ctx)
				go rp.HealthcheckLoop(ctx)
			}
		}
	}

	for key, oldCluster := range old.byKey {
		if _, stillPresent := byKey[key]; !stillPresent {
			shutdownCluster(oldCluster)
		}
	}
	return nil
}

func migrateShards(oldShards, newShards []*Shard, migrated map[string]bool) {
	oldByNum := map[int]*Shard{}
	for _, s := range oldShards {
		oldByNum[s.Number] = s
	}
	for _, ns := range newShards {
		os, ok := oldByNum[ns.Number]
		if !ok {
			continue
		}
		if os.Primary != nil && ns.Primary != nil {
			os.Primary.MoveConnsTo(ns.Primary)
		}
		for i, np := range ns.Replicas {
			if i < len(os.Replicas) {
				os.Replicas[i].MoveConnsTo(np)
			}
		}
	}
}

func shutdownCluster(c *Cluster) {
	for _, sh := range c.Shards {
		if sh.Primary != nil {
			sh.Primary.Shutdown()
		}
		for _, r := range sh.Replicas {
			r.Shutdown()
		}
	}
}

func parseAddr(hostport, user, password, database string) (server.Address, error) {
	host, port, err := splitHostPort(hostport)
	if err != nil {
		return server.Address{}, err
	}
	return server.Address{
		Host:     host,
		Port:     port,
		Database: database,
		User:     user,
		Password: password,
	}, nil
}

func splitHostPort(hostport string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return "", 0, fmt.Errorf("cluster: malformed address %q: %w", hostport, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("cluster: malformed port in %q: %w", hostport, err)
	}
	return host, port, nil
}
