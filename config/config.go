// Package config loads pgdog's topology from an INI file, the way the
// teacher's config package loads backend pools, extended with cluster and
// shard sections and pool sizing keys.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

// General holds process-wide settings, [general] section.
type General struct {
	Listen       string
	Socket       string
	TLSCert      string
	TLSKey       string
	PoolerMode   string // "transaction" or "session"
	DefaultUser  string
	EtcdEndpoints []string // optional; non-empty enables the etcd topology watcher
	EtcdWatchKey  string
}

// Admin holds the synthetic admin-database settings, [admin] section.
type Admin struct {
	Database string
	User     string
	Password string
}

// PoolSettings are the sizing knobs shared by every pool. Defaults are read
// from the file's unnamed top-level section and can be overridden per
// [cluster.<name>] and [cluster.<name>.shard.<n>] section.
type PoolSettings struct {
	MinPoolSize          int
	MaxPoolSize          int
	CheckoutTimeout      time.Duration
	ConnectTimeout       time.Duration
	IdleTimeout          time.Duration
	MaxAge               time.Duration
	HealthcheckInterval  time.Duration
	HealthcheckTimeout   time.Duration
	RollbackTimeout      time.Duration
	LoadBalancingStrategy string // random | round_robin | least_active_connections
}

// ShardConfig is one numbered shard of a cluster, [cluster.<name>.shard.<n>].
type ShardConfig struct {
	Number   int
	Primary  string
	Replicas []string
	Pool     PoolSettings
}

// ClusterConfig is a logical database as seen by clients, mapping to one
// or more physical shards, [cluster.<name>].
type ClusterConfig struct {
	Name              string
	User              string
	Password          string
	ShardedTables     []string
	ShardingKey       string
	ShardingFunction  string // hash | range | list | vector
	ReadWriteStrategy string // "any_replica", "primary_only", ...
	TenantColumn      string
	Shards            []ShardConfig
	Pool              PoolSettings
}

// Config is the fully parsed topology: general settings, the admin
// database, and every configured cluster.
type Config struct {
	General  General
	Admin    Admin
	Clusters map[string]ClusterConfig
}

var defaultPool = PoolSettings{
	MinPoolSize:           1,
	MaxPoolSize:           10,
	CheckoutTimeout:       5 * time.Second,
	ConnectTimeout:        5 * time.Second,
	IdleTimeout:           60 * time.Second,
	MaxAge:                30 * time.Minute,
	HealthcheckInterval:   5 * time.Second,
	HealthcheckTimeout:    1 * time.Second,
	RollbackTimeout:       5 * time.Second,
	LoadBalancingStrategy: "round_robin",
}

// Load reads the topology from path, applying PGDOG_* environment
// overrides the same way the teacher's config.Load applies TQDBPROXY_*
// overrides.
func Load(path string) (*Config, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}

	cfg := &Config{
		General:  loadGeneral(f),
		Admin:    loadAdmin(f),
		Clusters: map[string]ClusterConfig{},
	}

	base := loadPoolSettings(f.Section(""), defaultPool)

	for _, sec := range f.Sections() {
		name := sec.Name()
		if !strings.HasPrefix(name, "cluster.") {
			continue
		}
		rest := strings.TrimPrefix(name, "cluster.")
		if strings.Contains(rest, ".shard.") {
			continue // handled below, alongside the owning cluster
		}
		clusterName := rest
		c := ClusterConfig{
			Name:              clusterName,
			User:              sec.Key("user").String(),
			Password:          sec.Key("password").String(),
			ShardingFunction:  sec.Key("sharding_function").MustString("hash"),
			ShardingKey:       sec.Key("sharding_key").String(),
			ReadWriteStrategy: sec.Key("read_write_strategy").MustString("any_replica"),
			TenantColumn:      sec.Key("tenant_column").String(),
			Pool:              loadPoolSettings(sec, base),
		}
		if tables := sec.Key("sharded_tables").String(); tables != "" {
			c.ShardedTables = splitTrim(tables)
		}
		c.Shards = loadShards(f, clusterName, c.Pool)
		cfg.Clusters[clusterName] = c
	}

	applyEnvOverrides(cfg)

	if len(cfg.Clusters) == 0 {
		slog.Warn("no clusters configured", "component", "config")
	}
	return cfg, nil
}

func loadGeneral(f *ini.File) General {
	sec := f.Section("general")
	g := General{
		Listen:      sec.Key("listen").MustString(":6432"),
		Socket:      sec.Key("socket").String(),
		TLSCert:     sec.Key("tls_cert").String(),
		TLSKey:      sec.Key("tls_key").String(),
		PoolerMode:  sec.Key("pooler_mode").MustString("transaction"),
		DefaultUser: sec.Key("default_user").String(),
		EtcdWatchKey: sec.Key("etcd_watch_key").MustString("/pgdog/topology"),
	}
	if endpoints := sec.Key("etcd_endpoints").String(); endpoints != "" {
		g.EtcdEndpoints = splitTrim(endpoints)
	}
	return g
}

func loadAdmin(f *ini.File) Admin {
	sec := f.Section("admin")
	return Admin{
		Database: sec.Key("database").MustString("admin"),
		User:     sec.Key("user").MustString("admin"),
		Password: sec.Key("password").String(),
	}
}

func loadPoolSettings(sec *ini.Section, inherit PoolSettings) PoolSettings {
	return PoolSettings{
		MinPoolSize:           sec.Key("min_pool_size").MustInt(inherit.MinPoolSize),
		MaxPoolSize:           sec.Key("max_pool_size").MustInt(inherit.MaxPoolSize),
		CheckoutTimeout:       durationOr(sec, "checkout_timeout", inherit.CheckoutTimeout),
		ConnectTimeout:        durationOr(sec, "connect_timeout", inherit.ConnectTimeout),
		IdleTimeout:           durationOr(sec, "idle_timeout", inherit.IdleTimeout),
		MaxAge:                durationOr(sec, "max_age", inherit.MaxAge),
		HealthcheckInterval:   durationOr(sec, "healthcheck_interval", inherit.HealthcheckInterval),
		HealthcheckTimeout:    durationOr(sec, "healthcheck_timeout", inherit.HealthcheckTimeout),
		RollbackTimeout:       durationOr(sec, "rollback_timeout", inherit.RollbackTimeout),
		LoadBalancingStrategy: sec.Key("load_balancing_strategy").MustString(inherit.LoadBalancingStrategy),
	}
}

func durationOr(sec *ini.Section, key string, fallback time.Duration) time.Duration {
	ms := sec.Key(key).MustInt(-1)
	if ms < 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

func loadShards(f *ini.File, clusterName string, base PoolSettings) []ShardConfig {
	prefix := "cluster." + clusterName + ".shard."
	var shards []ShardConfig
	for _, sec := range f.Sections() {
		name := sec.Name()
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		numStr := strings.TrimPrefix(name, prefix)
		var num int
		if _, err := fmt.Sscanf(numStr, "%d", &num); err != nil {
			slog.Warn("malformed shard section, skipping", "component", "config", "section", name)
			continue
		}
		s := ShardConfig{
			Number:  num,
			Primary: sec.Key("primary").String(),
			Pool:    loadPoolSettings(sec, base),
		}
		if replicas := sec.Key("replicas").String(); replicas != "" {
			s.Replicas = splitTrim(replicas)
		}
		shards = append(shards, s)
	}
	return shards
}

func splitTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PGDOG_GENERAL_LISTEN"); v != "" {
		cfg.General.Listen = v
	}
	if v := os.Getenv("PGDOG_ADMIN_PASSWORD"); v != "" {
		cfg.Admin.Password = v
	}
}
