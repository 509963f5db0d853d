// Package admin implements the synthetic admin-database backend answering
// the SQL surface of spec §4.7 (PAUSE/RESUME/RELOAD/RECONNECT/SHUTDOWN/
// SHOW .../SET/SETUP SCHEMA/RESET QUERY CACHE). It is grounded on the
// teacher's postgres.go handleShowTQDBStatus, generalized from a single
// hardcoded two-column SHOW into a dispatch table of named commands, each
// producing RowDescription+DataRows or a bare CommandComplete.
package admin

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pgdog/pgdog-go/cluster"
	"github.com/pgdog/pgdog-go/config"
	"github.com/pgdog/pgdog-go/metrics"
	"github.com/pgdog/pgdog-go/pool"
	"github.com/pgdog/pgdog-go/session"
	"github.com/pgdog/pgdog-go/sqlparser"
)

// Backend implements session.AdminBackend.
type Backend struct {
	registry   *cluster.Registry
	astCache   *sqlparser.ASTCache
	cancelReg  *session.CancelRegistry
	configPath string
	shutdown   func()
	log        *slog.Logger

	mu       sync.Mutex
	settings map[string]string
}

// New constructs an admin Backend. shutdown is called once, from the
// SHUTDOWN command, to begin a graceful process exit.
func New(registry *cluster.Registry, astCache *sqlparser.ASTCache, cancelReg *session.CancelRegistry, configPath string, shutdown func(), logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{
		registry:   registry,
		astCache:   astCache,
		cancelReg:  cancelReg,
		configPath: configPath,
		shutdown:   shutdown,
		log:        logger.With("component", "admin"),
		settings:   map[string]string{},
	}
}

// Handle dispatches one admin-database simple Query.
func (b *Backend) Handle(ctx context.Context, sql string) (*session.AdminResult, error) {
	fields := strings.Fields(strings.TrimSuffix(strings.TrimSpace(sql), ";"))
	if len(fields) == 0 {
		return nil, fmt.Errorf("admin: empty command")
	}
	cmd := strings.ToUpper(fields[0])

	switch cmd {
	case "PAUSE":
		return b.pauseResume(fields[1:], (*pool.Pool).Pause, "PAUSE")
	case "RESUME":
		return b.pauseResume(fields[1:], (*pool.Pool).Resume, "RESUME")
	case "RECONNECT":
		return b.pauseResume(fields[1:], (*pool.Pool).DisconnectIdle, "RECONNECT")
	case "RELOAD":
		return b.reload(ctx)
	case "SHUTDOWN":
		if b.shutdown != nil {
			go b.shutdown()
		}
		return &session.AdminResult{Tag: "SHUTDOWN"}, nil
	case "SET":
		return b.set(fields[1:])
	case "SETUP":
		if len(fields) >= 2 && strings.EqualFold(fields[1], "SCHEMA") {
			return b.setupSchema(ctx)
		}
		return nil, fmt.Errorf("admin: unknown command %q", sql)
	case "RESET":
		if len(fields) >= 3 && strings.EqualFold(fields[1], "QUERY") && strings.EqualFold(fields[2], "CACHE") {
			if err := b.astCache.Reset(); err != nil {
				return nil, fmt.Errorf("admin: reset query cache: %w", err)
			}
			return &session.AdminResult{Tag: "RESET"}, nil
		}
		return nil, fmt.Errorf("admin: unknown command %q", sql)
	case "SHOW":
		if len(fields) < 2 {
			return nil, fmt.Errorf("admin: SHOW requires an argument")
		}
		return b.show(strings.ToUpper(fields[1]))
	default:
		return nil, fmt.Errorf("admin: unknown command %q", sql)
	}
}

// matchingPools returns every pool (primary + replicas) across every
// cluster, optionally narrowed to a single user and/or database, for
// PAUSE/RESUME/RECONNECT's "[user [database]]" argument form.
func (b *Backend) matchingPools(args []string) []*pool.Pool {
	var user, database string
	if len(args) > 0 {
		user = args[0]
	}
	if len(args) > 1 {
		database = args[1]
	}

	var out []*pool.Pool
	for _, c := range b.registry.All() {
		if user != "" && !strings.EqualFold(c.User, user) {
			continue
		}
		if database != "" && !strings.EqualFold(c.Name, database) {
			continue
		}
		for _, sh := range c.Shards {
			if sh.Primary != nil {
				out = append(out, sh.Primary)
			}
			out = append(out, sh.Replicas...)
		}
	}
	return out
}

func (b *Backend) pauseResume(args []string, op func(*pool.Pool), tag string) (*session.AdminResult, error) {
	for _, p := range b.matchingPools(args) {
		op(p)
	}
	return &session.AdminResult{Tag: tag}, nil
}

func (b *Backend) reload(ctx context.Context) (*session.AdminResult, error) {
	if b.configPath == "" {
		return nil, fmt.Errorf("admin: RELOAD requires a config path")
	}
	cfg, err := config.Load(b.configPath)
	if err != nil {
		return nil, fmt.Errorf("admin: reload: %w", err)
	}
	if err := b.registry.Reload(ctx, cfg, b.log); err != nil {
		return nil, fmt.Errorf("admin: reload: %w", err)
	}
	return &session.AdminResult{Tag: "RELOAD"}, nil
}

func (b *Backend) set(args []string) (*session.AdminResult, error) {
	if len(args) < 3 || args[1] != "=" {
		return nil, fmt.Errorf("admin: SET requires \"key = value\"")
	}
	b.mu.Lock()
	b.settings[strings.ToLower(args[0])] = strings.Trim(strings.Join(args[2:], " "), "'\"")
	b.mu.Unlock()
	return &session.AdminResult{Tag: "SET"}, nil
}

// setupSchema learns every non-builtin type OID (oid >= 16384) from each
// cluster's primary into that primary pool's Pool.OIDs. It is the only
// writer of the OID cache; the merger's decoders do not read it.
func (b *Backend) setupSchema(ctx context.Context) (*session.AdminResult, error) {
	learned := 0
	for _, c := range b.registry.All() {
		for _, sh := range c.Shards {
			if sh.Primary == nil {
				continue
			}
			n, err := learnOIDs(ctx, sh.Primary)
			if err != nil {
				b.log.Warn("setup schema failed for shard", "cluster", c.Name, "shard", sh.Number, "error", err)
				continue
			}
			learned += n
		}
	}
	return &session.AdminResult{
		Columns: []string{"learned_oids"},
		Rows:    [][]string{{strconv.Itoa(learned)}},
		Tag:     "SETUP SCHEMA",
	}, nil
}

func learnOIDs(ctx context.Context, p *pool.Pool) (int, error) {
	srv, err := p.Checkout(ctx)
	if err != nil {
		return 0, err
	}
	defer p.Checkin(srv)

	rows, err := srv.QueryRows("SELECT oid, typname FROM pg_type WHERE oid >= 16384")
	if err != nil {
		return 0, err
	}
	for _, row := range rows {
		if len(row) != 2 || row[0] == nil || row[1] == nil {
			continue
		}
		oid, err := strconv.ParseUint(string(row[0]), 10, 32)
		if err != nil {
			continue
		}
		p.OIDs.Learn(uint32(oid), string(row[1]))
	}
	return len(rows), nil
}

func (b *Backend) show(what string) (*session.AdminResult, error) {
	switch what {
	case "CLIENTS":
		return b.showClients(), nil
	case "POOLS", "SERVERS":
		return b.showPools(), nil
	case "STATS":
		return b.showStats(), nil
	default:
		return nil, fmt.Errorf("admin: unknown SHOW target %q", what)
	}
}

func (b *Backend) showClients() *session.AdminResult {
	clients := b.cancelReg.Snapshot()
	sort.Slice(clients, func(i, j int) bool { return clients[i].PID < clients[j].PID })
	rows := make([][]string, 0, len(clients))
	for _, c := range clients {
		rows = append(rows, []string{strconv.FormatUint(uint64(c.PID), 10), c.User, c.Database})
	}
	return &session.AdminResult{
		Columns: []string{"pid", "user", "database"},
		Rows:    rows,
		Tag:     fmt.Sprintf("SELECT %d", len(rows)),
	}
}

func (b *Backend) showPools() *session.AdminResult {
	var rows [][]string
	for _, c := range b.registry.All() {
		for _, sh := range c.Shards {
			if sh.Primary != nil {
				rows = append(rows, poolRow(c, sh.Number, "primary", sh.Primary))
			}
			for _, rp := range sh.Replicas {
				rows = append(rows, poolRow(c, sh.Number, "replica", rp))
			}
		}
	}
	return &session.AdminResult{
		Columns: []string{"database", "user", "shard", "role", "addr", "idle", "checked_out", "waiting", "banned"},
		Rows:    rows,
		Tag:     fmt.Sprintf("SELECT %d", len(rows)),
	}
}

func poolRow(c *cluster.Cluster, shard int, role string, p *pool.Pool) []string {
	st := p.Stats()
	metrics.SetPoolGauges(c.Name, strconv.Itoa(shard), role, st.Idle, st.CheckedOut, st.Waiting, st.Banned)
	return []string{
		c.Name,
		c.User,
		strconv.Itoa(shard),
		role,
		st.Address,
		strconv.Itoa(st.Idle),
		strconv.Itoa(st.CheckedOut),
		strconv.Itoa(st.Waiting),
		strconv.FormatBool(st.Banned),
	}
}

func (b *Backend) showStats() *session.AdminResult {
	var rows [][]string
	for _, c := range b.registry.All() {
		for _, sh := range c.Shards {
			if sh.Primary != nil {
				rows = append(rows, statsRow(c, sh.Number, "primary", sh.Primary))
			}
			for _, rp := range sh.Replicas {
				rows = append(rows, statsRow(c, sh.Number, "replica", rp))
			}
		}
	}
	return &session.AdminResult{
		Columns: []string{"database", "user", "shard", "role", "server_assignment_count", "total_wait_time_us", "total_xact_count", "total_query_count"},
		Rows:    rows,
		Tag:     fmt.Sprintf("SELECT %d", len(rows)),
	}
}

func statsRow(c *cluster.Cluster, shard int, role string, p *pool.Pool) []string {
	snap := p.Counters.Snapshot()
	st := p.Stats()
	metrics.SetPoolGauges(c.Name, strconv.Itoa(shard), role, st.Idle, st.CheckedOut, st.Waiting, st.Banned)
	return []string{
		c.Name,
		c.User,
		strconv.Itoa(shard),
		role,
		strconv.FormatUint(snap.ServerAssignCount, 10),
		strconv.FormatUint(snap.TotalWaitTimeMicros, 10),
		strconv.FormatUint(snap.TotalXactCount, 10),
		strconv.FormatUint(snap.TotalQueryCount, 10),
	}
}
