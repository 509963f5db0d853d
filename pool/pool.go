// Package pool manages the set of physical server connections behind one
// endpoint (a shard's primary or one of its replicas): checkout, checkin,
// banning, and the maintenance/healthcheck loops that keep the idle set
// sized and healthy. Generalizes the teacher's replica.Pool (a single
// primary + round-robin replica list) into a per-endpoint connection pool
// with a wait queue, following the checkout/checkin/move_conns_to design
// of pgdog's Rust Pool.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/pgdog/pgdog-go/config"
	"github.com/pgdog/pgdog-go/server"
)

// Errors returned by Checkout, matching the pool error kinds.
var (
	ErrCheckoutTimeout = errors.New("pool: checkout timed out")
	ErrBanned          = errors.New("pool: endpoint is banned")
	ErrShuttingDown    = errors.New("pool: pool is shutting down")
)

// BanReason records why an endpoint was banned, for SHOW POOLS/admin output.
type BanReason string

const (
	BanManual       BanReason = "manual"
	BanConnectError BanReason = "connect_error"
	BanHealthCheck  BanReason = "failed_healthcheck"
	BanRollback     BanReason = "failed_rollback"
)

type waiter struct {
	notify chan *server.Server
	err    chan error
}

// Pool holds every physical connection to a single backend endpoint.
type Pool struct {
	addr     server.Address
	settings config.PoolSettings
	log      *slog.Logger

	mu         sync.Mutex
	idle       []*server.Server
	checkedOut map[*server.Server]struct{}
	waiters    []*waiter
	banned     bool
	banReason  BanReason
	bannable   bool // manual bans always apply; a pool created with
	// bannable=false (e.g. the only replica of a single-replica shard)
	// never bans itself on connect, healthcheck or rollback failures.
	shuttingDown bool
	closed       bool

	stopMaintenance chan struct{}
	maintenanceDone chan struct{}

	// OIDs caches this endpoint's non-builtin type OIDs, filled by the
	// admin SETUP SCHEMA command; nothing in the query path reads it.
	OIDs *OIDCache
	// Counters accumulates per-pool assignment/transaction/query counts
	// surfaced by SHOW STATS and SHOW POOLS.
	Counters *Counters
}

// New constructs a pool for one endpoint. It does not connect eagerly;
// the maintenance loop creates connections up to MinPoolSize once started.
func New(addr server.Address, settings config.PoolSettings, bannable bool, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		addr:            addr,
		settings:        settings,
		log:             logger.With("component", "pool", "addr", addr.String()),
		checkedOut:      map[*server.Server]struct{}{},
		bannable:        bannable,
		stopMaintenance: make(chan struct{}),
		maintenanceDone: make(chan struct{}),
		OIDs:            NewOIDCache(),
		Counters:        NewCounters(),
	}
}

// Start launches the maintenance loop. Call once. HealthcheckLoop is
// started separately by the owner of the pool.
func (p *Pool) Start(ctx context.Context) {
	go p.maintenanceLoop(ctx)
}

// Checkout removes one idle connection, or creates one if below
// MaxPoolSize, or waits in the FIFO queue until one is checked in or the
// checkout timeout elapses. Implements the five-step algorithm: fast path
// idle take, ban check, create-on-demand, wait-queue enqueue, timeout.
func (p *Pool) Checkout(ctx context.Context) (*server.Server, error) {
	start := time.Now()
	p.mu.Lock()
	if p.shuttingDown || p.closed {
		p.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if p.banned {
		p.mu.Unlock()
		return nil, ErrBanned
	}
	if n := len(p.idle); n > 0 {
		s := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.checkedOut[s] = struct{}{}
		p.mu.Unlock()
		s.Touch()
		p.Counters.RecordAssignment(uint64(time.Since(start).Microseconds()))
		return s, nil
	}
	if len(p.checkedOut) < p.settings.MaxPoolSize {
		p.mu.Unlock()
		s, err := p.connect(ctx)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.checkedOut[s] = struct{}{}
		p.mu.Unlock()
		p.Counters.RecordAssignment(uint64(time.Since(start).Microseconds()))
		return s, nil
	}

	w := &waiter{notify: make(chan *server.Server, 1), err: make(chan error, 1)}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	timeout := p.settings.CheckoutTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case s := <-w.notify:
		p.Counters.RecordAssignment(uint64(time.Since(start).Microseconds()))
		return s, nil
	case err := <-w.err:
		return nil, err
	case <-timer.C:
		p.removeWaiter(w)
		return nil, ErrCheckoutTimeout
	case <-ctx.Done():
		p.removeWaiter(w)
		return nil, ctx.Err()
	}
}

func (p *Pool) removeWaiter(target *waiter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.waiters {
		if w == target {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

func (p *Pool) connect(ctx context.Context) (*server.Server, error) {
	cctx, cancel := context.WithTimeout(ctx, p.settings.ConnectTimeout)
	defer cancel()
	s, err := server.Connect(cctx, p.addr, p.settings.ConnectTimeout, p.settings.RollbackTimeout, p.log)
	if err != nil {
		if p.bannable {
			p.Ban(BanConnectError)
		}
		return nil, fmt.Errorf("pool: connect: %w", err)
	}
	return s, nil
}

// CheckinResult reports what Checkin decided, for metrics/logging.
type CheckinResult struct {
	Banned     bool
	Replenish  bool
	Discarded  bool
}

// Checkin returns a connection to the pool: a waiter is handed it directly
// if any are queued, otherwise it is cleaned up (rolled back, DISCARD
// ALL) and pushed onto the idle stack, unless the cleanup itself fails, in
// which case the connection is discarded and the pool is banned (when
// bannable).
func (p *Pool) Checkin(s *server.Server) CheckinResult {
	p.mu.Lock()
	delete(p.checkedOut, s)

	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.checkedOut[s] = struct{}{}
		p.mu.Unlock()
		s.Touch()
		w.notify <- s
		return CheckinResult{}
	}
	shuttingDown := p.shuttingDown
	p.mu.Unlock()

	if err := s.Cleanup(); err != nil {
		p.log.Warn("checkin cleanup failed, discarding connection", "error", err)
		s.Close()
		if p.bannable {
			p.Ban(BanRollback)
		}
		return CheckinResult{Banned: p.bannable, Discarded: true}
	}

	if shuttingDown {
		s.Close()
		return CheckinResult{Discarded: true}
	}

	p.mu.Lock()
	p.idle = append(p.idle, s)
	p.mu.Unlock()
	return CheckinResult{Replenish: true}
}

// Ban marks the endpoint unusable for new checkouts until Unban (or
// Resume) is called. Bans of every reason last until then: there is no
// timeout, and the maintenance loop does not clear them.
func (p *Pool) Ban(reason BanReason) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.banned {
		return
	}
	p.banned = true
	p.banReason = reason
	p.log.Warn("endpoint banned", "reason", reason)
}

// Unban clears a ban, manual or automatic.
func (p *Pool) Unban() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.banned = false
	p.banReason = ""
}

// Banned reports whether the pool currently refuses checkouts.
func (p *Pool) Banned() (bool, BanReason) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.banned, p.banReason
}

// Stats is a snapshot for SHOW POOLS.
type Stats struct {
	Address    string
	Idle       int
	CheckedOut int
	Waiting    int
	Banned     bool
}

// Stats returns a point-in-time snapshot.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Address:    p.addr.String(),
		Idle:       len(p.idle),
		CheckedOut: len(p.checkedOut),
		Waiting:    len(p.waiters),
		Banned:     p.banned,
	}
}

// Pause stops handing out new connections without closing existing ones:
// it sets a manual ban, so connections already checked out are
// unaffected and new Checkout calls fail with ErrBanned until Resume.
func (p *Pool) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.banned = true
	p.banReason = BanManual
}

// Resume reverses Pause.
func (p *Pool) Resume() { p.Unban() }

// DisconnectIdle closes every currently idle connection without touching
// checked-out ones or the ban/shutdown state; the maintenance loop
// replenishes MinPoolSize on its next tick. Backs the admin RECONNECT
// command, which forces stale idle connections to be replaced without
// tearing down the pool the way Shutdown does.
func (p *Pool) DisconnectIdle() {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()
	for _, s := range idle {
		s.Close()
	}
}

// Shutdown drains the pool: refuses new checkouts, fails queued waiters,
// closes idle connections and stops the maintenance loop. It does not
// wait for checked-out connections; Checkin closes each of them when it
// comes back.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.shuttingDown = true
	idle := p.idle
	p.idle = nil
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	for _, s := range idle {
		s.Close()
	}
	for _, w := range waiters {
		w.err <- ErrShuttingDown
	}
	close(p.stopMaintenance)
	<-p.maintenanceDone
}

// MoveConnsTo transfers every idle and checked-out connection to dst and
// marks this pool as shut down, the zero-downtime reload mechanism: a
// config change builds a brand new *Pool, then migrates the old pool's
// live connections into it so no in-flight session is disrupted.
func (p *Pool) MoveConnsTo(dst *Pool) {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	checkedOut := make([]*server.Server, 0, len(p.checkedOut))
	for s := range p.checkedOut {
		checkedOut = append(checkedOut, s)
	}
	p.checkedOut = map[*server.Server]struct{}{}
	p.shuttingDown = true
	p.mu.Unlock()

	dst.mu.Lock()
	dst.idle = append(dst.idle, idle...)
	for _, s := range checkedOut {
		dst.checkedOut[s] = struct{}{}
	}
	dst.mu.Unlock()
}

// maintenanceLoop creates connections up to MinPoolSize and evicts idle
// connections past IdleTimeout or MaxAge; it does not touch bans. It runs
// every 333ms, matching the Rust pool's maintenance cadence (a ticker,
// since cron's @every rounds intervals below one second up to a second).
func (p *Pool) maintenanceLoop(ctx context.Context) {
	defer close(p.maintenanceDone)

	t := time.NewTicker(333 * time.Millisecond)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			p.runMaintenance(ctx)
		case <-ctx.Done():
			return
		case <-p.stopMaintenance:
			return
		}
	}
}

func (p *Pool) runMaintenance(ctx context.Context) {
	p.mu.Lock()
	if p.shuttingDown || p.closed {
		p.mu.Unlock()
		return
	}
	total := len(p.idle) + len(p.checkedOut)
	need := p.settings.MinPoolSize - total
	var keep []*server.Server
	var evict []*server.Server
	for _, s := range p.idle {
		if s.IdleFor() > p.settings.IdleTimeout || s.Age() > p.settings.MaxAge {
			evict = append(evict, s)
			continue
		}
		keep = append(keep, s)
	}
	p.idle = keep
	p.mu.Unlock()

	for _, s := range evict {
		s.Close()
	}

	for i := 0; i < need; i++ {
		s, err := p.connect(ctx)
		if err != nil {
			p.log.Debug("maintenance connect failed", "error", err)
			break
		}
		p.mu.Lock()
		p.idle = append(p.idle, s)
		p.mu.Unlock()
	}
}

// HealthcheckLoop pings every idle connection on HealthcheckInterval,
// discarding and banning the pool if a check fails, catching connections
// that silently died without anyone noticing.
func (p *Pool) HealthcheckLoop(ctx context.Context) {
	interval := p.settings.HealthcheckInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	c := cron.New()
	spec := fmt.Sprintf("@every %s", interval.String())
	if _, err := c.AddFunc(spec, p.checkIdle); err != nil {
		p.log.Error("failed to schedule healthcheck", "error", err)
		return
	}
	c.Start()
	defer c.Stop()

	select {
	case <-ctx.Done():
	case <-p.stopMaintenance:
	}
}

func (p *Pool) checkIdle() {
	p.mu.Lock()
	candidates := append([]*server.Server{}, p.idle...)
	p.mu.Unlock()

	for _, s := range candidates {
		if err := s.Ping(); err != nil {
			p.mu.Lock()
			for i, c := range p.idle {
				if c == s {
					p.idle = append(p.idle[:i], p.idle[i+1:]...)
					break
				}
			}
			p.mu.Unlock()
			s.Close()
			if p.bannable {
				p.Ban(BanHealthCheck)
			}
		}
	}
}
