package pool

import "sync"

// OIDCache remembers user-defined type OIDs (enums, domains, composite
// types) and their type names. It is filled in bulk by the admin SETUP
// SCHEMA command; it is not learned from query traffic, and the merger's
// decoders do not consult it.
type OIDCache struct {
	mu    sync.RWMutex
	names map[uint32]string
}

// NewOIDCache returns an empty cache.
func NewOIDCache() *OIDCache {
	return &OIDCache{names: map[uint32]string{}}
}

// Learn records that oid denotes typeName, as read by SETUP SCHEMA's
// `SELECT oid, typname FROM pg_type WHERE oid >= 16384`.
func (c *OIDCache) Learn(oid uint32, typeName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.names[oid] = typeName
}

// Lookup returns the known type name for oid, if any.
func (c *OIDCache) Lookup(oid uint32) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.names[oid]
	return n, ok
}

// CounterSnapshot is a point-in-time, lock-free copy of Counters.
type CounterSnapshot struct {
	ServerAssignCount   uint64
	TotalWaitTimeMicros uint64
	TotalXactCount      uint64
	TotalQueryCount     uint64
}

// Counters tracks the per-pool lifetime statistics exposed by SHOW
// POOLS/SHOW STATS beyond simple idle/checked-out/waiting gauges.
type Counters struct {
	mu                  sync.Mutex
	serverAssignCount   uint64
	totalWaitTimeMicros uint64
	totalXactCount      uint64
	totalQueryCount     uint64
}

// NewCounters returns a zeroed set of counters.
func NewCounters() *Counters {
	return &Counters{}
}

// RecordAssignment increments the assignment counter and adds waitTime
// (microseconds) to the running total, called on every successful
// Checkout.
func (c *Counters) RecordAssignment(waitMicros uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.serverAssignCount++
	c.totalWaitTimeMicros += waitMicros
}

// RecordTransaction increments the transaction counter, called once per
// completed transaction (including implicit single-statement ones).
func (c *Counters) RecordTransaction() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalXactCount++
}

// RecordQuery increments the query counter.
func (c *Counters) RecordQuery() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalQueryCount++
}

// Snapshot returns a copy safe to read without holding the lock.
func (c *Counters) Snapshot() CounterSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CounterSnapshot{
		ServerAssignCount:   c.serverAssignCount,
		TotalWaitTimeMicros: c.totalWaitTimeMicros,
		TotalXactCount:      c.totalXactCount,
		TotalQueryCount:     c.totalQueryCount,
	}
}
