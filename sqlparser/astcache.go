package sqlparser

import (
	"bytes"
	"encoding/gob"
	"time"

	"github.com/pgdog/pgdog-go/cache"
	"github.com/pgdog/pgdog-go/metrics"
)

// DefaultTTL is how long a parsed statement stays cached; re-parsing is
// cheap but not free, and most proxied traffic is the same small set of
// prepared query shapes repeated at high frequency.
const DefaultTTL = 10 * time.Minute

// ASTCache caches Analyze's output keyed by normalized SQL text, reusing
// the teacher's tqmemory-backed Cache and its single-flight protection so
// a burst of identical cold queries only parses once.
type ASTCache struct {
	cache *cache.Cache
}

// NewASTCache wraps an existing cache.Cache (shared with, or separate
// from, any result cache the deployment also runs).
func NewASTCache(c *cache.Cache) *ASTCache {
	return &ASTCache{cache: c}
}

// Reset discards every cached parse tree, backing the admin RESET QUERY
// CACHE command.
func (a *ASTCache) Reset() error {
	return a.cache.Reset()
}

// Get returns the analyzed Statement for sql, parsing and populating the
// cache on a miss, and reports whether an already-cached parse tree was
// used. Concurrent callers with the same normalized text block on the
// first caller's parse rather than duplicating work.
func (a *ASTCache) Get(sql string) (*Statement, bool, error) {
	key := Normalize(sql)

	if raw, _, ok := a.cache.Get(key); ok {
		if st, err := decodeStatement(raw); err == nil {
			metrics.CacheHits.Inc()
			return st, true, nil
		}
	}

	raw, _, ok, waited := a.cache.GetOrWait(key)
	if ok {
		st, err := decodeStatement(raw)
		if err != nil {
			metrics.CacheMisses.Inc()
			return Analyze(sql), false, nil
		}
		metrics.CacheHits.Inc()
		return st, true, nil
	}
	if waited {
		// The other goroutine's parse failed or expired instantly; fall
		// back to parsing locally rather than retrying the cache.
		metrics.CacheMisses.Inc()
		return Analyze(sql), false, nil
	}

	metrics.CacheMisses.Inc()
	st := Analyze(sql)
	encoded, err := encodeStatement(st)
	if err != nil {
		a.cache.CancelInflight(key)
		return st, false, nil
	}
	a.cache.SetAndNotify(key, encoded, DefaultTTL)
	return st, false, nil
}

func encodeStatement(st *Statement) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(st); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeStatement(raw []byte) (*Statement, error) {
	var st Statement
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&st); err != nil {
		return nil, err
	}
	return &st, nil
}
