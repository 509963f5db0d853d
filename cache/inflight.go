package cache

import (
	"sync"

	"github.com/spaolacci/murmur3"
)

// inflightStripes is a fixed-width striped map from cache key to *flight,
// used instead of a single sync.Map so the single-flight bookkeeping for
// a hot cache miss doesn't serialize on one lock across every shard of
// the underlying tqmemory store. Stripe selection uses murmur3 rather
// than the PostgreSQL-compatible hash functions the router's sharding
// uses, since this distribution never needs to agree with a real
// server's hashing - it only has to spread keys evenly.
type inflightStripes struct {
	stripes [numStripes]stripe
}

const numStripes = 16

type stripe struct {
	mu sync.Mutex
	m  map[string]*flight
}

func newInflightStripes() *inflightStripes {
	s := &inflightStripes{}
	for i := range s.stripes {
		s.stripes[i].m = map[string]*flight{}
	}
	return s
}

func (s *inflightStripes) stripeFor(key string) *stripe {
	h := murmur3.Sum32([]byte(key))
	return &s.stripes[h%numStripes]
}

// loadOrStore returns the existing flight for key if present, otherwise
// stores f and returns (f, false).
func (s *inflightStripes) loadOrStore(key string, f *flight) (*flight, bool) {
	st := s.stripeFor(key)
	st.mu.Lock()
	defer st.mu.Unlock()
	if existing, ok := st.m[key]; ok {
		return existing, true
	}
	st.m[key] = f
	return f, false
}

func (s *inflightStripes) loadAndDelete(key string) (*flight, bool) {
	st := s.stripeFor(key)
	st.mu.Lock()
	defer st.mu.Unlock()
	f, ok := st.m[key]
	if ok {
		delete(st.m, key)
	}
	return f, ok
}
