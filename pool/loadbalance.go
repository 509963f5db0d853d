package pool

import (
	"errors"
	"math/rand"
	"sync/atomic"
)

// ErrAllReplicasDown is returned when every candidate pool is banned.
var ErrAllReplicasDown = errors.New("pool: all replicas down")

// Selector picks among several candidate pools (a shard's replica set, or
// occasionally a primary falling back as a replica) using the configured
// load-balancing strategy. Generalizes the teacher's round-robin-with-
// healthy-skip GetReplica into a pluggable strategy with a ban-aware
// retry-once escalation.
type Selector struct {
	strategy string
	rrIndex  atomic.Uint64
}

// NewSelector builds a Selector for the given strategy name: "random",
// "round_robin", or "least_active_connections". Unknown names fall back
// to round_robin.
func NewSelector(strategy string) *Selector {
	return &Selector{strategy: strategy}
}

// Pick chooses one unbanned pool from candidates. If every pool is
// banned, it retries once (bans can clear between the first and second
// pass under concurrent load) before returning ErrAllReplicasDown.
func (sel *Selector) Pick(candidates []*Pool) (*Pool, error) {
	p, err := sel.pickOnce(candidates)
	if err == nil {
		return p, nil
	}
	p, err = sel.pickOnce(candidates)
	if err != nil {
		return nil, ErrAllReplicasDown
	}
	return p, nil
}

func (sel *Selector) pickOnce(candidates []*Pool) (*Pool, error) {
	var live []*Pool
	for _, p := range candidates {
		if banned, _ := p.Banned(); !banned {
			live = append(live, p)
		}
	}
	if len(live) == 0 {
		return nil, ErrAllReplicasDown
	}
	switch sel.strategy {
	case "random":
		return live[rand.Intn(len(live))], nil
	case "least_active_connections":
		best := live[0]
		bestCount := best.Stats().CheckedOut
		for _, p := range live[1:] {
			if c := p.Stats().CheckedOut; c < bestCount {
				best, bestCount = p, c
			}
		}
		return best, nil
	default: // round_robin
		idx := sel.rrIndex.Add(1) - 1
		return live[int(idx)%len(live)], nil
	}
}
