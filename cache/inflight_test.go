package cache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInflightStripes_LoadOrStore(t *testing.T) {
	s := newInflightStripes()
	f1 := &flight{done: make(chan struct{})}

	got, loaded := s.loadOrStore("key-a", f1)
	require.False(t, loaded)
	require.Same(t, f1, got)

	f2 := &flight{done: make(chan struct{})}
	got, loaded = s.loadOrStore("key-a", f2)
	require.True(t, loaded)
	require.Same(t, f1, got, "second store for the same key should return the first flight")
}

func TestInflightStripes_LoadAndDelete(t *testing.T) {
	s := newInflightStripes()
	f := &flight{done: make(chan struct{})}
	s.loadOrStore("key-b", f)

	got, ok := s.loadAndDelete("key-b")
	require.True(t, ok)
	require.Same(t, f, got)

	_, ok = s.loadAndDelete("key-b")
	require.False(t, ok, "key should no longer be present after delete")
}

func TestInflightStripes_DistributesAcrossStripes(t *testing.T) {
	s := newInflightStripes()
	seen := map[*stripe]bool{}
	for i := 0; i < 500; i++ {
		key := "key-" + string(rune('a'+i%26)) + string(rune(i))
		seen[s.stripeFor(key)] = true
	}
	require.Greater(t, len(seen), 1, "keys should spread across more than one stripe")
}
