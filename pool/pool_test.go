package pool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pgdog/pgdog-go/config"
	"github.com/pgdog/pgdog-go/server"
)

func testSettings() config.PoolSettings {
	return config.PoolSettings{
		MinPoolSize:     0,
		MaxPoolSize:     0,
		CheckoutTimeout: 20 * time.Millisecond,
		ConnectTimeout:  20 * time.Millisecond,
		IdleTimeout:     time.Minute,
		MaxAge:          time.Hour,
	}
}

func testAddr() server.Address {
	return server.Address{Host: "127.0.0.1", Port: 5432, Database: "pgdog_test", User: "pgdog"}
}

// TestPool_CheckoutTimeout exercises §8 scenario 5's exhausted-pool path:
// with MaxPoolSize 0 there is never an idle or creatable connection, so
// Checkout must time out rather than block forever.
func TestPool_CheckoutTimeout(t *testing.T) {
	p := New(testAddr(), testSettings(), true, nil)

	_, err := p.Checkout(context.Background())
	if !errors.Is(err, ErrCheckoutTimeout) {
		t.Fatalf("Checkout error = %v, want %v", err, ErrCheckoutTimeout)
	}
}

// TestPool_BannedCheckoutRejected exercises §8 scenario 5's ban path: a
// banned pool must refuse every checkout until unbanned, without ever
// reaching the wait queue.
func TestPool_BannedCheckoutRejected(t *testing.T) {
	p := New(testAddr(), testSettings(), true, nil)

	p.Ban(BanManual)
	banned, reason := p.Banned()
	if !banned || reason != BanManual {
		t.Fatalf("Banned() = (%v, %v), want (true, %v)", banned, reason, BanManual)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := p.Checkout(ctx); !errors.Is(err, ErrBanned) {
		t.Fatalf("Checkout error = %v, want %v", err, ErrBanned)
	}

	p.Unban()
	banned, _ = p.Banned()
	if banned {
		t.Fatal("pool still banned after Unban")
	}
}

// TestPool_PauseResume checks that Pause acts as a manual ban that Resume
// clears, matching the admin PAUSE/RESUME semantics (§4.7).
func TestPool_PauseResume(t *testing.T) {
	p := New(testAddr(), testSettings(), true, nil)

	p.Pause()
	banned, reason := p.Banned()
	if !banned || reason != BanManual {
		t.Fatalf("Banned() after Pause = (%v, %v), want (true, %v)", banned, reason, BanManual)
	}

	p.Resume()
	if banned, _ := p.Banned(); banned {
		t.Fatal("pool still banned after Resume")
	}
}

// TestPool_ShutdownRejectsCheckout exercises §8 scenario 5's shutdown
// path: once Shutdown returns, every subsequent Checkout must fail
// immediately with ErrShuttingDown.
func TestPool_ShutdownRejectsCheckout(t *testing.T) {
	p := New(testAddr(), testSettings(), true, nil)
	p.Start(context.Background())

	p.Shutdown()

	if _, err := p.Checkout(context.Background()); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("Checkout error = %v, want %v", err, ErrShuttingDown)
	}
}

// TestPool_DisconnectIdleOnEmptyPool checks RECONNECT's underlying
// primitive is a safe no-op when there is nothing idle to close.
func TestPool_DisconnectIdleOnEmptyPool(t *testing.T) {
	p := New(testAddr(), testSettings(), true, nil)
	p.DisconnectIdle()

	stats := p.Stats()
	if stats.Idle != 0 || stats.CheckedOut != 0 {
		t.Fatalf("Stats() = %+v, want zeroed idle/checked-out", stats)
	}
}

// TestPool_Stats reflects ban state for SHOW POOLS.
func TestPool_Stats(t *testing.T) {
	p := New(testAddr(), testSettings(), true, nil)
	p.Ban(BanConnectError)

	stats := p.Stats()
	if !stats.Banned {
		t.Fatal("Stats().Banned = false, want true after Ban")
	}
	if stats.Address == "" {
		t.Fatal("Stats().Address is empty")
	}
}

// TestPool_CountersStartZeroed checks the counters the admin SHOW STATS
// command reads start at zero rather than nil-panicking on first read.
func TestPool_CountersStartZeroed(t *testing.T) {
	p := New(testAddr(), testSettings(), true, nil)
	snap := p.Counters.Snapshot()
	if snap.ServerAssignCount != 0 || snap.TotalQueryCount != 0 || snap.TotalXactCount != 0 {
		t.Fatalf("Snapshot() = %+v, want all zero", snap)
	}
}
