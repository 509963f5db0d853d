// Package listener accepts client TCP (and optional Unix socket)
// connections and hands each one to a new session.Session, the top-level
// wiring the teacher's proxy.Proxy.Start/acceptLoop performs for a single
// backend, generalized to pgdog's cluster registry and admin backend.
package listener

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync/atomic"

	"github.com/pgdog/pgdog-go/cluster"
	"github.com/pgdog/pgdog-go/session"
	"github.com/pgdog/pgdog-go/sqlparser"
)

// Listener accepts connections on a TCP address and, optionally, a Unix
// socket, dispatching each to a fresh session.Session.
type Listener struct {
	registry  *cluster.Registry
	astCache  *sqlparser.ASTCache
	cancelReg *session.CancelRegistry
	admin     session.AdminBackend
	adminName string
	tlsConfig *tls.Config
	log       *slog.Logger

	connCounter atomic.Uint32
}

// New constructs a Listener. admin and adminName may be zero-valued if no
// admin database is configured, in which case no connection is ever
// treated as an admin session. cancelReg is shared with the admin backend
// so SHOW CLIENTS sees every session this listener has accepted.
func New(registry *cluster.Registry, astCache *sqlparser.ASTCache, cancelReg *session.CancelRegistry, admin session.AdminBackend, adminName string, tlsConfig *tls.Config, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		registry:  registry,
		astCache:  astCache,
		cancelReg: cancelReg,
		admin:     admin,
		adminName: adminName,
		tlsConfig: tlsConfig,
		log:       logger.With("component", "listener"),
	}
}

// ListenAndServe opens the TCP listener at addr (and, if socket is
// non-empty, a Unix socket) and accepts connections until ctx is
// cancelled. It blocks until the TCP listener closes.
func (l *Listener) ListenAndServe(ctx context.Context, addr, socket string) error {
	tcpListener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listener: tcp listen: %w", err)
	}
	l.log.Info("listening", "addr", addr, "transport", "tcp")

	if socket != "" {
		if err := os.Remove(socket); err != nil && !os.IsNotExist(err) {
			l.log.Warn("could not remove stale unix socket", "socket", socket, "error", err)
		}
		unixListener, err := net.Listen("unix", socket)
		if err != nil {
			return fmt.Errorf("listener: unix listen: %w", err)
		}
		l.log.Info("listening", "socket", socket, "transport", "unix")
		go l.acceptLoop(ctx, unixListener)
	}

	go func() {
		<-ctx.Done()
		tcpListener.Close()
	}()

	l.acceptLoop(ctx, tcpListener)
	return nil
}

func (l *Listener) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.log.Warn("accept error", "error", err)
			continue
		}
		connID := l.connCounter.Add(1)
		go l.handleConnection(ctx, conn, connID)
	}
}

func (l *Listener) handleConnection(ctx context.Context, conn net.Conn, connID uint32) {
	logger := l.log.With("conn", connID, "remote", conn.RemoteAddr())
	s := session.New(conn, l.registry, l.astCache, l.cancelReg, l.admin, l.adminName, l.tlsConfig, logger)
	if err := s.Run(ctx); err != nil {
		logger.Debug("session ended", "error", err)
	}
}
