// Package session drives the per-client-connection state machine:
// startup and authentication, buffering frontend messages to a
// synchronization point, routing and checking out server connections,
// relaying traffic through the cross-shard merger, transaction-mode
// checkin discipline, and prepared-statement name rewriting, per §4.6.
package session

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pgdog/pgdog-go/cluster"
	"github.com/pgdog/pgdog-go/pool"
	"github.com/pgdog/pgdog-go/server"
	"github.com/pgdog/pgdog-go/sqlparser"
	"github.com/pgdog/pgdog-go/wire"
)

var pidCounter uint32

// AdminResult is one admin-backend command's outcome, rendered to the
// client as RowDescription+DataRows (when Columns is non-empty) followed
// by CommandComplete(Tag).
type AdminResult struct {
	Columns []string
	Rows    [][]string
	Tag     string
}

// AdminBackend handles a simple Query sent against the admin database
// name, implementing §4.7's PAUSE/RESUME/RELOAD/SHOW/... command set.
type AdminBackend interface {
	Handle(ctx context.Context, sql string) (*AdminResult, error)
}

// binding is one server connection currently held by the session, tagged
// with the pool it must be returned to and the logical shard it serves.
type binding struct {
	shardNum int
	srv      *server.Server
	pool     *pool.Pool
}

// Session is one client TCP connection's state.
type Session struct {
	conn   net.Conn
	stream *wire.Stream
	log    *slog.Logger

	registry  *cluster.Registry
	astCache  *sqlparser.ASTCache
	cancelReg *CancelRegistry
	admin     AdminBackend
	adminName string
	tlsConfig *tls.Config

	user     string
	database string
	cluster  *cluster.Cluster
	isAdmin  bool

	backendPID    uint32
	backendSecret uint32

	poolerMode    string
	sessionParams map[string]string
	serverParams  map[*server.Server]map[string]string

	prepared      *preparedTable
	bindings      []*binding
	inTransaction bool
	pendingBegin  bool

	buffer []wire.Message
}

// New constructs a session for an accepted client connection. Call Run to
// drive it to completion; Run always closes conn before returning.
func New(conn net.Conn, registry *cluster.Registry, astCache *sqlparser.ASTCache, cancelReg *CancelRegistry, admin AdminBackend, adminName string, tlsConfig *tls.Config, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		conn:          conn,
		stream:        wire.NewStream(conn),
		log:           logger.With("component", "session", "remote", conn.RemoteAddr()),
		registry:      registry,
		astCache:      astCache,
		cancelReg:     cancelReg,
		admin:         admin,
		adminName:     adminName,
		tlsConfig:     tlsConfig,
		prepared:      newPreparedTable(),
		sessionParams: map[string]string{},
		serverParams:  map[*server.Server]map[string]string{},
		poolerMode:    "transaction",
	}
}

// Run performs the startup handshake and then drives the client's
// request loop until Terminate, disconnect, or a fatal protocol error.
func (s *Session) Run(ctx context.Context) error {
	defer s.conn.Close()
	defer s.releaseAllOnExit()

	cancelled, err := s.handshake()
	if err != nil {
		return err
	}
	if cancelled {
		return nil
	}

	s.cancelReg.register(s)
	defer s.cancelReg.unregister(s)

	for {
		m, err := s.stream.ReadMessage()
		if err != nil {
			return nil // client disconnect
		}
		if m.Type == wire.Terminate {
			return nil
		}
		s.buffer = append(s.buffer, m)
		if s.bufferFull(m) {
			if err := s.dispatch(ctx); err != nil {
				s.log.Warn("dispatch error", "error", err)
			}
			s.buffer = nil
		}
	}
}

// bufferFull reports whether the just-appended message ends a
// synchronization unit, per §4.6 step 3.
func (s *Session) bufferFull(last wire.Message) bool {
	switch last.Type {
	case wire.Query, wire.Sync, wire.Flush, wire.CopyDone, wire.CopyFail:
		return true
	}
	const copyThreshold = 1 << 20
	if last.Type == wire.CopyData {
		var n int
		for _, m := range s.buffer {
			n += len(m.Payload)
		}
		return n > copyThreshold
	}
	return false
}

// handshake performs §4.6 step 1: startup, optional TLS, authentication,
// parameter bootstrap, BackendKeyData, and ReadyForQuery. Returns
// cancelled=true if the connection turned out to be a CancelRequest,
// which the caller should simply close without further ado.
func (s *Session) handshake() (cancelled bool, err error) {
	payload, err := s.stream.ReadStartup()
	if err != nil {
		return false, err
	}

	if len(payload) == 4 {
		code := binary.BigEndian.Uint32(payload)
		switch code {
		case wire.SSLRequestCode:
			if err := s.negotiateTLS(); err != nil {
				return false, err
			}
			payload, err = s.stream.ReadStartup()
			if err != nil {
				return false, err
			}
		case wire.GSSENCRequestCode:
			if _, err := s.conn.Write([]byte{'N'}); err != nil {
				return false, err
			}
			payload, err = s.stream.ReadStartup()
			if err != nil {
				return false, err
			}
		}
	}

	if len(payload) == 12 {
		if code := binary.BigEndian.Uint32(payload[:4]); code == wire.CancelRequestCode {
			cr, err := wire.ParseCancelRequest(payload)
			if err != nil {
				return false, err
			}
			s.cancelReg.Cancel(cr)
			return true, nil
		}
	}

	startup, err := wire.ParseStartupMessage(payload)
	if err != nil {
		return false, err
	}
	s.user = startup.Parameters["user"]
	s.database = startup.Parameters["database"]
	if s.database == "" {
		s.database = s.user
	}
	for k, v := range parseOptions(startup.Parameters["options"]) {
		s.sessionParams[k] = v
	}

	s.isAdmin = s.adminName != "" && s.database == s.adminName

	if !s.isAdmin {
		c, ok := s.registry.Lookup(s.user, s.database)
		if !ok {
			s.sendFatal("3D000", fmt.Sprintf("database %q does not exist for user %q", s.database, s.user))
			return false, fmt.Errorf("session: unknown cluster %s/%s", s.user, s.database)
		}
		s.cluster = c
		s.poolerMode = c.PoolerMode
		if s.poolerMode == "" {
			s.poolerMode = "transaction"
		}
	}

	if err := s.authenticateClient(); err != nil {
		s.sendFatal("28P01", err.Error())
		return false, err
	}

	if err := s.writeFlush(wire.Authentication, wire.EncodeAuthOK()); err != nil {
		return false, err
	}

	params := s.bootstrapParameters()
	for name, value := range params {
		if err := s.writeFlush(wire.ParameterStatus, (&wire.ParameterStatus{Name: name, Value: value}).Encode()); err != nil {
			return false, err
		}
	}

	s.backendPID = atomic.AddUint32(&pidCounter, 1)
	var secretBuf [4]byte
	rand.Read(secretBuf[:])
	s.backendSecret = binary.BigEndian.Uint32(secretBuf[:])
	bkd := &wire.BackendKeyData{ProcessID: s.backendPID, SecretKey: s.backendSecret}
	if err := s.writeFlush(wire.BackendKeyData, bkd.Encode()); err != nil {
		return false, err
	}

	if err := s.writeFlush(wire.ReadyForQuery, wire.EncodeReadyForQuery(wire.TxStatusIdle)); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Session) negotiateTLS() error {
	if s.tlsConfig == nil {
		_, err := s.conn.Write([]byte{'N'})
		return err
	}
	if _, err := s.conn.Write([]byte{'S'}); err != nil {
		return err
	}
	tlsConn := tls.Server(s.conn, s.tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		return err
	}
	s.conn = tlsConn
	s.stream.Rewrap(tlsConn)
	return nil
}

func parseOptions(raw string) map[string]string {
	out := map[string]string{}
	fields := strings.Fields(raw)
	for i := 0; i < len(fields); i++ {
		if fields[i] == "-c" && i+1 < len(fields) {
			i++
			kv := strings.SplitN(fields[i], "=", 2)
			if len(kv) == 2 {
				out[kv[0]] = kv[1]
			}
		} else if strings.HasPrefix(fields[i], "-c") {
			kv := strings.SplitN(strings.TrimPrefix(fields[i], "-c"), "=", 2)
			if len(kv) == 2 {
				out[kv[0]] = kv[1]
			}
		}
	}
	return out
}

// authenticateClient runs MD5 over a plain TCP connection (matching the
// teacher's cleartext-only simplification generalized one step further)
// or SCRAM-SHA-256 once TLS is in place, per §4.6 step 1.
func (s *Session) authenticateClient() error {
	if s.isAdmin {
		return s.authenticateAgainst(s.adminPassword())
	}
	return s.authenticateAgainst(s.cluster.Password)
}

func (s *Session) adminPassword() string { return "" }

func (s *Session) authenticateAgainst(password string) error {
	_, isTLS := s.conn.(*tls.Conn)
	if !isTLS {
		return s.authenticateMD5(password)
	}
	return s.authenticateSCRAM(password)
}

func (s *Session) authenticateMD5(password string) error {
	var salt [4]byte
	rand.Read(salt[:])
	if err := s.writeFlush(wire.Authentication, wire.EncodeAuthMD5(salt)); err != nil {
		return err
	}
	m, err := s.stream.ReadMessage()
	if err != nil {
		return err
	}
	if m.Type != wire.PasswordMessage {
		return fmt.Errorf("session: expected password message, got %q", m.Type)
	}
	got := strings.TrimRight(string(m.Payload), "\x00")
	want := wire.MD5Password(s.user, password, salt)
	if got != want {
		return fmt.Errorf("session: password authentication failed for user %q", s.user)
	}
	return nil
}

func (s *Session) authenticateSCRAM(password string) error {
	if err := s.writeFlush(wire.Authentication, wire.EncodeAuthSASL("SCRAM-SHA-256")); err != nil {
		return err
	}
	m, err := s.stream.ReadMessage()
	if err != nil {
		return err
	}
	if m.Type != wire.PasswordMessage {
		return fmt.Errorf("session: expected SASL initial response, got %q", m.Type)
	}
	_, clientFirst, err := wire.ParseSASLInitialResponse(m.Payload)
	if err != nil {
		return err
	}
	clientFirst = stripGS2Header(clientFirst)

	srv, err := wire.NewScramServer(password)
	if err != nil {
		return err
	}
	serverFirst, err := srv.HandleClientFirst(clientFirst)
	if err != nil {
		return err
	}
	if err := s.writeFlush(wire.Authentication, wire.EncodeAuthSASLContinue(serverFirst)); err != nil {
		return err
	}

	m, err = s.stream.ReadMessage()
	if err != nil {
		return err
	}
	if m.Type != wire.PasswordMessage {
		return fmt.Errorf("session: expected SASL response, got %q", m.Type)
	}
	serverFinal, err := srv.VerifyClientFinal(string(m.Payload))
	if err != nil {
		return err
	}
	return s.writeFlush(wire.Authentication, wire.EncodeAuthSASLFinal(serverFinal))
}

// stripGS2Header removes the "n,," (or "y,," / "p=...,") channel-binding
// prefix a SCRAM client-first-message carries ahead of its "n=...,r=..."
// body, which ScramServer.HandleClientFirst expects already removed.
func stripGS2Header(clientFirst string) string {
	if idx := strings.Index(clientFirst, "n="); idx >= 0 {
		return clientFirst[idx:]
	}
	return clientFirst
}

// bootstrapParameters briefly checks out a connection to shard 0's
// primary to learn real backend parameter values, then returns it,
// matching §4.6 step 1's "obtain backend parameters" requirement rather
// than the teacher's hardcoded parameter-status stand-ins.
func (s *Session) bootstrapParameters() map[string]string {
	defaults := map[string]string{
		"server_version":   "16.0",
		"client_encoding":  "UTF8",
		"DateStyle":        "ISO, MDY",
		"TimeZone":         "UTC",
		"integer_datetimes": "on",
	}
	if s.isAdmin || s.cluster == nil || len(s.cluster.Shards) == 0 {
		return defaults
	}
	shard := s.cluster.Shards[0]
	if shard.Primary == nil {
		return defaults
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv, err := shard.Primary.Checkout(ctx)
	if err != nil {
		s.log.Warn("parameter bootstrap checkout failed, using defaults", "error", err)
		return defaults
	}
	defer shard.Primary.Checkin(srv)
	out := srv.ParameterStatus()
	if len(out) == 0 {
		return defaults
	}
	return out
}

func (s *Session) writeFlush(msgType byte, payload []byte) error {
	if err := s.stream.WriteMessage(msgType, payload); err != nil {
		return err
	}
	return s.stream.Flush()
}

func (s *Session) sendFatal(code, message string) {
	er := wire.NewErrorResponse("FATAL", code, message)
	s.writeFlush(wire.ErrorResponse, er.Encode())
}

func (s *Session) sendError(code, message string) {
	er := wire.NewErrorResponse("ERROR", code, message)
	s.writeFlush(wire.ErrorResponse, er.Encode())
}

// cancelHeldServers issues a CancelRequest to every server currently
// bound to this session, over a fresh connection to each, as real
// PostgreSQL cancellation requires.
func (s *Session) cancelHeldServers() {
	for _, b := range s.bindings {
		pid, secret := b.srv.BackendKeyData()
		addr := b.srv.Address
		conn, err := net.DialTimeout("tcp", net.JoinHostPort(addr.Host, strconv.Itoa(addr.Port)), 3*time.Second)
		if err != nil {
			continue
		}
		cr := &wire.CancelRequest{ProcessID: pid, SecretKey: secret}
		conn.Write(cr.Encode())
		conn.Close()
	}
}

// releaseAllOnExit returns every held server to its pool when the client
// disconnects mid-transaction, rather than leaking the connection.
func (s *Session) releaseAllOnExit() {
	for _, b := range s.bindings {
		b.pool.Checkin(b.srv)
	}
	s.bindings = nil
}

func (s *Session) bindingFor(shardNum int) (*binding, bool) {
	for _, b := range s.bindings {
		if b.shardNum == shardNum {
			return b, true
		}
	}
	return nil, false
}
