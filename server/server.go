// Package server models one physical connection to a real PostgreSQL
// backend: dialing, startup/auth handshake, observed transaction state,
// and the cleanup protocol run before a connection is returned to its pool.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pgdog/pgdog-go/wire"
)

// Status is the observed state of a server connection, tracked from the
// messages it sends so the pool never checks in a connection mid-query.
type Status int

const (
	StatusIdle Status = iota
	StatusIdleInTransaction
	StatusTransactionError
	StatusStreaming // inside a COPY (set on CopyIn/CopyOut/CopyBoth response)
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusIdleInTransaction:
		return "idle_in_transaction"
	case StatusTransactionError:
		return "transaction_error"
	case StatusStreaming:
		return "streaming"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Address identifies a backend endpoint.
type Address struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	TLS      bool
}

func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port)) + "/" + a.Database
}

// Server is one physical connection to a backend endpoint.
type Server struct {
	Address Address

	stream *wire.Stream
	log    *slog.Logger

	mu             sync.Mutex
	status         Status
	preparedStmts  map[string]string // statement name -> query, to detect desync
	lastUsed       time.Time
	createdAt      time.Time
	backendPID     uint32
	backendSecret  uint32
	paramStatus    map[string]string
	dirty          atomic.Bool // set once any non-idempotent traffic crosses the wire
	rollbackTimeout time.Duration
}

// Connect dials a backend, performs the startup and authentication
// handshake (cleartext, MD5, or SCRAM-SHA-256, whichever the server
// requests), and leaves the connection idle and ready for use.
func Connect(ctx context.Context, addr Address, connectTimeout, rollbackTimeout time.Duration, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "server", "addr", addr.String())

	dialer := net.Dialer{Timeout: connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(addr.Host, strconv.Itoa(addr.Port)))
	if err != nil {
		return nil, fmt.Errorf("server: dial %s: %w", addr, err)
	}

	stream := wire.NewStream(conn)

	if addr.TLS {
		if err := negotiateTLS(stream, addr.Host); err != nil {
			conn.Close()
			return nil, fmt.Errorf("server: tls negotiation: %w", err)
		}
	}

	s := &Server{
		Address:         addr,
		stream:          stream,
		log:             logger,
		status:          StatusIdle,
		preparedStmts:   map[string]string{},
		paramStatus:     map[string]string{},
		createdAt:       time.Now(),
		lastUsed:        time.Now(),
		rollbackTimeout: rollbackTimeout,
	}

	if err := s.startup(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func negotiateTLS(s *wire.Stream, serverName string) error {
	req := make([]byte, 8)
	req[3] = 8
	copy(req[4:8], uint32beSSL())
	if _, err := s.Conn().Write(req); err != nil {
		return err
	}
	resp := make([]byte, 1)
	conn := s.Conn()
	n, err := conn.Read(resp)
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("server: short SSLRequest response")
	}
	if resp[0] != 'S' {
		return fmt.Errorf("server: backend refused TLS")
	}
	tlsConn := tls.Client(conn.(net.Conn), &tls.Config{ServerName: serverName, InsecureSkipVerify: true})
	if err := tlsConn.Handshake(); err != nil {
		return err
	}
	s.Rewrap(tlsConn)
	return nil
}

func uint32beSSL() []byte {
	b := make([]byte, 4)
	v := wire.SSLRequestCode
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
	return b
}

func (s *Server) Rewrap(conn net.Conn) { s.stream.Rewrap(conn) }

func (s *Server) startup() error {
	msg := &wire.StartupMessage{
		ProtocolVersion: wire.ProtocolVersion3,
		Parameters: map[string]string{
			"user":     s.Address.User,
			"database": s.Address.Database,
		},
	}
	if _, err := s.stream.Conn().Write(msg.Encode()); err != nil {
		return fmt.Errorf("server: send startup: %w", err)
	}

	for {
		m, err := s.stream.ReadMessage()
		if err != nil {
			return fmt.Errorf("server: read during auth: %w", err)
		}
		switch m.Type {
		case wire.Authentication:
			done, err := s.handleAuth(m.Payload)
			if err != nil {
				return err
			}
			if done {
				continue
			}
		case wire.ParameterStatus:
			ps, err := wire.ParseParameterStatus(m.Payload)
			if err != nil {
				return err
			}
			s.paramStatus[ps.Name] = ps.Value
		case wire.BackendKeyData:
			bkd, err := wire.ParseBackendKeyData(m.Payload)
			if err != nil {
				return err
			}
			s.backendPID, s.backendSecret = bkd.ProcessID, bkd.SecretKey
		case wire.ErrorResponse:
			er, _ := wire.ParseErrorResponse(m.Payload)
			msg, _ := er.Get(wire.FieldMessage)
			return fmt.Errorf("server: auth failed: %s", msg)
		case wire.ReadyForQuery:
			status, err := wire.ParseReadyForQuery(m.Payload)
			if err != nil {
				return err
			}
			s.setStatus(status)
			return nil
		}
	}
}

// handleAuth processes a single Authentication payload; returns true if a
// response was sent and the caller should keep reading.
func (s *Server) handleAuth(payload []byte) (bool, error) {
	am, err := wire.ParseAuthentication(payload)
	if err != nil {
		return false, err
	}
	switch am.Kind {
	case wire.AuthOK:
		return true, nil
	case wire.AuthCleartextPassword:
		return true, s.sendPassword(wire.PasswordMessage, []byte(s.Address.Password))
	case wire.AuthMD5Password:
		if len(am.Data) != 4 {
			return false, errors.New("server: malformed MD5 salt")
		}
		var salt [4]byte
		copy(salt[:], am.Data)
		hashed := wire.MD5Password(s.Address.User, s.Address.Password, salt)
		return true, s.sendPassword(wire.PasswordMessage, []byte(hashed))
	case wire.AuthSASL:
		return true, s.doSASL()
	default:
		return false, fmt.Errorf("server: unsupported auth method %d", am.Kind)
	}
}

func (s *Server) sendPassword(msgType byte, payload []byte) error {
	if err := s.stream.WriteMessage(msgType, payload); err != nil {
		return err
	}
	return s.stream.Flush()
}

func (s *Server) doSASL() error {
	client, err := wire.NewScramClient(s.Address.User, s.Address.Password)
	if err != nil {
		return err
	}
	first := client.FirstMessage()
	if err := s.sendPassword(wire.PasswordMessage, wire.EncodeSASLInitialResponse("SCRAM-SHA-256", first)); err != nil {
		return err
	}

	m, err := s.stream.ReadMessage()
	if err != nil {
		return err
	}
	if err := m.Expect(wire.Authentication); err != nil {
		return err
	}
	am, err := wire.ParseAuthentication(m.Payload)
	if err != nil {
		return err
	}
	if am.Kind != wire.AuthSASLContinue {
		return fmt.Errorf("server: expected SASLContinue, got kind %d", am.Kind)
	}
	final, err := client.HandleServerFirst(string(am.Data))
	if err != nil {
		return err
	}
	if err := s.sendPassword(wire.PasswordMessage, wire.EncodeSASLResponse(final)); err != nil {
		return err
	}

	m, err = s.stream.ReadMessage()
	if err != nil {
		return err
	}
	if err := m.Expect(wire.Authentication); err != nil {
		return err
	}
	am, err = wire.ParseAuthentication(m.Payload)
	if err != nil {
		return err
	}
	if am.Kind != wire.AuthSASLFinal {
		return fmt.Errorf("server: expected SASLFinal, got kind %d", am.Kind)
	}
	if err := client.VerifyServerFinal(string(am.Data)); err != nil {
		return err
	}
	return nil
}

func (s *Server) setStatus(txStatus byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch txStatus {
	case wire.TxStatusIdle:
		s.status = StatusIdle
	case wire.TxStatusInBlock:
		s.status = StatusIdleInTransaction
	case wire.TxStatusFailed:
		s.status = StatusTransactionError
	}
}

// Status returns the last observed transaction status.
func (s *Server) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// InSync reports whether the connection is safe to return to the pool:
// not mid-stream, not inside an open transaction, and not desynced.
func (s *Server) InSync() bool {
	st := s.Status()
	return st == StatusIdle
}

// Stream exposes the underlying framed connection for the session/merge
// layers to read and write messages directly (wire-exact relay).
func (s *Server) Stream() *wire.Stream { return s.stream }

// BackendKeyData returns this server's process ID and secret key, used to
// authenticate the server's own traffic and for CancelRequest routing.
func (s *Server) BackendKeyData() (uint32, uint32) { return s.backendPID, s.backendSecret }

// ParameterStatus returns a snapshot of runtime parameters reported during
// startup (server_version, TimeZone, client_encoding, ...).
func (s *Server) ParameterStatus() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.paramStatus))
	for k, v := range s.paramStatus {
		out[k] = v
	}
	return out
}

// ObserveMessage updates status from a message the caller has already
// relayed, so the pool knows when it is safe to check the connection in.
func (s *Server) ObserveMessage(m wire.Message) {
	switch m.Type {
	case wire.ReadyForQuery:
		if status, err := wire.ParseReadyForQuery(m.Payload); err == nil {
			s.setStatus(status)
		}
	case wire.CopyInResponse, wire.CopyOutResponse, wire.CopyBothResponse:
		s.mu.Lock()
		s.status = StatusStreaming
		s.mu.Unlock()
	case wire.ErrorResponse:
		s.dirty.Store(true)
	}
}

// HasPrepared reports whether name was Parse'd on this connection with
// exactly this query text (used by the global prepared-statement cache to
// decide whether a re-Parse is needed before Bind/Execute).
func (s *Server) HasPrepared(name, query string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	have, ok := s.preparedStmts[name]
	return ok && have == query
}

// MarkPrepared records that name now refers to query on this connection.
func (s *Server) MarkPrepared(name, query string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preparedStmts[name] = query
}

// ForgetPrepared clears tracked prepared statements; Cleanup calls it
// after DISCARD ALL has dropped them on the backend.
func (s *Server) ForgetPrepared() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preparedStmts = map[string]string{}
}

// Cleanup runs the reset protocol before a dirty connection returns to
// its pool: rollback any open transaction, then DISCARD ALL to clear
// portals, prepared statements, temp tables, and session GUCs.
func (s *Server) Cleanup() error {
	status := s.Status()
	if status == StatusIdle && !s.dirty.Load() {
		return nil
	}
	defer s.dirty.Store(false)

	if status == StatusIdleInTransaction || status == StatusTransactionError {
		if err := s.runAdminQuery("ROLLBACK"); err != nil {
			return fmt.Errorf("server: cleanup rollback: %w", err)
		}
	}
	if err := s.runAdminQuery("DISCARD ALL"); err != nil {
		return fmt.Errorf("server: cleanup discard: %w", err)
	}
	s.ForgetPrepared()
	return nil
}

// QueryRows issues a simple query and collects every DataRow's column
// values, for admin commands (e.g. SETUP SCHEMA's pg_type scan) that need
// an actual result set rather than just a success/failure signal.
func (s *Server) QueryRows(sql string) ([][][]byte, error) {
	deadline := time.Now().Add(s.rollbackTimeout)
	s.stream.Conn().(net.Conn).SetDeadline(deadline)
	defer s.stream.Conn().(net.Conn).SetDeadline(time.Time{})

	if err := s.stream.WriteMessage(wire.Query, wire.EncodeQuery(sql)); err != nil {
		return nil, err
	}
	if err := s.stream.Flush(); err != nil {
		return nil, err
	}
	var rows [][][]byte
	for {
		m, err := s.stream.ReadMessage()
		if err != nil {
			return nil, err
		}
		s.ObserveMessage(m)
		switch m.Type {
		case wire.DataRow:
			dr, err := wire.ParseDataRow(m.Payload)
			if err != nil {
				return nil, err
			}
			rows = append(rows, dr.Values)
		case wire.ErrorResponse:
			return nil, fmt.Errorf("server: query error: %s", string(m.Payload))
		case wire.ReadyForQuery:
			return rows, nil
		}
	}
}

// runAdminQuery issues a simple query and drains it to ReadyForQuery,
// bounded by rollbackTimeout so a wedged backend cannot hang the pool.
func (s *Server) runAdminQuery(sql string) error {
	deadline := time.Now().Add(s.rollbackTimeout)
	s.stream.Conn().(net.Conn).SetDeadline(deadline)
	defer s.stream.Conn().(net.Conn).SetDeadline(time.Time{})

	if err := s.stream.WriteMessage(wire.Query, wire.EncodeQuery(sql)); err != nil {
		return err
	}
	if err := s.stream.Flush(); err != nil {
		return err
	}
	for {
		m, err := s.stream.ReadMessage()
		if err != nil {
			return err
		}
		s.ObserveMessage(m)
		if m.Type == wire.ReadyForQuery {
			return nil
		}
	}
}

// Close terminates the connection politely.
func (s *Server) Close() error {
	_ = s.stream.WriteMessage(wire.Terminate, nil)
	_ = s.stream.Flush()
	return s.stream.Close()
}

// Age reports how long ago this connection was established.
func (s *Server) Age() time.Duration { return time.Since(s.createdAt) }

// IdleFor reports how long this connection has sat idle since last use.
func (s *Server) IdleFor() time.Duration { return time.Since(s.lastUsed) }

// Touch marks the connection as just having been used, resetting the
// idle-eviction clock.
func (s *Server) Touch() { s.lastUsed = time.Now() }

// Ping sends a lightweight "SELECT 1" to verify a truly-idle connection
// is still alive, used by the pool's idle healthcheck loop.
func (s *Server) Ping() error {
	return s.runAdminQuery("SELECT 1")
}
