package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pgdog/pgdog-go/cluster"
	"github.com/pgdog/pgdog-go/merge"
	"github.com/pgdog/pgdog-go/metrics"
	"github.com/pgdog/pgdog-go/router"
	"github.com/pgdog/pgdog-go/server"
	"github.com/pgdog/pgdog-go/sqlparser"
	"github.com/pgdog/pgdog-go/wire"
)

const checkoutTimeout = 10 * time.Second

// dispatch runs one buffered synchronization unit through routing,
// checkout, relay, and merge, per §4.6 steps 4-8; Run clears s.buffer
// afterwards.
func (s *Session) dispatch(ctx context.Context) error {
	if len(s.buffer) == 0 {
		return nil
	}

	if s.isAdmin {
		return s.dispatchAdmin(ctx)
	}

	if handled, err := s.dispatchTransactionBracket(); handled {
		return err
	}

	start := time.Now()
	sql, stmt, paramOIDs, params, paramFormats, cached, ok := s.extractStatement()
	if !ok {
		return s.relayRaw(ctx, s.cluster.Shards[0])
	}
	queryType := stmt.Type.String()
	defer func() {
		metrics.QueryLatency.WithLabelValues(queryType).Observe(time.Since(start).Seconds())
	}()

	switch stmt.Type {
	case sqlparser.StatementSet:
		s.applySet(sql)
	}

	rt, err := router.Build(stmt, s.cluster, params, paramFormats)
	if err != nil {
		if errors.Is(err, router.ErrMultiTenantID) {
			s.sendError("42501", err.Error())
			return nil
		}
		s.sendError("XX000", err.Error())
		return nil
	}

	shards, err := s.resolveTargetShards(rt)
	if err != nil {
		s.sendError("XX000", err.Error())
		return nil
	}

	bindings, err := s.checkoutAll(ctx, shards, rt.Kind)
	if err != nil {
		s.sendError("08006", err.Error())
		return nil
	}

	for _, b := range bindings {
		b.pool.Counters.RecordQuery()
	}
	metrics.QueryTotal.WithLabelValues(queryType, strconv.FormatBool(cached)).Inc()
	metrics.ShardFanout.WithLabelValues(s.cluster.Name).Observe(float64(len(bindings)))

	if len(bindings) == 1 {
		return s.relayToOne(ctx, bindings[0], paramOIDs)
	}
	return s.relayAndMerge(ctx, bindings, rt, paramOIDs)
}

// dispatchTransactionBracket answers a lone BEGIN/COMMIT/ROLLBACK
// synthetically when nothing is held yet (BEGIN) or nothing remains held
// afterward (COMMIT/ROLLBACK with no servers bound), matching §4.6's
// "bare transaction boundary" shortcut so idle session-mode clients don't
// force a checkout just to open or close an empty transaction.
func (s *Session) dispatchTransactionBracket() (handled bool, err error) {
	if len(s.buffer) != 1 {
		return false, nil
	}
	m := s.buffer[0]
	if m.Type != wire.Query {
		return false, nil
	}
	sql, perr := wire.ParseQuery(m.Payload)
	if perr != nil {
		return false, nil
	}
	stmt := sqlparser.Analyze(sql)

	switch stmt.Type {
	case sqlparser.StatementBegin:
		if len(s.bindings) > 0 {
			return false, nil
		}
		s.inTransaction = true
		s.pendingBegin = true
		return true, s.replySyntheticCommand("BEGIN")
	case sqlparser.StatementCommit, sqlparser.StatementRollback:
		if len(s.bindings) > 0 {
			return false, nil
		}
		s.inTransaction = false
		s.pendingBegin = false
		tag := "COMMIT"
		if stmt.Type == sqlparser.StatementRollback {
			tag = "ROLLBACK"
		}
		return true, s.replySyntheticCommand(tag)
	}
	return false, nil
}

func (s *Session) replySyntheticCommand(tag string) error {
	cc := &wire.CommandCompleteMessage{Tag: tag}
	if err := s.stream.WriteMessage(wire.CommandComplete, cc.Encode()); err != nil {
		return err
	}
	status := byte(wire.TxStatusIdle)
	if s.inTransaction {
		status = wire.TxStatusInBlock
	}
	if err := s.stream.WriteMessage(wire.ReadyForQuery, wire.EncodeReadyForQuery(status)); err != nil {
		return err
	}
	return s.stream.Flush()
}

// extractStatement pulls the single leading SQL statement and its bound
// parameters out of the buffered unit, whichever shape it arrived in
// (simple Query, or Parse+Bind extended-protocol messages).
func (s *Session) extractStatement() (sql string, stmt *sqlparser.Statement, paramOIDs []uint32, params [][]byte, paramFormats []int16, cached bool, ok bool) {
	for _, m := range s.buffer {
		switch m.Type {
		case wire.Query:
			q, err := wire.ParseQuery(m.Payload)
			if err != nil {
				return "", nil, nil, nil, nil, false, false
			}
			st, hit, err := s.astCache.Get(q)
			if err != nil {
				st = sqlparser.Analyze(q)
			}
			return q, st, nil, nil, nil, hit, true
		case wire.Parse:
			pm, err := wire.ParseParse(m.Payload)
			if err != nil {
				return "", nil, nil, nil, nil, false, false
			}
			st, hit, err := s.astCache.Get(pm.Query)
			if err != nil {
				st = sqlparser.Analyze(pm.Query)
			}
			paramOIDs = pm.ParamOIDs
			sql = pm.Query
			stmt = st
			cached = hit
		case wire.Bind:
			bm, err := wire.ParseBind(m.Payload)
			if err != nil {
				return "", nil, nil, nil, nil, false, false
			}
			params = bm.ParamValues
			paramFormats = bm.ParamFormats
		}
	}
	if stmt == nil {
		return "", nil, nil, nil, nil, false, false
	}
	return sql, stmt, paramOIDs, params, paramFormats, cached, true
}

// applySet folds a client SET into session parameters so a later
// checkout against a fresh server can replay it, per §4.6 step 6.
func (s *Session) applySet(sql string) {
	fields := strings.Fields(strings.TrimSuffix(strings.TrimSpace(sql), ";"))
	if len(fields) < 4 || !strings.EqualFold(fields[0], "SET") {
		return
	}
	name := fields[1]
	value := strings.Join(fields[3:], " ")
	s.sessionParams[name] = strings.Trim(value, "'\"")
}

// resolveTargetShards maps a Route's abstract shard set to concrete
// shard numbers to check out against.
func (s *Session) resolveTargetShards(rt *router.Route) ([]int, error) {
	switch rt.Shards.Kind {
	case router.ShardDirect, router.ShardMulti:
		return rt.Shards.Shards, nil
	default:
		nums := make([]int, 0, len(s.cluster.Shards))
		for _, sh := range s.cluster.Shards {
			nums = append(nums, sh.Number)
		}
		return nums, nil
	}
}

// checkoutAll returns (or reuses already-held) bindings for every shard
// number in shards, picking a replica for reads when one is available and
// the primary for writes. The cluster's read/write strategy is not
// consulted, and a binding already held for a shard is reused whatever
// the kind.
func (s *Session) checkoutAll(ctx context.Context, shards []int, kind router.Kind) ([]*binding, error) {
	out := make([]*binding, 0, len(shards))
	for _, num := range shards {
		if b, ok := s.bindingFor(num); ok {
			out = append(out, b)
			continue
		}
		sh, ok := s.cluster.ShardByNumber(num)
		if !ok {
			return nil, fmt.Errorf("session: unknown shard %d", num)
		}
		p := sh.Primary
		if kind == router.KindRead {
			rp, err := sh.PickReplica()
			if err == nil && rp != nil {
				p = rp
			}
		}
		coCtx, cancel := context.WithTimeout(ctx, checkoutTimeout)
		srv, err := p.Checkout(coCtx)
		cancel()
		if err != nil {
			s.releasePartial(out)
			return nil, err
		}
		if err := s.syncServerParams(srv); err != nil {
			p.Checkin(srv)
			s.releasePartial(out)
			return nil, err
		}
		b := &binding{shardNum: num, srv: srv, pool: p}
		s.bindings = append(s.bindings, b)
		out = append(out, b)
	}
	return out, nil
}

func (s *Session) releasePartial(bindings []*binding) {
	for _, b := range bindings {
		b.pool.Checkin(b.srv)
		for i, sb := range s.bindings {
			if sb == b {
				s.bindings = append(s.bindings[:i], s.bindings[i+1:]...)
				break
			}
		}
	}
}

// syncServerParams replays session-level SET statements and, if this
// session is mid-transaction, opens a matching BEGIN on a freshly
// checked-out server before it sees any buffered traffic.
func (s *Session) syncServerParams(srv *server.Server) error {
	seen := s.serverParams[srv]
	if seen == nil {
		seen = map[string]string{}
		s.serverParams[srv] = seen
	}
	for name, value := range s.sessionParams {
		if seen[name] == value {
			continue
		}
		sql := fmt.Sprintf("SET %s = %s", name, quoteSetValue(value))
		if err := runAdminSQL(srv, sql); err != nil {
			return err
		}
		seen[name] = value
	}
	if s.inTransaction {
		return runAdminSQL(srv, "BEGIN")
	}
	return nil
}

func quoteSetValue(v string) string {
	if _, err := fmt.Sscanf(v, "%f", new(float64)); err == nil {
		return v
	}
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}

// runAdminSQL sends a simple Query to srv and drains its response,
// swallowing anything but an outright protocol error; used for SET/BEGIN
// bookkeeping the client never asked to see the reply to.
func runAdminSQL(srv *server.Server, sql string) error {
	stream := srv.Stream()
	if err := stream.WriteMessage(wire.Query, wire.EncodeQuery(sql)); err != nil {
		return err
	}
	if err := stream.Flush(); err != nil {
		return err
	}
	for {
		m, err := stream.ReadMessage()
		if err != nil {
			return err
		}
		srv.ObserveMessage(m)
		if m.Type == wire.ReadyForQuery {
			return nil
		}
	}
}

// relayRaw forwards an unrecognized buffered unit verbatim to a single
// shard's primary, for protocol messages this session doesn't analyze
// (e.g. FunctionCall).
func (s *Session) relayRaw(ctx context.Context, sh *cluster.Shard) error {
	bindings, err := s.checkoutAll(ctx, []int{sh.Number}, router.KindWrite)
	if err != nil {
		s.sendError("08006", err.Error())
		return nil
	}
	return s.relayToOne(ctx, bindings[0], nil)
}

// relayToOne forwards the buffered unit to a single server and streams
// its response straight back to the client, rewriting prepared-statement
// names along the way, then checks the server back in once it reports
// ReadyForQuery outside a transaction.
func (s *Session) relayToOne(ctx context.Context, b *binding, paramOIDs []uint32) error {
	if err := s.sendBufferTo(b.srv, paramOIDs); err != nil {
		return err
	}
	stream := b.srv.Stream()
	for {
		m, err := stream.ReadMessage()
		if err != nil {
			return err
		}
		b.srv.ObserveMessage(m)
		if err := s.stream.WriteMessage(m.Type, m.Payload); err != nil {
			return err
		}
		if m.Type == wire.ReadyForQuery {
			status, _ := wire.ParseReadyForQuery(m.Payload)
			s.inTransaction = status == wire.TxStatusInBlock || status == wire.TxStatusFailed
			s.pendingBegin = false
			if err := s.stream.Flush(); err != nil {
				return err
			}
			if (!s.inTransaction && s.poolerMode != "session") || s.poolerMode == "statement" {
				s.checkinBinding(b)
			}
			return nil
		}
	}
}

// relayAndMerge forwards the buffered unit to every bound shard
// concurrently, funnels their responses through a merge.Executor, and
// emits the single combined response stream §4.5 describes.
func (s *Session) relayAndMerge(ctx context.Context, bindings []*binding, rt *router.Route, paramOIDs []uint32) error {
	exec := merge.NewExecutor(len(bindings), rt)
	type incoming struct {
		idx int
		m   wire.Message
		err error
	}
	results := make(chan incoming, len(bindings))

	for i, b := range bindings {
		go func(i int, b *binding) {
			if err := s.sendBufferTo(b.srv, paramOIDs); err != nil {
				results <- incoming{i, wire.Message{}, err}
				return
			}
			stream := b.srv.Stream()
			for {
				m, err := stream.ReadMessage()
				if err != nil {
					results <- incoming{i, wire.Message{}, err}
					return
				}
				b.srv.ObserveMessage(m)
				results <- incoming{i, m, nil}
				if m.Type == wire.ReadyForQuery {
					return
				}
			}
		}(i, b)
	}

	done := 0
	inTx := false
	for done < len(bindings) {
		r := <-results
		if r.err != nil {
			s.sendError("08006", r.err.Error())
			return r.err
		}
		action, err := exec.Observe(r.idx, r.m)
		if err != nil {
			return err
		}
		switch action {
		case merge.ActionForward:
			if err := s.stream.WriteMessage(r.m.Type, r.m.Payload); err != nil {
				return err
			}
		case merge.ActionBuffer:
			rows, cc, err := exec.Finish()
			if err != nil {
				return err
			}
			metrics.MergedRowsTotal.WithLabelValues(s.cluster.Name).Add(float64(len(rows)))
			for _, dr := range rows {
				if err := s.stream.WriteMessage(wire.DataRow, dr.Encode()); err != nil {
					return err
				}
			}
			if err := s.stream.WriteMessage(wire.CommandComplete, cc.Encode()); err != nil {
				return err
			}
		}
		if r.m.Type == wire.ReadyForQuery {
			if st, _ := wire.ParseReadyForQuery(r.m.Payload); st == wire.TxStatusInBlock || st == wire.TxStatusFailed {
				inTx = true
			}
			done++
		}
	}

	if err := s.stream.Flush(); err != nil {
		return err
	}
	s.inTransaction = inTx
	s.pendingBegin = false
	if (!s.inTransaction && s.poolerMode != "session") || s.poolerMode == "statement" {
		for _, b := range bindings {
			s.checkinBinding(b)
		}
	}
	return nil
}

func (s *Session) checkinBinding(b *binding) {
	b.pool.Counters.RecordTransaction()
	b.pool.Checkin(b.srv)
	delete(s.serverParams, b.srv)
	for i, sb := range s.bindings {
		if sb == b {
			s.bindings = append(s.bindings[:i], s.bindings[i+1:]...)
			break
		}
	}
}

// sendBufferTo writes the session's whole buffered unit to one server,
// rewriting any Parse/Bind/Describe/Close statement name to the
// process-wide global name, per §4.6 step 8.
func (s *Session) sendBufferTo(srv *server.Server, paramOIDs []uint32) error {
	stream := srv.Stream()
	for _, m := range s.buffer {
		payload := m.Payload
		switch m.Type {
		case wire.Parse:
			pm, err := wire.ParseParse(m.Payload)
			if err != nil {
				return err
			}
			if pm.Name == "" {
				break // the unnamed statement is sent as-is, see preparedTable.resolve
			}
			global := s.prepared.rewrite(pm.Name, pm.Query, pm.ParamOIDs)
			if srv.HasPrepared(global, pm.Query) || s.prepared.preparedOn(global, srv) {
				continue // already prepared on this server; skip re-Parse
			}
			pm.Name = global
			srv.MarkPrepared(global, pm.Query)
			s.prepared.markPreparedOn(global, srv)
			payload = pm.Encode()
		case wire.Bind:
			bm, err := wire.ParseBind(m.Payload)
			if err != nil {
				return err
			}
			if g, ok := s.prepared.resolve(bm.Statement); ok {
				bm.Statement = g
			}
			payload = bm.Encode()
		case wire.Describe:
			dm, err := wire.ParseDescribe(m.Payload)
			if err != nil {
				return err
			}
			if dm.Kind == wire.TargetStatement {
				if g, ok := s.prepared.resolve(dm.Name); ok {
					dm.Name = g
				}
			}
			payload = dm.Encode()
		case wire.CloseMsg:
			ct, err := wire.ParseCloseTarget(m.Payload)
			if err != nil {
				return err
			}
			if ct.Kind == wire.TargetStatement {
				if g, ok := s.prepared.resolve(ct.Name); ok {
					ct.Name = g
				}
				s.prepared.forget(ct.Name)
			}
			payload = ct.Encode()
		}
		if err := stream.WriteMessage(m.Type, payload); err != nil {
			return err
		}
	}
	return stream.Flush()
}

// dispatchAdmin runs a buffered simple Query against the admin backend
// and renders its result as a RowDescription/DataRow/CommandComplete
// sequence, per §4.7.
func (s *Session) dispatchAdmin(ctx context.Context) error {
	var sql string
	for _, m := range s.buffer {
		if m.Type == wire.Query {
			q, err := wire.ParseQuery(m.Payload)
			if err != nil {
				return err
			}
			sql = q
		}
	}
	if sql == "" {
		return s.replySyntheticCommand("")
	}

	res, err := s.admin.Handle(ctx, sql)
	if err != nil {
		s.sendError("XX000", err.Error())
		return s.stream.Flush()
	}

	if len(res.Columns) > 0 {
		rd := &wire.RowDescriptionMessage{Fields: make([]wire.FieldDescription, len(res.Columns))}
		for i, c := range res.Columns {
			rd.Fields[i] = wire.FieldDescription{Name: c, TypeOID: 25, TypeSize: -1, TypeModifier: -1, FormatCode: 0}
		}
		if err := s.stream.WriteMessage(wire.RowDescription, rd.Encode()); err != nil {
			return err
		}
		for _, row := range res.Rows {
			dr := &wire.DataRowMessage{Values: make([][]byte, len(row))}
			for i, v := range row {
				dr.Values[i] = []byte(v)
			}
			if err := s.stream.WriteMessage(wire.DataRow, dr.Encode()); err != nil {
				return err
			}
		}
	}

	cc := &wire.CommandCompleteMessage{Tag: res.Tag}
	if err := s.stream.WriteMessage(wire.CommandComplete, cc.Encode()); err != nil {
		return err
	}
	return s.stream.WriteMessage(wire.ReadyForQuery, wire.EncodeReadyForQuery(wire.TxStatusIdle))
}
