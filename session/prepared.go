package session

import (
	"crypto/sha1"
	"encoding/hex"

	"github.com/pgdog/pgdog-go/server"
)

// preparedStatement is one client Parse, rewritten to a process-wide
// name, and the set of servers that have already seen it.
type preparedStatement struct {
	query     string
	paramOIDs []uint32
	onServer  map[*server.Server]bool
}

// preparedTable maps a client's local prepared-statement names to the
// globally-unique name every server actually sees, per spec §4.6 step 8.
// Global names are content-addressed so two clients preparing the same
// query text and parameter types collapse onto the same server-side
// PREPARE, instead of each client racking up its own copy.
type preparedTable struct {
	localToGlobal map[string]string
	byGlobal      map[string]*preparedStatement
}

func newPreparedTable() *preparedTable {
	return &preparedTable{
		localToGlobal: map[string]string{},
		byGlobal:      map[string]*preparedStatement{},
	}
}

func globalName(query string, paramOIDs []uint32) string {
	h := sha1.New()
	h.Write([]byte(query))
	for _, oid := range paramOIDs {
		h.Write([]byte{byte(oid >> 24), byte(oid >> 16), byte(oid >> 8), byte(oid)})
	}
	return "pgdog_" + hex.EncodeToString(h.Sum(nil))[:16]
}

// rewrite records local (the client's statement name, "" for unnamed) as
// referring to the global name derived from query+paramOIDs, and returns it.
func (t *preparedTable) rewrite(local, query string, paramOIDs []uint32) string {
	g := globalName(query, paramOIDs)
	if local != "" {
		t.localToGlobal[local] = g
	}
	if _, ok := t.byGlobal[g]; !ok {
		t.byGlobal[g] = &preparedStatement{query: query, paramOIDs: paramOIDs, onServer: map[*server.Server]bool{}}
	}
	return g
}

// resolve looks up the global name for a client-local statement name. The
// unnamed statement ("") is session-local and is never rewritten: each
// Parse with an empty name replaces the previous unnamed statement, so it
// is addressed directly rather than through this table.
func (t *preparedTable) resolve(local string) (string, bool) {
	if local == "" {
		return "", false
	}
	g, ok := t.localToGlobal[local]
	return g, ok
}

func (t *preparedTable) forget(local string) {
	delete(t.localToGlobal, local)
}

func (t *preparedTable) forgetAll() {
	t.localToGlobal = map[string]string{}
}

func (t *preparedTable) preparedOn(global string, s *server.Server) bool {
	st, ok := t.byGlobal[global]
	return ok && st.onServer[s]
}

func (t *preparedTable) markPreparedOn(global string, s *server.Server) {
	if st, ok := t.byGlobal[global]; ok {
		st.onServer[s] = true
	}
}

func (t *preparedTable) queryFor(global string) (string, []uint32, bool) {
	st, ok := t.byGlobal[global]
	if !ok {
		return "", nil, false
	}
	return st.query, st.paramOIDs, true
}
