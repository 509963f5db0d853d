// Package router decides, for one buffered client request, which
// shard(s) it targets, whether it reads or writes, and what sort/
// aggregate post-processing the cross-shard merger must apply.
package router

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/pgdog/pgdog-go/cluster"
	"github.com/pgdog/pgdog-go/router/shardkey"
	"github.com/pgdog/pgdog-go/sqlparser"
)

// ShardSetKind names which kind of shard set a Route targets.
type ShardSetKind int

const (
	ShardDirect ShardSetKind = iota // exactly one shard
	ShardMulti                      // an explicit subset
	ShardAll                        // every shard (unknown key, OR across keys, or unsharded table)
)

// ShardSet is the resolved target of a Route.
type ShardSet struct {
	Kind   ShardSetKind
	Shards []int // single entry for Direct, many for Multi, empty (meaning "all") for All
}

// Kind is read/write classification. The session sends KindRead to a
// replica when one is available; ConservativeRead/SplitReadsAndWrites
// transaction semantics are not applied anywhere.
type Kind int

const (
	KindRead Kind = iota
	KindWrite
)

// OrderBy mirrors sqlparser.OrderBy plus an optional reference vector for
// `ORDER BY embedding <-> '[...]'` nearest-neighbor sorts.
type OrderBy struct {
	ColumnIdx      int
	ColumnName     string
	Descending     bool
	VectorRef      []float32
	IsVectorL2     bool
}

// Aggregate mirrors sqlparser.AggregateColumn, resolved to a column index
// once RowDescription is known by the merger.
type Aggregate struct {
	Func   sqlparser.AggregateFunc
	Column string
	Alias  string
}

// Route is the router's decision for one buffered request.
type Route struct {
	Shards       ShardSet
	Kind         Kind
	OrderBy      []OrderBy
	Aggregates   []Aggregate
	GroupBy      []string
	ShouldBuffer bool
}

// ErrMultiTenantID is returned when a multi-tenant cluster's guard blocks
// a query lacking a tenant-id predicate.
var ErrMultiTenantID = errors.New("router: query on tenant table missing tenant-id predicate")

var writeFunctions = map[string]bool{
	"nextval":           true,
	"setval":            true,
	"pg_advisory_lock":  true,
	"pg_advisory_unlock": true,
	"lo_import":         true,
	"lo_export":         true,
}

// Build analyzes stmt (already AST-cached) against cluster c and the
// bound parameter values, applying the six-step algorithm: shard
// override comment, classification, read/write, shard-set resolution,
// sort/aggregate extraction, and the multi-tenant guard.
func Build(stmt *sqlparser.Statement, c *cluster.Cluster, params [][]byte, paramFormats []int16) (*Route, error) {
	r := &Route{}

	if stmt.ShardOverride != nil {
		r.Shards = ShardSet{Kind: ShardDirect, Shards: []int{*stmt.ShardOverride}}
	}

	r.Kind = classifyKind(stmt)

	if r.Shards.Kind != ShardDirect {
		shards, kind, err := resolveShards(stmt, c, params, paramFormats)
		if err != nil {
			return nil, err
		}
		r.Shards = ShardSet{Kind: kind, Shards: shards}
	}

	r.OrderBy = convertOrderBy(stmt.OrderBy)
	r.Aggregates = convertAggregates(stmt.Aggregates)
	r.GroupBy = stmt.GroupBy
	r.ShouldBuffer = len(r.OrderBy) > 0 || len(r.Aggregates) > 0

	if err := enforceMultiTenant(stmt, c); err != nil {
		return nil, err
	}

	return r, nil
}

func classifyKind(stmt *sqlparser.Statement) Kind {
	switch stmt.Type {
	case sqlparser.StatementSelect:
		for fn := range writeFunctions {
			if containsCallTo(stmt.Raw, fn) {
				return KindWrite
			}
		}
		return KindRead
	case sqlparser.StatementInsert, sqlparser.StatementUpdate, sqlparser.StatementDelete,
		sqlparser.StatementCopy, sqlparser.StatementDDL:
		return KindWrite
	default:
		return KindRead
	}
}

func containsCallTo(sql, fn string) bool {
	idx := indexFold(sql, fn+"(")
	return idx >= 0
}

func indexFold(s, sub string) int {
	// Small ASCII case-insensitive search; routing hot path avoids
	// building a regex per call for this check.
	n, m := len(s), len(sub)
	for i := 0; i+m <= n; i++ {
		match := true
		for j := 0; j < m; j++ {
			if foldByte(s[i+j]) != foldByte(sub[j]) {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

func foldByte(b byte) byte {
	if b >= 'A' && b <= 'Z' {
		return b + ('a' - 'A')
	}
	return b
}

func resolveShards(stmt *sqlparser.Statement, c *cluster.Cluster, params [][]byte, paramFormats []int16) ([]int, ShardSetKind, error) {
	if !c.IsSharded() {
		return nil, ShardAll, nil
	}
	if len(stmt.Tables) == 0 {
		return nil, ShardAll, nil
	}
	if !tablesAreSharded(stmt.Tables, c) {
		return nil, ShardAll, nil
	}

	var keys []int
	for _, pred := range stmt.Predicates {
		if pred.Column != c.ShardingKey {
			continue
		}
		val, ok := resolveLiteral(pred, params, paramFormats)
		if !ok {
			continue
		}
		shard, err := applyShardingFunction(c, val)
		if err != nil {
			return nil, ShardAll, err
		}
		keys = append(keys, shard...)
	}

	switch len(keys) {
	case 0:
		return nil, ShardAll, nil
	case 1:
		return keys, ShardDirect, nil
	default:
		return dedupInts(keys), ShardMulti, nil
	}
}

func tablesAreSharded(tables []string, c *cluster.Cluster) bool {
	for _, t := range tables {
		if c.ShardedTables[t] {
			return true
		}
	}
	return len(c.ShardedTables) == 0 // unconfigured = assume every table is sharded
}

// resolvedValue is a routing-key value pulled from either a literal or a
// bound parameter.
type resolvedValue struct {
	text   string
	format int16
}

func resolveLiteral(pred sqlparser.EqualityPredicate, params [][]byte, paramFormats []int16) (resolvedValue, bool) {
	if !pred.IsPlaceholder {
		return resolvedValue{text: pred.Literal, format: 0}, true
	}
	idx := pred.ParamIndex - 1
	if idx < 0 || idx >= len(params) || params[idx] == nil {
		return resolvedValue{}, false
	}
	format := int16(0)
	if idx < len(paramFormats) {
		format = paramFormats[idx]
	}
	return resolvedValue{text: string(params[idx]), format: format}, true
}

func applyShardingFunction(c *cluster.Cluster, val resolvedValue) ([]int, error) {
	n := c.NumShards()
	switch c.ShardingFunction {
	case "hash", "":
		if u, err := uuid.Parse(val.text); err == nil {
			return []int{shardkey.HashUUID(u, n)}, nil
		}
		i, err := strconv.ParseInt(val.text, 10, 64)
		if err != nil {
			return nil, nil
		}
		return []int{shardkey.HashBigint(i, n)}, nil
	default:
		// Range/list/vector sharding require a per-cluster lookup table
		// built from config, not yet threaded into Cluster; unresolved
		// here falls back to "can't resolve" -> ShardAll.
		return nil, nil
	}
}

func dedupInts(in []int) []int {
	seen := map[int]bool{}
	var out []int
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

func convertOrderBy(in []sqlparser.OrderBy) []OrderBy {
	out := make([]OrderBy, 0, len(in))
	for _, o := range in {
		out = append(out, OrderBy{ColumnIdx: o.ColumnIdx, ColumnName: o.Column, Descending: o.Descending})
	}
	return out
}

func convertAggregates(in []sqlparser.AggregateColumn) []Aggregate {
	out := make([]Aggregate, 0, len(in))
	for _, a := range in {
		out = append(out, Aggregate{Func: a.Func, Column: a.Column, Alias: a.Alias})
	}
	return out
}

func enforceMultiTenant(stmt *sqlparser.Statement, c *cluster.Cluster) error {
	if !c.MultiTenant.Enabled {
		return nil
	}
	switch stmt.Type {
	case sqlparser.StatementSelect, sqlparser.StatementUpdate, sqlparser.StatementDelete:
	default:
		return nil
	}
	for _, p := range stmt.Predicates {
		if p.Column == c.MultiTenant.TenantColumn {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrMultiTenantID, c.MultiTenant.TenantColumn)
}
