// Package sqlparser does lightweight, regex-based SQL analysis: statement
// classification, equality-predicate extraction for routing, and
// ORDER BY/GROUP BY/aggregate extraction for cross-shard merging.
// Generalizes the teacher's parser package (which extracted cache-hint
// comments) into a router-facing analyzer; it is intentionally not a full
// SQL grammar parser, to keep the proxy hot path cheap, per spec §4.4.
package sqlparser

import (
	"regexp"
	"strconv"
	"strings"
)

// StatementType classifies the top-level SQL statement.
type StatementType int

const (
	StatementUnknown StatementType = iota
	StatementSelect
	StatementInsert
	StatementUpdate
	StatementDelete
	StatementBegin
	StatementCommit
	StatementRollback
	StatementCopy
	StatementSet
	StatementShow
	StatementDDL
)

var statementTypeNames = [...]string{
	"unknown", "select", "insert", "update", "delete",
	"begin", "commit", "rollback", "copy", "set", "show", "ddl",
}

// String renders a StatementType as the lowercase label used by metrics
// and admin output.
func (t StatementType) String() string {
	if int(t) < 0 || int(t) >= len(statementTypeNames) {
		return "unknown"
	}
	return statementTypeNames[t]
}

// AggregateFunc names the re-aggregation rule a SELECT's aggregate column
// needs when combined across shards.
type AggregateFunc int

const (
	AggregateNone AggregateFunc = iota
	AggregateCount
	AggregateSum
	AggregateMin
	AggregateMax
	AggregateAvg
)

// OrderBy is one ORDER BY clause entry.
type OrderBy struct {
	Column     string
	ColumnIdx  int // 1-based ordinal if the clause used a number, else 0
	Descending bool
}

// AggregateColumn is one SELECT-list aggregate expression.
type AggregateColumn struct {
	Func   AggregateFunc
	Column string
	Alias  string
}

// EqualityPredicate is a `column = literal` / `column = $n` found in a
// WHERE or VALUES clause, the input to hash/range/list/vector sharding.
type EqualityPredicate struct {
	Column       string
	Literal      string // present when the RHS was a literal
	ParamIndex   int    // present (1-based) when the RHS was a placeholder
	IsPlaceholder bool
}

// Statement is the result of analyzing one SQL string.
type Statement struct {
	Type          StatementType
	Tables        []string
	Predicates    []EqualityPredicate
	OrderBy       []OrderBy
	GroupBy       []string
	Aggregates    []AggregateColumn
	ShardOverride *int // from a `/* pgdog_shard: N */` comment
	IsReturning   bool
	Raw           string
}

var (
	leadingKeyword = regexp.MustCompile(`(?is)^\s*(SELECT|INSERT|UPDATE|DELETE|BEGIN|START\s+TRANSACTION|COMMIT|ROLLBACK|COPY|SET|SHOW|CREATE|ALTER|DROP|TRUNCATE)\b`)
	tableRegex     = regexp.MustCompile(`(?i)\b(?:FROM|INTO|UPDATE|JOIN)\s+"?([a-zA-Z_][a-zA-Z0-9_]*)"?(?:\s+(?:AS\s+)?"?[a-zA-Z_][a-zA-Z0-9_]*"?)?`)
	whereEqRegex   = regexp.MustCompile(`(?i)\b([a-zA-Z_][a-zA-Z0-9_]*)\s*=\s*(\$(\d+)|'([^']*)'|(-?\d+(?:\.\d+)?))`)
	orderByRegex   = regexp.MustCompile(`(?is)\bORDER\s+BY\s+(.+?)(?:\bLIMIT\b|\bOFFSET\b|$)`)
	groupByRegex   = regexp.MustCompile(`(?is)\bGROUP\s+BY\s+(.+?)(?:\bHAVING\b|\bORDER\b|\bLIMIT\b|$)`)
	aggregateRegex = regexp.MustCompile(`(?i)\b(COUNT|SUM|MIN|MAX|AVG)\s*\(\s*(\*|[a-zA-Z_][a-zA-Z0-9_.]*)\s*\)(?:\s+AS\s+"?([a-zA-Z_][a-zA-Z0-9_]*)"?)?`)
	shardHintRegex = regexp.MustCompile(`/\*\s*pgdog_shard\s*:\s*(\d+)\s*\*/`)
	returningRegex = regexp.MustCompile(`(?i)\bRETURNING\b`)
)

// Analyze classifies and extracts routing-relevant structure from a SQL
// string. It never mutates sql; callers needing a stripped/normalized
// form should use Normalize separately.
func Analyze(sql string) *Statement {
	st := &Statement{Type: classify(sql), Raw: sql}

	for _, m := range tableRegex.FindAllStringSubmatch(sql, -1) {
		st.Tables = append(st.Tables, m[1])
	}

	for _, m := range whereEqRegex.FindAllStringSubmatch(sql, -1) {
		p := EqualityPredicate{Column: m[1]}
		switch {
		case m[3] != "":
			idx, _ := strconv.Atoi(m[3])
			p.ParamIndex = idx
			p.IsPlaceholder = true
		case m[4] != "":
			p.Literal = m[4]
		default:
			p.Literal = m[5]
		}
		st.Predicates = append(st.Predicates, p)
	}

	if m := orderByRegex.FindStringSubmatch(sql); m != nil {
		st.OrderBy = parseOrderByList(m[1])
	}

	if m := groupByRegex.FindStringSubmatch(sql); m != nil {
		st.GroupBy = splitColumns(m[1])
	}

	for _, m := range aggregateRegex.FindAllStringSubmatch(sql, -1) {
		st.Aggregates = append(st.Aggregates, AggregateColumn{
			Func:   aggregateFuncFromName(m[1]),
			Column: m[2],
			Alias:  m[3],
		})
	}

	if m := shardHintRegex.FindStringSubmatch(sql); m != nil {
		n, _ := strconv.Atoi(m[1])
		st.ShardOverride = &n
	}

	st.IsReturning = returningRegex.MatchString(sql)

	return st
}

func classify(sql string) StatementType {
	m := leadingKeyword.FindStringSubmatch(sql)
	if m == nil {
		return StatementUnknown
	}
	switch strings.ToUpper(m[1]) {
	case "SELECT":
		return StatementSelect
	case "INSERT":
		return StatementInsert
	case "UPDATE":
		return StatementUpdate
	case "DELETE":
		return StatementDelete
	case "BEGIN", "START TRANSACTION":
		return StatementBegin
	case "COMMIT":
		return StatementCommit
	case "ROLLBACK":
		return StatementRollback
	case "COPY":
		return StatementCopy
	case "SET":
		return StatementSet
	case "SHOW":
		return StatementShow
	case "CREATE", "ALTER", "DROP", "TRUNCATE":
		return StatementDDL
	default:
		return StatementUnknown
	}
}

func aggregateFuncFromName(name string) AggregateFunc {
	switch strings.ToUpper(name) {
	case "COUNT":
		return AggregateCount
	case "SUM":
		return AggregateSum
	case "MIN":
		return AggregateMin
	case "MAX":
		return AggregateMax
	case "AVG":
		return AggregateAvg
	default:
		return AggregateNone
	}
}

func parseOrderByList(clause string) []OrderBy {
	var out []OrderBy
	for _, col := range splitColumns(clause) {
		ob := OrderBy{}
		fields := strings.Fields(col)
		if len(fields) == 0 {
			continue
		}
		ob.Column = fields[0]
		if n, err := strconv.Atoi(fields[0]); err == nil {
			ob.ColumnIdx = n
			ob.Column = ""
		}
		for _, f := range fields[1:] {
			if strings.EqualFold(f, "DESC") {
				ob.Descending = true
			}
		}
		out = append(out, ob)
	}
	return out
}

func splitColumns(clause string) []string {
	parts := strings.Split(clause, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// Normalize strips literal values and whitespace variance so textually
// different-but-equivalent queries ("WHERE id=1" vs "WHERE id = 1") share
// one AST cache entry, following the teacher's batch-key normalization.
func Normalize(sql string) string {
	s := strings.Join(strings.Fields(sql), " ")
	s = whereEqRegex.ReplaceAllStringFunc(s, func(m string) string {
		idx := strings.Index(m, "=")
		return strings.TrimSpace(m[:idx]) + " = ?"
	})
	return s
}
