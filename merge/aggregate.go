package merge

import (
	"strings"

	"github.com/pgdog/pgdog-go/sqlparser"
	"github.com/pgdog/pgdog-go/wire"
)

// aggregate re-aggregates buffered rows across shards: GROUP BY columns
// become the hash key, count/sum are summed, min/max use typed
// comparison, and non-aggregated non-grouped columns pass through from
// the first row seen for that key (their value is undefined per SQL).
func (e *Executor) aggregate(rows []row) ([]row, error) {
	groupIdx := make([]int, 0, len(e.Route.GroupBy))
	for _, g := range e.Route.GroupBy {
		idx, ok := e.decoder.ColumnIndex(0, g)
		if !ok {
			continue
		}
		groupIdx = append(groupIdx, idx)
	}

	type aggState struct {
		first  [][]byte
		values map[int]aggValue
	}
	aggIdx := make(map[int]sqlparser.AggregateFunc)
	for _, a := range e.Route.Aggregates {
		idx, ok := e.decoder.ColumnIndex(0, a.Column)
		if !ok {
			continue
		}
		aggIdx[idx] = a.Func
	}

	groups := map[string]*aggState{}
	var order []string

	for _, r := range rows {
		key := groupKey(r.values, groupIdx)
		st, ok := groups[key]
		if !ok {
			st = &aggState{first: r.values, values: map[int]aggValue{}}
			groups[key] = st
			order = append(order, key)
		}
		for idx, fn := range aggIdx {
			if idx >= len(r.values) {
				continue
			}
			st.values[idx] = combineAgg(st.values[idx], fn, r.values[idx])
		}
	}

	out := make([]row, 0, len(order))
	for _, key := range order {
		st := groups[key]
		values := append([][]byte{}, st.first...)
		for idx, fn := range aggIdx {
			if v, ok := st.values[idx]; ok {
				values[idx] = encodeAgg(fn, v)
			}
		}
		out = append(out, row{values: values})
	}
	return out, nil
}

func groupKey(values [][]byte, idx []int) string {
	parts := make([]string, len(idx))
	for i, c := range idx {
		if c < len(values) {
			parts[i] = string(values[c])
		}
	}
	return strings.Join(parts, "\x00")
}

// aggValue is a running accumulator for one (group, aggregate-column)
// pair; count/sum track an int64 total, min/max track the current
// extreme as both its raw bytes and its parsed numeric form.
type aggValue struct {
	initialized bool
	total       int64
	totalFloat  float64
	isFloat     bool
	extreme     []byte
	extremeNum  float64
}

func combineAgg(acc aggValue, fn sqlparser.AggregateFunc, raw []byte) aggValue {
	switch fn {
	case sqlparser.AggregateCount:
		if n, ok := ParseIntColumn(raw); ok {
			acc.total += n
		} else {
			acc.total++
		}
		acc.initialized = true
		return acc
	case sqlparser.AggregateSum:
		if n, ok := ParseIntColumn(raw); ok {
			acc.total += n
			acc.initialized = true
			return acc
		}
		if f, err := wire.DecodeFloat8(raw, 0); err == nil {
			acc.totalFloat += f
			acc.isFloat = true
			acc.initialized = true
		}
		return acc
	case sqlparser.AggregateMin, sqlparser.AggregateMax:
		f, err := wire.DecodeFloat8(raw, 0)
		if err != nil {
			return acc
		}
		if !acc.initialized {
			acc.extreme = raw
			acc.extremeNum = f
			acc.initialized = true
			return acc
		}
		if fn == sqlparser.AggregateMin && f < acc.extremeNum {
			acc.extreme, acc.extremeNum = raw, f
		}
		if fn == sqlparser.AggregateMax && f > acc.extremeNum {
			acc.extreme, acc.extremeNum = raw, f
		}
		return acc
	default:
		return acc
	}
}

func encodeAgg(fn sqlparser.AggregateFunc, v aggValue) []byte {
	switch fn {
	case sqlparser.AggregateCount:
		return wire.EncodeInt8Text(v.total)
	case sqlparser.AggregateSum:
		if v.isFloat {
			return wire.EncodeFloat8Text(v.totalFloat)
		}
		return wire.EncodeInt8Text(v.total)
	case sqlparser.AggregateMin, sqlparser.AggregateMax:
		return v.extreme
	default:
		return nil
	}
}
