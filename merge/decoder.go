package merge

import (
	"bytes"
	"strconv"

	"github.com/pgdog/pgdog-go/router"
	"github.com/pgdog/pgdog-go/wire"
)

// Decoder learns column names/formats from the first RowDescription seen
// for a request and resolves ORDER BY/GROUP BY references (by name or by
// ordinal) against it, so the merger can compare typed values instead of
// raw bytes.
type Decoder struct {
	fields []wire.FieldDescription
}

// NewDecoder returns a decoder with no learned schema yet.
func NewDecoder() *Decoder { return &Decoder{} }

// Learn records a RowDescription's fields.
func (d *Decoder) Learn(rd *wire.RowDescriptionMessage) {
	d.fields = rd.Fields
}

// ColumnIndex resolves a 1-based ordinal or a column name to a 0-based
// index into DataRow values.
func (d *Decoder) ColumnIndex(ordinal int, name string) (int, bool) {
	if ordinal > 0 {
		if ordinal-1 < len(d.fields) {
			return ordinal - 1, true
		}
		return 0, false
	}
	for i, f := range d.fields {
		if f.Name == name {
			return i, true
		}
	}
	return 0, false
}

// compareValues compares two column values, both present (non-NULL)
// unless noted, using the field's declared format. NULLs sort last.
func (d *Decoder) compareValues(idx int, a, b []byte) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return 1
	}
	if b == nil {
		return -1
	}
	format := int16(0)
	if idx < len(d.fields) {
		format = d.fields[idx].FormatCode
	}
	if ai, err := wire.DecodeInt8(a, format); err == nil {
		if bi, err2 := wire.DecodeInt8(b, format); err2 == nil {
			return compareInt64(ai, bi)
		}
	}
	if af, err := wire.DecodeFloat8(a, format); err == nil {
		if bf, err2 := wire.DecodeFloat8(b, format); err2 == nil {
			return compareFloat64(af, bf)
		}
	}
	return bytes.Compare(a, b)
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareFloat64(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Comparator builds a multi-key row comparator from a resolved ORDER BY
// clause, falling through ties to successive keys in order.
func (d *Decoder) Comparator(orderBy []router.OrderBy) func(a, b [][]byte) int {
	type key struct {
		idx  int
		desc bool
	}
	var keys []key
	for _, ob := range orderBy {
		idx, ok := d.ColumnIndex(ob.ColumnIdx, ob.ColumnName)
		if !ok {
			continue
		}
		keys = append(keys, key{idx: idx, desc: ob.Descending})
	}
	return func(a, b [][]byte) int {
		for _, k := range keys {
			if k.idx >= len(a) || k.idx >= len(b) {
				continue
			}
			c := d.compareValues(k.idx, a[k.idx], b[k.idx])
			if k.desc {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		return 0
	}
}

// ParseIntColumn parses a text-format column value as a decimal integer,
// a small helper used by the aggregate merger.
func ParseIntColumn(v []byte) (int64, bool) {
	n, err := strconv.ParseInt(string(v), 10, 64)
	return n, err == nil
}
