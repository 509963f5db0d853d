package merge

import (
	"testing"

	"github.com/pgdog/pgdog-go/router"
	"github.com/pgdog/pgdog-go/sqlparser"
	"github.com/pgdog/pgdog-go/wire"
)

func textRowDescription(names ...string) *wire.RowDescriptionMessage {
	fields := make([]wire.FieldDescription, len(names))
	for i, n := range names {
		fields[i] = wire.FieldDescription{Name: n, TypeOID: 25, TypeSize: -1}
	}
	return &wire.RowDescriptionMessage{Fields: fields}
}

func observeRowDescription(t *testing.T, e *Executor, n int, rd *wire.RowDescriptionMessage) {
	t.Helper()
	payload := rd.Encode()
	for i := 0; i < n; i++ {
		action, err := e.Observe(i, wire.Message{Type: wire.RowDescription, Payload: payload})
		if err != nil {
			t.Fatalf("observe row description: %v", err)
		}
		wantLast := i == n-1
		if (action == ActionForward) != wantLast {
			t.Fatalf("shard %d: action=%v, want forward=%v", i, action, wantLast)
		}
	}
}

// TestExecutor_RowCountConservation exercises §8 scenario 2: a write
// fanned out to N shards must report the sum of each shard's affected
// row count, not just one shard's.
func TestExecutor_RowCountConservation(t *testing.T) {
	rt := &router.Route{Kind: router.KindWrite}
	e := NewExecutor(3, rt)

	tags := []string{"UPDATE 2", "UPDATE 5", "UPDATE 1"}
	for i, tag := range tags {
		cc := &wire.CommandCompleteMessage{Tag: tag}
		action, err := e.Observe(i, wire.Message{Type: wire.CommandComplete, Payload: cc.Encode()})
		if err != nil {
			t.Fatalf("observe command complete: %v", err)
		}
		wantLast := i == len(tags)-1
		if (action == ActionBuffer) != wantLast {
			t.Fatalf("shard %d: action=%v, want buffer=%v", i, action, wantLast)
		}
	}

	_, cc, err := e.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if cc.Tag != "UPDATE 8" {
		t.Errorf("merged tag = %q, want %q", cc.Tag, "UPDATE 8")
	}
}

// TestExecutor_SortMerge exercises §8 scenario 3: rows from every shard
// must come back in a single globally sorted order, not shard-grouped.
func TestExecutor_SortMerge(t *testing.T) {
	rt := &router.Route{
		Kind:    router.KindRead,
		OrderBy: []router.OrderBy{{ColumnIdx: 0, ColumnName: "id"}},
	}
	rt.ShouldBuffer = true
	e := NewExecutor(2, rt)

	rd := textRowDescription("id")
	observeRowDescription(t, e, 2, rd)

	shardRows := [][]string{
		{"5", "1", "9"}, // shard 0
		{"2", "8"},      // shard 1
	}
	for shard, values := range shardRows {
		for _, v := range values {
			dr := &wire.DataRowMessage{Values: [][]byte{[]byte(v)}}
			if _, err := e.Observe(shard, wire.Message{Type: wire.DataRow, Payload: dr.Encode()}); err != nil {
				t.Fatalf("observe data row: %v", err)
			}
		}
	}

	for i := 0; i < 2; i++ {
		cc := &wire.CommandCompleteMessage{Tag: "SELECT 0"}
		if _, err := e.Observe(i, wire.Message{Type: wire.CommandComplete, Payload: cc.Encode()}); err != nil {
			t.Fatalf("observe command complete: %v", err)
		}
	}

	rows, _, err := e.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	want := []string{"1", "2", "5", "8", "9"}
	if len(rows) != len(want) {
		t.Fatalf("got %d rows, want %d", len(rows), len(want))
	}
	for i, r := range rows {
		if string(r.Values[0]) != want[i] {
			t.Errorf("row %d = %q, want %q", i, r.Values[0], want[i])
		}
	}
}

// TestExecutor_AggregateCorrectness exercises §8 scenario 3's aggregate
// variant: a COUNT/SUM spread across shards must combine into one
// correct total, not N separate partial results.
func TestExecutor_AggregateCorrectness(t *testing.T) {
	rt := &router.Route{
		Kind: router.KindRead,
		Aggregates: []router.Aggregate{
			{Func: sqlparser.AggregateCount, Column: "cnt"},
			{Func: sqlparser.AggregateSum, Column: "total"},
		},
	}
	rt.ShouldBuffer = true
	e := NewExecutor(2, rt)

	rd := textRowDescription("cnt", "total")
	observeRowDescription(t, e, 2, rd)

	type partial struct{ cnt, total string }
	shardRows := []partial{{"3", "30"}, {"4", "40"}}
	for shard, p := range shardRows {
		dr := &wire.DataRowMessage{Values: [][]byte{[]byte(p.cnt), []byte(p.total)}}
		if _, err := e.Observe(shard, wire.Message{Type: wire.DataRow, Payload: dr.Encode()}); err != nil {
			t.Fatalf("observe data row: %v", err)
		}
	}
	for i := 0; i < 2; i++ {
		cc := &wire.CommandCompleteMessage{Tag: "SELECT 1"}
		if _, err := e.Observe(i, wire.Message{Type: wire.CommandComplete, Payload: cc.Encode()}); err != nil {
			t.Fatalf("observe command complete: %v", err)
		}
	}

	rows, _, err := e.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1 combined row", len(rows))
	}
	cnt, _ := ParseIntColumn(rows[0].Values[0])
	total, _ := ParseIntColumn(rows[0].Values[1])
	if cnt != 7 {
		t.Errorf("combined count = %d, want 7", cnt)
	}
	if total != 70 {
		t.Errorf("combined sum = %d, want 70", total)
	}
}

// TestExecutor_SuppressesDuplicateStructuralMessages checks that a
// ParseComplete arriving from every shard is only forwarded once the last
// shard's copy arrives.
func TestExecutor_SuppressesDuplicateStructuralMessages(t *testing.T) {
	e := NewExecutor(3, &router.Route{Kind: router.KindWrite})
	for i := 0; i < 3; i++ {
		action, err := e.Observe(i, wire.Message{Type: wire.ParseComplete})
		if err != nil {
			t.Fatalf("observe parse complete: %v", err)
		}
		wantLast := i == 2
		if (action == ActionForward) != wantLast {
			t.Fatalf("shard %d: action=%v, want forward=%v", i, action, wantLast)
		}
	}
}
