// Package merge implements the cross-shard executor: it collects
// responses arriving concurrently from N shards for one request and
// emits the single, client-facing response stream spec §4.5 describes —
// deduplicating structural messages, buffering and sort-merging or
// re-aggregating DataRows, and rewriting the combined CommandComplete tag.
package merge

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pgdog/pgdog-go/router"
	"github.com/pgdog/pgdog-go/wire"
)

// Counters tracks, per message type, how many of the N shards have
// reported in for this request.
type Counters struct {
	ReadyForQuery        int
	CommandComplete      int
	ParseComplete        int
	BindComplete         int
	NoData               int
	RowDescription       int
	EmptyQueryResponse   int
	CopyInResponse       int
	CloseComplete        int
	ParameterDescription int
	Rows                 int
}

// Executor accumulates one request's cross-shard state and produces the
// merged message sequence to forward to the client.
type Executor struct {
	NumShards int
	Route     *router.Route

	counters       Counters
	rowDescription *wire.RowDescriptionMessage
	rowsByCol      []string // resolved column names, index-aligned to RowDescription
	buffered       []row
	commandTags    []string
	errorSent      bool
	decoder        *Decoder
}

type row struct {
	values [][]byte
}

// NewExecutor starts tracking a request that fans out to n shards.
func NewExecutor(n int, rt *router.Route) *Executor {
	return &Executor{NumShards: n, Route: rt, decoder: NewDecoder()}
}

// Action is what the caller should do with one incoming message.
type Action int

const (
	ActionDrop    Action = iota // swallow, do not forward
	ActionForward               // forward immediately, as-is
	ActionBuffer                // last CommandComplete arrived: call Finish and emit its output
)

// Observe applies the per-message forwarding policy table from §4.5 to
// one message arriving from one shard, returning what the caller should
// do with it. When the Nth arrival completes a suppressed message class,
// the just-observed message is returned with ActionForward; for
// CommandComplete the caller gets ActionBuffer and calls Finish instead.
func (e *Executor) Observe(shardIdx int, m wire.Message) (Action, error) {
	switch m.Type {
	case wire.RowDescription:
		if e.rowDescription == nil {
			rd, err := wire.ParseRowDescription(m.Payload)
			if err != nil {
				return ActionDrop, err
			}
			e.rowDescription = rd
			e.decoder.Learn(rd)
		}
		e.counters.RowDescription++
		if e.counters.RowDescription == e.NumShards {
			return ActionForward, nil
		}
		return ActionDrop, nil

	case wire.DataRow:
		dr, err := wire.ParseDataRow(m.Payload)
		if err != nil {
			return ActionDrop, err
		}
		e.counters.Rows++
		if e.Route != nil && e.Route.ShouldBuffer {
			e.buffered = append(e.buffered, row{values: dr.Values})
			return ActionDrop, nil
		}
		if e.counters.RowDescription >= e.NumShards {
			return ActionForward, nil
		}
		return ActionDrop, nil

	case wire.CommandComplete:
		cc, err := wire.ParseCommandComplete(m.Payload)
		if err != nil {
			return ActionDrop, err
		}
		e.commandTags = append(e.commandTags, cc.Tag)
		e.counters.CommandComplete++
		if e.counters.CommandComplete == e.NumShards {
			return ActionBuffer, nil // caller should call Finish()
		}
		return ActionDrop, nil

	case wire.ReadyForQuery:
		e.counters.ReadyForQuery++
		if e.counters.ReadyForQuery == e.NumShards {
			return ActionForward, nil
		}
		return ActionDrop, nil

	case wire.ParseComplete:
		return e.countAndGate(&e.counters.ParseComplete)
	case wire.BindComplete:
		return e.countAndGate(&e.counters.BindComplete)
	case wire.CloseComplete:
		return e.countAndGate(&e.counters.CloseComplete)
	case wire.NoData:
		return e.countAndGate(&e.counters.NoData)
	case wire.EmptyQueryResponse:
		return e.countAndGate(&e.counters.EmptyQueryResponse)
	case wire.CopyInResponse:
		return e.countAndGate(&e.counters.CopyInResponse)
	case wire.ParameterDescription:
		return e.countAndGate(&e.counters.ParameterDescription)

	case wire.ErrorResponse:
		if !e.errorSent {
			e.errorSent = true
			return ActionForward, nil
		}
		return ActionDrop, nil

	default:
		return ActionForward, nil
	}
}

func (e *Executor) countAndGate(counter *int) (Action, error) {
	*counter++
	if *counter == e.NumShards {
		return ActionForward, nil
	}
	return ActionDrop, nil
}

// Finish is called once CommandComplete has arrived from all shards: it
// sort-merges or re-aggregates the buffered rows, returns the DataRow
// messages to emit followed by the single rewritten CommandComplete.
func (e *Executor) Finish() ([]*wire.DataRowMessage, *wire.CommandCompleteMessage, error) {
	rows := e.buffered
	var err error

	if e.Route != nil && len(e.Route.Aggregates) > 0 {
		rows, err = e.aggregate(rows)
		if err != nil {
			return nil, nil, err
		}
	} else if e.Route != nil && len(e.Route.OrderBy) > 0 {
		e.sortRows(rows)
	}

	out := make([]*wire.DataRowMessage, 0, len(rows))
	for _, r := range rows {
		out = append(out, &wire.DataRowMessage{Values: r.values})
	}

	tag := mergeCommandTags(e.commandTags)
	return out, &wire.CommandCompleteMessage{Tag: tag}, nil
}

// mergeCommandTags sums the numeric row-count suffix across every
// shard's tag ("SELECT 5" + "SELECT 3" -> "SELECT 8"), keeping the verb
// from the last tag that carries a count.
func mergeCommandTags(tags []string) string {
	if len(tags) == 0 {
		return ""
	}
	verb := tags[0]
	var total int64
	var hasCount bool
	for _, t := range tags {
		fields := strings.Fields(t)
		if len(fields) == 0 {
			continue
		}
		if n, err := strconv.ParseInt(fields[len(fields)-1], 10, 64); err == nil {
			total += n
			hasCount = true
			verb = strings.Join(fields[:len(fields)-1], " ")
		}
	}
	if !hasCount {
		return tags[0]
	}
	return fmt.Sprintf("%s %d", verb, total)
}

func (e *Executor) sortRows(rows []row) {
	cmp := e.decoder.Comparator(e.Route.OrderBy)
	sort.SliceStable(rows, func(i, j int) bool {
		return cmp(rows[i].values, rows[j].values) < 0
	})
}
