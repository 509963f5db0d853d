package wire

import (
	"encoding/binary"
	"fmt"
)

// XLogDataMessage is the backend 'w' message: one chunk of logical
// decoding output framed by the WAL positions it covers. The proxy never
// transforms replication traffic (§4.1, Non-goals) but must still be able
// to decode it far enough to observe statement boundaries for routing and
// admin visibility.
type XLogDataMessage struct {
	WALStart   uint64
	WALEnd     uint64
	ServerTime int64 // microseconds since 2000-01-01, as PostgreSQL sends it
	Data       []byte
}

// ParseXLogData decodes a 'w' message payload's fixed header, leaving the
// pgoutput plugin payload in Data for ParseReplicationMessage.
func ParseXLogData(payload []byte) (*XLogDataMessage, error) {
	if len(payload) < 24 {
		return nil, fmt.Errorf("wire: XLogData truncated")
	}
	return &XLogDataMessage{
		WALStart:   binary.BigEndian.Uint64(payload[0:8]),
		WALEnd:     binary.BigEndian.Uint64(payload[8:16]),
		ServerTime: int64(binary.BigEndian.Uint64(payload[16:24])),
		Data:       payload[24:],
	}, nil
}

// Logical-replication (pgoutput) message kinds, the first byte of
// XLogDataMessage.Data.
const (
	ReplBegin    byte = 'B'
	ReplCommit   byte = 'C'
	ReplRelation byte = 'R'
	ReplInsert   byte = 'I'
	ReplUpdate   byte = 'U'
	ReplDelete   byte = 'D'
)

// BeginMessage opens a logical-replication transaction.
type BeginMessage struct {
	FinalLSN   uint64
	CommitTime int64
	XID        uint32
}

// CommitMessage closes a logical-replication transaction.
type CommitMessage struct {
	Flags      byte
	CommitLSN  uint64
	EndLSN     uint64
	CommitTime int64
}

// RelationColumn describes one column of a Relation message.
type RelationColumn struct {
	Flags        byte // 1 = part of the replica identity
	Name         string
	TypeOID      uint32
	TypeModifier int32
}

// RelationMessage maps a relation ID to its schema, sent once per
// relation generation before any Insert/Update/Delete referencing it.
type RelationMessage struct {
	RelationID      uint32
	Namespace       string
	Name            string
	ReplicaIdentity byte
	Columns         []RelationColumn
}

// TupleColumn is one column's value in an Insert/Update/Delete tuple.
type TupleColumn struct {
	Kind  byte // 'n' = NULL, 'u' = unchanged TOAST, 't' = text, 'b' = binary
	Value []byte
}

// InsertMessage is a logical-replication row insert.
type InsertMessage struct {
	RelationID uint32
	New        []TupleColumn
}

// UpdateMessage is a logical-replication row update. Old is nil unless
// the relation's replica identity includes the old row image.
type UpdateMessage struct {
	RelationID uint32
	Old        []TupleColumn
	New        []TupleColumn
}

// DeleteMessage is a logical-replication row delete.
type DeleteMessage struct {
	RelationID uint32
	Old        []TupleColumn
}

// ParseReplicationMessage decodes one pgoutput message from an
// XLogDataMessage's Data, dispatching on its leading kind byte.
func ParseReplicationMessage(data []byte) (kind byte, msg interface{}, err error) {
	if len(data) == 0 {
		return 0, nil, fmt.Errorf("wire: empty replication message")
	}
	kind = data[0]
	rest := data[1:]
	switch kind {
	case ReplBegin:
		m, err := parseBegin(rest)
		return kind, m, err
	case ReplCommit:
		m, err := parseCommit(rest)
		return kind, m, err
	case ReplRelation:
		m, err := parseRelation(rest)
		return kind, m, err
	case ReplInsert:
		m, err := parseInsert(rest)
		return kind, m, err
	case ReplUpdate:
		m, err := parseUpdate(rest)
		return kind, m, err
	case ReplDelete:
		m, err := parseDelete(rest)
		return kind, m, err
	default:
		return kind, nil, fmt.Errorf("wire: unsupported replication message kind %q", kind)
	}
}

func parseBegin(b []byte) (*BeginMessage, error) {
	if len(b) < 20 {
		return nil, fmt.Errorf("wire: Begin truncated")
	}
	return &BeginMessage{
		FinalLSN:   binary.BigEndian.Uint64(b[0:8]),
		CommitTime: int64(binary.BigEndian.Uint64(b[8:16])),
		XID:        binary.BigEndian.Uint32(b[16:20]),
	}, nil
}

func parseCommit(b []byte) (*CommitMessage, error) {
	if len(b) < 25 {
		return nil, fmt.Errorf("wire: Commit truncated")
	}
	return &CommitMessage{
		Flags:      b[0],
		CommitLSN:  binary.BigEndian.Uint64(b[1:9]),
		EndLSN:     binary.BigEndian.Uint64(b[9:17]),
		CommitTime: int64(binary.BigEndian.Uint64(b[17:25])),
	}, nil
}

func parseRelation(b []byte) (*RelationMessage, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("wire: Relation truncated")
	}
	relID := binary.BigEndian.Uint32(b[0:4])
	rest := b[4:]

	ns, rest, err := readCString(rest)
	if err != nil {
		return nil, err
	}
	name, rest, err := readCString(rest)
	if err != nil {
		return nil, err
	}
	if len(rest) < 3 {
		return nil, fmt.Errorf("wire: Relation truncated after name")
	}
	replIdentity := rest[0]
	numCols := binary.BigEndian.Uint16(rest[1:3])
	rest = rest[3:]

	cols := make([]RelationColumn, 0, numCols)
	for i := uint16(0); i < numCols; i++ {
		if len(rest) < 1 {
			return nil, fmt.Errorf("wire: Relation column truncated")
		}
		flags := rest[0]
		rest = rest[1:]
		colName, r2, err := readCString(rest)
		if err != nil {
			return nil, err
		}
		rest = r2
		if len(rest) < 8 {
			return nil, fmt.Errorf("wire: Relation column type truncated")
		}
		typeOID := binary.BigEndian.Uint32(rest[0:4])
		typeMod := int32(binary.BigEndian.Uint32(rest[4:8]))
		rest = rest[8:]
		cols = append(cols, RelationColumn{Flags: flags, Name: colName, TypeOID: typeOID, TypeModifier: typeMod})
	}

	return &RelationMessage{
		RelationID:      relID,
		Namespace:       ns,
		Name:            name,
		ReplicaIdentity: replIdentity,
		Columns:         cols,
	}, nil
}

func parseTuple(b []byte) ([]TupleColumn, []byte, error) {
	if len(b) < 2 {
		return nil, nil, fmt.Errorf("wire: tuple truncated")
	}
	n := binary.BigEndian.Uint16(b[0:2])
	rest := b[2:]
	cols := make([]TupleColumn, 0, n)
	for i := uint16(0); i < n; i++ {
		if len(rest) < 1 {
			return nil, nil, fmt.Errorf("wire: tuple column truncated")
		}
		kind := rest[0]
		rest = rest[1:]
		switch kind {
		case 'n', 'u':
			cols = append(cols, TupleColumn{Kind: kind})
		case 't', 'b':
			if len(rest) < 4 {
				return nil, nil, fmt.Errorf("wire: tuple column length truncated")
			}
			length := binary.BigEndian.Uint32(rest[0:4])
			rest = rest[4:]
			if uint32(len(rest)) < length {
				return nil, nil, fmt.Errorf("wire: tuple column value truncated")
			}
			cols = append(cols, TupleColumn{Kind: kind, Value: rest[:length]})
			rest = rest[length:]
		default:
			return nil, nil, fmt.Errorf("wire: unknown tuple column kind %q", kind)
		}
	}
	return cols, rest, nil
}

func parseInsert(b []byte) (*InsertMessage, error) {
	if len(b) < 5 {
		return nil, fmt.Errorf("wire: Insert truncated")
	}
	relID := binary.BigEndian.Uint32(b[0:4])
	if b[4] != 'N' {
		return nil, fmt.Errorf("wire: Insert expected new-tuple marker, got %q", b[4])
	}
	cols, _, err := parseTuple(b[5:])
	if err != nil {
		return nil, err
	}
	return &InsertMessage{RelationID: relID, New: cols}, nil
}

func parseUpdate(b []byte) (*UpdateMessage, error) {
	if len(b) < 5 {
		return nil, fmt.Errorf("wire: Update truncated")
	}
	relID := binary.BigEndian.Uint32(b[0:4])
	rest := b[4:]

	m := &UpdateMessage{RelationID: relID}
	if len(rest) == 0 {
		return nil, fmt.Errorf("wire: Update truncated after relation id")
	}
	if rest[0] == 'K' || rest[0] == 'O' {
		old, r2, err := parseTuple(rest[1:])
		if err != nil {
			return nil, err
		}
		m.Old = old
		rest = r2
	}
	if len(rest) == 0 || rest[0] != 'N' {
		return nil, fmt.Errorf("wire: Update expected new-tuple marker")
	}
	newCols, _, err := parseTuple(rest[1:])
	if err != nil {
		return nil, err
	}
	m.New = newCols
	return m, nil
}

func parseDelete(b []byte) (*DeleteMessage, error) {
	if len(b) < 5 {
		return nil, fmt.Errorf("wire: Delete truncated")
	}
	relID := binary.BigEndian.Uint32(b[0:4])
	rest := b[4:]
	if len(rest) == 0 || (rest[0] != 'K' && rest[0] != 'O') {
		return nil, fmt.Errorf("wire: Delete expected key/old tuple marker")
	}
	old, _, err := parseTuple(rest[1:])
	if err != nil {
		return nil, err
	}
	return &DeleteMessage{RelationID: relID, Old: old}, nil
}
