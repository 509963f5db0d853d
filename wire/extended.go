package wire

import (
	"encoding/binary"
	"fmt"
)

// ParseMessage is the frontend 'P' message: name the statement, give it a
// SQL string, and declare the parameter OIDs the caller already knows.
type ParseMessage struct {
	Name          string
	Query         string
	ParamOIDs     []uint32
}

// ParseParse decodes a Parse payload.
func ParseParse(payload []byte) (*ParseMessage, error) {
	name, rest, err := readCString(payload)
	if err != nil {
		return nil, err
	}
	query, rest, err := readCString(rest)
	if err != nil {
		return nil, err
	}
	if len(rest) < 2 {
		return nil, fmt.Errorf("wire: parse message truncated")
	}
	n := binary.BigEndian.Uint16(rest[:2])
	rest = rest[2:]
	oids := make([]uint32, n)
	for i := range oids {
		if len(rest) < 4 {
			return nil, fmt.Errorf("wire: parse message truncated param oids")
		}
		oids[i] = binary.BigEndian.Uint32(rest[:4])
		rest = rest[4:]
	}
	return &ParseMessage{Name: name, Query: query, ParamOIDs: oids}, nil
}

// Encode serializes a ParseMessage payload.
func (p *ParseMessage) Encode() []byte {
	buf := make([]byte, 0, len(p.Name)+len(p.Query)+4+4*len(p.ParamOIDs))
	buf = append(buf, []byte(p.Name)...)
	buf = append(buf, 0)
	buf = append(buf, []byte(p.Query)...)
	buf = append(buf, 0)
	n := make([]byte, 2)
	binary.BigEndian.PutUint16(n, uint16(len(p.ParamOIDs)))
	buf = append(buf, n...)
	for _, oid := range p.ParamOIDs {
		o := make([]byte, 4)
		binary.BigEndian.PutUint32(o, oid)
		buf = append(buf, o...)
	}
	return buf
}

// BindMessage is the frontend 'B' message: bind parameter values (and
// result column format codes) to a previously parsed statement, producing
// a named portal.
type BindMessage struct {
	Portal        string
	Statement     string
	ParamFormats  []int16
	ParamValues   [][]byte // nil element means SQL NULL
	ResultFormats []int16
}

// ParseBind decodes a Bind payload.
func ParseBind(payload []byte) (*BindMessage, error) {
	portal, rest, err := readCString(payload)
	if err != nil {
		return nil, err
	}
	stmt, rest, err := readCString(rest)
	if err != nil {
		return nil, err
	}
	nFormats, rest, err := readInt16Count(rest)
	if err != nil {
		return nil, err
	}
	formats := make([]int16, nFormats)
	for i := range formats {
		if len(rest) < 2 {
			return nil, fmt.Errorf("wire: bind truncated param formats")
		}
		formats[i] = int16(binary.BigEndian.Uint16(rest[:2]))
		rest = rest[2:]
	}
	nParams, rest, err := readInt16Count(rest)
	if err != nil {
		return nil, err
	}
	values := make([][]byte, nParams)
	for i := range values {
		if len(rest) < 4 {
			return nil, fmt.Errorf("wire: bind truncated param length")
		}
		length := int32(binary.BigEndian.Uint32(rest[:4]))
		rest = rest[4:]
		if length < 0 {
			values[i] = nil
			continue
		}
		if int32(len(rest)) < length {
			return nil, fmt.Errorf("wire: bind truncated param value")
		}
		values[i] = rest[:length]
		rest = rest[length:]
	}
	nResults, rest, err := readInt16Count(rest)
	if err != nil {
		return nil, err
	}
	resultFormats := make([]int16, nResults)
	for i := range resultFormats {
		if len(rest) < 2 {
			return nil, fmt.Errorf("wire: bind truncated result formats")
		}
		resultFormats[i] = int16(binary.BigEndian.Uint16(rest[:2]))
		rest = rest[2:]
	}
	return &BindMessage{
		Portal:        portal,
		Statement:     stmt,
		ParamFormats:  formats,
		ParamValues:   values,
		ResultFormats: resultFormats,
	}, nil
}

func readInt16Count(b []byte) (int, []byte, error) {
	if len(b) < 2 {
		return 0, nil, fmt.Errorf("wire: truncated int16 count")
	}
	return int(binary.BigEndian.Uint16(b[:2])), b[2:], nil
}

// Encode serializes a BindMessage payload.
func (b *BindMessage) Encode() []byte {
	buf := []byte{}
	buf = append(buf, []byte(b.Portal)...)
	buf = append(buf, 0)
	buf = append(buf, []byte(b.Statement)...)
	buf = append(buf, 0)
	buf = append(buf, put16(len(b.ParamFormats))...)
	for _, f := range b.ParamFormats {
		buf = append(buf, put16(int(f))...)
	}
	buf = append(buf, put16(len(b.ParamValues))...)
	for _, v := range b.ParamValues {
		if v == nil {
			buf = append(buf, 0xff, 0xff, 0xff, 0xff)
			continue
		}
		ln := make([]byte, 4)
		binary.BigEndian.PutUint32(ln, uint32(len(v)))
		buf = append(buf, ln...)
		buf = append(buf, v...)
	}
	buf = append(buf, put16(len(b.ResultFormats))...)
	for _, f := range b.ResultFormats {
		buf = append(buf, put16(int(f))...)
	}
	return buf
}

func put16(v int) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, uint16(v))
	return b
}

// DescribeMessage is the frontend 'D' message, targeting either a
// statement ('S') or a portal ('P').
type DescribeMessage struct {
	Kind byte
	Name string
}

// ParseDescribe decodes a Describe payload.
func ParseDescribe(payload []byte) (*DescribeMessage, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("wire: describe message empty")
	}
	name, _, err := readCString(payload[1:])
	if err != nil {
		return nil, err
	}
	return &DescribeMessage{Kind: payload[0], Name: name}, nil
}

// Encode serializes a DescribeMessage payload.
func (d *DescribeMessage) Encode() []byte {
	buf := make([]byte, 0, len(d.Name)+2)
	buf = append(buf, d.Kind)
	buf = append(buf, []byte(d.Name)...)
	buf = append(buf, 0)
	return buf
}

// ExecuteMessage is the frontend 'E' message: run a bound portal,
// optionally limiting the number of rows returned.
type ExecuteMessage struct {
	Portal  string
	MaxRows uint32
}

// ParseExecute decodes an Execute payload.
func ParseExecute(payload []byte) (*ExecuteMessage, error) {
	portal, rest, err := readCString(payload)
	if err != nil {
		return nil, err
	}
	if len(rest) < 4 {
		return nil, fmt.Errorf("wire: execute message truncated")
	}
	return &ExecuteMessage{Portal: portal, MaxRows: binary.BigEndian.Uint32(rest[:4])}, nil
}

// Encode serializes an ExecuteMessage payload.
func (e *ExecuteMessage) Encode() []byte {
	buf := make([]byte, 0, len(e.Portal)+5)
	buf = append(buf, []byte(e.Portal)...)
	buf = append(buf, 0)
	ln := make([]byte, 4)
	binary.BigEndian.PutUint32(ln, e.MaxRows)
	buf = append(buf, ln...)
	return buf
}

// CloseTarget is the frontend 'C' message, closing a statement or portal.
type CloseTarget struct {
	Kind byte
	Name string
}

// ParseCloseTarget decodes a Close payload.
func ParseCloseTarget(payload []byte) (*CloseTarget, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("wire: close message empty")
	}
	name, _, err := readCString(payload[1:])
	if err != nil {
		return nil, err
	}
	return &CloseTarget{Kind: payload[0], Name: name}, nil
}

// Encode serializes a CloseTarget payload.
func (c *CloseTarget) Encode() []byte {
	buf := make([]byte, 0, len(c.Name)+2)
	buf = append(buf, c.Kind)
	buf = append(buf, []byte(c.Name)...)
	buf = append(buf, 0)
	return buf
}

// Target kinds shared by Describe and Close.
const (
	TargetStatement byte = 'S'
	TargetPortal    byte = 'P'
)
