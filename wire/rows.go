package wire

import (
	"encoding/binary"
	"fmt"
)

// FieldDescription describes one result column, as carried in a
// RowDescription ('T') message.
type FieldDescription struct {
	Name         string
	TableOID     uint32
	ColumnAttr   int16
	TypeOID      uint32
	TypeSize     int16
	TypeModifier int32
	FormatCode   int16
}

// RowDescriptionMessage is the backend 'T' message.
type RowDescriptionMessage struct {
	Fields []FieldDescription
}

// ParseRowDescription decodes a 'T' message payload.
func ParseRowDescription(payload []byte) (*RowDescriptionMessage, error) {
	if len(payload) < 2 {
		return nil, fmt.Errorf("wire: row description truncated")
	}
	n := binary.BigEndian.Uint16(payload[:2])
	rest := payload[2:]
	fields := make([]FieldDescription, n)
	for i := range fields {
		name, next, err := readCString(rest)
		if err != nil {
			return nil, err
		}
		if len(next) < 18 {
			return nil, fmt.Errorf("wire: row description field truncated")
		}
		fields[i] = FieldDescription{
			Name:         name,
			TableOID:     binary.BigEndian.Uint32(next[0:4]),
			ColumnAttr:   int16(binary.BigEndian.Uint16(next[4:6])),
			TypeOID:      binary.BigEndian.Uint32(next[6:10]),
			TypeSize:     int16(binary.BigEndian.Uint16(next[10:12])),
			TypeModifier: int32(binary.BigEndian.Uint32(next[12:16])),
			FormatCode:   int16(binary.BigEndian.Uint16(next[16:18])),
		}
		rest = next[18:]
	}
	return &RowDescriptionMessage{Fields: fields}, nil
}

// Encode serializes a RowDescriptionMessage payload.
func (r *RowDescriptionMessage) Encode() []byte {
	buf := put16(len(r.Fields))
	for _, f := range r.Fields {
		buf = append(buf, []byte(f.Name)...)
		buf = append(buf, 0)
		b4 := make([]byte, 4)
		binary.BigEndian.PutUint32(b4, f.TableOID)
		buf = append(buf, b4...)
		buf = append(buf, put16(int(f.ColumnAttr))...)
		binary.BigEndian.PutUint32(b4, f.TypeOID)
		buf = append(buf, b4...)
		buf = append(buf, put16(int(f.TypeSize))...)
		binary.BigEndian.PutUint32(b4, uint32(f.TypeModifier))
		buf = append(buf, b4...)
		buf = append(buf, put16(int(f.FormatCode))...)
	}
	return buf
}

// DataRowMessage is the backend 'D' message: one row of column values,
// each either NULL (nil) or length-prefixed bytes in the column's format.
type DataRowMessage struct {
	Values [][]byte
}

// ParseDataRow decodes a 'D' message payload.
func ParseDataRow(payload []byte) (*DataRowMessage, error) {
	if len(payload) < 2 {
		return nil, fmt.Errorf("wire: data row truncated")
	}
	n := binary.BigEndian.Uint16(payload[:2])
	rest := payload[2:]
	values := make([][]byte, n)
	for i := range values {
		if len(rest) < 4 {
			return nil, fmt.Errorf("wire: data row value length truncated")
		}
		length := int32(binary.BigEndian.Uint32(rest[:4]))
		rest = rest[4:]
		if length < 0 {
			values[i] = nil
			continue
		}
		if int32(len(rest)) < length {
			return nil, fmt.Errorf("wire: data row value truncated")
		}
		values[i] = rest[:length]
		rest = rest[length:]
	}
	return &DataRowMessage{Values: values}, nil
}

// Encode serializes a DataRowMessage payload.
func (d *DataRowMessage) Encode() []byte {
	buf := put16(len(d.Values))
	for _, v := range d.Values {
		if v == nil {
			buf = append(buf, 0xff, 0xff, 0xff, 0xff)
			continue
		}
		ln := make([]byte, 4)
		binary.BigEndian.PutUint32(ln, uint32(len(v)))
		buf = append(buf, ln...)
		buf = append(buf, v...)
	}
	return buf
}

// CommandCompleteMessage is the backend 'C' message: a human-readable tag
// such as "SELECT 5" or "UPDATE 3" that the merger must re-derive counts
// from when combining results across shards.
type CommandCompleteMessage struct {
	Tag string
}

// ParseCommandComplete decodes a 'C' (backend) message payload.
func ParseCommandComplete(payload []byte) (*CommandCompleteMessage, error) {
	tag, _, err := readCString(payload)
	if err != nil {
		return nil, err
	}
	return &CommandCompleteMessage{Tag: tag}, nil
}

// Encode serializes a CommandCompleteMessage payload.
func (c *CommandCompleteMessage) Encode() []byte {
	buf := make([]byte, 0, len(c.Tag)+1)
	buf = append(buf, []byte(c.Tag)...)
	buf = append(buf, 0)
	return buf
}

// ParameterDescriptionMessage is the backend 't' message: the parameter
// OIDs a prepared statement expects, returned in response to Describe('S').
type ParameterDescriptionMessage struct {
	OIDs []uint32
}

// ParseParameterDescription decodes a 't' message payload.
func ParseParameterDescription(payload []byte) (*ParameterDescriptionMessage, error) {
	if len(payload) < 2 {
		return nil, fmt.Errorf("wire: parameter description truncated")
	}
	n := binary.BigEndian.Uint16(payload[:2])
	rest := payload[2:]
	oids := make([]uint32, n)
	for i := range oids {
		if len(rest) < 4 {
			return nil, fmt.Errorf("wire: parameter description truncated oids")
		}
		oids[i] = binary.BigEndian.Uint32(rest[:4])
		rest = rest[4:]
	}
	return &ParameterDescriptionMessage{OIDs: oids}, nil
}

// Encode serializes a ParameterDescriptionMessage payload.
func (p *ParameterDescriptionMessage) Encode() []byte {
	buf := put16(len(p.OIDs))
	for _, oid := range p.OIDs {
		b4 := make([]byte, 4)
		binary.BigEndian.PutUint32(b4, oid)
		buf = append(buf, b4...)
	}
	return buf
}

// Field is one key/value pair of an ErrorResponse or NoticeResponse.
// Field codes follow libpq's convention: 'S' severity, 'C' sqlstate code,
// 'M' message, 'D' detail, 'H' hint, and so on.
type Field struct {
	Code  byte
	Value string
}

// ErrorResponseMessage is the backend 'E' message.
type ErrorResponseMessage struct {
	Fields []Field
}

// ParseErrorResponse decodes an 'E' message payload (shared layout with
// NoticeResponse).
func ParseErrorResponse(payload []byte) (*ErrorResponseMessage, error) {
	fields, err := parseFields(payload)
	if err != nil {
		return nil, err
	}
	return &ErrorResponseMessage{Fields: fields}, nil
}

func parseFields(payload []byte) ([]Field, error) {
	var fields []Field
	rest := payload
	for len(rest) > 0 && rest[0] != 0 {
		code := rest[0]
		value, next, err := readCString(rest[1:])
		if err != nil {
			return nil, err
		}
		fields = append(fields, Field{Code: code, Value: value})
		rest = next
	}
	return fields, nil
}

// Encode serializes an ErrorResponseMessage payload.
func (e *ErrorResponseMessage) Encode() []byte {
	return encodeFields(e.Fields)
}

// Get returns the value of the first field with the given code, if any.
func (e *ErrorResponseMessage) Get(code byte) (string, bool) {
	for _, f := range e.Fields {
		if f.Code == code {
			return f.Value, true
		}
	}
	return "", false
}

func encodeFields(fields []Field) []byte {
	var buf []byte
	for _, f := range fields {
		buf = append(buf, f.Code)
		buf = append(buf, []byte(f.Value)...)
		buf = append(buf, 0)
	}
	buf = append(buf, 0)
	return buf
}

// NoticeResponseMessage is the backend 'N' message — same wire layout as
// ErrorResponse but advisory rather than fatal.
type NoticeResponseMessage struct {
	Fields []Field
}

// ParseNoticeResponse decodes an 'N' message payload.
func ParseNoticeResponse(payload []byte) (*NoticeResponseMessage, error) {
	fields, err := parseFields(payload)
	if err != nil {
		return nil, err
	}
	return &NoticeResponseMessage{Fields: fields}, nil
}

// Encode serializes a NoticeResponseMessage payload.
func (n *NoticeResponseMessage) Encode() []byte {
	return encodeFields(n.Fields)
}

// Error field codes used when the admin backend or router synthesizes an
// ErrorResponse.
const (
	FieldSeverity byte = 'S'
	FieldSQLState byte = 'C'
	FieldMessage  byte = 'M'
	FieldDetail   byte = 'D'
	FieldHint     byte = 'H'
)

// NewErrorResponse builds a minimal synthetic error, the way the admin
// backend and router report failures without a real backend connection.
func NewErrorResponse(severity, sqlstate, message string) *ErrorResponseMessage {
	return &ErrorResponseMessage{Fields: []Field{
		{Code: FieldSeverity, Value: severity},
		{Code: FieldSQLState, Value: sqlstate},
		{Code: FieldMessage, Value: message},
	}}
}
