package wire

import "encoding/binary"

// CopyFormat mirrors the overall-format byte in CopyInResponse/
// CopyOutResponse/CopyBothResponse: 0 textual, 1 binary.
type CopyFormat byte

const (
	CopyFormatText   CopyFormat = 0
	CopyFormatBinary CopyFormat = 1
)

// CopyResponseMessage describes the shared layout of CopyInResponse ('G'),
// CopyOutResponse ('H'), and CopyBothResponse ('W'): an overall format
// followed by one format code per column.
type CopyResponseMessage struct {
	Format        CopyFormat
	ColumnFormats []int16
}

// ParseCopyResponse decodes a CopyIn/CopyOut/CopyBoth payload.
func ParseCopyResponse(payload []byte) (*CopyResponseMessage, error) {
	if len(payload) < 3 {
		return nil, errShort("copy response")
	}
	n := binary.BigEndian.Uint16(payload[1:3])
	rest := payload[3:]
	cols := make([]int16, n)
	for i := range cols {
		if len(rest) < 2 {
			return nil, errShort("copy response columns")
		}
		cols[i] = int16(binary.BigEndian.Uint16(rest[:2]))
		rest = rest[2:]
	}
	return &CopyResponseMessage{Format: CopyFormat(payload[0]), ColumnFormats: cols}, nil
}

// Encode serializes a CopyResponseMessage payload.
func (c *CopyResponseMessage) Encode() []byte {
	buf := make([]byte, 0, 3+2*len(c.ColumnFormats))
	buf = append(buf, byte(c.Format))
	buf = append(buf, put16(len(c.ColumnFormats))...)
	for _, f := range c.ColumnFormats {
		buf = append(buf, put16(int(f))...)
	}
	return buf
}

// CopyDataMessage wraps a 'd' message: an opaque chunk of COPY payload
// bytes, split on row boundaries by the caller (copysplit), never by wire.
type CopyDataMessage struct {
	Data []byte
}

// ParseCopyData decodes a 'd' message payload (identity — the payload is
// the data, verbatim).
func ParseCopyData(payload []byte) *CopyDataMessage {
	return &CopyDataMessage{Data: payload}
}

// Encode returns the raw COPY data bytes.
func (c *CopyDataMessage) Encode() []byte {
	return c.Data
}
