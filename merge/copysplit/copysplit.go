// Package copysplit fans a COPY FROM STDIN data stream out across shards:
// each record's sharding-column value selects a destination shard, while
// header/trailer framing is broadcast to all of them.
package copysplit

import (
	"bytes"

	"github.com/pgdog/pgdog-go/router/shardkey"
)

// Format names the COPY data encoding.
type Format int

const (
	FormatText   Format = iota // tab-separated, one record per newline
	FormatCSV
	FormatBinary
)

// Splitter splits CopyData frames into per-shard records.
type Splitter struct {
	format       Format
	shardColumn  int
	numShards    int
	csvHeaderSent bool
	binaryHeaderSent bool
}

// NewSplitter builds a splitter for a COPY targeting a sharded table,
// routing on shardColumn (0-based) by hash.
func NewSplitter(format Format, shardColumn, numShards int) *Splitter {
	return &Splitter{format: format, shardColumn: shardColumn, numShards: numShards}
}

// Split parses one CopyData chunk into complete records and returns,
// for each record, the destination shard index and the record's raw
// bytes (including its line terminator, ready to re-frame as CopyData).
// Partial trailing records are returned in leftover for the caller to
// prepend to the next chunk.
func (s *Splitter) Split(chunk []byte) (records []ShardedRecord, leftover []byte) {
	switch s.format {
	case FormatBinary:
		return s.splitBinary(chunk)
	default:
		return s.splitLines(chunk)
	}
}

// ShardedRecord is one COPY record and the shard it routes to.
type ShardedRecord struct {
	Shard int
	Data  []byte
}

func (s *Splitter) splitLines(chunk []byte) ([]ShardedRecord, []byte) {
	var out []ShardedRecord
	start := 0
	for i := 0; i < len(chunk); i++ {
		if chunk[i] == '\n' {
			line := chunk[start : i+1]
			if s.format == FormatCSV && !s.csvHeaderSent {
				s.csvHeaderSent = true
				out = append(out, ShardedRecord{Shard: -1, Data: line}) // -1 = broadcast
				start = i + 1
				continue
			}
			shard := s.routeLine(line)
			out = append(out, ShardedRecord{Shard: shard, Data: line})
			start = i + 1
		}
	}
	return out, chunk[start:]
}

func (s *Splitter) routeLine(line []byte) int {
	sep := byte('\t')
	if s.format == FormatCSV {
		sep = ','
	}
	fields := bytes.Split(bytes.TrimRight(line, "\n"), []byte{sep})
	if s.shardColumn >= len(fields) {
		return -1
	}
	val := fields[s.shardColumn]
	i, err := parseInt64(val)
	if err != nil {
		return -1
	}
	return shardkey.HashBigint(i, s.numShards)
}

func parseInt64(b []byte) (int64, error) {
	var neg bool
	var v int64
	if len(b) == 0 {
		return 0, bytes.ErrTooLarge
	}
	i := 0
	if b[0] == '-' {
		neg = true
		i = 1
	}
	for ; i < len(b); i++ {
		if b[i] < '0' || b[i] > '9' {
			return 0, bytes.ErrTooLarge
		}
		v = v*10 + int64(b[i]-'0')
	}
	if neg {
		v = -v
	}
	return v, nil
}

// splitBinary handles the PGCOPY binary format: an 11-byte signature, a
// 4-byte flags field, a 4-byte header-extension length, then tuples each
// prefixed by a 2-byte field count (or 0xFFFF trailer marker).
func (s *Splitter) splitBinary(chunk []byte) ([]ShardedRecord, []byte) {
	var out []ShardedRecord
	pos := 0

	if !s.binaryHeaderSent {
		if len(chunk) < 19 {
			return nil, chunk
		}
		extLen := int(be32(chunk[15:19]))
		headerEnd := 19 + extLen
		if len(chunk) < headerEnd {
			return nil, chunk
		}
		s.binaryHeaderSent = true
		out = append(out, ShardedRecord{Shard: -1, Data: chunk[:headerEnd]})
		pos = headerEnd
	}

	for pos+2 <= len(chunk) {
		fieldCount := int(be16(chunk[pos : pos+2]))
		if fieldCount == 0xFFFF {
			out = append(out, ShardedRecord{Shard: -1, Data: chunk[pos : pos+2]})
			pos += 2
			break
		}
		start := pos
		pos += 2
		var shardCol []byte
		ok := true
		for f := 0; f < fieldCount; f++ {
			if pos+4 > len(chunk) {
				ok = false
				break
			}
			length := int(int32be(chunk[pos : pos+4]))
			pos += 4
			if length < 0 {
				continue
			}
			if pos+length > len(chunk) {
				ok = false
				break
			}
			if f == s.shardColumn {
				shardCol = chunk[pos : pos+length]
			}
			pos += length
		}
		if !ok {
			return out, chunk[start:]
		}
		shard := -1
		if shardCol != nil {
			if v, err := parseInt64(shardCol); err == nil {
				shard = shardkey.HashBigint(v, s.numShards)
			} else if len(shardCol) == 8 {
				shard = shardkey.HashBigint(int64(be64(shardCol)), s.numShards)
			}
		}
		out = append(out, ShardedRecord{Shard: shard, Data: chunk[start:pos]})
	}
	return out, chunk[pos:]
}

func be16(b []byte) uint16 { return uint16(b[0])<<8 | uint16(b[1]) }
func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
func int32be(b []byte) int32 { return int32(be32(b)) }
func be64(b []byte) uint64 {
	return uint64(be32(b[0:4]))<<32 | uint64(be32(b[4:8]))
}
