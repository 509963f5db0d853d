package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// maxMessageLen guards against a corrupt or hostile length prefix causing an
// unbounded allocation; PostgreSQL itself never sends single messages this
// large in normal operation.
const maxMessageLen = 256 * 1024 * 1024

// Stream wraps a socket (TCP or TLS) with buffered framing for the
// PostgreSQL v3 protocol, generalizing the teacher's readMessage/
// writeMessage/encodeMessage trio into a reusable bidirectional codec.
type Stream struct {
	conn io.ReadWriteCloser
	r    *bufio.Reader
	w    *bufio.Writer
}

// NewStream wraps conn for framed message I/O.
func NewStream(conn io.ReadWriteCloser) *Stream {
	return &Stream{
		conn: conn,
		r:    bufio.NewReaderSize(conn, 16*1024),
		w:    bufio.NewWriterSize(conn, 16*1024),
	}
}

// Conn returns the underlying connection (used to swap in a TLS-wrapped
// conn after a successful SSLRequest negotiation, and for TCP_NODELAY).
func (s *Stream) Conn() io.ReadWriteCloser { return s.conn }

// Rewrap replaces the underlying connection (post-TLS-upgrade) and resets
// the buffers, since any buffered plaintext bytes are no longer valid once
// a TLS handshake begins on the same socket.
func (s *Stream) Rewrap(conn io.ReadWriteCloser) {
	s.conn = conn
	s.r = bufio.NewReaderSize(conn, 16*1024)
	s.w = bufio.NewWriterSize(conn, 16*1024)
}

// Close closes the underlying connection.
func (s *Stream) Close() error { return s.conn.Close() }

// ReadStartup reads the untagged startup-phase message: a 4-byte length
// (inclusive of itself) followed by the rest of the payload. Used for
// StartupMessage, SSLRequest, and CancelRequest, which have no type byte.
func (s *Stream) ReadStartup() ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(s.r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length < 4 || int64(length) > maxMessageLen {
		return nil, fmt.Errorf("wire: invalid startup length %d", length)
	}
	payload := make([]byte, length-4)
	if _, err := io.ReadFull(s.r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// ReadMessage reads one tagged message: 1-byte type, 4-byte length
// (inclusive), then the payload.
func (s *Stream) ReadMessage() (Message, error) {
	var typeBuf [1]byte
	if _, err := io.ReadFull(s.r, typeBuf[:]); err != nil {
		return Message{}, err
	}
	var lenBuf [4]byte
	if _, err := io.ReadFull(s.r, lenBuf[:]); err != nil {
		return Message{}, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length < 4 || int64(length) > maxMessageLen {
		return Message{}, fmt.Errorf("wire: invalid message length %d for type %q", length, typeBuf[0])
	}
	payload := make([]byte, length-4)
	if len(payload) > 0 {
		if _, err := io.ReadFull(s.r, payload); err != nil {
			return Message{}, err
		}
	}
	return Message{Type: typeBuf[0], Payload: payload}, nil
}

// WriteMessage frames and buffers a tagged message. Call Flush to push it
// to the wire; batching writes between Sync/Flush points avoids a syscall
// per message during multi-row relays.
func (s *Stream) WriteMessage(msgType byte, payload []byte) error {
	var hdr [5]byte
	hdr[0] = msgType
	binary.BigEndian.PutUint32(hdr[1:5], uint32(len(payload)+4))
	if _, err := s.w.Write(hdr[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := s.w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// WriteRaw writes pre-framed bytes (used by the merger to relay an
// already-encoded message without decoding/re-encoding it).
func (s *Stream) WriteRaw(framed []byte) error {
	_, err := s.w.Write(framed)
	return err
}

// Flush pushes buffered writes to the socket. Must be called at every
// synchronization point (§ Glossary).
func (s *Stream) Flush() error { return s.w.Flush() }

// Encode frames a message into a standalone byte slice (used when the
// caller needs the bytes themselves, e.g. to buffer for sort-merge).
func Encode(msgType byte, payload []byte) []byte {
	buf := make([]byte, 5+len(payload))
	buf[0] = msgType
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(payload)+4))
	copy(buf[5:], payload)
	return buf
}
