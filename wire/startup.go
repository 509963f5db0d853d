package wire

import (
	"encoding/binary"
	"fmt"
)

// StartupMessage is the client's initial, untagged handshake payload:
// protocol version followed by null-terminated key/value parameter pairs
// (user, database, application_name, client_encoding, ...).
type StartupMessage struct {
	ProtocolVersion uint32
	Parameters      map[string]string
}

// ParseStartupMessage decodes the payload returned by Stream.ReadStartup
// when it is not one of the special request codes.
func ParseStartupMessage(payload []byte) (*StartupMessage, error) {
	if len(payload) < 4 {
		return nil, fmt.Errorf("wire: startup message too short")
	}
	version := binary.BigEndian.Uint32(payload[:4])
	params := map[string]string{}
	rest := payload[4:]
	for len(rest) > 0 && rest[0] != 0 {
		key, next, err := readCString(rest)
		if err != nil {
			return nil, err
		}
		val, next2, err := readCString(next)
		if err != nil {
			return nil, err
		}
		params[key] = val
		rest = next2
	}
	return &StartupMessage{ProtocolVersion: version, Parameters: params}, nil
}

// Encode serializes a StartupMessage into the untagged wire form (length
// prefix included).
func (s *StartupMessage) Encode() []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, s.ProtocolVersion)
	for k, v := range s.Parameters {
		buf = append(buf, []byte(k)...)
		buf = append(buf, 0)
		buf = append(buf, []byte(v)...)
		buf = append(buf, 0)
	}
	buf = append(buf, 0)
	out := make([]byte, 4+len(buf))
	binary.BigEndian.PutUint32(out[:4], uint32(len(out)))
	copy(out[4:], buf)
	return out
}

// CancelRequest carries the backend PID and secret key a client received
// in BackendKeyData, sent over a fresh connection to abort a running query.
type CancelRequest struct {
	ProcessID uint32
	SecretKey uint32
}

// ParseCancelRequest decodes a CancelRequest payload as returned by
// Stream.ReadStartup: the CancelRequestCode, then process ID and secret key.
func ParseCancelRequest(payload []byte) (*CancelRequest, error) {
	if len(payload) != 12 {
		return nil, fmt.Errorf("wire: cancel request wrong length %d", len(payload))
	}
	return &CancelRequest{
		ProcessID: binary.BigEndian.Uint32(payload[4:8]),
		SecretKey: binary.BigEndian.Uint32(payload[8:12]),
	}, nil
}

// Encode serializes a CancelRequest including its length prefix and code.
func (c *CancelRequest) Encode() []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint32(buf[0:4], 16)
	binary.BigEndian.PutUint32(buf[4:8], CancelRequestCode)
	binary.BigEndian.PutUint32(buf[8:12], c.ProcessID)
	binary.BigEndian.PutUint32(buf[12:16], c.SecretKey)
	return buf
}

// BackendKeyData identifies a backend session for later CancelRequest use.
type BackendKeyData struct {
	ProcessID uint32
	SecretKey uint32
}

// ParseBackendKeyData decodes a 'K' message payload.
func ParseBackendKeyData(payload []byte) (*BackendKeyData, error) {
	if len(payload) != 8 {
		return nil, fmt.Errorf("wire: backend key data wrong length %d", len(payload))
	}
	return &BackendKeyData{
		ProcessID: binary.BigEndian.Uint32(payload[0:4]),
		SecretKey: binary.BigEndian.Uint32(payload[4:8]),
	}, nil
}

// Encode serializes BackendKeyData payload bytes (no tag/length).
func (b *BackendKeyData) Encode() []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], b.ProcessID)
	binary.BigEndian.PutUint32(buf[4:8], b.SecretKey)
	return buf
}

// ReadyForQuery transaction status bytes.
const (
	TxStatusIdle       byte = 'I'
	TxStatusInBlock    byte = 'T'
	TxStatusFailed     byte = 'E'
)

// ParseReadyForQuery returns the transaction status byte of a 'Z' message.
func ParseReadyForQuery(payload []byte) (byte, error) {
	if len(payload) != 1 {
		return 0, fmt.Errorf("wire: ready-for-query wrong length %d", len(payload))
	}
	return payload[0], nil
}

// EncodeReadyForQuery builds the payload for a 'Z' message.
func EncodeReadyForQuery(status byte) []byte {
	return []byte{status}
}

// ParameterStatus is a single backend-reported runtime parameter
// (server_version, TimeZone, client_encoding, ...).
type ParameterStatus struct {
	Name  string
	Value string
}

// ParseParameterStatus decodes an 'S' (backend) message payload.
func ParseParameterStatus(payload []byte) (*ParameterStatus, error) {
	name, rest, err := readCString(payload)
	if err != nil {
		return nil, err
	}
	value, _, err := readCString(rest)
	if err != nil {
		return nil, err
	}
	return &ParameterStatus{Name: name, Value: value}, nil
}

// Encode serializes a ParameterStatus payload.
func (p *ParameterStatus) Encode() []byte {
	buf := make([]byte, 0, len(p.Name)+len(p.Value)+2)
	buf = append(buf, []byte(p.Name)...)
	buf = append(buf, 0)
	buf = append(buf, []byte(p.Value)...)
	buf = append(buf, 0)
	return buf
}

func readCString(b []byte) (string, []byte, error) {
	for i, c := range b {
		if c == 0 {
			return string(b[:i]), b[i+1:], nil
		}
	}
	return "", nil, fmt.Errorf("wire: unterminated string")
}
