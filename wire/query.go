package wire

import "encoding/binary"

// ParseQuery decodes a simple-query 'Q' message payload into its SQL text.
func ParseQuery(payload []byte) (string, error) {
	s, _, err := readCString(payload)
	return s, err
}

// EncodeQuery serializes a simple-query payload.
func EncodeQuery(sql string) []byte {
	buf := make([]byte, 0, len(sql)+1)
	buf = append(buf, []byte(sql)...)
	buf = append(buf, 0)
	return buf
}

// AuthenticationMessage is the decoded payload of a backend 'R' message.
type AuthenticationMessage struct {
	Kind uint32
	// Data is kind-specific: 4-byte salt for MD5, mechanism list for SASL,
	// SASL server-first/server-final payload for SASLContinue/SASLFinal.
	Data []byte
}

// ParseAuthentication decodes an 'R' message payload.
func ParseAuthentication(payload []byte) (*AuthenticationMessage, error) {
	if len(payload) < 4 {
		return nil, errShort("authentication")
	}
	return &AuthenticationMessage{
		Kind: binary.BigEndian.Uint32(payload[:4]),
		Data: payload[4:],
	}, nil
}

// Encode serializes an AuthenticationMessage payload.
func (a *AuthenticationMessage) Encode() []byte {
	buf := make([]byte, 4+len(a.Data))
	binary.BigEndian.PutUint32(buf[:4], a.Kind)
	copy(buf[4:], a.Data)
	return buf
}

// EncodeSASLInitialResponse builds the PasswordMessage payload sent in
// response to AuthenticationSASL: mechanism name, then the length-prefixed
// client-first-message.
func EncodeSASLInitialResponse(mechanism, clientFirst string) []byte {
	buf := []byte(mechanism)
	buf = append(buf, 0)
	ln := make([]byte, 4)
	binary.BigEndian.PutUint32(ln, uint32(len(clientFirst)))
	buf = append(buf, ln...)
	buf = append(buf, []byte(clientFirst)...)
	return buf
}

// EncodeSASLResponse builds the PasswordMessage payload sent in response
// to AuthenticationSASLContinue: just the raw client-final-message.
func EncodeSASLResponse(clientFinal string) []byte {
	return []byte(clientFinal)
}

// EncodeAuthOK builds the AuthenticationOk payload.
func EncodeAuthOK() []byte { return (&AuthenticationMessage{Kind: AuthOK}).Encode() }

// EncodeAuthCleartextPassword builds the AuthenticationCleartextPassword payload.
func EncodeAuthCleartextPassword() []byte {
	return (&AuthenticationMessage{Kind: AuthCleartextPassword}).Encode()
}

// EncodeAuthMD5 builds the AuthenticationMD5Password payload carrying the
// 4-byte salt the client must fold into its challenge response.
func EncodeAuthMD5(salt [4]byte) []byte {
	return (&AuthenticationMessage{Kind: AuthMD5Password, Data: salt[:]}).Encode()
}

// EncodeAuthSASL builds the AuthenticationSASL payload listing the
// mechanisms this server offers, a nul-terminated list ending in an extra nul.
func EncodeAuthSASL(mechanisms ...string) []byte {
	var buf []byte
	for _, m := range mechanisms {
		buf = append(buf, []byte(m)...)
		buf = append(buf, 0)
	}
	buf = append(buf, 0)
	return (&AuthenticationMessage{Kind: AuthSASL, Data: buf}).Encode()
}

// EncodeAuthSASLContinue builds the AuthenticationSASLContinue payload.
func EncodeAuthSASLContinue(serverFirst string) []byte {
	return (&AuthenticationMessage{Kind: AuthSASLContinue, Data: []byte(serverFirst)}).Encode()
}

// EncodeAuthSASLFinal builds the AuthenticationSASLFinal payload.
func EncodeAuthSASLFinal(serverFinal string) []byte {
	return (&AuthenticationMessage{Kind: AuthSASLFinal, Data: []byte(serverFinal)}).Encode()
}

// ParseSASLInitialResponse splits a client's PasswordMessage payload sent
// in answer to AuthenticationSASL into the chosen mechanism and the
// client-first-message bytes.
func ParseSASLInitialResponse(payload []byte) (mechanism, clientFirst string, err error) {
	mechanism, rest, err := readCString(payload)
	if err != nil {
		return "", "", err
	}
	if len(rest) < 4 {
		return "", "", errShort("SASL initial response")
	}
	n := binary.BigEndian.Uint32(rest[:4])
	rest = rest[4:]
	if uint32(len(rest)) < n {
		return "", "", errShort("SASL initial response body")
	}
	return mechanism, string(rest[:n]), nil
}

func errShort(what string) error {
	return &shortMessageError{what}
}

type shortMessageError struct{ what string }

func (e *shortMessageError) Error() string {
	return "wire: " + e.what + " message truncated"
}
