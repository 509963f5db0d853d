package wire

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// MD5Password computes PostgreSQL's MD5 challenge response:
// "md5" + md5(md5(password+user) + salt).
func MD5Password(user, password string, salt [4]byte) string {
	h1 := md5.Sum([]byte(password + user))
	hex1 := hex.EncodeToString(h1[:])
	h2 := md5.Sum(append([]byte(hex1), salt[:]...))
	return "md5" + hex.EncodeToString(h2[:])
}

// ScramClient drives the client side of a SCRAM-SHA-256 exchange
// (RFC 5802 / RFC 7677), used when the proxy authenticates to a real
// PostgreSQL backend on the operator's behalf.
type ScramClient struct {
	username    string
	password    string
	clientNonce string
	clientFirstBare string
	serverFirst string
	saltedPass  []byte
	authMessage string
}

// NewScramClient starts a new exchange. clientNonce should be 18-24 bytes
// of base64-random; a fresh one must be generated per connection attempt.
func NewScramClient(username, password string) (*ScramClient, error) {
	nonce, err := randomNonce()
	if err != nil {
		return nil, err
	}
	return &ScramClient{username: username, password: password, clientNonce: nonce}, nil
}

func randomNonce() (string, error) {
	buf := make([]byte, 18)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawStdEncoding.EncodeToString(buf), nil
}

// FirstMessage returns the client-first-message sent as the SASLInitialResponse.
func (s *ScramClient) FirstMessage() string {
	s.clientFirstBare = "n=" + saslEscape(s.username) + ",r=" + s.clientNonce
	return "n,," + s.clientFirstBare
}

// HandleServerFirst parses the AuthenticationSASLContinue payload and
// returns the client-final-message to send as the SASLResponse.
func (s *ScramClient) HandleServerFirst(serverFirst string) (string, error) {
	s.serverFirst = serverFirst
	fields := strings.Split(serverFirst, ",")
	var serverNonce, saltB64, iterStr string
	for _, f := range fields {
		switch {
		case strings.HasPrefix(f, "r="):
			serverNonce = f[2:]
		case strings.HasPrefix(f, "s="):
			saltB64 = f[2:]
		case strings.HasPrefix(f, "i="):
			iterStr = f[2:]
		}
	}
	if serverNonce == "" || saltB64 == "" || iterStr == "" || !strings.HasPrefix(serverNonce, s.clientNonce) {
		return "", fmt.Errorf("wire: malformed SCRAM server-first message")
	}
	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return "", fmt.Errorf("wire: bad SCRAM salt: %w", err)
	}
	iterations, err := strconv.Atoi(iterStr)
	if err != nil {
		return "", fmt.Errorf("wire: bad SCRAM iteration count: %w", err)
	}
	s.saltedPass = pbkdf2.Key([]byte(s.password), salt, iterations, sha256.Size, sha256.New)

	channelBinding := base64.StdEncoding.EncodeToString([]byte("n,,"))
	clientFinalNoProof := "c=" + channelBinding + ",r=" + serverNonce
	s.authMessage = s.clientFirstBare + "," + serverFirst + "," + clientFinalNoProof

	clientKey := hmacSHA256(s.saltedPass, []byte("Client Key"))
	storedKey := sha256.Sum256(clientKey)
	clientSig := hmacSHA256(storedKey[:], []byte(s.authMessage))
	clientProof := xorBytes(clientKey, clientSig)

	final := clientFinalNoProof + ",p=" + base64.StdEncoding.EncodeToString(clientProof)
	return final, nil
}

// VerifyServerFinal checks the server-final-message's signature (v=...)
// against the expected ServerSignature, confirming the backend actually
// knew the shared password.
func (s *ScramClient) VerifyServerFinal(serverFinal string) error {
	if !strings.HasPrefix(serverFinal, "v=") {
		return fmt.Errorf("wire: malformed SCRAM server-final message")
	}
	got, err := base64.StdEncoding.DecodeString(serverFinal[2:])
	if err != nil {
		return fmt.Errorf("wire: bad SCRAM server signature: %w", err)
	}
	serverKey := hmacSHA256(s.saltedPass, []byte("Server Key"))
	want := hmacSHA256(serverKey, []byte(s.authMessage))
	if !hmac.Equal(got, want) {
		return fmt.Errorf("wire: SCRAM server signature mismatch")
	}
	return nil
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

func saslEscape(s string) string {
	s = strings.ReplaceAll(s, "=", "=3D")
	s = strings.ReplaceAll(s, ",", "=2C")
	return s
}

// DefaultScramIterations matches PostgreSQL's default SCRAM iteration count.
const DefaultScramIterations = 4096

// ScramServer drives the server side of a SCRAM-SHA-256 exchange,
// verifying an incoming client against a plaintext password held in the
// cluster configuration (the proxy has no separate verifier store; it
// derives one per handshake the same way a real backend's pg_authid
// verifier would have been derived at ROLE creation time).
type ScramServer struct {
	password string

	clientFirstBare string
	serverFirst     string
	nonce           string
	salt            []byte
	saltedPass      []byte
	authMessage     string
}

// NewScramServer starts a server-side exchange for the given stored
// password.
func NewScramServer(password string) (*ScramServer, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return &ScramServer{password: password, salt: salt}, nil
}

// HandleClientFirst parses the client-first-message (the SASLInitialResponse
// body, with the "n,," GS2 header already stripped by the caller) and
// returns the server-first-message to send as AuthenticationSASLContinue.
func (s *ScramServer) HandleClientFirst(clientFirst string) (string, error) {
	s.clientFirstBare = clientFirst
	var clientNonce string
	for _, f := range strings.Split(clientFirst, ",") {
		if strings.HasPrefix(f, "r=") {
			clientNonce = f[2:]
		}
	}
	if clientNonce == "" {
		return "", fmt.Errorf("wire: malformed SCRAM client-first message")
	}
	serverNonceSuffix, err := randomNonce()
	if err != nil {
		return "", err
	}
	s.nonce = clientNonce + serverNonceSuffix

	s.saltedPass = pbkdf2.Key([]byte(s.password), s.salt, DefaultScramIterations, sha256.Size, sha256.New)

	s.serverFirst = "r=" + s.nonce + ",s=" + base64.StdEncoding.EncodeToString(s.salt) +
		",i=" + strconv.Itoa(DefaultScramIterations)
	return s.serverFirst, nil
}

// VerifyClientFinal parses the client-final-message, checks its proof
// against the derived salted password, and returns the server-final
// message to send as AuthenticationSASLFinal.
func (s *ScramServer) VerifyClientFinal(clientFinal string) (string, error) {
	var channelBinding, nonce, proofB64 string
	parts := strings.Split(clientFinal, ",p=")
	if len(parts) != 2 {
		return "", fmt.Errorf("wire: malformed SCRAM client-final message")
	}
	clientFinalNoProof := parts[0]
	proofB64 = parts[1]
	for _, f := range strings.Split(clientFinalNoProof, ",") {
		switch {
		case strings.HasPrefix(f, "c="):
			channelBinding = f[2:]
		case strings.HasPrefix(f, "r="):
			nonce = f[2:]
		}
	}
	if channelBinding == "" || nonce != s.nonce {
		return "", fmt.Errorf("wire: SCRAM nonce mismatch")
	}
	proof, err := base64.StdEncoding.DecodeString(proofB64)
	if err != nil {
		return "", fmt.Errorf("wire: bad SCRAM client proof: %w", err)
	}

	s.authMessage = s.clientFirstBare + "," + s.serverFirst + "," + clientFinalNoProof

	clientKey := hmacSHA256(s.saltedPass, []byte("Client Key"))
	storedKey := sha256.Sum256(clientKey)
	clientSig := hmacSHA256(storedKey[:], []byte(s.authMessage))
	wantClientKey := xorBytes(proof, clientSig)
	gotStoredKey := sha256.Sum256(wantClientKey)
	if !hmac.Equal(gotStoredKey[:], storedKey[:]) {
		return "", fmt.Errorf("wire: SCRAM client proof mismatch")
	}

	serverKey := hmacSHA256(s.saltedPass, []byte("Server Key"))
	serverSig := hmacSHA256(serverKey, []byte(s.authMessage))
	return "v=" + base64.StdEncoding.EncodeToString(serverSig), nil
}
