// ABOUTME: Wire envelope and JSON-RPC 2.0 message types for session socket frames.
// ABOUTME: Handles HMAC-SHA256 frame signing and constant-time verification.

package wire

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// Version is the JSON-RPC protocol version carried by every message.
const Version = "2.0"

// RPC error codes used on the session socket.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInternalError  = -32603
	CodeAuthFailed     = -32000
)

// SecretSize is the length of a session HMAC secret in bytes.
const SecretSize = 32

// Wire errors
var (
	// ErrBadSignature means the frame's HMAC did not match the recomputed one.
	ErrBadSignature = errors.New("hmac signature mismatch")

	// ErrBadEnvelope means the frame was not a well-formed {message, hmac} document.
	ErrBadEnvelope = errors.New("malformed wire envelope")
)

// Message is a JSON-RPC 2.0 request, notification, or response.
// ID is nil for notifications; Result and Error are set only on responses.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      *uint64         `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// IsResponse reports whether the message carries a result or error payload.
func (m *Message) IsResponse() bool {
	return m.Result != nil || m.Error != nil
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Envelope wraps every frame on the session socket. Message holds the exact
// bytes the HMAC was computed over.
type Envelope struct {
	Message json.RawMessage `json:"message"`
	HMAC    string          `json:"hmac"`
}

// NewSecret generates a random session HMAC secret.
func NewSecret() ([]byte, error) {
	secret := make([]byte, SecretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generating session secret: %w", err)
	}
	return secret, nil
}

// NewRequest builds a request message with a correlation id.
func NewRequest(id uint64, method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: Version, Method: method, Params: raw, ID: &id}, nil
}

// NewNotification builds a fire-and-forget message with no correlation id.
func NewNotification(method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: Version, Method: method, Params: raw}, nil
}

// NewResponse builds a success response for the given correlation id.
func NewResponse(id uint64, result any) (*Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshaling result: %w", err)
	}
	return &Message{JSONRPC: Version, ID: &id, Result: raw}, nil
}

// NewErrorResponse builds an error response. id may be nil when the failing
// frame never yielded a usable correlation id (parse and auth failures).
func NewErrorResponse(id *uint64, code int, message string) *Message {
	return &Message{JSONRPC: Version, ID: id, Error: &Error{Code: code, Message: message}}
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshaling params: %w", err)
	}
	return raw, nil
}

// Sign computes the hex HMAC-SHA256 of the canonical message bytes.
func Sign(secret, message []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(message)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the signature over message and compares in constant time.
func Verify(secret, message []byte, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(message)
	return hmac.Equal(mac.Sum(nil), want)
}

// Seal marshals msg, signs the canonical bytes, and returns one
// newline-terminated frame ready for the socket.
func Seal(secret []byte, msg *Message) ([]byte, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshaling message: %w", err)
	}
	frame, err := json.Marshal(Envelope{Message: raw, HMAC: Sign(secret, raw)})
	if err != nil {
		return nil, fmt.Errorf("marshaling envelope: %w", err)
	}
	return append(frame, '\n'), nil
}

// Open parses one frame, verifies its signature, and decodes the message.
// The signature is checked before the message is ever decoded.
func Open(secret, frame []byte) (*Message, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	if len(env.Message) == 0 || env.HMAC == "" {
		return nil, ErrBadEnvelope
	}
	if !Verify(secret, env.Message, env.HMAC) {
		return nil, ErrBadSignature
	}
	var msg Message
	if err := json.Unmarshal(env.Message, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	return &msg, nil
}
