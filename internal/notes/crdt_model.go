package notes

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidCrdtState indicates that a stored CRDT state payload is invalid.
var ErrInvalidCrdtState = errors.New("notes: invalid crdt state")

// CrdtStateBase64 stores a validated base64-encoded CRDT state. The empty
// value stands for a document that has never been edited.
type CrdtStateBase64 string

// NewCrdtStateBase64 validates raw input and returns a CrdtStateBase64.
func NewCrdtStateBase64(rawInput string) (CrdtStateBase64, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", nil
	}
	if _, err := base64.StdEncoding.DecodeString(trimmed); err != nil {
		return "", fmt.Errorf("%w: invalid base64", ErrInvalidCrdtState)
	}
	return CrdtStateBase64(trimmed), nil
}

// EncodeCrdtState wraps raw state bytes.
func EncodeCrdtState(state []byte) CrdtStateBase64 {
	if len(state) == 0 {
		return ""
	}
	return CrdtStateBase64(base64.StdEncoding.EncodeToString(state))
}

// Bytes decodes the state.
func (payload CrdtStateBase64) Bytes() ([]byte, error) {
	if payload == "" {
		return nil, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(string(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64", ErrInvalidCrdtState)
	}
	return decoded, nil
}

// String returns the state payload as a string.
func (payload CrdtStateBase64) String() string {
	return string(payload)
}
