package protocol

import (
	"errors"
	"fmt"

	"ardents/p2pcore/internal/canonical"
	"ardents/p2pcore/internal/capability"
)

var (
	ErrEncoding            = canonical.ErrEncoding
	ErrMalformedSignature  = canonical.ErrMalformedSignature
	ErrInvalidSignature    = capability.ErrInvalidSignature
	ErrUnauthorized        = capability.ErrUnauthorized
	ErrPeerUnreachable     = errors.New("peer unreachable")
	ErrTimeout             = errors.New("request timed out")
	ErrUnsupportedProtocol = errors.New("unsupported protocol")
	ErrNotFound            = errors.New("not found")
	ErrInvalidSessionState = errors.New("invalid session state")
	ErrRateLimited         = errors.New("rate limited")
	ErrServiceStopped      = errors.New("service stopped")
	ErrInternal            = errors.New("remote handler failure")
)

const (
	CodeEncoding            = "encoding"
	CodeMalformedSignature  = "malformed_signature"
	CodeInvalidSignature    = "invalid_signature"
	CodeUnauthorized        = "unauthorized"
	CodeNotFound            = "not_found"
	CodeInvalidSessionState = "invalid_session_state"
	CodeUnsupportedProtocol = "unsupported_protocol"
	CodeRateLimited         = "rate_limited"
	CodeInternal            = "internal"
)

var codeErrors = []struct {
	code string
	err  error
}{
	{CodeEncoding, ErrEncoding},
	{CodeMalformedSignature, ErrMalformedSignature},
	{CodeInvalidSignature, ErrInvalidSignature},
	{CodeUnauthorized, ErrUnauthorized},
	{CodeNotFound, ErrNotFound},
	{CodeInvalidSessionState, ErrInvalidSessionState},
	{CodeUnsupportedProtocol, ErrUnsupportedProtocol},
	{CodeRateLimited, ErrRateLimited},
}

// WireError is the error half of a response frame.
type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

func (e *WireError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// Err maps the wire code back onto the taxonomy so callers can use errors.Is.
func (e *WireError) Err() error {
	if e == nil {
		return nil
	}
	base := ErrorFromCode(e.Code)
	if e.Message == "" {
		return base
	}
	return fmt.Errorf("%w: %s", base, e.Message)
}

// NewWireError classifies err for transmission. Storage and other local failures are
// reported as internal without their message.
func NewWireError(err error) *WireError {
	if err == nil {
		return nil
	}
	code := CodeOf(err)
	if code == CodeInternal {
		return &WireError{Code: code}
	}
	return &WireError{Code: code, Message: err.Error()}
}

func CodeOf(err error) string {
	for _, ce := range codeErrors {
		if errors.Is(err, ce.err) {
			return ce.code
		}
	}
	return CodeInternal
}

func ErrorFromCode(code string) error {
	for _, ce := range codeErrors {
		if ce.code == code {
			return ce.err
		}
	}
	return ErrInternal
}
