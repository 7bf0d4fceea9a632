// Package canonical is the single encode-then-sign path for every wire message.
//
// A payload is encoded as minimal JSON with object keys sorted at every level and
// the top-level "signature" field removed, so signer and verifier always derive the
// same bytes no matter how the payload value was built.
package canonical

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
)

const SignatureField = "signature"

var (
	ErrEncoding           = errors.New("payload cannot be canonically encoded")
	ErrMalformedSignature = errors.New("malformed signature")
	ErrMalformedKey       = errors.New("malformed signing key")
)

func SignableBytes(payload any) ([]byte, error) {
	if payload == nil {
		return nil, fmt.Errorf("%w: nil payload", ErrEncoding)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	obj, ok := generic.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: payload must encode to an object", ErrEncoding)
	}
	delete(obj, SignatureField)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	// Encoder terminates every value with a newline.
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}

func Sign(privateKey ed25519.PrivateKey, payload any) ([]byte, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, ErrMalformedKey
	}
	msg, err := SignableBytes(payload)
	if err != nil {
		return nil, err
	}
	return ed25519.Sign(privateKey, msg), nil
}

// Verify reports whether signature is valid for payload under publicKey. A failed
// cryptographic check is (false, nil); errors are reserved for inputs that cannot be
// checked at all.
func Verify(publicKey ed25519.PublicKey, payload any, signature []byte) (bool, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("%w: public key size %d", ErrMalformedSignature, len(publicKey))
	}
	if len(signature) != ed25519.SignatureSize {
		return false, fmt.Errorf("%w: signature size %d", ErrMalformedSignature, len(signature))
	}
	msg, err := SignableBytes(payload)
	if err != nil {
		return false, err
	}
	return ed25519.Verify(publicKey, msg, signature), nil
}
