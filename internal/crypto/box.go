// Package crypto seals direct message bodies between two identities using their X25519
// agreement keys.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrInvalidPeerKey = errors.New("invalid peer key")
	ErrInvalidBody    = errors.New("invalid sealed body")
	ErrAuthFailed     = errors.New("sealed body authentication failed")
)

const bodyInfo = "ardents/dm/body/v1"

// SealBody encrypts plaintext from sender to recipient. The message id, sender and
// recipient are bound as associated data, so a body cannot be replayed under another
// message. The result is nonce || ciphertext.
func SealBody(localPriv, peerPub []byte, sender, recipient, messageID string, plaintext []byte) ([]byte, error) {
	key, err := bodyKey(localPriv, peerPub, sender, recipient)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, bodyAAD(sender, recipient, messageID)), nil
}

// OpenBody reverses SealBody on either side of the conversation.
func OpenBody(localPriv, peerPub []byte, sender, recipient, messageID string, body []byte) ([]byte, error) {
	if len(body) < chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, ErrInvalidBody
	}
	key, err := bodyKey(localPriv, peerPub, sender, recipient)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce, ciphertext := body[:chacha20poly1305.NonceSizeX], body[chacha20poly1305.NonceSizeX:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, bodyAAD(sender, recipient, messageID))
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

func bodyKey(localPriv, peerPub []byte, sender, recipient string) ([]byte, error) {
	if len(localPriv) != curve25519.ScalarSize || len(peerPub) != curve25519.PointSize {
		return nil, ErrInvalidPeerKey
	}
	shared, err := curve25519.X25519(localPriv, peerPub)
	if err != nil {
		return nil, ErrInvalidPeerKey
	}
	defer zeroBytes(shared)
	a, b := normalizeIDs(sender, recipient)
	return kdf32(shared, []byte(bodyInfo+"|"+a+"|"+b)), nil
}

func bodyAAD(sender, recipient, messageID string) []byte {
	b := make([]byte, 0, len(sender)+len(recipient)+len(messageID)+2)
	b = append(b, sender...)
	b = append(b, 0)
	b = append(b, recipient...)
	b = append(b, 0)
	b = append(b, messageID...)
	return b
}

func kdf32(input, info []byte) []byte {
	reader := hkdf.New(sha256.New, input, nil, info)
	out := make([]byte, 32)
	_, _ = io.ReadFull(reader, out)
	return out
}

func normalizeIDs(a, b string) (string, string) {
	if strings.Compare(a, b) <= 0 {
		return a, b
	}
	return b, a
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
