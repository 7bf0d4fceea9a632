package identity

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	keyEnvelopeVersion  = 1
	defaultArgonTime    = uint32(2)
	defaultArgonMemKB   = uint32(64 * 1024)
	defaultArgonThreads = uint8(1)
)

// kdfParams is swapped for cheaper settings in tests.
var kdfParams = struct {
	time    uint32
	memKB   uint32
	threads uint8
}{defaultArgonTime, defaultArgonMemKB, defaultArgonThreads}

func SealKeys(material []byte, passphrase []byte) (*KeyEnvelope, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key := argon2.IDKey(passphrase, salt, kdfParams.time, kdfParams.memKB, kdfParams.threads, chacha20poly1305.KeySize)
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	ciphertext := aead.Seal(nil, nonce, material, nil)
	return &KeyEnvelope{
		Version:     keyEnvelopeVersion,
		KDF:         "argon2id",
		KDFTime:     kdfParams.time,
		KDFMemoryKB: kdfParams.memKB,
		KDFThreads:  kdfParams.threads,
		Salt:        salt,
		Nonce:       nonce,
		Ciphertext:  ciphertext,
	}, nil
}

func OpenKeys(env *KeyEnvelope, passphrase []byte) ([]byte, error) {
	if env == nil {
		return nil, ErrNoKeyEnvelope
	}
	if env.Version != keyEnvelopeVersion {
		return nil, fmt.Errorf("unsupported envelope version: %d", env.Version)
	}
	if env.KDF != "argon2id" {
		return nil, fmt.Errorf("unsupported kdf: %s", env.KDF)
	}
	key := argon2.IDKey(passphrase, env.Salt, env.KDFTime, env.KDFMemoryKB, env.KDFThreads, chacha20poly1305.KeySize)
	defer zeroBytes(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
