package identity

// Identity is the public, persistable view of a local identity. Private keys only
// appear here sealed inside EncryptedKeys.
type Identity struct {
	PeerID             string       `json:"peer_id"`
	SigningPublicKey   []byte       `json:"signing_public_key"`
	AgreementPublicKey []byte       `json:"agreement_public_key"`
	EncryptedKeys      *KeyEnvelope `json:"encrypted_private_keys"`
	DisplayName        string       `json:"display_name"`
	Bio                string       `json:"bio,omitempty"`
	AvatarHash         string       `json:"avatar_hash,omitempty"`
}

type DerivedKeys struct {
	SigningPrivateKey   []byte // Ed25519 private key bytes (64)
	SigningPublicKey    []byte // Ed25519 public key bytes (32)
	AgreementPrivateKey []byte // X25519 scalar (32)
	AgreementPublicKey  []byte // X25519 point (32)
}

type KeyEnvelope struct {
	Version     uint32 `json:"version"`
	KDF         string `json:"kdf"`
	KDFTime     uint32 `json:"kdf_time"`
	KDFMemoryKB uint32 `json:"kdf_memory_kb"`
	KDFThreads  uint8  `json:"kdf_threads"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Ciphertext  []byte `json:"ciphertext"`
}

func (k *DerivedKeys) Zero() {
	if k == nil {
		return
	}
	zeroBytes(k.SigningPrivateKey)
	zeroBytes(k.AgreementPrivateKey)
}
