package protocol

import (
	"bytes"

	"github.com/mr-tron/base58"
	"github.com/multiformats/go-multihash"
)

// ContentHash returns the base58 sha2-256 multihash of data.
func ContentHash(data []byte) string {
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		// sha2-256 is always registered.
		panic(err)
	}
	return base58.Encode(mh)
}

// VerifyContentHash reports whether data hashes to hash under the function the hash
// names.
func VerifyContentHash(hash string, data []byte) bool {
	raw, err := base58.Decode(hash)
	if err != nil {
		return false
	}
	decoded, err := multihash.Decode(raw)
	if err != nil {
		return false
	}
	sum, err := multihash.Sum(data, decoded.Code, decoded.Length)
	if err != nil {
		return false
	}
	return bytes.Equal(sum, raw)
}

func ValidContentHash(hash string) bool {
	raw, err := base58.Decode(hash)
	if err != nil || len(raw) == 0 {
		return false
	}
	_, err = multihash.Decode(raw)
	return err == nil
}
