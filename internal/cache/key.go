package cache

import (
	"encoding/hex"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/blake2b"
)

// KeyFunc derives a cache key from a request.
// Returning false marks the request as not cacheable.
type KeyFunc[Req any] func(req Req) (string, bool)

var detEncMode cbor.EncMode

func init() {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	detEncMode = em
}

// CBORKey keys a request by the blake2b-256 digest of its deterministic
// CBOR encoding. Equal requests map to equal keys regardless of map order.
// Unexported struct fields do not take part in the key.
func CBORKey[Req any](req Req) (string, bool) {
	data, err := detEncMode.Marshal(req)
	if err != nil {
		return "", false
	}
	return Digest(data), true
}

// Digest returns the hex blake2b-256 digest of data
func Digest(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}
