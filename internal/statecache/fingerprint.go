package statecache

import (
	"encoding/binary"

	"github.com/zeebo/blake3"

	"liquiditySync/internal/model"
)

// Fingerprint hashes the numeric fields of a state. Fields are length
// prefixed so adjacent values cannot alias. The block number is not part of
// the hash.
func Fingerprint(state model.PoolState) [32]byte {
	var out [32]byte
	if state == nil {
		return out
	}
	h := blake3.New()
	var prefix [4]byte
	for _, field := range state.FingerprintFields() {
		binary.BigEndian.PutUint32(prefix[:], uint32(len(field)))
		_, _ = h.Write(prefix[:])
		_, _ = h.Write(field)
	}
	copy(out[:], h.Sum(nil))
	return out
}
