package ledger

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Digest is a 32-byte keyed BLAKE3 hash.
type Digest [32]byte

type domainKey [32]byte

var (
	recordDomainKey = domainKey{
		'i', 'n', 's', 'i', 'g', 'h', 't', '.', 'l', 'e', 'd', 'g', 'e', 'r', '.',
		'r', 'e', 'c', 'o', 'r', 'd', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}

	nodeDomainKey = domainKey{
		'i', 'n', 's', 'i', 'g', 'h', 't', '.', 'l', 'e', 'd', 'g', 'e', 'r', '.',
		'n', 'o', 'd', 'e', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}
)

func keyedHash(key domainKey, data []byte) Digest {
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("ledger: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(data)
	var out Digest
	copy(out[:], hasher.Sum(nil))
	return out
}

// HashRecord digests the canonical encoding of an envelope.
func HashRecord(canonical []byte) Digest {
	return keyedHash(recordDomainKey, canonical)
}

// MerkleRoot folds leaf digests pairwise. An odd node is promoted to the
// next level unchanged. An empty leaf set hashes the empty input.
func MerkleRoot(leaves []Digest) Digest {
	if len(leaves) == 0 {
		return keyedHash(nodeDomainKey, nil)
	}
	level := make([]Digest, len(leaves))
	copy(level, leaves)

	var combined [64]byte
	for len(level) > 1 {
		next := make([]Digest, (len(level)+1)/2)
		for i := 0; i < len(level)-1; i += 2 {
			copy(combined[:32], level[i][:])
			copy(combined[32:], level[i+1][:])
			next[i/2] = keyedHash(nodeDomainKey, combined[:])
		}
		if len(level)%2 == 1 {
			next[len(next)-1] = level[len(level)-1]
		}
		level = next
	}
	return level[0]
}

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// ParseDigest decodes the hex form stored in the database.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	raw, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("parse digest: %w", err)
	}
	if len(raw) != len(d) {
		return d, fmt.Errorf("parse digest: want %d bytes, got %d", len(d), len(raw))
	}
	copy(d[:], raw)
	return d, nil
}
