package image

import (
	"cmp"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"

	"github.com/chazu/ilvm/syntax"
)

// Digest is the content hash of a program.
type Digest [32]byte

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Short returns the first 12 hex digits, enough to tell programs apart
// in logs.
func (d Digest) Short() string {
	return d.String()[:12]
}

// DigestOf computes the SHA-256 content hash of a program.
//
// The hash covers the canonical encoding of each block's instructions,
// with blocks ordered by address and source positions left out. Two
// programs that differ only in layout, comments or block order hash the
// same.
func DigestOf(blocks []syntax.Block) (Digest, error) {
	sorted := slices.Clone(blocks)
	slices.SortStableFunc(sorted, func(a, b syntax.Block) int {
		return cmp.Compare(a.Addr, b.Addr)
	})
	body, err := encodeProgram(sorted, false)
	if err != nil {
		return Digest{}, err
	}
	enc, err := encMode.Marshal(&body)
	if err != nil {
		return Digest{}, fmt.Errorf("image: encode: %w", err)
	}
	return sha256.Sum256(enc), nil
}
