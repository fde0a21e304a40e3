package blob

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/jacktea/mailblob/pkg/xerrors"
)

// Algorithm names a content digest function.
type Algorithm string

const (
	DigestSHA256 Algorithm = "sha256"
	DigestBLAKE3 Algorithm = "blake3"
)

// DefaultAlgorithm is used when a configuration leaves the digest unset.
const DefaultAlgorithm = DigestSHA256

// ParseAlgorithm resolves a configured digest name.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch Algorithm(strings.ToLower(strings.TrimSpace(name))) {
	case "", DigestSHA256:
		return DigestSHA256, nil
	case DigestBLAKE3:
		return DigestBLAKE3, nil
	default:
		return "", xerrors.E(xerrors.KindIllegalArgument, "ParseAlgorithm", name)
	}
}

// New returns a fresh accumulator for the algorithm.
func (a Algorithm) New() hash.Hash {
	if a == DigestBLAKE3 {
		return blake3.New()
	}
	return sha256.New()
}

func encodeDigest(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}

// DigestReader streams r through the algorithm and returns the digest and the
// number of bytes consumed.
func DigestReader(a Algorithm, r io.Reader) (string, int64, error) {
	h := a.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, err
	}
	return encodeDigest(h), n, nil
}

// DigestBytes returns the digest of data.
func DigestBytes(a Algorithm, data []byte) string {
	h := a.New()
	h.Write(data)
	return encodeDigest(h)
}
