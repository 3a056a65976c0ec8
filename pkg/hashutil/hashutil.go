package hashutil

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	"lukechampine.com/blake3"
)

type HashAlgo string

const (
	HashAlgoSHA256 HashAlgo = "sha256"
	HashAlgoBLAKE3 HashAlgo = "blake3"
)

// New returns a fresh streaming hasher for algo.
func New(algo HashAlgo) (hash.Hash, error) {
	switch algo {
	case HashAlgoSHA256:
		return sha256.New(), nil
	case HashAlgoBLAKE3:
		return blake3.New(32, nil), nil
	default:
		return nil, fmt.Errorf("unsupported hash algorithm: %s", algo)
	}
}

// HashBytes returns the hex digest of data.
func HashBytes(data []byte, algo HashAlgo) (string, error) {
	switch algo {
	case HashAlgoSHA256:
		sum := sha256.Sum256(data)
		return hex.EncodeToString(sum[:]), nil
	case HashAlgoBLAKE3:
		sum := blake3.Sum256(data)
		return hex.EncodeToString(sum[:]), nil
	default:
		return "", fmt.Errorf("unsupported hash algorithm: %s", algo)
	}
}

// Tee hashes everything read through it.
type Tee struct {
	r io.Reader
	h hash.Hash
	n int64
}

// NewTee wraps r so that every byte read is also fed to a hasher for algo.
func NewTee(r io.Reader, algo HashAlgo) (*Tee, error) {
	h, err := New(algo)
	if err != nil {
		return nil, err
	}
	return &Tee{r: r, h: h}, nil
}

func (t *Tee) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n > 0 {
		t.h.Write(p[:n])
		t.n += int64(n)
	}
	return n, err
}

// Sum returns the hex digest of the bytes read so far.
func (t *Tee) Sum() string {
	return hex.EncodeToString(t.h.Sum(nil))
}

// BytesRead counts the bytes read so far.
func (t *Tee) BytesRead() int64 {
	return t.n
}
