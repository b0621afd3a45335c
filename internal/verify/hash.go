package verify

import (
	"bytes"
	"crypto/md5"  // #nosec G501 -- md5 is a manifest fingerprint, not a trust anchor
	"crypto/sha1" // #nosec G505 -- sha1 is a manifest fingerprint, not a trust anchor
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"io"
	"strings"

	"github.com/spf13/afero"
)

const (
	AlgoMD5    = "md5"
	AlgoSHA1   = "sha1"
	AlgoSHA256 = "sha256"
	AlgoSHA512 = "sha512"
)

// NewHash returns the digest selected by name (case-insensitive).
func NewHash(name string) (hash.Hash, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case AlgoMD5:
		return md5.New(), nil // #nosec G401
	case AlgoSHA1:
		return sha1.New(), nil // #nosec G401
	case AlgoSHA256:
		return sha256.New(), nil
	case AlgoSHA512:
		return sha512.New(), nil
	default:
		return nil, fmt.Errorf("unknown hash algo %q", name)
	}
}

// Supported reports whether NewHash accepts name.
func Supported(name string) bool {
	_, err := NewHash(name)
	return err == nil
}

// HashFile digests the full content of path.
func HashFile(fs afero.Fs, algo, path string) ([]byte, error) {
	sums, err := HashFiles(fs, path, algo)
	if err != nil {
		return nil, err
	}
	return sums[strings.ToLower(algo)], nil
}

// HashFiles digests path once for every named algorithm. Keys of the result
// are lower-cased algorithm names.
func HashFiles(fs afero.Fs, path string, algos ...string) (map[string][]byte, error) {
	hashes := make(map[string]hash.Hash, len(algos))
	writers := make([]io.Writer, 0, len(algos))
	for _, algo := range algos {
		key := strings.ToLower(algo)
		if _, dup := hashes[key]; dup {
			continue
		}
		h, err := NewHash(algo)
		if err != nil {
			return nil, err
		}
		hashes[key] = h
		writers = append(writers, h)
	}

	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if _, err := io.Copy(io.MultiWriter(writers...), f); err != nil {
		return nil, fmt.Errorf("hash %s: %w", path, err)
	}

	out := make(map[string][]byte, len(hashes))
	for key, h := range hashes {
		out[key] = h.Sum(nil)
	}
	return out, nil
}

// Equal compares digests; two empty digests are not considered equal.
func Equal(a, b []byte) bool {
	return len(a) > 0 && bytes.Equal(a, b)
}
