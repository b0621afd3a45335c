package verify

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// ParseDigest decodes a hex digest and checks its length against algo.
// An unknown algo accepts any even-length hex string.
func ParseDigest(value, algo string) ([]byte, error) {
	text := strings.TrimSpace(value)
	if text == "" {
		return nil, fmt.Errorf("%s digest is empty", algo)
	}
	digestLen := ExpectedDigestLength(algo)
	if !isHexDigest(text, digestLen) {
		if digestLen > 0 {
			return nil, fmt.Errorf("%s digest must be %d hex characters (got %q)", algo, digestLen, text)
		}
		return nil, fmt.Errorf("%s digest must contain only hexadecimal characters", algo)
	}
	out, err := hex.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("decode %s digest: %w", algo, err)
	}
	return out, nil
}

// PublicKeyTokenSize is the byte length of a publisher key token.
const PublicKeyTokenSize = 8

// ParseToken decodes a 16-character hex publisher key token.
func ParseToken(input string) ([]byte, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return nil, fmt.Errorf("public key token is required")
	}
	upper := strings.ToUpper(trimmed)
	if strings.Contains(upper, "BEGIN") || strings.Contains(upper, "PRIVATE") {
		return nil, fmt.Errorf("public key tokens must be hex strings, not PEM/PGP blobs")
	}
	expectedLen := PublicKeyTokenSize * 2
	if len(trimmed) != expectedLen {
		return nil, fmt.Errorf("public key token must be %d hex characters", expectedLen)
	}
	if !isHexDigest(trimmed, expectedLen) {
		return nil, fmt.Errorf("public key token must contain only hexadecimal characters")
	}
	return hex.DecodeString(trimmed)
}

// FormatHex renders a digest or token the way manifests carry them.
func FormatHex(b []byte) string {
	return strings.ToLower(hex.EncodeToString(b))
}

func isHexDigest(value string, expectedLen int) bool {
	if expectedLen > 0 && len(value) != expectedLen {
		return false
	}
	if len(value)%2 != 0 {
		return false
	}
	for _, ch := range value {
		if (ch < '0' || ch > '9') && (ch < 'a' || ch > 'f') && (ch < 'A' || ch > 'F') {
			return false
		}
	}
	return true
}

// ExpectedDigestLength is the hex length of a digest, or 0 if algo is unknown.
func ExpectedDigestLength(algo string) int {
	switch strings.ToLower(algo) {
	case AlgoMD5:
		return 32
	case AlgoSHA1:
		return 40
	case AlgoSHA256:
		return 64
	case AlgoSHA512:
		return 128
	default:
		return 0
	}
}
