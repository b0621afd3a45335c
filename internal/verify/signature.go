package verify

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/jedisct1/go-minisign"
	"github.com/spf13/afero"
)

const (
	MinisignSuffix = ".minisig"
	PGPSuffix      = ".asc"

	maxCommandError = 512
	trustedPrefix   = "trusted comment: "
)

// MinisignResult describes a verified minisign signature.
type MinisignResult struct {
	// KeyToken is the signer key id in the byte order minisign displays it.
	KeyToken       []byte
	TrustedComment string
}

// LoadMinisignPublicKey reads a minisign public key file, or decodes the value
// directly when it is not a path on fs.
func LoadMinisignPublicKey(fs afero.Fs, pathOrKey string) (minisign.PublicKey, error) {
	value := strings.TrimSpace(pathOrKey)
	if value == "" {
		return minisign.PublicKey{}, fmt.Errorf("minisign public key is required")
	}
	if data, err := afero.ReadFile(fs, value); err == nil {
		text := strings.TrimSpace(string(data))
		var pub minisign.PublicKey
		if strings.HasPrefix(text, "untrusted comment:") {
			pub, err = minisign.DecodePublicKey(text)
		} else {
			pub, err = minisign.NewPublicKey(text)
		}
		if err != nil {
			return minisign.PublicKey{}, fmt.Errorf("read minisign pubkey %s: %w", value, err)
		}
		return pub, nil
	}
	pub, err := minisign.NewPublicKey(value)
	if err != nil {
		return minisign.PublicKey{}, fmt.Errorf("decode minisign pubkey: %w", err)
	}
	return pub, nil
}

// VerifyMinisign checks the detached signature at sigPath over the content of
// file.
func VerifyMinisign(fs afero.Fs, file, sigPath string, pub minisign.PublicKey) (MinisignResult, error) {
	sigData, err := afero.ReadFile(fs, sigPath)
	if err != nil {
		return MinisignResult{}, fmt.Errorf("read minisign signature: %w", err)
	}
	sig, err := minisign.DecodeSignature(string(sigData))
	if err != nil {
		return MinisignResult{}, fmt.Errorf("decode minisign signature: %w", err)
	}
	content, err := afero.ReadFile(fs, file)
	if err != nil {
		return MinisignResult{}, fmt.Errorf("read signed file: %w", err)
	}

	valid, err := pub.Verify(content, sig)
	if err != nil {
		return MinisignResult{}, fmt.Errorf("minisign: verification error: %w", err)
	}
	if !valid {
		return MinisignResult{}, fmt.Errorf("minisign: signature verification failed")
	}

	return MinisignResult{
		KeyToken:       KeyToken(sig.KeyId),
		TrustedComment: strings.TrimSpace(strings.TrimPrefix(sig.TrustedComment, trustedPrefix)),
	}, nil
}

// KeyToken converts a little-endian minisign key id into display order.
func KeyToken(id [8]byte) []byte {
	out := make([]byte, len(id))
	for i := range id {
		out[i] = id[len(id)-1-i]
	}
	return out
}

// PGPResult carries the signer identity reported by gpg.
type PGPResult struct {
	Fingerprint string
	UserID      string
}

// Token returns the low eight bytes of the fingerprint, which is the long
// key id gpg prints.
func (r PGPResult) Token() []byte {
	if len(r.Fingerprint) < PublicKeyTokenSize*2 {
		return nil
	}
	tok, err := ParseToken(r.Fingerprint[len(r.Fingerprint)-PublicKeyTokenSize*2:])
	if err != nil {
		return nil
	}
	return tok
}

// VerifyPGPSignature verifies a detached ASCII-armored signature with a
// throwaway gpg home and returns the signer parsed from the status stream.
func VerifyPGPSignature(ctx context.Context, assetPath, sigPath, pubKeyPath, gpgBin string) (PGPResult, error) {
	home, err := os.MkdirTemp("", "supdate-gpg-")
	if err != nil {
		return PGPResult{}, fmt.Errorf("create gpg home: %w", err)
	}
	defer os.RemoveAll(home)

	importArgs := []string{"--batch", "--no-tty", "--homedir", home, "--import", pubKeyPath}
	if _, err := runCommand(ctx, gpgBin, importArgs...); err != nil {
		return PGPResult{}, fmt.Errorf("import pgp key: %w", err)
	}

	verifyArgs := []string{"--batch", "--no-tty", "--homedir", home, "--trust-model", "always", "--status-fd", "1", "--verify", sigPath, assetPath}
	out, err := runCommand(ctx, gpgBin, verifyArgs...)
	if err != nil {
		return PGPResult{}, fmt.Errorf("verify pgp signature: %w", err)
	}
	res := ParseGPGStatus(out)
	if res.Fingerprint == "" {
		return PGPResult{}, fmt.Errorf("verify pgp signature: no VALIDSIG status from %s", gpgBin)
	}
	return res, nil
}

// ParseGPGStatus extracts GOODSIG and VALIDSIG fields from gpg --status-fd output.
func ParseGPGStatus(out string) PGPResult {
	var res PGPResult
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(strings.TrimPrefix(sc.Text(), "[GNUPG:] "))
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "GOODSIG":
			if len(fields) > 2 {
				res.UserID = strings.Join(fields[2:], " ")
			}
		case "VALIDSIG":
			res.Fingerprint = strings.ToUpper(fields[1])
		}
	}
	return res
}

func runCommand(ctx context.Context, bin string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	var combined bytes.Buffer
	cmd.Stdout = &combined
	cmd.Stderr = &combined
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s %s: %s", bin, strings.Join(args, " "), trimCommandOutput(combined.String()))
	}
	return combined.String(), nil
}

func trimCommandOutput(out string) string {
	clean := strings.TrimSpace(out)
	if clean == "" {
		return "command failed"
	}
	if len(clean) > maxCommandError {
		return clean[:maxCommandError] + "..."
	}
	return clean
}
