// Package trust answers the two signing questions the update engine asks
// about a file, and applies the configured policy to the answers.
package trust

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/jedisct1/go-minisign"
	"github.com/spf13/afero"

	"github.com/3leaps/supdate/internal/verify"
)

// Verdict is the transient result of one trust query.
type Verdict struct {
	Trusted        bool
	PublicKeyToken []byte
	Detail         string
}

// Oracle wraps a platform signing facility.
//
// IsAuthenticodeTrusted checks that file carries a trusted publisher
// signature whose subject matches subject (an empty subject matches any
// signer). IsStrongNameTrusted checks that file carries a valid identity
// signature and reports the signer's public key token.
type Oracle interface {
	IsAuthenticodeTrusted(ctx context.Context, file, subject string) Verdict
	IsStrongNameTrusted(ctx context.Context, file string) Verdict
}

// NoopOracle is used where no signing facility exists. Nothing is trusted.
type NoopOracle struct{}

func (NoopOracle) IsAuthenticodeTrusted(_ context.Context, file, _ string) Verdict {
	return Verdict{Detail: fmt.Sprintf("no signing facility available to check %s", file)}
}

func (NoopOracle) IsStrongNameTrusted(_ context.Context, file string) Verdict {
	return Verdict{Detail: fmt.Sprintf("no signing facility available to check %s", file)}
}

// MinisignOracle trusts files with a detached <file>.minisig made by one
// configured key. The trusted comment stands in for the certificate subject
// and the key id stands in for the public key token.
type MinisignOracle struct {
	FS  afero.Fs
	Key minisign.PublicKey
}

func NewMinisignOracle(fs afero.Fs, pathOrKey string) (*MinisignOracle, error) {
	key, err := verify.LoadMinisignPublicKey(fs, pathOrKey)
	if err != nil {
		return nil, err
	}
	return &MinisignOracle{FS: fs, Key: key}, nil
}

func (o *MinisignOracle) check(file string) (verify.MinisignResult, error) {
	return verify.VerifyMinisign(o.FS, file, file+verify.MinisignSuffix, o.Key)
}

func (o *MinisignOracle) IsAuthenticodeTrusted(_ context.Context, file, subject string) Verdict {
	res, err := o.check(file)
	if err != nil {
		return Verdict{Detail: err.Error()}
	}
	if subject != "" && !strings.Contains(strings.ToLower(res.TrustedComment), strings.ToLower(subject)) {
		return Verdict{
			PublicKeyToken: res.KeyToken,
			Detail:         fmt.Sprintf("signer %q does not match subject %q", res.TrustedComment, subject),
		}
	}
	return Verdict{Trusted: true, PublicKeyToken: res.KeyToken, Detail: fmt.Sprintf("signed by %q", res.TrustedComment)}
}

func (o *MinisignOracle) IsStrongNameTrusted(_ context.Context, file string) Verdict {
	res, err := o.check(file)
	if err != nil {
		return Verdict{Detail: err.Error()}
	}
	return Verdict{Trusted: true, PublicKeyToken: res.KeyToken, Detail: "signature verified with key " + verify.FormatHex(res.KeyToken)}
}

// SignatureSuffix names the detached signature an oracle reads beside a
// checked file, or "" when it reads none.
func SignatureSuffix(o Oracle) string {
	switch o.(type) {
	case *MinisignOracle:
		return verify.MinisignSuffix
	case *GPGOracle:
		return verify.PGPSuffix
	default:
		return ""
	}
}

// GPGOracle trusts files with a detached ASCII-armored <file>.asc that the
// configured key verifies through a gpg sidecar. Files must live on the OS
// filesystem.
type GPGOracle struct {
	KeyFile string
	GPGBin  string
}

func (o *GPGOracle) verify(ctx context.Context, file string) (verify.PGPResult, error) {
	bin := o.GPGBin
	if bin == "" {
		bin = "gpg"
	}
	return verify.VerifyPGPSignature(ctx, file, file+verify.PGPSuffix, o.KeyFile, bin)
}

func (o *GPGOracle) IsAuthenticodeTrusted(ctx context.Context, file, subject string) Verdict {
	res, err := o.verify(ctx, file)
	if err != nil {
		return Verdict{Detail: err.Error()}
	}
	if subject != "" && !strings.Contains(strings.ToLower(res.UserID), strings.ToLower(subject)) {
		return Verdict{PublicKeyToken: res.Token(), Detail: fmt.Sprintf("signer %q does not match subject %q", res.UserID, subject)}
	}
	return Verdict{Trusted: true, PublicKeyToken: res.Token(), Detail: fmt.Sprintf("signed by %q", res.UserID)}
}

func (o *GPGOracle) IsStrongNameTrusted(ctx context.Context, file string) Verdict {
	res, err := o.verify(ctx, file)
	if err != nil {
		return Verdict{Detail: err.Error()}
	}
	return Verdict{Trusted: true, PublicKeyToken: res.Token(), Detail: "signature verified with key " + res.Fingerprint}
}

// Select picks an oracle at composition time from the configured key.
// A ".asc" or ".gpg" key selects gpg when the binary is present; any other
// non-empty key is treated as minisign; an empty key yields NoopOracle.
func Select(fs afero.Fs, keyRef, gpgBin string) (Oracle, error) {
	keyRef = strings.TrimSpace(keyRef)
	if keyRef == "" {
		return NoopOracle{}, nil
	}
	switch strings.ToLower(filepath.Ext(keyRef)) {
	case ".asc", ".gpg":
		bin := gpgBin
		if bin == "" {
			bin = "gpg"
		}
		if _, err := exec.LookPath(bin); err != nil {
			return nil, fmt.Errorf("pgp key %s configured but %s is not available: %w", keyRef, bin, err)
		}
		return &GPGOracle{KeyFile: keyRef, GPGBin: bin}, nil
	default:
		return NewMinisignOracle(fs, keyRef)
	}
}
