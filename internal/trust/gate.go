package trust

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/3leaps/supdate/internal/errors"
	"github.com/3leaps/supdate/internal/model"
	"github.com/3leaps/supdate/internal/verify"
)

// Policy is the slice of update configuration that governs trust checks.
type Policy struct {
	Subject         string
	SignatureFlags  model.Subjects
	StrongNameFlags model.Subjects
	NoAuthenticode  bool
	NoStrongName    bool
	Force           bool
	Strict          bool
}

// SelfResult records the outcome of the startup self checks.
type SelfResult struct {
	AuthenticodeSigned bool
	StrongNameSigned   bool
	PublicKeyToken     []byte
}

// IsSigned holds when each dimension was either skipped by override or passed.
func IsSigned(noAuthenticode, authenticodeSigned, noStrongName, strongNameSigned bool) bool {
	return (noAuthenticode || authenticodeSigned) && (noStrongName || strongNameSigned)
}

// Gate applies a Policy through an Oracle.
type Gate struct {
	Oracle Oracle
	Policy Policy
	FS     afero.Fs
	Logger zerolog.Logger
}

func NewGate(fs afero.Fs, oracle Oracle, policy Policy, logger zerolog.Logger) *Gate {
	if oracle == nil {
		oracle = NoopOracle{}
	}
	return &Gate{Oracle: oracle, Policy: policy, FS: fs, Logger: logger}
}

// CheckSelf runs the Self-scoped checks against the running updater. Under
// strict policy the first failing check is returned as a TRUST error;
// otherwise failures are logged and reflected in the result only.
func (g *Gate) CheckSelf(ctx context.Context, selfPath string) (SelfResult, error) {
	var res SelfResult
	oracle, policy, logger := g.Oracle, g.Policy, g.Logger

	if policy.SignatureFlags.Has(model.SubjectSelf, true) {
		v := oracle.IsAuthenticodeTrusted(ctx, selfPath, policy.Subject)
		if v.Trusted {
			res.AuthenticodeSigned = true
			logger.Debug().Str("file", selfPath).Str("detail", v.Detail).Msg("Updater signature verified")
		} else if policy.Strict {
			return res, errors.Newf(errors.ErrTrust, "updater signature untrusted: %s", v.Detail).WithDetail("file", selfPath)
		} else {
			logger.Warn().Str("file", selfPath).Str("detail", v.Detail).Msg("Updater signature untrusted")
		}
	}

	if policy.StrongNameFlags.Has(model.SubjectSelf, true) {
		v := oracle.IsStrongNameTrusted(ctx, selfPath)
		if v.Trusted {
			res.StrongNameSigned = true
			res.PublicKeyToken = v.PublicKeyToken
			logger.Debug().Str("file", selfPath).Str("token", verify.FormatHex(v.PublicKeyToken)).Msg("Updater identity verified")
		} else if policy.Strict {
			return res, errors.Newf(errors.ErrTrust, "updater identity untrusted: %s", v.Detail).WithDetail("file", selfPath)
		} else {
			logger.Warn().Str("file", selfPath).Str("detail", v.Detail).Msg("Updater identity untrusted")
		}
	}

	return res, nil
}

// CheckFile applies the checks selected for scope to one file. Under the
// Other scope, files that are not executable images are skipped; a release
// file or core file is always checked when its scope is flagged. Failures
// are fatal unless policy forces the update, in which case they are logged.
func (g *Gate) CheckFile(ctx context.Context, path string, scope model.Subjects, expectedToken []byte) error {
	oracle, policy, logger := g.Oracle, g.Policy, g.Logger
	wantAuth := policy.SignatureFlags.Has(scope, true)
	wantStrong := policy.StrongNameFlags.Has(scope, true)
	if !wantAuth && !wantStrong {
		return nil
	}
	if scope == model.SubjectOther && !IsExecutable(g.FS, path) {
		logger.Trace().Str("file", path).Msg("Skipping trust check for non-executable file")
		return nil
	}

	var problem string
	if wantAuth {
		if v := oracle.IsAuthenticodeTrusted(ctx, path, policy.Subject); !v.Trusted {
			problem = "signature untrusted: " + v.Detail
		}
	}
	if problem == "" && wantStrong {
		v := oracle.IsStrongNameTrusted(ctx, path)
		switch {
		case !v.Trusted:
			problem = "identity untrusted: " + v.Detail
		case len(expectedToken) > 0 && !bytes.Equal(v.PublicKeyToken, expectedToken):
			problem = "public key token " + verify.FormatHex(v.PublicKeyToken) + " does not match " + verify.FormatHex(expectedToken)
		}
	}
	if problem == "" {
		return nil
	}
	if policy.Force {
		logger.Warn().Str("file", path).Str("scope", scope.String()).Str("problem", problem).Msg("Trust check failed, continuing due to force")
		return nil
	}
	return errors.Newf(errors.ErrTrust, "%s: %s", path, problem).WithDetail("scope", scope.String())
}

var executableSuffixes = []string{".exe", ".dll", ".so", ".dylib", ".sys", ".ocx", ".msi"}

// IsExecutable reports whether path names an executable image: a known
// binary extension, or an extensionless file with an execute bit.
func IsExecutable(fs afero.Fs, path string) bool {
	lower := strings.ToLower(path)
	for _, suffix := range executableSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	if filepath.Ext(path) != "" {
		return false
	}
	info, err := fs.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Mode().Perm()&0o111 != 0
}
