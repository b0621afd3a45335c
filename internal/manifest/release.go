// Package manifest parses the release feed into Release records and answers
// the per-release questions the update pipeline asks: is it complete, how
// does it compare with the installed version, where is its payload, and
// does a downloaded file match it.
package manifest

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/3leaps/supdate/internal/config"
	"github.com/3leaps/supdate/internal/errors"
	"github.com/3leaps/supdate/internal/model"
	"github.com/3leaps/supdate/internal/trust"
	"github.com/3leaps/supdate/internal/verify"
	"github.com/3leaps/supdate/pkg/update"
)

// SelfURIFormat replaces the configured uri format for self-updater
// releases, which ship the updater binary on its own.
const SelfURIFormat = "self/{{patchLevel}}/supdate{{buildType}}"

// Key identifies a logical release. Two lines with the same key describe the
// same release and the later one wins.
type Key struct {
	Protocol model.Protocol
	Name     string
	Culture  string
}

// NewKey folds name and culture so that keys compare case-insensitively.
func NewKey(protocol model.Protocol, name, culture string) Key {
	if strings.TrimSpace(culture) == "" {
		culture = model.InvariantCulture
	}
	return Key{
		Protocol: protocol,
		Name:     strings.ToLower(strings.TrimSpace(name)),
		Culture:  strings.ToLower(strings.TrimSpace(culture)),
	}
}

// KeyFor is the key a configuration looks up.
func KeyFor(cfg *config.Configuration) Key {
	return NewKey(model.Protocol(cfg.ProtocolID), cfg.Name, cfg.Culture)
}

// Release is one parsed manifest line. It is not modified after parsing.
type Release struct {
	ID             int64
	Line           int
	Protocol       model.Protocol
	PublicKeyToken []byte
	Name           string
	Culture        string
	PatchLevel     update.Version
	TimeStamp      time.Time
	BuildType      model.BuildType
	BaseURI        *url.URL
	URIFormat      string
	MD5            []byte
	SHA1           []byte
	SHA512         []byte
	Notes          string
}

func (r *Release) Key() Key {
	return NewKey(r.Protocol, r.Name, r.Culture)
}

func (r *Release) IsBuild() bool  { return r.Protocol == model.ProtocolBuild }
func (r *Release) IsScript() bool { return r.Protocol == model.ProtocolScript }
func (r *Release) IsSelf() bool   { return r.Protocol == model.ProtocolSelf }
func (r *Release) IsPlugin() bool { return r.Protocol == model.ProtocolPlugin }

// IsValid reports whether every required field is present. The patch level
// may be absent only for scripts.
func (r *Release) IsValid() bool {
	if r == nil || r.ID <= 0 {
		return false
	}
	if r.Protocol == "" {
		return false
	}
	if len(r.PublicKeyToken) == 0 || r.Name == "" || r.Culture == "" {
		return false
	}
	if r.PatchLevel.IsZero() && !r.IsScript() {
		return false
	}
	if r.TimeStamp.IsZero() || r.BaseURI == nil {
		return false
	}
	return len(r.MD5) > 0 && len(r.SHA1) > 0 && len(r.SHA512) > 0
}

// Compare orders the release's patch level against the installed one.
// ok is false when either side has no patch level.
func (r *Release) Compare(cfg *config.Configuration) (int, bool) {
	if r == nil || cfg == nil || r.PatchLevel.IsZero() || cfg.PatchLevel.IsZero() {
		return 0, false
	}
	return r.PatchLevel.Compare(cfg.PatchLevel), true
}

// IsEqual holds for the installed patch level, or always under force.
func (r *Release) IsEqual(cfg *config.Configuration) bool {
	if cfg != nil && cfg.Force {
		return true
	}
	c, ok := r.Compare(cfg)
	return ok && c == 0
}

// IsGreater holds for a newer patch level, or always under force.
func (r *Release) IsGreater(cfg *config.Configuration) bool {
	if cfg != nil && cfg.Force {
		return true
	}
	c, ok := r.Compare(cfg)
	return ok && c > 0
}

func (r *Release) format(cfg *config.Configuration) string {
	if r.URIFormat != "" {
		return r.URIFormat
	}
	if r.IsScript() || cfg == nil {
		return ""
	}
	return cfg.URIFormat
}

// CreateURI renders the payload location for the requested build and release
// type and resolves it against the release's base URI.
func (r *Release) CreateURI(cfg *config.Configuration, buildType model.BuildType, releaseType model.ReleaseType) (*url.URL, error) {
	if r.BaseURI == nil {
		return nil, errors.Newf(errors.ErrManifestParse, "release %s has no base uri", r)
	}
	format := r.format(cfg)
	if format == "" {
		return nil, errors.Newf(errors.ErrManifestParse, "release %s has no uri format", r)
	}
	rel := strings.NewReplacer(
		config.PlaceholderPatchLevel, r.PatchLevel.String(),
		config.PlaceholderReleaseType, releaseType.URIToken(),
		config.PlaceholderBuildType, buildType.URIToken(),
	).Replace(format)
	ref, err := url.Parse(rel)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrManifestParse, "release %s: render uri", r)
	}
	return r.BaseURI.ResolveReference(ref), nil
}

// VerifyFile checks a downloaded or extracted file against the release: it
// must exist, carry the release's publisher token when strongName is set,
// and match all three digests.
func (r *Release) VerifyFile(ctx context.Context, fs afero.Fs, path string, oracle trust.Oracle, strongName bool) error {
	exists, err := afero.Exists(fs, path)
	if err != nil {
		return errors.Wrapf(err, errors.ErrFilesystem, "stat %s", path)
	}
	if !exists {
		return errors.Newf(errors.ErrNotFound, "release file %s does not exist", path)
	}

	if strongName {
		if oracle == nil {
			oracle = trust.NoopOracle{}
		}
		v := oracle.IsStrongNameTrusted(ctx, path)
		if !v.Trusted {
			return errors.Newf(errors.ErrTrust, "release file %s: identity untrusted: %s", path, v.Detail)
		}
		if !verify.Equal(v.PublicKeyToken, r.PublicKeyToken) {
			return errors.Newf(errors.ErrTrust, "release file %s: public key token %s does not match %s",
				path, verify.FormatHex(v.PublicKeyToken), verify.FormatHex(r.PublicKeyToken))
		}
	}

	sums, err := verify.HashFiles(fs, path, verify.AlgoMD5, verify.AlgoSHA1, verify.AlgoSHA512)
	if err != nil {
		return errors.Wrapf(err, errors.ErrFilesystem, "hash %s", path)
	}
	for _, want := range []struct {
		algo   string
		digest []byte
	}{
		{verify.AlgoMD5, r.MD5},
		{verify.AlgoSHA1, r.SHA1},
		{verify.AlgoSHA512, r.SHA512},
	} {
		if !verify.Equal(sums[want.algo], want.digest) {
			return errors.Newf(errors.ErrIntegrity, "release file %s: %s mismatch", path, want.algo).
				WithDetail("expected", verify.FormatHex(want.digest)).
				WithDetail("actual", verify.FormatHex(sums[want.algo]))
		}
	}
	return nil
}

func (r *Release) String() string {
	if r == nil {
		return "<none>"
	}
	s := fmt.Sprintf("#%d %s %q", r.ID, r.Protocol.Describe(), r.Name)
	if !r.PatchLevel.IsZero() {
		s += " " + r.PatchLevel.String()
	}
	if r.BuildType != model.BuildNone {
		s += " " + r.BuildType.String()
	}
	return s + " " + r.Culture
}

func (r *Release) MarshalZerologObject(e *zerolog.Event) {
	e.Int64("id", r.ID).
		Int("line", r.Line).
		Str("protocol", r.Protocol.Describe()).
		Str("name", r.Name).
		Str("culture", r.Culture).
		Str("patchLevel", r.PatchLevel.String()).
		Str("buildType", r.BuildType.String()).
		Str("publicKeyToken", verify.FormatHex(r.PublicKeyToken)).
		Time("timeStamp", r.TimeStamp)
	if r.BaseURI != nil {
		e.Str("baseUri", r.BaseURI.String())
	}
}
