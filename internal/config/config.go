// Package config holds the update configuration: its compiled-in defaults,
// the layered loading that refines them, validation, and the startup
// processing that records the updater's own trust state.
package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/3leaps/supdate/internal/errors"
	"github.com/3leaps/supdate/internal/model"
	"github.com/3leaps/supdate/internal/trust"
	"github.com/3leaps/supdate/internal/verify"
	"github.com/3leaps/supdate/pkg/update"
)

// Compiled-in product version. Installed patch levels that share its major
// and minor numbers are queried by build and revision only.
const (
	DefaultMajorVersion = 1
	DefaultMinorVersion = 0
)

// DefaultPublicKeyToken is the publisher token shipped in defaults.json.
const DefaultPublicKeyToken = "1e22ec67879739a2"

// Placeholders understood in uriFormat and tagPathAndQuery.
const (
	PlaceholderPatchLevel  = "{{patchLevel}}"
	PlaceholderReleaseType = "{{releaseType}}"
	PlaceholderBuildType   = "{{buildType}}"
)

var placeholderPattern = regexp.MustCompile(`\{\{[^}]*\}\}`)

// Configuration describes the install target and the policy for updating it.
// It is built once by Load and treated as read-only afterwards, except that
// Process records the two self-check outcomes.
type Configuration struct {
	Strict bool `koanf:"strict"`

	SubjectName     string            `koanf:"subjectName"`
	ID              string            `koanf:"id"`
	ProtocolID      string            `koanf:"protocolId"`
	PublicKey       string            `koanf:"publicKey"`
	PublicKeyToken  []byte            `koanf:"publicKeyToken"`
	Delay           int               `koanf:"delay"`
	MutexName       string            `koanf:"mutexName"`
	BaseURI         *url.URL          `koanf:"baseUri"`
	TagPathAndQuery string            `koanf:"tagPathAndQuery"`
	URIFormat       string            `koanf:"uriFormat"`
	Name            string            `koanf:"name"`
	Culture         string            `koanf:"culture"`
	PatchLevel      update.Version    `koanf:"patchLevel"`
	BuildType       model.BuildType   `koanf:"buildType"`
	ReleaseType     model.ReleaseType `koanf:"releaseType"`
	StrongNameFlags model.Subjects    `koanf:"strongNameFlags"`
	SignatureFlags  model.Subjects    `koanf:"signatureFlags"`

	CoreDirectory     string `koanf:"coreDirectory"`
	CoreFileName      string `koanf:"coreFileName"`
	HashAlgorithmName string `koanf:"hashAlgorithmName"`
	CommandFormat     string `koanf:"commandFormat"`
	ArgumentFormat    string `koanf:"argumentFormat"`
	LogFileName       string `koanf:"logFileName"`
	ShellArgs         string `koanf:"shellArgs"`

	NoAuthenticodeSigned bool `koanf:"noAuthenticodeSigned"`
	NoStrongNameSigned   bool `koanf:"noStrongNameSigned"`
	CoreIsAssembly       bool `koanf:"coreIsAssembly"`
	WhatIf               bool `koanf:"whatIf"`
	Verbose              bool `koanf:"verbose"`
	Silent               bool `koanf:"silent"`
	Invisible            bool `koanf:"invisible"`
	Force                bool `koanf:"force"`
	ReCheck              bool `koanf:"reCheck"`
	Tracing              bool `koanf:"tracing"`
	Logging              bool `koanf:"logging"`
	Shell                bool `koanf:"shell"`
	Confirm              bool `koanf:"confirm"`

	// ReleaseFiles lists, per release type name, the files whose presence in
	// CoreDirectory selects that type when ReleaseType is Automatic.
	ReleaseFiles map[string][]string `koanf:"releaseFiles"`

	AuthenticodeSigned bool `koanf:"-"`
	StrongNameSigned   bool `koanf:"-"`
}

// Validate reports every missing or malformed required field at once.
func (c *Configuration) Validate() error {
	var result *multierror.Error
	problem := func(field, reason string) {
		result = multierror.Append(result, fmt.Errorf("%s: %s", field, reason))
	}

	if strings.TrimSpace(c.ID) == "" {
		problem("id", "missing")
	} else if _, err := uuid.Parse(c.ID); err != nil {
		problem("id", "not a GUID")
	}
	if c.ProtocolID == "" {
		problem("protocolId", "missing")
	}
	if len(c.PublicKeyToken) == 0 {
		problem("publicKeyToken", "missing")
	} else if len(c.PublicKeyToken) != verify.PublicKeyTokenSize {
		problem("publicKeyToken", fmt.Sprintf("must be %d bytes", verify.PublicKeyTokenSize))
	}
	if c.MutexName == "" {
		problem("mutexName", "missing")
	}
	if c.BaseURI == nil {
		problem("baseUri", "missing")
	} else if !c.BaseURI.IsAbs() {
		problem("baseUri", "must be absolute")
	}

	if c.TagPathAndQuery == "" {
		problem("tagPathAndQuery", "missing")
	}
	if bad := unknownPlaceholders(c.URIFormat); len(bad) > 0 {
		problem("uriFormat", "unknown placeholders "+strings.Join(bad, ", "))
	}
	if c.Name == "" {
		problem("name", "missing")
	}
	if c.Culture == "" {
		problem("culture", "missing")
	}
	if c.PatchLevel.IsZero() {
		problem("patchLevel", "missing")
	}

	if c.BuildType == model.BuildNone || c.BuildType == model.BuildInvalid {
		problem("buildType", "must not be "+c.BuildType.String())
	}
	if c.ReleaseType == model.ReleaseNone || c.ReleaseType == model.ReleaseInvalid {
		problem("releaseType", "must not be "+c.ReleaseType.String())
	}

	if c.StrongNameFlags.Has(model.SubjectInvalid, true) {
		problem("strongNameFlags", "contains Invalid")
	}
	if c.SignatureFlags.Has(model.SubjectInvalid, true) {
		problem("signatureFlags", "contains Invalid")
	}

	if c.CoreDirectory == "" {
		problem("coreDirectory", "missing")
	}
	if c.CoreFileName == "" {
		problem("coreFileName", "missing")
	}
	if c.HashAlgorithmName == "" {
		problem("hashAlgorithmName", "missing")
	} else if !verify.Supported(c.HashAlgorithmName) {
		problem("hashAlgorithmName", fmt.Sprintf("unsupported algorithm %q", c.HashAlgorithmName))
	}

	if c.CommandFormat == "" {
		problem("commandFormat", "missing")
	}
	if c.ArgumentFormat == "" {
		problem("argumentFormat", "missing")
	}
	if c.LogFileName == "" {
		problem("logFileName", "missing")
	}

	return errors.Wrap(result.ErrorOrNil(), errors.ErrConfigInvalid, "invalid configuration")
}

func (c *Configuration) IsValid() bool {
	return c.Validate() == nil
}

// IsSigned holds when each self check either passed or was disabled by its
// override.
func (c *Configuration) IsSigned() bool {
	return trust.IsSigned(c.NoAuthenticodeSigned, c.AuthenticodeSigned, c.NoStrongNameSigned, c.StrongNameSigned)
}

func (c *Configuration) HasSignatureFlags(f model.Subjects, all bool) bool {
	return c.SignatureFlags.Has(f, all)
}

func (c *Configuration) HasStrongNameFlags(f model.Subjects, all bool) bool {
	return c.StrongNameFlags.Has(f, all)
}

// TrustPolicy projects the fields the trust gate needs.
func (c *Configuration) TrustPolicy() trust.Policy {
	return trust.Policy{
		Subject:         c.SubjectName,
		SignatureFlags:  c.SignatureFlags,
		StrongNameFlags: c.StrongNameFlags,
		NoAuthenticode:  c.NoAuthenticodeSigned,
		NoStrongName:    c.NoStrongNameSigned,
		Force:           c.Force,
		Strict:          c.Strict,
	}
}

// QueryPatchLevel is the patch level as sent to the manifest server.
func (c *Configuration) QueryPatchLevel() string {
	if c.PatchLevel.IsZero() {
		return ""
	}
	if c.PatchLevel.Major() == DefaultMajorVersion && c.PatchLevel.Minor() == DefaultMinorVersion {
		return strconv.Itoa(c.PatchLevel.Build()) + "." + strconv.Itoa(c.PatchLevel.Revision())
	}
	return c.PatchLevel.String()
}

func (c *Configuration) PathAndQuery() string {
	return strings.ReplaceAll(c.TagPathAndQuery, PlaceholderPatchLevel, c.QueryPatchLevel())
}

// ManifestURI resolves PathAndQuery against BaseURI.
func (c *Configuration) ManifestURI() (*url.URL, error) {
	if c.BaseURI == nil {
		return nil, errors.New(errors.ErrConfigInvalid, "baseUri is not set")
	}
	ref, err := url.Parse(c.PathAndQuery())
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrConfigInvalid, "parse tagPathAndQuery")
	}
	return c.BaseURI.ResolveReference(ref), nil
}

// CoreFilePath joins CoreDirectory and the base name of CoreFileName.
func (c *Configuration) CoreFilePath() string {
	return filepath.Join(c.CoreDirectory, filepath.Base(c.CoreFileName))
}

var releaseTypeOrder = []model.ReleaseType{model.ReleaseBinary, model.ReleaseRuntime, model.ReleaseCore}

// RefreshReleaseType replaces an Automatic release type with the most
// complete type whose required files are all present in CoreDirectory.
// selfName fills the {{self}} placeholder of the file lists.
func (c *Configuration) RefreshReleaseType(fs afero.Fs, selfName string, logger zerolog.Logger) error {
	if c.ReleaseType != model.ReleaseAutomatic || c.CoreDirectory == "" {
		return nil
	}
	entries, err := afero.ReadDir(fs, c.CoreDirectory)
	if err != nil {
		return errors.Wrapf(err, errors.ErrFilesystem, "list core directory %s", c.CoreDirectory)
	}
	present := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			present[foldName(e.Name())] = struct{}{}
		}
	}

	best := 0
	for _, rt := range releaseTypeOrder {
		files := c.releaseFilesFor(rt, selfName)
		if len(files) == 0 {
			continue
		}
		count := 0
		for _, name := range files {
			if _, ok := present[foldName(name)]; ok {
				count++
			} else {
				logger.Trace().Str("releaseType", rt.String()).Str("file", name).Msg("Release type not selectable, file missing")
			}
		}
		if count != len(files) || count <= best {
			continue
		}
		best = count
		if c.ReleaseType != rt {
			logger.Debug().Str("from", c.ReleaseType.String()).Str("to", rt.String()).Msg("Release type changed")
			c.ReleaseType = rt
		}
	}
	return nil
}

func (c *Configuration) releaseFilesFor(rt model.ReleaseType, selfName string) []string {
	raw := c.ReleaseFiles[rt.String()]
	out := make([]string, 0, len(raw))
	for _, name := range raw {
		name = strings.ReplaceAll(name, "{{core}}", filepath.Base(c.CoreFileName))
		name = strings.ReplaceAll(name, "{{self}}", selfName)
		if name != "" {
			out = append(out, name)
		}
	}
	return out
}

func foldName(name string) string {
	if runtime.GOOS == "windows" || runtime.GOOS == "darwin" {
		return strings.ToLower(name)
	}
	return name
}

// IsPromptOK decides whether the operator may be prompted.
func (c *Configuration) IsPromptOK(isError, interactive bool) bool {
	if !interactive {
		return false
	}
	if c.Invisible {
		return false
	}
	if !c.Silent {
		return true
	}
	return isError
}

// MarshalZerologObject lets the configuration be dumped as one log field.
func (c *Configuration) MarshalZerologObject(e *zerolog.Event) {
	e.Str("id", c.ID).
		Str("protocolId", c.ProtocolID).
		Str("publicKeyToken", verify.FormatHex(c.PublicKeyToken)).
		Str("name", c.Name).
		Str("culture", c.Culture).
		Str("patchLevel", c.PatchLevel.String()).
		Str("buildType", c.BuildType.String()).
		Str("releaseType", c.ReleaseType.String()).
		Str("signatureFlags", c.SignatureFlags.String()).
		Str("strongNameFlags", c.StrongNameFlags.String()).
		Str("coreDirectory", c.CoreDirectory).
		Str("coreFileName", c.CoreFileName).
		Str("hashAlgorithmName", c.HashAlgorithmName).
		Bool("whatIf", c.WhatIf).
		Bool("force", c.Force).
		Bool("strict", c.Strict)
	if c.BaseURI != nil {
		e.Str("baseUri", c.BaseURI.String())
	}
}

func unknownPlaceholders(format string) []string {
	var bad []string
	for _, m := range placeholderPattern.FindAllString(format, -1) {
		switch m {
		case PlaceholderPatchLevel, PlaceholderReleaseType, PlaceholderBuildType:
		default:
			bad = append(bad, m)
		}
	}
	return bad
}
