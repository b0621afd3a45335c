package model

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/language"
)

// Protocol is the manifest's delivery-kind field.
type Protocol string

const (
	ProtocolBuild   Protocol = "1"
	ProtocolScript  Protocol = "2"
	ProtocolSelf    Protocol = "3"
	ProtocolPlugin  Protocol = "4"
)

// ProtocolBuckets is the number of per-protocol counters a parse reports.
const ProtocolBuckets = 5

// Bucket maps a protocol to its counter index: build, script, self, plugin,
// then everything else.
func (p Protocol) Bucket() int {
	switch p {
	case ProtocolBuild:
		return 0
	case ProtocolScript:
		return 1
	case ProtocolSelf:
		return 2
	case ProtocolPlugin:
		return 3
	default:
		return 4
	}
}

func (p Protocol) Describe() string {
	switch p {
	case ProtocolBuild:
		return "build"
	case ProtocolScript:
		return "script"
	case ProtocolSelf:
		return "self"
	case ProtocolPlugin:
		return "plugin"
	default:
		return "other"
	}
}

// BuildType selects the flavor of a build release.
type BuildType int

const (
	BuildNone BuildType = iota
	BuildDebug
	BuildRelease
	BuildInvalid
)

var buildTypeNames = map[BuildType]string{
	BuildNone:    "None",
	BuildDebug:   "Debug",
	BuildRelease: "Release",
	BuildInvalid: "Invalid",
}

func (b BuildType) String() string {
	if name, ok := buildTypeNames[b]; ok {
		return name
	}
	return fmt.Sprintf("BuildType(%d)", int(b))
}

// URIToken is the fragment substituted for {{buildType}} in release URIs.
func (b BuildType) URIToken() string {
	if b == BuildDebug {
		return "Debug"
	}
	return ""
}

func ParseBuildType(s string) (BuildType, error) {
	for value, name := range buildTypeNames {
		if strings.EqualFold(strings.TrimSpace(s), name) {
			return value, nil
		}
	}
	return BuildInvalid, fmt.Errorf("unknown build type %q", s)
}

// ReleaseType selects which file set a release archive carries.
type ReleaseType int

const (
	ReleaseNone ReleaseType = iota
	ReleaseCore
	ReleaseRuntime
	ReleaseBinary
	ReleaseAutomatic
	ReleaseInvalid
)

var releaseTypeNames = map[ReleaseType]string{
	ReleaseNone:      "None",
	ReleaseCore:      "Core",
	ReleaseRuntime:   "Runtime",
	ReleaseBinary:    "Binary",
	ReleaseAutomatic: "Automatic",
	ReleaseInvalid:   "Invalid",
}

func (r ReleaseType) String() string {
	if name, ok := releaseTypeNames[r]; ok {
		return name
	}
	return fmt.Sprintf("ReleaseType(%d)", int(r))
}

// URIToken is the fragment substituted for {{releaseType}} in release URIs.
// Binary is the default archive and carries no token.
func (r ReleaseType) URIToken() string {
	switch r {
	case ReleaseCore, ReleaseRuntime:
		return r.String()
	default:
		return ""
	}
}

func ParseReleaseType(s string) (ReleaseType, error) {
	for value, name := range releaseTypeNames {
		if strings.EqualFold(strings.TrimSpace(s), name) {
			return value, nil
		}
	}
	return ReleaseInvalid, fmt.Errorf("unknown release type %q", s)
}

// Subjects is a bitmask over the kinds of file a trust check can apply to.
type Subjects uint8

const (
	SubjectNone    Subjects = 0
	SubjectSelf    Subjects = 1 << 0
	SubjectRelease Subjects = 1 << 1
	SubjectCore    Subjects = 1 << 2
	SubjectOther   Subjects = 1 << 3
	SubjectInvalid Subjects = 1 << 7

	SubjectAll = SubjectSelf | SubjectRelease | SubjectCore | SubjectOther
)

var subjectNames = []struct {
	flag Subjects
	name string
}{
	{SubjectSelf, "Self"},
	{SubjectRelease, "Release"},
	{SubjectCore, "Core"},
	{SubjectOther, "Other"},
	{SubjectInvalid, "Invalid"},
}

// Has reports whether s carries every bit of want (all) or any bit of it.
func (s Subjects) Has(want Subjects, all bool) bool {
	if all {
		return s&want == want
	}
	return s&want != SubjectNone
}

func (s Subjects) String() string {
	if s == SubjectNone {
		return "None"
	}
	var parts []string
	for _, n := range subjectNames {
		if s&n.flag != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, ",")
}

// ParseSubjects accepts a comma, space, or pipe separated list of names, "All",
// "None", or a bare integer mask.
func ParseSubjects(s string) (Subjects, error) {
	var out Subjects
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '|' || r == ' ' })
	if len(fields) == 0 {
		return SubjectNone, nil
	}
	for _, field := range fields {
		if n, err := strconv.Atoi(field); err == nil {
			if n < 0 || n > 0xff {
				return SubjectInvalid, fmt.Errorf("subject mask %d out of range", n)
			}
			out |= Subjects(n)
			continue
		}
		switch {
		case strings.EqualFold(field, "All"):
			out |= SubjectAll
			continue
		case strings.EqualFold(field, "None"):
			continue
		}
		matched := false
		for _, n := range subjectNames {
			if strings.EqualFold(field, n.name) {
				out |= n.flag
				matched = true
				break
			}
		}
		if !matched {
			return SubjectInvalid, fmt.Errorf("unknown subject %q", field)
		}
	}
	return out, nil
}

func (b BuildType) MarshalText() ([]byte, error) { return []byte(b.String()), nil }

func (b *BuildType) UnmarshalText(text []byte) error {
	v, err := ParseBuildType(string(text))
	if err != nil {
		return err
	}
	*b = v
	return nil
}

func (r ReleaseType) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

func (r *ReleaseType) UnmarshalText(text []byte) error {
	v, err := ParseReleaseType(string(text))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

func (s Subjects) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Subjects) UnmarshalText(text []byte) error {
	v, err := ParseSubjects(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// InvariantCulture names the culture-neutral release.
const InvariantCulture = "invariant"

// ParseCulture accepts "invariant" (or empty, which means the same) and BCP
// 47 language tags, returning the canonical spelling.
func ParseCulture(s string) (string, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" || strings.EqualFold(trimmed, InvariantCulture) {
		return InvariantCulture, nil
	}
	tag, err := language.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("culture %q: %w", s, err)
	}
	return tag.String(), nil
}
