package update

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a dotted numeric version with two to four components
// (MAJOR.MINOR[.BUILD[.REVISION]]) and optional prerelease/build metadata.
// The zero value is "absent".
type Version struct {
	nums       []int
	prerelease []string
	raw        string
}

// ParseVersion accepts an optional leading "v".
func ParseVersion(s string) (Version, error) {
	normalized, ok := NormalizeVersion(s)
	if !ok {
		return Version{}, fmt.Errorf("invalid version %q", s)
	}
	return parseNormalized(normalized)
}

// MustParseVersion panics on invalid input; meant for compiled-in constants.
func MustParseVersion(s string) Version {
	v, err := ParseVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}

func parseNormalized(normalized string) (Version, error) {
	out := Version{raw: normalized}

	base := normalized
	if idx := strings.IndexByte(base, '+'); idx >= 0 {
		base = base[:idx]
	}
	if idx := strings.IndexByte(base, '-'); idx >= 0 {
		if pre := base[idx+1:]; pre != "" {
			out.prerelease = strings.Split(pre, ".")
		}
		base = base[:idx]
	}

	parts := strings.Split(base, ".")
	if len(parts) < 2 || len(parts) > 4 {
		return Version{}, fmt.Errorf("invalid version format %q", normalized)
	}
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return Version{}, fmt.Errorf("parse version component %q", p)
		}
		out.nums = append(out.nums, n)
	}
	return out, nil
}

func (v Version) IsZero() bool { return len(v.nums) == 0 }

func (v Version) component(i int) int {
	if i < len(v.nums) {
		return v.nums[i]
	}
	return 0
}

func (v Version) Major() int    { return v.component(0) }
func (v Version) Minor() int    { return v.component(1) }
func (v Version) Build() int    { return v.component(2) }
func (v Version) Revision() int { return v.component(3) }

func (v Version) String() string { return v.raw }

// Compare returns -1, 0 or 1. Missing trailing components count as zero and
// build metadata is ignored.
func (v Version) Compare(other Version) int {
	for i := 0; i < 4; i++ {
		a, b := v.component(i), other.component(i)
		if a < b {
			return -1
		}
		if a > b {
			return 1
		}
	}
	return comparePrerelease(v.prerelease, other.prerelease)
}

// MarshalText lets configuration layers round-trip versions as strings.
func (v Version) MarshalText() ([]byte, error) { return []byte(v.raw), nil }

func (v *Version) UnmarshalText(b []byte) error {
	if strings.TrimSpace(string(b)) == "" {
		*v = Version{}
		return nil
	}
	parsed, err := ParseVersion(string(b))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
