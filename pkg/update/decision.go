package update

import (
	"fmt"
	"strconv"
	"strings"
)

type Decision string

const (
	DecisionProceed   Decision = "proceed"   // Candidate is newer than the install
	DecisionSkip      Decision = "skip"      // Candidate is the same or older
	DecisionReinstall Decision = "reinstall" // Force, same version
	DecisionDowngrade Decision = "downgrade" // Force, older version
	DecisionUnknown   Decision = "unknown"   // Versions not comparable
)

// FormatVersionDisplay formats a version string for display, adding "v" prefix if needed.
func FormatVersionDisplay(v string) string {
	if v == "" || v == "dev" || v == "0.0.0-dev" {
		return v
	}
	if strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}

// NormalizeVersion strips the leading "v" prefix and validates that the version
// is dotted-numeric (MAJOR.MINOR with up to two further numeric components,
// optionally with prerelease and/or build metadata).
// "dev", empty strings, and other formats return ("", false).
func NormalizeVersion(v string) (string, bool) {
	trimmed := strings.TrimSpace(v)
	if trimmed == "" || trimmed == "dev" || trimmed == "0.0.0-dev" {
		return "", false
	}

	normalized := strings.TrimPrefix(trimmed, "v")
	base := normalized
	if idx := strings.IndexAny(base, "-+"); idx >= 0 {
		base = base[:idx]
	}
	parts := strings.Split(base, ".")
	if len(parts) < 2 || len(parts) > 4 {
		return "", false
	}
	for _, p := range parts {
		if _, err := strconv.Atoi(p); err != nil {
			return "", false
		}
	}

	return normalized, true
}

func comparePrerelease(a, b []string) int {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	if len(a) == 0 {
		return 1
	}
	if len(b) == 0 {
		return -1
	}

	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		ai, bi := a[i], b[i]
		aNum, aErr := strconv.Atoi(ai)
		bNum, bErr := strconv.Atoi(bi)
		aIsNum := aErr == nil
		bIsNum := bErr == nil

		switch {
		case aIsNum && bIsNum:
			if aNum < bNum {
				return -1
			}
			if aNum > bNum {
				return 1
			}
		case aIsNum && !bIsNum:
			return -1
		case !aIsNum && bIsNum:
			return 1
		default:
			if ai < bi {
				return -1
			}
			if ai > bi {
				return 1
			}
		}
	}

	if len(a) < len(b) {
		return -1
	}
	if len(a) > len(b) {
		return 1
	}
	return 0
}

// CompareVersions compares two version strings.
// Returns -1 if a < b, 0 if a == b, 1 if a > b, or an error if either cannot be parsed.
func CompareVersions(a, b string) (int, error) {
	av, err := ParseVersion(a)
	if err != nil {
		return 0, err
	}
	bv, err := ParseVersion(b)
	if err != nil {
		return 0, err
	}
	return av.Compare(bv), nil
}

// Decide classifies a candidate against the installed version.
//
// Without force only a strictly newer candidate proceeds. With force every
// comparable candidate is installed, and the decision records why.
func Decide(installed, candidate Version, force bool) (Decision, string) {
	if installed.IsZero() || candidate.IsZero() {
		if force {
			return DecisionProceed, fmt.Sprintf("Version comparison skipped (installed=%q, candidate=%q); force requested.", installed, candidate)
		}
		return DecisionUnknown, fmt.Sprintf("Version comparison not possible (installed=%q, candidate=%q).", installed, candidate)
	}

	switch installed.Compare(candidate) {
	case -1:
		return DecisionProceed, fmt.Sprintf("Updating %s → %s", FormatVersionDisplay(installed.String()), FormatVersionDisplay(candidate.String()))
	case 0:
		if force {
			return DecisionReinstall, fmt.Sprintf("Reinstalling %s...", FormatVersionDisplay(candidate.String()))
		}
		return DecisionSkip, fmt.Sprintf("Already at latest version (%s). Use -force to reinstall.", FormatVersionDisplay(candidate.String()))
	default:
		if force {
			return DecisionDowngrade, fmt.Sprintf("Downgrading %s → %s", FormatVersionDisplay(installed.String()), FormatVersionDisplay(candidate.String()))
		}
		return DecisionSkip, fmt.Sprintf("Already at version %s (candidate %s is older).", FormatVersionDisplay(installed.String()), FormatVersionDisplay(candidate.String()))
	}
}

// DescribeDecision returns a human-readable dry-run status.
func DescribeDecision(d Decision) string {
	switch d {
	case DecisionSkip:
		return "Already at latest version (no update needed)"
	case DecisionProceed:
		return "Update available"
	case DecisionReinstall:
		return "Force reinstall requested"
	case DecisionDowngrade:
		return "Forced downgrade requested"
	case DecisionUnknown:
		return "Update status unknown (versions not comparable)"
	default:
		return string(d)
	}
}
