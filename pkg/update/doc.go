// Package update provides small, dependency-free helpers for comparing
// installed and candidate release versions and deciding whether an update
// should proceed.
//
// It performs no downloads, no signature or checksum verification, and no
// installation.
//
// Version model
//   - Dotted numeric versions with two to four components,
//     "MAJOR.MINOR[.BUILD[.REVISION]]", optionally prefixed by "v" and
//     followed by prerelease/build metadata (e.g. "1.0.8500.1", "v2.1-rc1").
//   - Missing trailing components compare as zero, so "1.0" == "1.0.0.0".
//   - Prerelease precedence follows SemVer: "1.0.0-rc1" < "1.0.0".
//   - "dev", "0.0.0-dev", and empty versions are not comparable.
package update
