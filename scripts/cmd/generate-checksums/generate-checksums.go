// Command generate-checksums writes checksum files for the archives of a
// published release directory (releases/<patchLevel>/ or self/<patchLevel>/).
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/3leaps/supdate/internal/verify"
)

var sumFiles = map[string]string{
	verify.AlgoMD5:    "MD5SUMS",
	verify.AlgoSHA1:   "SHA1SUMS",
	verify.AlgoSHA256: "SHA256SUMS",
	verify.AlgoSHA512: "SHA2-512SUMS",
}

func main() {
	dir := flag.String("dir", "dist/releases", "directory containing release archives")
	algos := flag.String("algos", "md5,sha1,sha512", "comma-separated list of hash algorithms (md5, sha1, sha256, sha512)")
	flag.Parse()

	if err := run(afero.NewOsFs(), *dir, *algos); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(fs afero.Fs, dir, algoList string) error {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return errors.New("directory is required")
	}
	info, err := fs.Stat(dir)
	if err != nil {
		return fmt.Errorf("stat %s: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}

	algos, err := parseAlgos(algoList)
	if err != nil {
		return err
	}

	entries, err := afero.ReadDir(fs, dir)
	if err != nil {
		return fmt.Errorf("read dir: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && isArtifact(entry.Name()) {
			files = append(files, entry.Name())
		}
	}
	if len(files) == 0 {
		return fmt.Errorf("no release archives found in %s", dir)
	}
	sort.Strings(files)

	sums := make(map[string]map[string][]byte, len(files))
	for _, name := range files {
		s, err := verify.HashFiles(fs, filepath.Join(dir, name), algos...)
		if err != nil {
			return err
		}
		sums[name] = s
	}

	for _, algo := range algos {
		var b strings.Builder
		for _, name := range files {
			fmt.Fprintf(&b, "%s  %s\n", verify.FormatHex(sums[name][algo]), name)
		}
		out := filepath.Join(dir, sumFiles[algo])
		if err := afero.WriteFile(fs, out, []byte(b.String()), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", out, err)
		}
		fmt.Printf("Wrote %s (%d entries)\n", out, len(files))
	}
	return nil
}

func parseAlgos(list string) ([]string, error) {
	var algos []string
	seen := make(map[string]struct{})
	for _, raw := range strings.Split(list, ",") {
		algo := strings.ToLower(strings.TrimSpace(raw))
		if algo == "" {
			continue
		}
		if _, ok := seen[algo]; ok {
			continue
		}
		if _, ok := sumFiles[algo]; !ok {
			return nil, fmt.Errorf("unsupported hash algorithm %q", algo)
		}
		seen[algo] = struct{}{}
		algos = append(algos, algo)
	}
	if len(algos) == 0 {
		return nil, errors.New("no hash algorithms specified")
	}
	return algos, nil
}

// isArtifact accepts release archives and updater binaries. Signatures and
// earlier checksum outputs are skipped.
func isArtifact(name string) bool {
	lower := strings.ToLower(name)
	for _, suffix := range []string{".asc", ".minisig", ".sig"} {
		if strings.HasSuffix(lower, suffix) {
			return false
		}
	}
	for _, out := range sumFiles {
		if strings.EqualFold(name, out) {
			return false
		}
	}
	switch {
	case strings.HasSuffix(lower, ".zip"), strings.HasSuffix(lower, ".tar"),
		strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return true
	case strings.HasPrefix(lower, "supdate"):
		return true
	}
	return false
}
