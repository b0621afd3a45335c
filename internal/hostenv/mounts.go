// Package hostenv answers questions about the machine an update runs on:
// whether a person is watching, and whether a directory can hold runnable
// files.
package hostenv

import (
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// Procfs files read by ReadMounts, most detailed first.
const (
	MountinfoPath = "/proc/self/mountinfo"
	MountsPath    = "/proc/mounts"
)

// Mount is one mounted filesystem and its flags.
type Mount struct {
	Point   string
	Options map[string]struct{}
}

func (m Mount) Has(option string) bool {
	_, ok := m.Options[option]
	return ok
}

// MountTable is the set of mounts visible to the process.
type MountTable []Mount

// ReadMounts loads the mount table from procfs on fs. An unreadable or empty
// table yields nil.
func ReadMounts(fs afero.Fs) MountTable {
	if data, err := afero.ReadFile(fs, MountinfoPath); err == nil {
		if table := ParseMountinfo(string(data)); len(table) > 0 {
			return table
		}
	}
	data, err := afero.ReadFile(fs, MountsPath)
	if err != nil {
		return nil
	}
	return ParseMounts(string(data))
}

// ParseMountinfo reads the mountinfo layout:
// id parent major:minor root point options [tags] - fstype source super.
// Super options count as mount options.
func ParseMountinfo(content string) MountTable {
	var table MountTable
	for _, fields := range lines(content) {
		sep := -1
		for i, f := range fields {
			if f == "-" {
				sep = i
				break
			}
		}
		if sep < 6 {
			continue
		}
		opts := parseOptions(fields[5])
		if sep+3 < len(fields) {
			for k := range parseOptions(fields[sep+3]) {
				opts[k] = struct{}{}
			}
		}
		table = append(table, Mount{Point: unescape(fields[4]), Options: opts})
	}
	return table
}

// ParseMounts reads the fstab-like /proc/mounts layout.
func ParseMounts(content string) MountTable {
	var table MountTable
	for _, fields := range lines(content) {
		if len(fields) < 4 {
			continue
		}
		table = append(table, Mount{Point: unescape(fields[1]), Options: parseOptions(fields[3])})
	}
	return table
}

// Lookup returns the mount holding path: the one with the longest mount
// point that prefixes it.
func (t MountTable) Lookup(path string) (Mount, bool) {
	dest := filepath.ToSlash(filepath.Clean(path))
	if dest == "." || dest == "" {
		return Mount{}, false
	}
	var (
		best  Mount
		found bool
	)
	for _, m := range t {
		point := filepath.ToSlash(filepath.Clean(m.Point))
		if point == "." || point == "" || !under(dest, point) {
			continue
		}
		if !found || len(point) > len(filepath.ToSlash(filepath.Clean(best.Point))) {
			best, found = m, true
		}
	}
	return best, found
}

// NoExec reports whether files under path cannot be executed.
func (t MountTable) NoExec(path string) bool {
	m, ok := t.Lookup(path)
	return ok && m.Has("noexec")
}

func lines(content string) [][]string {
	var out [][]string
	for _, line := range strings.Split(content, "\n") {
		if fields := strings.Fields(line); len(fields) > 0 {
			out = append(out, fields)
		}
	}
	return out
}

func parseOptions(s string) map[string]struct{} {
	m := make(map[string]struct{})
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			m[part] = struct{}{}
		}
	}
	return m
}

var octalEscapes = strings.NewReplacer(`\040`, " ", `\011`, "\t", `\012`, "\n", `\134`, `\`)

func unescape(s string) string { return octalEscapes.Replace(s) }

func under(path, prefix string) bool {
	if prefix == "/" {
		return strings.HasPrefix(path, "/")
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}
