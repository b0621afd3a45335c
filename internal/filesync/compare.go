package filesync

import (
	"path/filepath"
	"runtime"
	"strings"
)

// Comparer orders and matches relative file paths.
type Comparer struct {
	IgnoreCase bool
}

// PlatformComparer ignores case where the usual filesystems do.
func PlatformComparer() Comparer {
	return Comparer{IgnoreCase: runtime.GOOS == "windows" || runtime.GOOS == "darwin"}
}

// Key is the map key for path: slash-separated, and folded when case is
// ignored.
func (c Comparer) Key(path string) string {
	key := filepath.ToSlash(path)
	if c.IgnoreCase {
		key = strings.ToLower(key)
	}
	return key
}

func (c Comparer) Compare(a, b string) int {
	return strings.Compare(c.Key(a), c.Key(b))
}

func (c Comparer) Equal(a, b string) bool {
	return c.Key(a) == c.Key(b)
}

// HasSuffix is strings.HasSuffix under the comparer's case rule.
func (c Comparer) HasSuffix(path, suffix string) bool {
	if len(suffix) > len(path) {
		return false
	}
	tail := path[len(path)-len(suffix):]
	if c.IgnoreCase {
		return strings.EqualFold(tail, suffix)
	}
	return tail == suffix
}
