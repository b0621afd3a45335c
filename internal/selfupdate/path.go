package selfupdate

import (
	"fmt"
	"os"
	"path/filepath"
)

// InUseSuffix marks the renamed copy of a running executable that is
// waiting to be deleted.
const InUseSuffix = ".in-use"

// SelfPath resolves the running executable. When dir is set the executable's
// base name is placed in dir instead, which lets tests and relocated installs
// address a different copy of the updater.
func SelfPath(dir string) (string, error) {
	exePath, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("determine current executable: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(exePath); err == nil {
		exePath = resolved
	}
	targetDir := filepath.Dir(exePath)
	if dir != "" {
		targetDir = dir
	}
	base := filepath.Base(exePath)
	return filepath.Join(targetDir, base), nil
}

// InUsePath is the sibling name a running executable is moved to before it
// is replaced.
func InUsePath(self string) string {
	if self == "" {
		return ""
	}
	return self + InUseSuffix
}
