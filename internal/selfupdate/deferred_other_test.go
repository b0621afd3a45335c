//go:build !windows

package selfupdate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func TestUnlinkScheduler(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "supdate.in-use")
	if err := os.WriteFile(path, []byte("old"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	s := NewScheduler(zerolog.Nop())
	if err := s.ScheduleDeferredDelete(path, 0); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("stat after delete: got %v want not-exist", err)
	}
	if err := s.ScheduleDeferredDelete(path, 0); err != nil {
		t.Fatalf("second delete: got %v want nil", err)
	}
	if err := s.ScheduleDeferredDelete("", 0); err == nil {
		t.Fatalf("empty path: got nil error")
	}
}
