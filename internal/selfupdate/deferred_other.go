//go:build !windows

package selfupdate

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
)

type unlinkScheduler struct {
	logger zerolog.Logger
}

// NewScheduler returns the platform scheduler. Open files may be unlinked
// here, so the in-use copy is removed immediately and delay is ignored.
func NewScheduler(logger zerolog.Logger) Scheduler {
	return &unlinkScheduler{logger: logger}
}

func (s *unlinkScheduler) ScheduleDeferredDelete(path string, _ time.Duration) error {
	if path == "" {
		return fmt.Errorf("deferred delete: empty path")
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("unlink %s: %w", path, err)
	}
	s.logger.Debug().Str("file", path).Msg("In-use file unlinked")
	return nil
}
