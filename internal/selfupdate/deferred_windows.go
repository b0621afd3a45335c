//go:build windows

package selfupdate

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/windows"
)

type batchScheduler struct {
	logger zerolog.Logger
}

// NewScheduler returns the platform scheduler. On Windows a running image
// cannot be deleted, so a detached cmd.exe script does it after exit.
func NewScheduler(logger zerolog.Logger) Scheduler {
	return &batchScheduler{logger: logger}
}

func (s *batchScheduler) ScheduleDeferredDelete(path string, delay time.Duration) error {
	if path == "" {
		return fmt.Errorf("deferred delete: empty path")
	}
	script, err := os.CreateTemp("", "supdate-delete-*.bat")
	if err != nil {
		return fmt.Errorf("create delete script: %w", err)
	}
	if _, err := script.WriteString(RenderDeleteScript(path, delay)); err != nil {
		_ = script.Close()
		_ = os.Remove(script.Name())
		return fmt.Errorf("write delete script: %w", err)
	}
	if err := script.Close(); err != nil {
		_ = os.Remove(script.Name())
		return fmt.Errorf("close delete script: %w", err)
	}

	comspec := os.Getenv("ComSpec")
	if comspec == "" {
		comspec = filepath.Join(os.Getenv("SystemRoot"), "System32", "cmd.exe")
	}
	cmd := exec.Command(comspec, "/C", script.Name()) // #nosec G204 -- script path generated above
	cmd.SysProcAttr = &syscall.SysProcAttr{
		HideWindow:    true,
		CreationFlags: windows.CREATE_NEW_PROCESS_GROUP | windows.DETACHED_PROCESS,
	}
	if err := cmd.Start(); err != nil {
		_ = os.Remove(script.Name())
		return fmt.Errorf("start delete script: %w", err)
	}
	s.logger.Debug().Str("file", path).Str("script", script.Name()).Int("pid", cmd.Process.Pid).Msg("Deferred delete scheduled")
	return cmd.Process.Release()
}
