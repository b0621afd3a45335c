package selfupdate

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Scheduler arranges for a file to be removed once this process has exited.
// Implementations are best effort; callers log failures and carry on.
type Scheduler interface {
	ScheduleDeferredDelete(path string, delay time.Duration) error
}

// SchedulerFunc adapts a function to Scheduler.
type SchedulerFunc func(path string, delay time.Duration) error

func (f SchedulerFunc) ScheduleDeferredDelete(path string, delay time.Duration) error {
	return f(path, delay)
}

// RenderDeleteScript builds the batch script that waits for delay, deletes
// path if it still exists, then deletes itself. ping is used for the wait
// because it is present on every Windows release and needs no console.
func RenderDeleteScript(path string, delay time.Duration) string {
	secs := int(math.Ceil(delay.Seconds()))
	if secs < 0 {
		secs = 0
	}
	quoted := strings.ReplaceAll(path, `"`, `""`)

	var b strings.Builder
	b.WriteString("@ECHO OFF\r\n")
	fmt.Fprintf(&b, "ping -n %d 127.0.0.1 >NUL\r\n", secs+1)
	fmt.Fprintf(&b, "IF EXIST \"%s\" DEL /F \"%s\"\r\n", quoted, quoted)
	b.WriteString("IF EXIST \"%~f0\" DEL \"%~f0\"\r\n")
	return b.String()
}
