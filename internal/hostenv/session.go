package hostenv

import (
	"os"

	"github.com/mattn/go-isatty"
)

// Interactive reports whether stdin and stdout are both terminals, which is
// the closest a CLI gets to knowing someone can answer a prompt.
func Interactive() bool {
	return isTerminal(os.Stdin) && isTerminal(os.Stdout)
}

func isTerminal(f *os.File) bool {
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
