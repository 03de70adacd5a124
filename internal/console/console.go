package console

import (
	"bufio"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// IsInteractive reports whether f is attached to a terminal.
func IsInteractive(f *os.File) bool {
	return f != nil && term.IsTerminal(int(f.Fd()))
}

// IsQuit reports whether line is a quit command.
func IsQuit(line string) bool {
	s := strings.TrimSpace(line)
	return s == "q" || s == "Q"
}

// Watch reads lines from r and calls quit once on the first "q" or "Q".
// It returns after quitting or when r is exhausted. Other input is ignored.
//
// A read on a terminal cannot be interrupted, so callers run Watch in its
// own goroutine and do not wait for it on shutdown.
func Watch(r io.Reader, quit func()) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if IsQuit(sc.Text()) {
			quit()
			return
		}
	}
}
