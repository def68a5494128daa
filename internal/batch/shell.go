package batch

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// isTerminal reports whether stdout is a tty, matching the teacher's own
// unix.IoctlGetTermios probe rather than pulling in a dedicated isatty
// dependency for a one-line check already covered by golang.org/x/sys.
var isTerminal = func() bool {
	_, err := unix.IoctlGetTermios(int(os.Stdout.Fd()), unix.TCGETS)
	return err == nil
}()

// ansiShell is the default Shell: it writes unconditional status lines to
// stdout, optionally in color, and gates Verbose behind a flag. When stdout
// is a terminal it keeps a small in-place-refreshed status table (one line
// per worker) the way the original batch builder's live status display
// worked; otherwise it falls back to a plain append-only log, since
// in-place cursor movement only makes sense on a real terminal.
type ansiShell struct {
	verbose bool

	mu         sync.Mutex
	status     []string
	lastRefresh time.Time
}

// NewShell returns a Shell with workers status lines, verbose gated by v.
func NewShell(workers int, verbose bool) Shell {
	return &ansiShell{
		verbose: verbose,
		status:  make([]string, workers+1), // +1 for the overall summary line
	}
}

func (s *ansiShell) Status(tag, body string) {
	fmt.Printf("%-12s %s\n", tag, body)
}

func (s *ansiShell) Verbose(fn func(Shell)) {
	if s.verbose {
		fn(s)
	}
}

func (s *ansiShell) Say(msg string, color Color) {
	fmt.Println(colorize(msg, color))
}

// UpdateWorker rewrites the status line for worker idx (0 is the overall
// summary) in the in-place table. Outside a terminal this is a no-op, and
// progress shows only through the Status and Say lines.
func (s *ansiShell) UpdateWorker(idx int, line string) {
	if !isTerminal || idx >= len(s.status) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if diff := len(s.status[idx]) - len(line); diff > 0 {
		line += strings.Repeat(" ", diff)
	}
	s.status[idx] = line
	if time.Since(s.lastRefresh) < 100*time.Millisecond {
		return
	}
	s.lastRefresh = time.Now()
	s.refreshLocked()
}

func (s *ansiShell) refreshLocked() {
	for _, line := range s.status {
		fmt.Println(line)
	}
	fmt.Printf("\033[%dA", len(s.status)) // restore cursor position
}

func colorize(msg string, color Color) string {
	if !isTerminal {
		return msg
	}
	code := ""
	switch color {
	case ColorYellow:
		code = "33"
	case ColorRed:
		code = "31"
	case ColorGreen:
		code = "32"
	default:
		return msg
	}
	return "\033[" + code + "m" + msg + "\033[0m"
}
