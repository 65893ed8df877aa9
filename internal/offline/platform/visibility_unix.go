//go:build linux || darwin

package platform

import (
	"os"

	"golang.org/x/sys/unix"
)

// VisibilitySignals returns the job-control signals that hide and show a
// terminal foreground (Ctrl-Z and fg).
func VisibilitySignals() (hide, show os.Signal, ok bool) {
	return unix.SIGTSTP, unix.SIGCONT, true
}
