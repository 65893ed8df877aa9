//go:build !linux && !darwin

package platform

import "os"

// VisibilitySignals reports ok=false: this platform has no job control.
func VisibilitySignals() (hide, show os.Signal, ok bool) {
	return nil, nil, false
}
