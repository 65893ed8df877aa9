package platform

import (
	"io"
	"os"

	"github.com/assessly/fieldsync/internal/logger"
	"github.com/muesli/termenv"
	"github.com/op/go-logging"
)

// TermNotifier raises desktop notifications through the terminal (OSC 777)
// and always logs them.
type TermNotifier struct {
	// Enabled is the notification permission granted by the user.
	Enabled bool
	Logger  *logging.Logger

	out *termenv.Output
}

// NewTermNotifier creates a notifier writing escape sequences to w.
// A nil w means stderr.
func NewTermNotifier(w io.Writer, enabled bool, log *logging.Logger) *TermNotifier {
	if w == nil {
		w = os.Stderr
	}
	return &TermNotifier{
		Enabled: enabled,
		Logger:  logger.OrDefault(log),
		out:     termenv.NewOutput(w),
	}
}

// Permission implements Notifier.
func (n *TermNotifier) Permission() bool {
	return n.Enabled
}

// Notify implements Notifier.
func (n *TermNotifier) Notify(title, body string) error {
	if !n.Enabled {
		return ErrNotificationDenied
	}
	n.Logger.Noticef("Notification: %s: %s", title, body)
	n.out.Notify(title, body)
	return nil
}
