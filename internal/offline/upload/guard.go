// Package upload keeps long first-time photo uploads alive and stores
// photo blobs in remote object storage.
//
// Guard wraps a single upload with a best-effort advisory hold and a
// diagnostic heartbeat. Neither has any effect on the transfer: a missing
// lock primitive, a held lock or a visibility change never pauses, cancels or
// fails the upload, and both are released on every exit path.
package upload

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/assessly/fieldsync/internal/logger"
	"github.com/assessly/fieldsync/internal/offline/platform"
	"github.com/op/go-logging"
)

// BackgroundNote is shown while an upload continues with the UI hidden.
const BackgroundNote = "continuing in background"

// DefaultHeartbeat is the heartbeat interval.
const DefaultHeartbeat = 500 * time.Millisecond

// Status describes an active upload.
type Status struct {
	Name       string
	Held       bool // advisory hold acquired
	Beats      int
	Background bool
	Note       string
	StartedAt  time.Time
}

// Guard runs uploads under the resilience protocol.
type Guard struct {
	Locker    platform.Locker
	Heartbeat time.Duration
	Logger    *logging.Logger

	mu       sync.Mutex
	active   map[uint64]*Status // keyed by run
	nextRun  uint64
	hidden   bool
	finished int
}

// NewGuard creates a guard. A nil locker disables the advisory hold.
func NewGuard(locker platform.Locker, log *logging.Logger) *Guard {
	return &Guard{
		Locker:    locker,
		Heartbeat: DefaultHeartbeat,
		Logger:    logger.OrDefault(log),
		active:    make(map[uint64]*Status),
	}
}

// Run executes fn under an advisory hold named after the upload and emits a
// heartbeat while it runs. The hold and heartbeat are released when fn
// returns, fails, panics or ctx is cancelled. fn's error is returned as is.
//
// Runs sharing a name are independent; only the first gets the hold.
func (g *Guard) Run(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	st := &Status{Name: name, StartedAt: time.Now()}

	release := g.acquire(name)
	st.Held = release != nil

	g.mu.Lock()
	if g.active == nil {
		g.active = make(map[uint64]*Status)
	}
	if g.hidden {
		st.Background = true
		st.Note = BackgroundNote
	}
	g.nextRun++
	run := g.nextRun
	g.active[run] = st
	g.mu.Unlock()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		g.heartbeat(run, stop)
	}()

	defer func() {
		close(stop)
		wg.Wait()
		if release != nil {
			release()
		}
		g.mu.Lock()
		delete(g.active, run)
		g.finished++
		g.mu.Unlock()
	}()

	g.Logger.Infof("Upload %s started (hold=%t)", name, st.Held)
	err := fn(ctx)
	if err != nil {
		g.Logger.Warningf("Upload %s failed: %v", name, err)
	} else {
		g.Logger.Infof("Upload %s finished", name)
	}
	return err
}

func (g *Guard) acquire(name string) func() {
	if g.Locker == nil {
		return nil
	}
	release, err := g.Locker.TryLock("upload-" + name)
	if err != nil {
		if errors.Is(err, platform.ErrLockHeld) {
			g.Logger.Infof("Upload %s: hold already taken, continuing without it", name)
		} else {
			g.Logger.Debugf("Upload %s: advisory hold unavailable: %v", name, err)
		}
		return nil
	}
	return release
}

func (g *Guard) heartbeat(run uint64, stop <-chan struct{}) {
	interval := g.Heartbeat
	if interval <= 0 {
		interval = DefaultHeartbeat
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			g.mu.Lock()
			st, ok := g.active[run]
			var name string
			beats := 0
			if ok {
				st.Beats++
				name, beats = st.Name, st.Beats
			}
			g.mu.Unlock()
			if ok {
				g.Logger.Debugf("Upload %s heartbeat #%d", name, beats)
			}
		}
	}
}

// SetVisibility records a foreground visibility change. Active uploads are
// annotated and keep running unchanged.
func (g *Guard) SetVisibility(hidden bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hidden = hidden
	for _, st := range g.active {
		st.Background = hidden
		if hidden {
			st.Note = BackgroundNote
			g.Logger.Infof("Upload %s: UI hidden, %s", st.Name, BackgroundNote)
		} else {
			st.Note = ""
			g.Logger.Infof("Upload %s: UI visible again", st.Name)
		}
	}
}

// Status returns a copy of the named upload's status. When several runs share
// the name, the most recently started one is returned.
func (g *Guard) Status(name string) (Status, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var (
		latest *Status
		at     uint64
	)
	for run, st := range g.active {
		if st.Name == name && run > at {
			latest, at = st, run
		}
	}
	if latest == nil {
		return Status{}, false
	}
	return *latest, true
}

// Active returns the statuses of all running uploads.
func (g *Guard) Active() []Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Status, 0, len(g.active))
	for _, st := range g.active {
		out = append(out, *st)
	}
	return out
}
