package coordinator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Manifest lists the static assets cached on install.
type Manifest struct {
	Version string   `yaml:"version" toml:"version" json:"version"`
	URLs    []string `yaml:"urls" toml:"urls" json:"urls"`
}

// Partition returns the static cache partition name for this version.
func (m *Manifest) Partition() string {
	return StaticPartition(m.Version)
}

// StaticPartition returns the static cache partition name for a version.
func StaticPartition(version string) string {
	if !strings.HasPrefix(version, "v") {
		version = "v" + version
	}
	return "static-" + version
}

// LoadManifest reads a manifest from a .yaml, .yml or .toml file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &m)
	case ".toml":
		err = toml.Unmarshal(data, &m)
	default:
		return nil, fmt.Errorf("unsupported manifest format %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	if m.Version == "" {
		return nil, fmt.Errorf("manifest %s has no version", path)
	}
	return &m, nil
}

// ManifestWatcher reports changes to a single manifest file.
//
// The parent directory is watched rather than the file itself so that
// editors that save by rename are still seen. Bursts of events are
// collapsed into one notification after Debounce.
type ManifestWatcher struct {
	Path     string
	Debounce time.Duration

	watcher *fsnotify.Watcher
	changes chan struct{}
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewManifestWatcher creates a watcher. It must be started with Start.
func NewManifestWatcher(path string) (*ManifestWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	return &ManifestWatcher{
		Path:     abs,
		Debounce: 200 * time.Millisecond,
		watcher:  w,
		changes:  make(chan struct{}, 1),
		errors:   make(chan error, 10),
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching.
func (mw *ManifestWatcher) Start() error {
	mw.mu.Lock()
	defer mw.mu.Unlock()

	if mw.running {
		return fmt.Errorf("watcher already running")
	}
	if err := mw.watcher.Add(filepath.Dir(mw.Path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(mw.Path), err)
	}
	mw.running = true
	mw.wg.Add(1)
	go mw.processEvents()
	return nil
}

// Stop stops watching and closes the channels.
func (mw *ManifestWatcher) Stop() error {
	mw.mu.Lock()
	if !mw.running {
		mw.mu.Unlock()
		return nil
	}
	mw.running = false
	mw.mu.Unlock()

	close(mw.done)
	if err := mw.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	mw.wg.Wait()
	close(mw.changes)
	close(mw.errors)
	return nil
}

// Changes emits once per settled burst of changes to the manifest.
func (mw *ManifestWatcher) Changes() <-chan struct{} {
	return mw.changes
}

// Errors emits watcher errors.
func (mw *ManifestWatcher) Errors() <-chan error {
	return mw.errors
}

func (mw *ManifestWatcher) processEvents() {
	defer mw.wg.Done()

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-mw.done:
			return

		case event, ok := <-mw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != mw.Path {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(mw.Debounce)
			} else {
				timer.Reset(mw.Debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			select {
			case mw.changes <- struct{}{}:
			default:
			}

		case err, ok := <-mw.watcher.Errors:
			if !ok {
				return
			}
			select {
			case mw.errors <- err:
			case <-mw.done:
				return
			}
		}
	}
}

// watchManifest reinstalls whenever the manifest changes.
func (c *Coordinator) watchManifest(ctx context.Context, mw *ManifestWatcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-mw.Changes():
			if !ok {
				return
			}
			m, err := LoadManifest(mw.Path)
			if err != nil {
				c.log.Warningf("Ignoring manifest change: %v", err)
				continue
			}
			if err := c.Install(ctx, m); err != nil {
				c.log.Errorf("Install of version %s failed: %v", m.Version, err)
			}
		case err, ok := <-mw.Errors():
			if !ok {
				return
			}
			c.log.Warningf("Manifest watcher error: %v", err)
		}
	}
}
