package coordinator

import (
	"context"
	"fmt"

	"github.com/assessly/fieldsync/internal/offline/cache"
	"github.com/assessly/fieldsync/internal/offline/channel"
)

const metaActiveVersion = "active_version"

// Install precaches m into its versioned static partition and marks it
// waiting. The version is activated right away when nothing was active
// before, otherwise once no instance is open or one sends SKIP_WAITING.
func (c *Coordinator) Install(ctx context.Context, m *Manifest) error {
	c.mu.Lock()
	if c.active == m.Version && c.phase == PhaseActive {
		c.mu.Unlock()
		c.log.Debugf("Version %s already active", m.Version)
		return nil
	}
	first := c.active == ""
	c.phase = PhaseInstalling
	c.mu.Unlock()

	c.log.Infof("Installing version %s (%d assets)", m.Version, len(m.URLs))
	if len(m.URLs) > 0 {
		if c.config.Origin == nil {
			return fmt.Errorf("manifest lists assets but no origin is configured")
		}
		n, err := c.fetch.Precache(ctx, m.Partition(), c.config.Origin, m.URLs)
		if err != nil {
			return fmt.Errorf("precache failed: %w", err)
		}
		if n < len(m.URLs) {
			c.log.Warningf("Precached %d of %d assets for version %s", n, len(m.URLs), m.Version)
		}
	}

	c.mu.Lock()
	c.waiting = m
	c.phase = PhaseWaiting
	c.mu.Unlock()

	return c.maybeActivate(ctx, first)
}

// maybeActivate activates the waiting version when forced or when no
// instance is connected.
func (c *Coordinator) maybeActivate(ctx context.Context, force bool) error {
	c.mu.Lock()
	m := c.waiting
	c.mu.Unlock()
	if m == nil {
		return nil
	}
	if !force && c.hub.PeerCount() > 0 {
		c.log.Infof("Version %s waiting for %d open instances to close", m.Version, c.hub.PeerCount())
		return nil
	}
	return c.activate(ctx, m)
}

// activate switches the static partition, deletes partitions of older
// versions and claims open instances.
func (c *Coordinator) activate(ctx context.Context, m *Manifest) error {
	c.mu.Lock()
	if c.waiting != m {
		c.mu.Unlock()
		return nil
	}
	c.waiting = nil
	c.active = m.Version
	c.phase = PhaseActive
	c.mu.Unlock()

	c.fetch.SetStaticCache(m.Partition())
	if err := c.config.DB.SetMeta(ctx, metaActiveVersion, m.Version); err != nil {
		return fmt.Errorf("failed to record active version: %w", err)
	}

	deleted, err := cache.DeleteExcept(ctx, c.config.Cache, c.fetch.Partitions())
	if err != nil {
		c.log.Warningf("Failed to remove old cache partitions: %v", err)
	} else if len(deleted) > 0 {
		c.log.Infof("Removed cache partitions %v", deleted)
	}

	c.log.Infof("Version %s active", m.Version)
	c.hub.Publish(channel.ControllerChange, channel.ControllerChangeData{Version: m.Version})
	return nil
}

// ActiveVersion returns the active static version, or "" before the first
// activation.
func (c *Coordinator) ActiveVersion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}
