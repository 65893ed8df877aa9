package coordinator

import (
	"context"
	"errors"

	"github.com/assessly/fieldsync/internal/offline/channel"
	"github.com/assessly/fieldsync/internal/offline/fetch"
	"github.com/assessly/fieldsync/internal/offline/syncq"
)

// handleMessage dispatches a message from a foreground instance. Work that
// may block on the network runs in the background so the peer's read loop
// keeps draining.
func (c *Coordinator) handleMessage(ctx context.Context, from *channel.Peer, msg channel.Message) {
	switch msg.Type {
	case channel.SkipWaiting:
		if err := c.maybeActivate(ctx, true); err != nil {
			c.log.Errorf("Activation failed: %v", err)
		}

	case channel.CacheURLs:
		var data channel.CacheURLsData
		if err := msg.Decode(&data); err != nil {
			c.log.Warningf("Bad %s message: %v", msg.Type, err)
			return
		}
		c.background(func(ctx context.Context) {
			if c.config.Origin == nil {
				c.log.Warningf("Cannot cache urls: no origin configured")
				return
			}
			n, err := c.fetch.Precache(ctx, c.fetch.StaticCache(), c.config.Origin, data.URLs)
			if err != nil {
				c.log.Warningf("Caching requested urls failed: %v", err)
				return
			}
			c.log.Infof("Cached %d of %d requested urls", n, len(data.URLs))
		})

	case channel.ClearCache:
		var data channel.ClearCacheData
		if len(msg.Data) > 0 {
			if err := msg.Decode(&data); err != nil {
				c.log.Warningf("Bad %s message: %v", msg.Type, err)
				return
			}
		}
		c.clearCache(ctx, data.CacheName)

	case channel.GetCacheSize:
		size, err := c.config.Cache.Size(ctx)
		if err != nil {
			c.log.Warningf("Cache size failed: %v", err)
		}
		if err := from.Reply(ctx, msg, channel.CacheSize, channel.CacheSizeData{Size: size}); err != nil {
			c.log.Warningf("Failed to answer %s: %v", msg.Type, err)
		}

	case channel.SyncComplete:
		// A foreground instance finished its own drain.
		var data channel.SyncCompleteData
		if err := msg.Decode(&data); err != nil {
			c.log.Warningf("Bad %s message: %v", msg.Type, err)
			return
		}
		c.hub.Broadcast(msg)
		c.notify(data)

	case channel.RequestSync:
		c.background(func(ctx context.Context) {
			_, err := c.SyncNow(ctx, TriggerManual)
			if err != nil && !errors.Is(err, syncq.ErrStopped) {
				c.log.Debugf("Requested sync ended with: %v", err)
			}
		})

	case channel.StopSync:
		c.StopSync()

	case channel.Visibility:
		var data channel.VisibilityData
		if err := msg.Decode(&data); err != nil {
			c.log.Warningf("Bad %s message: %v", msg.Type, err)
			return
		}
		if c.config.Guard != nil {
			c.config.Guard.SetVisibility(data.Hidden)
		}

	default:
		c.log.Debugf("Ignoring message %s", msg.Type)
	}
}

// clearCache deletes one cache partition, or every partition when name is
// empty.
func (c *Coordinator) clearCache(ctx context.Context, name string) {
	names := []string{name}
	if name == "" {
		var err error
		if names, err = c.config.Cache.Names(ctx); err != nil {
			c.log.Warningf("Listing cache partitions failed: %v", err)
			return
		}
	}
	for _, n := range names {
		ok, err := c.config.Cache.Delete(ctx, n)
		switch {
		case err != nil:
			c.log.Warningf("Deleting cache %s failed: %v", n, err)
		case ok:
			c.log.Infof("Cleared cache %s", n)
		}
	}
}

func (c *Coordinator) background(fn func(ctx context.Context)) {
	if c.ctx == nil || c.ctx.Err() != nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn(c.ctx)
	}()
}

// cacheResult adapts fetch results to the request counter.
func (c *Coordinator) cacheResult(p fetch.Policy, result string) {
	c.metrics.CacheRequests.WithLabelValues(string(p), result).Inc()
}
