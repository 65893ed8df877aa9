// Package service is the foreground write path. Every local edit is saved
// together with its queue entry before anything touches the network, and
// sync requests are handed to a running coordinator when there is one.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/assessly/fieldsync/internal/logger"
	"github.com/assessly/fieldsync/internal/offline/channel"
	"github.com/assessly/fieldsync/internal/offline/quota"
	"github.com/assessly/fieldsync/internal/offline/schema"
	"github.com/assessly/fieldsync/internal/offline/store"
	"github.com/assessly/fieldsync/internal/offline/upload"
	"github.com/google/uuid"
	"github.com/op/go-logging"
)

// ErrNoCoordinator is returned when an operation needs a running coordinator.
var ErrNoCoordinator = errors.New("no coordinator running")

// Drainer drains the sync queue in-process. *syncq.Syncer implements it.
type Drainer interface {
	Drain(ctx context.Context) (schema.SyncResult, error)
}

// Config holds service configuration.
type Config struct {
	DB    *store.DB
	Quota *quota.Manager

	// Guard and Objects enable the immediate upload of large photos.
	// Objects nil disables it.
	Guard   *upload.Guard
	Objects upload.Target

	// LargeFileThreshold is the smallest photo blob uploaded immediately
	// (default: 1 MiB). It also makes a write check the quota first.
	LargeFileThreshold int64

	// ChannelURL is the coordinator's message channel. Empty means
	// RequestSync always drains in-process.
	ChannelURL string
	// DialTimeout bounds the attempt to reach the coordinator (default: 2s).
	DialTimeout time.Duration

	// Drainer is used when no coordinator is reachable.
	Drainer Drainer

	Clock  func() time.Time
	Logger *logging.Logger
}

// Service performs foreground writes.
type Service struct {
	config Config
	log    *logging.Logger
}

// New creates a service.
func New(config Config) (*Service, error) {
	if config.DB == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if config.LargeFileThreshold == 0 {
		config.LargeFileThreshold = 1 << 20
	}
	if config.DialTimeout == 0 {
		config.DialTimeout = 2 * time.Second
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	return &Service{config: config, log: logger.OrDefault(config.Logger)}, nil
}

// Put saves rec as a new pending version together with a create or update
// queue entry. An empty id gets a fresh uuid. The stored record is returned.
func (s *Service) Put(ctx context.Context, c schema.Collection, rec *schema.Record) (*schema.Record, error) {
	if !c.IsDomain() {
		return nil, fmt.Errorf("%w: %q", schema.ErrUnknownCollection, c)
	}
	r := rec.Clone()
	now := s.config.Clock().UTC()
	op := schema.OpCreate

	if r.ID == "" {
		r.ID = uuid.NewString()
	} else {
		existing, err := s.config.DB.Get(ctx, c, r.ID)
		switch {
		case err == nil:
			op = schema.OpUpdate
			r.CreatedAt = existing.CreatedAt
			// A new version must never carry the previous timestamp.
			if !now.After(existing.UpdatedAt) {
				now = existing.UpdatedAt.Add(time.Millisecond)
			}
		case !errors.Is(err, schema.ErrNotFound):
			return nil, err
		}
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	r.SyncStatus = schema.StatusPending
	if c == schema.Photos {
		r.RecomputeFileSize()
	}
	if err := r.Validate(c); err != nil {
		return nil, fmt.Errorf("invalid %s record: %w", c, err)
	}

	if s.config.Quota != nil && r.Size() >= s.config.LargeFileThreshold {
		if err := s.config.Quota.EnsureSpace(ctx, r.Size()); err != nil {
			return nil, fmt.Errorf("cannot store %s %s: %w", c, r.ID, err)
		}
	}

	entry, err := s.config.DB.SaveWithEntry(ctx, c, r, op)
	if err != nil {
		return nil, err
	}
	s.log.Debugf("Saved %s %s (%s, entry %s)", c, r.ID, op, entry.ID)
	return r, nil
}

// Delete removes a record locally and queues its deletion on the server.
func (s *Service) Delete(ctx context.Context, c schema.Collection, id string) error {
	if _, err := s.config.DB.Get(ctx, c, id); err != nil {
		return err
	}
	entry, err := s.config.DB.SaveWithEntry(ctx, c, &schema.Record{ID: id}, schema.OpDelete)
	if err != nil {
		return err
	}
	s.log.Debugf("Deleted %s %s (entry %s)", c, id, entry.ID)
	return nil
}

// AddPhoto saves a photo and, when its blob is large and object storage is
// configured, uploads the blob right away under the upload guard. The
// photo is saved pending first and the upload never changes it: a failed
// upload is retried by the queue drain, which also skips the transfer when
// the object already exists.
func (s *Service) AddPhoto(ctx context.Context, rec *schema.Record) (*schema.Record, error) {
	r, err := s.Put(ctx, schema.Photos, rec)
	if err != nil {
		return nil, err
	}
	if s.config.Objects == nil || int64(len(r.Blob)) < s.config.LargeFileThreshold {
		return r, nil
	}

	if err := s.uploadNow(ctx, r); err != nil {
		s.log.Warningf("Immediate upload of photo %s failed, the next sync will retry: %v", r.ID, err)
	}
	return r, nil
}

func (s *Service) uploadNow(ctx context.Context, r *schema.Record) error {
	key := upload.ObjectKey(r.ProjectID, r.Blob)
	transfer := func(ctx context.Context) error {
		exists, err := s.config.Objects.Exists(ctx, key)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
		return s.config.Objects.Put(ctx, key, bytes.NewReader(r.Blob), int64(len(r.Blob)), upload.ContentType(r.Blob))
	}
	if s.config.Guard == nil {
		return transfer(ctx)
	}
	return s.config.Guard.Run(ctx, "photo-"+r.ID, transfer)
}

// SyncReport is the outcome of RequestSync.
type SyncReport struct {
	Synced    int
	Failed    int
	Remaining int
	// Coordinator reports whether a running coordinator performed the drain.
	Coordinator bool
}

// RequestSync asks the coordinator to drain the queue and waits for its
// SYNC_COMPLETE. Without a reachable coordinator the queue is drained
// in-process instead.
func (s *Service) RequestSync(ctx context.Context) (*SyncReport, error) {
	client, err := s.dial(ctx)
	if err == nil {
		defer client.Close()
		return s.requestRemote(ctx, client)
	}
	s.log.Debugf("Coordinator unavailable, syncing in-process: %v", err)
	return s.drainLocal(ctx)
}

func (s *Service) requestRemote(ctx context.Context, client *channel.Client) (*SyncReport, error) {
	if err := client.Send(ctx, channel.RequestSync, nil); err != nil {
		return nil, fmt.Errorf("failed to request sync: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case msg, ok := <-client.Messages():
			if !ok {
				return nil, fmt.Errorf("coordinator closed the connection before sync completed")
			}
			if msg.Type != channel.SyncComplete {
				continue
			}
			var done channel.SyncCompleteData
			if err := msg.Decode(&done); err != nil {
				return nil, err
			}
			return &SyncReport{
				Synced:      done.Synced,
				Failed:      done.Failed,
				Remaining:   done.Remaining,
				Coordinator: true,
			}, nil
		}
	}
}

func (s *Service) drainLocal(ctx context.Context) (*SyncReport, error) {
	if s.config.Drainer == nil {
		return nil, ErrNoCoordinator
	}
	result, err := s.config.Drainer.Drain(ctx)
	report := &SyncReport{Synced: result.SyncedCount, Failed: result.FailedCount}
	if entries, qerr := s.config.DB.Entries(context.WithoutCancel(ctx)); qerr == nil {
		report.Remaining = len(entries)
	}
	if s.config.Quota != nil {
		if _, rerr := s.config.Quota.RefreshStats(context.WithoutCancel(ctx)); rerr != nil {
			s.log.Warningf("Storage refresh after sync failed: %v", rerr)
		}
	}
	return report, err
}

// StopSync asks the running coordinator to stop draining after the entry
// in flight.
func (s *Service) StopSync(ctx context.Context) error {
	client, err := s.dial(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoCoordinator, err)
	}
	defer client.Close()
	return client.Send(ctx, channel.StopSync, nil)
}

// SetVisibility marks this process's foreground as hidden or shown. Uploads
// running here are annotated and keep going; the change is also forwarded to
// a running coordinator when one is reachable.
func (s *Service) SetVisibility(ctx context.Context, hidden bool) {
	if s.config.Guard != nil {
		s.config.Guard.SetVisibility(hidden)
	}
	client, err := s.dial(ctx)
	if err != nil {
		return
	}
	defer client.Close()
	if err := client.Send(ctx, channel.Visibility, channel.VisibilityData{Hidden: hidden}); err != nil {
		s.log.Debugf("Failed to forward visibility to coordinator: %v", err)
	}
}

func (s *Service) dial(ctx context.Context) (*channel.Client, error) {
	if s.config.ChannelURL == "" {
		return nil, ErrNoCoordinator
	}
	dialCtx, cancel := context.WithTimeout(ctx, s.config.DialTimeout)
	defer cancel()
	return channel.Dial(dialCtx, s.config.ChannelURL, s.config.Logger)
}
