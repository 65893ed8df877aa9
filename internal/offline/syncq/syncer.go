// Package syncq drains the sync queue: each entry is replayed against the
// remote API in enqueue order and the affected record moves through its
// sync status machine.
//
// Per entry:
//   - acknowledged: the record becomes synced and the entry is removed
//   - rejected: the record becomes failed and the entry is kept with the
//     server's reason for the user to act on
//   - network unavailable: the record goes back to pending, the entry is
//     kept, and the drain stops until the next wake
//
// A record rewritten locally while its sync was in flight is never marked
// synced; it stays pending and its entry is kept so the newer version is
// sent on the next drain.
package syncq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/assessly/fieldsync/internal/logger"
	"github.com/assessly/fieldsync/internal/offline/remote"
	"github.com/assessly/fieldsync/internal/offline/schema"
	"github.com/assessly/fieldsync/internal/offline/store"
	"github.com/op/go-logging"
)

// Outcome classifies what happened to one queue entry.
type Outcome string

const (
	OutcomeSynced     Outcome = "synced"
	OutcomeRejected   Outcome = "rejected"
	OutcomeDeferred   Outcome = "deferred"
	OutcomeSuperseded Outcome = "superseded"
	OutcomeOrphaned   Outcome = "orphaned"
)

// ErrStopped is returned by Drain when ShouldStop halted it.
var ErrStopped = errors.New("sync stopped")

// Remote applies one queued mutation. *remote.Client implements it.
type Remote interface {
	Apply(ctx context.Context, entry *schema.QueueEntry, rec *schema.Record) (*remote.Ack, error)
}

// Config holds syncer configuration.
type Config struct {
	// OnEntry is called after each entry is processed.
	OnEntry func(entry *schema.QueueEntry, outcome Outcome)

	// ShouldStop is checked between entries. Returning true halts the drain
	// without aborting the entry already in flight.
	ShouldStop func() bool

	Logger *logging.Logger
}

// Syncer replays queue entries against the remote API.
type Syncer struct {
	db     *store.DB
	remote Remote
	config Config
	log    *logging.Logger
}

// New creates a syncer.
func New(db *store.DB, r Remote, config Config) *Syncer {
	return &Syncer{
		db:     db,
		remote: r,
		config: config,
		log:    logger.OrDefault(config.Logger),
	}
}

// Drain processes every queue entry in enqueue order.
//
// Rejections are counted and do not stop the drain. A network failure stops
// it and is returned wrapped in ErrNetworkUnavailable together with the
// counts so far. Cancelling ctx stops the drain between entries.
func (s *Syncer) Drain(ctx context.Context) (schema.SyncResult, error) {
	var result schema.SyncResult
	if err := ctx.Err(); err != nil {
		return result, err
	}

	entries, err := s.db.Entries(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to read sync queue: %w", err)
	}
	if len(entries) == 0 {
		return result, nil
	}

	start := time.Now()
	s.log.Infof("Draining %d queue entries", len(entries))

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			s.log.Infof("Drain stopped: %v", err)
			return result, err
		}
		if s.config.ShouldStop != nil && s.config.ShouldStop() {
			s.log.Infof("Drain stopped on request after %d synced, %d failed",
				result.SyncedCount, result.FailedCount)
			return result, ErrStopped
		}

		outcome, err := s.SyncEntry(ctx, entry)
		if err != nil && outcome == "" {
			return result, err
		}
		if s.config.OnEntry != nil {
			s.config.OnEntry(entry, outcome)
		}

		switch outcome {
		case OutcomeSynced:
			result.SyncedCount++
		case OutcomeRejected:
			result.FailedCount++
		case OutcomeDeferred:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return result, ctxErr
			}
			s.log.Infof("Drain deferred after %d synced, %d failed: %v",
				result.SyncedCount, result.FailedCount, err)
			return result, err
		}
	}

	s.log.Infof("Drain complete in %s: synced=%d failed=%d",
		time.Since(start).Round(time.Millisecond), result.SyncedCount, result.FailedCount)
	return result, nil
}

// SyncEntry processes a single queue entry.
//
// A non-empty outcome means the entry was handled; err then carries the
// rejection or network cause. An empty outcome with an error means the
// local store failed.
func (s *Syncer) SyncEntry(ctx context.Context, entry *schema.QueueEntry) (Outcome, error) {
	if entry.Op == schema.OpDelete {
		return s.syncDelete(ctx, entry)
	}

	rec, err := s.db.Get(ctx, entry.Collection, entry.RecordID)
	if errors.Is(err, schema.ErrNotFound) {
		s.log.Warningf("Dropping queue entry %s: %s %s no longer exists", entry.ID, entry.Collection, entry.RecordID)
		if err := s.db.DeleteEntry(ctx, entry.ID); err != nil {
			return "", err
		}
		return OutcomeOrphaned, nil
	}
	if err != nil {
		return "", err
	}

	switch rec.SyncStatus {
	case schema.StatusSynced:
		// An earlier entry for the same record already sent this version.
		if err := s.db.DeleteEntry(ctx, entry.ID); err != nil {
			return "", err
		}
		return OutcomeSynced, nil
	case schema.StatusFailed:
		if _, err := s.db.SetStatus(ctx, entry.Collection, rec.ID, schema.StatusPending, rec.UpdatedAt); err != nil {
			return "", err
		}
	}

	ok, err := s.db.SetStatus(ctx, entry.Collection, rec.ID, schema.StatusSyncing, rec.UpdatedAt)
	if err != nil {
		return "", err
	}
	if !ok {
		s.log.Infof("%s %s changed before sync started, retrying next drain", entry.Collection, rec.ID)
		return OutcomeSuperseded, nil
	}

	ack, applyErr := s.remote.Apply(ctx, entry, rec)
	if applyErr != nil {
		return s.handleFailure(ctx, entry, rec, applyErr)
	}

	// The server has the version now; record that even if the drain was cancelled.
	bg := context.WithoutCancel(ctx)
	if ack != nil && ack.ObjectKey != "" && entry.Collection == schema.Photos {
		if err := s.db.SetObjectKey(bg, rec.ID, ack.ObjectKey); err != nil {
			return "", err
		}
	}

	ok, err = s.db.SetStatus(bg, entry.Collection, rec.ID, schema.StatusSynced, rec.UpdatedAt)
	if err != nil {
		return "", err
	}
	if !ok {
		s.log.Infof("%s %s was edited while syncing, keeping it pending", entry.Collection, rec.ID)
		return OutcomeSuperseded, nil
	}
	if err := s.db.DeleteEntry(bg, entry.ID); err != nil {
		return "", err
	}
	s.log.Debugf("Synced %s %s", entry.Collection, rec.ID)
	return OutcomeSynced, nil
}

func (s *Syncer) syncDelete(ctx context.Context, entry *schema.QueueEntry) (Outcome, error) {
	_, err := s.remote.Apply(ctx, entry, nil)
	if err == nil {
		if err := s.db.DeleteEntry(ctx, entry.ID); err != nil {
			return "", err
		}
		s.log.Debugf("Synced delete of %s %s", entry.Collection, entry.RecordID)
		return OutcomeSynced, nil
	}

	if ferr := s.db.RecordFailure(ctx, entry.ID, err); ferr != nil {
		return "", ferr
	}
	if errors.Is(err, schema.ErrSyncRejected) {
		s.log.Warningf("Delete of %s %s rejected: %v", entry.Collection, entry.RecordID, err)
		return OutcomeRejected, err
	}
	return OutcomeDeferred, networkError(err)
}

func (s *Syncer) handleFailure(ctx context.Context, entry *schema.QueueEntry, rec *schema.Record, cause error) (Outcome, error) {
	rejected := errors.Is(cause, schema.ErrSyncRejected)
	to := schema.StatusPending
	if rejected {
		to = schema.StatusFailed
	}

	// The drain may have been cancelled; the revert must still land.
	bg := context.WithoutCancel(ctx)
	if _, err := s.db.SetStatus(bg, entry.Collection, rec.ID, to, rec.UpdatedAt); err != nil {
		return "", err
	}
	if err := s.db.RecordFailure(bg, entry.ID, cause); err != nil {
		return "", err
	}

	if rejected {
		s.log.Warningf("%s %s rejected: %v", entry.Collection, rec.ID, cause)
		return OutcomeRejected, cause
	}
	s.log.Infof("%s %s deferred: %v", entry.Collection, rec.ID, cause)
	return OutcomeDeferred, networkError(cause)
}

func networkError(err error) error {
	if errors.Is(err, schema.ErrNetworkUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", schema.ErrNetworkUnavailable, err)
}
