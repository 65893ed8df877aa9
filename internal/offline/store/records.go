package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/assessly/fieldsync/internal/offline/schema"
)

const baseColumns = "id, project_id, asset_id, payload, sync_status, created_at, updated_at"
const photoColumns = baseColumns + ", blob, original_blob, file_size, object_key"

func columnsFor(c schema.Collection) string {
	if c == schema.Photos {
		return photoColumns
	}
	return baseColumns
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Put inserts or replaces a record in a domain collection.
func (db *DB) Put(ctx context.Context, c schema.Collection, rec *schema.Record) error {
	return putRecord(ctx, db.conn, c, rec)
}

func putRecord(ctx context.Context, ex execer, c schema.Collection, rec *schema.Record) error {
	if err := rec.Validate(c); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}

	args := []interface{}{
		rec.ID,
		rec.ProjectID,
		rec.AssetID,
		nullBytes(rec.Payload),
		string(rec.SyncStatus),
		formatTime(rec.CreatedAt),
		formatTime(rec.UpdatedAt),
	}
	update := `
		project_id = excluded.project_id,
		asset_id = excluded.asset_id,
		payload = excluded.payload,
		sync_status = excluded.sync_status,
		created_at = excluded.created_at,
		updated_at = excluded.updated_at`
	placeholders := "?, ?, ?, ?, ?, ?, ?"

	if c == schema.Photos {
		rec.RecomputeFileSize()
		args = append(args, nullBytes(rec.Blob), nullBytes(rec.OriginalBlob), rec.FileSize, rec.ObjectKey)
		update += `,
		blob = excluded.blob,
		original_blob = excluded.original_blob,
		file_size = excluded.file_size,
		object_key = excluded.object_key`
		placeholders += ", ?, ?, ?, ?"
	}

	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(id) DO UPDATE SET %s`,
		c, columnsFor(c), placeholders, update)

	if _, err := ex.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to put %s %s: %w", c, rec.ID, err)
	}
	return nil
}

// Get retrieves a record by id. Returns schema.ErrNotFound if it does not exist.
func (db *DB) Get(ctx context.Context, c schema.Collection, id string) (*schema.Record, error) {
	if !c.IsDomain() {
		return nil, fmt.Errorf("%w: %q", schema.ErrUnknownCollection, c)
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, columnsFor(c), c)
	rows, err := db.conn.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get %s %s: %w", c, id, err)
	}
	defer rows.Close()

	recs, err := scanRecords(rows, c)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%s %s: %w", c, id, schema.ErrNotFound)
	}
	return recs[0], nil
}

// GetAll returns every record of a collection ordered by creation time.
func (db *DB) GetAll(ctx context.Context, c schema.Collection) ([]*schema.Record, error) {
	return db.list(ctx, c, "", nil, "created_at ASC, id ASC")
}

// ListByStatus returns the records of a collection in the given status.
func (db *DB) ListByStatus(ctx context.Context, c schema.Collection, status schema.SyncStatus) ([]*schema.Record, error) {
	return db.list(ctx, c, "sync_status = ?", []interface{}{string(status)}, "updated_at ASC, id ASC")
}

// ListSyncedBefore returns synced records last updated before cutoff.
func (db *DB) ListSyncedBefore(ctx context.Context, c schema.Collection, cutoff time.Time) ([]*schema.Record, error) {
	return db.list(ctx, c, "sync_status = 'synced' AND updated_at < ?",
		[]interface{}{formatTime(cutoff)}, "updated_at ASC, id ASC")
}

func (db *DB) list(ctx context.Context, c schema.Collection, where string, args []interface{}, order string) ([]*schema.Record, error) {
	if !c.IsDomain() {
		return nil, fmt.Errorf("%w: %q", schema.ErrUnknownCollection, c)
	}
	query := fmt.Sprintf(`SELECT %s FROM %s`, columnsFor(c), c)
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY " + order

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", c, err)
	}
	defer rows.Close()
	return scanRecords(rows, c)
}

// Delete removes a record. Returns nil if the record doesn't exist (idempotent).
func (db *DB) Delete(ctx context.Context, c schema.Collection, id string) error {
	if !c.IsDomain() {
		return fmt.Errorf("%w: %q", schema.ErrUnknownCollection, c)
	}
	if _, err := db.conn.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, c), id); err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", c, id, err)
	}
	return nil
}

// DeleteIfSynced removes a record only while it is still synced and returns
// the number of bytes it occupied. A record re-edited by the foreground in
// the meantime is left alone and reported as not deleted.
func (db *DB) DeleteIfSynced(ctx context.Context, c schema.Collection, id string) (bool, int64, error) {
	if !c.IsDomain() {
		return false, 0, fmt.Errorf("%w: %q", schema.ErrUnknownCollection, c)
	}
	var size int64
	err := db.conn.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE id = ? AND sync_status = 'synced'`, sizeExpr(c), c), id).Scan(&size)
	if err == sql.ErrNoRows {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, fmt.Errorf("failed to size %s %s: %w", c, id, err)
	}

	res, err := db.conn.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE id = ? AND sync_status = 'synced'`, c), id)
	if err != nil {
		return false, 0, fmt.Errorf("failed to delete %s %s: %w", c, id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, 0, nil
	}
	return true, size, nil
}

// SetStatus moves a record to a new sync status.
//
// When expectUpdatedAt is non-zero the change only applies if the record has
// not been rewritten since it was read (compare-and-set). It returns false
// when the record is missing or was superseded by a newer local edit.
func (db *DB) SetStatus(ctx context.Context, c schema.Collection, id string, to schema.SyncStatus, expectUpdatedAt time.Time) (bool, error) {
	if !c.IsDomain() {
		return false, fmt.Errorf("%w: %q", schema.ErrUnknownCollection, c)
	}

	var current string
	var updatedAt string
	err := db.conn.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT sync_status, updated_at FROM %s WHERE id = ?`, c), id).Scan(&current, &updatedAt)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read status of %s %s: %w", c, id, err)
	}
	from := schema.SyncStatus(current)
	if from == to {
		return true, nil
	}
	if err := schema.CheckTransition(from, to); err != nil {
		return false, fmt.Errorf("%s %s: %w", c, id, err)
	}

	query := fmt.Sprintf(`UPDATE %s SET sync_status = ? WHERE id = ? AND sync_status = ?`, c)
	args := []interface{}{string(to), id, current}
	if !expectUpdatedAt.IsZero() {
		query += " AND updated_at = ?"
		args = append(args, formatTime(expectUpdatedAt))
	}

	res, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to set status of %s %s: %w", c, id, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// SetObjectKey records where a photo's blob lives in remote object storage.
// It does not touch updated_at, so it never supersedes an in-flight sync.
func (db *DB) SetObjectKey(ctx context.Context, id, key string) error {
	if _, err := db.conn.ExecContext(ctx, `UPDATE photos SET object_key = ? WHERE id = ?`, key, id); err != nil {
		return fmt.Errorf("failed to set object key of photo %s: %w", id, err)
	}
	return nil
}

// PhotoCandidate describes an evictable photo without loading its blobs.
type PhotoCandidate struct {
	ID           string
	BlobSize     int64
	OriginalSize int64
	UpdatedAt    time.Time
}

// EvictablePhotos returns synced photos that still hold a blob, least
// recently updated first.
func (db *DB) EvictablePhotos(ctx context.Context) ([]PhotoCandidate, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, COALESCE(length(blob), 0), COALESCE(length(original_blob), 0), updated_at
		FROM photos
		WHERE sync_status = 'synced' AND (blob IS NOT NULL OR original_blob IS NOT NULL)
		ORDER BY updated_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query evictable photos: %w", err)
	}
	defer rows.Close()

	var out []PhotoCandidate
	for rows.Next() {
		var pc PhotoCandidate
		var updatedAt string
		if err := rows.Scan(&pc.ID, &pc.BlobSize, &pc.OriginalSize, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan photo candidate: %w", err)
		}
		pc.UpdatedAt = parseTime(updatedAt)
		out = append(out, pc)
	}
	return out, rows.Err()
}

// DropOriginalBlob discards a synced photo's original blob and returns the bytes freed.
func (db *DB) DropOriginalBlob(ctx context.Context, id string) (int64, error) {
	return db.dropPhotoColumn(ctx, id, "original_blob")
}

// DropBlob discards a synced photo's working blob and returns the bytes freed.
func (db *DB) DropBlob(ctx context.Context, id string) (int64, error) {
	return db.dropPhotoColumn(ctx, id, "blob")
}

func (db *DB) dropPhotoColumn(ctx context.Context, id, column string) (int64, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var size int64
	err = tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COALESCE(length(%s), 0) FROM photos WHERE id = ? AND sync_status = 'synced'`, column),
		id).Scan(&size)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to size %s of photo %s: %w", column, id, err)
	}

	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE photos SET %[1]s = NULL,
			file_size = COALESCE(length(blob), 0) + COALESCE(length(original_blob), 0) - ?
		WHERE id = ? AND sync_status = 'synced'`, column), size, id)
	if err != nil {
		return 0, fmt.Errorf("failed to drop %s of photo %s: %w", column, id, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return size, nil
}

// scanRecords scans rows selected with columnsFor(c).
func scanRecords(rows *sql.Rows, c schema.Collection) ([]*schema.Record, error) {
	var recs []*schema.Record

	for rows.Next() {
		var rec schema.Record
		var payload []byte
		var status, createdAt, updatedAt string

		dest := []interface{}{
			&rec.ID,
			&rec.ProjectID,
			&rec.AssetID,
			&payload,
			&status,
			&createdAt,
			&updatedAt,
		}
		if c == schema.Photos {
			dest = append(dest, &rec.Blob, &rec.OriginalBlob, &rec.FileSize, &rec.ObjectKey)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", c, err)
		}

		if len(payload) > 0 {
			rec.Payload = payload
		}
		rec.SyncStatus = schema.SyncStatus(status)
		rec.CreatedAt = parseTime(createdAt)
		rec.UpdatedAt = parseTime(updatedAt)
		recs = append(recs, &rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s: %w", c, err)
	}
	return recs, nil
}

// sizeExpr is the SQL expression matching schema.Record.Size.
func sizeExpr(c schema.Collection) string {
	parts := []string{"length(id)", "length(project_id)", "length(asset_id)", "COALESCE(length(payload), 0)"}
	if c == schema.Photos {
		parts = append(parts, "COALESCE(length(blob), 0)", "COALESCE(length(original_blob), 0)")
	}
	return strings.Join(parts, " + ")
}
