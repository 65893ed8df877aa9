package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// SQLite stores partitions in the cache_entries table of the local store.
type SQLite struct {
	db *sql.DB
}

// NewSQLite wraps a connection to a migrated local store.
func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{db: db}
}

// Get implements Cache.
func (s *SQLite) Get(ctx context.Context, name, url string) (*Response, error) {
	var status int
	var header string
	var body []byte
	var storedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT status, header, body, stored_at FROM cache_entries WHERE cache_name = ? AND url = ?`,
		name, url).Scan(&status, &header, &body, &storedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache %s %s: %w", name, url, err)
	}

	resp := &Response{URL: url, Status: status, Body: body, Header: http.Header{}}
	if err := json.Unmarshal([]byte(header), &resp.Header); err != nil {
		return nil, fmt.Errorf("failed to decode cached header for %s: %w", url, err)
	}
	resp.StoredAt, _ = time.Parse(time.RFC3339Nano, storedAt)
	return resp, nil
}

// Put implements Cache.
func (s *SQLite) Put(ctx context.Context, name string, resp *Response) error {
	header, err := json.Marshal(resp.Header)
	if err != nil {
		return fmt.Errorf("failed to encode header for %s: %w", resp.URL, err)
	}
	if resp.StoredAt.IsZero() {
		resp.StoredAt = time.Now()
	}
	body := resp.Body
	if body == nil {
		body = []byte{}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (cache_name, url, status, header, body, stored_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(cache_name, url) DO UPDATE SET
			status = excluded.status,
			header = excluded.header,
			body = excluded.body,
			stored_at = excluded.stored_at`,
		name, resp.URL, resp.Status, string(header), body, resp.StoredAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to write cache %s %s: %w", name, resp.URL, err)
	}
	return nil
}

// Delete implements Cache.
func (s *SQLite) Delete(ctx context.Context, name string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE cache_name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("failed to delete cache %s: %w", name, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Names implements Cache.
func (s *SQLite) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT cache_name FROM cache_entries ORDER BY cache_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list caches: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan cache name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Size implements Cache.
func (s *SQLite) Size(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(length(body)), 0) FROM cache_entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to size caches: %w", err)
	}
	return n, nil
}
