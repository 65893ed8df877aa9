// Package cache stores HTTP responses in named partitions for the read path.
//
// Partitions are versioned by name (for example "static-v3" or
// "api-v1"). Activation of a new coordinator version deletes every partition
// that is not in the current known set.
package cache

import (
	"context"
	"net/http"
	"time"
)

// Response is a cached HTTP response.
type Response struct {
	URL      string      `json:"url"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body"`
	StoredAt time.Time   `json:"storedAt"`
}

// Size is the number of body bytes the response occupies.
func (r *Response) Size() int64 {
	return int64(len(r.Body))
}

// Cache is a set of named response partitions.
type Cache interface {
	// Get returns the response stored for url, or nil when absent.
	Get(ctx context.Context, name, url string) (*Response, error)
	Put(ctx context.Context, name string, resp *Response) error
	// Delete removes a whole partition. It reports whether it existed.
	Delete(ctx context.Context, name string) (bool, error)
	Names(ctx context.Context) ([]string, error)
	// Size sums the body bytes of every response in every partition.
	Size(ctx context.Context) (int64, error)
}

// DeleteExcept removes every partition whose name is not in keep and
// returns the names it removed.
func DeleteExcept(ctx context.Context, c Cache, keep []string) ([]string, error) {
	known := make(map[string]bool, len(keep))
	for _, k := range keep {
		known[k] = true
	}
	names, err := c.Names(ctx)
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, name := range names {
		if known[name] {
			continue
		}
		if _, err := c.Delete(ctx, name); err != nil {
			return removed, err
		}
		removed = append(removed, name)
	}
	return removed, nil
}
