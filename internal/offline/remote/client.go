// Package remote is the client for the server's record API.
//
// Every mutation carries the queue entry id as its Idempotency-Key, so a
// retry after an ambiguous failure never creates a record twice. Transport
// failures are reported as schema.ErrNetworkUnavailable; any response the
// server sends that is not a success is a *schema.RejectedError.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/assessly/fieldsync/internal/logger"
	"github.com/assessly/fieldsync/internal/offline/schema"
	"github.com/assessly/fieldsync/internal/offline/upload"
	"github.com/golang-jwt/jwt/v5"
	"github.com/op/go-logging"
	"github.com/sethvargo/go-retry"
)

// Config holds client configuration.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	// Retries bounds immediate retries of 429/502/503/504 within one attempt.
	Retries int
	// RetryBase is the first backoff delay. Zero means 200ms.
	RetryBase time.Duration
	// Objects receives photo blobs. When nil, blobs are sent inline.
	Objects    upload.Target
	HTTPClient *http.Client
	Logger     *logging.Logger
}

// Client talks to the remote record API.
type Client struct {
	base    *url.URL
	config  Config
	http    *http.Client
	log     *logging.Logger
	objects upload.Target
}

// Ack is the outcome of a successful Apply.
type Ack struct {
	// ObjectKey is where a photo's blob was stored, if anywhere.
	ObjectKey string
	// Uploaded reports whether this call transferred the blob.
	Uploaded bool
}

// New creates a client.
func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("api base url is required")
	}
	base, err := url.Parse(strings.TrimRight(config.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.RetryBase == 0 {
		config.RetryBase = 200 * time.Millisecond
	}
	hc := config.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: config.Timeout}
	}
	return &Client{
		base:    base,
		config:  config,
		http:    hc,
		log:     logger.OrDefault(config.Logger),
		objects: config.Objects,
	}, nil
}

// wireRecord is the request body for create and update.
type wireRecord struct {
	ID        string          `json:"id"`
	ProjectID string          `json:"projectId"`
	AssetID   string          `json:"assetId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
	ObjectKey string          `json:"objectKey,omitempty"`
	FileSize  int64           `json:"fileSize,omitempty"`
	Blob      []byte          `json:"blob,omitempty"`
}

// Apply sends one queued mutation. rec may be nil for deletes.
func (c *Client) Apply(ctx context.Context, entry *schema.QueueEntry, rec *schema.Record) (*Ack, error) {
	path := c.recordURL(entry.Collection, entry.RecordID)

	if entry.Op == schema.OpDelete {
		status, body, err := c.do(ctx, http.MethodDelete, path, entry.ID, nil)
		if err != nil {
			return nil, err
		}
		// Deleting an already deleted record is an acknowledgement.
		if status == http.StatusNotFound || status == http.StatusGone {
			return &Ack{}, nil
		}
		if err := checkStatus(status, body); err != nil {
			return nil, err
		}
		return &Ack{}, nil
	}

	if rec == nil {
		return nil, fmt.Errorf("%s %s: %w", entry.Collection, entry.RecordID, schema.ErrNotFound)
	}

	ack := &Ack{}
	wr := wireRecord{
		ID:        rec.ID,
		ProjectID: rec.ProjectID,
		AssetID:   rec.AssetID,
		Payload:   rec.Payload,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
		ObjectKey: rec.ObjectKey,
		FileSize:  rec.FileSize,
	}
	if entry.Collection == schema.Photos && len(rec.Blob) > 0 {
		if c.objects == nil {
			wr.Blob = rec.Blob
		} else {
			key, uploaded, err := c.UploadBlob(ctx, rec)
			if err != nil {
				return nil, err
			}
			wr.ObjectKey = key
			ack.ObjectKey = key
			ack.Uploaded = uploaded
		}
	}

	body, err := json.Marshal(wr)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s %s: %w", entry.Collection, rec.ID, err)
	}
	status, respBody, err := c.do(ctx, http.MethodPut, path, entry.ID, body)
	if err != nil {
		return nil, err
	}
	if err := checkStatus(status, respBody); err != nil {
		return nil, err
	}
	return ack, nil
}

// UploadBlob stores a photo's working blob under its content-addressed key,
// skipping the transfer when the object already exists.
func (c *Client) UploadBlob(ctx context.Context, rec *schema.Record) (string, bool, error) {
	if c.objects == nil {
		return "", false, fmt.Errorf("no object storage configured")
	}
	key := upload.ObjectKey(rec.ProjectID, rec.Blob)
	exists, err := c.objects.Exists(ctx, key)
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", schema.ErrNetworkUnavailable, err)
	}
	if exists {
		return key, false, nil
	}
	if err := c.objects.Put(ctx, key, bytes.NewReader(rec.Blob), int64(len(rec.Blob)), upload.ContentType(rec.Blob)); err != nil {
		return "", false, fmt.Errorf("%w: %v", schema.ErrNetworkUnavailable, err)
	}
	c.log.Infof("Uploaded blob of photo %s to %s (%d bytes)", rec.ID, key, len(rec.Blob))
	return key, true, nil
}

// Health checks that the API is reachable. Any HTTP response below 500
// counts as reachable.
func (c *Client) Health(ctx context.Context) error {
	status, _, err := c.send(ctx, http.MethodGet, c.base.JoinPath("api", "health").String(), "", nil)
	if err != nil {
		return err
	}
	if status >= 500 {
		return fmt.Errorf("%w: health check returned %d", schema.ErrNetworkUnavailable, status)
	}
	return nil
}

// TokenExpiry reads the expiry of the configured bearer token without
// verifying its signature.
func (c *Client) TokenExpiry() (time.Time, bool) {
	if c.config.Token == "" {
		return time.Time{}, false
	}
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(c.config.Token, claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

func (c *Client) recordURL(coll schema.Collection, id string) string {
	return c.base.JoinPath("api", string(coll), id).String()
}

// do sends a request, retrying transient server responses with
// exponential backoff.
func (c *Client) do(ctx context.Context, method, target, idempotencyKey string, body []byte) (int, []byte, error) {
	var status int
	var respBody []byte

	b := retry.NewExponential(c.config.RetryBase)
	b = retry.WithMaxRetries(uint64(max(c.config.Retries, 0)), b)

	err := retry.Do(ctx, b, func(ctx context.Context) error {
		var err error
		status, respBody, err = c.send(ctx, method, target, idempotencyKey, body)
		if err != nil {
			return err
		}
		if transientStatus(status) {
			c.log.Debugf("%s %s returned %d, retrying", method, target, status)
			return retry.RetryableError(fmt.Errorf("server returned %d", status))
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, schema.ErrNetworkUnavailable) {
			return 0, nil, err
		}
		if ctx.Err() != nil || status == 0 {
			return 0, nil, fmt.Errorf("%w: %v", schema.ErrNetworkUnavailable, err)
		}
		// Retries exhausted: the last response is reported as is.
	}
	return status, respBody, nil
}

func (c *Client) send(ctx context.Context, method, target, idempotencyKey string, body []byte) (int, []byte, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, r)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", schema.ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("%w: reading response: %v", schema.ErrNetworkUnavailable, err)
	}
	return resp.StatusCode, data, nil
}

func transientStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// checkStatus turns a non-2xx response into a *schema.RejectedError.
func checkStatus(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	return &schema.RejectedError{StatusCode: status, Reason: reason(status, body)}
}

func reason(status int, body []byte) string {
	var msg struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &msg) == nil {
		if msg.Error != "" {
			return msg.Error
		}
		if msg.Message != "" {
			return msg.Message
		}
	}
	text := strings.TrimSpace(string(body))
	if text == "" {
		return http.StatusText(status)
	}
	if len(text) > 200 {
		text = text[:200] + "..."
	}
	return text
}
