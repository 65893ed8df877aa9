// Package fetch applies the read-path caching policies to outgoing HTTP
// requests.
//
// Requests are classified into four policies:
//   - allow-listed API GETs: stale-while-revalidate
//   - static assets: cache-first with a background refresh on every request
//   - navigations: network-first, then cache, then a built-in offline page
//   - everything else: network-only with a synthesized 503 on failure
//
// RoundTrip never returns an error for a request it classified: a network
// failure always becomes a response.
package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/assessly/fieldsync/internal/logger"
	"github.com/assessly/fieldsync/internal/offline/cache"
	"github.com/op/go-logging"
	"golang.org/x/sync/singleflight"
)

// Policy names a caching strategy.
type Policy string

const (
	StaleWhileRevalidate Policy = "stale-while-revalidate"
	CacheFirst           Policy = "cache-first"
	NetworkFirst         Policy = "network-first"
	NetworkOnly          Policy = "network-only"
)

// CacheHeader marks responses served from a cache partition.
const CacheHeader = "X-Fieldsync-Cache"

// DefaultOfflinePage is served when a navigation has neither network nor cache.
var DefaultOfflinePage = []byte(`<!doctype html>
<html><head><meta charset="utf-8"><title>Offline</title></head>
<body><h1>You are offline</h1><p>Your changes are saved on this device and will sync when you reconnect.</p></body></html>
`)

var staticExtensions = map[string]bool{
	".js": true, ".css": true, ".png": true, ".jpg": true, ".jpeg": true, ".svg": true,
	".ico": true, ".woff": true, ".woff2": true, ".webmanifest": true, ".map": true,
}

// Config configures an Interceptor.
type Config struct {
	Cache     cache.Cache
	Transport http.RoundTripper

	// Partition names.
	APICache    string
	StaticCache string
	PagesCache  string

	// Allowlist holds path prefixes of API endpoints eligible for
	// stale-while-revalidate.
	Allowlist []string
	// StaticPrefixes holds path prefixes treated as static assets in
	// addition to well-known file extensions.
	StaticPrefixes []string

	OfflinePage []byte

	// RefreshTimeout bounds background revalidation.
	RefreshTimeout time.Duration

	// OnResult is called for every request with its policy and outcome
	// ("hit", "miss", "network", "fallback", "offline", "error").
	OnResult func(policy Policy, result string)

	Logger *logging.Logger
}

// Interceptor is an http.RoundTripper applying the caching policies.
type Interceptor struct {
	config Config
	log    *logging.Logger

	mu          sync.RWMutex
	staticCache string

	group singleflight.Group
	wg    sync.WaitGroup
}

// New creates an interceptor.
func New(config Config) *Interceptor {
	if config.Transport == nil {
		config.Transport = http.DefaultTransport
	}
	if config.APICache == "" {
		config.APICache = "api-v1"
	}
	if config.StaticCache == "" {
		config.StaticCache = "static-v1"
	}
	if config.PagesCache == "" {
		config.PagesCache = "pages-v1"
	}
	if config.OfflinePage == nil {
		config.OfflinePage = DefaultOfflinePage
	}
	if config.RefreshTimeout == 0 {
		config.RefreshTimeout = 30 * time.Second
	}
	return &Interceptor{
		config:      config,
		log:         logger.OrDefault(config.Logger),
		staticCache: config.StaticCache,
	}
}

// SetStaticCache switches the partition used for static assets. Called
// when a new manifest version is activated.
func (i *Interceptor) SetStaticCache(name string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.staticCache = name
}

// StaticCache returns the partition currently used for static assets.
func (i *Interceptor) StaticCache() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.staticCache
}

// Partitions returns the partition names currently in use.
func (i *Interceptor) Partitions() []string {
	return []string{i.config.APICache, i.StaticCache(), i.config.PagesCache}
}

// Classify returns the policy applied to req.
func (i *Interceptor) Classify(req *http.Request) Policy {
	if req.Method != http.MethodGet {
		return NetworkOnly
	}
	if isNavigation(req) {
		return NetworkFirst
	}
	p := req.URL.Path
	for _, prefix := range i.config.StaticPrefixes {
		if strings.HasPrefix(p, prefix) {
			return CacheFirst
		}
	}
	if staticExtensions[strings.ToLower(path.Ext(p))] {
		return CacheFirst
	}
	for _, prefix := range i.config.Allowlist {
		if strings.HasPrefix(p, prefix) {
			return StaleWhileRevalidate
		}
	}
	return NetworkOnly
}

func isNavigation(req *http.Request) bool {
	if req.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	return strings.Contains(req.Header.Get("Accept"), "text/html")
}

// RoundTrip implements http.RoundTripper.
func (i *Interceptor) RoundTrip(req *http.Request) (*http.Response, error) {
	switch policy := i.Classify(req); policy {
	case StaleWhileRevalidate:
		return i.cachedWithRefresh(req, policy, i.config.APICache), nil
	case CacheFirst:
		return i.cachedWithRefresh(req, policy, i.StaticCache()), nil
	case NetworkFirst:
		return i.networkFirst(req), nil
	default:
		return i.networkOnly(req), nil
	}
}

// Wait blocks until background refreshes have finished.
func (i *Interceptor) Wait() {
	i.wg.Wait()
}

// cachedWithRefresh serves a cached response immediately and refreshes the
// cache in the background. On a miss it blocks on the network and caches a
// successful result.
func (i *Interceptor) cachedWithRefresh(req *http.Request, policy Policy, partition string) *http.Response {
	key := req.URL.String()
	cached, err := i.config.Cache.Get(req.Context(), partition, key)
	if err != nil {
		i.log.Warningf("Cache read %s %s failed: %v", partition, key, err)
	}

	if cached != nil {
		i.revalidate(req, partition)
		i.result(policy, "hit")
		return fromCache(req, cached)
	}

	resp, err := i.fetchAndStore(req, partition)
	if err != nil {
		i.log.Infof("%s %s: network unavailable and nothing cached: %v", policy, key, err)
		i.result(policy, "offline")
		return unavailable(req, "offline and not cached")
	}
	i.result(policy, "miss")
	return resp
}

// revalidate refreshes a cache entry without blocking the caller.
// Concurrent refreshes of one URL are coalesced.
func (i *Interceptor) revalidate(req *http.Request, partition string) {
	key := partition + " " + req.URL.String()
	bg := req.Clone(context.WithoutCancel(req.Context()))

	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		_, _, _ = i.group.Do(key, func() (interface{}, error) {
			ctx, cancel := context.WithTimeout(bg.Context(), i.config.RefreshTimeout)
			defer cancel()
			resp, err := i.fetchAndStore(bg.WithContext(ctx), partition)
			if err != nil {
				i.log.Debugf("Background refresh of %s failed: %v", bg.URL, err)
				return nil, err
			}
			resp.Body.Close()
			return nil, nil
		})
	}()
}

// fetchAndStore sends req to the network and stores a 2xx response.
func (i *Interceptor) fetchAndStore(req *http.Request, partition string) (*http.Response, error) {
	resp, body, err := i.roundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		entry := &cache.Response{
			URL:      req.URL.String(),
			Status:   resp.StatusCode,
			Header:   resp.Header.Clone(),
			Body:     body,
			StoredAt: time.Now(),
		}
		if err := i.config.Cache.Put(req.Context(), partition, entry); err != nil {
			i.log.Warningf("Cache write %s %s failed: %v", partition, entry.URL, err)
		}
	}
	return resp, nil
}

func (i *Interceptor) networkFirst(req *http.Request) *http.Response {
	resp, err := i.fetchAndStore(req, i.config.PagesCache)
	if err == nil {
		i.result(NetworkFirst, "network")
		return resp
	}

	key := req.URL.String()
	for _, partition := range []string{i.config.PagesCache, i.StaticCache()} {
		cached, cerr := i.config.Cache.Get(req.Context(), partition, key)
		if cerr != nil {
			i.log.Warningf("Cache read %s %s failed: %v", partition, key, cerr)
			continue
		}
		if cached != nil {
			i.result(NetworkFirst, "fallback")
			return fromCache(req, cached)
		}
	}

	i.result(NetworkFirst, "offline")
	return synthesize(req, http.StatusServiceUnavailable, "text/html; charset=utf-8", i.config.OfflinePage)
}

func (i *Interceptor) networkOnly(req *http.Request) *http.Response {
	resp, _, err := i.roundTrip(req)
	if err != nil {
		i.result(NetworkOnly, "error")
		return unavailable(req, "network unavailable")
	}
	i.result(NetworkOnly, "network")
	return resp
}

// roundTrip sends req and buffers the body so it can be cached and returned.
func (i *Interceptor) roundTrip(req *http.Request) (*http.Response, []byte, error) {
	resp, err := i.config.Transport.RoundTrip(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("reading %s: %w", req.URL, err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	return resp, body, nil
}

func (i *Interceptor) result(policy Policy, result string) {
	if i.config.OnResult != nil {
		i.config.OnResult(policy, result)
	}
}

func fromCache(req *http.Request, c *cache.Response) *http.Response {
	header := c.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set(CacheHeader, "hit")
	header.Set("Content-Length", strconv.Itoa(len(c.Body)))
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", c.Status, http.StatusText(c.Status)),
		StatusCode:    c.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(c.Body)),
		ContentLength: int64(len(c.Body)),
		Request:       req,
	}
}

func unavailable(req *http.Request, reason string) *http.Response {
	body := []byte(fmt.Sprintf(`{"error":"service unavailable","reason":%q}`, reason))
	return synthesize(req, http.StatusServiceUnavailable, "application/json", body)
}

func synthesize(req *http.Request, status int, contentType string, body []byte) *http.Response {
	header := http.Header{}
	header.Set("Content-Type", contentType)
	header.Set(CacheHeader, "synthesized")
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}
