package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// precacheLimit bounds concurrent fetches during Precache.
const precacheLimit = 4

// Precache fetches every url over the network and stores 2xx responses in
// the named partition. Relative urls are resolved against origin. A url that
// fails is logged and skipped. It returns the number of responses stored.
func (i *Interceptor) Precache(ctx context.Context, partition string, origin *url.URL, urls []string) (int, error) {
	var stored atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(precacheLimit)

	for _, raw := range urls {
		target, err := resolve(origin, raw)
		if err != nil {
			i.log.Warningf("Skipping precache of %q: %v", raw, err)
			continue
		}
		g.Go(func() error {
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, target, nil)
			if err != nil {
				i.log.Warningf("Skipping precache of %s: %v", target, err)
				return nil
			}
			resp, err := i.fetchAndStore(req, partition)
			if err != nil {
				i.log.Warningf("Precache of %s failed: %v", target, err)
				return nil
			}
			resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				stored.Add(1)
			} else {
				i.log.Warningf("Precache of %s returned %d", target, resp.StatusCode)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return int(stored.Load()), err
	}
	if err := ctx.Err(); err != nil {
		return int(stored.Load()), fmt.Errorf("precache %s interrupted: %w", partition, err)
	}
	return int(stored.Load()), nil
}

func resolve(origin *url.URL, raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.IsAbs() {
		return u.String(), nil
	}
	if origin == nil {
		return "", fmt.Errorf("relative url without origin")
	}
	return origin.ResolveReference(u).String(), nil
}

// Handler serves requests under prefix by forwarding them to origin through
// the interceptor.
func (i *Interceptor) Handler(prefix string, origin *url.URL) http.Handler {
	proxy := &httputil.ReverseProxy{
		Rewrite: func(r *httputil.ProxyRequest) {
			r.SetURL(origin)
			r.Out.Host = origin.Host
		},
		Transport: i,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			i.log.Warningf("Proxy %s %s failed: %v", r.Method, r.URL, err)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"error":"bad gateway"}`))
		},
	}
	return http.StripPrefix(prefix, proxy)
}
