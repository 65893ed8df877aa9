package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/assessly/fieldsync/internal/offline/channel"
	"github.com/assessly/fieldsync/internal/offline/quota"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ProxyPrefix is the path under which the read-path proxy is served.
const ProxyPrefix = "/proxy"

// Status is the coordinator state served at /status.
type Status struct {
	Phase         Phase                     `json:"phase"`
	ActiveVersion string                    `json:"activeVersion"`
	Online        bool                      `json:"online"`
	SyncStopped   bool                      `json:"syncStopped"`
	Peers         int                       `json:"peers"`
	LastSync      *channel.SyncCompleteData `json:"lastSync,omitempty"`
	Storage       *quota.Report             `json:"storage,omitempty"`
}

// Status returns the current coordinator state.
func (c *Coordinator) Status(ctx context.Context) Status {
	phase, active := c.Phase()
	st := Status{
		Phase:         phase,
		ActiveVersion: active,
		Online:        c.Online(),
		SyncStopped:   c.Stopped(),
		Peers:         c.hub.PeerCount(),
	}
	if last, ok := c.LastResult(); ok {
		st.LastSync = &last
	}
	report, err := c.config.Quota.State(ctx)
	if err != nil {
		c.log.Warningf("Storage state unavailable: %v", err)
	} else {
		st.Storage = report
	}
	return st
}

// Handler returns the coordinator's HTTP surface:
//
//	/ws       message channel for foreground instances
//	/health   liveness
//	/status   coordinator state as JSON
//	/metrics  prometheus metrics
//	/proxy/   read-path proxy to the origin
func (c *Coordinator) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", c.hub)
	mux.HandleFunc("/health", c.handleHealth)
	mux.HandleFunc("/status", c.handleStatus)
	mux.Handle("/metrics", promhttp.HandlerFor(c.config.Registry, promhttp.HandlerOpts{}))
	if c.config.Origin != nil {
		mux.Handle(ProxyPrefix+"/", c.fetch.Handler(ProxyPrefix, c.config.Origin))
	}
	mux.HandleFunc("/", c.handleRoot)
	return mux
}

func (c *Coordinator) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "ok",
		"peers":  c.hub.PeerCount(),
	})
}

func (c *Coordinator) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(c.Status(r.Context()))
}

func (c *Coordinator) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>fieldsync</title>
</head>
<body>
    <h1>fieldsync coordinator</h1>
    <p>Message channel: <code>ws://%s/ws</code></p>
    <p>Health check: <a href="/health">/health</a></p>
    <p>State: <a href="/status">/status</a></p>
</body>
</html>`, r.Host)
}
