package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/assessly/fieldsync/internal/logger"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/op/go-logging"
)

const writeTimeout = 5 * time.Second

// HandlerFunc handles a message received from a peer.
type HandlerFunc func(ctx context.Context, from *Peer, msg Message)

// Peer is one connected foreground instance.
type Peer struct {
	conn *websocket.Conn
}

// Send writes msg to this peer only.
func (p *Peer) Send(ctx context.Context, msg Message) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, p.conn, msg)
}

// Reply answers req on this peer.
func (p *Peer) Reply(ctx context.Context, req Message, typ Type, data interface{}) error {
	msg, err := Reply(req, typ, data)
	if err != nil {
		return err
	}
	return p.Send(ctx, msg)
}

// HubConfig holds hub configuration.
type HubConfig struct {
	// Handler receives every message sent by a peer.
	Handler HandlerFunc

	// OnPeersChanged is called with the new peer count after a peer
	// connects or disconnects.
	OnPeersChanged func(count int)

	// Buffer is the broadcast queue length (default: 100).
	Buffer int

	Logger *logging.Logger
}

// Hub accepts peer connections and fans out broadcasts.
type Hub struct {
	config HubConfig
	log    *logging.Logger

	peers   map[*Peer]bool
	peersMu sync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHub creates a hub and starts its broadcast loop. Close stops it.
func NewHub(config HubConfig) *Hub {
	if config.Buffer <= 0 {
		config.Buffer = 100
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		config:    config,
		log:       logger.OrDefault(config.Logger),
		peers:     make(map[*Peer]bool),
		broadcast: make(chan Message, config.Buffer),
		ctx:       ctx,
		cancel:    cancel,
	}
	h.wg.Add(1)
	go h.broadcastLoop()
	return h
}

// SetHandler replaces the message handler. It must be called before peers
// connect.
func (h *Hub) SetHandler(fn HandlerFunc) {
	h.config.Handler = fn
}

// Close disconnects every peer and stops the broadcast loop.
func (h *Hub) Close() {
	h.cancel()

	h.peersMu.Lock()
	for p := range h.peers {
		_ = p.conn.Close(websocket.StatusGoingAway, "coordinator shutting down")
		delete(h.peers, p)
	}
	h.peersMu.Unlock()

	h.wg.Wait()
}

// Broadcast queues msg for every connected peer. It never blocks; a full
// queue drops the message.
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	case <-h.ctx.Done():
	default:
		h.log.Warningf("Broadcast queue full, dropping %s", msg.Type)
	}
}

// Publish builds a message and broadcasts it.
func (h *Hub) Publish(typ Type, data interface{}) {
	msg, err := New(typ, data)
	if err != nil {
		h.log.Errorf("Failed to build %s message: %v", typ, err)
		return
	}
	h.Broadcast(msg)
}

// PeerCount returns the number of connected peers.
func (h *Hub) PeerCount() int {
	h.peersMu.RLock()
	defer h.peersMu.RUnlock()
	return len(h.peers)
}

func (h *Hub) broadcastLoop() {
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			return

		case msg := <-h.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now().UTC()
			}
			data, err := json.Marshal(msg)
			if err != nil {
				h.log.Errorf("Failed to marshal %s: %v", msg.Type, err)
				continue
			}

			h.peersMu.RLock()
			peers := make([]*Peer, 0, len(h.peers))
			for p := range h.peers {
				peers = append(peers, p)
			}
			h.peersMu.RUnlock()

			for _, p := range peers {
				ctx, cancel := context.WithTimeout(h.ctx, writeTimeout)
				err := p.conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					h.log.Infof("Failed to send %s to peer: %v", msg.Type, err)
					h.removePeer(p)
				}
			}
		}
	}
}

// ServeHTTP upgrades the connection and reads messages until the peer leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		h.log.Warningf("WebSocket upgrade failed: %v", err)
		return
	}

	p := &Peer{conn: conn}
	h.peersMu.Lock()
	h.peers[p] = true
	count := len(h.peers)
	h.peersMu.Unlock()

	h.log.Infof("Peer connected (total: %d)", count)
	if h.config.OnPeersChanged != nil {
		h.config.OnPeersChanged(count)
	}

	h.readLoop(p)
}

func (h *Hub) readLoop(p *Peer) {
	defer h.removePeer(p)

	for {
		var msg Message
		if err := wsjson.Read(h.ctx, p.conn, &msg); err != nil {
			return
		}
		if msg.Type == "" {
			h.log.Warningf("Ignoring message without type")
			continue
		}
		if h.config.Handler != nil {
			h.config.Handler(h.ctx, p, msg)
		}
	}
}

func (h *Hub) removePeer(p *Peer) {
	h.peersMu.Lock()
	if _, ok := h.peers[p]; !ok {
		h.peersMu.Unlock()
		return
	}
	delete(h.peers, p)
	count := len(h.peers)
	h.peersMu.Unlock()

	_ = p.conn.Close(websocket.StatusNormalClosure, "")
	h.log.Infof("Peer disconnected (total: %d)", count)
	if h.config.OnPeersChanged != nil {
		h.config.OnPeersChanged(count)
	}
}
