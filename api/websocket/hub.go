package websocket

import (
	"encoding/json"
	"net/http"
	"sync"

	"cosmossdk.io/log"

	"github.com/openalpha/simexchange/metrics"
)

// AuthFunc resolves an API key to a user id.
type AuthFunc func(apiKey string) (string, bool)

// Hub maintains the set of active clients and fans pushes out to stream
// subscribers.
type Hub struct {
	logger log.Logger
	authFn AuthFunc

	clients map[*Client]bool
	streams map[string]map[*Client]bool // stream name -> subscribers

	register    chan *Client
	unregister  chan *Client
	subscribe   chan *streamRequest
	unsubscribe chan *streamRequest
	pushes      chan *push

	done     chan struct{}
	stopOnce sync.Once

	mu sync.RWMutex
}

type streamRequest struct {
	client *Client
	stream string
	id     string // client frame id, echoed in the response
}

type push struct {
	stream string
	data   []byte
}

// PushFrame is the wire form of a server push.
type PushFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// NewHub creates a hub. authFn resolves auth frames; nil disables auth and
// therefore all user streams.
func NewHub(logger log.Logger, authFn AuthFunc) *Hub {
	return &Hub{
		logger:      logger.With("module", "websocket"),
		authFn:      authFn,
		clients:     make(map[*Client]bool),
		streams:     make(map[string]map[*Client]bool),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		subscribe:   make(chan *streamRequest, 256),
		unsubscribe: make(chan *streamRequest, 256),
		pushes:      make(chan *push, 1024),
		done:        make(chan struct{}),
	}
}

// Run is the hub's main loop. Blocks until Close.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.registerClient(client)
		case client := <-h.unregister:
			h.unregisterClient(client)
		case req := <-h.subscribe:
			h.handleSubscribe(req)
		case req := <-h.unsubscribe:
			h.handleUnsubscribe(req)
		case p := <-h.pushes:
			h.fanOut(p)
		case <-h.done:
			h.closeAll()
			return
		}
	}
}

// Close shuts the hub down and disconnects every client.
func (h *Hub) Close() {
	h.stopOnce.Do(func() { close(h.done) })
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()
	metrics.Default().RecordWSConnection(1)
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	for stream, subs := range h.streams {
		delete(subs, client)
		if len(subs) == 0 {
			delete(h.streams, stream)
		}
	}
	close(client.send)
	metrics.Default().RecordWSConnection(-1)
}

func (h *Hub) handleSubscribe(req *streamRequest) {
	h.mu.Lock()
	subs, ok := h.streams[req.stream]
	if !ok {
		subs = make(map[*Client]bool)
		h.streams[req.stream] = subs
	}
	subs[req.client] = true
	h.mu.Unlock()

	req.client.sendResult(req.id, "success")
}

func (h *Hub) handleUnsubscribe(req *streamRequest) {
	h.mu.Lock()
	if subs, ok := h.streams[req.stream]; ok {
		delete(subs, req.client)
		if len(subs) == 0 {
			delete(h.streams, req.stream)
		}
	}
	h.mu.Unlock()

	req.client.sendResult(req.id, "success")
}

func (h *Hub) fanOut(p *push) {
	h.mu.RLock()
	subs := h.streams[p.stream]
	targets := make([]*Client, 0, len(subs))
	for client := range subs {
		targets = append(targets, client)
	}
	h.mu.RUnlock()
	if len(targets) == 0 {
		return
	}

	frame, err := json.Marshal(&PushFrame{Stream: p.stream, Data: p.data})
	if err != nil {
		return
	}
	for _, client := range targets {
		select {
		case client.send <- frame:
			metrics.Default().RecordWSMessage(p.stream)
		default:
			// Slow consumer, frame dropped.
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
		metrics.Default().RecordWSConnection(-1)
	}
	h.streams = make(map[string]map[*Client]bool)
}

// Broadcast queues a push for every subscriber of stream. Drops the push
// when the hub's queue is full or the hub is stopped.
func (h *Hub) Broadcast(stream string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		h.logger.Error("push marshal failed", "stream", stream, "err", err)
		return
	}
	select {
	case h.pushes <- &push{stream: stream, data: raw}:
	case <-h.done:
	default:
		h.logger.Warn("push queue full, dropping", "stream", stream)
	}
}

// HasSubscribers reports whether any client is subscribed to stream.
// Producers use it to skip building snapshots nobody wants.
func (h *Hub) HasSubscribers(stream string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.streams[stream]) > 0
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades an HTTP request to a client connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	client := newClient(h, conn)

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
