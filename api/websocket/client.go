package websocket

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait).
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4096

	// Size of the per-client send buffer.
	sendBufferSize = 256

	// Maximum streams one client may hold.
	maxSubscriptions = 50
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is one WebSocket connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	// set by a successful auth frame
	userID string
	authMu sync.RWMutex

	subscriptions map[string]bool
	subMu         sync.Mutex
}

// Frame is a client request: auth, subscribe or unsubscribe.
type Frame struct {
	Method string      `json:"method"`
	Params FrameParams `json:"params"`
	ID     string      `json:"id"`
}

// FrameParams carries the method arguments.
type FrameParams struct {
	APIKey  string   `json:"apiKey,omitempty"`
	Streams []string `json:"streams,omitempty"`
}

// Response is the server's answer to one frame.
type Response struct {
	ID     string `json:"id"`
	Result string `json:"result,omitempty"`
	UserID string `json:"userId,omitempty"`
	Error  string `json:"error,omitempty"`
}

func newClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		hub:           hub,
		conn:          conn,
		send:          make(chan []byte, sendBufferSize),
		subscriptions: make(map[string]bool),
	}
}

// readPump pumps frames from the connection to the hub.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("websocket read error", "err", err)
			}
			break
		}
		var frame Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.sendErrorResponse("", "invalid frame")
			continue
		}
		c.handleFrame(&frame)
	}
}

// writePump pumps hub messages to the connection and keeps the ping
// heartbeat going.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleFrame(frame *Frame) {
	switch frame.Method {
	case "auth":
		c.handleAuth(frame)
	case "subscribe":
		c.handleSubscribe(frame)
	case "unsubscribe":
		c.handleUnsubscribe(frame)
	default:
		c.sendErrorResponse(frame.ID, "unknown method: "+frame.Method)
	}
}

func (c *Client) handleAuth(frame *Frame) {
	if c.hub.authFn == nil {
		c.sendErrorResponse(frame.ID, "auth not supported")
		return
	}
	userID, ok := c.hub.authFn(frame.Params.APIKey)
	if !ok {
		c.sendErrorResponse(frame.ID, "invalid api key")
		return
	}
	c.authMu.Lock()
	c.userID = userID
	c.authMu.Unlock()

	c.enqueue(&Response{ID: frame.ID, Result: "success", UserID: userID})
}

func (c *Client) handleSubscribe(frame *Frame) {
	if len(frame.Params.Streams) == 0 {
		c.sendErrorResponse(frame.ID, "no streams given")
		return
	}
	for _, stream := range frame.Params.Streams {
		if !c.canAccess(stream) {
			c.sendErrorResponse(frame.ID, "not authorized for stream: "+stream)
			return
		}
	}

	c.subMu.Lock()
	if len(c.subscriptions)+len(frame.Params.Streams) > maxSubscriptions {
		c.subMu.Unlock()
		c.sendErrorResponse(frame.ID, "subscription limit reached")
		return
	}
	for _, stream := range frame.Params.Streams {
		c.subscriptions[stream] = true
	}
	c.subMu.Unlock()

	for _, stream := range frame.Params.Streams {
		select {
		case c.hub.subscribe <- &streamRequest{client: c, stream: stream, id: frame.ID}:
		case <-c.hub.done:
			return
		}
	}
}

func (c *Client) handleUnsubscribe(frame *Frame) {
	c.subMu.Lock()
	for _, stream := range frame.Params.Streams {
		delete(c.subscriptions, stream)
	}
	c.subMu.Unlock()

	for _, stream := range frame.Params.Streams {
		select {
		case c.hub.unsubscribe <- &streamRequest{client: c, stream: stream, id: frame.ID}:
		case <-c.hub.done:
			return
		}
	}
}

// canAccess enforces stream ownership: market streams are public, user
// streams require auth as the named user. The internal wildcard is never
// exposed to WS clients.
func (c *Client) canAccess(stream string) bool {
	sep := strings.IndexByte(stream, '@')
	if sep <= 0 || sep == len(stream)-1 {
		return false
	}
	prefix, suffix := stream[:sep], stream[sep+1:]

	switch {
	case suffix == "trade" || suffix == "depth" || strings.HasPrefix(suffix, "kline_"):
		return true
	case suffix == "account" || suffix == "executionReport":
		c.authMu.RLock()
		defer c.authMu.RUnlock()
		return c.userID != "" && c.userID == prefix
	}
	return false
}

func (c *Client) sendResult(id, result string) {
	c.enqueue(&Response{ID: id, Result: result})
}

func (c *Client) sendErrorResponse(id, msg string) {
	c.enqueue(&Response{ID: id, Error: msg})
}

func (c *Client) enqueue(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		// Slow consumer, response dropped.
	}
}
