package hub

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"pixelwar/auth"
)

// Handler processes decoded client messages. It is called from the
// client's read goroutine, one message at a time.
type Handler interface {
	HandleMessage(ctx context.Context, c *Client, msg Inbound)
}

// Client is one connected peer: a browser canvas or a read-only display.
type Client struct {
	ID       string
	Identity string

	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter

	mu     sync.Mutex
	closed bool

	// unix nanos of the last frame received
	lastSeen atomic.Int64

	// owned by the liveness monitor
	checkedAt time.Time
	missed    int
}

// NewClient wraps conn. conn may be nil for clients that are never served,
// which is only useful in tests.
func (h *Hub) NewClient(conn *websocket.Conn, identity string) *Client {
	now := time.Now()
	c := &Client{
		ID:        uuid.New().String(),
		Identity:  identity,
		hub:       h,
		conn:      conn,
		send:      make(chan []byte, h.settings.SendBuffer),
		limiter:   rate.NewLimiter(rate.Limit(h.settings.MessageRate), h.settings.MessageBurst),
		checkedAt: now,
	}
	c.lastSeen.Store(now.UnixNano())
	return c
}

// Send queues v for this client only. It never blocks; false means the
// message was dropped because the client is gone or not keeping up.
func (c *Client) Send(v Outbound) bool {
	b, err := json.Marshal(v)
	if err != nil {
		c.hub.logger.Error("encode message", "type", v.Type, "error", err)
		return false
	}
	return c.trySend(b)
}

// Error sends an error message carrying a reason code. An empty message
// uses the reason's default text.
func (c *Client) Error(reason auth.Reason, message string) bool {
	if message == "" {
		message = reason.Message()
	}
	return c.Send(Outbound{Type: TypeError, Reason: string(reason), Message: message})
}

func (c *Client) trySend(b []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

// close stops the write pump. Safe to call more than once.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

func (c *Client) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// Serve runs the client's pumps until the connection ends. The client must
// already be registered. Once the hub is draining, Serve only closes the
// connection.
func (c *Client) Serve(ctx context.Context, handler Handler) {
	if !c.hub.track() {
		c.hub.Unregister(c)
		c.conn.Close()
		return
	}
	defer c.hub.serving.Done()
	go c.writePump()
	c.readPump(ctx, handler)
}

func (c *Client) readPump(ctx context.Context, handler Handler) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.hub.settings.ReadLimit)
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Info("client read error", "client", c.ID, "error", err)
			}
			return
		}
		c.touch()

		if !c.limiter.Allow() {
			c.Error(auth.RateLimited, "")
			continue
		}

		var msg Inbound
		if err := json.Unmarshal(message, &msg); err != nil {
			c.hub.logger.Debug("bad client message", "client", c.ID, "error", err)
			c.Error(auth.InvalidRequest, "invalid message format")
			continue
		}
		handler.HandleMessage(ctx, c, msg)
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()
	for {
		message, ok := <-c.send
		c.conn.SetWriteDeadline(time.Now().Add(c.hub.settings.WriteTimeout))
		if !ok {
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			c.hub.logger.Info("client write error", "client", c.ID, "error", err)
			return
		}
	}
}

// ping sends a websocket ping frame. WriteControl may run concurrently
// with the write pump.
func (c *Client) ping() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.hub.settings.WriteTimeout))
}

// kick tears down the underlying connection so the read pump exits.
func (c *Client) kick() {
	if c.conn != nil {
		c.conn.Close()
	}
}
