// Package hub keeps track of connected clients and fans canvas updates out
// to them.
//
// A single run loop owns admission, removal and broadcast, so the order in
// which deltas are handed to Broadcast is the order every client sees them
// in, and a newly admitted client always gets its init snapshot before any
// update.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"pixelwar/canvas"
	"pixelwar/metrics"
)

var ErrStopped = errors.New("hub: stopped")

type Settings struct {
	SendBuffer   int
	WriteTimeout time.Duration
	ReadLimit    int64
	MessageRate  float64
	MessageBurst int
}

func DefaultSettings() *Settings {
	return &Settings{
		SendBuffer:   256,
		WriteTimeout: 10 * time.Second,
		ReadLimit:    4096,
		MessageRate:  20,
		MessageBurst: 40,
	}
}

type registration struct {
	client     *Client
	credential string
	done       chan struct{}
}

type Hub struct {
	store    *canvas.Store
	settings *Settings
	logger   *slog.Logger
	metrics  *metrics.Metrics

	register   chan registration
	unregister chan *Client
	broadcast  chan []byte
	stopped    chan struct{}

	mu       sync.RWMutex
	clients  map[*Client]struct{}
	draining bool

	// one per client inside Serve
	serving sync.WaitGroup
}

func New(store *canvas.Store, settings *Settings, m *metrics.Metrics, logger *slog.Logger) *Hub {
	if settings == nil {
		settings = DefaultSettings()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		store:      store,
		settings:   settings,
		logger:     logger.With("component", "hub"),
		metrics:    m,
		register:   make(chan registration),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 1024),
		stopped:    make(chan struct{}),
		clients:    make(map[*Client]struct{}),
	}
}

// Run processes registrations and broadcasts until ctx is done, then
// closes every remaining client.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.stopped)
		h.mu.Lock()
		for c := range h.clients {
			delete(h.clients, c)
			c.close()
			h.metrics.ConnectionClosed()
		}
		h.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case r := <-h.register:
			h.admit(r.client, r.credential)
			close(r.done)
		case c := <-h.unregister:
			h.remove(c)
		case message := <-h.broadcast:
			h.fanOut(message)
		}
	}
}

func (h *Hub) admit(c *Client, credential string) {
	msg := Outbound{
		Type:       TypeInit,
		Data:       h.store.Snapshot(),
		SessionKey: credential,
		Width:      h.store.Width(),
		Height:     h.store.Height(),
		Palette:    h.store.Palette().Colors,
	}
	if !c.Send(msg) {
		h.logger.Warn("could not queue init, dropping client", "client", c.ID)
		c.close()
		return
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.metrics.ConnectionOpened()
	h.logger.Info("client registered", "client", c.ID, "identity", c.Identity, "clients", n)
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
	}
	n := len(h.clients)
	h.mu.Unlock()

	// close even if never admitted so the write pump exits
	c.close()
	if ok {
		h.metrics.ConnectionClosed()
		h.logger.Info("client unregistered", "client", c.ID, "clients", n)
	}
}

func (h *Hub) fanOut(message []byte) {
	h.mu.RLock()
	var lagging []*Client
	for c := range h.clients {
		if !c.trySend(message) {
			lagging = append(lagging, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range lagging {
		h.logger.Warn("client not keeping up, dropping", "client", c.ID)
		h.metrics.Dropped()
		h.remove(c)
		c.kick()
	}
}

// Register admits c. It returns once c's init message is queued and c is
// part of the broadcast set.
func (h *Hub) Register(c *Client, credential string) error {
	r := registration{client: c, credential: credential, done: make(chan struct{})}
	select {
	case h.register <- r:
	case <-h.stopped:
		return ErrStopped
	}
	<-r.done
	if c.Closed() {
		return ErrStopped
	}
	return nil
}

// Unregister removes c. Calling it more than once, or for a client that
// was never registered, is harmless.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.stopped:
		c.close()
	}
}

// Broadcast queues d for every admitted client, the originator included.
func (h *Hub) Broadcast(d canvas.Delta) {
	b, err := json.Marshal(Outbound{Type: TypeUpdate, Data: PixelOf(d)})
	if err != nil {
		h.logger.Error("encode delta", "error", err)
		return
	}
	select {
	case h.broadcast <- b:
	case <-h.stopped:
	}
}

// Clients returns the currently admitted clients.
func (h *Hub) Clients() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		out = append(out, c)
	}
	return out
}

// track counts a client entering Serve. It fails once Drain has started.
func (h *Hub) track() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.draining {
		return false
	}
	h.serving.Add(1)
	return true
}

// Drain waits until every served client has left its read loop, so no
// message handler is still running. Call it after Run has returned and
// before releasing anything the handlers use.
func (h *Hub) Drain(ctx context.Context) error {
	h.mu.Lock()
	h.draining = true
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.serving.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
