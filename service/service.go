// Package service exposes the canvas over HTTP: the websocket endpoint
// observers and writers connect to, a read-only snapshot, health and
// metrics.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pixelwar/auth"
	"pixelwar/canvas"
	"pixelwar/hub"
	"pixelwar/pipeline"
)

type Settings struct {
	// AdmissionTimeout bounds the grant lookup done when a wallet connects.
	AdmissionTimeout time.Duration
	ReadBufferSize   int
	WriteBufferSize  int
	// MaxIdentityLength rejects absurd publicKey query values.
	MaxIdentityLength int
	// HistoryLimit is the default and the cap for /api/history.
	HistoryLimit int
}

func DefaultSettings() *Settings {
	return &Settings{
		AdmissionTimeout:  3 * time.Second,
		ReadBufferSize:    1024,
		WriteBufferSize:   1024,
		MaxIdentityLength: 128,
		HistoryLimit:      500,
	}
}

type Service struct {
	store     *canvas.Store
	hub       *hub.Hub
	pipeline  *pipeline.Pipeline
	validator *auth.Validator
	gatherer  prometheus.Gatherer
	settings  *Settings
	logger    *slog.Logger

	upgrader websocket.Upgrader
}

// New wires the HTTP surface. gatherer may be nil, in which case
// /metrics serves the default registry.
func New(store *canvas.Store, h *hub.Hub, p *pipeline.Pipeline, v *auth.Validator, gatherer prometheus.Gatherer, settings *Settings, logger *slog.Logger) *Service {
	if settings == nil {
		settings = DefaultSettings()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Service{
		store:     store,
		hub:       h,
		pipeline:  p,
		validator: v,
		gatherer:  gatherer,
		settings:  settings,
		logger:    logger.With("component", "service"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  settings.ReadBufferSize,
			WriteBufferSize: settings.WriteBufferSize,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (s *Service) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.serveWS).Methods(http.MethodGet)
	r.HandleFunc("/api/canvas", s.serveCanvas).Methods(http.MethodGet)
	r.HandleFunc("/api/history", s.serveHistory).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.serveHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return r
}

func (s *Service) serveWS(w http.ResponseWriter, r *http.Request) {
	identity := r.URL.Query().Get("publicKey")
	if len(identity) > s.settings.MaxIdentityLength {
		http.Error(w, "publicKey too long", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client
		s.logger.Info("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := s.hub.NewClient(conn, identity)
	credential := s.knownCredential(r.Context(), identity)
	if err := s.hub.Register(c, credential); err != nil {
		s.logger.Warn("could not register client", "client", c.ID, "error", err)
		conn.Close()
		return
	}
	s.logger.Info("new connection", "client", c.ID, "identity", identity, "remote", r.RemoteAddr)
	c.Serve(r.Context(), s)
}

// knownCredential returns the session credential on file for identity so
// the init message can carry it. Failures only mean the client has to
// sync itself.
func (s *Service) knownCredential(ctx context.Context, identity string) string {
	if identity == "" {
		return ""
	}
	if g, state, ok := s.validator.Cached(identity); ok {
		if state == auth.StateActive {
			return g.Credential
		}
		return ""
	}

	ctx, cancel := context.WithTimeout(ctx, s.settings.AdmissionTimeout)
	defer cancel()
	g, err := s.validator.Refresh(ctx, identity)
	if err != nil {
		s.logger.Info("grant lookup on connect failed", "identity", identity, "error", err)
		return ""
	}
	if g == nil || g.Remaining == 0 {
		return ""
	}
	return g.Credential
}

type canvasResponse struct {
	Width   int             `json:"width"`
	Height  int             `json:"height"`
	Palette []string        `json:"palette"`
	Data    canvas.Snapshot `json:"data"`
}

func (s *Service) serveCanvas(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, canvasResponse{
		Width:   s.store.Width(),
		Height:  s.store.Height(),
		Palette: s.store.Palette().Colors,
		Data:    s.store.Snapshot(),
	})
}

type historyEntry struct {
	X      int    `json:"x"`
	Y      int    `json:"y"`
	Color  int    `json:"color"`
	Origin string `json:"origin,omitempty"`
}

// serveHistory returns the most recent deltas, oldest first.
func (s *Service) serveHistory(w http.ResponseWriter, r *http.Request) {
	limit := s.settings.HistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, s.settings.HistoryLimit)
	}

	deltas, err := s.store.History(r.Context(), limit)
	switch {
	case errors.Is(err, canvas.ErrNoHistory):
		http.Error(w, "this storage backend keeps no history", http.StatusNotFound)
		return
	case err != nil:
		s.logger.Warn("history read failed", "error", err)
		http.Error(w, "history unavailable", http.StatusServiceUnavailable)
		return
	}

	out := make([]historyEntry, 0, len(deltas))
	for _, d := range deltas {
		out = append(out, historyEntry{X: d.X, Y: d.Y, Color: d.Color, Origin: d.Origin})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) serveHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": s.hub.Count(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
