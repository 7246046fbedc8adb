// Package pipeline takes a requested pixel write from validation through
// authorization to apply, persistence and broadcast, in that order.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"pixelwar/auth"
	"pixelwar/canvas"
	"pixelwar/metrics"
)

// Authorizer spends one credit for a write. A nil return means the write
// has been paid for.
type Authorizer interface {
	CheckAndConsume(ctx context.Context, owner, claimed string) error
}

// Broadcaster delivers committed deltas to observers.
type Broadcaster interface {
	Broadcast(d canvas.Delta)
}

type WriteRequest struct {
	X, Y       int
	Color      int
	Identity   string
	Credential string
}

// Result describes a committed write. PersistErr is set when the write was
// applied and broadcast but could not be saved.
type Result struct {
	Delta      canvas.Delta
	PersistErr error
}

type Settings struct {
	// PersistTimeout bounds saving the canvas before a delta is broadcast.
	PersistTimeout time.Duration
}

func DefaultSettings() *Settings {
	return &Settings{PersistTimeout: 5 * time.Second}
}

type Pipeline struct {
	store       *canvas.Store
	auth        Authorizer
	broadcaster Broadcaster
	settings    *Settings
	metrics     *metrics.Metrics
	logger      *slog.Logger

	// held from Set through Record to Broadcast, so the saved history and
	// what observers see both follow grid order
	commitMu sync.Mutex
}

func New(store *canvas.Store, a Authorizer, b Broadcaster, settings *Settings, m *metrics.Metrics, logger *slog.Logger) *Pipeline {
	if settings == nil {
		settings = DefaultSettings()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		store:       store,
		auth:        a,
		broadcaster: b,
		settings:    settings,
		metrics:     m,
		logger:      logger.With("component", "pipeline"),
	}
}

// Submit runs one write. Rejections are returned as *auth.Denial and leave
// the canvas untouched. Once authorized, the write is committed even if ctx
// is cancelled; the caller only loses the chance to acknowledge it.
func (p *Pipeline) Submit(ctx context.Context, req WriteRequest) (*Result, error) {
	if err := p.check(req); err != nil {
		p.reject(req, err)
		return nil, err
	}

	if err := p.auth.CheckAndConsume(ctx, req.Identity, req.Credential); err != nil {
		p.reject(req, err)
		return nil, err
	}

	d := canvas.Delta{X: req.X, Y: req.Y, Color: req.Color, Origin: req.Identity}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.settings.PersistTimeout)
	defer cancel()
	err := p.commit(pctx, d)
	p.logger.Debug("pixel committed", "identity", req.Identity, "x", d.X, "y", d.Y, "color", d.Color)

	res := &Result{Delta: d}
	if err != nil {
		p.logger.Warn("pixel applied but not persisted", "identity", req.Identity, "x", d.X, "y", d.Y, "error", err)
		p.metrics.PersistFailed()
		res.PersistErr = auth.Deny(auth.PersistenceFailure, err)
	}
	p.metrics.Write("ok")
	return res, nil
}

func (p *Pipeline) check(req WriteRequest) error {
	if !p.store.InBounds(req.X, req.Y) {
		return auth.Deny(auth.InvalidRequest, errors.New("coordinates out of bounds"))
	}
	if !p.store.Palette().Valid(req.Color) {
		return auth.Deny(auth.InvalidRequest, errors.New("color not in palette"))
	}
	if req.Identity == "" {
		return auth.Deny(auth.NotConnected, nil)
	}
	if req.Credential == "" {
		return auth.Deny(auth.InvalidRequest, errors.New("missing session key"))
	}
	return nil
}

// commit applies d, saves it and only then broadcasts it. A failed save
// still broadcasts: the in-memory grid already holds d.
func (p *Pipeline) commit(ctx context.Context, d canvas.Delta) error {
	p.commitMu.Lock()
	defer p.commitMu.Unlock()
	p.store.Set(d.X, d.Y, uint8(d.Color))
	err := p.store.Record(ctx, d)
	p.broadcaster.Broadcast(d)
	return err
}

func (p *Pipeline) reject(req WriteRequest, err error) {
	reason := auth.ReasonOf(err)
	if reason == "" {
		reason = auth.LedgerUnreachable
	}
	p.metrics.Write(string(reason))
	p.logger.Info("write rejected", "identity", req.Identity, "x", req.X, "y", req.Y, "reason", reason, "error", err)
}
