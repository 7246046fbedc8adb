// Package canvas holds the authoritative pixel grid and its persistence.
//
// The in-memory Grid is the truth for live clients. Persisters keep a
// durable copy that is overwritten after every accepted write; a failed
// save is reported but never rolls back the in-memory cell.
package canvas

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	// ErrNoSnapshot is returned by a Persister when nothing has been saved yet.
	ErrNoSnapshot = errors.New("canvas: no persisted snapshot")
	// ErrCorruptSnapshot means a snapshot exists but cannot be trusted.
	ErrCorruptSnapshot = errors.New("canvas: corrupt persisted snapshot")
	// ErrNoHistory is returned when the persister does not keep a delta log.
	ErrNoHistory = errors.New("canvas: no delta history kept")
)

// Persister stores whole-grid snapshots.
type Persister interface {
	Load(ctx context.Context) (Snapshot, error)
	Save(ctx context.Context, s Snapshot) error
	Close() error
}

// HistoryRecorder is implemented by persisters that also keep an
// append-only log of deltas.
type HistoryRecorder interface {
	AppendDelta(ctx context.Context, d Delta) error
}

// HistoryReader reads back the delta log. History returns the most recent
// limit deltas, oldest first; limit <= 0 returns all of them.
type HistoryReader interface {
	History(ctx context.Context, limit int) ([]Delta, error)
}

// Store couples the live grid with its palette and persister.
type Store struct {
	*Grid
	palette   Palette
	persister Persister
	logger    *slog.Logger

	// serializes saves so an older snapshot can't land after a newer one
	persistMu sync.Mutex
}

func NewStore(width, height int, palette Palette, persister Persister, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		Grid:      NewGrid(width, height),
		palette:   palette,
		persister: persister,
		logger:    logger.With("component", "canvas"),
	}
}

func (s *Store) Palette() Palette {
	return s.palette
}

// Load restores the grid from the persister. A missing snapshot yields a
// fresh canvas which is saved immediately. A snapshot with the wrong shape
// or with colours outside the palette is rejected with ErrCorruptSnapshot.
func (s *Store) Load(ctx context.Context) error {
	snap, err := s.persister.Load(ctx)
	switch {
	case errors.Is(err, ErrNoSnapshot):
		s.logger.Info("no persisted canvas, initializing", "width", s.width, "height", s.height)
		s.restore(NewSnapshot(s.width, s.height))
		if err := s.Persist(ctx); err != nil {
			return fmt.Errorf("saving initial canvas: %w", err)
		}
		return nil
	case err != nil:
		return err
	}

	if err := s.check(snap); err != nil {
		return err
	}
	s.restore(snap)
	s.logger.Info("canvas loaded", "width", s.width, "height", s.height)
	return nil
}

func (s *Store) check(snap Snapshot) error {
	if snap.Width() != s.width {
		return fmt.Errorf("%w: width %d, want %d", ErrCorruptSnapshot, snap.Width(), s.width)
	}
	for x, col := range snap {
		if len(col) != s.height {
			return fmt.Errorf("%w: column %d has height %d, want %d", ErrCorruptSnapshot, x, len(col), s.height)
		}
		for y, v := range col {
			if !s.palette.Valid(int(v)) {
				return fmt.Errorf("%w: cell (%d,%d) holds %d outside palette", ErrCorruptSnapshot, x, y, v)
			}
		}
	}
	return nil
}

// Persist saves the current grid, overwriting the previous snapshot.
func (s *Store) Persist(ctx context.Context) error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	if err := s.persister.Save(ctx, s.Snapshot()); err != nil {
		return fmt.Errorf("persist canvas: %w", err)
	}
	return nil
}

// Record persists the grid after d was applied and, when the persister
// keeps history, appends d to it.
func (s *Store) Record(ctx context.Context, d Delta) error {
	if err := s.Persist(ctx); err != nil {
		return err
	}
	if h, ok := s.persister.(HistoryRecorder); ok {
		if err := h.AppendDelta(ctx, d); err != nil {
			return fmt.Errorf("append history: %w", err)
		}
	}
	return nil
}

// History returns the most recent limit deltas in the order they were
// applied, or ErrNoHistory.
func (s *Store) History(ctx context.Context, limit int) ([]Delta, error) {
	h, ok := s.persister.(HistoryReader)
	if !ok {
		return nil, ErrNoHistory
	}
	out, err := h.History(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	return out, nil
}

func (s *Store) Close() error {
	return s.persister.Close()
}
