package ledger

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff"
)

// Retrying retries grant queries with exponential backoff until ctx
// expires or the ledger gives a definite rejection. Spends are passed through untouched: a spend that timed out may
// still land, so retrying it could burn two credits for one pixel.
type Retrying struct {
	Ledger
	initial time.Duration
	logger  *slog.Logger
}

func WithRetry(l Ledger, initial time.Duration, logger *slog.Logger) *Retrying {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrying{Ledger: l, initial: initial, logger: logger}
}

func (r *Retrying) QueryGrant(ctx context.Context, owner string) (*Grant, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.initial
	// the caller's context bounds the total time
	b.MaxElapsedTime = 0

	var grant *Grant
	op := func() error {
		g, err := r.Ledger.QueryGrant(ctx, owner)
		if err != nil {
			if ctx.Err() != nil || IsRejection(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		grant = g
		return nil
	}
	notify := func(err error, wait time.Duration) {
		r.logger.Warn("grant query failed, retrying", "owner", owner, "wait", wait, "error", err)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, err
	}
	return grant, nil
}
