// Package auth decides whether an owner may place a pixel.
//
// The Validator caches each owner's grant as reported by the ledger and
// walks it through NoGrant → Active → Exhausted. The cache is advisory:
// every accepted write is paid for with a ledger spend before the caller is
// allowed to touch the canvas, and whenever the ledger answers it
// overwrites what the cache believed.
//
// Calls for one owner are serialized on a per-owner lane so two writes can
// never race for the same credit. Different owners never wait on each other.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"pixelwar/ledger"
)

type State int

const (
	StateNoGrant State = iota
	StateActive
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "GRANT_ACTIVE"
	case StateExhausted:
		return "GRANT_EXHAUSTED"
	default:
		return "NO_GRANT"
	}
}

type Settings struct {
	// LedgerTimeout bounds every ledger query and spend.
	LedgerTimeout time.Duration
	// OnLedgerCall, when set, is called after every ledger round trip.
	OnLedgerCall func(op string, took time.Duration, err error)
}

func DefaultSettings() *Settings {
	return &Settings{
		LedgerTimeout: 10 * time.Second,
	}
}

type entry struct {
	state State
	grant ledger.Grant
}

type Validator struct {
	ledger   ledger.Ledger
	settings *Settings
	logger   *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry

	lanes     *lanes
	refreshes singleflight.Group
}

func NewValidator(l ledger.Ledger, settings *Settings, logger *slog.Logger) *Validator {
	if settings == nil {
		settings = DefaultSettings()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		ledger:   l,
		settings: settings,
		logger:   logger.With("component", "auth"),
		entries:  make(map[string]*entry),
		lanes:    newLanes(),
	}
}

// CheckAndConsume authorizes one write for owner using the claimed
// session credential. On a nil return one credit has been spent on the
// ledger and the caller must apply the write.
//
// The spend is not tied to ctx: once started it runs to completion (or to
// the ledger timeout) even if the requesting connection goes away, so a
// credit is never burned without its pixel.
func (v *Validator) CheckAndConsume(ctx context.Context, owner, claimed string) error {
	if owner == "" {
		return Deny(NotConnected, nil)
	}
	release := v.lanes.acquire(owner)
	defer release()

	e := v.lookup(owner)
	if e == nil {
		g, err := v.query(ctx, owner)
		if err != nil {
			return ledgerDenial(err)
		}
		e = v.adopt(owner, g)
	}

	switch e.state {
	case StateNoGrant:
		return Deny(NoGrant, nil)
	case StateExhausted:
		return Deny(Exhausted, nil)
	}
	if claimed == "" || claimed != e.grant.Credential {
		return Deny(CredentialMismatch, nil)
	}

	spendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), v.settings.LedgerTimeout)
	defer cancel()
	start := time.Now()
	err := v.ledger.Spend(spendCtx, owner, claimed)
	v.observe("spend", start, err)

	if err != nil {
		if !ledger.IsRejection(err) {
			v.logger.Warn("spend failed", "owner", owner, "error", err)
			return Deny(LedgerUnreachable, err)
		}
		switch {
		case errors.Is(err, ledger.ErrNoGrant):
			v.set(owner, &entry{state: StateNoGrant})
		case errors.Is(err, ledger.ErrCredentialMismatch):
			// the key on file changed under us; forget it and let the
			// next write or sync re-read the ledger
			v.forget(owner)
		case errors.Is(err, ledger.ErrExhausted):
			v.set(owner, &entry{state: StateExhausted, grant: ledger.Grant{Owner: owner}})
		}
		return ledgerDenial(err)
	}

	v.mu.Lock()
	e.grant.Remaining--
	if e.grant.Remaining == 0 {
		e.state = StateExhausted
		e.grant.Credential = ""
	}
	v.mu.Unlock()
	return nil
}

// Refresh re-reads owner's grant from the ledger and overwrites the cache
// with it. If the ledger can't be reached the cache is left alone and a
// LedgerUnreachable denial is returned. Concurrent refreshes of one owner
// share a single ledger query; a caller whose ctx ends stops waiting but
// the query carries on for the others. A nil grant means the ledger has
// none on file.
func (v *Validator) Refresh(ctx context.Context, owner string) (*ledger.Grant, error) {
	if owner == "" {
		return nil, Deny(NotConnected, nil)
	}
	// shared by every waiter, so one caller giving up must not fail the
	// rest; the ledger timeout still bounds it
	shared := context.WithoutCancel(ctx)
	ch := v.refreshes.DoChan(owner, func() (any, error) {
		release := v.lanes.acquire(owner)
		defer release()
		return v.refreshLocked(shared, owner)
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, Deny(LedgerUnreachable, ctx.Err())
	}
	if res.Err != nil {
		return nil, res.Err
	}
	g := res.Val.(*ledger.Grant)
	if g == nil {
		return nil, nil
	}
	out := *g
	return &out, nil
}

func (v *Validator) refreshLocked(ctx context.Context, owner string) (*ledger.Grant, error) {
	g, err := v.query(ctx, owner)
	if err != nil {
		return nil, ledgerDenial(err)
	}
	v.adopt(owner, g)
	return g, nil
}

// Sync handles a client claiming a session credential: the ledger is
// re-read and must hold exactly that credential with credits left.
// On a mismatch nothing is cached for owner.
func (v *Validator) Sync(ctx context.Context, owner, claimed string) (*ledger.Grant, error) {
	if owner == "" {
		return nil, Deny(NotConnected, nil)
	}
	if claimed == "" {
		return nil, Deny(InvalidRequest, errors.New("missing session key"))
	}
	release := v.lanes.acquire(owner)
	defer release()

	g, err := v.refreshLocked(ctx, owner)
	if err != nil {
		return nil, err
	}
	switch {
	case g == nil:
		return nil, Deny(NoGrant, nil)
	case g.Credential != claimed:
		v.forget(owner)
		return nil, Deny(CredentialMismatch, nil)
	case g.Remaining == 0:
		return nil, Deny(Exhausted, nil)
	}
	out := *g
	return &out, nil
}

// Invalidate drops whatever is cached for owner. The next write or sync
// goes back to the ledger.
func (v *Validator) Invalidate(owner string) {
	v.forget(owner)
	v.logger.Debug("grant cache invalidated", "owner", owner)
}

// Cached returns the cached grant for owner and its state without
// touching the ledger. ok is false if nothing is cached.
func (v *Validator) Cached(owner string) (g ledger.Grant, state State, ok bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	e, ok := v.entries[owner]
	if !ok {
		return ledger.Grant{}, StateNoGrant, false
	}
	return e.grant, e.state, true
}

// ledgerDenial maps a ledger error to the reason sent to the client.
func ledgerDenial(err error) *Denial {
	switch {
	case errors.Is(err, ledger.ErrInvalidOwner):
		return Deny(InvalidRequest, err)
	case errors.Is(err, ledger.ErrNoGrant):
		return Deny(NoGrant, err)
	case errors.Is(err, ledger.ErrCredentialMismatch):
		return Deny(CredentialMismatch, err)
	case errors.Is(err, ledger.ErrExhausted):
		return Deny(Exhausted, err)
	default:
		return Deny(LedgerUnreachable, err)
	}
}

func (v *Validator) query(ctx context.Context, owner string) (*ledger.Grant, error) {
	qctx, cancel := context.WithTimeout(ctx, v.settings.LedgerTimeout)
	defer cancel()
	start := time.Now()
	g, err := v.ledger.QueryGrant(qctx, owner)
	v.observe("query", start, err)
	if err != nil && !ledger.IsRejection(err) {
		v.logger.Warn("grant query failed", "owner", owner, "error", err)
	}
	return g, err
}

// adopt replaces the cache entry for owner with what the ledger reported.
func (v *Validator) adopt(owner string, g *ledger.Grant) *entry {
	e := &entry{state: StateNoGrant, grant: ledger.Grant{Owner: owner}}
	switch {
	case g == nil || g.Credential == "":
	case g.Remaining == 0:
		e.state = StateExhausted
	default:
		e.state = StateActive
		e.grant = *g
		e.grant.Owner = owner
	}
	v.set(owner, e)
	v.logger.Debug("grant adopted", "owner", owner, "state", e.state, "remaining", e.grant.Remaining)
	return e
}

func (v *Validator) lookup(owner string) *entry {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.entries[owner]
}

func (v *Validator) set(owner string, e *entry) {
	v.mu.Lock()
	v.entries[owner] = e
	v.mu.Unlock()
}

func (v *Validator) forget(owner string) {
	v.mu.Lock()
	delete(v.entries, owner)
	v.mu.Unlock()
}

func (v *Validator) observe(op string, start time.Time, err error) {
	if v.settings.OnLedgerCall != nil {
		v.settings.OnLedgerCall(op, time.Since(start), err)
	}
}
