package ledger

import (
	"context"
	"sync"
)

// Memory is an in-process ledger. It backs tests and local runs where no
// chain or gateway is available.
type Memory struct {
	mu     sync.Mutex
	grants map[string]Grant
	spent  map[string]uint64
}

func NewMemory(grants ...Grant) *Memory {
	m := &Memory{
		grants: make(map[string]Grant),
		spent:  make(map[string]uint64),
	}
	for _, g := range grants {
		m.grants[g.Owner] = g
	}
	return m
}

// Issue replaces owner's grant, as buying a new batch of credits would.
func (m *Memory) Issue(g Grant) {
	m.mu.Lock()
	m.grants[g.Owner] = g
	m.mu.Unlock()
}

func (m *Memory) Revoke(owner string) {
	m.mu.Lock()
	delete(m.grants, owner)
	m.mu.Unlock()
}

// Spent is the number of credits burned for owner since the ledger was created.
func (m *Memory) Spent(owner string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.spent[owner]
}

func (m *Memory) QueryGrant(ctx context.Context, owner string) (*Grant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.grants[owner]
	if !ok {
		return nil, nil
	}
	return &g, nil
}

func (m *Memory) Spend(ctx context.Context, owner, credential string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.grants[owner]
	switch {
	case !ok:
		return ErrNoGrant
	case g.Credential != credential:
		return ErrCredentialMismatch
	case g.Remaining == 0:
		return ErrExhausted
	}
	g.Remaining--
	m.grants[owner] = g
	m.spent[owner]++
	return nil
}
