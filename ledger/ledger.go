// Package ledger talks to the external system of record for pixel credits.
//
// The server never mints credits or delegates keys. It only asks the ledger
// what grant an owner currently holds and asks it to burn one credit per
// accepted pixel. Who signs that burn (the owner's session key held by the
// client, or a fee payer held by the server) is a property of the Ledger
// implementation, not of the callers.
package ledger

import (
	"context"
	"errors"
)

// Grant is an owner's delegated, budget-limited write authorization.
type Grant struct {
	Owner      string `json:"owner"`
	Credential string `json:"credential"`
	Remaining  uint64 `json:"remaining"`
}

// Spend rejections. Any other error from a Ledger means the ledger could
// not be reached or did not answer in time.
var (
	ErrNoGrant            = errors.New("ledger: no grant")
	ErrCredentialMismatch = errors.New("ledger: credential mismatch")
	ErrExhausted          = errors.New("ledger: grant exhausted")
	// ErrInvalidOwner means the owner is not an address the ledger can
	// hold a grant for. Asking again will not change the answer.
	ErrInvalidOwner = errors.New("ledger: invalid owner")
)

type Ledger interface {
	// QueryGrant returns the owner's current grant, or nil when the
	// ledger has none on file.
	QueryGrant(ctx context.Context, owner string) (*Grant, error)

	// Spend burns one credit of owner's grant on behalf of credential.
	Spend(ctx context.Context, owner, credential string) error
}

// IsRejection reports whether err is a definite answer from the ledger
// rather than a transport failure.
func IsRejection(err error) bool {
	return errors.Is(err, ErrNoGrant) || errors.Is(err, ErrCredentialMismatch) ||
		errors.Is(err, ErrExhausted) || errors.Is(err, ErrInvalidOwner)
}
