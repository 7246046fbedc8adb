package auth

import (
	"errors"
	"fmt"
)

// Reason is the machine-readable code sent to clients with every denial.
type Reason string

const (
	InvalidRequest     Reason = "InvalidRequest"
	NotConnected       Reason = "NotConnected"
	NoGrant            Reason = "NoGrant"
	CredentialMismatch Reason = "CredentialMismatch"
	Exhausted          Reason = "Exhausted"
	LedgerUnreachable  Reason = "LedgerUnreachable"
	PersistenceFailure Reason = "PersistenceFailure"
	RateLimited        Reason = "RateLimited"
)

var reasonMessages = map[Reason]string{
	InvalidRequest:     "invalid coordinates, color or session key",
	NotConnected:       "wallet not connected",
	NoGrant:            "no pixel credits found, buy credits first",
	CredentialMismatch: "session key does not match the one on file",
	Exhausted:          "no credits remaining, buy more credits",
	LedgerUnreachable:  "credit ledger unavailable, try again",
	PersistenceFailure: "pixel applied but not yet saved",
	RateLimited:        "too many messages, slow down",
}

// Message is the human-readable text for r.
func (r Reason) Message() string {
	if m, ok := reasonMessages[r]; ok {
		return m
	}
	return string(r)
}

// Denial is returned whenever a request is refused.
type Denial struct {
	Reason Reason
	Err    error
}

func Deny(reason Reason, err error) *Denial {
	return &Denial{Reason: reason, Err: err}
}

func (d *Denial) Error() string {
	if d.Err != nil {
		return fmt.Sprintf("%s: %v", d.Reason, d.Err)
	}
	return string(d.Reason)
}

func (d *Denial) Unwrap() error {
	return d.Err
}

// ReasonOf extracts the denial reason from err, or "" if err is not a denial.
func ReasonOf(err error) Reason {
	var d *Denial
	if errors.As(err, &d) {
		return d.Reason
	}
	return ""
}
