package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Gateway is a client for an HTTP credit gateway that fronts the chain.
// The gateway holds whatever keys are needed to burn credits, so the
// server stays non-custodial.
//
//	GET  /v1/grants/{owner}        200 Grant | 404 | 400 bad owner
//	POST /v1/grants/{owner}/spend  200 | 404 no grant | 409 mismatch | 402 exhausted
type Gateway struct {
	base   string
	client *http.Client
}

func NewGateway(baseURL string, client *http.Client) *Gateway {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Gateway{
		base:   strings.TrimRight(baseURL, "/"),
		client: client,
	}
}

func (g *Gateway) grantURL(owner string) string {
	return g.base + "/v1/grants/" + url.PathEscape(owner)
}

func (g *Gateway) QueryGrant(ctx context.Context, owner string) (*Grant, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.grantURL(owner), nil)
	if err != nil {
		return nil, err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, nil
	case http.StatusBadRequest:
		return nil, fmt.Errorf("%w: %s", ErrInvalidOwner, owner)
	default:
		return nil, statusError(resp)
	}

	var grant Grant
	if err := json.NewDecoder(resp.Body).Decode(&grant); err != nil {
		return nil, fmt.Errorf("decode grant: %w", err)
	}
	if grant.Owner == "" {
		grant.Owner = owner
	}
	return &grant, nil
}

func (g *Gateway) Spend(ctx context.Context, owner, credential string) error {
	body, err := json.Marshal(map[string]string{"credential": credential})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.grantURL(owner)+"/spend", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		return ErrNoGrant
	case http.StatusConflict:
		return ErrCredentialMismatch
	case http.StatusPaymentRequired:
		return ErrExhausted
	default:
		return statusError(resp)
	}
}

func statusError(resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("ledger gateway: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
}
