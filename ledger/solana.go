package ledger

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
)

// PixelCredit account layout written by the pixel-war program:
// 8-byte discriminator, 32-byte owner, u8 credits, 32-byte session key.
const (
	creditsOffset    = 40
	sessionKeyOffset = 41
	creditAccountLen = sessionKeyOffset + 32
)

var spendCreditDiscriminator = []byte{184, 191, 206, 9, 70, 85, 25, 139}

// rpc error code for a transaction that failed preflight simulation
const rpcErrSimulationFailed = -32002

// SolanaSettings configures the Solana ledger.
type SolanaSettings struct {
	RPCURL       string
	ProgramID    string
	Commitment   string
	PollInterval time.Duration
}

func DefaultSolanaSettings() *SolanaSettings {
	return &SolanaSettings{
		RPCURL:       "https://staging-rpc.dev2.eclipsenetwork.xyz",
		ProgramID:    "HAGwaTLgWF5tgjmZzWU42oq9eLXvwLmYSmKfS5Q3zCXs",
		Commitment:   "confirmed",
		PollInterval: 400 * time.Millisecond,
	}
}

// Solana reads PixelCredit accounts over JSON-RPC and burns credits with
// the program's spend_credit instruction. Transactions are paid for and
// signed by a fee payer key held by the server.
type Solana struct {
	settings  *SolanaSettings
	programID []byte
	payer     ed25519.PrivateKey
	client    *http.Client
	nextID    atomic.Uint64
}

func NewSolana(settings *SolanaSettings, payer ed25519.PrivateKey, client *http.Client) (*Solana, error) {
	programID, err := decodeKey(settings.ProgramID)
	if err != nil {
		return nil, fmt.Errorf("program id: %w", err)
	}
	if len(payer) != ed25519.PrivateKeySize {
		return nil, errors.New("payer key must be a 64-byte ed25519 private key")
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Solana{
		settings:  settings,
		programID: programID,
		payer:     payer,
		client:    client,
	}, nil
}

// LoadKeypair reads a keypair file in the solana-keygen format: a JSON
// array of the 64 secret key bytes.
func LoadKeypair(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw []byte
	var ints []int
	if err := json.Unmarshal(data, &ints); err != nil {
		return nil, fmt.Errorf("parse keypair %s: %w", path, err)
	}
	if len(ints) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("keypair %s: %d bytes, want %d", path, len(ints), ed25519.PrivateKeySize)
	}
	for _, v := range ints {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("keypair %s: byte out of range", path)
		}
		raw = append(raw, byte(v))
	}
	return ed25519.PrivateKey(raw), nil
}

func decodeKey(s string) ([]byte, error) {
	b, err := base58.Decode(s)
	if err != nil {
		return nil, err
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("key %q decodes to %d bytes", s, len(b))
	}
	return b, nil
}

// FindProgramAddress derives the program address for seeds, trying bump
// seeds from 255 down until the hash is not a valid curve point.
func FindProgramAddress(seeds [][]byte, programID []byte) ([]byte, uint8, error) {
	for bump := 255; bump >= 0; bump-- {
		h := sha256.New()
		for _, s := range seeds {
			h.Write(s)
		}
		h.Write([]byte{byte(bump)})
		h.Write(programID)
		h.Write([]byte("ProgramDerivedAddress"))
		addr := h.Sum(nil)
		if _, err := new(edwards25519.Point).SetBytes(addr); err != nil {
			return addr, uint8(bump), nil
		}
	}
	return nil, 0, errors.New("no viable bump seed")
}

func (s *Solana) creditAddress(owner string) ([]byte, error) {
	ownerKey, err := decodeKey(owner)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOwner, err)
	}
	addr, _, err := FindProgramAddress([][]byte{[]byte("pixel-credit"), ownerKey}, s.programID)
	return addr, err
}

type creditAccount struct {
	owner      []byte
	credits    uint8
	sessionKey []byte
}

func decodeCreditAccount(data []byte) (*creditAccount, error) {
	if len(data) < creditAccountLen {
		return nil, fmt.Errorf("credit account is %d bytes, want at least %d", len(data), creditAccountLen)
	}
	return &creditAccount{
		owner:      data[8:40],
		credits:    data[creditsOffset],
		sessionKey: data[sessionKeyOffset:creditAccountLen],
	}, nil
}

func (a *creditAccount) hasSessionKey() bool {
	return !bytes.Equal(a.sessionKey, make([]byte, 32))
}

func (s *Solana) QueryGrant(ctx context.Context, owner string) (*Grant, error) {
	account, err := s.fetchCreditAccount(ctx, owner)
	if err != nil || account == nil {
		return nil, err
	}
	if !account.hasSessionKey() {
		return nil, nil
	}
	return &Grant{
		Owner:      owner,
		Credential: base58.Encode(account.sessionKey),
		Remaining:  uint64(account.credits),
	}, nil
}

func (s *Solana) fetchCreditAccount(ctx context.Context, owner string) (*creditAccount, error) {
	addr, err := s.creditAddress(owner)
	if err != nil {
		return nil, err
	}

	var result struct {
		Value *struct {
			Data  []string `json:"data"`
			Owner string   `json:"owner"`
		} `json:"value"`
	}
	params := []any{base58.Encode(addr), map[string]string{"encoding": "base64", "commitment": s.settings.Commitment}}
	if err := s.call(ctx, "getAccountInfo", params, &result); err != nil {
		return nil, err
	}
	if result.Value == nil {
		return nil, nil
	}
	if result.Value.Owner != s.settings.ProgramID {
		return nil, fmt.Errorf("credit account owned by %s, not the program", result.Value.Owner)
	}
	if len(result.Value.Data) == 0 {
		return nil, errors.New("credit account without data")
	}
	data, err := base64.StdEncoding.DecodeString(result.Value.Data[0])
	if err != nil {
		return nil, fmt.Errorf("decode credit account: %w", err)
	}
	return decodeCreditAccount(data)
}

// Spend checks the credit account, then submits spend_credit and waits
// for the configured commitment.
func (s *Solana) Spend(ctx context.Context, owner, credential string) error {
	account, err := s.fetchCreditAccount(ctx, owner)
	if err != nil {
		return err
	}
	switch {
	case account == nil || !account.hasSessionKey():
		return ErrNoGrant
	case base58.Encode(account.sessionKey) != credential:
		return ErrCredentialMismatch
	case account.credits == 0:
		return ErrExhausted
	}

	creditAddr, err := s.creditAddress(owner)
	if err != nil {
		return err
	}
	blockhash, err := s.latestBlockhash(ctx)
	if err != nil {
		return err
	}

	data := append(append([]byte(nil), spendCreditDiscriminator...), account.sessionKey...)
	tx, signature := buildTransaction(s.payer, blockhash, s.programID, creditAddr, data)

	var sig string
	params := []any{base64.StdEncoding.EncodeToString(tx), map[string]string{
		"encoding":            "base64",
		"preflightCommitment": s.settings.Commitment,
	}}
	if err := s.call(ctx, "sendTransaction", params, &sig); err != nil {
		var rpcErr *rpcError
		if errors.As(err, &rpcErr) && rpcErr.Code == rpcErrSimulationFailed {
			return fmt.Errorf("%w: %s", ErrExhausted, rpcErr.Message)
		}
		return err
	}
	if sig == "" {
		sig = base58.Encode(signature)
	}
	return s.confirm(ctx, sig)
}

func (s *Solana) latestBlockhash(ctx context.Context) ([]byte, error) {
	var result struct {
		Value struct {
			Blockhash string `json:"blockhash"`
		} `json:"value"`
	}
	params := []any{map[string]string{"commitment": s.settings.Commitment}}
	if err := s.call(ctx, "getLatestBlockhash", params, &result); err != nil {
		return nil, err
	}
	return decodeKey(result.Value.Blockhash)
}

func (s *Solana) confirm(ctx context.Context, sig string) error {
	ticker := time.NewTicker(s.settings.PollInterval)
	defer ticker.Stop()
	for {
		var result struct {
			Value []*struct {
				Err                json.RawMessage `json:"err"`
				ConfirmationStatus string          `json:"confirmationStatus"`
			} `json:"value"`
		}
		if err := s.call(ctx, "getSignatureStatuses", []any{[]string{sig}}, &result); err != nil {
			return err
		}
		if len(result.Value) == 1 && result.Value[0] != nil {
			st := result.Value[0]
			if len(st.Err) > 0 && string(st.Err) != "null" {
				return fmt.Errorf("%w: transaction %s failed: %s", ErrExhausted, sig, st.Err)
			}
			if st.ConfirmationStatus == s.settings.Commitment || st.ConfirmationStatus == "finalized" {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("confirm %s: %w", sig, ctx.Err())
		case <-ticker.C:
		}
	}
}

// buildTransaction encodes a legacy transaction with a single instruction
// touching one writable, non-signing account. The payer is the only signer.
func buildTransaction(payer ed25519.PrivateKey, blockhash, programID, account, data []byte) (tx []byte, signature []byte) {
	payerKey := payer.Public().(ed25519.PublicKey)

	var msg []byte
	// signatures required, readonly signed, readonly unsigned (the program)
	msg = append(msg, 1, 0, 1)
	msg = appendCompactU16(msg, 3)
	msg = append(msg, payerKey...)
	msg = append(msg, account...)
	msg = append(msg, programID...)
	msg = append(msg, blockhash...)
	msg = appendCompactU16(msg, 1)
	msg = append(msg, 2)
	msg = appendCompactU16(msg, 1)
	msg = append(msg, 1)
	msg = appendCompactU16(msg, len(data))
	msg = append(msg, data...)

	signature = ed25519.Sign(payer, msg)
	tx = appendCompactU16(nil, 1)
	tx = append(tx, signature...)
	tx = append(tx, msg...)
	return tx, signature
}

func appendCompactU16(b []byte, n int) []byte {
	for {
		v := byte(n & 0x7f)
		n >>= 7
		if n == 0 {
			return append(b, v)
		}
		b = append(b, v|0x80)
	}
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func (s *Solana) call(ctx context.Context, method string, params []any, out any) error {
	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      s.nextID.Add(1),
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.settings.RPCURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %w", method, statusError(resp))
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("%s: decode response: %w", method, err)
	}
	if envelope.Error != nil {
		return envelope.Error
	}
	return json.Unmarshal(envelope.Result, out)
}
