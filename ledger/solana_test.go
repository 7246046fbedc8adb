package ledger

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompactU16(t *testing.T) {
	assert.Equal(t, []byte{0x00}, appendCompactU16(nil, 0))
	assert.Equal(t, []byte{0x7f}, appendCompactU16(nil, 127))
	assert.Equal(t, []byte{0x80, 0x01}, appendCompactU16(nil, 128))
	assert.Equal(t, []byte{0xff, 0xff, 0x03}, appendCompactU16(nil, 65535))
}

func TestFindProgramAddressIsOffCurve(t *testing.T) {
	program := make([]byte, 32)
	program[0] = 7
	owner := make([]byte, 32)
	owner[31] = 1

	addr, bump, err := FindProgramAddress([][]byte{[]byte("pixel-credit"), owner}, program)
	require.NoError(t, err)
	require.Len(t, addr, 32)

	_, err = new(edwards25519.Point).SetBytes(addr)
	assert.Error(t, err, "derived address must not be a curve point")

	again, bumpAgain, err := FindProgramAddress([][]byte{[]byte("pixel-credit"), owner}, program)
	require.NoError(t, err)
	assert.Equal(t, addr, again)
	assert.Equal(t, bump, bumpAgain)
}

func TestLoadKeypair(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	ints := make([]int, len(priv))
	for i, b := range priv {
		ints[i] = int(b)
	}
	data, _ := json.Marshal(ints)
	path := filepath.Join(t.TempDir(), "id.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	got, err := LoadKeypair(path)
	require.NoError(t, err)
	assert.Equal(t, priv, got)
}

func creditAccountData(credits uint8, sessionKey []byte) []byte {
	data := make([]byte, creditAccountLen)
	data[creditsOffset] = credits
	copy(data[sessionKeyOffset:], sessionKey)
	return data
}

type fakeRPC struct {
	t          *testing.T
	programID  string
	account    []byte
	payer      ed25519.PublicKey
	sent       [][]byte
	statusErr  json.RawMessage
	sendErrMsg *rpcError
}

func (f *fakeRPC) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     uint64            `json:"id"`
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
	}
	require.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))

	reply := func(result any) {
		json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
	}
	switch req.Method {
	case "getAccountInfo":
		if f.account == nil {
			reply(map[string]any{"value": nil})
			return
		}
		reply(map[string]any{"value": map[string]any{
			"data":  []string{base64.StdEncoding.EncodeToString(f.account), "base64"},
			"owner": f.programID,
		}})
	case "getLatestBlockhash":
		reply(map[string]any{"value": map[string]any{"blockhash": base58.Encode(make([]byte, 32))}})
	case "sendTransaction":
		if f.sendErrMsg != nil {
			json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "error": f.sendErrMsg})
			return
		}
		var encoded string
		require.NoError(f.t, json.Unmarshal(req.Params[0], &encoded))
		tx, err := base64.StdEncoding.DecodeString(encoded)
		require.NoError(f.t, err)
		f.sent = append(f.sent, tx)
		reply(base58.Encode(tx[1:65]))
	case "getSignatureStatuses":
		status := map[string]any{"confirmationStatus": "confirmed", "err": f.statusErr}
		reply(map[string]any{"value": []any{status}})
	default:
		f.t.Fatalf("unexpected method %s", req.Method)
	}
}

func newTestSolana(t *testing.T, account []byte) (*Solana, *fakeRPC, ed25519.PrivateKey) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	settings := DefaultSolanaSettings()
	settings.PollInterval = time.Millisecond
	rpc := &fakeRPC{t: t, programID: settings.ProgramID, account: account, payer: pub}
	srv := httptest.NewServer(rpc)
	t.Cleanup(srv.Close)
	settings.RPCURL = srv.URL

	s, err := NewSolana(settings, priv, nil)
	require.NoError(t, err)
	return s, rpc, priv
}

func randomKey(t *testing.T) []byte {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return pub
}

func TestSolanaQueryGrant(t *testing.T) {
	session := randomKey(t)
	owner := base58.Encode(randomKey(t))
	s, _, _ := newTestSolana(t, creditAccountData(5, session))

	g, err := s.QueryGrant(context.Background(), owner)
	require.NoError(t, err)
	assert.Equal(t, &Grant{Owner: owner, Credential: base58.Encode(session), Remaining: 5}, g)
}

func TestSolanaInvalidOwnerIsNotRetried(t *testing.T) {
	s, _, _ := newTestSolana(t, creditAccountData(5, randomKey(t)))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	_, err := WithRetry(s, time.Millisecond, nil).QueryGrant(ctx, "not-a-key!!")
	assert.ErrorIs(t, err, ErrInvalidOwner)
	assert.True(t, IsRejection(err))
	assert.Less(t, time.Since(start), time.Second)

	assert.ErrorIs(t, s.Spend(ctx, "not-a-key!!", "K1"), ErrInvalidOwner)
}

func TestSolanaQueryGrantWithoutSessionKey(t *testing.T) {
	owner := base58.Encode(randomKey(t))
	s, rpc, _ := newTestSolana(t, creditAccountData(5, nil))

	g, err := s.QueryGrant(context.Background(), owner)
	require.NoError(t, err)
	assert.Nil(t, g)

	rpc.account = nil
	g, err = s.QueryGrant(context.Background(), owner)
	require.NoError(t, err)
	assert.Nil(t, g)
}

func TestSolanaSpendSignsTransaction(t *testing.T) {
	session := randomKey(t)
	owner := base58.Encode(randomKey(t))
	s, rpc, priv := newTestSolana(t, creditAccountData(2, session))

	require.NoError(t, s.Spend(context.Background(), owner, base58.Encode(session)))
	require.Len(t, rpc.sent, 1)

	tx := rpc.sent[0]
	require.Equal(t, byte(1), tx[0])
	sig, msg := tx[1:65], tx[65:]
	assert.True(t, ed25519.Verify(priv.Public().(ed25519.PublicKey), msg, sig))

	// instruction data is the discriminator followed by the session key
	want := append(append([]byte(nil), spendCreditDiscriminator...), session...)
	assert.Equal(t, want, msg[len(msg)-len(want):])
}

func TestSolanaSpendRejections(t *testing.T) {
	session := randomKey(t)
	owner := base58.Encode(randomKey(t))
	ctx := context.Background()

	s, rpc, _ := newTestSolana(t, creditAccountData(0, session))
	assert.ErrorIs(t, s.Spend(ctx, owner, base58.Encode(session)), ErrExhausted)
	assert.ErrorIs(t, s.Spend(ctx, owner, base58.Encode(randomKey(t))), ErrCredentialMismatch)

	rpc.account = nil
	assert.ErrorIs(t, s.Spend(ctx, owner, base58.Encode(session)), ErrNoGrant)

	rpc.account = creditAccountData(1, session)
	rpc.statusErr = json.RawMessage(`{"InstructionError":[0,{"Custom":6000}]}`)
	assert.ErrorIs(t, s.Spend(ctx, owner, base58.Encode(session)), ErrExhausted)

	rpc.sendErrMsg = &rpcError{Code: rpcErrSimulationFailed, Message: "simulation failed"}
	assert.ErrorIs(t, s.Spend(ctx, owner, base58.Encode(session)), ErrExhausted)
	assert.Empty(t, rpc.sent[1:])
}
