package registration

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"

	"github.com/unreal-ai/unreal-console/internal/auth"
	"github.com/unreal-ai/unreal-console/internal/backend"
	"github.com/unreal-ai/unreal-console/internal/chains"
	"github.com/unreal-ai/unreal-console/internal/permit"
	"github.com/unreal-ai/unreal-console/internal/session"
	"github.com/unreal-ai/unreal-console/internal/token"
	"github.com/unreal-ai/unreal-console/internal/wallet"
)

// Anvil's second default account.
const userKeyHex = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"

var (
	userAddr   = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	issuerAddr = common.HexToAddress("0x2222222222222222222222222222222222222222")
	fixedNow   = time.Unix(1_700_000_000, 0)
)

// ── Fakes ────────────────────────────────────────────────────────────────────

type fakeBackend struct {
	mu        sync.Mutex
	system    *backend.SystemInfo
	systemErr error
	regErr    error
	requests  []backend.RegisterRequest
}

func (f *fakeBackend) SigningAddress(context.Context) (common.Address, error) {
	return issuerAddr, nil
}

func (f *fakeBackend) System(context.Context) (*backend.SystemInfo, error) {
	return f.system, f.systemErr
}

func (f *fakeBackend) Register(_ context.Context, req backend.RegisterRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.regErr != nil {
		return "", f.regErr
	}
	return "jwt-1", nil
}

func (f *fakeBackend) sent() []backend.RegisterRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backend.RegisterRequest(nil), f.requests...)
}

type fakeTokens struct {
	balance  *big.Int
	nameErr  error
	decimals uint8
}

func (f *fakeTokens) Name(context.Context, common.Address, int64) (string, error) {
	return "Unreal Token", f.nameErr
}

func (f *fakeTokens) Nonces(context.Context, common.Address, common.Address, int64) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (f *fakeTokens) Balance(context.Context, common.Address, common.Address, int64) (*big.Int, error) {
	return f.balance, nil
}

func (f *fakeTokens) Allowance(context.Context, common.Address, common.Address, common.Address, int64) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (f *fakeTokens) Decimals(context.Context, common.Address, int64) (uint8, error) {
	return f.decimals, nil
}

type fixture struct {
	orch    *Orchestrator
	backend *fakeBackend
	tokens  *fakeTokens
	state   *session.State
	wallet  *wallet.Embedded
}

func newFixture(t *testing.T, chainID int64) *fixture {
	t.Helper()
	w, err := wallet.NewEmbedded(userKeyHex, chainID, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Connect(context.Background(), common.Address{}); err != nil {
		t.Fatal(err)
	}
	fb := &fakeBackend{}
	ft := &fakeTokens{balance: new(big.Int), decimals: 18}
	st := session.New(&session.MemoryStore{}, zap.NewNop())
	orch := New(Deps{
		Wallet:   w,
		Backend:  fb,
		Tokens:   ft,
		Registry: chains.NewRegistry(),
		Session:  st,
	}, Options{Now: func() time.Time { return fixedNow }}, zap.NewNop())
	return &fixture{orch: orch, backend: fb, tokens: ft, state: st, wallet: w}
}

func decodePayload(t *testing.T, req backend.RegisterRequest) Payload {
	t.Helper()
	var p Payload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	return p
}

// ── Payload ──────────────────────────────────────────────────────────────────

func TestPayload_JSONKeys(t *testing.T) {
	tok := common.HexToAddress("0xaa")
	p := BuildPayload(issuerAddr, userAddr, 5, &tok, 8192, fixedNow, time.Hour)
	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	json.Unmarshal(raw, &m)
	for _, k := range []string{"iss", "iat", "sub", "exp", "calls", "paymentToken", "chainId"} {
		if _, ok := m[k]; !ok {
			t.Errorf("key %q missing from %s", k, raw)
		}
	}
	if p.Expiry-p.IssuedAt != 3600 {
		t.Errorf("expiry window: got %ds want 3600s", p.Expiry-p.IssuedAt)
	}
}

func TestPayload_RoundTripKeepsOptionality(t *testing.T) {
	tok := common.HexToAddress("0xaa")
	for _, p := range []Payload{
		BuildPayload(issuerAddr, userAddr, 5, &tok, 8192, fixedNow, time.Hour),
		BuildPayload(issuerAddr, userAddr, 0, nil, 8192, fixedNow, time.Hour),
	} {
		raw, _ := json.Marshal(p)
		var back Payload
		if err := json.Unmarshal(raw, &back); err != nil {
			t.Fatal(err)
		}
		if (back.PaymentToken == nil) != (p.PaymentToken == nil) || (back.ChainID == nil) != (p.ChainID == nil) {
			t.Errorf("optional fields changed: %s", raw)
		}
		if back.PaymentToken != nil && *back.PaymentToken != *p.PaymentToken {
			t.Errorf("paymentToken: got %s", back.PaymentToken.Hex())
		}
		if back.ChainID != nil && *back.ChainID != *p.ChainID {
			t.Errorf("chainId: got %d", *back.ChainID)
		}
		if back.Issuer != p.Issuer || back.Subject != p.Subject || back.CallQuota != p.CallQuota || back.Expiry != p.Expiry {
			t.Errorf("round trip: got %+v want %+v", back, p)
		}
	}
}

func TestPayload_NoTokenOmitsChain(t *testing.T) {
	raw, _ := json.Marshal(BuildPayload(issuerAddr, userAddr, 3, nil, 8192, fixedNow, time.Hour))
	var m map[string]any
	json.Unmarshal(raw, &m)
	if _, ok := m["paymentToken"]; ok {
		t.Error("paymentToken should be omitted")
	}
	if _, ok := m["chainId"]; ok {
		t.Error("chainId should be omitted")
	}
}

// ── Register ─────────────────────────────────────────────────────────────────

func TestRegister_ZeroQuotaSkipsPermit(t *testing.T) {
	fx := newFixture(t, 8192)
	res, err := fx.orch.Register(context.Background(), 0)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if res.Permit != nil {
		t.Error("no permit expected for a zero quota")
	}
	reqs := fx.backend.sent()
	if len(reqs) != 1 {
		t.Fatalf("requests: got %d want 1", len(reqs))
	}
	if reqs[0].Permit != nil || reqs[0].PermitSignature != "" {
		t.Error("permit sent with zero quota")
	}
	var m map[string]any
	if err := json.Unmarshal(reqs[0].Payload, &m); err != nil {
		t.Fatal(err)
	}
	if _, ok := m["paymentToken"]; ok {
		t.Errorf("paymentToken sent without a permit: %s", reqs[0].Payload)
	}
	if _, ok := m["chainId"]; ok {
		t.Errorf("chainId sent without a permit: %s", reqs[0].Payload)
	}
}

func TestPayload_ZeroQuotaOmitsToken(t *testing.T) {
	tok := common.HexToAddress("0xaa")
	p := BuildPayload(issuerAddr, userAddr, 0, &tok, 8192, fixedNow, time.Hour)
	if p.PaymentToken != nil || p.ChainID != nil {
		t.Errorf("zero quota: paymentToken %v chainId %v", p.PaymentToken, p.ChainID)
	}
}

func TestRegister_PositiveQuotaSendsPermit(t *testing.T) {
	fx := newFixture(t, 8192)
	ctx := context.Background()

	res, err := fx.orch.Register(ctx, 5)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	req := fx.backend.sent()[0]
	if req.Permit == nil || req.PermitSignature == "" {
		t.Fatal("permit and permitSignature must both be sent")
	}
	want := token.Units(5, 18)
	if req.Permit.Value.Cmp(want) != 0 {
		t.Errorf("permit value: got %s want %s", req.Permit.Value, want)
	}
	if req.Permit.Spender != issuerAddr || req.Permit.Owner != userAddr {
		t.Errorf("permit parties: owner %s spender %s", req.Permit.Owner.Hex(), req.Permit.Spender.Hex())
	}
	if req.Permit.Deadline != fixedNow.Add(time.Hour).Unix() {
		t.Errorf("deadline: got %d", req.Permit.Deadline)
	}

	p := decodePayload(t, req)
	defaultToken, _ := chains.NewRegistry().UnrealTokenAddress(8192)
	if p.PaymentToken == nil || *p.PaymentToken != defaultToken {
		t.Errorf("payload paymentToken: %v", p.PaymentToken)
	}
	if p.ChainID == nil || *p.ChainID != 8192 {
		t.Errorf("payload chainId: %v", p.ChainID)
	}

	sig, _ := hexutil.Decode(req.Signature)
	if !auth.Verify(req.Payload, sig, userAddr) {
		t.Error("payload signature does not recover to the wallet")
	}
	psig, _ := hexutil.Decode(req.PermitSignature)
	signer, err := permit.Verify(*req.Permit, res.Permit.Domain, psig)
	if err != nil || signer != userAddr {
		t.Errorf("permit signer: got %s err=%v", signer.Hex(), err)
	}

	snap := fx.state.Snapshot()
	if !snap.Authenticated || snap.Token != "jwt-1" {
		t.Errorf("session not persisted: %+v", snap)
	}
}

func TestRegister_PermitFailureSendsNothing(t *testing.T) {
	fx := newFixture(t, 8192)
	fx.tokens.nameErr = errors.New("rpc down")

	_, err := fx.orch.Register(context.Background(), 5)
	var pe *PermitError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *PermitError, got %v", err)
	}
	if n := len(fx.backend.sent()); n != 0 {
		t.Errorf("backend received %d requests after a permit failure", n)
	}
	if fx.state.Snapshot().Authenticated {
		t.Error("session must not change on failure")
	}
}

func TestRegister_NoTokenMeansNoPermit(t *testing.T) {
	// Sepolia has no payment token and the backend knows none either.
	fx := newFixture(t, 11155111)

	if _, err := fx.orch.Register(context.Background(), 5); err != nil {
		t.Fatalf("Register: %v", err)
	}
	req := fx.backend.sent()[0]
	if req.Permit != nil {
		t.Error("no permit without a payment token")
	}
	p := decodePayload(t, req)
	if p.PaymentToken != nil || p.ChainID != nil {
		t.Errorf("token fields present without a permit: %s", req.Payload)
	}
}

func TestRegister_BackendTokenWins(t *testing.T) {
	fx := newFixture(t, 8192)
	override := "0x00000000000000000000000000000000000000cc"
	fx.backend.system = &backend.SystemInfo{PaymentTokens: map[string]string{"8192": override}}

	if _, err := fx.orch.Register(context.Background(), 1); err != nil {
		t.Fatalf("Register: %v", err)
	}
	p := decodePayload(t, fx.backend.sent()[0])
	if p.PaymentToken == nil || *p.PaymentToken != common.HexToAddress(override) {
		t.Errorf("paymentToken: got %v want %s", p.PaymentToken, override)
	}
}

func TestRegister_SystemErrorFallsBackToRegistry(t *testing.T) {
	fx := newFixture(t, 8192)
	fx.backend.systemErr = errors.New("503")

	if _, err := fx.orch.Register(context.Background(), 1); err != nil {
		t.Fatalf("Register: %v", err)
	}
	p := decodePayload(t, fx.backend.sent()[0])
	if p.PaymentToken == nil {
		t.Error("expected the registry token")
	}
}

func TestRegister_BackendFailure(t *testing.T) {
	fx := newFixture(t, 8192)
	fx.backend.regErr = &backend.HTTPError{Method: "POST", Path: "/auth/register", Status: 402, Body: `{"error":"insufficient allowance"}`}

	_, err := fx.orch.Register(context.Background(), 0)
	var be *BackendError
	if !errors.As(err, &be) {
		t.Fatalf("expected *BackendError, got %v", err)
	}
	if be.Status() != 402 {
		t.Errorf("status: got %d want 402", be.Status())
	}
	if fx.state.Snapshot().Authenticated {
		t.Error("session must not change on failure")
	}
}

func TestRegister_WalletNotConnected(t *testing.T) {
	fx := newFixture(t, 8192)
	fx.wallet.Disconnect()
	if _, err := fx.orch.Register(context.Background(), 1); !errors.Is(err, wallet.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestRegister_NegativeQuota(t *testing.T) {
	fx := newFixture(t, 8192)
	if _, err := fx.orch.Register(context.Background(), -1); err == nil {
		t.Fatal("expected error for negative quota")
	}
}

// ── AutoRegister ─────────────────────────────────────────────────────────────

func TestAutoRegister_QuotaFromBalance(t *testing.T) {
	fx := newFixture(t, 8192)
	// 5.9 tokens buy 5 calls.
	fx.tokens.balance = new(big.Int).Add(token.Units(5, 18), token.Units(9, 17))

	res, err := fx.orch.AutoRegister(context.Background())
	if err != nil {
		t.Fatalf("AutoRegister: %v", err)
	}
	if res.Payload.CallQuota != 5 {
		t.Errorf("quota: got %d want 5", res.Payload.CallQuota)
	}
	if res.Permit == nil {
		t.Error("expected a permit")
	}
}

func TestAutoRegister_EmptyBalance(t *testing.T) {
	fx := newFixture(t, 8192)
	res, err := fx.orch.AutoRegister(context.Background())
	if err != nil {
		t.Fatalf("AutoRegister: %v", err)
	}
	if res.Payload.CallQuota != 0 || res.Permit != nil {
		t.Errorf("zero balance: quota %d permit %v", res.Payload.CallQuota, res.Permit != nil)
	}
	if res.Payload.PaymentToken != nil || res.Payload.ChainID != nil {
		t.Error("zero balance: token fields present without a permit")
	}
}
