package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"go.uber.org/zap"

	"github.com/unreal-ai/unreal-console/internal/auth"
	"github.com/unreal-ai/unreal-console/internal/config"
	"github.com/unreal-ai/unreal-console/internal/permit"
)

const (
	keyA = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	keyB = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
)

func mustKey(t *testing.T, h string) *ecdsa.PrivateKey {
	t.Helper()
	k, err := crypto.HexToECDSA(h)
	if err != nil {
		t.Fatal(err)
	}
	return k
}

func testPermit(owner common.Address) (permit.Message, permit.Domain) {
	return permit.Message{
			Owner:    owner,
			Spender:  common.HexToAddress("0x2222222222222222222222222222222222222222"),
			Value:    new(big.Int).Mul(big.NewInt(5), big.NewInt(1e18)),
			Nonce:    big.NewInt(0),
			Deadline: 1_700_003_600,
		}, permit.Domain{
			Name:              "Unreal Token",
			Version:           permit.Version,
			ChainID:           8192,
			VerifyingContract: common.HexToAddress("0xDeAdBeEfDeAdBeEfDeAdBeEfDeAdBeEfDeAdBeEf"),
		}
}

// exerciseConnector runs the signing checks every connector must pass once
// connected as want.
func exerciseConnector(t *testing.T, w Connector, want common.Address) {
	t.Helper()
	ctx := context.Background()

	addr, ok := w.Address()
	if !ok || addr != want {
		t.Fatalf("Address: got %s %v want %s", addr.Hex(), ok, want.Hex())
	}

	msg := []byte(`{"iss":"0x1","calls":5}`)
	sig, err := w.SignMessage(ctx, msg)
	if err != nil {
		t.Fatalf("SignMessage: %v", err)
	}
	if !auth.Verify(msg, sig, want) {
		t.Error("personal_sign signature does not recover the wallet address")
	}

	m, d := testPermit(want)
	sig, err = w.SignTypedData(ctx, permit.TypedData(m, d))
	if err != nil {
		t.Fatalf("SignTypedData: %v", err)
	}
	recovered, err := permit.Verify(m, d, sig)
	if err != nil || recovered != want {
		t.Errorf("typed data signer: got %s err=%v", recovered.Hex(), err)
	}

	to := common.HexToAddress("0xdead")
	chainID := big.NewInt(8192)
	tx := types.NewTx(&types.DynamicFeeTx{ChainID: chainID, Nonce: 4, GasTipCap: big.NewInt(1), GasFeeCap: big.NewInt(2), Gas: 21_000, To: &to, Value: big.NewInt(1)})
	signed, err := w.SignTx(ctx, tx, chainID)
	if err != nil {
		t.Fatalf("SignTx: %v", err)
	}
	from, err := types.Sender(types.LatestSignerForChainID(chainID), signed)
	if err != nil || from != want {
		t.Errorf("tx sender: got %s err=%v", from.Hex(), err)
	}
	if signed.Nonce() != 4 {
		t.Errorf("nonce: got %d", signed.Nonce())
	}
}

func assertNotConnected(t *testing.T, w Connector) {
	t.Helper()
	ctx := context.Background()
	if _, ok := w.Address(); ok {
		t.Error("Address should report not connected")
	}
	if _, err := w.SignMessage(ctx, []byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SignMessage: expected ErrNotConnected, got %v", err)
	}
	if _, err := w.SignTypedData(ctx, apitypes.TypedData{}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SignTypedData: expected ErrNotConnected, got %v", err)
	}
	if _, err := w.SignTx(ctx, types.NewTx(&types.DynamicFeeTx{}), big.NewInt(1)); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SignTx: expected ErrNotConnected, got %v", err)
	}
}

// ── Embedded ─────────────────────────────────────────────────────────────────

func TestEmbedded(t *testing.T) {
	w, err := NewEmbedded("0x"+keyA, 8192, zap.NewNop())
	if err != nil {
		t.Fatalf("NewEmbedded: %v", err)
	}
	assertNotConnected(t, w)

	want := crypto.PubkeyToAddress(mustKey(t, keyA).PublicKey)
	got, err := w.Connect(context.Background(), common.Address{})
	if err != nil || got != want {
		t.Fatalf("Connect: got %s err=%v", got.Hex(), err)
	}
	exerciseConnector(t, w, want)

	w.Disconnect()
	assertNotConnected(t, w)
}

func TestEmbedded_PreferredMismatch(t *testing.T) {
	w, _ := NewEmbedded(keyA, 8192, zap.NewNop())
	_, err := w.Connect(context.Background(), common.HexToAddress("0x01"))
	if !errors.Is(err, ErrUnknownAccount) {
		t.Fatalf("expected ErrUnknownAccount, got %v", err)
	}
}

func TestEmbedded_SwitchChain(t *testing.T) {
	w, _ := NewEmbedded(keyA, 8192, zap.NewNop())
	if err := w.SwitchChain(context.Background(), 8194); err != nil {
		t.Fatal(err)
	}
	if id, _ := w.ChainID(context.Background()); id != 8194 {
		t.Errorf("chain id: got %d want 8194", id)
	}
}

func TestNewEmbedded_BadKey(t *testing.T) {
	if _, err := NewEmbedded("not-a-key", 1, zap.NewNop()); err == nil {
		t.Fatal("expected error for malformed key")
	}
}

// ── Keystore ─────────────────────────────────────────────────────────────────

func newTestKeystore(t *testing.T) (*Keystore, common.Address, common.Address) {
	t.Helper()
	ks := keystore.NewKeyStore(t.TempDir(), keystore.LightScryptN, keystore.LightScryptP)
	a, err := ks.ImportECDSA(mustKey(t, keyA), "pw")
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	b, err := ks.ImportECDSA(mustKey(t, keyB), "pw")
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	return openKeystore(ks, "pw", 8192, zap.NewNop()), a.Address, b.Address
}

func TestKeystore_PreferredAccount(t *testing.T) {
	w, _, b := newTestKeystore(t)
	assertNotConnected(t, w)

	got, err := w.Connect(context.Background(), b)
	if err != nil || got != b {
		t.Fatalf("Connect: got %s err=%v", got.Hex(), err)
	}
	exerciseConnector(t, w, b)
	if len(w.Accounts()) != 2 {
		t.Errorf("accounts: got %d want 2", len(w.Accounts()))
	}

	w.Disconnect()
	assertNotConnected(t, w)
}

func TestKeystore_SwitchLocksPrevious(t *testing.T) {
	w, a, b := newTestKeystore(t)
	ctx := context.Background()
	if _, err := w.Connect(ctx, a); err != nil {
		t.Fatalf("Connect a: %v", err)
	}
	hash := auth.HashMessage([]byte("switch"))
	if _, err := w.ks.SignHash(accounts.Account{Address: a}, hash); err != nil {
		t.Fatalf("a should be unlocked: %v", err)
	}

	if _, err := w.Connect(ctx, b); err != nil {
		t.Fatalf("Connect b: %v", err)
	}
	if _, err := w.ks.SignHash(accounts.Account{Address: a}, hash); !errors.Is(err, keystore.ErrLocked) {
		t.Errorf("a should be locked after switching, got %v", err)
	}
	exerciseConnector(t, w, b)

	// Reconnecting the same account keeps it unlocked.
	if _, err := w.Connect(ctx, b); err != nil {
		t.Fatalf("reconnect b: %v", err)
	}
	if _, err := w.ks.SignHash(accounts.Account{Address: b}, hash); err != nil {
		t.Errorf("b should stay unlocked: %v", err)
	}
}

func TestKeystore_DefaultsToFirstAccount(t *testing.T) {
	w, _, _ := newTestKeystore(t)
	got, err := w.Connect(context.Background(), common.Address{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got != w.Accounts()[0] {
		t.Errorf("got %s want first account %s", got.Hex(), w.Accounts()[0].Hex())
	}
}

func TestKeystore_UnknownAccount(t *testing.T) {
	w, _, _ := newTestKeystore(t)
	_, err := w.Connect(context.Background(), common.HexToAddress("0x01"))
	if !errors.Is(err, ErrUnknownAccount) {
		t.Fatalf("expected ErrUnknownAccount, got %v", err)
	}
}

func TestKeystore_WrongPassphrase(t *testing.T) {
	ks := keystore.NewKeyStore(t.TempDir(), keystore.LightScryptN, keystore.LightScryptP)
	if _, err := ks.ImportECDSA(mustKey(t, keyA), "right"); err != nil {
		t.Fatal(err)
	}
	w := openKeystore(ks, "wrong", 8192, zap.NewNop())
	if _, err := w.Connect(context.Background(), common.Address{}); err == nil {
		t.Fatal("expected unlock failure")
	}
}

// ── Injected (EIP-1193 over JSON-RPC) ────────────────────────────────────────

type fakeProvider struct {
	key      *ecdsa.PrivateKey
	addr     common.Address
	chainID  int64
	switched string
}

type providerEth struct{ p *fakeProvider }

func (e *providerEth) RequestAccounts() []common.Address { return []common.Address{e.p.addr} }

func (e *providerEth) ChainId() *hexutil.Big { return (*hexutil.Big)(big.NewInt(e.p.chainID)) }

func (e *providerEth) SignTypedData_v4(_ common.Address, data apitypes.TypedData) (hexutil.Bytes, error) {
	digest, _, err := apitypes.TypedDataAndHash(data)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(digest, e.p.key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

func (e *providerEth) SignTransaction(args txArgs) (hexutil.Bytes, error) {
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   args.ChainID.ToInt(),
		Nonce:     uint64(args.Nonce),
		GasTipCap: args.MaxPriorityFeePerGas.ToInt(),
		GasFeeCap: args.MaxFeePerGas.ToInt(),
		Gas:       uint64(args.Gas),
		To:        args.To,
		Value:     args.Value.ToInt(),
		Data:      args.Data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(args.ChainID.ToInt()), e.p.key)
	if err != nil {
		return nil, err
	}
	return signed.MarshalBinary()
}

type providerPersonal struct{ p *fakeProvider }

func (s *providerPersonal) Sign(msg hexutil.Bytes, _ common.Address) (hexutil.Bytes, error) {
	return auth.Sign(msg, s.p.key)
}

type providerWallet struct{ p *fakeProvider }

func (s *providerWallet) SwitchEthereumChain(param map[string]string) error {
	s.p.switched = param["chainId"]
	return nil
}

func startProvider(t *testing.T) (*fakeProvider, string) {
	t.Helper()
	key := mustKey(t, keyB)
	p := &fakeProvider{key: key, addr: crypto.PubkeyToAddress(key.PublicKey), chainID: 8192}
	srv := rpc.NewServer()
	for ns, svc := range map[string]any{"eth": &providerEth{p}, "personal": &providerPersonal{p}, "wallet": &providerWallet{p}} {
		if err := srv.RegisterName(ns, svc); err != nil {
			t.Fatalf("register %s: %v", ns, err)
		}
	}
	hs := httptest.NewServer(srv)
	t.Cleanup(func() {
		hs.Close()
		srv.Stop()
	})
	return p, hs.URL
}

func TestInjected(t *testing.T) {
	p, url := startProvider(t)
	w, err := New(config.WalletConfig{Kind: config.WalletInjected, ProviderURL: url}, 8192, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	assertNotConnected(t, w)

	got, err := w.Connect(context.Background(), common.Address{})
	if err != nil || got != p.addr {
		t.Fatalf("Connect: got %s err=%v", got.Hex(), err)
	}
	exerciseConnector(t, w, p.addr)

	id, err := w.ChainID(context.Background())
	if err != nil || id != 8192 {
		t.Errorf("ChainID: got %d err=%v", id, err)
	}
	if err := w.SwitchChain(context.Background(), 8194); err != nil {
		t.Fatalf("SwitchChain: %v", err)
	}
	if p.switched != "0x2002" {
		t.Errorf("switch param: got %q want 0x2002", p.switched)
	}
}

func TestInjected_PreferredNotExposed(t *testing.T) {
	_, url := startProvider(t)
	w, err := NewInjected(url, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	if _, err := w.Connect(context.Background(), common.HexToAddress("0x01")); !errors.Is(err, ErrUnknownAccount) {
		t.Fatalf("expected ErrUnknownAccount, got %v", err)
	}
}

// ── Factory ──────────────────────────────────────────────────────────────────

func TestNew_SelectsKind(t *testing.T) {
	w, err := New(config.WalletConfig{Kind: config.WalletEmbedded, PrivateKey: keyA}, 8192, zap.NewNop())
	if err != nil || w.Kind() != config.WalletEmbedded {
		t.Fatalf("embedded: got %v err=%v", w, err)
	}
	w, err = New(config.WalletConfig{Kind: config.WalletKeystore, KeystoreDir: t.TempDir()}, 8192, zap.NewNop())
	if err != nil || w.Kind() != config.WalletKeystore {
		t.Fatalf("keystore: got %v err=%v", w, err)
	}
	if _, err := New(config.WalletConfig{Kind: "hardware"}, 8192, zap.NewNop()); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}
