//go:build e2e

package main

// E2E tests drive the full facilitator stack against a live testnet: a real
// EIP-3009 authorization is verified, settled on chain, and replayed.
//
// Prerequisites:
//
//	FACILITATOR_WALLET_PRIVATE_KEY=0x<key>  facilitator signer, funded for gas
//	E2E_PAYER_KEY=0x<key>                   payer holding testnet USDC
//	E2E_NETWORK                             (optional; default eip155:84532)
//	E2E_AMOUNT                              (optional; default 1000 = 0.001 USDC)
//	RPC_URL_<chainid>                       (optional RPC override)
//
// Run with:
//
//	go test -v -tags e2e ./cmd/facilitator/ -run TestE2E -timeout 10m

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/x402-facilitator/internal/config"
	"github.com/0gfoundation/x402-facilitator/internal/eip712"
	"github.com/0gfoundation/x402-facilitator/internal/networks"
	"github.com/0gfoundation/x402-facilitator/internal/x402"
)

// ── Shared E2E environment ────────────────────────────────────────────────────

type e2eEnv struct {
	srv      *httptest.Server
	app      *app
	chain    networks.Chain
	payerKey *ecdsa.PrivateKey
	amount   *big.Int
	cancel   context.CancelFunc
}

var globalE2E *e2eEnv

// TestMain starts the shared E2E environment once for all tests. If a key is
// missing or setup fails, globalE2E stays nil and every TestE2E_* skips.
func TestMain(m *testing.M) {
	if os.Getenv("E2E_PAYER_KEY") != "" && os.Getenv("FACILITATOR_WALLET_PRIVATE_KEY") != "" {
		env, err := setupE2E()
		if err != nil {
			fmt.Fprintf(os.Stderr, "[E2E] setup skipped: %v\n", err)
		} else {
			globalE2E = env
		}
	}
	code := m.Run()
	if globalE2E != nil {
		globalE2E.cancel()
		globalE2E.srv.Close()
		globalE2E.app.chains.Close()
	}
	os.Exit(code)
}

func setupE2E() (*e2eEnv, error) {
	network := envOrDefault("E2E_NETWORK", networks.BaseSepolia)
	os.Setenv("ENABLED_NETWORKS", network)   //nolint:errcheck
	os.Setenv("FACILITATOR_FEE_AMOUNT", "0") //nolint:errcheck
	os.Setenv("WHITELIST_SOURCES", "manual") //nolint:errcheck

	payerKey, err := crypto.HexToECDSA(strings.TrimPrefix(os.Getenv("E2E_PAYER_KEY"), "0x"))
	if err != nil {
		return nil, fmt.Errorf("E2E_PAYER_KEY: %w", err)
	}
	os.Setenv("MANUAL_WHITELIST", crypto.PubkeyToAddress(payerKey.PublicKey).Hex()) //nolint:errcheck

	amount, ok := new(big.Int).SetString(envOrDefault("E2E_AMOUNT", "1000"), 10)
	if !ok {
		return nil, fmt.Errorf("E2E_AMOUNT: not an integer")
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	mr, err := miniredis.Run()
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	log, _ := zap.NewDevelopment()
	a, err := build(cfg, rdb, log)
	if err != nil {
		return nil, err
	}
	pair, err := a.chains.ForNetwork(network)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	go a.fees.RunRetryWorker(ctx, a.networks)

	return &e2eEnv{
		srv:      httptest.NewServer(a.router),
		app:      a,
		chain:    pair.Chain,
		payerKey: payerKey,
		amount:   amount,
		cancel:   cancel,
	}, nil
}

// ── E2E helpers ───────────────────────────────────────────────────────────────

func e2eSkip(t *testing.T) {
	t.Helper()
	if globalE2E == nil {
		t.Skip("E2E environment not set up; set E2E_PAYER_KEY and FACILITATOR_WALLET_PRIVATE_KEY to enable")
	}
}

// e2eBody builds a signed /verify and /settle body paying the facilitator's
// own address, so funds stay in the test accounts.
func (e *e2eEnv) e2eBody(t *testing.T) []byte {
	t.Helper()
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		t.Fatal(err)
	}
	payTo := e.app.chains.Address()
	now := time.Now().Unix()
	a := eip712.TransferAuthorization{
		From:        crypto.PubkeyToAddress(e.payerKey.PublicKey),
		To:          payTo,
		Value:       e.amount,
		ValidAfter:  big.NewInt(now - 60),
		ValidBefore: big.NewInt(now + 600),
		Nonce:       nonce,
	}
	sig, err := eip712.SignTransferWithAuthorization(e.payerKey, eip712.Domain{
		Name:              e.chain.Token.Name,
		Version:           e.chain.Token.Version,
		ChainID:           e.chain.ChainID,
		VerifyingContract: e.chain.Token.Address,
	}, a)
	if err != nil {
		t.Fatal(err)
	}
	payload, _ := json.Marshal(x402.ExactPayload{
		Signature: hexutil.Encode(sig),
		Authorization: &x402.Authorization{
			From:        a.From.Hex(),
			To:          a.To.Hex(),
			Value:       a.Value.String(),
			ValidAfter:  a.ValidAfter.String(),
			ValidBefore: a.ValidBefore.String(),
			Nonce:       hexutil.Encode(nonce[:]),
		},
	})
	req := x402.PaymentRequirements{
		Scheme:            x402.SchemeExact,
		Network:           e.chain.Network,
		Amount:            e.amount.String(),
		Asset:             e.chain.Token.Address.Hex(),
		PayTo:             payTo.Hex(),
		MaxTimeoutSeconds: 600,
	}
	body, _ := json.Marshal(x402.VerifyRequest{
		PaymentPayload:      &x402.PaymentPayload{X402Version: x402.SupportedVersion, Accepted: &req, Payload: payload},
		PaymentRequirements: &req,
	})
	return body
}

func (e *e2eEnv) e2ePost(t *testing.T, path string, body []byte, out interface{}) {
	t.Helper()
	resp, err := http.Post(e.srv.URL+path, "application/json", strings.NewReader(string(body)))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST %s: got %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("POST %s: decode: %v", path, err)
	}
}

// ── Tests ─────────────────────────────────────────────────────────────────────

// TestE2E_VerifySettleReplay settles one real authorization and checks that
// replaying it is refused.
func TestE2E_VerifySettleReplay(t *testing.T) {
	e2eSkip(t)
	env := globalE2E
	body := env.e2eBody(t)

	var v x402.VerifyResponse
	env.e2ePost(t, "/verify", body, &v)
	if !v.IsValid {
		t.Fatalf("verify rejected: %s", v.InvalidReason)
	}

	var s x402.SettleResponse
	env.e2ePost(t, "/settle", body, &s)
	if !s.Success {
		t.Fatalf("settle failed: %s (tx %s)", s.ErrorReason, s.Transaction)
	}
	t.Logf("settled: %s", s.Transaction)

	var replay x402.SettleResponse
	env.e2ePost(t, "/settle", body, &replay)
	if replay.Success || replay.ErrorReason != x402.ErrorAuthorizationUsed {
		t.Fatalf("replay: %+v", replay)
	}

	var again x402.VerifyResponse
	env.e2ePost(t, "/verify", body, &again)
	if again.IsValid || again.InvalidReason != x402.ReasonPayloadNonceUsed {
		t.Fatalf("verify after settle: %+v", again)
	}
}

func envOrDefault(key, dflt string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return dflt
}
