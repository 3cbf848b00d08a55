package facilitator

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/x402-facilitator/internal/chain"
	"github.com/0gfoundation/x402-facilitator/internal/chain/chaintest"
	"github.com/0gfoundation/x402-facilitator/internal/eip712"
	"github.com/0gfoundation/x402-facilitator/internal/fee"
	"github.com/0gfoundation/x402-facilitator/internal/networks"
	"github.com/0gfoundation/x402-facilitator/internal/whitelist"
	"github.com/0gfoundation/x402-facilitator/internal/x402"
)

const network = networks.OptimismSepolia

var (
	merchant        = common.HexToAddress("0x2222222222222222222222222222222222222222")
	facilitatorAddr = common.HexToAddress("0xFAC1000000000000000000000000000000000001")
	splitterAddr    = common.HexToAddress("0x5511000000000000000000000000000000000055")
	seller          = common.HexToAddress("0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")
	salt            = [32]byte{31: 0x01}

	testNow = time.Unix(1_750_000_000, 0)
)

type fixtureOpts struct {
	fee            int64
	notWhitelisted bool
	noSigner       bool
	noRedis        bool
	whitelist      Whitelist
}

type fixture struct {
	f     *Facilitator
	prov  *chaintest.Provider
	rdb   *redis.Client
	mr    *miniredis.Miniredis
	key   *ecdsa.PrivateKey
	payer common.Address
	chain networks.Chain
	nonce int64
}

func newFixture(t *testing.T, o fixtureOpts) *fixture {
	t.Helper()
	reg, err := networks.NewRegistry(map[string]networks.Override{
		network: {Splitter: splitterAddr.Hex()},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	signer := facilitatorAddr
	if o.noSigner {
		signer = common.Address{}
	}
	prov := chaintest.NewProvider(reg, signer)

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	payer := crypto.PubkeyToAddress(key.PublicKey)

	c, _ := reg.Get(network)
	r := prov.Reader(network)
	r.SetBalance(payer, 1_000_000)
	r.SetAllowance(merchant, facilitatorAddr, 1_000_000)
	r.SetAllowance(payer, eip712.Permit2Address, 1_000_000)

	fx := &fixture{prov: prov, key: key, payer: payer, chain: c}
	if !o.noRedis {
		fx.mr = miniredis.RunT(t)
		fx.rdb = redis.NewClient(&redis.Options{Addr: fx.mr.Addr()})
	}

	wl := o.whitelist
	if wl == nil {
		var manual []string
		if !o.notWhitelisted {
			manual = []string{payer.Hex()}
		}
		wl = whitelist.New(prov, reg, whitelist.Options{Manual: manual, TTL: time.Minute}, zap.NewNop())
	}
	fees := fee.New(prov, fx.rdb, fee.Options{
		Amount:        big.NewInt(o.fee),
		MaxAttempts:   3,
		RetryInterval: time.Second,
	}, zap.NewNop())

	fx.f = New(reg, prov, wl, fees, fx.rdb, Options{
		SplitterMinAmount: big.NewInt(10_000),
		ReceiptTimeout:    5 * time.Second,
		Now:               func() time.Time { return testNow },
	}, zap.NewNop())
	return fx
}

func (fx *fixture) requirements(amount string) *x402.PaymentRequirements {
	return &x402.PaymentRequirements{
		Scheme:            x402.SchemeExact,
		Network:           network,
		Amount:            amount,
		Asset:             fx.chain.Token.Address.Hex(),
		PayTo:             merchant.Hex(),
		MaxTimeoutSeconds: 60,
		Extra:             &x402.Extra{Name: fx.chain.Token.Name, Version: fx.chain.Token.Version},
	}
}

func (fx *fixture) nextNonce() [32]byte {
	fx.nonce++
	return crypto.Keccak256Hash(big.NewInt(fx.nonce).Bytes())
}

// ── EIP-3009 ──────────────────────────────────────────────────────────────────

func (fx *fixture) auth(value int64) eip712.TransferAuthorization {
	return eip712.TransferAuthorization{
		From:        fx.payer,
		To:          merchant,
		Value:       big.NewInt(value),
		ValidAfter:  big.NewInt(testNow.Unix() - 60),
		ValidBefore: big.NewInt(testNow.Unix() + 300),
		Nonce:       fx.nextNonce(),
	}
}

func (fx *fixture) domain() eip712.Domain {
	return eip712.Domain{
		Name:              fx.chain.Token.Name,
		Version:           fx.chain.Token.Version,
		ChainID:           fx.chain.ChainID,
		VerifyingContract: fx.chain.Token.Address,
	}
}

func (fx *fixture) signAuth(t *testing.T, a eip712.TransferAuthorization) *x402.ExactPayload {
	t.Helper()
	sig, err := eip712.SignTransferWithAuthorization(fx.key, fx.domain(), a)
	if err != nil {
		t.Fatal(err)
	}
	return &x402.ExactPayload{Signature: hexutil.Encode(sig), Authorization: wireAuth(a)}
}

// splitterAuth is signed over the seller/salt-derived nonce and addressed to
// the splitter.
func (fx *fixture) splitterAuth(t *testing.T, value int64) *x402.ExactPayload {
	t.Helper()
	a := fx.auth(value)
	a.To = splitterAddr
	a.Nonce = eip712.SplitterNonce(seller, salt)
	p := fx.signAuth(t, a)
	p.Seller = seller.Hex()
	p.Salt = hexutil.Encode(salt[:])
	return p
}

func wireAuth(a eip712.TransferAuthorization) *x402.Authorization {
	return &x402.Authorization{
		From:        a.From.Hex(),
		To:          a.To.Hex(),
		Value:       a.Value.String(),
		ValidAfter:  a.ValidAfter.String(),
		ValidBefore: a.ValidBefore.String(),
		Nonce:       hexutil.Encode(a.Nonce[:]),
	}
}

// ── Permit2 ───────────────────────────────────────────────────────────────────

func (fx *fixture) permit(value int64) eip712.PermitWitness {
	fx.nonce++
	return eip712.PermitWitness{
		Owner:      fx.payer,
		Token:      fx.chain.Token.Address,
		Amount:     big.NewInt(value),
		Spender:    chain.X402ExactPermit2Proxy,
		Nonce:      big.NewInt(fx.nonce),
		Deadline:   big.NewInt(testNow.Unix() + 300),
		To:         merchant,
		ValidAfter: big.NewInt(testNow.Unix() - 60),
		Extra:      []byte{},
	}
}

func (fx *fixture) signPermit(t *testing.T, p eip712.PermitWitness) *x402.ExactPayload {
	t.Helper()
	sig, err := eip712.SignPermitWitness(fx.key, fx.chain.ChainID, p)
	if err != nil {
		t.Fatal(err)
	}
	return &x402.ExactPayload{Signature: hexutil.Encode(sig), Permit2Authorization: wirePermit(p)}
}

func (fx *fixture) splitterPermit(t *testing.T, value int64) *x402.ExactPayload {
	t.Helper()
	p := fx.permit(value)
	p.Spender = splitterAddr
	p.To = splitterAddr
	p.Extra = eip712.SplitterWitnessExtra(seller, salt)
	out := fx.signPermit(t, p)
	out.Seller = seller.Hex()
	out.Salt = hexutil.Encode(salt[:])
	return out
}

func wirePermit(p eip712.PermitWitness) *x402.Permit2Authorization {
	return &x402.Permit2Authorization{
		From:      p.Owner.Hex(),
		Permitted: x402.TokenPermissions{Token: p.Token.Hex(), Amount: p.Amount.String()},
		Spender:   p.Spender.Hex(),
		Nonce:     p.Nonce.String(),
		Deadline:  p.Deadline.String(),
		Witness: x402.Witness{
			To:         p.To.Hex(),
			ValidAfter: p.ValidAfter.String(),
			Extra:      hexutil.Encode(p.Extra),
		},
	}
}

// ── envelope ──────────────────────────────────────────────────────────────────

func wrap(t *testing.T, req *x402.PaymentRequirements, p *x402.ExactPayload) *x402.PaymentPayload {
	t.Helper()
	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	accepted := *req
	return &x402.PaymentPayload{
		X402Version: x402.SupportedVersion,
		Resource:    &x402.ResourceInfo{URL: "https://api.example.com/premium"},
		Accepted:    &accepted,
		Payload:     raw,
	}
}

type panicWhitelist struct{}

func (panicWhitelist) IsAgentWhitelisted(context.Context, string, string) whitelist.Result {
	panic("whitelist exploded")
}
