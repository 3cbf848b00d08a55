package facilitator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/0gfoundation/x402-facilitator/internal/chain"
	"github.com/0gfoundation/x402-facilitator/internal/eip712"
	"github.com/0gfoundation/x402-facilitator/internal/fee"
	"github.com/0gfoundation/x402-facilitator/internal/x402"
)

// ── end to end ────────────────────────────────────────────────────────────────

func TestSettle_EndToEnd_SecondAttemptAlreadyUsed(t *testing.T) {
	for _, withRedis := range []bool{true, false} {
		t.Run(fmt.Sprintf("redis=%v", withRedis), func(t *testing.T) {
			fx := newFixture(t, fixtureOpts{noRedis: !withRedis})
			req := fx.requirements("100000")
			payload := wrap(t, req, fx.signAuth(t, fx.auth(100_000)))

			first := fx.f.Settle(context.Background(), payload, req)
			if !first.Success {
				t.Fatalf("first settle: %q", first.ErrorReason)
			}
			if first.Transaction == "" || first.Network != network || first.Payer != fx.payer.Hex() {
				t.Fatalf("first settle: %+v", first)
			}

			second := fx.f.Settle(context.Background(), payload, req)
			if second.Success || second.ErrorReason != x402.ErrorAuthorizationUsed {
				t.Fatalf("second settle: %+v", second)
			}
			if second.Transaction != "" {
				t.Errorf("rejected settle must carry an empty transaction, got %q", second.Transaction)
			}
			if n := len(fx.prov.Writer(network).Calls()); n != 1 {
				t.Errorf("expected exactly one submission, got %d", n)
			}
		})
	}
}

func TestSettle_DoneRecordShortCircuitsChain(t *testing.T) {
	fx := newFixture(t, fixtureOpts{})
	req := fx.requirements("100000")
	payload := wrap(t, req, fx.signAuth(t, fx.auth(100_000)))
	fx.f.Settle(context.Background(), payload, req)

	r := fx.prov.Reader(network)
	before := r.Calls()
	fx.f.Settle(context.Background(), payload, req)
	if r.Calls() != before {
		t.Fatalf("a recorded settlement must not read the chain (%d -> %d)", before, r.Calls())
	}
}

// ── direct paths ──────────────────────────────────────────────────────────────

func TestSettle_EIP3009_CallsTransferWithAuthorization(t *testing.T) {
	fx := newFixture(t, fixtureOpts{})
	req := fx.requirements("100000")
	a := fx.auth(100_000)
	resp := fx.f.Settle(context.Background(), wrap(t, req, fx.signAuth(t, a)), req)
	if !resp.Success {
		t.Fatalf("got %+v", resp)
	}
	calls := fx.prov.Writer(network).Calls()
	if len(calls) != 1 || calls[0].Method != "transferWithAuthorization" {
		t.Fatalf("calls: %+v", calls)
	}
	if calls[0].Nonce != a.Nonce || calls[0].To != merchant || calls[0].Amount.Int64() != 100_000 {
		t.Errorf("call: %+v", calls[0])
	}
	if resp.Fee != nil {
		t.Error("fee disabled: no fee result expected")
	}
}

func TestSettle_Permit2_CallsProxy(t *testing.T) {
	fx := newFixture(t, fixtureOpts{})
	req := fx.requirements("100000")
	resp := fx.f.Settle(context.Background(), wrap(t, req, fx.signPermit(t, fx.permit(100_000))), req)
	if !resp.Success {
		t.Fatalf("got %+v", resp)
	}
	calls := fx.prov.Writer(network).Calls()
	if len(calls) != 1 || calls[0].Method != "settle" || calls[0].Target != chain.X402ExactPermit2Proxy {
		t.Fatalf("calls: %+v", calls)
	}
}

// ── splitter paths ────────────────────────────────────────────────────────────

func TestSettle_Splitter_UsesDerivedNonce(t *testing.T) {
	fx := newFixture(t, fixtureOpts{notWhitelisted: true, fee: 10_000})
	req := splitterRequirements(fx, "100000")
	resp := fx.f.Settle(context.Background(), wrap(t, req, fx.splitterAuth(t, 100_000)), req)
	if !resp.Success {
		t.Fatalf("got %+v", resp)
	}

	calls := fx.prov.Writer(network).Calls()
	if len(calls) != 1 {
		t.Fatalf("splitter settlement must submit exactly one tx, got %+v", calls)
	}
	c := calls[0]
	if c.Method != "executeSplit" || c.Target != splitterAddr {
		t.Fatalf("call: %+v", c)
	}
	want := common.HexToHash("0xf043793b38eda5c51d465f1125f49da5bc0aa0c6d8a90f40e1d84f43afd33c7f")
	if common.Hash(c.Nonce) != want {
		t.Errorf("nonce: got %s, want %s", hexutil.Encode(c.Nonce[:]), want.Hex())
	}
	if c.Seller != seller || c.Salt != salt {
		t.Errorf("seller/salt: %+v", c)
	}
	if resp.Fee != nil {
		t.Error("splitter path must not collect a separate fee")
	}
	ext, ok := resp.Extensions["splitter"].(map[string]string)
	if !ok || ext["seller"] != seller.Hex() {
		t.Errorf("extensions: %+v", resp.Extensions)
	}
}

func TestSettle_Splitter_Permit2(t *testing.T) {
	fx := newFixture(t, fixtureOpts{notWhitelisted: true})
	req := splitterRequirements(fx, "100000")
	resp := fx.f.Settle(context.Background(), wrap(t, req, fx.splitterPermit(t, 100_000)), req)
	if !resp.Success {
		t.Fatalf("got %+v", resp)
	}
	calls := fx.prov.Writer(network).Calls()
	if len(calls) != 1 || calls[0].Method != "executeSplitPermit2" || calls[0].Seller != seller {
		t.Fatalf("calls: %+v", calls)
	}
}

func TestSettle_Splitter_MissingSalt_NoSubmission(t *testing.T) {
	fx := newFixture(t, fixtureOpts{})
	req := splitterRequirements(fx, "100000")
	p := fx.splitterAuth(t, 100_000)
	p.Salt = ""

	resp := fx.f.Settle(context.Background(), wrap(t, req, p), req)
	if resp.Success || resp.ErrorReason != x402.ReasonMissingSplitFields {
		t.Fatalf("got %+v", resp)
	}
	if len(fx.prov.Writer(network).Calls()) != 0 || fx.prov.Reader(network).Calls() != 0 {
		t.Fatal("structural rejection must not touch the chain")
	}
}

// ── failures ──────────────────────────────────────────────────────────────────

func TestSettle_ReceiptReverted(t *testing.T) {
	fx := newFixture(t, fixtureOpts{})
	fx.prov.Writer(network).Revert = true
	req := fx.requirements("100000")

	resp := fx.f.Settle(context.Background(), wrap(t, req, fx.signAuth(t, fx.auth(100_000))), req)
	if resp.Success || resp.ErrorReason != x402.ErrorTransactionReverted {
		t.Fatalf("got %+v", resp)
	}
	if resp.Transaction != "" {
		t.Errorf("failure must carry an empty transaction, got %q", resp.Transaction)
	}
	if h, _ := resp.Extensions[ExtensionFailedTransaction].(string); h == "" {
		t.Error("the reverted hash must be reported in extensions")
	}
}

func TestSettle_RevertReleasesLock(t *testing.T) {
	fx := newFixture(t, fixtureOpts{})
	w := fx.prov.Writer(network)
	w.Revert = true
	req := fx.requirements("100000")
	payload := wrap(t, req, fx.signAuth(t, fx.auth(100_000)))

	fx.f.Settle(context.Background(), payload, req)
	w.Revert = false
	if resp := fx.f.Settle(context.Background(), payload, req); !resp.Success {
		t.Fatalf("retry after a definitive failure must be allowed, got %q", resp.ErrorReason)
	}
}

func TestSettle_SubmitErrorKinds(t *testing.T) {
	cases := []struct {
		kind chain.Kind
		want string
	}{
		{chain.KindInsufficientFunds, x402.ErrorInsufficientFunds},
		{chain.KindAuthorizationUsed, x402.ErrorAuthorizationUsed},
		{chain.KindAuthorizationExpired, x402.ErrorAuthorizationExpired},
		{chain.KindReverted, x402.ErrorTransactionReverted},
		{chain.KindUnknown, x402.ErrorSettlementFailed},
	}
	for _, tc := range cases {
		t.Run(tc.kind.String(), func(t *testing.T) {
			fx := newFixture(t, fixtureOpts{})
			fx.prov.Writer(network).SubmitErr = &chain.TxError{Kind: tc.kind, Err: errors.New("boom")}
			req := fx.requirements("100000")

			resp := fx.f.Settle(context.Background(), wrap(t, req, fx.signAuth(t, fx.auth(100_000))), req)
			if resp.Success || resp.ErrorReason != tc.want {
				t.Fatalf("got %+v, want %q", resp, tc.want)
			}
		})
	}
}

func TestSettle_TimeoutKeepsLock(t *testing.T) {
	fx := newFixture(t, fixtureOpts{})
	w := fx.prov.Writer(network)
	w.ReceiptErr = &chain.TxError{Kind: chain.KindTimeout, Err: context.DeadlineExceeded}
	req := fx.requirements("100000")
	a := fx.auth(100_000)
	payload := wrap(t, req, fx.signAuth(t, a))

	resp := fx.f.Settle(context.Background(), payload, req)
	if resp.ErrorReason != x402.ErrorSettlementTimeout || resp.Transaction != "" {
		t.Fatalf("got %+v", resp)
	}
	if h, _ := resp.Extensions[ExtensionFailedTransaction].(string); h == "" {
		t.Error("the pending hash must be reported in extensions")
	}
	// the tx may still land, so a retry must not race it
	key := fmt.Sprintf(SettleLockKeyFmt, network, strings.ToLower(fx.payer.Hex()), hexutil.Encode(a.Nonce[:]))
	if !fx.mr.Exists(key) {
		t.Fatalf("lock %s must survive a timeout", key)
	}
}

func TestSettle_InProgress(t *testing.T) {
	fx := newFixture(t, fixtureOpts{})
	req := fx.requirements("100000")
	a := fx.auth(100_000)
	key := fmt.Sprintf(SettleLockKeyFmt, network, strings.ToLower(fx.payer.Hex()), hexutil.Encode(a.Nonce[:]))
	if err := fx.mr.Set(key, "1"); err != nil {
		t.Fatal(err)
	}

	resp := fx.f.Settle(context.Background(), wrap(t, req, fx.signAuth(t, a)), req)
	if resp.ErrorReason != x402.ErrorSettlementInProgress {
		t.Fatalf("got %+v", resp)
	}
	if len(fx.prov.Writer(network).Calls()) != 0 {
		t.Fatal("a held lock must prevent submission")
	}
}

func TestSettle_VerifyFailureNotSubmitted(t *testing.T) {
	fx := newFixture(t, fixtureOpts{notWhitelisted: true})
	req := fx.requirements("100000")
	resp := fx.f.Settle(context.Background(), wrap(t, req, fx.signAuth(t, fx.auth(100_000))), req)
	if resp.Success || resp.ErrorReason != x402.ReasonPayerNotWhitelisted {
		t.Fatalf("got %+v", resp)
	}
	if len(fx.prov.Writer(network).Calls()) != 0 {
		t.Fatal("unverified payload must never be submitted")
	}
}

func TestSettle_ExpiredMapsToAuthorizationExpired(t *testing.T) {
	fx := newFixture(t, fixtureOpts{})
	req := fx.requirements("100000")
	a := fx.auth(100_000)
	a.ValidBefore.SetInt64(testNow.Unix() - 10)
	resp := fx.f.Settle(context.Background(), wrap(t, req, fx.signAuth(t, a)), req)
	if resp.ErrorReason != x402.ErrorAuthorizationExpired {
		t.Fatalf("got %+v", resp)
	}
}

func TestSettle_NoSigner(t *testing.T) {
	fx := newFixture(t, fixtureOpts{noSigner: true})
	req := fx.requirements("100000")
	resp := fx.f.Settle(context.Background(), wrap(t, req, fx.signAuth(t, fx.auth(100_000))), req)
	if resp.Success || resp.ErrorReason != x402.ErrorSettlementFailed {
		t.Fatalf("got %+v", resp)
	}
}

func TestSettle_CancelledRequestStillCompletes(t *testing.T) {
	fx := newFixture(t, fixtureOpts{noRedis: true})
	req := fx.requirements("100000")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp := fx.f.Settle(ctx, wrap(t, req, fx.signAuth(t, fx.auth(100_000))), req)
	if !resp.Success {
		t.Fatalf("confirmation runs detached from the request, got %q", resp.ErrorReason)
	}
}

func TestSettle_PanicBecomesUnexpectedError(t *testing.T) {
	fx := newFixture(t, fixtureOpts{whitelist: panicWhitelist{}})
	req := fx.requirements("100000")
	resp := fx.f.Settle(context.Background(), wrap(t, req, fx.signAuth(t, fx.auth(100_000))), req)
	if resp.Success || resp.ErrorReason != x402.ErrorUnexpectedSettlement {
		t.Fatalf("got %+v", resp)
	}
}

// ── fee ───────────────────────────────────────────────────────────────────────

func TestSettle_FeeCollectedAfterSuccess(t *testing.T) {
	fx := newFixture(t, fixtureOpts{fee: 10_000})
	req := fx.requirements("100000")
	resp := fx.f.Settle(context.Background(), wrap(t, req, fx.signAuth(t, fx.auth(100_000))), req)
	if !resp.Success || resp.Fee == nil || !resp.Fee.Collected {
		t.Fatalf("got %+v fee=%+v", resp, resp.Fee)
	}
	calls := fx.prov.Writer(network).Calls()
	if len(calls) != 2 || calls[1].Method != "transferFrom" || calls[1].From != merchant || calls[1].To != facilitatorAddr {
		t.Fatalf("calls: %+v", calls)
	}
}

func TestSettle_FeeFailureKeepsSuccess(t *testing.T) {
	fx := newFixture(t, fixtureOpts{fee: 10_000})
	w := fx.prov.Writer(network)
	w.SubmitErr = &chain.TxError{Kind: chain.KindAllowance}
	w.FailMethod = "transferFrom"
	req := fx.requirements("100000")

	resp := fx.f.Settle(context.Background(), wrap(t, req, fx.signAuth(t, fx.auth(100_000))), req)
	if !resp.Success {
		t.Fatalf("fee failure must not fail the payment: %+v", resp)
	}
	if resp.Fee == nil || resp.Fee.Collected || resp.Fee.Error != x402.FeeErrorInsufficientAllowance {
		t.Fatalf("fee: %+v", resp.Fee)
	}
	n, err := fx.rdb.LLen(context.Background(), fmt.Sprintf(fee.RetryQueueKeyFmt, network)).Result()
	if err != nil || n != 1 {
		t.Fatalf("retry queue: len=%d err=%v", n, err)
	}
}

// ── /supported ────────────────────────────────────────────────────────────────

func TestSupported(t *testing.T) {
	fx := newFixture(t, fixtureOpts{fee: 10_000})
	s := fx.f.Supported()

	if len(s.Kinds) != 4 {
		t.Fatalf("kinds: got %d, want 4", len(s.Kinds))
	}
	if got := s.Signers["eip155:*"]; len(got) != 1 || got[0] != facilitatorAddr.Hex() {
		t.Errorf("signers: %+v", s.Signers)
	}
	for _, k := range s.Kinds {
		if k.X402Version != x402.SupportedVersion || k.Scheme != x402.SchemeExact {
			t.Errorf("kind: %+v", k)
		}
		feeInfo, ok := k.Extra["facilitatorFee"].(map[string]string)
		if !ok || feeInfo["amount"] != "10000" || feeInfo["mechanism"] != "erc20_transferFrom" {
			t.Errorf("%s: fee disclosure %+v", k.Network, k.Extra["facilitatorFee"])
		}
		p2, _ := k.Extra["permit2"].(map[string]string)
		if p2["permit2"] != eip712.Permit2Address.Hex() {
			t.Errorf("%s: permit2 %+v", k.Network, p2)
		}
		_, hasSplitter := k.Extra["splitter"]
		if hasSplitter != (k.Network == network) {
			t.Errorf("%s: splitter advertised=%v", k.Network, hasSplitter)
		}
	}
}

func TestSupported_NoFeeNoSigner(t *testing.T) {
	fx := newFixture(t, fixtureOpts{noSigner: true})
	s := fx.f.Supported()
	if len(s.Signers) != 0 {
		t.Errorf("signers: %+v", s.Signers)
	}
	for _, k := range s.Kinds {
		if _, ok := k.Extra["facilitatorFee"]; ok {
			t.Errorf("%s: fee disclosed while disabled", k.Network)
		}
	}
}
