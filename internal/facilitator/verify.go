package facilitator

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/0gfoundation/x402-facilitator/internal/chain"
	"github.com/0gfoundation/x402-facilitator/internal/eip712"
	"github.com/0gfoundation/x402-facilitator/internal/x402"
)

// validityBuffer is the minimum remaining lifetime, in seconds, of an
// authorization at verification time. It covers one block of inclusion delay.
const validityBuffer = 6

// verifyState accumulates what the stages have parsed so far. Stages only
// read fields set by earlier stages.
type verifyState struct {
	payload *x402.PaymentPayload
	req     *x402.PaymentRequirements

	payerHex string
	required *big.Int
	pair     *chain.Pair
	exact    *x402.ExactPayload
	kind     x402.PayloadKind
	splitter bool

	payer  common.Address
	value  *big.Int
	auth   eip712.TransferAuthorization
	permit eip712.PermitWitness
	sig    []byte
	seller common.Address
	salt   [32]byte
}

func newVerifyState(payload *x402.PaymentPayload, req *x402.PaymentRequirements) *verifyState {
	s := &verifyState{payload: payload, req: req}
	if payload != nil {
		if p, err := x402.DecodeExactPayload(payload.Payload); err == nil {
			s.payerHex = p.Payer()
		}
	}
	return s
}

func (s *verifyState) reject(reason string) *x402.VerifyResponse {
	r := x402.Invalid(reason, s.payerHex)
	return &r
}

func (s *verifyState) network() string {
	if s.req == nil {
		return ""
	}
	return s.req.Network
}

// recipient is who ultimately receives the payment.
func (s *verifyState) recipient() string {
	if s.splitter {
		return s.seller.Hex()
	}
	return common.HexToAddress(s.req.PayTo).Hex()
}

// stage returns a rejection to stop the pipeline, or nil to continue.
type stage func(ctx context.Context, s *verifyState) *x402.VerifyResponse

func run(ctx context.Context, s *verifyState, stages []stage) *x402.VerifyResponse {
	for _, st := range stages {
		if r := st(ctx, s); r != nil {
			return r
		}
	}
	return nil
}

// offlineStages need no chain reads.
func (f *Facilitator) offlineStages() []stage {
	return []stage{
		f.checkVersion,
		f.checkRequirements,
		f.resolveNetwork,
		f.decodePayload,
		f.checkRecipient,
		f.checkAmount,
		f.checkSignature,
		f.checkTimeWindow,
	}
}

func (f *Facilitator) onlineStages() []stage {
	return []stage{
		f.checkChainState,
		f.checkWhitelist,
	}
}

// Verify runs every check against payload and requirements. It never
// panics; unexpected failures come back as unexpected_verify_error.
func (f *Facilitator) Verify(ctx context.Context, payload *x402.PaymentPayload, req *x402.PaymentRequirements) (resp x402.VerifyResponse) {
	s := newVerifyState(payload, req)
	defer func() {
		if r := recover(); r != nil {
			f.log.Error("verify panic", zap.Any("panic", r), zap.Stack("stack"))
			resp = x402.Invalid(x402.ReasonUnexpectedVerifyError, s.payerHex)
		}
	}()

	resp = f.verify(ctx, s)
	f.log.Info("verify",
		zap.String("network", s.network()),
		zap.String("payer", resp.Payer),
		zap.Bool("valid", resp.IsValid),
		zap.String("reason", resp.InvalidReason),
	)
	return resp
}

func (f *Facilitator) verify(ctx context.Context, s *verifyState) x402.VerifyResponse {
	if r := run(ctx, s, f.offlineStages()); r != nil {
		return *r
	}
	return f.verifyOnline(ctx, s)
}

func (f *Facilitator) verifyOnline(ctx context.Context, s *verifyState) x402.VerifyResponse {
	if r := run(ctx, s, f.onlineStages()); r != nil {
		return *r
	}
	accepted := x402.VerifyResponse{
		IsValid:   true,
		Payer:     s.payerHex,
		Recipient: s.recipient(),
	}
	return f.checkFeeAllowance(ctx, s, accepted)
}

// ── structural ────────────────────────────────────────────────────────────────

func (f *Facilitator) checkVersion(_ context.Context, s *verifyState) *x402.VerifyResponse {
	if s.payload == nil || s.req == nil {
		return s.reject(x402.ReasonInvalidPayload)
	}
	if s.payload.X402Version != x402.SupportedVersion {
		return s.reject(x402.ReasonUnsupportedVersion)
	}
	if s.payload.Accepted == nil {
		return s.reject(x402.ReasonMissingAccepted)
	}
	return nil
}

func (f *Facilitator) checkRequirements(_ context.Context, s *verifyState) *x402.VerifyResponse {
	a, r := s.payload.Accepted, s.req
	switch {
	case a.Scheme != r.Scheme:
		return s.reject(x402.ReasonSchemeMismatch)
	case a.Network != r.Network:
		return s.reject(x402.ReasonNetworkMismatch)
	case !strings.EqualFold(a.Asset, r.Asset):
		return s.reject(x402.ReasonAssetMismatch)
	case !strings.EqualFold(a.PayTo, r.PayTo):
		return s.reject(x402.ReasonRecipientMismatch)
	case !sameAmount(a.Amount, r.Amount):
		return s.reject(x402.ReasonAmountMismatch)
	}
	if r.Scheme != x402.SchemeExact {
		return s.reject(x402.ReasonUnsupportedScheme)
	}

	required, err := eip712.ParseUint("amount", r.Amount)
	if err != nil {
		return s.reject(x402.ReasonInvalidPayload)
	}
	if !common.IsHexAddress(r.PayTo) {
		return s.reject(x402.ReasonInvalidPayload)
	}
	s.required = required
	return nil
}

func sameAmount(a, b string) bool {
	x, ok1 := new(big.Int).SetString(a, 10)
	y, ok2 := new(big.Int).SetString(b, 10)
	if !ok1 || !ok2 {
		return a == b
	}
	return x.Cmp(y) == 0
}

func (f *Facilitator) resolveNetwork(_ context.Context, s *verifyState) *x402.VerifyResponse {
	pair, err := f.chains.ForNetwork(s.req.Network)
	if err != nil {
		return s.reject(x402.ReasonUnsupportedNetwork)
	}
	if !strings.EqualFold(s.req.Asset, pair.Chain.Token.Address.Hex()) {
		return s.reject(x402.ReasonAssetMismatch)
	}
	s.pair = pair
	return nil
}

func (f *Facilitator) decodePayload(_ context.Context, s *verifyState) *x402.VerifyResponse {
	exact, err := x402.DecodeExactPayload(s.payload.Payload)
	if errors.Is(err, x402.ErrEmptyPayload) {
		return s.reject(x402.ReasonMissingAuthorization)
	}
	if err != nil {
		return s.reject(x402.ReasonInvalidPayload)
	}
	s.exact = exact
	s.kind = exact.Kind()
	if s.kind == x402.KindUnknown {
		if exact.Authorization == nil && exact.Permit2Authorization == nil {
			return s.reject(x402.ReasonMissingAuthorization)
		}
		return s.reject(x402.ReasonInvalidPayload)
	}

	c := s.pair.Chain
	s.splitter = exact.IsSplitter()
	if s.splitter {
		if exact.Seller == "" || exact.Salt == "" {
			return s.reject(x402.ReasonMissingSplitFields)
		}
		if s.seller, err = eip712.ParseAddress("seller", exact.Seller); err != nil {
			return s.reject(x402.ReasonInvalidPayload)
		}
		if s.salt, err = eip712.ParseBytes32("salt", exact.Salt); err != nil {
			return s.reject(x402.ReasonInvalidPayload)
		}
		if !c.HasSplitter() {
			return s.reject(x402.ReasonSplitterUnavailable)
		}
	}

	switch s.kind {
	case x402.KindEIP3009:
		if s.auth, err = eip712.ParseTransferAuthorization(exact.Authorization); err != nil {
			return s.reject(x402.ReasonInvalidPayload)
		}
		// the splitter contract derives the nonce from seller and salt
		if s.splitter && s.auth.Nonce != eip712.SplitterNonce(s.seller, s.salt) {
			return s.reject(x402.ReasonInvalidPayload)
		}
		s.payer, s.value = s.auth.From, s.auth.Value
	case x402.KindPermit2:
		spender := chain.X402ExactPermit2Proxy
		if s.splitter {
			spender = c.Contracts.Splitter
		}
		if s.permit, err = eip712.ParsePermitWitness(exact.Permit2Authorization, spender); err != nil {
			return s.reject(x402.ReasonInvalidPayload)
		}
		s.payer, s.value = s.permit.Owner, s.permit.Amount
	}
	s.payerHex = s.payer.Hex()

	if s.sig, err = eip712.DecodeSignature(exact.Signature); err != nil {
		return s.reject(x402.ReasonPayloadSignature)
	}
	return nil
}

// ── authorization ─────────────────────────────────────────────────────────────

func (f *Facilitator) checkRecipient(_ context.Context, s *verifyState) *x402.VerifyResponse {
	c := s.pair.Chain
	payTo := common.HexToAddress(s.req.PayTo)

	if s.splitter && payTo != c.Contracts.Splitter && payTo != s.seller {
		return s.reject(x402.ReasonPayloadRecipientMismatch)
	}

	switch s.kind {
	case x402.KindEIP3009:
		want := payTo
		if s.splitter {
			want = c.Contracts.Splitter
		}
		if s.auth.To != want {
			return s.reject(x402.ReasonPayloadRecipientMismatch)
		}
	case x402.KindPermit2:
		spender, to := chain.X402ExactPermit2Proxy, payTo
		if s.splitter {
			spender, to = c.Contracts.Splitter, c.Contracts.Splitter
		}
		if s.permit.Spender != spender {
			return s.reject(x402.ReasonPermit2InvalidSpender)
		}
		if s.permit.To != to {
			return s.reject(x402.ReasonPayloadRecipientMismatch)
		}
		if s.splitter && !bytes.Equal(s.permit.Extra, eip712.SplitterWitnessExtra(s.seller, s.salt)) {
			return s.reject(x402.ReasonPayloadRecipientMismatch)
		}
		if s.permit.Token != c.Token.Address {
			return s.reject(x402.ReasonPermit2TokenMismatch)
		}
	}
	return nil
}

func (f *Facilitator) checkAmount(_ context.Context, s *verifyState) *x402.VerifyResponse {
	if s.value.Cmp(s.required) < 0 {
		return s.reject(x402.ReasonPayloadValue)
	}
	if s.splitter && s.value.Cmp(f.splitterMin) < 0 {
		return s.reject(x402.ReasonPayloadValue)
	}
	return nil
}

func (f *Facilitator) checkSignature(_ context.Context, s *verifyState) *x402.VerifyResponse {
	c := s.pair.Chain

	var digest common.Hash
	var err error
	switch s.kind {
	case x402.KindEIP3009:
		digest, err = eip712.TransferWithAuthorizationDigest(eip712.Domain{
			Name:              c.Token.Name,
			Version:           c.Token.Version,
			ChainID:           c.ChainID,
			VerifyingContract: c.Token.Address,
		}, s.auth)
	case x402.KindPermit2:
		digest, err = eip712.PermitWitnessTransferFromDigest(c.ChainID, s.permit)
	}
	if err != nil {
		return s.reject(x402.ReasonPayloadSignature)
	}

	ok, err := eip712.Verify(digest, s.sig, s.payer)
	if err != nil || !ok {
		return s.reject(x402.ReasonPayloadSignature)
	}
	return nil
}

func (f *Facilitator) checkTimeWindow(_ context.Context, s *verifyState) *x402.VerifyResponse {
	now := big.NewInt(f.now().Unix())

	after, before := s.auth.ValidAfter, s.auth.ValidBefore
	if s.kind == x402.KindPermit2 {
		after, before = s.permit.ValidAfter, s.permit.Deadline
	}

	if after.Cmp(now) > 0 {
		return s.reject(x402.ReasonPayloadValidAfter)
	}
	if before.Cmp(new(big.Int).Add(now, big.NewInt(validityBuffer))) < 0 {
		return s.reject(x402.ReasonPayloadValidBefore)
	}
	return nil
}

// ── chain state ───────────────────────────────────────────────────────────────

// checkChainState reads nonce state, balance and (for Permit2) the payer's
// approval to Permit2 concurrently. Read failures are advisory: the token
// contract enforces all three at settlement.
func (f *Facilitator) checkChainState(ctx context.Context, s *verifyState) *x402.VerifyResponse {
	r := s.pair.Read

	var (
		used                      bool
		balance, permit2Allowance *big.Int
		usedErr, balErr, allowErr error
	)
	var g errgroup.Group
	g.Go(func() error {
		if s.kind == x402.KindPermit2 {
			used, usedErr = r.Permit2NonceUsed(ctx, s.payer, s.permit.Nonce)
		} else {
			used, usedErr = r.AuthorizationState(ctx, s.payer, s.auth.Nonce)
		}
		return nil
	})
	g.Go(func() error {
		balance, balErr = r.BalanceOf(ctx, s.payer)
		return nil
	})
	if s.kind == x402.KindPermit2 {
		g.Go(func() error {
			permit2Allowance, allowErr = r.Allowance(ctx, s.payer, eip712.Permit2Address)
			return nil
		})
	}
	_ = g.Wait()

	for _, err := range []error{usedErr, balErr, allowErr} {
		if err != nil {
			f.log.Warn("verify: chain read failed, skipping check",
				zap.String("network", s.network()),
				zap.String("payer", s.payerHex),
				zap.Error(err),
			)
		}
	}

	if usedErr == nil && used {
		return s.reject(x402.ReasonPayloadNonceUsed)
	}
	if balErr == nil && balance.Cmp(s.value) < 0 {
		return s.reject(x402.ReasonPayloadInsufficientFunds)
	}
	if permit2Allowance != nil && allowErr == nil && permit2Allowance.Cmp(s.value) < 0 {
		return s.reject(x402.ReasonPermit2AllowanceRequired)
	}
	return nil
}

// checkWhitelist gates the direct path. The splitter path is public.
func (f *Facilitator) checkWhitelist(ctx context.Context, s *verifyState) *x402.VerifyResponse {
	if s.splitter {
		return nil
	}
	if res := f.whitelist.IsAgentWhitelisted(ctx, s.payerHex, s.req.Network); !res.IsWhitelisted {
		return s.reject(x402.ReasonPayerNotWhitelisted)
	}
	return nil
}

// checkFeeAllowance turns an accepted direct payment into one that requires
// fee collection, or rejects it if the merchant cannot cover the fee.
func (f *Facilitator) checkFeeAllowance(ctx context.Context, s *verifyState, accepted x402.VerifyResponse) x402.VerifyResponse {
	if s.splitter || !f.fees.Enabled() {
		return accepted
	}
	info := f.fees.CheckMerchantAllowance(ctx, s.req.PayTo, s.req.Network)
	if !info.Sufficient {
		return x402.Invalid(x402.ReasonInsufficientFeeAllowance, s.payerHex)
	}
	accepted.FeeRequired = true
	return accepted
}
