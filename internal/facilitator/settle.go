package facilitator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/0gfoundation/x402-facilitator/internal/chain"
	"github.com/0gfoundation/x402-facilitator/internal/x402"
)

// Redis key templates
const (
	SettleLockKeyFmt = "settle:lock:%s:%s:%s" // network, payer, nonce
	SettleDoneKeyFmt = "settle:done:%s:%s:%s"

	settleDoneTTL = 7 * 24 * time.Hour
	lockSlack     = 30 * time.Second
)

// nonceKey identifies the authorization on chain: the EIP-3009 nonce (the
// derived one on the splitter path) or the Permit2 bitmap nonce.
func (s *verifyState) nonceKey() string {
	if s.kind == x402.KindPermit2 {
		return "permit2:" + s.permit.Nonce.String()
	}
	return hexutil.Encode(s.auth.Nonce[:])
}

func (s *verifyState) settleKeys() (lock, done string) {
	payer := strings.ToLower(s.payerHex)
	return fmt.Sprintf(SettleLockKeyFmt, s.req.Network, payer, s.nonceKey()),
		fmt.Sprintf(SettleDoneKeyFmt, s.req.Network, payer, s.nonceKey())
}

// Settle re-verifies the payment, executes it on chain and, for direct
// payments that require it, collects the facilitator fee.
func (f *Facilitator) Settle(ctx context.Context, payload *x402.PaymentPayload, req *x402.PaymentRequirements) (resp x402.SettleResponse) {
	s := newVerifyState(payload, req)
	defer func() {
		if r := recover(); r != nil {
			f.log.Error("settle panic", zap.Any("panic", r), zap.Stack("stack"))
			resp = x402.SettleResponse{
				ErrorReason: x402.ErrorUnexpectedSettlement,
				Payer:       s.payerHex,
				Network:     s.network(),
			}
		}
	}()

	resp = f.settle(ctx, s)
	f.log.Info("settle",
		zap.String("network", resp.Network),
		zap.String("payer", resp.Payer),
		zap.Bool("success", resp.Success),
		zap.String("reason", resp.ErrorReason),
		zap.String("tx", resp.Transaction),
		zap.Bool("splitter", s.splitter),
	)
	return resp
}

// ExtensionFailedTransaction carries the hash of a broadcast transaction
// that reverted or timed out. Transaction stays empty on every failure.
const ExtensionFailedTransaction = "failedTransaction"

func (f *Facilitator) settle(ctx context.Context, s *verifyState) x402.SettleResponse {
	fail := func(reason string) x402.SettleResponse {
		return x402.SettleResponse{ErrorReason: reason, Payer: s.payerHex, Network: s.network()}
	}

	if r := run(ctx, s, f.offlineStages()); r != nil {
		return fail(settleReason(r.InvalidReason))
	}
	if !f.chains.HasSigner() {
		f.log.Error("settle: no facilitator key configured")
		return fail(x402.ErrorSettlementFailed)
	}

	lockKey, doneKey := s.settleKeys()
	if f.alreadySettled(ctx, doneKey) {
		return fail(x402.ErrorAuthorizationUsed)
	}

	v := f.verifyOnline(ctx, s)
	if !v.IsValid {
		return fail(settleReason(v.InvalidReason))
	}

	if !f.lock(ctx, lockKey) {
		return fail(x402.ErrorSettlementInProgress)
	}

	// The transaction outlives the request: a client disconnect must not
	// abandon a submitted transfer or its fee.
	detached := context.WithoutCancel(ctx)
	sctx, cancel := context.WithTimeout(detached, f.receiptTimeout)
	defer cancel()

	hash, err := f.submit(sctx, s)
	if err != nil {
		kind := chain.KindOf(err)
		if kind != chain.KindTimeout {
			f.unlock(detached, lockKey)
		}
		f.log.Error("settlement failed",
			zap.String("network", s.req.Network),
			zap.String("payer", s.payerHex),
			zap.String("tx", hash),
			zap.Stringer("kind", kind),
			zap.Error(err),
		)
		resp := fail(settleErrorReason(kind))
		if hash != "" {
			resp.Extensions = map[string]interface{}{ExtensionFailedTransaction: hash}
		}
		return resp
	}

	f.markSettled(detached, doneKey)
	f.unlock(detached, lockKey)

	resp := x402.SettleResponse{
		Success:     true,
		Payer:       s.payerHex,
		Transaction: hash,
		Network:     s.req.Network,
	}
	if s.splitter {
		resp.Extensions = map[string]interface{}{
			"splitter": map[string]string{
				"contract": s.pair.Chain.Contracts.Splitter.Hex(),
				"seller":   s.seller.Hex(),
			},
		}
		return resp
	}

	if v.FeeRequired && v.Recipient != "" {
		fctx, fcancel := context.WithTimeout(detached, f.receiptTimeout)
		defer fcancel()
		fr := f.fees.CollectOrEnqueue(fctx, v.Recipient, s.req.Network)
		resp.Fee = &fr
	}
	return resp
}

// submit sends the transfer for the payload's path and waits for it to be
// mined. The returned hash is set whenever a transaction was broadcast.
func (f *Facilitator) submit(ctx context.Context, s *verifyState) (string, error) {
	w := s.pair.Write
	splitter := s.pair.Chain.Contracts.Splitter

	var tx *types.Transaction
	var err error
	switch {
	case s.kind == x402.KindEIP3009 && !s.splitter:
		tx, err = w.TransferWithAuthorization(ctx, s.auth, s.sig)
	case s.kind == x402.KindEIP3009:
		tx, err = w.ExecuteSplit(ctx, splitter, s.auth, s.seller, s.salt, s.sig)
	case !s.splitter:
		tx, err = w.Permit2Settle(ctx, s.permit, s.sig)
	default:
		tx, err = w.ExecuteSplitPermit2(ctx, splitter, s.permit, s.seller, s.salt, s.sig)
	}
	if err != nil {
		var txErr *chain.TxError
		if errors.As(err, &txErr) && txErr.TxHash != (common.Hash{}) {
			return txErr.TxHash.Hex(), err
		}
		return "", err
	}

	hash := tx.Hash().Hex()
	if _, err := w.WaitReceipt(ctx, tx); err != nil {
		return hash, err
	}
	return hash, nil
}

// settleReason maps a verification rejection onto the settle taxonomy.
func settleReason(invalid string) string {
	switch invalid {
	case x402.ReasonPayloadNonceUsed:
		return x402.ErrorAuthorizationUsed
	case x402.ReasonPayloadValidBefore:
		return x402.ErrorAuthorizationExpired
	default:
		return invalid
	}
}

func settleErrorReason(k chain.Kind) string {
	switch k {
	case chain.KindTimeout:
		return x402.ErrorSettlementTimeout
	case chain.KindReverted:
		return x402.ErrorTransactionReverted
	case chain.KindInsufficientFunds:
		return x402.ErrorInsufficientFunds
	case chain.KindAuthorizationUsed:
		return x402.ErrorAuthorizationUsed
	case chain.KindAuthorizationExpired:
		return x402.ErrorAuthorizationExpired
	default:
		return x402.ErrorSettlementFailed
	}
}

// ── replay guard ──────────────────────────────────────────────────────────────
//
// Redis failures are logged and ignored: the token contract rejects a reused
// nonce regardless.

func (f *Facilitator) alreadySettled(ctx context.Context, key string) bool {
	if f.rdb == nil {
		return false
	}
	n, err := f.rdb.Exists(ctx, key).Result()
	if err != nil {
		f.log.Warn("settle: done-record lookup failed", zap.String("key", key), zap.Error(err))
		return false
	}
	return n > 0
}

func (f *Facilitator) lock(ctx context.Context, key string) bool {
	if f.rdb == nil {
		return true
	}
	ok, err := f.rdb.SetNX(ctx, key, time.Now().Unix(), f.receiptTimeout+lockSlack).Result()
	if err != nil {
		f.log.Warn("settle: lock failed", zap.String("key", key), zap.Error(err))
		return true
	}
	return ok
}

func (f *Facilitator) unlock(ctx context.Context, key string) {
	if f.rdb == nil {
		return
	}
	if err := f.rdb.Del(ctx, key).Err(); err != nil {
		f.log.Warn("settle: unlock failed", zap.String("key", key), zap.Error(err))
	}
}

func (f *Facilitator) markSettled(ctx context.Context, key string) {
	if f.rdb == nil {
		return
	}
	if err := f.rdb.Set(ctx, key, time.Now().Unix(), settleDoneTTL).Err(); err != nil {
		f.log.Warn("settle: done-record write failed", zap.String("key", key), zap.Error(err))
	}
}
