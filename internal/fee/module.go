// Package fee implements the flat facilitator fee: allowance checks before a
// payment is accepted, transferFrom collection after it settles, and a Redis
// retry queue for collections that failed.
package fee

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/x402-facilitator/internal/chain"
	"github.com/0gfoundation/x402-facilitator/internal/x402"
)

// AllowanceInfo is a point-in-time snapshot of a merchant's approval to the
// facilitator.
type AllowanceInfo struct {
	Allowance            *big.Int `json:"allowance"`
	RemainingSettlements *big.Int `json:"remainingSettlements"`
	Sufficient           bool     `json:"sufficient"`
}

type Options struct {
	// Amount is the flat fee in token units. Zero disables fees.
	Amount        *big.Int
	MaxAttempts   int
	RetryInterval time.Duration
}

type Module struct {
	chains        chain.Provider
	rdb           *redis.Client
	amount        *big.Int
	maxAttempts   int
	retryInterval time.Duration
	log           *zap.Logger
}

// New builds the fee module. rdb may be nil, which disables the retry queue.
func New(chains chain.Provider, rdb *redis.Client, opts Options, log *zap.Logger) *Module {
	amount := new(big.Int)
	if opts.Amount != nil {
		amount.Set(opts.Amount)
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 30 * time.Second
	}
	return &Module{
		chains:        chains,
		rdb:           rdb,
		amount:        amount,
		maxAttempts:   opts.MaxAttempts,
		retryInterval: opts.RetryInterval,
		log:           log,
	}
}

func (m *Module) Amount() *big.Int { return new(big.Int).Set(m.amount) }

// Enabled reports whether fees are enforced. Without a signer there is no
// address for merchants to approve, so fees are off.
func (m *Module) Enabled() bool { return m.amount.Sign() > 0 && m.chains.HasSigner() }

// Recipient is the address fees are paid to.
func (m *Module) Recipient() common.Address { return m.chains.Address() }

// CheckMerchantAllowance reads merchant's allowance to the facilitator. A
// zero fee is always sufficient. Read failures fail open.
func (m *Module) CheckMerchantAllowance(ctx context.Context, merchant, network string) AllowanceInfo {
	if !m.Enabled() {
		return AllowanceInfo{Sufficient: true}
	}

	pair, err := m.chains.ForNetwork(network)
	if err != nil {
		m.log.Warn("fee: allowance check skipped", zap.String("network", network), zap.Error(err))
		return AllowanceInfo{Sufficient: true}
	}
	allowance, err := pair.Read.Allowance(ctx, common.HexToAddress(merchant), m.Recipient())
	if err != nil {
		m.log.Warn("fee: allowance read failed, failing open",
			zap.String("network", network),
			zap.String("merchant", merchant),
			zap.Error(err),
		)
		return AllowanceInfo{Sufficient: true}
	}

	return AllowanceInfo{
		Allowance:            allowance,
		RemainingSettlements: new(big.Int).Quo(allowance, m.amount),
		Sufficient:           allowance.Cmp(m.amount) >= 0,
	}
}

// CollectFee pulls the configured fee from merchant and waits for the receipt.
func (m *Module) CollectFee(ctx context.Context, merchant, network string) x402.FeeResult {
	if !m.Enabled() {
		return x402.FeeResult{}
	}
	return m.collect(ctx, merchant, network, m.amount)
}

// CollectOrEnqueue is CollectFee followed by a retry-queue push on failure.
// The returned result always reflects the first attempt.
func (m *Module) CollectOrEnqueue(ctx context.Context, merchant, network string) x402.FeeResult {
	res := m.CollectFee(ctx, merchant, network)
	if res.Collected || res.Error == "" {
		return res
	}
	if err := m.enqueue(ctx, newJob(merchant, network, m.amount, res.Error)); err != nil {
		m.log.Error("fee: enqueue retry", zap.String("merchant", merchant), zap.Error(err))
	}
	return res
}

func (m *Module) collect(ctx context.Context, merchant, network string, amount *big.Int) x402.FeeResult {
	res := x402.FeeResult{Amount: amount.String()}

	pair, err := m.chains.ForNetwork(network)
	if err != nil {
		res.Error = x402.FeeErrorCollectionFailed
		return res
	}
	from := common.HexToAddress(merchant)

	tx, err := pair.Write.TransferFrom(ctx, from, m.Recipient(), amount)
	if err != nil {
		res.Error = feeReason(chain.KindOf(err))
		m.log.Error("fee: transferFrom failed",
			zap.String("network", network),
			zap.String("merchant", merchant),
			zap.String("reason", res.Error),
			zap.Error(err),
		)
		return res
	}
	res.TxHash = tx.Hash().Hex()

	if _, err := pair.Write.WaitReceipt(ctx, tx); err != nil {
		kind := chain.KindOf(err)
		res.Error = feeReason(kind)
		if kind == chain.KindReverted {
			res.Error = m.diagnose(ctx, pair, from, amount)
		}
		m.log.Error("fee: collection not confirmed",
			zap.String("network", network),
			zap.String("merchant", merchant),
			zap.String("tx", res.TxHash),
			zap.String("reason", res.Error),
			zap.Error(err),
		)
		return res
	}

	res.Collected = true
	m.log.Info("fee collected",
		zap.String("network", network),
		zap.String("merchant", merchant),
		zap.String("amount", amount.String()),
		zap.String("tx", res.TxHash),
	)
	return res
}

func feeReason(k chain.Kind) string {
	switch k {
	case chain.KindAllowance:
		return x402.FeeErrorInsufficientAllowance
	case chain.KindInsufficientFunds:
		return x402.FeeErrorInsufficientBalance
	default:
		return x402.FeeErrorCollectionFailed
	}
}

// diagnose explains a bare revert by re-reading allowance and balance.
func (m *Module) diagnose(ctx context.Context, pair *chain.Pair, merchant common.Address, amount *big.Int) string {
	if a, err := pair.Read.Allowance(ctx, merchant, m.Recipient()); err == nil && a.Cmp(amount) < 0 {
		return x402.FeeErrorInsufficientAllowance
	}
	if b, err := pair.Read.BalanceOf(ctx, merchant); err == nil && b.Cmp(amount) < 0 {
		return x402.FeeErrorInsufficientBalance
	}
	return x402.FeeErrorCollectionFailed
}
