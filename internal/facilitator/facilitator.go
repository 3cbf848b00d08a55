// Package facilitator verifies and settles x402 exact-scheme payments on the
// networks in the registry.
package facilitator

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/x402-facilitator/internal/chain"
	"github.com/0gfoundation/x402-facilitator/internal/fee"
	"github.com/0gfoundation/x402-facilitator/internal/networks"
	"github.com/0gfoundation/x402-facilitator/internal/whitelist"
	"github.com/0gfoundation/x402-facilitator/internal/x402"
)

// Whitelist decides whether a payer may use the direct path.
type Whitelist interface {
	IsAgentWhitelisted(ctx context.Context, address, network string) whitelist.Result
}

// Fees is the facilitator fee collaborator.
type Fees interface {
	Enabled() bool
	Amount() *big.Int
	Recipient() common.Address
	CheckMerchantAllowance(ctx context.Context, merchant, network string) fee.AllowanceInfo
	CollectOrEnqueue(ctx context.Context, merchant, network string) x402.FeeResult
}

type Options struct {
	// SplitterMinAmount is the smallest value accepted on the splitter path.
	SplitterMinAmount *big.Int
	// ReceiptTimeout bounds submission, confirmation and fee collection.
	ReceiptTimeout time.Duration
	// Now overrides the clock used for authorization time windows.
	Now func() time.Time
}

type Facilitator struct {
	reg            *networks.Registry
	chains         chain.Provider
	whitelist      Whitelist
	fees           Fees
	rdb            *redis.Client
	splitterMin    *big.Int
	receiptTimeout time.Duration
	now            func() time.Time
	log            *zap.Logger
}

// New wires a facilitator. rdb may be nil, in which case settlements are not
// deduplicated across requests beyond the on-chain nonce check.
func New(
	reg *networks.Registry,
	chains chain.Provider,
	wl Whitelist,
	fees Fees,
	rdb *redis.Client,
	opts Options,
	log *zap.Logger,
) *Facilitator {
	if opts.SplitterMinAmount == nil {
		opts.SplitterMinAmount = new(big.Int)
	}
	if opts.ReceiptTimeout <= 0 {
		opts.ReceiptTimeout = 120 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Facilitator{
		reg:            reg,
		chains:         chains,
		whitelist:      wl,
		fees:           fees,
		rdb:            rdb,
		splitterMin:    new(big.Int).Set(opts.SplitterMinAmount),
		receiptTimeout: opts.ReceiptTimeout,
		now:            opts.Now,
		log:            log,
	}
}
