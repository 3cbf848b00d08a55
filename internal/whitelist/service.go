// Package whitelist decides whether a payer may use the direct payment path.
// Sources are combined with OR semantics: a manual list valid on every
// network, a test-wallet list valid on testnets only, and two NFT-holder
// contracts read in parallel.
package whitelist

import (
	"context"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/0gfoundation/x402-facilitator/internal/chain"
	"github.com/0gfoundation/x402-facilitator/internal/networks"
)

// Result sources.
const (
	SourceManual      = "manual"
	SourceTestWallets = "test_wallets"
	SourceNFTA        = "nft_whitelist_a"
	SourceNFTB        = "nft_whitelist_b"
)

// Source toggles accepted by Options.Sources.
const (
	EnableManual      = "manual"
	EnableTestWallets = "test_wallets"
	EnableContracts   = "contracts"
)

type Result struct {
	IsWhitelisted bool   `json:"isWhitelisted"`
	Source        string `json:"source,omitempty"`
}

type Options struct {
	Manual      []string
	TestWallets []string
	// Sources lists the enabled checks; nil enables all of them.
	Sources []string
	TTL     time.Duration
	Clock   Clock
}

type Service struct {
	chains      chain.Provider
	reg         *networks.Registry
	manual      map[string]struct{}
	testWallets map[string]struct{}
	useManual   bool
	useTest     bool
	useNFT      bool
	cache       *Cache
	log         *zap.Logger
}

func New(chains chain.Provider, reg *networks.Registry, opts Options, log *zap.Logger) *Service {
	s := &Service{
		chains:      chains,
		reg:         reg,
		manual:      toSet(opts.Manual),
		testWallets: toSet(opts.TestWallets),
		cache:       NewCache(opts.TTL, opts.Clock),
		log:         log,
	}
	if opts.Sources == nil {
		s.useManual, s.useTest, s.useNFT = true, true, true
	}
	for _, src := range opts.Sources {
		switch src {
		case EnableManual:
			s.useManual = true
		case EnableTestWallets:
			s.useTest = true
		case EnableContracts:
			s.useNFT = true
		}
	}
	return s
}

func toSet(addrs []string) map[string]struct{} {
	m := make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		m[strings.ToLower(strings.TrimSpace(a))] = struct{}{}
	}
	return m
}

// IsAgentWhitelisted evaluates address on network. Results are cached per
// (network, address) for the TTL, except when a contract read failed.
func (s *Service) IsAgentWhitelisted(ctx context.Context, address, network string) Result {
	key := cacheKey(network, address)
	if res, ok := s.cache.Get(key); ok {
		return res
	}
	if !common.IsHexAddress(address) {
		return Result{}
	}
	lower := strings.ToLower(address)

	if s.useManual {
		if _, ok := s.manual[lower]; ok {
			return s.store(key, Result{IsWhitelisted: true, Source: SourceManual})
		}
	}

	pair, err := s.chains.ForNetwork(network)
	if err != nil {
		s.log.Warn("whitelist: network unavailable", zap.String("network", network), zap.Error(err))
		return Result{}
	}

	if s.useTest && s.reg.IsTestnet(network) {
		if _, ok := s.testWallets[lower]; ok {
			return s.store(key, Result{IsWhitelisted: true, Source: SourceTestWallets})
		}
	}

	if s.useNFT {
		res, err := s.checkContracts(ctx, pair, common.HexToAddress(address))
		if err != nil {
			// fail closed, do not cache
			s.log.Warn("whitelist contract read failed",
				zap.String("network", network),
				zap.String("address", address),
				zap.Error(err),
			)
			return Result{}
		}
		if res.IsWhitelisted {
			return s.store(key, res)
		}
	}

	return s.store(key, Result{})
}

func (s *Service) store(key string, res Result) Result {
	s.cache.Set(key, res)
	return res
}

// checkContracts reads both NFT contracts concurrently. Any positive balance
// wins even if the other read failed.
func (s *Service) checkContracts(ctx context.Context, pair *chain.Pair, owner common.Address) (Result, error) {
	contracts := []struct {
		addr   common.Address
		source string
	}{
		{pair.Chain.Contracts.NFTWhitelistA, SourceNFTA},
		{pair.Chain.Contracts.NFTWhitelistB, SourceNFTB},
	}

	held := make([]bool, len(contracts))
	var g errgroup.Group
	for i, c := range contracts {
		if c.addr == (common.Address{}) {
			continue
		}
		g.Go(func() error {
			bal, err := pair.Read.NFTBalanceOf(ctx, c.addr, owner)
			if err != nil {
				return err
			}
			held[i] = bal.Cmp(big.NewInt(0)) > 0
			return nil
		})
	}
	err := g.Wait()

	for i, c := range contracts {
		if held[i] {
			return Result{IsWhitelisted: true, Source: c.source}, nil
		}
	}
	return Result{}, err
}

// Invalidate drops the cached result for address on network.
func (s *Service) Invalidate(address, network string) {
	s.cache.Delete(cacheKey(network, address))
}

// Purge drops every cached result.
func (s *Service) Purge() {
	n := s.cache.Len()
	s.cache.Purge()
	s.log.Info("whitelist cache purged", zap.Int("entries", n))
}
