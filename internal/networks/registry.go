// Package networks is the static chain registry: CAIP-2 network id → chain
// metadata, stablecoin, and the facilitator's contract addresses.
package networks

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ErrUnsupportedNetwork is returned for any network id outside the fixed set.
var ErrUnsupportedNetwork = errors.New("unsupported network")

// Token describes the EIP-3009 stablecoin used on a chain. Name and Version
// are the token's EIP-712 domain fields.
type Token struct {
	Address  common.Address
	Name     string
	Version  string
	Decimals int
}

// Contracts holds facilitator-relevant contract addresses. A zero address
// means the contract is not deployed on that chain.
type Contracts struct {
	Splitter      common.Address
	NFTWhitelistA common.Address
	NFTWhitelistB common.Address
}

// Chain is one registry entry.
type Chain struct {
	Network   string
	ChainID   *big.Int
	Name      string
	RPCURL    string
	Testnet   bool
	Token     Token
	Contracts Contracts
}

// HasSplitter reports whether a splitter contract is configured.
func (c Chain) HasSplitter() bool { return c.Contracts.Splitter != (common.Address{}) }

const (
	Optimism        = "eip155:10"
	OptimismSepolia = "eip155:11155420"
	Base            = "eip155:8453"
	BaseSepolia     = "eip155:84532"
)

var defaults = map[string]Chain{
	Optimism: {
		Network: Optimism,
		ChainID: big.NewInt(10),
		Name:    "OP Mainnet",
		RPCURL:  "https://mainnet.optimism.io",
		Token: Token{
			Address:  common.HexToAddress("0x0b2C639c533813f4Aa9D7837CAf62653d097Ff85"),
			Name:     "USD Coin",
			Version:  "2",
			Decimals: 6,
		},
	},
	OptimismSepolia: {
		Network: OptimismSepolia,
		ChainID: big.NewInt(11155420),
		Name:    "OP Sepolia",
		RPCURL:  "https://sepolia.optimism.io",
		Testnet: true,
		Token: Token{
			Address:  common.HexToAddress("0x5fd84259d66Cd46123540766Be93DFE6D43130D7"),
			Name:     "USDC",
			Version:  "2",
			Decimals: 6,
		},
	},
	Base: {
		Network: Base,
		ChainID: big.NewInt(8453),
		Name:    "Base",
		RPCURL:  "https://mainnet.base.org",
		Token: Token{
			Address:  common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"),
			Name:     "USD Coin",
			Version:  "2",
			Decimals: 6,
		},
	},
	BaseSepolia: {
		Network: BaseSepolia,
		ChainID: big.NewInt(84532),
		Name:    "Base Sepolia",
		RPCURL:  "https://sepolia.base.org",
		Testnet: true,
		Token: Token{
			Address:  common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e"),
			Name:     "USDC",
			Version:  "2",
			Decimals: 6,
		},
	},
}

// Known returns every network id the facilitator can serve, sorted.
func Known() []string {
	out := make([]string, 0, len(defaults))
	for id := range defaults {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Override replaces selected fields of a default entry. Empty fields keep
// the default.
type Override struct {
	RPCURL        string
	Splitter      string
	NFTWhitelistA string
	NFTWhitelistB string
}

// Registry is an immutable lookup table built once at startup.
type Registry struct {
	chains map[string]Chain
}

// NewRegistry builds a registry from the fixed set. overrides is keyed by
// CAIP-2 id; enabled restricts the served networks (nil or empty = all).
func NewRegistry(overrides map[string]Override, enabled []string) (*Registry, error) {
	chains := make(map[string]Chain, len(defaults))
	for id, c := range defaults {
		c.ChainID = new(big.Int).Set(c.ChainID)
		chains[id] = c
	}

	for id, o := range overrides {
		c, ok := chains[id]
		if !ok {
			return nil, fmt.Errorf("override for %s: %w", id, ErrUnsupportedNetwork)
		}
		if o.RPCURL != "" {
			c.RPCURL = o.RPCURL
		}
		for _, f := range []struct {
			raw string
			dst *common.Address
		}{
			{o.Splitter, &c.Contracts.Splitter},
			{o.NFTWhitelistA, &c.Contracts.NFTWhitelistA},
			{o.NFTWhitelistB, &c.Contracts.NFTWhitelistB},
		} {
			if f.raw == "" {
				continue
			}
			if !common.IsHexAddress(f.raw) {
				return nil, fmt.Errorf("override for %s: invalid address %q", id, f.raw)
			}
			*f.dst = common.HexToAddress(f.raw)
		}
		chains[id] = c
	}

	if len(enabled) > 0 {
		keep := make(map[string]Chain, len(enabled))
		for _, id := range enabled {
			id = strings.TrimSpace(id)
			if _, err := ParseCAIP2(id); err != nil {
				return nil, fmt.Errorf("enabled network: %w", err)
			}
			c, ok := chains[id]
			if !ok {
				return nil, fmt.Errorf("enabled network %s: %w", id, ErrUnsupportedNetwork)
			}
			keep[id] = c
		}
		chains = keep
	}

	return &Registry{chains: chains}, nil
}

// Get returns the chain config for a CAIP-2 network id.
func (r *Registry) Get(network string) (Chain, error) {
	c, ok := r.chains[network]
	if !ok {
		return Chain{}, fmt.Errorf("%s: %w", network, ErrUnsupportedNetwork)
	}
	return c, nil
}

// Networks returns the served network ids in sorted order.
func (r *Registry) Networks() []string {
	out := make([]string, 0, len(r.chains))
	for id := range r.chains {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// IsTestnet reports whether network is a served testnet. Unknown networks
// are never testnets.
func (r *Registry) IsTestnet(network string) bool {
	c, ok := r.chains[network]
	return ok && c.Testnet
}

// ParseCAIP2 extracts the chain id from an "eip155:<id>" identifier.
func ParseCAIP2(network string) (*big.Int, error) {
	ns, ref, ok := strings.Cut(network, ":")
	if !ok || ns != "eip155" || ref == "" {
		return nil, fmt.Errorf("invalid CAIP-2 id %q", network)
	}
	id, ok := new(big.Int).SetString(ref, 10)
	if !ok || id.Sign() <= 0 {
		return nil, fmt.Errorf("invalid CAIP-2 chain reference %q", ref)
	}
	return id, nil
}
