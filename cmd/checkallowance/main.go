// cmd/checkallowance/main.go: prints how many more fee collections a
// merchant's approval to the facilitator covers on one network.
//
// Usage:
//
//	go run ./cmd/checkallowance/ --merchant <addr> --network eip155:8453 \
//	    [--facilitator <addr>] [--rpc <url>] [--fee <units>]
//
// --facilitator defaults to the address of FACILITATOR_WALLET_PRIVATE_KEY.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/0gfoundation/x402-facilitator/internal/chain"
	"github.com/0gfoundation/x402-facilitator/internal/networks"
)

func main() {
	merchantHex := flag.String("merchant", "", "merchant address (required)")
	network := flag.String("network", networks.Base, "CAIP-2 network id")
	facHex := flag.String("facilitator", "", "facilitator address (default: from FACILITATOR_WALLET_PRIVATE_KEY)")
	rpcURL := flag.String("rpc", "", "RPC endpoint override")
	feeStr := flag.String("fee", "10000", "flat fee in token units")
	flag.Parse()

	if !common.IsHexAddress(*merchantHex) {
		fail("--merchant must be an address")
	}
	fee, ok := new(big.Int).SetString(*feeStr, 10)
	if !ok || fee.Sign() <= 0 {
		fail("--fee must be a positive integer")
	}

	facilitator := common.Address{}
	switch {
	case *facHex != "":
		if !common.IsHexAddress(*facHex) {
			fail("--facilitator must be an address")
		}
		facilitator = common.HexToAddress(*facHex)
	case os.Getenv("FACILITATOR_WALLET_PRIVATE_KEY") != "":
		key, err := chain.ParsePrivateKey(os.Getenv("FACILITATOR_WALLET_PRIVATE_KEY"))
		if err != nil {
			fail(err.Error())
		}
		facilitator = crypto.PubkeyToAddress(key.PublicKey)
	default:
		fail("--facilitator or FACILITATOR_WALLET_PRIVATE_KEY is required")
	}

	overrides := map[string]networks.Override{}
	if *rpcURL != "" {
		overrides[*network] = networks.Override{RPCURL: *rpcURL}
	}
	reg, err := networks.NewRegistry(overrides, []string{*network})
	if err != nil {
		fail(err.Error())
	}

	// ── chain client (read-only) ──────────────────────────────────────────────
	chains := chain.NewFactory(nil, reg, chain.Options{}, zap.NewNop())
	defer chains.Close()
	pair, err := chains.ForNetwork(*network)
	if err != nil {
		fail(err.Error())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	merchant := common.HexToAddress(*merchantHex)
	allowance, err := pair.Read.Allowance(ctx, merchant, facilitator)
	if err != nil {
		fail("read allowance: " + err.Error())
	}
	balance, err := pair.Read.BalanceOf(ctx, merchant)
	if err != nil {
		fail("read balance: " + err.Error())
	}
	remaining := new(big.Int).Quo(allowance, fee)

	fmt.Printf("network:     %s (%s)\n", *network, pair.Chain.Name)
	fmt.Printf("token:       %s %s\n", pair.Chain.Token.Name, pair.Chain.Token.Address.Hex())
	fmt.Printf("merchant:    %s\n", merchant.Hex())
	fmt.Printf("facilitator: %s\n", facilitator.Hex())
	fmt.Printf("allowance:   %s\n", allowance)
	fmt.Printf("balance:     %s\n", balance)
	fmt.Printf("remaining:   %s settlements at fee %s\n", remaining, fee)
	if remaining.Sign() == 0 {
		fmt.Printf("\nfee collection will fail; merchant must call approve(%s, amount)\n", facilitator.Hex())
		os.Exit(2)
	}
}

func fail(msg string) {
	fmt.Fprintln(os.Stderr, "error:", msg)
	os.Exit(1)
}
