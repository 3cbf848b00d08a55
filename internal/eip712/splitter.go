package eip712

import (
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var sellerSaltArgs = func() abi.Arguments {
	addrT, err := abi.NewType("address", "", nil)
	if err != nil {
		panic(err)
	}
	b32T, err := abi.NewType("bytes32", "", nil)
	if err != nil {
		panic(err)
	}
	return abi.Arguments{{Type: addrT}, {Type: b32T}}
}()

// SplitterWitnessExtra returns abi.encode(seller, salt), the value carried in
// the Permit2 witness "extra" field on the splitter path.
func SplitterWitnessExtra(seller common.Address, salt [32]byte) []byte {
	b, err := sellerSaltArgs.Pack(seller, salt)
	if err != nil {
		// static types; Pack cannot fail
		panic(fmt.Sprintf("pack seller/salt: %v", err))
	}
	return b
}

// SplitterNonce returns keccak256(abi.encode(seller, salt)). The splitter
// contract recomputes it on-chain, so a payment authorized for one seller
// cannot be executed for another.
func SplitterNonce(seller common.Address, salt [32]byte) [32]byte {
	return crypto.Keccak256Hash(SplitterWitnessExtra(seller, salt))
}
