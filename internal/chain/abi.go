package chain

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// X402ExactPermit2Proxy is the x402 exact-scheme Permit2 proxy. It is the
// required spender for direct Permit2 payments.
var X402ExactPermit2Proxy = common.HexToAddress("0x4020615294c913F045dc10f0a5cdEbd86c280001")

const tokenABIJSON = `[
	{"type":"function","name":"authorizationState","stateMutability":"view",
	 "inputs":[{"name":"authorizer","type":"address"},{"name":"nonce","type":"bytes32"}],
	 "outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"balanceOf","stateMutability":"view",
	 "inputs":[{"name":"account","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"allowance","stateMutability":"view",
	 "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"transferFrom","stateMutability":"nonpayable",
	 "inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"}],
	 "outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"transferWithAuthorization","stateMutability":"nonpayable",
	 "inputs":[
		{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"},
		{"name":"validAfter","type":"uint256"},{"name":"validBefore","type":"uint256"},{"name":"nonce","type":"bytes32"},
		{"name":"v","type":"uint8"},{"name":"r","type":"bytes32"},{"name":"s","type":"bytes32"}],
	 "outputs":[]}
]`

const nftABIJSON = `[
	{"type":"function","name":"balanceOf","stateMutability":"view",
	 "inputs":[{"name":"owner","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]}
]`

const permit2ABIJSON = `[
	{"type":"function","name":"nonceBitmap","stateMutability":"view",
	 "inputs":[{"name":"owner","type":"address"},{"name":"wordPos","type":"uint256"}],
	 "outputs":[{"name":"","type":"uint256"}]}
]`

// permitTuple and witnessTuple are shared by the proxy and the splitter.
const permitTupleJSON = `{"name":"permit","type":"tuple","components":[
		{"name":"permitted","type":"tuple","components":[{"name":"token","type":"address"},{"name":"amount","type":"uint256"}]},
		{"name":"nonce","type":"uint256"},{"name":"deadline","type":"uint256"}]}`

const witnessTupleJSON = `{"name":"witness","type":"tuple","components":[
		{"name":"to","type":"address"},{"name":"validAfter","type":"uint256"},{"name":"extra","type":"bytes"}]}`

const proxyABIJSON = `[
	{"type":"function","name":"settle","stateMutability":"nonpayable",
	 "inputs":[` + permitTupleJSON + `,{"name":"owner","type":"address"},` + witnessTupleJSON + `,{"name":"signature","type":"bytes"}],
	 "outputs":[]}
]`

const splitterABIJSON = `[
	{"type":"function","name":"executeSplit","stateMutability":"nonpayable",
	 "inputs":[
		{"name":"from","type":"address"},{"name":"value","type":"uint256"},
		{"name":"validAfter","type":"uint256"},{"name":"validBefore","type":"uint256"},{"name":"nonce","type":"bytes32"},
		{"name":"seller","type":"address"},{"name":"salt","type":"bytes32"},
		{"name":"v","type":"uint8"},{"name":"r","type":"bytes32"},{"name":"s","type":"bytes32"}],
	 "outputs":[]},
	{"type":"function","name":"executeSplitPermit2","stateMutability":"nonpayable",
	 "inputs":[` + permitTupleJSON + `,{"name":"owner","type":"address"},` + witnessTupleJSON + `,
		{"name":"signature","type":"bytes"},{"name":"seller","type":"address"},{"name":"salt","type":"bytes32"}],
	 "outputs":[]}
]`

var (
	tokenABI    = mustParseABI(tokenABIJSON)
	nftABI      = mustParseABI(nftABIJSON)
	permit2ABI  = mustParseABI(permit2ABIJSON)
	proxyABI    = mustParseABI(proxyABIJSON)
	splitterABI = mustParseABI(splitterABIJSON)
)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return parsed
}

// Tuple argument types. Field names must match the ABI component names.
type tokenPermissions struct {
	Token  common.Address
	Amount *big.Int
}

type permitTransferFrom struct {
	Permitted tokenPermissions
	Nonce     *big.Int
	Deadline  *big.Int
}

type witness struct {
	To         common.Address
	ValidAfter *big.Int
	Extra      []byte
}
