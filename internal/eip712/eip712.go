// Package eip712 hashes, signs and recovers the two typed-data shapes the
// facilitator accepts: EIP-3009 TransferWithAuthorization and Permit2
// PermitWitnessTransferFrom with the x402 witness.
package eip712

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Permit2Address is the canonical Uniswap Permit2 deployment, identical on
// every EVM chain.
var Permit2Address = common.HexToAddress("0x000000000022D473030F116dDEE9F6B43aC78BA3")

var (
	tokenDomainType = []apitypes.Type{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	}

	// Permit2 signs without a version field.
	permit2DomainType = []apitypes.Type{
		{Name: "name", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	}

	transferWithAuthorizationType = []apitypes.Type{
		{Name: "from", Type: "address"},
		{Name: "to", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "validAfter", Type: "uint256"},
		{Name: "validBefore", Type: "uint256"},
		{Name: "nonce", Type: "bytes32"},
	}

	// Field order must match the deployed Permit2 witness type string.
	permitWitnessTypes = apitypes.Types{
		"PermitWitnessTransferFrom": {
			{Name: "permitted", Type: "TokenPermissions"},
			{Name: "spender", Type: "address"},
			{Name: "nonce", Type: "uint256"},
			{Name: "deadline", Type: "uint256"},
			{Name: "witness", Type: "Witness"},
		},
		"TokenPermissions": {
			{Name: "token", Type: "address"},
			{Name: "amount", Type: "uint256"},
		},
		"Witness": {
			{Name: "to", Type: "address"},
			{Name: "validAfter", Type: "uint256"},
			{Name: "extra", Type: "bytes"},
		},
	}
)

// Domain is a token's EIP-712 domain.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// TransferAuthorization is a parsed EIP-3009 authorization.
type TransferAuthorization struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	ValidAfter  *big.Int
	ValidBefore *big.Int
	Nonce       [32]byte
}

// PermitWitness is a parsed Permit2 PermitWitnessTransferFrom message.
type PermitWitness struct {
	Owner      common.Address
	Token      common.Address
	Amount     *big.Int
	Spender    common.Address
	Nonce      *big.Int
	Deadline   *big.Int
	To         common.Address
	ValidAfter *big.Int
	Extra      []byte
}

// TransferWithAuthorizationDigest returns the EIP-712 digest a payer signs
// for transferWithAuthorization.
func TransferWithAuthorizationDigest(d Domain, a TransferAuthorization) (common.Hash, error) {
	td := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain":              tokenDomainType,
			"TransferWithAuthorization": transferWithAuthorizationType,
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              d.Name,
			Version:           d.Version,
			ChainId:           (*math.HexOrDecimal256)(d.ChainID),
			VerifyingContract: d.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":        a.From.Hex(),
			"to":          a.To.Hex(),
			"value":       a.Value,
			"validAfter":  a.ValidAfter,
			"validBefore": a.ValidBefore,
			"nonce":       a.Nonce[:],
		},
	}
	return hashTypedData(td)
}

// PermitWitnessTransferFromDigest returns the EIP-712 digest a payer signs
// for a Permit2 witness transfer on chainID.
func PermitWitnessTransferFromDigest(chainID *big.Int, p PermitWitness) (common.Hash, error) {
	types := apitypes.Types{"EIP712Domain": permit2DomainType}
	for k, v := range permitWitnessTypes {
		types[k] = v
	}
	extra := p.Extra
	if extra == nil {
		extra = []byte{}
	}
	td := apitypes.TypedData{
		Types:       types,
		PrimaryType: "PermitWitnessTransferFrom",
		Domain: apitypes.TypedDataDomain{
			Name:              "Permit2",
			ChainId:           (*math.HexOrDecimal256)(chainID),
			VerifyingContract: Permit2Address.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"permitted": map[string]interface{}{
				"token":  p.Token.Hex(),
				"amount": p.Amount,
			},
			"spender":  p.Spender.Hex(),
			"nonce":    p.Nonce,
			"deadline": p.Deadline,
			"witness": map[string]interface{}{
				"to":         p.To.Hex(),
				"validAfter": p.ValidAfter,
				"extra":      extra,
			},
		},
	}
	return hashTypedData(td)
}

// hashTypedData computes keccak256(0x1901 || domainSeparator || structHash).
func hashTypedData(td apitypes.TypedData) (common.Hash, error) {
	sep, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return common.Hash{}, fmt.Errorf("hash domain: %w", err)
	}
	structHash, err := td.HashStruct(td.PrimaryType, td.Message)
	if err != nil {
		return common.Hash{}, fmt.Errorf("hash %s: %w", td.PrimaryType, err)
	}
	msg := make([]byte, 0, 2+32+32)
	msg = append(msg, 0x19, 0x01)
	msg = append(msg, sep...)
	msg = append(msg, structHash...)
	return crypto.Keccak256Hash(msg), nil
}

// ErrSignatureLength is returned for any signature that is not 65 bytes.
var ErrSignatureLength = errors.New("signature must be 65 bytes")

// Recover returns the address that produced sig over digest. V may be
// 27/28 (Solidity ecrecover form) or 0/1.
func Recover(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, ErrSignatureLength
	}
	s := make([]byte, 65)
	copy(s, sig)
	if s[64] >= 27 {
		s[64] -= 27
	}
	if s[64] > 1 {
		return common.Address{}, fmt.Errorf("invalid recovery id %d", sig[64])
	}
	pub, err := crypto.SigToPub(digest[:], s)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verify reports whether sig over digest was produced by expected.
func Verify(digest common.Hash, sig []byte, expected common.Address) (bool, error) {
	got, err := Recover(digest, sig)
	if err != nil {
		return false, err
	}
	return got == expected, nil
}

// Sign signs digest with key and returns a 65-byte signature with V in
// 27/28 form.
func Sign(digest common.Hash, key *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := crypto.Sign(digest[:], key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

// SignTransferWithAuthorization signs an EIP-3009 authorization.
func SignTransferWithAuthorization(key *ecdsa.PrivateKey, d Domain, a TransferAuthorization) ([]byte, error) {
	digest, err := TransferWithAuthorizationDigest(d, a)
	if err != nil {
		return nil, err
	}
	return Sign(digest, key)
}

// SignPermitWitness signs a Permit2 witness transfer.
func SignPermitWitness(key *ecdsa.PrivateKey, chainID *big.Int, p PermitWitness) ([]byte, error) {
	digest, err := PermitWitnessTransferFromDigest(chainID, p)
	if err != nil {
		return nil, err
	}
	return Sign(digest, key)
}

// SplitSignature splits a 65-byte signature into the v, r, s arguments of
// transferWithAuthorization. V is returned in 27/28 form.
func SplitSignature(sig []byte) (v uint8, r, s [32]byte, err error) {
	if len(sig) != 65 {
		return 0, r, s, ErrSignatureLength
	}
	copy(r[:], sig[0:32])
	copy(s[:], sig[32:64])
	v = sig[64]
	if v < 27 {
		v += 27
	}
	return v, r, s, nil
}
