package eip712

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/0gfoundation/x402-facilitator/internal/x402"
)

// ParseTransferAuthorization converts the wire authorization into typed
// values. Every field is required.
func ParseTransferAuthorization(a *x402.Authorization) (TransferAuthorization, error) {
	var out TransferAuthorization
	var err error
	if out.From, err = ParseAddress("from", a.From); err != nil {
		return out, err
	}
	if out.To, err = ParseAddress("to", a.To); err != nil {
		return out, err
	}
	if out.Value, err = ParseUint("value", a.Value); err != nil {
		return out, err
	}
	if out.ValidAfter, err = ParseUint("validAfter", a.ValidAfter); err != nil {
		return out, err
	}
	if out.ValidBefore, err = ParseUint("validBefore", a.ValidBefore); err != nil {
		return out, err
	}
	if out.Nonce, err = ParseBytes32("nonce", a.Nonce); err != nil {
		return out, err
	}
	return out, nil
}

// ParsePermitWitness converts the wire Permit2 authorization into typed
// values. An empty spender is replaced by defaultSpender.
func ParsePermitWitness(p *x402.Permit2Authorization, defaultSpender common.Address) (PermitWitness, error) {
	var out PermitWitness
	var err error
	if out.Owner, err = ParseAddress("from", p.From); err != nil {
		return out, err
	}
	if out.Token, err = ParseAddress("permitted.token", p.Permitted.Token); err != nil {
		return out, err
	}
	if out.Amount, err = ParseUint("permitted.amount", p.Permitted.Amount); err != nil {
		return out, err
	}
	out.Spender = defaultSpender
	if p.Spender != "" {
		if out.Spender, err = ParseAddress("spender", p.Spender); err != nil {
			return out, err
		}
	}
	if out.Nonce, err = ParseUint("nonce", p.Nonce); err != nil {
		return out, err
	}
	if out.Deadline, err = ParseUint("deadline", p.Deadline); err != nil {
		return out, err
	}
	if out.To, err = ParseAddress("witness.to", p.Witness.To); err != nil {
		return out, err
	}
	if out.ValidAfter, err = ParseUint("witness.validAfter", p.Witness.ValidAfter); err != nil {
		return out, err
	}
	extra := p.Witness.Extra
	if extra == "" {
		extra = "0x"
	}
	if out.Extra, err = hexutil.Decode(extra); err != nil {
		return out, fmt.Errorf("witness.extra: %w", err)
	}
	return out, nil
}

// ParseAddress parses a 0x-prefixed 20-byte hex address.
func ParseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%s: invalid address %q", field, s)
	}
	return common.HexToAddress(s), nil
}

// ParseUint parses a non-negative decimal uint256.
func ParseUint(field, s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 || v.BitLen() > 256 {
		return nil, fmt.Errorf("%s: invalid uint256 %q", field, s)
	}
	return v, nil
}

// ParseBytes32 parses 0x-prefixed hex of at most 32 bytes, left-padding
// shorter input.
func ParseBytes32(field, s string) ([32]byte, error) {
	var out [32]byte
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return out, fmt.Errorf("%s: missing 0x prefix", field)
	}
	h := s[2:]
	if len(h)%2 == 1 {
		h = "0" + h
	}
	b, err := hexutil.Decode("0x" + h)
	if err != nil {
		return out, fmt.Errorf("%s: %w", field, err)
	}
	if len(b) > 32 {
		return out, fmt.Errorf("%s: longer than 32 bytes", field)
	}
	copy(out[32-len(b):], b)
	return out, nil
}

// DecodeSignature decodes a 0x-prefixed 65-byte signature.
func DecodeSignature(s string) ([]byte, error) {
	b, err := hexutil.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("signature: %w", err)
	}
	if len(b) != 65 {
		return nil, ErrSignatureLength
	}
	return b, nil
}
