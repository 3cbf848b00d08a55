package facilitator

import (
	"fmt"

	"github.com/0gfoundation/x402-facilitator/internal/chain"
	"github.com/0gfoundation/x402-facilitator/internal/eip712"
	"github.com/0gfoundation/x402-facilitator/internal/x402"
)

// Extension names advertised by /supported.
const (
	ExtensionFacilitatorFee = "facilitator-fee"
	ExtensionPermit2        = "permit2"
)

// Supported lists every (version, scheme, network) the facilitator serves,
// with the fee disclosure and contract addresses a client needs.
func (f *Facilitator) Supported() x402.SupportedResponse {
	signer := f.chains.Address().Hex()

	resp := x402.SupportedResponse{
		Kinds:      []x402.SupportedKind{},
		Extensions: []interface{}{ExtensionFacilitatorFee, ExtensionPermit2},
		Signers:    map[string][]string{},
	}
	if f.chains.HasSigner() {
		resp.Signers["eip155:*"] = []string{signer}
	}

	for _, network := range f.reg.Networks() {
		c, err := f.reg.Get(network)
		if err != nil {
			continue
		}
		extra := map[string]interface{}{
			"name":     c.Token.Name,
			"version":  c.Token.Version,
			"asset":    c.Token.Address.Hex(),
			"decimals": c.Token.Decimals,
			"permit2": map[string]string{
				"permit2": eip712.Permit2Address.Hex(),
				"proxy":   chain.X402ExactPermit2Proxy.Hex(),
			},
		}
		if f.fees.Enabled() {
			amount := f.fees.Amount().String()
			recipient := f.fees.Recipient().Hex()
			extra["facilitatorFee"] = map[string]string{
				"amount":           amount,
				"asset":            c.Token.Address.Hex(),
				"recipient":        recipient,
				"mechanism":        "erc20_transferFrom",
				"requiredApproval": fmt.Sprintf("approve(%s, %s)", recipient, amount),
			}
		}
		if c.HasSplitter() {
			extra["splitter"] = map[string]string{
				"address":   c.Contracts.Splitter.Hex(),
				"minAmount": f.splitterMin.String(),
			}
		}
		resp.Kinds = append(resp.Kinds, x402.SupportedKind{
			X402Version: x402.SupportedVersion,
			Scheme:      x402.SchemeExact,
			Network:     network,
			Extra:       extra,
		})
	}
	return resp
}
