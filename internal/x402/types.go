// Package x402 holds the facilitator's wire types for the x402 v2 exact
// scheme on EVM networks.
package x402

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	SupportedVersion = 2
	SchemeExact      = "exact"
)

// PaymentRequirements is issued by the resource server and describes what
// must be paid. Amount is in the token's smallest unit.
type PaymentRequirements struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	Amount            string `json:"amount"`
	Asset             string `json:"asset"`
	PayTo             string `json:"payTo"`
	MaxTimeoutSeconds int64  `json:"maxTimeoutSeconds,omitempty"`
	Extra             *Extra `json:"extra,omitempty"`
}

// Extra carries the token's EIP-712 domain name and version.
type Extra struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

// ResourceInfo describes the paid resource.
type ResourceInfo struct {
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// PaymentPayload is what the client signed and submitted.
type PaymentPayload struct {
	X402Version int                  `json:"x402Version"`
	Resource    *ResourceInfo        `json:"resource,omitempty"`
	Accepted    *PaymentRequirements `json:"accepted,omitempty"`
	Payload     json.RawMessage      `json:"payload"`
}

// Authorization is the EIP-3009 TransferWithAuthorization message.
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// TokenPermissions is the Permit2 permitted token/amount pair.
type TokenPermissions struct {
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

// Witness is the x402 witness struct bound into a Permit2 signature.
type Witness struct {
	To         string `json:"to"`
	ValidAfter string `json:"validAfter"`
	Extra      string `json:"extra"`
}

// Permit2Authorization is the PermitWitnessTransferFrom message. Spender is
// optional on the wire; an empty spender means the default for the path.
type Permit2Authorization struct {
	From      string           `json:"from"`
	Permitted TokenPermissions `json:"permitted"`
	Spender   string           `json:"spender,omitempty"`
	Nonce     string           `json:"nonce"`
	Deadline  string           `json:"deadline"`
	Witness   Witness          `json:"witness"`
}

// ExactPayload is the decoded "payload" field. Exactly one of Authorization
// or Permit2Authorization is set. Seller and Salt mark the splitter variant.
type ExactPayload struct {
	Signature            string                `json:"signature"`
	Authorization        *Authorization        `json:"authorization,omitempty"`
	Permit2Authorization *Permit2Authorization `json:"permit2Authorization,omitempty"`
	Seller               string                `json:"seller,omitempty"`
	Salt                 string                `json:"salt,omitempty"`
}

// PayloadKind tags the authorization variant.
type PayloadKind int

const (
	KindUnknown PayloadKind = iota
	KindEIP3009
	KindPermit2
)

func (k PayloadKind) String() string {
	switch k {
	case KindEIP3009:
		return "eip3009"
	case KindPermit2:
		return "permit2"
	default:
		return "unknown"
	}
}

// Kind reports which authorization variant the payload carries.
func (p *ExactPayload) Kind() PayloadKind {
	switch {
	case p.Authorization != nil && p.Permit2Authorization == nil:
		return KindEIP3009
	case p.Permit2Authorization != nil && p.Authorization == nil:
		return KindPermit2
	default:
		return KindUnknown
	}
}

// IsSplitter reports whether the client addressed the splitter variant.
func (p *ExactPayload) IsSplitter() bool { return p.Seller != "" || p.Salt != "" }

// Payer is the authorizing address, or "" if unknown.
func (p *ExactPayload) Payer() string {
	switch p.Kind() {
	case KindEIP3009:
		return p.Authorization.From
	case KindPermit2:
		return p.Permit2Authorization.From
	}
	return ""
}

// ErrEmptyPayload is returned by DecodeExactPayload for a missing payload.
var ErrEmptyPayload = errors.New("empty payload")

// DecodeExactPayload parses the raw "payload" field.
func DecodeExactPayload(raw json.RawMessage) (*ExactPayload, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, ErrEmptyPayload
	}
	var p ExactPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return &p, nil
}

// VerifyRequest is the body of POST /verify and POST /settle.
type VerifyRequest struct {
	X402Version         int                  `json:"x402Version,omitempty"`
	PaymentPayload      *PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements *PaymentRequirements `json:"paymentRequirements"`
}

// VerifyResponse is the result of verification. Recipient and FeeRequired
// are internal annotations consumed by settlement and never serialized.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`

	Recipient   string `json:"-"`
	FeeRequired bool   `json:"-"`
}

// Invalid builds a rejected VerifyResponse.
func Invalid(reason, payer string) VerifyResponse {
	return VerifyResponse{IsValid: false, InvalidReason: reason, Payer: payer}
}

// FeeResult reports facilitator fee collection after settlement.
type FeeResult struct {
	Collected bool   `json:"collected"`
	Amount    string `json:"amount,omitempty"`
	TxHash    string `json:"txHash,omitempty"`
	Error     string `json:"error,omitempty"`
}

// SettleResponse is the result of settlement. Transaction is always present
// (empty string on failure) to match the protocol's response shape.
type SettleResponse struct {
	Success     bool                   `json:"success"`
	ErrorReason string                 `json:"errorReason,omitempty"`
	Payer       string                 `json:"payer,omitempty"`
	Transaction string                 `json:"transaction"`
	Network     string                 `json:"network"`
	Fee         *FeeResult             `json:"fee,omitempty"`
	Extensions  map[string]interface{} `json:"extensions,omitempty"`
}

// SupportedKind is one (version, scheme, network) triple served.
type SupportedKind struct {
	X402Version int                    `json:"x402Version"`
	Scheme      string                 `json:"scheme"`
	Network     string                 `json:"network"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
}

// SupportedResponse is the body of GET /supported.
type SupportedResponse struct {
	Kinds      []SupportedKind     `json:"kinds"`
	Extensions []interface{}       `json:"extensions"`
	Signers    map[string][]string `json:"signers"`
}
