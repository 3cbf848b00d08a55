package chain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// ErrNoSigner is returned by every write when no facilitator key is loaded.
var ErrNoSigner = errors.New("facilitator private key not configured")

// Kind classifies a failed transaction.
type Kind int

const (
	KindUnknown Kind = iota
	KindReverted
	KindTimeout
	KindInsufficientFunds
	KindAuthorizationUsed
	KindAuthorizationExpired
	KindAllowance
)

func (k Kind) String() string {
	switch k {
	case KindReverted:
		return "reverted"
	case KindTimeout:
		return "timeout"
	case KindInsufficientFunds:
		return "insufficient_funds"
	case KindAuthorizationUsed:
		return "authorization_used"
	case KindAuthorizationExpired:
		return "authorization_expired"
	case KindAllowance:
		return "allowance"
	default:
		return "unknown"
	}
}

// TxError is returned by every write path. TxHash is zero when the
// transaction was never broadcast.
type TxError struct {
	Kind   Kind
	TxHash common.Hash
	Reason string // decoded revert reason, if any
	Err    error
}

func (e *TxError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.TxHash != (common.Hash{}) {
		fmt.Fprintf(&b, " tx=%s", e.TxHash.Hex())
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, " reason=%q", e.Reason)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *TxError) Unwrap() error { return e.Err }

// KindOf returns the Kind of err, or KindUnknown if err is not a *TxError.
func KindOf(err error) Kind {
	var te *TxError
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindUnknown
}

// Permit2 custom error selectors.
var (
	selInvalidNonce      = hexutil.MustDecode("0x756688fe") // InvalidNonce()
	selSignatureExpired  = hexutil.MustDecode("0xcd21db4f") // SignatureExpired(uint256)
	selInsufficientAllow = hexutil.MustDecode("0xf96fb071") // InsufficientAllowance(uint256)
	selAllowanceExpired  = hexutil.MustDecode("0xd81b2f2e") // AllowanceExpired(uint256)
)

// revertKinds maps known token revert strings to a Kind. Matched as
// case-insensitive substrings of the decoded Error(string) reason.
var revertKinds = []struct {
	fragment string
	kind     Kind
}{
	{"authorization is used or canceled", KindAuthorizationUsed},
	{"authorization is expired", KindAuthorizationExpired},
	{"transfer amount exceeds balance", KindInsufficientFunds},
	{"transfer amount exceeds allowance", KindAllowance},
	{"insufficient allowance", KindAllowance},
}

// classify turns an RPC or contract error into a *TxError. Structured
// revert data is preferred; message matching is the fallback.
func classify(err error, hash common.Hash) *TxError {
	if err == nil {
		return nil
	}
	var te *TxError
	if errors.As(err, &te) {
		return te
	}
	out := &TxError{Kind: KindUnknown, TxHash: hash, Err: err}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		out.Kind = KindTimeout
		return out
	}

	if data, ok := revertData(err); ok {
		out.Kind = KindReverted
		switch {
		case hasSelector(data, selInvalidNonce):
			out.Kind, out.Reason = KindAuthorizationUsed, "InvalidNonce()"
		case hasSelector(data, selSignatureExpired):
			out.Kind, out.Reason = KindAuthorizationExpired, "SignatureExpired()"
		case hasSelector(data, selInsufficientAllow), hasSelector(data, selAllowanceExpired):
			out.Kind, out.Reason = KindAllowance, "InsufficientAllowance()"
		default:
			if reason, err := abi.UnpackRevert(data); err == nil {
				out.Reason = reason
				lower := strings.ToLower(reason)
				for _, rk := range revertKinds {
					if strings.Contains(lower, rk.fragment) {
						out.Kind = rk.kind
						break
					}
				}
			}
		}
		return out
	}

	out.Kind = classifyMessage(err.Error())
	return out
}

func hasSelector(data, sel []byte) bool {
	return len(data) >= 4 && bytes.Equal(data[:4], sel)
}

// revertData extracts the raw revert payload carried by an rpc.DataError.
func revertData(err error) ([]byte, bool) {
	var de rpc.DataError
	if !errors.As(err, &de) {
		return nil, false
	}
	switch v := de.ErrorData().(type) {
	case string:
		b, err := hexutil.Decode(v)
		if err != nil || len(b) < 4 {
			return nil, false
		}
		return b, true
	case []byte:
		return v, len(v) >= 4
	}
	return nil, false
}

// classifyMessage is the last-resort keyword match for errors that carry no
// revert data, such as node-side rejections before execution.
func classifyMessage(msg string) Kind {
	m := strings.ToLower(msg)
	// Nodes often inline the revert string into the message.
	for _, rk := range revertKinds {
		if strings.Contains(m, rk.fragment) {
			return rk.kind
		}
	}
	switch {
	case strings.Contains(m, "timeout"), strings.Contains(m, "deadline exceeded"):
		return KindTimeout
	case strings.Contains(m, "allowance"):
		return KindAllowance
	case strings.Contains(m, "insufficient"):
		return KindInsufficientFunds
	case strings.Contains(m, "nonce"), strings.Contains(m, "already used"):
		return KindAuthorizationUsed
	case strings.Contains(m, "expired"):
		return KindAuthorizationExpired
	case strings.Contains(m, "revert"):
		return KindReverted
	default:
		return KindUnknown
	}
}
