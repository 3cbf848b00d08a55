// Package chaintest provides in-memory chain clients for tests. A Writer
// mutates the Reader it is paired with, so a settled authorization is seen
// as used by the next verification.
package chaintest

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/0gfoundation/x402-facilitator/internal/chain"
	"github.com/0gfoundation/x402-facilitator/internal/eip712"
	"github.com/0gfoundation/x402-facilitator/internal/networks"
)

// ── Reader ───────────────────────────────────────────────────────────────────

type allowanceKey struct{ owner, spender common.Address }

type Reader struct {
	mu sync.Mutex

	balances    map[common.Address]*big.Int
	allowances  map[allowanceKey]*big.Int
	used        map[common.Address]map[[32]byte]bool
	permit2Used map[common.Address]map[string]bool
	nfts        map[common.Address]map[common.Address]*big.Int

	// Err, when set, fails every read.
	Err error
	// NFTErr fails reads against a single NFT contract.
	NFTErr map[common.Address]error

	calls int
}

func NewReader() *Reader {
	return &Reader{
		balances:    make(map[common.Address]*big.Int),
		allowances:  make(map[allowanceKey]*big.Int),
		used:        make(map[common.Address]map[[32]byte]bool),
		permit2Used: make(map[common.Address]map[string]bool),
		nfts:        make(map[common.Address]map[common.Address]*big.Int),
		NFTErr:      make(map[common.Address]error),
	}
}

func (r *Reader) SetBalance(owner common.Address, v int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.balances[owner] = big.NewInt(v)
}

func (r *Reader) SetAllowance(owner, spender common.Address, v int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.allowances[allowanceKey{owner, spender}] = big.NewInt(v)
}

func (r *Reader) SetNFTBalance(nft, owner common.Address, v int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.nfts[nft] == nil {
		r.nfts[nft] = make(map[common.Address]*big.Int)
	}
	r.nfts[nft][owner] = big.NewInt(v)
}

func (r *Reader) MarkUsed(authorizer common.Address, nonce [32]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.used[authorizer] == nil {
		r.used[authorizer] = make(map[[32]byte]bool)
	}
	r.used[authorizer][nonce] = true
}

func (r *Reader) MarkPermit2Used(owner common.Address, nonce *big.Int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.permit2Used[owner] == nil {
		r.permit2Used[owner] = make(map[string]bool)
	}
	r.permit2Used[owner][nonce.String()] = true
}

// Calls returns how many reads were served.
func (r *Reader) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func (r *Reader) AuthorizationState(_ context.Context, authorizer common.Address, nonce [32]byte) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.Err != nil {
		return false, r.Err
	}
	return r.used[authorizer][nonce], nil
}

func (r *Reader) BalanceOf(_ context.Context, owner common.Address) (*big.Int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.Err != nil {
		return nil, r.Err
	}
	return valueOr0(r.balances[owner]), nil
}

func (r *Reader) Allowance(_ context.Context, owner, spender common.Address) (*big.Int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.Err != nil {
		return nil, r.Err
	}
	return valueOr0(r.allowances[allowanceKey{owner, spender}]), nil
}

func (r *Reader) NFTBalanceOf(_ context.Context, nft, owner common.Address) (*big.Int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.Err != nil {
		return nil, r.Err
	}
	if err := r.NFTErr[nft]; err != nil {
		return nil, err
	}
	return valueOr0(r.nfts[nft][owner]), nil
}

func (r *Reader) Permit2NonceUsed(_ context.Context, owner common.Address, nonce *big.Int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.Err != nil {
		return false, r.Err
	}
	return r.permit2Used[owner][nonce.String()], nil
}

func valueOr0(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// ── Writer ───────────────────────────────────────────────────────────────────

// Call records one submitted transaction.
type Call struct {
	Method string
	Target common.Address
	From   common.Address
	To     common.Address
	Amount *big.Int
	Nonce  [32]byte
	Seller common.Address
	Salt   [32]byte
}

type Writer struct {
	mu     sync.Mutex
	reader *Reader
	self   common.Address
	next   uint64
	calls  []Call

	// SubmitErr fails every submission; ReceiptErr fails every receipt wait.
	SubmitErr  error
	ReceiptErr error
	// FailMethod restricts SubmitErr to one method when non-empty.
	FailMethod string
	// Revert makes every mined receipt carry status 0.
	Revert bool
}

func NewWriter(r *Reader, self common.Address) *Writer {
	return &Writer{reader: r, self: self}
}

func (w *Writer) Calls() []Call {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Call(nil), w.calls...)
}

func (w *Writer) submit(c Call) (*types.Transaction, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.SubmitErr != nil && (w.FailMethod == "" || w.FailMethod == c.Method) {
		return nil, w.SubmitErr
	}
	w.calls = append(w.calls, c)
	w.next++
	to := c.Target
	return types.NewTx(&types.LegacyTx{Nonce: w.next, To: &to, Gas: 21000, GasPrice: big.NewInt(1)}), nil
}

func (w *Writer) TransferWithAuthorization(_ context.Context, a eip712.TransferAuthorization, _ []byte) (*types.Transaction, error) {
	tx, err := w.submit(Call{Method: "transferWithAuthorization", From: a.From, To: a.To, Amount: a.Value, Nonce: a.Nonce})
	if err == nil && !w.Revert {
		w.reader.MarkUsed(a.From, a.Nonce)
	}
	return tx, err
}

func (w *Writer) ExecuteSplit(_ context.Context, splitter common.Address, a eip712.TransferAuthorization, seller common.Address, salt [32]byte, _ []byte) (*types.Transaction, error) {
	tx, err := w.submit(Call{Method: "executeSplit", Target: splitter, From: a.From, To: a.To, Amount: a.Value, Nonce: a.Nonce, Seller: seller, Salt: salt})
	if err == nil && !w.Revert {
		w.reader.MarkUsed(a.From, a.Nonce)
	}
	return tx, err
}

func (w *Writer) ExecuteSplitPermit2(_ context.Context, splitter common.Address, p eip712.PermitWitness, seller common.Address, salt [32]byte, _ []byte) (*types.Transaction, error) {
	tx, err := w.submit(Call{Method: "executeSplitPermit2", Target: splitter, From: p.Owner, To: p.To, Amount: p.Amount, Seller: seller, Salt: salt})
	if err == nil && !w.Revert {
		w.reader.MarkPermit2Used(p.Owner, p.Nonce)
	}
	return tx, err
}

func (w *Writer) Permit2Settle(_ context.Context, p eip712.PermitWitness, _ []byte) (*types.Transaction, error) {
	tx, err := w.submit(Call{Method: "settle", Target: chain.X402ExactPermit2Proxy, From: p.Owner, To: p.To, Amount: p.Amount})
	if err == nil && !w.Revert {
		w.reader.MarkPermit2Used(p.Owner, p.Nonce)
	}
	return tx, err
}

func (w *Writer) TransferFrom(_ context.Context, from, to common.Address, amount *big.Int) (*types.Transaction, error) {
	return w.submit(Call{Method: "transferFrom", From: from, To: to, Amount: amount})
}

func (w *Writer) WaitReceipt(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, &chain.TxError{Kind: chain.KindTimeout, TxHash: tx.Hash(), Err: err}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ReceiptErr != nil {
		return nil, w.ReceiptErr
	}
	if w.Revert {
		return &types.Receipt{Status: types.ReceiptStatusFailed, TxHash: tx.Hash()},
			&chain.TxError{Kind: chain.KindReverted, TxHash: tx.Hash()}
	}
	return &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: tx.Hash()}, nil
}

// ── Provider ─────────────────────────────────────────────────────────────────

// Provider serves one fake pair per registry network.
type Provider struct {
	reg     *networks.Registry
	addr    common.Address
	signer  bool
	readers map[string]*Reader
	writers map[string]*Writer
}

// NewProvider builds fakes for every network in reg. A zero addr means no
// signer is configured.
func NewProvider(reg *networks.Registry, addr common.Address) *Provider {
	p := &Provider{
		reg:     reg,
		addr:    addr,
		signer:  addr != (common.Address{}),
		readers: make(map[string]*Reader),
		writers: make(map[string]*Writer),
	}
	for _, n := range reg.Networks() {
		r := NewReader()
		p.readers[n] = r
		p.writers[n] = NewWriter(r, addr)
	}
	return p
}

func (p *Provider) ForNetwork(network string) (*chain.Pair, error) {
	c, err := p.reg.Get(network)
	if err != nil {
		return nil, err
	}
	return &chain.Pair{Chain: c, Read: p.readers[network], Write: p.writers[network]}, nil
}

func (p *Provider) Address() common.Address { return p.addr }

func (p *Provider) HasSigner() bool { return p.signer }

func (p *Provider) Reader(network string) *Reader { return p.readers[network] }

func (p *Provider) Writer(network string) *Writer { return p.writers[network] }
