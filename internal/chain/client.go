package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/0gfoundation/x402-facilitator/internal/eip712"
	"github.com/0gfoundation/x402-facilitator/internal/networks"
)

// ContractReader is the read surface of one network.
type ContractReader interface {
	AuthorizationState(ctx context.Context, authorizer common.Address, nonce [32]byte) (bool, error)
	BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error)
	Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error)
	NFTBalanceOf(ctx context.Context, nft, owner common.Address) (*big.Int, error)
	Permit2NonceUsed(ctx context.Context, owner common.Address, nonce *big.Int) (bool, error)
}

// ContractWriter is the signing surface of one network. Submissions return
// as soon as the transaction is broadcast; WaitReceipt blocks for mining.
type ContractWriter interface {
	TransferWithAuthorization(ctx context.Context, a eip712.TransferAuthorization, sig []byte) (*types.Transaction, error)
	ExecuteSplit(ctx context.Context, splitter common.Address, a eip712.TransferAuthorization, seller common.Address, salt [32]byte, sig []byte) (*types.Transaction, error)
	ExecuteSplitPermit2(ctx context.Context, splitter common.Address, p eip712.PermitWitness, seller common.Address, salt [32]byte, sig []byte) (*types.Transaction, error)
	Permit2Settle(ctx context.Context, p eip712.PermitWitness, sig []byte) (*types.Transaction, error)
	TransferFrom(ctx context.Context, from, to common.Address, amount *big.Int) (*types.Transaction, error)
	WaitReceipt(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)
}

// Pair is the read and write client bound to one registry chain.
type Pair struct {
	Chain networks.Chain
	Read  ContractReader
	Write ContractWriter
}

// Provider hands out the per-network client pair.
type Provider interface {
	ForNetwork(network string) (*Pair, error)
	Address() common.Address
	HasSigner() bool
}

// Options tune RPC behaviour for every network.
type Options struct {
	RPCTimeout     time.Duration
	ReceiptTimeout time.Duration
	TxPerSecond    float64
	TxBurst        int
}

func (o Options) withDefaults() Options {
	if o.RPCTimeout <= 0 {
		o.RPCTimeout = 15 * time.Second
	}
	if o.ReceiptTimeout <= 0 {
		o.ReceiptTimeout = 120 * time.Second
	}
	if o.TxPerSecond <= 0 {
		o.TxPerSecond = 5
	}
	if o.TxBurst <= 0 {
		o.TxBurst = 5
	}
	return o
}

// Factory lazily builds and caches one Pair per network. The key may be nil,
// in which case reads work and every write fails with ErrNoSigner.
type Factory struct {
	key  *ecdsa.PrivateKey
	addr common.Address
	reg  *networks.Registry
	opts Options
	log  *zap.Logger

	mu      sync.Mutex
	pairs   map[string]*Pair
	clients []*ethclient.Client
}

func NewFactory(key *ecdsa.PrivateKey, reg *networks.Registry, opts Options, log *zap.Logger) *Factory {
	f := &Factory{
		key:   key,
		reg:   reg,
		opts:  opts.withDefaults(),
		log:   log,
		pairs: make(map[string]*Pair),
	}
	if key != nil {
		f.addr = crypto.PubkeyToAddress(key.PublicKey)
	}
	return f
}

// ParsePrivateKey accepts a 32-byte hex key with or without 0x.
func ParsePrivateKey(s string) (*ecdsa.PrivateKey, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	if len(s) != 64 {
		return nil, fmt.Errorf("private key must be 32 bytes hex, got %d chars", len(s))
	}
	key, err := crypto.HexToECDSA(s)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

// Address returns the facilitator address, or the zero address without a key.
func (f *Factory) Address() common.Address { return f.addr }

func (f *Factory) HasSigner() bool { return f.key != nil }

// ForNetwork returns the cached pair for network, dialing on first use.
func (f *Factory) ForNetwork(network string) (*Pair, error) {
	c, err := f.reg.Get(network)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.pairs[network]; ok {
		return p, nil
	}

	eth, err := ethclient.Dial(c.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc %s: %w", network, err)
	}
	f.clients = append(f.clients, eth)

	p := &Pair{
		Chain: c,
		Read:  newReader(c, eth, f.opts.RPCTimeout),
		Write: newWriter(c, eth, f.key, f.opts),
	}
	f.pairs[network] = p
	f.log.Info("chain client ready",
		zap.String("network", network),
		zap.String("chain", c.Name),
		zap.Bool("signer", f.key != nil),
	)
	return p, nil
}

// Close releases every dialed RPC connection.
func (f *Factory) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.clients {
		c.Close()
	}
	f.clients = nil
	f.pairs = make(map[string]*Pair)
}

// ── Reader ───────────────────────────────────────────────────────────────────

// Reader performs view calls against one chain.
type Reader struct {
	chain   networks.Chain
	backend bind.ContractBackend
	token   *bind.BoundContract
	permit2 *bind.BoundContract
	timeout time.Duration
}

func newReader(c networks.Chain, backend bind.ContractBackend, timeout time.Duration) *Reader {
	return &Reader{
		chain:   c,
		backend: backend,
		token:   bind.NewBoundContract(c.Token.Address, tokenABI, backend, backend, backend),
		permit2: bind.NewBoundContract(eip712.Permit2Address, permit2ABI, backend, backend, backend),
		timeout: timeout,
	}
}

func (r *Reader) call(ctx context.Context, c *bind.BoundContract, method string, args ...interface{}) (interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	var out []interface{}
	if err := c.Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
		return nil, fmt.Errorf("%s on %s: %w", method, r.chain.Network, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s on %s: empty result", method, r.chain.Network)
	}
	return out[0], nil
}

func (r *Reader) callUint(ctx context.Context, c *bind.BoundContract, method string, args ...interface{}) (*big.Int, error) {
	v, err := r.call(ctx, c, method, args...)
	if err != nil {
		return nil, err
	}
	n, ok := v.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected result type %T", method, v)
	}
	return n, nil
}

// AuthorizationState reports whether an EIP-3009 nonce has been used or
// canceled.
func (r *Reader) AuthorizationState(ctx context.Context, authorizer common.Address, nonce [32]byte) (bool, error) {
	v, err := r.call(ctx, r.token, "authorizationState", authorizer, nonce)
	if err != nil {
		return false, err
	}
	used, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("authorizationState: unexpected result type %T", v)
	}
	return used, nil
}

// BalanceOf returns the stablecoin balance of owner.
func (r *Reader) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	return r.callUint(ctx, r.token, "balanceOf", owner)
}

// Allowance returns the stablecoin allowance from owner to spender.
func (r *Reader) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	return r.callUint(ctx, r.token, "allowance", owner, spender)
}

// NFTBalanceOf returns the ERC-721 balance of owner on the nft contract.
func (r *Reader) NFTBalanceOf(ctx context.Context, nft, owner common.Address) (*big.Int, error) {
	c := bind.NewBoundContract(nft, nftABI, r.backend, r.backend, r.backend)
	return r.callUint(ctx, c, "balanceOf", owner)
}

// Permit2NonceUsed checks the owner's Permit2 unordered nonce bitmap.
func (r *Reader) Permit2NonceUsed(ctx context.Context, owner common.Address, nonce *big.Int) (bool, error) {
	wordPos := new(big.Int).Rsh(nonce, 8)
	bit := int(new(big.Int).And(nonce, big.NewInt(0xff)).Int64())
	word, err := r.callUint(ctx, r.permit2, "nonceBitmap", owner, wordPos)
	if err != nil {
		return false, err
	}
	return word.Bit(bit) == 1, nil
}

// ── Writer ───────────────────────────────────────────────────────────────────

type receiptBackend interface {
	bind.ContractBackend
	bind.DeployBackend
}

// Writer signs and submits transactions on one chain with the facilitator
// key. Submissions are serialized so pending nonces never collide.
type Writer struct {
	chain          networks.Chain
	backend        receiptBackend
	key            *ecdsa.PrivateKey
	token          *bind.BoundContract
	proxy          *bind.BoundContract
	limiter        *rate.Limiter
	receiptTimeout time.Duration

	sendMu sync.Mutex
}

func newWriter(c networks.Chain, backend receiptBackend, key *ecdsa.PrivateKey, opts Options) *Writer {
	return &Writer{
		chain:          c,
		backend:        backend,
		key:            key,
		token:          bind.NewBoundContract(c.Token.Address, tokenABI, backend, backend, backend),
		proxy:          bind.NewBoundContract(X402ExactPermit2Proxy, proxyABI, backend, backend, backend),
		limiter:        rate.NewLimiter(rate.Limit(opts.TxPerSecond), opts.TxBurst),
		receiptTimeout: opts.ReceiptTimeout,
	}
}

// transactOpts builds a *bind.TransactOpts signed by the facilitator key and
// bound to this chain's id.
func (w *Writer) transactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	auth, err := bind.NewKeyedTransactorWithChainID(w.key, w.chain.ChainID)
	if err != nil {
		return nil, err
	}
	auth.Context = ctx
	return auth, nil
}

func (w *Writer) transact(ctx context.Context, c *bind.BoundContract, method string, args ...interface{}) (*types.Transaction, error) {
	if w.key == nil {
		return nil, &TxError{Kind: KindUnknown, Err: ErrNoSigner}
	}
	// Wait fails early when the next token lies past ctx's deadline; that is
	// still a timeout, not a definitive failure.
	if err := w.limiter.Wait(ctx); err != nil {
		return nil, &TxError{Kind: KindTimeout, Err: fmt.Errorf("rate limit: %w", err)}
	}
	opts, err := w.transactOpts(ctx)
	if err != nil {
		return nil, &TxError{Kind: KindUnknown, Err: fmt.Errorf("build tx opts: %w", err)}
	}

	w.sendMu.Lock()
	defer w.sendMu.Unlock()
	tx, err := c.Transact(opts, method, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("%s tx: %w", method, err), common.Hash{})
	}
	return tx, nil
}

// TransferWithAuthorization submits the payer's EIP-3009 authorization to
// the token.
func (w *Writer) TransferWithAuthorization(ctx context.Context, a eip712.TransferAuthorization, sig []byte) (*types.Transaction, error) {
	v, r, s, err := eip712.SplitSignature(sig)
	if err != nil {
		return nil, &TxError{Kind: KindUnknown, Err: err}
	}
	return w.transact(ctx, w.token, "transferWithAuthorization",
		a.From, a.To, a.Value, a.ValidAfter, a.ValidBefore, a.Nonce, v, r, s)
}

// ExecuteSplit routes an EIP-3009 authorization through the splitter, which
// pulls the funds and pays the seller minus its fixed fee.
func (w *Writer) ExecuteSplit(ctx context.Context, splitter common.Address, a eip712.TransferAuthorization, seller common.Address, salt [32]byte, sig []byte) (*types.Transaction, error) {
	v, r, s, err := eip712.SplitSignature(sig)
	if err != nil {
		return nil, &TxError{Kind: KindUnknown, Err: err}
	}
	c := bind.NewBoundContract(splitter, splitterABI, w.backend, w.backend, w.backend)
	return w.transact(ctx, c, "executeSplit",
		a.From, a.Value, a.ValidAfter, a.ValidBefore, a.Nonce, seller, salt, v, r, s)
}

// ExecuteSplitPermit2 is ExecuteSplit for a Permit2 witness transfer.
func (w *Writer) ExecuteSplitPermit2(ctx context.Context, splitter common.Address, p eip712.PermitWitness, seller common.Address, salt [32]byte, sig []byte) (*types.Transaction, error) {
	c := bind.NewBoundContract(splitter, splitterABI, w.backend, w.backend, w.backend)
	permit, wit := permitArgs(p)
	return w.transact(ctx, c, "executeSplitPermit2", permit, p.Owner, wit, sig, seller, salt)
}

// Permit2Settle submits a direct Permit2 payment through the x402 proxy.
func (w *Writer) Permit2Settle(ctx context.Context, p eip712.PermitWitness, sig []byte) (*types.Transaction, error) {
	permit, wit := permitArgs(p)
	return w.transact(ctx, w.proxy, "settle", permit, p.Owner, wit, sig)
}

func permitArgs(p eip712.PermitWitness) (permitTransferFrom, witness) {
	extra := p.Extra
	if extra == nil {
		extra = []byte{}
	}
	permit := permitTransferFrom{
		Permitted: tokenPermissions{Token: p.Token, Amount: p.Amount},
		Nonce:     p.Nonce,
		Deadline:  p.Deadline,
	}
	wit := witness{To: p.To, ValidAfter: p.ValidAfter, Extra: extra}
	return permit, wit
}

// TransferFrom moves amount from an approving owner to to.
func (w *Writer) TransferFrom(ctx context.Context, from, to common.Address, amount *big.Int) (*types.Transaction, error) {
	return w.transact(ctx, w.token, "transferFrom", from, to, amount)
}

// WaitReceipt blocks until tx is mined or the receipt timeout elapses. A
// mined transaction with status 0 yields a KindReverted *TxError alongside
// the receipt.
func (w *Writer) WaitReceipt(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, w.receiptTimeout)
	defer cancel()

	receipt, err := bind.WaitMined(ctx, w.backend, tx)
	if err != nil {
		return nil, classify(fmt.Errorf("wait mined: %w", err), tx.Hash())
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return receipt, &TxError{Kind: KindReverted, TxHash: tx.Hash()}
	}
	return receipt, nil
}
