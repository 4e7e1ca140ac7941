// Package web3test provides an in-memory web3.Chain for tests.
package web3test

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"

	"ChainTrader/internal/web3"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Chain is a fake network. It enforces account nonces the way a node does,
// so out-of-order or duplicated submissions surface as rejections.
type Chain struct {
	ID *big.Int

	// BroadcastHook runs before a broadcast is accepted. attempt counts every
	// broadcast on this chain, starting at 1. A non-nil error aborts it.
	BroadcastHook func(attempt int, tx *types.Transaction) error
	// CallHook answers CallContract.
	CallHook func(to common.Address, data []byte) ([]byte, error)
	// StatusErr makes Status fail.
	StatusErr error

	mu        sync.Mutex
	balances  map[common.Address]*big.Int
	nonces    map[common.Address]uint64
	attempts  int
	accepted  []*types.Transaction
	receipts  map[common.Hash]*web3.Receipt
	height    uint64
	closed    bool
	callCount int
}

var _ web3.Chain = (*Chain)(nil)

// NewChain returns a fake chain with chain id 1337.
func NewChain() *Chain {
	return &Chain{
		ID:       big.NewInt(1337),
		balances: make(map[common.Address]*big.Int),
		nonces:   make(map[common.Address]uint64),
		receipts: make(map[common.Hash]*web3.Receipt),
		height:   1,
	}
}

// SetBalance sets the native balance of account.
func (c *Chain) SetBalance(account common.Address, v *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[account] = new(big.Int).Set(v)
}

// Attempts returns how many broadcasts were attempted.
func (c *Chain) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Accepted returns accepted transactions in acceptance order.
func (c *Chain) Accepted() []*types.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*types.Transaction(nil), c.accepted...)
}

// Calls returns the number of CallContract invocations.
func (c *Chain) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callCount
}

// Closed reports whether Close was called.
func (c *Chain) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Chain) Status(context.Context) (web3.ChainStatus, error) {
	if c.StatusErr != nil {
		return web3.ChainStatus{}, c.StatusErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return web3.ChainStatus{ChainID: new(big.Int).Set(c.ID), BlockNumber: c.height, Notes: "fake"}, nil
}

func (c *Chain) BalanceAt(_ context.Context, account common.Address) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.balances[account]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

func (c *Chain) CallContract(_ context.Context, to common.Address, data []byte) ([]byte, error) {
	c.mu.Lock()
	c.callCount++
	hook := c.CallHook
	c.mu.Unlock()
	if hook == nil {
		return nil, nil
	}
	return hook(to, data)
}

func (c *Chain) PendingNonce(_ context.Context, account common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nonces[account], nil
}

func (c *Chain) SignTransaction(_ context.Context, key *ecdsa.PrivateKey, nonce uint64, req web3.TxRequest) (*types.Transaction, error) {
	gas := req.Gas
	if gas == 0 {
		gas = 21_000
	}
	value := req.Value
	if value == nil {
		value = new(big.Int)
	}
	to := req.To
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: big.NewInt(1_000_000_000),
		Gas:      gas,
		To:       &to,
		Value:    value,
		Data:     req.Data,
	})
	return types.SignTx(tx, types.LatestSignerForChainID(c.ID), key)
}

func (c *Chain) Broadcast(_ context.Context, tx *types.Transaction) error {
	c.mu.Lock()
	c.attempts++
	attempt := c.attempts
	hook := c.BroadcastHook
	c.mu.Unlock()

	if hook != nil {
		if err := hook(attempt, tx); err != nil {
			return web3.Classify("broadcast", err)
		}
	}

	from, err := types.Sender(types.LatestSignerForChainID(c.ID), tx)
	if err != nil {
		return web3.Classify("broadcast", fmt.Errorf("invalid sender: %w", err))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.receipts[tx.Hash()]; ok {
		return web3.Classify("broadcast", rpcError("already known"))
	}
	expected := c.nonces[from]
	switch {
	case tx.Nonce() < expected:
		return web3.Classify("broadcast", rpcError(fmt.Sprintf("nonce too low: next nonce %d, tx nonce %d", expected, tx.Nonce())))
	case tx.Nonce() > expected:
		return web3.Classify("broadcast", rpcError(fmt.Sprintf("nonce too high: next nonce %d, tx nonce %d", expected, tx.Nonce())))
	}
	c.nonces[from] = expected + 1
	c.accepted = append(c.accepted, tx)
	c.height++
	c.receipts[tx.Hash()] = &web3.Receipt{
		TxHash:      tx.Hash(),
		Nonce:       tx.Nonce(),
		Status:      web3.ReceiptConfirmed,
		BlockNumber: c.height,
		GasUsed:     tx.Gas(),
		GasFee:      new(big.Int).Mul(tx.GasPrice(), new(big.Int).SetUint64(tx.Gas())),
	}
	return nil
}

func (c *Chain) Receipt(_ context.Context, hash common.Hash) (*web3.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.receipts[hash]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (c *Chain) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

type rpcError string

func (e rpcError) Error() string  { return string(e) }
func (e rpcError) ErrorCode() int { return -32000 }

// RejectWith returns an error that classifies as a chain rejection.
func RejectWith(msg string) error { return rpcError(msg) }
