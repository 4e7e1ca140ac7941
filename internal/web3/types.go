package web3

import (
	"context"
	"crypto/ecdsa"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// TxRequest 描述一次待签名的状态变更调用。Gas 为 0 时由客户端估算。
type TxRequest struct {
	To    common.Address
	Value *big.Int
	Data  []byte
	Gas   uint64
}

// Receipt 是交易上链后的规范化回执。
type Receipt struct {
	TxHash      common.Hash
	Nonce       uint64
	Status      string
	BlockNumber uint64
	GasUsed     uint64
	GasWanted   uint64
	GasFee      *big.Int
}

// Receipt 状态取值。
const (
	ReceiptPending   = "pending"
	ReceiptConfirmed = "confirmed"
	ReceiptFailed    = "failed"
)

// ChainStatus 是网络的轻量元数据。
type ChainStatus struct {
	ChainID     *big.Int
	BlockNumber uint64
	Notes       string
}

// Chain defines the capabilities the dispatch core needs from a network
// connection: queries plus sign-and-broadcast.
type Chain interface {
	Status(ctx context.Context) (ChainStatus, error)
	BalanceAt(ctx context.Context, account common.Address) (*big.Int, error)
	CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error)
	PendingNonce(ctx context.Context, account common.Address) (uint64, error)
	SignTransaction(ctx context.Context, key *ecdsa.PrivateKey, nonce uint64, req TxRequest) (*types.Transaction, error)
	Broadcast(ctx context.Context, tx *types.Transaction) error
	Receipt(ctx context.Context, hash common.Hash) (*Receipt, error)
	Close()
}
