package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"ChainTrader/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name   string
	RPCURL string
	// ChainID 非空时在建连后校验节点返回的链 ID。
	ChainID          *big.Int
	GasBufferPercent int
	Notes            string
}

// Backend 是客户端依赖的节点能力子集，*ethclient.Client 与
// ethclient/simulated 的 Client 均满足该接口。
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	EstimateGas(ctx context.Context, msg gethcore.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
}

// Client implements web3.Chain for EVM compatible networks.
type Client struct {
	name      string
	notes     string
	gasBuffer int
	rpcClient *gethrpc.Client
	backend   Backend

	mu      sync.Mutex
	chainID *big.Int
	closed  bool
}

var _ web3.Chain = (*Client)(nil)

// NewClient dials the configured RPC endpoint and verifies the chain id.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, web3.Classify("dial", fmt.Errorf("连接节点失败: %w", err))
	}

	client := &Client{
		name:      cfg.Name,
		notes:     cfg.Notes,
		gasBuffer: cfg.GasBufferPercent,
		rpcClient: rpcClient,
		backend:   ethclient.NewClient(rpcClient),
	}

	chainID, err := client.loadChainID(ctx)
	if err != nil {
		client.Close()
		return nil, err
	}
	if cfg.ChainID != nil && cfg.ChainID.Cmp(chainID) != 0 {
		client.Close()
		return nil, fmt.Errorf("节点链 ID %s 与配置 %s 不一致", chainID, cfg.ChainID)
	}
	return client, nil
}

// NewBackendClient wraps an existing backend, typically the simulated one
// used in tests.
func NewBackendClient(name string, backend Backend, gasBufferPercent int) *Client {
	return &Client{
		name:      name,
		notes:     "in-process backend",
		gasBuffer: gasBufferPercent,
		backend:   backend,
	}
}

// Name 返回网络名称。
func (c *Client) Name() string { return c.name }

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
}

func (c *Client) live() (Backend, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.backend == nil {
		return nil, &web3.TransportError{Op: "client", Err: errors.New("client is closed")}
	}
	return c.backend, nil
}

func (c *Client) loadChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	cached := c.chainID
	c.mu.Unlock()
	if cached != nil {
		return cached, nil
	}
	backend, err := c.live()
	if err != nil {
		return nil, err
	}
	id, err := backend.ChainID(ctx)
	if err != nil {
		return nil, web3.Classify("chain_id", err)
	}
	c.mu.Lock()
	c.chainID = id
	c.mu.Unlock()
	return id, nil
}

// Status gathers lightweight metadata from the chain.
func (c *Client) Status(ctx context.Context) (web3.ChainStatus, error) {
	chainID, err := c.loadChainID(ctx)
	if err != nil {
		return web3.ChainStatus{}, err
	}
	backend, err := c.live()
	if err != nil {
		return web3.ChainStatus{}, err
	}
	height, err := backend.BlockNumber(ctx)
	if err != nil {
		return web3.ChainStatus{}, web3.Classify("block_number", err)
	}
	return web3.ChainStatus{ChainID: new(big.Int).Set(chainID), BlockNumber: height, Notes: c.notes}, nil
}

// BalanceAt 查询原生币余额（最小单位）。
func (c *Client) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	backend, err := c.live()
	if err != nil {
		return nil, err
	}
	balance, err := backend.BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, web3.Classify("balance", err)
	}
	return balance, nil
}

// CallContract 执行只读合约调用。
func (c *Client) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	backend, err := c.live()
	if err != nil {
		return nil, err
	}
	out, err := backend.CallContract(ctx, gethcore.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, web3.Classify("call", err)
	}
	return out, nil
}

// PendingNonce 返回账户下一个可用的 nonce。
func (c *Client) PendingNonce(ctx context.Context, account common.Address) (uint64, error) {
	backend, err := c.live()
	if err != nil {
		return 0, err
	}
	nonce, err := backend.PendingNonceAt(ctx, account)
	if err != nil {
		return 0, web3.Classify("pending_nonce", err)
	}
	return nonce, nil
}

// SignTransaction 估算 gas 与费用并签名，不做广播。
func (c *Client) SignTransaction(ctx context.Context, key *ecdsa.PrivateKey, nonce uint64, req web3.TxRequest) (*coretypes.Transaction, error) {
	if key == nil {
		return nil, errors.New("缺少签名私钥")
	}
	chainID, err := c.loadChainID(ctx)
	if err != nil {
		return nil, err
	}
	backend, err := c.live()
	if err != nil {
		return nil, err
	}

	from := crypto.PubkeyToAddress(key.PublicKey)
	value := req.Value
	if value == nil {
		value = new(big.Int)
	}

	gas := req.Gas
	if gas == 0 {
		to := req.To
		estimated, err := backend.EstimateGas(ctx, gethcore.CallMsg{From: from, To: &to, Value: value, Data: req.Data})
		if err != nil {
			return nil, web3.Classify("estimate_gas", err)
		}
		gas = estimated + estimated*uint64(c.gasBuffer)/100
	}

	head, err := backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, web3.Classify("header", err)
	}

	var tx *coretypes.Transaction
	if head.BaseFee != nil {
		tip, err := backend.SuggestGasTipCap(ctx)
		if err != nil {
			return nil, web3.Classify("gas_tip", err)
		}
		feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
		tx = coretypes.NewTx(&coretypes.DynamicFeeTx{
			ChainID:   chainID,
			Nonce:     nonce,
			GasTipCap: tip,
			GasFeeCap: feeCap,
			Gas:       gas,
			To:        &req.To,
			Value:     value,
			Data:      req.Data,
		})
	} else {
		price, err := backend.SuggestGasPrice(ctx)
		if err != nil {
			return nil, web3.Classify("gas_price", err)
		}
		tx = coretypes.NewTx(&coretypes.LegacyTx{
			Nonce:    nonce,
			GasPrice: price,
			Gas:      gas,
			To:       &req.To,
			Value:    value,
			Data:     req.Data,
		})
	}

	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(chainID), key)
	if err != nil {
		return nil, fmt.Errorf("签名交易失败: %w", err)
	}
	return signed, nil
}

// Broadcast 广播已签名交易。
func (c *Client) Broadcast(ctx context.Context, tx *coretypes.Transaction) error {
	if tx == nil {
		return errors.New("没有可发送的交易")
	}
	backend, err := c.live()
	if err != nil {
		return err
	}
	if err := backend.SendTransaction(ctx, tx); err != nil {
		return web3.Classify("broadcast", err)
	}
	return nil
}

// Receipt 查询交易回执；交易尚未上链时返回 nil, nil。
func (c *Client) Receipt(ctx context.Context, hash common.Hash) (*web3.Receipt, error) {
	backend, err := c.live()
	if err != nil {
		return nil, err
	}
	receipt, err := backend.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, gethcore.NotFound) {
			return nil, nil
		}
		return nil, web3.Classify("receipt", err)
	}

	status := web3.ReceiptConfirmed
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		status = web3.ReceiptFailed
	}
	fee := new(big.Int)
	if receipt.EffectiveGasPrice != nil {
		fee.Mul(receipt.EffectiveGasPrice, new(big.Int).SetUint64(receipt.GasUsed))
	}
	var height uint64
	if receipt.BlockNumber != nil {
		height = receipt.BlockNumber.Uint64()
	}
	return &web3.Receipt{
		TxHash:      receipt.TxHash,
		Status:      status,
		BlockNumber: height,
		GasUsed:     receipt.GasUsed,
		GasFee:      fee,
	}, nil
}
