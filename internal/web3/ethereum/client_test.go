package ethereum

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"testing"
	"time"

	"ChainTrader/internal/web3"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
)

func newSimulated(t *testing.T) (*simulated.Backend, *Client, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	funds, _ := new(big.Int).SetString("1000000000000000000000", 10)
	backend := simulated.NewBackend(coretypes.GenesisAlloc{
		crypto.PubkeyToAddress(key.PublicKey): {Balance: funds},
	})
	t.Cleanup(func() { _ = backend.Close() })
	client := NewBackendClient("simulated", backend.Client(), 20)
	t.Cleanup(client.Close)
	return backend, client, key
}

func TestClientStatusAndBalance(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, client, key := newSimulated(t)

	status, err := client.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.ChainID.Int64() != 1337 {
		t.Fatalf("unexpected chain id %s", status.ChainID)
	}

	balance, err := client.BalanceAt(ctx, crypto.PubkeyToAddress(key.PublicKey))
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if web3.FormatUnits(balance, 18) != "1000" {
		t.Fatalf("unexpected balance %s", balance)
	}
}

func TestClientSignBroadcastReceipt(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	backend, client, key := newSimulated(t)
	from := crypto.PubkeyToAddress(key.PublicKey)
	to := common.HexToAddress("0x00000000000000000000000000000000000000b0")

	nonce, err := client.PendingNonce(ctx, from)
	if err != nil {
		t.Fatalf("pending nonce: %v", err)
	}
	if nonce != 0 {
		t.Fatalf("expected fresh account nonce 0, got %d", nonce)
	}

	tx, err := client.SignTransaction(ctx, key, nonce, web3.TxRequest{To: to, Value: big.NewInt(1_000)})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if tx.Gas() < 21_000 {
		t.Fatalf("gas estimate too small: %d", tx.Gas())
	}
	if err := client.Broadcast(ctx, tx); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	err = client.Broadcast(ctx, tx)
	if reason, ok := web3.RejectionReason(err); !ok || reason != web3.ReasonAlreadyKnown {
		t.Fatalf("expected already known rejection, got %v", err)
	}

	pending, err := client.Receipt(ctx, tx.Hash())
	if err != nil || pending != nil {
		t.Fatalf("expected no receipt before commit, got %+v / %v", pending, err)
	}

	backend.Commit()

	receipt, err := client.Receipt(ctx, tx.Hash())
	if err != nil {
		t.Fatalf("receipt: %v", err)
	}
	if receipt == nil || receipt.Status != web3.ReceiptConfirmed {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
	if receipt.GasUsed != 21_000 || receipt.GasFee.Sign() <= 0 {
		t.Fatalf("unexpected gas accounting %+v", receipt)
	}

	err = client.Broadcast(ctx, tx)
	if reason, ok := web3.RejectionReason(err); !ok || reason != web3.ReasonInvalidSequence {
		t.Fatalf("expected invalid sequence after inclusion, got %v", err)
	}
}

func TestClientInsufficientFundsIsRejection(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, client, _ := newSimulated(t)
	poor, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	tx, err := client.SignTransaction(ctx, poor, 0, web3.TxRequest{
		To:    common.HexToAddress("0x00000000000000000000000000000000000000b1"),
		Value: big.NewInt(1),
		Gas:   21_000,
	})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	err = client.Broadcast(ctx, tx)
	if web3.IsTransport(err) {
		t.Fatalf("insufficient funds must not be a transport failure: %v", err)
	}
	if reason, _ := web3.RejectionReason(err); reason != web3.ReasonInsufficientFunds {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
}

func TestClosedClientReportsTransportFailure(t *testing.T) {
	t.Parallel()
	_, client, key := newSimulated(t)
	client.Close()

	_, err := client.BalanceAt(context.Background(), crypto.PubkeyToAddress(key.PublicKey))
	if !web3.IsTransport(err) {
		t.Fatalf("expected transport failure after close, got %v", err)
	}
}
