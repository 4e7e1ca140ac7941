package executor

import (
	"context"
	"math/big"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ChainTrader/internal/clientfactory"
	"ChainTrader/internal/credential"
	xerrors "ChainTrader/internal/errors"
	"ChainTrader/internal/observability/alerting"
	"ChainTrader/internal/web3"
	"ChainTrader/internal/web3/web3test"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var recipient = common.HexToAddress("0x00000000000000000000000000000000000000b0")

// sharedDialer hands out the same chain on every dial so account state
// survives client rebuilds.
type sharedDialer struct {
	chain web3.Chain
	dials atomic.Int64
	// fail, when set, can reject the n-th dial.
	fail func(n int64) error
}

func (d *sharedDialer) Dial(context.Context, web3.Network) (web3.Chain, error) {
	n := d.dials.Add(1)
	if d.fail != nil {
		if err := d.fail(n); err != nil {
			return nil, err
		}
	}
	return d.chain, nil
}

// lossyChain accepts the first broadcast but reports a timeout to the caller.
type lossyChain struct {
	*web3test.Chain
	dropped atomic.Bool
}

func (c *lossyChain) Broadcast(ctx context.Context, tx *types.Transaction) error {
	err := c.Chain.Broadcast(ctx, tx)
	if err == nil && c.dropped.CompareAndSwap(false, true) {
		return web3.Classify("broadcast", context.DeadlineExceeded)
	}
	return err
}

type recordingAlerts struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingAlerts) Notify(_ context.Context, e alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

type fixture struct {
	store   *credential.Store
	factory *clientfactory.Factory
	dialer  *sharedDialer
	exec    *Executor
	slept   []time.Duration
	mu      sync.Mutex
}

func newFixture(t *testing.T, chain web3.Chain, opts ...Option) *fixture {
	t.Helper()
	backend, err := credential.NewFileBackend(filepath.Join(t.TempDir(), "agents.json"))
	require.NoError(t, err)
	store := credential.NewStore(backend)
	_, err = store.Create(context.Background(), "alice", "testnet", "")
	require.NoError(t, err)

	f := &fixture{store: store, dialer: &sharedDialer{chain: chain}}
	f.factory = clientfactory.New(store, f.dialer)
	store.OnDelete(f.factory.Invalidate)
	opts = append([]Option{WithSleeper(func(_ context.Context, d time.Duration) error {
		f.mu.Lock()
		f.slept = append(f.slept, d)
		f.mu.Unlock()
		return nil
	})}, opts...)
	f.exec = New(f.factory, opts...)
	t.Cleanup(f.factory.Close)
	return f
}

func transfer(wei int64) Operation {
	return Operation{
		Function: "transfer_funds",
		Build: func(_ context.Context, from common.Address) (web3.TxRequest, map[string]any, error) {
			return web3.TxRequest{To: recipient, Value: big.NewInt(wei)}, map[string]any{"from": from.Hex()}, nil
		},
	}
}

func TestSubmitAssignsSequentialNonces(t *testing.T) {
	chain := web3test.NewChain()
	f := newFixture(t, chain)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		r, err := f.exec.Submit(ctx, "alice", "", transfer(1))
		require.NoError(t, err)
		assert.Equal(t, uint64(i), r.Nonce)
		assert.Equal(t, 1, r.Attempts)
		assert.Equal(t, "testnet", r.Network)
		assert.NotEmpty(t, r.TxHash)
		assert.Equal(t, web3.ReceiptPending, r.Status)
	}
	assert.Len(t, chain.Accepted(), 3)
	assert.Equal(t, 0, f.exec.locks.size())
}

func TestConcurrentSubmitsProduceGapFreeNonces(t *testing.T) {
	chain := web3test.NewChain()
	f := newFixture(t, chain)
	ctx := context.Background()

	const n = 10
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.exec.Submit(ctx, "alice", "", transfer(int64(i+1)))
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	accepted := chain.Accepted()
	require.Len(t, accepted, n)
	nonces := make([]int, 0, n)
	for _, tx := range accepted {
		nonces = append(nonces, int(tx.Nonce()))
	}
	sort.Ints(nonces)
	for i, nonce := range nonces {
		assert.Equal(t, i, nonce)
	}
	assert.Equal(t, n, chain.Attempts())
}

func TestSubmitRetriesTransportFailures(t *testing.T) {
	chain := web3test.NewChain()
	chain.BroadcastHook = func(attempt int, _ *types.Transaction) error {
		if attempt <= 2 {
			return context.DeadlineExceeded
		}
		return nil
	}
	f := newFixture(t, chain)

	r, err := f.exec.Submit(context.Background(), "alice", "", transfer(1))
	require.NoError(t, err)
	assert.Equal(t, 3, r.Attempts)
	assert.Equal(t, 3, chain.Attempts())
	assert.Len(t, chain.Accepted(), 1)
	assert.Equal(t, int64(3), f.dialer.dials.Load())
	assert.Equal(t, []time.Duration{200 * time.Millisecond, 400 * time.Millisecond}, f.slept)
}

func TestSubmitDoesNotRetryRejections(t *testing.T) {
	chain := web3test.NewChain()
	chain.BroadcastHook = func(int, *types.Transaction) error {
		return web3test.RejectWith("insufficient funds for gas * price + value")
	}
	f := newFixture(t, chain)

	_, err := f.exec.Submit(context.Background(), "alice", "", transfer(1))
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeChainRejected))
	assert.Equal(t, web3.ReasonInsufficientFunds, xerrors.MessageOf(err))
	coded, ok := xerrors.From(err)
	require.True(t, ok)
	assert.Equal(t, web3.ReasonInsufficientFunds, coded.Metadata()["reason"])
	assert.Equal(t, 1, chain.Attempts())
	assert.Empty(t, f.slept)

	chain.BroadcastHook = nil
	r, err := f.exec.Submit(context.Background(), "alice", "", transfer(1))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), r.Nonce)
}

func TestSubmitReportsUncertainOutcomeAfterExhaustedRetries(t *testing.T) {
	chain := web3test.NewChain()
	chain.BroadcastHook = func(int, *types.Transaction) error { return context.DeadlineExceeded }
	alerts := &recordingAlerts{}
	f := newFixture(t, chain, WithAlerts(alerts))

	_, err := f.exec.Submit(context.Background(), "alice", "", transfer(1))
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeOutcomeUncertain))
	coded, ok := xerrors.From(err)
	require.True(t, ok)
	assert.NotEmpty(t, coded.Metadata()["tx_hash"])
	assert.Equal(t, "3", coded.Metadata()["attempts"])
	assert.Equal(t, DefaultMaxAttempts, chain.Attempts())

	require.Len(t, alerts.events, 1)
	event := alerts.events[0]
	assert.Equal(t, xerrors.CodeOutcomeUncertain, event.Code)
	assert.Equal(t, "alice", event.AgentID)
	assert.Equal(t, "transfer_funds", event.Function)
	assert.Equal(t, 3, event.Attempts)
}

func TestSubmitTreatsAlreadyKnownAsAccepted(t *testing.T) {
	chain := &lossyChain{Chain: web3test.NewChain()}
	f := newFixture(t, chain)

	r, err := f.exec.Submit(context.Background(), "alice", "", transfer(1))
	require.NoError(t, err)
	assert.Equal(t, 2, r.Attempts)
	assert.Len(t, chain.Accepted(), 1)
	assert.Equal(t, chain.Accepted()[0].Hash().Hex(), r.TxHash)

	next, err := f.exec.Submit(context.Background(), "alice", "", transfer(1))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), next.Nonce)
}

func TestSubmitSequenceErrorAfterLostBroadcastFindsInclusion(t *testing.T) {
	chain := &lossyChain{Chain: web3test.NewChain()}
	// The node already mined the first send and no longer reports it as known.
	chain.BroadcastHook = func(attempt int, _ *types.Transaction) error {
		if attempt == 2 {
			return web3test.RejectWith("nonce too low: next nonce 1, tx nonce 0")
		}
		return nil
	}
	f := newFixture(t, chain)

	r, err := f.exec.Submit(context.Background(), "alice", "", transfer(1))
	require.NoError(t, err)
	assert.Equal(t, 2, r.Attempts)
	require.Len(t, chain.Accepted(), 1)
	assert.Equal(t, chain.Accepted()[0].Hash().Hex(), r.TxHash)

	next, err := f.exec.Submit(context.Background(), "alice", "", transfer(1))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), next.Nonce)
}

func TestSubmitSequenceErrorAfterLostBroadcastIsUncertain(t *testing.T) {
	chain := web3test.NewChain()
	chain.BroadcastHook = func(attempt int, _ *types.Transaction) error {
		switch attempt {
		case 1:
			return context.DeadlineExceeded
		case 2:
			return web3test.RejectWith("nonce too low: next nonce 1, tx nonce 0")
		}
		return nil
	}
	alerts := &recordingAlerts{}
	f := newFixture(t, chain, WithAlerts(alerts))

	_, err := f.exec.Submit(context.Background(), "alice", "", transfer(1))
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeOutcomeUncertain), "got %v", err)
	assert.False(t, xerrors.HasCode(err, xerrors.CodeChainRejected))
	coded, ok := xerrors.From(err)
	require.True(t, ok)
	assert.NotEmpty(t, coded.Metadata()["tx_hash"])
	assert.Equal(t, "2", coded.Metadata()["attempts"])
	assert.Equal(t, 2, chain.Attempts())
	require.Len(t, alerts.events, 1)
}

func TestSubmitCountsOnlyBroadcasts(t *testing.T) {
	chain := web3test.NewChain()
	chain.BroadcastHook = func(attempt int, _ *types.Transaction) error {
		if attempt == 1 {
			return context.DeadlineExceeded
		}
		return nil
	}
	f := newFixture(t, chain)
	f.dialer.fail = func(n int64) error {
		if n == 2 {
			return context.DeadlineExceeded
		}
		return nil
	}

	r, err := f.exec.Submit(context.Background(), "alice", "", transfer(1))
	require.NoError(t, err)
	assert.Equal(t, 2, r.Attempts)
	assert.Equal(t, 2, chain.Attempts())
	assert.Equal(t, int64(3), f.dialer.dials.Load())
}

func TestSubmitResyncsAfterExternalTransaction(t *testing.T) {
	chain := web3test.NewChain()
	f := newFixture(t, chain)
	ctx := context.Background()

	_, err := f.exec.Submit(ctx, "alice", "", transfer(1))
	require.NoError(t, err)

	key, _, err := f.store.Signer(ctx, "alice")
	require.NoError(t, err)
	external, err := chain.SignTransaction(ctx, key, 1, web3.TxRequest{To: recipient, Value: big.NewInt(7)})
	require.NoError(t, err)
	require.NoError(t, chain.Broadcast(ctx, external))

	_, err = f.exec.Submit(ctx, "alice", "", transfer(1))
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeChainRejected))
	assert.Equal(t, web3.ReasonInvalidSequence, xerrors.MessageOf(err))

	r, err := f.exec.Submit(ctx, "alice", "", transfer(1))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), r.Nonce)
}

func TestSubmitWaitsForReceipt(t *testing.T) {
	chain := web3test.NewChain()
	f := newFixture(t, chain, WithConfig(Config{ConfirmTimeout: time.Second, PollInterval: time.Millisecond}))

	r, err := f.exec.Submit(context.Background(), "alice", "", transfer(1))
	require.NoError(t, err)
	assert.Equal(t, web3.ReceiptConfirmed, r.Status)
	assert.Equal(t, uint64(21_000), r.GasUsed)
	assert.Equal(t, "21000000000000", r.GasFee)
	assert.NotZero(t, r.BlockNumber)
}

func TestSubmitUnknownAgent(t *testing.T) {
	chain := web3test.NewChain()
	f := newFixture(t, chain)

	_, err := f.exec.Submit(context.Background(), "bob", "", transfer(1))
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeUnknownAgent))
	assert.Zero(t, chain.Attempts())
}

func TestBackoffIsExponentialAndCapped(t *testing.T) {
	e := New(nil, WithConfig(Config{BaseBackoff: 100 * time.Millisecond, MaxBackoff: time.Second}))
	assert.Equal(t, 100*time.Millisecond, e.Backoff(1))
	assert.Equal(t, 200*time.Millisecond, e.Backoff(2))
	assert.Equal(t, 400*time.Millisecond, e.Backoff(3))
	assert.Equal(t, time.Second, e.Backoff(5))
	assert.Equal(t, time.Second, e.Backoff(40))

	jittered := New(nil, WithConfig(Config{BaseBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, Jitter: true}))
	for i := 1; i < 6; i++ {
		assert.LessOrEqual(t, jittered.Backoff(i), e.Backoff(i))
	}
}

func TestAgentLockIsFIFO(t *testing.T) {
	locks := newAgentLocks()
	ctx := context.Background()

	release, err := locks.Lock(ctx, "alice")
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := locks.Lock(ctx, "alice")
			if err != nil {
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			r()
		}(i)
		require.Eventually(t, func() bool { return locks.waiting("alice") == i+1 }, time.Second, time.Millisecond)
	}

	release()
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
	assert.Equal(t, 0, locks.size())
}

func TestAgentLockDoesNotBlockOtherAgents(t *testing.T) {
	locks := newAgentLocks()
	ctx := context.Background()

	releaseA, err := locks.Lock(ctx, "alice")
	require.NoError(t, err)
	defer releaseA()

	done := make(chan struct{})
	go func() {
		r, err := locks.Lock(ctx, "bob")
		if err == nil {
			r()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock for bob blocked behind alice")
	}
}

func TestAgentLockCancelledWaiterLeavesQueue(t *testing.T) {
	locks := newAgentLocks()
	release, err := locks.Lock(context.Background(), "alice")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := locks.Lock(ctx, "alice")
		errCh <- err
	}()
	require.Eventually(t, func() bool { return locks.waiting("alice") == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
	assert.Equal(t, 0, locks.waiting("alice"))

	release()
	release()
	assert.Equal(t, 0, locks.size())

	again, err := locks.Lock(context.Background(), "alice")
	require.NoError(t, err)
	again()
}
