package router

import (
	"context"
	"math/big"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ChainTrader/internal/clientfactory"
	"ChainTrader/internal/credential"
	"ChainTrader/internal/events"
	"ChainTrader/internal/executor"
	"ChainTrader/internal/registry"
	"ChainTrader/internal/session"
	"ChainTrader/internal/web3"
	"ChainTrader/internal/web3/web3test"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const chainYAML = `
networks:
  testnet:
    rpc_url: http://127.0.0.1:8545
    chain_id: 1337
    exchange_contract: "0x0000000000000000000000000000000000000065"
    denoms:
      inj: {native: true, decimals: 18}
    markets:
      - ticker: "INJ/USDT"
        id: "0x0611780ba69656949525013d947713300f56c37b6175e02f26bffa495c3208fe"
        kind: spot
  mainnet:
    rpc_url: http://127.0.0.1:8546
    chain_id: 1
    denoms:
      inj: {native: true}
`

const recipient = "0x00000000000000000000000000000000000000b0"

type recordingDialer struct {
	chain    *web3test.Chain
	mu       sync.Mutex
	networks []web3.Network
}

func (d *recordingDialer) Dial(_ context.Context, network web3.Network) (web3.Chain, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.networks = append(d.networks, network)
	return d.chain, nil
}

func (d *recordingDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.networks)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) last() events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events[len(p.events)-1]
}

type harness struct {
	router    *Router
	sessions  *session.Manager
	store     *credential.Store
	factory   *clientfactory.Factory
	chain     *web3test.Chain
	dialer    *recordingDialer
	published *recordingPublisher
	agent     common.Address
}

func newHarness(t *testing.T, submitter Submitter) *harness {
	t.Helper()
	ctx := context.Background()
	defs, err := web3.ParseChainDefinitions([]byte(chainYAML))
	require.NoError(t, err)
	reg, err := registry.New(defs)
	require.NoError(t, err)

	backend, err := credential.NewFileBackend(filepath.Join(t.TempDir(), "agents.json"))
	require.NoError(t, err)
	store := credential.NewStore(backend)
	view, err := store.Create(ctx, "alice", "testnet", "")
	require.NoError(t, err)

	h := &harness{
		store:     store,
		chain:     web3test.NewChain(),
		published: &recordingPublisher{},
		agent:     common.HexToAddress(view.Address),
	}
	h.dialer = &recordingDialer{chain: h.chain}
	h.factory = clientfactory.New(store, h.dialer)
	t.Cleanup(h.factory.Close)
	h.sessions = session.NewManager(store, h.factory)
	store.OnDelete(h.factory.Invalidate)
	store.OnDelete(h.sessions.ForgetAgent)

	if submitter == nil {
		submitter = executor.New(h.factory, executor.WithSleeper(func(context.Context, time.Duration) error { return nil }))
	}
	h.router = New(reg, h.sessions, h.factory, submitter, WithEmitter(events.NewEmitter(h.published)))
	return h
}

func (h *harness) session(t *testing.T, id, agentID string) {
	t.Helper()
	h.sessions.GetOrCreate(id)
	if agentID != "" {
		_, err := h.sessions.SetActiveAgent(context.Background(), id, agentID)
		require.NoError(t, err)
	}
}

func call(sessionID, name string, args map[string]any) session.FunctionCall {
	return session.FunctionCall{SessionID: sessionID, Name: name, Arguments: args}
}

func TestSchemaViolationNeverTouchesNetwork(t *testing.T) {
	h := newHarness(t, nil)
	h.session(t, "s1", "alice")

	res := h.router.Dispatch(context.Background(), call("s1", "place_spot_limit_order", map[string]any{
		"market_id": "INJ/USDT",
		"side":      "buy",
		"quantity":  "1",
	}))
	require.False(t, res.OK)
	assert.Equal(t, "SCHEMA_VIOLATION", res.Error.Kind)
	assert.Zero(t, h.dialer.dials())
	assert.Zero(t, h.factory.Stats().Builds)
	assert.Zero(t, h.chain.Attempts())

	history, err := h.sessions.History("s1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, session.TurnFunction, history[0].Kind)
	assert.Equal(t, "place_spot_limit_order", history[0].Call.Name)
	assert.Equal(t, "SCHEMA_VIOLATION", history[0].Result.Error.Kind)
}

func TestNoActiveAgentBeforeNetworkAccess(t *testing.T) {
	h := newHarness(t, nil)
	h.session(t, "s1", "")

	res := h.router.Dispatch(context.Background(), call("s1", "query_balances", nil))
	require.False(t, res.OK)
	assert.Equal(t, "NO_ACTIVE_AGENT", res.Error.Kind)
	assert.Zero(t, h.dialer.dials())

	res = h.router.Dispatch(context.Background(), call("s1", "transfer_funds", map[string]any{
		"amount": "1", "denom": "inj", "to_address": recipient,
	}))
	assert.Equal(t, "NO_ACTIVE_AGENT", res.Error.Kind)
	assert.Zero(t, h.chain.Attempts())
}

func TestUnknownFunctionAndSession(t *testing.T) {
	h := newHarness(t, nil)
	h.session(t, "s1", "alice")

	res := h.router.Dispatch(context.Background(), call("s1", "launch_rocket", nil))
	assert.Equal(t, "UNKNOWN_FUNCTION", res.Error.Kind)

	res = h.router.Dispatch(context.Background(), call("missing", "list_markets", nil))
	assert.Equal(t, "NOT_FOUND", res.Error.Kind)

	evt := h.published.last()
	assert.Equal(t, events.TypeDispatchCompleted, evt.Type)
	assert.Equal(t, "launch_rocket", evt.Function)
	assert.Equal(t, "UNKNOWN_FUNCTION", evt.ErrorKind)
}

func TestReadQueriesBalance(t *testing.T) {
	h := newHarness(t, nil)
	h.session(t, "s1", "alice")
	h.chain.SetBalance(h.agent, new(big.Int).Mul(big.NewInt(3), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)))

	res := h.router.Dispatch(context.Background(), call("s1", "query_balances", map[string]any{"denom_list": []any{"inj"}}))
	require.True(t, res.OK, "%+v", res.Error)
	balances := res.Payload["balances"].(map[string]any)
	assert.Equal(t, "3", balances["inj"].(map[string]any)["amount"])
	assert.Equal(t, "testnet", res.Payload["network"])
	assert.Equal(t, 1, h.dialer.dials())
}

func TestListMarketsNeedsNoAgent(t *testing.T) {
	h := newHarness(t, nil)
	h.session(t, "s1", "")

	res := h.router.Dispatch(context.Background(), call("s1", "list_markets", map[string]any{"kind": "spot"}))
	require.True(t, res.OK, "%+v", res.Error)
	markets := res.Payload["markets"].([]map[string]any)
	require.Len(t, markets, 1)
	assert.Equal(t, "INJ/USDT", markets[0]["ticker"])
	assert.Zero(t, h.dialer.dials())
}

func TestWriteGoesThroughExecutor(t *testing.T) {
	h := newHarness(t, nil)
	h.session(t, "s1", "alice")

	res := h.router.Dispatch(context.Background(), call("s1", "transfer_funds", map[string]any{
		"amount": "0.5", "denom": "inj", "to_address": recipient,
	}))
	require.True(t, res.OK, "%+v", res.Error)
	assert.Equal(t, uint64(0), res.Payload["nonce"])
	assert.Equal(t, "0.5", res.Payload["amount"])
	require.Len(t, h.chain.Accepted(), 1)
	tx := h.chain.Accepted()[0]
	assert.Equal(t, tx.Hash().Hex(), res.Payload["tx_hash"])
	assert.Equal(t, "500000000000000000", tx.Value().String())

	evt := h.published.last()
	assert.True(t, evt.OK)
	assert.Equal(t, tx.Hash().Hex(), evt.TxHash)
	assert.Equal(t, "write", evt.Tag)
	assert.Equal(t, "alice", evt.AgentID)
}

func TestChainRejectionIsReported(t *testing.T) {
	h := newHarness(t, nil)
	h.session(t, "s1", "alice")
	h.chain.BroadcastHook = func(int, *types.Transaction) error {
		return web3test.RejectWith("insufficient funds for gas * price + value")
	}

	res := h.router.Dispatch(context.Background(), call("s1", "transfer_funds", map[string]any{
		"amount": 1, "denom": "inj", "to_address": recipient,
	}))
	require.False(t, res.OK)
	assert.Equal(t, "CHAIN_REJECTED", res.Error.Kind)
	assert.Equal(t, "insufficient funds", res.Error.Message)
	assert.Equal(t, 1, h.chain.Attempts())
}

func TestReadTransportFailureSurfacesImmediately(t *testing.T) {
	h := newHarness(t, nil)
	h.session(t, "s1", "alice")
	h.chain.StatusErr = web3.Classify("status", context.DeadlineExceeded)

	res := h.router.Dispatch(context.Background(), call("s1", "get_chain_status", nil))
	require.False(t, res.OK)
	assert.Equal(t, "CONNECTION_FAILED", res.Error.Kind)
	assert.Equal(t, 1, h.dialer.dials())
	_, cached := h.factory.Cached("alice", web3.Testnet)
	assert.False(t, cached)

	h.chain.StatusErr = nil
	res = h.router.Dispatch(context.Background(), call("s1", "get_chain_status", nil))
	require.True(t, res.OK, "%+v", res.Error)
	assert.Equal(t, 2, h.dialer.dials())
}

type blockingSubmitter struct {
	started chan struct{}
	release chan struct{}
	calls   atomic.Int64
}

func (b *blockingSubmitter) Submit(ctx context.Context, _ string, network web3.Network, _ executor.Operation) (executor.Receipt, error) {
	b.calls.Add(1)
	close(b.started)
	select {
	case <-b.release:
	case <-ctx.Done():
		return executor.Receipt{}, ctx.Err()
	}
	return executor.Receipt{TxHash: "0x01", Network: string(network), Status: web3.ReceiptPending}, nil
}

func TestReadDoesNotWaitForWrites(t *testing.T) {
	sub := &blockingSubmitter{started: make(chan struct{}), release: make(chan struct{})}
	h := newHarness(t, sub)
	h.session(t, "s1", "alice")

	writeDone := make(chan session.FunctionResult, 1)
	go func() {
		writeDone <- h.router.Dispatch(context.Background(), call("s1", "transfer_funds", map[string]any{
			"amount": "1", "denom": "inj", "to_address": recipient,
		}))
	}()
	<-sub.started

	res := h.router.Dispatch(context.Background(), call("s1", "get_chain_status", nil))
	require.True(t, res.OK, "%+v", res.Error)
	select {
	case <-writeDone:
		t.Fatal("write finished before release")
	default:
	}

	close(sub.release)
	write := <-writeDone
	assert.True(t, write.OK)
	assert.Equal(t, int64(1), sub.calls.Load())
}

func TestNetworkSwitchIsolatesSessions(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.session(t, "s1", "alice")
	h.session(t, "s2", "alice")
	_, err := h.sessions.SwitchNetwork(ctx, "s2", "testnet")
	require.NoError(t, err)

	res := h.router.Dispatch(ctx, call("s1", "get_chain_status", nil))
	require.True(t, res.OK)
	assert.Equal(t, "testnet", res.Payload["network"])
	res = h.router.Dispatch(ctx, call("s2", "get_chain_status", nil))
	require.True(t, res.OK)
	before, ok := h.factory.Cached("alice", web3.Testnet)
	require.True(t, ok)

	_, err = h.sessions.SwitchNetwork(ctx, "s1", "mainnet")
	require.NoError(t, err)
	after, ok := h.factory.Cached("alice", web3.Testnet)
	require.True(t, ok, "s2 still pins testnet")
	assert.Same(t, before, after)

	res = h.router.Dispatch(ctx, call("s1", "get_chain_status", nil))
	require.True(t, res.OK)
	assert.Equal(t, "mainnet", res.Payload["network"])

	res = h.router.Dispatch(ctx, call("s2", "get_chain_status", nil))
	require.True(t, res.OK)
	assert.Equal(t, "testnet", res.Payload["network"])

	mainnet, ok := h.factory.Cached("alice", web3.Mainnet)
	require.True(t, ok)
	testnet, ok := h.factory.Cached("alice", web3.Testnet)
	require.True(t, ok)
	assert.NotSame(t, mainnet, testnet)
	assert.Same(t, before, testnet)

	// mainnet has no exchange contract configured.
	res = h.router.Dispatch(ctx, call("s1", "get_spot_orderbook", map[string]any{"market_id": "INJ/USDT"}))
	require.False(t, res.OK)
	assert.Equal(t, "SCHEMA_VIOLATION", res.Error.Kind)
}
