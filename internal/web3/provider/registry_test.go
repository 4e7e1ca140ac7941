package provider

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	xerrors "ChainTrader/internal/errors"
	"ChainTrader/internal/web3"
	"ChainTrader/internal/web3/web3test"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDefinitions() web3.ChainDefinitions {
	return web3.ChainDefinitions{Networks: map[web3.Network]web3.NetworkDefinition{
		web3.Testnet: {RPCURL: "http://testnet.invalid"},
		web3.Mainnet: {RPCURL: "http://mainnet.invalid"},
	}}
}

func TestRegistryRequiresNetworks(t *testing.T) {
	_, err := NewRegistry(web3.ChainDefinitions{})
	require.Error(t, err)
}

func TestDialUnknownNetwork(t *testing.T) {
	defs := web3.ChainDefinitions{Networks: map[web3.Network]web3.NetworkDefinition{
		web3.Testnet: {RPCURL: "http://testnet.invalid"},
	}}
	r, err := NewRegistry(defs, WithDialFunc(func(context.Context, web3.Network, web3.NetworkDefinition) (web3.Chain, error) {
		return web3test.NewChain(), nil
	}))
	require.NoError(t, err)

	_, err = r.Dial(context.Background(), web3.Mainnet)
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}

func TestBreakerOpensPerNetwork(t *testing.T) {
	var testnetDials, mainnetDials atomic.Int32
	r, err := NewRegistry(testDefinitions(),
		WithBreaker(2, time.Hour),
		WithDialFunc(func(_ context.Context, n web3.Network, _ web3.NetworkDefinition) (web3.Chain, error) {
			if n == web3.Testnet {
				testnetDials.Add(1)
				return nil, errors.New("dial tcp: connection refused")
			}
			mainnetDials.Add(1)
			return web3test.NewChain(), nil
		}))
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := r.Dial(ctx, web3.Testnet)
		require.Error(t, err)
		assert.Equal(t, xerrors.CodeConnectionFailed, xerrors.CodeOf(err))
	}
	assert.Equal(t, int32(2), testnetDials.Load(), "open breaker must stop dialing")
	assert.Equal(t, "open", r.BreakerState(web3.Testnet))

	chain, err := r.Dial(ctx, web3.Mainnet)
	require.NoError(t, err)
	assert.NotNil(t, chain)
	assert.Equal(t, "closed", r.BreakerState(web3.Mainnet))
	assert.Equal(t, []web3.Network{web3.Mainnet, web3.Testnet}, r.Networks())
}

func TestConnectivityCaching(t *testing.T) {
	var dials atomic.Int32
	r, err := NewRegistry(testDefinitions(), WithDialFunc(func(context.Context, web3.Network, web3.NetworkDefinition) (web3.Chain, error) {
		dials.Add(1)
		return web3test.NewChain(), nil
	}))
	require.NoError(t, err)

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewConnectivity(r)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	first := c.Check(ctx, web3.Testnet, false)
	assert.True(t, first.Reachable)
	assert.Equal(t, uint64(1), first.BlockNumber)

	now = now.Add(time.Minute)
	c.Check(ctx, web3.Testnet, false)
	assert.Equal(t, int32(1), dials.Load(), "fresh result is reused")

	now = now.Add(6 * time.Minute)
	c.Check(ctx, web3.Testnet, false)
	assert.Equal(t, int32(2), dials.Load(), "stale result triggers a recheck")

	c.Check(ctx, web3.Testnet, true)
	assert.Equal(t, int32(3), dials.Load(), "force bypasses the cache")

	now = now.Add(31 * time.Minute)
	_, ok := c.cached(web3.Testnet)
	assert.False(t, ok)
	c.mu.Lock()
	_, kept := c.results[web3.Testnet]
	c.mu.Unlock()
	assert.False(t, kept, "expired entries are dropped")

	all := c.CheckAll(ctx, false)
	assert.Len(t, all, 2)
}

func TestConnectivityReportsFailure(t *testing.T) {
	r, err := NewRegistry(testDefinitions(), WithDialFunc(func(context.Context, web3.Network, web3.NetworkDefinition) (web3.Chain, error) {
		chain := web3test.NewChain()
		chain.StatusErr = errors.New("i/o timeout")
		return chain, nil
	}))
	require.NoError(t, err)

	result := NewConnectivity(r).Check(context.Background(), web3.Mainnet, true)
	assert.False(t, result.Reachable)
	assert.Contains(t, result.Error, "i/o timeout")
}
