package web3

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"syscall"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleChainYAML = `
networks:
  testnet:
    rpc_url: http://127.0.0.1:8545
    chain_id: 1439
    exchange_contract: "0x0000000000000000000000000000000000000065"
    staking_contract: "0x0000000000000000000000000000000000000066"
    denoms:
      inj: {native: true, decimals: 18}
      usdt: {address: "0x00000000000000000000000000000000000000a1"}
      peggy0xdac: {address: "0x00000000000000000000000000000000000000a2"}
    markets:
      - ticker: "BTC/USDT PERP"
        id: "0x4ca0f92fc28be0c9761326016b5a1a2177dd6375558365116b5bdda9abc229ce"
        kind: derivative
      - ticker: "INJ/USDT"
        id: "0x0611780ba69656949525013d947713300f56c37b6175e02f26bffa495c3208fe"
        kind: spot
`

func TestParseChainDefinitions(t *testing.T) {
	defs, err := ParseChainDefinitions([]byte(sampleChainYAML))
	require.NoError(t, err)

	testnet, ok := defs.Network(Testnet)
	require.True(t, ok)
	assert.Equal(t, big.NewInt(1439), testnet.ChainIDBig())
	assert.Equal(t, []string{"inj", "peggy0xdac", "usdt"}, testnet.DenomSymbols())

	usdt, ok := testnet.Denom("USDT")
	require.True(t, ok)
	assert.Equal(t, int32(6), usdt.Decimals, "usdt falls back to 6 decimals")

	peggy, ok := testnet.Denom("peggy0xdac")
	require.True(t, ok)
	assert.Equal(t, int32(6), peggy.Decimals)

	_, ok = defs.Network(Mainnet)
	assert.False(t, ok)
}

func TestParseChainDefinitionsRejectsBadInput(t *testing.T) {
	_, err := ParseChainDefinitions([]byte("networks:\n  devnet:\n    rpc_url: http://x\n"))
	require.Error(t, err)

	_, err = ParseChainDefinitions([]byte("networks:\n  testnet:\n    rpc_url: \"\"\n"))
	require.Error(t, err)

	_, err = ParseChainDefinitions([]byte("networks:\n  testnet:\n    rpc_url: http://x\n    denoms:\n      usdt: {decimals: 6}\n"))
	require.Error(t, err)
}

func TestMarketImputation(t *testing.T) {
	defs, err := ParseChainDefinitions([]byte(sampleChainYAML))
	require.NoError(t, err)
	testnet, _ := defs.Network(Testnet)

	m, err := testnet.Market("btc/usdt  perp", MarketDerivative)
	require.NoError(t, err)
	assert.Equal(t, "BTC/USDT PERP", m.Ticker)

	m, err = testnet.Market("inj-usdt", MarketSpot)
	require.NoError(t, err)
	assert.Equal(t, MarketSpot, m.Kind)

	_, err = testnet.Market("INJ/USDT", MarketDerivative)
	require.Error(t, err, "a spot ticker is not a derivative market")

	raw := "0x" + "ab" + fmt.Sprintf("%062x", 7)
	m, err = testnet.Market(raw, MarketSpot)
	require.NoError(t, err, "unknown raw ids pass through")
	assert.Equal(t, raw, m.ID)

	_, err = testnet.Market("   ", MarketSpot)
	require.Error(t, err)
}

func TestParseNetwork(t *testing.T) {
	n, ok := ParseNetwork(" MainNet ")
	require.True(t, ok)
	assert.Equal(t, Mainnet, n)

	_, ok = ParseNetwork("devnet")
	assert.False(t, ok)
	assert.Equal(t, Testnet, NetworkOrDefault("devnet", Testnet))
}

func TestAmountConversion(t *testing.T) {
	amt, err := ParseAmount("1.5")
	require.NoError(t, err)
	units, err := ToBaseUnits(amt, 6)
	require.NoError(t, err)
	assert.Equal(t, "1500000", units.String())

	_, err = ToBaseUnits(decimal.RequireFromString("0.0000001"), 6)
	require.Error(t, err, "more precision than the denom supports")

	_, err = ToBaseUnits(decimal.NewFromInt(-1), 6)
	require.Error(t, err)

	wei, _ := new(big.Int).SetString("2500000000000000000", 10)
	assert.Equal(t, "2.5", FormatUnits(wei, 18))

	f, err := ParseAmount(float64(0.25))
	require.NoError(t, err)
	assert.Equal(t, "0.25", f.String())

	_, err = ParseAmount(true)
	require.Error(t, err)
}

type fakeRPCError struct{ msg string }

func (e fakeRPCError) Error() string  { return e.msg }
func (e fakeRPCError) ErrorCode() int { return -32000 }

func TestClassify(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		transport bool
		reason    string
	}{
		{"deadline", context.DeadlineExceeded, true, ""},
		{"reset", fmt.Errorf("post: %w", syscall.ECONNRESET), true, ""},
		{"refused text", errors.New("dial tcp 127.0.0.1:8545: connect: connection refused"), true, ""},
		{"funds", fakeRPCError{"insufficient funds for gas * price + value: have 0 want 1"}, false, ReasonInsufficientFunds},
		{"nonce", fakeRPCError{"nonce too low: next nonce 4, tx nonce 3"}, false, ReasonInvalidSequence},
		{"known", fakeRPCError{"already known"}, false, ReasonAlreadyKnown},
		{"revert", fakeRPCError{"execution reverted: market paused"}, false, "execution reverted: market paused"},
		{"other", fakeRPCError{"unsupported order type"}, false, "unsupported order type"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Classify("broadcast", tc.err)
			assert.Equal(t, tc.transport, IsTransport(err))
			reason, rejected := RejectionReason(err)
			assert.Equal(t, !tc.transport, rejected)
			assert.Equal(t, tc.reason, reason)
			assert.ErrorIs(t, err, tc.err)
		})
	}

	assert.NoError(t, Classify("x", nil))
	assert.Equal(t, context.Canceled, Classify("x", context.Canceled))

	once := Classify("a", context.DeadlineExceeded)
	assert.Same(t, once, Classify("b", once))
}
