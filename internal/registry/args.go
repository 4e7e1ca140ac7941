package registry

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"ChainTrader/internal/web3"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
)

// String 返回字符串参数，缺失时为空串。
func (a Args) String(key string) string {
	v, _ := a[key].(string)
	return strings.TrimSpace(v)
}

// Strings 返回字符串数组参数。
func (a Args) Strings(key string) []string {
	raw, ok := a[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, strings.TrimSpace(s))
		}
	}
	return out
}

// Uint 返回非负整数参数，缺失时使用 fallback。
func (a Args) Uint(key string, fallback uint64) (uint64, error) {
	raw, ok := a[key]
	if !ok || raw == nil {
		return fallback, nil
	}
	var text string
	switch v := raw.(type) {
	case json.Number:
		text = v.String()
	case string:
		text = strings.TrimSpace(v)
	case float64:
		text = strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return 0, fmt.Errorf("%s must be an integer", key)
	}
	n, err := strconv.ParseUint(text, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return n, nil
}

// Amount 返回严格为正的十进制数量。
func (a Args) Amount(key string) (decimal.Decimal, error) {
	raw, ok := a[key]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("%s is required", key)
	}
	d, err := web3.ParseAmount(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%s: %v", key, err)
	}
	if !d.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("%s must be greater than zero", key)
	}
	return d, nil
}

// Fixed 将正数数量换算为 18 位定点整数。
func (a Args) Fixed(key string) (*big.Int, error) {
	d, err := a.Amount(key)
	if err != nil {
		return nil, err
	}
	v, err := web3.ToBaseUnits(d, web3.ChainDecimals)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", key, err)
	}
	return v, nil
}

// IsBuy 解析 side 参数。
func (a Args) IsBuy() (bool, error) {
	switch strings.ToLower(a.String("side")) {
	case "buy", "long", "bid":
		return true, nil
	case "sell", "short", "ask":
		return false, nil
	}
	return false, fmt.Errorf("side must be buy or sell")
}

// Address 解析十六进制地址参数。
func (a Args) Address(key string) (common.Address, error) {
	s := a.String(key)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%s must be a 0x-prefixed 20-byte hex address", key)
	}
	return common.HexToAddress(s), nil
}

// Hash 解析 32 字节十六进制参数。
func (a Args) Hash(key string) (common.Hash, error) {
	b, err := hexutil.Decode(a.String(key))
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("%s must be a 0x-prefixed 32-byte hex string", key)
	}
	return common.BytesToHash(b), nil
}

// market 依据网络配置解析市场参数。
func market(def web3.NetworkDefinition, args Args, kind web3.MarketKind) (web3.MarketDefinition, error) {
	m, err := def.Market(args.String("market_id"), kind)
	if err != nil {
		return web3.MarketDefinition{}, fmt.Errorf("market_id: %v", err)
	}
	return m, nil
}

// denom 依据网络配置解析资产符号。
func denom(def web3.NetworkDefinition, symbol string) (web3.DenomDefinition, error) {
	d, ok := def.Denom(symbol)
	if !ok {
		return web3.DenomDefinition{}, fmt.Errorf("denom %q is not configured on this network (known: %s)",
			symbol, strings.Join(def.DenomSymbols(), ", "))
	}
	if !d.Native && !common.IsHexAddress(d.Address) {
		return web3.DenomDefinition{}, fmt.Errorf("denom %q has no token contract", symbol)
	}
	return d, nil
}

// nativeDenom 返回原生资产符号与精度，未配置时按 18 位处理。
func nativeDenom(def web3.NetworkDefinition) (string, int32) {
	for _, symbol := range def.DenomSymbols() {
		if d, _ := def.Denom(symbol); d.Native {
			return symbol, d.Decimals
		}
	}
	return "native", 18
}

func contract(raw, name string) (common.Address, error) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%s contract is not configured", name)
	}
	return common.HexToAddress(raw), nil
}

func fixed(v *big.Int) string {
	return web3.FormatUnits(v, web3.ChainDecimals)
}
