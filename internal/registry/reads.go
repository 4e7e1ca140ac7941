package registry

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"ChainTrader/internal/web3"
	"ChainTrader/internal/web3/exchange"

	"github.com/ethereum/go-ethereum/common"
)

const (
	marketSchema     = `{"type":"string","minLength":1,"description":"Market ticker such as \"INJ/USDT\" or a 0x-prefixed 32-byte market id"}`
	subaccountSchema = `{"type":"integer","minimum":0,"maximum":4294967295,"description":"Subaccount index, defaults to 0"}`
)

func readFunctions() []*Function {
	return []*Function{
		{
			Name:        "query_balances",
			Description: "Query wallet balances of the active agent. Without denom_list every configured denom is reported.",
			Tag:         TagRead,
			NeedsAgent:  true,
			Schema: schema(`{"type":"object","properties":{
				"denom_list":{"type":"array","items":{"type":"string","minLength":1}}
			},"additionalProperties":false}`),
			Check: func(def web3.NetworkDefinition, args Args) error {
				for _, symbol := range args.Strings("denom_list") {
					if _, err := denom(def, symbol); err != nil {
						return err
					}
				}
				return nil
			},
			Read: queryBalances,
		},
		orderbookFunction("get_spot_orderbook", "Fetch the spot orderbook of a market.", web3.MarketSpot, "spotOrderbook"),
		orderbookFunction("get_derivatives_orderbook", "Fetch the derivatives orderbook of a market.", web3.MarketDerivative, "derivativeOrderbook"),
		topOfBookFunction("get_mid_price_and_tob_spot_market", "Fetch mid price and best bid/ask of a spot market.", web3.MarketSpot),
		topOfBookFunction("get_mid_price_and_tob_derivatives_market", "Fetch mid price and best bid/ask of a derivatives market.", web3.MarketDerivative),
		{
			Name:        "get_subaccount_deposits",
			Description: "Query exchange subaccount deposits of the active agent.",
			Tag:         TagRead,
			NeedsAgent:  true,
			Schema: schema(`{"type":"object","properties":{
				"subaccount_idx":` + subaccountSchema + `,
				"denoms":{"type":"array","items":{"type":"string","minLength":1}}
			},"additionalProperties":false}`),
			Check: func(def web3.NetworkDefinition, args Args) error {
				for _, symbol := range args.Strings("denoms") {
					if _, ok := def.Denom(symbol); !ok {
						return fmt.Errorf("denom %q is not configured on this network", symbol)
					}
				}
				return exchangeConfigured(def)
			},
			Read: subaccountDeposits,
		},
		traderOrdersFunction("trader_spot_orders", "List open spot orders of the active agent in a market.", web3.MarketSpot, "traderSpotOrders"),
		traderOrdersFunction("trader_derivative_orders", "List open derivative orders of the active agent in a market.", web3.MarketDerivative, "traderDerivativeOrders"),
		{
			Name:        "get_chain_status",
			Description: "Report chain id and latest block height of the active network.",
			Tag:         TagRead,
			NeedsAgent:  true,
			Schema:      schema(`{"type":"object","properties":{},"additionalProperties":false}`),
			Read: func(ctx context.Context, env ReadEnv, _ Args) (map[string]any, error) {
				status, err := env.Chain.Status(ctx)
				if err != nil {
					return nil, err
				}
				out := map[string]any{
					"network":      string(env.Network),
					"block_number": status.BlockNumber,
					"notes":        status.Notes,
				}
				if status.ChainID != nil {
					out["chain_id"] = status.ChainID.String()
				}
				return out, nil
			},
		},
		{
			Name:        "list_markets",
			Description: "List markets and denoms configured for the active network.",
			Tag:         TagRead,
			NeedsAgent:  false,
			Schema: schema(`{"type":"object","properties":{
				"kind":{"type":"string","enum":["spot","derivative"]}
			},"additionalProperties":false}`),
			Read: listMarkets,
		},
	}
}

func orderbookFunction(name, description string, kind web3.MarketKind, method string) *Function {
	return &Function{
		Name:        name,
		Description: description,
		Tag:         TagRead,
		NeedsAgent:  true,
		Schema: schema(`{"type":"object","properties":{
			"market_id":` + marketSchema + `,
			"limit":{"type":"integer","minimum":1,"maximum":100}
		},"required":["market_id"],"additionalProperties":false}`),
		Check: marketCheck(kind),
		Read: func(ctx context.Context, env ReadEnv, args Args) (map[string]any, error) {
			m, err := market(env.Def, args, kind)
			if err != nil {
				return nil, err
			}
			limit, err := args.Uint("limit", exchange.DefaultOrderbookDepth)
			if err != nil {
				return nil, err
			}
			values, err := exchange.Call(ctx, env.Chain, common.HexToAddress(env.Def.ExchangeContract),
				exchange.ExchangeABI, method, [32]byte(m.MarketID()), uint32(limit))
			if err != nil {
				return nil, err
			}
			book, err := exchange.UnpackOrderbook(values)
			if err != nil {
				return nil, err
			}
			out := marketPayload(m)
			out["buys"] = levels(book.Buys)
			out["sells"] = levels(book.Sells)
			return out, nil
		},
	}
}

func topOfBookFunction(name, description string, kind web3.MarketKind) *Function {
	return &Function{
		Name:        name,
		Description: description,
		Tag:         TagRead,
		NeedsAgent:  true,
		Schema: schema(`{"type":"object","properties":{
			"market_id":` + marketSchema + `
		},"required":["market_id"],"additionalProperties":false}`),
		Check: marketCheck(kind),
		Read: func(ctx context.Context, env ReadEnv, args Args) (map[string]any, error) {
			m, err := market(env.Def, args, kind)
			if err != nil {
				return nil, err
			}
			values, err := exchange.Call(ctx, env.Chain, common.HexToAddress(env.Def.ExchangeContract),
				exchange.ExchangeABI, "midPriceAndTOB", [32]byte(m.MarketID()))
			if err != nil {
				return nil, err
			}
			tob, err := exchange.UnpackTopOfBook(values)
			if err != nil {
				return nil, err
			}
			out := marketPayload(m)
			out["mid_price"] = fixed(tob.MidPrice)
			out["best_buy_price"] = fixed(tob.BestBuyPrice)
			out["best_sell_price"] = fixed(tob.BestSellPrice)
			return out, nil
		},
	}
}

func traderOrdersFunction(name, description string, kind web3.MarketKind, method string) *Function {
	return &Function{
		Name:        name,
		Description: description,
		Tag:         TagRead,
		NeedsAgent:  true,
		Schema: schema(`{"type":"object","properties":{
			"market_id":` + marketSchema + `,
			"subaccount_idx":` + subaccountSchema + `
		},"required":["market_id"],"additionalProperties":false}`),
		Check: marketCheck(kind),
		Read: func(ctx context.Context, env ReadEnv, args Args) (map[string]any, error) {
			m, err := market(env.Def, args, kind)
			if err != nil {
				return nil, err
			}
			idx, err := args.Uint("subaccount_idx", 0)
			if err != nil {
				return nil, err
			}
			sub := exchange.SubaccountID(env.Address, uint32(idx))
			values, err := exchange.Call(ctx, env.Chain, common.HexToAddress(env.Def.ExchangeContract),
				exchange.ExchangeABI, method, [32]byte(m.MarketID()), [32]byte(sub))
			if err != nil {
				return nil, err
			}
			orders, err := exchange.UnpackOrders(values)
			if err != nil {
				return nil, err
			}
			list := make([]map[string]any, 0, len(orders))
			for _, o := range orders {
				item := map[string]any{
					"order_hash": o.Hash.Hex(),
					"side":       sideName(o.IsBuy),
					"price":      fixed(o.Price),
					"quantity":   fixed(o.Quantity),
					"fillable":   fixed(o.Fillable),
				}
				if o.Margin != nil {
					item["margin"] = fixed(o.Margin)
				}
				list = append(list, item)
			}
			out := marketPayload(m)
			out["subaccount_id"] = sub.Hex()
			out["orders"] = list
			return out, nil
		},
	}
}

func queryBalances(ctx context.Context, env ReadEnv, args Args) (map[string]any, error) {
	symbols := args.Strings("denom_list")
	if len(symbols) == 0 {
		symbols = env.Def.DenomSymbols()
	}
	balances := make(map[string]any, len(symbols))
	for _, symbol := range symbols {
		symbol = strings.ToLower(symbol)
		d, err := denom(env.Def, symbol)
		if err != nil {
			return nil, err
		}
		var amount *big.Int
		if d.Native {
			amount, err = env.Chain.BalanceAt(ctx, env.Address)
		} else {
			var values []any
			values, err = exchange.Call(ctx, env.Chain, common.HexToAddress(d.Address), exchange.ERC20ABI, "balanceOf", env.Address)
			if err == nil {
				amount, err = exchange.UnpackUint(values)
			}
		}
		if err != nil {
			return nil, err
		}
		balances[symbol] = map[string]any{
			"amount":     web3.FormatUnits(amount, d.Decimals),
			"base_units": amount.String(),
			"decimals":   d.Decimals,
		}
	}
	return map[string]any{
		"address":  env.Address.Hex(),
		"network":  string(env.Network),
		"balances": balances,
	}, nil
}

func subaccountDeposits(ctx context.Context, env ReadEnv, args Args) (map[string]any, error) {
	idx, err := args.Uint("subaccount_idx", 0)
	if err != nil {
		return nil, err
	}
	symbols := args.Strings("denoms")
	if len(symbols) == 0 {
		symbols = env.Def.DenomSymbols()
	}
	sub := exchange.SubaccountID(env.Address, uint32(idx))
	exchangeAddr := common.HexToAddress(env.Def.ExchangeContract)

	deposits := make(map[string]any, len(symbols))
	for _, symbol := range symbols {
		symbol = strings.ToLower(symbol)
		values, err := exchange.Call(ctx, env.Chain, exchangeAddr, exchange.ExchangeABI, "subaccountDeposit", [32]byte(sub), symbol)
		if err != nil {
			return nil, err
		}
		dep, err := exchange.UnpackDeposit(values)
		if err != nil {
			return nil, err
		}
		if dep.Total.Sign() == 0 && dep.Available.Sign() == 0 {
			continue
		}
		d, _ := env.Def.Denom(symbol)
		deposits[symbol] = map[string]any{
			"available_balance": web3.FormatUnits(dep.Available, d.Decimals),
			"total_balance":     web3.FormatUnits(dep.Total, d.Decimals),
		}
	}
	return map[string]any{
		"subaccount_id": sub.Hex(),
		"network":       string(env.Network),
		"deposits":      deposits,
	}, nil
}

func listMarkets(_ context.Context, env ReadEnv, args Args) (map[string]any, error) {
	kind := web3.MarketKind(args.String("kind"))
	markets := make([]map[string]any, 0, len(env.Def.Markets))
	for _, m := range env.Def.Markets {
		if kind != "" && m.Kind != kind {
			continue
		}
		markets = append(markets, map[string]any{
			"ticker":    m.Ticker,
			"market_id": m.ID,
			"kind":      string(m.Kind),
		})
	}
	return map[string]any{
		"network": string(env.Network),
		"markets": markets,
		"denoms":  env.Def.DenomSymbols(),
	}, nil
}

func marketCheck(kind web3.MarketKind) CheckFunc {
	return func(def web3.NetworkDefinition, args Args) error {
		if _, err := market(def, args, kind); err != nil {
			return err
		}
		return exchangeConfigured(def)
	}
}

func exchangeConfigured(def web3.NetworkDefinition) error {
	_, err := contract(def.ExchangeContract, "exchange")
	return err
}

func marketPayload(m web3.MarketDefinition) map[string]any {
	out := map[string]any{"market_id": strings.ToLower(m.ID)}
	if m.Ticker != "" {
		out["ticker"] = m.Ticker
	}
	return out
}

func levels(in []exchange.Level) []map[string]any {
	out := make([]map[string]any, len(in))
	for i, l := range in {
		out[i] = map[string]any{"price": fixed(l.Price), "quantity": fixed(l.Quantity)}
	}
	return out
}

func sideName(isBuy bool) string {
	if isBuy {
		return "buy"
	}
	return "sell"
}
