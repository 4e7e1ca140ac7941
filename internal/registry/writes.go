package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"ChainTrader/internal/web3"
	"ChainTrader/internal/web3/exchange"

	"github.com/ethereum/go-ethereum/common"
)

const amountSchema = `{"type":["number","string"],"description":"Positive decimal amount"}`

func builtins() []*Function {
	return append(readFunctions(), writeFunctions()...)
}

func schema(raw string) json.RawMessage { return json.RawMessage(raw) }

func writeFunctions() []*Function {
	return []*Function{
		{
			Name:        "transfer_funds",
			Description: "Send funds from the active agent's wallet to another address.",
			Tag:         TagWrite,
			NeedsAgent:  true,
			Schema: schema(`{"type":"object","properties":{
				"amount":` + amountSchema + `,
				"denom":{"type":"string","minLength":1},
				"to_address":{"type":"string","pattern":"^0x[0-9a-fA-F]{40}$"}
			},"required":["amount","denom","to_address"],"additionalProperties":false}`),
			Validate: func(args Args) error {
				if _, err := args.Amount("amount"); err != nil {
					return err
				}
				_, err := args.Address("to_address")
				return err
			},
			Check: func(def web3.NetworkDefinition, args Args) error {
				d, err := denom(def, args.String("denom"))
				if err != nil {
					return err
				}
				amount, _ := args.Amount("amount")
				_, err = web3.ToBaseUnits(amount, d.Decimals)
				return err
			},
			Build: transferFunds,
		},
		orderFunction("place_spot_limit_order", "Place a spot limit order.", web3.MarketSpot, "createSpotLimitOrder", "price"),
		orderFunction("place_spot_market_order", "Place a spot market order; price is the worst acceptable price.", web3.MarketSpot, "createSpotMarketOrder", "worst_price"),
		orderFunction("place_derivative_limit_order", "Place a derivative limit order with optional leverage.", web3.MarketDerivative, "createDerivativeLimitOrder", "price"),
		orderFunction("place_derivative_market_order", "Place a derivative market order; price is the worst acceptable price.", web3.MarketDerivative, "createDerivativeMarketOrder", "worst_price"),
		cancelFunction("cancel_spot_limit_order", "Cancel a resting spot limit order.", web3.MarketSpot, "cancelSpotOrder"),
		cancelFunction("cancel_derivative_limit_order", "Cancel a resting derivative limit order.", web3.MarketDerivative, "cancelDerivativeOrder"),
		{
			Name:        "stake_tokens",
			Description: "Delegate native tokens from the active agent to a validator.",
			Tag:         TagWrite,
			NeedsAgent:  true,
			Schema: schema(`{"type":"object","properties":{
				"validator_address":{"type":"string","minLength":1},
				"amount":` + amountSchema + `
			},"required":["validator_address","amount"],"additionalProperties":false}`),
			Validate: func(args Args) error {
				_, err := args.Amount("amount")
				return err
			},
			Check: func(def web3.NetworkDefinition, _ Args) error {
				_, err := contract(def.StakingContract, "staking")
				return err
			},
			Build: stakeTokens,
		},
	}
}

func orderFunction(name, description string, kind web3.MarketKind, method, priceField string) *Function {
	props := `"market_id":` + marketSchema + `,
		"side":{"type":"string","enum":["buy","sell","long","short"]},
		"price":` + amountSchema + `,
		"quantity":` + amountSchema + `,
		"subaccount_idx":` + subaccountSchema
	if kind == web3.MarketDerivative {
		props += `,
		"leverage":{"type":"integer","minimum":1,"maximum":100}`
	}
	derivative := kind == web3.MarketDerivative

	return &Function{
		Name:        name,
		Description: description,
		Tag:         TagWrite,
		NeedsAgent:  true,
		Schema: schema(`{"type":"object","properties":{` + props + `
		},"required":["market_id","side","price","quantity"],"additionalProperties":false}`),
		Validate: func(args Args) error {
			if _, err := args.IsBuy(); err != nil {
				return err
			}
			if _, err := args.Fixed("price"); err != nil {
				return err
			}
			if _, err := args.Fixed("quantity"); err != nil {
				return err
			}
			_, err := args.Uint("leverage", 1)
			return err
		},
		Check: marketCheck(kind),
		Build: func(_ context.Context, env BuildEnv, args Args) (web3.TxRequest, map[string]any, error) {
			m, err := market(env.Def, args, kind)
			if err != nil {
				return web3.TxRequest{}, nil, err
			}
			isBuy, _ := args.IsBuy()
			price, err := args.Fixed("price")
			if err != nil {
				return web3.TxRequest{}, nil, err
			}
			quantity, err := args.Fixed("quantity")
			if err != nil {
				return web3.TxRequest{}, nil, err
			}
			idx, err := args.Uint("subaccount_idx", 0)
			if err != nil {
				return web3.TxRequest{}, nil, err
			}
			sub := exchange.SubaccountID(env.From, uint32(idx))

			packArgs := []any{[32]byte(m.MarketID()), [32]byte(sub), isBuy, price, quantity}
			summary := marketPayload(m)
			summary["side"] = sideName(isBuy)
			summary[priceField] = fixed(price)
			summary["quantity"] = fixed(quantity)
			summary["subaccount_id"] = sub.Hex()
			if derivative {
				leverage, _ := args.Uint("leverage", 1)
				margin := exchange.Margin(price, quantity, int64(leverage))
				packArgs = append(packArgs, margin)
				summary["leverage"] = leverage
				summary["margin"] = fixed(margin)
			}

			data, err := exchange.Pack(exchange.ExchangeABI, method, packArgs...)
			if err != nil {
				return web3.TxRequest{}, nil, err
			}
			return web3.TxRequest{To: common.HexToAddress(env.Def.ExchangeContract), Data: data}, summary, nil
		},
	}
}

func cancelFunction(name, description string, kind web3.MarketKind, method string) *Function {
	return &Function{
		Name:        name,
		Description: description,
		Tag:         TagWrite,
		NeedsAgent:  true,
		Schema: schema(`{"type":"object","properties":{
			"market_id":` + marketSchema + `,
			"order_hash":{"type":"string","pattern":"^0x[0-9a-fA-F]{64}$"},
			"subaccount_idx":` + subaccountSchema + `
		},"required":["market_id","order_hash"],"additionalProperties":false}`),
		Validate: func(args Args) error {
			_, err := args.Hash("order_hash")
			return err
		},
		Check: marketCheck(kind),
		Build: func(_ context.Context, env BuildEnv, args Args) (web3.TxRequest, map[string]any, error) {
			m, err := market(env.Def, args, kind)
			if err != nil {
				return web3.TxRequest{}, nil, err
			}
			hash, err := args.Hash("order_hash")
			if err != nil {
				return web3.TxRequest{}, nil, err
			}
			idx, err := args.Uint("subaccount_idx", 0)
			if err != nil {
				return web3.TxRequest{}, nil, err
			}
			sub := exchange.SubaccountID(env.From, uint32(idx))
			data, err := exchange.Pack(exchange.ExchangeABI, method, [32]byte(m.MarketID()), [32]byte(sub), [32]byte(hash))
			if err != nil {
				return web3.TxRequest{}, nil, err
			}
			summary := marketPayload(m)
			summary["order_hash"] = hash.Hex()
			summary["subaccount_id"] = sub.Hex()
			return web3.TxRequest{To: common.HexToAddress(env.Def.ExchangeContract), Data: data}, summary, nil
		},
	}
}

func transferFunds(_ context.Context, env BuildEnv, args Args) (web3.TxRequest, map[string]any, error) {
	symbol := strings.ToLower(args.String("denom"))
	d, err := denom(env.Def, symbol)
	if err != nil {
		return web3.TxRequest{}, nil, err
	}
	to, err := args.Address("to_address")
	if err != nil {
		return web3.TxRequest{}, nil, err
	}
	amount, err := args.Amount("amount")
	if err != nil {
		return web3.TxRequest{}, nil, err
	}
	base, err := web3.ToBaseUnits(amount, d.Decimals)
	if err != nil {
		return web3.TxRequest{}, nil, err
	}

	summary := map[string]any{
		"from":       env.From.Hex(),
		"to_address": to.Hex(),
		"denom":      symbol,
		"amount":     amount.String(),
	}
	if d.Native {
		return web3.TxRequest{To: to, Value: base}, summary, nil
	}
	data, err := exchange.Pack(exchange.ERC20ABI, "transfer", to, base)
	if err != nil {
		return web3.TxRequest{}, nil, err
	}
	return web3.TxRequest{To: common.HexToAddress(d.Address), Data: data}, summary, nil
}

func stakeTokens(_ context.Context, env BuildEnv, args Args) (web3.TxRequest, map[string]any, error) {
	staking, err := contract(env.Def.StakingContract, "staking")
	if err != nil {
		return web3.TxRequest{}, nil, err
	}
	amount, err := args.Amount("amount")
	if err != nil {
		return web3.TxRequest{}, nil, err
	}
	symbol, decimals := nativeDenom(env.Def)
	base, err := web3.ToBaseUnits(amount, decimals)
	if err != nil {
		return web3.TxRequest{}, nil, fmt.Errorf("amount: %v", err)
	}
	validator := args.String("validator_address")
	data, err := exchange.Pack(exchange.StakingABI, "delegate", validator, base)
	if err != nil {
		return web3.TxRequest{}, nil, err
	}
	return web3.TxRequest{To: staking, Data: data}, map[string]any{
		"validator_address": validator,
		"amount":            amount.String(),
		"denom":             symbol,
	}, nil
}
