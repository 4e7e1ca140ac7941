package exchange

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"ChainTrader/internal/web3"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// DefaultOrderbookDepth 是查询订单簿时默认返回的档位数。
const DefaultOrderbookDepth = 10

// Level 是订单簿中的一档。
type Level struct {
	Price    *big.Int
	Quantity *big.Int
}

// Orderbook 为买卖双边档位。
type Orderbook struct {
	Buys  []Level
	Sells []Level
}

// TopOfBook 为中间价与最优买卖价。
type TopOfBook struct {
	MidPrice      *big.Int
	BestBuyPrice  *big.Int
	BestSellPrice *big.Int
}

// Deposit 为子账户在某资产上的余额。
type Deposit struct {
	Available *big.Int
	Total     *big.Int
}

// Order 为挂单信息，Margin 仅衍生品订单有值。
type Order struct {
	Hash     common.Hash
	IsBuy    bool
	Price    *big.Int
	Quantity *big.Int
	Fillable *big.Int
	Margin   *big.Int
}

// ErrNoContractData 表示调用的地址没有返回任何数据，通常是合约地址配置错误。
var ErrNoContractData = errors.New("合约未返回数据")

// SubaccountID 由 20 字节地址与 12 字节大端序号拼接而成。
func SubaccountID(owner common.Address, index uint32) common.Hash {
	var id common.Hash
	copy(id[:20], owner.Bytes())
	binary.BigEndian.PutUint32(id[28:], index)
	return id
}

// Pack 编码合约调用数据。
func Pack(contract abi.ABI, method string, args ...any) ([]byte, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("编码 %s 调用失败: %w", method, err)
	}
	return data, nil
}

// Call 编码、执行只读调用并解码返回值。
func Call(ctx context.Context, chain web3.Chain, to common.Address, contract abi.ABI, method string, args ...any) ([]any, error) {
	data, err := Pack(contract, method, args...)
	if err != nil {
		return nil, err
	}
	out, err := chain.CallContract(ctx, to, data)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s: %w", method, ErrNoContractData)
	}
	values, err := contract.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("解码 %s 返回值失败: %w", method, err)
	}
	return values, nil
}

// UnpackOrderbook 将 spotOrderbook/derivativeOrderbook 的返回值转换为 Orderbook。
func UnpackOrderbook(values []any) (Orderbook, error) {
	if len(values) != 4 {
		return Orderbook{}, fmt.Errorf("订单簿返回值个数异常: %d", len(values))
	}
	buyPrices, ok1 := values[0].([]*big.Int)
	buyQty, ok2 := values[1].([]*big.Int)
	sellPrices, ok3 := values[2].([]*big.Int)
	sellQty, ok4 := values[3].([]*big.Int)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return Orderbook{}, errors.New("订单簿返回值类型异常")
	}
	buys, err := zipLevels(buyPrices, buyQty)
	if err != nil {
		return Orderbook{}, err
	}
	sells, err := zipLevels(sellPrices, sellQty)
	if err != nil {
		return Orderbook{}, err
	}
	return Orderbook{Buys: buys, Sells: sells}, nil
}

func zipLevels(prices, quantities []*big.Int) ([]Level, error) {
	if len(prices) != len(quantities) {
		return nil, errors.New("价格与数量档位数不一致")
	}
	levels := make([]Level, len(prices))
	for i := range prices {
		levels[i] = Level{Price: prices[i], Quantity: quantities[i]}
	}
	return levels, nil
}

// UnpackTopOfBook 解码 midPriceAndTOB。
func UnpackTopOfBook(values []any) (TopOfBook, error) {
	if len(values) != 3 {
		return TopOfBook{}, fmt.Errorf("盘口返回值个数异常: %d", len(values))
	}
	mid, ok1 := values[0].(*big.Int)
	buy, ok2 := values[1].(*big.Int)
	sell, ok3 := values[2].(*big.Int)
	if !ok1 || !ok2 || !ok3 {
		return TopOfBook{}, errors.New("盘口返回值类型异常")
	}
	return TopOfBook{MidPrice: mid, BestBuyPrice: buy, BestSellPrice: sell}, nil
}

// UnpackDeposit 解码 subaccountDeposit。
func UnpackDeposit(values []any) (Deposit, error) {
	if len(values) != 2 {
		return Deposit{}, fmt.Errorf("余额返回值个数异常: %d", len(values))
	}
	available, ok1 := values[0].(*big.Int)
	total, ok2 := values[1].(*big.Int)
	if !ok1 || !ok2 {
		return Deposit{}, errors.New("余额返回值类型异常")
	}
	return Deposit{Available: available, Total: total}, nil
}

// UnpackOrders 解码 traderSpotOrders 与 traderDerivativeOrders。
func UnpackOrders(values []any) ([]Order, error) {
	if len(values) != 5 && len(values) != 6 {
		return nil, fmt.Errorf("订单返回值个数异常: %d", len(values))
	}
	hashes, ok1 := values[0].([][32]byte)
	sides, ok2 := values[1].([]bool)
	prices, ok3 := values[2].([]*big.Int)
	quantities, ok4 := values[3].([]*big.Int)
	fillable, ok5 := values[4].([]*big.Int)
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 {
		return nil, errors.New("订单返回值类型异常")
	}
	var margins []*big.Int
	if len(values) == 6 {
		m, ok := values[5].([]*big.Int)
		if !ok {
			return nil, errors.New("订单保证金类型异常")
		}
		margins = m
	}
	n := len(hashes)
	if len(sides) != n || len(prices) != n || len(quantities) != n || len(fillable) != n || (margins != nil && len(margins) != n) {
		return nil, errors.New("订单字段长度不一致")
	}
	orders := make([]Order, n)
	for i := 0; i < n; i++ {
		orders[i] = Order{
			Hash:     common.Hash(hashes[i]),
			IsBuy:    sides[i],
			Price:    prices[i],
			Quantity: quantities[i],
			Fillable: fillable[i],
		}
		if margins != nil {
			orders[i].Margin = margins[i]
		}
	}
	return orders, nil
}

// UnpackUint 解码只有一个 uint256 返回值的调用，例如 balanceOf。
func UnpackUint(values []any) (*big.Int, error) {
	if len(values) != 1 {
		return nil, fmt.Errorf("返回值个数异常: %d", len(values))
	}
	v, ok := values[0].(*big.Int)
	if !ok {
		return nil, errors.New("返回值类型异常")
	}
	return v, nil
}

// Margin 按 价格 × 数量 ÷ 杠杆 计算保证金，三者均为 18 位定点数，杠杆为普通整数倍。
func Margin(price, quantity *big.Int, leverage int64) *big.Int {
	if leverage <= 0 {
		leverage = 1
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(web3.ChainDecimals)), nil)
	notional := new(big.Int).Mul(price, quantity)
	notional.Quo(notional, scale)
	return notional.Quo(notional, big.NewInt(leverage))
}
