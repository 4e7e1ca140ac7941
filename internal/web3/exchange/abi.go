package exchange

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const exchangeABIJSON = `[
 {"type":"function","name":"spotOrderbook","stateMutability":"view",
  "inputs":[{"name":"marketId","type":"bytes32"},{"name":"limit","type":"uint32"}],
  "outputs":[{"name":"buyPrices","type":"uint256[]"},{"name":"buyQuantities","type":"uint256[]"},{"name":"sellPrices","type":"uint256[]"},{"name":"sellQuantities","type":"uint256[]"}]},
 {"type":"function","name":"derivativeOrderbook","stateMutability":"view",
  "inputs":[{"name":"marketId","type":"bytes32"},{"name":"limit","type":"uint32"}],
  "outputs":[{"name":"buyPrices","type":"uint256[]"},{"name":"buyQuantities","type":"uint256[]"},{"name":"sellPrices","type":"uint256[]"},{"name":"sellQuantities","type":"uint256[]"}]},
 {"type":"function","name":"midPriceAndTOB","stateMutability":"view",
  "inputs":[{"name":"marketId","type":"bytes32"}],
  "outputs":[{"name":"midPrice","type":"uint256"},{"name":"bestBuyPrice","type":"uint256"},{"name":"bestSellPrice","type":"uint256"}]},
 {"type":"function","name":"subaccountDeposit","stateMutability":"view",
  "inputs":[{"name":"subaccountId","type":"bytes32"},{"name":"denom","type":"string"}],
  "outputs":[{"name":"availableBalance","type":"uint256"},{"name":"totalBalance","type":"uint256"}]},
 {"type":"function","name":"traderSpotOrders","stateMutability":"view",
  "inputs":[{"name":"marketId","type":"bytes32"},{"name":"subaccountId","type":"bytes32"}],
  "outputs":[{"name":"orderHashes","type":"bytes32[]"},{"name":"isBuy","type":"bool[]"},{"name":"prices","type":"uint256[]"},{"name":"quantities","type":"uint256[]"},{"name":"fillable","type":"uint256[]"}]},
 {"type":"function","name":"traderDerivativeOrders","stateMutability":"view",
  "inputs":[{"name":"marketId","type":"bytes32"},{"name":"subaccountId","type":"bytes32"}],
  "outputs":[{"name":"orderHashes","type":"bytes32[]"},{"name":"isBuy","type":"bool[]"},{"name":"prices","type":"uint256[]"},{"name":"quantities","type":"uint256[]"},{"name":"fillable","type":"uint256[]"},{"name":"margins","type":"uint256[]"}]},
 {"type":"function","name":"createSpotLimitOrder","stateMutability":"nonpayable",
  "inputs":[{"name":"marketId","type":"bytes32"},{"name":"subaccountId","type":"bytes32"},{"name":"isBuy","type":"bool"},{"name":"price","type":"uint256"},{"name":"quantity","type":"uint256"}],
  "outputs":[{"name":"orderHash","type":"bytes32"}]},
 {"type":"function","name":"createSpotMarketOrder","stateMutability":"nonpayable",
  "inputs":[{"name":"marketId","type":"bytes32"},{"name":"subaccountId","type":"bytes32"},{"name":"isBuy","type":"bool"},{"name":"worstPrice","type":"uint256"},{"name":"quantity","type":"uint256"}],
  "outputs":[{"name":"orderHash","type":"bytes32"}]},
 {"type":"function","name":"createDerivativeLimitOrder","stateMutability":"nonpayable",
  "inputs":[{"name":"marketId","type":"bytes32"},{"name":"subaccountId","type":"bytes32"},{"name":"isBuy","type":"bool"},{"name":"price","type":"uint256"},{"name":"quantity","type":"uint256"},{"name":"margin","type":"uint256"}],
  "outputs":[{"name":"orderHash","type":"bytes32"}]},
 {"type":"function","name":"createDerivativeMarketOrder","stateMutability":"nonpayable",
  "inputs":[{"name":"marketId","type":"bytes32"},{"name":"subaccountId","type":"bytes32"},{"name":"isBuy","type":"bool"},{"name":"worstPrice","type":"uint256"},{"name":"quantity","type":"uint256"},{"name":"margin","type":"uint256"}],
  "outputs":[{"name":"orderHash","type":"bytes32"}]},
 {"type":"function","name":"cancelSpotOrder","stateMutability":"nonpayable",
  "inputs":[{"name":"marketId","type":"bytes32"},{"name":"subaccountId","type":"bytes32"},{"name":"orderHash","type":"bytes32"}],
  "outputs":[{"name":"success","type":"bool"}]},
 {"type":"function","name":"cancelDerivativeOrder","stateMutability":"nonpayable",
  "inputs":[{"name":"marketId","type":"bytes32"},{"name":"subaccountId","type":"bytes32"},{"name":"orderHash","type":"bytes32"}],
  "outputs":[{"name":"success","type":"bool"}]}
]`

const stakingABIJSON = `[
 {"type":"function","name":"delegate","stateMutability":"nonpayable",
  "inputs":[{"name":"validatorAddress","type":"string"},{"name":"amount","type":"uint256"}],
  "outputs":[{"name":"success","type":"bool"}]}
]`

const erc20ABIJSON = `[
 {"type":"function","name":"balanceOf","stateMutability":"view",
  "inputs":[{"name":"account","type":"address"}],
  "outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"transfer","stateMutability":"nonpayable",
  "inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],
  "outputs":[{"name":"","type":"bool"}]}
]`

var (
	// ExchangeABI 描述交易所预编译合约。
	ExchangeABI = mustParse("exchange", exchangeABIJSON)
	// StakingABI 描述质押预编译合约。
	StakingABI = mustParse("staking", stakingABIJSON)
	// ERC20ABI 只包含余额查询与转账。
	ERC20ABI = mustParse("erc20", erc20ABIJSON)
)

func mustParse(name, raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse %s abi: %v", name, err))
	}
	return parsed
}
