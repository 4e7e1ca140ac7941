package web3

import (
	"fmt"
	"math/big"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Network 表示链的部署环境。
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
)

// ParseNetwork 校验并规范化网络名称。
func ParseNetwork(raw string) (Network, bool) {
	switch Network(strings.ToLower(strings.TrimSpace(raw))) {
	case Mainnet:
		return Mainnet, true
	case Testnet:
		return Testnet, true
	default:
		return "", false
	}
}

// NetworkOrDefault 解析失败时回退到 fallback。
func NetworkOrDefault(raw string, fallback Network) Network {
	if n, ok := ParseNetwork(raw); ok {
		return n
	}
	return fallback
}

// MarketKind 区分现货与衍生品市场。
type MarketKind string

const (
	MarketSpot       MarketKind = "spot"
	MarketDerivative MarketKind = "derivative"
)

// ChainDefinitions models the structure of chain.yaml.
type ChainDefinitions struct {
	Networks map[Network]NetworkDefinition `yaml:"networks"`
}

// NetworkDefinition 描述单个网络的端点、合约与资产。
type NetworkDefinition struct {
	RPCURL           string                     `yaml:"rpc_url"`
	ChainID          int64                      `yaml:"chain_id"`
	ExchangeContract string                     `yaml:"exchange_contract"`
	StakingContract  string                     `yaml:"staking_contract"`
	Description      string                     `yaml:"description"`
	Denoms           map[string]DenomDefinition `yaml:"denoms"`
	Markets          []MarketDefinition         `yaml:"markets"`
}

// DenomDefinition 描述一种资产；Native 表示链原生币。
type DenomDefinition struct {
	Address  string `yaml:"address"`
	Decimals int32  `yaml:"decimals"`
	Native   bool   `yaml:"native"`
}

// MarketDefinition 描述一个可交易市场。
type MarketDefinition struct {
	Ticker string     `yaml:"ticker"`
	ID     string     `yaml:"id"`
	Kind   MarketKind `yaml:"kind"`
	Base   string     `yaml:"base"`
	Quote  string     `yaml:"quote"`
}

// LoadChainDefinitions parses the YAML file containing network metadata.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Networks: map[Network]NetworkDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}
	return ParseChainDefinitions(content)
}

// ParseChainDefinitions 解析 YAML 内容并校验。
func ParseChainDefinitions(content []byte) (ChainDefinitions, error) {
	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Networks == nil {
		defs.Networks = map[Network]NetworkDefinition{}
	}
	for name, def := range defs.Networks {
		if _, ok := ParseNetwork(string(name)); !ok {
			return ChainDefinitions{}, fmt.Errorf("未知网络 %s", name)
		}
		if err := def.validate(); err != nil {
			return ChainDefinitions{}, fmt.Errorf("网络 %s 配置无效: %w", name, err)
		}
	}
	return defs, nil
}

// Network 返回指定网络的定义。
func (d ChainDefinitions) Network(n Network) (NetworkDefinition, bool) {
	def, ok := d.Networks[n]
	return def, ok
}

var marketIDPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

func (n NetworkDefinition) validate() error {
	if strings.TrimSpace(n.RPCURL) == "" {
		return fmt.Errorf("rpc_url 不能为空")
	}
	for _, addr := range []string{n.ExchangeContract, n.StakingContract} {
		if addr != "" && !common.IsHexAddress(addr) {
			return fmt.Errorf("合约地址无效: %s", addr)
		}
	}
	for symbol, denom := range n.Denoms {
		if !denom.Native && !common.IsHexAddress(denom.Address) {
			return fmt.Errorf("资产 %s 缺少合约地址", symbol)
		}
	}
	for _, m := range n.Markets {
		if !marketIDPattern.MatchString(m.ID) {
			return fmt.Errorf("市场 %s 的 id 无效", m.Ticker)
		}
		if m.Kind != MarketSpot && m.Kind != MarketDerivative {
			return fmt.Errorf("市场 %s 的类型无效: %s", m.Ticker, m.Kind)
		}
	}
	return nil
}

// ChainIDBig 返回 chain_id 的 big.Int 形式，未配置时为 nil。
func (n NetworkDefinition) ChainIDBig() *big.Int {
	if n.ChainID <= 0 {
		return nil
	}
	return big.NewInt(n.ChainID)
}

// Denom 查找资产定义，符号不区分大小写。
func (n NetworkDefinition) Denom(symbol string) (DenomDefinition, bool) {
	symbol = strings.ToLower(strings.TrimSpace(symbol))
	def, ok := n.Denoms[symbol]
	if ok && def.Decimals == 0 {
		def.Decimals = DefaultDecimals(symbol)
	}
	return def, ok
}

// DenomSymbols 返回排序后的资产符号。
func (n NetworkDefinition) DenomSymbols() []string {
	symbols := make([]string, 0, len(n.Denoms))
	for s := range n.Denoms {
		symbols = append(symbols, strings.ToLower(s))
	}
	sort.Strings(symbols)
	return symbols
}

// DefaultDecimals 返回未显式配置精度时使用的小数位数。
func DefaultDecimals(symbol string) int32 {
	symbol = strings.ToLower(symbol)
	switch symbol {
	case "inj", "eth":
		return 18
	case "usdt", "usdc", "atom":
		return 6
	case "btc", "wbtc":
		return 8
	}
	if strings.HasPrefix(symbol, "peggy") {
		return 6
	}
	return 18
}

// Market 按 ticker（不区分大小写）或 0x 开头的市场 id 查找市场。
func (n NetworkDefinition) Market(ref string, kind MarketKind) (MarketDefinition, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return MarketDefinition{}, fmt.Errorf("市场标识不能为空")
	}
	if marketIDPattern.MatchString(ref) {
		for _, m := range n.Markets {
			if strings.EqualFold(m.ID, ref) {
				if m.Kind != kind {
					return MarketDefinition{}, fmt.Errorf("市场 %s 不是 %s 市场", ref, kind)
				}
				return m, nil
			}
		}
		return MarketDefinition{ID: strings.ToLower(ref), Kind: kind}, nil
	}

	want := normalizeTicker(ref)
	for _, m := range n.Markets {
		if normalizeTicker(m.Ticker) == want && m.Kind == kind {
			return m, nil
		}
	}
	return MarketDefinition{}, fmt.Errorf("未找到 %s 市场 %s", kind, ref)
}

func normalizeTicker(t string) string {
	t = strings.ToUpper(strings.Join(strings.Fields(t), " "))
	return strings.ReplaceAll(t, "-", "/")
}

// MarketID 返回市场 id 的 32 字节形式。
func (m MarketDefinition) MarketID() common.Hash {
	return common.HexToHash(m.ID)
}
