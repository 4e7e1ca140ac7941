package web3

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// ChainDecimals 是订单价格与数量在合约中使用的定点精度。
const ChainDecimals int32 = 18

// ParseAmount 接受 JSON 数字、json.Number 或数字字符串。
func ParseAmount(v any) (decimal.Decimal, error) {
	switch val := v.(type) {
	case float64:
		return decimal.NewFromFloat(val), nil
	case int:
		return decimal.NewFromInt(int64(val)), nil
	case int64:
		return decimal.NewFromInt(val), nil
	case json.Number:
		return decimal.NewFromString(val.String())
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(val))
		if err != nil {
			return decimal.Decimal{}, fmt.Errorf("无法解析数值 %q", val)
		}
		return d, nil
	case decimal.Decimal:
		return val, nil
	default:
		return decimal.Decimal{}, fmt.Errorf("不支持的数值类型 %T", v)
	}
}

// ToBaseUnits 将人类可读数量换算为最小单位，超出精度时报错。
func ToBaseUnits(amount decimal.Decimal, decimals int32) (*big.Int, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("数量不能为负: %s", amount)
	}
	shifted := amount.Shift(decimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("数量 %s 超出 %d 位小数精度", amount, decimals)
	}
	return shifted.BigInt(), nil
}

// FromBaseUnits 将最小单位换算为人类可读数量。
func FromBaseUnits(v *big.Int, decimals int32) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -decimals)
}

// FormatUnits 返回去掉多余零的十进制字符串。
func FormatUnits(v *big.Int, decimals int32) string {
	return FromBaseUnits(v, decimals).String()
}
