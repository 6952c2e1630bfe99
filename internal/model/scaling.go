package model

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// ToFixedPoint 定点整数 = round(value * 10^decimals)
func ToFixedPoint(value decimal.Decimal, decimals int32) *big.Int {
	return value.Shift(decimals).Round(0).BigInt()
}

// FromFixedPoint 定点整数还原为十进制数
func FromFixedPoint(value *big.Int, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(value, -decimals)
}

// ToTokenUnits 人类可读金额转换为代币最小单位
func ToTokenUnits(amount decimal.Decimal, tokenDecimals uint8) *big.Int {
	return ToFixedPoint(amount, int32(tokenDecimals))
}
