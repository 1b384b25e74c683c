package money

import (
	"context"
	"fmt"
	"math/big"

	"github.com/blues/microfund/internal/apperr"
	"github.com/shopspring/decimal"
)

// Converter 展示币种与结算资产最小单位之间的换算。
// 换算向零截断，不足一个最小单位的部分被丢弃。
type Converter struct {
	rates    *RateCache
	decimals int32
}

// NewConverter 创建换算器，decimals 为结算资产精度（ETH 为 18）
func NewConverter(rates *RateCache, decimals int32) *Converter {
	return &Converter{rates: rates, decimals: decimals}
}

// ToBaseUnit 展示金额换算为最小单位
func (c *Converter) ToBaseUnit(ctx context.Context, amount decimal.Decimal, currency string) (*big.Int, error) {
	if amount.IsNegative() {
		return nil, apperr.Validation("amount must not be negative")
	}
	rate, err := c.rates.Get(ctx, currency)
	if err != nil {
		return nil, err
	}
	return ToBase(amount, rate.Price, c.decimals), nil
}

// FromBaseUnit 最小单位换算为展示金额
func (c *Converter) FromBaseUnit(ctx context.Context, base *big.Int, currency string) (decimal.Decimal, error) {
	if base == nil || base.Sign() < 0 {
		return decimal.Zero, fmt.Errorf("invalid base amount")
	}
	rate, err := c.rates.Get(ctx, currency)
	if err != nil {
		return decimal.Zero, err
	}
	return FromBase(base, rate.Price, c.decimals), nil
}

// ToBase amount / price * 10^decimals，向零截断
func ToBase(amount, price decimal.Decimal, decimals int32) *big.Int {
	scaled := amount.Shift(decimals)
	// 先乘后除，保留精度
	units := scaled.DivRound(price, 0)
	if units.Mul(price).GreaterThan(scaled) {
		units = units.Sub(decimal.New(1, 0))
	}
	if units.IsNegative() {
		return new(big.Int)
	}
	return units.BigInt()
}

// FromBase base / 10^decimals * price
func FromBase(base *big.Int, price decimal.Decimal, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(base, -decimals).Mul(price)
}
