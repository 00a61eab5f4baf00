// Package util provides common utility functions for price calculations.
package util

import "github.com/shopspring/decimal"

// RoundToIncrement rounds x to the nearest multiple of inc.
// Ties round away from zero, so 52450 with inc=100 becomes 52500.
func RoundToIncrement(x, inc decimal.Decimal) decimal.Decimal {
	if inc.Sign() <= 0 {
		return x
	}
	return x.Div(inc).Round(0).Mul(inc)
}

// OffsetByIncrements moves x by n increments. Negative n moves down.
func OffsetByIncrements(x, inc decimal.Decimal, n int) decimal.Decimal {
	if n == 0 {
		return x
	}
	return x.Add(inc.Mul(decimal.NewFromInt(int64(n))))
}
