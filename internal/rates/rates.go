// Package rates converts on-chain interest rate encodings into
// human readable APY percentages.
package rates

import (
	"math"
	"math/big"
)

const (
	// SecondsPerYear is the conventional year length used by Compound
	// style per-second rate accrual.
	SecondsPerYear = 31536000

	// rayDivisor scales an Aave ray encoded rate (1e27) down to a
	// percentage. rate/1e27*100 == rate/1e25.
	rayDivisor = 1e25

	// wadDivisor scales a Compound per-second rate (1e18) to a float.
	wadDivisor = 1e18
)

// RayToPercent converts an Aave ray encoded annual rate (1e27 scale) to a
// percentage. A nil rate yields zero.
func RayToPercent(rate *big.Int) float64 {
	if rate == nil || rate.Sign() == 0 {
		return 0
	}
	f, _ := new(big.Float).SetInt(rate).Float64()
	return f / rayDivisor
}

// PerSecondRateToAPY converts a Compound per-second rate (1e18 scale) to a
// compounded annual percentage yield. A nil rate yields zero.
func PerSecondRateToAPY(rate *big.Int) float64 {
	if rate == nil || rate.Sign() == 0 {
		return 0
	}
	f, _ := new(big.Float).SetInt(rate).Float64()
	perSecond := f / wadDivisor
	return (math.Pow(1+perSecond, SecondsPerYear) - 1) * 100
}

// TickInRange reports whether the current tick of a concentrated liquidity
// pool sits inside the [lower, upper) range of a position.
func TickInRange(current, lower, upper int32) bool {
	return current >= lower && current < upper
}
