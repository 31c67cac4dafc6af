package rating

import (
	"math"

	"github.com/shopspring/decimal"
)

const (
	DefaultInitial = 1200
	DefaultKFactor = 32

	precision = 2
)

// Expected returns the probability that a player rated rw beats one rated rr.
func Expected(rw, rr decimal.Decimal) decimal.Decimal {
	diff := rr.Sub(rw).InexactFloat64()
	return decimal.NewFromFloat(1 / (1 + math.Pow(10, diff/400)))
}

// Update applies a paired Elo update where the first player won. The runner-up
// loses exactly what the winner gains.
func Update(winner, runnerUp, k decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	delta := k.Mul(decimal.NewFromInt(1).Sub(Expected(winner, runnerUp))).Round(precision)
	return winner.Add(delta), runnerUp.Sub(delta)
}
