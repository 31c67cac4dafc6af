// Package scoring converts an answer into points. The formula is frozen:
// historical scores must stay reproducible.
package scoring

const (
	BasePoints     = 100
	MaxSpeedBonus  = 50
	msPerBonusStep = 100
)

// Points returns 0 for an incorrect answer. A correct answer earns BasePoints
// plus one bonus point per 100ms left on the clock, capped at MaxSpeedBonus.
// A late but correct answer still earns BasePoints.
func Points(correct bool, timeSpentMs int64, timeLimitSec int) int {
	if !correct {
		return 0
	}

	if timeSpentMs < 0 {
		timeSpentMs = 0
	}

	remaining := int64(timeLimitSec)*1000 - timeSpentMs
	if remaining <= 0 {
		return BasePoints
	}

	bonus := remaining / msPerBonusStep
	if bonus > MaxSpeedBonus {
		bonus = MaxSpeedBonus
	}

	return BasePoints + int(bonus)
}
