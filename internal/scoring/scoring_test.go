package scoring_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/victornm/echallenge/internal/scoring"
)

func TestPoints(t *testing.T) {
	tests := map[string]struct {
		correct     bool
		timeSpentMs int64
		limitSec    int
		want        int
	}{
		"incorrect answer scores nothing":          {correct: false, timeSpentMs: 100, limitSec: 60, want: 0},
		"instant correct answer gets full bonus":   {correct: true, timeSpentMs: 0, limitSec: 60, want: 150},
		"bonus is capped at 50":                    {correct: true, timeSpentMs: 1000, limitSec: 60, want: 150},
		"bonus uses whole 100ms steps":             {correct: true, timeSpentMs: 5950, limitSec: 10, want: 140},
		"bonus shrinks near the limit":             {correct: true, timeSpentMs: 9750, limitSec: 10, want: 102},
		"answer exactly at the limit scores base":  {correct: true, timeSpentMs: 10000, limitSec: 10, want: 100},
		"late correct answer still scores base":    {correct: true, timeSpentMs: 90000, limitSec: 10, want: 100},
		"negative elapsed time is treated as zero": {correct: true, timeSpentMs: -5, limitSec: 3, want: 130},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, scoring.Points(tt.correct, tt.timeSpentMs, tt.limitSec))
		})
	}
}

func TestPoints_RangeAndMonotonic(t *testing.T) {
	for _, limit := range []int{1, 5, 30, 60, 120} {
		prev := scoring.Points(true, 0, limit)
		for spent := int64(0); spent <= int64(limit)*1000+2000; spent += 37 {
			got := scoring.Points(true, spent, limit)
			assert.GreaterOrEqual(t, got, 100)
			assert.LessOrEqual(t, got, 150)
			assert.LessOrEqual(t, got, prev, "points must not increase with time spent: limit=%d spent=%d", limit, spent)
			assert.Zero(t, scoring.Points(false, spent, limit))
			prev = got
		}
	}
}
