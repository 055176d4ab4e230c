package gamification

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cppla/ecoreceipt/models"
)

func at(day, hour int) time.Time {
	return time.Date(2026, time.March, day, hour, 0, 0, 0, time.UTC)
}

func TestAdvanceDaily(t *testing.T) {
	var s models.Streak

	assert.True(t, advanceDaily(&s, at(10, 9), time.UTC))
	assert.Equal(t, 1, s.Current)
	assert.Equal(t, 1, s.Longest)

	assert.False(t, advanceDaily(&s, at(10, 22), time.UTC), "same day is a no-op")
	assert.Equal(t, 1, s.Current)

	assert.True(t, advanceDaily(&s, at(11, 1), time.UTC))
	assert.Equal(t, 2, s.Current)
	assert.Equal(t, 2, s.Longest)

	assert.True(t, advanceDaily(&s, at(12, 23), time.UTC))
	assert.Equal(t, 3, s.Current)

	assert.True(t, advanceDaily(&s, at(14, 8), time.UTC), "two day gap")
	assert.Equal(t, 1, s.Current)
	assert.Equal(t, 3, s.Longest)

	assert.False(t, advanceDaily(&s, at(13, 8), time.UTC), "older than last")
	assert.Equal(t, 1, s.Current)
	assert.Equal(t, at(14, 0), *s.LastDate)
}

func TestAdvanceDailyUsesLocation(t *testing.T) {
	est := time.FixedZone("EST", -5*3600)
	var s models.Streak

	advanceDaily(&s, time.Date(2026, 3, 14, 23, 30, 0, 0, time.UTC), est)
	// 00:30 UTC on the 15th is still the 14th in EST
	assert.False(t, advanceDaily(&s, time.Date(2026, 3, 15, 0, 30, 0, 0, time.UTC), est))
	assert.Equal(t, 1, s.Current)

	assert.True(t, advanceDaily(&s, time.Date(2026, 3, 15, 6, 0, 0, 0, time.UTC), est))
	assert.Equal(t, 2, s.Current)
}

func TestLongestNeverBelowCurrent(t *testing.T) {
	var s models.Streak
	days := []int{1, 2, 3, 5, 6, 7, 8, 8, 20, 21}
	for _, d := range days {
		advanceDaily(&s, at(d, 12), time.UTC)
		assert.GreaterOrEqual(t, s.Longest, s.Current, "day %d", d)
	}
	assert.Equal(t, 2, s.Current)
	assert.Equal(t, 4, s.Longest)
}

func TestAdvanceWeekly(t *testing.T) {
	var s models.Streak

	// Monday 9th and Sunday 15th share an ISO week
	assert.True(t, advanceWeekly(&s, at(9, 10), time.UTC))
	assert.False(t, advanceWeekly(&s, at(15, 10), time.UTC))
	assert.Equal(t, at(9, 0), *s.LastDate)

	assert.True(t, advanceWeekly(&s, at(16, 10), time.UTC))
	assert.Equal(t, 2, s.Current)

	assert.True(t, advanceWeekly(&s, at(31, 10), time.UTC))
	assert.Equal(t, 1, s.Current)
	assert.Equal(t, 2, s.Longest)
}

func TestWeekOf(t *testing.T) {
	assert.Equal(t, at(9, 0), weekOf(at(15, 23), time.UTC))
	assert.Equal(t, at(16, 0), weekOf(at(16, 0), time.UTC))
	assert.Equal(t, at(16, 0), weekOf(at(18, 12), time.UTC))
}

func TestLevels(t *testing.T) {
	assert.Equal(t, 100, NextLevelThreshold(1))
	assert.Equal(t, 10000, NextLevelThreshold(10))
	assert.Equal(t, 13000, NextLevelThreshold(11))
	assert.Equal(t, 16000, NextLevelThreshold(12))

	assert.Equal(t, 1, levelFor(1, 99))
	assert.Equal(t, 2, levelFor(1, 100))
	assert.Equal(t, 4, levelFor(1, 510), "several levels in one step")
	assert.Equal(t, 12, levelFor(1, 13000))
	assert.Equal(t, 5, levelFor(5, 0), "level never drops")
	assert.Equal(t, 1, levelFor(0, 0))
}
