package gamification

// levelThresholds[i] is the experience needed to reach level i+2.
var levelThresholds = []int{100, 250, 500, 1000, 1750, 2750, 4000, 5500, 7500, 10000}

// levelStep extends the table past its last entry.
const levelStep = 3000

// NextLevelThreshold returns the experience at which level advances to level+1.
func NextLevelThreshold(level int) int {
	if level < 1 {
		level = 1
	}
	if i := level - 1; i < len(levelThresholds) {
		return levelThresholds[i]
	}
	last := levelThresholds[len(levelThresholds)-1]
	return last + levelStep*(level-len(levelThresholds))
}

// levelFor advances level while xp clears the next threshold. It never lowers level.
func levelFor(level, xp int) int {
	if level < 1 {
		level = 1
	}
	for xp >= NextLevelThreshold(level) {
		level++
	}
	return level
}
