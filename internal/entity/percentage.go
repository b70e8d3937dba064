package entity

import "github.com/Agrid-Dev/windmillfan/internal/windmill"

// LevelToPercentage returns the share of the ordered level list covered up
// to and including l. Unknown levels give 0.
func LevelToPercentage(l windmill.Level) int {
	levels := windmill.Levels()
	idx := l.Index()
	if idx < 0 {
		return 0
	}
	return (idx + 1) * 100 / len(levels)
}

// PercentageToLevel returns the slowest level whose upper bound covers p.
func PercentageToLevel(p int) windmill.Level {
	levels := windmill.Levels()
	for i, l := range levels {
		if p <= (i+1)*100/len(levels) {
			return l
		}
	}
	return levels[len(levels)-1]
}
