package windmill

import "fmt"

// Level is a fan speed preset. The names double as the presets shown to
// users, so Level is a string type.
type Level string

const (
	LevelWhisper Level = "Whisper"
	LevelLow     Level = "Low"
	LevelMedium  Level = "Medium"
	LevelHigh    Level = "High"
	LevelBoost   Level = "Boost"

	DefaultLevel = LevelMedium
)

// ordered slowest to fastest; percentage conversions depend on it.
var levels = []Level{LevelWhisper, LevelLow, LevelMedium, LevelHigh, LevelBoost}

var levelCodes = map[Level]string{
	LevelWhisper: "1",
	LevelLow:     "2",
	LevelMedium:  "3",
	LevelHigh:    "4",
	LevelBoost:   "5",
}

var codeLevels = func() map[string]Level {
	m := make(map[string]Level, len(levelCodes))
	for l, c := range levelCodes {
		m[c] = l
	}
	return m
}()

// Levels returns the speed levels, slowest first.
func Levels() []Level {
	out := make([]Level, len(levels))
	copy(out, levels)
	return out
}

func (l Level) Valid() bool {
	_, ok := levelCodes[l]
	return ok
}

func (l Level) String() string { return string(l) }

// Code is the pin encoding of l. Unknown levels encode as Medium.
func (l Level) Code() string {
	if c, ok := levelCodes[l]; ok {
		return c
	}
	return levelCodes[DefaultLevel]
}

// Index is the 0-based position of l in Levels, or -1.
func (l Level) Index() int {
	for i, v := range levels {
		if v == l {
			return i
		}
	}
	return -1
}

func ParseLevel(s string) (Level, error) {
	l := Level(s)
	if !l.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidLevel, s)
	}
	return l, nil
}

// LevelFromCode maps a raw pin code to a Level; unknown codes give DefaultLevel.
func LevelFromCode(code string) Level {
	if l, ok := codeLevels[code]; ok {
		return l
	}
	return DefaultLevel
}

// Snapshot is the device state captured by one refresh. Speed keeps the
// last reported level even while Power is false.
type Snapshot struct {
	Power bool
	Speed Level
}
