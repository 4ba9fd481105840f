package logging

import "strings"

// Level orders log entries. The relay accepts "warn" as an alias when
// parsing but always records "warning".
type Level string

const (
	LevelDebug   Level = "debug"
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

var levelRanks = map[Level]int{
	LevelDebug:   0,
	LevelInfo:    1,
	LevelWarning: 2,
	LevelError:   3,
}

func normalizeLevel(level Level) Level {
	if _, ok := levelRanks[level]; ok {
		return level
	}
	return LevelInfo
}

func ParseLevel(value string) (Level, bool) {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "warn" {
		return LevelWarning, true
	}
	level := Level(value)
	if _, ok := levelRanks[level]; !ok {
		return "", false
	}
	return level, true
}

// LevelAtLeast reports whether level passes minLevel. An empty minLevel
// passes everything; unknown levels rank as info.
func LevelAtLeast(level, minLevel Level) bool {
	if minLevel == "" {
		return true
	}
	return levelRanks[normalizeLevel(level)] >= levelRanks[normalizeLevel(minLevel)]
}
