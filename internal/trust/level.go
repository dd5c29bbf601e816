// Package trust は信頼スコアの算出と信頼ライフサイクルの状態機械を提供する。
package trust

import (
	"fmt"
	"strings"
)

// Level は順序付きの信頼レベル。比較は >= で行う。
type Level int

const (
	LevelNone Level = iota
	LevelLow
	LevelMedium
	LevelHigh
	LevelVeryHigh
)

var levelNames = map[Level]string{
	LevelNone:     "none",
	LevelLow:      "low",
	LevelMedium:   "medium",
	LevelHigh:     "high",
	LevelVeryHigh: "very_high",
}

// String はレベル名を返す。
func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// AtLeast はlがmin以上かどうかを返す。
func (l Level) AtLeast(min Level) bool {
	return l >= min
}

// ParseLevel はレベル名を解釈する。
func ParseLevel(s string) (Level, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	key = strings.ReplaceAll(key, "-", "_")
	for l, name := range levelNames {
		if name == key {
			return l, nil
		}
	}
	return LevelNone, fmt.Errorf("%w: %q", ErrUnknownLevel, s)
}

// MarshalText はレベル名に変換する。
func (l Level) MarshalText() ([]byte, error) {
	if _, ok := levelNames[l]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownLevel, int(l))
	}
	return []byte(l.String()), nil
}

// UnmarshalText はレベル名から復元する。
func (l *Level) UnmarshalText(text []byte) error {
	parsed, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}
