package xp

import (
	"math"
	"strings"
)

// DefaultPerLevel is the XP step between consecutive levels.
const DefaultPerLevel = 30

// Threshold is the total XP needed to reach level: per * level(level+1)/2.
func Threshold(level int64, per float64) float64 {
	return 0.5 * float64(level) * float64(level+1) * per
}

// Level inverts Threshold and floors the result.
func Level(total, per float64) int64 {
	if per <= 0 {
		per = DefaultPerLevel
	}
	// The epsilon keeps exact boundaries like 3.9999999 from flooring down.
	return int64(math.Floor(-0.5 + math.Sqrt(8*total+per)/(2*math.Sqrt(per)) + 1e-9))
}

var barRunes = []rune(" \u258f\u258e\u258d\u258c\u258b\u258a\u2589\u2588")

// ProgressBar draws n/total as cols cells of eighth-block characters.
func ProgressBar(n, total float64, cols int) string {
	frac := 0.0
	if total > 0 {
		frac = math.Max(0, math.Min(1, n/total))
	}
	nsyms := len(barRunes) - 1
	steps := int(frac * float64(cols*nsyms))
	full, part := steps/nsyms, steps%nsyms

	var b strings.Builder
	b.WriteString(strings.Repeat(string(barRunes[nsyms]), full))
	if full < cols {
		b.WriteRune(barRunes[part])
		b.WriteString(strings.Repeat(" ", cols-full-1))
	}
	return b.String()
}
