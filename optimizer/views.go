package optimizer

import "sort"

const quickWinConfidence = 70

// QuickWins returns the low-effort, high-confidence subset, most confident
// first.
func QuickWins(suggestions []Suggestion) []Suggestion {
	var out []Suggestion
	for _, s := range suggestions {
		if s.Difficulty == DifficultyLow && s.Confidence >= quickWinConfidence {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	return out
}

// HighImpact returns the n largest suggestions by gain amount. n <= 0 keeps
// everything.
func HighImpact(suggestions []Suggestion, n int) []Suggestion {
	out := make([]Suggestion, len(suggestions))
	copy(out, suggestions)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Gain.Amount > out[j].Gain.Amount })
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// Tiers buckets suggestions by estimated time to realize.
func Tiers(suggestions []Suggestion) map[Timeframe][]Suggestion {
	out := map[Timeframe][]Suggestion{
		TimeframeImmediate: {},
		TimeframeShortTerm: {},
		TimeframeLongTerm:  {},
	}
	for _, s := range suggestions {
		out[s.Gain.Timeframe] = append(out[s.Gain.Timeframe], s)
	}
	return out
}
