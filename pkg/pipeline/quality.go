package pipeline

import "math"

// QualityScore rates how trustworthy an analysis is, between 0.8 and 1.0.
//
// Starting from 0.8 it adds 0.1 for coverage above 0.5 (0.05 above 0.2),
// 0.1 for a mean index above 0.6 (0.05 above 0.4) and 0.1 when the
// classifier contributed.
func QualityScore(coverage, meanIndex float64, fusionUsed bool) float64 {
	score := 0.8

	switch {
	case coverage > 0.5:
		score += 0.1
	case coverage > 0.2:
		score += 0.05
	}

	switch {
	case meanIndex > 0.6:
		score += 0.1
	case meanIndex > 0.4:
		score += 0.05
	}

	if fusionUsed {
		score += 0.1
	}

	return math.Min(score, 1.0)
}
