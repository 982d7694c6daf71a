package detectors

import (
	"math"
	"slices"
)

// Classify flags the top rate fraction of scores as anomalous.
//
// The boundary is the k-th largest score with k = ceil(rate*len(scores)).
// Every score equal to the boundary is flagged too, so the flagged count can
// exceed k by the size of the tie group but never falls below it.
func Classify(scores []float64, rate float64) ([]bool, error) {
	if err := ValidateRate(rate); err != nil {
		return nil, err
	}

	flags := make([]bool, len(scores))
	if len(scores) == 0 {
		return flags, nil
	}

	threshold := Threshold(scores, rate)
	for i, s := range scores {
		flags[i] = s >= threshold
	}
	return flags, nil
}

// Threshold returns the boundary score used by Classify. The caller is
// responsible for validating rate.
func Threshold(scores []float64, rate float64) float64 {
	if len(scores) == 0 {
		return math.Inf(1)
	}

	sorted := slices.Clone(scores)
	slices.SortFunc(sorted, func(a, b float64) int {
		switch {
		case a > b:
			return -1
		case a < b:
			return 1
		}
		return 0
	})

	// The epsilon absorbs products such as 0.07*100 landing just above an integer.
	k := int(math.Ceil(rate*float64(len(sorted)) - 1e-9))
	if k < 1 {
		k = 1
	}
	if k > len(sorted) {
		k = len(sorted)
	}
	return sorted[k-1]
}
