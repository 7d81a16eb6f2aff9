package feedback

import (
	"math"

	"github.com/knowledge-engine/backend/internal/storage/models"
)

// ComputeStats derives an item's relevance fields from the scores of all of
// its feedback events. The result depends only on the multiset of scores.
func ComputeStats(scores []float64) models.FeedbackStats {
	n := len(scores)
	if n == 0 {
		return models.FeedbackStats{}
	}

	var sum float64
	positive := 0
	for _, s := range scores {
		sum += s
		if s > 0 {
			positive++
		}
	}

	avg := sum / float64(n)
	return models.FeedbackStats{
		Count:           n,
		Sum:             sum,
		Average:         avg,
		NormalizedScore: clamp01((avg + 1) / 2),
		PositiveRatio:   float64(positive) / float64(n),
	}
}

// Rounded returns the stats as persisted: score and ratio at two decimals.
func Rounded(s models.FeedbackStats) models.FeedbackStats {
	s.NormalizedScore = round2(s.NormalizedScore)
	s.PositiveRatio = round2(s.PositiveRatio)
	return s
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
