package progress

import "math"

// DefaultCompletionThreshold is the percentage at which a video counts as watched
const DefaultCompletionThreshold = 95.0

// Evaluation is the result of evaluating playback of one item
type Evaluation struct {
	Percentage float64
	Completed  bool
}

// Evaluator turns playback position and watched segments into a completion estimate.
//
// The percentage is the better of the furthest position played to and the
// fraction of the timeline actually visited, so a single seek to the end can
// still cross the threshold.
type Evaluator struct {
	Threshold float64
}

// NewEvaluator creates an evaluator. A threshold outside (0, 100] falls back to the default.
func NewEvaluator(threshold float64) Evaluator {
	if !(threshold > 0 && threshold <= 100) {
		threshold = DefaultCompletionThreshold
	}
	return Evaluator{Threshold: threshold}
}

// Evaluate computes the completion percentage and flag for a video
func (e Evaluator) Evaluate(currentTime, duration, watchedFraction float64) Evaluation {
	if !finite(duration) || duration <= 0 {
		return Evaluation{}
	}
	position := 0.0
	if finite(currentTime) && currentTime > 0 {
		position = currentTime * 100 / duration
	}
	watched := 0.0
	if finite(watchedFraction) && watchedFraction > 0 {
		watched = watchedFraction * 100
	}

	pct := clampPercentage(math.Max(position, watched))
	return Evaluation{
		Percentage: pct,
		Completed:  e.IsComplete(pct),
	}
}

// IsComplete reports whether a percentage meets the threshold
func (e Evaluator) IsComplete(percentage float64) bool {
	threshold := e.Threshold
	if threshold <= 0 {
		threshold = DefaultCompletionThreshold
	}
	return percentage >= threshold
}

func clampPercentage(p float64) float64 {
	switch {
	case math.IsNaN(p) || p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}
