package learnings

// Sample is one (confidence, weight) observation.
type Sample struct {
	Confidence float64
	Weight     float64
}

// WeightedConfidence reduces samples to a single confidence score as the
// weighted average. Non-positive weights count as 1 so an unused learning
// (usage_count 0) still contributes. Returns 0 on no samples.
func WeightedConfidence(samples []Sample) float64 {
	var sum, weight float64
	for _, s := range samples {
		w := s.Weight
		if w <= 0 {
			w = 1
		}
		sum += s.Confidence * w
		weight += w
	}
	if weight == 0 {
		return 0
	}
	return sum / weight
}
