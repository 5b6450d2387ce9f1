package verification

// Consensus evaluates the received judgments against the threshold. The rate
// is computed over responders only, so a shrunken panel still decides; an
// empty set never approves. Deterministic for a fixed input.
func Consensus(judgments []Judgment, threshold float64) (approved bool, rate float64) {
	if len(judgments) == 0 {
		return false, 0
	}
	count := 0
	for _, j := range judgments {
		if j.Approved {
			count++
		}
	}
	rate = float64(count) / float64(len(judgments))
	return rate >= threshold, rate
}
