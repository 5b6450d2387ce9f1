package settlement

// ComputeMilestoneAmounts turns a percentage split into per-milestone amounts
// for the given total. Each amount is the truncated percentage share; the last
// milestone absorbs the rounding remainder so the amounts always sum to total.
func ComputeMilestoneAmounts(split []SplitItem, total int64) ([]int64, error) {
	if err := ValidateSplit(split); err != nil {
		return nil, err
	}
	if total <= 0 {
		return nil, ErrMilestoneSplitInvalid
	}

	amounts := make([]int64, len(split))
	var allocated int64
	for i, item := range split {
		amounts[i] = total * int64(item.Percentage) / 100
		allocated += amounts[i]
	}
	amounts[len(amounts)-1] += total - allocated
	return amounts, nil
}

// ValidateSplit checks the structural invariants of a proposed split: at least
// one milestone, every percentage positive, and the percentages summing to 100.
func ValidateSplit(split []SplitItem) error {
	if len(split) == 0 {
		return ErrMilestoneSplitInvalid
	}
	sum := 0
	for _, item := range split {
		if item.Percentage <= 0 {
			return ErrMilestoneSplitInvalid
		}
		sum += item.Percentage
	}
	if sum != 100 {
		return ErrMilestoneSplitInvalid
	}
	return nil
}
