package settlement

import (
	"errors"
	"testing"
)

func TestComputeMilestoneAmounts_LastAbsorbsRemainder(t *testing.T) {
	split := []SplitItem{{Percentage: 33}, {Percentage: 33}, {Percentage: 34}}

	amounts, err := ComputeMilestoneAmounts(split, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(amounts) != 3 {
		t.Fatalf("expected 3 amounts, got %d", len(amounts))
	}
	if amounts[0] != 33 || amounts[1] != 33 || amounts[2] != 34 {
		t.Fatalf("unexpected amounts: %v", amounts)
	}
}

func TestComputeMilestoneAmounts_TruncationGoesToLast(t *testing.T) {
	// 10 is not divisible by 3: truncated shares 3/3/3 leave 1 for the last.
	split := []SplitItem{{Percentage: 33}, {Percentage: 33}, {Percentage: 34}}

	amounts, err := ComputeMilestoneAmounts(split, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var sum int64
	for _, a := range amounts {
		sum += a
	}
	if sum != 10 {
		t.Fatalf("amounts %v sum to %d, want 10", amounts, sum)
	}
	if amounts[2] != 4 {
		t.Fatalf("expected last milestone to absorb remainder, got %v", amounts)
	}
}

func TestComputeMilestoneAmounts_SingleMilestone(t *testing.T) {
	amounts, err := ComputeMilestoneAmounts([]SplitItem{{Percentage: 100}}, 12345)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(amounts) != 1 || amounts[0] != 12345 {
		t.Fatalf("unexpected amounts: %v", amounts)
	}
}

func TestComputeMilestoneAmounts_NonPositiveTotal(t *testing.T) {
	if _, err := ComputeMilestoneAmounts([]SplitItem{{Percentage: 100}}, 0); !errors.Is(err, ErrMilestoneSplitInvalid) {
		t.Fatalf("expected ErrMilestoneSplitInvalid, got %v", err)
	}
}

func TestValidateSplit(t *testing.T) {
	cases := []struct {
		name  string
		split []SplitItem
		ok    bool
	}{
		{"empty", nil, false},
		{"sums short", []SplitItem{{Percentage: 50}, {Percentage: 40}}, false},
		{"sums over", []SplitItem{{Percentage: 60}, {Percentage: 50}}, false},
		{"zero entry", []SplitItem{{Percentage: 0}, {Percentage: 100}}, false},
		{"negative entry", []SplitItem{{Percentage: -10}, {Percentage: 110}}, false},
		{"valid pair", []SplitItem{{Percentage: 30}, {Percentage: 70}}, true},
		{"valid single", []SplitItem{{Percentage: 100}}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateSplit(tc.split)
			if tc.ok && err != nil {
				t.Fatalf("expected valid, got %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrMilestoneSplitInvalid) {
				t.Fatalf("expected ErrMilestoneSplitInvalid, got %v", err)
			}
		})
	}
}

func TestBpsOf(t *testing.T) {
	if got := bpsOf(100_000, 1500); got != 15_000 {
		t.Fatalf("expected 15000, got %d", got)
	}
	if got := bpsOf(99, 1000); got != 9 {
		t.Fatalf("expected truncation to 9, got %d", got)
	}
	if got := bpsOf(1, 1500); got != 0 {
		t.Fatalf("expected 0 for sub-unit deposit, got %d", got)
	}
}
