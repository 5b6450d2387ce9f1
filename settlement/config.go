package settlement

import "time"

// Config collects the engine's policy knobs. Rates are basis points so money
// math stays in integers.
type Config struct {
	// DepositRateBps is the job escrow deposit as a fraction of the budget.
	DepositRateBps int64
	// StakeRateBps is the bid stake as a fraction of the proposed amount.
	StakeRateBps int64
	// AdvanceRateBps is the consensus-triggered advance as a fraction of the
	// milestone amount.
	AdvanceRateBps int64
	// AutoReleaseWindow is how long a submitted milestone waits for client
	// action before anyone may trigger the release.
	AutoReleaseWindow time.Duration
	// SequentialMilestones requires submissions in index order unless the
	// contract terms opt out.
	SequentialMilestones bool
}

func DefaultConfig() Config {
	return Config{
		DepositRateBps:       1500,
		StakeRateBps:         1000,
		AdvanceRateBps:       2000,
		AutoReleaseWindow:    14 * 24 * time.Hour,
		SequentialMilestones: true,
	}
}

// bpsOf computes amount scaled by a basis-point rate, truncating toward zero.
func bpsOf(amount, rateBps int64) int64 {
	return amount * rateBps / 10000
}
