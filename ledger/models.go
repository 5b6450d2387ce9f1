package ledger

import "time"

// HoldingAccount receives every locked balance: job deposits, bid stakes, and
// contract funding all sit here until a settlement transition releases them.
const HoldingAccount = "escrow:holding"

// Entry kinds recorded in the journal. Release and advance entries carry a
// uniqueness guard on (kind, ref) so a milestone can be paid at most once.
const (
	KindDeposit = "deposit"
	KindEscrow  = "escrow"
	KindStake   = "stake"
	KindFund    = "fund"
	KindRefund  = "refund"
	KindRelease = "release"
	KindAdvance = "advance"
)

// Account mirrors the accounts table. Balances are integer minor units; the
// decimal precision is a deployment constant, not a per-account attribute.
type Account struct {
	Address   string
	Balance   int64
	UpdatedAt time.Time
}

// Entry is one immutable journal row describing a completed transfer.
type Entry struct {
	ID          int64
	FromAccount string
	ToAccount   string
	Amount      int64
	Kind        string
	Ref         string
	CreatedAt   time.Time
}
