package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"chainlance/ledger"
	"chainlance/outbox"
)

// PlaceBidParams enumerates the fields of a bid submission. Split is the
// proposed milestone breakdown that becomes the contract's milestones if the
// bid wins.
type PlaceBidParams struct {
	JobID           int64
	Freelancer      string
	ProposedAmount  int64
	Split           []SplitItem
	AllowOutOfOrder bool
}

// PlaceBid locks the stake and creates a pending bid. Rejected with ErrSelfBid
// for the job's own client and ErrInvalidState once the job has left Open.
func (s *Service) PlaceBid(ctx context.Context, params PlaceBidParams) (Bid, error) {
	if params.Freelancer == "" {
		return Bid{}, fmt.Errorf("settlement: place bid missing freelancer")
	}
	if params.ProposedAmount <= 0 {
		return Bid{}, fmt.Errorf("settlement: proposed amount must be positive")
	}
	if err := ValidateSplit(params.Split); err != nil {
		return Bid{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Bid{}, fmt.Errorf("settlement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Share lock keeps the job from being accepted or cancelled under us while
	// still letting unrelated bids land concurrently.
	var (
		client string
		status JobStatus
	)
	if err := tx.QueryRow(ctx, `SELECT client, status FROM jobs WHERE id = $1 FOR SHARE`, params.JobID).
		Scan(&client, &status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Bid{}, ErrNotFound
		}
		return Bid{}, fmt.Errorf("settlement: load job for bid: %w", err)
	}
	if client == params.Freelancer {
		return Bid{}, ErrSelfBid
	}
	if status != JobOpen {
		return Bid{}, ErrInvalidState
	}

	stake := bpsOf(params.ProposedAmount, s.cfg.StakeRateBps)
	if stake <= 0 {
		return Bid{}, fmt.Errorf("settlement: proposed amount too small for stake rate")
	}

	splitJSON, err := json.Marshal(params.Split)
	if err != nil {
		return Bid{}, fmt.Errorf("settlement: marshal split: %w", err)
	}

	const insertSQL = `
INSERT INTO bids (job_id, freelancer, proposed_amount, stake_amount, split, allow_out_of_order, status)
VALUES ($1, $2, $3, $4, $5::jsonb, $6, 'pending')
RETURNING id, created_at
`
	bid := Bid{
		JobID:           params.JobID,
		Freelancer:      params.Freelancer,
		ProposedAmount:  params.ProposedAmount,
		StakeAmount:     stake,
		Split:           params.Split,
		AllowOutOfOrder: params.AllowOutOfOrder,
		Status:          BidPending,
	}
	if err := tx.QueryRow(ctx, insertSQL,
		params.JobID, params.Freelancer, params.ProposedAmount, stake, splitJSON, params.AllowOutOfOrder,
	).Scan(&bid.ID, &bid.CreatedAt); err != nil {
		return Bid{}, fmt.Errorf("settlement: insert bid: %w", err)
	}

	if err := s.ledger.Debit(ctx, tx, params.Freelancer, stake, ledger.KindStake, bidRef(bid.ID)); err != nil {
		return Bid{}, err
	}

	if err := outbox.Enqueue(ctx, tx, TopicBidPlaced, map[string]any{
		"bid_id":          bid.ID,
		"job_id":          params.JobID,
		"freelancer":      params.Freelancer,
		"proposed_amount": params.ProposedAmount,
		"stake_amount":    stake,
	}); err != nil {
		return Bid{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Bid{}, fmt.Errorf("settlement: commit place bid: %w", err)
	}
	return bid, nil
}

// WithdrawBid refunds the stake and retires a pending bid. Only the bidding
// freelancer may withdraw.
func (s *Service) WithdrawBid(ctx context.Context, bidID int64, actor string) (Bid, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Bid{}, fmt.Errorf("settlement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	bid, err := lockBid(ctx, tx, bidID)
	if err != nil {
		return Bid{}, err
	}
	if bid.Freelancer != actor {
		return Bid{}, ErrUnauthorized
	}
	if bid.Status != BidPending {
		return Bid{}, ErrInvalidState
	}

	tag, err := tx.Exec(ctx, `UPDATE bids SET status = 'withdrawn' WHERE id = $1 AND status = 'pending'`, bidID)
	if err != nil {
		return Bid{}, fmt.Errorf("settlement: withdraw bid: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return Bid{}, ErrInvalidState
	}

	if err := s.ledger.Credit(ctx, tx, bid.Freelancer, bid.StakeAmount, ledger.KindRefund, bidRef(bidID)); err != nil {
		return Bid{}, err
	}

	if err := outbox.Enqueue(ctx, tx, TopicBidWithdrawn, map[string]any{
		"bid_id":   bidID,
		"job_id":   bid.JobID,
		"refunded": bid.StakeAmount,
	}); err != nil {
		return Bid{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Bid{}, fmt.Errorf("settlement: commit withdraw bid: %w", err)
	}
	bid.Status = BidWithdrawn
	return bid, nil
}

// AcceptBid finalizes the auction for a job. Atomically: the target bid turns
// Accepted, every sibling pending bid turns Rejected with its stake refunded,
// the job turns Assigned, the remaining budget is debited from the client, and
// the contract is created with milestones materialised from the winning split.
func (s *Service) AcceptBid(ctx context.Context, jobID, bidID int64, actor string) (Contract, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Contract{}, fmt.Errorf("settlement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	job, err := lockJob(ctx, tx, jobID)
	if err != nil {
		return Contract{}, err
	}
	if job.Client != actor {
		return Contract{}, ErrUnauthorized
	}
	if job.Status != JobOpen {
		return Contract{}, ErrInvalidState
	}

	bid, err := lockBid(ctx, tx, bidID)
	if err != nil {
		return Contract{}, err
	}
	if bid.JobID != jobID {
		return Contract{}, ErrNotFound
	}
	if bid.Status != BidPending {
		return Contract{}, ErrInvalidState
	}

	amounts, err := ComputeMilestoneAmounts(bid.Split, bid.ProposedAmount)
	if err != nil {
		return Contract{}, err
	}

	tag, err := tx.Exec(ctx, `UPDATE bids SET status = 'accepted' WHERE id = $1 AND status = 'pending'`, bidID)
	if err != nil {
		return Contract{}, fmt.Errorf("settlement: accept bid: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return Contract{}, ErrInvalidState
	}

	// Reject siblings and refund their stakes in the same transaction.
	rows, err := tx.Query(ctx, `
UPDATE bids SET status = 'rejected'
WHERE job_id = $1 AND id <> $2 AND status = 'pending'
RETURNING id, freelancer, stake_amount
`, jobID, bidID)
	if err != nil {
		return Contract{}, fmt.Errorf("settlement: reject sibling bids: %w", err)
	}
	type refund struct {
		bidID      int64
		freelancer string
		stake      int64
	}
	refunds := make([]refund, 0, 8)
	for rows.Next() {
		var rf refund
		if err := rows.Scan(&rf.bidID, &rf.freelancer, &rf.stake); err != nil {
			rows.Close()
			return Contract{}, fmt.Errorf("settlement: scan rejected bid: %w", err)
		}
		refunds = append(refunds, rf)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Contract{}, fmt.Errorf("settlement: iterate rejected bids: %w", err)
	}
	for _, rf := range refunds {
		if err := s.ledger.Credit(ctx, tx, rf.freelancer, rf.stake, ledger.KindRefund, bidRef(rf.bidID)); err != nil {
			return Contract{}, err
		}
	}

	if _, err := tx.Exec(ctx, `UPDATE jobs SET status = 'assigned', updated_at = now() WHERE id = $1`, jobID); err != nil {
		return Contract{}, fmt.Errorf("settlement: assign job: %w", err)
	}

	const insertContractSQL = `
INSERT INTO contracts (job_id, client, freelancer, total_amount, deposit_amount, stake_amount, escrow_amount, allow_out_of_order, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'active')
RETURNING id, created_at, updated_at
`
	contract := Contract{
		JobID:           jobID,
		Client:          job.Client,
		Freelancer:      bid.Freelancer,
		TotalAmount:     bid.ProposedAmount,
		DepositAmount:   job.EscrowAmount,
		StakeAmount:     bid.StakeAmount,
		EscrowAmount:    job.EscrowAmount + bid.StakeAmount,
		AllowOutOfOrder: bid.AllowOutOfOrder,
		Status:          ContractActive,
	}
	if err := tx.QueryRow(ctx, insertContractSQL,
		jobID, job.Client, bid.Freelancer, bid.ProposedAmount,
		job.EscrowAmount, bid.StakeAmount, job.EscrowAmount+bid.StakeAmount,
		bid.AllowOutOfOrder,
	).Scan(&contract.ID, &contract.CreatedAt, &contract.UpdatedAt); err != nil {
		return Contract{}, fmt.Errorf("settlement: insert contract: %w", err)
	}

	for i, item := range bid.Split {
		m := Milestone{
			ContractID: contract.ID,
			Index:      i,
			Amount:     amounts[i],
			Percentage: item.Percentage,
			Status:     MilestonePending,
		}
		if _, err := tx.Exec(ctx, `
INSERT INTO milestones (contract_id, idx, amount, percentage, status)
VALUES ($1, $2, $3, $4, 'pending')
`, contract.ID, i, amounts[i], item.Percentage); err != nil {
			return Contract{}, fmt.Errorf("settlement: insert milestone %d: %w", i, err)
		}
		contract.Milestones = append(contract.Milestones, m)
	}

	// Lock the full budget now so every milestone can be paid from escrow.
	if err := s.ledger.Debit(ctx, tx, job.Client, bid.ProposedAmount, ledger.KindFund, contractRef(contract.ID)); err != nil {
		return Contract{}, err
	}

	if err := outbox.Enqueue(ctx, tx, TopicBidAccepted, map[string]any{
		"bid_id": bidID,
		"job_id": jobID,
	}); err != nil {
		return Contract{}, err
	}
	if err := outbox.Enqueue(ctx, tx, TopicContractCreated, map[string]any{
		"contract_id":   contract.ID,
		"job_id":        jobID,
		"client":        contract.Client,
		"freelancer":    contract.Freelancer,
		"total_amount":  contract.TotalAmount,
		"escrow_amount": contract.EscrowAmount,
	}); err != nil {
		return Contract{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Contract{}, fmt.Errorf("settlement: commit accept bid: %w", err)
	}
	return contract, nil
}

func lockBid(ctx context.Context, tx pgx.Tx, bidID int64) (Bid, error) {
	const q = `
SELECT id, job_id, freelancer, proposed_amount, stake_amount, split, allow_out_of_order, status, created_at
FROM bids
WHERE id = $1
FOR UPDATE
`
	var (
		bid       Bid
		splitJSON []byte
	)
	if err := tx.QueryRow(ctx, q, bidID).Scan(
		&bid.ID, &bid.JobID, &bid.Freelancer, &bid.ProposedAmount, &bid.StakeAmount,
		&splitJSON, &bid.AllowOutOfOrder, &bid.Status, &bid.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Bid{}, ErrNotFound
		}
		return Bid{}, fmt.Errorf("settlement: lock bid: %w", err)
	}
	if err := json.Unmarshal(splitJSON, &bid.Split); err != nil {
		return Bid{}, fmt.Errorf("settlement: decode bid split: %w", err)
	}
	return bid, nil
}
