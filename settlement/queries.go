package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ContractFilters narrows ListContracts. Participant matches either side of
// the contract; Status is optional.
type ContractFilters struct {
	Participant string
	Status      ContractStatus
	Page        int
	PageSize    int
}

// GetJob returns a job by id.
func (s *Service) GetJob(ctx context.Context, jobID int64) (Job, error) {
	const q = `
SELECT id, client, title, description, category, budget, escrow_amount, status, created_at, updated_at
FROM jobs
WHERE id = $1
`
	var job Job
	if err := s.pool.QueryRow(ctx, q, jobID).Scan(
		&job.ID, &job.Client, &job.Title, &job.Description, &job.Category,
		&job.Budget, &job.EscrowAmount, &job.Status, &job.CreatedAt, &job.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Job{}, ErrNotFound
		}
		return Job{}, fmt.Errorf("settlement: get job: %w", err)
	}
	return job, nil
}

// GetBid returns a bid by id.
func (s *Service) GetBid(ctx context.Context, bidID int64) (Bid, error) {
	const q = `
SELECT id, job_id, freelancer, proposed_amount, stake_amount, split, allow_out_of_order, status, created_at
FROM bids
WHERE id = $1
`
	var (
		bid       Bid
		splitJSON []byte
	)
	if err := s.pool.QueryRow(ctx, q, bidID).Scan(
		&bid.ID, &bid.JobID, &bid.Freelancer, &bid.ProposedAmount, &bid.StakeAmount,
		&splitJSON, &bid.AllowOutOfOrder, &bid.Status, &bid.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Bid{}, ErrNotFound
		}
		return Bid{}, fmt.Errorf("settlement: get bid: %w", err)
	}
	if err := json.Unmarshal(splitJSON, &bid.Split); err != nil {
		return Bid{}, fmt.Errorf("settlement: decode bid split: %w", err)
	}
	return bid, nil
}

// ListBids returns every bid on a job, newest first.
func (s *Service) ListBids(ctx context.Context, jobID int64) ([]Bid, error) {
	const q = `
SELECT id, job_id, freelancer, proposed_amount, stake_amount, split, allow_out_of_order, status, created_at
FROM bids
WHERE job_id = $1
ORDER BY created_at DESC
`
	rows, err := s.pool.Query(ctx, q, jobID)
	if err != nil {
		return nil, fmt.Errorf("settlement: list bids: %w", err)
	}
	defer rows.Close()

	bids := make([]Bid, 0, 8)
	for rows.Next() {
		var (
			bid       Bid
			splitJSON []byte
		)
		if err := rows.Scan(&bid.ID, &bid.JobID, &bid.Freelancer, &bid.ProposedAmount, &bid.StakeAmount,
			&splitJSON, &bid.AllowOutOfOrder, &bid.Status, &bid.CreatedAt); err != nil {
			return nil, fmt.Errorf("settlement: scan bid: %w", err)
		}
		if err := json.Unmarshal(splitJSON, &bid.Split); err != nil {
			return nil, fmt.Errorf("settlement: decode bid split: %w", err)
		}
		bids = append(bids, bid)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("settlement: iterate bids: %w", err)
	}
	return bids, nil
}

// GetContract returns a contract with its milestones in index order.
func (s *Service) GetContract(ctx context.Context, contractID int64) (Contract, error) {
	const q = `
SELECT id, job_id, client, freelancer, total_amount, deposit_amount, stake_amount, escrow_amount, allow_out_of_order, status, created_at, updated_at
FROM contracts
WHERE id = $1
`
	var c Contract
	if err := s.pool.QueryRow(ctx, q, contractID).Scan(
		&c.ID, &c.JobID, &c.Client, &c.Freelancer, &c.TotalAmount, &c.DepositAmount,
		&c.StakeAmount, &c.EscrowAmount, &c.AllowOutOfOrder, &c.Status, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Contract{}, ErrNotFound
		}
		return Contract{}, fmt.Errorf("settlement: get contract: %w", err)
	}

	milestones, err := s.listMilestones(ctx, contractID)
	if err != nil {
		return Contract{}, err
	}
	c.Milestones = milestones
	return c, nil
}

// GetMilestone returns a single milestone by (contract, index). The
// verification coordinator uses this to recheck status before releasing funds.
func (s *Service) GetMilestone(ctx context.Context, contractID int64, index int) (Milestone, error) {
	const q = `
SELECT contract_id, idx, amount, percentage, deliverable_ref, status, approval_deadline, advance_released, reject_reason
FROM milestones
WHERE contract_id = $1 AND idx = $2
`
	var m Milestone
	if err := s.pool.QueryRow(ctx, q, contractID, index).Scan(
		&m.ContractID, &m.Index, &m.Amount, &m.Percentage, &m.DeliverableRef,
		&m.Status, &m.ApprovalDeadline, &m.AdvanceReleased, &m.RejectReason,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Milestone{}, ErrNotFound
		}
		return Milestone{}, fmt.Errorf("settlement: get milestone: %w", err)
	}
	return m, nil
}

// ListContracts returns contracts where the participant is client or
// freelancer, optionally narrowed by status, newest first, with a total count.
func (s *Service) ListContracts(ctx context.Context, filters ContractFilters) ([]Contract, int, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}

	query := `
SELECT id, job_id, client, freelancer, total_amount, deposit_amount, stake_amount, escrow_amount, allow_out_of_order, status, created_at, updated_at
FROM contracts
WHERE (client = $1 OR freelancer = $1)
`
	countQuery := `SELECT COUNT(*) FROM contracts WHERE (client = $1 OR freelancer = $1)`
	args := []any{filters.Participant}
	if filters.Status != "" {
		query += ` AND status = $2`
		countQuery += ` AND status = $2`
		args = append(args, filters.Status)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d OFFSET %d`, filters.PageSize, (filters.Page-1)*filters.PageSize)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("settlement: list contracts: %w", err)
	}
	defer rows.Close()

	contracts := make([]Contract, 0, filters.PageSize)
	for rows.Next() {
		var c Contract
		if err := rows.Scan(&c.ID, &c.JobID, &c.Client, &c.Freelancer, &c.TotalAmount, &c.DepositAmount,
			&c.StakeAmount, &c.EscrowAmount, &c.AllowOutOfOrder, &c.Status, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("settlement: scan contract: %w", err)
		}
		contracts = append(contracts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("settlement: iterate contracts: %w", err)
	}

	var total int
	if err := s.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("settlement: count contracts: %w", err)
	}
	return contracts, total, nil
}

func (s *Service) listMilestones(ctx context.Context, contractID int64) ([]Milestone, error) {
	const q = `
SELECT contract_id, idx, amount, percentage, deliverable_ref, status, approval_deadline, advance_released, reject_reason
FROM milestones
WHERE contract_id = $1
ORDER BY idx
`
	rows, err := s.pool.Query(ctx, q, contractID)
	if err != nil {
		return nil, fmt.Errorf("settlement: list milestones: %w", err)
	}
	defer rows.Close()

	out := make([]Milestone, 0, 4)
	for rows.Next() {
		var m Milestone
		if err := rows.Scan(&m.ContractID, &m.Index, &m.Amount, &m.Percentage, &m.DeliverableRef,
			&m.Status, &m.ApprovalDeadline, &m.AdvanceReleased, &m.RejectReason); err != nil {
			return nil, fmt.Errorf("settlement: scan milestone: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("settlement: iterate milestones: %w", err)
	}
	return out, nil
}
