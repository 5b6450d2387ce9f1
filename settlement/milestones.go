package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"chainlance/ledger"
	"chainlance/outbox"
)

// SubmitMilestone moves a pending milestone to Submitted and starts its
// auto-release clock. Only the contract freelancer may submit; under the
// sequential policy the index must be the lowest still-pending one.
func (s *Service) SubmitMilestone(ctx context.Context, contractID int64, index int, deliverableRef, actor string) (Milestone, error) {
	if deliverableRef == "" {
		return Milestone{}, fmt.Errorf("settlement: submit missing deliverable ref")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Milestone{}, fmt.Errorf("settlement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	contract, err := lockContract(ctx, tx, contractID)
	if err != nil {
		return Milestone{}, err
	}
	if contract.Freelancer != actor {
		return Milestone{}, ErrUnauthorized
	}
	if contract.Status != ContractActive {
		return Milestone{}, ErrInvalidState
	}

	m, err := readMilestone(ctx, tx, contractID, index)
	if err != nil {
		return Milestone{}, err
	}
	if m.Status != MilestonePending {
		return Milestone{}, ErrInvalidState
	}

	if s.cfg.SequentialMilestones && !contract.AllowOutOfOrder {
		var next int
		if err := tx.QueryRow(ctx, `
SELECT MIN(idx) FROM milestones WHERE contract_id = $1 AND status = 'pending'
`, contractID).Scan(&next); err != nil {
			return Milestone{}, fmt.Errorf("settlement: next pending index: %w", err)
		}
		if index != next {
			return Milestone{}, ErrInvalidState
		}
	}

	deadline := s.now().Add(s.cfg.AutoReleaseWindow)
	tag, err := tx.Exec(ctx, `
UPDATE milestones
SET status = 'submitted', deliverable_ref = $3, approval_deadline = $4
WHERE contract_id = $1 AND idx = $2 AND status = 'pending'
`, contractID, index, deliverableRef, deadline)
	if err != nil {
		return Milestone{}, fmt.Errorf("settlement: submit milestone: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return Milestone{}, ErrInvalidState
	}

	if err := outbox.Enqueue(ctx, tx, TopicMilestoneSubmit, map[string]any{
		"contract_id":     contractID,
		"milestone_index": index,
		"deliverable_ref": deliverableRef,
		"deadline":        deadline.UTC(),
	}); err != nil {
		return Milestone{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Milestone{}, fmt.Errorf("settlement: commit submit milestone: %w", err)
	}

	m.Status = MilestoneSubmitted
	m.DeliverableRef = &deliverableRef
	m.ApprovalDeadline = &deadline
	return m, nil
}

// ApproveMilestone pays out a submitted milestone on the client's say-so. If it
// was the last open milestone the contract completes, residual collateral is
// refunded, and the reputation ledger is notified.
func (s *Service) ApproveMilestone(ctx context.Context, contractID int64, index int, actor string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("settlement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	contract, err := lockContract(ctx, tx, contractID)
	if err != nil {
		return err
	}
	if contract.Client != actor {
		return ErrUnauthorized
	}
	if contract.Status != ContractActive {
		return ErrInvalidState
	}

	if err := s.finalizeMilestone(ctx, tx, contract, index); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("settlement: commit approve milestone: %w", err)
	}
	return nil
}

// AutoReleaseMilestone performs the same payout as ApproveMilestone but is
// callable by anyone once the approval deadline has elapsed, so neither party
// can block payment by inaction.
func (s *Service) AutoReleaseMilestone(ctx context.Context, contractID int64, index int, caller string) error {
	_ = caller // any caller is permitted; retained for audit payloads

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("settlement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	contract, err := lockContract(ctx, tx, contractID)
	if err != nil {
		return err
	}
	if contract.Status != ContractActive {
		return ErrInvalidState
	}

	m, err := readMilestone(ctx, tx, contractID, index)
	if err != nil {
		return err
	}
	switch m.Status {
	case MilestoneSubmitted:
		// fall through to the deadline check
	case MilestoneApproved, MilestoneRejected:
		return ErrAlreadyFinalized
	default:
		return ErrInvalidState
	}
	if m.ApprovalDeadline == nil || !s.now().After(*m.ApprovalDeadline) {
		return ErrInvalidState
	}

	if err := s.finalizeMilestone(ctx, tx, contract, index); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("settlement: commit auto release: %w", err)
	}
	return nil
}

// RejectMilestone records a client dispute. Funds stay in escrow and the
// contract enters the manual-resolution path.
func (s *Service) RejectMilestone(ctx context.Context, contractID int64, index int, actor, reason string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("settlement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	contract, err := lockContract(ctx, tx, contractID)
	if err != nil {
		return err
	}
	if contract.Client != actor {
		return ErrUnauthorized
	}
	if contract.Status != ContractActive {
		return ErrInvalidState
	}

	tag, err := tx.Exec(ctx, `
UPDATE milestones SET status = 'rejected', reject_reason = $3
WHERE contract_id = $1 AND idx = $2 AND status = 'submitted'
`, contractID, index, reason)
	if err != nil {
		return fmt.Errorf("settlement: reject milestone: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.classifyMilestoneFailure(ctx, tx, contractID, index)
	}

	if _, err := tx.Exec(ctx, `UPDATE contracts SET status = 'disputed', updated_at = now() WHERE id = $1`, contractID); err != nil {
		return fmt.Errorf("settlement: dispute contract: %w", err)
	}

	if err := s.recordOutcome(ctx, tx, contract, false); err != nil {
		return err
	}

	if err := outbox.Enqueue(ctx, tx, TopicMilestoneReject, map[string]any{
		"contract_id":     contractID,
		"milestone_index": index,
		"reason":          reason,
	}); err != nil {
		return err
	}
	if err := outbox.Enqueue(ctx, tx, TopicContractDispute, map[string]any{
		"contract_id": contractID,
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("settlement: commit reject milestone: %w", err)
	}
	return nil
}

// ReleaseAdvance pays the consensus-triggered advance fraction of a submitted
// milestone. At most one advance per milestone; the remainder still needs
// client approval or auto-release.
func (s *Service) ReleaseAdvance(ctx context.Context, contractID int64, index int) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("settlement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	contract, err := lockContract(ctx, tx, contractID)
	if err != nil {
		return 0, err
	}
	if contract.Status != ContractActive {
		return 0, ErrInvalidState
	}

	m, err := readMilestone(ctx, tx, contractID, index)
	if err != nil {
		return 0, err
	}
	if m.Status == MilestoneApproved || m.Status == MilestoneRejected {
		return 0, ErrAlreadyFinalized
	}
	if m.Status != MilestoneSubmitted {
		return 0, ErrInvalidState
	}
	if m.AdvanceReleased > 0 {
		return 0, ErrAlreadyFinalized
	}

	advance := bpsOf(m.Amount, s.cfg.AdvanceRateBps)
	if advance <= 0 {
		return 0, nil
	}

	tag, err := tx.Exec(ctx, `
UPDATE milestones SET advance_released = $3
WHERE contract_id = $1 AND idx = $2 AND status = 'submitted' AND advance_released = 0
`, contractID, index, advance)
	if err != nil {
		return 0, fmt.Errorf("settlement: record advance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return 0, ErrAlreadyFinalized
	}

	if err := s.ledger.Release(ctx, tx, contract.Freelancer, advance, ledger.KindAdvance, milestoneRef(contractID, index)); err != nil {
		return 0, err
	}

	if err := outbox.Enqueue(ctx, tx, TopicAdvanceReleased, map[string]any{
		"contract_id":     contractID,
		"milestone_index": index,
		"amount":          advance,
		"freelancer":      contract.Freelancer,
	}); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("settlement: commit advance: %w", err)
	}
	return advance, nil
}

// finalizeMilestone flips a submitted milestone to Approved, releases the
// unpaid remainder, and completes the contract when no open milestones remain.
// Callers hold the contract row lock, which serializes racing finalizers; the
// conditional update is the tie-break that leaves the loser with
// ErrAlreadyFinalized (never a second transfer).
func (s *Service) finalizeMilestone(ctx context.Context, tx pgx.Tx, contract Contract, index int) error {
	var (
		amount   int64
		advanced int64
	)
	err := tx.QueryRow(ctx, `
UPDATE milestones SET status = 'approved'
WHERE contract_id = $1 AND idx = $2 AND status = 'submitted'
RETURNING amount, advance_released
`, contract.ID, index).Scan(&amount, &advanced)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return s.classifyMilestoneFailure(ctx, tx, contract.ID, index)
		}
		return fmt.Errorf("settlement: approve milestone: %w", err)
	}

	remainder := amount - advanced
	if remainder > 0 {
		if err := s.ledger.Release(ctx, tx, contract.Freelancer, remainder, ledger.KindRelease, milestoneRef(contract.ID, index)); err != nil {
			return err
		}
	}

	if err := outbox.Enqueue(ctx, tx, TopicMilestoneOK, map[string]any{
		"contract_id":     contract.ID,
		"milestone_index": index,
		"amount":          amount,
	}); err != nil {
		return err
	}
	if err := outbox.Enqueue(ctx, tx, TopicPaymentReleased, map[string]any{
		"contract_id":     contract.ID,
		"milestone_index": index,
		"amount":          remainder,
		"freelancer":      contract.Freelancer,
	}); err != nil {
		return err
	}

	var open int
	if err := tx.QueryRow(ctx, `
SELECT COUNT(*) FROM milestones WHERE contract_id = $1 AND status <> 'approved'
`, contract.ID).Scan(&open); err != nil {
		return fmt.Errorf("settlement: count open milestones: %w", err)
	}
	if open > 0 {
		return nil
	}

	return s.completeContract(ctx, tx, contract)
}

// completeContract settles the residual collateral: the deposit goes back to
// the client, the stake back to the freelancer, and the job closes.
func (s *Service) completeContract(ctx context.Context, tx pgx.Tx, contract Contract) error {
	tag, err := tx.Exec(ctx, `
UPDATE contracts SET status = 'completed', updated_at = now()
WHERE id = $1 AND status = 'active'
`, contract.ID)
	if err != nil {
		return fmt.Errorf("settlement: complete contract: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidState
	}

	if _, err := tx.Exec(ctx, `UPDATE jobs SET status = 'completed', updated_at = now() WHERE id = $1`, contract.JobID); err != nil {
		return fmt.Errorf("settlement: complete job: %w", err)
	}

	if contract.DepositAmount > 0 {
		if err := s.ledger.Credit(ctx, tx, contract.Client, contract.DepositAmount, ledger.KindRefund, contractRef(contract.ID)+":deposit"); err != nil {
			return err
		}
	}
	if contract.StakeAmount > 0 {
		if err := s.ledger.Credit(ctx, tx, contract.Freelancer, contract.StakeAmount, ledger.KindRefund, contractRef(contract.ID)+":stake"); err != nil {
			return err
		}
	}

	if err := s.recordOutcome(ctx, tx, contract, true); err != nil {
		return err
	}

	return outbox.Enqueue(ctx, tx, TopicContractDone, map[string]any{
		"contract_id": contract.ID,
		"job_id":      contract.JobID,
		"client":      contract.Client,
		"freelancer":  contract.Freelancer,
	})
}

// classifyMilestoneFailure translates a failed conditional update into the
// error the caller should observe, per the state the row actually holds.
func (s *Service) classifyMilestoneFailure(ctx context.Context, tx pgx.Tx, contractID int64, index int) error {
	var status MilestoneStatus
	err := tx.QueryRow(ctx, `
SELECT status FROM milestones WHERE contract_id = $1 AND idx = $2
`, contractID, index).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("settlement: classify milestone: %w", err)
	}
	switch status {
	case MilestoneApproved, MilestoneRejected:
		return ErrAlreadyFinalized
	default:
		return ErrInvalidState
	}
}

func lockContract(ctx context.Context, tx pgx.Tx, contractID int64) (Contract, error) {
	const q = `
SELECT id, job_id, client, freelancer, total_amount, deposit_amount, stake_amount, escrow_amount, allow_out_of_order, status, created_at, updated_at
FROM contracts
WHERE id = $1
FOR UPDATE
`
	var c Contract
	if err := tx.QueryRow(ctx, q, contractID).Scan(
		&c.ID, &c.JobID, &c.Client, &c.Freelancer, &c.TotalAmount, &c.DepositAmount,
		&c.StakeAmount, &c.EscrowAmount, &c.AllowOutOfOrder, &c.Status, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Contract{}, ErrNotFound
		}
		return Contract{}, fmt.Errorf("settlement: lock contract: %w", err)
	}
	return c, nil
}

func readMilestone(ctx context.Context, tx pgx.Tx, contractID int64, index int) (Milestone, error) {
	const q = `
SELECT contract_id, idx, amount, percentage, deliverable_ref, status, approval_deadline, advance_released, reject_reason
FROM milestones
WHERE contract_id = $1 AND idx = $2
`
	var m Milestone
	if err := tx.QueryRow(ctx, q, contractID, index).Scan(
		&m.ContractID, &m.Index, &m.Amount, &m.Percentage, &m.DeliverableRef,
		&m.Status, &m.ApprovalDeadline, &m.AdvanceReleased, &m.RejectReason,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Milestone{}, ErrNotFound
		}
		return Milestone{}, fmt.Errorf("settlement: read milestone: %w", err)
	}
	return m, nil
}
