package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"chainlance/ledger"
	"chainlance/outbox"
)

// PostJobParams enumerates the fields required to open a job.
type PostJobParams struct {
	Client      string
	Title       string
	Description string
	Category    string
	Budget      int64
}

// PostJob creates a job in Open and debits the escrow deposit from the client
// atomically. A failed debit rolls the insert back, so no job row exists
// without its deposit.
func (s *Service) PostJob(ctx context.Context, params PostJobParams) (Job, error) {
	if params.Client == "" {
		return Job{}, fmt.Errorf("settlement: post job missing client")
	}
	if strings.TrimSpace(params.Title) == "" {
		return Job{}, fmt.Errorf("settlement: post job missing title")
	}
	if params.Budget <= 0 {
		return Job{}, fmt.Errorf("settlement: post job budget must be positive")
	}

	escrow := bpsOf(params.Budget, s.cfg.DepositRateBps)
	if escrow <= 0 {
		return Job{}, fmt.Errorf("settlement: budget too small for deposit rate")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Job{}, fmt.Errorf("settlement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const insertSQL = `
INSERT INTO jobs (client, title, description, category, budget, escrow_amount, status)
VALUES ($1, $2, $3, $4, $5, $6, 'open')
RETURNING id, client, title, description, category, budget, escrow_amount, status, created_at, updated_at
`
	var job Job
	if err := tx.QueryRow(ctx, insertSQL,
		params.Client,
		params.Title,
		params.Description,
		params.Category,
		params.Budget,
		escrow,
	).Scan(&job.ID, &job.Client, &job.Title, &job.Description, &job.Category, &job.Budget, &job.EscrowAmount, &job.Status, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return Job{}, fmt.Errorf("settlement: insert job: %w", err)
	}

	if err := s.ledger.Debit(ctx, tx, params.Client, escrow, ledger.KindEscrow, jobRef(job.ID)); err != nil {
		return Job{}, err
	}

	if err := outbox.Enqueue(ctx, tx, TopicJobPosted, map[string]any{
		"job_id":        job.ID,
		"client":        job.Client,
		"budget":        job.Budget,
		"escrow_amount": job.EscrowAmount,
	}); err != nil {
		return Job{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Job{}, fmt.Errorf("settlement: commit post job: %w", err)
	}
	return job, nil
}

// CancelJob refunds the deposit and closes the job. Only the posting client
// may cancel, and only while the job is still open.
func (s *Service) CancelJob(ctx context.Context, jobID int64, actor string) (Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Job{}, fmt.Errorf("settlement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	job, err := lockJob(ctx, tx, jobID)
	if err != nil {
		return Job{}, err
	}
	if job.Client != actor {
		return Job{}, ErrUnauthorized
	}
	if job.Status != JobOpen {
		return Job{}, ErrInvalidState
	}

	tag, err := tx.Exec(ctx, `
UPDATE jobs SET status = 'cancelled', updated_at = now()
WHERE id = $1 AND status = 'open'
`, jobID)
	if err != nil {
		return Job{}, fmt.Errorf("settlement: cancel job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return Job{}, ErrInvalidState
	}

	if err := s.ledger.Credit(ctx, tx, job.Client, job.EscrowAmount, ledger.KindRefund, jobRef(jobID)); err != nil {
		return Job{}, err
	}

	if err := outbox.Enqueue(ctx, tx, TopicJobCancelled, map[string]any{
		"job_id":   jobID,
		"client":   job.Client,
		"refunded": job.EscrowAmount,
	}); err != nil {
		return Job{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Job{}, fmt.Errorf("settlement: commit cancel job: %w", err)
	}
	job.Status = JobCancelled
	return job, nil
}

func lockJob(ctx context.Context, tx pgx.Tx, jobID int64) (Job, error) {
	const q = `
SELECT id, client, title, description, category, budget, escrow_amount, status, created_at, updated_at
FROM jobs
WHERE id = $1
FOR UPDATE
`
	var job Job
	if err := tx.QueryRow(ctx, q, jobID).Scan(
		&job.ID, &job.Client, &job.Title, &job.Description, &job.Category,
		&job.Budget, &job.EscrowAmount, &job.Status, &job.CreatedAt, &job.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Job{}, ErrNotFound
		}
		return Job{}, fmt.Errorf("settlement: lock job: %w", err)
	}
	return job, nil
}

func jobRef(id int64) string {
	return fmt.Sprintf("job:%d", id)
}

func bidRef(id int64) string {
	return fmt.Sprintf("bid:%d", id)
}

func contractRef(id int64) string {
	return fmt.Sprintf("contract:%d", id)
}

func milestoneRef(contractID int64, index int) string {
	return fmt.Sprintf("contract:%d:milestone:%d", contractID, index)
}
