package settlement

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"chainlance/ledger"
)

// OutcomeRecorder receives completed-contract outcomes inside the finalizing
// transaction. Read-only from the engine's perspective; failures abort the
// transition so the reputation ledger never misses a terminal contract.
type OutcomeRecorder interface {
	RecordContractOutcome(ctx context.Context, tx pgx.Tx, contractID int64, client, freelancer string, completed bool) error
}

// Service owns the Job, Bid, Contract and Milestone state machines. Every
// transition runs in one transaction with the ledger movement that authorises
// it; per-entity row locks serialize racing finalizers.
type Service struct {
	pool     *pgxpool.Pool
	ledger   *ledger.Repository
	cfg      Config
	outcomes OutcomeRecorder
	now      func() time.Time
}

func NewService(pool *pgxpool.Pool, lr *ledger.Repository, cfg Config) *Service {
	return &Service{
		pool:   pool,
		ledger: lr,
		cfg:    cfg,
		now:    time.Now,
	}
}

// WithOutcomeRecorder wires the reputation ledger consumer.
func (s *Service) WithOutcomeRecorder(rec OutcomeRecorder) *Service {
	s.outcomes = rec
	return s
}

// WithClock overrides the time source, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) recordOutcome(ctx context.Context, tx pgx.Tx, c Contract, completed bool) error {
	if s.outcomes == nil {
		return nil
	}
	return s.outcomes.RecordContractOutcome(ctx, tx, c.ID, c.Client, c.Freelancer, completed)
}
