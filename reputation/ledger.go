package reputation

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when no aggregate exists for the subject.
var ErrNotFound = errors.New("reputation: not found")

// Ledger is the read-mostly reputation store. Writes arrive only from the
// settlement engine (contract outcomes) and the verification coordinator
// (agent judgments), inside their transactions.
type Ledger struct {
	pool *pgxpool.Pool
}

func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

// RecordContractOutcome updates both parties' aggregates and appends the
// audit events. Runs inside the caller's finalizing transaction.
func (l *Ledger) RecordContractOutcome(ctx context.Context, tx pgx.Tx, contractID int64, client, freelancer string, completed bool) error {
	for _, party := range []string{client, freelancer} {
		if err := l.bumpParty(ctx, tx, party, completed); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
INSERT INTO reputation_events (subject, kind, ref_id, positive)
VALUES ($1, $2, $3, $4)
`, party, KindContractOutcome, contractID, completed); err != nil {
			return fmt.Errorf("reputation: append contract event: %w", err)
		}
	}
	return nil
}

// RecordAgentJudgment appends a judgment event and updates the agent
// aggregate. A disputed judgment counts against the agent but moves no funds.
func (l *Ledger) RecordAgentJudgment(ctx context.Context, tx pgx.Tx, agent string, requestID int64, wasDisputed bool) error {
	disputed := 0
	if wasDisputed {
		disputed = 1
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO reputation_agents (address, judgments_recorded, judgments_disputed)
VALUES ($1, 1, $2)
ON CONFLICT (address) DO UPDATE
SET judgments_recorded = reputation_agents.judgments_recorded + 1,
    judgments_disputed = reputation_agents.judgments_disputed + $2,
    updated_at = now()
`, agent, disputed); err != nil {
		return fmt.Errorf("reputation: bump agent: %w", err)
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO reputation_events (subject, kind, ref_id, positive)
VALUES ($1, $2, $3, $4)
`, agent, KindAgentJudgment, requestID, !wasDisputed); err != nil {
		return fmt.Errorf("reputation: append judgment event: %w", err)
	}
	return nil
}

func (l *Ledger) bumpParty(ctx context.Context, tx pgx.Tx, party string, completed bool) error {
	done, disputed := 0, 0
	if completed {
		done = 1
	} else {
		disputed = 1
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO reputation_parties (address, contracts_completed, contracts_disputed)
VALUES ($1, $2, $3)
ON CONFLICT (address) DO UPDATE
SET contracts_completed = reputation_parties.contracts_completed + $2,
    contracts_disputed = reputation_parties.contracts_disputed + $3,
    updated_at = now()
`, party, done, disputed); err != nil {
		return fmt.Errorf("reputation: bump party: %w", err)
	}
	return nil
}

// GetParty returns the aggregate for a marketplace participant.
func (l *Ledger) GetParty(ctx context.Context, address string) (PartyRecord, error) {
	const q = `
SELECT address, contracts_completed, contracts_disputed, updated_at
FROM reputation_parties
WHERE address = $1
`
	var rec PartyRecord
	if err := l.pool.QueryRow(ctx, q, address).Scan(&rec.Address, &rec.ContractsCompleted, &rec.ContractsDisputed, &rec.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PartyRecord{}, ErrNotFound
		}
		return PartyRecord{}, fmt.Errorf("reputation: get party: %w", err)
	}
	return rec, nil
}

// GetAgent returns the aggregate for a verification agent.
func (l *Ledger) GetAgent(ctx context.Context, address string) (AgentRecord, error) {
	const q = `
SELECT address, judgments_recorded, judgments_disputed, updated_at
FROM reputation_agents
WHERE address = $1
`
	var rec AgentRecord
	if err := l.pool.QueryRow(ctx, q, address).Scan(&rec.Address, &rec.JudgmentsRecorded, &rec.JudgmentsDisputed, &rec.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return AgentRecord{}, ErrNotFound
		}
		return AgentRecord{}, fmt.Errorf("reputation: get agent: %w", err)
	}
	return rec, nil
}
