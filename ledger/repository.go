package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrInsufficientFunds signals a debit exceeded the payer's balance or allowance.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	// ErrAccountNotFound is returned when no account row exists for the address.
	ErrAccountNotFound = errors.New("ledger: account not found")
	// ErrAlreadyTransferred signals a release or advance entry already exists for the ref.
	ErrAlreadyTransferred = errors.New("ledger: transfer already recorded for ref")
)

// Repository moves value between accounts. Mutating methods are pgx.Tx-scoped so
// that a debit commits or rolls back together with the settlement transition
// that authorised it.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// EnsureAccount creates the account row if it does not exist yet.
func (r *Repository) EnsureAccount(ctx context.Context, address string) error {
	if address == "" {
		return fmt.Errorf("ledger: empty account address")
	}
	_, err := r.pool.Exec(ctx, `
INSERT INTO accounts (address) VALUES ($1)
ON CONFLICT (address) DO NOTHING
`, address)
	if err != nil {
		return fmt.Errorf("ledger: ensure account: %w", err)
	}
	return nil
}

// Deposit credits freshly minted funds to an account. Test and bootstrap helper;
// production deployments mirror an external token balance instead.
func (r *Repository) Deposit(ctx context.Context, address string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("ledger: deposit amount must be positive")
	}
	if err := r.EnsureAccount(ctx, address); err != nil {
		return err
	}
	_, err := r.pool.Exec(ctx, `
UPDATE accounts SET balance = balance + $2, updated_at = now() WHERE address = $1
`, address, amount)
	if err != nil {
		return fmt.Errorf("ledger: deposit: %w", err)
	}
	return nil
}

// Approve pre-authorises the settlement engine to debit up to amount from the
// account. Debits consume the allowance; repeated approval resets it.
func (r *Repository) Approve(ctx context.Context, address string, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("ledger: negative allowance")
	}
	_, err := r.pool.Exec(ctx, `
INSERT INTO allowances (account, amount) VALUES ($1, $2)
ON CONFLICT (account) DO UPDATE SET amount = EXCLUDED.amount, updated_at = now()
`, address, amount)
	if err != nil {
		return fmt.Errorf("ledger: approve: %w", err)
	}
	return nil
}

// Balance returns the current balance for an account.
func (r *Repository) Balance(ctx context.Context, address string) (int64, error) {
	var balance int64
	err := r.pool.QueryRow(ctx, `SELECT balance FROM accounts WHERE address = $1`, address).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrAccountNotFound
		}
		return 0, fmt.Errorf("ledger: balance: %w", err)
	}
	return balance, nil
}

// Debit moves amount from the payer into the holding account under the
// approve-then-transfer discipline: both the allowance and the balance must
// cover the amount or the call fails with ErrInsufficientFunds and the
// surrounding transaction is expected to roll back.
func (r *Repository) Debit(ctx context.Context, tx pgx.Tx, payer string, amount int64, kind, ref string) error {
	if amount <= 0 {
		return fmt.Errorf("ledger: debit amount must be positive")
	}

	tag, err := tx.Exec(ctx, `
UPDATE allowances SET amount = amount - $2, updated_at = now()
WHERE account = $1 AND amount >= $2
`, payer, amount)
	if err != nil {
		return fmt.Errorf("ledger: consume allowance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientFunds
	}

	tag, err = tx.Exec(ctx, `
UPDATE accounts SET balance = balance - $2, updated_at = now()
WHERE address = $1 AND balance >= $2
`, payer, amount)
	if err != nil {
		return fmt.Errorf("ledger: debit balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientFunds
	}

	if _, err := tx.Exec(ctx, `
UPDATE accounts SET balance = balance + $2, updated_at = now() WHERE address = $1
`, HoldingAccount, amount); err != nil {
		return fmt.Errorf("ledger: credit holding: %w", err)
	}

	return r.record(ctx, tx, payer, HoldingAccount, amount, kind, ref)
}

// Credit refunds amount from the holding account back to the original payer.
func (r *Repository) Credit(ctx context.Context, tx pgx.Tx, payee string, amount int64, kind, ref string) error {
	if amount <= 0 {
		return fmt.Errorf("ledger: credit amount must be positive")
	}
	return r.move(ctx, tx, HoldingAccount, payee, amount, kind, ref)
}

// Release pays amount out of the holding account to the payee. The journal's
// (kind, ref) uniqueness guard makes a second release for the same ref fail
// with ErrAlreadyTransferred regardless of caller behaviour.
func (r *Repository) Release(ctx context.Context, tx pgx.Tx, payee string, amount int64, kind, ref string) error {
	if kind != KindRelease && kind != KindAdvance {
		return fmt.Errorf("ledger: release kind %q not permitted", kind)
	}
	if amount <= 0 {
		return fmt.Errorf("ledger: release amount must be positive")
	}
	return r.move(ctx, tx, HoldingAccount, payee, amount, kind, ref)
}

func (r *Repository) move(ctx context.Context, tx pgx.Tx, from, to string, amount int64, kind, ref string) error {
	tag, err := tx.Exec(ctx, `
UPDATE accounts SET balance = balance - $2, updated_at = now()
WHERE address = $1 AND balance >= $2
`, from, amount)
	if err != nil {
		return fmt.Errorf("ledger: debit %s: %w", from, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientFunds
	}

	if _, err := tx.Exec(ctx, `
INSERT INTO accounts (address, balance) VALUES ($1, $2)
ON CONFLICT (address) DO UPDATE SET balance = accounts.balance + EXCLUDED.balance, updated_at = now()
`, to, amount); err != nil {
		return fmt.Errorf("ledger: credit %s: %w", to, err)
	}

	return r.record(ctx, tx, from, to, amount, kind, ref)
}

func (r *Repository) record(ctx context.Context, tx pgx.Tx, from, to string, amount int64, kind, ref string) error {
	_, err := tx.Exec(ctx, `
INSERT INTO ledger_entries (from_account, to_account, amount, kind, ref)
VALUES ($1, $2, $3, $4, $5)
`, from, to, amount, kind, ref)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyTransferred
		}
		return fmt.Errorf("ledger: record entry: %w", err)
	}
	return nil
}

// EntriesByRef lists journal rows whose ref matches exactly. Used by audit
// tooling and the invariant oracles.
func (r *Repository) EntriesByRef(ctx context.Context, ref string) ([]Entry, error) {
	rows, err := r.pool.Query(ctx, `
SELECT id, from_account, to_account, amount, kind, ref, created_at
FROM ledger_entries
WHERE ref = $1
ORDER BY id
`, ref)
	if err != nil {
		return nil, fmt.Errorf("ledger: entries by ref: %w", err)
	}
	defer rows.Close()

	out := make([]Entry, 0, 4)
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.FromAccount, &e.ToAccount, &e.Amount, &e.Kind, &e.Ref, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("ledger: scan entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterate entries: %w", err)
	}
	return out, nil
}
