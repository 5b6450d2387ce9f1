package verification

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"chainlance/auth"
)

// ErrDuplicateAgent signals the address is already registered.
var ErrDuplicateAgent = errors.New("verification: agent already registered")

// Registry is the operator-managed store of verification agents. Mutations are
// gated on the operator role; the panel selector reads it concurrently.
type Registry struct {
	pool *pgxpool.Pool
}

func NewRegistry(pool *pgxpool.Pool) *Registry {
	return &Registry{pool: pool}
}

// RegisterAgentParams enumerates the fields of an agent registration.
type RegisterAgentParams struct {
	Address        string
	Endpoint       string
	Specialization string
}

// Register adds an agent to the registry in the active state.
func (r *Registry) Register(ctx context.Context, actorRole auth.Role, params RegisterAgentParams) (Agent, error) {
	if actorRole != auth.RoleOperator {
		return Agent{}, ErrUnauthorized
	}
	if params.Address == "" || params.Endpoint == "" {
		return Agent{}, fmt.Errorf("verification: register missing address or endpoint")
	}
	spec := params.Specialization
	if spec == "" {
		spec = SpecGeneralist
	}

	const q = `
INSERT INTO verification_agents (address, endpoint, specialization, registered, active)
VALUES ($1, $2, $3, true, true)
RETURNING address, endpoint, specialization, registered, active,
          total_verifications, correct_verifications, disputed_verifications, avg_response_ms, created_at
`
	agent, err := scanAgent(r.pool.QueryRow(ctx, q, params.Address, params.Endpoint, spec))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Agent{}, ErrDuplicateAgent
		}
		return Agent{}, fmt.Errorf("verification: register agent: %w", err)
	}
	return agent, nil
}

// Deregister removes an agent from selection permanently.
func (r *Registry) Deregister(ctx context.Context, actorRole auth.Role, address string) error {
	if actorRole != auth.RoleOperator {
		return ErrUnauthorized
	}
	tag, err := r.pool.Exec(ctx, `
UPDATE verification_agents SET registered = false, active = false WHERE address = $1
`, address)
	if err != nil {
		return fmt.Errorf("verification: deregister agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAgentNotFound
	}
	return nil
}

// SetActive toggles an agent's participation without dropping its history.
func (r *Registry) SetActive(ctx context.Context, actorRole auth.Role, address string, active bool) error {
	if actorRole != auth.RoleOperator {
		return ErrUnauthorized
	}
	tag, err := r.pool.Exec(ctx, `
UPDATE verification_agents SET active = $2 WHERE address = $1 AND registered
`, address, active)
	if err != nil {
		return fmt.Errorf("verification: set agent active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAgentNotFound
	}
	return nil
}

// Get returns an agent by address.
func (r *Registry) Get(ctx context.Context, address string) (Agent, error) {
	const q = `
SELECT address, endpoint, specialization, registered, active,
       total_verifications, correct_verifications, disputed_verifications, avg_response_ms, created_at
FROM verification_agents
WHERE address = $1
`
	agent, err := scanAgent(r.pool.QueryRow(ctx, q, address))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agent{}, ErrAgentNotFound
		}
		return Agent{}, fmt.Errorf("verification: get agent: %w", err)
	}
	return agent, nil
}

// SelectPanel picks up to size active agents for a job category. Specialization
// matches rank first, then the best historical accuracy, so a category with
// few dedicated agents still fills its panel with generalists.
func (r *Registry) SelectPanel(ctx context.Context, category string, size int) ([]Agent, error) {
	if size <= 0 {
		return nil, fmt.Errorf("verification: panel size must be positive")
	}
	const q = `
SELECT address, endpoint, specialization, registered, active,
       total_verifications, correct_verifications, disputed_verifications, avg_response_ms, created_at
FROM verification_agents
WHERE registered AND active
ORDER BY (specialization = $1) DESC,
         CASE WHEN total_verifications > 0
              THEN correct_verifications::float8 / total_verifications
              ELSE 0.5 END DESC,
         avg_response_ms ASC
LIMIT $2
`
	rows, err := r.pool.Query(ctx, q, category, size)
	if err != nil {
		return nil, fmt.Errorf("verification: select panel: %w", err)
	}
	defer rows.Close()

	panel := make([]Agent, 0, size)
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("verification: scan panel agent: %w", err)
		}
		panel = append(panel, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("verification: iterate panel: %w", err)
	}
	return panel, nil
}

func scanAgent(row pgx.Row) (Agent, error) {
	var a Agent
	err := row.Scan(
		&a.Address, &a.Endpoint, &a.Specialization, &a.Registered, &a.Active,
		&a.TotalVerifications, &a.CorrectVerifications, &a.DisputedVerifications,
		&a.AvgResponseMillis, &a.CreatedAt,
	)
	return a, err
}
