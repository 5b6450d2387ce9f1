package infra

import (
	"context"
	"os"

	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// PGContainer wraps an optional throwaway Postgres container. The zero value
// stands for an externally managed database and Terminate is a no-op on it.
type PGContainer struct {
	C *postgres.PostgresContainer
}

// StartPostgres16 provides a database for a stress run: an explicit override
// DSN wins, then STRESS_TEST_PG_DSN, otherwise a fresh Postgres 16 container.
func StartPostgres16(ctx context.Context, overrideDSN string) (*PGContainer, string, error) {
	if overrideDSN != "" {
		return &PGContainer{}, overrideDSN, nil
	}
	if dsn := os.Getenv("STRESS_TEST_PG_DSN"); dsn != "" {
		return &PGContainer{}, dsn, nil
	}

	pgC, err := postgres.Run(ctx,
		"postgres:16",
		postgres.WithDatabase("chainlance"),
		postgres.WithUsername("chainlance"),
		postgres.WithPassword("chainlance"),
	)
	if err != nil {
		return nil, "", err
	}

	dsn, err := pgC.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pgC.Terminate(ctx)
		return nil, "", err
	}
	return &PGContainer{C: pgC}, dsn, nil
}

func (p *PGContainer) Terminate(ctx context.Context) error {
	if p == nil || p.C == nil {
		return nil
	}
	return p.C.Terminate(ctx)
}
