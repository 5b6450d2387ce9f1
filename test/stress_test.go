package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"chainlance/ledger"
	"chainlance/outbox"
	"chainlance/reputation"
	"chainlance/settlement"
	"chainlance/test/actors"
	"chainlance/test/chaos"
	"chainlance/test/infra"
	"chainlance/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent actors")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

func seedRNG(seed int64) { rand.Seed(seed) }

func TestSettlementConcurrency(t *testing.T) {
	flag.Parse()
	seed := *flSeed
	seedRNG(seed)

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv("STRESS_TEST_PG_DSN") != "":
		dsn = os.Getenv("STRESS_TEST_PG_DSN")
		usedShared = true
		pgC = &infra.PGContainer{}
	default:
		if dockerAvailable(ctx) {
			pgC, dsn, err = infra.StartPostgres16(ctx, "")
			if err != nil {
				t.Fatalf("start postgres: %v", err)
			}
		} else {
			dsn, err = infra.InitLocalDatabase(ctx)
			if err != nil {
				t.Fatalf("init local database: %v", err)
			}
			pgC = &infra.PGContainer{}
		}
	}
	defer pgC.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	// A tight auto-release window makes keepers race clients for real.
	cfg := settlement.DefaultConfig()
	cfg.AutoReleaseWindow = 200 * time.Millisecond

	ledgerRepo := ledger.NewRepository(pool)
	svc := settlement.NewService(pool, ledgerRepo, cfg).
		WithOutcomeRecorder(reputation.NewLedger(pool))

	seedData := mustSeed(t, ctx, svc, ledgerRepo)

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	// settlement race on the seeded contract: one submitter, competing
	// approvers and keepers
	g.Go(func() error {
		return actors.Submitter(ctx2, svc, seedData.contractID, seedData.milestones, seedData.freelancers[0], stop)
	})
	for i := 0; i < 2; i++ {
		g.Go(func() error {
			return actors.Approver(ctx2, svc, seedData.contractID, seedData.milestones, seedData.client, stop)
		})
		g.Go(func() error {
			return actors.AutoReleaser(ctx2, svc, seedData.contractID, seedData.milestones, stop)
		})
	}

	// auction race on the open job: many bidders, two racing acceptors
	for i := 0; i < *flConcurrency; i++ {
		wallet := seedData.freelancers[i%len(seedData.freelancers)]
		g.Go(func() error { return actors.Bidder(ctx2, svc, seedData.openJobID, wallet, stop) })
	}
	for i := 0; i < 2; i++ {
		g.Go(func() error { return actors.Acceptor(ctx2, svc, seedData.openJobID, seedData.client, stop) })
	}

	g.Go(func() error { return actors.OutboxWorker(ctx2, outbox.NewWorker(pool), stop) })
	go chaos.TerminateRandomBackend(ctx2, pool, stop)

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				t.Fatalf("oracle error: %v", err)
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

type seedIDs struct {
	client      string
	freelancers []string
	contractID  int64
	milestones  int
	openJobID   int64
}

// mustSeed funds the participants, runs one auction to completion so the
// milestone actors have a live contract, and opens a second job for the
// auction race.
func mustSeed(t *testing.T, ctx context.Context, svc *settlement.Service, ledgerRepo *ledger.Repository) seedIDs {
	t.Helper()

	s := seedIDs{
		client: fmt.Sprintf("wallet:client-%d", rand.Int63()),
	}
	for i := 0; i < 4; i++ {
		s.freelancers = append(s.freelancers, fmt.Sprintf("wallet:freelancer-%d-%d", i, rand.Int63()))
	}

	const funding = int64(1_000_000_000)
	for _, addr := range append([]string{s.client}, s.freelancers...) {
		if err := ledgerRepo.Deposit(ctx, addr, funding); err != nil {
			t.Fatalf("seed deposit %s: %v", addr, err)
		}
		if err := ledgerRepo.Approve(ctx, addr, funding); err != nil {
			t.Fatalf("seed approve %s: %v", addr, err)
		}
	}

	job, err := svc.PostJob(ctx, settlement.PostJobParams{
		Client: s.client,
		Title:  "stress: data pipeline",
		Budget: 100_000,
	})
	if err != nil {
		t.Fatalf("seed post job: %v", err)
	}

	bid, err := svc.PlaceBid(ctx, settlement.PlaceBidParams{
		JobID:          job.ID,
		Freelancer:     s.freelancers[0],
		ProposedAmount: 90_000,
		Split: []settlement.SplitItem{
			{Percentage: 40}, {Percentage: 30}, {Percentage: 30},
		},
	})
	if err != nil {
		t.Fatalf("seed place bid: %v", err)
	}

	contract, err := svc.AcceptBid(ctx, job.ID, bid.ID, s.client)
	if err != nil {
		t.Fatalf("seed accept bid: %v", err)
	}
	s.contractID = contract.ID
	s.milestones = len(contract.Milestones)

	openJob, err := svc.PostJob(ctx, settlement.PostJobParams{
		Client: s.client,
		Title:  "stress: api gateway",
		Budget: 80_000,
	})
	if err != nil {
		t.Fatalf("seed open job: %v", err)
	}
	s.openJobID = openJob.ID

	return s
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"ledger_entries", `SELECT id, from_account, to_account, amount, kind, ref FROM ledger_entries ORDER BY id DESC LIMIT 50`},
		{"milestones", `SELECT contract_id, idx, amount, status, advance_released FROM milestones ORDER BY contract_id DESC, idx LIMIT 50`},
		{"bids", `SELECT id, job_id, freelancer, status, stake_amount FROM bids ORDER BY id DESC LIMIT 50`},
		{"outbox", `SELECT id, topic, status, attempts, created_at FROM outbox ORDER BY created_at DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
