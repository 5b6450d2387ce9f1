package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"

	"chainlance/auth"
	"chainlance/db"
	"chainlance/ledger"
	"chainlance/outbox"
	"chainlance/reputation"
	"chainlance/settlement"
	"chainlance/verification"
)

func main() {
	ctx := context.Background()

	connString := os.Getenv("DATABASE_URL")
	pool, err := db.NewPool(ctx, connString)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	ledgerRepo := ledger.NewRepository(pool)
	reputeLedger := reputation.NewLedger(pool)

	market := settlement.NewService(pool, ledgerRepo, settlement.DefaultConfig()).
		WithOutcomeRecorder(reputeLedger)

	registry := verification.NewRegistry(pool)
	coordinator := verification.NewCoordinator(
		pool,
		registry,
		verification.NewHTTPScorer(&http.Client{Timeout: 30 * time.Second}),
		market,
		verification.DefaultConfig(),
	).WithJudgmentRecorder(reputeLedger)

	authService := auth.NewService(auth.NewRepository(pool), jwtSecret)

	go drainOutbox(ctx, outbox.NewWorker(pool))

	server := &Server{
		market:   market,
		verifier: coordinator,
		registry: registry,
		repute:   reputeLedger,
		auth:     authService,
	}

	log.Printf("listening on %s", addr)
	if err := http.ListenAndServe(addr, server.routes()); err != nil {
		log.Fatalf("http server: %v", err)
	}
}

// drainOutbox delivers pending messages. Delivery here is a log line; swap in
// a broker publisher without touching the producers.
func drainOutbox(ctx context.Context, worker *outbox.Worker) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := worker.Drain(ctx, 50, func(msg outbox.Message) error {
			log.Printf("outbox %s: %s", msg.Topic, msg.Payload)
			return nil
		}); err != nil {
			log.Printf("outbox drain: %v", err)
		}
	}
}
