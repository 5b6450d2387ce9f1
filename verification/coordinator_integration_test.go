package verification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"chainlance/auth"
	"chainlance/ledger"
	"chainlance/settlement"
)

// judgeServer fakes an agent endpoint with a fixed verdict.
func judgeServer(t *testing.T, approved bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"approved":   approved,
			"confidence": 0.9,
			"report":     "automated review",
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

// TestVerificationProtocol_Integration drives the full consensus round against
// a live database: a submitted milestone, a 2-of-3 panel backed by httptest
// endpoints, the advance payout, and the dispute path.
func TestVerificationProtocol_Integration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	t.Cleanup(pool.Close)

	var exists bool
	if err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'verification_agents')`).Scan(&exists); err != nil {
		t.Fatalf("check schema: %v", err)
	}
	if !exists {
		t.Skip("database schema missing; apply files under migrations/ first")
	}

	nonce := time.Now().UnixNano()
	client := fmt.Sprintf("wallet:vclient-%d", nonce)
	freelancer := fmt.Sprintf("wallet:vfreelancer-%d", nonce)
	category := fmt.Sprintf("backend-%d", nonce)

	lr := ledger.NewRepository(pool)
	for _, addr := range []string{client, freelancer} {
		if err := lr.Deposit(ctx, addr, 1_000_000); err != nil {
			t.Fatalf("seed deposit: %v", err)
		}
		if err := lr.Approve(ctx, addr, 1_000_000); err != nil {
			t.Fatalf("seed approve: %v", err)
		}
	}

	market := settlement.NewService(pool, lr, settlement.DefaultConfig())
	job, err := market.PostJob(ctx, settlement.PostJobParams{Client: client, Title: "API build", Category: category, Budget: 50_000})
	if err != nil {
		t.Fatalf("post job: %v", err)
	}
	bid, err := market.PlaceBid(ctx, settlement.PlaceBidParams{
		JobID:          job.ID,
		Freelancer:     freelancer,
		ProposedAmount: 40_000,
		Split:          []settlement.SplitItem{{Percentage: 100}},
	})
	if err != nil {
		t.Fatalf("place bid: %v", err)
	}
	contract, err := market.AcceptBid(ctx, job.ID, bid.ID, client)
	if err != nil {
		t.Fatalf("accept bid: %v", err)
	}
	if _, err := market.SubmitMilestone(ctx, contract.ID, 0, "ipfs://deliverable", freelancer); err != nil {
		t.Fatalf("submit milestone: %v", err)
	}

	// panel: two approvers, one rejector, all specialized in this run's category
	registry := NewRegistry(pool)
	verdicts := []bool{true, true, false}
	agents := make([]string, len(verdicts))
	for i, v := range verdicts {
		addr := fmt.Sprintf("agent:%d-%d", nonce, i)
		agents[i] = addr
		if _, err := registry.Register(ctx, auth.RoleOperator, RegisterAgentParams{
			Address:        addr,
			Endpoint:       judgeServer(t, v).URL,
			Specialization: category,
		}); err != nil {
			t.Fatalf("register agent %s: %v", addr, err)
		}
	}

	coord := NewCoordinator(pool, registry, NewHTTPScorer(&http.Client{Timeout: 5 * time.Second}), market, DefaultConfig())

	balanceBefore, err := lr.Balance(ctx, freelancer)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}

	req, err := coord.RequestVerification(ctx, RequestParams{
		ContractID:     contract.ID,
		MilestoneIndex: 0,
		DeliverableRef: "ipfs://deliverable",
		Criteria:       "endpoints respond per the brief",
		Category:       category,
		RequestedBy:    client,
	})
	if err != nil {
		t.Fatalf("request verification: %v", err)
	}
	if !req.Completed || !req.Approved || req.Failed {
		t.Fatalf("unexpected request state: %+v", req)
	}
	if len(req.RespondingAgents) != 3 {
		t.Fatalf("expected 3 responders, got %v", req.RespondingAgents)
	}
	if req.ApprovalRate < 0.66 || req.ApprovalRate > 0.67 {
		t.Fatalf("unexpected approval rate %v", req.ApprovalRate)
	}

	// consensus approval releases the 20% advance, nothing more
	m, err := market.GetMilestone(ctx, contract.ID, 0)
	if err != nil {
		t.Fatalf("get milestone: %v", err)
	}
	if m.Status != settlement.MilestoneSubmitted {
		t.Fatalf("milestone should remain submitted, got %s", m.Status)
	}
	if m.AdvanceReleased != 8_000 {
		t.Fatalf("expected 8000 advance, got %d", m.AdvanceReleased)
	}
	balanceAfter, err := lr.Balance(ctx, freelancer)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balanceAfter-balanceBefore != 8_000 {
		t.Fatalf("freelancer gained %d, want 8000", balanceAfter-balanceBefore)
	}

	// one request per milestone
	if _, err := coord.RequestVerification(ctx, RequestParams{
		ContractID:     contract.ID,
		MilestoneIndex: 0,
		DeliverableRef: "ipfs://deliverable",
		Category:       category,
		RequestedBy:    client,
	}); !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("expected ErrDuplicateRequest, got %v", err)
	}

	// responder stats took the round
	a0, err := registry.Get(ctx, agents[0])
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if a0.TotalVerifications != 1 || a0.CorrectVerifications != 1 {
		t.Fatalf("unexpected approver stats: %+v", a0)
	}
	a2, err := registry.Get(ctx, agents[2])
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if a2.TotalVerifications != 1 || a2.CorrectVerifications != 0 {
		t.Fatalf("unexpected dissenter stats: %+v", a2)
	}

	// disputes are requestor-only, reputational, and single-shot
	if err := coord.DisputeVerification(ctx, req.ID, freelancer, "biased panel"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for non-requestor, got %v", err)
	}
	if err := coord.DisputeVerification(ctx, req.ID, client, "deliverable broken"); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if err := coord.DisputeVerification(ctx, req.ID, client, "again"); !errors.Is(err, ErrAlreadyDisputed) {
		t.Fatalf("expected ErrAlreadyDisputed, got %v", err)
	}

	disputed, err := registry.Get(ctx, agents[0])
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if disputed.DisputedVerifications != 1 {
		t.Fatalf("expected disputed count 1, got %d", disputed.DisputedVerifications)
	}

	// the advance stays with the freelancer after the dispute
	final, err := lr.Balance(ctx, freelancer)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if final != balanceAfter {
		t.Fatalf("dispute moved funds: %d -> %d", balanceAfter, final)
	}
}
