package verification

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"chainlance/outbox"
	"chainlance/settlement"
)

// ErrAlreadyDisputed signals a second dispute against the same request.
var ErrAlreadyDisputed = errors.New("verification: request already disputed")

// SettlementEngine is the slice of the settlement service the coordinator
// needs: a status recheck before acting, and the advance release itself.
type SettlementEngine interface {
	GetMilestone(ctx context.Context, contractID int64, index int) (settlement.Milestone, error)
	ReleaseAdvance(ctx context.Context, contractID int64, index int) (int64, error)
}

// JudgmentRecorder receives agent-judgment outcomes for the reputation ledger.
type JudgmentRecorder interface {
	RecordAgentJudgment(ctx context.Context, tx pgx.Tx, agent string, requestID int64, wasDisputed bool) error
}

// Coordinator fans a deliverable out to a panel of agents, computes consensus
// over whoever answered in time, and instructs the settlement engine to
// release the advance when the panel approves.
type Coordinator struct {
	pool      *pgxpool.Pool
	registry  *Registry
	scorer    Scorer
	engine    SettlementEngine
	judgments JudgmentRecorder
	cfg       Config
	now       func() time.Time
}

func NewCoordinator(pool *pgxpool.Pool, registry *Registry, scorer Scorer, engine SettlementEngine, cfg Config) *Coordinator {
	return &Coordinator{
		pool:     pool,
		registry: registry,
		scorer:   scorer,
		engine:   engine,
		cfg:      cfg,
		now:      time.Now,
	}
}

// WithJudgmentRecorder wires the reputation ledger consumer.
func (c *Coordinator) WithJudgmentRecorder(rec JudgmentRecorder) *Coordinator {
	c.judgments = rec
	return c
}

// WithClock overrides the time source, for tests.
func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

// RequestParams identifies the deliverable to verify and the judging criteria.
type RequestParams struct {
	ContractID     int64
	MilestoneIndex int
	DeliverableRef string
	Criteria       string
	Category       string
	RequestedBy    string
}

// RequestVerification runs the full protocol for one milestone: create the
// request (unique per milestone pair), select a panel, collect judgments under
// the deadline, compute consensus once, persist stats, and release the advance
// on approval. Returns ErrConsensusFailed when nobody responded; the milestone
// then stays available for manual approval or auto-release.
func (c *Coordinator) RequestVerification(ctx context.Context, params RequestParams) (Request, error) {
	if params.DeliverableRef == "" {
		return Request{}, fmt.Errorf("verification: request missing deliverable ref")
	}

	req, err := c.insertRequest(ctx, params)
	if err != nil {
		return Request{}, err
	}

	panel, err := c.registry.SelectPanel(ctx, params.Category, c.cfg.PanelSize)
	if err != nil {
		return Request{}, err
	}

	judgments := c.collect(ctx, panel, EvalInput{
		DeliverableRef: params.DeliverableRef,
		Criteria:       params.Criteria,
		Category:       params.Category,
	})

	approved, rate := Consensus(judgments, c.cfg.ConsensusThreshold)

	if err := c.complete(ctx, &req, judgments, approved, rate); err != nil {
		return Request{}, err
	}

	if len(judgments) == 0 {
		return req, ErrConsensusFailed
	}

	if approved {
		if err := c.releaseAdvance(ctx, req); err != nil {
			return req, err
		}
	}
	return req, nil
}

func (c *Coordinator) insertRequest(ctx context.Context, params RequestParams) (Request, error) {
	const q = `
INSERT INTO verification_requests (contract_id, milestone_index, deliverable_ref, criteria, category, requested_by)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id, created_at
`
	req := Request{
		ContractID:     params.ContractID,
		MilestoneIndex: params.MilestoneIndex,
		DeliverableRef: params.DeliverableRef,
		Criteria:       params.Criteria,
		Category:       params.Category,
		RequestedBy:    params.RequestedBy,
	}
	err := c.pool.QueryRow(ctx, q,
		params.ContractID, params.MilestoneIndex, params.DeliverableRef,
		params.Criteria, params.Category, params.RequestedBy,
	).Scan(&req.ID, &req.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Request{}, ErrDuplicateRequest
		}
		return Request{}, fmt.Errorf("verification: insert request: %w", err)
	}
	return req, nil
}

// collect fans out to the panel and returns whatever judgments arrived before
// the deadline. Individual failures and timeouts drop the agent silently;
// there is no retry within a request.
func (c *Coordinator) collect(ctx context.Context, panel []Agent, in EvalInput) []Judgment {
	if len(panel) == 0 {
		return nil
	}

	deadline, cancel := context.WithTimeout(ctx, c.cfg.AgentTimeout)
	defer cancel()

	var (
		mu        sync.Mutex
		judgments []Judgment
	)
	g, gctx := errgroup.WithContext(deadline)
	for _, agent := range panel {
		agent := agent
		g.Go(func() error {
			j, err := c.scorer.Evaluate(gctx, agent, in)
			if err != nil {
				return nil // non-responders are dropped, not fatal
			}
			mu.Lock()
			judgments = append(judgments, j)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return judgments
}

// complete persists the consensus outcome and responder stats in one
// transaction. The request row flips to completed irreversibly here.
func (c *Coordinator) complete(ctx context.Context, req *Request, judgments []Judgment, approved bool, rate float64) error {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("verification: begin completion tx: %w", err)
	}
	defer tx.Rollback(ctx)

	failed := len(judgments) == 0
	completedAt := c.now()
	tag, err := tx.Exec(ctx, `
UPDATE verification_requests
SET completed = true, approved = $2, failed = $3, approval_rate = $4, completed_at = $5
WHERE id = $1 AND NOT completed
`, req.ID, approved && !failed, failed, rate, completedAt)
	if err != nil {
		return fmt.Errorf("verification: complete request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("verification: request %d already completed", req.ID)
	}

	for _, j := range judgments {
		if err := c.persistJudgment(ctx, tx, req.ID, j, approved); err != nil {
			return err
		}
		if c.judgments != nil {
			if err := c.judgments.RecordAgentJudgment(ctx, tx, j.Agent, req.ID, false); err != nil {
				return err
			}
		}
		req.RespondingAgents = append(req.RespondingAgents, j.Agent)
	}

	topic := TopicVerificationDone
	if failed {
		topic = TopicVerificationFailed
	}
	if err := outbox.Enqueue(ctx, tx, topic, map[string]any{
		"request_id":      req.ID,
		"contract_id":     req.ContractID,
		"milestone_index": req.MilestoneIndex,
		"approved":        approved && !failed,
		"approval_rate":   rate,
		"responders":      len(judgments),
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("verification: commit completion: %w", err)
	}

	req.Completed = true
	req.Approved = approved && !failed
	req.Failed = failed
	req.ApprovalRate = rate
	req.CompletedAt = &completedAt
	return nil
}

func (c *Coordinator) persistJudgment(ctx context.Context, tx pgx.Tx, requestID int64, j Judgment, consensusApproved bool) error {
	if _, err := tx.Exec(ctx, `
INSERT INTO verification_judgments (request_id, agent_address, approved, confidence, report, issues, recommendations, response_ms)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`, requestID, j.Agent, j.Approved, j.Confidence, j.Report, j.Issues, j.Recommendations, j.ResponseTime.Milliseconds()); err != nil {
		return fmt.Errorf("verification: insert judgment: %w", err)
	}

	correct := 0
	if j.Approved == consensusApproved {
		correct = 1
	}
	// Running mean keeps avg_response_ms exact without replaying history.
	if _, err := tx.Exec(ctx, `
UPDATE verification_agents
SET total_verifications = total_verifications + 1,
    correct_verifications = correct_verifications + $2,
    avg_response_ms = avg_response_ms + ($3 - avg_response_ms) / (total_verifications + 1)
WHERE address = $1
`, j.Agent, correct, float64(j.ResponseTime.Milliseconds())); err != nil {
		return fmt.Errorf("verification: update agent stats: %w", err)
	}
	return nil
}

// releaseAdvance rechecks the milestone before moving funds: if another path
// finalized it while the panel deliberated, the request is moot and no money
// moves.
func (c *Coordinator) releaseAdvance(ctx context.Context, req Request) error {
	m, err := c.engine.GetMilestone(ctx, req.ContractID, req.MilestoneIndex)
	if err != nil {
		if errors.Is(err, settlement.ErrNotFound) {
			return nil
		}
		return err
	}
	if m.Status != settlement.MilestoneSubmitted {
		return nil
	}

	_, err = c.engine.ReleaseAdvance(ctx, req.ContractID, req.MilestoneIndex)
	if err != nil && !errors.Is(err, settlement.ErrAlreadyFinalized) && !errors.Is(err, settlement.ErrInvalidState) {
		return err
	}
	return nil
}

// DisputeVerification records a dispute by the original requestor against the
// responding agents' stats. Funds already transferred stay where they are; the
// dispute is purely reputational.
func (c *Coordinator) DisputeVerification(ctx context.Context, requestID int64, actor, reason string) error {
	req, err := c.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if !req.Completed {
		return ErrNotCompleted
	}
	if req.RequestedBy != actor {
		return ErrUnauthorized
	}

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("verification: begin dispute tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
UPDATE verification_requests SET disputed = true WHERE id = $1 AND NOT disputed
`, requestID)
	if err != nil {
		return fmt.Errorf("verification: mark disputed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyDisputed
	}

	for _, agent := range req.RespondingAgents {
		if _, err := tx.Exec(ctx, `
UPDATE verification_agents SET disputed_verifications = disputed_verifications + 1 WHERE address = $1
`, agent); err != nil {
			return fmt.Errorf("verification: bump disputed stats: %w", err)
		}
		if c.judgments != nil {
			if err := c.judgments.RecordAgentJudgment(ctx, tx, agent, requestID, true); err != nil {
				return err
			}
		}
	}

	if err := outbox.Enqueue(ctx, tx, TopicVerificationDisputed, map[string]any{
		"request_id": requestID,
		"actor":      actor,
		"reason":     reason,
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("verification: commit dispute: %w", err)
	}
	return nil
}

// GetRequest returns a request with its responder list.
func (c *Coordinator) GetRequest(ctx context.Context, requestID int64) (Request, error) {
	const q = `
SELECT id, contract_id, milestone_index, deliverable_ref, criteria, category, requested_by,
       completed, approved, failed, approval_rate, created_at, completed_at
FROM verification_requests
WHERE id = $1
`
	var req Request
	if err := c.pool.QueryRow(ctx, q, requestID).Scan(
		&req.ID, &req.ContractID, &req.MilestoneIndex, &req.DeliverableRef, &req.Criteria,
		&req.Category, &req.RequestedBy, &req.Completed, &req.Approved, &req.Failed,
		&req.ApprovalRate, &req.CreatedAt, &req.CompletedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, ErrRequestNotFound
		}
		return Request{}, fmt.Errorf("verification: get request: %w", err)
	}

	rows, err := c.pool.Query(ctx, `
SELECT agent_address FROM verification_judgments WHERE request_id = $1 ORDER BY agent_address
`, requestID)
	if err != nil {
		return Request{}, fmt.Errorf("verification: list responders: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return Request{}, fmt.Errorf("verification: scan responder: %w", err)
		}
		req.RespondingAgents = append(req.RespondingAgents, addr)
	}
	if err := rows.Err(); err != nil {
		return Request{}, fmt.Errorf("verification: iterate responders: %w", err)
	}
	return req, nil
}
