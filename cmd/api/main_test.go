package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chainlance/auth"
	"chainlance/reputation"
	"chainlance/settlement"
	"chainlance/verification"
)

type stubMarket struct {
	job         settlement.Job
	jobErr      error
	bid         settlement.Bid
	bidErr      error
	bids        []settlement.Bid
	contract    settlement.Contract
	contractErr error
	contracts   []settlement.Contract
	total       int
	listErr     error
	milestone   settlement.Milestone
	actionErr   error
}

func (m *stubMarket) PostJob(_ context.Context, _ settlement.PostJobParams) (settlement.Job, error) {
	return m.job, m.jobErr
}

func (m *stubMarket) CancelJob(_ context.Context, _ int64, _ string) (settlement.Job, error) {
	return m.job, m.jobErr
}

func (m *stubMarket) GetJob(_ context.Context, _ int64) (settlement.Job, error) {
	return m.job, m.jobErr
}

func (m *stubMarket) PlaceBid(_ context.Context, _ settlement.PlaceBidParams) (settlement.Bid, error) {
	return m.bid, m.bidErr
}

func (m *stubMarket) WithdrawBid(_ context.Context, _ int64, _ string) (settlement.Bid, error) {
	return m.bid, m.bidErr
}

func (m *stubMarket) AcceptBid(_ context.Context, _, _ int64, _ string) (settlement.Contract, error) {
	return m.contract, m.contractErr
}

func (m *stubMarket) ListBids(_ context.Context, _ int64) ([]settlement.Bid, error) {
	return m.bids, m.bidErr
}

func (m *stubMarket) GetContract(_ context.Context, _ int64) (settlement.Contract, error) {
	return m.contract, m.contractErr
}

func (m *stubMarket) ListContracts(_ context.Context, _ settlement.ContractFilters) ([]settlement.Contract, int, error) {
	return m.contracts, m.total, m.listErr
}

func (m *stubMarket) SubmitMilestone(_ context.Context, _ int64, _ int, _, _ string) (settlement.Milestone, error) {
	return m.milestone, m.actionErr
}

func (m *stubMarket) ApproveMilestone(_ context.Context, _ int64, _ int, _ string) error {
	return m.actionErr
}

func (m *stubMarket) RejectMilestone(_ context.Context, _ int64, _ int, _, _ string) error {
	return m.actionErr
}

func (m *stubMarket) AutoReleaseMilestone(_ context.Context, _ int64, _ int, _ string) error {
	return m.actionErr
}

type stubVerifier struct {
	request    verification.Request
	requestErr error
	disputeErr error
}

func (v *stubVerifier) RequestVerification(_ context.Context, _ verification.RequestParams) (verification.Request, error) {
	return v.request, v.requestErr
}

func (v *stubVerifier) DisputeVerification(_ context.Context, _ int64, _, _ string) error {
	return v.disputeErr
}

func (v *stubVerifier) GetRequest(_ context.Context, _ int64) (verification.Request, error) {
	return v.request, v.requestErr
}

type stubRegistry struct {
	agent verification.Agent
	err   error
}

func (r *stubRegistry) Register(_ context.Context, _ auth.Role, _ verification.RegisterAgentParams) (verification.Agent, error) {
	return r.agent, r.err
}

func (r *stubRegistry) Deregister(_ context.Context, _ auth.Role, _ string) error {
	return r.err
}

func (r *stubRegistry) SetActive(_ context.Context, _ auth.Role, _ string, _ bool) error {
	return r.err
}

func (r *stubRegistry) Get(_ context.Context, _ string) (verification.Agent, error) {
	return r.agent, r.err
}

type stubRepute struct {
	party    reputation.PartyRecord
	partyErr error
	agent    reputation.AgentRecord
	agentErr error
}

func (s *stubRepute) GetParty(_ context.Context, _ string) (reputation.PartyRecord, error) {
	return s.party, s.partyErr
}

func (s *stubRepute) GetAgent(_ context.Context, _ string) (reputation.AgentRecord, error) {
	return s.agent, s.agentErr
}

type stubAuth struct {
	user     *auth.User
	userErr  error
	login    auth.LoginResult
	loginErr error
}

func (a *stubAuth) Register(_ context.Context, _ auth.RegisterRequest) (*auth.User, error) {
	return a.user, a.userErr
}

func (a *stubAuth) Login(_ context.Context, _ auth.LoginRequest) (auth.LoginResult, error) {
	return a.login, a.loginErr
}

func (a *stubAuth) VerifyToken(_ string) (string, auth.Role, error) {
	return a.user.ID, a.user.Role, nil
}

func (a *stubAuth) GetUserByID(_ context.Context, _ string) (*auth.User, error) {
	return a.user, a.userErr
}

func withIdentity(req *http.Request, wallet string, role auth.Role) *http.Request {
	ctx := context.WithValue(req.Context(), ctxKeyUserID, "user-1")
	ctx = context.WithValue(ctx, ctxKeyRole, role)
	ctx = context.WithValue(ctx, ctxKeyWallet, wallet)
	return req.WithContext(ctx)
}

func TestHandleJobDetail_Success(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	server := &Server{
		market: &stubMarket{
			job: settlement.Job{
				ID: 7, Client: "wallet:carol", Title: "API integration",
				Budget: 100_000, EscrowAmount: 15_000, Status: settlement.JobOpen, CreatedAt: now,
			},
		},
	}

	req := withIdentity(httptest.NewRequest(http.MethodGet, "/api/jobs/7", nil), "wallet:carol", auth.RoleClient)
	rec := httptest.NewRecorder()

	server.handleJobDetail(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp jobResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != 7 || resp.EscrowAmount != 15_000 || resp.Status != "open" {
		t.Fatalf("unexpected payload: %+v", resp)
	}
	if resp.CreatedAt != now.Format(time.RFC3339) {
		t.Fatalf("expected createdAt %s, got %s", now.Format(time.RFC3339), resp.CreatedAt)
	}
}

func TestHandleJobDetail_NotFound(t *testing.T) {
	server := &Server{market: &stubMarket{jobErr: settlement.ErrNotFound}}

	req := withIdentity(httptest.NewRequest(http.MethodGet, "/api/jobs/99", nil), "wallet:carol", auth.RoleClient)
	rec := httptest.NewRecorder()

	server.handleJobDetail(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleJobDetail_InvalidID(t *testing.T) {
	server := &Server{market: &stubMarket{}}

	req := withIdentity(httptest.NewRequest(http.MethodGet, "/api/jobs/abc", nil), "wallet:carol", auth.RoleClient)
	rec := httptest.NewRecorder()

	server.handleJobDetail(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleJobs_ForbidFreelancerRole(t *testing.T) {
	server := &Server{market: &stubMarket{}}

	body := strings.NewReader(`{"title":"Build scraper","budget":50000}`)
	req := withIdentity(httptest.NewRequest(http.MethodPost, "/api/jobs", body), "wallet:frank", auth.RoleFreelancer)
	rec := httptest.NewRecorder()

	server.handleJobs(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestHandleJobs_Create(t *testing.T) {
	server := &Server{
		market: &stubMarket{
			job: settlement.Job{ID: 1, Client: "wallet:carol", Title: "Build scraper", Budget: 50_000, EscrowAmount: 7_500, Status: settlement.JobOpen},
		},
	}

	body := strings.NewReader(`{"title":"Build scraper","budget":50000}`)
	req := withIdentity(httptest.NewRequest(http.MethodPost, "/api/jobs", body), "wallet:carol", auth.RoleClient)
	rec := httptest.NewRecorder()

	server.handleJobs(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
}

func TestHandlePlaceBid_SelfBid(t *testing.T) {
	server := &Server{market: &stubMarket{bidErr: settlement.ErrSelfBid}}

	body := strings.NewReader(`{"proposed_amount":40000,"split":[50,50]}`)
	req := withIdentity(httptest.NewRequest(http.MethodPost, "/api/jobs/7/bids", body), "wallet:carol", auth.RoleFreelancer)
	rec := httptest.NewRecorder()

	server.handleJobDetail(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleAcceptBid_Success(t *testing.T) {
	server := &Server{
		market: &stubMarket{
			contract: settlement.Contract{
				ID: 3, JobID: 7, Client: "wallet:carol", Freelancer: "wallet:frank",
				TotalAmount: 40_000, Status: settlement.ContractActive,
				Milestones: []settlement.Milestone{
					{ContractID: 3, Index: 0, Amount: 20_000, Percentage: 50, Status: settlement.MilestonePending},
					{ContractID: 3, Index: 1, Amount: 20_000, Percentage: 50, Status: settlement.MilestonePending},
				},
			},
		},
	}

	req := withIdentity(httptest.NewRequest(http.MethodPost, "/api/jobs/7/bids/2/accept", nil), "wallet:carol", auth.RoleClient)
	rec := httptest.NewRecorder()

	server.handleJobDetail(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	var resp contractResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != 3 || len(resp.Milestones) != 2 {
		t.Fatalf("unexpected payload: %+v", resp)
	}
}

func TestHandleMilestoneApprove_AlreadyFinalized(t *testing.T) {
	server := &Server{market: &stubMarket{actionErr: settlement.ErrAlreadyFinalized}}

	req := withIdentity(httptest.NewRequest(http.MethodPost, "/api/contracts/3/milestones/0/approve", nil), "wallet:carol", auth.RoleClient)
	rec := httptest.NewRecorder()

	server.handleContractDetail(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestHandleMilestoneSubmit_Success(t *testing.T) {
	ref := "ipfs://deliverable-1"
	server := &Server{
		market: &stubMarket{
			milestone: settlement.Milestone{
				ContractID: 3, Index: 0, Amount: 20_000, Percentage: 50,
				DeliverableRef: &ref, Status: settlement.MilestoneSubmitted,
			},
		},
	}

	body := strings.NewReader(`{"deliverable_ref":"ipfs://deliverable-1"}`)
	req := withIdentity(httptest.NewRequest(http.MethodPost, "/api/contracts/3/milestones/0/submit", body), "wallet:frank", auth.RoleFreelancer)
	rec := httptest.NewRecorder()

	server.handleContractDetail(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp milestoneResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "submitted" || resp.DeliverableRef == nil {
		t.Fatalf("unexpected payload: %+v", resp)
	}
}

func TestHandleContracts_List(t *testing.T) {
	server := &Server{
		market: &stubMarket{
			contracts: []settlement.Contract{{ID: 3, Status: settlement.ContractActive}},
			total:     1,
		},
	}

	req := withIdentity(httptest.NewRequest(http.MethodGet, "/api/contracts?status=active", nil), "wallet:frank", auth.RoleFreelancer)
	rec := httptest.NewRecorder()

	server.handleContracts(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var payload struct {
		Items []contractResponse `json:"items"`
		Total int                `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(payload.Items) != 1 || payload.Total != 1 || payload.Items[0].ID != 3 {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestHandleVerifications_Duplicate(t *testing.T) {
	server := &Server{verifier: &stubVerifier{requestErr: verification.ErrDuplicateRequest}}

	body := strings.NewReader(`{"contract_id":3,"milestone_index":0,"deliverable_ref":"ipfs://d1"}`)
	req := withIdentity(httptest.NewRequest(http.MethodPost, "/api/verifications", body), "wallet:frank", auth.RoleFreelancer)
	rec := httptest.NewRecorder()

	server.handleVerifications(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestHandleVerifications_ConsensusFailedStillCreated(t *testing.T) {
	server := &Server{
		verifier: &stubVerifier{
			request:    verification.Request{ID: 11, ContractID: 3, Completed: true, Failed: true},
			requestErr: verification.ErrConsensusFailed,
		},
	}

	body := strings.NewReader(`{"contract_id":3,"milestone_index":0,"deliverable_ref":"ipfs://d1"}`)
	req := withIdentity(httptest.NewRequest(http.MethodPost, "/api/verifications", body), "wallet:frank", auth.RoleFreelancer)
	rec := httptest.NewRecorder()

	server.handleVerifications(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	var resp requestResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Failed {
		t.Fatalf("expected failed request payload, got %+v", resp)
	}
}

func TestHandleVerificationDispute_Forbidden(t *testing.T) {
	server := &Server{verifier: &stubVerifier{disputeErr: verification.ErrUnauthorized}}

	body := strings.NewReader(`{"reason":"agents rubber-stamped"}`)
	req := withIdentity(httptest.NewRequest(http.MethodPost, "/api/verifications/11/dispute", body), "wallet:mallory", auth.RoleClient)
	rec := httptest.NewRecorder()

	server.handleVerificationDetail(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestHandleAgents_RegisterForbidden(t *testing.T) {
	server := &Server{registry: &stubRegistry{err: verification.ErrUnauthorized}}

	body := strings.NewReader(`{"address":"agent:a1","endpoint":"http://a1.internal/judge"}`)
	req := withIdentity(httptest.NewRequest(http.MethodPost, "/api/agents", body), "wallet:frank", auth.RoleFreelancer)
	rec := httptest.NewRecorder()

	server.handleAgents(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestHandleAgentDetail_Get(t *testing.T) {
	server := &Server{
		registry: &stubRegistry{
			agent: verification.Agent{Address: "agent:a1", Endpoint: "http://a1.internal/judge", Specialization: verification.SpecCodeReviewer, Active: true},
		},
	}

	req := withIdentity(httptest.NewRequest(http.MethodGet, "/api/agents/agent:a1", nil), "wallet:op", auth.RoleOperator)
	rec := httptest.NewRecorder()

	server.handleAgentDetail(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp agentResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Address != "agent:a1" || resp.Specialization != verification.SpecCodeReviewer {
		t.Fatalf("unexpected payload: %+v", resp)
	}
}

func TestHandleReputation_PartyNotFound(t *testing.T) {
	server := &Server{repute: &stubRepute{partyErr: reputation.ErrNotFound}}

	req := withIdentity(httptest.NewRequest(http.MethodGet, "/api/reputation/parties/wallet:ghost", nil), "wallet:carol", auth.RoleClient)
	rec := httptest.NewRecorder()

	server.handleReputation(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleRegister_Duplicate(t *testing.T) {
	server := &Server{auth: &stubAuth{userErr: auth.ErrDuplicateEmail}}

	body := strings.NewReader(`{"email":"alice@example.com","password":"strongpassword","full_name":"Alice","wallet":"wallet:alice"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/auth/register", body)
	rec := httptest.NewRecorder()

	server.handleRegister(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	server := &Server{auth: &stubAuth{loginErr: auth.ErrInvalidCredentials}}

	body := strings.NewReader(`{"email":"alice@example.com","password":"wrong"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", body)
	rec := httptest.NewRecorder()

	server.handleLogin(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}
