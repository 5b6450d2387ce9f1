package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chainlance/auth"
	"chainlance/settlement"
	"chainlance/verification"
)

type userResponse struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FullName  string `json:"full_name"`
	Wallet    string `json:"wallet"`
	Role      string `json:"role"`
	CreatedAt string `json:"created_at"`
}

type jobResponse struct {
	ID           int64  `json:"id"`
	Client       string `json:"client"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	Category     string `json:"category"`
	Budget       int64  `json:"budget"`
	EscrowAmount int64  `json:"escrow_amount"`
	Status       string `json:"status"`
	CreatedAt    string `json:"created_at"`
}

type bidResponse struct {
	ID              int64  `json:"id"`
	JobID           int64  `json:"job_id"`
	Freelancer      string `json:"freelancer"`
	ProposedAmount  int64  `json:"proposed_amount"`
	StakeAmount     int64  `json:"stake_amount"`
	Split           []int  `json:"split"`
	AllowOutOfOrder bool   `json:"allow_out_of_order"`
	Status          string `json:"status"`
	CreatedAt       string `json:"created_at"`
}

type milestoneResponse struct {
	Index            int     `json:"index"`
	Amount           int64   `json:"amount"`
	Percentage       int     `json:"percentage"`
	DeliverableRef   *string `json:"deliverable_ref,omitempty"`
	Status           string  `json:"status"`
	ApprovalDeadline string  `json:"approval_deadline,omitempty"`
	AdvanceReleased  int64   `json:"advance_released"`
	RejectReason     *string `json:"reject_reason,omitempty"`
}

type contractResponse struct {
	ID              int64               `json:"id"`
	JobID           int64               `json:"job_id"`
	Client          string              `json:"client"`
	Freelancer      string              `json:"freelancer"`
	TotalAmount     int64               `json:"total_amount"`
	DepositAmount   int64               `json:"deposit_amount"`
	StakeAmount     int64               `json:"stake_amount"`
	EscrowAmount    int64               `json:"escrow_amount"`
	AllowOutOfOrder bool                `json:"allow_out_of_order"`
	Status          string              `json:"status"`
	CreatedAt       string              `json:"created_at"`
	Milestones      []milestoneResponse `json:"milestones,omitempty"`
}

type requestResponse struct {
	ID               int64    `json:"id"`
	ContractID       int64    `json:"contract_id"`
	MilestoneIndex   int      `json:"milestone_index"`
	DeliverableRef   string   `json:"deliverable_ref"`
	Category         string   `json:"category"`
	Completed        bool     `json:"completed"`
	Approved         bool     `json:"approved"`
	Failed           bool     `json:"failed"`
	ApprovalRate     float64  `json:"approval_rate"`
	RespondingAgents []string `json:"responding_agents,omitempty"`
	CreatedAt        string   `json:"created_at"`
}

type agentResponse struct {
	Address               string  `json:"address"`
	Endpoint              string  `json:"endpoint"`
	Specialization        string  `json:"specialization"`
	Active                bool    `json:"active"`
	TotalVerifications    int     `json:"total_verifications"`
	CorrectVerifications  int     `json:"correct_verifications"`
	DisputedVerifications int     `json:"disputed_verifications"`
	AvgResponseMillis     float64 `json:"avg_response_ms"`
}

func toUserResponse(u auth.User) userResponse {
	return userResponse{
		ID:        u.ID,
		Email:     u.Email,
		FullName:  u.FullName,
		Wallet:    u.Wallet,
		Role:      string(u.Role),
		CreatedAt: u.CreatedAt.Format(time.RFC3339),
	}
}

func toJobResponse(j settlement.Job) jobResponse {
	return jobResponse{
		ID:           j.ID,
		Client:       j.Client,
		Title:        j.Title,
		Description:  j.Description,
		Category:     j.Category,
		Budget:       j.Budget,
		EscrowAmount: j.EscrowAmount,
		Status:       string(j.Status),
		CreatedAt:    j.CreatedAt.Format(time.RFC3339),
	}
}

func toBidResponse(b settlement.Bid) bidResponse {
	split := make([]int, len(b.Split))
	for i, item := range b.Split {
		split[i] = item.Percentage
	}
	return bidResponse{
		ID:              b.ID,
		JobID:           b.JobID,
		Freelancer:      b.Freelancer,
		ProposedAmount:  b.ProposedAmount,
		StakeAmount:     b.StakeAmount,
		Split:           split,
		AllowOutOfOrder: b.AllowOutOfOrder,
		Status:          string(b.Status),
		CreatedAt:       b.CreatedAt.Format(time.RFC3339),
	}
}

func toMilestoneResponse(m settlement.Milestone) milestoneResponse {
	resp := milestoneResponse{
		Index:           m.Index,
		Amount:          m.Amount,
		Percentage:      m.Percentage,
		DeliverableRef:  m.DeliverableRef,
		Status:          string(m.Status),
		AdvanceReleased: m.AdvanceReleased,
		RejectReason:    m.RejectReason,
	}
	if m.ApprovalDeadline != nil {
		resp.ApprovalDeadline = m.ApprovalDeadline.Format(time.RFC3339)
	}
	return resp
}

func toContractResponse(c settlement.Contract) contractResponse {
	resp := contractResponse{
		ID:              c.ID,
		JobID:           c.JobID,
		Client:          c.Client,
		Freelancer:      c.Freelancer,
		TotalAmount:     c.TotalAmount,
		DepositAmount:   c.DepositAmount,
		StakeAmount:     c.StakeAmount,
		EscrowAmount:    c.EscrowAmount,
		AllowOutOfOrder: c.AllowOutOfOrder,
		Status:          string(c.Status),
		CreatedAt:       c.CreatedAt.Format(time.RFC3339),
	}
	for _, m := range c.Milestones {
		resp.Milestones = append(resp.Milestones, toMilestoneResponse(m))
	}
	return resp
}

func toRequestResponse(r verification.Request) requestResponse {
	return requestResponse{
		ID:               r.ID,
		ContractID:       r.ContractID,
		MilestoneIndex:   r.MilestoneIndex,
		DeliverableRef:   r.DeliverableRef,
		Category:         r.Category,
		Completed:        r.Completed,
		Approved:         r.Approved,
		Failed:           r.Failed,
		ApprovalRate:     r.ApprovalRate,
		RespondingAgents: r.RespondingAgents,
		CreatedAt:        r.CreatedAt.Format(time.RFC3339),
	}
}

func toAgentResponse(a verification.Agent) agentResponse {
	return agentResponse{
		Address:               a.Address,
		Endpoint:              a.Endpoint,
		Specialization:        a.Specialization,
		Active:                a.Active,
		TotalVerifications:    a.TotalVerifications,
		CorrectVerifications:  a.CorrectVerifications,
		DisputedVerifications: a.DisputedVerifications,
		AvgResponseMillis:     a.AvgResponseMillis,
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	user, err := s.auth.Register(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrDuplicateEmail), errors.Is(err, auth.ErrDuplicateWallet):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, auth.ErrWeakPassword):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusBadRequest, "registration failed")
		}
		return
	}

	writeJSON(w, http.StatusCreated, toUserResponse(*user))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	result, err := s.auth.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token": result.Token,
		"user":  toUserResponse(result.User),
	})
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if roleFrom(r.Context()) != auth.RoleClient {
		writeError(w, http.StatusForbidden, "only clients may post jobs")
		return
	}

	var body struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		Category    string `json:"category"`
		Budget      int64  `json:"budget"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	job, err := s.market.PostJob(r.Context(), settlement.PostJobParams{
		Client:      walletFrom(r.Context()),
		Title:       body.Title,
		Description: body.Description,
		Category:    body.Category,
		Budget:      body.Budget,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toJobResponse(job))
}

// handleJobDetail serves /api/jobs/{id}, /api/jobs/{id}/bids and
// /api/jobs/{id}/bids/{bidID}/accept.
func (s *Server) handleJobDetail(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/jobs/"), "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "missing job id")
		return
	}
	jobID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		job, err := s.market.GetJob(r.Context(), jobID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toJobResponse(job))

	case len(parts) == 1 && r.Method == http.MethodDelete:
		job, err := s.market.CancelJob(r.Context(), jobID, walletFrom(r.Context()))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toJobResponse(job))

	case len(parts) == 2 && parts[1] == "bids" && r.Method == http.MethodGet:
		bids, err := s.market.ListBids(r.Context(), jobID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		items := make([]bidResponse, 0, len(bids))
		for _, b := range bids {
			items = append(items, toBidResponse(b))
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})

	case len(parts) == 2 && parts[1] == "bids" && r.Method == http.MethodPost:
		s.handlePlaceBid(w, r, jobID)

	case len(parts) == 4 && parts[1] == "bids" && parts[3] == "accept" && r.Method == http.MethodPost:
		bidID, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid bid id")
			return
		}
		contract, err := s.market.AcceptBid(r.Context(), jobID, bidID, walletFrom(r.Context()))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toContractResponse(contract))

	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handlePlaceBid(w http.ResponseWriter, r *http.Request, jobID int64) {
	if roleFrom(r.Context()) != auth.RoleFreelancer {
		writeError(w, http.StatusForbidden, "only freelancers may bid")
		return
	}

	var body struct {
		ProposedAmount  int64 `json:"proposed_amount"`
		Split           []int `json:"split"`
		AllowOutOfOrder bool  `json:"allow_out_of_order"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	split := make([]settlement.SplitItem, len(body.Split))
	for i, pct := range body.Split {
		split[i] = settlement.SplitItem{Percentage: pct}
	}

	bid, err := s.market.PlaceBid(r.Context(), settlement.PlaceBidParams{
		JobID:           jobID,
		Freelancer:      walletFrom(r.Context()),
		ProposedAmount:  body.ProposedAmount,
		Split:           split,
		AllowOutOfOrder: body.AllowOutOfOrder,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toBidResponse(bid))
}

// handleBidDetail serves DELETE /api/bids/{id} (withdraw).
func (s *Server) handleBidDetail(w http.ResponseWriter, r *http.Request) {
	idStr := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/bids/"), "/")
	bidID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid bid id")
		return
	}
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	bid, err := s.market.WithdrawBid(r.Context(), bidID, walletFrom(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBidResponse(bid))
}

func (s *Server) handleContracts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("page_size"))

	contracts, total, err := s.market.ListContracts(r.Context(), settlement.ContractFilters{
		Participant: walletFrom(r.Context()),
		Status:      settlement.ContractStatus(q.Get("status")),
		Page:        page,
		PageSize:    pageSize,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	items := make([]contractResponse, 0, len(contracts))
	for _, c := range contracts {
		items = append(items, toContractResponse(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": total})
}

// handleContractDetail serves /api/contracts/{id} and the milestone actions
// /api/contracts/{id}/milestones/{idx}/{submit|approve|reject|release}.
func (s *Server) handleContractDetail(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/contracts/"), "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "missing contract id")
		return
	}
	contractID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid contract id")
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		contract, err := s.market.GetContract(r.Context(), contractID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toContractResponse(contract))
		return
	}

	if len(parts) != 4 || parts[1] != "milestones" || r.Method != http.MethodPost {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	index, err := strconv.Atoi(parts[2])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid milestone index")
		return
	}

	actor := walletFrom(r.Context())
	switch parts[3] {
	case "submit":
		var body struct {
			DeliverableRef string `json:"deliverable_ref"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body")
			return
		}
		m, err := s.market.SubmitMilestone(r.Context(), contractID, index, body.DeliverableRef, actor)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toMilestoneResponse(m))

	case "approve":
		if err := s.market.ApproveMilestone(r.Context(), contractID, index, actor); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "approved"})

	case "reject":
		var body struct {
			Reason string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body")
			return
		}
		if err := s.market.RejectMilestone(r.Context(), contractID, index, actor, body.Reason); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})

	case "release":
		if err := s.market.AutoReleaseMilestone(r.Context(), contractID, index, actor); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "released"})

	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleVerifications(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body struct {
		ContractID     int64  `json:"contract_id"`
		MilestoneIndex int    `json:"milestone_index"`
		DeliverableRef string `json:"deliverable_ref"`
		Criteria       string `json:"criteria"`
		Category       string `json:"category"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	req, err := s.verifier.RequestVerification(r.Context(), verification.RequestParams{
		ContractID:     body.ContractID,
		MilestoneIndex: body.MilestoneIndex,
		DeliverableRef: body.DeliverableRef,
		Criteria:       body.Criteria,
		Category:       body.Category,
		RequestedBy:    walletFrom(r.Context()),
	})
	if err != nil && !errors.Is(err, verification.ErrConsensusFailed) {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toRequestResponse(req))
}

// handleVerificationDetail serves GET /api/verifications/{id} and
// POST /api/verifications/{id}/dispute.
func (s *Server) handleVerificationDetail(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/verifications/"), "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "missing request id")
		return
	}
	requestID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request id")
		return
	}

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		req, err := s.verifier.GetRequest(r.Context(), requestID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toRequestResponse(req))

	case len(parts) == 2 && parts[1] == "dispute" && r.Method == http.MethodPost:
		var body struct {
			Reason string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body")
			return
		}
		if err := s.verifier.DisputeVerification(r.Context(), requestID, walletFrom(r.Context()), body.Reason); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "disputed"})

	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body struct {
		Address        string `json:"address"`
		Endpoint       string `json:"endpoint"`
		Specialization string `json:"specialization"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	agent, err := s.registry.Register(r.Context(), roleFrom(r.Context()), verification.RegisterAgentParams{
		Address:        body.Address,
		Endpoint:       body.Endpoint,
		Specialization: body.Specialization,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAgentResponse(agent))
}

// handleAgentDetail serves GET/PATCH/DELETE /api/agents/{address}.
func (s *Server) handleAgentDetail(w http.ResponseWriter, r *http.Request) {
	address := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/agents/"), "/")
	if address == "" {
		writeError(w, http.StatusBadRequest, "missing agent address")
		return
	}

	switch r.Method {
	case http.MethodGet:
		agent, err := s.registry.Get(r.Context(), address)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toAgentResponse(agent))

	case http.MethodPatch:
		var body struct {
			Active bool `json:"active"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body")
			return
		}
		if err := s.registry.SetActive(r.Context(), roleFrom(r.Context()), address, body.Active); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})

	case http.MethodDelete:
		if err := s.registry.Deregister(r.Context(), roleFrom(r.Context()), address); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deregistered"})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleReputation serves GET /api/reputation/parties/{address} and
// GET /api/reputation/agents/{address}.
func (s *Server) handleReputation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/reputation/"), "/"), "/")
	if len(parts) != 2 || parts[1] == "" {
		writeError(w, http.StatusBadRequest, "invalid reputation path")
		return
	}

	switch parts[0] {
	case "parties":
		rec, err := s.repute.GetParty(r.Context(), parts[1])
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"address":             rec.Address,
			"contracts_completed": rec.ContractsCompleted,
			"contracts_disputed":  rec.ContractsDisputed,
		})
	case "agents":
		rec, err := s.repute.GetAgent(r.Context(), parts[1])
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"address":            rec.Address,
			"judgments_recorded": rec.JudgmentsRecorded,
			"judgments_disputed": rec.JudgmentsDisputed,
		})
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}
