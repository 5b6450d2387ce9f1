package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"chainlance/auth"
	"chainlance/ledger"
	"chainlance/reputation"
	"chainlance/settlement"
	"chainlance/verification"
)

type ctxKey string

const (
	ctxKeyUserID ctxKey = "user_id"
	ctxKeyRole   ctxKey = "role"
	ctxKeyWallet ctxKey = "wallet"
)

// marketService is the slice of the settlement engine the API exposes.
type marketService interface {
	PostJob(ctx context.Context, params settlement.PostJobParams) (settlement.Job, error)
	CancelJob(ctx context.Context, jobID int64, actor string) (settlement.Job, error)
	GetJob(ctx context.Context, jobID int64) (settlement.Job, error)
	PlaceBid(ctx context.Context, params settlement.PlaceBidParams) (settlement.Bid, error)
	WithdrawBid(ctx context.Context, bidID int64, actor string) (settlement.Bid, error)
	AcceptBid(ctx context.Context, jobID, bidID int64, actor string) (settlement.Contract, error)
	ListBids(ctx context.Context, jobID int64) ([]settlement.Bid, error)
	GetContract(ctx context.Context, contractID int64) (settlement.Contract, error)
	ListContracts(ctx context.Context, filters settlement.ContractFilters) ([]settlement.Contract, int, error)
	SubmitMilestone(ctx context.Context, contractID int64, index int, deliverableRef, actor string) (settlement.Milestone, error)
	ApproveMilestone(ctx context.Context, contractID int64, index int, actor string) error
	RejectMilestone(ctx context.Context, contractID int64, index int, actor, reason string) error
	AutoReleaseMilestone(ctx context.Context, contractID int64, index int, caller string) error
}

type verifierService interface {
	RequestVerification(ctx context.Context, params verification.RequestParams) (verification.Request, error)
	DisputeVerification(ctx context.Context, requestID int64, actor, reason string) error
	GetRequest(ctx context.Context, requestID int64) (verification.Request, error)
}

type agentRegistry interface {
	Register(ctx context.Context, actorRole auth.Role, params verification.RegisterAgentParams) (verification.Agent, error)
	Deregister(ctx context.Context, actorRole auth.Role, address string) error
	SetActive(ctx context.Context, actorRole auth.Role, address string, active bool) error
	Get(ctx context.Context, address string) (verification.Agent, error)
}

type reputationStore interface {
	GetParty(ctx context.Context, address string) (reputation.PartyRecord, error)
	GetAgent(ctx context.Context, address string) (reputation.AgentRecord, error)
}

type authService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(tokenString string) (string, auth.Role, error)
	GetUserByID(ctx context.Context, userID string) (*auth.User, error)
}

// Server wires HTTP routes to the domain services.
type Server struct {
	market   marketService
	verifier verifierService
	registry agentRegistry
	repute   reputationStore
	auth     authService
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/register", s.handleRegister)
	mux.HandleFunc("/api/auth/login", s.handleLogin)
	mux.HandleFunc("/api/jobs", s.requireAuth(s.handleJobs))
	mux.HandleFunc("/api/jobs/", s.requireAuth(s.handleJobDetail))
	mux.HandleFunc("/api/bids/", s.requireAuth(s.handleBidDetail))
	mux.HandleFunc("/api/contracts", s.requireAuth(s.handleContracts))
	mux.HandleFunc("/api/contracts/", s.requireAuth(s.handleContractDetail))
	mux.HandleFunc("/api/verifications", s.requireAuth(s.handleVerifications))
	mux.HandleFunc("/api/verifications/", s.requireAuth(s.handleVerificationDetail))
	mux.HandleFunc("/api/agents", s.requireAuth(s.handleAgents))
	mux.HandleFunc("/api/agents/", s.requireAuth(s.handleAgentDetail))
	mux.HandleFunc("/api/reputation/", s.requireAuth(s.handleReputation))
	return mux
}

// requireAuth resolves the bearer token to a user and stashes identity in the
// request context. The wallet address is what the settlement engine keys on.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		userID, role, err := s.auth.VerifyToken(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		user, err := s.auth.GetUserByID(r.Context(), userID)
		if err != nil {
			if errors.Is(err, auth.ErrUserNotFound) {
				writeError(w, http.StatusUnauthorized, "unknown user")
				return
			}
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyUserID, userID)
		ctx = context.WithValue(ctx, ctxKeyRole, role)
		ctx = context.WithValue(ctx, ctxKeyWallet, user.Wallet)
		next(w, r.WithContext(ctx))
	}
}

func walletFrom(ctx context.Context) string {
	wallet, _ := ctx.Value(ctxKeyWallet).(string)
	return wallet
}

func roleFrom(ctx context.Context) auth.Role {
	role, _ := ctx.Value(ctxKeyRole).(auth.Role)
	return role
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeServiceError translates domain sentinels into HTTP statuses. Unknown
// errors are logged and masked.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, settlement.ErrNotFound),
		errors.Is(err, verification.ErrRequestNotFound),
		errors.Is(err, verification.ErrAgentNotFound),
		errors.Is(err, reputation.ErrNotFound),
		errors.Is(err, ledger.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, settlement.ErrUnauthorized),
		errors.Is(err, verification.ErrUnauthorized):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, settlement.ErrAlreadyFinalized),
		errors.Is(err, verification.ErrDuplicateRequest),
		errors.Is(err, verification.ErrAlreadyDisputed),
		errors.Is(err, verification.ErrDuplicateAgent),
		errors.Is(err, ledger.ErrAlreadyTransferred):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, settlement.ErrInvalidState),
		errors.Is(err, settlement.ErrSelfBid),
		errors.Is(err, settlement.ErrMilestoneSplitInvalid),
		errors.Is(err, verification.ErrNotCompleted),
		errors.Is(err, verification.ErrConsensusFailed),
		errors.Is(err, ledger.ErrInsufficientFunds):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		log.Printf("handler error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
