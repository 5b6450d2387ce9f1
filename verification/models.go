package verification

import "time"

// Agent specializations mirror the deployed verifier fleet.
const (
	SpecCodeReviewer          = "code_reviewer"
	SpecQualityAnalyst        = "quality_analyst"
	SpecRequirementsValidator = "requirements_validator"
	SpecGeneralist            = "generalist"
)

// Agent mirrors the verification_agents table. Stats are mutated only by
// completed requests the agent responded to.
type Agent struct {
	Address               string
	Endpoint              string
	Specialization        string
	Registered            bool
	Active                bool
	TotalVerifications    int
	CorrectVerifications  int
	DisputedVerifications int
	AvgResponseMillis     float64
	CreatedAt             time.Time
}

// Request mirrors the verification_requests table. At most one row exists per
// (contract, milestone) pair; Completed flips irreversibly once consensus is
// computed or the request times out with no responders.
type Request struct {
	ID               int64
	ContractID       int64
	MilestoneIndex   int
	DeliverableRef   string
	Criteria         string
	Category         string
	RequestedBy      string
	Completed        bool
	Approved         bool
	Failed           bool
	ApprovalRate     float64
	RespondingAgents []string
	CreatedAt        time.Time
	CompletedAt      *time.Time
}

// Judgment is one panel member's verdict on a deliverable.
type Judgment struct {
	Agent           string
	Approved        bool
	Confidence      float64
	Report          string
	Issues          []string
	Recommendations []string
	ResponseTime    time.Duration
}

// Outbox topics emitted by the coordinator.
const (
	TopicVerificationDone     = "verification.completed"
	TopicVerificationFailed   = "verification.failed"
	TopicVerificationDisputed = "verification.disputed"
)
