package settlement

import "time"

type JobStatus string

const (
	JobOpen      JobStatus = "open"
	JobAssigned  JobStatus = "assigned"
	JobCancelled JobStatus = "cancelled"
	JobCompleted JobStatus = "completed"
)

type BidStatus string

const (
	BidPending   BidStatus = "pending"
	BidAccepted  BidStatus = "accepted"
	BidRejected  BidStatus = "rejected"
	BidWithdrawn BidStatus = "withdrawn"
)

type ContractStatus string

const (
	ContractActive    ContractStatus = "active"
	ContractCompleted ContractStatus = "completed"
	ContractDisputed  ContractStatus = "disputed"
)

type MilestoneStatus string

const (
	MilestonePending   MilestoneStatus = "pending"
	MilestoneSubmitted MilestoneStatus = "submitted"
	MilestoneApproved  MilestoneStatus = "approved"
	MilestoneRejected  MilestoneStatus = "rejected"
)

// Job mirrors the jobs table. EscrowAmount is the client deposit debited at
// posting time and credited back only while the job is still open.
type Job struct {
	ID           int64
	Client       string
	Title        string
	Description  string
	Category     string
	Budget       int64
	EscrowAmount int64
	Status       JobStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SplitItem is one entry of a bid's proposed milestone split, stored as jsonb
// on the bid and materialised into milestone rows at acceptance.
type SplitItem struct {
	Percentage int `json:"percentage"`
}

// Bid mirrors the bids table.
type Bid struct {
	ID              int64
	JobID           int64
	Freelancer      string
	ProposedAmount  int64
	StakeAmount     int64
	Split           []SplitItem
	AllowOutOfOrder bool
	Status          BidStatus
	CreatedAt       time.Time
}

// Contract mirrors the contracts table. EscrowAmount is the held collateral
// (client deposit + winning stake); the funded total is tracked separately in
// the ledger under the contract ref.
type Contract struct {
	ID              int64
	JobID           int64
	Client          string
	Freelancer      string
	TotalAmount     int64
	DepositAmount   int64
	StakeAmount     int64
	EscrowAmount    int64
	AllowOutOfOrder bool
	Status          ContractStatus
	CreatedAt       time.Time
	UpdatedAt       time.Time
	Milestones      []Milestone
}

// Milestone is one priced unit of deliverable work, keyed by (contract, index).
type Milestone struct {
	ContractID       int64
	Index            int
	Amount           int64
	Percentage       int
	DeliverableRef   *string
	Status           MilestoneStatus
	ApprovalDeadline *time.Time
	AdvanceReleased  int64
	RejectReason     *string
}

// Outbox topics emitted by the engine.
const (
	TopicJobPosted       = "job.posted"
	TopicJobCancelled    = "job.cancelled"
	TopicBidPlaced       = "bid.placed"
	TopicBidWithdrawn    = "bid.withdrawn"
	TopicBidAccepted     = "bid.accepted"
	TopicContractCreated = "contract.created"
	TopicContractDone    = "contract.completed"
	TopicContractDispute = "contract.disputed"
	TopicMilestoneSubmit = "milestone.submitted"
	TopicMilestoneOK     = "milestone.approved"
	TopicMilestoneReject = "milestone.rejected"
	TopicPaymentReleased = "payment.released"
	TopicAdvanceReleased = "payment.advance_released"
)
