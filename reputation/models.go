package reputation

import "time"

// PartyRecord aggregates contract outcomes for one marketplace participant.
type PartyRecord struct {
	Address            string
	ContractsCompleted int
	ContractsDisputed  int
	UpdatedAt          time.Time
}

// AgentRecord aggregates judgment outcomes for one verification agent.
type AgentRecord struct {
	Address            string
	JudgmentsRecorded  int
	JudgmentsDisputed  int
	UpdatedAt          time.Time
}

// Event is one immutable reputation fact, kept for audit alongside the
// aggregates.
type Event struct {
	ID        int64
	Subject   string
	Kind      string
	RefID     int64
	Positive  bool
	CreatedAt time.Time
}

// Event kinds.
const (
	KindContractOutcome = "contract_outcome"
	KindAgentJudgment   = "agent_judgment"
)
