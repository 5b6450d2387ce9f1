package verification

import "time"

// Config collects the coordinator's policy knobs.
type Config struct {
	// PanelSize is how many agents are asked to judge one deliverable.
	PanelSize int
	// ConsensusThreshold is the minimum approval fraction among responders.
	ConsensusThreshold float64
	// AgentTimeout bounds the wait for the whole panel; agents that have not
	// answered by then are dropped from the responder set.
	AgentTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		PanelSize:          3,
		ConsensusThreshold: 0.66,
		AgentTimeout:       60 * time.Second,
	}
}
