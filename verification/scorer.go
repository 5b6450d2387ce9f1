package verification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// EvalInput carries everything an external scorer needs to judge a deliverable.
type EvalInput struct {
	DeliverableRef string `json:"deliverable_ref"`
	Criteria       string `json:"criteria"`
	Category       string `json:"category"`
}

// Scorer is the capability interface over judgment sources. Implementations
// may be rule-based, model-backed, or remote agents; the coordinator only
// depends on a judgment arriving within the deadline or not at all.
type Scorer interface {
	Evaluate(ctx context.Context, agent Agent, in EvalInput) (Judgment, error)
}

// HTTPScorer delegates evaluation to the agent's registered endpoint.
type HTTPScorer struct {
	client *http.Client
}

func NewHTTPScorer(client *http.Client) *HTTPScorer {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPScorer{client: client}
}

type scorerResponse struct {
	Approved        bool     `json:"approved"`
	Confidence      float64  `json:"confidence"`
	Report          string   `json:"report"`
	Issues          []string `json:"issues"`
	Recommendations []string `json:"recommendations"`
}

// Evaluate posts the deliverable to the agent and decodes its verdict. The
// caller's context bounds the wait; a timeout surfaces as an error and the
// agent is simply dropped from the responder set.
func (s *HTTPScorer) Evaluate(ctx context.Context, agent Agent, in EvalInput) (Judgment, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return Judgment{}, fmt.Errorf("verification: marshal eval input: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, agent.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Judgment{}, fmt.Errorf("verification: build eval request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return Judgment{}, fmt.Errorf("verification: call agent %s: %w", agent.Address, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Judgment{}, fmt.Errorf("verification: agent %s returned status %d", agent.Address, resp.StatusCode)
	}

	var out scorerResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Judgment{}, fmt.Errorf("verification: decode agent %s response: %w", agent.Address, err)
	}
	if out.Confidence < 0 || out.Confidence > 1 {
		return Judgment{}, fmt.Errorf("verification: agent %s confidence out of range", agent.Address)
	}

	return Judgment{
		Agent:           agent.Address,
		Approved:        out.Approved,
		Confidence:      out.Confidence,
		Report:          out.Report,
		Issues:          out.Issues,
		Recommendations: out.Recommendations,
		ResponseTime:    time.Since(start),
	}, nil
}
