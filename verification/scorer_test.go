package verification

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPScorer_Evaluate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in EvalInput
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			t.Errorf("decode eval input: %v", err)
		}
		if in.DeliverableRef != "ipfs://d1" {
			t.Errorf("unexpected deliverable ref %q", in.DeliverableRef)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"approved":        true,
			"confidence":      0.85,
			"report":          "looks solid",
			"issues":          []string{"missing tests"},
			"recommendations": []string{"add CI"},
		})
	}))
	defer srv.Close()

	scorer := NewHTTPScorer(srv.Client())
	j, err := scorer.Evaluate(context.Background(), Agent{Address: "a1", Endpoint: srv.URL}, EvalInput{DeliverableRef: "ipfs://d1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !j.Approved || j.Confidence != 0.85 || j.Report != "looks solid" {
		t.Fatalf("unexpected judgment: %+v", j)
	}
	if len(j.Issues) != 1 || len(j.Recommendations) != 1 {
		t.Fatalf("expected issue and recommendation lists, got %+v", j)
	}
	if j.ResponseTime <= 0 {
		t.Fatal("expected a measured response time")
	}
}

func TestHTTPScorer_RejectsBadConfidence(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"approved": true, "confidence": 1.5})
	}))
	defer srv.Close()

	scorer := NewHTTPScorer(srv.Client())
	if _, err := scorer.Evaluate(context.Background(), Agent{Address: "a1", Endpoint: srv.URL}, EvalInput{}); err == nil {
		t.Fatal("expected confidence range error")
	}
}

func TestHTTPScorer_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server watches the connection; otherwise it
		// never observes the client's cancellation and Close deadlocks.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	scorer := NewHTTPScorer(srv.Client())
	if _, err := scorer.Evaluate(ctx, Agent{Address: "a1", Endpoint: srv.URL}, EvalInput{}); err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestHTTPScorer_Non200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	scorer := NewHTTPScorer(srv.Client())
	if _, err := scorer.Evaluate(context.Background(), Agent{Address: "a1", Endpoint: srv.URL}, EvalInput{}); err == nil {
		t.Fatal("expected status error")
	}
}
