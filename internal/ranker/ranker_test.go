package ranker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"solana-yield-agent/internal/strategy"
)

func testOpp(risk string, amount uint64, profit int64) strategy.Opportunity {
	return strategy.Opportunity{
		UserID:                 "u1",
		Strategy:               "staker",
		Action:                 "stake",
		AmountLamports:         amount,
		ExpectedProfitLamports: profit,
		Risk:                   risk,
	}
}

func TestRankApprovesEngineDecisions(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/v1/rank" {
			t.Errorf("Expected /v1/rank, got %s", r.URL.Path)
		}
		if got := r.Header.Get("x-api-key"); got != "test-key" {
			t.Errorf("Expected api key header test-key, got %q", got)
		}

		var req rankRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("Failed to decode request: %v", err)
		}
		if len(req.Opportunities) != 3 {
			t.Errorf("Expected 3 opportunities in request, got %d", len(req.Opportunities))
		}

		resp := rankResponse{Decisions: []Decision{
			{Action: ActionExecute, Risk: "medium", Confidence: 0.9},
			{Action: ActionSkip, Risk: "high", Confidence: 0.8},
			{Action: ActionNotify, Risk: "low", Confidence: 0.5},
		}}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := NewClient(server.URL, "test-key", 5*time.Second, false)
	opps := []strategy.Opportunity{
		testOpp(strategy.RiskLow, 1000, 100),
		testOpp(strategy.RiskHigh, 1000, 10),
		testOpp(strategy.RiskMedium, 1000, 50),
	}

	approved, err := client.Rank(context.Background(), opps)
	if err != nil {
		t.Fatalf("Rank failed: %v", err)
	}
	if len(approved) != 1 {
		t.Fatalf("Expected 1 approved, got %d", len(approved))
	}
	if approved[0].Opportunity.Action != "stake" {
		t.Errorf("Wrong opportunity approved: %+v", approved[0].Opportunity)
	}
	if approved[0].Risk != "medium" {
		t.Errorf("Expected engine risk medium, got %s", approved[0].Risk)
	}
}

func TestRankPreservesInputOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rankRequest
		json.NewDecoder(r.Body).Decode(&req)

		decisions := make([]Decision, len(req.Opportunities))
		for i := range decisions {
			decisions[i] = Decision{Action: ActionExecute, Risk: "low"}
		}
		json.NewEncoder(w).Encode(rankResponse{Decisions: decisions})
	}))
	defer server.Close()

	client := NewClient(server.URL, "", 5*time.Second, false)
	opps := []strategy.Opportunity{
		testOpp(strategy.RiskLow, 100, 30),
		testOpp(strategy.RiskLow, 200, 20),
		testOpp(strategy.RiskLow, 300, 10),
	}

	approved, err := client.Rank(context.Background(), opps)
	if err != nil {
		t.Fatalf("Rank failed: %v", err)
	}
	if len(approved) != 3 {
		t.Fatalf("Expected 3 approved, got %d", len(approved))
	}
	for i, a := range approved {
		if a.Opportunity.AmountLamports != opps[i].AmountLamports {
			t.Errorf("Order broken at %d: got amount %d, want %d",
				i, a.Opportunity.AmountLamports, opps[i].AmountLamports)
		}
	}
}

func TestRankEmptyInputSkipsEngine(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("Engine must not be called for an empty opportunity list")
	}))
	defer server.Close()

	client := NewClient(server.URL, "", 5*time.Second, false)
	approved, err := client.Rank(context.Background(), nil)
	if err != nil {
		t.Fatalf("Rank failed: %v", err)
	}
	if len(approved) != 0 {
		t.Errorf("Expected no approvals, got %d", len(approved))
	}
}

func TestRankLocalFallbackRules(t *testing.T) {
	// Port 1 refuses connections, forcing the fallback path.
	client := NewClient("http://127.0.0.1:1", "", time.Second, true)

	opps := []strategy.Opportunity{
		testOpp(strategy.RiskLow, 1000, 250),    // ratio 0.25 -> execute
		testOpp(strategy.RiskHigh, 1000, 50),    // ratio 0.05 -> skip
		testOpp(strategy.RiskMedium, 1000, 150), // ratio 0.15 -> notify
	}

	approved, err := client.Rank(context.Background(), opps)
	if err != nil {
		t.Fatalf("Rank with fallback failed: %v", err)
	}
	if len(approved) != 1 {
		t.Fatalf("Expected 1 approved via local rules, got %d", len(approved))
	}
	if approved[0].Opportunity.ExpectedProfitLamports != 250 {
		t.Errorf("Wrong opportunity approved: %+v", approved[0].Opportunity)
	}
	if approved[0].Risk != strategy.RiskLow {
		t.Errorf("Expected risk low, got %s", approved[0].Risk)
	}
}

func TestRankNoFallbackSurfacesError(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", "", time.Second, false)

	approved, err := client.Rank(context.Background(), []strategy.Opportunity{
		testOpp(strategy.RiskLow, 1000, 250),
	})
	if err == nil {
		t.Fatal("Expected error when engine is down and fallback disabled")
	}
	if approved != nil {
		t.Errorf("Expected no approvals on error, got %d", len(approved))
	}
}

func TestRankDecisionCountMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(rankResponse{Decisions: []Decision{
			{Action: ActionExecute, Risk: "low"},
		}})
	}))
	defer server.Close()

	client := NewClient(server.URL, "", 5*time.Second, false)
	_, err := client.Rank(context.Background(), []strategy.Opportunity{
		testOpp(strategy.RiskLow, 1000, 100),
		testOpp(strategy.RiskLow, 1000, 200),
	})
	if err == nil {
		t.Fatal("Expected error on decision count mismatch")
	}
}

func TestLocalRulesTable(t *testing.T) {
	tests := []struct {
		name   string
		opp    strategy.Opportunity
		action string
	}{
		{"high risk thin margin", testOpp(strategy.RiskHigh, 1000, 50), ActionSkip},
		{"high risk fat margin", testOpp(strategy.RiskHigh, 1000, 500), ActionNotify},
		{"low risk fat margin", testOpp(strategy.RiskLow, 1000, 300), ActionExecute},
		{"low risk thin margin", testOpp(strategy.RiskLow, 1000, 50), ActionNotify},
		{"zero amount", testOpp(strategy.RiskLow, 0, 300), ActionNotify},
	}

	for _, tt := range tests {
		decisions := localRules([]strategy.Opportunity{tt.opp})
		if decisions[0].Action != tt.action {
			t.Errorf("%s: expected %s, got %s", tt.name, tt.action, decisions[0].Action)
		}
	}
}
