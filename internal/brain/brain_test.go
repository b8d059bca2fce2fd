package brain_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/aethernet/core/internal/brain"
)

func TestGenerateTurn_MissingAPIKeyReturnsMalformedWithoutNetworkCall(t *testing.T) {
	var called int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&called, 1)
	}))
	defer srv.Close()

	t.Setenv("AETHERNET_BRAIN_KEY", "")
	c := brain.New(brain.Config{Endpoint: srv.URL, APIKeyEnv: "AETHERNET_BRAIN_KEY", MaxRetries: 2})

	out := c.GenerateTurn(context.Background(), brain.TurnInput{})
	if out.Integrity != brain.IntegrityMalformed {
		t.Fatalf("integrity = %q, want malformed", out.Integrity)
	}
	if out.NextActions[0].Reason != "missing_api_key" {
		t.Fatalf("reason = %q, want missing_api_key", out.NextActions[0].Reason)
	}
	if atomic.LoadInt32(&called) != 0 {
		t.Fatal("expected no network call when api key is unset")
	}
}

func TestGenerateTurn_HappyPathParsesAndSanitizes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"text": `{"summary":"sent a reply","nextActions":[{"type":"send_message","params":{"to":"x"}},{"type":"shell_exec"}],"sleepMs":5000}`,
		})
	}))
	defer srv.Close()

	t.Setenv("AETHERNET_BRAIN_KEY", "present")
	c := brain.New(brain.Config{Endpoint: srv.URL, APIKeyEnv: "AETHERNET_BRAIN_KEY", MaxRetries: 0, TimeoutMs: 2000})

	out := c.GenerateTurn(context.Background(), brain.TurnInput{AgentAddress: "0xabc"})
	if out.Integrity != brain.IntegrityOK {
		t.Fatalf("integrity = %q, want ok; output=%+v", out.Integrity, out)
	}
	if len(out.NextActions) != 1 || out.NextActions[0].Type != "send_message" {
		t.Fatalf("expected shell_exec to be dropped, got %+v", out.NextActions)
	}
	if out.SleepMs == nil || *out.SleepMs != 5000 {
		t.Fatalf("sleepMs = %v", out.SleepMs)
	}
}

func TestGenerateTurn_ParsesUsageAndEstimatesCost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"text":  `{"summary":"ok","nextActions":[{"type":"noop"}]}`,
			"usage": map[string]any{"prompt_tokens": 1_000_000, "completion_tokens": 1_000_000},
		})
	}))
	defer srv.Close()

	t.Setenv("AETHERNET_BRAIN_KEY", "present")
	c := brain.New(brain.Config{Endpoint: srv.URL, Model: "gemini-2.5-flash", APIKeyEnv: "AETHERNET_BRAIN_KEY", MaxRetries: 0, TimeoutMs: 2000})

	out := c.GenerateTurn(context.Background(), brain.TurnInput{AgentAddress: "0xabc"})
	if out.PromptTokens != 1_000_000 || out.CompletionTokens != 1_000_000 {
		t.Fatalf("expected usage to be parsed, got %+v", out)
	}
	wantCost := 0.075 + 0.30
	if out.EstimatedCostUSD != wantCost {
		t.Fatalf("EstimatedCostUSD = %v, want %v", out.EstimatedCostUSD, wantCost)
	}
}

func TestGenerateTurn_RetriesOnRetryableStatusThenSucceeds(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"text": `{"summary":"ok","nextActions":[{"type":"noop"}]}`,
		})
	}))
	defer srv.Close()

	t.Setenv("AETHERNET_BRAIN_KEY", "present")
	c := brain.New(brain.Config{Endpoint: srv.URL, APIKeyEnv: "AETHERNET_BRAIN_KEY", MaxRetries: 2, RetryBackoffMs: 1, TimeoutMs: 2000})

	out := c.GenerateTurn(context.Background(), brain.TurnInput{})
	if out.Integrity != brain.IntegrityOK {
		t.Fatalf("expected retry to succeed, got %+v", out)
	}
	if atomic.LoadInt32(&attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
}

func TestGenerateTurn_NonRetryableStatusIsMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	t.Setenv("AETHERNET_BRAIN_KEY", "present")
	c := brain.New(brain.Config{Endpoint: srv.URL, APIKeyEnv: "AETHERNET_BRAIN_KEY", MaxRetries: 3, RetryBackoffMs: 1, TimeoutMs: 2000})

	out := c.GenerateTurn(context.Background(), brain.TurnInput{})
	if out.Integrity != brain.IntegrityMalformed {
		t.Fatal("expected non-retryable status to be malformed immediately")
	}
}

func TestGenerateTurn_MalformedJSONExtractsFirstBraceBlock(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"text": "here is the plan: {\"summary\":\"ok\",\"nextActions\":[{\"type\":\"noop\"}]} thanks",
		})
	}))
	defer srv.Close()

	t.Setenv("AETHERNET_BRAIN_KEY", "present")
	c := brain.New(brain.Config{Endpoint: srv.URL, APIKeyEnv: "AETHERNET_BRAIN_KEY", TimeoutMs: 2000})

	out := c.GenerateTurn(context.Background(), brain.TurnInput{})
	if out.Integrity != brain.IntegrityOK {
		t.Fatalf("expected brace-block extraction to recover a valid plan, got %+v", out)
	}
}

func TestGenerateTurn_EmptyPlanIsMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"text": `{"summary":"","nextActions":[]}`,
		})
	}))
	defer srv.Close()

	t.Setenv("AETHERNET_BRAIN_KEY", "present")
	c := brain.New(brain.Config{Endpoint: srv.URL, APIKeyEnv: "AETHERNET_BRAIN_KEY", TimeoutMs: 2000})

	out := c.GenerateTurn(context.Background(), brain.TurnInput{})
	if out.Integrity != brain.IntegrityMalformed {
		t.Fatal("expected empty plan to be malformed")
	}
}
