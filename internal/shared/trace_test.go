package shared

import (
	"context"
	"testing"
)

func TestTraceID_DefaultPlaceholder(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected '-', got %q", got)
	}
	ctx = WithTraceID(ctx, "abc")
	if got := TraceID(ctx); got != "abc" {
		t.Fatalf("expected abc, got %q", got)
	}
}

func TestTurnID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := TurnID(ctx); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	ctx = WithTurnID(ctx, "turn-1")
	if got := TurnID(ctx); got != "turn-1" {
		t.Fatalf("expected turn-1, got %q", got)
	}
}

func TestAgentAddress_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := AgentAddress(ctx); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	ctx = WithAgentAddress(ctx, "0xabc")
	if got := AgentAddress(ctx); got != "0xabc" {
		t.Fatalf("expected 0xabc, got %q", got)
	}
}

func TestNewTraceID_Unique(t *testing.T) {
	a := NewTraceID()
	b := NewTraceID()
	if a == b {
		t.Fatal("expected unique trace IDs")
	}
}
