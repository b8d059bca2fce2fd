package doctor

import (
	"context"
	"testing"
	"time"

	"github.com/aethernet/core/internal/config"
)

func TestCheckBrainEndpoint_NilConfig(t *testing.T) {
	result := checkBrainEndpoint(context.Background(), nil)
	if result.Status != "SKIP" {
		t.Fatalf("expected SKIP for nil config, got %s", result.Status)
	}
}

func TestCheckBrainEndpoint_NoAPIURLConfigured(t *testing.T) {
	cfg := &config.Config{}
	result := checkBrainEndpoint(context.Background(), cfg)
	if result.Status != "SKIP" {
		t.Fatalf("expected SKIP with no brain.api_url, got %s", result.Status)
	}
}

func TestCheckBrainEndpoint_ResolvesConfiguredHost(t *testing.T) {
	cfg := &config.Config{Brain: config.BrainConfig{APIURL: "https://example.com/v1/turn"}}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result := checkBrainEndpoint(ctx, cfg)
	if result.Name != "Brain endpoint" {
		t.Fatalf("expected name Brain endpoint, got %s", result.Name)
	}
	if result.Status != "PASS" && result.Status != "FAIL" {
		t.Fatalf("expected PASS or FAIL (offline CI), got %s", result.Status)
	}
}

func TestCheckBrainEndpoint_CanceledContext(t *testing.T) {
	cfg := &config.Config{Brain: config.BrainConfig{APIURL: "https://example.com"}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := checkBrainEndpoint(ctx, cfg)
	if result.Status != "FAIL" {
		t.Fatalf("expected FAIL for canceled context, got %s", result.Status)
	}
}

func TestCheckKeystore_NilConfig(t *testing.T) {
	result := checkKeystore(context.Background(), nil)
	if result.Status != "SKIP" {
		t.Fatalf("expected SKIP for nil config, got %s", result.Status)
	}
}

func TestCheckKeystore_MissingFile(t *testing.T) {
	cfg := &config.Config{DataDir: t.TempDir()}
	result := checkKeystore(context.Background(), cfg)
	if result.Status != "WARN" {
		t.Fatalf("expected WARN for missing keystore, got %s", result.Status)
	}
}

func TestCheckDatabase_OpensSchema(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{DBPath: dir + "/state.db"}
	result := checkDatabase(context.Background(), cfg)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS, got %+v", result)
	}
}
