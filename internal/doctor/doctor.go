// Package doctor runs startup diagnostics against the agent's own
// configuration and state, independent of whether the daemon is
// running.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/aethernet/core/internal/config"
	"github.com/aethernet/core/internal/state"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // PASS, FAIL, WARN, SKIP
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes every check in a fixed order.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkBrainKey,
		checkDatabase,
		checkKeystore,
		checkHomeDirWritable,
		checkBrainEndpoint,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "configuration not loaded"}
	}
	issues := config.Validate(*cfg)
	for _, issue := range issues {
		if issue.Severity == "error" {
			return CheckResult{Name: "Config", Status: "FAIL", Message: issue.Message}
		}
	}
	if len(issues) > 0 {
		return CheckResult{Name: "Config", Status: "WARN", Message: issues[0].Message}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("loaded from %s", cfg.ConfigPath)}
}

func checkBrainKey(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Brain API key", Status: "SKIP", Message: "config missing"}
	}
	if cfg.Brain.APIKeyEnv == "" {
		return CheckResult{Name: "Brain API key", Status: "WARN", Message: "no api_key_env configured"}
	}
	if cfg.APIKey() == "" {
		return CheckResult{
			Name: "Brain API key", Status: "WARN",
			Message: fmt.Sprintf("%s is not set", cfg.Brain.APIKeyEnv),
		}
	}
	return CheckResult{Name: "Brain API key", Status: "PASS", Message: fmt.Sprintf("%s is set", cfg.Brain.APIKeyEnv)}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "config missing"}
	}
	store, err := state.Open(cfg.DBPath)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("open failed: %v", err)}
	}
	defer store.Close()
	if _, err := store.CountMessages(ctx); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("query failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: "PASS", Message: fmt.Sprintf("%s opened and schema valid", cfg.DBPath)}
}

func checkKeystore(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Wallet keystore", Status: "SKIP", Message: "config missing"}
	}
	path := filepath.Join(cfg.DataDir, "keystore.json")
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return CheckResult{Name: "Wallet keystore", Status: "WARN", Message: "no keystore.json yet; run setup"}
		}
		return CheckResult{Name: "Wallet keystore", Status: "FAIL", Message: err.Error()}
	}
	if cfg.AgentAddress == "" {
		return CheckResult{Name: "Wallet keystore", Status: "WARN", Message: "keystore exists but agent_address is unset in config.yaml"}
	}
	return CheckResult{Name: "Wallet keystore", Status: "PASS", Message: "address " + cfg.AgentAddress}
}

func checkHomeDirWritable(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Home directory", Status: "SKIP", Message: "config missing"}
	}
	probe := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return CheckResult{Name: "Home directory", Status: "FAIL", Message: fmt.Sprintf("unwritable: %v", err)}
	}
	os.Remove(probe)
	return CheckResult{Name: "Home directory", Status: "PASS", Message: cfg.HomeDir + " writable"}
}

func checkBrainEndpoint(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.Brain.APIURL == "" {
		return CheckResult{Name: "Brain endpoint", Status: "SKIP", Message: "no brain.api_url configured"}
	}
	host := cfg.Brain.APIURL
	if u, err := url.Parse(cfg.Brain.APIURL); err == nil && u.Hostname() != "" {
		host = u.Hostname()
	}
	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name: "Brain endpoint", Status: "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
		}
	}
	return CheckResult{
		Name: "Brain endpoint", Status: "PASS",
		Message: fmt.Sprintf("resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
	}
}
