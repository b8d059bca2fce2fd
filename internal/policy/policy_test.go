package policy

import (
	"path/filepath"
	"testing"
)

func testProfile() ChainProfile {
	return ChainProfile{
		CAIP2:   "eip155:8453",
		ChainID: "8453",
		Name:    "base",
		Supports: ChainSupports{
			Messaging: true,
			Payments:  false,
		},
	}
}

func TestResolveChain(t *testing.T) {
	p := Policy{ChainDefault: "eip155:8453", ChainProfiles: []ChainProfile{testProfile()}}

	if cp, ok := p.ResolveChain(""); !ok || cp.Name != "base" {
		t.Fatalf("expected default chain to resolve, got %#v ok=%v", cp, ok)
	}
	if cp, ok := p.ResolveChain("base"); !ok || cp.CAIP2 != "eip155:8453" {
		t.Fatalf("expected resolve by name, got %#v ok=%v", cp, ok)
	}
	if _, ok := p.ResolveChain("eip155:1"); ok {
		t.Fatal("expected unknown chain to fail resolution")
	}
}

func TestRequiredCapability(t *testing.T) {
	p := Policy{}
	if got := p.RequiredCapability("send_message", false); got != "messaging" {
		t.Fatalf("send_message capability = %q, want messaging", got)
	}
	if got := p.RequiredCapability("replicate", false); got != "" {
		t.Fatalf("replicate without funding capability = %q, want empty", got)
	}
	if got := p.RequiredCapability("replicate", true); got != "payments" {
		t.Fatalf("replicate with funding capability = %q, want payments", got)
	}
	if got := p.RequiredCapability("self_modify", false); got != "" {
		t.Fatalf("self_modify capability = %q, want empty (no chain gate)", got)
	}
}

func TestChainSupports(t *testing.T) {
	p := Policy{}
	profile := testProfile()
	if !p.ChainSupports(profile, "messaging") {
		t.Fatal("expected messaging to be supported")
	}
	if p.ChainSupports(profile, "payments") {
		t.Fatal("expected payments to be unsupported")
	}
	if !p.ChainSupports(profile, "") {
		t.Fatal("empty capability should trivially pass")
	}
}

func TestAllowPath_ProtectedPaths(t *testing.T) {
	dir := t.TempDir()
	protected := filepath.Join(dir, "constitution.md")
	p := Policy{Constitution: ConstitutionPolicy{ProtectedPaths: []string{protected}}}

	if p.AllowPath(protected) {
		t.Fatal("expected protected path to be refused")
	}
	other := filepath.Join(dir, "notes.md")
	if !p.AllowPath(other) {
		t.Fatal("expected non-protected path to be allowed")
	}
}

func TestAllowHTTPURL(t *testing.T) {
	p := Policy{AllowDomains: []string{"example.com"}}
	if !p.AllowHTTPURL("https://api.example.com/v1/tools/x") {
		t.Fatal("expected subdomain of allowed domain to pass")
	}
	if p.AllowHTTPURL("https://evil.example.org") {
		t.Fatal("expected unrelated domain to be refused")
	}
	if p.AllowHTTPURL("http://127.0.0.1/admin") {
		t.Fatal("expected loopback to be refused by default")
	}
}

func TestPolicyVersionStableAcrossEquivalentPolicies(t *testing.T) {
	p1 := Policy{ChainDefault: "eip155:8453", ChainProfiles: []ChainProfile{testProfile()}}
	p2 := Policy{ChainDefault: "eip155:8453", ChainProfiles: []ChainProfile{testProfile()}}
	if p1.PolicyVersion() != p2.PolicyVersion() {
		t.Fatal("expected identical policy data to hash to the same version")
	}
	p2.AllowSelfModifyAction = true
	if p1.PolicyVersion() == p2.PolicyVersion() {
		t.Fatal("expected differing policy data to hash differently")
	}
}

func TestLivePolicySetAllowSelfModify(t *testing.T) {
	lp := NewLivePolicy(Default(), "")
	if lp.AllowSelfModify() {
		t.Fatal("expected default to disallow self-modify")
	}
	if err := lp.SetAllowSelfModify(true); err != nil {
		t.Fatalf("set allow self modify: %v", err)
	}
	if !lp.AllowSelfModify() {
		t.Fatal("expected self-modify to be enabled after set")
	}
}
