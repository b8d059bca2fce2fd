// Package policy holds the runtime's constitution: protected self-mod
// paths, the chain-capability map, and an HTTP allowlist (AllowHTTPURL).
// No package outside policy calls AllowHTTPURL; the tool registry's
// read-only API adapter and the brain client do not consult it.
package policy

import (
	"fmt"
	"hash/fnv"
	"net/netip"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Checker is the full set of gate checks that Policy and *LivePolicy
// provide: outbound HTTP, chain capability, filesystem access and
// self-modify. No package takes a Checker; the executor and the self-mod
// engine each declare a narrower interface over the methods they call.
type Checker interface {
	AllowHTTPURL(raw string) bool
	AllowPath(path string) bool
	ResolveChain(selector string) (ChainProfile, bool)
	RequiredCapability(actionType string, hasFunding bool) string
	ChainSupports(profile ChainProfile, capability string) bool
	AllowSelfModify() bool
	PolicyVersion() string
}

// ChainSupports enumerates the capabilities a chain profile may support.
type ChainSupports struct {
	Identity   bool `yaml:"identity"`
	Reputation bool `yaml:"reputation"`
	Payments   bool `yaml:"payments"`
	Auth       bool `yaml:"auth"`
	Messaging  bool `yaml:"messaging"`
}

// ChainProfile describes one chain the runtime is permitted to act on.
type ChainProfile struct {
	CAIP2    string        `yaml:"caip2"`
	ChainID  string        `yaml:"chain_id"`
	Name     string        `yaml:"name"`
	Supports ChainSupports `yaml:"supports"`
}

// ConstitutionPolicy names the governance files and the paths self-mod may
// never touch.
type ConstitutionPolicy struct {
	ConstitutionPath string   `yaml:"constitution_path"`
	LawsPath         string   `yaml:"laws_path"`
	ProtectedPaths   []string `yaml:"protected_paths"`
	HashAlgorithm    string   `yaml:"hash_algorithm"`
}

// Policy is the serializable policy data.
type Policy struct {
	ChainDefault          string              `yaml:"chain_default"`
	ChainProfiles         []ChainProfile      `yaml:"chain_profiles"`
	Constitution          ConstitutionPolicy  `yaml:"constitution"`
	AllowSelfModifyAction bool                `yaml:"allow_self_modify_action"`
	AllowExternalSources  bool                `yaml:"allow_external_sources"`
	AllowDomains          []string            `yaml:"allow_domains"`
	AllowLoopback         bool                `yaml:"allow_loopback"`
}

// Default returns a conservative, fully-closed policy.
func Default() Policy {
	return Policy{
		ChainDefault:          "",
		AllowSelfModifyAction: false,
		AllowExternalSources:  false,
	}
}

// actionCapability maps a mutating action type to the chain capability it
// requires, per the action executor's chain-capability gate.
var actionCapability = map[string]string{
	"send_message": "messaging",
	"replicate":    "payments",
}

// Load reads and validates a policy file. A missing path (or empty path)
// returns Default().
func Load(path string) (Policy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	if len(data) == 0 {
		return Default(), nil
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func (p Policy) validate() error {
	if p.Constitution.HashAlgorithm == "" {
		p.Constitution.HashAlgorithm = "sha256"
	}
	if p.Constitution.HashAlgorithm != "sha256" {
		return fmt.Errorf("unsupported hash algorithm %q", p.Constitution.HashAlgorithm)
	}
	seen := map[string]struct{}{}
	for _, cp := range p.ChainProfiles {
		if cp.CAIP2 == "" {
			return fmt.Errorf("chain profile missing caip2 id")
		}
		if _, dup := seen[cp.CAIP2]; dup {
			return fmt.Errorf("duplicate chain profile %q", cp.CAIP2)
		}
		seen[cp.CAIP2] = struct{}{}
	}
	return nil
}

// ResolveChain looks up a chain profile by CAIP-2 id, chain id, or name. An
// empty selector resolves to ChainDefault.
func (p Policy) ResolveChain(selector string) (ChainProfile, bool) {
	if selector == "" {
		selector = p.ChainDefault
	}
	if selector == "" {
		return ChainProfile{}, false
	}
	for _, cp := range p.ChainProfiles {
		if cp.CAIP2 == selector || cp.ChainID == selector || cp.Name == selector {
			return cp, true
		}
	}
	return ChainProfile{}, false
}

// RequiredCapability returns the chain capability an action type requires,
// or "" if the action type has no chain gate. replicate only requires
// payments when it carries an initial funding amount.
func (p Policy) RequiredCapability(actionType string, hasFunding bool) string {
	if actionType == "replicate" && !hasFunding {
		return ""
	}
	return actionCapability[actionType]
}

// ChainSupports reports whether a resolved chain profile supports the named
// capability. An empty capability is trivially supported (no gate).
func (p Policy) ChainSupports(profile ChainProfile, capability string) bool {
	switch capability {
	case "":
		return true
	case "identity":
		return profile.Supports.Identity
	case "reputation":
		return profile.Supports.Reputation
	case "payments":
		return profile.Supports.Payments
	case "auth":
		return profile.Supports.Auth
	case "messaging":
		return profile.Supports.Messaging
	default:
		return false
	}
}

// AllowSelfModify reports whether the self-modify action is enabled by
// policy.
func (p Policy) AllowSelfModify() bool {
	return p.AllowSelfModifyAction
}

// AllowHTTPURL reports whether an outbound HTTP(S) URL is reachable under
// this policy: scheme must be http/https, host must not be loopback or
// private (unless AllowLoopback), and host must match an allowed domain.
func (p Policy) AllowHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return false
	}
	scheme := strings.ToLower(strings.TrimSpace(u.Scheme))
	if scheme != "http" && scheme != "https" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if isBlockedHost(host, p.AllowLoopback) {
		return false
	}
	for _, domain := range p.AllowDomains {
		domain = strings.ToLower(strings.TrimSpace(domain))
		if domain == "" {
			continue
		}
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

func isBlockedHost(host string, allowLoopback bool) bool {
	if host == "localhost" {
		return !allowLoopback
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	if allowLoopback && ip.IsLoopback() {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}

// AllowPath reports whether a filesystem path is NOT below one of the
// constitution's protected paths. Used by the self-mod engine's protected-
// paths gate; it answers "may self-mod touch this path", so it is the
// inverse sense of an allowlist.
func (p Policy) AllowPath(path string) bool {
	resolved, err := resolveForCompare(path)
	if err != nil {
		return false
	}
	for _, protected := range p.Constitution.ProtectedPaths {
		protected = strings.TrimSpace(protected)
		if protected == "" {
			continue
		}
		protectedAbs, err := resolveForCompare(protected)
		if err != nil {
			continue
		}
		if resolved == protectedAbs || strings.HasPrefix(resolved, protectedAbs+string(filepath.Separator)) {
			return false
		}
	}
	return true
}

func resolveForCompare(path string) (string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		resolved, err = filepath.EvalSymlinks(filepath.Dir(path))
		if err != nil {
			return "", err
		}
		resolved = filepath.Join(resolved, filepath.Base(path))
	}
	return filepath.Abs(resolved)
}

// LivePolicy wraps a Policy with thread-safe reads, a runtime
// AllowSelfModifyAction toggle (SetAllowSelfModify, persisted when a path
// is set) and whole-snapshot replacement (Reload, ReloadFromFile). It has
// no method for adding a single allowed domain.
type LivePolicy struct {
	mu   sync.RWMutex
	data Policy
	path string
}

// NewLivePolicy creates a LivePolicy from an initial snapshot. If path is
// non-empty, mutations are persisted to that file.
func NewLivePolicy(initial Policy, path string) *LivePolicy {
	return &LivePolicy{data: initial, path: path}
}

func (lp *LivePolicy) AllowHTTPURL(raw string) bool {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.AllowHTTPURL(raw)
}

func (lp *LivePolicy) AllowPath(path string) bool {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.AllowPath(path)
}

func (lp *LivePolicy) ResolveChain(selector string) (ChainProfile, bool) {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.ResolveChain(selector)
}

func (lp *LivePolicy) RequiredCapability(actionType string, hasFunding bool) string {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.RequiredCapability(actionType, hasFunding)
}

func (lp *LivePolicy) ChainSupports(profile ChainProfile, capability string) bool {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.ChainSupports(profile, capability)
}

func (lp *LivePolicy) AllowSelfModify() bool {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.AllowSelfModifyAction
}

func (lp *LivePolicy) PolicyVersion() string {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return policyVersionFor(lp.data)
}

// PolicyVersion returns the content hash of this Policy value.
func (p Policy) PolicyVersion() string {
	return policyVersionFor(p)
}

// SetAllowSelfModify flips the self-modify gate at runtime and persists it.
func (lp *LivePolicy) SetAllowSelfModify(allow bool) error {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.data.AllowSelfModifyAction = allow
	return lp.persist()
}

// Reload replaces the policy data from a fresh Policy snapshot.
func (lp *LivePolicy) Reload(p Policy) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.data = p
}

// Snapshot returns a copy of the current policy data.
func (lp *LivePolicy) Snapshot() Policy {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	cp := lp.data
	cp.ChainProfiles = append([]ChainProfile(nil), lp.data.ChainProfiles...)
	cp.AllowDomains = append([]string(nil), lp.data.AllowDomains...)
	cp.Constitution.ProtectedPaths = append([]string(nil), lp.data.Constitution.ProtectedPaths...)
	return cp
}

// ReloadFromFile updates the live policy only when the incoming file parses
// and validates. On error, the previous policy remains active.
func ReloadFromFile(lp *LivePolicy, path string) error {
	if lp == nil {
		return fmt.Errorf("nil live policy")
	}
	p, err := Load(path)
	if err != nil {
		return err
	}
	lp.Reload(p)
	return nil
}

func policyVersionFor(p Policy) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte("chain_default=" + p.ChainDefault + "|"))
	for _, cp := range p.ChainProfiles {
		_, _ = h.Write([]byte(cp.CAIP2 + "|"))
	}
	for _, v := range p.AllowDomains {
		_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(v)) + "|"))
	}
	for _, v := range p.Constitution.ProtectedPaths {
		_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(v)) + "|"))
	}
	if p.AllowSelfModifyAction {
		_, _ = h.Write([]byte("allow_self_modify=true|"))
	}
	if p.AllowLoopback {
		_, _ = h.Write([]byte("allow_loopback=true|"))
	}
	return "policy-" + strconv.FormatUint(h.Sum64(), 16)
}

func (lp *LivePolicy) persist() error {
	if lp.path == "" {
		return nil
	}
	out, err := yaml.Marshal(&lp.data)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}
	return os.WriteFile(lp.path, out, 0o600)
}
