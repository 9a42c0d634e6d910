// Package policy defines the admission, resource, and isolation rules
// applied uniformly within a session. Policies govern what tools agents may
// use, under what conditions, and with what limits.
package policy

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// PermissionMode controls the baseline admission behavior of a policy.
type PermissionMode string

const (
	ModeAuto   PermissionMode = "auto"
	ModePrompt PermissionMode = "prompt"
	ModeDeny   PermissionMode = "deny"
)

// Verdict is the outcome of an admission check.
type Verdict string

const (
	VerdictAllow           Verdict = "allow"
	VerdictBlock           Verdict = "block"
	VerdictRequireApproval Verdict = "require_approval"
)

// ResourceLimits caps per-turn execution.
type ResourceLimits struct {
	MaxExecution time.Duration `json:"max_execution" yaml:"max_execution"`
	MaxCostUSD   float64       `json:"max_cost_usd" yaml:"max_cost_usd"`
	MaxMemoryMB  int           `json:"max_memory_mb" yaml:"max_memory_mb"`
}

// FileRule is an ordered allow/deny prefix pattern over file paths.
type FileRule struct {
	Prefix string `json:"prefix" yaml:"prefix"`
	Allow  bool   `json:"allow" yaml:"allow"`
}

// NetworkRule is an ordered allow/deny pattern over host names.
type NetworkRule struct {
	HostPattern string `json:"host_pattern" yaml:"host_pattern"`
	Allow       bool   `json:"allow" yaml:"allow"`
}

// SandboxConfig describes the isolation applied before a child executes.
type SandboxConfig struct {
	DropCapabilities []string `json:"drop_capabilities,omitempty" yaml:"drop_capabilities,omitempty"`
	ReadOnlyPaths    []string `json:"read_only_paths,omitempty" yaml:"read_only_paths,omitempty"`
	PidLimit         int      `json:"pid_limit,omitempty" yaml:"pid_limit,omitempty"`
	FDLimit          int      `json:"fd_limit,omitempty" yaml:"fd_limit,omitempty"`
}

// Policy is a named bundle of admission and isolation rules.
type Policy struct {
	ID               string         `json:"id" yaml:"id"`
	Name             string         `json:"name" yaml:"name"`
	Description      string         `json:"description,omitempty" yaml:"description,omitempty"`
	AllowedTools     []string       `json:"allowed_tools" yaml:"allowed_tools"`
	DisallowedTools  []string       `json:"disallowed_tools" yaml:"disallowed_tools"`
	Mode             PermissionMode `json:"permission_mode" yaml:"permission_mode"`
	Limits           ResourceLimits `json:"resource_limits" yaml:"resource_limits"`
	FileRules        []FileRule     `json:"file_rules,omitempty" yaml:"file_rules,omitempty"`
	NetworkRules     []NetworkRule  `json:"network_rules,omitempty" yaml:"network_rules,omitempty"`
	Sandbox          SandboxConfig  `json:"sandbox" yaml:"sandbox"`
	ApprovalRequired []string       `json:"approval_required,omitempty" yaml:"approval_required,omitempty"`
}

// Validate checks internal consistency of the policy.
func (p *Policy) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("policy: id is required")
	}
	switch p.Mode {
	case ModeAuto, ModePrompt, ModeDeny:
	default:
		return fmt.Errorf("policy %s: invalid permission_mode %q", p.ID, p.Mode)
	}
	allowed := make(map[string]bool, len(p.AllowedTools))
	for _, tool := range p.AllowedTools {
		allowed[tool] = true
	}
	for _, tool := range p.DisallowedTools {
		if allowed[tool] {
			return fmt.Errorf("policy %s: tool %q is both allowed and disallowed", p.ID, tool)
		}
	}
	if p.Limits.MaxCostUSD < 0 {
		return fmt.Errorf("policy %s: max_cost_usd must be non-negative", p.ID)
	}
	return nil
}

// ToolAllowed reports whether a tool passes the allow/deny sets.
// Disallow wins; an empty allow list means every non-disallowed tool passes.
// Patterns support glob-style wildcards ("mcp:filesystem:*").
func (p *Policy) ToolAllowed(tool string) bool {
	for _, pattern := range p.DisallowedTools {
		if matchTool(pattern, tool) {
			return false
		}
	}
	if len(p.AllowedTools) == 0 {
		return true
	}
	for _, pattern := range p.AllowedTools {
		if matchTool(pattern, tool) {
			return true
		}
	}
	return false
}

// DisallowedIn scans produced content for references to disallowed tool
// specifiers and returns the patterns that matched. The scan is a
// case-insensitive substring test over each pattern's literal portion; a
// glob pattern matches by its prefix before the first metacharacter.
func (p *Policy) DisallowedIn(content string) []string {
	lower := strings.ToLower(content)
	var hits []string
	for _, pattern := range p.DisallowedTools {
		lit := literalPrefix(pattern)
		if lit == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(lit)) {
			hits = append(hits, pattern)
		}
	}
	return hits
}

func literalPrefix(pattern string) string {
	if i := strings.IndexAny(pattern, "*?["); i >= 0 {
		return pattern[:i]
	}
	return pattern
}

// NeedsApproval reports whether the tool is on the approval list.
func (p *Policy) NeedsApproval(tool string) bool {
	for _, pattern := range p.ApprovalRequired {
		if matchTool(pattern, tool) {
			return true
		}
	}
	return false
}

// PathAllowed evaluates the ordered file rules first-match-wins.
// No matching rule means allowed.
func (p *Policy) PathAllowed(path string) bool {
	for _, rule := range p.FileRules {
		if strings.HasPrefix(path, rule.Prefix) {
			return rule.Allow
		}
	}
	return true
}

// HostAllowed evaluates the ordered network rules first-match-wins.
// No matching rule means allowed.
func (p *Policy) HostAllowed(host string) bool {
	for _, rule := range p.NetworkRules {
		if matchTool(rule.HostPattern, host) {
			return rule.Allow
		}
	}
	return true
}

// Snapshot returns the allow/deny sets in effect as a value suitable for
// embedding in an immutable turn record.
func (p *Policy) Snapshot() (id, mode string, allowed, disallowed []string) {
	return p.ID, string(p.Mode),
		append([]string(nil), p.AllowedTools...),
		append([]string(nil), p.DisallowedTools...)
}

// matchTool checks whether a specifier pattern matches a name.
// Exact match first, then glob via filepath.Match.
func matchTool(pattern, name string) bool {
	if pattern == name {
		return true
	}
	matched, err := filepath.Match(pattern, name)
	return err == nil && matched
}
