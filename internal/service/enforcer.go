// Package service holds the orchestration logic: policy enforcement, the
// turn loop, and session lifecycle.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tab-bridge/tab/internal/domain/policy"
	"github.com/tab-bridge/tab/internal/domain/session"
)

// Reason codes attached to enforcement decisions.
const (
	ReasonAllowed          = "allowed"
	ReasonUnknownPolicy    = "unknown_policy"
	ReasonToolDenied       = "tool_denied"
	ReasonModeDeny         = "permission_mode_deny"
	ReasonContentTooLarge  = "content_too_large"
	ReasonDisallowedTool   = "disallowed_tool"
	ReasonAttachmentDenied = "attachment_path_denied"
	ReasonAttachmentTooBig = "attachment_too_large"
	ReasonExecutionTooLong = "execution_too_long"
	ReasonCostCapExceeded  = "cost_cap_exceeded"
	ReasonApprovalDenied   = "approval_denied"
	ReasonApprovalTimeout  = "approval_timeout"
	ReasonApprovalRequired = "approval_required"
)

// approvalWait bounds how long a PROMPT-mode decision may block before it
// degrades to a block.
const approvalWait = 30 * time.Second

// Decision is the outcome of one enforcement check.
type Decision struct {
	Verdict policy.Verdict
	Reason  string
	// Tools lists the specifiers that triggered a non-allow verdict.
	Tools []string
}

// Allowed reports whether execution may proceed.
func (d Decision) Allowed() bool { return d.Verdict == policy.VerdictAllow }

// Approver resolves PROMPT-mode decisions out of band. Implementations ask a
// human (or an operator system) and return true to approve.
type Approver interface {
	RequestApproval(ctx context.Context, req ApprovalRequest) (bool, error)
}

// ApprovalRequest describes what is awaiting a decision.
type ApprovalRequest struct {
	SessionID string   `json:"session_id"`
	TurnID    string   `json:"turn_id"`
	AgentID   string   `json:"agent_id"`
	Tools     []string `json:"tools"`
	Summary   string   `json:"summary"`
}

// Enforcer applies a session's policy to turn requests before execution and
// to results after. One policy governs a session for its whole lifetime.
type Enforcer struct {
	policies map[string]*policy.Policy
	approver Approver
	log      *slog.Logger
}

// NewEnforcer builds an enforcer over a policy set. approver may be nil, in
// which case PROMPT-mode requests are blocked immediately.
func NewEnforcer(policies map[string]*policy.Policy, approver Approver, log *slog.Logger) *Enforcer {
	return &Enforcer{
		policies: policies,
		approver: approver,
		log:      log.With("service", "enforcer"),
	}
}

// Policy resolves a policy id.
func (e *Enforcer) Policy(id string) (*policy.Policy, error) {
	p, ok := e.policies[id]
	if !ok {
		return nil, fmt.Errorf("enforcer: unknown policy %q", id)
	}
	return p, nil
}

// ValidateTurnRequest gates a turn before the adapter runs. Requested tools
// are checked against the policy's allow/deny sets; PROMPT mode routes
// approval-listed tools through the approver.
func (e *Enforcer) ValidateTurnRequest(ctx context.Context, s *session.Session, turnID, agentID string, tools []string) Decision {
	p, ok := e.policies[s.PolicyID]
	if !ok {
		return Decision{Verdict: policy.VerdictBlock, Reason: ReasonUnknownPolicy}
	}
	if p.Mode == policy.ModeDeny {
		return Decision{Verdict: policy.VerdictBlock, Reason: ReasonModeDeny}
	}

	var denied []string
	var needApproval []string
	for _, tool := range tools {
		if !p.ToolAllowed(tool) {
			denied = append(denied, tool)
			continue
		}
		if p.Mode == policy.ModePrompt && p.NeedsApproval(tool) {
			needApproval = append(needApproval, tool)
		}
	}
	if len(denied) > 0 {
		return Decision{Verdict: policy.VerdictBlock, Reason: ReasonToolDenied, Tools: denied}
	}
	if len(needApproval) == 0 {
		return Decision{Verdict: policy.VerdictAllow, Reason: ReasonAllowed}
	}

	return e.awaitApproval(ctx, ApprovalRequest{
		SessionID: s.ID,
		TurnID:    turnID,
		AgentID:   agentID,
		Tools:     needApproval,
		Summary:   s.Topic,
	})
}

func (e *Enforcer) awaitApproval(ctx context.Context, req ApprovalRequest) Decision {
	if e.approver == nil {
		return Decision{Verdict: policy.VerdictBlock, Reason: ReasonApprovalRequired, Tools: req.Tools}
	}
	waitCtx, cancel := context.WithTimeout(ctx, approvalWait)
	defer cancel()

	ok, err := e.approver.RequestApproval(waitCtx, req)
	if err != nil {
		e.log.Warn("approval request failed", "session", req.SessionID, "turn", req.TurnID, "error", err)
		return Decision{Verdict: policy.VerdictBlock, Reason: ReasonApprovalTimeout, Tools: req.Tools}
	}
	if !ok {
		return Decision{Verdict: policy.VerdictBlock, Reason: ReasonApprovalDenied, Tools: req.Tools}
	}
	return Decision{Verdict: policy.VerdictAllow, Reason: ReasonAllowed}
}

// ValidateTurnResult gates a produced turn before it is admitted to the
// session: content size, disallowed-tool references in the output,
// attachment path and size rules, and the per-turn execution and cost caps.
func (e *Enforcer) ValidateTurnResult(s *session.Session, t *session.Turn) Decision {
	p, ok := e.policies[s.PolicyID]
	if !ok {
		return Decision{Verdict: policy.VerdictBlock, Reason: ReasonUnknownPolicy}
	}
	if len(t.Content) > session.MaxContentLength {
		return Decision{Verdict: policy.VerdictBlock, Reason: ReasonContentTooLarge}
	}
	if hits := p.DisallowedIn(t.Content); len(hits) > 0 {
		return Decision{Verdict: policy.VerdictBlock, Reason: ReasonDisallowedTool, Tools: hits}
	}
	for i := range t.Attachments {
		a := &t.Attachments[i]
		if !p.PathAllowed(a.Name) {
			return Decision{Verdict: policy.VerdictBlock, Reason: ReasonAttachmentDenied, Tools: []string{a.Name}}
		}
		if a.Size > session.MaxAttachmentSize {
			return Decision{Verdict: policy.VerdictBlock, Reason: ReasonAttachmentTooBig, Tools: []string{a.Name}}
		}
	}
	if p.Limits.MaxExecution > 0 && t.Duration > p.Limits.MaxExecution {
		return Decision{Verdict: policy.VerdictBlock, Reason: ReasonExecutionTooLong}
	}
	if p.Limits.MaxCostUSD > 0 && t.CostUSD > p.Limits.MaxCostUSD {
		return Decision{Verdict: policy.VerdictBlock, Reason: ReasonCostCapExceeded}
	}
	return Decision{Verdict: policy.VerdictAllow, Reason: ReasonAllowed}
}
