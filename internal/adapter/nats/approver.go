// Package nats implements the approval channel over NATS request/reply.
// PROMPT-mode turns publish an approval request and block (bounded by the
// enforcer's wait) until an operator console replies.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/tab-bridge/tab/internal/service"
)

// SubjectApprovalRequest is where approval requests are published; the reply
// arrives on the request's inbox.
const SubjectApprovalRequest = "tab.approvals.request"

// approvalReply is the operator console's answer.
type approvalReply struct {
	Approved bool   `json:"approved"`
	By       string `json:"by,omitempty"`
	Note     string `json:"note,omitempty"`
}

// Approver implements service.Approver over a NATS connection.
type Approver struct {
	nc  *nats.Conn
	log *slog.Logger
}

var _ service.Approver = (*Approver)(nil)

// Connect dials NATS for approval traffic.
func Connect(url string, log *slog.Logger) (*Approver, error) {
	nc, err := nats.Connect(url, nats.Name("tab-approver"))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	log.Info("nats connected", "url", url, "subject", SubjectApprovalRequest)
	return &Approver{nc: nc, log: log.With("service", "approver")}, nil
}

// RequestApproval publishes the request and waits for a reply until ctx
// expires. No reply within the deadline is an error; the enforcer treats it
// as a block.
func (a *Approver) RequestApproval(ctx context.Context, req service.ApprovalRequest) (bool, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return false, fmt.Errorf("approver: encode request: %w", err)
	}
	msg, err := a.nc.RequestWithContext(ctx, SubjectApprovalRequest, payload)
	if err != nil {
		return false, fmt.Errorf("approver: request: %w", err)
	}
	var reply approvalReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return false, fmt.Errorf("approver: decode reply: %w", err)
	}
	a.log.Info("approval decision", "session", req.SessionID, "turn", req.TurnID,
		"approved", reply.Approved, "by", reply.By)
	return reply.Approved, nil
}

// Close shuts down the NATS connection.
func (a *Approver) Close() error {
	a.nc.Close()
	return nil
}
