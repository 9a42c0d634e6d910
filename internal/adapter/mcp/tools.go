package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/tab-bridge/tab/internal/domain/session"
	"github.com/tab-bridge/tab/internal/port/agent"
)

// sendMessageDeadline bounds a one-shot direct message to an agent.
const sendMessageDeadline = 2 * time.Minute

// registerTools registers all MCP tools on the server.
func (s *Server) registerTools() {
	s.mcpServer.AddTools(
		s.startConversationTool(),
		s.sendMessageTool(),
		s.getSessionStatusTool(),
		s.cancelConversationTool(),
		s.listAgentsTool(),
	)
}

func (s *Server) startConversationTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("start_conversation",
		mcplib.WithDescription("Start a bounded conversation between two or more agents; returns the session id immediately while the conversation runs in the background"),
		mcplib.WithString("topic",
			mcplib.Required(),
			mcplib.Description("What the agents should discuss"),
		),
		mcplib.WithString("participants",
			mcplib.Required(),
			mcplib.Description("Comma-separated agent ids, e.g. claude_cli,codex_cli"),
		),
		mcplib.WithString("policy_id",
			mcplib.Description("Policy preset governing the conversation (default: default)"),
		),
		mcplib.WithNumber("max_turns",
			mcplib.Description("Turn budget, 1-20 (default: 8)"),
		),
		mcplib.WithNumber("budget_usd",
			mcplib.Description("Cost budget in USD (default: 1.0)"),
		),
		mcplib.WithString("initial_speaker",
			mcplib.Description("Participant that speaks first (default: first participant)"),
		),
		mcplib.WithString("working_directory",
			mcplib.Description("Working directory the agents run in"),
		),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleStartConversation,
	}
}

func (s *Server) sendMessageTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("send_message",
		mcplib.WithDescription("Send a single message directly to one agent and return its reply, outside any session"),
		mcplib.WithString("agent_id",
			mcplib.Required(),
			mcplib.Description("The agent to address"),
		),
		mcplib.WithString("message",
			mcplib.Required(),
			mcplib.Description("The message to send"),
		),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleSendMessage,
	}
}

func (s *Server) getSessionStatusTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("get_session_status",
		mcplib.WithDescription("Get the status, progress and statistics of a conversation session"),
		mcplib.WithString("session_id",
			mcplib.Required(),
			mcplib.Description("The session id to look up"),
		),
		mcplib.WithBoolean("include_history",
			mcplib.Description("Include the full turn history in the response"),
		),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleGetSessionStatus,
	}
}

func (s *Server) cancelConversationTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("cancel_conversation",
		mcplib.WithDescription("Cancel a running conversation session"),
		mcplib.WithString("session_id",
			mcplib.Required(),
			mcplib.Description("The session id to cancel"),
		),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleCancelConversation,
	}
}

func (s *Server) listAgentsTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("list_agents",
		mcplib.WithDescription("List registered agents with their capabilities and current health"),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleListAgents,
	}
}

func (s *Server) handleStartConversation(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Manager == nil {
		return mcplib.NewToolResultError("session manager not configured"), nil
	}
	args := req.GetArguments()
	topic, ok := args["topic"].(string)
	if !ok || topic == "" {
		return mcplib.NewToolResultError("topic is required"), nil
	}
	rawParticipants, ok := args["participants"].(string)
	if !ok || rawParticipants == "" {
		return mcplib.NewToolResultError("participants is required"), nil
	}
	var participants []string
	for _, p := range strings.Split(rawParticipants, ",") {
		if p = strings.TrimSpace(p); p != "" {
			participants = append(participants, p)
		}
	}

	create := session.CreateRequest{
		Topic:        topic,
		Participants: participants,
		MaxTurns:     8,
		BudgetUSD:    1.0,
	}
	if v, ok := args["policy_id"].(string); ok {
		create.PolicyID = v
	}
	if v, ok := args["max_turns"].(float64); ok {
		create.MaxTurns = int(v)
	}
	if v, ok := args["budget_usd"].(float64); ok {
		create.BudgetUSD = v
	}
	if v, ok := args["initial_speaker"].(string); ok {
		create.InitialSpeaker = v
	}
	if v, ok := args["working_directory"].(string); ok {
		create.WorkingDir = v
	}

	sess, err := s.deps.Manager.Start(ctx, create)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to start conversation", err), nil
	}
	data, err := json.Marshal(map[string]any{
		"session_id":   sess.ID,
		"status":       sess.Status,
		"participants": sess.Participants,
		"max_turns":    sess.MaxTurns,
		"budget_usd":   sess.BudgetUSD,
	})
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal session", err), nil
	}
	return toolResultJSON(string(data)), nil
}

func (s *Server) handleSendMessage(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Registry == nil {
		return mcplib.NewToolResultError("agent registry not configured"), nil
	}
	args := req.GetArguments()
	agentID, ok := args["agent_id"].(string)
	if !ok || agentID == "" {
		return mcplib.NewToolResultError("agent_id is required"), nil
	}
	message, ok := args["message"].(string)
	if !ok || message == "" {
		return mcplib.NewToolResultError("message is required"), nil
	}
	a, err := s.deps.Registry.Get(agentID)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr(
			fmt.Sprintf("unknown agent %s", agentID), err,
		), nil
	}

	id := uuid.NewString()
	events, err := a.Submit(ctx, agent.Request{
		SessionID: id,
		TurnID:    id + "-t001",
		Prompt:    message,
		Deadline:  sendMessageDeadline,
	})
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("submit failed", err), nil
	}
	result, err := drain(events)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr(
			fmt.Sprintf("agent %s failed", agentID), err,
		), nil
	}
	data, err := json.Marshal(map[string]any{
		"agent_id": agentID,
		"content":  result.Content,
		"cost_usd": result.CostUSD,
	})
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal reply", err), nil
	}
	return toolResultJSON(string(data)), nil
}

func (s *Server) handleGetSessionStatus(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Manager == nil {
		return mcplib.NewToolResultError("session manager not configured"), nil
	}
	args := req.GetArguments()
	sessionID, ok := args["session_id"].(string)
	if !ok || sessionID == "" {
		return mcplib.NewToolResultError("session_id is required"), nil
	}
	sess, err := s.deps.Manager.Get(ctx, sessionID)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr(
			fmt.Sprintf("failed to get session %s", sessionID), err,
		), nil
	}
	out := map[string]any{
		"session_id":         sess.ID,
		"status":             sess.Status,
		"termination_reason": sess.TerminationReason,
		"report":             sess.Report(),
		"stats":              sess.Stats(),
	}
	if include, _ := args["include_history"].(bool); include {
		out["turn_history"] = sess.TurnHistory
	}
	data, err := json.Marshal(out)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal status", err), nil
	}
	return toolResultJSON(string(data)), nil
}

func (s *Server) handleCancelConversation(_ context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Manager == nil {
		return mcplib.NewToolResultError("session manager not configured"), nil
	}
	args := req.GetArguments()
	sessionID, ok := args["session_id"].(string)
	if !ok || sessionID == "" {
		return mcplib.NewToolResultError("session_id is required"), nil
	}
	if err := s.deps.Manager.Cancel(sessionID); err != nil {
		return mcplib.NewToolResultErrorFromErr(
			fmt.Sprintf("failed to cancel session %s", sessionID), err,
		), nil
	}
	return toolResultJSON(fmt.Sprintf(`{"session_id":%q,"cancelled":true}`, sessionID)), nil
}

func (s *Server) handleListAgents(ctx context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Registry == nil {
		return mcplib.NewToolResultError("agent registry not configured"), nil
	}
	health := s.deps.Registry.HealthAll(ctx, false)
	type agentInfo struct {
		ID           string       `json:"id"`
		Kind         string       `json:"kind"`
		Transport    string       `json:"transport"`
		Capabilities []string     `json:"capabilities,omitempty"`
		Health       agent.Health `json:"health"`
	}
	var out []agentInfo
	for _, d := range s.deps.Registry.Describe() {
		out = append(out, agentInfo{
			ID:           d.ID,
			Kind:         d.Kind,
			Transport:    string(d.Transport),
			Capabilities: d.Capabilities,
			Health:       health[d.ID],
		})
	}
	data, err := json.Marshal(out)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal agents", err), nil
	}
	return toolResultJSON(string(data)), nil
}

// drain consumes a submission stream and returns its terminal result.
func drain(events <-chan agent.Event) (*agent.Result, error) {
	for ev := range events {
		switch ev.Kind {
		case agent.EventResult:
			return ev.Result, nil
		case agent.EventError:
			return nil, ev.Err
		}
	}
	return nil, fmt.Errorf("event stream closed without result")
}
