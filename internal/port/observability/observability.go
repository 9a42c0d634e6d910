// Package observability defines the event sink the orchestrator emits into.
// Sinks receive lifecycle events, counters, and timings; implementations
// decide transport and aggregation. The orchestrator never blocks on a sink.
package observability

import (
	"context"
	"time"
)

// TurnEvent describes one completed or failed turn.
type TurnEvent struct {
	SessionID string
	TurnID    string
	FromAgent string
	ToAgent   string
	Outcome   string
	CostUSD   float64
	Duration  time.Duration
	TraceID   string
}

// SessionEvent describes a session lifecycle transition.
type SessionEvent struct {
	SessionID string
	Status    string
	Reason    string
	Turns     int
	CostUSD   float64
}

// Sink receives orchestration telemetry. Implementations must be safe for
// concurrent use and must not block the caller on slow exporters.
type Sink interface {
	SessionStarted(ctx context.Context, e SessionEvent)
	SessionEnded(ctx context.Context, e SessionEvent)
	TurnCompleted(ctx context.Context, e TurnEvent)
	PolicyDecision(ctx context.Context, sessionID, turnID, verdict, reason string)
	AdapterFailure(ctx context.Context, sessionID, adapterID, class string)
	// StartTurnSpan opens a span covering one turn; the returned context
	// carries it and end closes it.
	StartTurnSpan(ctx context.Context, sessionID, turnID, agentID string) (context.Context, func(err error))
}

// Noop discards all telemetry.
type Noop struct{}

func (Noop) SessionStarted(context.Context, SessionEvent)                 {}
func (Noop) SessionEnded(context.Context, SessionEvent)                   {}
func (Noop) TurnCompleted(context.Context, TurnEvent)                     {}
func (Noop) PolicyDecision(context.Context, string, string, string, string) {}
func (Noop) AdapterFailure(context.Context, string, string, string)       {}

func (Noop) StartTurnSpan(ctx context.Context, _, _, _ string) (context.Context, func(error)) {
	return ctx, func(error) {}
}

// Multi fans events out to several sinks. Spans come from the first sink
// only; nested spans across exporters are not meaningful.
type Multi []Sink

func (m Multi) SessionStarted(ctx context.Context, e SessionEvent) {
	for _, s := range m {
		s.SessionStarted(ctx, e)
	}
}

func (m Multi) SessionEnded(ctx context.Context, e SessionEvent) {
	for _, s := range m {
		s.SessionEnded(ctx, e)
	}
}

func (m Multi) TurnCompleted(ctx context.Context, e TurnEvent) {
	for _, s := range m {
		s.TurnCompleted(ctx, e)
	}
}

func (m Multi) PolicyDecision(ctx context.Context, sessionID, turnID, verdict, reason string) {
	for _, s := range m {
		s.PolicyDecision(ctx, sessionID, turnID, verdict, reason)
	}
}

func (m Multi) AdapterFailure(ctx context.Context, sessionID, adapterID, class string) {
	for _, s := range m {
		s.AdapterFailure(ctx, sessionID, adapterID, class)
	}
}

func (m Multi) StartTurnSpan(ctx context.Context, sessionID, turnID, agentID string) (context.Context, func(error)) {
	if len(m) == 0 {
		return ctx, func(error) {}
	}
	return m[0].StartTurnSpan(ctx, sessionID, turnID, agentID)
}
