package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/tab-bridge/tab/internal/port/observability"
)

const (
	tracerName = "tab"
	meterName  = "tab"
)

// Sink implements observability.Sink on OpenTelemetry instruments.
type Sink struct {
	sessionsStarted metric.Int64Counter
	sessionsEnded   metric.Int64Counter
	turnsCompleted  metric.Int64Counter
	policyDecisions metric.Int64Counter
	adapterFailures metric.Int64Counter
	turnDuration    metric.Float64Histogram
	turnCost        metric.Float64Histogram
	sessionCost     metric.Float64Histogram
}

// NewSink creates all instruments on the global meter provider.
func NewSink() (*Sink, error) {
	meter := otel.Meter(meterName)
	s := &Sink{}
	var err error

	if s.sessionsStarted, err = meter.Int64Counter("tab.sessions.started",
		metric.WithDescription("Number of sessions started")); err != nil {
		return nil, err
	}
	if s.sessionsEnded, err = meter.Int64Counter("tab.sessions.ended",
		metric.WithDescription("Number of sessions ended, by status and reason")); err != nil {
		return nil, err
	}
	if s.turnsCompleted, err = meter.Int64Counter("tab.turns.completed",
		metric.WithDescription("Number of turns completed")); err != nil {
		return nil, err
	}
	if s.policyDecisions, err = meter.Int64Counter("tab.policy.decisions",
		metric.WithDescription("Policy decisions, by verdict and reason")); err != nil {
		return nil, err
	}
	if s.adapterFailures, err = meter.Int64Counter("tab.adapter.failures",
		metric.WithDescription("Adapter failures, by adapter and class")); err != nil {
		return nil, err
	}
	if s.turnDuration, err = meter.Float64Histogram("tab.turn.duration_seconds",
		metric.WithDescription("Turn duration in seconds")); err != nil {
		return nil, err
	}
	if s.turnCost, err = meter.Float64Histogram("tab.turn.cost_usd",
		metric.WithDescription("Turn cost in USD")); err != nil {
		return nil, err
	}
	if s.sessionCost, err = meter.Float64Histogram("tab.session.cost_usd",
		metric.WithDescription("Total session cost in USD")); err != nil {
		return nil, err
	}
	return s, nil
}

var _ observability.Sink = (*Sink)(nil)

func (s *Sink) SessionStarted(ctx context.Context, e observability.SessionEvent) {
	s.sessionsStarted.Add(ctx, 1)
}

func (s *Sink) SessionEnded(ctx context.Context, e observability.SessionEvent) {
	s.sessionsEnded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", e.Status),
		attribute.String("reason", e.Reason),
	))
	s.sessionCost.Record(ctx, e.CostUSD)
}

func (s *Sink) TurnCompleted(ctx context.Context, e observability.TurnEvent) {
	s.turnsCompleted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from_agent", e.FromAgent),
		attribute.String("outcome", e.Outcome),
	))
	s.turnDuration.Record(ctx, e.Duration.Seconds())
	s.turnCost.Record(ctx, e.CostUSD)
}

func (s *Sink) PolicyDecision(ctx context.Context, sessionID, turnID, verdict, reason string) {
	s.policyDecisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("verdict", verdict),
		attribute.String("reason", reason),
	))
}

func (s *Sink) AdapterFailure(ctx context.Context, sessionID, adapterID, class string) {
	s.adapterFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("adapter", adapterID),
		attribute.String("class", class),
	))
}

// StartTurnSpan opens a span covering one turn.
func (s *Sink) StartTurnSpan(ctx context.Context, sessionID, turnID, agentID string) (context.Context, func(error)) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "turn",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("turn.id", turnID),
			attribute.String("agent.id", agentID),
		),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}
