package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tab-bridge/tab/internal/domain/audit"
	"github.com/tab-bridge/tab/internal/domain/convergence"
	"github.com/tab-bridge/tab/internal/domain/session"
	"github.com/tab-bridge/tab/internal/port/agent"
	"github.com/tab-bridge/tab/internal/port/journal"
	"github.com/tab-bridge/tab/internal/port/observability"
	"github.com/tab-bridge/tab/internal/port/store"
	"github.com/tab-bridge/tab/internal/resilience"
)

// Termination reasons recorded on sessions.
const (
	ReasonExplicitCompletion = "EXPLICIT_COMPLETION"
	ReasonConvergedRepeat    = "CONVERGED_REPETITION"
	ReasonBudgetExceeded     = "BUDGET_EXCEEDED"
	ReasonTurnsExhausted     = "TURNS_EXHAUSTED"
	ReasonAdapterFailure     = "ADAPTER_FAILURE"
	ReasonPolicyBlocked      = "POLICY_BLOCKED"
	ReasonCancelled          = "CANCELLED"
	ReasonDeadline           = "DEADLINE"
	ReasonJournalFailure     = "JOURNAL_FAILURE"
)

// contextWindow is how many prior turns are handed to an adapter.
const contextWindow = 5

// AdapterSource resolves adapter ids to live adapters.
type AdapterSource interface {
	Get(id string) (agent.Adapter, error)
}

// OrchestratorConfig tunes the turn loop.
type OrchestratorConfig struct {
	// TurnDeadline bounds one adapter call.
	TurnDeadline time.Duration
	// SessionDeadline bounds a whole session; zero means unbounded.
	SessionDeadline time.Duration
	// Fallbacks maps a primary adapter id to the single alternate tried
	// when the primary fails a turn after retries.
	Fallbacks map[string]string
	// BreakerThreshold is consecutive failures before an adapter's circuit
	// opens.
	BreakerThreshold int
	// BreakerTimeout is how long an open circuit rejects calls.
	BreakerTimeout time.Duration
	Retry          resilience.RetryPolicy
}

// DefaultOrchestratorConfig returns the stock loop settings.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		TurnDeadline:     120 * time.Second,
		SessionDeadline:  30 * time.Minute,
		BreakerThreshold: 5,
		BreakerTimeout:   time.Minute,
		Retry:            resilience.DefaultRetryPolicy(),
	}
}

// Orchestrator drives bounded dialogues between registered agents. It owns
// all session mutation; adapters only ever see requests and produce results.
type Orchestrator struct {
	adapters AdapterSource
	enforcer *Enforcer
	analyzer *convergence.Analyzer
	journal  journal.Writer
	sink     observability.Sink
	store    store.SessionStore
	breakers *resilience.BreakerSet
	cfg      OrchestratorConfig
	log      *slog.Logger
}

// NewOrchestrator wires the turn loop. store and sink may be nil for
// in-memory operation; journal is required.
func NewOrchestrator(
	adapters AdapterSource,
	enforcer *Enforcer,
	analyzer *convergence.Analyzer,
	jw journal.Writer,
	sink observability.Sink,
	st store.SessionStore,
	cfg OrchestratorConfig,
	log *slog.Logger,
) *Orchestrator {
	if sink == nil {
		sink = observability.Noop{}
	}
	if cfg.TurnDeadline <= 0 {
		cfg.TurnDeadline = DefaultOrchestratorConfig().TurnDeadline
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = time.Minute
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = resilience.DefaultRetryPolicy()
	}
	return &Orchestrator{
		adapters: adapters,
		enforcer: enforcer,
		analyzer: analyzer,
		journal:  jw,
		sink:     sink,
		store:    st,
		breakers: resilience.NewBreakerSet(cfg.BreakerThreshold, cfg.BreakerTimeout),
		cfg:      cfg,
		log:      log.With("service", "orchestrator"),
	}
}

// RunSession creates a session from req and drives it to a terminal state.
// The returned session is terminal unless session creation itself failed.
func (o *Orchestrator) RunSession(ctx context.Context, req session.CreateRequest) (*session.Session, error) {
	s, err := session.New(req)
	if err != nil {
		return nil, err
	}
	return s, o.run(ctx, s, req.InitialSpeaker)
}

// run drives an already-created session to a terminal state.
func (o *Orchestrator) run(ctx context.Context, s *session.Session, initialSpeaker string) error {
	if _, err := o.enforcer.Policy(s.PolicyID); err != nil {
		return err
	}
	if o.cfg.SessionDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.SessionDeadline)
		defer cancel()
	}

	o.sink.SessionStarted(ctx, observability.SessionEvent{SessionID: s.ID, Status: string(s.Status)})
	if err := o.audit(ctx, s, audit.EventSessionStarted, "orchestrator", "start_session", audit.OutcomeSuccess, ""); err != nil {
		return err
	}
	o.persist(ctx, s)

	err := o.loop(ctx, s, initialSpeaker)
	o.sink.SessionEnded(ctx, observability.SessionEvent{
		SessionID: s.ID,
		Status:    string(s.Status),
		Reason:    s.TerminationReason,
		Turns:     s.CurrentTurn,
		CostUSD:   s.TotalCostUSD,
	})
	return err
}

// loop runs turns round-robin until a terminal condition.
func (o *Orchestrator) loop(ctx context.Context, s *session.Session, initialSpeaker string) error {
	resumeIDs := make(map[string]string)
	speakerIdx := 0
	if initialSpeaker != "" {
		for i, p := range s.Participants {
			if p == initialSpeaker {
				speakerIdx = i
				break
			}
		}
	}
	blockedStreak := 0

	for {
		if reason, status := o.checkBounds(ctx, s); reason != "" {
			return o.finish(ctx, s, status, reason)
		}

		speaker := s.Participants[speakerIdx%len(s.Participants)]
		listener := s.Participants[(speakerIdx+1)%len(s.Participants)]
		speakerIdx++

		turn, err := o.runTurn(ctx, s, speaker, listener, resumeIDs)
		if err != nil {
			var jf *journalFailure
			switch {
			case errors.As(err, &jf):
				// the audit trail can no longer attest to what happened;
				// the session cannot continue
				_ = s.Terminate(session.StatusFailed, ReasonJournalFailure)
				o.persist(ctx, s)
				return err
			case errors.Is(err, errPolicyBlocked):
				// a blocked turn is a turn-level failure; the session stays
				// active unless a full rotation of speakers is blocked twice
				blockedStreak++
				if blockedStreak >= 2*len(s.Participants) {
					return o.finish(ctx, s, session.StatusFailed, ReasonPolicyBlocked)
				}
				continue
			case ctx.Err() != nil:
				reason := ReasonCancelled
				status := session.StatusTimeout
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					reason = ReasonDeadline
				}
				if s.CurrentTurn > 0 {
					status = session.StatusCompleted
				}
				return o.finish(ctx, s, status, reason)
			default:
				return o.finish(ctx, s, session.StatusFailed, ReasonAdapterFailure)
			}
		}
		blockedStreak = 0

		if err := s.Append(turn); err != nil {
			return fmt.Errorf("orchestrator: append turn: %w", err)
		}
		if err := o.audit(ctx, s, audit.EventTurnEmitted, speaker, "emit_turn", audit.OutcomeSuccess, turn.ID); err != nil {
			_ = s.Terminate(session.StatusFailed, ReasonJournalFailure)
			o.persist(ctx, s)
			return err
		}
		o.persist(ctx, s)

		report := o.analyzer.Evaluate(s)
		if s.ShouldAutoComplete(o.analyzer.AutoCompleteInput(s, report)) {
			reason := terminationFor(report.Dominant, s)
			if err := o.audit(ctx, s, audit.EventConverged, "orchestrator", "converged:"+report.Dominant, audit.OutcomeSuccess, turn.ID); err != nil {
				_ = s.Terminate(session.StatusFailed, ReasonJournalFailure)
				o.persist(ctx, s)
				return err
			}
			return o.finish(ctx, s, session.StatusCompleted, reason)
		}
	}
}

// checkBounds returns a termination reason when the session may not start
// another turn. A budget overshoot inside an admitted turn is tolerated; the
// check happens only between turns.
func (o *Orchestrator) checkBounds(ctx context.Context, s *session.Session) (string, session.Status) {
	if ctx.Err() != nil {
		status := session.StatusTimeout
		if s.CurrentTurn > 0 {
			status = session.StatusCompleted
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ReasonDeadline, status
		}
		return ReasonCancelled, status
	}
	if s.CurrentTurn >= s.MaxTurns {
		return ReasonTurnsExhausted, session.StatusCompleted
	}
	if s.TotalCostUSD >= s.BudgetUSD {
		status := session.StatusCompleted
		if s.CurrentTurn == 0 {
			status = session.StatusTimeout
		}
		return ReasonBudgetExceeded, status
	}
	return "", ""
}

// runTurn executes one speaker turn end to end: policy gate, adapter call
// with retry and failover, and the post-execution gate. The returned turn is
// not yet appended.
func (o *Orchestrator) runTurn(ctx context.Context, s *session.Session, speaker, listener string, resumeIDs map[string]string) (*session.Turn, error) {
	turnID := fmt.Sprintf("%s-t%03d", s.ID[:8], s.CurrentTurn+1)
	ctx, endSpan := o.sink.StartTurnSpan(ctx, s.ID, turnID, speaker)
	var turnErr error
	defer func() { endSpan(turnErr) }()

	p, err := o.enforcer.Policy(s.PolicyID)
	if err != nil {
		turnErr = err
		return nil, err
	}
	pid, mode, allowed, disallowed := p.Snapshot()
	snapshot := session.PolicySnapshot{
		PolicyID:        pid,
		PermissionMode:  mode,
		AllowedTools:    allowed,
		DisallowedTools: disallowed,
	}

	if d := o.enforcer.ValidateTurnRequest(ctx, s, turnID, speaker, allowed); !d.Allowed() {
		o.sink.PolicyDecision(ctx, s.ID, turnID, string(d.Verdict), d.Reason)
		if err := o.audit(ctx, s, audit.EventTurnRejected, speaker, "pre_admission:"+d.Reason, audit.OutcomeBlocked, turnID); err != nil {
			turnErr = err
			return nil, err
		}
		turnErr = fmt.Errorf("%w: %s", errPolicyBlocked, d.Reason)
		return nil, turnErr
	}
	if err := o.audit(ctx, s, audit.EventTurnAdmitted, speaker, "admit_turn", audit.OutcomeSuccess, turnID); err != nil {
		turnErr = err
		return nil, err
	}

	req := agent.Request{
		SessionID:  s.ID,
		TurnID:     turnID,
		Prompt:     o.buildPrompt(s),
		Context:    o.buildContext(s),
		ResumeID:   resumeIDs[speaker],
		Policy:     snapshot,
		WorkingDir: s.WorkingDir,
		Deadline:   o.cfg.TurnDeadline,
	}

	result, adapterID, err := o.submitWithFailover(ctx, speaker, req)
	if err != nil {
		var ae *agent.Error
		class := "unknown"
		if errors.As(err, &ae) {
			class = string(ae.Class)
		}
		o.sink.AdapterFailure(ctx, s.ID, adapterID, class)
		if jerr := o.audit(ctx, s, audit.EventAdapterFailure, speaker, "submit:"+class, audit.OutcomeFailure, turnID); jerr != nil {
			turnErr = jerr
			return nil, jerr
		}
		turnErr = err
		return nil, err
	}
	if result.ResumeID != "" {
		resumeIDs[speaker] = result.ResumeID
	}

	turn, err := session.NewTurn(s.ID, speaker, listener, session.RoleAssistant, result.Content)
	if err != nil {
		turnErr = err
		return nil, fmt.Errorf("orchestrator: build turn: %w", err)
	}
	turn.CostUSD = result.CostUSD
	turn.Duration = result.Duration
	turn.Policy = snapshot

	if d := o.enforcer.ValidateTurnResult(s, turn); !d.Allowed() {
		o.sink.PolicyDecision(ctx, s.ID, turnID, string(d.Verdict), d.Reason)
		if err := o.audit(ctx, s, audit.EventPolicyViolation, speaker, "post_admission:"+d.Reason, audit.OutcomeBlocked, turnID); err != nil {
			turnErr = err
			return nil, err
		}
		turnErr = fmt.Errorf("%w: %s", errPolicyBlocked, d.Reason)
		return nil, turnErr
	}

	o.sink.TurnCompleted(ctx, observability.TurnEvent{
		SessionID: s.ID,
		TurnID:    turn.ID,
		FromAgent: speaker,
		ToAgent:   listener,
		Outcome:   "success",
		CostUSD:   result.CostUSD,
		Duration:  result.Duration,
	})
	return turn, nil
}

// submitWithFailover calls the speaker's adapter with retries behind its
// circuit breaker, then tries the configured alternate once if the primary
// could not produce a result.
func (o *Orchestrator) submitWithFailover(ctx context.Context, speaker string, req agent.Request) (*agent.Result, string, error) {
	result, err := o.submit(ctx, speaker, req)
	if err == nil {
		return result, speaker, nil
	}

	var ae *agent.Error
	if errors.As(err, &ae) && ae.Class == agent.FailureCancelled {
		return nil, speaker, err
	}
	alternate, ok := o.cfg.Fallbacks[speaker]
	if !ok {
		return nil, speaker, err
	}

	o.log.Warn("failing over", "primary", speaker, "alternate", alternate, "error", err)
	result, aerr := o.submit(ctx, alternate, req)
	if aerr != nil {
		// report the primary failure; the alternate was best-effort
		return nil, speaker, err
	}
	return result, alternate, nil
}

// submit runs one adapter with the retry policy inside its breaker.
func (o *Orchestrator) submit(ctx context.Context, adapterID string, req agent.Request) (*agent.Result, error) {
	a, err := o.adapters.Get(adapterID)
	if err != nil {
		return nil, err
	}

	return resilience.Retry(ctx, o.cfg.Retry, func() (*agent.Result, error) {
		var result *agent.Result
		err := o.breakers.For(adapterID).Execute(func() error {
			r, err := o.collect(ctx, a, req)
			if err != nil {
				return err
			}
			result = r
			return nil
		})
		if err != nil {
			var ae *agent.Error
			if errors.As(err, &ae) && ae.Class != agent.FailureTransient {
				return nil, resilience.Permanent(err)
			}
			if errors.Is(err, resilience.ErrCircuitOpen) {
				return nil, resilience.Permanent(agent.NewError(adapterID, agent.FailureTransient, err))
			}
			return nil, err
		}
		return result, nil
	})
}

// collect drains one submission's event stream to its terminal event.
func (o *Orchestrator) collect(ctx context.Context, a agent.Adapter, req agent.Request) (*agent.Result, error) {
	events, err := a.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	for ev := range events {
		switch ev.Kind {
		case agent.EventResult:
			return ev.Result, nil
		case agent.EventError:
			return nil, ev.Err
		}
	}
	return nil, agent.NewError(a.ID(), agent.FailureTransient, errors.New("event stream closed without terminal event"))
}

// buildPrompt is the topic on the first turn and the previous speaker's
// message afterwards.
func (o *Orchestrator) buildPrompt(s *session.Session) string {
	if len(s.TurnHistory) == 0 {
		return s.Topic
	}
	return s.TurnHistory[len(s.TurnHistory)-1].Content
}

// buildContext returns the last turns in chronological order.
func (o *Orchestrator) buildContext(s *session.Session) []session.ContextEntry {
	recent := s.Recent(contextWindow, "")
	// Recent is newest-first; adapters want chronological
	for i, j := 0, len(recent)-1; i < j; i, j = i+1, j-1 {
		recent[i], recent[j] = recent[j], recent[i]
	}
	return recent
}

// errPolicyBlocked marks a turn rejected by the enforcer; the session
// survives it.
var errPolicyBlocked = errors.New("turn blocked by policy")

// journalFailure wraps a failed audit append; it is fatal to the session.
type journalFailure struct{ err error }

func (e *journalFailure) Error() string { return "orchestrator: audit append: " + e.err.Error() }
func (e *journalFailure) Unwrap() error { return e.err }

func (o *Orchestrator) audit(ctx context.Context, s *session.Session, kind audit.EventKind, actor, action string, outcome audit.Outcome, turnID string) error {
	r := audit.NewRecord(s.ID, kind, actor, action, outcome)
	r.TurnID = turnID
	r.PolicyID = s.PolicyID
	r.ResourceUsage = map[string]float64{"total_cost_usd": s.TotalCostUSD}
	if err := o.journal.Append(ctx, r); err != nil {
		o.log.Error("audit append failed", "session", s.ID, "kind", kind, "error", err)
		return &journalFailure{err: err}
	}
	return nil
}

// finish terminates the session, audits the transition, and persists.
func (o *Orchestrator) finish(ctx context.Context, s *session.Session, status session.Status, reason string) error {
	if err := s.Terminate(status, reason); err != nil && !errors.Is(err, session.ErrTerminal) {
		return err
	}
	o.log.Info("session finished", "session", s.ID, "status", s.Status, "reason", reason, "turns", s.CurrentTurn, "cost_usd", s.TotalCostUSD)
	if err := o.audit(ctx, s, audit.EventSessionTerminated, "orchestrator", "terminate:"+reason, audit.OutcomeSuccess, ""); err != nil {
		return err
	}
	o.persist(ctx, s)
	return nil
}

func (o *Orchestrator) persist(ctx context.Context, s *session.Session) {
	if o.store == nil {
		return
	}
	if err := o.store.Save(ctx, s); err != nil {
		o.log.Error("session save failed", "session", s.ID, "error", err)
	}
}

// terminationFor maps a convergence signal to the recorded reason.
func terminationFor(dominant string, s *session.Session) string {
	switch dominant {
	case convergence.SignalExplicit:
		return ReasonExplicitCompletion
	case convergence.SignalRepetition:
		return ReasonConvergedRepeat
	case convergence.SignalExhaustion:
		if s.TotalCostUSD >= s.BudgetUSD {
			return ReasonBudgetExceeded
		}
		return ReasonTurnsExhausted
	default:
		return ReasonConvergedRepeat
	}
}
