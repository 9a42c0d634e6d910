package convergence

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/tab-bridge/tab/internal/domain/session"
)

func newSession(t *testing.T, maxTurns int, budget float64) *session.Session {
	t.Helper()
	s, err := session.New(session.CreateRequest{
		Participants: []string{"claude_cli", "codex_cli"},
		Topic:        "compare retry strategies",
		MaxTurns:     maxTurns,
		BudgetUSD:    budget,
		PolicyID:     "default",
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return s
}

func appendTurn(t *testing.T, s *session.Session, from, to, content string, cost float64) {
	t.Helper()
	tu, err := session.NewTurn(s.ID, from, to, session.RoleAssistant, content)
	if err != nil {
		t.Fatalf("new turn: %v", err)
	}
	tu.CostUSD = cost
	// keep timestamps strictly increasing
	tu.Timestamp = time.Now().Add(time.Duration(len(s.TurnHistory)) * time.Second)
	if err := s.Append(tu); err != nil {
		t.Fatalf("append turn: %v", err)
	}
}

func TestExplicitCompletionPhrase(t *testing.T) {
	a := NewAnalyzer(Config{})
	s := newSession(t, 10, 2.0)
	appendTurn(t, s, "claude_cli", "codex_cli", "I reviewed the approach and the task is complete.", 0.05)

	r := a.Evaluate(s)
	if !r.Signals.ExplicitCompletion {
		t.Fatal("expected explicit completion signal")
	}
	if r.ShouldContinue {
		t.Fatal("conversation should stop on explicit completion")
	}
	if r.Dominant != SignalExplicit {
		t.Fatalf("dominant = %q, want %q", r.Dominant, SignalExplicit)
	}
	if r.Confidence < 0.5 {
		t.Fatalf("confidence = %v, want >= 0.5", r.Confidence)
	}
}

func TestKoreanCompletionPhrase(t *testing.T) {
	a := NewAnalyzer(Config{})
	s := newSession(t, 10, 2.0)
	appendTurn(t, s, "claude_cli", "codex_cli", "두 접근을 검토했고 합의에 도달했습니다.", 0.05)

	if r := a.Evaluate(s); !r.Signals.ExplicitCompletion {
		t.Fatal("expected completion phrase match for 합의")
	}
}

func TestRepetitiveContentDetected(t *testing.T) {
	a := NewAnalyzer(Config{})
	s := newSession(t, 10, 2.0)
	text := "the cache layer should invalidate entries on every write to keep readers consistent"
	appendTurn(t, s, "claude_cli", "codex_cli", text, 0.05)
	appendTurn(t, s, "codex_cli", "claude_cli", text+" as noted", 0.05)

	r := a.Evaluate(s)
	if !r.Signals.RepetitiveContent {
		t.Fatal("expected repetition signal for near-identical turns")
	}
	if r.ShouldContinue {
		t.Fatal("should stop on repetition")
	}
}

func TestDistinctContentNotRepetitive(t *testing.T) {
	a := NewAnalyzer(Config{})
	s := newSession(t, 10, 2.0)
	appendTurn(t, s, "claude_cli", "codex_cli",
		"exponential backoff with jitter smooths retry storms across replicas", 0.05)
	appendTurn(t, s, "codex_cli", "claude_cli",
		"circuit breakers complement retries by shedding load when the peer is down", 0.05)

	if r := a.Evaluate(s); r.Signals.RepetitiveContent {
		t.Fatal("distinct turns must not trip the repetition signal")
	}
}

func TestRepetitionLookbackWindow(t *testing.T) {
	a := NewAnalyzer(Config{LookbackTurns: 3})
	s := newSession(t, 20, 10.0)
	repeated := "we should gate deploys on the integration suite passing in ci"
	appendTurn(t, s, "claude_cli", "codex_cli", repeated, 0.01)
	for i := 0; i < 4; i++ {
		appendTurn(t, s, "codex_cli", "claude_cli",
			fmt.Sprintf("unrelated filler content number %d about storage compaction and merge policy tuning", i), 0.01)
	}
	appendTurn(t, s, "claude_cli", "codex_cli", repeated, 0.01)

	// Only the previous three turns are compared; the repeat is outside the window.
	if r := a.Evaluate(s); r.Signals.RepetitiveContent {
		t.Fatal("repeat outside the lookback window must not trip the signal")
	}
}

func TestResourceExhaustionOnLastTurn(t *testing.T) {
	a := NewAnalyzer(Config{})
	s := newSession(t, 2, 10.0)
	appendTurn(t, s, "claude_cli", "codex_cli", "plenty of budget remains but turns are nearly spent", 0.01)

	r := a.Evaluate(s)
	if !r.Signals.ResourceExhaustion {
		t.Fatal("expected exhaustion with one turn remaining")
	}
	if r.Dominant != SignalExhaustion {
		t.Fatalf("dominant = %q, want %q", r.Dominant, SignalExhaustion)
	}
}

func TestResourceExhaustionOnCost(t *testing.T) {
	a := NewAnalyzer(Config{})
	s := newSession(t, 20, 1.0)
	appendTurn(t, s, "claude_cli", "codex_cli", "an expensive turn that nearly drained the budget", 0.97)

	if r := a.Evaluate(s); !r.Signals.ResourceExhaustion {
		t.Fatal("expected exhaustion with under 5% of budget remaining")
	}
}

func TestQualityDegradation(t *testing.T) {
	a := NewAnalyzer(Config{})
	s := newSession(t, 20, 10.0)
	long := strings.Repeat("detailed analysis of the proposed migration path ", 10)
	appendTurn(t, s, "claude_cli", "codex_cli", long, 0.01)
	appendTurn(t, s, "codex_cli", "claude_cli", long+"extended", 0.01)
	appendTurn(t, s, "claude_cli", "codex_cli", "ok", 0.01)
	appendTurn(t, s, "codex_cli", "claude_cli", "sure", 0.01)
	appendTurn(t, s, "claude_cli", "codex_cli", "yes", 0.01)

	if r := a.Evaluate(s); !r.Signals.QualityDegradation {
		t.Fatal("expected degradation signal when recent turns collapse in length")
	}
}

func TestConfidenceSaturatesAtOne(t *testing.T) {
	a := NewAnalyzer(Config{})
	s := newSession(t, 2, 1.0)
	appendTurn(t, s, "claude_cli", "codex_cli", "final answer: done, task complete", 0.99)

	r := a.Evaluate(s)
	if r.Confidence > 1.0 {
		t.Fatalf("confidence = %v, must not exceed 1.0", r.Confidence)
	}
	if r.Confidence < 0.8 {
		t.Fatalf("confidence = %v, want explicit+exhaustion >= 0.8", r.Confidence)
	}
}

func TestEvaluateIsDeterministic(t *testing.T) {
	a := NewAnalyzer(Config{})
	s := newSession(t, 8, 2.0)
	appendTurn(t, s, "claude_cli", "codex_cli", "first proposal on indexing strategy", 0.03)
	appendTurn(t, s, "codex_cli", "claude_cli", "counterpoint on write amplification", 0.04)

	first := a.Evaluate(s)
	for i := 0; i < 5; i++ {
		if got := a.Evaluate(s); got.Signals != first.Signals ||
			got.Confidence != first.Confidence ||
			got.ShouldContinue != first.ShouldContinue {
			t.Fatalf("evaluation %d diverged: %+v vs %+v", i, got, first)
		}
	}
}

func TestEmptySessionContinues(t *testing.T) {
	a := NewAnalyzer(Config{})
	s := newSession(t, 10, 2.0)

	r := a.Evaluate(s)
	if !r.ShouldContinue {
		t.Fatal("fresh session must be allowed to continue")
	}
	if r.Confidence != 0 {
		t.Fatalf("confidence = %v, want 0 for no signals", r.Confidence)
	}
}

func TestAutoCompleteInputRatios(t *testing.T) {
	a := NewAnalyzer(Config{})
	s := newSession(t, 10, 2.0)
	appendTurn(t, s, "claude_cli", "codex_cli", "progress update on the shared design", 0.50)

	r := a.Evaluate(s)
	in := a.AutoCompleteInput(s, r)
	if in.TurnBudgetUsedRatio != 0.1 {
		t.Fatalf("turn ratio = %v, want 0.1", in.TurnBudgetUsedRatio)
	}
	if in.CostBudgetUsedRatio != 0.25 {
		t.Fatalf("cost ratio = %v, want 0.25", in.CostBudgetUsedRatio)
	}
}

func TestShingleSimilarity(t *testing.T) {
	a := shingles("alpha beta gamma delta", 3)
	b := shingles("alpha beta gamma delta", 3)
	if got := similarity(a, b); got != 1.0 {
		t.Fatalf("identical content similarity = %v, want 1.0", got)
	}
	c := shingles("entirely different words here now", 3)
	if got := similarity(a, c); got != 0.0 {
		t.Fatalf("disjoint content similarity = %v, want 0.0", got)
	}
	// a pure extension of prior content scores as full overlap
	d := shingles("alpha beta gamma delta epsilon zeta", 3)
	if got := similarity(a, d); got != 1.0 {
		t.Fatalf("extended content similarity = %v, want 1.0", got)
	}
}

func TestExplicitCompletionAloneClearsAutoCompleteGate(t *testing.T) {
	a := NewAnalyzer(Config{})
	s := newSession(t, 10, 5.0)
	appendTurn(t, s, "claude_cli", "codex_cli", "here is the initial proposal for the rollout plan", 0.10)
	appendTurn(t, s, "codex_cli", "claude_cli", "agreed on every point, task complete", 0.12)

	r := a.Evaluate(s)
	if !r.Signals.ExplicitCompletion || r.Signals.ResourceExhaustion {
		t.Fatalf("signals = %+v, want explicit only", r.Signals)
	}
	if r.ExplicitConfidence < 0.8 {
		t.Fatalf("explicit confidence = %v, want >= 0.8 from the lone signal", r.ExplicitConfidence)
	}
	if !s.ShouldAutoComplete(a.AutoCompleteInput(s, r)) {
		t.Fatal("explicit completion with plenty of budget left must auto-complete")
	}
}

func TestRepetitionAloneClearsAutoCompleteGate(t *testing.T) {
	a := NewAnalyzer(Config{})
	s := newSession(t, 20, 10.0)
	text := "the index rebuild must run after every bulk import to keep query plans stable"
	appendTurn(t, s, "claude_cli", "codex_cli", text, 0.01)
	appendTurn(t, s, "codex_cli", "claude_cli", text, 0.01)

	r := a.Evaluate(s)
	if !r.Signals.RepetitiveContent {
		t.Fatalf("signals = %+v, want repetition", r.Signals)
	}
	if r.RepetitionConfidence < 0.7 {
		t.Fatalf("repetition confidence = %v, want >= 0.7 from the lone signal", r.RepetitionConfidence)
	}
	if !s.ShouldAutoComplete(a.AutoCompleteInput(s, r)) {
		t.Fatal("repetition far from any budget limit must auto-complete")
	}
}

func TestExhaustionGateNeedsNearlySpentBudget(t *testing.T) {
	a := NewAnalyzer(Config{})
	s := newSession(t, 4, 10.0)
	for i := 0; i < 3; i++ {
		from, to := "claude_cli", "codex_cli"
		if i%2 == 1 {
			from, to = to, from
		}
		appendTurn(t, s, from, to, fmt.Sprintf("distinct point number %d about the migration sequencing", i), 0.01)
	}

	r := a.Evaluate(s)
	if !r.Signals.ResourceExhaustion {
		t.Fatal("one turn remaining should raise the exhaustion signal")
	}
	// 3 of 4 turns used is below the 95% gate; the session keeps its last turn
	if s.ShouldAutoComplete(a.AutoCompleteInput(s, r)) {
		t.Fatal("exhaustion at 75% of the turn budget must not auto-complete")
	}
}
