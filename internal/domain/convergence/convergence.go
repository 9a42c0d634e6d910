// Package convergence decides when a conversation is expected to add no new
// information. Detection combines explicit completion phrases, content
// repetition, resource exhaustion, and quality degradation into a single
// deterministic report.
package convergence

import (
	"strings"

	"github.com/tab-bridge/tab/internal/domain/session"
)

// Signal names used as the dominant-signal key in a report.
const (
	SignalExplicit    = "explicit_completion"
	SignalExhaustion  = "resource_exhaustion"
	SignalRepetition  = "repetitive_content"
	SignalDegradation = "quality_degradation"
)

// Fixed weights for the composite confidence blend; the sum saturates at 1.0.
const (
	weightExplicit    = 0.5
	weightExhaustion  = 0.3
	weightRepetition  = 0.15
	weightDegradation = 0.05
)

// explicitConfidence is the per-signal confidence of a completion-phrase
// match. Phrase matches are unambiguous, so a lone match clears the
// auto-complete gate without needing a second signal to co-fire.
const explicitConfidence = 0.9

// Config holds the tunable thresholds. Zero values are replaced by defaults.
type Config struct {
	SimilarityThreshold float64  // shingle-overlap threshold for repetition
	ShingleSize         int      // tokens per shingle
	CompletionPhrases   []string // case-insensitive substrings
	ExhaustionCostRatio float64  // remaining-budget fraction treated as empty
	DegradationRatio    float64  // last-3 avg length fraction of session avg
	LookbackTurns       int      // turns compared for repetition
}

// DefaultCompletionPhrases is the stock phrase set; deployments tune it.
var DefaultCompletionPhrases = []string{
	"task complete",
	"task is complete",
	"resolved",
	"합의",
	"final answer",
	"we are in agreement",
	"nothing further to add",
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		SimilarityThreshold: 0.85,
		ShingleSize:         3,
		CompletionPhrases:   DefaultCompletionPhrases,
		ExhaustionCostRatio: 0.05,
		DegradationRatio:    0.2,
		LookbackTurns:       3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SimilarityThreshold <= 0 {
		c.SimilarityThreshold = d.SimilarityThreshold
	}
	if c.ShingleSize <= 0 {
		c.ShingleSize = d.ShingleSize
	}
	if len(c.CompletionPhrases) == 0 {
		c.CompletionPhrases = d.CompletionPhrases
	}
	if c.ExhaustionCostRatio <= 0 {
		c.ExhaustionCostRatio = d.ExhaustionCostRatio
	}
	if c.DegradationRatio <= 0 {
		c.DegradationRatio = d.DegradationRatio
	}
	if c.LookbackTurns <= 0 {
		c.LookbackTurns = d.LookbackTurns
	}
	return c
}

// Signals is the per-check outcome set.
type Signals struct {
	RepetitiveContent  bool `json:"repetitive_content"`
	ExplicitCompletion bool `json:"explicit_completion"`
	ResourceExhaustion bool `json:"resource_exhaustion"`
	QualityDegradation bool `json:"quality_degradation"`
}

// Report is the composite convergence verdict for one session state.
// Confidence is the weighted blend across signals; the per-signal
// confidences feed the auto-complete gates, so a firing signal carries
// enough confidence to clear its own threshold.
type Report struct {
	Signals              Signals  `json:"signals"`
	ShouldContinue       bool     `json:"should_continue"`
	Confidence           float64  `json:"confidence"`
	ExplicitConfidence   float64  `json:"explicit_confidence"`
	ExhaustionConfidence float64  `json:"exhaustion_confidence"`
	RepetitionConfidence float64  `json:"repetition_confidence"`
	Dominant             string   `json:"dominant,omitempty"`
	Recommendations      []string `json:"recommendations,omitempty"`
}

// Analyzer evaluates sessions against a fixed configuration.
type Analyzer struct {
	cfg Config
}

// NewAnalyzer creates an analyzer, filling zero config fields with defaults.
func NewAnalyzer(cfg Config) *Analyzer {
	return &Analyzer{cfg: cfg.withDefaults()}
}

// Evaluate computes the convergence report for the session's current state.
// Pure function of the session; identical inputs yield identical reports.
func (a *Analyzer) Evaluate(s *session.Session) Report {
	var sig Signals
	var repScore float64

	history := s.TurnHistory
	if len(history) > 0 {
		last := &history[len(history)-1]
		sig.ExplicitCompletion = a.matchesCompletionPhrase(last.Content)
		repScore = a.repetitionScore(history)
		sig.RepetitiveContent = repScore >= a.cfg.SimilarityThreshold
	}

	turnsRemaining := s.MaxTurns - s.CurrentTurn
	costRemaining := s.BudgetUSD - s.TotalCostUSD
	sig.ResourceExhaustion = turnsRemaining <= 1 ||
		(s.BudgetUSD > 0 && costRemaining <= a.cfg.ExhaustionCostRatio*s.BudgetUSD)

	sig.QualityDegradation = a.isDegraded(history)

	confidence := 0.0
	if sig.ExplicitCompletion {
		confidence += weightExplicit
	}
	if sig.ResourceExhaustion {
		confidence += weightExhaustion
	}
	if sig.RepetitiveContent {
		confidence += weightRepetition
	}
	if sig.QualityDegradation {
		confidence += weightDegradation
	}
	if confidence > 1 {
		confidence = 1
	}

	r := Report{
		Signals:              sig,
		Confidence:           confidence,
		ExhaustionConfidence: exhaustionConfidence(s),
		RepetitionConfidence: repScore,
	}
	if sig.ExplicitCompletion {
		r.ExplicitConfidence = explicitConfidence
	}
	r.Dominant = dominantSignal(sig)
	r.ShouldContinue = r.Dominant == ""
	r.Recommendations = recommendations(r.Dominant)
	return r
}

// exhaustionConfidence is how far into its turn or cost budget the session
// is, whichever is further, capped at 1.
func exhaustionConfidence(s *session.Session) float64 {
	var ratio float64
	if s.MaxTurns > 0 {
		ratio = float64(s.CurrentTurn) / float64(s.MaxTurns)
	}
	if s.BudgetUSD > 0 {
		if c := s.TotalCostUSD / s.BudgetUSD; c > ratio {
			ratio = c
		}
	}
	if ratio > 1 {
		ratio = 1
	}
	return ratio
}

// AutoCompleteInput converts a report into the session model's decision input.
func (a *Analyzer) AutoCompleteInput(s *session.Session, r Report) session.AutoCompleteInput {
	in := session.AutoCompleteInput{
		ExplicitCompletion:   r.Signals.ExplicitCompletion,
		ResourceExhaustion:   r.Signals.ResourceExhaustion,
		RepetitiveContent:    r.Signals.RepetitiveContent,
		QualityDegradation:   r.Signals.QualityDegradation,
		ExplicitConfidence:   r.ExplicitConfidence,
		ExhaustionConfidence: r.ExhaustionConfidence,
		RepetitionConfidence: r.RepetitionConfidence,
	}
	if s.MaxTurns > 0 {
		in.TurnBudgetUsedRatio = float64(s.CurrentTurn) / float64(s.MaxTurns)
	}
	if s.BudgetUSD > 0 {
		in.CostBudgetUsedRatio = s.TotalCostUSD / s.BudgetUSD
	}
	return in
}

func (a *Analyzer) matchesCompletionPhrase(content string) bool {
	lower := strings.ToLower(content)
	for _, phrase := range a.cfg.CompletionPhrases {
		if strings.Contains(lower, strings.ToLower(phrase)) {
			return true
		}
	}
	return false
}

// repetitionScore compares the last turn against up to LookbackTurns previous
// turns and returns the best shingle-overlap similarity found.
func (a *Analyzer) repetitionScore(history []session.Turn) float64 {
	if len(history) < 2 {
		return 0
	}
	last := shingles(history[len(history)-1].Content, a.cfg.ShingleSize)
	if len(last) == 0 {
		return 0
	}
	start := len(history) - 1 - a.cfg.LookbackTurns
	if start < 0 {
		start = 0
	}
	var best float64
	for i := start; i < len(history)-1; i++ {
		prev := shingles(history[i].Content, a.cfg.ShingleSize)
		if s := similarity(last, prev); s > best {
			best = s
		}
	}
	return best
}

// isDegraded reports content-length collapse: the average over the last three
// turns fell below DegradationRatio of the session-wide average.
func (a *Analyzer) isDegraded(history []session.Turn) bool {
	if len(history) < 4 {
		return false
	}
	var total int
	for i := range history {
		total += len(history[i].Content)
	}
	sessionAvg := float64(total) / float64(len(history))
	if sessionAvg == 0 {
		return false
	}
	var recent int
	for i := len(history) - 3; i < len(history); i++ {
		recent += len(history[i].Content)
	}
	recentAvg := float64(recent) / 3
	return recentAvg < a.cfg.DegradationRatio*sessionAvg
}

func dominantSignal(sig Signals) string {
	switch {
	case sig.ExplicitCompletion:
		return SignalExplicit
	case sig.ResourceExhaustion:
		return SignalExhaustion
	case sig.RepetitiveContent:
		return SignalRepetition
	case sig.QualityDegradation:
		return SignalDegradation
	}
	return ""
}

func recommendations(dominant string) []string {
	switch dominant {
	case SignalExplicit:
		return []string{"close out the session and publish the summary"}
	case SignalExhaustion:
		return []string{"stop before the next turn; budget or turns are spent"}
	case SignalRepetition:
		return []string{"agents are restating prior turns; stop or reframe the topic"}
	case SignalDegradation:
		return []string{"responses are collapsing; stop or inject a new prompt"}
	}
	return nil
}
