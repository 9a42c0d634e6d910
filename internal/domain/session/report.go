package session

import "time"

// SummaryStats are aggregate statistics over a session's turn history.
type SummaryStats struct {
	TotalTurns       int            `json:"total_turns"`
	TotalCostUSD     float64        `json:"total_cost_usd"`
	AvgContentLength float64        `json:"avg_content_length"`
	PerAgentTurns    map[string]int `json:"per_agent_turns"`
	Duration         time.Duration  `json:"duration"`
}

// Stats computes summary statistics for the session.
func (s *Session) Stats() SummaryStats {
	st := SummaryStats{
		TotalTurns:    len(s.TurnHistory),
		TotalCostUSD:  s.TotalCostUSD,
		PerAgentTurns: make(map[string]int),
	}
	var totalLen int
	for i := range s.TurnHistory {
		t := &s.TurnHistory[i]
		totalLen += len(t.Content)
		st.PerAgentTurns[t.FromAgent]++
	}
	if st.TotalTurns > 0 {
		st.AvgContentLength = float64(totalLen) / float64(st.TotalTurns)
		st.Duration = s.TurnHistory[st.TotalTurns-1].Timestamp.Sub(s.TurnHistory[0].Timestamp)
	}
	return st
}

// Progress is a used/total pair for report output.
type Progress struct {
	Used  float64 `json:"used"`
	Total float64 `json:"total"`
}

// StatusReport is a human-facing snapshot of where the session stands.
type StatusReport struct {
	Status         Status   `json:"status"`
	TurnProgress   Progress `json:"turn_progress"`
	BudgetProgress Progress `json:"budget_progress"`
	Indicators     []string `json:"indicators,omitempty"`
	NextActions    []string `json:"next_actions,omitempty"`
}

// Report builds a status report with simple heuristic indicators.
func (s *Session) Report() StatusReport {
	r := StatusReport{
		Status:         s.Status,
		TurnProgress:   Progress{Used: float64(s.CurrentTurn), Total: float64(s.MaxTurns)},
		BudgetProgress: Progress{Used: s.TotalCostUSD, Total: s.BudgetUSD},
	}
	switch {
	case s.Status.IsTerminal():
		r.Indicators = append(r.Indicators, "session "+string(s.Status))
		if s.TerminationReason != "" {
			r.Indicators = append(r.Indicators, s.TerminationReason)
		}
	case s.MaxTurns > 0 && float64(s.CurrentTurn)/float64(s.MaxTurns) >= 0.8:
		r.Indicators = append(r.Indicators, "turn budget nearly exhausted")
		r.NextActions = append(r.NextActions, "summarize and converge")
	case s.BudgetUSD > 0 && s.TotalCostUSD/s.BudgetUSD >= 0.8:
		r.Indicators = append(r.Indicators, "cost budget nearly exhausted")
		r.NextActions = append(r.NextActions, "summarize and converge")
	default:
		r.NextActions = append(r.NextActions, "continue conversation")
	}
	return r
}

// AutoCompleteInput is the convergence evidence considered by
// ShouldAutoComplete. It is produced by the convergence analyzer; each gate
// checks the confidence of its own signal.
type AutoCompleteInput struct {
	ExplicitCompletion   bool
	ResourceExhaustion   bool
	RepetitiveContent    bool
	QualityDegradation   bool
	ExplicitConfidence   float64
	ExhaustionConfidence float64
	RepetitionConfidence float64
	TurnBudgetUsedRatio  float64
	CostBudgetUsedRatio  float64
}

// ShouldAutoComplete decides whether the session should be closed out based
// on a convergence report and resource state. Pure; never blocks.
func (s *Session) ShouldAutoComplete(in AutoCompleteInput) bool {
	if s.Status.IsTerminal() {
		return false
	}
	if in.ExplicitCompletion && in.ExplicitConfidence >= 0.8 {
		return true
	}
	exhausted := in.TurnBudgetUsedRatio >= 0.95 || in.CostBudgetUsedRatio >= 0.95
	if exhausted && in.ExhaustionConfidence >= 0.6 {
		return true
	}
	if in.RepetitiveContent && in.RepetitionConfidence >= 0.7 {
		return true
	}
	return false
}
