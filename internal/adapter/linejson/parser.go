package linejson

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// MaxLineBytes caps a single stdout line. A child emitting a longer line is
// malfunctioning; the stream is abandoned rather than buffered unboundedly.
const MaxLineBytes = 1 << 20

// ErrLineTooLong marks a stdout line exceeding MaxLineBytes.
var ErrLineTooLong = errors.New("linejson: stdout line exceeds 1 MiB")

// streamLine is the wire shape of one stdout line. Unknown types and fields
// are tolerated and ignored.
type streamLine struct {
	Type      string  `json:"type"`
	Subtype   string  `json:"subtype"`
	SessionID string  `json:"session_id"`
	Result    string  `json:"result"`
	IsError   bool    `json:"is_error"`
	CostUSD   float64 `json:"cost_usd"`
	TotalUSD  float64 `json:"total_cost_usd"`
	Duration  int64   `json:"duration_ms"`
	Message   struct {
		Content []contentBlock `json:"content"`
	} `json:"message"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// parseOutcome accumulates what a stream produced.
type parseOutcome struct {
	sessionID    string
	finalText    string
	assistant    []string
	costUSD      float64
	durationMS   int64
	resultSeen   bool
	resultError  bool
	skippedLines int
}

// text joins the assistant content when the result line carried none.
func (o *parseOutcome) text() string {
	if o.finalText != "" {
		return o.finalText
	}
	return strings.Join(o.assistant, "\n")
}

// parseStream consumes newline-delimited JSON until EOF. Non-JSON lines are
// skipped and counted; onContent is called for each assistant text block as
// it arrives so callers can stream partial output.
func parseStream(r io.Reader, onContent func(string)) (*parseOutcome, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), MaxLineBytes)

	out := &parseOutcome{}
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var sl streamLine
		if err := json.Unmarshal([]byte(line), &sl); err != nil {
			out.skippedLines++
			continue
		}
		switch sl.Type {
		case "system":
			if sl.SessionID != "" {
				out.sessionID = sl.SessionID
			}
		case "assistant":
			for _, block := range sl.Message.Content {
				if block.Type == "text" && block.Text != "" {
					out.assistant = append(out.assistant, block.Text)
					if onContent != nil {
						onContent(block.Text)
					}
				}
			}
		case "result":
			out.resultSeen = true
			out.resultError = sl.IsError || sl.Subtype == "error"
			out.finalText = sl.Result
			if sl.SessionID != "" {
				out.sessionID = sl.SessionID
			}
			out.costUSD = sl.CostUSD
			if out.costUSD == 0 {
				out.costUSD = sl.TotalUSD
			}
			out.durationMS = sl.Duration
		}
	}
	if err := sc.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return out, ErrLineTooLong
		}
		return out, fmt.Errorf("linejson: read stdout: %w", err)
	}
	return out, nil
}
