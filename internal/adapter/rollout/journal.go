package rollout

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Rollout journals live under <root>/sessions/YYYY/MM/DD/rollout-*.jsonl,
// one file per CLI session, appended as the session runs.

// ErrNoJournal is returned when no journal newer than the spawn time exists.
var ErrNoJournal = errors.New("rollout: no journal file found for this run")

// findJournal returns the journal written by a child spawned at spawnedAt:
// the rollout file with the greatest mtime strictly after the spawn time,
// ties broken by lexicographically greatest filename.
func findJournal(root string, spawnedAt time.Time) (string, error) {
	sessionsDir := filepath.Join(root, "sessions")
	var (
		bestPath  string
		bestMtime time.Time
	)
	err := filepath.WalkDir(sessionsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if !strings.HasPrefix(name, "rollout-") || !strings.HasSuffix(name, ".jsonl") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		mtime := info.ModTime()
		if !mtime.After(spawnedAt) {
			return nil
		}
		switch {
		case mtime.After(bestMtime):
			bestPath, bestMtime = path, mtime
		case mtime.Equal(bestMtime) && filepath.Base(path) > filepath.Base(bestPath):
			bestPath = path
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("rollout: scan %s: %w", sessionsDir, err)
	}
	if bestPath == "" {
		return "", ErrNoJournal
	}
	return bestPath, nil
}

// journalLine is one JSONL entry. The payload shape varies by type; only the
// fields this transport consumes are declared.
type journalLine struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type sessionMeta struct {
	ID string `json:"id"`
}

type responseItem struct {
	Type    string `json:"type"`
	Role    string `json:"role"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

type eventMsg struct {
	Type string `json:"type"`
	Info struct {
		TotalTokenUsage struct {
			InputTokens  int64 `json:"input_tokens"`
			OutputTokens int64 `json:"output_tokens"`
			TotalTokens  int64 `json:"total_tokens"`
		} `json:"total_token_usage"`
	} `json:"info"`
}

// journalOutcome is what one journal parse yields.
type journalOutcome struct {
	sessionID    string
	lastMessage  string
	inputTokens  int64
	outputTokens int64
	skippedLines int
}

// parseJournal reads a rollout file and extracts the CLI session id, the
// final assistant message, and the token totals. Unparseable lines are
// counted and skipped.
func parseJournal(path string) (*journalOutcome, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("rollout: open journal: %w", err)
	}
	defer f.Close()

	out := &journalOutcome{}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var jl journalLine
		if err := json.Unmarshal([]byte(line), &jl); err != nil {
			out.skippedLines++
			continue
		}
		switch jl.Type {
		case "session_meta":
			var meta sessionMeta
			if json.Unmarshal(jl.Payload, &meta) == nil && meta.ID != "" {
				out.sessionID = meta.ID
			}
		case "response_item":
			var item responseItem
			if json.Unmarshal(jl.Payload, &item) != nil {
				continue
			}
			if item.Type != "message" || item.Role != "assistant" {
				continue
			}
			var parts []string
			for _, c := range item.Content {
				if (c.Type == "output_text" || c.Type == "text") && c.Text != "" {
					parts = append(parts, c.Text)
				}
			}
			if len(parts) > 0 {
				out.lastMessage = strings.Join(parts, "\n")
			}
		case "event_msg":
			var ev eventMsg
			if json.Unmarshal(jl.Payload, &ev) != nil {
				continue
			}
			if ev.Type == "token_count" {
				out.inputTokens = ev.Info.TotalTokenUsage.InputTokens
				out.outputTokens = ev.Info.TotalTokenUsage.OutputTokens
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("rollout: read journal: %w", err)
	}
	return out, nil
}

// listJournals returns all rollout files under root sorted by path, used by
// deep health checks to confirm the journal root is readable.
func listJournals(root string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(filepath.Join(root, "sessions"), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.IsDir() && strings.HasPrefix(d.Name(), "rollout-") && strings.HasSuffix(d.Name(), ".jsonl") {
			out = append(out, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}
