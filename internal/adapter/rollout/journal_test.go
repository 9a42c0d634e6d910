package rollout

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tab-bridge/tab/internal/domain/session"
	"github.com/tab-bridge/tab/internal/port/agent"
)

func writeJournal(t *testing.T, root, name, content string, mtime time.Time) string {
	t.Helper()
	dir := filepath.Join(root, "sessions", "2026", "08", "24")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	return path
}

const sampleJournal = `{"type":"session_meta","payload":{"id":"0199a213-81c0-7800"}}
{"type":"response_item","payload":{"type":"message","role":"user","content":[{"type":"input_text","text":"question"}]}}
not even json
{"type":"response_item","payload":{"type":"message","role":"assistant","content":[{"type":"output_text","text":"first answer"}]}}
{"type":"response_item","payload":{"type":"message","role":"assistant","content":[{"type":"output_text","text":"final answer text"}]}}
{"type":"event_msg","payload":{"type":"token_count","info":{"total_token_usage":{"input_tokens":1200,"output_tokens":340,"total_tokens":1540}}}}
`

func TestParseJournal(t *testing.T) {
	root := t.TempDir()
	path := writeJournal(t, root, "rollout-a.jsonl", sampleJournal, time.Now())

	out, err := parseJournal(path)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if out.sessionID != "0199a213-81c0-7800" {
		t.Fatalf("session id = %q", out.sessionID)
	}
	if out.lastMessage != "final answer text" {
		t.Fatalf("last message = %q, want the final assistant message", out.lastMessage)
	}
	if out.inputTokens != 1200 || out.outputTokens != 340 {
		t.Fatalf("tokens = %d/%d", out.inputTokens, out.outputTokens)
	}
	if out.skippedLines != 1 {
		t.Fatalf("skipped = %d, want 1", out.skippedLines)
	}
}

func TestFindJournalPicksNewestAfterSpawn(t *testing.T) {
	root := t.TempDir()
	base := time.Now().Add(-time.Hour)
	spawn := base.Add(30 * time.Minute)

	writeJournal(t, root, "rollout-old.jsonl", "{}", base)                     // before spawn
	writeJournal(t, root, "rollout-mid.jsonl", "{}", spawn.Add(time.Minute))   // after spawn
	want := writeJournal(t, root, "rollout-new.jsonl", "{}", spawn.Add(2*time.Minute))

	got, err := findJournal(root, spawn)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got != want {
		t.Fatalf("picked %s, want %s", got, want)
	}
}

func TestFindJournalTiebreakIsLexicographic(t *testing.T) {
	root := t.TempDir()
	mtime := time.Now()
	writeJournal(t, root, "rollout-aaa.jsonl", "{}", mtime)
	want := writeJournal(t, root, "rollout-zzz.jsonl", "{}", mtime)

	got, err := findJournal(root, mtime.Add(-time.Second))
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got != want {
		t.Fatalf("picked %s, want lexicographically greatest %s", got, want)
	}
}

func TestFindJournalRejectsOlderThanSpawn(t *testing.T) {
	root := t.TempDir()
	old := time.Now().Add(-time.Hour)
	writeJournal(t, root, "rollout-stale.jsonl", "{}", old)

	_, err := findJournal(root, time.Now())
	if !errors.Is(err, ErrNoJournal) {
		t.Fatalf("err = %v, want ErrNoJournal", err)
	}
}

func TestFindJournalIgnoresForeignFiles(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "sessions", "2026", "08", "24")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, err := findJournal(root, time.Now().Add(-time.Minute))
	if !errors.Is(err, ErrNoJournal) {
		t.Fatalf("err = %v, want ErrNoJournal", err)
	}
}

func TestBuildPromptInjectsContext(t *testing.T) {
	long := make([]byte, 500)
	for i := range long {
		long[i] = 'y'
	}
	req := agent.Request{
		Prompt: "continue the review",
		Context: []session.ContextEntry{
			{FromAgent: "claude_cli", Content: "dropped, only last three survive"},
			{FromAgent: "claude_cli", Content: "first kept point"},
			{FromAgent: "codex_cli", Content: string(long)},
			{FromAgent: "claude_cli", Content: "latest point"},
		},
	}
	got := buildPrompt(req)

	if !contains(got, "Previous conversation:") || !contains(got, "Current request:") {
		t.Fatalf("missing frame: %q", got)
	}
	if contains(got, "dropped, only last three survive") {
		t.Fatal("context window must keep only the last three entries")
	}
	if !contains(got, "[claude_cli]: first kept point") {
		t.Fatalf("missing kept entry: %q", got)
	}
	if !contains(got, "...") {
		t.Fatal("long entries must be truncated with an ellipsis")
	}
	if !contains(got, "continue the review") {
		t.Fatal("prompt body missing")
	}
}

func TestBuildPromptWithoutContext(t *testing.T) {
	req := agent.Request{Prompt: "solo prompt"}
	if got := buildPrompt(req); got != "solo prompt" {
		t.Fatalf("prompt = %q, want unchanged", got)
	}
}

func contains(s, sub string) bool { return strings.Contains(s, sub) }
