// Package rollout runs an agent CLI whose structured output is not on
// stdout but in session journal files it writes to disk. After the child
// exits, the newest journal is located and parsed for the assistant's final
// message and token usage.
package rollout

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/tab-bridge/tab/internal/port/agent"
)

const killGrace = 5 * time.Second

// defaultDeadline is longer than the line-JSON transport's; journal-writing
// CLIs tend to run multi-step plans before answering.
const defaultDeadline = 180 * time.Second

func init() {
	agent.RegisterFactory(agent.TransportRolloutJournal, func(d agent.Descriptor) (agent.Adapter, error) {
		return New(d, slog.Default())
	})
}

// Adapter submits turns to a journal-writing CLI.
type Adapter struct {
	desc agent.Descriptor
	log  *slog.Logger
}

// New builds the adapter. The descriptor must carry the journal root.
func New(d agent.Descriptor, log *slog.Logger) (*Adapter, error) {
	if d.Command == "" {
		return nil, fmt.Errorf("rollout: adapter %q: command is required", d.ID)
	}
	if d.JournalRoot == "" {
		return nil, fmt.Errorf("rollout: adapter %q: journal_root is required", d.ID)
	}
	return &Adapter{desc: d, log: log.With("adapter", d.ID)}, nil
}

func (a *Adapter) ID() string                   { return a.desc.ID }
func (a *Adapter) Descriptor() agent.Descriptor { return a.desc }

// HealthCheck probes `<command> --version`; deep checks also confirm the
// journal root is readable.
func (a *Adapter) HealthCheck(ctx context.Context, deep bool) agent.Health {
	probe, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	h := agent.Health{CheckedAt: time.Now().UTC()}
	out, err := exec.CommandContext(probe, a.desc.Command, "--version").Output()
	if err != nil {
		h.Detail = fmt.Sprintf("version probe failed: %v", err)
		return h
	}
	h.Healthy = true
	h.Version = strings.TrimSpace(string(out))

	if deep {
		if _, err := listJournals(a.desc.JournalRoot); err != nil {
			h.Healthy = false
			h.Detail = fmt.Sprintf("journal root unreadable: %v", err)
		}
	}
	return h
}

// Submit spawns the CLI, waits for it to exit, then recovers the result from
// the journal it wrote.
func (a *Adapter) Submit(ctx context.Context, req agent.Request) (<-chan agent.Event, error) {
	if req.Prompt == "" {
		return nil, agent.NewError(a.desc.ID, agent.FailurePermanent, errors.New("empty prompt"))
	}
	events := make(chan agent.Event, 4)
	go a.run(ctx, req, events)
	return events, nil
}

func (a *Adapter) run(ctx context.Context, req agent.Request, events chan<- agent.Event) {
	defer close(events)

	deadline := req.Deadline
	if deadline <= 0 {
		deadline = defaultDeadline
	}
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	fail := func(class agent.FailureClass, err error) {
		events <- agent.Event{Kind: agent.EventError, Err: agent.NewError(a.desc.ID, class, err)}
	}

	args := append([]string(nil), a.desc.Args...)
	if req.ResumeID != "" {
		args = append(args, "resume", req.ResumeID)
	}
	args = append(args, buildPrompt(req))

	cmd := exec.Command(a.desc.Command, args...)
	cmd.Env = a.buildEnv()
	if req.WorkingDir != "" {
		cmd.Dir = req.WorkingDir
	} else if a.desc.WorkingDir != "" {
		cmd.Dir = a.desc.WorkingDir
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	// the journal must be newer than this instant to count as ours
	spawnedAt := time.Now().Add(-time.Millisecond)
	start := time.Now()
	if err := cmd.Start(); err != nil {
		fail(agent.FailurePermanent, fmt.Errorf("spawn %s: %w", a.desc.Command, err))
		return
	}
	events <- agent.Event{Kind: agent.EventStarted}
	a.log.Debug("child started", "pid", cmd.Process.Pid, "session", req.SessionID, "turn", req.TurnID)

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	var waitErr error
	select {
	case waitErr = <-waitDone:
	case <-runCtx.Done():
		a.terminate(cmd)
		<-waitDone
		if ctx.Err() != nil {
			fail(agent.FailureCancelled, ctx.Err())
		} else {
			fail(agent.FailureTransient, fmt.Errorf("turn deadline %s exceeded", deadline))
		}
		return
	}
	elapsed := time.Since(start)
	if waitErr != nil {
		fail(agent.FailureTransient, fmt.Errorf("child exited: %w", waitErr))
		return
	}

	path, err := findJournal(a.desc.JournalRoot, spawnedAt)
	if err != nil {
		fail(agent.FailureTransient, err)
		return
	}
	outcome, err := parseJournal(path)
	if err != nil {
		fail(agent.FailureTransient, err)
		return
	}
	if outcome.skippedLines > 0 {
		a.log.Warn("skipped unparseable journal lines", "count", outcome.skippedLines, "path", path)
	}

	content := outcome.lastMessage
	if content == "" {
		// stdout is the fallback when the journal carries no message
		content = strings.TrimSpace(stdout.String())
	}
	if content == "" {
		fail(agent.FailureTransient, errors.New("journal carried no assistant message"))
		return
	}

	events <- agent.Event{Kind: agent.EventResult, Result: &agent.Result{
		Content:  content,
		ResumeID: outcome.sessionID,
		// this transport exposes token counts, not dollars
		CostUSD:       0,
		CostEstimated: true,
		Duration:      elapsed,
		Raw: map[string]any{
			"journal_path":  path,
			"input_tokens":  outcome.inputTokens,
			"output_tokens": outcome.outputTokens,
		},
	}}
}

func (a *Adapter) terminate(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid := -cmd.Process.Pid
	_ = syscall.Kill(pgid, syscall.SIGTERM)
	go func() {
		time.Sleep(killGrace)
		_ = syscall.Kill(pgid, syscall.SIGKILL)
	}()
}

func (a *Adapter) buildEnv() []string {
	allow := a.desc.EnvAllowlist
	if len(allow) == 0 {
		allow = []string{"PATH", "HOME", "LANG", "TERM"}
	}
	allowed := make(map[string]bool, len(allow))
	for _, k := range allow {
		allowed[k] = true
	}
	var env []string
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 && allowed[kv[:i]] {
			env = append(env, kv)
		}
	}
	for k, v := range a.desc.Env {
		env = append(env, k+"="+v)
	}
	return env
}

func (a *Adapter) Shutdown(ctx context.Context) error { return nil }
