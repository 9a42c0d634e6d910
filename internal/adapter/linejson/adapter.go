// Package linejson runs an agent CLI as a subprocess and recovers its output
// from newline-delimited JSON on stdout. This is the transport used by CLIs
// that support a streaming JSON output mode natively.
package linejson

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/tab-bridge/tab/internal/port/agent"
)

// killGrace is how long a child gets between SIGTERM and SIGKILL.
const killGrace = 5 * time.Second

// defaultDeadline bounds one turn when the request carries none.
const defaultDeadline = 120 * time.Second

func init() {
	agent.RegisterFactory(agent.TransportLineJSON, func(d agent.Descriptor) (agent.Adapter, error) {
		return New(d, slog.Default())
	})
}

// Adapter submits turns to a line-JSON CLI.
type Adapter struct {
	desc agent.Descriptor
	log  *slog.Logger
}

// New builds the adapter from its descriptor.
func New(d agent.Descriptor, log *slog.Logger) (*Adapter, error) {
	if d.Command == "" {
		return nil, fmt.Errorf("linejson: adapter %q: command is required", d.ID)
	}
	return &Adapter{desc: d, log: log.With("adapter", d.ID)}, nil
}

func (a *Adapter) ID() string                   { return a.desc.ID }
func (a *Adapter) Descriptor() agent.Descriptor { return a.desc }

// HealthCheck runs `<command> --version` with a short timeout. Deep checks
// additionally submit a trivial prompt end to end.
func (a *Adapter) HealthCheck(ctx context.Context, deep bool) agent.Health {
	probe, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(probe, a.desc.Command, "--version").Output()
	h := agent.Health{CheckedAt: time.Now().UTC()}
	if err != nil {
		h.Detail = fmt.Sprintf("version probe failed: %v", err)
		return h
	}
	h.Healthy = true
	h.Version = strings.TrimSpace(string(out))

	if deep {
		deepCtx, cancelDeep := context.WithTimeout(ctx, 30*time.Second)
		defer cancelDeep()
		if err := a.deepProbe(deepCtx); err != nil {
			h.Healthy = false
			h.Detail = fmt.Sprintf("deep probe failed: %v", err)
		}
	}
	return h
}

func (a *Adapter) deepProbe(ctx context.Context) error {
	events, err := a.Submit(ctx, agent.Request{
		SessionID: "health",
		TurnID:    "health",
		Prompt:    "Respond with the single word OK.",
		Deadline:  25 * time.Second,
	})
	if err != nil {
		return err
	}
	for ev := range events {
		if ev.Kind == agent.EventError {
			return ev.Err
		}
	}
	return nil
}

// Submit spawns the CLI for one turn and streams its output. The returned
// channel closes after exactly one terminal event.
func (a *Adapter) Submit(ctx context.Context, req agent.Request) (<-chan agent.Event, error) {
	if req.Prompt == "" {
		return nil, agent.NewError(a.desc.ID, agent.FailurePermanent, errors.New("empty prompt"))
	}
	deadline := req.Deadline
	if deadline <= 0 {
		deadline = defaultDeadline
	}

	cmd := exec.Command(a.desc.Command, a.buildArgs(req)...)
	cmd.Env = a.buildEnv()
	if req.WorkingDir != "" {
		cmd.Dir = req.WorkingDir
	} else if a.desc.WorkingDir != "" {
		cmd.Dir = a.desc.WorkingDir
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, agent.NewError(a.desc.ID, agent.FailureTransient, fmt.Errorf("stdout pipe: %w", err))
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, agent.NewError(a.desc.ID, agent.FailurePermanent, fmt.Errorf("spawn %s: %w", a.desc.Command, err))
	}
	a.log.Debug("child started", "pid", cmd.Process.Pid, "session", req.SessionID, "turn", req.TurnID)

	events := make(chan agent.Event, 16)
	go a.run(ctx, cmd, stdout, req, start, deadline, events)
	return events, nil
}

func (a *Adapter) run(ctx context.Context, cmd *exec.Cmd, stdout io.Reader,
	req agent.Request, start time.Time, deadline time.Duration, events chan<- agent.Event) {
	defer close(events)
	events <- agent.Event{Kind: agent.EventStarted}

	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	// reap the child if the context ends before stdout does
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-runCtx.Done():
			a.terminate(cmd)
		case <-done:
		}
	}()

	outcome, parseErr := parseStream(stdout, func(text string) {
		select {
		case events <- agent.Event{Kind: agent.EventContent, Content: text}:
		default: // never block the reader on a slow consumer
		}
	})
	waitErr := cmd.Wait()
	elapsed := time.Since(start)

	if outcome.skippedLines > 0 {
		a.log.Warn("skipped non-json stdout lines", "count", outcome.skippedLines, "turn", req.TurnID)
	}

	fail := func(class agent.FailureClass, err error) {
		events <- agent.Event{Kind: agent.EventError, Err: agent.NewError(a.desc.ID, class, err)}
	}

	switch {
	case ctx.Err() != nil:
		fail(agent.FailureCancelled, ctx.Err())
	case runCtx.Err() != nil:
		fail(agent.FailureTransient, fmt.Errorf("turn deadline %s exceeded", deadline))
	case parseErr != nil:
		fail(agent.FailureTransient, parseErr)
	case waitErr != nil:
		fail(agent.FailureTransient, fmt.Errorf("child exited: %w", waitErr))
	case !outcome.resultSeen:
		fail(agent.FailureTransient, errors.New("stream ended without a result line"))
	case outcome.resultError:
		fail(agent.FailureTransient, fmt.Errorf("agent reported error: %s", firstLine(outcome.text())))
	case outcome.text() == "":
		fail(agent.FailureTransient, errors.New("result carried no content"))
	default:
		duration := elapsed
		if outcome.durationMS > 0 {
			duration = time.Duration(outcome.durationMS) * time.Millisecond
		}
		events <- agent.Event{Kind: agent.EventResult, Result: &agent.Result{
			Content:  outcome.text(),
			ResumeID: outcome.sessionID,
			CostUSD:  outcome.costUSD,
			Duration: duration,
		}}
	}
}

// terminate sends SIGTERM to the child's process group and escalates to
// SIGKILL after the grace period.
func (a *Adapter) terminate(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid := -cmd.Process.Pid
	_ = syscall.Kill(pgid, syscall.SIGTERM)
	go func() {
		time.Sleep(killGrace)
		// no-op if the group is already gone
		_ = syscall.Kill(pgid, syscall.SIGKILL)
	}()
}

// buildArgs assembles the CLI invocation for one turn: descriptor args,
// the prompt, the streaming output flags, policy flags, and resume.
func (a *Adapter) buildArgs(req agent.Request) []string {
	args := append([]string(nil), a.desc.Args...)
	args = append(args, "-p", req.Prompt, "--output-format", "stream-json", "--verbose")
	if req.ResumeID != "" {
		args = append(args, "--resume", req.ResumeID)
	}
	if req.Policy.PermissionMode != "" {
		args = append(args, "--permission-mode", req.Policy.PermissionMode)
	}
	if len(req.Policy.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(req.Policy.AllowedTools, ","))
	}
	if len(req.Policy.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(req.Policy.DisallowedTools, ","))
	}
	return args
}

// buildEnv passes through only allowlisted variables plus descriptor
// overrides. An empty allowlist passes a minimal PATH/HOME environment.
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

// Shutdown is stateless for this transport; children are reaped per turn.
func (a *Adapter) Shutdown(ctx context.Context) error { return nil }

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
