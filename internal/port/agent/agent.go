// Package agent defines the adapter contract between the orchestrator and
// coding-agent CLI subprocesses, plus the registry that owns adapter
// lifecycle. The orchestrator talks to adapters only through these types.
package agent

import (
	"context"
	"time"

	"github.com/tab-bridge/tab/internal/domain/session"
)

// Transport names how an adapter recovers structured output from its CLI.
type Transport string

const (
	// TransportLineJSON parses newline-delimited JSON from the child's stdout.
	TransportLineJSON Transport = "line_json_stdout"
	// TransportRolloutJournal reads the child's session journal files from disk.
	TransportRolloutJournal Transport = "rollout_journal"
)

// Loading names how an adapter implementation is resolved.
type Loading string

const (
	LoadingBuiltin     Loading = "builtin"
	LoadingPluginEntry Loading = "plugin_entry_point"
	LoadingModuleClass Loading = "module_class"
)

// FailureClass classifies a failed submission for retry and failover
// decisions.
type FailureClass string

const (
	// FailureTransient covers timeouts, crashes, and parse failures; the
	// caller may retry.
	FailureTransient FailureClass = "transient"
	// FailurePermanent covers misconfiguration and policy blocks; retrying
	// cannot help.
	FailurePermanent FailureClass = "permanent"
	// FailureCancelled means the caller's context was cancelled.
	FailureCancelled FailureClass = "cancelled"
)

// Error is a classified adapter failure.
type Error struct {
	AdapterID string
	Class     FailureClass
	Err       error
}

func (e *Error) Error() string {
	return "adapter " + e.AdapterID + " (" + string(e.Class) + "): " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with the adapter id and failure class.
func NewError(adapterID string, class FailureClass, err error) *Error {
	return &Error{AdapterID: adapterID, Class: class, Err: err}
}

// Descriptor is the static registration record for an adapter. Capabilities
// and transport are declared here; the kind string is informational and is
// never used to select behavior.
type Descriptor struct {
	ID           string            `json:"id" yaml:"id"`
	Kind         string            `json:"kind" yaml:"kind"`
	Command      string            `json:"command" yaml:"command"`
	Args         []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Transport    Transport         `json:"transport" yaml:"transport"`
	Loading      Loading           `json:"loading" yaml:"loading"`
	EnvAllowlist []string          `json:"env_allowlist,omitempty" yaml:"env_allowlist,omitempty"`
	Env          map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	WorkingDir   string            `json:"working_dir,omitempty" yaml:"working_dir,omitempty"`
	JournalRoot  string            `json:"journal_root,omitempty" yaml:"journal_root,omitempty"`
	Enabled      bool              `json:"enabled" yaml:"enabled"`
}

// Request is one turn submitted to an adapter.
type Request struct {
	SessionID string
	TurnID    string
	Prompt    string
	// Context carries recent turns in normalized chat shape; adapters that
	// cannot resume a native session re-inject it into the prompt.
	Context []session.ContextEntry
	// ResumeID is the adapter-native session id from the previous turn,
	// empty on the first turn.
	ResumeID   string
	Policy     session.PolicySnapshot
	WorkingDir string
	// Deadline bounds the child's execution for this turn.
	Deadline time.Duration
}

// EventKind marks the stage a streamed event belongs to.
type EventKind string

const (
	EventStarted EventKind = "started"
	EventContent EventKind = "content"
	EventResult  EventKind = "result"
	EventError   EventKind = "error"
)

// Event is one element of a submission's output stream. The stream ends with
// exactly one EventResult or EventError, after which the channel closes.
type Event struct {
	Kind    EventKind
	Content string
	Result  *Result
	Err     error
}

// Result is the terminal outcome of a successful submission.
type Result struct {
	Content string
	// ResumeID is the adapter-native session id to pass on the next turn.
	ResumeID string
	CostUSD  float64
	// CostEstimated is set when the transport exposes no cost and the value
	// was derived or zeroed.
	CostEstimated bool
	Duration      time.Duration
	Raw           map[string]any
}

// Health is a point-in-time adapter health report.
type Health struct {
	Healthy   bool      `json:"healthy"`
	Detail    string    `json:"detail,omitempty"`
	Version   string    `json:"version,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Adapter is implemented by every agent backend. Submit never blocks beyond
// process spawn; output arrives on the returned channel until the terminal
// event. Implementations must honor ctx cancellation by terminating the
// child.
type Adapter interface {
	ID() string
	Descriptor() Descriptor
	HealthCheck(ctx context.Context, deep bool) Health
	Submit(ctx context.Context, req Request) (<-chan Event, error)
	Shutdown(ctx context.Context) error
}

// Factory builds an adapter from its descriptor.
type Factory func(d Descriptor) (Adapter, error)
