package agent

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type fakeAdapter struct {
	desc    Descriptor
	probes  atomic.Int64
	healthy bool
}

func (f *fakeAdapter) ID() string             { return f.desc.ID }
func (f *fakeAdapter) Descriptor() Descriptor { return f.desc }

func (f *fakeAdapter) HealthCheck(ctx context.Context, deep bool) Health {
	f.probes.Add(1)
	return Health{Healthy: f.healthy, CheckedAt: time.Now().UTC()}
}

func (f *fakeAdapter) Submit(ctx context.Context, req Request) (<-chan Event, error) {
	ch := make(chan Event, 1)
	ch <- Event{Kind: EventResult, Result: &Result{Content: "ok"}}
	close(ch)
	return ch, nil
}

func (f *fakeAdapter) Shutdown(ctx context.Context) error { return nil }

func init() {
	RegisterFactory(TransportLineJSON, func(d Descriptor) (Adapter, error) {
		return &fakeAdapter{desc: d, healthy: true}, nil
	})
}

func descriptor(id string) Descriptor {
	return Descriptor{
		ID:        id,
		Kind:      "claude_code",
		Command:   "claude",
		Transport: TransportLineJSON,
		Loading:   LoadingBuiltin,
		Enabled:   true,
	}
}

func TestRegistryAddAndGet(t *testing.T) {
	r, err := NewRegistry(0)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if err := r.Add(descriptor("claude_cli")); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := r.Get("claude_cli"); err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, err := r.Get("missing"); err == nil {
		t.Fatal("expected error for unknown adapter")
	}
}

func TestRegistryRejectsDuplicateID(t *testing.T) {
	r, _ := NewRegistry(0)
	if err := r.Add(descriptor("claude_cli")); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := r.Add(descriptor("claude_cli")); err == nil {
		t.Fatal("expected duplicate id rejection")
	}
}

func TestRegistryValidatesDescriptor(t *testing.T) {
	r, _ := NewRegistry(0)

	d := descriptor("bad")
	d.Transport = "carrier_pigeon"
	if err := r.Add(d); err == nil {
		t.Fatal("expected unknown transport rejection")
	}

	d = descriptor("bad2")
	d.Transport = TransportRolloutJournal
	if err := r.Add(d); err == nil {
		t.Fatal("rollout transport without journal_root must be rejected")
	}

	d = descriptor("")
	if err := r.Add(d); err == nil {
		t.Fatal("expected empty id rejection")
	}
}

func TestLoadSkipsDisabled(t *testing.T) {
	r, _ := NewRegistry(0)
	enabled := descriptor("a")
	disabled := descriptor("b")
	disabled.Enabled = false
	if err := r.Load([]Descriptor{enabled, disabled}); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := r.IDs(); len(got) != 1 || got[0] != "a" {
		t.Fatalf("IDs() = %v, want [a]", got)
	}
}

func TestHealthCheckCachesWithinTTL(t *testing.T) {
	r, err := NewRegistry(time.Minute)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if err := r.Add(descriptor("claude_cli")); err != nil {
		t.Fatalf("add: %v", err)
	}
	a, _ := r.Get("claude_cli")
	fake := a.(*fakeAdapter)

	ctx := context.Background()
	if _, err := r.HealthCheck(ctx, "claude_cli", false); err != nil {
		t.Fatalf("health: %v", err)
	}
	// ristretto applies Set asynchronously
	r.health.Wait()

	for i := 0; i < 5; i++ {
		if _, err := r.HealthCheck(ctx, "claude_cli", false); err != nil {
			t.Fatalf("health: %v", err)
		}
	}
	if n := fake.probes.Load(); n > 2 {
		t.Fatalf("adapter probed %d times, cache should absorb repeats", n)
	}

	// deep checks bypass the cache
	before := fake.probes.Load()
	if _, err := r.HealthCheck(ctx, "claude_cli", true); err != nil {
		t.Fatalf("deep health: %v", err)
	}
	if fake.probes.Load() != before+1 {
		t.Fatal("deep check must hit the adapter")
	}
}

func TestDescribeSortedByID(t *testing.T) {
	r, _ := NewRegistry(0)
	for _, id := range []string{"zeta", "alpha", "mid"} {
		if err := r.Add(descriptor(id)); err != nil {
			t.Fatalf("add %s: %v", id, err)
		}
	}
	descs := r.Describe()
	if len(descs) != 3 || descs[0].ID != "alpha" || descs[2].ID != "zeta" {
		t.Fatalf("Describe() order wrong: %v", descs)
	}
}
