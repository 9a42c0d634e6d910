package logger

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type recordingHandler struct {
	mu   sync.Mutex
	recs []slog.Record
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordingHandler) Handle(_ context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recs = append(h.recs, rec)
	return nil
}

func (h *recordingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *recordingHandler) WithGroup(string) slog.Handler      { return h }

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.recs)
}

func TestAsyncHandlerBasicWrite(t *testing.T) {
	inner := &recordingHandler{}
	h := NewAsyncHandler(inner, 16, 1)
	log := slog.New(h)

	log.Info("one")
	log.Info("two")
	h.Close()

	if got := inner.count(); got != 2 {
		t.Fatalf("expected 2 records, got %d", got)
	}
}

func TestAsyncHandlerConcurrentWrites(t *testing.T) {
	inner := &recordingHandler{}
	h := NewAsyncHandler(inner, 1024, 4)
	log := slog.New(h)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 50 {
				log.Info("msg", "i", i)
			}
		}()
	}
	wg.Wait()
	h.Close()

	if got := inner.count(); got != 500 {
		t.Fatalf("expected 500 records, got %d", got)
	}
}

func TestAsyncHandlerChannelFullDrops(t *testing.T) {
	inner := &recordingHandler{}
	h := &AsyncHandler{
		next:    inner,
		queue:   make(chan slog.Record, 1),
		writers: &sync.WaitGroup{},
		lost:    &atomic.Int64{},
	}
	// no workers draining; second record must be dropped
	rec := slog.NewRecord(time.Now(), slog.LevelInfo, "m", 0)
	_ = h.Handle(context.Background(), rec)
	_ = h.Handle(context.Background(), rec)

	if h.Lost() != 1 {
		t.Fatalf("expected 1 lost record, got %d", h.Lost())
	}
}

func TestAsyncHandlerCloseFlushesRemaining(t *testing.T) {
	inner := &recordingHandler{}
	h := NewAsyncHandler(inner, 256, 1)
	log := slog.New(h)

	for i := range 100 {
		log.Info("msg", "i", i)
	}
	h.Close()

	if got := inner.count(); got != 100 {
		t.Fatalf("expected all 100 records flushed on close, got %d", got)
	}
}
