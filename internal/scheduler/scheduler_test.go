package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentgate/internal/bus"
	"github.com/nextlevelbuilder/agentgate/internal/config"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestDebounceCoalescesBurst(t *testing.T) {
	var mu sync.Mutex
	var tasks []Task
	s := New(config.SchedulerConfig{}, func(_ context.Context, task Task) {
		mu.Lock()
		tasks = append(tasks, task)
		mu.Unlock()
	}, discard())
	defer s.Shutdown(context.Background())

	key := "agent:a1:peer:x:acc:u1"
	for i := 0; i < 3; i++ {
		s.Submit(key, "a1", "message", bus.Envelope{Text: "msg"}, 30*time.Millisecond)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(tasks) == 1
	}, "burst never flushed")

	mu.Lock()
	defer mu.Unlock()
	if len(tasks[0].Envelopes) != 3 {
		t.Errorf("coalesced %d envelopes, want 3", len(tasks[0].Envelopes))
	}
	if tasks[0].SessionKey != key || tasks[0].AgentID != "a1" {
		t.Errorf("task = %+v", tasks[0])
	}
}

func TestAtMostOneRunPerSession(t *testing.T) {
	var active, maxActive int32
	release := make(chan struct{})
	s := New(config.SchedulerConfig{MaxConcurrentRuns: 8}, func(_ context.Context, task Task) {
		n := atomic.AddInt32(&active, 1)
		for {
			old := atomic.LoadInt32(&maxActive)
			if n <= old || atomic.CompareAndSwapInt32(&maxActive, old, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&active, -1)
	}, discard())
	defer s.Shutdown(context.Background())

	key := "agent:a1:peer:x:acc:u1"
	s.Submit(key, "a1", "message", bus.Envelope{Text: "first"}, 0)
	waitFor(t, func() bool { return s.Busy(key) }, "first run never started")

	// Work arriving mid-run queues; it must not start a second run.
	s.Submit(key, "a1", "message", bus.Envelope{Text: "second"}, 0)
	time.Sleep(20 * time.Millisecond)
	if got := atomic.LoadInt32(&active); got != 1 {
		t.Fatalf("active runs = %d, want 1", got)
	}
	if s.Pending(key) != 1 {
		t.Fatalf("pending = %d, want 1", s.Pending(key))
	}

	close(release)
	waitFor(t, func() bool { return !s.Busy(key) && s.Pending(key) == 0 }, "queued work never ran")
	if atomic.LoadInt32(&maxActive) != 1 {
		t.Errorf("max concurrent runs for one session = %d", maxActive)
	}
}

func TestGlobalConcurrencyCap(t *testing.T) {
	var active, maxActive int32
	release := make(chan struct{})
	s := New(config.SchedulerConfig{MaxConcurrentRuns: 2}, func(_ context.Context, task Task) {
		n := atomic.AddInt32(&active, 1)
		for {
			old := atomic.LoadInt32(&maxActive)
			if n <= old || atomic.CompareAndSwapInt32(&maxActive, old, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&active, -1)
	}, discard())
	defer s.Shutdown(context.Background())

	keys := []string{
		"agent:a1:peer:x:acc:u1",
		"agent:a1:peer:x:acc:u2",
		"agent:a1:peer:x:acc:u3",
		"agent:a1:peer:x:acc:u4",
	}
	for _, k := range keys {
		s.Submit(k, "a1", "message", bus.Envelope{Text: "go"}, 0)
	}
	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&active); got != 2 {
		t.Errorf("active = %d, want 2 (cap)", got)
	}
	close(release)
	waitFor(t, func() bool {
		for _, k := range keys {
			if s.Busy(k) {
				return false
			}
		}
		return true
	}, "runs never drained")
	if atomic.LoadInt32(&maxActive) > 2 {
		t.Errorf("max active = %d, cap was 2", maxActive)
	}
}

func TestAbortCancelsRun(t *testing.T) {
	started := make(chan struct{})
	var sawCancel atomic.Bool
	s := New(config.SchedulerConfig{AbortGraceSeconds: 2}, func(ctx context.Context, task Task) {
		close(started)
		<-ctx.Done()
		sawCancel.Store(true)
	}, discard())
	defer s.Shutdown(context.Background())

	key := "agent:a1:peer:x:acc:u1"
	s.Submit(key, "a1", "message", bus.Envelope{Text: "long"}, 0)
	<-started

	// Queue one more, then abort with drop_pending.
	s.Submit(key, "a1", "message", bus.Envelope{Text: "queued"}, time.Hour)
	if !s.Abort(key, true) {
		t.Fatal("abort reported no run")
	}
	if !sawCancel.Load() {
		t.Error("run did not observe cancellation before abort returned")
	}
	if s.Pending(key) != 0 {
		t.Errorf("pending = %d after drop, want 0", s.Pending(key))
	}
	if s.Abort(key, false) {
		t.Error("second abort found a run")
	}
}

func TestAbortWithoutDropKeepsQueue(t *testing.T) {
	started := make(chan struct{}, 4)
	block := make(chan struct{})
	first := true
	var mu sync.Mutex
	var texts []string
	s := New(config.SchedulerConfig{AbortGraceSeconds: 2}, func(ctx context.Context, task Task) {
		started <- struct{}{}
		mu.Lock()
		blockThis := first
		first = false
		for _, e := range task.Envelopes {
			texts = append(texts, e.Text)
		}
		mu.Unlock()
		if blockThis {
			select {
			case <-ctx.Done():
			case <-block:
			}
		}
	}, discard())
	defer s.Shutdown(context.Background())

	key := "agent:a1:peer:x:acc:u1"
	s.Submit(key, "a1", "message", bus.Envelope{Text: "one"}, 0)
	<-started
	s.Submit(key, "a1", "message", bus.Envelope{Text: "two"}, time.Hour)

	// Without drop_pending the queued envelope survives and runs as soon as
	// the aborted run drains.
	s.Abort(key, false)
	s.Submit(key, "a1", "message", bus.Envelope{Text: "three"}, 0)
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(texts) == 3
	}, "pending envelope lost after abort")
}

func TestAttachmentDedupeAcrossBurst(t *testing.T) {
	envs := []bus.Envelope{
		{Text: "a", Attachments: []bus.Attachment{{Hash: "h1"}, {Hash: "h2"}}},
		{Text: "b", Attachments: []bus.Attachment{{Hash: "h1"}}},
		{Text: "c", Attachments: []bus.Attachment{{Hash: "h3"}, {Hash: "h2"}}},
	}
	out := dedupeAttachments(envs)
	var hashes []string
	for _, e := range out {
		for _, a := range e.Attachments {
			hashes = append(hashes, a.Hash)
		}
	}
	want := []string{"h1", "h2", "h3"}
	if len(hashes) != len(want) {
		t.Fatalf("hashes = %v, want %v", hashes, want)
	}
	for i := range want {
		if hashes[i] != want[i] {
			t.Errorf("hashes[%d] = %s, want %s", i, hashes[i], want[i])
		}
	}
	// Input not mutated.
	if len(envs[1].Attachments) != 1 {
		t.Error("input slice mutated")
	}
}

func TestEvictIdle(t *testing.T) {
	s := New(config.SchedulerConfig{IdleEvictMinutes: 1}, func(context.Context, Task) {}, discard())
	defer s.Shutdown(context.Background())

	key := "agent:a1:peer:x:acc:u1"
	s.Submit(key, "a1", "message", bus.Envelope{Text: "hi"}, 0)
	waitFor(t, func() bool { return !s.Busy(key) }, "run never finished")

	if n := s.EvictIdle(time.Now()); n != 0 {
		t.Errorf("evicted %d fresh lanes", n)
	}
	if n := s.EvictIdle(time.Now().Add(2 * time.Minute)); n != 1 {
		t.Errorf("evicted = %d, want 1", n)
	}
}

func TestShutdownCancelsRuns(t *testing.T) {
	started := make(chan struct{})
	s := New(config.SchedulerConfig{}, func(ctx context.Context, task Task) {
		close(started)
		<-ctx.Done()
	}, discard())

	s.Submit("agent:a1:peer:x:acc:u1", "a1", "message", bus.Envelope{}, 0)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
