// Package scheduler dispatches session runs on per-session lanes. Each lane
// owns one session key: inbound work queues FIFO, debounce coalesces bursts
// into a single task, and at most one run per session executes at a time. A
// weighted semaphore bounds runs across all lanes.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/nextlevelbuilder/agentgate/internal/bus"
	"github.com/nextlevelbuilder/agentgate/internal/config"
)

// Task is one coalesced unit of work for a session.
type Task struct {
	SessionKey string
	AgentID    string
	Envelopes  []bus.Envelope
	Trigger    string // "message", "rpc", "cron"
}

// RunFunc executes a task. The context is cancelled on abort and shutdown.
type RunFunc func(ctx context.Context, task Task)

// Scheduler owns the lanes.
type Scheduler struct {
	run       RunFunc
	sem       *semaphore.Weighted
	grace     time.Duration
	idleEvict time.Duration
	log       *slog.Logger

	mu     sync.Mutex
	lanes  map[string]*lane
	closed bool

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type lane struct {
	key     string
	agentID string

	mu         sync.Mutex
	queue      []bus.Envelope
	trigger    string
	timer      *time.Timer
	running    bool
	runCancel  context.CancelFunc
	runDone    chan struct{}
	lastActive time.Time
}

// New builds a scheduler. run is invoked once per coalesced task.
func New(cfg config.SchedulerConfig, run RunFunc, log *slog.Logger) *Scheduler {
	maxRuns := cfg.MaxConcurrentRuns
	if maxRuns <= 0 {
		maxRuns = 4
	}
	idle := time.Duration(cfg.IdleEvictMinutes) * time.Minute
	if idle <= 0 {
		idle = 30 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		run:       run,
		sem:       semaphore.NewWeighted(int64(maxRuns)),
		grace:     cfg.AbortGrace(),
		idleEvict: idle,
		log:       log,
		lanes:     make(map[string]*lane),
		baseCtx:   ctx,
		cancel:    cancel,
	}
}

// Submit queues an envelope on the session's lane. The debounce window
// restarts on every envelope; zero debounce flushes immediately.
func (s *Scheduler) Submit(sessionKey, agentID, trigger string, env bus.Envelope, debounce time.Duration) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	l, ok := s.lanes[sessionKey]
	if !ok {
		l = &lane{key: sessionKey, agentID: agentID}
		s.lanes[sessionKey] = l
	}
	s.mu.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.queue = append(l.queue, env)
	l.trigger = trigger
	l.lastActive = time.Now()
	if l.timer != nil {
		l.timer.Stop()
	}
	if debounce <= 0 {
		l.timer = nil
		s.flushLocked(l)
		return
	}
	l.timer = time.AfterFunc(debounce, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		s.flushLocked(l)
	})
}

// flushLocked starts a run for the queued envelopes if none is in flight.
// Caller holds l.mu.
func (s *Scheduler) flushLocked(l *lane) {
	if l.running || len(l.queue) == 0 {
		return
	}
	task := Task{
		SessionKey: l.key,
		AgentID:    l.agentID,
		Envelopes:  dedupeAttachments(l.queue),
		Trigger:    l.trigger,
	}
	l.queue = nil
	l.running = true
	runCtx, cancel := context.WithCancel(s.baseCtx)
	l.runCancel = cancel
	done := make(chan struct{})
	l.runDone = done

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(done)
		defer cancel()

		if err := s.sem.Acquire(runCtx, 1); err != nil {
			s.finishRun(l)
			return
		}
		defer s.sem.Release(1)

		s.log.Debug("scheduler.run_start", "session", l.key, "envelopes", len(task.Envelopes), "trigger", task.Trigger)
		s.run(runCtx, task)
		s.log.Debug("scheduler.run_end", "session", l.key)
		s.finishRun(l)
	}()
}

// finishRun clears running state and flushes anything queued during the run.
func (s *Scheduler) finishRun(l *lane) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.running = false
	l.runCancel = nil
	l.runDone = nil
	l.lastActive = time.Now()
	if !closed {
		s.flushLocked(l)
	}
}

// dedupeAttachments drops repeated attachment hashes across a coalesced
// burst, keeping the first occurrence.
func dedupeAttachments(envs []bus.Envelope) []bus.Envelope {
	seen := make(map[string]bool)
	out := make([]bus.Envelope, len(envs))
	copy(out, envs)
	for i := range out {
		if len(out[i].Attachments) == 0 {
			continue
		}
		var kept []bus.Attachment
		for _, a := range out[i].Attachments {
			if a.Hash != "" && seen[a.Hash] {
				continue
			}
			if a.Hash != "" {
				seen[a.Hash] = true
			}
			kept = append(kept, a)
		}
		out[i].Attachments = kept
	}
	return out
}

// Abort cancels the session's in-flight run, if any, and waits up to the
// grace period for it to drain. With dropPending the queued envelopes are
// discarded too. Reports whether a run was aborted.
func (s *Scheduler) Abort(sessionKey string, dropPending bool) bool {
	s.mu.Lock()
	l, ok := s.lanes[sessionKey]
	s.mu.Unlock()
	if !ok {
		return false
	}

	l.mu.Lock()
	if dropPending {
		l.queue = nil
		if l.timer != nil {
			l.timer.Stop()
			l.timer = nil
		}
	}
	cancel := l.runCancel
	done := l.runDone
	l.mu.Unlock()

	if cancel == nil {
		return false
	}
	cancel()
	select {
	case <-done:
	case <-time.After(s.grace):
		s.log.Warn("scheduler.abort_grace_exceeded", "session", sessionKey)
	}
	return true
}

// Busy reports whether the session has a run in flight.
func (s *Scheduler) Busy(sessionKey string) bool {
	s.mu.Lock()
	l, ok := s.lanes[sessionKey]
	s.mu.Unlock()
	if !ok {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Pending returns the number of queued envelopes for the session.
func (s *Scheduler) Pending(sessionKey string) int {
	s.mu.Lock()
	l, ok := s.lanes[sessionKey]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// EvictIdle removes lanes with no run, no queue, and no activity since the
// idle window. Returns the number evicted.
func (s *Scheduler) EvictIdle(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := 0
	for key, l := range s.lanes {
		l.mu.Lock()
		idle := !l.running && len(l.queue) == 0 && now.Sub(l.lastActive) >= s.idleEvict
		l.mu.Unlock()
		if idle {
			delete(s.lanes, key)
			evicted++
		}
	}
	if evicted > 0 {
		s.log.Debug("scheduler.evicted_idle_lanes", "count", evicted)
	}
	return evicted
}

// RunEvictLoop evicts idle lanes once a minute until ctx ends.
func (s *Scheduler) RunEvictLoop(ctx context.Context) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			s.EvictIdle(now)
		}
	}
}

// Shutdown stops accepting work, cancels in-flight runs, and waits for them
// to drain or for ctx to expire.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for _, l := range s.lanes {
		l.mu.Lock()
		if l.timer != nil {
			l.timer.Stop()
		}
		l.mu.Unlock()
	}
	s.mu.Unlock()

	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
