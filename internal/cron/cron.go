// Package cron schedules recurring agent runs. Jobs carry a cron
// expression and a prompt; due jobs dispatch a synthetic envelope into the
// agent's main topic session.
package cron

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentgate/internal/bus"
	"github.com/nextlevelbuilder/agentgate/internal/routing"
)

// ErrJobNotFound is returned for operations on unknown job ids.
var ErrJobNotFound = errors.New("cron: job not found")

// Job is one scheduled run.
type Job struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"` // standard cron expression
	AgentID  string    `json:"agent_id"`
	Text     string    `json:"text"`
	Enabled  bool      `json:"enabled"`
	LastRun  time.Time `json:"last_run,omitempty"`
	NextRun  time.Time `json:"next_run,omitempty"`
}

// DispatchFunc hands a due job's envelope to the scheduler.
type DispatchFunc func(sessionKey, agentID, trigger string, env bus.Envelope)

// Service owns the job store and the tick loop.
type Service struct {
	path     string
	dispatch DispatchFunc
	log      *slog.Logger
	gron     *gronx.Gronx

	mu   sync.Mutex
	jobs map[string]*Job
}

// NewService loads jobs from path (created on first save).
func NewService(path string, dispatch DispatchFunc, log *slog.Logger) (*Service, error) {
	s := &Service{
		path:     path,
		dispatch: dispatch,
		log:      log,
		gron:     gronx.New(),
		jobs:     make(map[string]*Job),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var jobs []*Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return fmt.Errorf("cron store corrupt: %w", err)
	}
	for _, j := range jobs {
		s.jobs[j.ID] = j
	}
	return nil
}

func (s *Service) saveLocked() error {
	jobs := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].Name < jobs[k].Name })
	data, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Add validates the schedule and stores a new job.
func (s *Service) Add(name, schedule, agentID, text string) (*Job, error) {
	if !s.gron.IsValid(schedule) {
		return nil, fmt.Errorf("invalid cron expression %q", schedule)
	}
	next, err := gronx.NextTick(schedule, false)
	if err != nil {
		return nil, err
	}
	job := &Job{
		ID:       uuid.NewString(),
		Name:     name,
		Schedule: schedule,
		AgentID:  agentID,
		Text:     text,
		Enabled:  true,
		NextRun:  next,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	if err := s.saveLocked(); err != nil {
		delete(s.jobs, job.ID)
		return nil, err
	}
	return job, nil
}

// Update patches mutable fields of a job. Empty strings leave the field
// untouched; enabled always applies.
func (s *Service) Update(id, name, schedule, text string, enabled bool) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	if schedule != "" {
		if !s.gron.IsValid(schedule) {
			return nil, fmt.Errorf("invalid cron expression %q", schedule)
		}
		job.Schedule = schedule
		if next, err := gronx.NextTick(schedule, false); err == nil {
			job.NextRun = next
		}
	}
	if name != "" {
		job.Name = name
	}
	if text != "" {
		job.Text = text
	}
	job.Enabled = enabled
	if err := s.saveLocked(); err != nil {
		return nil, err
	}
	return job, nil
}

// Remove deletes a job.
func (s *Service) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return ErrJobNotFound
	}
	delete(s.jobs, id)
	return s.saveLocked()
}

// List returns all jobs sorted by name.
func (s *Service) List() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// Run dispatches a job immediately, regardless of schedule.
func (s *Service) Run(id string) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return ErrJobNotFound
	}
	j := *job
	job.LastRun = time.Now().UTC()
	_ = s.saveLocked()
	s.mu.Unlock()

	s.fire(&j)
	return nil
}

// fire dispatches one job into its agent's main topic session.
func (s *Service) fire(job *Job) {
	key := routing.MainTopicKey(job.AgentID, job.ID)
	s.dispatch(key, job.AgentID, "cron", bus.Envelope{
		Peer:      "cron",
		ChatKind:  bus.ChatDM,
		Timestamp: time.Now().UTC(),
		Text:      job.Text,
	})
	s.log.Info("cron.dispatched", "job", job.Name, "session", key)
}

// Loop ticks once a minute and fires due jobs until ctx is done.
func (s *Service) Loop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(now)
		}
	}
}

func (s *Service) tick(now time.Time) {
	s.mu.Lock()
	var due []*Job
	for _, j := range s.jobs {
		if !j.Enabled {
			continue
		}
		ok, err := s.gron.IsDue(j.Schedule, now)
		if err != nil || !ok {
			continue
		}
		j.LastRun = now.UTC()
		if next, err := gronx.NextTickAfter(j.Schedule, now, false); err == nil {
			j.NextRun = next
		}
		copy := *j
		due = append(due, &copy)
	}
	if len(due) > 0 {
		_ = s.saveLocked()
	}
	s.mu.Unlock()

	for _, j := range due {
		s.fire(j)
	}
}
