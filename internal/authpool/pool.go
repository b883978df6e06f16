// Package authpool rotates provider auth profiles, tracking per-profile error
// state and cooldowns so runs fail over to healthy credentials.
package authpool

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/nextlevelbuilder/agentgate/internal/config"
)

// ErrorClass classifies a provider failure for cooldown purposes.
type ErrorClass string

const (
	ErrAuth      ErrorClass = "auth"
	ErrRateLimit ErrorClass = "rate_limit"
	ErrBilling   ErrorClass = "billing"
	ErrFormat    ErrorClass = "format"
	ErrTimeout   ErrorClass = "timeout"
	ErrUnknown   ErrorClass = "unknown"
)

// ErrNoProfiles is returned when every candidate profile is cooling down or
// disabled.
var ErrNoProfiles = fmt.Errorf("authpool: no usable profile")

// profileState is the persisted health record for one profile.
type profileState struct {
	LastUsed      time.Time  `json:"last_used,omitempty"`
	CooldownUntil time.Time  `json:"cooldown_until,omitempty"`
	ErrorCount    int        `json:"error_count,omitempty"`
	LastError     ErrorClass `json:"last_error,omitempty"`
	Disabled      bool       `json:"disabled,omitempty"`
	DisabledBy    ErrorClass `json:"disabled_by,omitempty"`
}

// Profile is a selected credential handed to a provider call.
type Profile struct {
	Name     string
	Provider string
	BaseURL  string
	Key      string
}

// Status is the operator-visible view of one profile.
type Status struct {
	Name          string     `json:"name"`
	Provider      string     `json:"provider"`
	InCooldown    bool       `json:"in_cooldown"`
	CooldownUntil time.Time  `json:"cooldown_until,omitempty"`
	ErrorCount    int        `json:"error_count"`
	LastError     ErrorClass `json:"last_error,omitempty"`
	Disabled      bool       `json:"disabled"`
	LastUsed      time.Time  `json:"last_used,omitempty"`
}

// Pool selects profiles round-robin by least recent use, skipping profiles in
// cooldown. State survives restarts via a JSON file next to the sessions dir.
type Pool struct {
	mu       sync.Mutex
	profiles []config.AuthProfileConfig
	state    map[string]*profileState
	path     string
	log      *slog.Logger
	now      func() time.Time
}

// New builds a pool over the configured profiles, restoring persisted health
// state from statePath when present.
func New(profiles []config.AuthProfileConfig, statePath string, log *slog.Logger) (*Pool, error) {
	p := &Pool{
		profiles: profiles,
		state:    make(map[string]*profileState),
		path:     statePath,
		log:      log,
		now:      time.Now,
	}
	if statePath != "" {
		data, err := os.ReadFile(statePath)
		if err == nil {
			if err := json.Unmarshal(data, &p.state); err != nil {
				return nil, fmt.Errorf("auth pool state corrupt: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}
	for _, pr := range profiles {
		if _, ok := p.state[pr.Name]; !ok {
			p.state[pr.Name] = &profileState{}
		}
	}
	return p, nil
}

// Select picks the usable profile least recently used, among those matching
// provider (empty matches all) and not cooling down or disabled. Ties break
// toward the lowest error count, then declaration order.
func (p *Pool) Select(provider string, preferred string) (Profile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var candidates []config.AuthProfileConfig
	for _, pr := range p.profiles {
		if provider != "" && pr.Provider != provider {
			continue
		}
		if preferred != "" && pr.Name != preferred {
			continue
		}
		st := p.state[pr.Name]
		if st.Disabled || st.CooldownUntil.After(now) {
			continue
		}
		candidates = append(candidates, pr)
	}
	if len(candidates) == 0 {
		return Profile{}, ErrNoProfiles
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		si, sj := p.state[candidates[i].Name], p.state[candidates[j].Name]
		if !si.LastUsed.Equal(sj.LastUsed) {
			return si.LastUsed.Before(sj.LastUsed)
		}
		return si.ErrorCount < sj.ErrorCount
	})

	chosen := candidates[0]
	p.state[chosen.Name].LastUsed = now
	p.persistLocked()
	return Profile{
		Name:     chosen.Name,
		Provider: chosen.Provider,
		BaseURL:  chosen.BaseURL,
		Key:      chosen.Key(),
	}, nil
}

// ReportSuccess clears a profile's error streak.
func (p *Pool) ReportSuccess(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.state[name]
	if !ok {
		return
	}
	st.ErrorCount = 0
	st.LastError = ""
	st.CooldownUntil = time.Time{}
	p.persistLocked()
}

// ReportError records a failure and applies the cooldown schedule for its
// class. Auth and format errors disable the profile until an operator resets
// it; transient classes back off exponentially capped at an hour; billing
// starts at five hours and doubles up to a day.
func (p *Pool) ReportError(name string, class ErrorClass) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.state[name]
	if !ok {
		return
	}
	st.ErrorCount++
	st.LastError = class
	now := p.now()

	switch class {
	case ErrAuth, ErrFormat:
		st.Disabled = true
		st.DisabledBy = class
		p.log.Warn("authpool.profile_disabled", "profile", name, "class", string(class))
	case ErrBilling:
		d := 5 * time.Hour
		for i := 1; i < st.ErrorCount; i++ {
			d *= 2
			if d >= 24*time.Hour {
				d = 24 * time.Hour
				break
			}
		}
		st.CooldownUntil = now.Add(d)
		p.log.Warn("authpool.profile_cooldown", "profile", name, "class", string(class), "until", st.CooldownUntil)
	default: // rate_limit, timeout, unknown
		exp := st.ErrorCount - 1
		if exp > 3 {
			exp = 3
		}
		d := 60 * time.Second
		for i := 0; i < exp; i++ {
			d *= 5
		}
		if d > time.Hour {
			d = time.Hour
		}
		st.CooldownUntil = now.Add(d)
		p.log.Info("authpool.profile_cooldown", "profile", name, "class", string(class), "until", st.CooldownUntil)
	}
	p.persistLocked()
}

// Reset clears cooldown and disabled state for one profile, or for all
// profiles when name is empty. Operator action via channels.status tooling.
func (p *Pool) Reset(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for n, st := range p.state {
		if name != "" && n != name {
			continue
		}
		st.ErrorCount = 0
		st.LastError = ""
		st.CooldownUntil = time.Time{}
		st.Disabled = false
		st.DisabledBy = ""
	}
	p.persistLocked()
}

// Statuses returns the operator view in declaration order.
func (p *Pool) Statuses() []Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	out := make([]Status, 0, len(p.profiles))
	for _, pr := range p.profiles {
		st := p.state[pr.Name]
		out = append(out, Status{
			Name:          pr.Name,
			Provider:      pr.Provider,
			InCooldown:    st.CooldownUntil.After(now),
			CooldownUntil: st.CooldownUntil,
			ErrorCount:    st.ErrorCount,
			LastError:     st.LastError,
			Disabled:      st.Disabled,
			LastUsed:      st.LastUsed,
		})
	}
	return out
}

func (p *Pool) persistLocked() {
	if p.path == "" {
		return
	}
	data, err := json.MarshalIndent(p.state, "", "  ")
	if err != nil {
		return
	}
	tmp := p.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(p.path), 0o700); err != nil {
		p.log.Error("authpool.persist_failed", "error", err)
		return
	}
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		p.log.Error("authpool.persist_failed", "error", err)
		return
	}
	if err := os.Rename(tmp, p.path); err != nil {
		p.log.Error("authpool.persist_failed", "error", err)
	}
}
