package authpool

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentgate/internal/config"
)

func testProfiles() []config.AuthProfileConfig {
	a := config.AuthProfileConfig{Name: "a", Provider: "anthropic"}
	a.SetKey("key-a")
	b := config.AuthProfileConfig{Name: "b", Provider: "anthropic"}
	b.SetKey("key-b")
	c := config.AuthProfileConfig{Name: "c", Provider: "openai"}
	c.SetKey("key-c")
	return []config.AuthProfileConfig{a, b, c}
}

func newTestPool(t *testing.T) *Pool {
	t.Helper()
	p, err := New(testProfiles(), "", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestSelectLeastRecentlyUsed(t *testing.T) {
	p := newTestPool(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p.now = func() time.Time { now = now.Add(time.Second); return now }

	first, err := p.Select("anthropic", "")
	if err != nil {
		t.Fatal(err)
	}
	if first.Name != "a" {
		t.Fatalf("first = %q, want a (declaration order on fresh state)", first.Name)
	}
	second, _ := p.Select("anthropic", "")
	if second.Name != "b" {
		t.Fatalf("second = %q, want b (a was just used)", second.Name)
	}
	third, _ := p.Select("anthropic", "")
	if third.Name != "a" {
		t.Fatalf("third = %q, want a (least recent again)", third.Name)
	}
}

func TestSelectSkipsCooldownAndProvider(t *testing.T) {
	p := newTestPool(t)
	p.ReportError("a", ErrRateLimit)

	got, err := p.Select("anthropic", "")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "b" {
		t.Errorf("got %q, want b (a cooling down)", got.Name)
	}

	// Provider filter never hands out the openai profile.
	p.ReportError("b", ErrRateLimit)
	if _, err := p.Select("anthropic", ""); err != ErrNoProfiles {
		t.Errorf("expected ErrNoProfiles, got %v", err)
	}
	if got, err := p.Select("openai", ""); err != nil || got.Name != "c" {
		t.Errorf("got %q err %v, want c", got.Name, err)
	}
}

func TestTransientCooldownSchedule(t *testing.T) {
	p := newTestPool(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return base }

	// 60s, 300s, 1500s, 7500s capped at 3600s, then stays capped.
	want := []time.Duration{
		60 * time.Second,
		300 * time.Second,
		1500 * time.Second,
		time.Hour,
		time.Hour,
	}
	for i, w := range want {
		p.ReportError("a", ErrTimeout)
		st := p.state["a"]
		if got := st.CooldownUntil.Sub(base); got != w {
			t.Errorf("error %d: cooldown = %v, want %v", i+1, got, w)
		}
	}
}

func TestBillingCooldownDoubles(t *testing.T) {
	p := newTestPool(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return base }

	want := []time.Duration{
		5 * time.Hour,
		10 * time.Hour,
		20 * time.Hour,
		24 * time.Hour,
		24 * time.Hour,
	}
	for i, w := range want {
		p.ReportError("a", ErrBilling)
		if got := p.state["a"].CooldownUntil.Sub(base); got != w {
			t.Errorf("error %d: cooldown = %v, want %v", i+1, got, w)
		}
	}
}

func TestAuthErrorDisablesUntilReset(t *testing.T) {
	p := newTestPool(t)
	p.ReportError("a", ErrAuth)
	p.ReportError("b", ErrFormat)

	if _, err := p.Select("anthropic", ""); err != ErrNoProfiles {
		t.Fatalf("expected ErrNoProfiles, got %v", err)
	}

	// Cooldown expiry alone never re-enables a disabled profile.
	p.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	if _, err := p.Select("anthropic", ""); err != ErrNoProfiles {
		t.Fatalf("disabled profile came back without reset: %v", err)
	}

	p.Reset("a")
	got, err := p.Select("anthropic", "")
	if err != nil || got.Name != "a" {
		t.Errorf("after reset got %q err %v, want a", got.Name, err)
	}
}

func TestSuccessClearsErrorStreak(t *testing.T) {
	p := newTestPool(t)
	p.ReportError("a", ErrRateLimit)
	p.ReportError("a", ErrRateLimit)
	p.ReportSuccess("a")

	st := p.state["a"]
	if st.ErrorCount != 0 || !st.CooldownUntil.IsZero() {
		t.Errorf("state after success = %+v", st)
	}

	// Next transient error starts the schedule over at 60s.
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return base }
	p.ReportError("a", ErrRateLimit)
	if got := p.state["a"].CooldownUntil.Sub(base); got != 60*time.Second {
		t.Errorf("cooldown = %v, want 60s", got)
	}
}

func TestStateSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "authpool.json")
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	p, err := New(testProfiles(), path, log)
	if err != nil {
		t.Fatal(err)
	}
	p.ReportError("a", ErrAuth)
	p.ReportError("b", ErrRateLimit)

	p2, err := New(testProfiles(), path, log)
	if err != nil {
		t.Fatal(err)
	}
	if !p2.state["a"].Disabled {
		t.Error("disabled flag lost across restart")
	}
	if p2.state["b"].ErrorCount != 1 {
		t.Errorf("error count = %d, want 1", p2.state["b"].ErrorCount)
	}
}

func TestPreferredProfile(t *testing.T) {
	p := newTestPool(t)
	got, err := p.Select("anthropic", "b")
	if err != nil || got.Name != "b" {
		t.Fatalf("got %q err %v, want b", got.Name, err)
	}

	// A cooling preferred profile is an error, not a silent fallback.
	p.ReportError("b", ErrRateLimit)
	if _, err := p.Select("anthropic", "b"); err != ErrNoProfiles {
		t.Errorf("expected ErrNoProfiles for cooling preferred profile, got %v", err)
	}
}
