package channels

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentgate/internal/bus"
	"github.com/nextlevelbuilder/agentgate/internal/config"
)

func discardLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func drainInbound(t *testing.T, b *bus.MessageBus, wait time.Duration) []bus.Envelope {
	t.Helper()
	var out []bus.Envelope
	for {
		ctx, cancel := context.WithTimeout(context.Background(), wait)
		env, ok := b.ConsumeInbound(ctx)
		cancel()
		if !ok {
			return out
		}
		out = append(out, env)
	}
}

func TestAcceptDMPolicies(t *testing.T) {
	tests := []struct {
		name   string
		cfg    config.ChannelConfig
		peer   string
		accept bool
	}{
		{"open default", config.ChannelConfig{}, "anyone", true},
		{"disabled", config.ChannelConfig{DMPolicy: config.DMPolicyDisabled}, "anyone", false},
		{"allowlist hit", config.ChannelConfig{DMPolicy: config.DMPolicyAllowlist, Allowlist: []string{"u1"}}, "u1", true},
		{"allowlist miss", config.ChannelConfig{DMPolicy: config.DMPolicyAllowlist, Allowlist: []string{"u1"}}, "u2", false},
		{"allowlist at-prefix", config.ChannelConfig{DMPolicy: config.DMPolicyAllowlist, Allowlist: []string{"@ada"}}, "ada", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBase("x", bus.NewMessageBus(), tt.cfg)
			env := bus.Envelope{ChatKind: bus.ChatDM, Peer: tt.peer}
			if got := b.Accept(&env); got != tt.accept {
				t.Errorf("Accept = %v, want %v", got, tt.accept)
			}
		})
	}
}

func TestAcceptGroupMentionGating(t *testing.T) {
	cfg := config.ChannelConfig{Account: "bot", RequireMention: true}
	b := NewBase("x", bus.NewMessageBus(), cfg)

	env := bus.Envelope{ChatKind: bus.ChatGroup, Group: "g1", Peer: "u1"}
	if b.Accept(&env) {
		t.Error("accepted unmentioned group message")
	}
	env.Mentions = []string{"@bot"}
	if !b.Accept(&env) {
		t.Error("rejected mentioned group message")
	}
}

func TestPublishDedupesByMessageID(t *testing.T) {
	msgBus := bus.NewMessageBus()
	b := NewBase("x", msgBus, config.ChannelConfig{})

	env := bus.Envelope{ChatKind: bus.ChatDM, Peer: "u1", Text: "hi"}
	b.Publish(env, "msg-1")
	b.Publish(env, "msg-1") // webhook retry
	b.Publish(env, "msg-2")

	got := drainInbound(t, msgBus, 50*time.Millisecond)
	if len(got) != 2 {
		t.Errorf("inbound = %d envelopes, want 2", len(got))
	}
	for _, e := range got {
		if e.Channel != "x" || e.Account != "default" {
			t.Errorf("envelope not normalized: %+v", e)
		}
	}
}

func TestRegistryRejectsUnbackedCapability(t *testing.T) {
	reg := NewRegistry(discardLog())
	lb := NewLoopback(bus.NewMessageBus(), config.ChannelConfig{})
	if err := reg.Register(lb); err != nil {
		t.Fatalf("register loopback: %v", err)
	}
	if err := reg.Register(lb); err == nil {
		t.Error("duplicate registration accepted")
	}

	bad := &mediaLiar{Loopback: NewLoopback(bus.NewMessageBus(), config.ChannelConfig{})}
	if err := reg.Register(bad); err == nil {
		t.Error("accepted media capability without MediaSender")
	}
}

// mediaLiar declares media support it does not implement.
type mediaLiar struct{ *Loopback }

func (m *mediaLiar) Name() string { return "liar" }
func (m *mediaLiar) Capabilities() []Capability {
	return []Capability{CapDM, CapMedia}
}

func TestRegistryLifecycleAndStatus(t *testing.T) {
	reg := NewRegistry(discardLog())
	lb := NewLoopback(bus.NewMessageBus(), config.ChannelConfig{})
	if err := reg.Register(lb); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	reg.StartAll(ctx)
	if !lb.Running() {
		t.Error("loopback not running after StartAll")
	}
	sts := reg.Statuses()
	if len(sts) != 1 || !sts[0].Running || sts[0].Name != "loopback" {
		t.Errorf("statuses = %+v", sts)
	}
	reg.StopAll(ctx)
	if lb.Running() {
		t.Error("loopback still running after StopAll")
	}
}

func TestRegistryHas(t *testing.T) {
	reg := NewRegistry(discardLog())
	_ = reg.Register(NewLoopback(bus.NewMessageBus(), config.ChannelConfig{}))
	if !reg.Has("loopback", CapDM) {
		t.Error("missing declared capability")
	}
	if reg.Has("loopback", CapBlockStreaming) {
		t.Error("reported undeclared capability")
	}
	if reg.Has("ghost", CapDM) {
		t.Error("reported capability for unknown channel")
	}
}
