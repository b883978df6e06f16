package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Status describes one registered channel for channels.status.
type Status struct {
	Name         string       `json:"name"`
	Running      bool         `json:"running"`
	Capabilities []Capability `json:"capabilities"`
}

// Registry holds the registered channels and drives their lifecycle. The
// gateway process owns exactly one.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]Channel
	log      *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{channels: make(map[string]Channel), log: log}
}

// Register adds a channel after verifying that every declared capability is
// backed by the matching interface. A declared capability without its
// adapter is a programming error surfaced at startup, not at send time.
func (r *Registry) Register(ch Channel) error {
	for _, cap := range ch.Capabilities() {
		switch cap {
		case CapReactions:
			if _, ok := ch.(Reactor); !ok {
				return fmt.Errorf("channel %s declares %s without implementing Reactor", ch.Name(), cap)
			}
		case CapTypingIndicator:
			if _, ok := ch.(Typer); !ok {
				return fmt.Errorf("channel %s declares %s without implementing Typer", ch.Name(), cap)
			}
		case CapMedia:
			if _, ok := ch.(MediaSender); !ok {
				return fmt.Errorf("channel %s declares %s without implementing MediaSender", ch.Name(), cap)
			}
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.channels[ch.Name()]; exists {
		return fmt.Errorf("channel %s already registered", ch.Name())
	}
	r.channels[ch.Name()] = ch
	return nil
}

// Unregister removes a channel. The caller stops it first.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.channels, name)
}

// Get returns a channel by name.
func (r *Registry) Get(name string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[name]
	return ch, ok
}

// Has reports whether a capability is declared by the named channel.
func (r *Registry) Has(name string, cap Capability) bool {
	ch, ok := r.Get(name)
	if !ok {
		return false
	}
	for _, c := range ch.Capabilities() {
		if c == cap {
			return true
		}
	}
	return false
}

// StartAll starts every registered channel. A channel that fails to start
// is logged and skipped; the rest keep going.
func (r *Registry) StartAll(ctx context.Context) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, ch := range r.channels {
		if err := ch.Start(ctx); err != nil {
			r.log.Error("channel.start_failed", "channel", name, "error", err)
			continue
		}
		r.log.Info("channel.started", "channel", name)
	}
}

// StopAll stops every channel, bounded by ctx.
func (r *Registry) StopAll(ctx context.Context) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, ch := range r.channels {
		if err := ch.Stop(ctx); err != nil {
			r.log.Error("channel.stop_failed", "channel", name, "error", err)
		}
	}
}

// Statuses returns the status of every registered channel.
func (r *Registry) Statuses() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Status, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, Status{
			Name:         ch.Name(),
			Running:      ch.Running(),
			Capabilities: ch.Capabilities(),
		})
	}
	return out
}

// Names returns the registered channel names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	return names
}
