package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Approval is a pending approval-gated tool call.
type Approval struct {
	ID        string          `json:"id"`
	RunID     string          `json:"run_id"`
	SessionK  string          `json:"session_key"`
	Tool      string          `json:"tool"`
	Params    json.RawMessage `json:"params"`
	CreatedAt time.Time       `json:"created_at"`
}

// Resolution is an operator's decision on one approval.
type Resolution struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

// ErrApprovalNotFound is returned when resolving an unknown or already
// resolved approval.
var ErrApprovalNotFound = fmt.Errorf("tools: approval not found")

type pendingApproval struct {
	approval Approval
	resolved chan Resolution
}

// Broker tracks approval-gated tool calls. Await blocks the calling run
// until an RPC client resolves the approval or the run's context ends.
type Broker struct {
	mu      sync.Mutex
	pending map[string]*pendingApproval
	notify  func(Approval) // called on new approvals, for event fanout
}

// NewBroker returns an empty broker. notify may be nil.
func NewBroker(notify func(Approval)) *Broker {
	return &Broker{
		pending: make(map[string]*pendingApproval),
		notify:  notify,
	}
}

// Await registers the approval and blocks until resolution. Context
// cancellation (run abort, shutdown) resolves as not approved.
func (b *Broker) Await(ctx context.Context, runID, sessionKey, tool string, params json.RawMessage) (string, Resolution) {
	p := &pendingApproval{
		approval: Approval{
			ID:        uuid.NewString(),
			RunID:     runID,
			SessionK:  sessionKey,
			Tool:      tool,
			Params:    params,
			CreatedAt: time.Now().UTC(),
		},
		resolved: make(chan Resolution, 1),
	}
	b.mu.Lock()
	b.pending[p.approval.ID] = p
	b.mu.Unlock()

	if b.notify != nil {
		b.notify(p.approval)
	}

	select {
	case res := <-p.resolved:
		return p.approval.ID, res
	case <-ctx.Done():
		b.mu.Lock()
		delete(b.pending, p.approval.ID)
		b.mu.Unlock()
		return p.approval.ID, Resolution{Approved: false, Reason: "run ended before resolution"}
	}
}

// Resolve delivers a decision to the waiting run.
func (b *Broker) Resolve(id string, res Resolution) error {
	b.mu.Lock()
	p, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()
	if !ok {
		return ErrApprovalNotFound
	}
	p.resolved <- res
	return nil
}

// Pending lists unresolved approvals, oldest first.
func (b *Broker) Pending() []Approval {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Approval, 0, len(b.pending))
	for _, p := range b.pending {
		out = append(out, p.approval)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
