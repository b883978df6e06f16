// Package agent executes runs: prompt assembly, compaction, LLM calls with
// auth-profile failover, tool dispatch with approval gating, and streamed
// run events.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentgate/internal/authpool"
	"github.com/nextlevelbuilder/agentgate/internal/bus"
	"github.com/nextlevelbuilder/agentgate/internal/config"
	"github.com/nextlevelbuilder/agentgate/internal/providers"
	"github.com/nextlevelbuilder/agentgate/internal/routing"
	"github.com/nextlevelbuilder/agentgate/internal/scheduler"
	"github.com/nextlevelbuilder/agentgate/internal/store"
	"github.com/nextlevelbuilder/agentgate/internal/telemetry"
	"github.com/nextlevelbuilder/agentgate/internal/tools"
	"github.com/nextlevelbuilder/agentgate/pkg/protocol"
)

// maxProfileAttempts bounds failover within one LLM call.
const maxProfileAttempts = 3

// ResetNote marks a conversational reset in the transcript. History assembly
// starts after the most recent one.
const ResetNote = "[reset]"

// Deps wires the runner's collaborators.
type Deps struct {
	Config   *config.Store
	Sessions store.SessionStore
	Registry *tools.Registry
	Broker   *tools.Broker
	Pool     *authpool.Pool
	Events   bus.EventPublisher
	Outbound *bus.MessageBus
	Skills   SkillSource
	Log      *slog.Logger
}

// Runner executes one task at a time per session (the scheduler guarantees
// exclusivity).
type Runner struct {
	deps      Deps
	est       *Estimator
	compactor *Compactor

	// newProvider is a seam for tests; defaults to providers.ForProfile.
	newProvider func(authpool.Profile) (providers.Provider, error)
}

// NewRunner builds a runner.
func NewRunner(deps Deps) *Runner {
	r := &Runner{
		deps:        deps,
		est:         NewEstimator(),
		newProvider: providers.ForProfile,
	}
	r.compactor = NewCompactor(r.est, r.summarizeChunk, deps.Log)
	return r
}

// Run executes one coalesced task. Satisfies scheduler.RunFunc.
func (r *Runner) Run(ctx context.Context, task scheduler.Task) {
	runID := uuid.NewString()
	ctx, span := telemetry.StartRun(ctx, task.SessionKey, task.AgentID, task.Trigger)
	defer span.End()
	em := newRunEmitter(runID, task.SessionKey, r.deps.Events)
	defer em.close()

	log := r.deps.Log.With("run", runID, "session", task.SessionKey, "agent", task.AgentID)
	em.emit(protocol.RunEventLifecycle, map[string]interface{}{
		"phase":   protocol.RunPhaseStarted,
		"trigger": task.Trigger,
	})
	log.Info("agent.run_start", "envelopes", len(task.Envelopes), "trigger", task.Trigger)

	if err := r.run(ctx, task, runID, em, log); err != nil {
		code, msg := runErrorCode(err)
		em.emit(protocol.RunEventError, map[string]interface{}{
			"code":    code,
			"message": msg,
		})
		// Run-level errors are persisted so clients can render them.
		r.appendQuiet(task.SessionKey, store.Event{
			Kind: store.KindSystemNote,
			Text: fmt.Sprintf("run %s failed: %s: %s", runID, code, msg),
		})
		log.Error("agent.run_failed", "code", code, "error", msg)
	}
}

// runErrorCode maps an internal error to the wire error enumeration.
func runErrorCode(err error) (code, msg string) {
	switch {
	case errors.Is(err, ErrCompactionIneffective):
		return protocol.ErrCompactionIneffective, err.Error()
	case errors.Is(err, authpool.ErrNoProfiles):
		return protocol.ErrProviderUnavailable, err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return protocol.ErrAgentTimeout, err.Error()
	default:
		return protocol.ErrInternal, err.Error()
	}
}

func (r *Runner) run(ctx context.Context, task scheduler.Task, runID string, em *runEmitter, log *slog.Logger) error {
	snapshot := r.deps.Config.Current()
	agent, err := snapshot.Agent(task.AgentID)
	if err != nil {
		return err
	}

	meta, hadMeta := r.deps.Sessions.Meta(task.SessionKey)
	events, err := r.deps.Sessions.Read(task.SessionKey)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}

	// Reset triggers: idle window or daily rollover.
	if hadMeta && needsReset(&agent, meta.Updated, time.Now()) {
		reset := store.Event{Kind: store.KindSystemNote, Text: ResetNote}
		if err := r.deps.Sessions.Append(task.SessionKey, reset); err != nil {
			return fmt.Errorf("append reset marker: %w", err)
		}
		events = append(events, reset)
		log.Info("agent.session_reset", "idle_since", meta.Updated)
	}

	// Persist the inbound turn(s) before calling out.
	var inbound []store.Event
	for i := range task.Envelopes {
		env := &task.Envelopes[i]
		var hashes []string
		for _, a := range env.Attachments {
			hashes = append(hashes, a.Hash)
		}
		inbound = append(inbound, store.Event{
			Kind:        store.KindUserMessage,
			Text:        userText(env),
			From:        env.FromDisplay,
			Attachments: hashes,
		})
	}
	if len(inbound) > 0 {
		if err := r.deps.Sessions.Append(task.SessionKey, inbound...); err != nil {
			return fmt.Errorf("append inbound: %w", err)
		}
		events = append(events, inbound...)
	}
	if env := originEnvelope(task); env != nil {
		target := env.Peer
		if env.Group != "" {
			target = env.Group
		}
		_ = r.deps.Sessions.SetLastRoute(task.SessionKey, env.Channel, env.Account, target)
	}

	// Compaction gate before the LLM sees the prompt.
	estimated := r.est.EstimateEvents(events)
	if ShouldCompact(estimated, agent.Compaction) {
		em.emit(protocol.RunEventLifecycle, map[string]interface{}{"phase": protocol.RunPhaseCompacting})
		rewritten, err := r.compactor.Compact(ctx, task.SessionKey, events, agent.Compaction)
		if err != nil {
			return err
		}
		if err := r.deps.Sessions.Rewrite(task.SessionKey, rewritten); err != nil {
			return fmt.Errorf("persist compaction: %w", err)
		}
		events = rewritten
		estimated = r.est.EstimateEvents(events)
	}
	_ = r.deps.Sessions.SetTokenEstimate(task.SessionKey, estimated)

	// Prompt assembly over the active window.
	window := activeWindow(events)
	messages := historyMessages(window)
	system := systemPrompt(&agent, r.deps.Skills)

	overrides := meta.Overrides
	thinking := string(agent.ThinkingLevel)
	if overrides.ThinkingLevel != "" {
		thinking = overrides.ThinkingLevel
	}
	policy := tools.NewPolicy(agent.Tools)
	toolNames := policy.Filter(r.deps.Registry.Names())
	toolSpecs := r.deps.Registry.Specs(toolNames)

	models := modelChain(&agent, overrides.Model, snapshot)
	maxIters := agent.MaxToolIterations
	if maxIters <= 0 {
		maxIters = 20
	}

	var finalText string
	var delta []store.Event
	for iter := 0; iter < maxIters; iter++ {
		req := providers.Request{
			System:        system,
			Messages:      messages,
			Tools:         toolSpecs,
			MaxTokens:     agent.MaxTokens,
			Temperature:   agent.Temperature,
			ThinkingLevel: thinking,
		}
		resp, err := r.completeWithFailover(ctx, &agent, overrides.AuthProfile, models, req, em)
		if err != nil {
			if ctx.Err() != nil {
				return r.finishAborted(task, runID, em, delta)
			}
			return err
		}
		if resp.Thinking != "" {
			em.emit(protocol.RunEventThought, map[string]interface{}{"text": resp.Thinking})
		}

		if len(resp.ToolCalls) == 0 {
			finalText = resp.Text
			delta = append(delta, store.Event{
				Kind:     store.KindAssistantMessage,
				Text:     resp.Text,
				Thinking: resp.Thinking,
			})
			break
		}

		// Record the assistant turn that requested tools.
		messages = append(messages, providers.Message{
			Role:      "assistant",
			Text:      resp.Text,
			ToolCalls: resp.ToolCalls,
		})
		for _, tc := range resp.ToolCalls {
			delta = append(delta, store.Event{
				Kind:     store.KindToolCall,
				ToolName: tc.Name,
				ToolID:   tc.ID,
				Params:   tc.Params,
			})
			result := r.dispatchTool(ctx, task, runID, tc, policy, em)
			ok := result.OK
			delta = append(delta, store.Event{
				Kind:     store.KindToolResult,
				ToolName: tc.Name,
				ToolID:   tc.ID,
				Text:     result.Content,
				Details:  result.Details,
				OK:       &ok,
			})
			messages = append(messages, providers.Message{
				Role:       "tool",
				Text:       result.Content,
				ToolCallID: tc.ID,
				ToolOK:     result.OK,
			})
		}
		if ctx.Err() != nil {
			return r.finishAborted(task, runID, em, delta)
		}
	}

	if err := r.deps.Sessions.Append(task.SessionKey, delta...); err != nil {
		return fmt.Errorf("persist run: %w", err)
	}
	_ = r.deps.Sessions.SetTokenEstimate(task.SessionKey, estimated+r.est.EstimateEvents(delta))

	r.deliver(task, runID, finalText)
	em.emit(protocol.RunEventFinal, map[string]interface{}{
		"reason": "completed",
		"text":   finalText,
	})
	return nil
}

// finishAborted persists what completed and terminates the run with a final
// aborted event. In-flight tool calls have already drained by the time the
// loop observes cancellation.
func (r *Runner) finishAborted(task scheduler.Task, runID string, em *runEmitter, delta []store.Event) error {
	if len(delta) > 0 {
		r.appendQuiet(task.SessionKey, delta...)
	}
	em.emit(protocol.RunEventFinal, map[string]interface{}{"reason": "aborted"})
	r.deps.Log.Info("agent.run_aborted", "run", runID, "session", task.SessionKey)
	return nil
}

// dispatchTool applies the policy class and executes one tool call.
func (r *Runner) dispatchTool(ctx context.Context, task scheduler.Task, runID string, tc providers.ToolCall, policy *tools.Policy, em *runEmitter) *tools.Result {
	class := policy.ClassOf(tc.Name)

	if class == tools.ClassDenied {
		em.emit(protocol.RunEventToolCall, map[string]interface{}{
			"id": tc.ID, "name": tc.Name, "params": json.RawMessage(tc.Params), "denied": true,
		})
		res := tools.ErrorResult(fmt.Sprintf("tool %q is denied by policy", tc.Name))
		r.emitToolResult(em, tc, res)
		return res
	}

	if class == tools.ClassApproval {
		em.emit(protocol.RunEventToolCall, map[string]interface{}{
			"id": tc.ID, "name": tc.Name, "params": json.RawMessage(tc.Params), "needs_approval": true,
		})
		approvalID, resolution := r.deps.Broker.Await(ctx, runID, task.SessionKey, tc.Name, tc.Params)
		if !resolution.Approved {
			reason := resolution.Reason
			if reason == "" {
				reason = "approval denied"
			}
			res := tools.ErrorResult(fmt.Sprintf("tool %q not approved: %s", tc.Name, reason))
			r.emitToolResult(em, tc, res)
			return res
		}
		r.deps.Log.Info("agent.tool_approved", "run", runID, "tool", tc.Name, "approval", approvalID)
	} else {
		em.emit(protocol.RunEventToolCall, map[string]interface{}{
			"id": tc.ID, "name": tc.Name, "params": json.RawMessage(tc.Params),
		})
	}

	res := r.deps.Registry.Execute(ctx, tc.Name, tc.Params)
	r.emitToolResult(em, tc, res)
	return res
}

func (r *Runner) emitToolResult(em *runEmitter, tc providers.ToolCall, res *tools.Result) {
	payload := map[string]interface{}{
		"id": tc.ID, "name": tc.Name, "ok": res.OK, "content": res.Content,
	}
	if len(res.Details) > 0 {
		payload["details"] = json.RawMessage(res.Details)
	}
	em.emit(protocol.RunEventToolResult, payload)
}

// completeWithFailover walks the model chain, rotating auth profiles on
// transient failures. Format errors advance to the next model; profile
// exhaustion surfaces as provider_unavailable.
func (r *Runner) completeWithFailover(ctx context.Context, agent *config.ResolvedAgent, preferredProfile string, models []string, req providers.Request, em *runEmitter) (*providers.Response, error) {
	var lastErr error
	for mi, model := range models {
		req.Model = model
		for attempt := 0; attempt < maxProfileAttempts; attempt++ {
			profile, err := r.deps.Pool.Select(agent.Provider, preferredProfile)
			if err != nil {
				if lastErr != nil {
					return nil, fmt.Errorf("%w (last provider error: %v)", err, lastErr)
				}
				return nil, err
			}
			client, err := r.newProvider(profile)
			if err != nil {
				return nil, err
			}
			resp, err := client.Complete(ctx, req, em.streamDelta)
			if err == nil {
				r.deps.Pool.ReportSuccess(profile.Name)
				return resp, nil
			}
			if ctx.Err() != nil {
				return nil, err
			}
			class := providers.Classify(err)
			r.deps.Pool.ReportError(profile.Name, class)
			lastErr = err
			r.deps.Log.Warn("agent.llm_error",
				"model", model, "profile", profile.Name, "class", string(class), "error", err)
			if class == authpool.ErrFormat && mi < len(models)-1 {
				// Likely a model-specific request problem; try the next model.
				break
			}
			em.emit(protocol.RunEventLifecycle, map[string]interface{}{
				"phase": protocol.RunPhaseRetrying, "model": model, "class": string(class),
			})
		}
	}
	if lastErr == nil {
		lastErr = errors.New("no models configured")
	}
	return nil, fmt.Errorf("all models exhausted: %w", lastErr)
}

// CompactSession forces a compaction pass outside a run (sessions.compact).
// The caller ensures no run holds the session's lane.
func (r *Runner) CompactSession(ctx context.Context, key string) error {
	agentID := routing.AgentIDFromKey(key)
	snapshot := r.deps.Config.Current()
	agent, err := snapshot.Agent(agentID)
	if err != nil {
		return err
	}
	events, err := r.deps.Sessions.Read(key)
	if err != nil {
		return err
	}
	rewritten, err := r.compactor.Compact(ctx, key, events, agent.Compaction)
	if err != nil {
		return err
	}
	if err := r.deps.Sessions.Rewrite(key, rewritten); err != nil {
		return fmt.Errorf("persist compaction: %w", err)
	}
	return r.deps.Sessions.SetTokenEstimate(key, r.est.EstimateEvents(rewritten))
}

// summarizeChunk runs a compaction summary through the default agent's
// provider selection without tools.
func (r *Runner) summarizeChunk(ctx context.Context, text string) (string, error) {
	snapshot := r.deps.Config.Current()
	agent, err := snapshot.Agent(snapshot.DefaultAgentID())
	if err != nil {
		return "", err
	}
	profile, err := r.deps.Pool.Select(agent.Provider, "")
	if err != nil {
		return "", err
	}
	client, err := r.newProvider(profile)
	if err != nil {
		return "", err
	}
	resp, err := client.Complete(ctx, providers.Request{
		Model:     agent.Model,
		Messages:  []providers.Message{{Role: "user", Text: text}},
		MaxTokens: 2048,
	}, nil)
	if err != nil {
		r.deps.Pool.ReportError(profile.Name, providers.Classify(err))
		return "", err
	}
	r.deps.Pool.ReportSuccess(profile.Name)
	return resp.Text, nil
}

// deliver hands the final text to the outbound queue for the originating
// channel. RPC-triggered runs with no channel route are served by events
// alone.
func (r *Runner) deliver(task scheduler.Task, runID, text string) {
	if text == "" {
		return
	}
	env := originEnvelope(task)
	if env == nil || env.Channel == "" {
		return
	}
	target := env.Peer
	if env.Group != "" {
		target = env.Group
	}
	r.deps.Outbound.PublishOutbound(bus.OutboundMessage{
		Channel:     env.Channel,
		Account:     env.Account,
		Target:      target,
		Text:        text,
		DeliveryKey: runID,
	})
}

func (r *Runner) appendQuiet(key string, events ...store.Event) {
	if err := r.deps.Sessions.Append(key, events...); err != nil {
		r.deps.Log.Error("agent.persist_failed", "session", key, "error", err)
	}
}

// originEnvelope returns the envelope that determines the reply route.
func originEnvelope(task scheduler.Task) *bus.Envelope {
	if len(task.Envelopes) == 0 {
		return nil
	}
	return &task.Envelopes[len(task.Envelopes)-1]
}

// needsReset applies the idle-window and daily-rollover triggers.
func needsReset(agent *config.ResolvedAgent, lastActive, now time.Time) bool {
	if lastActive.IsZero() {
		return false
	}
	if agent.ResetIdleMinutes > 0 && now.Sub(lastActive) >= time.Duration(agent.ResetIdleMinutes)*time.Minute {
		return true
	}
	if agent.DailyRollover {
		y1, m1, d1 := lastActive.UTC().Date()
		y2, m2, d2 := now.UTC().Date()
		if y1 != y2 || m1 != m2 || d1 != d2 {
			return true
		}
	}
	return false
}

// activeWindow returns the events after the most recent reset marker.
func activeWindow(events []store.Event) []store.Event {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Kind == store.KindSystemNote && events[i].Text == ResetNote {
			return events[i+1:]
		}
	}
	return events
}

// modelChain builds the fallback order: session override, agent primary,
// agent fallbacks, then the global default agent's model. Duplicates are
// dropped.
func modelChain(agent *config.ResolvedAgent, override string, snapshot *config.Config) []string {
	var chain []string
	seen := make(map[string]bool)
	add := func(m string) {
		if m != "" && !seen[m] {
			chain = append(chain, m)
			seen[m] = true
		}
	}
	add(override)
	add(agent.Model)
	for _, m := range agent.Fallbacks {
		add(m)
	}
	add(snapshot.Agents.Defaults.Model)
	return chain
}
