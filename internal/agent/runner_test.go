package agent

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentgate/internal/authpool"
	"github.com/nextlevelbuilder/agentgate/internal/bus"
	"github.com/nextlevelbuilder/agentgate/internal/config"
	"github.com/nextlevelbuilder/agentgate/internal/providers"
	"github.com/nextlevelbuilder/agentgate/internal/scheduler"
	"github.com/nextlevelbuilder/agentgate/internal/store"
	"github.com/nextlevelbuilder/agentgate/internal/store/file"
	"github.com/nextlevelbuilder/agentgate/internal/tools"
	"github.com/nextlevelbuilder/agentgate/pkg/protocol"
)

// scriptedProvider replays canned turns; an entry with err set fails that
// call instead.
type scriptedProvider struct {
	mu    sync.Mutex
	turns []scriptedTurn
	calls []providers.Request
}

type scriptedTurn struct {
	resp *providers.Response
	err  error
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Complete(ctx context.Context, req providers.Request, onDelta func(providers.Delta)) (*providers.Response, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req)
	if len(p.turns) == 0 {
		p.mu.Unlock()
		// An exhausted script means the test expects the run to end first;
		// block until the run's context does it.
		<-ctx.Done()
		return nil, ctx.Err()
	}
	turn := p.turns[0]
	p.turns = p.turns[1:]
	p.mu.Unlock()
	if turn.err != nil {
		return nil, turn.err
	}
	if onDelta != nil && turn.resp.Text != "" {
		onDelta(providers.Delta{Text: turn.resp.Text})
	}
	return turn.resp, nil
}

func (p *scriptedProvider) requests() []providers.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]providers.Request, len(p.calls))
	copy(out, p.calls)
	return out
}

// countTool records invocations; params require a "msg" string.
type countTool struct {
	mu    sync.Mutex
	calls []string
}

func (c *countTool) Name() string        { return "note" }
func (c *countTool) Description() string { return "record a note" }
func (c *countTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{"msg": map[string]interface{}{"type": "string"}},
		"required":   []interface{}{"msg"},
	}
}
func (c *countTool) Execute(_ context.Context, params json.RawMessage) *tools.Result {
	var in struct {
		Msg string `json:"msg"`
	}
	_ = json.Unmarshal(params, &in)
	c.mu.Lock()
	c.calls = append(c.calls, in.Msg)
	c.mu.Unlock()
	return tools.NewResult("noted: " + in.Msg)
}

type runnerFixture struct {
	runner   *Runner
	provider *scriptedProvider
	pub      *capturePublisher
	sessions store.SessionStore
	outbound *bus.MessageBus
	tool     *countTool
	pool     *authpool.Pool
}

func newRunnerFixture(t *testing.T, mutate func(*config.Config)) *runnerFixture {
	t.Helper()
	dir := t.TempDir()

	cfg := &config.Config{
		Agents: config.AgentsConfig{
			Defaults: config.AgentDefaults{
				Provider:          "anthropic",
				Model:             "claude-test-1",
				MaxTokens:         1024,
				MaxToolIterations: 5,
				SystemPrompt:      "you are helpful",
			},
			List:    map[string]config.AgentSpec{"main": {}},
			Default: "main",
		},
	}
	if mutate != nil {
		mutate(cfg)
	}

	profiles := []config.AuthProfileConfig{
		{Name: "p1", Provider: "anthropic", KeyEnv: "TEST_KEY_1"},
		{Name: "p2", Provider: "anthropic", KeyEnv: "TEST_KEY_2"},
	}
	for i := range profiles {
		profiles[i].SetKey("sk-test")
	}
	pool, err := authpool.New(profiles, filepath.Join(dir, "authpool.json"), discardLog())
	if err != nil {
		t.Fatal(err)
	}

	sessions, err := file.New(filepath.Join(dir, "sessions"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sessions.Close() })

	registry := tools.NewRegistry()
	tool := &countTool{}
	if err := registry.Register(tool); err != nil {
		t.Fatal(err)
	}

	pub := &capturePublisher{}
	outbound := bus.NewMessageBus()
	provider := &scriptedProvider{}

	runner := NewRunner(Deps{
		Config:   config.NewStore("", cfg),
		Sessions: sessions,
		Registry: registry,
		Broker:   tools.NewBroker(nil),
		Pool:     pool,
		Events:   pub,
		Outbound: outbound,
		Log:      discardLog(),
	})
	runner.newProvider = func(authpool.Profile) (providers.Provider, error) {
		return provider, nil
	}

	return &runnerFixture{
		runner: runner, provider: provider, pub: pub,
		sessions: sessions, outbound: outbound, tool: tool, pool: pool,
	}
}

func messageTask(text string) scheduler.Task {
	return scheduler.Task{
		SessionKey: "agent:main:main",
		AgentID:    "main",
		Trigger:    "message",
		Envelopes: []bus.Envelope{{
			Channel:     "loopback",
			Account:     "default",
			Peer:        "u1",
			FromDisplay: "User",
			Timestamp:   time.Now(),
			Text:        text,
		}},
	}
}

func kinds(events []RunEvent) []string {
	var out []string
	for _, ev := range events {
		out = append(out, ev.Kind)
	}
	return out
}

func terminalCount(events []RunEvent) (finals, errs int) {
	for _, ev := range events {
		switch ev.Kind {
		case protocol.RunEventFinal:
			finals++
		case protocol.RunEventError:
			errs++
		}
	}
	return
}

func TestRunSimpleCompletion(t *testing.T) {
	f := newRunnerFixture(t, nil)
	f.provider.turns = []scriptedTurn{
		{resp: &providers.Response{Text: "hi there", StopReason: providers.StopEnd}},
	}

	f.runner.Run(context.Background(), messageTask("hello"))

	events := f.pub.snapshot()
	finals, errs := terminalCount(events)
	if finals != 1 || errs != 0 {
		t.Fatalf("finals=%d errs=%d kinds=%v", finals, errs, kinds(events))
	}
	last := events[len(events)-1]
	if last.Kind != protocol.RunEventFinal || last.Payload["text"] != "hi there" {
		t.Errorf("final = %+v", last)
	}

	// Transcript holds the user turn and the assistant reply.
	persisted, err := f.sessions.Read("agent:main:main")
	if err != nil {
		t.Fatal(err)
	}
	if len(persisted) != 2 {
		t.Fatalf("persisted = %d events", len(persisted))
	}
	if persisted[0].Kind != store.KindUserMessage || !strings.Contains(persisted[0].Text, "hello") {
		t.Errorf("user event = %+v", persisted[0])
	}
	if persisted[1].Kind != store.KindAssistantMessage || persisted[1].Text != "hi there" {
		t.Errorf("assistant event = %+v", persisted[1])
	}

	// Reply routes back out on the origin channel with the run as delivery key.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := f.outbound.ConsumeOutbound(ctx)
	if !ok {
		t.Fatal("no outbound message")
	}
	if msg.Channel != "loopback" || msg.Target != "u1" || msg.Text != "hi there" {
		t.Errorf("outbound = %+v", msg)
	}
	if msg.DeliveryKey == "" {
		t.Error("missing delivery key")
	}

	// The request carried the layered system prompt.
	reqs := f.provider.requests()
	if len(reqs) != 1 || reqs[0].System != "you are helpful" {
		t.Errorf("requests = %+v", reqs)
	}
}

func TestRunToolLoop(t *testing.T) {
	f := newRunnerFixture(t, nil)
	f.provider.turns = []scriptedTurn{
		{resp: &providers.Response{
			StopReason: providers.StopToolCalls,
			ToolCalls: []providers.ToolCall{
				{ID: "t1", Name: "note", Params: []byte(`{"msg":"step one"}`)},
			},
		}},
		{resp: &providers.Response{Text: "done", StopReason: providers.StopEnd}},
	}

	f.runner.Run(context.Background(), messageTask("do the thing"))

	if len(f.tool.calls) != 1 || f.tool.calls[0] != "step one" {
		t.Fatalf("tool calls = %v", f.tool.calls)
	}

	events := f.pub.snapshot()
	var sawCall, sawResult bool
	for _, ev := range events {
		switch ev.Kind {
		case protocol.RunEventToolCall:
			sawCall = ev.Payload["name"] == "note"
		case protocol.RunEventToolResult:
			sawResult = ev.Payload["ok"] == true
		}
	}
	if !sawCall || !sawResult {
		t.Errorf("tool events missing: %v", kinds(events))
	}

	// Second request threads the tool result back.
	reqs := f.provider.requests()
	if len(reqs) != 2 {
		t.Fatalf("requests = %d", len(reqs))
	}
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	if last.Role != "tool" || last.ToolCallID != "t1" || last.Text != "noted: step one" {
		t.Errorf("threaded result = %+v", last)
	}

	// Transcript: user, tool_call, tool_result, assistant.
	persisted, _ := f.sessions.Read("agent:main:main")
	var gotKinds []store.EventKind
	for _, ev := range persisted {
		gotKinds = append(gotKinds, ev.Kind)
	}
	want := []store.EventKind{store.KindUserMessage, store.KindToolCall, store.KindToolResult, store.KindAssistantMessage}
	if len(gotKinds) != len(want) {
		t.Fatalf("kinds = %v", gotKinds)
	}
	for i := range want {
		if gotKinds[i] != want[i] {
			t.Fatalf("kinds = %v, want %v", gotKinds, want)
		}
	}
}

func TestRunDeniedTool(t *testing.T) {
	f := newRunnerFixture(t, func(cfg *config.Config) {
		spec := cfg.Agents.List["main"]
		spec.Tools = &config.ToolPolicy{Classes: map[string]string{"note": "denied"}}
		cfg.Agents.List["main"] = spec
	})
	f.provider.turns = []scriptedTurn{
		{resp: &providers.Response{
			StopReason: providers.StopToolCalls,
			ToolCalls:  []providers.ToolCall{{ID: "t1", Name: "note", Params: []byte(`{"msg":"x"}`)}},
		}},
		{resp: &providers.Response{Text: "understood", StopReason: providers.StopEnd}},
	}

	f.runner.Run(context.Background(), messageTask("try it"))

	if len(f.tool.calls) != 0 {
		t.Errorf("denied tool executed: %v", f.tool.calls)
	}
	var denied bool
	for _, ev := range f.pub.snapshot() {
		if ev.Kind == protocol.RunEventToolCall && ev.Payload["denied"] == true {
			denied = true
		}
	}
	if !denied {
		t.Error("no denied tool_call event")
	}
	// The model still sees a failed tool result and can recover.
	reqs := f.provider.requests()
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	if last.Role != "tool" || last.ToolOK {
		t.Errorf("denied result = %+v", last)
	}
}

func TestRunApprovalGate(t *testing.T) {
	f := newRunnerFixture(t, func(cfg *config.Config) {
		spec := cfg.Agents.List["main"]
		spec.Tools = &config.ToolPolicy{Classes: map[string]string{"note": "approval"}}
		cfg.Agents.List["main"] = spec
	})
	f.provider.turns = []scriptedTurn{
		{resp: &providers.Response{
			StopReason: providers.StopToolCalls,
			ToolCalls:  []providers.ToolCall{{ID: "t1", Name: "note", Params: []byte(`{"msg":"gated"}`)}},
		}},
		{resp: &providers.Response{Text: "done", StopReason: providers.StopEnd}},
	}

	// Approve as soon as the request shows up.
	broker := tools.NewBroker(nil)
	f.runner.deps.Broker = broker
	go func() {
		for {
			for _, a := range broker.Pending() {
				_ = broker.Resolve(a.ID, tools.Resolution{Approved: true})
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	f.runner.Run(context.Background(), messageTask("gated op"))

	if len(f.tool.calls) != 1 || f.tool.calls[0] != "gated" {
		t.Fatalf("tool calls = %v", f.tool.calls)
	}
	var needsApproval bool
	for _, ev := range f.pub.snapshot() {
		if ev.Kind == protocol.RunEventToolCall && ev.Payload["needs_approval"] == true {
			needsApproval = true
		}
	}
	if !needsApproval {
		t.Error("no needs_approval tool_call event")
	}
}

func TestRunApprovalRejected(t *testing.T) {
	f := newRunnerFixture(t, func(cfg *config.Config) {
		spec := cfg.Agents.List["main"]
		spec.Tools = &config.ToolPolicy{Classes: map[string]string{"note": "approval"}}
		cfg.Agents.List["main"] = spec
	})
	f.provider.turns = []scriptedTurn{
		{resp: &providers.Response{
			StopReason: providers.StopToolCalls,
			ToolCalls:  []providers.ToolCall{{ID: "t1", Name: "note", Params: []byte(`{"msg":"nope"}`)}},
		}},
		{resp: &providers.Response{Text: "ok, skipping", StopReason: providers.StopEnd}},
	}

	broker := tools.NewBroker(nil)
	f.runner.deps.Broker = broker
	go func() {
		for {
			for _, a := range broker.Pending() {
				_ = broker.Resolve(a.ID, tools.Resolution{Approved: false, Reason: "not today"})
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	f.runner.Run(context.Background(), messageTask("gated op"))

	if len(f.tool.calls) != 0 {
		t.Errorf("rejected tool executed: %v", f.tool.calls)
	}
	reqs := f.provider.requests()
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	if last.ToolOK || !strings.Contains(last.Text, "not today") {
		t.Errorf("rejection result = %+v", last)
	}
}

func TestRunProfileFailover(t *testing.T) {
	f := newRunnerFixture(t, nil)
	f.provider.turns = []scriptedTurn{
		{err: &providers.APIError{Provider: "anthropic", Status: 429}},
		{resp: &providers.Response{Text: "recovered", StopReason: providers.StopEnd}},
	}

	f.runner.Run(context.Background(), messageTask("hello"))

	events := f.pub.snapshot()
	finals, errs := terminalCount(events)
	if finals != 1 || errs != 0 {
		t.Fatalf("finals=%d errs=%d kinds=%v", finals, errs, kinds(events))
	}

	// The failing profile went on cooldown; the other served the retry.
	var cooling int
	for _, st := range f.pool.Statuses() {
		if st.CooldownUntil.After(time.Now()) {
			cooling++
		}
	}
	if cooling != 1 {
		t.Errorf("cooling profiles = %d, want 1", cooling)
	}
}

func TestRunAllProfilesExhausted(t *testing.T) {
	f := newRunnerFixture(t, nil)
	// Every attempt on every profile fails transiently.
	for i := 0; i < 12; i++ {
		f.provider.turns = append(f.provider.turns, scriptedTurn{
			err: &providers.APIError{Provider: "anthropic", Status: 500},
		})
	}

	f.runner.Run(context.Background(), messageTask("hello"))

	events := f.pub.snapshot()
	finals, errs := terminalCount(events)
	if finals != 0 || errs != 1 {
		t.Fatalf("finals=%d errs=%d kinds=%v", finals, errs, kinds(events))
	}
	// The failure is recorded in the transcript for clients.
	persisted, _ := f.sessions.Read("agent:main:main")
	lastEv := persisted[len(persisted)-1]
	if lastEv.Kind != store.KindSystemNote || !strings.Contains(lastEv.Text, "failed") {
		t.Errorf("failure note = %+v", lastEv)
	}
}

func TestRunModelFallbackOnFormatError(t *testing.T) {
	f := newRunnerFixture(t, func(cfg *config.Config) {
		cfg.Agents.Defaults.Fallbacks = []string{"claude-test-2"}
	})
	f.provider.turns = []scriptedTurn{
		{err: &providers.APIError{Provider: "anthropic", Status: 400, Body: "bad request"}},
		{resp: &providers.Response{Text: "fallback worked", StopReason: providers.StopEnd}},
	}

	f.runner.Run(context.Background(), messageTask("hello"))

	reqs := f.provider.requests()
	if len(reqs) != 2 {
		t.Fatalf("requests = %d", len(reqs))
	}
	if reqs[0].Model != "claude-test-1" || reqs[1].Model != "claude-test-2" {
		t.Errorf("models = %q, %q", reqs[0].Model, reqs[1].Model)
	}
	finals, errs := terminalCount(f.pub.snapshot())
	if finals != 1 || errs != 0 {
		t.Errorf("finals=%d errs=%d", finals, errs)
	}
}

func TestRunAbortedMidLoop(t *testing.T) {
	f := newRunnerFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	f.provider.turns = []scriptedTurn{
		{resp: &providers.Response{
			StopReason: providers.StopToolCalls,
			ToolCalls:  []providers.ToolCall{{ID: "t1", Name: "note", Params: []byte(`{"msg":"first"}`)}},
		}},
	}
	// Cancel once the tool has run; the loop observes it before the next call.
	go func() {
		for {
			f.tool.mu.Lock()
			n := len(f.tool.calls)
			f.tool.mu.Unlock()
			if n > 0 {
				cancel()
				return
			}
			time.Sleep(2 * time.Millisecond)
		}
	}()

	f.runner.Run(ctx, messageTask("long task"))
	cancel()

	events := f.pub.snapshot()
	finals, errs := terminalCount(events)
	if finals != 1 || errs != 0 {
		t.Fatalf("finals=%d errs=%d kinds=%v", finals, errs, kinds(events))
	}
	var reason string
	for _, ev := range events {
		if ev.Kind == protocol.RunEventFinal {
			reason, _ = ev.Payload["reason"].(string)
		}
	}
	if reason != "aborted" {
		t.Errorf("final reason = %q", reason)
	}
	// Completed tool work is persisted even though the run aborted.
	persisted, _ := f.sessions.Read("agent:main:main")
	var sawResult bool
	for _, ev := range persisted {
		if ev.Kind == store.KindToolResult {
			sawResult = true
		}
	}
	if !sawResult {
		t.Error("tool result not persisted on abort")
	}
}

func TestRunCompactsOversizedTranscript(t *testing.T) {
	f := newRunnerFixture(t, func(cfg *config.Config) {
		cfg.Agents.Defaults.Compaction = &config.CompactionConfig{
			ContextWindowTokens: 400,
			TriggerRatio:        1.2,
			KeepLastEvents:      4,
		}
	})

	// Prefill a transcript well past 1.2 × the window.
	var prefill []store.Event
	for i := 0; i < 30; i++ {
		prefill = append(prefill,
			store.Event{Kind: store.KindUserMessage, Text: wordBlob(20)},
			store.Event{Kind: store.KindAssistantMessage, Text: wordBlob(20)},
		)
	}
	if err := f.sessions.Append("agent:main:main", prefill...); err != nil {
		t.Fatal(err)
	}
	before := NewEstimator().EstimateEvents(prefill)
	if before < 480 {
		t.Fatalf("prefill estimate %d too small for the trigger", before)
	}

	// Summarization calls plus the real turn all hit the scripted provider.
	for i := 0; i < 10; i++ {
		f.provider.turns = append(f.provider.turns, scriptedTurn{
			resp: &providers.Response{Text: "condensed", StopReason: providers.StopEnd},
		})
	}

	f.runner.Run(context.Background(), messageTask("still there?"))

	finals, errs := terminalCount(f.pub.snapshot())
	if finals != 1 || errs != 0 {
		t.Fatalf("finals=%d errs=%d", finals, errs)
	}
	var sawCompacting bool
	for _, ev := range f.pub.snapshot() {
		if ev.Kind == protocol.RunEventLifecycle && ev.Payload["phase"] == protocol.RunPhaseCompacting {
			sawCompacting = true
		}
	}
	if !sawCompacting {
		t.Error("no compacting lifecycle event")
	}

	persisted, _ := f.sessions.Read("agent:main:main")
	if persisted[0].Kind != store.KindCompactionMarker {
		t.Errorf("transcript head = %s", persisted[0].Kind)
	}
	meta, _ := f.sessions.Meta("agent:main:main")
	if meta.TokenEstimate >= before {
		t.Errorf("token estimate %d did not shrink from %d", meta.TokenEstimate, before)
	}
}

func TestRunRecordsLastRoute(t *testing.T) {
	f := newRunnerFixture(t, nil)
	f.provider.turns = []scriptedTurn{
		{resp: &providers.Response{Text: "ok", StopReason: providers.StopEnd}},
	}
	task := messageTask("hi")
	task.Envelopes[0].Group = "g9"
	f.runner.Run(context.Background(), task)

	meta, ok := f.sessions.Meta("agent:main:main")
	if !ok {
		t.Fatal("no meta")
	}
	if meta.LastChannel != "loopback" || meta.LastTarget != "g9" {
		t.Errorf("route = %q/%q", meta.LastChannel, meta.LastTarget)
	}
}
