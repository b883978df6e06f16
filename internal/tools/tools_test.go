package tools

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentgate/internal/config"
	"github.com/nextlevelbuilder/agentgate/internal/media"
)

type echoTool struct{}

func (echoTool) Name() string        { return "echo" }
func (echoTool) Description() string { return "echoes text back" }
func (echoTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"text": map[string]interface{}{"type": "string"},
		},
		"required": []interface{}{"text"},
	}
}
func (echoTool) Execute(_ context.Context, params json.RawMessage) *Result {
	var p struct {
		Text string `json:"text"`
	}
	json.Unmarshal(params, &p)
	return NewResult(p.Text)
}

func TestRegistryValidatesParams(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(echoTool{}); err != nil {
		t.Fatal(err)
	}

	res := r.Execute(context.Background(), "echo", json.RawMessage(`{"text":"hi"}`))
	if !res.OK || res.Content != "hi" {
		t.Errorf("result = %+v", res)
	}

	// Missing required field fails validation, not execution.
	res = r.Execute(context.Background(), "echo", json.RawMessage(`{}`))
	if res.OK || !strings.Contains(res.Content, "invalid params") {
		t.Errorf("result = %+v", res)
	}

	// Wrong type likewise.
	res = r.Execute(context.Background(), "echo", json.RawMessage(`{"text":42}`))
	if res.OK {
		t.Errorf("numeric text accepted: %+v", res)
	}

	res = r.Execute(context.Background(), "nope", nil)
	if res.OK || !strings.Contains(res.Content, "unknown tool") {
		t.Errorf("result = %+v", res)
	}
}

type badSchemaTool struct{ echoTool }

func (badSchemaTool) Name() string { return "bad" }
func (badSchemaTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{"type": "string"}
}

func TestRegistryRejectsNonObjectSchema(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(badSchemaTool{}); err == nil {
		t.Fatal("non-object schema accepted")
	}
}

func TestPolicyClasses(t *testing.T) {
	p := NewPolicy(&config.ToolPolicy{
		Allow:   []string{"echo", "shell", "web_fetch"},
		Deny:    []string{"web_fetch"},
		Classes: map[string]string{"echo": "approval"},
	})

	if !p.Allowed("echo") || !p.Allowed("shell") {
		t.Error("allowed tools rejected")
	}
	if p.Allowed("web_fetch") {
		t.Error("deny not honored")
	}
	if p.Allowed("other") {
		t.Error("tool outside allow list admitted")
	}

	if got := p.ClassOf("echo"); got != ClassApproval {
		t.Errorf("echo class = %v", got)
	}
	// Default class for shell is approval even with no config entry.
	if got := p.ClassOf("shell"); got != ClassApproval {
		t.Errorf("shell class = %v", got)
	}
	if got := p.ClassOf("anything_else"); got != ClassAuto {
		t.Errorf("default class = %v", got)
	}

	// Nil policy: everything auto except defaults.
	open := NewPolicy(nil)
	if !open.Allowed("whatever") || open.ClassOf("shell") != ClassApproval {
		t.Error("nil policy defaults wrong")
	}
}

func TestBrokerResolve(t *testing.T) {
	var notified []Approval
	b := NewBroker(func(a Approval) { notified = append(notified, a) })

	type outcome struct {
		id  string
		res Resolution
	}
	done := make(chan outcome, 1)
	go func() {
		id, res := b.Await(context.Background(), "run1", "agent:a1:peer:x:acc:u1", "shell", json.RawMessage(`{"command":"ls"}`))
		done <- outcome{id, res}
	}()

	var pending []Approval
	deadline := time.After(2 * time.Second)
	for len(pending) == 0 {
		select {
		case <-deadline:
			t.Fatal("approval never became pending")
		default:
			pending = b.Pending()
			time.Sleep(time.Millisecond)
		}
	}

	if pending[0].Tool != "shell" || pending[0].RunID != "run1" {
		t.Errorf("pending = %+v", pending[0])
	}
	if err := b.Resolve(pending[0].ID, Resolution{Approved: true}); err != nil {
		t.Fatal(err)
	}

	out := <-done
	if !out.res.Approved || out.id != pending[0].ID {
		t.Errorf("outcome = %+v", out)
	}
	if len(b.Pending()) != 0 {
		t.Error("approval still pending after resolve")
	}
	if len(notified) != 1 {
		t.Errorf("notify calls = %d", len(notified))
	}

	if err := b.Resolve("missing", Resolution{}); err != ErrApprovalNotFound {
		t.Errorf("expected ErrApprovalNotFound, got %v", err)
	}
}

func TestBrokerContextCancel(t *testing.T) {
	b := NewBroker(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, res := b.Await(ctx, "run1", "key", "shell", nil)
	if res.Approved {
		t.Error("cancelled approval came back approved")
	}
	if len(b.Pending()) != 0 {
		t.Error("cancelled approval left pending")
	}
}

func TestShellTool(t *testing.T) {
	sh := NewShellTool("")
	r := NewRegistry()
	if err := r.Register(sh); err != nil {
		t.Fatal(err)
	}

	res := r.Execute(context.Background(), "shell", json.RawMessage(`{"command":"echo hello"}`))
	if !res.OK || !strings.Contains(res.Content, "hello") {
		t.Errorf("result = %+v", res)
	}
	var d shellDetails
	json.Unmarshal(res.Details, &d)
	if d.ExitCode != 0 {
		t.Errorf("details = %+v", d)
	}

	res = r.Execute(context.Background(), "shell", json.RawMessage(`{"command":"exit 3"}`))
	if res.OK {
		t.Error("nonzero exit reported OK")
	}
	json.Unmarshal(res.Details, &d)
	if d.ExitCode != 3 {
		t.Errorf("exit code = %d", d.ExitCode)
	}
}

func TestWebFetchTool(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte("<html>hi</html>"))
	}))
	defer srv.Close()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := media.NewStore(t.TempDir(), time.Hour, log)
	if err != nil {
		t.Fatal(err)
	}
	fetcher := media.NewFetcher(st, 1<<20, 10*time.Second, true)
	wf := NewWebFetchTool(fetcher, st)

	res := wf.Execute(context.Background(), json.RawMessage(`{"url":"`+srv.URL+`"}`))
	if !res.OK || !strings.Contains(res.Content, "<html>hi</html>") {
		t.Errorf("result = %+v", res)
	}
	var d webFetchDetails
	json.Unmarshal(res.Details, &d)
	if !d.Inline || d.Hash == "" {
		t.Errorf("details = %+v", d)
	}
}

func TestIsTextual(t *testing.T) {
	for ct, want := range map[string]bool{
		"text/plain":                true,
		"text/html; charset=utf-8":  true,
		"application/json":          true,
		"application/problem+json":  true,
		"image/png":                 false,
		"application/octet-stream":  false,
		"video/mp4":                 false,
	} {
		if got := isTextual(ct); got != want {
			t.Errorf("isTextual(%q) = %v, want %v", ct, got, want)
		}
	}
}
