package file

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/agentgate/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestAppendAssignsContiguousSeq(t *testing.T) {
	s := newTestStore(t)
	key := "agent:a1:peer:x:acc:u1"

	if err := s.Append(key,
		store.Event{Kind: store.KindUserMessage, Text: "hi"},
		store.Event{Kind: store.KindAssistantMessage, Text: "hello"},
	); err != nil {
		t.Fatal(err)
	}
	if err := s.Append(key, store.Event{Kind: store.KindUserMessage, Text: "more"}); err != nil {
		t.Fatal(err)
	}

	events, err := s.Read(key)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("len = %d, want 3", len(events))
	}
	for i, ev := range events {
		if ev.Seq != int64(i+1) {
			t.Errorf("events[%d].Seq = %d, want %d", i, ev.Seq, i+1)
		}
	}
}

func TestSeqSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	key := "agent:a1:peer:x:acc:u1"
	if err := s.Append(key, store.Event{Kind: store.KindUserMessage, Text: "one"}); err != nil {
		t.Fatal(err)
	}

	s2, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := s2.Append(key, store.Event{Kind: store.KindUserMessage, Text: "two"}); err != nil {
		t.Fatal(err)
	}
	events, _ := s2.Read(key)
	if len(events) != 2 || events[1].Seq != 2 {
		t.Fatalf("unexpected events after reopen: %+v", events)
	}
}

func TestTornTailTruncated(t *testing.T) {
	s := newTestStore(t)
	key := "agent:a1:peer:x:acc:u1"
	if err := s.Append(key,
		store.Event{Kind: store.KindUserMessage, Text: "a"},
		store.Event{Kind: store.KindAssistantMessage, Text: "b"},
	); err != nil {
		t.Fatal(err)
	}

	// Simulate a crash mid-append: a partial JSON line at the tail.
	path := s.transcriptPath(key)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(`{"seq":3,"kind":"user_message","text":"torn-tail`); err != nil {
		t.Fatal(err)
	}
	f.Close()

	events, err := readTranscript(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("len = %d, want 2 (torn tail dropped)", len(events))
	}

	// The file itself must now be clean.
	data, _ := os.ReadFile(path)
	if strings.Contains(string(data), "torn-tail") {
		t.Error("torn tail not truncated from file")
	}

	// And appends continue from the last good seq.
	s2, err := New(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if err := s2.Append(key, store.Event{Kind: store.KindUserMessage, Text: "c"}); err != nil {
		t.Fatal(err)
	}
	events, _ = s2.Read(key)
	if events[len(events)-1].Seq != 3 {
		t.Errorf("seq after recovery = %d, want 3", events[len(events)-1].Seq)
	}
}

func TestRewriteReplacesTranscript(t *testing.T) {
	s := newTestStore(t)
	key := "agent:a1:peer:x:acc:u1"
	for i := 0; i < 5; i++ {
		if err := s.Append(key, store.Event{Kind: store.KindUserMessage, Text: "m"}); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.Rewrite(key, []store.Event{
		{Kind: store.KindCompactionMarker, Text: "summary of earlier conversation"},
		{Kind: store.KindUserMessage, Text: "latest"},
	}); err != nil {
		t.Fatal(err)
	}

	events, _ := s.Read(key)
	if len(events) != 2 {
		t.Fatalf("len = %d, want 2", len(events))
	}
	if events[0].Kind != store.KindCompactionMarker || events[0].Seq != 1 {
		t.Errorf("unexpected head: %+v", events[0])
	}
	m, _ := s.Meta(key)
	if m.EventCount != 2 {
		t.Errorf("EventCount = %d, want 2", m.EventCount)
	}
}

func TestDeleteRetainsTranscript(t *testing.T) {
	s := newTestStore(t)
	key := "agent:a1:peer:x:acc:u1"
	if err := s.Append(key, store.Event{Kind: store.KindUserMessage, Text: "hi"}); err != nil {
		t.Fatal(err)
	}
	path := s.transcriptPath(key)

	if err := s.Delete(key, false); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Meta(key); ok {
		t.Error("meta survived delete")
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("transcript should be retained: %v", err)
	}

	// Purge removes the file too.
	if err := s.Append(key, store.Event{Kind: store.KindUserMessage, Text: "hi"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(key, true); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("transcript should be purged")
	}
}

func TestOverridesAndRoute(t *testing.T) {
	s := newTestStore(t)
	key := "agent:a1:peer:x:acc:u1"
	if err := s.Append(key, store.Event{Kind: store.KindUserMessage, Text: "hi"}); err != nil {
		t.Fatal(err)
	}

	if err := s.SetOverrides(key, store.Overrides{Model: "m2", ThinkingLevel: "high"}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetLastRoute(key, "x", "acc", "u1"); err != nil {
		t.Fatal(err)
	}

	m, ok := s.Meta(key)
	if !ok {
		t.Fatal("missing meta")
	}
	if m.Overrides.Model != "m2" || m.LastChannel != "x" || m.LastTarget != "u1" {
		t.Errorf("meta = %+v", m)
	}

	if err := s.SetOverrides("missing", store.Overrides{}); err != store.ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
