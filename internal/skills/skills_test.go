package skills

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func testLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoaderReadsSkills(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("research.md", "# research\n\nAlways cite sources.")
	write("notes.md", "Keep notes terse.") // no heading: name from file
	write("readme.txt", "ignored")

	l := NewLoader(dir, testLog())
	list := l.List()
	if len(list) != 2 {
		t.Fatalf("skills = %+v", list)
	}
	if list[0].Name != "notes" || list[1].Name != "research" {
		t.Errorf("names = %s, %s", list[0].Name, list[1].Name)
	}

	got := l.Instructions([]string{"research", "missing", "notes"})
	if len(got) != 2 || got[0] != "Always cite sources." || got[1] != "Keep notes terse." {
		t.Errorf("instructions = %q", got)
	}
}

func TestLoaderMissingDir(t *testing.T) {
	l := NewLoader(filepath.Join(t.TempDir(), "absent"), testLog())
	if len(l.List()) != 0 {
		t.Error("skills from missing dir")
	}
	if got := l.Instructions([]string{"x"}); got != nil {
		t.Errorf("instructions = %v", got)
	}
}

func TestLoaderReload(t *testing.T) {
	dir := t.TempDir()
	l := NewLoader(dir, testLog())
	if len(l.List()) != 0 {
		t.Fatal("unexpected skills")
	}
	if err := os.WriteFile(filepath.Join(dir, "new.md"), []byte("# new\nbody"), 0o644); err != nil {
		t.Fatal(err)
	}
	l.Reload()
	if len(l.List()) != 1 {
		t.Error("reload missed new skill")
	}
}
