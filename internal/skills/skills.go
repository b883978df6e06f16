// Package skills loads prompt skill files from a workspace directory. A
// skill is a markdown file whose first heading names it; the body becomes a
// system prompt layer when an agent lists the skill.
package skills

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Skill is one loaded skill file.
type Skill struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Body string `json:"-"`
}

// Loader reads skills from a directory of .md files. Reload-safe.
type Loader struct {
	dir string
	log *slog.Logger

	mu     sync.RWMutex
	skills map[string]Skill
}

// NewLoader creates a loader rooted at dir and performs an initial load.
// A missing directory is not an error; the loader just stays empty.
func NewLoader(dir string, log *slog.Logger) *Loader {
	l := &Loader{dir: dir, log: log, skills: make(map[string]Skill)}
	l.Reload()
	return l
}

// Reload re-reads the skills directory.
func (l *Loader) Reload() {
	loaded := make(map[string]Skill)
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			l.log.Warn("skills.dir_unreadable", "dir", l.dir, "error", err)
		}
		l.mu.Lock()
		l.skills = loaded
		l.mu.Unlock()
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		path := filepath.Join(l.dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			l.log.Warn("skills.read_failed", "path", path, "error", err)
			continue
		}
		name, body := parseSkill(string(data), e.Name())
		loaded[name] = Skill{Name: name, Path: path, Body: body}
	}
	l.mu.Lock()
	l.skills = loaded
	l.mu.Unlock()
	l.log.Info("skills.loaded", "count", len(loaded), "dir", l.dir)
}

// parseSkill extracts the skill name from the first "# " heading, falling
// back to the file name without extension.
func parseSkill(text, filename string) (string, string) {
	name := strings.TrimSuffix(filename, ".md")
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "# ") {
		line, rest, _ := strings.Cut(trimmed, "\n")
		name = strings.TrimSpace(strings.TrimPrefix(line, "# "))
		trimmed = strings.TrimSpace(rest)
	}
	return name, trimmed
}

// Instructions returns the bodies of the named skills, in request order.
// Unknown names are skipped.
func (l *Loader) Instructions(names []string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []string
	for _, n := range names {
		if s, ok := l.skills[n]; ok {
			out = append(out, s.Body)
		}
	}
	return out
}

// List returns all loaded skills sorted by name.
func (l *Loader) List() []Skill {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Skill, 0, len(l.skills))
	for _, s := range l.skills {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
