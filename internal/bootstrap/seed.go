// Package bootstrap seeds a fresh workspace with starter files: a README
// describing the layout and a couple of example skills. Existing files are
// never overwritten.
package bootstrap

import (
	"embed"
	"os"
	"path/filepath"
)

//go:embed templates
var templateFS embed.FS

// seedFiles maps workspace-relative paths to embedded templates.
var seedFiles = map[string]string{
	"README.md":            "templates/README.md",
	"skills/research.md":   "templates/skill_research.md",
	"skills/daily-note.md": "templates/skill_daily_note.md",
}

// Ensure creates the workspace directory and seeds missing starter files.
// Returns the workspace-relative paths that were created.
func Ensure(workspaceDir string) ([]string, error) {
	if err := os.MkdirAll(filepath.Join(workspaceDir, "skills"), 0o755); err != nil {
		return nil, err
	}
	var created []string
	for rel, tmpl := range seedFiles {
		ok, err := seedFile(workspaceDir, rel, tmpl)
		if err != nil {
			return created, err
		}
		if ok {
			created = append(created, rel)
		}
	}
	return created, nil
}

// seedFile writes one template if the destination does not exist. O_EXCL
// keeps concurrent gateways from clobbering each other.
func seedFile(workspaceDir, rel, tmpl string) (bool, error) {
	dst := filepath.Join(workspaceDir, rel)
	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	content, err := templateFS.ReadFile(tmpl)
	if err != nil {
		os.Remove(dst)
		return false, err
	}
	if _, err := f.Write(content); err != nil {
		return false, err
	}
	return true, nil
}
