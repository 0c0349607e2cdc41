// Package workspace manages the per-project directory layout (C2):
// .ploinky/, agents/, code/, skills/, and the relative symlinks agents are
// exposed through.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ploinky/ploinky/pkg/perr"
)

// Dirs names the top-level directories a workspace owns, relative to root.
var Dirs = []string{".ploinky", "agents", "code", "skills"}

// Init creates the workspace directories under root. Idempotent: existing
// directories are left untouched.
func Init(root string) error {
	for _, d := range Dirs {
		path := filepath.Join(root, d)
		if err := os.MkdirAll(path, 0o755); err != nil {
			return perr.Wrap(perr.Internal, err, "create workspace dir %s", path)
		}
	}
	return nil
}

// CreateAgentSymlinks creates ./code/<agent> -> repoPath/code and
// ./skills/<agent> -> repoPath/skills, both as relative symlinks. A dangling
// existing link at either target is replaced; a non-symlink entry is left
// untouched (never silently overwritten).
func CreateAgentSymlinks(root, agent, repoPath string) error {
	if err := createSymlink(root, "code", agent, filepath.Join(repoPath, "code")); err != nil {
		return err
	}
	if err := createSymlink(root, "skills", agent, filepath.Join(repoPath, "skills")); err != nil {
		return err
	}
	return nil
}

func createSymlink(root, kind, agent, target string) error {
	linkPath := filepath.Join(root, kind, agent)

	if info, err := os.Lstat(linkPath); err == nil {
		if info.Mode()&os.ModeSymlink == 0 {
			return perr.New(perr.Internal, "%s is not a symlink, refusing to replace", linkPath)
		}
		if _, err := os.Stat(linkPath); err != nil {
			// Dangling symlink: safe to replace.
			if err := os.Remove(linkPath); err != nil {
				return perr.Wrap(perr.Internal, err, "remove dangling symlink %s", linkPath)
			}
		} else {
			return nil // already points somewhere valid; idempotent no-op
		}
	}

	rel, err := filepath.Rel(filepath.Dir(linkPath), target)
	if err != nil {
		rel = target
	}
	if err := os.Symlink(rel, linkPath); err != nil {
		return perr.Wrap(perr.Internal, err, "symlink %s -> %s", linkPath, rel)
	}
	return nil
}

// Issue describes one problem found by Verify.
type Issue struct {
	Path   string
	Reason string
}

func (i Issue) String() string { return fmt.Sprintf("%s: %s", i.Path, i.Reason) }

// Verify reports missing directories or broken symlinks under root.
func Verify(root string) []Issue {
	var issues []Issue
	for _, d := range Dirs {
		path := filepath.Join(root, d)
		if info, err := os.Stat(path); err != nil || !info.IsDir() {
			issues = append(issues, Issue{Path: path, Reason: "missing directory"})
		}
	}

	for _, kind := range []string{"code", "skills"} {
		dir := filepath.Join(root, kind)
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			full := filepath.Join(dir, e.Name())
			info, err := os.Lstat(full)
			if err != nil || info.Mode()&os.ModeSymlink == 0 {
				continue
			}
			if _, err := os.Stat(full); err != nil {
				issues = append(issues, Issue{Path: full, Reason: "broken symlink"})
			}
		}
	}
	return issues
}

// Teardown removes the agent's code/skills symlinks. ./agents/<agent>/ is
// intentionally left behind (it may hold cached node_modules, per spec §4.2).
func Teardown(root, agent string) error {
	for _, kind := range []string{"code", "skills"} {
		path := filepath.Join(root, kind, agent)
		if info, err := os.Lstat(path); err == nil && info.Mode()&os.ModeSymlink != 0 {
			if err := os.Remove(path); err != nil {
				return perr.Wrap(perr.Internal, err, "remove symlink %s", path)
			}
		}
	}
	return nil
}
