package packagemanager

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ErrNotUnderRoot is returned by TargetIsWorkspace when candidateDir is not
// anchored under repoRoot.
var ErrNotUnderRoot = errors.New("packagemanager: candidate directory is not under the repo root")

// WorkspaceGlobs is the compiled include/exclude glob filter that selects
// workspace directories, as declared in package.json's "workspaces" field
// or pnpm-workspace.yaml's "packages" list. Patterns prefixed with "!" are
// treated as excludes, matching npm/yarn convention.
//
// Equality is structural: two WorkspaceGlobs with the same include and
// exclude sets (irrespective of source ordering) compare equal, since the
// plain slice fields are not themselves comparable.
type WorkspaceGlobs struct {
	includes []string
	excludes []string
	key      string
}

// NewWorkspaceGlobs compiles patterns (which may mix plain includes and
// "!"-prefixed excludes) plus any additional excludes into a
// WorkspaceGlobs filter. node_modules is always implicitly excluded.
func NewWorkspaceGlobs(patterns, extraExcludes []string) *WorkspaceGlobs {
	var includes, excludes []string
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if strings.HasPrefix(p, "!") {
			excludes = append(excludes, strings.TrimPrefix(p, "!"))
		} else {
			includes = append(includes, p)
		}
	}
	excludes = append(excludes, extraExcludes...)
	excludes = append(excludes, "**/node_modules/**", "**/node_modules")

	sort.Strings(includes)
	sort.Strings(excludes)

	return &WorkspaceGlobs{
		includes: includes,
		excludes: excludes,
		key:      strings.Join(includes, "\x00") + "\x1f" + strings.Join(excludes, "\x00"),
	}
}

// Equal reports whether two filters select the same set of paths.
func (g *WorkspaceGlobs) Equal(other *WorkspaceGlobs) bool {
	if g == nil || other == nil {
		return g == other
	}
	return g.key == other.key
}

// Includes returns the sorted include patterns.
func (g *WorkspaceGlobs) Includes() []string {
	return append([]string(nil), g.includes...)
}

// TargetIsWorkspace reports whether candidateDir is selected by the
// filter. It returns ErrNotUnderRoot if candidateDir is not anchored
// under repoRoot; callers should treat that as "skip this path".
func (g *WorkspaceGlobs) TargetIsWorkspace(repoRoot, candidateDir string) (bool, error) {
	rel, err := filepath.Rel(repoRoot, candidateDir)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false, ErrNotUnderRoot
	}
	rel = filepath.ToSlash(rel)
	if rel == "." {
		return false, nil
	}

	matched := false
	for _, inc := range g.includes {
		if ok, _ := doublestar.Match(inc, rel); ok {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}
	for _, exc := range g.excludes {
		if ok, _ := doublestar.Match(exc, rel); ok {
			return false, nil
		}
	}
	return true, nil
}

// ExpandDirs walks repoRoot's filesystem and returns every directory
// selected by the filter, relative-path order unspecified.
func (g *WorkspaceGlobs) ExpandDirs(repoRoot string) ([]string, error) {
	root := os.DirFS(repoRoot)
	seen := map[string]struct{}{}
	var out []string

	for _, inc := range g.includes {
		matches, err := doublestar.Glob(root, inc)
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			info, err := fs.Stat(root, m)
			if err != nil || !info.IsDir() {
				continue
			}
			abs := filepath.Join(repoRoot, filepath.FromSlash(m))
			if excluded, _ := g.isExcluded(m); excluded {
				continue
			}
			if _, ok := seen[abs]; ok {
				continue
			}
			seen[abs] = struct{}{}
			out = append(out, abs)
		}
	}
	return out, nil
}

func (g *WorkspaceGlobs) isExcluded(relSlash string) (bool, error) {
	for _, exc := range g.excludes {
		if ok, _ := doublestar.Match(exc, relSlash); ok {
			return true, nil
		}
	}
	return false, nil
}
