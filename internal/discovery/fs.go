package discovery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"pkgwatch/internal/packagemanager"
)

// FSDiscovery discovers packages by walking the repo's filesystem
// directly: inferring the package manager from lockfiles present at the
// root, resolving its workspace glob filter, and expanding that filter
// against the directory tree. It is the standalone equivalent of the
// daemon-backed discovery the original implementation delegates to.
type FSDiscovery struct {
	RepoRoot string

	// mu serializes Discover calls, matching the "discovery backend is
	// shared behind an asynchronous mutex" requirement in the spec:
	// concurrent filesystem walks from a rediscovery race and an initial
	// discovery race would be wasteful.
	mu sync.Mutex
}

// Discover infers the package manager, resolves its glob filter, and
// walks the repo tree for workspace directories.
func (d *FSDiscovery) Discover(ctx context.Context) (Response, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Response{}, err
	}

	manager, err := packagemanager.Infer(d.RepoRoot)
	if err != nil {
		return Response{}, fmt.Errorf("inferring package manager: %w", err)
	}

	_, filter, err := packagemanager.ResolveConfig(manager, d.RepoRoot)
	if err != nil {
		return Response{}, fmt.Errorf("resolving workspace globs: %w", err)
	}

	dirs, err := filter.ExpandDirs(d.RepoRoot)
	if err != nil {
		return Response{}, fmt.Errorf("expanding workspace globs: %w", err)
	}

	// The repo root itself is always a workspace when it has a
	// package.json, regardless of whether the glob filter selects it
	// (filters describe nested workspaces, never the root).
	candidates := append([]string{d.RepoRoot}, dirs...)

	workspaces := make([]WorkspaceData, 0, len(candidates))
	for _, dir := range candidates {
		packageJSON := filepath.Join(dir, "package.json")
		if _, err := os.Stat(packageJSON); err != nil {
			continue
		}
		workspaces = append(workspaces, WorkspaceData{
			PackageJSON: packageJSON,
			TurboJSON:   turboJSONIfExists(dir),
		})
	}

	return Response{PackageManager: manager, Workspaces: workspaces}, nil
}

func turboJSONIfExists(dir string) string {
	path := filepath.Join(dir, "turbo.json")
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}
