// Package discovery defines the package-discovery backend contract the
// watcher core consumes, and a filesystem-walking implementation of it.
package discovery

import (
	"context"

	"pkgwatch/internal/packagemanager"
)

// WorkspaceData describes one workspace: the absolute path to its
// package.json, and the absolute path to its turbo.json if one exists.
// TurboJSON is "" when no turbo.json was observed for this workspace.
type WorkspaceData struct {
	PackageJSON string
	TurboJSON   string
}

// HasTurboJSON reports whether this workspace had a turbo.json at the time
// it was observed.
func (w WorkspaceData) HasTurboJSON() bool {
	return w.TurboJSON != ""
}

// Response is what a successful Discover call returns: the inferred
// package manager and the full set of workspaces found.
type Response struct {
	PackageManager packagemanager.Identity
	Workspaces     []WorkspaceData
}

// Discovery is the package-discovery backend abstraction: a single
// capability that produces a snapshot of package-manager identity plus
// workspace list. Implementations may be a filesystem walk (FSDiscovery)
// or, in a daemon-backed deployment, an RPC to a process that already
// maintains this state.
type Discovery interface {
	Discover(ctx context.Context) (Response, error)
}
