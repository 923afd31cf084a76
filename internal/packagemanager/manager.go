// Package packagemanager resolves the workspace-config file and glob
// filter for the package managers a monorepo might use (npm, yarn, pnpm,
// bun), and tests whether a directory is selected by that filter.
package packagemanager

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Identity names a package-manager family. The package watcher treats this
// as an opaque value it compares for equality and logs; it never shells
// out to the manager's CLI.
type Identity string

const (
	NPM  Identity = "npm"
	Yarn Identity = "yarn"
	PNPM Identity = "pnpm"
	Bun  Identity = "bun"
)

// workspaceConfigFile returns the manager's declared workspace-config path
// relative to the repo root, or "" if the manager encodes workspaces in
// package.json itself.
func (id Identity) workspaceConfigFile() string {
	switch id {
	case PNPM:
		return "pnpm-workspace.yaml"
	default:
		return ""
	}
}

// lockfileFor maps a manager to the lockfile used to detect its presence
// at the repo root. Detection only ever checks for the file's existence;
// lockfile contents (and therefore the package-manager version) are never
// read, matching the "no lockfile version resolution" Non-goal.
var lockfileFor = map[string]Identity{
	"package-lock.json": NPM,
	"npm-shrinkwrap.json": NPM,
	"yarn.lock":         Yarn,
	"pnpm-lock.yaml":    PNPM,
	"bun.lockb":         Bun,
	"bun.lock":          Bun,
}

// Infer determines the package manager in use at repoRoot by checking for
// each manager's lockfile, then falling back to the "packageManager" field
// in the root package.json, then to npm.
func Infer(repoRoot string) (Identity, error) {
	for lockfile, id := range lockfileFor {
		if _, err := os.Stat(filepath.Join(repoRoot, lockfile)); err == nil {
			return id, nil
		}
	}

	raw, err := os.ReadFile(filepath.Join(repoRoot, "package.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return NPM, nil
		}
		return "", fmt.Errorf("reading root package.json: %w", err)
	}
	var manifest struct {
		PackageManager string `json:"packageManager"`
	}
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return "", fmt.Errorf("parsing root package.json: %w", err)
	}
	if manifest.PackageManager != "" {
		name, _, _ := strings.Cut(manifest.PackageManager, "@")
		switch Identity(name) {
		case NPM, Yarn, PNPM, Bun:
			return Identity(name), nil
		}
	}
	return NPM, nil
}

// State mirrors spec.md's PackageManagerState: the manager identity, its
// resolved glob filter, and the path whose modification may change that
// filter.
type State struct {
	Manager             Identity
	Filter              *WorkspaceGlobs
	WorkspaceConfigPath string
}

// ResolveConfig computes (workspace_config_path, filter) for a manager at
// repoRoot, per spec.md §4.3.3: workspace_config_path is the manager's
// declared config path joined onto the repo root, or the repo-root
// package.json if the manager does not declare one.
func ResolveConfig(manager Identity, repoRoot string) (workspaceConfigPath string, filter *WorkspaceGlobs, err error) {
	packageJSONPath := filepath.Join(repoRoot, "package.json")

	if rel := manager.workspaceConfigFile(); rel != "" {
		workspaceConfigPath = filepath.Join(repoRoot, rel)
	} else {
		workspaceConfigPath = packageJSONPath
	}

	filter, err = GetWorkspaceGlobs(manager, repoRoot)
	if err != nil {
		return "", nil, err
	}
	return workspaceConfigPath, filter, nil
}

// GetWorkspaceGlobs reads the manager-specific workspace declaration at
// repoRoot and compiles it into a WorkspaceGlobs filter.
func GetWorkspaceGlobs(manager Identity, repoRoot string) (*WorkspaceGlobs, error) {
	switch manager {
	case PNPM:
		return pnpmWorkspaceGlobs(repoRoot)
	default:
		return packageJSONWorkspaceGlobs(repoRoot)
	}
}

func packageJSONWorkspaceGlobs(repoRoot string) (*WorkspaceGlobs, error) {
	raw, err := os.ReadFile(filepath.Join(repoRoot, "package.json"))
	if err != nil {
		return nil, fmt.Errorf("reading package.json: %w", err)
	}

	var manifest struct {
		Workspaces json.RawMessage `json:"workspaces"`
	}
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, fmt.Errorf("parsing package.json: %w", err)
	}
	if len(manifest.Workspaces) == 0 {
		return NewWorkspaceGlobs(nil, nil), nil
	}

	var list []string
	if err := json.Unmarshal(manifest.Workspaces, &list); err == nil {
		return NewWorkspaceGlobs(list, nil), nil
	}

	var obj struct {
		Packages []string `json:"packages"`
	}
	if err := json.Unmarshal(manifest.Workspaces, &obj); err != nil {
		return nil, fmt.Errorf("parsing package.json workspaces field: %w", err)
	}
	return NewWorkspaceGlobs(obj.Packages, nil), nil
}

func pnpmWorkspaceGlobs(repoRoot string) (*WorkspaceGlobs, error) {
	path := filepath.Join(repoRoot, "pnpm-workspace.yaml")
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewWorkspaceGlobs(nil, nil), nil
		}
		return nil, fmt.Errorf("reading pnpm-workspace.yaml: %w", err)
	}

	var doc struct {
		Packages []string `yaml:"packages"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing pnpm-workspace.yaml: %w", err)
	}
	return NewWorkspaceGlobs(doc.Packages, nil), nil
}
