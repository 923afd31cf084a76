// Package packagewatcher is the reconciliation core: it owns a
// package-manager latch and a workspace-map latch, consumes a filesystem
// change feed, and keeps both in sync with an asynchronous discovery
// backend. It is the only writer of either latch; every other component
// in this module is a reader or a subscriber.
package packagewatcher

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"pkgwatch/internal/discovery"
	"pkgwatch/internal/fsfeed"
	"pkgwatch/internal/latch"
	"pkgwatch/internal/packagemanager"
	"pkgwatch/internal/updatingmap"
)

// errShutdown signals that a handler observed the package-manager latch
// closing mid-operation; the reconciliation loop treats it as teardown.
var errShutdown = errors.New("packagewatcher: shutdown")

// FeedReceiver is a subscription on an EventFeed: a raw channel of items
// plus a way to unsubscribe. fsfeed.Receiver satisfies this directly.
type FeedReceiver interface {
	C() <-chan fsfeed.Item
	Close()
}

// EventFeed is the filesystem change feed abstraction the watcher core
// consumes, matching the "external collaborator" boundary in the spec:
// the watcher never touches the filesystem itself beyond the existence
// probes in handleMembershipChange.
type EventFeed interface {
	Subscribe() FeedReceiver
}

// FSFeed adapts *fsfeed.Feed to EventFeed. A plain method-set check can't
// bridge fsfeed.Feed's concrete "Subscribe() *fsfeed.Receiver" to an
// interface method declared to return FeedReceiver, even though
// *fsfeed.Receiver itself already satisfies FeedReceiver, so this
// one-line wrapper does the conversion at the call site instead.
type FSFeed struct {
	Feed *fsfeed.Feed
}

func (f FSFeed) Subscribe() FeedReceiver {
	return f.Feed.Subscribe()
}

// Watcher is the running reconciliation core returned by Start. The zero
// value is not usable; construct via Start.
type Watcher struct {
	repoRoot string
	feed     EventFeed
	backend  discovery.Discovery

	pmLatch *latch.Latch[packagemanager.State]
	wsLatch *latch.Latch[*updatingmap.Map[string, discovery.WorkspaceData]]

	// wsMap is the one Updating Map instance for this watcher's lifetime.
	// It is never replaced once created: a subscriber's receiver is bound
	// to this specific instance's internal broadcast, so a rediscovery
	// that swapped in a fresh Map would silently strand every existing
	// subscriber. Clearing availability (wsLatch.Clear) and repopulating
	// contents (wsMap.Replace) are deliberately kept as separate acts.
	wsMap *updatingmap.Map[string, discovery.WorkspaceData]

	exit chan struct{}
	once sync.Once
	done chan struct{}
}

// Start begins the reconciliation task against repoRoot, consuming feed
// and backend, and returns immediately with a handle. Dropping the
// handle (calling Close) signals teardown.
func Start(repoRoot string, feed EventFeed, backend discovery.Discovery) *Watcher {
	w := &Watcher{
		repoRoot: repoRoot,
		feed:     feed,
		backend:  backend,
		pmLatch:  latch.New[packagemanager.State](),
		wsLatch:  latch.New[*updatingmap.Map[string, discovery.WorkspaceData]](),
		exit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go w.run()
	return w
}

// GetWorkspaces awaits first availability of the workspace map, then
// returns a snapshot of all values currently held.
func (w *Watcher) GetWorkspaces(ctx context.Context) ([]discovery.WorkspaceData, error) {
	m, err := w.wsLatch.BorrowPresent(ctx)
	if err != nil {
		return nil, err
	}
	return m.Values(), nil
}

// GetPackageManager is a non-blocking read: it returns ok == false when
// the package-manager latch is currently Uninitialized or Cleared.
func (w *Watcher) GetPackageManager() (packagemanager.Identity, bool) {
	state, ok := w.pmLatch.TryGet()
	if !ok {
		return "", false
	}
	return state.Manager, true
}

// Subscribe awaits first availability of the workspace map, then returns
// a new receiver on it. Attaching only after availability guarantees the
// subscription observes a consistent event history going forward.
func (w *Watcher) Subscribe(ctx context.Context) (*updatingmap.Receiver[string, discovery.WorkspaceData], error) {
	m, err := w.wsLatch.BorrowPresent(ctx)
	if err != nil {
		return nil, err
	}
	return m.Subscribe(), nil
}

// Close signals teardown and waits for the reconciliation task to exit.
func (w *Watcher) Close() {
	w.once.Do(func() { close(w.exit) })
	<-w.done
}

func (w *Watcher) run() {
	defer close(w.done)
	defer w.wsLatch.Close()
	defer w.pmLatch.Close()
	defer func() {
		if w.wsMap != nil {
			w.wsMap.Close()
		}
	}()

	rx := w.feed.Subscribe()
	defer rx.Close()

	// The original spawns a one-shot discovery task at construction that
	// races the reconciliation loop's own pre-loop rediscovery. Here the
	// two are collapsed into a single deterministic sequential call: the
	// race serves no purpose once both run against the same in-process
	// backend mutex, and a single call removes the ambiguity of which of
	// the two populates the latches first.
	w.seed(context.Background())

	// Handlers wait on the package-manager latch; cancelling their context
	// on teardown keeps such a wait from outliving Close.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-w.exit:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		// Non-blocking check first: if exit is already closed, a select
		// with only it and default is guaranteed to pick it, so teardown
		// is observed before the item channel is ever examined even when
		// both would otherwise be ready.
		select {
		case <-w.exit:
			return
		default:
		}

		select {
		case <-w.exit:
			return
		case it, ok := <-rx.C():
			if !ok {
				return
			}
			if err := w.handleItem(ctx, it); errors.Is(err, errShutdown) {
				return
			}
		}
	}
}

func (w *Watcher) handleItem(ctx context.Context, it fsfeed.Item) error {
	if it.Lag > 0 {
		slog.Info("event feed lagged, rediscovering", "dropped", it.Lag)
		w.rediscover(ctx)
		return nil
	}
	if it.Change == nil {
		return nil
	}
	return w.handleChange(ctx, *it.Change)
}

// handleChange implements the per-event ordering from the reconciliation
// loop: root-manifest change, then globs-change (which short-circuits
// membership handling when it fires), then membership change.
func (w *Watcher) handleChange(ctx context.Context, c fsfeed.Change) error {
	rootPkgJSON := filepath.Join(w.repoRoot, "package.json")
	for _, p := range c.Paths {
		if p == rootPkgJSON {
			w.handleRootManifestChange(ctx)
			break
		}
	}

	changed, err := w.haveWorkspaceGlobsChanged(ctx, c)
	if err != nil {
		if errors.Is(err, latch.ErrClosed) {
			return errShutdown
		}
		return nil
	}
	if changed {
		w.rediscover(ctx)
		return nil
	}

	if err := w.handleMembershipChange(ctx, c); err != nil {
		if errors.Is(err, latch.ErrClosed) {
			return errShutdown
		}
	}
	return nil
}

// seed performs the initial-discovery sequence: a discovery call followed
// by package-manager resolution, publishing both latches on success and
// leaving them permanently Uninitialized on any failure.
func (w *Watcher) seed(ctx context.Context) {
	resp, err := w.backend.Discover(ctx)
	if err != nil {
		slog.Error("initial discovery failed, watcher will remain unavailable", "error", err)
		return
	}

	state, err := w.resolvePackageManagerState(resp.PackageManager)
	if err != nil {
		slog.Error("package manager inference failed, watcher will remain unavailable", "error", err)
		return
	}

	w.pmLatch.Publish(state)
	w.publishWorkspaces(resp.Workspaces)
}

// rediscover is a full rediscovery (spec §4.3.5): it clears only the
// workspace-map latch, leaving the package-manager latch untouched, since
// this path is triggered by glob changes and lag, not manager changes.
func (w *Watcher) rediscover(ctx context.Context) {
	w.wsLatch.Clear()

	resp, err := w.backend.Discover(ctx)
	if err != nil {
		slog.Warn("rediscovery failed, workspace map stays unavailable until the next successful rediscovery", "error", err)
		return
	}
	w.publishWorkspaces(resp.Workspaces)
}

// handleRootManifestChange clears both latches, re-runs discovery and
// package-manager resolution from scratch, and republishes on success.
func (w *Watcher) handleRootManifestChange(ctx context.Context) {
	w.pmLatch.Clear()
	w.wsLatch.Clear()

	resp, err := w.backend.Discover(ctx)
	if err != nil {
		slog.Warn("rediscovery after root manifest change failed", "error", err)
		return
	}

	state, err := w.resolvePackageManagerState(resp.PackageManager)
	if err != nil {
		slog.Warn("package manager inference failed after root manifest change", "error", err)
		return
	}

	w.pmLatch.Publish(state)
	w.publishWorkspaces(resp.Workspaces)
}

// haveWorkspaceGlobsChanged reports whether c touches the current
// workspace-config path and, if so, whether re-querying the manager's
// globs yields a different filter than the one currently published. A
// re-query failure is treated as transient (the config file may be
// momentarily empty mid atomic-save) and reported as unchanged.
func (w *Watcher) haveWorkspaceGlobsChanged(ctx context.Context, c fsfeed.Change) (bool, error) {
	state, err := w.pmLatch.BorrowPresent(ctx)
	if err != nil {
		return false, err
	}

	touched := false
	for _, p := range c.Paths {
		if p == state.WorkspaceConfigPath {
			touched = true
			break
		}
	}
	if !touched {
		return false, nil
	}

	newFilter, err := packagemanager.GetWorkspaceGlobs(state.Manager, w.repoRoot)
	if err != nil {
		slog.Debug("workspace glob re-query failed, keeping existing filter", "error", err)
		return false, nil
	}
	if newFilter.Equal(state.Filter) {
		return false, nil
	}

	w.pmLatch.Mutate(func(cur packagemanager.State, present bool) (packagemanager.State, bool) {
		if !present {
			return cur, false
		}
		cur.Filter = newFilter
		return cur, true
	})
	return true, nil
}

// handleMembershipChange implements spec §4.3.8: for each changed path,
// test whether its parent directory is a workspace under the current
// filter, then probe for package.json/turbo.json and upsert or remove the
// workspace-map entry accordingly.
func (w *Watcher) handleMembershipChange(ctx context.Context, c fsfeed.Change) error {
	state, err := w.pmLatch.BorrowPresent(ctx)
	if err != nil {
		return err
	}

	for _, p := range c.Paths {
		workspaceDir := filepath.Dir(p)

		isWorkspace, err := state.Filter.TargetIsWorkspace(w.repoRoot, workspaceDir)
		if err != nil {
			if errors.Is(err, packagemanager.ErrNotUnderRoot) {
				continue
			}
			slog.Debug("workspace membership probe failed, skipping path", "path", workspaceDir, "error", err)
			continue
		}
		if !isWorkspace {
			continue
		}

		hasPkgJSON, hasTurboJSON := probeWorkspaceFiles(workspaceDir)

		if !hasPkgJSON {
			if w.wsMap != nil {
				w.wsMap.Remove(workspaceDir)
			}
			continue
		}

		data := discovery.WorkspaceData{PackageJSON: filepath.Join(workspaceDir, "package.json")}
		if hasTurboJSON {
			data.TurboJSON = filepath.Join(workspaceDir, "turbo.json")
		}

		if w.wsMap == nil {
			w.wsMap = updatingmap.New[string, discovery.WorkspaceData]()
		}
		w.wsMap.Insert(workspaceDir, data)
		w.wsLatch.Publish(w.wsMap)
	}
	return nil
}

// probeWorkspaceFiles checks for package.json and turbo.json under dir
// concurrently, matching the "probe the filesystem concurrently" wording
// in the spec.
func probeWorkspaceFiles(dir string) (hasPkgJSON, hasTurboJSON bool) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := os.Stat(filepath.Join(dir, "package.json"))
		hasPkgJSON = err == nil
	}()
	go func() {
		defer wg.Done()
		_, err := os.Stat(filepath.Join(dir, "turbo.json"))
		hasTurboJSON = err == nil
	}()
	wg.Wait()
	return hasPkgJSON, hasTurboJSON
}

func (w *Watcher) resolvePackageManagerState(manager packagemanager.Identity) (packagemanager.State, error) {
	configPath, filter, err := packagemanager.ResolveConfig(manager, w.repoRoot)
	if err != nil {
		return packagemanager.State{}, err
	}
	return packagemanager.State{
		Manager:             manager,
		Filter:              filter,
		WorkspaceConfigPath: configPath,
	}, nil
}

// publishWorkspaces rebuilds the keyed map from workspaces and replaces
// it into the one persistent Updating Map instance, creating that
// instance on first use. Replace diffs against whatever the map already
// held, so existing subscribers see the correct Insert/Update/Remove
// events rather than losing their subscription to a new instance.
func (w *Watcher) publishWorkspaces(workspaces []discovery.WorkspaceData) {
	data := make(map[string]discovery.WorkspaceData, len(workspaces))
	for _, ws := range workspaces {
		data[filepath.Dir(ws.PackageJSON)] = ws
	}

	if w.wsMap == nil {
		w.wsMap = updatingmap.New[string, discovery.WorkspaceData]()
	}
	w.wsMap.Replace(data)
	w.wsLatch.Publish(w.wsMap)
}
