package packagewatcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pkgwatch/internal/discovery"
	"pkgwatch/internal/fsfeed"
	"pkgwatch/internal/packagemanager"
	"pkgwatch/internal/updatingmap"
)

// fakeReceiver is a test FeedReceiver backed by a plain channel the test
// writes items into directly, standing in for a real fsfeed.Receiver.
type fakeReceiver struct {
	ch chan fsfeed.Item
}

func (r *fakeReceiver) C() <-chan fsfeed.Item { return r.ch }
func (r *fakeReceiver) Close()                {}

// fakeFeed is a test EventFeed with exactly one subscriber, exposed to
// the test via waitSubscribed so it can push items after Start.
type fakeFeed struct {
	subscribed chan *fakeReceiver
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{subscribed: make(chan *fakeReceiver, 1)}
}

func (f *fakeFeed) Subscribe() FeedReceiver {
	r := &fakeReceiver{ch: make(chan fsfeed.Item, 16)}
	f.subscribed <- r
	return r
}

func waitSubscribed(t *testing.T, f *fakeFeed) *fakeReceiver {
	t.Helper()
	select {
	case r := <-f.subscribed:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("watcher never subscribed to the feed")
		return nil
	}
}

// fakeDiscovery is a test Discovery backend with a settable canned
// response, an optional synchronization gate (Discover blocks until it is
// closed), and a call counter so races with teardown can be proven rather
// than merely eyeballed.
type fakeDiscovery struct {
	mu    sync.Mutex
	calls int
	resp  discovery.Response
	err   error
	gate  chan struct{}
}

func (d *fakeDiscovery) Discover(ctx context.Context) (discovery.Response, error) {
	d.mu.Lock()
	gate := d.gate
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return discovery.Response{}, ctx.Err()
		}
	}

	d.mu.Lock()
	d.calls++
	resp, err := d.resp, d.err
	d.mu.Unlock()
	return resp, err
}

func (d *fakeDiscovery) setResponse(resp discovery.Response) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resp = resp
}

func (d *fakeDiscovery) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func pkgJSONPaths(workspaces []discovery.WorkspaceData) []string {
	out := make([]string, 0, len(workspaces))
	for _, w := range workspaces {
		out = append(out, w.PackageJSON)
	}
	return out
}

// TestSeedAndRootManifestReplay covers S1: on start, the watcher converges
// to the on-disk workspace set without any external event, and a Create
// event replayed against the already-converged root package.json (which
// re-runs discovery as a root-manifest change) leaves the workspace set
// unchanged.
func TestSeedAndRootManifestReplay(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "package.json"), `{"workspaces":["packages/*"]}`)
	writeFile(t, filepath.Join(root, "yarn.lock"), "")
	writeFile(t, filepath.Join(root, "packages", "foo", "package.json"), `{}`)

	feed := newFakeFeed()
	backend := &discovery.FSDiscovery{RepoRoot: root}
	w := Start(root, feed, backend)
	defer w.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	workspaces, err := w.GetWorkspaces(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		filepath.Join(root, "package.json"),
		filepath.Join(root, "packages", "foo", "package.json"),
	}, pkgJSONPaths(workspaces))

	rx := waitSubscribed(t, feed)
	rx.ch <- fsfeed.Item{Change: &fsfeed.Change{
		Paths: []string{filepath.Join(root, "package.json")},
		Kind:  fsfeed.Create,
	}}

	require.Eventually(t, func() bool {
		ws, err := w.GetWorkspaces(ctx)
		return err == nil && len(ws) == 2
	}, time.Second, 10*time.Millisecond)
}

// TestMembershipRemove covers S2: deleting a workspace's package.json and
// feeding a Remove event converges the map to the remaining workspace,
// and a subscriber attached beforehand observes the Remove.
func TestMembershipRemove(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "package.json"), `{"workspaces":["packages/*"]}`)
	writeFile(t, filepath.Join(root, "package-lock.json"), "")
	fooPkgJSON := filepath.Join(root, "packages", "foo", "package.json")
	writeFile(t, fooPkgJSON, `{}`)

	feed := newFakeFeed()
	backend := &discovery.FSDiscovery{RepoRoot: root}
	w := Start(root, feed, backend)
	defer w.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := w.GetWorkspaces(ctx)
	require.NoError(t, err)

	sub, err := w.Subscribe(ctx)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, os.Remove(fooPkgJSON))
	rx := waitSubscribed(t, feed)
	rx.ch <- fsfeed.Item{Change: &fsfeed.Change{Paths: []string{fooPkgJSON}, Kind: fsfeed.Remove}}

	ev, err := sub.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, updatingmap.Remove, ev.Kind)
	assert.Equal(t, filepath.Dir(fooPkgJSON), ev.Key)

	require.Eventually(t, func() bool {
		ws, err := w.GetWorkspaces(ctx)
		return err == nil && len(ws) == 1
	}, time.Second, 10*time.Millisecond)
}

// TestGlobNarrowingTriggersRediscovery covers S3: narrowing the root
// manifest's workspaces field drops the packages it no longer selects.
func TestGlobNarrowingTriggersRediscovery(t *testing.T) {
	root := t.TempDir()
	packageJSON := filepath.Join(root, "package.json")
	writeFile(t, packageJSON, `{"workspaces":["packages/*","packages2/*"]}`)
	writeFile(t, filepath.Join(root, "package-lock.json"), "")
	writeFile(t, filepath.Join(root, "packages", "foo", "package.json"), `{}`)
	writeFile(t, filepath.Join(root, "packages2", "bar", "package.json"), `{}`)

	feed := newFakeFeed()
	backend := &discovery.FSDiscovery{RepoRoot: root}
	w := Start(root, feed, backend)
	defer w.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	workspaces, err := w.GetWorkspaces(ctx)
	require.NoError(t, err)
	require.Len(t, workspaces, 3)

	writeFile(t, packageJSON, `{"workspaces":["packages/*"]}`)
	rx := waitSubscribed(t, feed)
	rx.ch <- fsfeed.Item{Change: &fsfeed.Change{Paths: []string{packageJSON}, Kind: fsfeed.Write}}

	require.Eventually(t, func() bool {
		ws, err := w.GetWorkspaces(ctx)
		if err != nil {
			return false
		}
		for _, w := range ws {
			if filepath.Base(filepath.Dir(w.PackageJSON)) == "bar" {
				return false
			}
		}
		return len(ws) == 2
	}, time.Second, 10*time.Millisecond)
}

// TestPackageManagerChangeIsClearedDuringReinference covers S4: a
// concurrent GetPackageManager observes None between the Clear and the
// republish, then settles on the new identity.
func TestPackageManagerChangeIsClearedDuringReinference(t *testing.T) {
	root := t.TempDir()
	packageJSON := filepath.Join(root, "package.json")
	writeFile(t, packageJSON, `{"workspaces":["packages/*"]}`)

	backend := &fakeDiscovery{resp: discovery.Response{
		PackageManager: packagemanager.NPM,
		Workspaces:     []discovery.WorkspaceData{{PackageJSON: packageJSON}},
	}}
	feed := newFakeFeed()
	w := Start(root, feed, backend)
	defer w.Close()

	require.Eventually(t, func() bool {
		id, ok := w.GetPackageManager()
		return ok && id == packagemanager.NPM
	}, time.Second, 5*time.Millisecond)

	gate := make(chan struct{})
	backend.mu.Lock()
	backend.gate = gate
	backend.resp = discovery.Response{
		PackageManager: packagemanager.Yarn,
		Workspaces:     []discovery.WorkspaceData{{PackageJSON: packageJSON}},
	}
	backend.mu.Unlock()

	rx := waitSubscribed(t, feed)
	rx.ch <- fsfeed.Item{Change: &fsfeed.Change{Paths: []string{packageJSON}, Kind: fsfeed.Write}}

	require.Eventually(t, func() bool {
		_, ok := w.GetPackageManager()
		return !ok
	}, time.Second, time.Millisecond)

	close(gate)

	require.Eventually(t, func() bool {
		id, ok := w.GetPackageManager()
		return ok && id == packagemanager.Yarn
	}, time.Second, 5*time.Millisecond)
}

// TestLagTriggersSelfHealingRediscovery covers S5: a lag marker, however
// many events it represents having dropped, converges the map to the
// backend's current snapshot.
func TestLagTriggersSelfHealingRediscovery(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "package.json"), `{"workspaces":["packages/*"]}`)
	writeFile(t, filepath.Join(root, "package-lock.json"), "")
	fooPkgJSON := filepath.Join(root, "packages", "foo", "package.json")
	barPkgJSON := filepath.Join(root, "packages", "bar", "package.json")
	writeFile(t, fooPkgJSON, `{}`)
	writeFile(t, barPkgJSON, `{}`)

	feed := newFakeFeed()
	backend := &discovery.FSDiscovery{RepoRoot: root}
	w := Start(root, feed, backend)
	defer w.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	workspaces, err := w.GetWorkspaces(ctx)
	require.NoError(t, err)
	require.Len(t, workspaces, 3)

	// Simulate several dropped events (a rename then a delete of "bar")
	// by mutating the filesystem directly and only ever telling the
	// watcher about the drop, never the individual changes.
	require.NoError(t, os.RemoveAll(filepath.Join(root, "packages", "bar")))

	rx := waitSubscribed(t, feed)
	rx.ch <- fsfeed.Item{Lag: 5}

	require.Eventually(t, func() bool {
		ws, err := w.GetWorkspaces(ctx)
		return err == nil && len(ws) == 2
	}, time.Second, 10*time.Millisecond)
}

// TestTeardownWinsOverPendingEvent covers S6: when the feed has a pending
// item queued and the handle is dropped while discovery is in flight, the
// reconciliation loop exits without ever handling that item.
func TestTeardownWinsOverPendingEvent(t *testing.T) {
	root := t.TempDir()
	packageJSON := filepath.Join(root, "package.json")
	writeFile(t, packageJSON, `{"workspaces":[]}`)

	gate := make(chan struct{})
	backend := &fakeDiscovery{
		gate: gate,
		resp: discovery.Response{
			PackageManager: packagemanager.NPM,
			Workspaces:     []discovery.WorkspaceData{{PackageJSON: packageJSON}},
		},
	}
	feed := newFakeFeed()
	w := Start(root, feed, backend)

	rx := waitSubscribed(t, feed)
	// Queue a lag item before seeding even completes; if it were ever
	// handled it would trigger a second Discover call.
	rx.ch <- fsfeed.Item{Lag: 1}

	closed := make(chan struct{})
	go func() {
		w.Close()
		close(closed)
	}()

	// Give Close a chance to observe and close the exit channel before
	// discovery (and therefore the loop) proceeds.
	time.Sleep(50 * time.Millisecond)
	close(gate)

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not shut down")
	}

	assert.Equal(t, 1, backend.callCount())
}
