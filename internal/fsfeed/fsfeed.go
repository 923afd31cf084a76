// Package fsfeed is the concrete filesystem change feed the package
// watcher core consumes: it wraps fsnotify, watches the repo root plus
// any directory created under it, and broadcasts normalized changes (or a
// lag marker, when a subscriber falls behind) to any number of
// subscribers.
package fsfeed

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrClosed is returned by Recv once the feed has been closed.
var ErrClosed = errors.New("fsfeed: closed")

// Kind classifies a filesystem change.
type Kind string

const (
	Create Kind = "create"
	Write  Kind = "write"
	Remove Kind = "remove"
	Rename Kind = "rename"
)

// Change is one normalized filesystem event: the set of paths it touched
// and its kind. fsnotify reports a single path per event; Paths is a slice
// to match the external-interface shape described in the spec, which
// models an event as touching potentially more than one path.
type Change struct {
	Paths []string
	Kind  Kind
}

// Item is what a Receiver observes: either a Change, or a lag marker
// (Lag > 0) indicating the subscriber's buffer overflowed and events were
// dropped. The feed always sets Lag to 1; it does not count how many
// events were lost.
type Item struct {
	Change *Change
	Lag    int
}

const debounceWindow = 100 * time.Millisecond
const defaultSubscriberBuffer = 256

type subscriber struct {
	ch chan Item
}

// send enqueues it, or, if the subscriber's buffer is full, drops the
// oldest queued item and enqueues a lag marker in its place. The new item
// itself is not delivered in that case: the subscriber's next rediscovery
// will resynchronize full state, so losing one coalesced notification is
// harmless, whereas blocking the writer on a slow subscriber is not.
func (s *subscriber) send(it Item) {
	select {
	case s.ch <- it:
		return
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- Item{Lag: 1}:
	default:
	}
}

// Receiver is a subscription handle returned by Feed.Subscribe.
type Receiver struct {
	sub   *subscriber
	unsub func()
	once  sync.Once
}

// Recv blocks until the next change, lag marker, feed close, or ctx being
// cancelled.
func (r *Receiver) Recv(ctx context.Context) (Item, error) {
	select {
	case it, ok := <-r.sub.ch:
		if !ok {
			return Item{}, ErrClosed
		}
		return it, nil
	case <-ctx.Done():
		return Item{}, ctx.Err()
	}
}

// C exposes the subscriber's raw channel so callers that need to compose
// it into their own select statements (such as the reconciliation loop's
// teardown-biased select) can do so without going through Recv.
func (r *Receiver) C() <-chan Item {
	return r.sub.ch
}

// Close unsubscribes this receiver.
func (r *Receiver) Close() {
	r.once.Do(r.unsub)
}

// Feed watches a repo root for filesystem changes.
type Feed struct {
	root string
	w    *fsnotify.Watcher

	mu      sync.Mutex
	watched map[string]struct{}
	subs    map[int]*subscriber
	nextSub int
	closed  bool

	debMu     sync.Mutex
	debounced map[debounceKey]time.Time
	stop      chan struct{}
	wg        sync.WaitGroup
}

type debounceKey struct {
	path string
	kind Kind
}

// New creates a feed watching root and every directory currently under
// it, and starts its background goroutines.
func New(root string) (*Feed, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	f := &Feed{
		root:      root,
		w:         w,
		watched:   map[string]struct{}{},
		subs:      map[int]*subscriber{},
		debounced: map[debounceKey]time.Time{},
		stop:      make(chan struct{}),
	}

	f.addWatch(root)
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err == nil && d.IsDir() {
			f.addWatch(path)
		}
		return nil
	})

	f.wg.Add(2)
	go f.debounceLoop()
	go f.readLoop()

	return f, nil
}

func (f *Feed) addWatch(dir string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.watched[dir]; ok {
		return
	}
	if err := f.w.Add(dir); err != nil {
		slog.Debug("fsfeed: failed to add watch", "dir", dir, "error", err)
		return
	}
	f.watched[dir] = struct{}{}
}

func (f *Feed) debounceLoop() {
	defer f.wg.Done()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			var ready []debounceKey
			f.debMu.Lock()
			for k, t := range f.debounced {
				if now.Sub(t) >= debounceWindow {
					ready = append(ready, k)
					delete(f.debounced, k)
				}
			}
			f.debMu.Unlock()
			for _, k := range ready {
				f.broadcast(Change{Paths: []string{k.path}, Kind: k.kind})
			}
		case <-f.stop:
			return
		}
	}
}

func (f *Feed) readLoop() {
	defer f.wg.Done()
	for {
		select {
		case ev, ok := <-f.w.Events:
			if !ok {
				f.closeAllSubs()
				return
			}
			f.handleEvent(ev)
		case err, ok := <-f.w.Errors:
			if !ok {
				f.closeAllSubs()
				return
			}
			slog.Debug("fsfeed: watcher error", "error", err)
		case <-f.stop:
			return
		}
	}
}

func (f *Feed) handleEvent(ev fsnotify.Event) {
	if ev.Op&fsnotify.Create == fsnotify.Create {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			f.addWatch(ev.Name)
		}
	}

	var kind Kind
	switch {
	case ev.Op&fsnotify.Create == fsnotify.Create:
		kind = Create
	case ev.Op&fsnotify.Remove == fsnotify.Remove:
		kind = Remove
	case ev.Op&fsnotify.Rename == fsnotify.Rename:
		kind = Rename
	case ev.Op&fsnotify.Write == fsnotify.Write || ev.Op&fsnotify.Chmod == fsnotify.Chmod:
		kind = Write
	default:
		return
	}

	f.debMu.Lock()
	f.debounced[debounceKey{path: ev.Name, kind: kind}] = time.Now()
	f.debMu.Unlock()
}

func (f *Feed) broadcast(c Change) {
	f.mu.Lock()
	subs := make([]*subscriber, 0, len(f.subs))
	for _, s := range f.subs {
		subs = append(subs, s)
	}
	f.mu.Unlock()

	it := Item{Change: &c}
	for _, s := range subs {
		s.send(it)
	}
}

// Subscribe returns a new receiver on this feed.
func (f *Feed) Subscribe() *Receiver {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.nextSub
	f.nextSub++
	sub := &subscriber{ch: make(chan Item, defaultSubscriberBuffer)}
	f.subs[id] = sub
	if f.closed {
		close(sub.ch)
	}

	r := &Receiver{sub: sub}
	r.unsub = func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if s, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(s.ch)
		}
	}
	return r
}

func (f *Feed) closeAllSubs() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for id, s := range f.subs {
		close(s.ch)
		delete(f.subs, id)
	}
}

// Close stops watching and closes all subscriber channels.
func (f *Feed) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.mu.Unlock()

	close(f.stop)
	err := f.w.Close()
	f.wg.Wait()
	f.closeAllSubs()
	return err
}
