// Package updatingmap implements the Updating Map primitive: a hash map
// keyed by workspace directory, paired with a bounded broadcast of
// per-entry change events. Every change to an entry produces one event
// (Replace emits one per changed key; an Insert of an equal value emits
// none); subscribers that attach later only see future events (no replay),
// and a slow subscriber observes lag rather than blocking the writer.
package updatingmap

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned from Recv once the map has been closed.
var ErrClosed = errors.New("updatingmap: closed")

// Kind identifies the shape of a Event.
type Kind int

const (
	Insert Kind = iota
	Update
	Remove
)

func (k Kind) String() string {
	switch k {
	case Insert:
		return "Insert"
	case Update:
		return "Update"
	case Remove:
		return "Remove"
	default:
		return "Unknown"
	}
}

// Event describes one mutation of the map. Old is the zero value for
// Insert; New is the zero value for Remove.
type Event[K comparable, V any] struct {
	Key  K
	Kind Kind
	Old  V
	New  V
}

// LaggedError is returned from Recv when the subscriber's buffer overflowed
// and one or more events were dropped to make room for newer ones.
type LaggedError struct {
	N int
}

func (e *LaggedError) Error() string {
	return "updatingmap: subscriber lagged"
}

const defaultSubscriberBuffer = 256

type subscriber[K comparable, V any] struct {
	ch     chan Event[K, V]
	lagged int64 // atomic
}

func (s *subscriber[K, V]) send(ev Event[K, V]) {
	select {
	case s.ch <- ev:
		return
	default:
	}
	// Buffer full: drop the oldest queued event to make room, and record
	// that this subscriber is now lagging.
	select {
	case <-s.ch:
	default:
	}
	atomic.AddInt64(&s.lagged, 1)
	select {
	case s.ch <- ev:
	default:
		// Lost a race with a concurrent receive; the lag counter already
		// reflects the drop, nothing further to do.
	}
}

// Receiver is a subscription handle returned by Subscribe.
type Receiver[K comparable, V any] struct {
	sub    *subscriber[K, V]
	unsub  func()
	closed bool
	mu     sync.Mutex
}

// Recv blocks until the next event, a lag notification, the map closing,
// or ctx being cancelled. A LaggedError is surfaced before any event that
// was queued after the drop, matching the "informed of lag on next
// receive" contract.
func (r *Receiver[K, V]) Recv(ctx context.Context) (Event[K, V], error) {
	if n := atomic.SwapInt64(&r.sub.lagged, 0); n > 0 {
		return Event[K, V]{}, &LaggedError{N: int(n)}
	}
	select {
	case ev, ok := <-r.sub.ch:
		if !ok {
			return Event[K, V]{}, ErrClosed
		}
		return ev, nil
	case <-ctx.Done():
		return Event[K, V]{}, ctx.Err()
	}
}

// C exposes the subscriber's raw channel so callers that need to compose
// it into their own select statement (such as an SSE handler that also
// waits on a heartbeat ticker) can do so without going through Recv. The
// lag counter is not signaled through this channel; callers using C
// directly must also poll Lagged.
func (r *Receiver[K, V]) C() <-chan Event[K, V] {
	return r.sub.ch
}

// Lagged reports and clears the number of events dropped for this
// receiver since the last call, mirroring the check Recv performs before
// every receive. A caller driving its own select loop over C must call
// this on every iteration to observe lag the same way Recv would.
func (r *Receiver[K, V]) Lagged() int {
	return int(atomic.SwapInt64(&r.sub.lagged, 0))
}

// Close unsubscribes; further Recv calls return ErrClosed.
func (r *Receiver[K, V]) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.unsub()
}

// Map is the Updating Map: a plain map of K to V plus a broadcast of
// mutation events. V must be comparable so Insert can skip emitting an
// Update when the new value equals the old one.
type Map[K comparable, V comparable] struct {
	mu       sync.RWMutex
	data     map[K]V
	subs     map[int]*subscriber[K, V]
	nextSub  int
	closed   bool
	subBufSz int
}

// New creates an empty Updating Map.
func New[K comparable, V comparable]() *Map[K, V] {
	return &Map[K, V]{
		data:     make(map[K]V),
		subs:     make(map[int]*subscriber[K, V]),
		subBufSz: defaultSubscriberBuffer,
	}
}

func (m *Map[K, V]) snapshotSubsLocked() []*subscriber[K, V] {
	out := make([]*subscriber[K, V], 0, len(m.subs))
	for _, s := range m.subs {
		out = append(out, s)
	}
	return out
}

func (m *Map[K, V]) broadcast(subs []*subscriber[K, V], ev Event[K, V]) {
	for _, s := range subs {
		s.send(ev)
	}
}

// Insert stores value under key, emitting Insert if the key was absent or
// Update if it was present and the value changed. No event is emitted if
// the new value equals the old one.
func (m *Map[K, V]) Insert(key K, value V) {
	m.mu.Lock()
	old, existed := m.data[key]
	if existed && old == value {
		m.mu.Unlock()
		return
	}
	m.data[key] = value
	subs := m.snapshotSubsLocked()
	m.mu.Unlock()

	if existed {
		m.broadcast(subs, Event[K, V]{Key: key, Kind: Update, Old: old, New: value})
	} else {
		m.broadcast(subs, Event[K, V]{Key: key, Kind: Insert, New: value})
	}
}

// Remove deletes key if present, emitting Remove. It is a no-op if the key
// is absent.
func (m *Map[K, V]) Remove(key K) {
	m.mu.Lock()
	old, existed := m.data[key]
	if !existed {
		m.mu.Unlock()
		return
	}
	delete(m.data, key)
	subs := m.snapshotSubsLocked()
	m.mu.Unlock()

	m.broadcast(subs, Event[K, V]{Key: key, Kind: Remove, Old: old})
}

// Replace atomically swaps the entire map contents for newData, emitting
// Insert for keys only in newData, Remove for keys only in the current
// map, and Update for keys in both whose values differ. The order events
// are emitted in is unspecified.
func (m *Map[K, V]) Replace(newData map[K]V) {
	m.mu.Lock()
	var events []Event[K, V]
	for k, v := range newData {
		if old, ok := m.data[k]; ok {
			if old != v {
				events = append(events, Event[K, V]{Key: k, Kind: Update, Old: old, New: v})
			}
		} else {
			events = append(events, Event[K, V]{Key: k, Kind: Insert, New: v})
		}
	}
	for k, old := range m.data {
		if _, ok := newData[k]; !ok {
			events = append(events, Event[K, V]{Key: k, Kind: Remove, Old: old})
		}
	}

	cloned := make(map[K]V, len(newData))
	for k, v := range newData {
		cloned[k] = v
	}
	m.data = cloned
	subs := m.snapshotSubsLocked()
	m.mu.Unlock()

	for _, ev := range events {
		m.broadcast(subs, ev)
	}
}

// Values returns a consistent snapshot of all values currently stored.
func (m *Map[K, V]) Values() []V {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]V, 0, len(m.data))
	for _, v := range m.data {
		out = append(out, v)
	}
	return out
}

// Subscribe returns a new receiver positioned at the current tail; it does
// not replay history, only future mutations.
func (m *Map[K, V]) Subscribe() *Receiver[K, V] {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSub
	m.nextSub++
	sub := &subscriber[K, V]{ch: make(chan Event[K, V], m.subBufSz)}
	m.subs[id] = sub

	if m.closed {
		close(sub.ch)
	}

	r := &Receiver[K, V]{sub: sub}
	r.unsub = func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if s, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(s.ch)
		}
	}
	return r
}

// Close shuts down the map; all current and future subscribers observe
// ErrClosed on their next Recv.
func (m *Map[K, V]) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for id, s := range m.subs {
		close(s.ch)
		delete(m.subs, id)
	}
}
