package updatingmap

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvWithTimeout[K comparable, V comparable](t *testing.T, r *Receiver[K, V]) (Event[K, V], error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return r.Recv(ctx)
}

func TestInsertEmitsInsertThenUpdate(t *testing.T) {
	m := New[string, int]()
	sub := m.Subscribe()
	defer sub.Close()

	m.Insert("a", 1)
	ev, err := recvWithTimeout(t, sub)
	require.NoError(t, err)
	assert.Equal(t, Insert, ev.Kind)
	assert.Equal(t, 1, ev.New)

	m.Insert("a", 2)
	ev, err = recvWithTimeout(t, sub)
	require.NoError(t, err)
	assert.Equal(t, Update, ev.Kind)
	assert.Equal(t, 1, ev.Old)
	assert.Equal(t, 2, ev.New)
}

func TestInsertSameValueEmitsNothing(t *testing.T) {
	m := New[string, int]()
	m.Insert("a", 1)
	sub := m.Subscribe()
	defer sub.Close()

	m.Insert("a", 1)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := sub.Recv(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRemoveEmitsRemoveAndIsNoopWhenAbsent(t *testing.T) {
	m := New[string, int]()
	m.Insert("a", 1)
	sub := m.Subscribe()
	defer sub.Close()

	m.Remove("missing")
	m.Remove("a")

	ev, err := recvWithTimeout(t, sub)
	require.NoError(t, err)
	assert.Equal(t, Remove, ev.Kind)
	assert.Equal(t, 1, ev.Old)
}

func TestReplaceDiffsInsertUpdateRemove(t *testing.T) {
	m := New[string, int]()
	m.Insert("keep-same", 1)
	m.Insert("keep-changed", 1)
	m.Insert("gone", 1)

	sub := m.Subscribe()
	defer sub.Close()

	m.Replace(map[string]int{
		"keep-same":    1,
		"keep-changed": 2,
		"new":          3,
	})

	seen := map[string]Event[string, int]{}
	for i := 0; i < 3; i++ {
		ev, err := recvWithTimeout(t, sub)
		require.NoError(t, err)
		seen[ev.Key] = ev
	}

	assert.Equal(t, Update, seen["keep-changed"].Kind)
	assert.Equal(t, Insert, seen["new"].Kind)
	assert.Equal(t, Remove, seen["gone"].Kind)
	_, sawKeepSame := seen["keep-same"]
	assert.False(t, sawKeepSame, "unchanged key should not emit an event")

	assert.ElementsMatch(t, []int{1, 2, 3}, m.Values())
}

func TestSubscribeDoesNotReplayHistory(t *testing.T) {
	m := New[string, int]()
	m.Insert("a", 1)

	sub := m.Subscribe()
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := sub.Recv(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCloseNotifiesSubscribers(t *testing.T) {
	m := New[string, int]()
	sub := m.Subscribe()
	defer sub.Close()

	m.Close()

	_, err := recvWithTimeout(t, sub)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSlowSubscriberLagsInsteadOfBlockingWriter(t *testing.T) {
	m := New[string, int]()
	sub := m.Subscribe()
	defer sub.Close()

	for i := 0; i < defaultSubscriberBuffer+10; i++ {
		m.Insert("k", i)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := sub.Recv(ctx)
	var lagged *LaggedError
	require.ErrorAs(t, err, &lagged)
	assert.Greater(t, lagged.N, 0)
}
