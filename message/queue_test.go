package message

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestQueuePushPopOrder(t *testing.T) {
	q := NewQueue(Primary)
	m1 := &Message{Payload: []byte("a")}
	m2 := &Message{Payload: []byte("bb")}
	m3 := &Message{Payload: []byte("ccc")}

	q.PushBack(m1)
	q.PushBack(m2)
	q.PushBack(m3)
	require.Equal(t, 3, q.Len())
	require.Equal(t, 6, q.Bytes())

	require.Same(t, m1, q.PopFront())
	require.Same(t, m2, q.PopFront())
	require.Same(t, m3, q.PopFront())
	require.Nil(t, q.PopFront())
	require.True(t, q.Empty())
}

func TestQueueUnlinkMiddle(t *testing.T) {
	q := NewQueue(Primary)
	m1 := &Message{Payload: []byte("a")}
	m2 := &Message{Payload: []byte("b")}
	m3 := &Message{Payload: []byte("c")}
	q.PushBack(m1)
	q.PushBack(m2)
	q.PushBack(m3)

	q.Unlink(m2)
	require.Equal(t, 2, q.Len())

	var seen []*Message
	q.Each(func(m *Message) { seen = append(seen, m) })
	require.Equal(t, []*Message{m1, m3}, seen)
}

func TestMessageLinkedOnTwoQueuesSimultaneously(t *testing.T) {
	primary := NewQueue(Primary)
	secondary := NewQueue(Secondary)
	m := &Message{Payload: []byte("x")}

	primary.PushBack(m)
	secondary.PushBack(m)
	require.Equal(t, 1, primary.Len())
	require.Equal(t, 1, secondary.Len())

	primary.Unlink(m)
	require.Equal(t, 0, primary.Len())
	require.Equal(t, 1, secondary.Len())

	secondary.Unlink(m)
	require.Equal(t, 0, secondary.Len())
}

func TestPushBackTwiceOnSameKindPanics(t *testing.T) {
	q := NewQueue(Primary)
	m := &Message{Payload: []byte("x")}
	q.PushBack(m)
	require.Panics(t, func() { q.PushBack(m) })
}

func TestReleasePanicsIfStillLinked(t *testing.T) {
	q := NewQueue(Primary)
	m := &Message{Payload: []byte("x")}
	q.PushBack(m)
	require.Panics(t, func() { m.Release() })
}

func TestReleaseFiresHookOnceAfterUnlink(t *testing.T) {
	q := NewQueue(Primary)
	m := &Message{Payload: []byte("x")}
	q.PushBack(m)

	calls := 0
	m.SetReleaseHook(func(*Message) { calls++ })

	q.Unlink(m)
	m.Release()
	require.Equal(t, 1, calls)

	m.Release() // second call is a no-op
	require.Equal(t, 1, calls)
}
