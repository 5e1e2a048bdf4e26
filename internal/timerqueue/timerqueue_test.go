package timerqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeThinker struct {
	calls    []time.Time
	nextFunc func(now time.Time) time.Time
}

func (f *fakeThinker) Think(now time.Time) time.Time {
	f.calls = append(f.calls, now)
	if f.nextFunc != nil {
		return f.nextFunc(now)
	}
	return time.Time{}
}

func TestNextDeadlineEmptyQueue(t *testing.T) {
	q := New()
	_, ok := q.NextDeadline()
	require.False(t, ok)
}

func TestScheduleOrdersByEarliestDeadline(t *testing.T) {
	q := New()
	now := time.Now()
	a, b, c := &fakeThinker{}, &fakeThinker{}, &fakeThinker{}
	q.Schedule(a, now.Add(30*time.Millisecond))
	q.Schedule(b, now.Add(10*time.Millisecond))
	q.Schedule(c, now.Add(20*time.Millisecond))

	deadline, ok := q.NextDeadline()
	require.True(t, ok)
	require.Equal(t, now.Add(10*time.Millisecond), deadline)
	require.Equal(t, 3, q.Len())
}

func TestScheduleReplacesExistingEntryForSameThinker(t *testing.T) {
	q := New()
	now := time.Now()
	a := &fakeThinker{}
	q.Schedule(a, now.Add(time.Hour))
	q.Schedule(a, now.Add(time.Minute))

	require.Equal(t, 1, q.Len())
	deadline, _ := q.NextDeadline()
	require.Equal(t, now.Add(time.Minute), deadline)
}

func TestCancelRemovesEntry(t *testing.T) {
	q := New()
	now := time.Now()
	a := &fakeThinker{}
	q.Schedule(a, now)
	q.Cancel(a)
	require.Equal(t, 0, q.Len())
}

func TestCancelUnknownThinkerIsNoop(t *testing.T) {
	q := New()
	require.NotPanics(t, func() { q.Cancel(&fakeThinker{}) })
}

func TestRunDueCallsOnlyExpiredEntries(t *testing.T) {
	q := New()
	now := time.Now()
	due := &fakeThinker{}
	notDue := &fakeThinker{}
	q.Schedule(due, now)
	q.Schedule(notDue, now.Add(time.Hour))

	q.RunDue(now)
	require.Len(t, due.calls, 1)
	require.Len(t, notDue.calls, 0)
	require.Equal(t, 1, q.Len()) // notDue remains scheduled, due was removed
}

func TestRunDueReschedulesWhenThinkReturnsNonZero(t *testing.T) {
	q := New()
	now := time.Now()
	count := 0
	a := &fakeThinker{nextFunc: func(thinkNow time.Time) time.Time {
		count++
		if count >= 3 {
			return time.Time{}
		}
		return thinkNow // still due immediately, so RunDue keeps draining it this pass
	}}
	q.Schedule(a, now)

	q.RunDue(now)
	require.Equal(t, 3, len(a.calls))
	require.Equal(t, 0, q.Len()) // final Think returned zero, not rescheduled
}

func TestRunDueLeavesLaterRescheduleForNextPass(t *testing.T) {
	q := New()
	now := time.Now()
	a := &fakeThinker{nextFunc: func(thinkNow time.Time) time.Time {
		return thinkNow.Add(time.Hour) // reschedule far in the future
	}}
	q.Schedule(a, now)

	q.RunDue(now)
	require.Equal(t, 1, len(a.calls))
	require.Equal(t, 1, q.Len())

	q.RunDue(now.Add(time.Minute)) // not yet due again
	require.Equal(t, 1, len(a.calls))
}

func TestRunDueOnEmptyQueueIsNoop(t *testing.T) {
	q := New()
	require.NotPanics(t, func() { q.RunDue(time.Now()) })
}
