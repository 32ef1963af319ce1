package microtask

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestScheduleBlocksUntilSharedRunCompletes(t *testing.T) {
	s := New(10 * time.Millisecond)
	var runs int32

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Schedule("k", func() { atomic.AddInt32(&runs, 1) })
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, atomic.LoadInt32(&runs), "concurrent Schedule calls for the same key must coalesce into one singleflight.Do run")
}

func TestScheduleAsyncCoalescesBurst(t *testing.T) {
	s := New(20 * time.Millisecond)
	var runs int32

	for i := 0; i < 50; i++ {
		s.ScheduleAsync("table:todos", func() { atomic.AddInt32(&runs, 1) })
	}

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&runs) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestScheduleAsyncRunsAgainAfterPendingFires(t *testing.T) {
	s := New(10 * time.Millisecond)
	var runs int32

	s.ScheduleAsync("k", func() { atomic.AddInt32(&runs, 1) })
	require.Eventually(t, func() bool { return atomic.LoadInt32(&runs) == 1 }, time.Second, 5*time.Millisecond)

	s.ScheduleAsync("k", func() { atomic.AddInt32(&runs, 1) })
	require.Eventually(t, func() bool { return atomic.LoadInt32(&runs) == 2 }, time.Second, 5*time.Millisecond)
}

func TestPendingReflectsScheduledState(t *testing.T) {
	s := New(30 * time.Millisecond)
	require.False(t, s.Pending("k"))
	s.ScheduleAsync("k", func() {})
	require.True(t, s.Pending("k"))
	require.Eventually(t, func() bool { return !s.Pending("k") }, time.Second, 5*time.Millisecond)
}
