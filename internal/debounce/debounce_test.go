package debounce

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const delay = 30 * time.Millisecond

func TestTrigger_CoalescesBurst(t *testing.T) {
	d := New(delay)
	var calls, last atomic.Int32

	for i := int32(1); i <= 5; i++ {
		i := i
		d.Trigger(func() { calls.Add(1); last.Store(i) })
	}
	require.True(t, d.Pending())

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(3 * delay)
	require.EqualValues(t, 1, calls.Load())
	require.EqualValues(t, 5, last.Load(), "the latest trigger supersedes earlier ones")
	require.False(t, d.Pending())
}

func TestFire_RunsNowAndCancelsPending(t *testing.T) {
	d := New(delay)
	var delayed, fired atomic.Int32

	d.Trigger(func() { delayed.Add(1) })
	d.Fire(func() { fired.Add(1) })

	require.EqualValues(t, 1, fired.Load(), "Fire is synchronous")
	time.Sleep(3 * delay)
	require.Zero(t, delayed.Load())
}

func TestCancelAndStop(t *testing.T) {
	d := New(delay)
	var calls atomic.Int32

	require.False(t, d.Cancel())
	d.Trigger(func() { calls.Add(1) })
	require.True(t, d.Cancel())

	d.Trigger(func() { calls.Add(1) })
	d.Stop()
	d.Trigger(func() { calls.Add(1) })
	require.False(t, d.Pending())

	time.Sleep(3 * delay)
	require.Zero(t, calls.Load())
}
