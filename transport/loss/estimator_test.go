package loss

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFirstSampleIsRaw(t *testing.T) {
	now := time.Unix(0, 0)
	e := NewWithClock(func() time.Time { return now })
	for i := uint64(0); i < 10; i++ {
		e.RecordSent(i)
	}
	// The first update is the first RecordSent, whose raw rate is 0 and is
	// taken as is.
	require.InDelta(t, 0.0, e.Stats().LossRate, 1e-9)

	// raw is now 2/10 = 0.2, above smoothed, so the fast-rise branch gives
	// 0.8*0 + 0.2*0.2 = 0.04.
	e.RecordNack([]uint64{0, 1})
	require.InDelta(t, 0.04, e.Stats().LossRate, 1e-9)
}

func TestRiseIsFastFallIsSlow(t *testing.T) {
	now := time.Unix(0, 0)
	e := NewWithClock(func() time.Time { return now })

	// Establish a baseline of low loss.
	for i := uint64(0); i < 100; i++ {
		e.RecordSent(i)
	}
	e.RecordNack([]uint64{0})
	base := e.Stats().LossRate

	// Step increase: every subsequent update should move smoothed toward raw
	// quickly (fast-rise coefficient 0.2).
	for i := uint64(100); i < 110; i++ {
		e.RecordSent(i)
	}
	// Repeated reports of the same loss keep raw at 6/110 and bring smoothed
	// up to that level before the decrease phase begins.
	for i := 0; i < 60; i++ {
		e.RecordNack([]uint64{100, 101, 102, 103, 104})
	}
	risen := e.Stats().LossRate
	require.Greater(t, risen, base)

	// Now a sustained decrease should ease down slowly (0.05 coefficient):
	// simulate by pushing many more clean sends into the window.
	prev := risen
	for round := 0; round < 5; round++ {
		for i := uint64(0); i < 200; i++ {
			e.RecordSent(uint64(110) + uint64(round)*200 + i)
		}
		cur := e.Stats().LossRate
		require.LessOrEqual(t, cur, prev)
		prev = cur
	}
}

func TestWindowPruning(t *testing.T) {
	now := time.Unix(0, 0)
	e := NewWithClock(func() time.Time { return now })
	e.RecordSent(1)
	e.RecordNack([]uint64{1})
	require.Equal(t, 1, e.Stats().SampleSize)

	prevRate := e.Stats().LossRate

	now = now.Add(Window + time.Millisecond)
	e.RecordSent(2)
	// seq 1 aged out of both sent and nacked sets; only seq 2 remains and it
	// was never nacked, so the raw sample this update is 0 — the smoothed
	// rate eases down toward it (slow-fall branch) rather than jumping there.
	require.Equal(t, 1, e.Stats().SampleSize)
	require.Less(t, e.Stats().LossRate, prevRate)
}
