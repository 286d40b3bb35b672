package nack

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"voxrelay/transport/packet"
)

func TestOnGapDetectedSkipsWhenNothingMissing(t *testing.T) {
	c := NewController()
	cache := map[uint64]packet.Rtp{5: {SequenceNumber: 5}, 6: {SequenceNumber: 6}}
	c.OnGapDetected(cache, 5, 7, 0, time.Unix(0, 0))
	require.Equal(t, 0, c.Len())
}

func TestOnGapDetectedIgnoresOversizedGap(t *testing.T) {
	c := NewController()
	c.OnGapDetected(map[uint64]packet.Rtp{}, 0, MaxSequenceGap+1, 0, time.Unix(0, 0))
	require.Equal(t, 0, c.Len())
}

func TestOnGapDetectedRecordsMissing(t *testing.T) {
	c := NewController()
	cache := map[uint64]packet.Rtp{5: {SequenceNumber: 5}}
	c.OnGapDetected(cache, 5, 8, 0, time.Unix(0, 0))
	require.Equal(t, 1, c.Len())
}

func TestOnRtpReceivedResolvesMissing(t *testing.T) {
	c := NewController()
	c.OnGapDetected(map[uint64]packet.Rtp{}, 0, 3, 0, time.Unix(0, 0))
	require.Equal(t, 1, c.Len())

	c.OnRtpReceived(0)
	c.OnRtpReceived(1)
	c.OnRtpReceived(2)

	var sent int
	now := time.Unix(0, 0).Add(time.Second)
	c.CheckPending(map[uint64]packet.Rtp{}, 10, 100*time.Millisecond, now, func(packet.Nack) { sent++ })
	require.Equal(t, 0, sent)
	require.Equal(t, 0, c.Len())
}

func TestCheckPendingRespectsFirstDelay(t *testing.T) {
	c := NewController()
	start := time.Unix(0, 0)
	c.OnGapDetected(map[uint64]packet.Rtp{}, 0, 1, 0, start)

	var sent int
	c.CheckPending(map[uint64]packet.Rtp{}, 10, 100*time.Millisecond, start.Add(5*time.Millisecond), func(packet.Nack) { sent++ })
	require.Equal(t, 0, sent, "too soon for first reorder delay")

	c.CheckPending(map[uint64]packet.Rtp{}, 10, 100*time.Millisecond, start.Add(firstDelay+time.Millisecond), func(packet.Nack) { sent++ })
	require.Equal(t, 1, sent)
}

func TestCheckPendingUsesSlowFirstDelayOnHighSrtt(t *testing.T) {
	c := NewController()
	start := time.Unix(0, 0)
	c.OnGapDetected(map[uint64]packet.Rtp{}, 0, 1, 0, start)

	var sent int
	c.CheckPending(map[uint64]packet.Rtp{}, 200, 100*time.Millisecond, start.Add(firstDelay+time.Millisecond), func(packet.Nack) { sent++ })
	require.Equal(t, 0, sent, "high srtt should use the slower first delay")

	c.CheckPending(map[uint64]packet.Rtp{}, 200, 100*time.Millisecond, start.Add(slowFirstDelay+time.Millisecond), func(packet.Nack) { sent++ })
	require.Equal(t, 1, sent)
}

func TestCheckPendingRetransmitsOnRto(t *testing.T) {
	c := NewController()
	start := time.Unix(0, 0)
	c.OnGapDetected(map[uint64]packet.Rtp{}, 0, 1, 0, start)

	rto := 50 * time.Millisecond
	var seqsSent [][]uint64
	fire := func(at time.Duration) {
		c.CheckPending(map[uint64]packet.Rtp{}, 10, rto, start.Add(at), func(n packet.Nack) {
			seqsSent = append(seqsSent, n.MissingSequences)
		})
	}

	fire(firstDelay + time.Millisecond) // 1st send
	fire(firstDelay + rto + time.Millisecond)
	fire(firstDelay + 2*rto + time.Millisecond)
	require.Len(t, seqsSent, 3)
	for _, seqs := range seqsSent {
		require.Equal(t, []uint64{0}, seqs)
	}
}

func TestCheckPendingAbandonsAfterMaxRetransmissions(t *testing.T) {
	c := NewController()
	start := time.Unix(0, 0)
	c.OnGapDetected(map[uint64]packet.Rtp{}, 0, 1, 0, start)

	rto := 10 * time.Millisecond
	elapsed := firstDelay + time.Millisecond
	sent := 0
	for i := 0; i < MaxRetransmissions+3; i++ {
		c.CheckPending(map[uint64]packet.Rtp{}, 10, rto, start.Add(elapsed), func(packet.Nack) { sent++ })
		elapsed += rto + time.Millisecond
	}
	require.Equal(t, MaxRetransmissions, sent)
	require.Equal(t, 0, c.Len(), "exhausted pending nack should be dropped")
}

func TestCleanupDropsAgedPending(t *testing.T) {
	c := NewController()
	c.OnGapDetected(map[uint64]packet.Rtp{}, 0, 1, 1000, time.Unix(0, 0))
	require.Equal(t, 1, c.Len())

	c.Cleanup(1500, 1000)
	require.Equal(t, 1, c.Len(), "not yet old enough")

	c.Cleanup(5000, 1000)
	require.Equal(t, 0, c.Len())
}

func TestDelayTable(t *testing.T) {
	require.Equal(t, firstDelay, Delay(10, time.Second, 0))
	require.Equal(t, slowFirstDelay, Delay(slowFirstThreshold+1, time.Second, 0))
	rto := 250 * time.Millisecond
	require.Equal(t, rto, Delay(10, rto, 1))
	require.Equal(t, rto, Delay(slowFirstThreshold+1, rto, 4))
}
