package fec

import (
	"testing"

	"github.com/stretchr/testify/require"

	"voxrelay/transport/loss"
	"voxrelay/transport/packet"
)

func rtp(seq uint64, data []byte) packet.Rtp {
	return packet.Rtp{
		SequenceNumber: seq,
		Timestamp:      seq * 10,
		FrameID:        1,
		TotalFragments: 1,
		FragmentNumber: 0,
		Data:           data,
	}
}

func TestSingleErasureRecovery(t *testing.T) {
	enc := NewWithDepth(1)
	est := loss.New()

	group := []packet.Rtp{
		rtp(0, []byte("aaaa")),
		rtp(1, []byte("bb")),
		rtp(2, []byte("cccc")),
		rtp(3, []byte("d")),
	}

	var fecs []packet.Fec
	for _, p := range group {
		fecs = append(fecs, enc.Process(p, est, 10)...)
	}
	require.Len(t, fecs, 1)
	fecPkt := fecs[0]

	for removed := range group {
		available := make([]packet.Rtp, 0, len(group)-1)
		for i, p := range group {
			if i != removed {
				available = append(available, p)
			}
		}
		got, ok := Recover(fecPkt, available)
		require.True(t, ok, "removed index %d", removed)
		require.Equal(t, group[removed].SequenceNumber, got.SequenceNumber)
		require.Equal(t, group[removed].Data, got.Data)
	}
}

func TestTwoErasuresNotRecoverable(t *testing.T) {
	enc := NewWithDepth(1)
	est := loss.New()
	group := []packet.Rtp{rtp(0, []byte("aa")), rtp(1, []byte("bb")), rtp(2, []byte("cc")), rtp(3, []byte("dd"))}
	var fecPkt packet.Fec
	for _, p := range group {
		out := enc.Process(p, est, 10)
		if len(out) > 0 {
			fecPkt = out[0]
		}
	}
	available := []packet.Rtp{group[0]}
	_, ok := Recover(fecPkt, available)
	require.False(t, ok)
}

func TestBurstLossDefeatedByInterleave(t *testing.T) {
	enc := NewWithDepth(3)
	est := loss.New()

	var sent []packet.Rtp
	var fecs []packet.Fec
	for seq := uint64(0); seq < 12; seq++ {
		p := rtp(seq, []byte{byte(seq), byte(seq + 1)})
		sent = append(sent, p)
		fecs = append(fecs, enc.Process(p, est, 10)...)
	}
	fecs = append(fecs, enc.Flush()...)
	require.Len(t, fecs, 3)

	// Drop sequences 4 and 5 — a burst — landing in slots 1 and 2 respectively.
	lost := map[uint64]bool{4: true, 5: true}
	for _, f := range fecs {
		var available []packet.Rtp
		var missingSeq uint64
		hasMissing := false
		for _, meta := range f.ProtectedPackets {
			if lost[meta.SequenceNumber] {
				hasMissing = true
				missingSeq = meta.SequenceNumber
				continue
			}
			for _, p := range sent {
				if p.SequenceNumber == meta.SequenceNumber {
					available = append(available, p)
				}
			}
		}
		if !hasMissing {
			continue
		}
		got, ok := Recover(f, available)
		require.True(t, ok)
		require.Equal(t, missingSeq, got.SequenceNumber)
	}
}

func TestDecideGroupSizeBounds(t *testing.T) {
	require.Equal(t, 2, decideGroupSize(250, 0))
	require.Equal(t, 2, decideGroupSize(10, 0.15))
	require.Equal(t, 3, decideGroupSize(150, 0))
	require.Equal(t, 3, decideGroupSize(10, 0.07))
	require.Equal(t, 4, decideGroupSize(10, 0.01))
}

func TestFlushSkipsSingletonGroups(t *testing.T) {
	enc := NewWithDepth(3)
	est := loss.New()
	enc.Process(rtp(0, []byte("a")), est, 10)
	fecs := enc.Flush()
	require.Empty(t, fecs)
}
