// Package fec implements the adaptive interleaved-XOR forward error
// correction encoder and single-erasure recovery (spec §4.D).
package fec

import (
	"voxrelay/transport/loss"
	"voxrelay/transport/packet"
)

// DefaultInterleaveDepth is the number of round-robin FEC slots. Interleaving
// across slots converts bursty losses into isolated, independently
// recoverable losses within each XOR group.
const DefaultInterleaveDepth = 3

const defaultGroupSize = 4

// Encoder buffers outbound Rtp packets into interleaved slots and emits one
// Fec parity packet per slot once it reaches the current adaptive group size.
type Encoder struct {
	slots       [][]packet.Rtp
	currentSlot int
	groupSize   int
	depth       int
}

// New returns an encoder with the default interleave depth.
func New() *Encoder {
	return NewWithDepth(DefaultInterleaveDepth)
}

// NewWithDepth returns an encoder with a custom interleave depth (minimum 1).
func NewWithDepth(depth int) *Encoder {
	if depth < 1 {
		depth = 1
	}
	return &Encoder{
		slots:     make([][]packet.Rtp, depth),
		groupSize: defaultGroupSize,
		depth:     depth,
	}
}

// decideGroupSize maps (rtt, loss) to a parity ratio per spec §4.D: ties
// resolve toward the more protective (smaller) ratio.
func decideGroupSize(rttMs float64, lossRate float64) int {
	switch {
	case rttMs > 200 || lossRate >= 0.10:
		return 2
	case rttMs > 100 || lossRate >= 0.05:
		return 3
	default:
		return 4
	}
}

// Process appends p to the current round-robin slot, recomputes the group
// size from the current loss/RTT readings, and returns any Fec packets that
// became ready to emit as a result (zero, one, or more — one per slot that
// crossed its threshold).
func (e *Encoder) Process(p packet.Rtp, estimator *loss.Estimator, rttMs float64) []packet.Fec {
	ratio := decideGroupSize(rttMs, estimator.Stats().LossRate)
	if ratio < 2 {
		ratio = 2
	}
	e.groupSize = ratio

	e.slots[e.currentSlot] = append(e.slots[e.currentSlot], p)
	e.currentSlot = (e.currentSlot + 1) % e.depth

	var out []packet.Fec
	for i, slot := range e.slots {
		if len(slot) >= e.groupSize {
			if fec, ok := buildFec(slot); ok {
				out = append(out, fec)
			}
			e.slots[i] = nil
		}
	}
	return out
}

// Flush emits one Fec packet for every slot holding at least two pending
// packets (a single-packet "group" is skipped — XOR over one packet is
// pointless) and resets the round-robin cursor. Callers must flush after
// the last fragment of a message or small messages may never be protected.
func (e *Encoder) Flush() []packet.Fec {
	var out []packet.Fec
	for i, slot := range e.slots {
		if len(slot) > 1 {
			if fec, ok := buildFec(slot); ok {
				out = append(out, fec)
			}
		}
		e.slots[i] = nil
	}
	e.currentSlot = 0
	return out
}

// PendingCount returns the total number of packets buffered across all slots.
func (e *Encoder) PendingCount() int {
	n := 0
	for _, s := range e.slots {
		n += len(s)
	}
	return n
}

// Reset clears all buffered slots and restores the default group size.
func (e *Encoder) Reset() {
	for i := range e.slots {
		e.slots[i] = nil
	}
	e.currentSlot = 0
	e.groupSize = defaultGroupSize
}

func buildFec(group []packet.Rtp) (packet.Fec, bool) {
	if len(group) == 0 {
		return packet.Fec{}, false
	}
	maxLen := 0
	for _, p := range group {
		if len(p.Data) > maxLen {
			maxLen = len(p.Data)
		}
	}
	if maxLen == 0 {
		return packet.Fec{}, false
	}

	fecData := make([]byte, maxLen)
	metas := make([]packet.ProtectedMeta, 0, len(group))
	for _, p := range group {
		metas = append(metas, packet.ProtectedMeta{
			SequenceNumber: p.SequenceNumber,
			Timestamp:      p.Timestamp,
			FrameID:        p.FrameID,
			FragmentNumber: p.FragmentNumber,
			TotalFragments: p.TotalFragments,
			DataLength:     uint16(len(p.Data)),
		})
		for i, b := range p.Data {
			fecData[i] ^= b
		}
	}

	return packet.Fec{
		Timestamp:        group[len(group)-1].Timestamp,
		ProtectedPackets: metas,
		FecData:          fecData,
	}, true
}

// Recover reconstructs the single missing packet in an Fec group given the
// subset of group members already held (available). It returns ok=false
// unless exactly one member of the group is absent from available.
func Recover(f packet.Fec, available []packet.Rtp) (packet.Rtp, bool) {
	if len(available) != len(f.ProtectedPackets)-1 {
		return packet.Rtp{}, false
	}

	haveSeq := make(map[uint64]struct{}, len(available))
	for _, p := range available {
		haveSeq[p.SequenceNumber] = struct{}{}
	}

	protectedSeq := make(map[uint64]struct{}, len(f.ProtectedPackets))
	for _, m := range f.ProtectedPackets {
		protectedSeq[m.SequenceNumber] = struct{}{}
	}
	for seq := range haveSeq {
		if _, ok := protectedSeq[seq]; !ok {
			return packet.Rtp{}, false
		}
	}

	var missing *packet.ProtectedMeta
	for i := range f.ProtectedPackets {
		m := &f.ProtectedPackets[i]
		if _, ok := haveSeq[m.SequenceNumber]; !ok {
			if missing != nil {
				// more than one protected sequence absent — not recoverable.
				return packet.Rtp{}, false
			}
			missing = m
		}
	}
	if missing == nil {
		return packet.Rtp{}, false
	}

	recovered := make([]byte, len(f.FecData))
	copy(recovered, f.FecData)
	for _, p := range available {
		for i, b := range p.Data {
			if i < len(recovered) {
				recovered[i] ^= b
			}
		}
	}
	if int(missing.DataLength) <= len(recovered) {
		recovered = recovered[:missing.DataLength]
	}

	return packet.Rtp{
		SequenceNumber: missing.SequenceNumber,
		Timestamp:      missing.Timestamp,
		FrameID:        missing.FrameID,
		FragmentNumber: missing.FragmentNumber,
		TotalFragments: missing.TotalFragments,
		Data:           recovered,
	}, true
}
