// Package reassembly reconstructs application messages from fragmented RTP
// datagrams (spec §4.B).
package reassembly

import (
	"errors"
	"sort"

	"voxrelay/transport/packet"
)

// ErrWrongFrame is returned when a packet's frame id does not match the
// frame buffer it was handed to.
var ErrWrongFrame = errors.New("reassembly: packet does not belong to this frame")

// ErrInconsistentFragmentCount is returned when a packet's TotalFragments
// disagrees with the frame buffer's expected count.
var ErrInconsistentFragmentCount = errors.New("reassembly: inconsistent fragment count")

// Frame reconstructs one application message from its RTP fragments.
// A frame older than 5s is discarded by the connection runner's janitor
// tick even if incomplete — Frame itself does not track wall-clock age;
// callers key CreatedAtMs for that purpose.
type Frame struct {
	FrameID           uint64
	ExpectedFragments uint16
	CreatedAtMs       uint64

	arrived map[uint16]packet.Rtp
}

// NewFrame returns an empty frame buffer expecting ExpectedFragments
// fragments, stamped with createdAtMs (wall-clock milliseconds).
func NewFrame(frameID uint64, expectedFragments uint16, createdAtMs uint64) *Frame {
	return &Frame{
		FrameID:           frameID,
		ExpectedFragments: expectedFragments,
		CreatedAtMs:       createdAtMs,
		arrived:           make(map[uint16]packet.Rtp),
	}
}

// AddPacket inserts r at r.FragmentNumber, overwriting any duplicate already
// stored there. It rejects the packet — not the frame — when r belongs to a
// different frame id or reports a different total fragment count.
func (f *Frame) AddPacket(r packet.Rtp) error {
	if r.FrameID != f.FrameID {
		return ErrWrongFrame
	}
	if r.TotalFragments != f.ExpectedFragments {
		return ErrInconsistentFragmentCount
	}
	f.arrived[r.FragmentNumber] = r
	return nil
}

// IsComplete reports whether every expected fragment has arrived.
func (f *Frame) IsComplete() bool {
	return len(f.arrived) == int(f.ExpectedFragments)
}

// Reconstruct concatenates arrived fragments in fragment-number order. It
// returns false if the frame is not yet complete.
func (f *Frame) Reconstruct() ([]byte, bool) {
	if !f.IsComplete() {
		return nil, false
	}
	nums := make([]uint16, 0, len(f.arrived))
	for n := range f.arrived {
		nums = append(nums, n)
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })

	total := 0
	for _, n := range nums {
		total += len(f.arrived[n].Data)
	}
	out := make([]byte, 0, total)
	for _, n := range nums {
		out = append(out, f.arrived[n].Data...)
	}
	return out, true
}
