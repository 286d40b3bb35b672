// Package nack implements gap detection and scheduled retransmission
// requests with RTO backoff (spec §4.E).
package nack

import (
	"time"

	"voxrelay/transport/packet"
)

// MaxSequenceGap bounds a single detected gap; larger gaps are assumed to be
// state drift (e.g. a sequence-number wrap look-alike) rather than loss, and
// are silently dropped.
const MaxSequenceGap = 100

// MaxRetransmissions is the retry ceiling for a single pending NACK before
// it is abandoned.
const MaxRetransmissions = 5

// firstDelay / slowFirstDelay are the "wait for reordering" timers applied
// before the first transmission of a newly-detected gap.
const (
	firstDelay         = 20 * time.Millisecond
	slowFirstDelay     = 60 * time.Millisecond
	slowFirstThreshold = 150.0 // ms srtt
)

// Pending tracks one in-flight gap report awaiting retransmission or
// resolution.
type Pending struct {
	Missing         []uint64
	SentAt          time.Time
	CreatedAtMs     uint64
	Retransmissions uint32
}

func (p *Pending) removeMissing(seq uint64) {
	out := p.Missing[:0]
	for _, s := range p.Missing {
		if s != seq {
			out = append(out, s)
		}
	}
	p.Missing = out
}

func (p *Pending) pruneArrived(receiveCache map[uint64]packet.Rtp) {
	out := p.Missing[:0]
	for _, s := range p.Missing {
		if _, ok := receiveCache[s]; !ok {
			out = append(out, s)
		}
	}
	p.Missing = out
}

// Delay returns the wait before (re)sending a NACK: a short reordering
// timer for the first send (longer when srtt indicates a slow path), and
// the connection's current RTO for every retransmission after that.
func Delay(srtt float64, rto time.Duration, retransmissions uint32) time.Duration {
	if retransmissions == 0 {
		if srtt > slowFirstThreshold {
			return slowFirstDelay
		}
		return firstDelay
	}
	return rto
}

// Controller holds the set of pending NACKs for one connection.
type Controller struct {
	pending []*Pending
}

// NewController returns an empty controller.
func NewController() *Controller {
	return &Controller{}
}

// OnRtpReceived clears seq from every pending NACK's missing list — an
// explicit arrival resolves it regardless of how it arrived (direct RTP or
// FEC recovery upstream of this call).
func (c *Controller) OnRtpReceived(seq uint64) {
	for _, p := range c.pending {
		p.removeMissing(seq)
	}
}

// OnGapDetected builds the list of sequences in [start, end) not present in
// receiveCache and records a new Pending NACK for them, unless the gap
// exceeds MaxSequenceGap (treated as state drift, not loss) or nothing is
// actually missing.
func (c *Controller) OnGapDetected(receiveCache map[uint64]packet.Rtp, start, end uint64, nowMs uint64, sentAt time.Time) {
	if end-start > MaxSequenceGap {
		return
	}
	var missing []uint64
	for seq := start; seq < end; seq++ {
		if _, ok := receiveCache[seq]; !ok {
			missing = append(missing, seq)
		}
	}
	if len(missing) == 0 {
		return
	}
	c.pending = append(c.pending, &Pending{
		Missing:     missing,
		SentAt:      sentAt,
		CreatedAtMs: nowMs,
	})
}

// CheckPending prunes each pending NACK against receiveCache, drops it if
// resolved or retransmission-exhausted, and otherwise sends (via sendFn)
// when its delay has elapsed, incrementing its retransmission count.
func (c *Controller) CheckPending(receiveCache map[uint64]packet.Rtp, srtt float64, rto time.Duration, now time.Time, sendFn func(packet.Nack)) {
	kept := c.pending[:0]
	for _, p := range c.pending {
		p.pruneArrived(receiveCache)
		if len(p.Missing) == 0 {
			continue
		}
		if p.Retransmissions >= MaxRetransmissions {
			continue
		}
		delay := Delay(srtt, rto, p.Retransmissions)
		if !now.Before(p.SentAt.Add(delay)) {
			seqs := make([]uint64, len(p.Missing))
			copy(seqs, p.Missing)
			sendFn(packet.Nack{MissingSequences: seqs})
			p.SentAt = now
			p.Retransmissions++
		}
		kept = append(kept, p)
	}
	c.pending = kept
}

// Cleanup drops pending NACKs older than maxAgeMs (janitor tick).
func (c *Controller) Cleanup(nowMs uint64, maxAgeMs uint64) {
	kept := c.pending[:0]
	for _, p := range c.pending {
		if nowMs-p.CreatedAtMs < maxAgeMs {
			kept = append(kept, p)
		}
	}
	c.pending = kept
}

// Len returns the number of pending NACKs (for tests/metrics).
func (c *Controller) Len() int { return len(c.pending) }
