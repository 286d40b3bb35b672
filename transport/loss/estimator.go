// Package loss implements a sliding-window, NACK-driven smoothed loss-rate
// estimate (spec §4.C).
package loss

import "time"

// Window is the wall-clock span over which sent/nacked sequence numbers are
// retained before aging out.
const Window = 2 * time.Second

type sentRecord struct {
	seq uint64
	at  time.Time
}

// Stats is a snapshot of the estimator's current state.
type Stats struct {
	LossRate   float64
	SampleSize int
}

// Estimator tracks recently-sent sequence numbers and which of them were
// NACKed, and derives an asymmetric EWMA of the loss rate: fast to rise on
// deterioration, slow to fall so FEC is not cut prematurely.
type Estimator struct {
	nowFunc func() time.Time

	sent     []sentRecord
	nacked   map[uint64]struct{}
	smoothed float64
	hasValue bool
}

// New returns an estimator using time.Now for all timestamps.
func New() *Estimator {
	return NewWithClock(time.Now)
}

// NewWithClock returns an estimator using nowFunc as its clock, so tests can
// drive it deterministically.
func NewWithClock(nowFunc func() time.Time) *Estimator {
	return &Estimator{
		nowFunc: nowFunc,
		nacked:  make(map[uint64]struct{}),
	}
}

// RecordSent registers that sequence seq was just sent, prunes the window,
// and recomputes the smoothed rate.
func (e *Estimator) RecordSent(seq uint64) {
	e.sent = append(e.sent, sentRecord{seq: seq, at: e.nowFunc()})
	e.update()
}

// RecordNack registers sequences reported missing by a NACK. Only
// sequences still inside the sent window count toward the loss rate.
func (e *Estimator) RecordNack(seqs []uint64) {
	inWindow := make(map[uint64]struct{}, len(e.sent))
	for _, s := range e.sent {
		inWindow[s.seq] = struct{}{}
	}
	for _, seq := range seqs {
		if _, ok := inWindow[seq]; ok {
			e.nacked[seq] = struct{}{}
		}
	}
	e.update()
}

// Stats returns the current smoothed loss rate and sent-sample count.
func (e *Estimator) Stats() Stats {
	return Stats{LossRate: e.smoothed, SampleSize: len(e.sent)}
}

// Reset clears all estimator state.
func (e *Estimator) Reset() {
	e.sent = nil
	e.nacked = make(map[uint64]struct{})
	e.smoothed = 0
	e.hasValue = false
}

func (e *Estimator) prune() {
	cutoff := e.nowFunc().Add(-Window)
	kept := e.sent[:0]
	removed := make(map[uint64]struct{})
	for _, r := range e.sent {
		if r.at.Before(cutoff) {
			removed[r.seq] = struct{}{}
			continue
		}
		kept = append(kept, r)
	}
	e.sent = kept
	for seq := range removed {
		delete(e.nacked, seq)
	}
}

func (e *Estimator) update() {
	e.prune()
	if len(e.sent) == 0 {
		return
	}
	raw := float64(len(e.nacked)) / float64(len(e.sent))

	if !e.hasValue {
		e.smoothed = raw
		e.hasValue = true
		return
	}
	if raw > e.smoothed {
		e.smoothed = 0.8*e.smoothed + 0.2*raw // fast rise
	} else {
		e.smoothed = 0.95*e.smoothed + 0.05*raw // slow fall
	}
}
