// SPDX-License-Identifier: GPL-3.0-or-later

package pipes

import (
	"math"

	"github.com/bassosimone/runtimex"
)

// wfqShift is the fixed point shift of WF2Q+ timestamps.
const wfqShift = 16

// pipe is a bandwidth and delay emulator.
type pipe struct {
	// cfg is the configuration as given by the caller.
	cfg PipeConfig

	// h is the arena handle of this pipe.
	h handle

	// fs is the embedded fixed-rate flow set.
	fs *flowSet

	// flowSets contains the attached WF2Q+ flow sets.
	flowSets []*flowSet

	// vtime is the WF2Q+ virtual time.
	vtime SortKey

	// sum is the sum of the weights of the backlogged flow queues.
	sum uint64

	// numbytes is the WF2Q+ credit in bytes. It may be negative.
	numbytes int64

	// schedTime is the tick at which numbytes was last updated.
	schedTime SortKey

	// WF2Q+ heaps: neh and backlog are keyed by start time, sch
	// and idle by finish time.
	neh, sch, backlog, idle *Heap[handle]

	// delayLine contains released packets ordered by due time.
	delayLine []*descriptor

	// Event heap positions or -1.
	wfqPos, extractPos int

	// Counters.
	delivered, deliveredBytes uint64
	discarded                 uint64
}

func (s *Scheduler) newPipe(cfg PipeConfig) *pipe {
	p := &pipe{
		cfg:        cfg,
		wfqPos:     -1,
		extractPos: -1,
	}
	p.neh = NewHeap(0, s.queueMoved(func(q *flowQueue) *int { return &q.nehPos }))
	p.sch = NewHeap(0, s.queueMoved(func(q *flowQueue) *int { return &q.schPos }))
	p.backlog = NewHeap(0, s.queueMoved(func(q *flowQueue) *int { return &q.backlogPos }))
	p.idle = NewHeap(0, s.queueMoved(func(q *flowQueue) *int { return &q.idlePos }))
	p.fs = newFlowSet(FlowSetConfig{Number: cfg.Number, Parent: cfg.Number, Queue: cfg.Queue}, true)
	p.fs.pipe = p
	p.fs.updateRED()
	return p
}

// resizeHeaps sizes the WF2Q+ heaps to hold every queue of the
// attached flow sets.
func (p *pipe) resizeHeaps() {
	var need int
	for _, fs := range p.flowSets {
		need += fs.maxQueues
	}
	for _, h := range []*Heap[handle]{p.neh, p.sch, p.backlog, p.idle} {
		if need > h.Cap() {
			runtimex.PanicOnError0(h.Resize(need))
		}
	}
}

// detach removes fs from the attached flow sets.
func (p *pipe) detach(fs *flowSet) {
	for idx, entry := range p.flowSets {
		if entry == fs {
			p.flowSets = append(p.flowSets[:idx], p.flowSets[idx+1:]...)
			break
		}
	}
	fs.pipe = nil
}

// refill adds the credit earned in elapsed ticks at bw bytes per
// tick, saturating at math.MaxInt64.
func refill(numbytes int64, elapsed SortKey, bw int64) int64 {
	ticks := int64(elapsed)
	if ticks <= 0 || bw <= 0 {
		return numbytes
	}
	if bw > math.MaxInt64/ticks {
		return math.MaxInt64
	}
	earned := ticks * bw
	if numbytes > math.MaxInt64-earned {
		return math.MaxInt64
	}
	return numbytes + earned
}

// bandwidth returns the effective pipe bandwidth in bytes per tick.
func (s *Scheduler) bandwidth(p *pipe) uint64 {
	if p.cfg.Interface != "" {
		if rate, ok := s.ifaceRates[p.cfg.Interface]; ok {
			return rate
		}
	}
	return p.cfg.Bandwidth
}

// rateChanged serves the queued packets of p right away once its
// effective bandwidth becomes unlimited.
func (s *Scheduler) rateChanged(p *pipe) {
	if s.bandwidth(p) > 0 {
		return
	}
	for _, h := range p.fs.table {
		if q, ok := s.queues.get(h); ok && q.readyPos >= 0 {
			s.heapRemove(s.ready, q.readyPos, "ready")
			s.serveFixed(q)
		}
	}
	s.kickWFQ(p)
}

// release moves d to the delay line of p.
func (s *Scheduler) release(p *pipe, d *descriptor) {
	d.due = s.now + SortKey(p.cfg.Delay)
	p.delayLine = append(p.delayLine, d)
}

// transmit delivers the due packets of the delay line and
// reschedules the extract event for the remaining ones.
func (s *Scheduler) transmit(p *pipe) {
	for len(p.delayLine) > 0 && p.delayLine[0].due.LessEq(s.now) {
		d := p.delayLine[0]
		p.delayLine[0] = nil
		p.delayLine = p.delayLine[1:]
		p.delivered++
		p.deliveredBytes += uint64(d.length)
		s.outbox = append(s.outbox, d)
	}
	if p.extractPos >= 0 {
		s.heapRemove(s.extract, p.extractPos, "extract")
	}
	if len(p.delayLine) > 0 {
		s.heapInsert(s.extract, p.delayLine[0].due, p.h, "extract")
	}
}

// scheduleFixed starts serving q, which just became non-empty.
func (s *Scheduler) scheduleFixed(p *pipe, q *flowQueue) {
	bw := s.bandwidth(p)
	q.numbytes = 0
	q.schedTime = s.now
	if bw <= 0 {
		s.serveFixed(q)
		return
	}
	// Model serialization delay: the packet leaves once all its
	// bytes have been clocked out.
	wait := (uint64(q.head().length) + bw - 1) / bw
	s.heapInsert(s.ready, s.now+SortKey(wait), q.h, "ready")
}

// serveFixed releases as many packets of q as its credit allows.
func (s *Scheduler) serveFixed(q *flowQueue) {
	p := q.fs.pipe
	if !s.invariant(p != nil, "fixed-rate queue without pipe") {
		return
	}
	bw := int64(s.bandwidth(p))
	wasEmpty := len(p.delayLine) <= 0

	q.numbytes = refill(q.numbytes, s.now-q.schedTime, bw)
	q.schedTime = s.now
	for d := q.head(); d != nil; d = q.head() {
		if bw > 0 {
			if int64(d.length) > q.numbytes {
				break
			}
			q.numbytes -= int64(d.length)
		}
		s.release(p, q.pop())
	}

	if d := q.head(); d != nil {
		missing := int64(d.length) - q.numbytes
		wait := 1 + (missing-1)/bw
		s.heapInsert(s.ready, s.now+SortKey(wait), q.h, "ready")
	} else {
		// No credit accumulates while idle.
		q.numbytes = 0
		q.idleSince = s.now
	}

	if wasEmpty {
		s.transmit(p)
	}
}
