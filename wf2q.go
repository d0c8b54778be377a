// SPDX-License-Identifier: GPL-3.0-or-later

package pipes

// finishDelta returns the finish time increment of a packet of the
// given length for a flow with the given weight.
func finishDelta(length int, weight uint64) SortKey {
	return SortKey((uint64(length) << wfqShift) / weight)
}

// scheduleWFQ stamps q, which just became non-empty, and starts
// serving the pipe if it is idle.
func (s *Scheduler) scheduleWFQ(p *pipe, q *flowQueue) {
	fs := q.fs
	if q.stamped {
		// Reuse the old finish time so a flow cannot gain service
		// by leaving and immediately rejoining.
		if q.idlePos >= 0 {
			s.heapRemove(p.idle, q.idlePos, "idle")
		}
		q.start = maxKey(q.finish, p.vtime)
	} else {
		q.start = p.vtime
	}
	q.stamped = true
	p.sum += fs.weight
	q.finish = q.start + finishDelta(q.head().length, fs.weight)

	if p.neh.Len() <= 0 && p.sch.Len() <= 0 {
		p.vtime = maxKey(q.start, p.vtime)
	}
	fs.backlogged++
	s.heapInsert(p.backlog, q.start, q.h, "backlog")

	if p.vtime.Less(q.start) {
		s.heapInsert(p.neh, q.start, q.h, "neh")
		return
	}
	s.heapInsert(p.sch, q.finish, q.h, "sch")
	if s.bandwidth(p) <= 0 {
		s.kickWFQ(p)
		return
	}
	if p.numbytes >= 0 && p.wfqPos < 0 {
		p.schedTime = s.now
		s.serveWFQ(p)
	}
}

// kickWFQ serves p right away, cancelling a pending wake-up.
func (s *Scheduler) kickWFQ(p *pipe) {
	if p.wfqPos >= 0 {
		s.heapRemove(s.wfqReady, p.wfqPos, "wfq")
	}
	if p.backlog.Len() > 0 {
		s.serveWFQ(p)
	}
}

// serveWFQ releases packets in WF2Q+ order while the pipe has credit.
func (s *Scheduler) serveWFQ(p *pipe) {
	bw := int64(s.bandwidth(p))
	wasEmpty := len(p.delayLine) <= 0
	if bw > 0 {
		p.numbytes = refill(p.numbytes, s.now-p.schedTime, bw)
	} else {
		// Unlimited pipes forgive the debt left by a finite rate.
		p.numbytes = 0
	}
	p.schedTime = s.now

	var last *descriptor
	for p.numbytes >= 0 && p.backlog.Len() > 0 {
		if _, h, ok := p.sch.ExtractMin(); ok {
			d := s.serveQueue(p, h, bw)
			if d == nil {
				break
			}
			last = d
		} else if !s.invariant(p.neh.Len() > 0, "backlogged queues in no heap") {
			break
		}

		// With no eligible queue, jump V to the smallest start time.
		if p.sch.Len() <= 0 {
			if start, _, ok := p.backlog.Peek(); ok {
				p.vtime = maxKey(p.vtime, start)
			}
		}

		// Promote the queues that became eligible.
		for {
			start, h, ok := p.neh.Peek()
			if !ok || !start.LessEq(p.vtime) {
				break
			}
			p.neh.ExtractMin()
			if q, ok := s.queues.get(h); s.invariant(ok, "stale handle in neh") {
				s.heapInsert(p.sch, q.finish, h, "sch")
			}
		}
	}
	s.invariant(p.backlog.Len() == p.neh.Len()+p.sch.Len(), "backlog size mismatch")

	// Forget the timestamps of idle queues whose finish time V passed.
	for {
		finish, h, ok := p.idle.Peek()
		if !ok || !finish.LessEq(p.vtime) {
			break
		}
		p.idle.ExtractMin()
		if q, ok := s.queues.get(h); s.invariant(ok, "stale handle in idle") {
			q.stamped = false
		}
	}

	switch {
	case bw > 0 && p.numbytes < 0:
		// Wait for the credit to become non-negative again and make
		// the last packet pay for the excess.
		wait := SortKey(1 + (-p.numbytes-1)/bw)
		if last != nil {
			last.due += wait
		}
		s.heapInsert(s.wfqReady, s.now+wait, p.h, "wfq")

	case p.backlog.Len() <= 0:
		// Fully idle: no credit accumulates and old timestamps
		// cannot matter anymore.
		p.numbytes = 0
		for _, h, ok := p.idle.ExtractMin(); ok; _, h, ok = p.idle.ExtractMin() {
			if q, ok := s.queues.get(h); ok {
				q.stamped = false
			}
		}
	}

	if wasEmpty {
		s.transmit(p)
	}
}

// serveQueue releases the head packet of the queue with the given
// handle, which has just been extracted from the scheduler heap.
func (s *Scheduler) serveQueue(p *pipe, h handle, bw int64) *descriptor {
	q, ok := s.queues.get(h)
	if !s.invariant(ok, "stale handle in sch") {
		return nil
	}
	d := q.pop()
	if !s.invariant(d != nil, "empty queue in sch") {
		return nil
	}
	if bw > 0 {
		p.numbytes -= int64(d.length)
	}
	s.release(p, d)

	// Advance V before the queue weight leaves the sum.
	p.vtime += finishDelta(d.length, p.sum)
	q.start = q.finish
	s.heapRemove(p.backlog, q.backlogPos, "backlog")

	fs := q.fs
	if q.length <= 0 {
		fs.backlogged--
		p.sum -= fs.weight
		s.heapInsert(p.idle, q.finish, h, "idle")
		q.idleSince = s.now
		return d
	}

	q.finish += finishDelta(q.head().length, fs.weight)
	s.heapInsert(p.backlog, q.start, h, "backlog")
	if p.vtime.Less(q.start) {
		s.heapInsert(p.neh, q.start, h, "neh")
	} else {
		s.heapInsert(p.sch, q.finish, h, "sch")
	}
	return d
}
