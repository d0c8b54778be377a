// SPDX-License-Identifier: GPL-3.0-or-later

package pipes

import (
	"sync"

	"github.com/bassosimone/runtimex"
	"github.com/iti/rngstream"
	"github.com/rs/zerolog"
)

// DeliverFunc receives a packet leaving a pipe along with the
// direction and tag given on submission.
type DeliverFunc func(pkt Packet, dir Direction, tag any)

// schedulerConfig contains the [*Scheduler] settings.
type schedulerConfig struct {
	discard DeliverFunc
	logger  zerolog.Logger
	rng     RandomSource
	start   uint64
}

// Option is an option for [NewScheduler].
type Option func(cfg *schedulerConfig)

// WithLogger sets the logger used by the scheduler.
//
// The default is a disabled logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(cfg *schedulerConfig) {
		cfg.logger = logger
	}
}

// WithRandomSource sets the random source for RED and random loss.
//
// The default is an rngstream stream.
func WithRandomSource(rng RandomSource) Option {
	return func(cfg *schedulerConfig) {
		cfg.rng = rng
	}
}

// WithDiscardFunc sets the function receiving the packets still
// queued when their pipe or flow set is deleted.
//
// The default drops them on the floor.
func WithDiscardFunc(fn DeliverFunc) Option {
	return func(cfg *schedulerConfig) {
		cfg.discard = fn
	}
}

// WithStartTick sets the clock of a new scheduler.
//
// Packets submitted before the first [*Scheduler.Advance] are timed
// from this tick, so it should be close to the first tick the caller
// will pass to Advance. The default is zero.
func WithStartTick(tick uint64) Option {
	return func(cfg *schedulerConfig) {
		cfg.start = tick
	}
}

// Scheduler shapes packets through pipes and flow sets.
//
// Time is measured in ticks provided by the caller through
// [*Scheduler.Advance]. All methods are safe for concurrent use.
// Callbacks run without holding the internal lock, so they may
// submit packets again, e.g., to chain pipes.
//
// Construct using [NewScheduler].
type Scheduler struct {
	// mu protects all the other fields.
	mu sync.Mutex

	// now is the current tick.
	now SortKey

	// advanced is true after the first Advance.
	advanced bool

	// deliver and discard are the callbacks.
	deliver, discard DeliverFunc

	// logger is the logger to use.
	logger zerolog.Logger

	// rng is the random source.
	rng RandomSource

	// pipes maps numbers to pipes.
	pipes map[int]*pipe

	// pipeArena owns the pipes.
	pipeArena arena[*pipe]

	// flowSets maps numbers to WF2Q+ flow sets.
	flowSets map[int]*flowSet

	// queues owns all the flow queues.
	queues arena[*flowQueue]

	// ready contains fixed-rate queues waiting for credit.
	ready *Heap[handle]

	// wfqReady contains pipes waiting for WF2Q+ credit.
	wfqReady *Heap[handle]

	// extract contains pipes whose delay line head is due.
	extract *Heap[handle]

	// ifaceRates contains the interface rates.
	ifaceRates map[string]uint64

	// outbox and trash collect packets to hand to callbacks.
	outbox, trash []*descriptor

	// Counters.
	clockRegressions    uint64
	invariantViolations uint64
	unroutable          uint64

	// clockWarned is true once the clock regression warning was logged.
	clockWarned bool
}

// NewScheduler creates a new [*Scheduler] delivering to deliver.
func NewScheduler(deliver DeliverFunc, options ...Option) *Scheduler {
	cfg := &schedulerConfig{
		discard: func(Packet, Direction, any) {},
		logger:  zerolog.Nop(),
		rng:     nil,
	}
	for _, opt := range options {
		opt(cfg)
	}
	if cfg.rng == nil {
		cfg.rng = rngstream.New("pipes")
	}

	s := &Scheduler{
		deliver:    deliver,
		discard:    cfg.discard,
		logger:     cfg.logger,
		rng:        cfg.rng,
		pipes:      make(map[int]*pipe),
		flowSets:   make(map[int]*flowSet),
		ifaceRates: make(map[string]uint64),
		now:        SortKey(cfg.start),
	}
	s.ready = NewHeap(0, s.queueMoved(func(q *flowQueue) *int { return &q.readyPos }))
	s.wfqReady = NewHeap(0, s.pipeMoved(func(p *pipe) *int { return &p.wfqPos }))
	s.extract = NewHeap(0, s.pipeMoved(func(p *pipe) *int { return &p.extractPos }))
	return s
}

func (s *Scheduler) queueMoved(field func(q *flowQueue) *int) func(handle, int) {
	return func(h handle, pos int) {
		if q, ok := s.queues.get(h); ok {
			*field(q) = pos
		}
	}
}

func (s *Scheduler) pipeMoved(field func(p *pipe) *int) func(handle, int) {
	return func(h handle, pos int) {
		if p, ok := s.pipeArena.get(h); ok {
			*field(p) = pos
		}
	}
}

// heapInsert inserts into a heap whose capacity follows from the
// configuration, so a full heap is an invariant violation.
func (s *Scheduler) heapInsert(h *Heap[handle], key SortKey, value handle, what string) {
	if _, err := h.Insert(key, value); err == nil {
		return
	}
	s.violation(ErrHeapFull, what)
	runtimex.PanicOnError0(h.Resize(2*h.Cap() + 1))
	runtimex.PanicOnError1(h.Insert(key, value))
}

func (s *Scheduler) heapRemove(h *Heap[handle], pos int, what string) {
	if _, _, err := h.Remove(pos); err != nil {
		s.violation(err, what)
	}
}

// invariant reports a violation when ok is false and returns ok.
func (s *Scheduler) invariant(ok bool, what string) bool {
	if !ok {
		s.violation(ErrInvariantViolation, what)
	}
	return ok
}

func (s *Scheduler) violation(err error, what string) {
	s.invariantViolations++
	s.logger.Error().Err(err).Str("what", what).Uint64("tick", uint64(s.now)).Msg("internal invariant violation")
	runtimex.Assert(!debugInvariants)
}

// unlockAndFlush releases the lock and then runs the callbacks.
func (s *Scheduler) unlockAndFlush() {
	outbox, trash := s.outbox, s.trash
	s.outbox, s.trash = nil, nil
	s.mu.Unlock()
	for _, d := range outbox {
		s.deliver(d.pkt, d.dir, d.tag)
	}
	for _, d := range trash {
		s.discard(d.pkt, d.dir, d.tag)
	}
}

// Submit hands pkt to the embedded fixed-rate flow set of the given pipe.
//
// On [Accepted], the scheduler owns the packet until it passes it to
// the [DeliverFunc] together with dir and tag. On [Dropped], the
// caller keeps ownership. Unknown pipes cause a drop.
func (s *Scheduler) Submit(pipeNr int, dir Direction, pkt Packet, tag any) Verdict {
	s.mu.Lock()
	defer s.unlockAndFlush()
	p, found := s.pipes[pipeNr]
	if !found {
		s.unroutable++
		return Dropped
	}
	return s.enqueue(p.fs, dir, pkt, tag)
}

// SubmitQueue hands pkt to the given WF2Q+ flow set.
//
// Ownership rules are the same of [*Scheduler.Submit]. Unknown flow
// sets and flow sets whose parent pipe does not exist cause a drop.
func (s *Scheduler) SubmitQueue(flowSetNr int, dir Direction, pkt Packet, tag any) Verdict {
	s.mu.Lock()
	defer s.unlockAndFlush()
	fs, found := s.flowSets[flowSetNr]
	if !found {
		s.unroutable++
		return Dropped
	}
	if fs.pipe == nil {
		fs.arrivals++
		fs.arrivalBytes += uint64(pkt.Len())
		fs.drops++
		return Dropped
	}
	return s.enqueue(fs, dir, pkt, tag)
}

func (s *Scheduler) enqueue(fs *flowSet, dir Direction, pkt Packet, tag any) Verdict {
	length := pkt.Len()
	fs.arrivals++
	fs.arrivalBytes += uint64(length)

	q := s.lookupQueue(fs, pkt.FlowID())
	if q == nil {
		fs.drops++
		fs.overflows++
		return Dropped
	}
	q.arrivals++
	q.arrivalBytes += uint64(length)

	switch {
	case fs.overLimit(q, length):
		return s.dropped(q)

	case fs.lossRate > 0 && int64(s.rng.RandU01()*float64(redOne)) < fs.lossRate:
		return s.dropped(q)

	case fs.red != nil && fs.red.drop(q, s.now, length, s.rng):
		return s.dropped(q)
	}

	q.push(&descriptor{dir: dir, length: length, pkt: pkt, tag: tag})
	if q.length > 1 {
		return Accepted // already scheduled
	}
	if fs.embedded {
		s.scheduleFixed(fs.pipe, q)
	} else {
		s.scheduleWFQ(fs.pipe, q)
	}
	return Accepted
}

func (s *Scheduler) dropped(q *flowQueue) Verdict {
	q.drops++
	q.fs.drops++
	return Dropped
}

// lookupQueue returns the queue for id, creating it when needed,
// or nil when the flow table is full.
func (s *Scheduler) lookupQueue(fs *flowSet, id FlowID) *flowQueue {
	key := fs.cfg.Queue.Mask.Apply(id)
	if h, found := fs.table[key]; found {
		if q, ok := s.queues.get(h); s.invariant(ok, "stale handle in flow table") {
			return q
		}
		delete(fs.table, key)
	}

	if len(fs.table) >= fs.maxQueues {
		s.expireFlowSet(fs)
		if len(fs.table) >= fs.maxQueues {
			if !fs.warnedFull {
				fs.warnedFull = true
				s.logger.Warn().Err(ErrResourceExhausted).Int("flowset", fs.number).
					Int("max_queues", fs.maxQueues).Msg("flow table is full")
			}
			return nil
		}
	}

	q := newFlowQueue(fs, key, s.now)
	q.h = s.queues.alloc(q)
	fs.table[key] = q.h
	return q
}

// expireFlowSet removes the inactive queues of fs.
func (s *Scheduler) expireFlowSet(fs *flowSet) (count int) {
	for key, h := range fs.table {
		q, ok := s.queues.get(h)
		if ok && !q.inactive() {
			continue
		}
		delete(fs.table, key)
		s.queues.release(h)
		count++
	}
	return
}

// ExpireIdle removes every flow queue that holds neither packets
// nor scheduling state and returns how many it removed.
func (s *Scheduler) ExpireIdle() int {
	s.mu.Lock()
	defer s.unlockAndFlush()
	var count int
	for _, p := range s.pipes {
		count += s.expireFlowSet(p.fs)
	}
	for _, fs := range s.flowSets {
		count += s.expireFlowSet(fs)
	}
	return count
}

// Advance moves the clock to the given tick and runs every event
// due at or before it, in tick order.
//
// A tick not later than the previous one is a clock regression:
// the call does nothing except counting it. Before the first call,
// the clock is the tick set with [WithStartTick], and ticks are
// compared with wrap-around, so the first tick must be less than
// 2^63 ticks after it.
func (s *Scheduler) Advance(tick uint64) {
	s.mu.Lock()
	defer s.unlockAndFlush()
	now := SortKey(tick)
	if s.advanced && now.LessEq(s.now) {
		s.clockRegressions++
		if !s.clockWarned {
			s.clockWarned = true
			s.logger.Warn().Err(ErrClockRegression).Uint64("tick", tick).
				Uint64("last_tick", uint64(s.now)).Msg("ignoring clock regression")
		}
		return
	}
	s.advanced = true
	s.runEvents(now)
	s.now = now
}

func (s *Scheduler) runEvents(until SortKey) {
	events := [...]*Heap[handle]{s.ready, s.wfqReady, s.extract}
	for {
		next, when := -1, SortKey(0)
		for idx, h := range events {
			key, _, ok := h.Peek()
			if ok && key.LessEq(until) && (next < 0 || key.Less(when)) {
				next, when = idx, key
			}
		}
		if next < 0 {
			return
		}
		if s.now.Less(when) {
			s.now = when
		}
		_, h, _ := events[next].ExtractMin()

		if next == 0 {
			if q, ok := s.queues.get(h); s.invariant(ok, "stale handle in ready") {
				s.serveFixed(q)
			}
			continue
		}
		p, ok := s.pipeArena.get(h)
		if !s.invariant(ok, "stale handle in event heap") {
			continue
		}
		if next == 1 {
			s.serveWFQ(p)
		} else {
			s.transmit(p)
		}
	}
}

// SetInterfaceRate sets the rate, in bytes per tick, of the interface
// with the given name. It overrides the bandwidth of the attached
// pipes. A zero rate restores the configured bandwidth. Rates larger
// than [MaxBandwidth] are clamped.
func (s *Scheduler) SetInterfaceRate(name string, rate uint64) {
	s.mu.Lock()
	defer s.unlockAndFlush()
	rate = min(rate, MaxBandwidth)
	if rate <= 0 {
		delete(s.ifaceRates, name)
	} else {
		s.ifaceRates[name] = rate
	}
	s.logger.Info().Str("interface", name).Uint64("rate", rate).Msg("interface rate updated")
	for _, p := range s.pipes {
		if p.cfg.Interface == name {
			s.rateChanged(p)
		}
	}
}
