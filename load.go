// SPDX-License-Identifier: GPL-3.0-or-later

package pipes

import (
	"fmt"

	"github.com/bassosimone/runtimex"
)

// Load validates the given config and then applies it.
//
// Nothing is applied unless every definition is valid. Existing
// pipes and flow sets with the same numbers are reconfigured in
// place and the others are left untouched.
func (s *Scheduler) Load(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.unlockAndFlush()
	for _, pc := range cfg.Pipes {
		s.applyPipe(pc)
	}
	for _, fc := range cfg.FlowSets {
		s.applyFlowSet(fc)
	}
	return nil
}

// LoadPipe creates or reconfigures one pipe.
func (s *Scheduler) LoadPipe(cfg PipeConfig) error {
	return s.Load(Config{Pipes: []PipeConfig{cfg}})
}

// LoadFlowSet creates or reconfigures one flow set.
func (s *Scheduler) LoadFlowSet(cfg FlowSetConfig) error {
	return s.Load(Config{FlowSets: []FlowSetConfig{cfg}})
}

func (s *Scheduler) applyPipe(cfg PipeConfig) {
	p, found := s.pipes[cfg.Number]
	if !found {
		p = s.newPipe(cfg)
		p.h = s.pipeArena.alloc(p)
		s.pipes[cfg.Number] = p
		for _, h := range []*Heap[handle]{s.wfqReady, s.extract} {
			if need := len(s.pipes); need > h.Cap() {
				runtimex.PanicOnError0(h.Resize(max(need, 2*h.Cap())))
			}
		}
		for _, fs := range s.flowSets {
			if fs.pipe == nil && fs.cfg.Parent == cfg.Number {
				s.attach(p, fs)
			}
		}
	} else {
		p.cfg = cfg
		s.configureFlowSet(p.fs, FlowSetConfig{Number: cfg.Number, Parent: cfg.Number, Queue: cfg.Queue})
		for _, fs := range p.flowSets {
			fs.updateRED()
		}
		s.rateChanged(p)
	}
	s.resizeReady()
	s.logger.Info().Int("pipe", cfg.Number).Uint64("bandwidth", cfg.Bandwidth).
		Uint64("delay", cfg.Delay).Bool("created", !found).Msg("pipe configured")
}

// resizeReady sizes the ready heap for every fixed-rate queue.
func (s *Scheduler) resizeReady() {
	var need int
	for _, p := range s.pipes {
		need += p.fs.maxQueues
	}
	if need > s.ready.Cap() {
		runtimex.PanicOnError0(s.ready.Resize(need))
	}
}

func (s *Scheduler) applyFlowSet(cfg FlowSetConfig) {
	fs, found := s.flowSets[cfg.Number]
	switch {
	case !found:
		fs = newFlowSet(cfg, false)
		s.flowSets[cfg.Number] = fs
		if p := s.pipes[cfg.Parent]; p != nil {
			s.attach(p, fs)
		}

	case fs.cfg.Parent != cfg.Parent:
		s.purgeFlowSet(fs)
		if fs.pipe != nil {
			fs.pipe.detach(fs)
		}
		s.configureFlowSet(fs, cfg)
		if p := s.pipes[cfg.Parent]; p != nil {
			s.attach(p, fs)
		}

	default:
		s.configureFlowSet(fs, cfg)
		if fs.pipe != nil {
			fs.pipe.resizeHeaps()
		}
	}
	s.logger.Info().Int("flowset", cfg.Number).Int("parent", cfg.Parent).
		Int("weight", cfg.Weight).Bool("created", !found).Msg("flowset configured")
}

// configureFlowSet applies cfg to an existing flow set.
func (s *Scheduler) configureFlowSet(fs *flowSet, cfg FlowSetConfig) {
	if fs.needsPurge(cfg) {
		s.purgeFlowSet(fs)
	}
	oldWeight := fs.weight
	fs.configure(cfg)
	// Backlogged queues joined the sum with the old weight.
	if p := fs.pipe; p != nil && !fs.embedded {
		p.sum = p.sum - uint64(fs.backlogged)*oldWeight + uint64(fs.backlogged)*fs.weight
	}
}

func (s *Scheduler) attach(p *pipe, fs *flowSet) {
	fs.pipe = p
	p.flowSets = append(p.flowSets, fs)
	p.resizeHeaps()
	fs.updateRED()
}

// purgeFlowSet removes every queue of fs from the heaps and the
// arena and hands the queued packets to the discard callback.
func (s *Scheduler) purgeFlowSet(fs *flowSet) {
	for _, h := range fs.table {
		if q, ok := s.queues.get(h); s.invariant(ok, "stale handle in flow table") {
			s.purgeQueue(q)
		}
	}
	clear(fs.table)
	s.invariant(fs.backlogged == 0, "backlogged queues after purge")
	fs.backlogged = 0
}

func (s *Scheduler) purgeQueue(q *flowQueue) {
	fs, p := q.fs, q.fs.pipe
	if q.readyPos >= 0 {
		s.heapRemove(s.ready, q.readyPos, "ready")
	}
	if p != nil {
		if q.backlogPos >= 0 {
			s.heapRemove(p.backlog, q.backlogPos, "backlog")
			fs.backlogged--
			p.sum -= fs.weight
		}
		if q.nehPos >= 0 {
			s.heapRemove(p.neh, q.nehPos, "neh")
		}
		if q.schPos >= 0 {
			s.heapRemove(p.sch, q.schPos, "sch")
		}
		if q.idlePos >= 0 {
			s.heapRemove(p.idle, q.idlePos, "idle")
		}
		p.discarded += uint64(q.length)
	}
	s.trash = append(s.trash, q.drain()...)
	s.queues.release(q.h)
}

// DeletePipe deletes the given pipe and its embedded flow set.
//
// The attached WF2Q+ flow sets lose their queued packets but stay
// configured, and they serve again once the pipe is recreated.
func (s *Scheduler) DeletePipe(number int) error {
	s.mu.Lock()
	defer s.unlockAndFlush()
	p, found := s.pipes[number]
	if !found {
		return fmt.Errorf("%w: %d", ErrNoSuchPipe, number)
	}

	s.purgeFlowSet(p.fs)
	for _, fs := range p.flowSets {
		s.purgeFlowSet(fs)
		fs.pipe = nil
	}
	p.flowSets = nil
	s.invariant(p.backlog.Len() == 0 && p.idle.Len() == 0, "pipe heaps not empty after purge")

	p.discarded += uint64(len(p.delayLine))
	s.trash = append(s.trash, p.delayLine...)
	p.delayLine = nil
	if p.wfqPos >= 0 {
		s.heapRemove(s.wfqReady, p.wfqPos, "wfq")
	}
	if p.extractPos >= 0 {
		s.heapRemove(s.extract, p.extractPos, "extract")
	}

	delete(s.pipes, number)
	s.pipeArena.release(p.h)
	s.logger.Info().Int("pipe", number).Msg("pipe deleted")
	return nil
}

// DeleteFlowSet deletes the given WF2Q+ flow set.
func (s *Scheduler) DeleteFlowSet(number int) error {
	s.mu.Lock()
	defer s.unlockAndFlush()
	fs, found := s.flowSets[number]
	if !found {
		return fmt.Errorf("%w: %d", ErrNoSuchFlowSet, number)
	}
	s.purgeFlowSet(fs)
	if fs.pipe != nil {
		fs.pipe.detach(fs)
	}
	delete(s.flowSets, number)
	s.logger.Info().Int("flowset", number).Msg("flowset deleted")
	return nil
}

// PipeConfig returns the configuration of the given pipe.
func (s *Scheduler) PipeConfig(number int) (PipeConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, found := s.pipes[number]
	if !found {
		return PipeConfig{}, fmt.Errorf("%w: %d", ErrNoSuchPipe, number)
	}
	return p.cfg, nil
}

// FlowSetConfig returns the configuration of the given flow set.
func (s *Scheduler) FlowSetConfig(number int) (FlowSetConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fs, found := s.flowSets[number]
	if !found {
		return FlowSetConfig{}, fmt.Errorf("%w: %d", ErrNoSuchFlowSet, number)
	}
	return fs.cfg, nil
}
