// SPDX-License-Identifier: GPL-3.0-or-later

package pipes

import (
	"math"
	"strings"

	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/floats"
)

// QueueStats contains the state of a flow queue.
type QueueStats struct {
	// ID is the masked flow identifier.
	ID FlowID

	// Packets and Bytes are the current queue size.
	Packets, Bytes int

	// Arrivals and ArrivalBytes count submitted packets.
	Arrivals, ArrivalBytes uint64

	// SentPackets and SentBytes count packets that left the queue.
	SentPackets, SentBytes uint64

	// Drops counts dropped packets.
	Drops uint64

	// Start and Finish are the WF2Q+ timestamps.
	Start, Finish uint64

	// Average is the RED average queue size.
	Average float64
}

// FlowSetStats contains the state of a flow set.
type FlowSetStats struct {
	// Number is the flow set number. For the flow set embedded in a
	// pipe, it is the pipe number.
	Number int

	// Config is the flow set configuration. It is the zero value
	// for the flow set embedded in a pipe.
	Config FlowSetConfig

	// Attached is true when the parent pipe exists.
	Attached bool

	// Backlogged is the number of WF2Q+ backlogged queues.
	Backlogged int

	// Arrivals and ArrivalBytes count submitted packets.
	Arrivals, ArrivalBytes uint64

	// Drops counts dropped packets, including Overflows.
	Drops uint64

	// Overflows counts drops caused by a full flow table.
	Overflows uint64

	// Queues contains the flow queues sorted by identifier.
	Queues []QueueStats
}

// PipeStats contains the state of a pipe.
type PipeStats struct {
	// Config is the pipe configuration.
	Config PipeConfig

	// Bandwidth is the effective bandwidth.
	Bandwidth uint64

	// VirtualTime is the WF2Q+ virtual time.
	VirtualTime uint64

	// SumWeights is the sum of the backlogged weights.
	SumWeights uint64

	// Credit is the WF2Q+ credit in bytes.
	Credit int64

	// DelayLine is the number of packets in the delay line.
	DelayLine int

	// Delivered and DeliveredBytes count delivered packets.
	Delivered, DeliveredBytes uint64

	// Discarded counts packets discarded by deletions.
	Discarded uint64

	// Queue is the embedded fixed-rate flow set.
	Queue FlowSetStats
}

// Snapshot is a read-only copy of the [*Scheduler] state.
type Snapshot struct {
	// Now is the current tick.
	Now uint64

	// Pipes contains the pipes sorted by number.
	Pipes []PipeStats

	// FlowSets contains the WF2Q+ flow sets sorted by number.
	FlowSets []FlowSetStats

	// Unroutable counts packets submitted to unknown pipes or flow sets.
	Unroutable uint64

	// ClockRegressions counts ignored clock regressions.
	ClockRegressions uint64

	// InvariantViolations counts internal invariant violations.
	InvariantViolations uint64
}

// Config returns the configuration captured by the snapshot.
func (sn *Snapshot) Config() Config {
	cfg := Config{}
	for _, ps := range sn.Pipes {
		cfg.Pipes = append(cfg.Pipes, ps.Config)
	}
	for _, fs := range sn.FlowSets {
		cfg.FlowSets = append(cfg.FlowSets, fs.Config)
	}
	return cfg
}

// Snapshot returns a copy of the scheduler state.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	sn := Snapshot{
		Now:                 uint64(s.now),
		Unroutable:          s.unroutable,
		ClockRegressions:    s.clockRegressions,
		InvariantViolations: s.invariantViolations,
	}
	for _, p := range s.pipes {
		queue := s.flowSetStats(p.fs)
		queue.Config = FlowSetConfig{}
		sn.Pipes = append(sn.Pipes, PipeStats{
			Config:         p.cfg,
			Bandwidth:      s.bandwidth(p),
			VirtualTime:    uint64(p.vtime),
			SumWeights:     p.sum,
			Credit:         p.numbytes,
			DelayLine:      len(p.delayLine),
			Delivered:      p.delivered,
			DeliveredBytes: p.deliveredBytes,
			Discarded:      p.discarded,
			Queue:          queue,
		})
	}
	for _, fs := range s.flowSets {
		sn.FlowSets = append(sn.FlowSets, s.flowSetStats(fs))
	}

	slices.SortFunc(sn.Pipes, func(a, b PipeStats) int {
		return a.Config.Number - b.Config.Number
	})
	slices.SortFunc(sn.FlowSets, func(a, b FlowSetStats) int {
		return a.Number - b.Number
	})
	return sn
}

func (s *Scheduler) flowSetStats(fs *flowSet) FlowSetStats {
	st := FlowSetStats{
		Number:       fs.number,
		Config:       fs.cfg,
		Attached:     fs.pipe != nil,
		Backlogged:   fs.backlogged,
		Arrivals:     fs.arrivals,
		ArrivalBytes: fs.arrivalBytes,
		Drops:        fs.drops,
		Overflows:    fs.overflows,
	}
	for _, h := range fs.table {
		q, ok := s.queues.get(h)
		if !ok {
			continue
		}
		st.Queues = append(st.Queues, QueueStats{
			ID:           q.id,
			Packets:      q.length,
			Bytes:        q.lengthBytes,
			Arrivals:     q.arrivals,
			ArrivalBytes: q.arrivalBytes,
			SentPackets:  q.sentPackets,
			SentBytes:    q.sentBytes,
			Drops:        q.drops,
			Start:        uint64(q.start),
			Finish:       uint64(q.finish),
			Average:      float64(q.redAvg) / float64(redOne),
		})
	}
	slices.SortFunc(st.Queues, func(a, b QueueStats) int {
		return strings.Compare(a.ID.String(), b.ID.String())
	})
	return st
}

// FairnessIndex returns Jain's fairness index of the given
// throughputs: 1 when they are all equal and 1/n when a single
// one gets everything. It returns NaN for empty or all-zero input.
func FairnessIndex(throughputs []float64) float64 {
	sum := floats.Sum(throughputs)
	squares := floats.Dot(throughputs, throughputs)
	if len(throughputs) <= 0 || squares <= 0 {
		return math.NaN()
	}
	return sum * sum / (float64(len(throughputs)) * squares)
}
