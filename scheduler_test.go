// SPDX-License-Identifier: GPL-3.0-or-later

package pipes_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/bassosimone/pipes"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T, cfg pipes.Config, options ...pipes.Option) (*pipes.Scheduler, *recorder) {
	rec := &recorder{}
	sched := pipes.NewScheduler(rec.deliver, options...)
	require.NoError(t, sched.Load(cfg))
	return sched, rec
}

func TestSchedulerUnlimitedPipeDeliversImmediately(t *testing.T) {
	sched, rec := newTestScheduler(t, pipes.Config{Pipes: []pipes.PipeConfig{{Number: 1}}})
	pkt := &fakePacket{size: 1500}
	assert.Equal(t, pipes.Accepted, sched.Submit(1, pipes.DirectionIn, pkt, "tag"))

	got := rec.take()
	require.Len(t, got, 1)
	assert.Same(t, pkt, got[0].pkt)
	assert.Equal(t, pipes.DirectionIn, got[0].dir)
	assert.Equal(t, "tag", got[0].tag)
}

func TestSchedulerDelayLine(t *testing.T) {
	sched, rec := newTestScheduler(t, pipes.Config{Pipes: []pipes.PipeConfig{{Number: 1, Delay: 10}}})
	sched.Advance(100)
	require.Equal(t, pipes.Accepted, sched.Submit(1, pipes.DirectionOut, &fakePacket{size: 100}, 1))
	sched.Advance(105)
	require.Equal(t, pipes.Accepted, sched.Submit(1, pipes.DirectionOut, &fakePacket{size: 100}, 2))

	sched.Advance(109)
	assert.Empty(t, rec.take())
	sched.Advance(110)
	got := rec.take()
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].tag)
	sched.Advance(114)
	assert.Empty(t, rec.take())
	sched.Advance(200)
	got = rec.take()
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].tag)
}

func TestSchedulerSerializationDelay(t *testing.T) {
	// 1500 bytes at 1000 bytes per tick need two ticks
	sched, rec := newTestScheduler(t, pipes.Config{Pipes: []pipes.PipeConfig{{Number: 1, Bandwidth: 1000}}})
	sched.Advance(1)
	require.Equal(t, pipes.Accepted, sched.Submit(1, pipes.DirectionOut, &fakePacket{size: 1500}, nil))
	sched.Advance(2)
	assert.Empty(t, rec.take())
	sched.Advance(3)
	assert.Len(t, rec.take(), 1)
}

func TestSchedulerTokenBucketBound(t *testing.T) {
	const (
		bw    = 1000
		size  = 1500
		ticks = 400
	)
	sched, rec := newTestScheduler(t, pipes.Config{Pipes: []pipes.PipeConfig{{
		Number: 1, Bandwidth: bw, Queue: pipes.QueueConfig{Limit: 100},
	}}})

	perTick := make([]int, ticks+1)
	for tick := 1; tick <= ticks; tick++ {
		for range 2 {
			sched.Submit(1, pipes.DirectionOut, &fakePacket{size: size}, nil)
		}
		sched.Advance(uint64(tick))
		for _, d := range rec.take() {
			perTick[tick] += d.pkt.Len()
		}
	}

	var total int
	for _, n := range perTick {
		total += n
	}
	assert.InDelta(t, bw*ticks, total, 2*size)

	for _, window := range []int{1, 2, 5, 10, 50, 200} {
		for start := 1; start+window <= ticks+1; start++ {
			var sum int
			for _, n := range perTick[start : start+window] {
				sum += n
			}
			require.LessOrEqual(t, sum, bw*window+size, "window=%d start=%d", window, start)
		}
	}
}

func TestSchedulerCreditDoesNotAccumulateWhileIdle(t *testing.T) {
	sched, rec := newTestScheduler(t, pipes.Config{Pipes: []pipes.PipeConfig{{Number: 1, Bandwidth: 1000}}})
	sched.Advance(1)
	sched.Submit(1, pipes.DirectionOut, &fakePacket{size: 1000}, nil)
	sched.Advance(1000)
	require.Len(t, rec.take(), 1)

	// after a long idle period a burst still leaves at line rate
	for range 5 {
		sched.Submit(1, pipes.DirectionOut, &fakePacket{size: 1000}, nil)
	}
	sched.Advance(1001)
	assert.Len(t, rec.take(), 1)
	sched.Advance(1003)
	assert.Len(t, rec.take(), 2)
}

func TestSchedulerQueueLimit(t *testing.T) {
	sched, _ := newTestScheduler(t, pipes.Config{Pipes: []pipes.PipeConfig{{
		Number: 1, Bandwidth: 1, Queue: pipes.QueueConfig{Limit: 3},
	}}})
	var verdicts []pipes.Verdict
	for range 5 {
		verdicts = append(verdicts, sched.Submit(1, pipes.DirectionOut, &fakePacket{size: 100}, nil))
	}
	assert.Equal(t, []pipes.Verdict{
		pipes.Accepted, pipes.Accepted, pipes.Accepted, pipes.Dropped, pipes.Dropped,
	}, verdicts)

	sn := sched.Snapshot()
	require.Len(t, sn.Pipes, 1)
	fs := sn.Pipes[0].Queue
	assert.Equal(t, uint64(5), fs.Arrivals)
	assert.Equal(t, uint64(2), fs.Drops)
	require.Len(t, fs.Queues, 1)
	assert.Equal(t, 3, fs.Queues[0].Packets)
	assert.Equal(t, 300, fs.Queues[0].Bytes)
}

func TestSchedulerByteLimit(t *testing.T) {
	sched, _ := newTestScheduler(t, pipes.Config{Pipes: []pipes.PipeConfig{{
		Number: 1, Bandwidth: 1, Queue: pipes.QueueConfig{Limit: 2500, Bytes: true},
	}}})
	assert.Equal(t, pipes.Accepted, sched.Submit(1, pipes.DirectionOut, &fakePacket{size: 1500}, nil))
	assert.Equal(t, pipes.Dropped, sched.Submit(1, pipes.DirectionOut, &fakePacket{size: 1500}, nil))
	assert.Equal(t, pipes.Accepted, sched.Submit(1, pipes.DirectionOut, &fakePacket{size: 1000}, nil))
}

func TestSchedulerLossRate(t *testing.T) {
	cfg := pipes.Config{Pipes: []pipes.PipeConfig{{Number: 1, Queue: pipes.QueueConfig{LossRate: 0.5}}}}

	lossy, _ := newTestScheduler(t, cfg, pipes.WithRandomSource(fixedSource(0.25)))
	assert.Equal(t, pipes.Dropped, lossy.Submit(1, pipes.DirectionOut, &fakePacket{size: 10}, nil))

	lucky, rec := newTestScheduler(t, cfg, pipes.WithRandomSource(fixedSource(0.75)))
	assert.Equal(t, pipes.Accepted, lucky.Submit(1, pipes.DirectionOut, &fakePacket{size: 10}, nil))
	assert.Len(t, rec.take(), 1)
}

func TestSchedulerREDDropsUnderCongestion(t *testing.T) {
	sched, _ := newTestScheduler(t, pipes.Config{Pipes: []pipes.PipeConfig{{
		Number: 1, Bandwidth: 100,
		Queue: pipes.QueueConfig{Limit: 200, RED: pipes.REDConfig{
			Enabled: true, WQ: 0.2, MaxP: 0.1, MinTh: 5, MaxTh: 15,
		}},
	}}})
	for tick := 1; tick <= 200; tick++ {
		sched.Submit(1, pipes.DirectionOut, &fakePacket{size: 100}, nil)
		sched.Submit(1, pipes.DirectionOut, &fakePacket{size: 100}, nil)
		sched.Advance(uint64(tick))
	}

	// the queue never reaches the hard limit because RED keeps the
	// average below the upper threshold most of the time
	sn := sched.Snapshot()
	fs := sn.Pipes[0].Queue
	require.Len(t, fs.Queues, 1)
	assert.NotZero(t, fs.Drops)
	assert.Less(t, fs.Queues[0].Packets, 30)
	assert.Greater(t, fs.Queues[0].Average, 4.0)
}

func TestSchedulerMaskSplitsFlows(t *testing.T) {
	sched, _ := newTestScheduler(t, pipes.Config{Pipes: []pipes.PipeConfig{{
		Number: 1, Bandwidth: 1,
		Queue: pipes.QueueConfig{Mask: pipes.FlowMask{SrcPort: 0xffff}},
	}}})
	sched.Submit(1, pipes.DirectionOut, &fakePacket{size: 10, id: flowFrom("10.0.0.1:1", "10.0.0.2:80")}, nil)
	sched.Submit(1, pipes.DirectionOut, &fakePacket{size: 10, id: flowFrom("10.0.0.3:1", "10.0.0.2:80")}, nil)
	sched.Submit(1, pipes.DirectionOut, &fakePacket{size: 10, id: flowFrom("10.0.0.1:2", "10.0.0.2:80")}, nil)

	queues := sched.Snapshot().Pipes[0].Queue.Queues
	require.Len(t, queues, 2)
	assert.Equal(t, 2, queues[0].Packets)
	assert.Equal(t, uint16(1), queues[0].ID.SrcPort)
	assert.Equal(t, 1, queues[1].Packets)
}

func TestSchedulerFlowTableFull(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := zerolog.New(buf)
	sched, rec := newTestScheduler(t, pipes.Config{Pipes: []pipes.PipeConfig{{
		Number: 1, Bandwidth: 1000,
		Queue: pipes.QueueConfig{Mask: pipes.FlowMask{SrcPort: 0xffff}, MaxQueues: 2},
	}}}, pipes.WithLogger(logger))

	flow := func(port int) *fakePacket {
		return &fakePacket{size: 500, id: pipes.FlowID{SrcPort: uint16(port)}}
	}
	assert.Equal(t, pipes.Accepted, sched.Submit(1, pipes.DirectionOut, flow(1), nil))
	assert.Equal(t, pipes.Accepted, sched.Submit(1, pipes.DirectionOut, flow(2), nil))
	assert.Equal(t, pipes.Dropped, sched.Submit(1, pipes.DirectionOut, flow(3), nil))
	assert.Equal(t, pipes.Dropped, sched.Submit(1, pipes.DirectionOut, flow(4), nil))
	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("flow table is full")))

	fs := sched.Snapshot().Pipes[0].Queue
	assert.Equal(t, uint64(2), fs.Overflows)
	assert.Equal(t, uint64(2), fs.Drops)

	// once the queues drain they can be recycled for new flows
	sched.Advance(10)
	require.Len(t, rec.take(), 2)
	assert.Equal(t, pipes.Accepted, sched.Submit(1, pipes.DirectionOut, flow(3), nil))
}

func TestSchedulerExpireIdle(t *testing.T) {
	sched, _ := newTestScheduler(t, pipes.Config{Pipes: []pipes.PipeConfig{{
		Number: 1, Queue: pipes.QueueConfig{Mask: pipes.FlowMask{SrcPort: 0xffff}},
	}}})
	for port := range 4 {
		sched.Submit(1, pipes.DirectionOut, &fakePacket{size: 10, id: pipes.FlowID{SrcPort: uint16(port)}}, nil)
	}
	assert.Len(t, sched.Snapshot().Pipes[0].Queue.Queues, 4)
	assert.Equal(t, 4, sched.ExpireIdle())
	assert.Empty(t, sched.Snapshot().Pipes[0].Queue.Queues)
	assert.Equal(t, 0, sched.ExpireIdle())
}

func TestSchedulerClockRegression(t *testing.T) {
	buf := &bytes.Buffer{}
	sched, rec := newTestScheduler(t, pipes.Config{Pipes: []pipes.PipeConfig{{Number: 1, Delay: 5}}},
		pipes.WithLogger(zerolog.New(buf)))
	sched.Advance(100)
	sched.Submit(1, pipes.DirectionOut, &fakePacket{size: 10}, nil)

	sched.Advance(100)
	sched.Advance(50)
	sched.Advance(99)
	sn := sched.Snapshot()
	assert.Equal(t, uint64(3), sn.ClockRegressions)
	assert.Equal(t, uint64(100), sn.Now)
	assert.Empty(t, rec.take())
	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("ignoring clock regression")))
	assert.Contains(t, buf.String(), pipes.ErrClockRegression.Error())

	sched.Advance(105)
	assert.Len(t, rec.take(), 1)
}

func TestSchedulerClockWrapAround(t *testing.T) {
	sched, rec := newTestScheduler(t, pipes.Config{Pipes: []pipes.PipeConfig{{Number: 1, Delay: 10}}})
	start := ^uint64(0) - 4
	sched.Advance(start)
	sched.Submit(1, pipes.DirectionOut, &fakePacket{size: 10}, nil)
	sched.Advance(start + 9) // wraps
	assert.Empty(t, rec.take())
	sched.Advance(start + 10)
	assert.Len(t, rec.take(), 1)
	assert.Zero(t, sched.Snapshot().ClockRegressions)
}

func TestSchedulerUnroutable(t *testing.T) {
	sched, _ := newTestScheduler(t, pipes.Config{})
	assert.Equal(t, pipes.Dropped, sched.Submit(7, pipes.DirectionOut, &fakePacket{size: 10}, nil))
	assert.Equal(t, pipes.Dropped, sched.SubmitQueue(7, pipes.DirectionOut, &fakePacket{size: 10}, nil))
	assert.Equal(t, uint64(2), sched.Snapshot().Unroutable)
}

func TestSchedulerDeliverMaySubmitAgain(t *testing.T) {
	// chain pipe 1 into pipe 2 from the delivery callback
	rec := &recorder{}
	var sched *pipes.Scheduler
	sched = pipes.NewScheduler(func(pkt pipes.Packet, dir pipes.Direction, tag any) {
		if tag == "hop1" {
			sched.Submit(2, dir, pkt, "hop2")
			return
		}
		rec.deliver(pkt, dir, tag)
	})
	require.NoError(t, sched.Load(pipes.Config{Pipes: []pipes.PipeConfig{
		{Number: 1, Delay: 3},
		{Number: 2, Delay: 4},
	}}))
	sched.Advance(1)
	sched.Submit(1, pipes.DirectionOut, &fakePacket{size: 10}, "hop1")
	sched.Advance(4)
	assert.Empty(t, rec.take())
	sched.Advance(8)
	got := rec.take()
	require.Len(t, got, 1)
	assert.Equal(t, "hop2", got[0].tag)
}

func TestSchedulerInterfaceRate(t *testing.T) {
	sched, rec := newTestScheduler(t, pipes.Config{Pipes: []pipes.PipeConfig{{
		Number: 1, Bandwidth: 100, Interface: "eth0",
	}}})
	sched.SetInterfaceRate("eth0", 1000)
	assert.Equal(t, uint64(1000), sched.Snapshot().Pipes[0].Bandwidth)
	sched.Advance(1)
	sched.Submit(1, pipes.DirectionOut, &fakePacket{size: 1000}, nil)
	sched.Advance(2)
	assert.Len(t, rec.take(), 1)

	sched.SetInterfaceRate("eth0", 0)
	assert.Equal(t, uint64(100), sched.Snapshot().Pipes[0].Bandwidth)
}

func TestSchedulerLoadIsAtomic(t *testing.T) {
	sched, _ := newTestScheduler(t, pipes.Config{})
	err := sched.Load(pipes.Config{Pipes: []pipes.PipeConfig{
		{Number: 1},
		{Number: 2, Delay: pipes.MaxDelay + 1},
	}})
	require.ErrorIs(t, err, pipes.ErrConfigInvalid)
	assert.Empty(t, sched.Snapshot().Pipes)
}

func TestSchedulerConfigReadBack(t *testing.T) {
	cfg := pipes.Config{
		Pipes:    []pipes.PipeConfig{{Number: 2, Bandwidth: 10}, {Number: 1, Delay: 3}},
		FlowSets: []pipes.FlowSetConfig{{Number: 5, Parent: 1, Weight: 4}},
	}
	sched, _ := newTestScheduler(t, cfg)

	pc, err := sched.PipeConfig(2)
	require.NoError(t, err)
	assert.Equal(t, cfg.Pipes[0], pc)
	fc, err := sched.FlowSetConfig(5)
	require.NoError(t, err)
	assert.Equal(t, cfg.FlowSets[0], fc)

	_, err = sched.PipeConfig(3)
	assert.True(t, errors.Is(err, pipes.ErrNoSuchPipe))
	_, err = sched.FlowSetConfig(3)
	assert.True(t, errors.Is(err, pipes.ErrNoSuchFlowSet))

	sn := sched.Snapshot()
	assert.Equal(t, pipes.Config{
		Pipes:    []pipes.PipeConfig{cfg.Pipes[1], cfg.Pipes[0]},
		FlowSets: cfg.FlowSets,
	}, sn.Config())
}

func TestSchedulerFixedRateBecomingUnlimitedReleasesBacklog(t *testing.T) {
	sched, rec := newTestScheduler(t, pipes.Config{Pipes: []pipes.PipeConfig{{Number: 1, Bandwidth: 1}}})
	sched.Advance(1)
	sched.Submit(1, pipes.DirectionOut, &fakePacket{size: 1500}, nil)
	sched.Advance(2)
	assert.Empty(t, rec.take())

	require.NoError(t, sched.LoadPipe(pipes.PipeConfig{Number: 1}))
	assert.Len(t, rec.take(), 1)
	sched.Advance(2000)
	assert.Empty(t, rec.take())
}

func TestSchedulerInterfaceRateIsClamped(t *testing.T) {
	sched, rec := newTestScheduler(t, pipes.Config{Pipes: []pipes.PipeConfig{{Number: 1, Interface: "eth0"}}})
	sched.SetInterfaceRate("eth0", ^uint64(0))
	assert.Equal(t, uint64(pipes.MaxBandwidth), sched.Snapshot().Pipes[0].Bandwidth)

	// a huge rate is not mistaken for an unlimited one
	sched.Advance(1)
	sched.Submit(1, pipes.DirectionOut, &fakePacket{size: 1500}, nil)
	assert.Empty(t, rec.take())
	sched.Advance(2)
	assert.Len(t, rec.take(), 1)
	assert.Zero(t, sched.Snapshot().InvariantViolations)
}

func TestSchedulerStartTick(t *testing.T) {
	start := uint64(1<<63) + 100
	sched, rec := newTestScheduler(t, pipes.Config{Pipes: []pipes.PipeConfig{{Number: 1, Delay: 10}}},
		pipes.WithStartTick(start))
	assert.Equal(t, start, sched.Snapshot().Now)

	// submitted before the first Advance, timed from the start tick
	sched.Submit(1, pipes.DirectionOut, &fakePacket{size: 10}, nil)
	sched.Advance(start + 5)
	assert.Empty(t, rec.take())
	sched.Advance(start + 10)
	assert.Len(t, rec.take(), 1)
}
