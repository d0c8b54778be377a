// SPDX-License-Identifier: GPL-3.0-or-later

package pipes_test

import (
	"fmt"

	"github.com/bassosimone/pipes"
	"github.com/bassosimone/runtimex"
)

// stampedPacket is a packet carrying its submission tick.
type stampedPacket struct {
	size int
	tick uint64
}

func (p *stampedPacket) Len() int {
	return p.size
}

func (p *stampedPacket) FlowID() pipes.FlowID {
	return pipes.FlowID{}
}

// This example emulates a 1000 bytes per tick link with a
// propagation delay of 10 ticks.
func Example_fixedRatePipe() {
	var now uint64
	sched := pipes.NewScheduler(func(pkt pipes.Packet, dir pipes.Direction, tag any) {
		sp := pkt.(*stampedPacket)
		fmt.Printf("%s: %d bytes sent at %d arrived at %d\n", tag, sp.size, sp.tick, now)
	})
	runtimex.PanicOnError0(sched.LoadPipe(pipes.PipeConfig{
		Number:    1,
		Bandwidth: 1000,
		Delay:     10,
	}))

	for now = 1; now <= 20; now++ {
		sched.Advance(now)
		if now <= 2 {
			sched.Submit(1, pipes.DirectionOut, &stampedPacket{size: 1500, tick: now}, fmt.Sprintf("pkt%d", now))
		}
	}

	// Output:
	// pkt1: 1500 bytes sent at 1 arrived at 13
	// pkt2: 1500 bytes sent at 2 arrived at 14
}

// This example shares a pipe between two flow sets with
// weights 1 and 3.
func Example_weightedFlowSets() {
	bytes := make(map[any]int)
	sched := pipes.NewScheduler(func(pkt pipes.Packet, dir pipes.Direction, tag any) {
		bytes[tag] += pkt.Len()
	})
	runtimex.PanicOnError0(sched.Load(pipes.Config{
		Pipes: []pipes.PipeConfig{{Number: 1, Bandwidth: 1000}},
		FlowSets: []pipes.FlowSetConfig{
			{Number: 1, Parent: 1, Weight: 1},
			{Number: 2, Parent: 1, Weight: 3},
		},
	}))

	for tick := uint64(0); tick < 4000; tick++ {
		sched.SubmitQueue(1, pipes.DirectionOut, &stampedPacket{size: 1000}, "light")
		sched.SubmitQueue(2, pipes.DirectionOut, &stampedPacket{size: 1000}, "heavy")
		sched.Advance(tick)
	}
	fmt.Printf("heavy/light = %.1f\n", float64(bytes["heavy"])/float64(bytes["light"]))

	// Output:
	// heavy/light = 3.0
}
