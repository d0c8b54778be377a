//
// SPDX-License-Identifier: BSD-3-Clause
//
// Adapted from: https://github.com/ooni/netem/blob/6e0d618f0cb48b96c78cd066e23cf3aa1208b1dd/pcap.go
//

package pipes

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// pcapSnapshot is a packet snapshot.
type pcapSnapshot struct {
	// data is the data inside the snapshot.
	data []byte

	// length is the original length.
	length int

	// ts is the capture time.
	ts time.Time
}

// pcapTraceConfig contains the [*PCAPTrace] settings.
type pcapTraceConfig struct {
	buffer int
	clock  func() time.Time
}

// PCAPTraceOption is an option for [NewPCAPTrace].
type PCAPTraceOption func(cfg *pcapTraceConfig)

// PCAPTraceOptionBuffer sets the number of packets buffered before
// [*PCAPTrace.Dump] starts dropping them.
func PCAPTraceOptionBuffer(packets int) PCAPTraceOption {
	return func(cfg *pcapTraceConfig) {
		cfg.buffer = max(packets, 0)
	}
}

// PCAPTraceOptionClock sets the function returning the capture time.
//
// Simulations use it to map ticks to timestamps. The default is [time.Now].
func PCAPTraceOptionClock(clock func() time.Time) PCAPTraceOption {
	return func(cfg *pcapTraceConfig) {
		cfg.clock = clock
	}
}

// PCAPTrace writes raw IPv4/IPv6 packets to a PCAP file in
// the background.
//
// Construct using [NewPCAPTrace].
type PCAPTrace struct {
	// cancel allows to cancel the background goroutine.
	cancel context.CancelFunc

	// clock returns the capture time.
	clock func() time.Time

	// dropped is the number of packets dropped.
	dropped atomic.Uint64

	// errch contains the error returned by the background goroutine.
	errch chan error

	// snaps contains pending snapshots.
	snaps chan pcapSnapshot

	// once provides "once" semantics for Close.
	once sync.Once

	// snapSize is the number of bytes to capture.
	snapSize uint16

	// testCancellationDrainHook runs right after cancellation
	// is observed, before draining.
	testCancellationDrainHook func()

	// wc is the open writer we're using.
	wc io.WriteCloser
}

// NewPCAPTrace creates a new [*PCAPTrace] writing to wc.
func NewPCAPTrace(wc io.WriteCloser, snapSize uint16, options ...PCAPTraceOption) *PCAPTrace {
	cfg := &pcapTraceConfig{
		buffer: 4096,
		clock:  time.Now,
	}
	for _, opt := range options {
		opt(cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	tr := &PCAPTrace{
		cancel:                    cancel,
		clock:                     cfg.clock,
		dropped:                   atomic.Uint64{},
		errch:                     make(chan error, 1),
		snaps:                     make(chan pcapSnapshot, cfg.buffer),
		once:                      sync.Once{},
		snapSize:                  snapSize,
		testCancellationDrainHook: func() {},
		wc:                        wc,
	}

	go tr.saveLoop(ctx)
	return tr
}

// Dump queues a copy of the given raw IPv4/IPv6 packet.
func (tr *PCAPTrace) Dump(packet []byte) {
	snapSize := min(len(packet), int(tr.snapSize))
	packetSnap := make([]byte, snapSize)
	copy(packetSnap, packet)
	select {
	case tr.snaps <- pcapSnapshot{length: len(packet), data: packetSnap, ts: tr.clock()}:
	default:
		tr.dropped.Add(1)
	}
}

// Dropped returns the number of packets dropped due to buffer overflow.
func (tr *PCAPTrace) Dropped() uint64 {
	return tr.dropped.Load()
}

func (tr *PCAPTrace) saveLoop(ctx context.Context) {
	w := pcapgo.NewWriter(tr.wc)
	if err := w.WriteFileHeader(uint32(tr.snapSize), layers.LinkTypeRaw); err != nil {
		tr.errch <- err
		return
	}
	for {
		snap, ok := tr.readOrDrain(ctx)
		if !ok {
			tr.errch <- nil
			return
		}
		if err := tr.savePacket(w, snap); err != nil {
			tr.errch <- err
			return
		}
	}
}

// readOrDrain returns the next snapshot. After cancellation, it keeps
// returning buffered snapshots and returns false once none is left.
func (tr *PCAPTrace) readOrDrain(ctx context.Context) (pcapSnapshot, bool) {
	select {
	case snap := <-tr.snaps:
		return snap, true
	case <-ctx.Done():
	}
	if tr.testCancellationDrainHook != nil {
		tr.testCancellationDrainHook()
	}
	select {
	case snap := <-tr.snaps:
		return snap, true
	default:
		return pcapSnapshot{}, false
	}
}

func (tr *PCAPTrace) savePacket(w *pcapgo.Writer, snap pcapSnapshot) error {
	ci := gopacket.CaptureInfo{
		Timestamp:      snap.ts,
		CaptureLength:  len(snap.data),
		Length:         snap.length,
		InterfaceIndex: 0,
		AncillaryData:  []any{},
	}
	return w.WritePacket(ci, snap.data)
}

// Close interrupts the background goroutine and waits for it to join
// before closing the packet capture file.
func (tr *PCAPTrace) Close() (err error) {
	tr.once.Do(func() {
		tr.cancel()
		err1 := <-tr.errch
		err2 := tr.wc.Close()
		err = errors.Join(err1, err2)
	})
	return
}

// Deliver returns a [DeliverFunc] that dumps every [*RawPacket]
// and then invokes next, which may be nil.
func (tr *PCAPTrace) Deliver(next DeliverFunc) DeliverFunc {
	return func(pkt Packet, dir Direction, tag any) {
		if raw, ok := pkt.(*RawPacket); ok {
			tr.Dump(raw.Bytes())
		}
		if next != nil {
			next(pkt, dir, tag)
		}
	}
}
