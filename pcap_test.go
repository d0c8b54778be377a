// SPDX-License-Identifier: GPL-3.0-or-later

package pipes_test

import (
	"bytes"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bassosimone/iotest"
	"github.com/bassosimone/pipes"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPCAPTraceCloseHeaderWriteError(t *testing.T) {
	writeErr := errors.New("mocked write error")
	closeErr := errors.New("mocked close error")
	wc := &iotest.FuncWriteCloser{
		WriteFunc: func([]byte) (int, error) {
			return 0, writeErr
		},
		CloseFunc: func() error {
			return closeErr
		},
	}
	trace := pipes.NewPCAPTrace(wc, 1500)
	err := trace.Close()
	require.Error(t, err)
	assert.True(t, errors.Is(err, writeErr))
	assert.True(t, errors.Is(err, closeErr))
}

func TestPCAPTraceDroppedWhenBufferFull(t *testing.T) {
	gate := make(chan struct{})
	wc := &iotest.FuncWriteCloser{
		WriteFunc: func(b []byte) (int, error) {
			<-gate
			return len(b), nil
		},
		CloseFunc: func() error {
			return nil
		},
	}
	trace := pipes.NewPCAPTrace(wc, 1500, pipes.PCAPTraceOptionBuffer(1))
	trace.Dump([]byte{0x00})
	trace.Dump([]byte{0x01})
	assert.Equal(t, uint64(1), trace.Dropped())
	close(gate)
	require.NoError(t, trace.Close())
}

func TestPCAPTraceFirstPacketWriteFails(t *testing.T) {
	// prepare the mock for failing during the first write
	writeErr := errors.New("mocked write error")
	closeErr := errors.New("mocked close error")
	var countWrites uint32
	packetWrite := make(chan struct{})
	wc := &iotest.FuncWriteCloser{
		WriteFunc: func(b []byte) (int, error) {
			if atomic.AddUint32(&countWrites, 1) == 1 {
				return len(b), nil
			}
			close(packetWrite)
			return 0, writeErr
		},
		CloseFunc: func() error {
			return closeErr
		},
	}

	// create the dumper and dump the first packet whose write should fail
	trace := pipes.NewPCAPTrace(wc, 1500)
	trace.Dump([]byte{0x00})

	// wait for the first write to happen befor continuing
	<-packetWrite

	// close the dumper and check we see both errors
	err := trace.Close()
	t.Log(err)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), writeErr.Error()))
	assert.True(t, errors.Is(err, closeErr))
}

func TestPCAPTraceDeliverWritesRawPackets(t *testing.T) {
	var buf bytes.Buffer
	wc := &iotest.FuncWriteCloser{
		WriteFunc: buf.Write,
		CloseFunc: func() error {
			return nil
		},
	}
	epoch := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	trace := pipes.NewPCAPTrace(wc, 64, pipes.PCAPTraceOptionClock(func() time.Time {
		return epoch
	}))

	var delivered int
	deliver := trace.Deliver(func(pipes.Packet, pipes.Direction, any) {
		delivered++
	})
	raw := newUDPPacket(t, "10.0.0.1:1234", "10.0.0.2:53", 200)
	deliver(raw, pipes.DirectionOut, nil)
	deliver(&fakePacket{size: 100}, pipes.DirectionOut, nil)
	require.NoError(t, trace.Close())
	assert.Equal(t, 2, delivered)

	reader, err := pcapgo.NewReader(&buf)
	require.NoError(t, err)
	data, ci, err := reader.ReadPacketData()
	require.NoError(t, err)
	assert.Equal(t, 64, len(data))
	assert.Equal(t, 200, ci.Length)
	assert.True(t, epoch.Equal(ci.Timestamp))
	_, _, err = reader.ReadPacketData()
	assert.Error(t, err)
}
