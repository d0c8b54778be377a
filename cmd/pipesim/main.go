// SPDX-License-Identifier: GPL-3.0-or-later

// Command pipesim runs a traffic shaping scenario on a virtual clock.
//
// The scenario file contains the pipes and flow sets configuration
// along with a list of traffic sources, e.g.:
//
//	pipes:
//	  - number: 1
//	    bandwidth: 1250
//	    delay: 20
//	flowsets:
//	  - number: 1
//	    parent: 1
//	    weight: 2
//	traffic:
//	  - name: bulk
//	    queue: 1
//	    src: 10.0.0.1:4000
//	    dst: 10.0.0.2:80
//	    proto: tcp
//	    size: 1500
//	    rate: 2
//
// Each traffic source submits rate packets per tick either to the
// given pipe or to the given WF2Q+ flow set (queue).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"time"

	"github.com/bassosimone/pipes"
	"github.com/bassosimone/runtimex"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

var (
	// args contains the command line arguments (overridable in tests).
	args = os.Args

	// output is the writer for the report (overridable in tests).
	output io.Writer = os.Stdout

	// logOutput is the writer for logs (overridable in tests).
	logOutput io.Writer = os.Stderr
)

// trafficEntry describes a traffic source.
type trafficEntry struct {
	Name  string `yaml:"name"`
	Pipe  int    `yaml:"pipe,omitempty"`
	Queue int    `yaml:"queue,omitempty"`
	Src   string `yaml:"src"`
	Dst   string `yaml:"dst"`
	Proto string `yaml:"proto"`
	Size  int    `yaml:"size"`
	Rate  int    `yaml:"rate"`
}

// scenario is the content of a scenario file.
type scenario struct {
	pipes.Config `yaml:",inline"`
	Traffic      []trafficEntry `yaml:"traffic"`
}

// readScenario reads and validates a scenario file.
func readScenario(filename string) (*scenario, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	var sc scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, err
	}
	if err := sc.Config.Validate(); err != nil {
		return nil, err
	}
	for idx, ts := range sc.Traffic {
		if (ts.Pipe > 0) == (ts.Queue > 0) {
			return nil, fmt.Errorf("traffic %d: exactly one of pipe and queue must be set", idx)
		}
		if ts.Rate <= 0 {
			return nil, fmt.Errorf("traffic %d: rate must be positive", idx)
		}
	}
	return &sc, nil
}

// source is a running traffic source.
type source struct {
	entry     trafficEntry
	packet    *pipes.RawPacket
	offered   uint64
	dropped   uint64
	delivered uint64
}

// buildPacket serializes the packet that a traffic source emits.
func buildPacket(ts *trafficEntry) (*pipes.RawPacket, error) {
	src, err := netip.ParseAddrPort(ts.Src)
	if err != nil {
		return nil, err
	}
	dst, err := netip.ParseAddrPort(ts.Dst)
	if err != nil {
		return nil, err
	}
	if src.Addr().Is4() != dst.Addr().Is4() {
		return nil, errors.New("mixed address families")
	}

	var (
		network   gopacket.NetworkLayer
		transport interface {
			gopacket.SerializableLayer
			SetNetworkLayerForChecksum(gopacket.NetworkLayer) error
		}
		protocol layers.IPProtocol
		headers  int
	)
	switch ts.Proto {
	case "", "udp":
		protocol, headers = layers.IPProtocolUDP, 8
		transport = &layers.UDP{SrcPort: layers.UDPPort(src.Port()), DstPort: layers.UDPPort(dst.Port())}
	case "tcp":
		protocol, headers = layers.IPProtocolTCP, 20
		transport = &layers.TCP{SrcPort: layers.TCPPort(src.Port()), DstPort: layers.TCPPort(dst.Port()), ACK: true, Window: 65535}
	default:
		return nil, fmt.Errorf("unsupported protocol: %s", ts.Proto)
	}
	if src.Addr().Is4() {
		headers += 20
		network = &layers.IPv4{Version: 4, TTL: 64, Protocol: protocol,
			SrcIP: src.Addr().AsSlice(), DstIP: dst.Addr().AsSlice()}
	} else {
		headers += 40
		network = &layers.IPv6{Version: 6, HopLimit: 64, NextHeader: protocol,
			SrcIP: src.Addr().AsSlice(), DstIP: dst.Addr().AsSlice()}
	}
	if err := transport.SetNetworkLayerForChecksum(network); err != nil {
		return nil, err
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	payload := gopacket.Payload(make([]byte, max(ts.Size-headers, 0)))
	err = gopacket.SerializeLayers(buf, opts, network.(gopacket.SerializableLayer), transport, payload)
	if err != nil {
		return nil, err
	}
	return pipes.NewRawPacket(buf.Bytes())
}

// parseSnaplen validates the PCAP snapshot length.
func parseSnaplen(value int) (uint16, error) {
	if value < 1 || value > math.MaxUint16 {
		return 0, fmt.Errorf("pcap-snaplen must be within [1, %d]", math.MaxUint16)
	}
	return uint16(value), nil
}

// report prints the per source and per pipe statistics.
func report(w io.Writer, sources []*source, sn *pipes.Snapshot, ticks uint64) {
	var total uint64
	for _, src := range sources {
		total += src.delivered
	}
	fmt.Fprintf(w, "%-12s %12s %12s %10s %12s %7s\n", "source", "offered", "delivered", "dropped", "bytes/tick", "share")
	throughputs := make([]float64, 0, len(sources))
	for _, src := range sources {
		rate := float64(src.delivered) / float64(ticks)
		share := 0.0
		if total > 0 {
			share = float64(src.delivered) / float64(total)
		}
		throughputs = append(throughputs, rate)
		fmt.Fprintf(w, "%-12s %12d %12d %10d %12.1f %6.1f%%\n",
			src.entry.Name, src.offered, src.delivered, src.dropped, rate, 100*share)
	}
	fmt.Fprintf(w, "fairness: %.4f\n", pipes.FairnessIndex(throughputs))

	for _, ps := range sn.Pipes {
		fmt.Fprintf(w, "pipe %d: delivered=%d drops=%d in_flight=%d\n", ps.Config.Number,
			ps.Delivered, ps.Queue.Drops, ps.DelayLine)
	}
	for _, fs := range sn.FlowSets {
		fmt.Fprintf(w, "flowset %d: arrivals=%d drops=%d overflows=%d\n", fs.Number,
			fs.Arrivals, fs.Drops, fs.Overflows)
	}
}

// serveMetrics serves the scheduler metrics until the context is done.
func serveMetrics(ctx context.Context, sched *pipes.Scheduler, address string, logger zerolog.Logger) error {
	reg := prometheus.NewRegistry()
	if err := reg.Register(pipes.NewCollector(sched)); err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	logger.Info().Str("address", listener.Addr().String()).Msg("serving metrics")
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	if err := srv.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func main() {
	// 1. create command line parser
	fset := flag.NewFlagSet("pipesim", flag.ExitOnError)

	// 2. add flags to parse
	var (
		configFile   = fset.String("config", "scenario.yaml", "Scenario file to run.")
		listen       = fset.String("listen", "", "Serve metrics at the given address after the run.")
		pcapFile     = fset.String("pcap", "", "Write delivered packets to the given PCAP file.")
		pcapSnaplen  = fset.Int("pcap-snaplen", 1500, "PCAP snapshot length in bytes.")
		tickDuration = fset.Duration("tick", time.Millisecond, "Duration of a tick in PCAP timestamps.")
		ticks        = fset.Uint64("ticks", 1000, "Number of ticks to simulate.")
		verbose      = fset.Bool("verbose", false, "Log configuration changes.")
	)

	// 3. parse command line
	runtimex.PanicOnError0(fset.Parse(args[1:]))

	// 4. create the logger
	level := zerolog.WarnLevel
	if *verbose {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: logOutput, NoColor: true}).
		Level(level).With().Timestamp().Str("service", "pipesim").Logger()

	// 5. read the scenario and build the packets
	sc := runtimex.PanicOnError1(readScenario(*configFile))
	sources := make([]*source, 0, len(sc.Traffic))
	for _, ts := range sc.Traffic {
		sources = append(sources, &source{entry: ts, packet: runtimex.PanicOnError1(buildPacket(&ts))})
	}

	// 6. prepare the delivery path, optionally capturing packets
	var now uint64
	deliver := func(pkt pipes.Packet, dir pipes.Direction, tag any) {
		src := tag.(*source)
		src.delivered += uint64(pkt.Len())
	}
	var trace *pipes.PCAPTrace
	if *pcapFile != "" {
		snaplen := runtimex.PanicOnError1(parseSnaplen(*pcapSnaplen))
		filep := runtimex.PanicOnError1(os.Create(*pcapFile))
		epoch := time.Now()
		trace = pipes.NewPCAPTrace(filep, snaplen, pipes.PCAPTraceOptionClock(func() time.Time {
			return epoch.Add(time.Duration(now) * *tickDuration)
		}))
		deliver = trace.Deliver(deliver)
	}

	// 7. create the scheduler and load the configuration
	sched := pipes.NewScheduler(deliver, pipes.WithLogger(logger))
	runtimex.PanicOnError0(sched.Load(sc.Config))

	// 8. run the simulation
	for now = 0; now < *ticks; now++ {
		sched.Advance(now)
		for _, src := range sources {
			for range src.entry.Rate {
				src.offered += uint64(src.packet.Len())
				var verdict pipes.Verdict
				if src.entry.Pipe > 0 {
					verdict = sched.Submit(src.entry.Pipe, pipes.DirectionOut, src.packet, src)
				} else {
					verdict = sched.SubmitQueue(src.entry.Queue, pipes.DirectionOut, src.packet, src)
				}
				if verdict == pipes.Dropped {
					src.dropped += uint64(src.packet.Len())
				}
			}
		}
	}
	sched.Advance(now)

	// 9. close the trace and print the report
	if trace != nil {
		runtimex.PanicOnError0(trace.Close())
		if dropped := trace.Dropped(); dropped > 0 {
			logger.Warn().Uint64("dropped", dropped).Msg("pcap trace dropped packets")
		}
	}
	sn := sched.Snapshot()
	report(output, sources, &sn, *ticks)

	// 10. optionally keep serving metrics until interrupted
	if *listen != "" {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
		defer cancel()
		runtimex.PanicOnError0(serveMetrics(ctx, sched, *listen, logger))
	}
}
