// SPDX-License-Identifier: GPL-3.0-or-later

package pipes

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports [*Scheduler] snapshots as Prometheus metrics.
//
// Construct using [NewCollector].
type Collector struct {
	sched *Scheduler

	pipeDelivered      *prometheus.Desc
	pipeDeliveredBytes *prometheus.Desc
	pipeDiscarded      *prometheus.Desc
	pipeDelayLine      *prometheus.Desc

	setArrivals  *prometheus.Desc
	setDrops     *prometheus.Desc
	setOverflows *prometheus.Desc
	setQueues    *prometheus.Desc
	setBacklog   *prometheus.Desc

	clockRegressions    *prometheus.Desc
	invariantViolations *prometheus.Desc
	unroutable          *prometheus.Desc
}

var _ prometheus.Collector = &Collector{}

// NewCollector creates a new [*Collector] for the given scheduler.
func NewCollector(sched *Scheduler) *Collector {
	pipeLabels := []string{"pipe"}
	setLabels := []string{"set"}
	return &Collector{
		sched: sched,

		pipeDelivered: prometheus.NewDesc("pipes_delivered_packets_total",
			"Packets that left the pipe delay line", pipeLabels, nil),
		pipeDeliveredBytes: prometheus.NewDesc("pipes_delivered_bytes_total",
			"Bytes that left the pipe delay line", pipeLabels, nil),
		pipeDiscarded: prometheus.NewDesc("pipes_discarded_packets_total",
			"Packets discarded by configuration changes", pipeLabels, nil),
		pipeDelayLine: prometheus.NewDesc("pipes_delay_line_packets",
			"Packets currently in the pipe delay line", pipeLabels, nil),

		setArrivals: prometheus.NewDesc("pipes_flowset_arrivals_total",
			"Packets submitted to the flow set", setLabels, nil),
		setDrops: prometheus.NewDesc("pipes_flowset_drops_total",
			"Packets dropped by the flow set", setLabels, nil),
		setOverflows: prometheus.NewDesc("pipes_flowset_overflows_total",
			"Packets dropped because the flow table was full", setLabels, nil),
		setQueues: prometheus.NewDesc("pipes_flowset_queues",
			"Flow queues currently allocated", setLabels, nil),
		setBacklog: prometheus.NewDesc("pipes_flowset_queued_packets",
			"Packets currently queued in the flow set", setLabels, nil),

		clockRegressions: prometheus.NewDesc("pipes_clock_regressions_total",
			"Ignored clock regressions", nil, nil),
		invariantViolations: prometheus.NewDesc("pipes_invariant_violations_total",
			"Internal invariant violations", nil, nil),
		unroutable: prometheus.NewDesc("pipes_unroutable_packets_total",
			"Packets submitted to unknown pipes or flow sets", nil, nil),
	}
}

// Describe implements [prometheus.Collector].
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, desc := range []*prometheus.Desc{
		c.pipeDelivered, c.pipeDeliveredBytes, c.pipeDiscarded, c.pipeDelayLine,
		c.setArrivals, c.setDrops, c.setOverflows, c.setQueues, c.setBacklog,
		c.clockRegressions, c.invariantViolations, c.unroutable,
	} {
		ch <- desc
	}
}

// Collect implements [prometheus.Collector].
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	sn := c.sched.Snapshot()
	counter := func(desc *prometheus.Desc, value uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(value), labels...)
	}
	gauge := func(desc *prometheus.Desc, value int, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, float64(value), labels...)
	}
	flowSet := func(label string, st *FlowSetStats) {
		var queued int
		for _, qs := range st.Queues {
			queued += qs.Packets
		}
		counter(c.setArrivals, st.Arrivals, label)
		counter(c.setDrops, st.Drops, label)
		counter(c.setOverflows, st.Overflows, label)
		gauge(c.setQueues, len(st.Queues), label)
		gauge(c.setBacklog, queued, label)
	}

	for idx := range sn.Pipes {
		ps := &sn.Pipes[idx]
		label := fmt.Sprintf("%d", ps.Config.Number)
		counter(c.pipeDelivered, ps.Delivered, label)
		counter(c.pipeDeliveredBytes, ps.DeliveredBytes, label)
		counter(c.pipeDiscarded, ps.Discarded, label)
		gauge(c.pipeDelayLine, ps.DelayLine, label)
		flowSet("pipe-"+label, &ps.Queue)
	}
	for idx := range sn.FlowSets {
		fs := &sn.FlowSets[idx]
		flowSet(fmt.Sprintf("queue-%d", fs.Number), fs)
	}

	counter(c.clockRegressions, sn.ClockRegressions)
	counter(c.invariantViolations, sn.InvariantViolations)
	counter(c.unroutable, sn.Unroutable)
}
