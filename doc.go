// SPDX-License-Identifier: GPL-3.0-or-later

// Package pipes implements a traffic shaper for network emulation.
//
// A pipe models a link with a given bandwidth and propagation delay.
// Each pipe embeds a fixed-rate flow set, and further flow sets may be
// attached to it to share its bandwidth in proportion to their weights
// using WF2Q+ (Worst-case Fair Weighted Fair Queueing). Within a flow
// set, a [FlowMask] splits traffic into per-flow queues, each with a
// queue limit and optional RED or Gentle-RED dropping.
//
// The [*Scheduler] does not own a clock. Time is measured in ticks and
// the caller moves it forward with [*Scheduler.Advance], which runs the
// pending events in order and hands the packets that finished crossing
// their pipe to the [DeliverFunc]. Packets enter using [*Scheduler.Submit]
// (fixed-rate) or [*Scheduler.SubmitQueue] (WF2Q+).
//
// Configuration is structured: see [Config], [PipeConfig], and
// [FlowSetConfig]. Use [ReadConfigFile] to load it from YAML or JSON.
//
// [*Scheduler.Snapshot] exposes counters and scheduling state, and
// [NewCollector] exports them as Prometheus metrics. The [*PCAPTrace]
// type captures delivered packets in PCAP format so that you can inspect
// them using tools such as wireshark.
//
// Building with the pipesdebug tag turns internal invariant violations
// into panics.
package pipes
