// SPDX-License-Identifier: GPL-3.0-or-later

package pipes

// flowQueue is the queue of a single flow inside a flow set.
type flowQueue struct {
	// id is the masked flow identifier.
	id FlowID

	// fs is the owning flow set.
	fs *flowSet

	// h is the arena handle of this queue.
	h handle

	// pkts contains the queued packets in FIFO order.
	pkts []*descriptor

	// length and lengthBytes track the queue size.
	length, lengthBytes int

	// Counters.
	arrivals, arrivalBytes uint64
	sentPackets, sentBytes uint64
	drops                  uint64

	// redAvg is the scaled average queue size.
	redAvg int64

	// redCount counts packets since the last RED drop.
	redCount int64

	// idleSince is the tick at which the queue last drained.
	idleSince SortKey

	// numbytes is the fixed-rate credit.
	numbytes int64

	// schedTime is the tick at which numbytes was last updated.
	schedTime SortKey

	// start and finish are the WF2Q+ timestamps.
	start, finish SortKey

	// stamped is true while start and finish are meaningful.
	stamped bool

	// Heap positions or -1 when not in the heap.
	readyPos   int
	nehPos     int
	schPos     int
	backlogPos int
	idlePos    int
}

func newFlowQueue(fs *flowSet, id FlowID, now SortKey) *flowQueue {
	return &flowQueue{
		id:         id,
		fs:         fs,
		redCount:   -1,
		idleSince:  now,
		readyPos:   -1,
		nehPos:     -1,
		schPos:     -1,
		backlogPos: -1,
		idlePos:    -1,
	}
}

func (q *flowQueue) push(d *descriptor) {
	q.pkts = append(q.pkts, d)
	q.length++
	q.lengthBytes += d.length
}

func (q *flowQueue) head() *descriptor {
	if len(q.pkts) <= 0 {
		return nil
	}
	return q.pkts[0]
}

func (q *flowQueue) pop() *descriptor {
	d := q.head()
	if d == nil {
		return nil
	}
	q.pkts[0] = nil
	q.pkts = q.pkts[1:]
	q.length--
	q.lengthBytes -= d.length
	q.sentPackets++
	q.sentBytes += uint64(d.length)
	return d
}

// drain removes all the queued packets without accounting them as sent.
func (q *flowQueue) drain() []*descriptor {
	pkts := q.pkts
	q.pkts = nil
	q.length, q.lengthBytes = 0, 0
	return pkts
}

// inactive returns whether the queue holds no packets and no
// scheduling state, so it can be removed from the flow table.
func (q *flowQueue) inactive() bool {
	return q.length == 0 && !q.stamped && q.readyPos < 0 && q.idlePos < 0
}

// flowSet is a set of flow queues sharing a configuration.
//
// Every pipe embeds a fixed-rate flow set with the same number as
// the pipe. Other flow sets are WF2Q+ clients of their parent pipe.
type flowSet struct {
	// number is the flow set (or pipe) number.
	number int

	// embedded is true for the fixed-rate flow set of a pipe.
	embedded bool

	// cfg is the configuration as given by the caller. For embedded
	// sets only Number, Parent, and Queue are meaningful.
	cfg FlowSetConfig

	// weight is the effective weight.
	weight uint64

	// limit is the effective queue limit.
	limit int

	// maxQueues is the effective flow table limit.
	maxQueues int

	// lossRate is the scaled random loss probability.
	lossRate int64

	// red is nil when RED is disabled.
	red *redParams

	// pipe is the serving pipe or nil when detached.
	pipe *pipe

	// table maps masked identifiers to queues.
	table map[FlowID]handle

	// backlogged counts queues with packets in the pipe heaps.
	backlogged int

	// Counters.
	arrivals, arrivalBytes uint64
	drops                  uint64
	overflows              uint64

	// warnedFull is true once the table full warning was logged.
	warnedFull bool
}

func newFlowSet(cfg FlowSetConfig, embedded bool) *flowSet {
	fs := &flowSet{number: cfg.Number, embedded: embedded, table: make(map[FlowID]handle)}
	fs.configure(cfg)
	return fs
}

// needsPurge returns whether switching to cfg invalidates the
// existing queues, whose identifiers and sizes depend on the mask
// and on the queue size unit.
func (fs *flowSet) needsPurge(cfg FlowSetConfig) bool {
	return fs.cfg.Queue.Mask != cfg.Queue.Mask || fs.cfg.Queue.Bytes != cfg.Queue.Bytes
}

// configure applies cfg and computes the derived parameters.
func (fs *flowSet) configure(cfg FlowSetConfig) {
	fs.cfg = cfg
	q := &cfg.Queue
	fs.weight = uint64(max(cfg.Weight, 1))
	fs.limit = q.Limit
	if fs.limit <= 0 {
		fs.limit = DefaultQueueLimit
	}
	buckets := q.Buckets
	if buckets <= 0 {
		buckets = DefaultBuckets
	}
	fs.maxQueues = q.MaxQueues
	if fs.maxQueues <= 0 {
		fs.maxQueues = buckets * queuesPerBucket
	}
	fs.lossRate = scaleRED(q.LossRate)
	fs.updateRED()
}

// updateRED recomputes the RED parameters, which depend on the
// bandwidth of the serving pipe.
func (fs *flowSet) updateRED() {
	if !fs.cfg.Queue.RED.Enabled {
		fs.red = nil
		return
	}
	var bandwidth uint64
	if fs.pipe != nil {
		bandwidth = fs.pipe.cfg.Bandwidth
	}
	fs.red = newREDParams(&fs.cfg.Queue.RED, fs.cfg.Queue.Bytes, bandwidth)
}

// overLimit returns whether q cannot accept a packet of the given length.
func (fs *flowSet) overLimit(q *flowQueue, length int) bool {
	if fs.cfg.Queue.Bytes {
		return q.lengthBytes+length > fs.limit
	}
	return q.length >= fs.limit
}
