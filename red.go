// SPDX-License-Identifier: GPL-3.0-or-later

package pipes

import "math"

// RED arithmetic is fixed point with this many fractional bits.
const redScaleShift = 16

// redOne is 1.0 in RED fixed point.
const redOne int64 = 1 << redScaleShift

// redCoeffShift is the number of fractional bits of the slope
// coefficients, which would truncate to zero with byte thresholds.
const redCoeffShift = 2 * redScaleShift

// RandomSource produces uniform random numbers in [0, 1).
//
// The [*rngstream.RngStream] type satisfies this interface.
type RandomSource interface {
	RandU01() float64
}

// redParams contains the fixed point RED parameters of a flow set.
type redParams struct {
	// bytes is true when the queue size is measured in bytes.
	bytes bool

	// c1 is the slope between the thresholds.
	c1 int64

	// c3 is the Gentle-RED slope and c4 its offset.
	c3, c4 int64

	// gentle enables Gentle-RED.
	gentle bool

	// lookup contains (1-wq)^(i+1) for idle decay.
	lookup []int64

	// lookupStep is the number of idle ticks per lookup slot.
	lookupStep uint64

	// maxP is the scaled drop probability at maxTh.
	maxP int64

	// maxPacketSize scales the probability in byte mode.
	maxPacketSize int64

	// minTh and maxTh are the scaled thresholds.
	minTh, maxTh int64

	// wq is the scaled EWMA weight.
	wq int64
}

// newREDParams converts cfg into fixed point. The bandwidth, in
// bytes per tick, is used to derive the default lookup step.
func newREDParams(cfg *REDConfig, bytes bool, bandwidth uint64) *redParams {
	minTh, maxTh := int64(cfg.MinTh), int64(cfg.MaxTh)
	maxP := scaleRED(cfg.MaxP)
	r := &redParams{
		bytes:         bytes,
		c1:            (maxP << redScaleShift) / (maxTh - minTh),
		c3:            ((redOne - maxP) << redScaleShift) / maxTh,
		c4:            redOne - 2*maxP,
		gentle:        cfg.Gentle,
		lookupStep:    cfg.LookupStep,
		maxP:          maxP,
		maxPacketSize: int64(cfg.MaxPacketSize),
		minTh:         minTh << redScaleShift,
		maxTh:         maxTh << redScaleShift,
		wq:            scaleRED(cfg.WQ),
	}
	if r.maxPacketSize <= 0 {
		r.maxPacketSize = DefaultMaxPacketSize
	}

	if r.lookupStep == 0 {
		avg := uint64(cfg.AvgPacketSize)
		if avg == 0 {
			avg = DefaultAvgPacketSize
		}
		r.lookupStep = 1
		if bandwidth > 0 {
			r.lookupStep = max(1, (avg+bandwidth-1)/bandwidth)
		}
	}

	depth := cfg.LookupDepth
	if depth <= 0 {
		depth = DefaultLookupDepth
	}
	r.lookup = make([]int64, depth)
	r.lookup[0] = redOne - r.wq
	for idx := 1; idx < depth; idx++ {
		r.lookup[idx] = (r.lookup[idx-1] * r.lookup[0]) >> redScaleShift
	}
	return r
}

func scaleRED(v float64) int64 {
	return int64(math.Round(v * float64(redOne)))
}

// updateAverage updates the average queue size of q for an
// arrival at the given tick.
func (r *redParams) updateAverage(q *flowQueue, now SortKey) {
	qsize := int64(q.length)
	if r.bytes {
		qsize = int64(q.lengthBytes)
	}

	switch {
	case qsize > 0:
		q.redAvg += ((qsize << redScaleShift) - q.redAvg) * r.wq >> redScaleShift

	case q.redAvg != 0:
		// The queue drained: decay the average as if m empty
		// packets had been observed during the idle period.
		m := uint64(now-q.idleSince) / r.lookupStep
		if m < uint64(len(r.lookup)) {
			q.redAvg = (q.redAvg * r.lookup[m]) >> redScaleShift
		} else {
			q.redAvg = 0
		}
	}
}

// probability returns the scaled base drop probability for the
// given scaled average. It returns redOne in the forced drop region.
//
// Between the thresholds p_b = c1*avg - c2 with c2 = c1*minTh, which
// is computed as c1*(avg-minTh) so that the product fits in 64 bits.
func (r *redParams) probability(avg int64) int64 {
	switch {
	case avg < r.minTh:
		return 0

	case avg >= r.maxTh:
		if !r.gentle || avg >= 2*r.maxTh {
			return redOne
		}
		return min(max((r.c3*avg)>>redCoeffShift-r.c4, 0), redOne)

	default:
		return (r.c1 * (avg - r.minTh)) >> redCoeffShift
	}
}

// drop decides whether to drop an arriving packet of the given
// length. It must be called before the packet is enqueued.
func (r *redParams) drop(q *flowQueue, now SortKey, length int, rng RandomSource) bool {
	r.updateAverage(q, now)

	pb := r.probability(q.redAvg)
	switch {
	case q.redAvg < r.minTh:
		q.redCount = -1
		return false

	case pb >= redOne:
		q.redCount = 0
		return true
	}

	if r.bytes {
		pb = pb * int64(length) / r.maxPacketSize
	}

	// The probability grows with the number of packets since the
	// last drop, which spreads drops out evenly.
	q.redCount++
	denom := redOne - q.redCount*pb
	if denom <= 0 {
		q.redCount = 0
		return true
	}
	pa := (pb << redScaleShift) / denom
	if int64(rng.RandU01()*float64(redOne)) < pa {
		q.redCount = 0
		return true
	}
	return false
}
