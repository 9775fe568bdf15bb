package domain

// LinkMetric describes the quality of a path (a single link, or a composed
// multi-hop path) between two nodes.
//
// Fields compose along a path as follows:
//   - Rtt: additive (sum of per-hop RTTs).
//   - BandwidthKbps: minimum (a path is only as fast as its slowest hop).
//   - LossPermille: multiplicative survival, i.e. 1 - Π(1 - lossᵢ), expressed
//     in permille (parts per thousand) to avoid floating point in the hot path.
//   - Cost: additive (sum of per-hop costs).
type LinkMetric struct {
	RttMs         uint16
	BandwidthKbps uint32
	LossPermille  uint16
	Cost          uint16
}

// Compose combines two metrics along a path where `x` is the metric to the
// intermediate hop and `next` is the metric from that hop onward. Composition
// must be associative — Compose(Compose(a,b),c) == Compose(a,Compose(b,c)) —
// because the router explores paths incrementally, one hop at a time, and
// relies on that property to make hop-by-hop extension equivalent to
// composing the whole path at once.
func (x LinkMetric) Compose(next LinkMetric) LinkMetric {
	bw := x.BandwidthKbps
	if next.BandwidthKbps < bw {
		bw = next.BandwidthKbps
	}
	return LinkMetric{
		RttMs:         saturatingAddU16(x.RttMs, next.RttMs),
		BandwidthKbps: bw,
		LossPermille:  composeLoss(x.LossPermille, next.LossPermille),
		Cost:          saturatingAddU16(x.Cost, next.Cost),
	}
}

// composeLoss computes 1 - (1-a)(1-b) in permille (0..1000) integer
// arithmetic, rounding down. This is associative over the permille domain to
// the same precision as repeated floating-point application, which is the
// property Compose relies on.
func composeLoss(a, b uint16) uint16 {
	survivalA := 1000 - uint32(a)
	survivalB := 1000 - uint32(b)
	survival := (survivalA * survivalB) / 1000
	loss := 1000 - survival
	if loss > 1000 {
		loss = 1000
	}
	return uint16(loss)
}

func saturatingAddU16(a, b uint16) uint16 {
	sum := uint32(a) + uint32(b)
	if sum > 0xFFFF {
		return 0xFFFF
	}
	return uint16(sum)
}

// Dominates reports whether x strictly dominates other: every component of x
// is no worse than the corresponding component of other, and at least one is
// strictly better. Bandwidth is "better" when higher; every other field is
// "better" when lower.
func (x LinkMetric) Dominates(other LinkMetric) bool {
	betterOrEqual := x.RttMs <= other.RttMs &&
		x.BandwidthKbps >= other.BandwidthKbps &&
		x.LossPermille <= other.LossPermille &&
		x.Cost <= other.Cost
	strictlyBetter := x.RttMs < other.RttMs ||
		x.BandwidthKbps > other.BandwidthKbps ||
		x.LossPermille < other.LossPermille ||
		x.Cost < other.Cost
	return betterOrEqual && strictlyBetter
}

// Less orders metrics for route selection: lower is better. Dominance
// decides the common case; ties are broken first by RTT, then by bandwidth
// (higher wins), loss, and finally cost, so the ordering is total and
// deterministic.
func (x LinkMetric) Less(other LinkMetric) bool {
	if x.Dominates(other) {
		return true
	}
	if other.Dominates(x) {
		return false
	}
	if x.RttMs != other.RttMs {
		return x.RttMs < other.RttMs
	}
	if x.BandwidthKbps != other.BandwidthKbps {
		return x.BandwidthKbps > other.BandwidthKbps
	}
	if x.LossPermille != other.LossPermille {
		return x.LossPermille < other.LossPermille
	}
	return x.Cost < other.Cost
}
