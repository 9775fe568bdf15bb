package domain

import "testing"

func TestComposeAssociative(t *testing.T) {
	a := LinkMetric{RttMs: 10, BandwidthKbps: 1000, LossPermille: 10, Cost: 1}
	b := LinkMetric{RttMs: 20, BandwidthKbps: 500, LossPermille: 20, Cost: 2}
	c := LinkMetric{RttMs: 5, BandwidthKbps: 2000, LossPermille: 5, Cost: 3}

	left := a.Compose(b).Compose(c)
	right := a.Compose(b.Compose(c))

	if left != right {
		t.Fatalf("Compose not associative: (a.b).c = %+v, a.(b.c) = %+v", left, right)
	}
}

func TestComposeAdditiveRtt(t *testing.T) {
	a := LinkMetric{RttMs: 10}
	b := LinkMetric{RttMs: 20}
	got := a.Compose(b)
	if got.RttMs != 30 {
		t.Fatalf("RttMs = %d, want 30", got.RttMs)
	}
}

func TestComposeMinBandwidth(t *testing.T) {
	a := LinkMetric{BandwidthKbps: 1000}
	b := LinkMetric{BandwidthKbps: 200}
	if got := a.Compose(b).BandwidthKbps; got != 200 {
		t.Fatalf("BandwidthKbps = %d, want 200", got)
	}
}

func TestDominates(t *testing.T) {
	better := LinkMetric{RttMs: 10, BandwidthKbps: 1000, LossPermille: 0, Cost: 1}
	worse := LinkMetric{RttMs: 20, BandwidthKbps: 1000, LossPermille: 0, Cost: 1}
	if !better.Dominates(worse) {
		t.Fatalf("expected better to dominate worse")
	}
	if worse.Dominates(better) {
		t.Fatalf("worse must not dominate better")
	}
	tied := LinkMetric{RttMs: 10, BandwidthKbps: 1000, LossPermille: 0, Cost: 1}
	if better.Dominates(tied) {
		t.Fatalf("identical metrics must not dominate each other")
	}
}

func TestLessTieBreakOrder(t *testing.T) {
	// Neither dominates: a has better rtt, b has better bandwidth.
	a := LinkMetric{RttMs: 10, BandwidthKbps: 100}
	b := LinkMetric{RttMs: 20, BandwidthKbps: 200}
	if !a.Less(b) {
		t.Fatalf("rtt is the first tie-break: a should sort before b")
	}
	if b.Less(a) {
		t.Fatalf("b must not sort before a")
	}
}
