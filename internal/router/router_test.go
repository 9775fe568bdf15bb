package router

import (
	"testing"

	"overlayplane/internal/domain"
)

type alwaysLive struct{}

func (alwaysLive) IsLive(domain.ConnId) bool { return true }

type liveSet map[domain.ConnId]bool

func (s liveSet) IsLive(id domain.ConnId) bool { return s[id] }

func conn(n uint32, remote domain.NodeId) domain.ConnId {
	return domain.ConnId{Local: n, RemoteNode: remote, Dir: domain.DirectionOutbound}
}

func TestPathToNodeLocal(t *testing.T) {
	self := domain.NodeId(0x0A000001)
	r := New(self, alwaysLive{})
	if a := r.PathTo(ToNode(self)); a.Kind != ActionLocal {
		t.Fatalf("expected Local for self, got %v", a.Kind)
	}
}

func TestPathToNodeDropsWithNoRoute(t *testing.T) {
	self := domain.NodeId(0x0A000001)
	r := New(self, alwaysLive{})
	if a := r.PathTo(ToNode(domain.NodeId(0x0B000001))); a.Kind != ActionDrop {
		t.Fatalf("expected Drop with empty table, got %v", a.Kind)
	}
}

func TestInstallRejectsSelfAsVia(t *testing.T) {
	self := domain.NodeId(0x0A000001)
	r := New(self, alwaysLive{})
	bad := conn(1, self)
	if ok := r.Install(0, 0x0B, bad, domain.LinkMetric{}, 1, 1, 0); ok {
		t.Fatalf("expected install with via==self to be rejected")
	}
}

func TestInstallRejectsHopOverflow(t *testing.T) {
	self := domain.NodeId(0x0A000001)
	r := New(self, alwaysLive{}, WithMaxHops(4))
	via := conn(1, domain.NodeId(0x0B000001))
	if ok := r.Install(0, 0x0B, via, domain.LinkMetric{}, 4, 1, 0); ok {
		t.Fatalf("expected install with hops>=maxHops to be rejected")
	}
}

func TestInstallRejectsStaleSession(t *testing.T) {
	self := domain.NodeId(0x0A000001)
	r := New(self, alwaysLive{})
	via := conn(1, domain.NodeId(0x0B000001))
	if ok := r.Install(0, 0x0B, via, domain.LinkMetric{RttMs: 10}, 1, 5, 0); !ok {
		t.Fatalf("expected first install to succeed")
	}
	if ok := r.Install(0, 0x0B, via, domain.LinkMetric{RttMs: 1}, 1, 3, 0); ok {
		t.Fatalf("expected stale session (3 < 5) to be rejected")
	}
}

func TestPathToNodeForwardsOverBestMetric(t *testing.T) {
	self := domain.NodeId(0x0A000001)
	dest := domain.NodeId(0x0B000099)
	live := liveSet{}
	r := New(self, live)
	good := conn(1, domain.NodeId(0x0B000001))
	bad := conn(2, domain.NodeId(0x0C000001))
	live[good] = true
	live[bad] = true
	r.Install(0, 0x0B, bad, domain.LinkMetric{RttMs: 200}, 2, 1, 0)
	r.Install(0, 0x0B, good, domain.LinkMetric{RttMs: 10}, 1, 1, 0)

	a := r.PathTo(ToNode(dest))
	if a.Kind != ActionForward || a.Via != good {
		t.Fatalf("expected Forward via good route, got %+v", a)
	}
}

func TestPathToNodeSkipsDeadVia(t *testing.T) {
	self := domain.NodeId(0x0A000001)
	dest := domain.NodeId(0x0B000099)
	live := liveSet{}
	r := New(self, live)
	dead := conn(1, domain.NodeId(0x0B000001))
	r.Install(0, 0x0B, dead, domain.LinkMetric{RttMs: 5}, 1, 1, 0)
	// dead is not marked live

	a := r.PathTo(ToNode(dest))
	if a.Kind != ActionDrop {
		t.Fatalf("expected Drop since the only via is dead, got %+v", a.Kind)
	}
}

func TestWithdrawViaRemovesAllEntries(t *testing.T) {
	self := domain.NodeId(0x0A000001)
	r := New(self, alwaysLive{})
	via := conn(1, domain.NodeId(0x0B000001))
	r.Install(0, 0x0B, via, domain.LinkMetric{}, 1, 1, 0)
	r.InstallService(9, via, domain.LinkMetric{}, 1, 1)
	r.WithdrawVia(via)

	if a := r.PathTo(ToNode(domain.NodeId(0x0B000099))); a.Kind != ActionDrop {
		t.Fatalf("expected route withdrawn, got %+v", a)
	}
	if a := r.PathTo(ToService(9)); a.Kind != ActionDrop {
		t.Fatalf("expected service withdrawn, got %+v", a)
	}
}

func TestEvictExpiredRemovesStaleEntry(t *testing.T) {
	self := domain.NodeId(0x0A000001)
	r := New(self, alwaysLive{}, WithEntryTTL(30_000))
	via := conn(1, domain.NodeId(0x0B000001))
	r.Install(0, 0x0B, via, domain.LinkMetric{}, 1, 1, 0)
	r.EvictExpired(30_001)
	if a := r.PathTo(ToNode(domain.NodeId(0x0B000099))); a.Kind != ActionDrop {
		t.Fatalf("expected entry evicted after TTL, got %+v", a)
	}
}

func TestNoEntryEverStoresSelfAsVia(t *testing.T) {
	self := domain.NodeId(0x0A000001)
	r := New(self, alwaysLive{})
	r.Install(0, 0x0B, conn(1, self), domain.LinkMetric{}, 1, 1, 0)
	for _, e := range r.Dump()[0][0x0B] {
		if e.Via.RemoteNode == self {
			t.Fatalf("found entry with via==self: %+v", e)
		}
	}
}

func TestNoHopsAtOrAboveMaxHopsExists(t *testing.T) {
	self := domain.NodeId(0x0A000001)
	r := New(self, alwaysLive{}, WithMaxHops(16))
	via := conn(1, domain.NodeId(0x0B000001))
	r.Install(0, 0x0B, via, domain.LinkMetric{}, 16, 1, 0)
	for _, e := range r.Dump()[0][0x0B] {
		if e.Hops >= 16 {
			t.Fatalf("found entry with hops>=maxHops: %+v", e)
		}
	}
}

func TestPathToClosestDescendsLayers(t *testing.T) {
	self := domain.NodeId(0x0A010203)
	k := domain.Key{Hash: 0x0A0102FF} // matches self at layers 0,1,2; diverges at layer 3
	live := liveSet{}
	r := New(self, live)
	via := conn(1, domain.NodeId(0x0B000001))
	live[via] = true
	r.Install(3, 0xFF, via, domain.LinkMetric{RttMs: 1}, 1, 1, 0)
	a := r.PathTo(ToClosest(k))
	if a.Kind != ActionForward || a.Via != via {
		t.Fatalf("expected forward at layer 3, got %+v", a)
	}
}

func TestPathToClosestLocalWhenAllLayersMatch(t *testing.T) {
	self := domain.NodeId(0x0A010203)
	k := domain.Key{Hash: uint32(self)}
	r := New(self, alwaysLive{})
	if a := r.PathTo(ToClosest(k)); a.Kind != ActionLocal {
		t.Fatalf("expected Local when target matches self on every layer, got %+v", a)
	}
}

func TestRoutesViaOtherThanSplitHorizon(t *testing.T) {
	self := domain.NodeId(0x0A000001)
	live := liveSet{}
	r := New(self, live)
	viaB := conn(1, domain.NodeId(0x0B000001))
	viaC := conn(2, domain.NodeId(0x0C000001))
	live[viaB] = true
	live[viaC] = true
	r.Install(0, 0x0B, viaB, domain.LinkMetric{}, 1, 1, 0)
	r.Install(0, 0x0C, viaC, domain.LinkMetric{}, 1, 1, 0)

	out := r.RoutesViaOtherThan(viaB)
	for _, e := range out {
		if e.Via == viaB {
			t.Fatalf("split horizon violated: route learned via B echoed back to B")
		}
	}
	found := false
	for _, e := range out {
		if e.Via == viaC {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected route via C to be advertised toward B")
	}
}
