package alias

import (
	"testing"

	"overlayplane/internal/domain"
	"overlayplane/internal/wire"
)

// payloadOf strips the wire frame header, since OnFrame receives only the
// payload the dispatcher has already decoded.
func payloadOf(frame []byte) []byte {
	f, _, _, _ := wire.Decode(frame)
	return f.Payload
}

type fakeNeighbors struct {
	conns []domain.ConnId
}

func (f fakeNeighbors) IterActive() []domain.ConnId { return f.conns }

func conn(n uint32) domain.ConnId { return domain.ConnId{Local: n} }

func TestLookupLocalOwnedIsImmediate(t *testing.T) {
	s := New(domain.NodeId(1), fakeNeighbors{}, nil)
	s.Register(42, 0)

	res, pending := s.Lookup(42, 0)
	if res == nil || !res.Found || res.Owner != domain.NodeId(1) {
		t.Fatalf("expected immediate local result, got %+v", res)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending frames for local lookup, got %d", len(pending))
	}
}

func TestLookupWithHintScansHintedLinkOnly(t *testing.T) {
	s := New(domain.NodeId(1), fakeNeighbors{conns: []domain.ConnId{conn(1), conn(2)}}, nil)
	hint := conn(5)
	s.records[7] = Record{Alias: 7, Owner: domain.NodeId(9), LastSeenFrom: hint}

	_, pending := s.Lookup(7, 0)
	if len(pending) != 1 || pending[0].Conn != hint {
		t.Fatalf("expected a single scan toward the hinted link, got %+v", pending)
	}
}

func TestLookupWithoutHintBroadcastsScan(t *testing.T) {
	nbrs := fakeNeighbors{conns: []domain.ConnId{conn(1), conn(2), conn(3)}}
	s := New(domain.NodeId(1), nbrs, nil)

	_, pending := s.Lookup(99, 0)
	if len(pending) != 3 {
		t.Fatalf("expected a broadcast scan to every neighbor, got %d", len(pending))
	}
}

func TestHintTimeoutFallsBackToBroadcastScan(t *testing.T) {
	nbrs := fakeNeighbors{conns: []domain.ConnId{conn(1), conn(2)}}
	s := New(domain.NodeId(1), nbrs, nil)
	hint := conn(9)
	s.records[7] = Record{Alias: 7, Owner: domain.NodeId(2), LastSeenFrom: hint}

	_, _ = s.Lookup(7, 0)

	out, results := s.Tick(scanHintTimeoutMillis)
	if len(results) != 0 {
		t.Fatalf("expected no resolved result yet, got %+v", results)
	}
	if len(out) != 2 {
		t.Fatalf("expected fallback broadcast to both neighbors, got %d", len(out))
	}
}

func TestFullScanTimeoutReportsNotFound(t *testing.T) {
	nbrs := fakeNeighbors{conns: []domain.ConnId{conn(1)}}
	s := New(domain.NodeId(1), nbrs, nil)

	_, _ = s.Lookup(55, 0)
	_, results := s.Tick(scanTimeoutMillis)
	if len(results) != 1 || results[0].Found {
		t.Fatalf("expected a single NotFound result, got %+v", results)
	}
}

func TestRegisterBroadcastTTLDecrementsOnForward(t *testing.T) {
	owner := New(domain.NodeId(1), fakeNeighbors{conns: []domain.ConnId{conn(2)}}, nil)
	relay := New(domain.NodeId(2), fakeNeighbors{conns: []domain.ConnId{conn(1), conn(3)}}, nil)

	msgs := owner.Register(10, 0)
	if len(msgs) != 1 {
		t.Fatalf("expected owner to broadcast once, got %d", len(msgs))
	}

	out, _ := relay.OnFrame(conn(1), payloadOf(msgs[0].Data), 0)
	if len(out) != 1 || out[0].Conn != conn(3) {
		t.Fatalf("expected relay to forward only to the non-origin neighbor, got %+v", out)
	}
	fwd := wire.NewReader(payloadOf(out[0].Data))
	_, _, _ = fwd.U8(), fwd.U64(), fwd.NodeId()
	if ttl := fwd.U8(); ttl != defaultBroadcastTTL-1 {
		t.Fatalf("expected forwarded TTL %d, got %d", defaultBroadcastTTL-1, ttl)
	}
	rec, ok := relay.records[10]
	if !ok || rec.Owner != domain.NodeId(1) || rec.LastSeenFrom != conn(1) {
		t.Fatalf("expected relay to record the owner and location hint, got %+v", rec)
	}
}

func TestRegisterTTLExhaustedStopsForwarding(t *testing.T) {
	relay := New(domain.NodeId(2), fakeNeighbors{conns: []domain.ConnId{conn(1), conn(3)}}, nil)
	frame := encodeRegisterLike(kindRegister, 10, domain.NodeId(1), 0)

	out, _ := relay.OnFrame(conn(1), payloadOf(frame), 0)
	if len(out) != 0 {
		t.Fatalf("expected no further forwarding once TTL is exhausted, got %d", len(out))
	}
}

func TestScanAnsweredByOwnerNode(t *testing.T) {
	owner := New(domain.NodeId(1), fakeNeighbors{}, nil)
	owner.Register(10, 0)

	out, _ := owner.OnFrame(conn(4), payloadOf(encodeScan(10, 77, defaultBroadcastTTL)), 0)
	if len(out) != 1 || out[0].Conn != conn(4) {
		t.Fatalf("expected ScanReply routed back to the scanning link, got %+v", out)
	}
}

func TestScanReplyResolvesPendingLookup(t *testing.T) {
	nbrs := fakeNeighbors{conns: []domain.ConnId{conn(1)}}
	s := New(domain.NodeId(1), nbrs, nil)

	_, pending := s.Lookup(33, 0)
	if len(pending) != 1 {
		t.Fatalf("expected one scan frame, got %d", len(pending))
	}
	opId := s.nextOp

	reply := encodeScanReply(33, opId, domain.NodeId(8), true)
	_, results := s.OnFrame(conn(1), payloadOf(reply), 0)
	if len(results) != 1 || !results[0].Found || results[0].Owner != domain.NodeId(8) {
		t.Fatalf("expected resolved lookup with owner 8, got %+v", results)
	}
	if _, stillPending := s.pending[opId]; stillPending {
		t.Fatalf("expected pending scan to be cleared after reply")
	}
}

func TestUnregisterRemovesLocalAndBroadcasts(t *testing.T) {
	s := New(domain.NodeId(1), fakeNeighbors{conns: []domain.ConnId{conn(2)}}, nil)
	s.Register(10, 0)

	msgs := s.Unregister(10)
	if len(msgs) != 1 {
		t.Fatalf("expected a single unregister broadcast, got %d", len(msgs))
	}
	if s.local[10] {
		t.Fatalf("expected local ownership cleared after unregister")
	}
	if _, ok := s.records[10]; ok {
		t.Fatalf("expected record removed after unregister")
	}
}

func TestStaleHintThenMigratedOwnerResolvesViaFallback(t *testing.T) {
	nbrs := fakeNeighbors{conns: []domain.ConnId{conn(1), conn(2)}}
	s := New(domain.NodeId(1), nbrs, nil)
	staleHint := conn(9)
	s.records[7] = Record{Alias: 7, Owner: domain.NodeId(2), LastSeenFrom: staleHint}

	_, _ = s.Lookup(7, 0)
	out, _ := s.Tick(scanHintTimeoutMillis)
	if len(out) != 2 {
		t.Fatalf("expected broadcast fallback after stale hint, got %d", len(out))
	}

	reply := encodeScanReply(7, s.nextOp, domain.NodeId(3), true)
	_, results := s.OnFrame(conn(2), payloadOf(reply), scanHintTimeoutMillis)
	if len(results) != 1 || results[0].Owner != domain.NodeId(3) {
		t.Fatalf("expected resolved lookup pointing at the migrated owner, got %+v", results)
	}
}
