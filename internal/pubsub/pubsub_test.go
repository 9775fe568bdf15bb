package pubsub

import (
	"testing"

	"overlayplane/internal/domain"
	"overlayplane/internal/router"
	"overlayplane/internal/wire"
)

type fakeRouter struct {
	via domain.ConnId
	ok  bool
}

func (f fakeRouter) PathTo(router.Destination) router.Action {
	if !f.ok {
		return router.Action{Kind: router.ActionDrop}
	}
	return router.Action{Kind: router.ActionForward, Via: f.via}
}

type alwaysLive struct{}

func (alwaysLive) IsLive(domain.ConnId) bool { return true }

func upConn(n uint32) domain.ConnId { return domain.ConnId{Local: n} }

func TestSubscribeSendsSubUpstreamOnce(t *testing.T) {
	up := upConn(1)
	s := New(domain.NodeId(2), fakeRouter{via: up, ok: true}, alwaysLive{}, nil)
	ch := Channel{Source: domain.NodeId(99), ChannelId: 1}

	out1 := s.Subscribe(ch, 42)
	if len(out1) != 1 {
		t.Fatalf("expected one Sub frame, got %d", len(out1))
	}
	out2 := s.Subscribe(ch, 42)
	if len(out2) != 0 {
		t.Fatalf("expected second Subscribe (already has upstream) to send nothing, got %d", len(out2))
	}
}

func TestSubIdempotentFromSameLink(t *testing.T) {
	s := New(domain.NodeId(1), fakeRouter{ok: false}, alwaysLive{}, nil)
	ch := Channel{Source: domain.NodeId(1), ChannelId: 1}
	from := upConn(5)

	s.OnFrame(from, encodeSubPayload(ch, 7), 0)
	s.OnFrame(from, encodeSubPayload(ch, 7), 0)

	if n := len(s.channels[ch].Downstreams); n != 1 {
		t.Fatalf("expected idempotent Sub from the same link to yield one downstream, got %d", n)
	}
}

func TestDataFansOutExcludingSender(t *testing.T) {
	s := New(domain.NodeId(1), fakeRouter{ok: false}, alwaysLive{}, nil)
	ch := Channel{Source: domain.NodeId(1), ChannelId: 1}
	a, b := upConn(1), upConn(2)
	s.OnFrame(a, encodeSubPayload(ch, 1), 0)
	s.OnFrame(b, encodeSubPayload(ch, 1), 0)

	out := s.Publish(ch, []byte("hi"))
	if len(out) != 2 {
		t.Fatalf("expected fan-out to both downstreams, got %d", len(out))
	}

	df, _, _, _ := wire.Decode(encodeData(ch, []byte("hi")))
	relayed, _ := s.OnFrame(a, df.Payload, 0)
	if len(relayed) != 1 || relayed[0].Conn != b {
		t.Fatalf("expected Data from a to be relayed to b only, got %+v", relayed)
	}
}

func TestUnsubscribeRestoresEmptyState(t *testing.T) {
	s := New(domain.NodeId(2), fakeRouter{via: upConn(1), ok: true}, alwaysLive{}, nil)
	ch := Channel{Source: domain.NodeId(99), ChannelId: 1}
	s.Subscribe(ch, 1)
	s.Unsubscribe(ch)
	if _, ok := s.channels[ch]; ok {
		t.Fatalf("expected channel state to be discarded after last unsubscribe")
	}
}

func TestOnUpstreamDownTeardownsChannel(t *testing.T) {
	s := New(domain.NodeId(2), fakeRouter{via: upConn(1), ok: true}, alwaysLive{}, nil)
	ch := Channel{Source: domain.NodeId(99), ChannelId: 1}
	s.Subscribe(ch, 1)
	downstream := upConn(3)
	s.channels[ch].Downstreams[downstream] = true

	out := s.OnUpstreamDown(upConn(1), 0)
	if len(out) != 1 || out[0].Conn != downstream {
		t.Fatalf("expected synthetic unsub toward downstream, got %+v", out)
	}
	if _, ok := s.channels[ch]; ok {
		t.Fatalf("expected relay state discarded after upstream loss")
	}
}

func encodeSubPayload(ch Channel, uuid uint64) []byte {
	svc := New(domain.NodeId(0), fakeRouter{ok: false}, alwaysLive{}, nil)
	full := svc.encodeSub(ch, uuid)
	f, _, _, _ := wire.Decode(full)
	return f.Payload
}

func encodeSubOkPayload(ch Channel, uuid uint64) []byte {
	svc := New(domain.NodeId(0), fakeRouter{ok: false}, alwaysLive{}, nil)
	full := svc.encodeSubOk(ch, uuid)
	f, _, _, _ := wire.Decode(full)
	return f.Payload
}

func TestOnSubOkMatchingUuidConfirmsUpstream(t *testing.T) {
	up := upConn(1)
	s := New(domain.NodeId(2), fakeRouter{via: up, ok: true}, alwaysLive{}, nil)
	ch := Channel{Source: domain.NodeId(99), ChannelId: 1}
	s.Subscribe(ch, 42)

	s.OnFrame(up, encodeSubOkPayload(ch, 42), 0)

	rs := s.channels[ch]
	if !rs.HasUpstream || rs.Upstream != up {
		t.Fatalf("expected matching-uuid SubOk to confirm the upstream, got %+v", rs)
	}
}

func TestOnSubOkMismatchedUuidResendsSubInstead(t *testing.T) {
	up := upConn(1)
	s := New(domain.NodeId(2), fakeRouter{via: up, ok: true}, alwaysLive{}, nil)
	ch := Channel{Source: domain.NodeId(99), ChannelId: 1}
	s.Subscribe(ch, 42)

	out, _ := s.OnFrame(up, encodeSubOkPayload(ch, 999), 0)

	if len(out) != 1 {
		t.Fatalf("expected a single re-sent Sub frame on uuid mismatch, got %d", len(out))
	}
	rf, _, _, _ := wire.Decode(out[0].Data)
	if pubsubKind(rf.Payload[0]) != kindSub {
		t.Fatalf("expected the mismatch response to be a re-sent Sub frame")
	}
	r := wire.NewReader(rf.Payload[1:])
	_ = r.NodeId()
	_ = r.U64()
	resentUuid := r.U64()
	if resentUuid != 42 {
		t.Fatalf("expected the re-sent Sub to carry this node's own uuid (42), got %d", resentUuid)
	}
}
