// Package pubsub implements the relay-tree Pub/Sub feature: consumers
// subscribe toward a named channel source, intermediate nodes become
// relays that fan data out to their downstreams, and the path is sticky
// for a bounded window to avoid thrashing on transient metric changes.
package pubsub

import (
	"overlayplane/internal/domain"
	"overlayplane/internal/logger"
	"overlayplane/internal/router"
	"overlayplane/internal/wire"
)

const (
	stickyDurationMillis = 5 * 60_000
)

// Channel identifies a pubsub topic anchored at a source.
type Channel struct {
	Source    domain.NodeId
	ChannelId uint64
}

// RelayState is the per-channel state held at every node on its delivery
// tree: the source itself (Upstream absent), a relay (both set), or a
// plain leaf subscriber (no downstreams, one upstream).
type RelayState struct {
	HasUpstream   bool
	Upstream      domain.ConnId
	Downstreams   map[domain.ConnId]bool
	Uuid          uint64
	StickyUntil   int64
	LocalConsumer bool

	// switchingUpstream and pendingNewUpstream track a make-before-break
	// refresh in progress: a Sub was sent along a new path but the old
	// upstream is not torn down until SubOk arrives on the new one.
	switchingUpstream bool
	pendingNewUpstream domain.ConnId
}

// Router is the narrow seam pubsub needs: resolving the next hop toward a
// channel's source.
type Router interface {
	PathTo(router.Destination) router.Action
}

// LiveChecker reports connection liveness, used to detect upstream loss.
type LiveChecker interface {
	IsLive(domain.ConnId) bool
}

// Service implements the Pub/Sub feature as a pure step machine.
type Service struct {
	lgr  logger.Logger
	self domain.NodeId
	rt   Router
	live LiveChecker

	channels map[Channel]*RelayState
}

func New(self domain.NodeId, rt Router, live LiveChecker, lgr logger.Logger) *Service {
	if lgr == nil {
		lgr = logger.NopLogger{}
	}
	return &Service{lgr: lgr, self: self, rt: rt, live: live, channels: map[Channel]*RelayState{}}
}

// Outbound pairs an encoded frame with the connection to send it on.
type Outbound struct {
	Conn domain.ConnId
	Data []byte
}

// DataEvent is a Data frame delivered to a local application subscriber.
type DataEvent struct {
	Channel Channel
	Payload []byte
}

// Publish is called at the source to fan Data out to every downstream of
// its own (rootless) RelayState.
func (s *Service) Publish(ch Channel, payload []byte) []Outbound {
	rs, ok := s.channels[ch]
	if !ok {
		return nil
	}
	return s.fanOutData(ch, rs, domain.ConnId{}, payload)
}

func (s *Service) fanOutData(ch Channel, rs *RelayState, except domain.ConnId, payload []byte) []Outbound {
	var out []Outbound
	for conn := range rs.Downstreams {
		if conn == except {
			continue
		}
		out = append(out, Outbound{Conn: conn, Data: encodeData(ch, payload)})
	}
	return out
}

func encodeData(ch Channel, payload []byte) []byte {
	w := wire.NewWriter()
	w.U8(uint8(kindData))
	w.NodeId(ch.Source)
	w.U64(ch.ChannelId)
	w.Blob(payload)
	f, _ := wire.Encode(wire.Frame{Service: wire.ServicePubSub, Payload: w.Bytes()})
	return f
}

// Subscribe registers local application interest in ch, sending Sub
// upstream if this node does not already have one for ch.
func (s *Service) Subscribe(ch Channel, uuid uint64) []Outbound {
	rs, ok := s.channels[ch]
	if !ok {
		rs = &RelayState{Downstreams: map[domain.ConnId]bool{}, Uuid: uuid}
		s.channels[ch] = rs
	}
	rs.LocalConsumer = true
	if rs.HasUpstream || ch.Source == s.self {
		return nil
	}
	return s.sendSubUpstream(ch, rs)
}

func (s *Service) sendSubUpstream(ch Channel, rs *RelayState) []Outbound {
	a := s.rt.PathTo(router.ToNode(ch.Source))
	if a.Kind != router.ActionForward {
		return nil
	}
	rs.Upstream = a.Via
	rs.HasUpstream = true
	return []Outbound{{Conn: a.Via, Data: s.encodeSub(ch, rs.Uuid)}}
}

func (s *Service) encodeSub(ch Channel, uuid uint64) []byte {
	w := wire.NewWriter()
	w.U8(uint8(kindSub))
	w.NodeId(ch.Source)
	w.U64(ch.ChannelId)
	w.U64(uuid)
	f, _ := wire.Encode(wire.Frame{Service: wire.ServicePubSub, Payload: w.Bytes()})
	return f
}

// Unsubscribe removes the local consumer marker; if no downstreams remain,
// the relay state is torn down and Unsub is sent upstream.
func (s *Service) Unsubscribe(ch Channel) []Outbound {
	rs, ok := s.channels[ch]
	if !ok {
		return nil
	}
	rs.LocalConsumer = false
	return s.maybeTeardown(ch, rs)
}

func (s *Service) maybeTeardown(ch Channel, rs *RelayState) []Outbound {
	if rs.LocalConsumer || len(rs.Downstreams) > 0 {
		return nil
	}
	var out []Outbound
	if rs.HasUpstream {
		out = append(out, Outbound{Conn: rs.Upstream, Data: s.encodeUnsub(ch)})
	}
	delete(s.channels, ch)
	return out
}

func (s *Service) encodeUnsub(ch Channel) []byte {
	w := wire.NewWriter()
	w.U8(uint8(kindUnsub))
	w.NodeId(ch.Source)
	w.U64(ch.ChannelId)
	f, _ := wire.Encode(wire.Frame{Service: wire.ServicePubSub, Payload: w.Bytes()})
	return f
}

// OnUpstreamDown synthesizes an Unsub toward every downstream of every
// channel whose upstream just died, so each downstream independently
// re-subscribes through its own router (fast local recovery), then drops
// the relay state.
func (s *Service) OnUpstreamDown(dead domain.ConnId, nowMillis int64) []Outbound {
	var out []Outbound
	for ch, rs := range s.channels {
		if !rs.HasUpstream || rs.Upstream != dead {
			continue
		}
		for conn := range rs.Downstreams {
			out = append(out, Outbound{Conn: conn, Data: s.encodeUnsub(ch)})
		}
		delete(s.channels, ch)
	}
	return out
}

// Tick re-evaluates sticky routing: once sticky_duration has elapsed,
// re-queries the Router and, if a better upstream exists, subscribes
// along the new path before tearing down the old one (make-before-break).
func (s *Service) Tick(nowMillis int64) []Outbound {
	var out []Outbound
	for ch, rs := range s.channels {
		if !rs.HasUpstream || ch.Source == s.self {
			continue
		}
		if nowMillis < rs.StickyUntil {
			continue
		}
		a := s.rt.PathTo(router.ToNode(ch.Source))
		if a.Kind != router.ActionForward || a.Via == rs.Upstream {
			rs.StickyUntil = nowMillis + stickyDurationMillis
			continue
		}
		out = append(out, Outbound{Conn: a.Via, Data: s.encodeSub(ch, rs.Uuid)})
		rs.switchingUpstream = true
		rs.pendingNewUpstream = a.Via
	}
	return out
}
