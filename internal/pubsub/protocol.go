package pubsub

import (
	"overlayplane/internal/domain"
	"overlayplane/internal/logger"
	"overlayplane/internal/wire"
)

type pubsubKind uint8

const (
	kindSub pubsubKind = iota
	kindSubOk
	kindUnsub
	kindUnsubOk
	kindData
)

// IsDataFrame reports whether an encoded ServicePubSub payload carries a
// Data frame, so a caller choosing an outbound drop priority can tell
// high-volume Data traffic apart from low-volume relay-tree control
// traffic without decoding the whole frame.
func IsDataFrame(payload []byte) bool {
	return len(payload) > 0 && pubsubKind(payload[0]) == kindData
}

// OnFrame decodes and applies one inbound ServicePubSub frame.
func (s *Service) OnFrame(from domain.ConnId, payload []byte, nowMillis int64) ([]Outbound, []DataEvent) {
	r := wire.NewReader(payload)
	kind := pubsubKind(r.U8())
	source := r.NodeId()
	channelId := r.U64()
	if r.Err() != nil {
		s.lgr.Warn("pubsub: malformed frame header, dropping")
		return nil, nil
	}
	ch := Channel{Source: source, ChannelId: channelId}

	switch kind {
	case kindSub:
		uuid := r.U64()
		if r.Err() != nil {
			return nil, nil
		}
		return s.onSub(from, ch, uuid, nowMillis), nil
	case kindSubOk:
		uuid := r.U64()
		if r.Err() != nil {
			return nil, nil
		}
		return s.onSubOk(from, ch, uuid), nil
	case kindUnsub:
		return s.onUnsub(from, ch), nil
	case kindUnsubOk:
		return nil, nil
	case kindData:
		payload := r.Blob()
		if r.Err() != nil {
			return nil, nil
		}
		return s.onData(from, ch, payload)
	default:
		s.lgr.Warn("pubsub: unknown frame kind", logger.F("kind", uint8(kind)))
		return nil, nil
	}
}

// onSub: the receiver creates RelayState if absent, records the incoming
// link as a downstream, and forwards Sub upward only if it did not already
// have an upstream for this channel. When the channel's source is this
// node, it answers SubOk directly.
func (s *Service) onSub(from domain.ConnId, ch Channel, uuid uint64, nowMillis int64) []Outbound {
	rs, ok := s.channels[ch]
	if !ok {
		rs = &RelayState{Downstreams: map[domain.ConnId]bool{}, Uuid: uuid, StickyUntil: nowMillis + stickyDurationMillis}
		s.channels[ch] = rs
	} else if rs.Uuid != uuid {
		// source restarted with a new session: reset relay state under the
		// new uuid so stale subscriptions are invalidated.
		rs.Uuid = uuid
		rs.HasUpstream = false
	}
	rs.Downstreams[from] = true

	if ch.Source == s.self {
		return []Outbound{{Conn: from, Data: s.encodeSubOk(ch, uuid)}}
	}
	if rs.HasUpstream {
		return nil
	}
	return s.sendSubUpstream(ch, rs)
}

func (s *Service) encodeSubOk(ch Channel, uuid uint64) []byte {
	w := wire.NewWriter()
	w.U8(uint8(kindSubOk))
	w.NodeId(ch.Source)
	w.U64(ch.ChannelId)
	w.U64(uuid)
	f, _ := wire.Encode(wire.Frame{Service: wire.ServicePubSub, Payload: w.Bytes()})
	return f
}

// onSubOk: uuid is the session the upstream believes it just confirmed. A
// mismatch against this node's own rs.Uuid means the SubOk answers some
// other (stale or crossed) Sub, not the one this node currently holds, so
// the only correct response is to re-send Sub upstream under the uuid
// actually held rather than accept the answer. On a match, this either
// completes a make-before-break switch (old upstream torn down now that
// the new path is confirmed live) or is the first subscribe's relay.
func (s *Service) onSubOk(from domain.ConnId, ch Channel, uuid uint64) []Outbound {
	rs, ok := s.channels[ch]
	if !ok {
		return nil
	}
	if uuid != rs.Uuid {
		return s.sendSubUpstream(ch, rs)
	}
	var out []Outbound
	if rs.switchingUpstream && rs.pendingNewUpstream == from {
		old := rs.Upstream
		rs.Upstream = from
		rs.switchingUpstream = false
		out = append(out, Outbound{Conn: old, Data: s.encodeUnsub(ch)})
	} else {
		rs.Upstream = from
		rs.HasUpstream = true
	}
	for conn := range rs.Downstreams {
		out = append(out, Outbound{Conn: conn, Data: s.encodeSubOk(ch, rs.Uuid)})
	}
	return out
}

// onUnsub removes one downstream; when the last is removed the relay
// emits Unsub upstream and discards state.
func (s *Service) onUnsub(from domain.ConnId, ch Channel) []Outbound {
	rs, ok := s.channels[ch]
	if !ok {
		return nil
	}
	delete(rs.Downstreams, from)
	return s.maybeTeardown(ch, rs)
}

// onData fans a Data frame out to every downstream except the sender, and
// surfaces it to a local application consumer if one is registered. Data
// never consults the Router.
func (s *Service) onData(from domain.ConnId, ch Channel, payload []byte) ([]Outbound, []DataEvent) {
	rs, ok := s.channels[ch]
	if !ok {
		return nil, nil
	}
	out := s.fanOutData(ch, rs, from, payload)
	var events []DataEvent
	if rs.LocalConsumer {
		events = append(events, DataEvent{Channel: ch, Payload: payload})
	}
	return out, events
}
