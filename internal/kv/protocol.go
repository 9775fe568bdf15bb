package kv

import (
	"overlayplane/internal/domain"
	"overlayplane/internal/logger"
	"overlayplane/internal/router"
	"overlayplane/internal/wire"
)

// kvKind tags which KV frame a ServiceKeyValue payload carries; wire.ServiceId
// alone cannot distinguish them since they share one service id.
type kvKind uint8

const (
	kindSet kvKind = iota
	kindSetOk
	kindDel
	kindDelOk
	kindSub
	kindSubOk
	kindUnsub
	kindUnsubOk
	kindOnSet
	kindOnSetAck
	kindOnDel
	kindOnDelAck
	kindReconcile
	kindReconcileData
)

// Outbound pairs an encoded frame with the connection to send it on.
type Outbound struct {
	Conn domain.ConnId
	Data []byte
}

func encodeFrame(kind kvKind, body func(w *wire.Writer)) []byte {
	w := wire.NewWriter()
	w.U8(uint8(kind))
	body(w)
	frame, err := wire.Encode(wire.Frame{Service: wire.ServiceKeyValue, Flags: wire.FlagReliable, Payload: w.Bytes()})
	if err != nil {
		return nil
	}
	return frame
}

func (s *Service) replicaTargets(k domain.Key) [2]domain.Key {
	return [2]domain.Key{k, domain.Key{Hash: k.ReplicaHash(), Subkey: k.Subkey}}
}

func (s *Service) forwardVia(dest router.Destination) (domain.ConnId, bool) {
	a := s.rt.PathTo(dest)
	if a.Kind != router.ActionForward {
		return domain.ConnId{}, false
	}
	return a.Via, true
}

// Set stores value locally under source=self and dispatches it toward both
// the key and its XOR replica, registering a retransmit until SetOk.
func (s *Service) Set(k domain.Key, value []byte, version uint64, ttlMillis uint32, nowMillis int64) []Outbound {
	rec := Record{Key: k, Source: s.self, Version: version, Value: value}
	if ttlMillis > 0 {
		rec.ExpiresAt = nowMillis + int64(ttlMillis)
	}
	s.applyLocal(rec)

	var out []Outbound
	for _, target := range s.replicaTargets(k) {
		s.nextOp++
		opId := s.nextOp
		enc := func() []byte {
			return encodeFrame(kindSet, func(w *wire.Writer) {
				w.U32(target.Hash)
				w.U8(target.Subkey)
				w.NodeId(s.self)
				w.U64(version)
				w.U32(ttlMillis)
				w.Blob(value)
				w.U32(opId)
			})
		}
		op := &pendingOp{opId: opId, dest: router.ToClosest(target), encode: enc, nextSend: nowMillis}
		s.pending[opId] = op
		if frame, conn, ok := s.tryEmit(op); ok {
			out = append(out, Outbound{Conn: conn, Data: frame})
		}
	}
	return out
}

// Del marks a key deleted locally (same-or-newer version wins) and
// dispatches the deletion toward both placements.
func (s *Service) Del(k domain.Key, version uint64, nowMillis int64) []Outbound {
	rec := Record{Key: k, Source: s.self, Version: version, deleted: true}
	s.applyLocal(rec)

	var out []Outbound
	for _, target := range s.replicaTargets(k) {
		s.nextOp++
		opId := s.nextOp
		enc := func() []byte {
			return encodeFrame(kindDel, func(w *wire.Writer) {
				w.U32(target.Hash)
				w.U8(target.Subkey)
				w.NodeId(s.self)
				w.U64(version)
				w.U32(opId)
			})
		}
		op := &pendingOp{opId: opId, dest: router.ToClosest(target), encode: enc, nextSend: nowMillis}
		s.pending[opId] = op
		if frame, conn, ok := s.tryEmit(op); ok {
			out = append(out, Outbound{Conn: conn, Data: frame})
		}
	}
	return out
}

// Subscribe registers interest in a key, sending Sub toward the closest
// node for it with retransmit until SubOk.
func (s *Service) Subscribe(k domain.Key, subSession uint32, nowMillis int64) []Outbound {
	id := storeID(k)
	s.subs[id] = &subscriberState{}
	s.nextOp++
	opId := s.nextOp
	enc := func() []byte {
		return encodeFrame(kindSub, func(w *wire.Writer) {
			w.U32(k.Hash)
			w.U8(k.Subkey)
			w.U32(subSession)
			w.U32(opId)
		})
	}
	op := &pendingOp{opId: opId, dest: router.ToClosest(k), key: k, hasKey: true, encode: enc, nextSend: nowMillis}
	s.pending[opId] = op
	if frame, conn, ok := s.tryEmit(op); ok {
		return []Outbound{{Conn: conn, Data: frame}}
	}
	return nil
}

// Unsubscribe withdraws interest, discarding local subscriber state and
// sending Unsub toward the key.
func (s *Service) Unsubscribe(k domain.Key, subSession uint32, nowMillis int64) []Outbound {
	delete(s.subs, storeID(k))
	s.nextOp++
	opId := s.nextOp
	enc := func() []byte {
		return encodeFrame(kindUnsub, func(w *wire.Writer) {
			w.U32(k.Hash)
			w.U8(k.Subkey)
			w.U32(subSession)
			w.U32(opId)
		})
	}
	op := &pendingOp{opId: opId, dest: router.ToClosest(k), encode: enc, nextSend: nowMillis}
	s.pending[opId] = op
	if frame, conn, ok := s.tryEmit(op); ok {
		return []Outbound{{Conn: conn, Data: frame}}
	}
	return nil
}

func (s *Service) tryEmit(op *pendingOp) ([]byte, domain.ConnId, bool) {
	a := s.rt.PathTo(op.dest)
	switch a.Kind {
	case router.ActionLocal:
		delete(s.pending, op.opId) // this node is the responsible node: nothing is sent and the op is dropped
		return nil, domain.ConnId{}, false
	case router.ActionForward:
		return op.encode(), a.Via, true
	default:
		return nil, domain.ConnId{}, false
	}
}

// Tick retransmits every pending op whose deadline elapsed and, on the
// configured reconcile cadence, pushes this node's copy of each locally
// held (key, subkey) group to its XOR-paired placement so the two sides'
// stores converge even after a dropped Set/OnSet.
func (s *Service) Tick(nowMillis int64) []Outbound {
	var out []Outbound
	for _, op := range s.pending {
		if nowMillis < op.nextSend {
			continue
		}
		op.attempts++
		op.nextSend = nowMillis + s.retransmitMillis
		if frame, conn, ok := s.tryEmit(op); ok {
			out = append(out, Outbound{Conn: conn, Data: frame})
		}
	}
	if nowMillis-s.lastReconcile >= s.reconcileMillis {
		s.lastReconcile = nowMillis
		out = append(out, s.reconcileOnce()...)
	}
	return out
}

// reconcileOnce builds one Reconcile frame per locally held (hash, subkey)
// group, carrying every (source, version, deleted, value) entry this node
// has for it, and sends it toward the group's XOR-replica partner.
func (s *Service) reconcileOnce() []Outbound {
	seen := map[uint64]bool{}
	var out []Outbound
	for sk := range s.store {
		id := uint64(sk.hash)<<8 | uint64(sk.subkey)
		if seen[id] {
			continue
		}
		seen[id] = true
		k := domain.Key{Hash: sk.hash, Subkey: sk.subkey}
		partner := domain.Key{Hash: k.ReplicaHash(), Subkey: k.Subkey}
		s.nextOp++
		opId := s.nextOp
		frame := encodeReconcile(kindReconcile, partner, opId, s.localEntriesFor(k))
		if _, via, forward := s.claimOrForward(partner); forward {
			out = append(out, Outbound{Conn: via, Data: frame})
		}
	}
	return out
}

// localEntriesFor returns every locally stored record for the exact
// (hash, subkey) pair k names, tombstones included — reconciliation must
// propagate deletes, unlike Get which only serves live reads.
func (s *Service) localEntriesFor(k domain.Key) []Record {
	var out []Record
	for sk, rec := range s.store {
		if sk.hash == k.Hash && sk.subkey == k.Subkey {
			out = append(out, rec)
		}
	}
	return out
}

func encodeReconcile(kind kvKind, k domain.Key, opId uint32, entries []Record) []byte {
	return encodeFrame(kind, func(w *wire.Writer) {
		w.U32(k.Hash)
		w.U8(k.Subkey)
		w.U32(opId)
		w.U8(uint8(len(entries)))
		for _, rec := range entries {
			w.NodeId(rec.Source)
			w.U64(rec.Version)
			d := uint8(0)
			if rec.deleted {
				d = 1
			}
			w.U8(d)
			w.Blob(rec.Value)
		}
	})
}

func ackOp(kind kvKind, opId uint32, version uint64) []byte {
	return encodeFrame(kind, func(w *wire.Writer) {
		w.U32(opId)
		w.U64(version)
	})
}

func ackOpOnly(kind kvKind, opId uint32) []byte {
	return encodeFrame(kind, func(w *wire.Writer) { w.U32(opId) })
}

// OnFrame decodes and applies one inbound ServiceKeyValue frame, returning
// any frames it produces in response (ACKs, relay fan-out, or a forward).
func (s *Service) OnFrame(from domain.ConnId, payload []byte, nowMillis int64) []Outbound {
	r := wire.NewReader(payload)
	kind := kvKind(r.U8())
	switch kind {
	case kindSet:
		return s.onSet(from, r, nowMillis)
	case kindSetOk:
		return s.onAck(r)
	case kindDel:
		return s.onDel(from, r, nowMillis)
	case kindDelOk:
		return s.onAck(r)
	case kindSub:
		return s.onSub(from, r, nowMillis)
	case kindSubOk:
		return s.onSubOk(r)
	case kindUnsub:
		return s.onUnsub(from, r)
	case kindUnsubOk:
		return s.onAck(r)
	case kindOnSet:
		return s.onOnSet(from, r)
	case kindOnSetAck:
		return s.onAck(r)
	case kindOnDel:
		return s.onOnDel(from, r)
	case kindOnDelAck:
		return s.onAck(r)
	case kindReconcile:
		return s.onReconcile(from, r)
	case kindReconcileData:
		return s.onReconcileData(r)
	default:
		s.lgr.Warn("kv: unknown frame kind, dropping", logger.F("kind", uint8(kind)))
		return nil
	}
}

func (s *Service) onAck(r *wire.Reader) []Outbound {
	opId := r.U32()
	if r.Err() != nil {
		return nil
	}
	delete(s.pending, opId)
	return nil
}

// claimOrForward decides, for a key this node just received a write or
// subscribe for, whether this node is the responsible (closest) node or
// must forward toward it.
func (s *Service) claimOrForward(k domain.Key) (claimed bool, via domain.ConnId, forward bool) {
	a := s.rt.PathTo(router.ToClosest(k))
	switch a.Kind {
	case router.ActionLocal:
		return true, domain.ConnId{}, false
	case router.ActionForward:
		return false, a.Via, true
	default:
		return false, domain.ConnId{}, false
	}
}

func (s *Service) onSet(from domain.ConnId, r *wire.Reader, nowMillis int64) []Outbound {
	hash := r.U32()
	subkey := r.U8()
	source := r.NodeId()
	version := r.U64()
	ttl := r.U32()
	value := r.Blob()
	opId := r.U32()
	if r.Err() != nil {
		return nil
	}
	k := domain.Key{Hash: hash, Subkey: subkey}
	claimed, via, forward := s.claimOrForward(k)
	if forward {
		return []Outbound{{Conn: via, Data: encodeFrame(kindSet, func(w *wire.Writer) {
			w.U32(hash)
			w.U8(subkey)
			w.NodeId(source)
			w.U64(version)
			w.U32(ttl)
			w.Blob(value)
			w.U32(opId)
		})}}
	}
	if !claimed {
		return nil
	}
	rec := Record{Key: k, Source: source, Version: version, Value: value}
	if ttl > 0 {
		rec.ExpiresAt = nowMillis + int64(ttl)
	}
	applied, changed := s.applyLocal(rec)
	out := []Outbound{{Conn: from, Data: ackOp(kindSetOk, opId, version)}}
	if applied && changed {
		out = append(out, s.fanOutOnSet(k, rec)...)
	}
	return out
}

func (s *Service) onDel(from domain.ConnId, r *wire.Reader, nowMillis int64) []Outbound {
	hash := r.U32()
	subkey := r.U8()
	source := r.NodeId()
	version := r.U64()
	opId := r.U32()
	if r.Err() != nil {
		return nil
	}
	k := domain.Key{Hash: hash, Subkey: subkey}
	claimed, via, forward := s.claimOrForward(k)
	if forward {
		return []Outbound{{Conn: via, Data: encodeFrame(kindDel, func(w *wire.Writer) {
			w.U32(hash)
			w.U8(subkey)
			w.NodeId(source)
			w.U64(version)
			w.U32(opId)
		})}}
	}
	if !claimed {
		return nil
	}
	rec := Record{Key: k, Source: source, Version: version, deleted: true}
	applied, changed := s.applyLocal(rec)
	out := []Outbound{{Conn: from, Data: ackOp(kindDelOk, opId, version)}}
	if applied && changed {
		out = append(out, s.fanOutOnDel(k, rec)...)
	}
	return out
}

func (s *Service) fanOutOnSet(k domain.Key, rec Record) []Outbound {
	rs, ok := s.relays[storeID(k)]
	if !ok {
		return nil
	}
	var out []Outbound
	for conn := range rs.downstreams {
		out = append(out, Outbound{Conn: conn, Data: encodeFrame(kindOnSet, func(w *wire.Writer) {
			w.U32(k.Hash)
			w.U8(k.Subkey)
			w.NodeId(rec.Source)
			w.U64(rec.Version)
			w.Blob(rec.Value)
			w.U32(rs.relaySession)
			w.U32(0)
		})})
	}
	return out
}

func (s *Service) fanOutOnDel(k domain.Key, rec Record) []Outbound {
	rs, ok := s.relays[storeID(k)]
	if !ok {
		return nil
	}
	var out []Outbound
	for conn := range rs.downstreams {
		out = append(out, Outbound{Conn: conn, Data: encodeFrame(kindOnDel, func(w *wire.Writer) {
			w.U32(k.Hash)
			w.U8(k.Subkey)
			w.NodeId(rec.Source)
			w.U64(rec.Version)
			w.U32(rs.relaySession)
			w.U32(0)
		})})
	}
	return out
}

func (s *Service) onSub(from domain.ConnId, r *wire.Reader, nowMillis int64) []Outbound {
	hash := r.U32()
	subkey := r.U8()
	subSession := r.U32()
	opId := r.U32()
	if r.Err() != nil {
		return nil
	}
	_ = subSession
	k := domain.Key{Hash: hash, Subkey: subkey}
	claimed, via, forward := s.claimOrForward(k)
	if forward {
		return []Outbound{{Conn: via, Data: encodeFrame(kindSub, func(w *wire.Writer) {
			w.U32(hash)
			w.U8(subkey)
			w.U32(subSession)
			w.U32(opId)
		})}}
	}
	if !claimed {
		return nil
	}
	id := storeID(k)
	rs, ok := s.relays[id]
	if !ok {
		rs = &relayState{downstreams: map[domain.ConnId]bool{}, relaySession: uint32(nowMillis)}
		s.relays[id] = rs
	}
	rs.downstreams[from] = true

	out := []Outbound{{Conn: from, Data: encodeFrame(kindSubOk, func(w *wire.Writer) {
		w.U32(opId)
		w.U32(rs.relaySession)
	})}}
	for _, rec := range s.Get(k) {
		out = append(out, Outbound{Conn: from, Data: encodeFrame(kindOnSet, func(w *wire.Writer) {
			w.U32(hash)
			w.U8(subkey)
			w.NodeId(rec.Source)
			w.U64(rec.Version)
			w.Blob(rec.Value)
			w.U32(rs.relaySession)
			w.U32(0)
		})})
	}
	return out
}

// onSubOk correlates a received SubOk to the subscriber state for the key
// that Subscribe call actually named (carried on the pendingOp since the
// wire frame itself only echoes opId), and locks that state's relay
// session. Two outstanding Subscribe calls for different keys must not be
// able to cross-assign each other's session.
func (s *Service) onSubOk(r *wire.Reader) []Outbound {
	opId := r.U32()
	relaySession := r.U32()
	if r.Err() != nil {
		return nil
	}
	op, ok := s.pending[opId]
	if !ok {
		return nil
	}
	delete(s.pending, opId)
	if !op.hasKey {
		return nil
	}
	if st, ok := s.subs[storeID(op.key)]; ok {
		st.relaySession = relaySession
		st.haveSession = true
	}
	return nil
}

// onReconcile applies a peer's pushed (hash, subkey) group against the
// local store, forwarding it on if this node is no longer the group's
// responsible placement, then replies with this node's own copy of the
// same group so the exchange converges both ways in one round trip.
func (s *Service) onReconcile(from domain.ConnId, r *wire.Reader) []Outbound {
	hash := r.U32()
	subkey := r.U8()
	opId := r.U32()
	count := r.U8()
	type remoteEntry struct {
		source  domain.NodeId
		version uint64
		deleted bool
		value   []byte
	}
	entries := make([]remoteEntry, 0, count)
	for i := 0; i < int(count); i++ {
		entries = append(entries, remoteEntry{
			source:  r.NodeId(),
			version: r.U64(),
			deleted: r.U8() != 0,
			value:   r.Blob(),
		})
	}
	if r.Err() != nil {
		return nil
	}
	k := domain.Key{Hash: hash, Subkey: subkey}
	claimed, via, forward := s.claimOrForward(k)
	if forward {
		reEntries := make([]Record, len(entries))
		for i, e := range entries {
			reEntries[i] = Record{Key: k, Source: e.source, Version: e.version, Value: e.value, deleted: e.deleted}
		}
		return []Outbound{{Conn: via, Data: encodeReconcile(kindReconcile, k, opId, reEntries)}}
	}
	if !claimed {
		return nil
	}
	for _, e := range entries {
		s.applyLocal(Record{Key: k, Source: e.source, Version: e.version, Value: e.value, deleted: e.deleted})
	}
	return []Outbound{{Conn: from, Data: encodeReconcile(kindReconcileData, k, opId, s.localEntriesFor(k))}}
}

// onReconcileData applies the reply leg of a reconciliation round trip;
// it is fire-and-forget, since both sides re-converge again next cycle if
// a reply is lost.
func (s *Service) onReconcileData(r *wire.Reader) []Outbound {
	hash := r.U32()
	subkey := r.U8()
	_ = r.U32() // opId: no pending entry to correlate against, periodic gossip needs no ack
	count := r.U8()
	k := domain.Key{Hash: hash, Subkey: subkey}
	for i := 0; i < int(count); i++ {
		source := r.NodeId()
		version := r.U64()
		deleted := r.U8() != 0
		value := r.Blob()
		if r.Err() != nil {
			return nil
		}
		s.applyLocal(Record{Key: k, Source: source, Version: version, Value: value, deleted: deleted})
	}
	return nil
}

func (s *Service) onUnsub(from domain.ConnId, r *wire.Reader) []Outbound {
	hash := r.U32()
	subkey := r.U8()
	_ = r.U32() // sub_session
	opId := r.U32()
	if r.Err() != nil {
		return nil
	}
	k := domain.Key{Hash: hash, Subkey: subkey}
	id := storeID(k)
	if rs, ok := s.relays[id]; ok {
		delete(rs.downstreams, from)
		if len(rs.downstreams) == 0 {
			delete(s.relays, id)
		}
	}
	return []Outbound{{Conn: from, Data: ackOpOnly(kindUnsubOk, opId)}}
}

func (s *Service) onOnSet(from domain.ConnId, r *wire.Reader) []Outbound {
	hash := r.U32()
	subkey := r.U8()
	source := r.NodeId()
	version := r.U64()
	value := r.Blob()
	relaySession := r.U32()
	opId := r.U32()
	if r.Err() != nil {
		return nil
	}
	k := domain.Key{Hash: hash, Subkey: subkey}
	id := storeID(k)
	st, ok := s.subs[id]
	if !ok || (st.haveSession && st.relaySession != relaySession) {
		return []Outbound{{Conn: from, Data: ackOpOnly(kindOnSetAck, opId)}}
	}
	s.applyLocal(Record{Key: k, Source: source, Version: version, Value: value})
	return []Outbound{{Conn: from, Data: ackOpOnly(kindOnSetAck, opId)}}
}

func (s *Service) onOnDel(from domain.ConnId, r *wire.Reader) []Outbound {
	hash := r.U32()
	subkey := r.U8()
	source := r.NodeId()
	version := r.U64()
	relaySession := r.U32()
	opId := r.U32()
	if r.Err() != nil {
		return nil
	}
	k := domain.Key{Hash: hash, Subkey: subkey}
	id := storeID(k)
	st, ok := s.subs[id]
	if !ok || (st.haveSession && st.relaySession != relaySession) {
		return []Outbound{{Conn: from, Data: ackOpOnly(kindOnDelAck, opId)}}
	}
	s.applyLocal(Record{Key: k, Source: source, Version: version, deleted: true})
	return []Outbound{{Conn: from, Data: ackOpOnly(kindOnDelAck, opId)}}
}
