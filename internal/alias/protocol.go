package alias

import (
	"overlayplane/internal/domain"
	"overlayplane/internal/wire"
)

type aliasKind uint8

const (
	kindRegister aliasKind = iota
	kindUnregister
	kindScan
	kindScanReply
)

func encodeRegisterLike(kind aliasKind, alias uint64, owner domain.NodeId, ttl uint8) []byte {
	w := wire.NewWriter()
	w.U8(uint8(kind))
	w.U64(alias)
	w.NodeId(owner)
	w.U8(ttl)
	f, _ := wire.Encode(wire.Frame{Service: wire.ServiceNodeAlias, Flags: wire.FlagBroadcast, Payload: w.Bytes()})
	return f
}

func encodeScan(alias uint64, opId uint32, ttl uint8) []byte {
	w := wire.NewWriter()
	w.U8(uint8(kindScan))
	w.U64(alias)
	w.U32(opId)
	w.U8(ttl)
	f, _ := wire.Encode(wire.Frame{Service: wire.ServiceNodeAlias, Payload: w.Bytes()})
	return f
}

func encodeScanReply(alias uint64, opId uint32, owner domain.NodeId, found bool) []byte {
	w := wire.NewWriter()
	w.U8(uint8(kindScanReply))
	w.U64(alias)
	w.U32(opId)
	w.NodeId(owner)
	if found {
		w.U8(1)
	} else {
		w.U8(0)
	}
	f, _ := wire.Encode(wire.Frame{Service: wire.ServiceNodeAlias, Payload: w.Bytes()})
	return f
}

// OnFrame decodes and applies one inbound ServiceNodeAlias frame.
func (s *Service) OnFrame(from domain.ConnId, payload []byte, nowMillis int64) ([]Outbound, []LookupResult) {
	r := wire.NewReader(payload)
	kind := aliasKind(r.U8())
	switch kind {
	case kindRegister, kindUnregister:
		alias := r.U64()
		owner := r.NodeId()
		ttl := r.U8()
		if r.Err() != nil {
			return nil, nil
		}
		return s.onRegisterLike(from, kind, alias, owner, ttl, nowMillis), nil
	case kindScan:
		alias := r.U64()
		opId := r.U32()
		ttl := r.U8()
		if r.Err() != nil {
			return nil, nil
		}
		return s.onScan(from, alias, opId, ttl), nil
	case kindScanReply:
		alias := r.U64()
		opId := r.U32()
		owner := r.NodeId()
		found := r.U8() != 0
		if r.Err() != nil {
			return nil, nil
		}
		return nil, s.onScanReply(alias, opId, owner, found)
	default:
		return nil, nil
	}
}

// onRegisterLike applies last-writer-wins by receipt order, records the
// incoming link as the location hint, and rebroadcasts with a decremented
// TTL (dropping the frame once TTL is exhausted).
func (s *Service) onRegisterLike(from domain.ConnId, kind aliasKind, alias uint64, owner domain.NodeId, ttl uint8, nowMillis int64) []Outbound {
	if kind == kindUnregister {
		if rec, ok := s.records[alias]; ok && rec.Owner == owner {
			delete(s.records, alias)
		}
	} else {
		s.records[alias] = Record{Alias: alias, Owner: owner, LastSeenFrom: from, RegisteredAt: nowMillis}
	}
	if ttl == 0 {
		return nil
	}
	return s.broadcast(alias, owner, kind, ttl-1, from)
}

// onScan answers ScanReply when this node owns the alias or holds a
// record for it; it otherwise forwards the scan with a decremented TTL.
func (s *Service) onScan(from domain.ConnId, alias uint64, opId uint32, ttl uint8) []Outbound {
	if s.local[alias] {
		return []Outbound{{Conn: from, Data: encodeScanReply(alias, opId, s.self, true)}}
	}
	if rec, ok := s.records[alias]; ok {
		return []Outbound{{Conn: from, Data: encodeScanReply(alias, opId, rec.Owner, true)}}
	}
	if ttl == 0 {
		return nil
	}
	var out []Outbound
	for _, conn := range s.nbrs.IterActive() {
		if conn == from {
			continue
		}
		w := wire.NewWriter()
		w.U8(uint8(kindScan))
		w.U64(alias)
		w.U32(opId)
		w.U8(ttl - 1)
		f, _ := wire.Encode(wire.Frame{Service: wire.ServiceNodeAlias, Payload: w.Bytes()})
		out = append(out, Outbound{Conn: conn, Data: f})
	}
	return out
}

func (s *Service) onScanReply(alias uint64, opId uint32, owner domain.NodeId, found bool) []LookupResult {
	ps, ok := s.pending[opId]
	if !ok {
		return nil
	}
	delete(s.pending, opId)
	_ = alias
	if found {
		s.records[alias] = Record{Alias: alias, Owner: owner}
	}
	return []LookupResult{{OpId: opId, Alias: ps.alias, Owner: owner, Found: found}}
}
