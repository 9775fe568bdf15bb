// Package alias implements the Node-Alias feature: broadcast-register of a
// human-chosen name, a location-hint cache at every node that forwarded
// the broadcast, and a scan fallback for nodes with no or a stale hint.
// Resolution is weakly consistent by design: simultaneous registrations
// settle by last-writer-wins receipt order at each node.
package alias

import (
	"overlayplane/internal/domain"
	"overlayplane/internal/logger"
)

const (
	defaultBroadcastTTL = 6
	scanHintTimeoutMillis = 200
	scanTimeoutMillis     = 1_000
)

// Record is the local view of one alias: its current owner and the link
// it was most recently heard from (the location hint).
type Record struct {
	Alias        uint64
	Owner        domain.NodeId
	LastSeenFrom domain.ConnId
	RegisteredAt int64
}

// Neighbors supplies the set of live connections for broadcast fan-out.
type Neighbors interface {
	IterActive() []domain.ConnId
}

// pendingScan tracks one in-flight lookup.
type pendingScan struct {
	alias       uint64
	opId        uint32
	deadline    int64
	triedHint   bool
	hintConn    domain.ConnId
}

// Service implements the Node-Alias feature.
type Service struct {
	lgr  logger.Logger
	self domain.NodeId
	nbrs Neighbors

	records map[uint64]Record
	local   map[uint64]bool // aliases owned by this node
	pending map[uint32]*pendingScan
	nextOp  uint32
}

func New(self domain.NodeId, nbrs Neighbors, lgr logger.Logger) *Service {
	if lgr == nil {
		lgr = logger.NopLogger{}
	}
	return &Service{
		lgr:     lgr,
		self:    self,
		nbrs:    nbrs,
		records: map[uint64]Record{},
		local:   map[uint64]bool{},
		pending: map[uint32]*pendingScan{},
	}
}

// Outbound pairs an encoded frame with the connection to send it on.
type Outbound struct {
	Conn domain.ConnId
	Data []byte
}

// LookupResult is delivered to the application once a lookup settles.
type LookupResult struct {
	OpId  uint32
	Alias uint64
	Owner domain.NodeId
	Found bool
}

// Register broadcasts ownership of alias to every live neighbor once.
func (s *Service) Register(alias uint64, nowMillis int64) []Outbound {
	s.local[alias] = true
	s.records[alias] = Record{Alias: alias, Owner: s.self, RegisteredAt: nowMillis}
	return s.broadcast(alias, s.self, kindRegister, defaultBroadcastTTL, domain.ConnId{})
}

// Unregister broadcasts withdrawal of a locally owned alias.
func (s *Service) Unregister(alias uint64) []Outbound {
	delete(s.local, alias)
	delete(s.records, alias)
	return s.broadcast(alias, s.self, kindUnregister, defaultBroadcastTTL, domain.ConnId{})
}

func (s *Service) broadcast(alias uint64, owner domain.NodeId, kind aliasKind, ttl uint8, except domain.ConnId) []Outbound {
	var out []Outbound
	frame := encodeRegisterLike(kind, alias, owner, ttl)
	for _, conn := range s.nbrs.IterActive() {
		if conn == except {
			continue
		}
		out = append(out, Outbound{Conn: conn, Data: frame})
	}
	return out
}

// Lookup resolves alias to its owning NodeId: locally owned aliases
// resolve immediately; a location hint is scanned first with a short
// timeout; otherwise a full broadcast scan is used.
func (s *Service) Lookup(alias uint64, nowMillis int64) (immediate *LookupResult, pending []Outbound) {
	if s.local[alias] {
		return &LookupResult{Alias: alias, Owner: s.self, Found: true}, nil
	}
	s.nextOp++
	opId := s.nextOp
	ps := &pendingScan{alias: alias, opId: opId}

	if rec, ok := s.records[alias]; ok {
		ps.triedHint = true
		ps.hintConn = rec.LastSeenFrom
		ps.deadline = nowMillis + scanHintTimeoutMillis
		s.pending[opId] = ps
		return nil, []Outbound{{Conn: rec.LastSeenFrom, Data: encodeScan(alias, opId, defaultBroadcastTTL)}}
	}

	ps.deadline = nowMillis + scanTimeoutMillis
	s.pending[opId] = ps
	var out []Outbound
	frame := encodeScan(alias, opId, defaultBroadcastTTL)
	for _, conn := range s.nbrs.IterActive() {
		out = append(out, Outbound{Conn: conn, Data: frame})
	}
	return nil, out
}

// Tick expires pending scans: a hinted scan with no answer falls back to a
// full broadcast; a full scan with no answer reports NotFound.
func (s *Service) Tick(nowMillis int64) ([]Outbound, []LookupResult) {
	var out []Outbound
	var results []LookupResult
	for opId, ps := range s.pending {
		if nowMillis < ps.deadline {
			continue
		}
		if ps.triedHint {
			ps.triedHint = false
			ps.deadline = nowMillis + scanTimeoutMillis
			frame := encodeScan(ps.alias, opId, defaultBroadcastTTL)
			for _, conn := range s.nbrs.IterActive() {
				out = append(out, Outbound{Conn: conn, Data: frame})
			}
			continue
		}
		delete(s.pending, opId)
		results = append(results, LookupResult{OpId: opId, Alias: ps.alias, Found: false})
	}
	return out, results
}
