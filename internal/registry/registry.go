// Package registry implements the Connection Registry: the single owner of
// the mapping from a locally-minted ConnId to its remote node, Transport
// handle, measured LinkMetric, and liveness. It is driven entirely by the
// plane dispatcher's single event loop and holds no lock — every method is
// a plain state transition called from that one goroutine.
package registry

import (
	"sort"

	"overlayplane/internal/domain"
	"overlayplane/internal/logger"
	"overlayplane/internal/transport"
)

// missesBeforeDead is the number of consecutive missed keepalive probes
// (at the configured probe interval) after which a connection is
// considered dead.
const missesBeforeDead = 3

// entry is the registry's private per-connection record.
type entry struct {
	id       domain.ConnId
	handle   transport.ConnHandle
	metric   domain.LinkMetric
	misses   int
	lastSeen int64 // unix millis of the last inbound activity or measurement
}

// Registry owns every active connection's identity, handle, and liveness.
type Registry struct {
	lgr    logger.Logger
	self   domain.NodeId
	nextID uint32
	conns  map[domain.ConnId]*entry
	byHdl  map[transport.ConnHandle]domain.ConnId
	epoch  uint32 // rolled once per process start, carried in every minted ConnId
}

// New constructs a Registry for self, stamping every minted ConnId with
// epoch (normally the node's own session counter, so peers can tell apart
// connections across a restart).
func New(lgr logger.Logger, self domain.NodeId, epoch uint32) *Registry {
	return &Registry{
		lgr:   lgr,
		self:  self,
		conns: map[domain.ConnId]*entry{},
		byHdl: map[transport.ConnHandle]domain.ConnId{},
		epoch: epoch,
	}
}

// OnConnected mints a ConnId for a newly completed handshake. It rejects a
// connection to self. A connection to a remote that already has an active
// connection is rejected unless its direction value is lower than that of
// every existing one; an accepted newcomer is added beside the existing
// connection, which stays active. Epochs are not compared.
func (r *Registry) OnConnected(remote domain.NodeId, dir domain.Direction, h transport.ConnHandle) (domain.ConnId, bool) {
	if remote == r.self {
		r.lgr.Warn("rejected self-connection attempt")
		return domain.ConnId{}, false
	}
	for _, e := range r.conns {
		if e.id.RemoteNode != remote {
			continue
		}
		if dir >= e.id.Dir {
			r.lgr.Debug("duplicate connection to remote superseded by existing", logger.FNodeId("remote", remote))
			return domain.ConnId{}, false
		}
	}
	r.nextID++
	id := domain.ConnId{Local: r.nextID, RemoteNode: remote, Dir: dir, Epoch: r.epoch}
	r.conns[id] = &entry{id: id, handle: h}
	r.byHdl[h] = id
	return id, true
}

// OnDisconnected removes a connection. The caller (the dispatcher) is
// responsible for the withdrawal cascade in the Router; the registry only
// forgets the connection itself.
func (r *Registry) OnDisconnected(id domain.ConnId) {
	e, ok := r.conns[id]
	if !ok {
		return
	}
	delete(r.byHdl, e.handle)
	delete(r.conns, id)
}

// OnMeasurement records a fresh LinkMetric sample (RTT from a keepalive
// probe; bandwidth/loss annotated by the Transport) and resets the miss
// counter, since a measurement implies the link answered.
func (r *Registry) OnMeasurement(id domain.ConnId, m domain.LinkMetric, nowMillis int64) {
	e, ok := r.conns[id]
	if !ok {
		return
	}
	e.metric = m
	e.misses = 0
	e.lastSeen = nowMillis
}

// OnProbeSent is called once per keepalive interval per connection; it
// increments the miss counter and reports whether the connection just
// crossed the dead threshold.
func (r *Registry) OnProbeSent(id domain.ConnId) (dead bool) {
	e, ok := r.conns[id]
	if !ok {
		return false
	}
	e.misses++
	return e.misses >= missesBeforeDead
}

// Lookup returns the current metric and handle for an active ConnId.
func (r *Registry) Lookup(id domain.ConnId) (handle transport.ConnHandle, metric domain.LinkMetric, ok bool) {
	e, ok := r.conns[id]
	if !ok {
		return 0, domain.LinkMetric{}, false
	}
	return e.handle, e.metric, true
}

// HandleOf maps a transport.ConnHandle back to the ConnId it was minted
// for, used when the dispatcher receives a transport.Event.
func (r *Registry) HandleOf(h transport.ConnHandle) (domain.ConnId, bool) {
	id, ok := r.byHdl[h]
	return id, ok
}

// IsLive reports whether id names a currently tracked connection.
func (r *Registry) IsLive(id domain.ConnId) bool {
	_, ok := r.conns[id]
	return ok
}

// IterActive returns every active ConnId in a deterministic (sorted by
// Local) order, for debugging and for snapshot-style exports.
func (r *Registry) IterActive() []domain.ConnId {
	out := make([]domain.ConnId, 0, len(r.conns))
	for id := range r.conns {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Local < out[j].Local })
	return out
}
