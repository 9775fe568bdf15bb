// Package router implements the Layers-Spread Routing Table: four stacked
// tables indexed by NodeId layer, keyed by (destination-byte, via-neighbor)
// with best-metric selection. It is a pure state machine — every method is
// called synchronously from the plane dispatcher's single event loop and
// none of it takes a lock.
package router

import (
	"sort"

	"overlayplane/internal/domain"
	"overlayplane/internal/logger"
)

const (
	numLayers = 4
	slotsPerLayer = 256
	// MaxEntriesPerSlot is N: up to this many candidate RouteEntries are
	// kept per slot, sorted by metric; the worst is evicted on overflow.
	MaxEntriesPerSlot = 4
)

// RouteEntry is one candidate next-hop for one destination byte in one
// layer table.
type RouteEntry struct {
	DestLayerKey byte
	Via          domain.ConnId
	Metric       domain.LinkMetric
	Hops         uint8
	Session      uint32
	lastRefresh  int64 // unix millis, bumped on every accepted re-install
}

// ServiceEntry is one candidate next-hop for a service advertisement.
type ServiceEntry struct {
	Via     domain.ConnId
	Metric  domain.LinkMetric
	Hops    uint8
	Session uint32
}

// Destination selects which path_to algorithm to run.
type Destination struct {
	kind    destKind
	node    domain.NodeId
	key     domain.Key
	service uint8
}

type destKind int

const (
	destNode destKind = iota
	destClosest
	destService
)

func ToNode(id domain.NodeId) Destination  { return Destination{kind: destNode, node: id} }
func ToClosest(k domain.Key) Destination   { return Destination{kind: destClosest, key: k} }
func ToService(id uint8) Destination       { return Destination{kind: destService, service: id} }

// ActionKind is the outcome of a path_to query.
type ActionKind int

const (
	ActionLocal ActionKind = iota
	ActionForward
	ActionDrop
)

// Action is the result of path_to: forward via a connection, handle
// locally, or drop for lack of any route or local capability.
type Action struct {
	Kind ActionKind
	Via  domain.ConnId
}

// LiveChecker reports whether a ConnId still names a live connection; the
// Router asks the Connection Registry through this narrow seam rather than
// depending on it directly.
type LiveChecker interface {
	IsLive(domain.ConnId) bool
}

// Option configures a Router at construction time.
type Option func(*Router)

func WithLogger(l logger.Logger) Option { return func(r *Router) { r.lgr = l } }
func WithMaxHops(n uint8) Option        { return func(r *Router) { r.maxHops = n } }
func WithEntryTTL(ms int64) Option      { return func(r *Router) { r.entryTTLMillis = ms } }

// Router is the Layers-Spread routing table for one node.
type Router struct {
	lgr     logger.Logger
	self    domain.NodeId
	live    LiveChecker
	maxHops uint8
	entryTTLMillis int64

	layers [numLayers][slotsPerLayer][]RouteEntry
	// sessions tracks, per (via, layer, destByte), the newest session seen
	// from that via so stale re-advertisements are rejected even after the
	// entry itself has been evicted by TTL.
	sessions map[sessionKey]uint32
	// services maps a service id to its candidate next-hops.
	services map[uint8][]ServiceEntry
	selfServices map[uint8]bool
}

type sessionKey struct {
	via       domain.ConnId
	layer     int
	destByte  byte
}

// New constructs a Router for self. maxHops defaults to 16 and entry TTL to
// 30s unless overridden by options.
func New(self domain.NodeId, live LiveChecker, opts ...Option) *Router {
	r := &Router{
		lgr:            logger.NopLogger{},
		self:           self,
		live:           live,
		maxHops:        16,
		entryTTLMillis: 30_000,
		sessions:       map[sessionKey]uint32{},
		services:       map[uint8][]ServiceEntry{},
		selfServices:   map[uint8]bool{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AdvertiseLocal marks a service id as locally handled, so PathTo(ToService)
// can resolve it to ActionLocal.
func (r *Router) AdvertiseLocal(serviceId uint8) { r.selfServices[serviceId] = true }

// PathTo answers a next-hop query for destination.
func (r *Router) PathTo(dest Destination) Action {
	switch dest.kind {
	case destNode:
		return r.pathToNode(dest.node)
	case destClosest:
		return r.pathToClosest(dest.key)
	case destService:
		return r.pathToService(dest.service)
	default:
		return Action{Kind: ActionDrop}
	}
}

func (r *Router) pathToNode(dest domain.NodeId) Action {
	if dest == r.self {
		return Action{Kind: ActionLocal}
	}
	selfBytes, destBytes := r.self.Bytes(), dest.Bytes()
	layer := -1
	for k := 0; k < numLayers; k++ {
		if selfBytes[k] != destBytes[k] {
			layer = k
			break
		}
	}
	if layer < 0 {
		return Action{Kind: ActionLocal}
	}
	return r.bestInSlot(layer, destBytes[layer])
}

func (r *Router) pathToClosest(key domain.Key) Action {
	target := key.PlacementTarget(false)
	selfBytes, targetBytes := r.self.Bytes(), target.Bytes()
	for k := 0; k < numLayers; k++ {
		if selfBytes[k] == targetBytes[k] {
			continue
		}
		return r.bestInSlot(k, targetBytes[k])
	}
	return Action{Kind: ActionLocal}
}

func (r *Router) pathToService(id uint8) Action {
	if r.selfServices[id] {
		return Action{Kind: ActionLocal}
	}
	candidates := r.services[id]
	var best *ServiceEntry
	for i := range candidates {
		e := &candidates[i]
		if !r.live.IsLive(e.Via) {
			continue
		}
		if best == nil || r.lessService(*e, *best) {
			best = e
		}
	}
	if best == nil {
		return Action{Kind: ActionDrop}
	}
	return Action{Kind: ActionForward, Via: best.Via}
}

// bestInSlot selects the best live entry in T[layer][destByte], applying
// the tie-break order: lower hops, then better metric, then lower via
// node-id.
func (r *Router) bestInSlot(layer int, destByte byte) Action {
	slot := r.layers[layer][destByte]
	var best *RouteEntry
	for i := range slot {
		e := &slot[i]
		if !r.live.IsLive(e.Via) {
			continue
		}
		if best == nil || r.lessEntry(*e, *best) {
			best = e
		}
	}
	if best == nil {
		return Action{Kind: ActionDrop}
	}
	return Action{Kind: ActionForward, Via: best.Via}
}

func (r *Router) lessEntry(a, b RouteEntry) bool {
	if a.Hops != b.Hops {
		return a.Hops < b.Hops
	}
	if a.Metric != b.Metric {
		return a.Metric.Less(b.Metric)
	}
	return a.Via.RemoteNode < b.Via.RemoteNode
}

func (r *Router) lessService(a, b ServiceEntry) bool {
	if a.Hops != b.Hops {
		return a.Hops < b.Hops
	}
	if a.Metric != b.Metric {
		return a.Metric.Less(b.Metric)
	}
	return a.Via.RemoteNode < b.Via.RemoteNode
}

// Install applies a single advertised route to T[layer][destByte]. It
// returns false when the advertisement was rejected: stale session,
// hop overflow, or via == self.
func (r *Router) Install(layer int, destByte byte, via domain.ConnId, metric domain.LinkMetric, hops uint8, session uint32, nowMillis int64) bool {
	if via.RemoteNode == r.self {
		return false
	}
	if hops >= r.maxHops {
		return false
	}
	key := sessionKey{via: via, layer: layer, destByte: destByte}
	if prev, ok := r.sessions[key]; ok && session < prev {
		return false
	}
	r.sessions[key] = session

	slot := r.layers[layer][destByte]
	for i := range slot {
		if slot[i].Via == via {
			slot[i].Metric = metric
			slot[i].Hops = hops
			slot[i].Session = session
			slot[i].lastRefresh = nowMillis
			r.layers[layer][destByte] = slot
			return true
		}
	}
	entry := RouteEntry{DestLayerKey: destByte, Via: via, Metric: metric, Hops: hops, Session: session, lastRefresh: nowMillis}
	slot = append(slot, entry)
	sort.Slice(slot, func(i, j int) bool { return r.lessEntry(slot[i], slot[j]) })
	if len(slot) > MaxEntriesPerSlot {
		slot = slot[:MaxEntriesPerSlot]
	}
	r.layers[layer][destByte] = slot
	return true
}

// InstallService records via as a candidate next-hop for a service id,
// applied atomically alongside the route entries carrying it in the same
// sync frame.
func (r *Router) InstallService(serviceId uint8, via domain.ConnId, metric domain.LinkMetric, hops uint8, session uint32) {
	if via.RemoteNode == r.self || hops >= r.maxHops {
		return
	}
	cands := r.services[serviceId]
	for i := range cands {
		if cands[i].Via == via {
			cands[i].Metric, cands[i].Hops, cands[i].Session = metric, hops, session
			return
		}
	}
	r.services[serviceId] = append(cands, ServiceEntry{Via: via, Metric: metric, Hops: hops, Session: session})
}

// WithdrawVia removes every entry (route and service) whose via is id; it
// is called when the Connection Registry reports a disconnection.
func (r *Router) WithdrawVia(id domain.ConnId) {
	for layer := 0; layer < numLayers; layer++ {
		for b := 0; b < slotsPerLayer; b++ {
			slot := r.layers[layer][b]
			out := slot[:0]
			for _, e := range slot {
				if e.Via != id {
					out = append(out, e)
				}
			}
			r.layers[layer][b] = out
		}
	}
	for sid, cands := range r.services {
		out := cands[:0]
		for _, c := range cands {
			if c.Via != id {
				out = append(out, c)
			}
		}
		r.services[sid] = out
	}
}

// EvictExpired removes entries not refreshed within entry TTL. It is
// called once per tick from the dispatcher's Tick.
func (r *Router) EvictExpired(nowMillis int64) {
	cutoff := nowMillis - r.entryTTLMillis
	for layer := 0; layer < numLayers; layer++ {
		for b := 0; b < slotsPerLayer; b++ {
			slot := r.layers[layer][b]
			out := slot[:0]
			for _, e := range slot {
				if e.lastRefresh >= cutoff {
					out = append(out, e)
				}
			}
			r.layers[layer][b] = out
		}
	}
}

// LocalServices returns the set of service ids this node advertises
// locally, for inclusion in every sync frame regardless of neighbor.
func (r *Router) LocalServices() []uint8 {
	out := make([]uint8, 0, len(r.selfServices))
	for id := range r.selfServices {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ServicesViaOtherThan mirrors RoutesViaOtherThan for the service
// advertisement table.
func (r *Router) ServicesViaOtherThan(exclude domain.ConnId) map[uint8]ServiceEntry {
	out := map[uint8]ServiceEntry{}
	for sid, cands := range r.services {
		var best *ServiceEntry
		for i := range cands {
			c := &cands[i]
			if c.Via == exclude || !r.live.IsLive(c.Via) {
				continue
			}
			if best == nil || r.lessService(*c, *best) {
				best = c
			}
		}
		if best != nil {
			out[sid] = *best
		}
	}
	return out
}

// Dump exports a read-only, coherent snapshot of every stored entry across
// all four layers, for debugging and the admin console.
func (r *Router) Dump() [numLayers][slotsPerLayer][]RouteEntry {
	var out [numLayers][slotsPerLayer][]RouteEntry
	for layer := 0; layer < numLayers; layer++ {
		for b := 0; b < slotsPerLayer; b++ {
			src := r.layers[layer][b]
			cp := make([]RouteEntry, len(src))
			copy(cp, src)
			out[layer][b] = cp
		}
	}
	return out
}

// SyncEntry is one advertised route, tagged with the layer table it came
// from (RouteEntry alone does not carry this).
type SyncEntry struct {
	Layer int
	RouteEntry
}

// RoutesViaOtherThan returns, for every (layer, destByte) slot, the best
// entry whose via differs from exclude. Router-Sync uses this to build a
// split-horizon advertisement toward the neighbor reached via exclude.
func (r *Router) RoutesViaOtherThan(exclude domain.ConnId) []SyncEntry {
	var out []SyncEntry
	for layer := 0; layer < numLayers; layer++ {
		for b := 0; b < slotsPerLayer; b++ {
			var best *RouteEntry
			for i := range r.layers[layer][b] {
				e := &r.layers[layer][b][i]
				if e.Via == exclude || !r.live.IsLive(e.Via) {
					continue
				}
				if best == nil || r.lessEntry(*e, *best) {
					best = e
				}
			}
			if best != nil {
				out = append(out, SyncEntry{Layer: layer, RouteEntry: *best})
			}
		}
	}
	return out
}
