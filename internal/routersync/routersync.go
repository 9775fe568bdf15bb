// Package routersync implements the periodic incremental neighbor exchange
// that keeps every node's Router populated: every sync interval, and
// additionally on a debounced immediate trigger after a local change, each
// neighbor receives a split-horizon snapshot of routes and service
// advertisements learned from everyone else.
package routersync

import (
	"overlayplane/internal/domain"
	"overlayplane/internal/logger"
	"overlayplane/internal/router"
	"overlayplane/internal/wire"
)

const (
	defaultSyncIntervalMillis = 1_000
	immediateSyncDebounceMillis = 100
)

// Neighbors supplies the set of live connections to sync with; Service
// keeps this package decoupled from the Connection Registry's concrete
// type.
type Neighbors interface {
	IterActive() []domain.ConnId
}

// Service drives periodic and debounced router-sync frame generation and
// applies received frames to the Router. It is a pure step-function
// component: Tick and OnFrame both return the frames to send rather than
// writing to a transport themselves.
type Service struct {
	lgr    logger.Logger
	self   domain.NodeId
	rt     *router.Router
	nbrs   Neighbors
	epoch  uint32

	syncIntervalMillis int64
	lastFullSync       int64
	pendingImmediate   bool
	immediateDeadline  int64
}

type Option func(*Service)

func WithLogger(l logger.Logger) Option { return func(s *Service) { s.lgr = l } }
func WithSyncInterval(ms int64) Option  { return func(s *Service) { s.syncIntervalMillis = ms } }

// New constructs a Service. epoch is this node's session, stamped on every
// sync frame as the monotonic sync-epoch.
func New(self domain.NodeId, rt *router.Router, nbrs Neighbors, epoch uint32, opts ...Option) *Service {
	s := &Service{
		lgr:                logger.NopLogger{},
		self:               self,
		rt:                 rt,
		nbrs:               nbrs,
		epoch:              epoch,
		syncIntervalMillis: defaultSyncIntervalMillis,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OutboundFrame pairs an encoded RouterSync wire frame with the connection
// it should be sent on.
type OutboundFrame struct {
	Conn domain.ConnId
	Data []byte
}

// NotifyChange schedules a debounced immediate sync to fire within
// immediateSyncDebounceMillis of now, unless one is already pending.
func (s *Service) NotifyChange(nowMillis int64) {
	if s.pendingImmediate {
		return
	}
	s.pendingImmediate = true
	s.immediateDeadline = nowMillis + immediateSyncDebounceMillis
}

// Tick is called every dispatcher timer pass; it returns the sync frames
// due to go out, either because the full-sync interval elapsed or because
// a debounced immediate sync matured.
func (s *Service) Tick(nowMillis int64) []OutboundFrame {
	full := nowMillis-s.lastFullSync >= s.syncIntervalMillis
	immediate := s.pendingImmediate && nowMillis >= s.immediateDeadline
	if !full && !immediate {
		return nil
	}
	if full {
		s.lastFullSync = nowMillis
	}
	if immediate {
		s.pendingImmediate = false
	}

	var out []OutboundFrame
	for _, nbr := range s.nbrs.IterActive() {
		data := s.buildFrame(nbr)
		if data != nil {
			out = append(out, OutboundFrame{Conn: nbr, Data: data})
		}
	}
	return out
}

func (s *Service) buildFrame(toward domain.ConnId) []byte {
	routes := s.rt.RoutesViaOtherThan(toward)
	services := s.rt.ServicesViaOtherThan(toward)
	for _, local := range s.rt.LocalServices() {
		if _, exists := services[local]; !exists {
			services[local] = router.ServiceEntry{Metric: domain.LinkMetric{}, Hops: 0, Session: s.epoch}
		}
	}
	if len(routes) == 0 && len(services) == 0 {
		return nil
	}

	w := wire.NewWriter()
	w.U32(s.epoch)
	w.U16(uint16(len(routes)))
	for _, e := range routes {
		w.U8(uint8(e.Layer))
		w.U8(e.DestLayerKey)
		w.NodeId(e.Via.RemoteNode)
		w.Metric(e.Metric)
		w.U8(e.Hops)
		w.U32(e.Session)
	}
	w.U16(uint16(len(services)))
	for sid, e := range services {
		w.U8(sid)
		w.NodeId(e.Via.RemoteNode)
		w.Metric(e.Metric)
		w.U8(e.Hops)
		w.U32(e.Session)
	}
	frame, err := wire.Encode(wire.Frame{Service: wire.ServiceRouterSync, Flags: 0, Payload: w.Bytes()})
	if err != nil {
		s.lgr.Error("router-sync: encode failed", logger.F("err", err.Error()))
		return nil
	}
	return frame
}

// OnFrame decodes a RouterSync frame received from sender and installs
// every entry into the Router, composing the received link metric with
// the measured metric to sender and incrementing hops by one.
func (s *Service) OnFrame(sender domain.ConnId, linkMetric domain.LinkMetric, payload []byte, nowMillis int64) {
	r := wire.NewReader(payload)
	_ = r.U32() // sender's sync-epoch; frames are idempotent so re-application is safe
	numRoutes := r.U16()
	for i := uint16(0); i < numRoutes; i++ {
		layer := r.U8()
		destByte := r.U8()
		viaRemote := r.NodeId()
		metric := r.Metric()
		hops := r.U8()
		session := r.U32()
		if r.Err() != nil {
			s.lgr.Warn("router-sync: malformed route entry, dropping frame", logger.F("err", r.Err().Error()))
			return
		}
		_ = viaRemote // the local next-hop is always `sender`; the remote id is informational
		s.rt.Install(int(layer), destByte, sender, linkMetric.Compose(metric), hops+1, session, nowMillis)
	}
	numServices := r.U16()
	for i := uint16(0); i < numServices; i++ {
		sid := r.U8()
		viaRemote := r.NodeId()
		metric := r.Metric()
		hops := r.U8()
		session := r.U32()
		if r.Err() != nil {
			s.lgr.Warn("router-sync: malformed service entry, dropping frame", logger.F("err", r.Err().Error()))
			return
		}
		_ = viaRemote
		s.rt.InstallService(sid, sender, linkMetric.Compose(metric), hops+1, session)
	}
}
