// Package plane implements the Dispatcher: the single goroutine that owns
// every feature's state and is the only thing in the process allowed to
// mutate it. Every feature package (router, routersync, discovery, kv,
// pubsub, alias) is a pure step machine with no lock of its own; the
// Dispatcher is what turns Transport events and timer ticks into calls
// against them, in receipt order, and turns their returned outbound frames
// into Transport.Send calls through a bounded per-connection queue.
package plane

import (
	"context"
	"time"

	"overlayplane/internal/alias"
	"overlayplane/internal/discovery"
	"overlayplane/internal/domain"
	"overlayplane/internal/kv"
	"overlayplane/internal/logger"
	"overlayplane/internal/pubsub"
	"overlayplane/internal/registry"
	"overlayplane/internal/router"
	"overlayplane/internal/routersync"
	"overlayplane/internal/transport"
	"overlayplane/internal/wire"
)

// eventsPerYield bounds how many queued transport events the dispatcher
// drains before it yields back to the runtime scheduler, so one very busy
// connection cannot starve timer processing indefinitely.
const eventsPerYield = 64

// probeIntervalMillis is the cadence at which every active connection is
// charged one keepalive miss if it produced no fresh measurement.
const probeIntervalMillis = 5_000

// App receives the events the Dispatcher cannot resolve on its own: data
// arriving for a locally subscribed channel, and a settled alias lookup.
type App interface {
	OnPubSubData(ev pubsub.DataEvent)
	OnAliasLookup(res alias.LookupResult)
}

type nopApp struct{}

func (nopApp) OnPubSubData(pubsub.DataEvent)    {}
func (nopApp) OnAliasLookup(alias.LookupResult) {}

// Dispatcher owns the Connection Registry, the Router, and every acked
// feature, and is the sole caller into any of them.
type Dispatcher struct {
	lgr  logger.Logger
	self domain.NodeId
	tr   transport.Transport
	app  App

	reg   *registry.Registry
	rt    *router.Router
	rsync *routersync.Service
	disc  *discovery.Service
	kv    *kv.Service
	ps    *pubsub.Service
	al    *alias.Service

	queues   map[domain.ConnId]*outboundQueue
	queueCap int

	// pendingDialAddrs correlates an outbound EventConnected with the
	// discovery seed address that triggered it. Transport only reports the
	// resulting NodeId, not the address that was dialed, so addresses are
	// matched in dial order — valid because the dispatcher dials seeds one
	// at a time from a single Tick and a synchronous/fast Transport
	// resolves them in the same order.
	pendingDialAddrs []domain.NodeAddress
	addrByNode       map[domain.NodeId]domain.NodeAddress

	lastProbeTick int64

	// nextSubSession/nextUuid mint caller-supplied session identifiers for
	// admin-console-driven KV subscriptions and pub/sub subscribe calls;
	// see commands.go.
	nextSubSession uint32
	nextUuid       uint64
}

// Option configures optional Dispatcher behavior.
type Option func(*Dispatcher)

func WithQueueCapacity(n int) Option { return func(d *Dispatcher) { d.queueCap = n } }
func WithApp(app App) Option         { return func(d *Dispatcher) { d.app = app } }

func New(
	self domain.NodeId,
	tr transport.Transport,
	reg *registry.Registry,
	rt *router.Router,
	rsync *routersync.Service,
	disc *discovery.Service,
	kvSvc *kv.Service,
	psSvc *pubsub.Service,
	alSvc *alias.Service,
	lgr logger.Logger,
	opts ...Option,
) *Dispatcher {
	if lgr == nil {
		lgr = logger.NopLogger{}
	}
	d := &Dispatcher{
		lgr:        lgr,
		self:       self,
		tr:         tr,
		app:        nopApp{},
		reg:        reg,
		rt:         rt,
		rsync:      rsync,
		disc:       disc,
		kv:         kvSvc,
		ps:         psSvc,
		al:         alSvc,
		queues:     map[domain.ConnId]*outboundQueue{},
		queueCap:   defaultQueueCapacity,
		addrByNode: map[domain.NodeId]domain.NodeAddress{},
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Start kicks off Manual Discovery's initial seed dials.
func (d *Dispatcher) Start(nowMillis int64) {
	for _, addr := range d.disc.Start(nowMillis) {
		d.dial(addr)
	}
}

func (d *Dispatcher) dial(addr domain.NodeAddress) {
	if err := d.tr.Dial(addr); err != nil {
		d.disc.OnDialResult(addr, false, 0)
		return
	}
	d.pendingDialAddrs = append(d.pendingDialAddrs, addr)
}

// enqueue buffers frame for conn at priority p and opportunistically
// drains the queue through the Transport. A bounded queue (rather than an
// immediate blocking Send) is what lets one slow connection's backlog be
// bounded instead of stalling the whole dispatcher.
func (d *Dispatcher) enqueue(conn domain.ConnId, p Priority, frame []byte) {
	q, ok := d.queues[conn]
	if !ok {
		q = newOutboundQueue(d.queueCap)
		d.queues[conn] = q
	}
	q.push(p, frame)
	d.drain(conn)
}

func (d *Dispatcher) drain(conn domain.ConnId) {
	q, ok := d.queues[conn]
	if !ok {
		return
	}
	handle, _, ok := d.reg.Lookup(conn)
	if !ok {
		return
	}
	for {
		frame, ok := q.pop()
		if !ok {
			return
		}
		if err := d.tr.Send(handle, frame); err != nil {
			d.lgr.Warn("send failed, dropping rest of queue", logger.F("err", err))
			return
		}
	}
}

// Step applies one Transport event to every owned feature in the order the
// redesign requires: Registry and Router first (they are the shared
// substrate every feature's outbound path depends on), then the acked
// features in frame-dispatch order.
func (d *Dispatcher) Step(ev transport.Event, nowMillis int64) {
	switch ev.Kind {
	case transport.EventConnected:
		d.onConnected(ev, nowMillis)
	case transport.EventDisconnected:
		d.onDisconnected(ev, nowMillis)
	case transport.EventMessage:
		d.onMessage(ev, nowMillis)
	case transport.EventMeasurement:
		d.onMeasurement(ev, nowMillis)
	}
}

func (d *Dispatcher) onConnected(ev transport.Event, nowMillis int64) {
	id, ok := d.reg.OnConnected(ev.Remote, ev.Dir, ev.Handle)
	if !ok {
		d.tr.Close(ev.Handle)
		return
	}
	if ev.Dir == domain.DirectionOutbound && len(d.pendingDialAddrs) > 0 {
		addr := d.pendingDialAddrs[0]
		d.pendingDialAddrs = d.pendingDialAddrs[1:]
		d.addrByNode[ev.Remote] = addr
		d.disc.OnDialResult(addr, true, nowMillis)
	}
	d.rsync.NotifyChange(nowMillis)
	d.lgr.Debug("connection established", logger.F("conn", id.String()))
}

func (d *Dispatcher) onDisconnected(ev transport.Event, nowMillis int64) {
	id, ok := d.reg.HandleOf(ev.Handle)
	if !ok {
		return
	}
	d.disconnectConn(id, nowMillis)
}

// disconnectConn runs the full withdrawal cascade for a connection that is
// gone, whether Transport reported it or the keepalive probe declared it
// dead: forget it in the Registry, withdraw its routes, tear down any
// pub/sub relay state hanging off it, and let discovery's backoff see it.
func (d *Dispatcher) disconnectConn(id domain.ConnId, nowMillis int64) {
	remote := id.RemoteNode
	d.reg.OnDisconnected(id)
	d.rt.WithdrawVia(id)
	delete(d.queues, id)
	if addr, ok := d.addrByNode[remote]; ok {
		d.disc.OnDisconnected(addr, nowMillis)
		delete(d.addrByNode, remote)
	}
	for _, out := range d.ps.OnUpstreamDown(id, nowMillis) {
		d.enqueue(out.Conn, PriorityControl, out.Data)
	}
	d.rsync.NotifyChange(nowMillis)
	d.lgr.Debug("connection lost", logger.F("conn", id.String()))
}

func (d *Dispatcher) onMeasurement(ev transport.Event, nowMillis int64) {
	id, ok := d.reg.HandleOf(ev.Handle)
	if !ok {
		return
	}
	d.reg.OnMeasurement(id, ev.Metric, nowMillis)
}

func (d *Dispatcher) onMessage(ev transport.Event, nowMillis int64) {
	id, ok := d.reg.HandleOf(ev.Handle)
	if !ok {
		return
	}
	f, _, ok, err := wire.Decode(ev.Message)
	if err != nil || !ok {
		d.lgr.Warn("dropping undecodable frame", logger.F("err", err))
		return
	}
	switch f.Service {
	case wire.ServiceRouterSync:
		_, metric, _ := d.reg.Lookup(id)
		d.rsync.OnFrame(id, metric, f.Payload, nowMillis)
	case wire.ServiceKeyValue:
		for _, out := range d.kv.OnFrame(id, f.Payload, nowMillis) {
			d.enqueue(out.Conn, PriorityControl, out.Data)
		}
	case wire.ServicePubSub:
		prio := PriorityControl
		if pubsub.IsDataFrame(f.Payload) {
			prio = PriorityData
		}
		outs, events := d.ps.OnFrame(id, f.Payload, nowMillis)
		for _, out := range outs {
			d.enqueue(out.Conn, prio, out.Data)
		}
		for _, ev := range events {
			d.app.OnPubSubData(ev)
		}
	case wire.ServiceNodeAlias:
		outs, results := d.al.OnFrame(id, f.Payload, nowMillis)
		for _, out := range outs {
			d.enqueue(out.Conn, PriorityControl, out.Data)
		}
		for _, res := range results {
			d.app.OnAliasLookup(res)
		}
	default:
		d.lgr.Warn("dropping frame for unhandled service", logger.F("service", f.Service.String()))
	}
}

// Tick drives every feature's time-based behavior: router entry expiry,
// router-sync's periodic and debounced pushes, KV retransmits, pub/sub
// sticky refresh, alias scan timeouts, discovery redials, and the keepalive
// liveness sweep.
func (d *Dispatcher) Tick(nowMillis int64) {
	d.rt.EvictExpired(nowMillis)
	for _, f := range d.rsync.Tick(nowMillis) {
		d.enqueue(f.Conn, PriorityControl, f.Data)
	}
	for _, out := range d.kv.Tick(nowMillis) {
		d.enqueue(out.Conn, PriorityControl, out.Data)
	}
	for _, out := range d.ps.Tick(nowMillis) {
		d.enqueue(out.Conn, PriorityControl, out.Data)
	}
	aliasOuts, lookups := d.al.Tick(nowMillis)
	for _, out := range aliasOuts {
		d.enqueue(out.Conn, PriorityControl, out.Data)
	}
	for _, res := range lookups {
		d.app.OnAliasLookup(res)
	}
	for _, addr := range d.disc.Tick(nowMillis) {
		d.dial(addr)
	}

	if nowMillis-d.lastProbeTick < probeIntervalMillis {
		return
	}
	d.lastProbeTick = nowMillis
	for _, id := range d.reg.IterActive() {
		if !d.reg.OnProbeSent(id) {
			continue
		}
		if handle, _, ok := d.reg.Lookup(id); ok {
			d.tr.Close(handle)
		}
		d.disconnectConn(id, nowMillis)
	}
}

// Run drives the dispatcher from real time and the Transport's event
// channel until ctx is canceled. This is the one place in the plane
// allowed a goroutine-per-ticker shape, mirroring the same idiom the
// original stabilizer workers used, because something has to own wall
// clock and no feature package may.
func (d *Dispatcher) Run(ctx context.Context, tickEvery time.Duration) {
	ticker := time.NewTicker(tickEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			d.Tick(now.UnixMilli())
		case ev, ok := <-d.tr.Events():
			if !ok {
				return
			}
			now := time.Now().UnixMilli()
			d.Step(ev, now)
			drained := 1
			for drained < eventsPerYield {
				select {
				case ev, ok := <-d.tr.Events():
					if !ok {
						return
					}
					d.Step(ev, time.Now().UnixMilli())
					drained++
				default:
					drained = eventsPerYield
				}
			}
		}
	}
}
