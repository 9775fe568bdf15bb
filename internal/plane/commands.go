package plane

import (
	"overlayplane/internal/alias"
	"overlayplane/internal/domain"
	"overlayplane/internal/kv"
	"overlayplane/internal/pubsub"
	"overlayplane/internal/router"
)

// This file exposes the application-facing command surface the admin
// console drives: every method here is a thin wrapper translating one
// local operation into the matching feature call, enqueuing whatever
// Outbound frames result and returning any value already available
// locally. Nothing here bypasses Step/Tick — these are just the entry
// points a REPL (or, in principle, any other in-process caller) has into
// an otherwise closed dispatcher.

// KVSet stores a value locally and replicates it per the feature's
// placement rule.
func (d *Dispatcher) KVSet(k domain.Key, value []byte, version uint64, ttlMillis uint32, nowMillis int64) {
	for _, out := range d.kv.Set(k, value, version, ttlMillis, nowMillis) {
		d.enqueue(out.Conn, PriorityControl, out.Data)
	}
}

// KVDel removes a value locally and propagates the tombstone.
func (d *Dispatcher) KVDel(k domain.Key, version uint64, nowMillis int64) {
	for _, out := range d.kv.Del(k, version, nowMillis) {
		d.enqueue(out.Conn, PriorityControl, out.Data)
	}
}

// KVGet returns whatever is held locally for k; it never crosses the wire
// (the caller is expected to have subscribed, or to accept local-only
// reads, per the feature's placement semantics).
func (d *Dispatcher) KVGet(k domain.Key) []kv.Record {
	return d.kv.Get(k)
}

// KVSubscribe opens a session-locked relay subscription to k, returning
// the session id the caller must keep to unsubscribe later.
func (d *Dispatcher) KVSubscribe(k domain.Key, nowMillis int64) uint32 {
	sess := d.nextSubSession
	d.nextSubSession++
	for _, out := range d.kv.Subscribe(k, sess, nowMillis) {
		d.enqueue(out.Conn, PriorityControl, out.Data)
	}
	return sess
}

func (d *Dispatcher) KVUnsubscribe(k domain.Key, sess uint32, nowMillis int64) {
	for _, out := range d.kv.Unsubscribe(k, sess, nowMillis) {
		d.enqueue(out.Conn, PriorityControl, out.Data)
	}
}

// PubSubPublish fans payload out across ch's relay tree.
func (d *Dispatcher) PubSubPublish(ch pubsub.Channel, payload []byte) {
	for _, out := range d.ps.Publish(ch, payload) {
		d.enqueue(out.Conn, PriorityData, out.Data)
	}
}

func (d *Dispatcher) PubSubSubscribe(ch pubsub.Channel) uint64 {
	uuid := d.nextSubSession64()
	for _, out := range d.ps.Subscribe(ch, uuid) {
		d.enqueue(out.Conn, PriorityControl, out.Data)
	}
	return uuid
}

func (d *Dispatcher) PubSubUnsubscribe(ch pubsub.Channel) {
	for _, out := range d.ps.Unsubscribe(ch) {
		d.enqueue(out.Conn, PriorityControl, out.Data)
	}
}

func (d *Dispatcher) nextSubSession64() uint64 {
	d.nextUuid++
	return d.nextUuid
}

// AliasRegister advertises alias as owned by this node.
func (d *Dispatcher) AliasRegister(aliasID uint64, nowMillis int64) {
	for _, out := range d.al.Register(aliasID, nowMillis) {
		d.enqueue(out.Conn, PriorityControl, out.Data)
	}
}

func (d *Dispatcher) AliasUnregister(aliasID uint64) {
	for _, out := range d.al.Unregister(aliasID) {
		d.enqueue(out.Conn, PriorityControl, out.Data)
	}
}

// AliasLookup resolves aliasID to an owning NodeId, either immediately (a
// cache/local hit) or by kicking off a scan whose result later arrives
// through App.OnAliasLookup.
func (d *Dispatcher) AliasLookup(aliasID uint64, nowMillis int64) (immediate *alias.LookupResult, pending bool) {
	res, outs := d.al.Lookup(aliasID, nowMillis)
	for _, out := range outs {
		d.enqueue(out.Conn, PriorityControl, out.Data)
	}
	return res, res == nil
}

// RouteDump returns the full Layers-Spread routing table for inspection.
func (d *Dispatcher) RouteDump() [4][256][]router.RouteEntry {
	return d.rt.Dump()
}

// ConnList returns every live connection's identity and current link
// metric, sorted deterministically by the registry.
func (d *Dispatcher) ConnList() []ConnInfo {
	var out []ConnInfo
	for _, id := range d.reg.IterActive() {
		_, metric, ok := d.reg.Lookup(id)
		if !ok {
			continue
		}
		out = append(out, ConnInfo{Id: id, Metric: metric})
	}
	return out
}

// ConnInfo is one row of the admin console's `conn list` output.
type ConnInfo struct {
	Id     domain.ConnId
	Metric domain.LinkMetric
}
