// Package kv implements the Key-Value / DHT feature: closest-node
// placement, multi-source values, XOR-factor replication, and
// subscription with session-locked relay delivery.
package kv

import (
	"overlayplane/internal/domain"
	"overlayplane/internal/logger"
	"overlayplane/internal/router"
)

const (
	defaultRetransmitMillis = 2_000
	defaultReconcileMillis  = 10_000
)

// Record is one stored (key, subkey, source) value.
type Record struct {
	Key       domain.Key
	Source    domain.NodeId
	Version   uint64
	Value     []byte
	ExpiresAt int64 // unix millis, 0 = no expiry
	deleted   bool
}

type storageKey struct {
	hash   uint32
	subkey uint8
	source domain.NodeId
}

func recKey(k domain.Key, source domain.NodeId) storageKey {
	return storageKey{hash: k.Hash, subkey: k.Subkey, source: source}
}

// relayState is per-key downstream subscriber bookkeeping at a node that
// has claimed responsibility (or is forwarding) for a key.
type relayState struct {
	downstreams  map[domain.ConnId]bool
	relaySession uint32
}

// subscriberState is per-key bookkeeping on the application/subscriber
// side: the expected relay session used to discard stale OnSet/OnDel.
type subscriberState struct {
	relaySession uint32
	haveSession  bool
}

// pendingOp tracks one outstanding acked frame awaiting retransmission.
// key is set only for Subscribe/Unsubscribe ops, so a SubOk/UnsubOk can be
// correlated back to the subscriber state it answers without guessing.
type pendingOp struct {
	opId     uint32
	dest     router.Destination
	key      domain.Key
	hasKey   bool
	encode   func() []byte
	nextSend int64
	attempts int
}

// Router is the narrow seam kv needs from the Router: resolving the
// closest node (or a specific node, for relay-to-subscriber sends) to a
// connection to forward through.
type Router interface {
	PathTo(router.Destination) router.Action
}

// Service implements the Key-Value feature as a pure, dispatcher-driven
// step machine.
type Service struct {
	lgr  logger.Logger
	self domain.NodeId
	rt   Router

	store  map[storageKey]Record
	relays map[uint64]*relayState // keyed by (hash<<8|subkey)
	subs   map[uint64]*subscriberState

	pending map[uint32]*pendingOp
	nextOp  uint32

	lastReconcile    int64
	retransmitMillis int64
	reconcileMillis  int64
}

func storeID(k domain.Key) uint64 { return uint64(k.Hash)<<8 | uint64(k.Subkey) }

// Option configures optional Service behavior.
type Option func(*Service)

// WithRetransmitInterval overrides the Set/Del/Sub/Unsub retransmit cadence.
func WithRetransmitInterval(ms int64) Option { return func(s *Service) { s.retransmitMillis = ms } }

// WithReconcileInterval overrides the cross-placement reconciliation cadence.
func WithReconcileInterval(ms int64) Option { return func(s *Service) { s.reconcileMillis = ms } }

func New(self domain.NodeId, rt Router, lgr logger.Logger, opts ...Option) *Service {
	if lgr == nil {
		lgr = logger.NopLogger{}
	}
	s := &Service{
		lgr:              lgr,
		self:             self,
		rt:               rt,
		store:            map[storageKey]Record{},
		relays:           map[uint64]*relayState{},
		subs:             map[uint64]*subscriberState{},
		pending:          map[uint32]*pendingOp{},
		retransmitMillis: defaultRetransmitMillis,
		reconcileMillis:  defaultReconcileMillis,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// applyLocal stores a record unless its version is older than the stored
// one, enforcing per-(key,subkey,source) version monotonicity. A record at
// an equal version replaces the stored one; changed is false only when its
// value and deleted flag are the same as before.
func (s *Service) applyLocal(rec Record) (applied, changed bool) {
	key := recKey(rec.Key, rec.Source)
	existing, ok := s.store[key]
	if ok && rec.Version < existing.Version {
		return false, false
	}
	if ok && rec.Version == existing.Version {
		sameValue := string(existing.Value) == string(rec.Value) && existing.deleted == rec.deleted
		s.store[key] = rec
		return true, !sameValue
	}
	s.store[key] = rec
	return true, true
}

// Get returns every locally stored, non-deleted record for a key across
// all known sources, merged from both the primary and replica placement
// (the caller is expected to call Get at both responsible nodes and union
// results; locally this just snapshots what is stored here).
func (s *Service) Get(k domain.Key) []Record {
	var out []Record
	for sk, rec := range s.store {
		if sk.hash == k.Hash && sk.subkey == k.Subkey && !rec.deleted {
			out = append(out, rec)
		}
	}
	return out
}
