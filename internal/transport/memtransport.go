package transport

import (
	"sync"
	"sync/atomic"

	"overlayplane/internal/domain"
)

// memNetwork is the shared registry a group of Mem transports dial into; it
// has no equivalent on the wire and exists purely so tests and cmd/simnet
// can exercise the plane without real sockets.
type memNetwork struct {
	mu    sync.Mutex
	nodes map[domain.NodeId]*Mem
}

func NewMemNetwork() *memNetwork { return &memNetwork{nodes: map[domain.NodeId]*Mem{}} }

// Mem is an in-memory Transport implementation: Dial looks the target node
// up in a shared memNetwork and wires two Mem endpoints together directly,
// with no framing or loss simulation. It satisfies the Transport interface
// for unit and scenario tests.
type Mem struct {
	self domain.NodeId
	net  *memNetwork

	events chan Event

	mu      sync.Mutex
	handles map[ConnHandle]*memLink
	nextH   uint64
}

type memLink struct {
	peer   *Mem
	peerH  ConnHandle
	closed atomic.Bool
}

// NewMem registers a node's endpoint on the shared network and returns its
// Transport. Callers must register every participating node before any
// Dial targeting it.
func NewMem(net *memNetwork, self domain.NodeId) *Mem {
	m := &Mem{
		self:    self,
		net:     net,
		events:  make(chan Event, 256),
		handles: map[ConnHandle]*memLink{},
	}
	net.mu.Lock()
	net.nodes[self] = m
	net.mu.Unlock()
	return m
}

func (m *Mem) Events() <-chan Event { return m.events }

func (m *Mem) Dial(addr domain.NodeAddress) error {
	m.net.mu.Lock()
	peer, ok := m.net.nodes[addr.Id]
	m.net.mu.Unlock()
	if !ok {
		return nil // unknown peer: the caller observes no EventConnected and times out
	}

	localH := m.newHandle()
	peerH := peer.newHandle()

	m.mu.Lock()
	m.handles[localH] = &memLink{peer: peer, peerH: peerH}
	m.mu.Unlock()
	peer.mu.Lock()
	peer.handles[peerH] = &memLink{peer: m, peerH: localH}
	peer.mu.Unlock()

	m.emit(Event{Kind: EventConnected, Handle: localH, Remote: addr.Id, Dir: domain.DirectionOutbound})
	peer.emit(Event{Kind: EventConnected, Handle: peerH, Remote: m.self, Dir: domain.DirectionInbound})
	return nil
}

func (m *Mem) newHandle() ConnHandle {
	return ConnHandle(atomic.AddUint64(&m.nextH, 1))
}

func (m *Mem) Send(h ConnHandle, payload []byte) error {
	m.mu.Lock()
	link, ok := m.handles[h]
	m.mu.Unlock()
	if !ok || link.closed.Load() {
		return nil
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	link.peer.emit(Event{Kind: EventMessage, Handle: link.peerH, Remote: m.self, Message: cp})
	return nil
}

func (m *Mem) Close(h ConnHandle) {
	m.mu.Lock()
	link, ok := m.handles[h]
	delete(m.handles, h)
	m.mu.Unlock()
	if !ok || !link.closed.CompareAndSwap(false, true) {
		return
	}
	link.peer.emit(Event{Kind: EventDisconnected, Handle: link.peerH, Remote: m.self})
}

func (m *Mem) emit(e Event) {
	select {
	case m.events <- e:
	default:
		// best-effort: a test-only transport never blocks the producer
	}
}
