package plane

import (
	"testing"

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
)

type fakeTransport struct {
	sent   map[transport.ConnHandle][][]byte
	closed map[transport.ConnHandle]bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sent: map[transport.ConnHandle][][]byte{}, closed: map[transport.ConnHandle]bool{}}
}

func (f *fakeTransport) Dial(domain.NodeAddress) error { return nil }
func (f *fakeTransport) Send(h transport.ConnHandle, payload []byte) error {
	f.sent[h] = append(f.sent[h], payload)
	return nil
}
func (f *fakeTransport) Close(h transport.ConnHandle)     { f.closed[h] = true }
func (f *fakeTransport) Events() <-chan transport.Event   { return nil }

func newTestDispatcher(self domain.NodeId) (*Dispatcher, *fakeTransport, *registry.Registry, *router.Router) {
	lgr := logger.NopLogger{}
	tr := newFakeTransport()
	reg := registry.New(lgr, self, 1)
	rt := router.New(self, reg)
	rsync := routersync.New(self, rt, reg, 1)
	discSvc := discovery.New(discovery.Config{}, nil, lgr)
	kvSvc := kv.New(self, rt, lgr)
	psSvc := pubsub.New(self, rt, reg, lgr)
	alSvc := alias.New(self, reg, lgr)
	d := New(self, tr, reg, rt, rsync, discSvc, kvSvc, psSvc, alSvc, lgr)
	return d, tr, reg, rt
}

func TestStepConnectedRegistersConnection(t *testing.T) {
	d, _, reg, _ := newTestDispatcher(domain.NodeId(1))
	d.Step(transport.Event{Kind: transport.EventConnected, Handle: 5, Remote: domain.NodeId(2), Dir: domain.DirectionInbound}, 0)

	id, ok := reg.HandleOf(5)
	if !ok {
		t.Fatalf("expected connection registered under handle 5")
	}
	if !reg.IsLive(id) {
		t.Fatalf("expected connection live after connect")
	}
}

func TestStepDisconnectedWithdrawsRoutes(t *testing.T) {
	d, _, reg, rt := newTestDispatcher(domain.NodeId(1))
	d.Step(transport.Event{Kind: transport.EventConnected, Handle: 5, Remote: domain.NodeId(2), Dir: domain.DirectionInbound}, 0)
	id, _ := reg.HandleOf(5)
	rt.Install(0, 0xAB, id, domain.LinkMetric{}, 1, 1, 0)

	// self is NodeId(1) (top byte 0), so a destination with top byte 0xAB
	// diverges at layer 0, the slot the route above was installed into.
	a := rt.PathTo(router.ToNode(domain.NodeId(uint32(0xAB) << 24)))
	if a.Kind != router.ActionForward {
		t.Fatalf("expected the installed route to be used before disconnect, got %+v", a)
	}

	d.Step(transport.Event{Kind: transport.EventDisconnected, Handle: 5}, 0)
	if reg.IsLive(id) {
		t.Fatalf("expected connection forgotten after disconnect")
	}
	if n := len(rt.Dump()[0][0xAB]); n != 0 {
		t.Fatalf("expected the route via the lost connection withdrawn, got %d entries", n)
	}
}

func TestOnMessageUnknownServiceDoesNotPanic(t *testing.T) {
	d, _, _, _ := newTestDispatcher(domain.NodeId(1))
	d.Step(transport.Event{Kind: transport.EventConnected, Handle: 5, Remote: domain.NodeId(2), Dir: domain.DirectionInbound}, 0)
	d.Step(transport.Event{Kind: transport.EventMessage, Handle: 5, Message: []byte{0xFF, 0, 0, 0}}, 0)
}

func TestTickProbeSweepDisconnectsDeadConnection(t *testing.T) {
	d, tr, reg, _ := newTestDispatcher(domain.NodeId(1))
	d.Step(transport.Event{Kind: transport.EventConnected, Handle: 5, Remote: domain.NodeId(2), Dir: domain.DirectionInbound}, 0)
	id, _ := reg.HandleOf(5)

	now := int64(0)
	for i := 0; i < 4; i++ {
		now += probeIntervalMillis
		d.Tick(now)
	}
	if reg.IsLive(id) {
		t.Fatalf("expected connection declared dead after repeated missed probes")
	}
	if !tr.closed[5] {
		t.Fatalf("expected transport Close called on the dead handle")
	}
}
