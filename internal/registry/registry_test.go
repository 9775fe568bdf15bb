package registry

import (
	"testing"

	"overlayplane/internal/domain"
	"overlayplane/internal/logger"
	"overlayplane/internal/transport"
)

func TestOnConnectedRejectsSelf(t *testing.T) {
	r := New(logger.NopLogger{}, domain.NodeId(1), 1)
	if _, ok := r.OnConnected(domain.NodeId(1), domain.DirectionInbound, 1); ok {
		t.Fatalf("expected self-connection to be rejected")
	}
}

func TestOnConnectedDuplicateTieBreak(t *testing.T) {
	r := New(logger.NopLogger{}, domain.NodeId(1), 1)
	first, ok := r.OnConnected(domain.NodeId(2), domain.DirectionInbound, 10)
	if !ok {
		t.Fatalf("expected first connection to succeed")
	}
	if _, ok := r.OnConnected(domain.NodeId(2), domain.DirectionOutbound, 11); ok {
		t.Fatalf("expected duplicate to be rejected (outbound does not beat inbound)")
	}
	if !r.IsLive(first) {
		t.Fatalf("expected original connection to remain live")
	}
}

func TestLivenessDeadAfterThreeMisses(t *testing.T) {
	r := New(logger.NopLogger{}, domain.NodeId(1), 1)
	id, _ := r.OnConnected(domain.NodeId(2), domain.DirectionOutbound, 10)
	for i := 0; i < 2; i++ {
		if dead := r.OnProbeSent(id); dead {
			t.Fatalf("should not be dead after %d misses", i+1)
		}
	}
	if dead := r.OnProbeSent(id); !dead {
		t.Fatalf("expected dead after 3 misses")
	}
}

func TestOnDisconnectedForgetsConnection(t *testing.T) {
	r := New(logger.NopLogger{}, domain.NodeId(1), 1)
	id, _ := r.OnConnected(domain.NodeId(2), domain.DirectionOutbound, 10)
	r.OnDisconnected(id)
	if r.IsLive(id) {
		t.Fatalf("expected connection to be forgotten")
	}
	if _, ok := r.HandleOf(transport.ConnHandle(10)); ok {
		t.Fatalf("expected handle to be forgotten too")
	}
}
