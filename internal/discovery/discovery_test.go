package discovery

import (
	"testing"

	"overlayplane/internal/domain"
)

func seedAddr(id uint32, host string) domain.NodeAddress {
	return domain.NodeAddress{Id: domain.NodeId(id), Endpoints: []domain.Endpoint{{Scheme: "udp", Host: host, Port: 50000}}}
}

func TestStartDialsAllSeeds(t *testing.T) {
	s := New(Config{}, []domain.NodeAddress{seedAddr(1, "a"), seedAddr(2, "b")}, nil)
	got := s.Start(0)
	if len(got) != 2 {
		t.Fatalf("expected 2 seeds, got %d", len(got))
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	s := New(Config{}, []domain.NodeAddress{seedAddr(1, "a")}, nil)
	s.Start(0)
	var now int64
	for i := 0; i < 20; i++ {
		s.OnDialResult(seedAddr(1, "a"), false, now)
	}
	st := s.seeds[0]
	if st.backoffMillis != backoffCapMillis {
		t.Fatalf("backoff = %d, want cap %d", st.backoffMillis, backoffCapMillis)
	}
}

func TestOnDialResultSuccessResetsBackoff(t *testing.T) {
	s := New(Config{}, []domain.NodeAddress{seedAddr(1, "a")}, nil)
	s.OnDialResult(seedAddr(1, "a"), false, 0)
	s.OnDialResult(seedAddr(1, "a"), true, 0)
	if !s.seeds[0].connected || s.seeds[0].backoffMillis != retryIntervalMillis {
		t.Fatalf("expected reset to connected with base backoff, got %+v", s.seeds[0])
	}
}

func TestTickSkipsConnectedSeeds(t *testing.T) {
	s := New(Config{}, []domain.NodeAddress{seedAddr(1, "a")}, nil)
	s.OnDialResult(seedAddr(1, "a"), true, 0)
	if got := s.Tick(1_000_000); len(got) != 0 {
		t.Fatalf("expected no redial of connected seed, got %v", got)
	}
}

func TestAcceptHandshakeRequiresTagMatch(t *testing.T) {
	s := New(Config{RequireTagMatch: true, LocalTags: map[string]bool{"eu": true}}, nil, nil)
	if s.AcceptHandshake(map[string]bool{"us": true}) {
		t.Fatalf("expected rejection on disjoint tags")
	}
	if !s.AcceptHandshake(map[string]bool{"eu": true, "us": true}) {
		t.Fatalf("expected acceptance on overlapping tags")
	}
}
