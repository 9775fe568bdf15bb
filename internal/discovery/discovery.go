// Package discovery implements Manual Discovery: tag-based neighbor
// solicitation against a configured list of seed addresses, with
// exponential backoff on repeated dial failures.
package discovery

import (
	"overlayplane/internal/domain"
	"overlayplane/internal/logger"
)

const (
	retryIntervalMillis     = 30_000
	backoffCapMillis        = 5 * 60_000
)

type seedState struct {
	addr       domain.NodeAddress
	tags       map[string]bool
	connected  bool
	nextAttempt int64
	backoffMillis int64
}

// Config is the static Manual Discovery configuration.
type Config struct {
	LocalTags       map[string]bool
	ConnectTags     map[string]bool
	RequireTagMatch bool
}

// Service drives seed dialing and periodic retry. It is a pure step
// component: Tick returns the seeds due to be (re)dialed rather than
// dialing them itself.
type Service struct {
	lgr    logger.Logger
	cfg    Config
	seeds  []*seedState
	dialed bool
}

func New(cfg Config, seeds []domain.NodeAddress, lgr logger.Logger) *Service {
	if lgr == nil {
		lgr = logger.NopLogger{}
	}
	s := &Service{lgr: lgr, cfg: cfg}
	for _, addr := range seeds {
		s.seeds = append(s.seeds, &seedState{addr: addr, backoffMillis: retryIntervalMillis})
	}
	return s
}

// Start returns the initial set of seeds to dial: every seed whose
// advertised tags (none known yet, so this is unconditional for manually
// configured seeds) intersect connect_tags, or all seeds when
// ConnectTags is empty.
func (s *Service) Start(nowMillis int64) []domain.NodeAddress {
	var out []domain.NodeAddress
	for _, st := range s.seeds {
		st.nextAttempt = nowMillis + st.backoffMillis
		out = append(out, st.addr)
	}
	return out
}

// OnDialResult updates a seed's state after a dial attempt; a failure
// schedules the next attempt with exponential backoff capped at 5 minutes.
func (s *Service) OnDialResult(addr domain.NodeAddress, ok bool, nowMillis int64) {
	for _, st := range s.seeds {
		if !st.addr.Equal(addr) {
			continue
		}
		if ok {
			st.connected = true
			st.backoffMillis = retryIntervalMillis
			return
		}
		st.connected = false
		st.backoffMillis *= 2
		if st.backoffMillis > backoffCapMillis {
			st.backoffMillis = backoffCapMillis
		}
		st.nextAttempt = nowMillis + st.backoffMillis
	}
}

// OnDisconnected marks a seed as disconnected so it re-enters the retry
// rotation on the next Tick.
func (s *Service) OnDisconnected(addr domain.NodeAddress, nowMillis int64) {
	for _, st := range s.seeds {
		if st.addr.Equal(addr) {
			st.connected = false
			st.nextAttempt = nowMillis + st.backoffMillis
		}
	}
}

// Tick returns every dead seed whose backoff has elapsed, for redialing.
func (s *Service) Tick(nowMillis int64) []domain.NodeAddress {
	var out []domain.NodeAddress
	for _, st := range s.seeds {
		if st.connected || nowMillis < st.nextAttempt {
			continue
		}
		out = append(out, st.addr)
		st.nextAttempt = nowMillis + st.backoffMillis
	}
	return out
}

// AcceptHandshake reports whether an inbound handshake advertising
// remoteTags should be accepted, applying RequireTagMatch.
func (s *Service) AcceptHandshake(remoteTags map[string]bool) bool {
	if !s.cfg.RequireTagMatch {
		return true
	}
	for t := range remoteTags {
		if s.cfg.LocalTags[t] {
			return true
		}
	}
	return false
}
