// Package planeerr defines the closed set of error kinds the plane surfaces
// to applications and logs, per the error handling design: local recovery is
// always exhausted before an error is surfaced, and the dispatcher never
// panics on malformed input.
package planeerr

import (
	"fmt"

	"overlayplane/internal/domain"
)

// Kind is the closed set of error kinds applications and logs may observe.
type Kind int

const (
	// KindLinkDown is observable but not fatal; recovered by retries/re-route.
	KindLinkDown Kind = iota
	// KindNoRoute is returned when the Router has no path after route_timeout
	// of retries.
	KindNoRoute
	// KindStaleSession is dropped silently; it never reaches an application.
	KindStaleSession
	// KindAckTimeout is reported after the configured number of retransmits.
	KindAckTimeout
	// KindTableOverflow is internal; it surfaces to applications as NoRoute
	// once it becomes unrecoverable.
	KindTableOverflow
	// KindConfigError is fatal, and only ever raised at startup.
	KindConfigError
)

func (k Kind) String() string {
	switch k {
	case KindLinkDown:
		return "link_down"
	case KindNoRoute:
		return "no_route"
	case KindStaleSession:
		return "stale_session"
	case KindAckTimeout:
		return "ack_timeout"
	case KindTableOverflow:
		return "table_overflow"
	case KindConfigError:
		return "config_error"
	default:
		return "unknown"
	}
}

// Error is the concrete error type carried on the background error stream
// and returned from application-facing calls.
type Error struct {
	Kind    Kind
	Conn    domain.ConnId // set for KindLinkDown
	OpId    uint32        // set for KindAckTimeout
	Dest    string        // set for KindNoRoute (human-readable destination)
	Wrapped error
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Wrapped)
	}
	switch e.Kind {
	case KindLinkDown:
		return fmt.Sprintf("link down: %s", e.Conn)
	case KindNoRoute:
		return fmt.Sprintf("no route to %s", e.Dest)
	case KindAckTimeout:
		return fmt.Sprintf("ack timeout for op %d", e.OpId)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Wrapped }

// Is reports kind equality, so callers can use errors.Is(err, planeerr.NoRoute("x")).
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	return ok && other.Kind == e.Kind
}

func LinkDown(c domain.ConnId) *Error { return &Error{Kind: KindLinkDown, Conn: c} }
func NoRoute(dest string) *Error      { return &Error{Kind: KindNoRoute, Dest: dest} }
func AckTimeout(opId uint32) *Error   { return &Error{Kind: KindAckTimeout, OpId: opId} }
func Config(err error) *Error         { return &Error{Kind: KindConfigError, Wrapped: err} }
