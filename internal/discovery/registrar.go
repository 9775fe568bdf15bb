package discovery

import "context"

// Registrar is a generic interface for advertising this node's reachable
// address in an external directory (DNS, a cloud discovery API, ...) so
// other nodes' Manual Discovery seed lists can find it.
type Registrar interface {
	RegisterNode(ctx context.Context, nodeID, targetHost string, port int) error
	DeregisterNode(ctx context.Context, nodeID, targetHost string, port int) error
	RenewNode(ctx context.Context, nodeID, targetHost string, port int) error
	Close() error
}
