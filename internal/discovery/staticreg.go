package discovery

import "context"

// StaticRegistrar is the no-op Registrar used when a node's address is
// handed to peers out of band (a static seed list) rather than published.
type StaticRegistrar struct{}

func (StaticRegistrar) RegisterNode(ctx context.Context, nodeID, targetHost string, port int) error {
	return nil
}
func (StaticRegistrar) DeregisterNode(ctx context.Context, nodeID, targetHost string, port int) error {
	return nil
}
func (StaticRegistrar) RenewNode(ctx context.Context, nodeID, targetHost string, port int) error {
	return nil
}
func (StaticRegistrar) Close() error { return nil }
