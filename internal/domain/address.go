package domain

import "fmt"

// Endpoint is one reachable wire path for a node: a transport scheme, host
// and port. A NodeAddress carries one or more of these so a node behind
// several interfaces (e.g. a public IP and a NAT-traversed relay) can be
// dialed in order with fallback.
type Endpoint struct {
	Scheme string
	Host   string
	Port   uint16
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s/%s/%d", e.Scheme, e.Host, e.Port)
}

// NodeAddress is a NodeId plus an ordered list of endpoints to try when
// dialing. Two addresses are equivalent when their NodeIds match, regardless
// of endpoint contents — the NodeId, not the address, is the identity.
type NodeAddress struct {
	Id        NodeId
	Endpoints []Endpoint
}

// Equal reports whether two addresses name the same node.
func (a NodeAddress) Equal(b NodeAddress) bool {
	return a.Id == b.Id
}

func (a NodeAddress) String() string {
	if len(a.Endpoints) == 0 {
		return fmt.Sprintf("%s@<no endpoints>", a.Id)
	}
	return fmt.Sprintf("%s@%s", a.Id, a.Endpoints[0])
}
