package domain

import "fmt"

// Direction records which side dialed a connection.
type Direction uint8

const (
	DirectionInbound Direction = iota
	DirectionOutbound
)

func (d Direction) String() string {
	if d == DirectionOutbound {
		return "out"
	}
	return "in"
}

// ConnId is a locally unique handle minted when a neighbor connection
// completes. It is the only way upper layers refer to a link; they never see
// the underlying Transport connection directly.
type ConnId struct {
	Local      uint32
	RemoteNode NodeId
	Dir        Direction
	Epoch      uint32
}

func (c ConnId) String() string {
	return fmt.Sprintf("conn#%d(%s,%s,epoch=%d)", c.Local, c.RemoteNode, c.Dir, c.Epoch)
}
