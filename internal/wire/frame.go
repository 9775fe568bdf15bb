// Package wire implements the plane's transport-independent frame codec:
// a fixed one-byte service id, one-byte flags, and a length-prefixed
// payload of fixed little-endian fields. It has no knowledge of any
// feature's payload semantics beyond the byte layout helpers below.
package wire

import (
	"encoding/binary"
	"fmt"
)

// ServiceId is the closed set of feature dispatch targets carried in every
// frame header.
type ServiceId uint8

const (
	ServiceRouterSync ServiceId = 1
	ServiceKeyValue   ServiceId = 2
	ServicePubSub     ServiceId = 3
	ServiceNodeAlias  ServiceId = 4
	ServiceRpcReqRes  ServiceId = 5
	ServiceKeepalive  ServiceId = 6
	ServiceDiscovery  ServiceId = 7
)

func (s ServiceId) String() string {
	switch s {
	case ServiceRouterSync:
		return "router_sync"
	case ServiceKeyValue:
		return "key_value"
	case ServicePubSub:
		return "pub_sub"
	case ServiceNodeAlias:
		return "node_alias"
	case ServiceRpcReqRes:
		return "rpc_req_res"
	case ServiceKeepalive:
		return "keepalive"
	case ServiceDiscovery:
		return "discovery_control"
	default:
		return fmt.Sprintf("service(%d)", uint8(s))
	}
}

// Flags are the per-frame bits carried in the header.
type Flags uint8

const (
	FlagReliable Flags = 1 << 0
	FlagAck      Flags = 1 << 1
	FlagBroadcast Flags = 1 << 2
)

const headerLen = 4

// Frame is one decoded plane message: a header plus its opaque payload.
// Features encode/decode Payload themselves; wire never interprets it.
type Frame struct {
	Service ServiceId
	Flags   Flags
	Payload []byte
}

// Encode renders a Frame as `[service_id][flags][len:u16 LE][payload]`.
// It returns an error if the payload exceeds the 16-bit length field.
func Encode(f Frame) ([]byte, error) {
	if len(f.Payload) > 0xFFFF {
		return nil, fmt.Errorf("wire: payload too large: %d bytes", len(f.Payload))
	}
	buf := make([]byte, headerLen+len(f.Payload))
	buf[0] = byte(f.Service)
	buf[1] = byte(f.Flags)
	binary.LittleEndian.PutUint16(buf[2:4], uint16(len(f.Payload)))
	copy(buf[headerLen:], f.Payload)
	return buf, nil
}

// Decode parses a single frame from buf. It returns the frame, the number
// of bytes consumed, and ok=false if buf does not yet hold a complete
// frame (the caller should wait for more bytes).
func Decode(buf []byte) (f Frame, n int, ok bool, err error) {
	if len(buf) < headerLen {
		return Frame{}, 0, false, nil
	}
	plen := int(binary.LittleEndian.Uint16(buf[2:4]))
	total := headerLen + plen
	if len(buf) < total {
		return Frame{}, 0, false, nil
	}
	payload := make([]byte, plen)
	copy(payload, buf[headerLen:total])
	return Frame{
		Service: ServiceId(buf[0]),
		Flags:   Flags(buf[1]),
		Payload: payload,
	}, total, true, nil
}
