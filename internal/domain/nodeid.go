// Package domain defines the core value types shared by every feature of the
// overlay network plane: node identifiers, addresses, connection handles and
// link metrics. Nothing in this package talks to a network or a clock; it is
// pure data plus the arithmetic the routing and DHT features need.
package domain

import (
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// NodeId is an opaque 32-bit identifier viewed as four ordered bytes
// (L1, L2, L3, L4), interpreted as geographic layers Zone/Region/Group/Index.
//
// Equality is integer equality. "Layer match" between two NodeIds is the
// count of leading bytes that agree, and XOR distance is the bitwise XOR of
// the two values interpreted as an unsigned integer — both are used
// throughout the Router and the DHT to pick next hops and placement targets.
type NodeId uint32

// Byte returns the byte at the given layer (0=L1 .. 3=L4).
// Layer indices outside [0,3] panic: every caller in this codebase derives
// the index from a loop over the four fixed layers, so an out-of-range
// index is a programming error, not user input.
func (id NodeId) Byte(layer int) byte {
	if layer < 0 || layer > 3 {
		panic(fmt.Sprintf("domain: layer index out of range: %d", layer))
	}
	return byte(uint32(id) >> uint(8*(3-layer)))
}

// Bytes returns the four layer bytes in order (L1, L2, L3, L4).
func (id NodeId) Bytes() [4]byte {
	return [4]byte{id.Byte(0), id.Byte(1), id.Byte(2), id.Byte(3)}
}

// NodeIdFromBytes reassembles a NodeId from its four big-endian layer bytes.
func NodeIdFromBytes(b [4]byte) NodeId {
	return NodeId(binary.BigEndian.Uint32(b[:]))
}

// LayerMatch returns the number of leading bytes (0..4) that x and other
// share, i.e. the depth at which the two identifiers first diverge. A
// result of 4 means the identifiers are equal.
func (x NodeId) LayerMatch(other NodeId) int {
	xb, ob := x.Bytes(), other.Bytes()
	n := 0
	for n < 4 && xb[n] == ob[n] {
		n++
	}
	return n
}

// FirstDivergentLayer returns the lowest layer index k (0..3) at which x and
// other differ, and ok=false if the two identifiers are equal (no layer
// diverges). Router.path_to uses this to pick which table to consult.
func (x NodeId) FirstDivergentLayer(other NodeId) (layer int, ok bool) {
	m := x.LayerMatch(other)
	if m == 4 {
		return 0, false
	}
	return m, true
}

// XorDistance returns the bitwise XOR of x and other, interpreted as an
// unsigned integer distance in the identifier space. Used by the DHT to
// select the closest node to a key.
func (x NodeId) XorDistance(other NodeId) uint32 {
	return uint32(x) ^ uint32(other)
}

// String renders the NodeId as a dotted-layer form (e.g. "10.0.3.200"),
// echoing the four-byte geo-layer structure rather than a bare hex integer.
func (id NodeId) String() string {
	b := id.Bytes()
	return fmt.Sprintf("%d.%d.%d.%d", b[0], b[1], b[2], b[3])
}

// ToHexString renders the NodeId as 8 lowercase hex digits, used for logging
// and wire-level debugging where a compact fixed-width form is preferable to
// the dotted layer form.
func (id NodeId) ToHexString() string {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(id))
	return hex.EncodeToString(buf[:])
}

// NodeIdFromString derives a NodeId from an arbitrary string (typically a
// node's advertised address) by taking the leading four bytes of its SHA-1
// digest, big-endian. Used when a node is started without a configured id.
func NodeIdFromString(s string) NodeId {
	h := sha1.Sum([]byte(s))
	return NodeIdFromBytes([4]byte{h[0], h[1], h[2], h[3]})
}

// ParseNodeIdHex parses an 8-hex-digit string (optionally "0x"-prefixed)
// into a NodeId.
func ParseNodeIdHex(s string) (NodeId, error) {
	if len(s) >= 2 && (s[0:2] == "0x" || s[0:2] == "0X") {
		s = s[2:]
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return 0, fmt.Errorf("domain: invalid node id %q: %w", s, err)
	}
	if len(raw) != 4 {
		return 0, fmt.Errorf("domain: node id %q must be 4 bytes, got %d", s, len(raw))
	}
	return NodeId(binary.BigEndian.Uint32(raw)), nil
}
