package domain

import (
	"crypto/sha1"
	"encoding/binary"
)

// Key is a 32-bit hashed DHT key plus an explicit 8-bit sub-key, letting a
// single key hold a small multi-map of independent values (e.g. distinct
// record types under one logical name).
type Key struct {
	Hash   uint32
	Subkey uint8
}

// replicaXor is XORed into a key's hash to derive its replica placement
// target: writes go to both `key` and `key XOR 0x80808080`.
const replicaXor uint32 = 0x80808080

// ReplicaHash returns the hash of the replica placement target for this key.
func (k Key) ReplicaHash() uint32 {
	return k.Hash ^ replicaXor
}

// PlacementTarget returns the NodeId that the original (replica=false) or
// replica (replica=true) copy of this key is placed at, using identity
// routing: the placement target's bytes are exactly the (possibly XORed)
// key hash, and Router.Closest finds the live node nearest to it.
func (k Key) PlacementTarget(replica bool) NodeId {
	h := k.Hash
	if replica {
		h = k.ReplicaHash()
	}
	return NodeId(h)
}

// KeyFromString derives a Key's hash from an arbitrary name the same way
// NodeIdFromString derives a NodeId, so an operator typing a human-readable
// key gets a stable, uniformly distributed placement.
func KeyFromString(name string, subkey uint8) Key {
	h := sha1.Sum([]byte(name))
	return Key{Hash: binary.BigEndian.Uint32(h[:4]), Subkey: subkey}
}

// Bytes renders the key as its 4-byte hash in big-endian order, the form
// used on the wire.
func (k Key) Bytes() [4]byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], k.Hash)
	return b
}
