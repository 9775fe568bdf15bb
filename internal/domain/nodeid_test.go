package domain

import "testing"

func TestLayerMatch(t *testing.T) {
	tests := []struct {
		name string
		a, b NodeId
		want int
	}{
		{"equal", 0x0A00C8C8, 0x0A00C8C8, 4},
		{"diverge at L1", 0x0A000000, 0x0B000000, 0},
		{"diverge at L2", 0x0A010000, 0x0A020000, 1},
		{"diverge at L4", 0x0A0102C8, 0x0A010203, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.LayerMatch(tt.b); got != tt.want {
				t.Errorf("LayerMatch(%s,%s) = %d, want %d", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestFirstDivergentLayer(t *testing.T) {
	a := NodeId(0x0A010203)
	b := NodeId(0x0A010299)
	layer, ok := a.FirstDivergentLayer(b)
	if !ok || layer != 3 {
		t.Fatalf("FirstDivergentLayer = (%d,%v), want (3,true)", layer, ok)
	}
	if _, ok := a.FirstDivergentLayer(a); ok {
		t.Fatalf("FirstDivergentLayer(self) should report ok=false")
	}
}

func TestXorDistance(t *testing.T) {
	a := NodeId(0x01020304)
	b := NodeId(0x81828384)
	if got := a.XorDistance(b); got != 0x80808080 {
		t.Fatalf("XorDistance = %#x, want 0x80808080", got)
	}
	if a.XorDistance(a) != 0 {
		t.Fatalf("XorDistance(self) must be 0")
	}
}

func TestNodeIdHexRoundTrip(t *testing.T) {
	id := NodeId(0xDEADBEEF)
	hex := id.ToHexString()
	got, err := ParseNodeIdHex(hex)
	if err != nil {
		t.Fatalf("ParseNodeIdHex: %v", err)
	}
	if got != id {
		t.Fatalf("round trip mismatch: got %s, want %s", got, id)
	}
	if _, err := ParseNodeIdHex("zz"); err == nil {
		t.Fatalf("expected error for invalid hex")
	}
}
